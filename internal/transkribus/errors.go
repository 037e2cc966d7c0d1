package transkribus

import (
	"errors"
	"fmt"
)

// ErrNoCredits signals a 429 from the submission endpoint: the account has no
// processing credits left. Callers treat it as sticky for the rest of a run.
var ErrNoCredits = errors.New("no more credits")

// AuthError is a failed token acquisition, refresh, or a credential response
// with no access token in it. Always fatal for the run.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// SubmissionError is a failed image submission. Fatal for the item, not the
// run.
type SubmissionError struct {
	Source string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Source, e.Err)
}
func (e *SubmissionError) Unwrap() error { return e.Err }

// PollError is a failed status check for a submitted process. Fatal for the
// item, not the run.
type PollError struct {
	ProcessID string
	Err       error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll %s: %v", e.ProcessID, e.Err)
}
func (e *PollError) Unwrap() error { return e.Err }

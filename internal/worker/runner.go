package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"transkribusctl/internal/task"
	"transkribusctl/internal/transkribus"
)

// ConfigError is an invalid runner configuration, caught before any work
// starts.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// Config for runner behavior.
type Config struct {
	// Concurrency caps how many pipelines may be between submission and
	// persistence at once.
	Concurrency int
	// PollInterval is the delay before the first status check and between
	// subsequent checks.
	PollInterval time.Duration
	// PollTimeout bounds how long one item may stay in the poll loop.
	// 0 means wait forever.
	PollTimeout time.Duration
	// RPS, when positive, spaces out submissions to at most this many
	// requests per second.
	RPS float64
	// Verbose enables per-item debug logging.
	Verbose bool
}

// Runner fans a list of work items out through per-item pipelines, bounded
// by Config.Concurrency.
type Runner struct {
	client  *transkribus.Client
	tokens  *transkribus.TokenSource
	cfg     Config
	limiter *rate.Limiter

	counts    task.Counts
	noCredits atomic.Bool

	// OnResult, when set, is invoked once per item with its terminal
	// disposition. Called concurrently from pipeline goroutines.
	OnResult func(item task.WorkItem, disposition string, err error)
}

func NewRunner(client *transkribus.Client, tokens *transkribus.TokenSource, cfg Config) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	r := &Runner{client: client, tokens: tokens, cfg: cfg}
	if cfg.RPS > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return r
}

// Run processes every item and returns the aggregated outcome once all
// pipelines have reached a terminal disposition.
func (r *Runner) Run(ctx context.Context, items []task.WorkItem) (task.Summary, error) {
	if r.cfg.Concurrency <= 0 {
		return task.Summary{}, &ConfigError{Reason: "concurrency must be a positive integer"}
	}

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for _, item := range items {
		item := item
		g.Go(func() error {
			r.process(ctx, item)
			return nil
		})
	}
	// Pipelines never return errors into the group; per-item failures
	// become counter increments. Wait means every item is terminal.
	g.Wait()
	return r.counts.Snapshot(), nil
}

func (r *Runner) process(ctx context.Context, item task.WorkItem) {
	disposition, err := r.pipeline(ctx, item)
	r.counts.Add(disposition)
	if err != nil {
		log.Printf("%s: %v", item.Source, err)
	}
	if r.OnResult != nil {
		r.OnResult(item, disposition, err)
	}
}

// pipeline runs one item through submit, poll, persist. Every return is a
// terminal disposition.
func (r *Runner) pipeline(ctx context.Context, item task.WorkItem) (string, error) {
	if r.noCredits.Load() {
		r.debugf("not submitting %s: no credits left", item.Source)
		return task.DispositionFailed, nil
	}

	if _, err := os.Stat(item.Destination); err == nil {
		r.debugf("%s: output file already exists, skipping", item.Destination)
		return task.DispositionSkipped, nil
	}

	if err := os.MkdirAll(filepath.Dir(item.Destination), 0o755); err != nil {
		return task.DispositionFailed, fmt.Errorf("create output dir: %w", err)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return task.DispositionFailed, err
		}
	}

	log.Printf("submitting %s for processing...", item.Source)
	processID, err := r.client.Submit(ctx, r.tokens.Current().AccessToken, item.Source)
	if err != nil {
		if errors.Is(err, transkribus.ErrNoCredits) {
			// Sticky for the rest of the run; never reset.
			r.noCredits.Store(true)
		}
		return task.DispositionFailed, err
	}
	r.debugf("submitted %s (pid: %s)", item.Source, processID)

	var deadline time.Time
	if r.cfg.PollTimeout > 0 {
		deadline = time.Now().Add(r.cfg.PollTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return task.DispositionFailed, &transkribus.PollError{ProcessID: processID, Err: ctx.Err()}
		case <-time.After(r.cfg.PollInterval):
		}

		status, payload, err := r.client.Status(ctx, r.tokens.Current().AccessToken, processID)
		if err != nil {
			return task.DispositionFailed, err
		}
		if transkribus.IsTerminal(status) {
			if err := os.WriteFile(item.Destination, payload, 0o644); err != nil {
				return task.DispositionFailed, fmt.Errorf("write output: %w", err)
			}
			log.Printf("%s done (%s), output written to %s", item.Source, status, item.Destination)
			return task.DispositionProcessed, nil
		}
		r.debugf("%s still %s", processID, status)

		if !deadline.IsZero() && time.Now().After(deadline) {
			return task.DispositionFailed, &transkribus.PollError{
				ProcessID: processID,
				Err:       fmt.Errorf("gave up after %s, last status %s", r.cfg.PollTimeout, status),
			}
		}
	}
}

func (r *Runner) debugf(format string, args ...any) {
	if r.cfg.Verbose {
		log.Printf(format, args...)
	}
}

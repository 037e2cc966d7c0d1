package transkribus

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	DefaultOIDCEndpoint      = "https://account.readcoop.eu/auth/realms/readcoop/protocol/openid-connect"
	DefaultProcessesEndpoint = "https://transkribus.eu/processing/v1/processes"
	DefaultClientID          = "processing-api-client"

	// DefaultHTRID is the text recognition model "Print 0.3".
	DefaultHTRID = 36202
)

// Process statuses reported by the status endpoint. Anything outside the
// first three is terminal.
const (
	StatusCreated  = "CREATED"
	StatusWaiting  = "WAITING"
	StatusRunning  = "RUNNING"
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

// IsTerminal reports whether a process with the given status will make no
// further progress.
func IsTerminal(status string) bool {
	switch status {
	case StatusCreated, StatusWaiting, StatusRunning:
		return false
	}
	return true
}

// Token is a credential payload from the OIDC endpoint.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ClientConfig configures the API client.
type ClientConfig struct {
	OIDCEndpoint      string
	ProcessesEndpoint string
	ClientID          string
	HTRID             int
	HTTPClient        *http.Client
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.OIDCEndpoint == "" {
		out.OIDCEndpoint = DefaultOIDCEndpoint
	}
	if out.ProcessesEndpoint == "" {
		out.ProcessesEndpoint = DefaultProcessesEndpoint
	}
	if out.ClientID == "" {
		out.ClientID = DefaultClientID
	}
	if out.HTRID == 0 {
		out.HTRID = DefaultHTRID
	}
	if out.HTTPClient == nil {
		// The processing API closes idle TCP connections after ~10s, so
		// keep-alive reuse runs into unexpected closures. Force a fresh
		// connection per request.
		out.HTTPClient = &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
			Timeout:   60 * time.Second,
		}
	}
	return out
}

// Client talks to the Transkribus OIDC and processing endpoints.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	full := cfg.withDefaults()
	return &Client{cfg: full, http: full.HTTPClient}
}

// Login exchanges a username and password for a token.
func (c *Client) Login(ctx context.Context, username, password string) (*Token, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
		"client_id":  {c.cfg.ClientID},
	}
	tok, err := c.tokenRequest(ctx, form)
	if err != nil {
		return nil, &AuthError{Op: "login", Err: err}
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a fresh token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
	}
	tok, err := c.tokenRequest(ctx, form)
	if err != nil {
		return nil, &AuthError{Op: "refresh", Err: err}
	}
	return tok, nil
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*Token, error) {
	body, status, err := c.postForm(ctx, c.cfg.OIDCEndpoint+"/token", form)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("token endpoint returned %d: %s", status, strings.TrimSpace(string(body)))
	}
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("no access token in response: %s", strings.TrimSpace(string(body)))
	}
	return &tok, nil
}

// Revoke invalidates the refresh token. Best effort: callers log the error
// and move on, revocation failure must never block shutdown.
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
	}
	body, status, err := c.postForm(ctx, c.cfg.OIDCEndpoint+"/logout", form)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("revocation returned %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

type submitRequest struct {
	Config submitConfig `json:"config"`
	Image  submitImage  `json:"image"`
}

type submitConfig struct {
	TextRecognition textRecognition `json:"textRecognition"`
}

type textRecognition struct {
	HTRID int `json:"htrId"`
}

type submitImage struct {
	ImageURL string `json:"imageUrl,omitempty"`
	Base64   string `json:"base64,omitempty"`
}

type submitResponse struct {
	ProcessID string `json:"processId"`
}

// Submit sends one image for recognition and returns the process ID. The
// source is either a remote URL (sent as-is after validation) or a local file
// path (read and embedded base64). A 429 response wraps ErrNoCredits.
func (c *Client) Submit(ctx context.Context, accessToken, source string) (string, error) {
	body := submitRequest{
		Config: submitConfig{TextRecognition: textRecognition{HTRID: c.cfg.HTRID}},
	}

	if strings.HasPrefix(source, "http") {
		if !validURL(source) {
			return "", &SubmissionError{Source: source, Err: fmt.Errorf("not a valid URL")}
		}
		body.Image.ImageURL = source
	} else {
		raw, err := os.ReadFile(source)
		if err != nil {
			return "", &SubmissionError{Source: source, Err: err}
		}
		body.Image.Base64 = base64.StdEncoding.EncodeToString(raw)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", &SubmissionError{Source: source, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ProcessesEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &SubmissionError{Source: source, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &SubmissionError{Source: source, Err: fmt.Errorf("connection error: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &SubmissionError{Source: source, Err: ErrNoCredits}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		raw, _ := io.ReadAll(resp.Body)
		return "", &SubmissionError{Source: source, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &SubmissionError{Source: source, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ProcessID == "" {
		return "", &SubmissionError{Source: source, Err: fmt.Errorf("no processId in response")}
	}
	return out.ProcessID, nil
}

// Status fetches the current state of a submitted process. It returns the
// status field plus the raw response body, which is what gets persisted
// verbatim once the process is terminal.
func (c *Client) Status(ctx context.Context, accessToken, processID string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ProcessesEndpoint+"/"+processID, nil)
	if err != nil {
		return "", nil, &PollError{ProcessID: processID, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, &PollError{ProcessID: processID, Err: fmt.Errorf("connection error: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, &PollError{ProcessID: processID, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, &PollError{ProcessID: processID, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil, &PollError{ProcessID: processID, Err: fmt.Errorf("decode response: %w", err)}
	}
	return payload.Status, body, nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

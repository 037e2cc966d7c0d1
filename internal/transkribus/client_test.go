package transkribus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		OIDCEndpoint:      srv.URL + "/oidc",
		ProcessesEndpoint: srv.URL + "/processes",
	})
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oidc/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		if r.Form.Get("grant_type") != "password" {
			t.Errorf("expected password grant, got %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("client_id") != DefaultClientID {
			t.Errorf("unexpected client_id %q", r.Form.Get("client_id"))
		}
		if r.Form.Get("username") != "alice" || r.Form.Get("password") != "s3cret" {
			t.Errorf("credentials not forwarded")
		}
		json.NewEncoder(w).Encode(Token{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 300})
	}))

	tok, err := c.Login(context.Background(), "alice", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.ExpiresIn != 300 {
		t.Fatalf("unexpected token: %+v", tok)
	}
}

func TestLoginFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"non-2xx": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
		},
		"no access token": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":"invalid_grant"}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, handler)
			_, err := c.Login(context.Background(), "alice", "wrong")
			if err == nil {
				t.Fatal("expected error")
			}
			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("expected *AuthError, got %T: %v", err, err)
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "old-rt" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		json.NewEncoder(w).Encode(Token{AccessToken: "new-at", RefreshToken: "new-rt", ExpiresIn: 300})
	}))

	tok, err := c.Refresh(context.Background(), "old-rt")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tok.AccessToken != "new-at" {
		t.Fatalf("unexpected token: %+v", tok)
	}
}

func TestRevoke(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oidc/logout" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		if r.Form.Get("refresh_token") != "rt" {
			t.Errorf("refresh token not forwarded")
		}
		w.WriteHeader(int(status.Load()))
	}))

	if err := c.Revoke(context.Background(), "rt"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	status.Store(http.StatusInternalServerError)
	if err := c.Revoke(context.Background(), "rt"); err == nil {
		t.Fatal("expected error for non-204 response")
	}
}

func TestSubmitURL(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Config.TextRecognition.HTRID != DefaultHTRID {
			t.Errorf("unexpected htrId %d", req.Config.TextRecognition.HTRID)
		}
		if req.Image.ImageURL != "https://example.com/page.jpg" || req.Image.Base64 != "" {
			t.Errorf("unexpected image payload: %+v", req.Image)
		}
		json.NewEncoder(w).Encode(submitResponse{ProcessID: "pid-1"})
	}))

	pid, err := c.Submit(context.Background(), "tok", "https://example.com/page.jpg")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if pid != "pid-1" {
		t.Fatalf("unexpected process id %q", pid)
	}
}

func TestSubmitLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.jpg")
	if err := os.WriteFile(path, []byte("jpegbytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(req.Image.Base64)
		if err != nil {
			t.Errorf("decode base64: %v", err)
		}
		if string(raw) != "jpegbytes" {
			t.Errorf("unexpected image content %q", raw)
		}
		json.NewEncoder(w).Encode(submitResponse{ProcessID: "pid-2"})
	}))

	pid, err := c.Submit(context.Background(), "tok", path)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if pid != "pid-2" {
		t.Fatalf("unexpected process id %q", pid)
	}
}

func TestSubmitLocalPreconditions(t *testing.T) {
	var requests atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))

	if _, err := c.Submit(context.Background(), "tok", "http://bad url/x"); err == nil {
		t.Fatal("expected error for malformed URL")
	}
	if _, err := c.Submit(context.Background(), "tok", filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if n := requests.Load(); n != 0 {
		t.Fatalf("precondition failures must not reach the API, got %d requests", n)
	}
}

func TestSubmitNoCredits(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.Submit(context.Background(), "tok", "https://example.com/page.jpg")
	if !errors.Is(err, ErrNoCredits) {
		t.Fatalf("expected ErrNoCredits, got %v", err)
	}
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected *SubmissionError, got %T", err)
	}
}

func TestStatus(t *testing.T) {
	payload := `{"processId":"pid-1","status":"FINISHED","content":{"text":"hello"}}`
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/processes/pid-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(payload))
	}))

	status, raw, err := c.Status(context.Background(), "tok", "pid-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusFinished {
		t.Fatalf("unexpected status %q", status)
	}
	if string(raw) != payload {
		t.Fatalf("raw payload altered: %q", raw)
	}
}

func TestStatusConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := NewClient(ClientConfig{ProcessesEndpoint: srv.URL + "/processes"})
	srv.Close()

	_, _, err := c.Status(context.Background(), "tok", "pid-1")
	var pollErr *PollError
	if !errors.As(err, &pollErr) {
		t.Fatalf("expected *PollError, got %T: %v", err, err)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{StatusCreated, StatusWaiting, StatusRunning} {
		if IsTerminal(status) {
			t.Fatalf("%s should not be terminal", status)
		}
	}
	for _, status := range []string{StatusFinished, StatusFailed, "UNKNOWN"} {
		if !IsTerminal(status) {
			t.Fatalf("%s should be terminal", status)
		}
	}
}

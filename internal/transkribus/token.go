package transkribus

import (
	"context"
	"log"
	"sync"
	"time"
)

// refreshAfter returns how long to wait before refreshing a token with the
// given lifetime: 90% of it, so the refresh lands before expiry.
func refreshAfter(expiresIn int) time.Duration {
	return time.Duration(float64(expiresIn) * 0.9 * float64(time.Second))
}

// TokenSource holds the live token for a run and refreshes it in the
// background before it expires. Writers: the refresh goroutine only. Readers
// take an immutable snapshot via Current, so a pipeline sees either the old
// token or the new one, never a partial update.
type TokenSource struct {
	client *Client

	mu  sync.Mutex
	tok *Token

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTokenSource(client *Client, tok *Token) *TokenSource {
	return &TokenSource{client: client, tok: tok}
}

// Current returns the latest token snapshot.
func (ts *TokenSource) Current() *Token {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.tok
}

func (ts *TokenSource) set(tok *Token) {
	ts.mu.Lock()
	ts.tok = tok
	ts.mu.Unlock()
}

// Start launches the background refresh loop. A refresh failure stalls every
// in-flight job, so it is not retried: fatal is invoked once and the loop
// exits.
func (ts *TokenSource) Start(ctx context.Context, fatal func(error)) {
	ctx, ts.cancel = context.WithCancel(ctx)
	ts.wg.Add(1)
	go ts.loop(ctx, fatal)
}

func (ts *TokenSource) loop(ctx context.Context, fatal func(error)) {
	defer ts.wg.Done()
	for {
		wait := refreshAfter(ts.Current().ExpiresIn)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		log.Printf("refreshing access token...")
		tok, err := ts.client.Refresh(ctx, ts.Current().RefreshToken)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fatal(err)
			return
		}
		ts.set(tok)
	}
}

// Stop cancels the refresh loop and waits for it, so the process never exits
// mid-refresh.
func (ts *TokenSource) Stop() {
	if ts.cancel != nil {
		ts.cancel()
	}
	ts.wg.Wait()
}

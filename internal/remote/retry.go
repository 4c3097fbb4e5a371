package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a Doer with automatic retry of transient failures.
// Only requests that can be replayed are retried: requests without a body,
// or with GetBody set. POST is never retried.
type RetryClient struct {
	inner  Doer
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps the given Doer.
func NewRetryClient(inner Doer, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// isTransient returns true for errors that are worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return transientStatus(se.Status)
	}
	if errors.Is(err, ErrUnsupportedVersion) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

func transientStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func replayable(req *http.Request) bool {
	if req.Method == http.MethodPost {
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// backoff computes the delay for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	base := float64(rc.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rc.config.MaxBackoff) {
		base = float64(rc.config.MaxBackoff)
	}
	jitter := base * rc.config.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do sends req, retrying transient failures when the request is replayable.
// A transient status on the final attempt is returned as the response.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	if !replayable(req) {
		return rc.inner.Do(req)
	}

	ctx := req.Context()
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		attemptReq, err := rewind(req, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := rc.inner.Do(attemptReq)
		last := attempt == rc.config.MaxRetries
		switch {
		case err == nil && (!transientStatus(resp.StatusCode) || last):
			return resp, nil
		case err == nil:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = &StatusError{Status: resp.StatusCode, Body: http.StatusText(resp.StatusCode)}
		case !isTransient(err):
			return nil, err
		default:
			lastErr = err
		}

		if !last {
			if err := sleep(ctx, rc.backoff(attempt)); err != nil {
				return nil, fmt.Errorf("%s %s: %w (retry cancelled)", req.Method, req.URL, lastErr)
			}
		}
	}
	return nil, fmt.Errorf("%s %s: %w (after %d retries)", req.Method, req.URL, lastErr, rc.config.MaxRetries)
}

func rewind(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 0 || req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

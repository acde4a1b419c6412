// Package fetch performs single GETs against the thesis repository and
// implements the retry policy which classifies its responses.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Class is the retry-policy classification of an upstream HTTP status.
type Class int

const (
	// Success is a 200 response.
	Success Class = iota
	// Retryable statuses are worth further attempts (429 and most 5xx).
	Retryable
	// TerminalAbsent means the item does not exist upstream (404/410)
	// and must be drained from the queue.
	TerminalAbsent
	// TerminalOther is any other non-200; recorded and drained, not retried.
	TerminalOther
)

// Classify maps an HTTP status code to its retry class.
func Classify(status int) Class {
	switch status {
	case http.StatusOK:
		return Success
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return Retryable
	case http.StatusNotFound, http.StatusGone:
		return TerminalAbsent
	default:
		return TerminalOther
	}
}

// RetryPolicy bounds in-scheduler retries of upstream fetches.
type RetryPolicy struct {
	Attempts    int           // Maximum fetch attempts per dispatch.
	BackoffBase time.Duration // Base of the exponential schedule.
	JitterMax   time.Duration // Upper bound of the additive full jitter.
}

// DefaultRetryPolicy matches the worker's production defaults.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:    3,
	BackoffBase: time.Second,
	JitterMax:   600 * time.Millisecond,
}

// Backoff returns the sleep preceding attempt |attempt|+1:
// BackoffBase * 2^attempt plus uniform jitter in [0, JitterMax).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	var d = p.BackoffBase * (1 << attempt)
	if p.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return d
}

// Fetcher issues GETs with a per-call deadline. It performs no retries of
// its own; retrying is driven by FetchWithRetry per the policy.
type Fetcher struct {
	client *http.Client
}

// NewFetcher returns a Fetcher whose requests time out after |timeout|.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch GETs |url| and returns the status code and response body.
// A non-nil error is a transport failure; HTTP error statuses are
// returned to the caller for classification.
func (f *Fetcher) Fetch(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// FetchWithRetry drives up to |policy.Attempts| fetches of |url|, sleeping
// the backoff schedule between attempts on transport errors and Retryable
// statuses. It returns the final status and body, or the final transport
// error if every attempt failed in transport.
//
// Terminal statuses (including Success) return immediately. A Retryable
// status returned by the last attempt is passed back to the caller, which
// treats it as a transient-exhausted signal.
func (f *Fetcher) FetchWithRetry(ctx context.Context, url string, policy RetryPolicy) (int, []byte, error) {
	var (
		status int
		body   []byte
		err    error
	)
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Backoff(attempt - 1)):
			case <-ctx.Done():
				return status, body, ctx.Err()
			}
		}

		status, body, err = f.Fetch(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, err
			}
			log.WithFields(log.Fields{
				"url":     url,
				"attempt": attempt,
				"err":     err,
			}).Warn("upstream fetch failed (will retry)")
			continue
		}
		if Classify(status) != Retryable {
			return status, body, nil
		}
		log.WithFields(log.Fields{
			"url":     url,
			"attempt": attempt,
			"status":  status,
		}).Warn("upstream returned retryable status")
	}
	return status, body, err
}

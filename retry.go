package durablestreams

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// shouldRetry returns true if the given status code should be retried.
func shouldRetry(statusCode int) bool {
	// Retry on server errors (5xx) and rate limiting (429)
	// Do NOT retry on client errors (4xx except 429)
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 && statusCode < 600 {
		return true
	}
	return false
}

// parseRetryAfter parses the Retry-After header.
// Returns 0 if the header is not present or invalid.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	// Try parsing as seconds
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	// Try parsing as HTTP-date
	if t, err := http.ParseTime(header); err == nil {
		delta := time.Until(t)
		if delta > 0 {
			// Cap at 1 hour
			if delta > time.Hour {
				delta = time.Hour
			}
			return delta
		}
	}

	return 0
}

// statusError is a retryable status response whose body was discarded.
type statusError struct {
	statusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("retryable status %d", e.statusCode)
}

// newBackOff builds the exponential schedule for p.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	return b
}

// do executes a request with the client's retry policy.
// makeRequest must build a fresh request on every call so bodies can be
// re-read. Network failures, 5xx and 429 are retried with exponential
// backoff; a Retry-After header overrides the computed delay. Any other
// response is returned to the caller, which owns its body.
//
// A cancelled ctx ends the retry loop and its error is returned unwrapped,
// so callers can tell cancellation from failure.
func (c *Client) do(
	ctx context.Context,
	op, url string,
	makeRequest func(ctx context.Context) (*http.Request, error),
) (*http.Response, error) {
	policy := c.retryPolicy
	var lastErr error

	attempt := func() (*http.Response, error) {
		req, err := makeRequest(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			lastErr = transportError(op, url, err)
			return nil, lastErr
		}
		if !shouldRetry(resp.StatusCode) {
			return resp, nil
		}

		// Discard body before retry
		resp.Body.Close()
		lastErr = &statusError{statusCode: resp.StatusCode}
		if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
			return nil, backoff.RetryAfter(int((wait + time.Second - 1) / time.Second))
		}
		return nil, lastErr
	}

	resp, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(policy.newBackOff()),
		backoff.WithMaxTries(uint(max(policy.MaxRetries, 0))+1),
		backoff.WithMaxElapsedTime(max(policy.MaxElapsedTime, 0)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying request",
				zap.String("op", op),
				zap.String("url", url),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// A Retry-After wait replaces the error that caused it.
	var retryAfter *backoff.RetryAfterError
	if errors.As(err, &retryAfter) && lastErr != nil {
		err = lastErr
	}
	var status *statusError
	if errors.As(err, &status) {
		return nil, classifyStatus(op, url, status.statusCode)
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return nil, streamErr
	}
	return nil, newStreamError(op, url, 0, err)
}

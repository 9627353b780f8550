package main

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// retrier retries transient request failures with capped exponential backoff.
type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	logger     zerolog.Logger
}

func newRetrier(initialMs, maxMs, maxRetries int, logger zerolog.Logger) *retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// do calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. A Retry-After from the server stretches the wait
// up to the configured maximum.
func (r *retrier) do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) || ctx.Err() != nil {
			return err
		}

		delay := backoffWithJitter(r.initial, r.max, attempt)
		var statusErr retryableStatusError
		if errors.As(err, &statusErr) && statusErr.retryAfter > delay {
			delay = statusErr.retryAfter
			if delay > r.max {
				delay = r.max
			}
		}
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("retrying request")
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffWithJitter returns a delay in [b/2, b] where b doubles per attempt up to max.
func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := math.Min(float64(initial)*math.Pow(2, float64(attempt)), float64(max))
	half := b / 2
	return time.Duration(half + rand.Float64()*half)
}

func isRetryableHTTP(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr retryableStatusError
	return errors.As(err, &statusErr)
}

func isRetryableStatus(status int) bool {
	return status >= 500 && status < 600 || status == http.StatusTooManyRequests
}

// retryableStatusError is a 5xx or 429 answer.
type retryableStatusError struct {
	status     int
	retryAfter time.Duration
}

func newRetryableStatusError(resp *http.Response) retryableStatusError {
	e := retryableStatusError{status: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.retryAfter = time.Duration(secs) * time.Second
	}
	return e
}

func (e retryableStatusError) Error() string {
	if e.retryAfter > 0 {
		return http.StatusText(e.status) + " (retry after " + e.retryAfter.String() + ")"
	}
	return http.StatusText(e.status)
}

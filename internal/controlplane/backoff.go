package controlplane

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Backoff is the caller-side retry schedule for transient gateway failures:
// Base doubles per attempt up to Max, and a server Retry-After wins when set.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int, err error) time.Duration {
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) && gatewayErr.RetryAfter > 0 {
		if gatewayErr.RetryAfter > maxDelay {
			return maxDelay
		}
		return gatewayErr.RetryAfter
	}
	delay := b.Base
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Retryable reports whether err should be retried under this schedule.
// Credential rejections never are.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrAuthRejected) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

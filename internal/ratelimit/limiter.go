// Package ratelimit defines the throttle used in front of external APIs.
package ratelimit

import (
	"context"
	"errors"
)

// ErrWaitExceeded is returned by Wait when the limiter's wait budget runs out.
var ErrWaitExceeded = errors.New("rate limit wait budget exceeded")

// RateLimiter throttles calls against a named external resource.
type RateLimiter interface {
	Allow(ctx context.Context, resource string) (bool, error)
	Wait(ctx context.Context, resource string) error
}

// Noop never throttles. It is used when no shared limiter is configured.
type Noop struct{}

var _ RateLimiter = Noop{}

func (Noop) Allow(ctx context.Context, resource string) (bool, error) { return true, nil }

// Wait only reports cancellation of ctx.
func (Noop) Wait(ctx context.Context, resource string) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

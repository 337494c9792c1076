package ratelimit

import (
	"context"
	"errors"
)

// ErrWaitExceeded is returned by Wait when no slot opened within the limiter's
// maximum wait.
var ErrWaitExceeded = errors.New("rate limit wait exceeded")

// RateLimiter controls delivery throughput per backend.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}

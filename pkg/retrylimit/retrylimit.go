// Package retrylimit retries flaky lookups with exponential backoff behind an
// adaptive rate limit.
//
// Example usage:
//
//	lim := retrylimit.NewAdaptiveLimiter(2, 0.5, 5, 0.5)
//	err := retrylimit.Do(ctx, retrylimit.DefaultConfig(), lim, func(ctx context.Context) error {
//	    return lookup(ctx)
//	})
package retrylimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// errorCooldown is how long after a failure the limiter refuses to speed up.
const errorCooldown = 10 * time.Second

// AdaptiveLimiter slows down after failures and speeds back up after
// successes. It is safe for concurrent use.
type AdaptiveLimiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	minLimit  rate.Limit
	maxLimit  rate.Limit
	stepDown  float64
	lastError time.Time
}

// NewAdaptiveLimiter creates a limiter starting at initial requests per second.
// stepDown multiplies the rate after a failure (0.5 halves it).
func NewAdaptiveLimiter(initial, min, max rate.Limit, stepDown float64) *AdaptiveLimiter {
	if min <= 0 {
		min = 0.1
	}
	if max < min {
		max = min
	}
	initial = clampLimit(initial, min, max)
	return &AdaptiveLimiter{
		limiter:  rate.NewLimiter(initial, burstFor(initial)),
		minLimit: min,
		maxLimit: max,
		stepDown: stepDown,
	}
}

// Wait blocks until a token is available or ctx is done.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// Success raises the rate by one request per second unless a failure was
// seen recently.
func (a *AdaptiveLimiter) Success() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if time.Since(a.lastError) > errorCooldown {
		a.setLimit(a.limiter.Limit() + 1)
	}
}

// Throttle lowers the rate after a failure.
func (a *AdaptiveLimiter) Throttle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastError = time.Now()
	a.setLimit(rate.Limit(float64(a.limiter.Limit()) * a.stepDown))
}

// Limit returns the current requests per second.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limiter.Limit()
}

func (a *AdaptiveLimiter) setLimit(l rate.Limit) {
	l = clampLimit(l, a.minLimit, a.maxLimit)
	if l != a.limiter.Limit() {
		a.limiter.SetLimit(l)
		a.limiter.SetBurst(burstFor(l))
	}
}

func clampLimit(l, min, max rate.Limit) rate.Limit {
	switch {
	case l > max:
		return max
	case l < min:
		return min
	}
	return l
}

func burstFor(l rate.Limit) int {
	return max(1, int(l))
}

// FatalError stops retries immediately.
type FatalError struct {
	Err error
}

func (f *FatalError) Error() string { return f.Err.Error() }
func (f *FatalError) Unwrap() error { return f.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Config tunes Do.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// OnRetry is called after every failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Do runs fn until it succeeds, returns a FatalError, ctx ends or the
// attempts run out. A FatalError is unwrapped before being returned. lim may
// be nil.
func Do(ctx context.Context, cfg Config, lim *AdaptiveLimiter, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if lim != nil {
				lim.Success()
			}
			if attempt > 1 {
				log.Debug().Str("component", "retry").Int("attempt", attempt).Msg("Succeeded after retry")
			}
			return nil
		}

		var fatal *FatalError
		if errors.As(err, &fatal) {
			return fatal.Err
		}
		if ctx.Err() != nil {
			return err
		}

		lastErr = err
		if lim != nil {
			lim.Throttle()
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		wait := delay
		if cfg.Jitter {
			wait = addJitter(wait)
		}
		log.Debug().Str("component", "retry").Err(err).Int("attempt", attempt).Dur("delay", wait).Msg("Attempt failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// addJitter adds up to 25% to delay.
func addJitter(delay time.Duration) time.Duration {
	if delay < 4 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(delay/4)))
}

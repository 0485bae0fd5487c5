package xmsg

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/trickstertwo/xclock"
)

// Middleware composes processing concerns around a handler body.
type Middleware func(next HandlerFunc) HandlerFunc

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff to avoid thundering herds.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a handler.
// Waiting happens on the receiving goroutine, so keep backoffs short for
// endpoints receiving on AnyThread.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, mc *MessageContext) error {
			var lastErr error
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(err error) bool { return !errors.Is(err, ErrHandlerPanic) }
			}
			for i := 1; i <= attempts; i++ {
				lastErr = next(ctx, mc)
				if lastErr == nil {
					return nil
				}
				if ctx.Err() != nil {
					return lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}

// RecoveryMiddleware converts handler panics into errors wrapping ErrHandlerPanic.
func RecoveryMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, mc *MessageContext) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, mc)
		}
	}
}

// DropExpired skips handlers for contexts past their expiration. The bus
// always attempts delivery; discarding stale messages is a recipient policy.
// clock may be nil, in which case the clock injected by the bus is used.
func DropExpired(clock xclock.Clock) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, mc *MessageContext) error {
			c := clock
			if c == nil {
				if cc, ok := ClockFromContext(ctx); ok {
					c = cc
				} else {
					c = xclock.Default()
				}
			}
			if mc.IsExpired(c.Now()) {
				if lg, ok := LoggerFromContext(ctx); ok {
					lg.Debug().Str("tag", string(mc.Tag())).Msg("xmsg: expired message dropped")
				}
				return nil
			}
			return next(ctx, mc)
		}
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

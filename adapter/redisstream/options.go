package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmsg"
)

// Option configures the xmsg.Bus construction when calling Use.
type Option func(*xmsg.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmsg.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xmsg.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xmsg.BusBuilder) { b.WithCodec(name) }
}

// WithThreads spawns named receive loops.
func WithThreads(ids ...xmsg.ThreadID) Option {
	return func(b *xmsg.BusBuilder) { b.WithThreads(ids...) }
}

// WithNetworkTimeout bounds XADD and XACK calls.
func WithNetworkTimeout(d time.Duration) Option {
	return func(b *xmsg.BusBuilder) { b.WithNetworkTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmsg.Observer) Option {
	return func(b *xmsg.BusBuilder) { b.WithObserver(obs...) }
}

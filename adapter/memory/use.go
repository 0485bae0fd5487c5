package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmsg"
)

// Use builds a Bus whose network scope runs over hub (the named hub from
// cfg when hub is nil).
//
// Example:
//
//	hub := memory.NewHub()
//	a := memory.Use(hub, memory.Config{}, memory.WithLogger(logger))
//	b := memory.Use(hub, memory.Config{}, memory.WithThreads("main"))
//
// Network-scope messages published on a are delivered to subscribers on b.
func Use(hub *Hub, cfg Config, opts ...Option) *xmsg.Bus {
	bb := xmsg.NewBusBuilder()
	if hub == nil {
		bb.WithTransport(TransportName, cfg.toMap())
	} else {
		bb.WithTransportInstance(NewTransport(hub, cfg))
	}

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return bus
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"hub":              c.Hub,
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"assign_ids":       c.AssignIDs,
	}
}

// Option configures the xmsg.Bus when calling Use.
type Option func(*xmsg.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmsg.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xmsg.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xmsg.BusBuilder) { b.WithCodec(name) }
}

// WithName labels the bus in logs.
func WithName(name string) Option {
	return func(b *xmsg.BusBuilder) { b.WithName(name) }
}

// WithThreads spawns named receive loops.
func WithThreads(ids ...xmsg.ThreadID) Option {
	return func(b *xmsg.BusBuilder) { b.WithThreads(ids...) }
}

// WithNetworkTimeout bounds each hub publish (default: 5s).
func WithNetworkTimeout(d time.Duration) Option {
	return func(b *xmsg.BusBuilder) { b.WithNetworkTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmsg.Observer) Option {
	return func(b *xmsg.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xmsg.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}

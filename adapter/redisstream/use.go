package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xmsg"
)

// Adapter: Redis Streams Transport (Strategy + Adapter patterns)

const TransportName = "redis-streams"

func init() {
	if err := xmsg.RegisterTransport(TransportName, func(cfg map[string]any) (xmsg.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("xmsg: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus whose network scope runs over Redis Streams.
// Mirrors xlog/xclock "Use" behavior: explicit construction, panics on error.
func Use(cfg Config, opts ...Option) *xmsg.Bus {
	bb := xmsg.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return bus
}

package xmsg

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type ctxKey uint8

const (
	codecKey ctxKey = iota
	loggerKey
	clockKey
	threadKey
)

func valueOf[T any](ctx context.Context, key ctxKey) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// CodecFromContext returns the codec of the bus running the handler.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := valueOf[Codec](ctx, codecKey)
	return c, ok && c != nil
}

// LoggerFromContext returns the bus logger handed to handlers.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l, ok := valueOf[*xlog.Logger](ctx, loggerKey)
	return l, ok && l != nil
}

// ClockFromContext returns the bus clock handed to handlers.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	c, ok := valueOf[xclock.Clock](ctx, clockKey)
	return c, ok && c != nil
}

// WithThread marks ctx as running on the execution context id.
func WithThread(ctx context.Context, id ThreadID) context.Context {
	return context.WithValue(ctx, threadKey, id)
}

// ThreadFromContext identifies the calling execution context. Code not
// running on a Loop reports AnyThread.
func ThreadFromContext(ctx context.Context) ThreadID {
	if id, ok := valueOf[ThreadID](ctx, threadKey); ok && id != CurrentThread {
		return id
	}
	return AnyThread
}

// InjectAll stores the non-nil collaborators in ctx for handlers and
// middlewares to pick up.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	if codec != nil {
		ctx = context.WithValue(ctx, codecKey, codec)
	}
	if logger != nil {
		ctx = context.WithValue(ctx, loggerKey, logger)
	}
	if clock != nil {
		ctx = context.WithValue(ctx, clockKey, clock)
	}
	return ctx
}

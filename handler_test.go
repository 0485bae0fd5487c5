package xmsg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
)

func mustContext(t *testing.T, msg any) *MessageContext {
	t.Helper()
	mc, err := NewMessageContext(ContextParams{Message: msg})
	require.NoError(t, err)
	return mc
}

func TestHandlerRegistry_DispatchOrderAndErrors(t *testing.T) {
	var calls []string
	r := newHandlerRegistry(nil)
	r.add(
		HandlingTag("a", func(context.Context, *MessageContext) error { calls = append(calls, "a"); return nil }),
		nil,
		Catchall(func(context.Context, *MessageContext) error { calls = append(calls, "*"); return errors.New("x") }),
		HandlingTag("b", func(context.Context, *MessageContext) error { calls = append(calls, "b"); return nil }),
		HandlingTag("a", func(context.Context, *MessageContext) error { panic("a2") }),
	)
	assert.Equal(t, 4, r.len())
	assert.Equal(t, []Tag{"a", "b"}, r.tags())

	mc, err := NewMessageContext(ContextParams{Tag: "a"})
	require.NoError(t, err)
	var errs []error
	n := r.dispatch(context.Background(), mc, func(err error) { errs = append(errs, err) })

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "*"}, calls)
	require.Len(t, errs, 2)
	assert.EqualError(t, errs[0], "x")
	assert.ErrorIs(t, errs[1], ErrHandlerPanic)
}

func TestHandlerRegistry_MiddlewareOrder(t *testing.T) {
	var trace []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, mc *MessageContext) error {
				trace = append(trace, name+">")
				err := next(ctx, mc)
				trace = append(trace, "<"+name)
				return err
			}
		}
	}
	r := newHandlerRegistry([]Middleware{mw("outer"), nil, mw("inner")})
	r.add(Catchall(func(context.Context, *MessageContext) error {
		trace = append(trace, "h")
		return nil
	}))

	r.dispatch(context.Background(), mustContext(t, Ping{}), nil)
	assert.Equal(t, []string{"outer>", "inner>", "h", "<inner", "<outer"}, trace)
}

func TestHandling_TypedPayload(t *testing.T) {
	var got Ping
	h := Handling(func(_ context.Context, p Ping, _ *MessageContext) error {
		got = p
		return nil
	})
	assert.Equal(t, TagOf[Ping](), h.Tag())

	require.NoError(t, h.Handle(context.Background(), mustContext(t, Ping{Val: "local"})))
	assert.Equal(t, "local", got.Val)

	// Remote payloads arrive encoded and decode through the injected codec.
	enc, err := NewMessageContext(ContextParams{
		Tag:     TagOf[Ping](),
		Message: Encoded{Codec: "json", Data: []byte(`{"val":"remote"}`)},
	})
	require.NoError(t, err)
	ctx := InjectAll(context.Background(), JSONCodec{}, nil, nil)
	require.NoError(t, h.Handle(ctx, enc))
	assert.Equal(t, "remote", got.Val)

	wrong, err := NewMessageContext(ContextParams{Tag: TagOf[Ping](), Message: 42})
	require.NoError(t, err)
	assert.ErrorIs(t, h.Handle(context.Background(), wrong), ErrPayloadType)
}

func TestDecode_CodecSelection(t *testing.T) {
	e := Encoded{Codec: "json", Data: []byte(`{"val":"v"}`)}

	p, err := Decode[Ping](context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, "v", p.Val)

	p, err = Decode[Ping](context.Background(), Encoded{Codec: "unknown", Data: e.Data})
	require.NoError(t, err)
	assert.Equal(t, "v", p.Val)

	_, err = Decode[Ping](context.Background(), Encoded{Data: []byte("{")})
	assert.Error(t, err)

	p, err = PayloadAs[Ping](context.Background(), mustContext(t, &e))
	require.NoError(t, err)
	assert.Equal(t, "v", p.Val)
}

func TestCodecRegistry(t *testing.T) {
	c, err := NewCodec("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = NewCodec("missing")
	assert.Error(t, err)

	assert.Error(t, RegisterCodec("", func() Codec { return JSONCodec{} }))
	assert.Error(t, RegisterCodec("x", nil))
	require.NoError(t, RegisterCodec("json-alias", func() Codec { return JSONCodec{} }))
	_, err = NewCodec("json-alias")
	assert.NoError(t, err)
}

func TestRetryMiddleware(t *testing.T) {
	fail := errors.New("fail")

	t.Run("retries until success", func(t *testing.T) {
		attempts := 0
		h := RetryMiddleware(RetryConfig{
			MaxAttempts: 3,
			Backoff:     func(int) time.Duration { return time.Millisecond },
		})(func(context.Context, *MessageContext) error {
			attempts++
			if attempts < 3 {
				return fail
			}
			return nil
		})
		assert.NoError(t, h(context.Background(), mustContext(t, Ping{})))
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		attempts := 0
		h := RetryMiddleware(RetryConfig{MaxAttempts: 2})(func(context.Context, *MessageContext) error {
			attempts++
			return fail
		})
		assert.ErrorIs(t, h(context.Background(), mustContext(t, Ping{})), fail)
		assert.Equal(t, 2, attempts)
	})

	t.Run("does not retry panics by default", func(t *testing.T) {
		attempts := 0
		h := Chain(func(context.Context, *MessageContext) error {
			attempts++
			panic("x")
		}, RetryMiddleware(RetryConfig{MaxAttempts: 5}), RecoveryMiddleware())
		assert.ErrorIs(t, h(context.Background(), mustContext(t, Ping{})), ErrHandlerPanic)
		assert.Equal(t, 1, attempts)
	})

	t.Run("honors RetryIf", func(t *testing.T) {
		attempts := 0
		h := RetryMiddleware(RetryConfig{
			MaxAttempts: 5,
			RetryIf:     func(err error) bool { return false },
		})(func(context.Context, *MessageContext) error {
			attempts++
			return fail
		})
		assert.ErrorIs(t, h(context.Background(), mustContext(t, Ping{})), fail)
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops when context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		h := RetryMiddleware(RetryConfig{
			MaxAttempts: 5,
			Backoff:     func(int) time.Duration { return time.Hour },
		})(func(context.Context, *MessageContext) error {
			attempts++
			cancel()
			return fail
		})
		assert.ErrorIs(t, h(ctx, mustContext(t, Ping{})), fail)
		assert.Equal(t, 1, attempts)
	})
}

func TestDropExpired(t *testing.T) {
	var mu sync.Mutex
	ran := 0
	h := DropExpired(xclock.Default())(func(context.Context, *MessageContext) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})

	stale, err := NewMessageContext(ContextParams{Tag: "t", Expiration: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	fresh, err := NewMessageContext(ContextParams{Tag: "t", Expiration: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	ctx := InjectAll(context.Background(), nil, testLogger(), nil)
	require.NoError(t, h(ctx, stale))
	require.NoError(t, h(ctx, fresh))
	require.NoError(t, DropExpired(nil)(func(context.Context, *MessageContext) error {
		t.Fatal("expired context reached the handler")
		return nil
	})(context.Background(), stale))
	assert.Equal(t, 1, ran)
}

package xmsg

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler processes messages of one tag, or of every tag when Tag returns "".
type Handler interface {
	Tag() Tag
	Handle(ctx context.Context, mc *MessageContext) error
}

// HandlerFunc is the function form of a handler body.
type HandlerFunc func(ctx context.Context, mc *MessageContext) error

type funcHandler struct {
	tag Tag
	fn  HandlerFunc
}

func (h funcHandler) Tag() Tag { return h.tag }

func (h funcHandler) Handle(ctx context.Context, mc *MessageContext) error {
	return h.fn(ctx, mc)
}

// HandlingTag handles messages carrying exactly tag.
func HandlingTag(tag Tag, fn HandlerFunc) Handler {
	return funcHandler{tag: tag, fn: fn}
}

// Catchall handles every message an endpoint receives.
func Catchall(fn HandlerFunc) Handler {
	return funcHandler{fn: fn}
}

// Handling handles messages tagged TagOf[T], handing fn the typed payload.
// Remote payloads are decoded with the codec found in ctx.
func Handling[T any](fn func(ctx context.Context, msg T, mc *MessageContext) error) Handler {
	return HandlingAs(TagOf[T](), fn)
}

// HandlingAs is Handling for payloads sent under an explicit tag.
func HandlingAs[T any](tag Tag, fn func(ctx context.Context, msg T, mc *MessageContext) error) Handler {
	return funcHandler{
		tag: tag,
		fn: func(ctx context.Context, mc *MessageContext) error {
			msg, err := PayloadAs[T](ctx, mc)
			if err != nil {
				return err
			}
			return fn(ctx, msg, mc)
		},
	}
}

type handlerEntry struct {
	tag Tag
	fn  HandlerFunc
}

// handlerRegistry is an ordered list of handlers. Readers load an immutable
// snapshot, so registration may race with dispatch safely.
type handlerRegistry struct {
	mu          sync.Mutex
	middlewares []Middleware
	entries     atomic.Pointer[[]handlerEntry]
}

func newHandlerRegistry(mws []Middleware) *handlerRegistry {
	r := &handlerRegistry{middlewares: mws}
	empty := []handlerEntry{}
	r.entries.Store(&empty)
	return r
}

func (r *handlerRegistry) add(hs ...Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.entries.Load()
	next := make([]handlerEntry, len(cur), len(cur)+len(hs))
	copy(next, cur)
	for _, h := range hs {
		if h == nil {
			continue
		}
		// Recovery sits innermost so middlewares see panics as errors.
		base := RecoveryMiddleware()(h.Handle)
		next = append(next, handlerEntry{tag: h.Tag(), fn: Chain(base, r.middlewares...)})
	}
	r.entries.Store(&next)
}

func (r *handlerRegistry) len() int { return len(*r.entries.Load()) }

// tags returns the distinct non catch-all tags in registration order.
func (r *handlerRegistry) tags() []Tag {
	var out []Tag
	seen := map[Tag]struct{}{}
	for _, e := range *r.entries.Load() {
		if e.tag == "" {
			continue
		}
		if _, ok := seen[e.tag]; ok {
			continue
		}
		seen[e.tag] = struct{}{}
		out = append(out, e.tag)
	}
	return out
}

// dispatch runs every matching handler in registration order and calls
// onErr for each failure. It returns the number of handlers run.
func (r *handlerRegistry) dispatch(ctx context.Context, mc *MessageContext, onErr func(error)) int {
	tag := mc.Tag()
	n := 0
	for _, e := range *r.entries.Load() {
		if e.tag != "" && e.tag != tag {
			continue
		}
		n++
		if err := e.fn(ctx, mc); err != nil && onErr != nil {
			onErr(err)
		}
	}
	return n
}

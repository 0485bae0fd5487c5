package xmsg

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// EndpointConfig is the plain configuration value NewEndpoint builds from.
type EndpointConfig struct {
	// Name is diagnostic only.
	Name     string
	Handlers []Handler
	// Middlewares wrap every handler, outermost first.
	Middlewares []Middleware
	// Thread selects where Receive runs. CurrentThread resolves to the
	// thread carried by the construction context.
	Thread ThreadID
	// Inbox queues received contexts for ProcessInbox instead of running
	// handlers. It forces AnyThread.
	Inbox    bool
	Disabled bool
	// OnNotification, when set, subscribes the endpoint to bus lifecycle
	// notifications.
	OnNotification func(Notification)
	// OnError receives contexts this endpoint sent that were dropped or made
	// a handler fail. It runs on the goroutine that saw the failure and must
	// not block.
	OnError func(*MessageContext, error)
	// Subscriptions are subscribed at every scope.
	Subscriptions []Tag
}

// Endpoint is an addressable participant on a Bus.
type Endpoint struct {
	addr     Address
	name     string
	bus      *Bus
	thread   ThreadID
	registry *handlerRegistry
	inbox    *queue[*MessageContext]
	onNotify func(Notification)
	onError  func(*MessageContext, error)
	logger   *xlog.Logger

	enabled atomic.Bool
	closed  atomic.Bool
}

// NewEndpoint creates an endpoint with a fresh address and registers it.
// It returns ErrBuildFailure when bus is nil or closed.
func NewEndpoint(ctx context.Context, bus *Bus, cfg EndpointConfig) (*Endpoint, error) {
	if bus == nil || bus.closed.Load() {
		return nil, ErrBuildFailure
	}
	if ctx == nil {
		ctx = context.Background()
	}

	thread := cfg.Thread
	if thread == CurrentThread {
		thread = ThreadFromContext(ctx)
	}
	if cfg.Inbox {
		thread = AnyThread
	}
	if !bus.scheduler.Has(thread) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThread, thread)
	}

	ep := &Endpoint{
		addr:     NewAddress(),
		name:     cfg.Name,
		bus:      bus,
		thread:   thread,
		registry: newHandlerRegistry(cfg.Middlewares),
		onNotify: cfg.OnNotification,
		onError:  cfg.OnError,
		logger:   bus.logger.With(xlog.Str("endpoint", cfg.Name)),
	}
	if cfg.Inbox {
		ep.inbox = newQueue[*MessageContext]()
	}
	ep.enabled.Store(!cfg.Disabled)
	ep.registry.add(cfg.Handlers...)

	if err := bus.Register(ep.addr, ep); err != nil {
		return nil, err
	}
	for _, tag := range cfg.Subscriptions {
		if err := bus.Subscribe(ep.addr, tag, AllScopes()); err != nil {
			bus.Unregister(ep.addr)
			return nil, err
		}
	}
	if cfg.OnNotification != nil {
		if err := bus.AddNotificationListener(ep.addr); err != nil {
			bus.Unregister(ep.addr)
			return nil, err
		}
	}
	return ep, nil
}

func (e *Endpoint) Address() Address          { return e.addr }
func (e *Endpoint) Name() string              { return e.name }
func (e *Endpoint) RecipientThread() ThreadID { return e.thread }
func (e *Endpoint) Bus() *Bus                 { return e.bus }

func (e *Endpoint) Enable()         { e.enabled.Store(true) }
func (e *Endpoint) Disable()        { e.enabled.Store(false) }
func (e *Endpoint) IsEnabled() bool { return e.enabled.Load() && !e.closed.Load() }

// Handle adds handlers. It is safe to call while messages are dispatched.
func (e *Endpoint) Handle(hs ...Handler) *Endpoint {
	e.registry.add(hs...)
	return e
}

// Subscribe declares interest in tag for the given scope range (all scopes
// when omitted).
func (e *Endpoint) Subscribe(tag Tag, scopes ...ScopeRange) error {
	r := AllScopes()
	if len(scopes) > 0 {
		r = scopes[0]
	}
	return e.bus.Subscribe(e.addr, tag, r)
}

func (e *Endpoint) Unsubscribe(tag Tag) { e.bus.Unsubscribe(e.addr, tag) }

// SendOption customizes a context built by Send or Publish.
type SendOption func(*ContextParams)

// WithTag overrides the tag derived from the payload.
func WithTag(tag Tag) SendOption { return func(p *ContextParams) { p.Tag = tag } }

func WithAnnotation(key, value string) SendOption {
	return func(p *ContextParams) {
		if p.Annotations == nil {
			p.Annotations = map[string]string{}
		}
		p.Annotations[key] = value
	}
}

func WithAnnotations(a map[string]string) SendOption {
	return func(p *ContextParams) {
		if p.Annotations == nil {
			p.Annotations = make(map[string]string, len(a))
		}
		for k, v := range a {
			p.Annotations[k] = v
		}
	}
}

func WithAttachment(a Attachment) SendOption {
	return func(p *ContextParams) { p.Attachment = a }
}

func WithExpiration(t time.Time) SendOption {
	return func(p *ContextParams) { p.Expiration = t }
}

// WithTTL sets the expiration relative to the send time.
func WithTTL(d time.Duration) SendOption {
	return func(p *ContextParams) {
		if d > 0 {
			p.Expiration = p.TimeSent.Add(d)
		}
	}
}

func WithFlags(f Flags) SendOption { return func(p *ContextParams) { p.Flags |= f } }

// WithScope overrides the scope of a direct Send (process by default).
func WithScope(s Scope) SendOption { return func(p *ContextParams) { p.Scope = s } }

func (e *Endpoint) build(ctx context.Context, msg any, recipients []Address, scope Scope, opts []SendOption) (*MessageContext, error) {
	p := ContextParams{
		Message:      msg,
		Sender:       e.addr,
		Recipients:   recipients,
		Scope:        scope,
		TimeSent:     e.bus.clock.Now(),
		SenderThread: ThreadFromContext(ctx),
	}
	for _, o := range opts {
		o(&p)
	}
	return NewMessageContext(p)
}

// Send delivers msg directly to recipients, bypassing subscriptions.
func (e *Endpoint) Send(ctx context.Context, msg any, recipients []Address, opts ...SendOption) error {
	mc, err := e.build(ctx, msg, recipients, ScopeProcess, opts)
	if err != nil {
		return err
	}
	return e.bus.Send(ctx, mc)
}

// Publish delivers msg to every subscriber of its tag whose range admits scope.
func (e *Endpoint) Publish(ctx context.Context, msg any, scope Scope, opts ...SendOption) error {
	mc, err := e.build(ctx, msg, nil, scope, opts)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, mc)
}

// Forward re-sends mc to recipients with this endpoint as sender.
func (e *Endpoint) Forward(ctx context.Context, mc *MessageContext, recipients []Address, scope Scope) (*MessageContext, error) {
	return e.bus.Forward(ctx, mc, e.addr, recipients, scope)
}

// Receive is called by the bus. With an inbox the context is queued,
// otherwise every matching handler runs in registration order.
func (e *Endpoint) Receive(ctx context.Context, mc *MessageContext) {
	if mc == nil || !e.IsEnabled() {
		return
	}
	if e.inbox != nil {
		e.inbox.Push(mc)
		return
	}
	e.runHandlers(ctx, mc)
}

func (e *Endpoint) runHandlers(ctx context.Context, mc *MessageContext) int {
	return e.registry.dispatch(ctx, mc, func(err error) {
		e.logger.Warn().
			Err(err).
			Str("tag", string(mc.Tag())).
			Str("sender", mc.Sender().String()).
			Msg("xmsg: handler failed")
		e.bus.metrics.handlerErrors.Add(1)
		e.bus.emit(Event{Type: EventHandlerError, Tag: mc.Tag(), Sender: mc.Sender(), Recipient: e.addr, Err: err})
		e.bus.reportToSender(mc, &DeliveryError{Recipient: e.addr, Err: err})
	})
}

func (e *Endpoint) HasInbox() bool { return e.inbox != nil }

func (e *Endpoint) InboxLen() int {
	if e.inbox == nil {
		return 0
	}
	return e.inbox.Len()
}

// ReceiveFromInbox pops the oldest queued context without running handlers.
func (e *Endpoint) ReceiveFromInbox() (*MessageContext, bool) {
	if e.inbox == nil {
		return nil, false
	}
	return e.inbox.Pop()
}

// ProcessInbox runs handlers for every queued context on the calling
// goroutine and returns how many contexts were processed.
func (e *Endpoint) ProcessInbox(ctx context.Context) int {
	if e.inbox == nil {
		return 0
	}
	ctx = e.bus.handlerContext(ctx)
	n := 0
	for _, mc := range e.inbox.Drain() {
		e.runHandlers(ctx, mc)
		n++
	}
	return n
}

func (e *Endpoint) notify(n Notification) {
	if e.onNotify == nil || e.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn().
				Err(fmt.Errorf("panic recovered: %v", r)).
				Msg("xmsg: notification callback panic (recovered)")
		}
	}()
	e.onNotify(n)
}

func (e *Endpoint) reportError(mc *MessageContext, err error) {
	if e.onError == nil || e.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn().
				Err(fmt.Errorf("panic recovered: %v", r)).
				Msg("xmsg: error callback panic (recovered)")
		}
	}()
	e.onError(mc, err)
}

// Close unregisters the endpoint. It is idempotent.
func (e *Endpoint) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.bus.Unregister(e.addr)
	if e.inbox != nil {
		e.inbox.Close()
	}
}

// Subscribe registers a typed handler on ep and subscribes it to T's tag.
func Subscribe[T any](ep *Endpoint, fn func(ctx context.Context, msg T, mc *MessageContext) error, scopes ...ScopeRange) error {
	tag := TagOf[T]()
	if tag == "" {
		return ErrInvalidTag
	}
	ep.Handle(HandlingAs[T](tag, fn))
	return ep.Subscribe(tag, scopes...)
}

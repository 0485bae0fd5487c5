package xmsg

import (
	"context"
	"reflect"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus routes message contexts between endpoints. It observes endpoints
// through weak references and never keeps them alive.
type Bus struct {
	id        string
	name      string
	codec     Codec
	clock     xclock.Clock
	logger    *xlog.Logger
	scheduler *Scheduler
	// ownsScheduler is set when Close should stop every loop, otherwise
	// only ownedThreads are stopped.
	ownsScheduler bool
	ownedThreads  []ThreadID

	router  *Loop
	baseCtx context.Context
	anyCtx  context.Context

	transport  Transport
	netLoop    *Loop
	netSub     Subscription
	netTimeout time.Duration

	mu            sync.RWMutex
	endpoints     map[Address]weak.Pointer[Endpoint]
	cleanups      map[Address]runtime.Cleanup
	subscriptions map[Tag][]subscription
	byAddress     map[Address]map[Tag]struct{}
	listeners     map[Address]struct{}

	tracerMu  sync.RWMutex
	tracer    Tracer
	suspendMu sync.Mutex
	suspended map[*Suspension]struct{}

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	metrics   *busMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

type subscription struct {
	addr   Address
	scopes ScopeRange
}

// busMetrics uses lock-free atomics.
type busMetrics struct {
	sent          atomic.Uint64
	published     atomic.Uint64
	forwarded     atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	handlerErrors atomic.Uint64
	suspended     atomic.Uint64
	networkOut    atomic.Uint64
	networkIn     atomic.Uint64
	errorCount    atomic.Uint64
	deliveryNs    atomic.Int64
}

func newBus(codec Codec, clock xclock.Clock, logger *xlog.Logger, sched *Scheduler) *Bus {
	base := InjectAll(context.Background(), codec, logger, clock)
	b := &Bus{
		id:            uuid.NewString(),
		codec:         codec,
		clock:         clock,
		logger:        logger,
		scheduler:     sched,
		baseCtx:       base,
		anyCtx:        WithThread(base, AnyThread),
		netTimeout:    5 * time.Second,
		endpoints:     make(map[Address]weak.Pointer[Endpoint]),
		cleanups:      make(map[Address]runtime.Cleanup),
		subscriptions: make(map[Tag][]subscription),
		byAddress:     make(map[Address]map[Tag]struct{}),
		listeners:     make(map[Address]struct{}),
		suspended:     make(map[*Suspension]struct{}),
		metrics:       &busMetrics{},
	}
	b.router = newLoop(context.Background(), "xmsg:router", false, logger)
	return b
}

// ID identifies this bus instance; it is the origin of outbound envelopes.
func (b *Bus) ID() string { return b.id }

// Name is the diagnostic label given at build time.
func (b *Bus) Name() string { return b.name }

// Codec encodes payloads for the transport and is injected into handler contexts.
func (b *Bus) Codec() Codec { return b.codec }

// Clock stamps send times and measures delivery durations.
func (b *Bus) Clock() xclock.Clock { return b.clock }

// Logger is the bus logger; endpoints derive theirs from it.
func (b *Bus) Logger() *xlog.Logger { return b.logger }

// Scheduler owns the named threads endpoints may receive on.
func (b *Bus) Scheduler() *Scheduler { return b.scheduler }

// Transport returns the network transport, or nil for a process-local bus.
func (b *Bus) Transport() Transport { return b.transport }

// handlerContext injects the bus codec, logger and clock into ctx.
func (b *Bus) handlerContext(ctx context.Context) context.Context {
	if ctx == nil {
		return b.anyCtx
	}
	return InjectAll(ctx, b.codec, b.logger, b.clock)
}

// Register inserts ep under addr and notifies listeners.
func (b *Bus) Register(addr Address, ep *Endpoint) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if !addr.IsValid() {
		return ErrInvalidAddress
	}
	if ep == nil {
		return ErrNilEndpoint
	}

	b.mu.Lock()
	if wp, ok := b.endpoints[addr]; ok && wp.Value() != nil {
		b.mu.Unlock()
		return ErrDuplicateAddress
	}
	// A collected owner whose cleanup has not run yet leaves stale entries.
	b.removeLocked(addr)
	b.endpoints[addr] = weak.Make(ep)
	b.cleanups[addr] = runtime.AddCleanup(ep, b.collected, addr)
	b.mu.Unlock()

	b.emit(Event{Type: EventRegistered, Recipient: addr})
	b.notifyListeners(Notification{Type: EndpointRegistered, Address: addr, Time: b.clock.Now()})
	return nil
}

// collected runs after a registered endpoint was garbage collected.
func (b *Bus) collected(addr Address) {
	b.mu.RLock()
	wp, ok := b.endpoints[addr]
	b.mu.RUnlock()
	if ok && wp.Value() == nil {
		b.Unregister(addr)
	}
}

// Unregister removes addr from the endpoint table, every subscription and
// the listener set in one step. It is idempotent.
func (b *Bus) Unregister(addr Address) {
	b.mu.Lock()
	if _, ok := b.endpoints[addr]; !ok {
		b.mu.Unlock()
		return
	}
	b.removeLocked(addr)
	b.mu.Unlock()

	b.emit(Event{Type: EventUnregistered, Recipient: addr})
	if !b.closed.Load() {
		b.notifyListeners(Notification{Type: EndpointUnregistered, Address: addr, Time: b.clock.Now()})
	}
}

func (b *Bus) removeLocked(addr Address) {
	delete(b.endpoints, addr)
	if c, ok := b.cleanups[addr]; ok {
		c.Stop()
		delete(b.cleanups, addr)
	}
	for tag := range b.byAddress[addr] {
		b.removeSubscriptionLocked(tag, addr)
	}
	delete(b.byAddress, addr)
	delete(b.listeners, addr)
}

func (b *Bus) removeSubscriptionLocked(tag Tag, addr Address) {
	subs := b.subscriptions[tag]
	subs = slices.DeleteFunc(subs, func(s subscription) bool { return s.addr == addr })
	if len(subs) == 0 {
		delete(b.subscriptions, tag)
		return
	}
	b.subscriptions[tag] = subs
}

// IsRegistered reports whether addr resolves to a live endpoint.
func (b *Bus) IsRegistered(addr Address) bool {
	return b.lookup(addr) != nil
}

func (b *Bus) lookup(addr Address) *Endpoint {
	b.mu.RLock()
	wp, ok := b.endpoints[addr]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

// Subscribe records addr's interest in tag for contexts whose scope lies in
// scopes. Subscribing again replaces the range. A zero ScopeRange admits
// thread-scope contexts only.
func (b *Bus) Subscribe(addr Address, tag Tag, scopes ScopeRange) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if tag == "" {
		return ErrInvalidTag
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[addr]; !ok {
		return ErrNotRegistered
	}
	tags := b.byAddress[addr]
	if tags == nil {
		tags = make(map[Tag]struct{})
		b.byAddress[addr] = tags
	}
	if _, ok := tags[tag]; ok {
		subs := b.subscriptions[tag]
		for i := range subs {
			if subs[i].addr == addr {
				subs[i].scopes = scopes
			}
		}
		return nil
	}
	tags[tag] = struct{}{}
	b.subscriptions[tag] = append(b.subscriptions[tag], subscription{addr: addr, scopes: scopes})
	return nil
}

func (b *Bus) Unsubscribe(addr Address, tag Tag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tags, ok := b.byAddress[addr]
	if !ok {
		return
	}
	if _, ok := tags[tag]; !ok {
		return
	}
	delete(tags, tag)
	if len(tags) == 0 {
		delete(b.byAddress, addr)
	}
	b.removeSubscriptionLocked(tag, addr)
}

// Subscribers returns the addresses subscribed to tag in subscription order.
func (b *Bus) Subscribers(tag Tag) []Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscriptions[tag]
	out := make([]Address, len(subs))
	for i, s := range subs {
		out[i] = s.addr
	}
	return out
}

// resolveSubscribers returns the publish fan-out for mc.
func (b *Bus) resolveSubscribers(mc *MessageContext) []Address {
	scope := mc.Scope()
	suppress := mc.Flags().Has(FlagLoopbackSuppress)

	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscriptions[mc.Tag()]
	out := make([]Address, 0, len(subs))
	for _, s := range subs {
		if !s.scopes.Contains(scope) {
			continue
		}
		if suppress && s.addr == mc.Sender() {
			continue
		}
		if scope == ScopeThread {
			ep := b.endpoints[s.addr].Value()
			if ep == nil || ep.thread != mc.SenderThread() {
				continue
			}
		}
		out = append(out, s.addr)
	}
	return out
}

func (b *Bus) AddNotificationListener(addr Address) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[addr]; !ok {
		return ErrNotRegistered
	}
	b.listeners[addr] = struct{}{}
	return nil
}

func (b *Bus) RemoveNotificationListener(addr Address) {
	b.mu.Lock()
	delete(b.listeners, addr)
	b.mu.Unlock()
}

// notifyListeners calls listener callbacks synchronously, outside the lock.
func (b *Bus) notifyListeners(n Notification) {
	b.mu.RLock()
	eps := make([]*Endpoint, 0, len(b.listeners))
	for addr := range b.listeners {
		if ep := b.endpoints[addr].Value(); ep != nil {
			eps = append(eps, ep)
		}
	}
	b.mu.RUnlock()
	for _, ep := range eps {
		ep.notify(n)
	}
}

// stamp fills in the send time when the caller left it zero.
func (b *Bus) stamp(mc *MessageContext) *MessageContext {
	if !mc.timeSent.IsZero() {
		return mc
	}
	cp := *mc
	cp.timeSent = b.clock.Now()
	return &cp
}

// Send delivers mc to its explicit recipients, bypassing subscriptions.
func (b *Bus) Send(ctx context.Context, mc *MessageContext) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if mc == nil {
		return ErrNilContext
	}
	mc = b.stamp(mc)
	recipients := mc.Recipients()

	b.metrics.sent.Add(1)
	b.emit(Event{Type: EventSent, Tag: mc.Tag(), Sender: mc.Sender(), Recipients: len(recipients)})
	b.route(mc, recipients)
	b.sendNetwork(mc)
	return nil
}

// Publish delivers mc to every subscriber whose range admits mc's scope.
func (b *Bus) Publish(ctx context.Context, mc *MessageContext) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if mc == nil {
		return ErrNilContext
	}
	mc = b.stamp(mc)
	recipients := b.resolveSubscribers(mc)

	b.metrics.published.Add(1)
	b.emit(Event{Type: EventPublished, Tag: mc.Tag(), Sender: mc.Sender(), Recipients: len(recipients)})
	b.route(mc, recipients)
	b.sendNetwork(mc)
	return nil
}

// Forward wraps mc in a new context sent by forwarder. With no recipients
// the forwarded context is published to the subscribers of mc's tag.
func (b *Bus) Forward(ctx context.Context, mc *MessageContext, forwarder Address, recipients []Address, scope Scope) (*MessageContext, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if mc == nil {
		return nil, ErrNilContext
	}
	if ctx == nil {
		ctx = context.Background()
	}
	fc := NewForwardedContext(mc, forwarder, recipients, scope, b.clock.Now(), ThreadFromContext(ctx))
	targets := fc.Recipients()
	if len(targets) == 0 {
		targets = b.resolveSubscribers(fc)
	}

	b.metrics.forwarded.Add(1)
	b.emit(Event{Type: EventForwarded, Tag: fc.Tag(), Sender: forwarder, Recipients: len(targets)})
	b.route(fc, targets)
	b.sendNetwork(fc)
	return fc, nil
}

// SetTracer attaches t, replacing any previous tracer. nil detaches.
func (b *Bus) SetTracer(t Tracer) {
	b.tracerMu.Lock()
	b.tracer = t
	b.tracerMu.Unlock()
}

func (b *Bus) Tracer() Tracer {
	b.tracerMu.RLock()
	defer b.tracerMu.RUnlock()
	return b.tracer
}

// Suspended returns the deliveries currently paused by the tracer.
func (b *Bus) Suspended() []*Suspension {
	b.suspendMu.Lock()
	defer b.suspendMu.Unlock()
	out := make([]*Suspension, 0, len(b.suspended))
	for s := range b.suspended {
		out = append(out, s)
	}
	slices.SortFunc(out, func(x, y *Suspension) int { return x.suspendedAt.Compare(y.suspendedAt) })
	return out
}

// ResumeAll releases every paused delivery.
func (b *Bus) ResumeAll() {
	for _, s := range b.Suspended() {
		s.Resume()
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	b.mu.RLock()
	endpoints := len(b.endpoints)
	b.mu.RUnlock()
	var eventsDropped uint64
	if b.observerPool != nil {
		eventsDropped = b.observerPool.Stats().Dropped
	}
	return Metrics{
		Sent:              b.metrics.sent.Load(),
		Published:         b.metrics.published.Load(),
		Forwarded:         b.metrics.forwarded.Load(),
		Delivered:         b.metrics.delivered.Load(),
		Dropped:           b.metrics.dropped.Load(),
		HandlerErrors:     b.metrics.handlerErrors.Load(),
		Suspended:         b.metrics.suspended.Load(),
		NetworkOut:        b.metrics.networkOut.Load(),
		NetworkIn:         b.metrics.networkIn.Load(),
		Errors:            b.metrics.errorCount.Load(),
		Endpoints:         endpoints,
		RouterPending:     b.router.Pending(),
		EventsDropped:     eventsDropped,
		AvgDeliveryTimeMs: float64(b.metrics.deliveryNs.Load()) / 1e6,
	}
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	// Degraded if drop+error rate > 5%
	attempts := metrics.Delivered + metrics.Dropped
	if failures := metrics.Dropped + metrics.Errors; failures > 0 && attempts > 0 {
		if float64(failures)/float64(attempts) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close shuts the bus down. It is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var closeErr error

	b.closeOnce.Do(func() {
		// 1. Tell listeners, then stop accepting new work
		b.notifyListeners(Notification{Type: BusShutdown, Time: b.clock.Now()})
		b.closed.Store(true)

		// 2. Release paused deliveries; they observe the closed bus and drop
		b.ResumeAll()

		// 3. Drain routing
		if err := b.router.Close(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("xmsg: router drain interrupted")
			closeErr = err
		}
		// Routing tasks queued before the flag flipped may have parked more.
		b.ResumeAll()

		// 4. Network
		if b.netSub != nil {
			if err := b.netSub.Close(); err != nil {
				b.logger.Warn().Err(err).Msg("xmsg: network subscription close failed")
				closeErr = err
			}
		}
		if b.netLoop != nil {
			if err := b.netLoop.Close(ctx); err != nil {
				closeErr = err
			}
		}
		if b.transport != nil {
			if err := b.transport.Close(ctx); err != nil {
				b.logger.Error().Err(err).Msg("xmsg: transport close failed")
				closeErr = err
			}
		}

		// 5. Loops
		if b.ownsScheduler {
			if err := b.scheduler.Close(ctx); err != nil {
				closeErr = err
			}
		} else {
			for _, id := range b.ownedThreads {
				if err := b.scheduler.Stop(ctx, id); err != nil {
					closeErr = err
				}
			}
		}

		// 6. Drain observer pool
		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xmsg: observer pool shutdown timeout")
				closeErr = err
			}
		}
	})

	return closeErr
}

// IsClosed reports whether Close has been called.
func (b *Bus) IsClosed() bool { return b.closed.Load() }

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers of uncomparable types, such
// as ObserverFunc, cannot be removed.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if reflect.TypeOf(o).Comparable() && o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// emit dispatches events asynchronously (non-blocking).
func (b *Bus) emit(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordDeliveryTime records Receive time using exponential moving average.
func (b *Bus) recordDeliveryTime(ns int64) {
	const alpha = 0.2
	for {
		current := b.metrics.deliveryNs.Load()
		next := ns
		if current != 0 {
			next = int64(float64(ns)*alpha + float64(current)*(1-alpha))
		}
		if b.metrics.deliveryNs.CompareAndSwap(current, next) {
			return
		}
	}
}

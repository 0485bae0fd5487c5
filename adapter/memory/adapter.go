package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xmsg"
)

const TransportName = "memory"

// DefaultHub is the hub used when Config.Hub is empty.
const DefaultHub = "default"

var errClosed = errors.New("memory transport is closed")

func init() {
	if err := xmsg.RegisterTransport(TransportName, func(cfg map[string]any) (xmsg.Transport, error) {
		c := ConfigFromMap(cfg)
		return NewTransport(NamedHub(c.Hub), c), nil
	}); err != nil {
		panic(fmt.Errorf("xmsg/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// Hub names the shared hub joined by transports built from a config map
	// (default: "default").
	Hub string
	// BufferSize is the per-subscription queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing an envelope on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// AssignIDs instructs the transport to assign IDs for envelopes with empty ID (default: true).
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	hub, _ := cfg["hub"].(string)
	if hub == "" {
		hub = DefaultHub
	}

	return Config{
		Hub:             hub,
		BufferSize:      max(1, getInt("buffer_size", 1024)),
		Concurrency:     max(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		AssignIDs:       getBool("assign_ids", true),
	}
}

// Hub is an in-process network. Every envelope published on a hub is offered
// to every subscription of every transport attached to it, so several buses
// in one process can exercise network scope without a broker.
type Hub struct {
	mu      sync.RWMutex
	members map[*member]struct{}
}

func NewHub() *Hub {
	return &Hub{members: make(map[*member]struct{})}
}

var (
	hubsMu sync.Mutex
	hubs   = map[string]*Hub{}
)

// NamedHub returns the process-wide hub called name, creating it on first use.
func NamedHub(name string) *Hub {
	if name == "" {
		name = DefaultHub
	}
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[name]
	if !ok {
		h = NewHub()
		hubs[name] = h
	}
	return h
}

func (h *Hub) join(m *member) {
	h.mu.Lock()
	h.members[m] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leave(m *member) {
	h.mu.Lock()
	delete(h.members, m)
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*member, 0, len(h.members))
	for m := range h.members {
		out = append(out, m)
	}
	return out
}

// Members returns the number of live subscriptions on the hub.
func (h *Hub) Members() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Transport implements xmsg.Transport on top of a Hub (dev/testing).
// Not suitable for production but excellent for local development and benchmarking.
type Transport struct {
	cfg Config
	hub *Hub

	mu      sync.Mutex
	members map[*member]struct{}

	closed atomic.Bool

	// Metrics for observability
	metrics *transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
}

var _ xmsg.Transport = (*Transport)(nil)

// NewTransport creates a transport attached to hub.
func NewTransport(hub *Hub, cfg Config) *Transport {
	if hub == nil {
		hub = NamedHub(cfg.Hub)
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Transport{
		cfg:     cfg,
		hub:     hub,
		members: make(map[*member]struct{}),
		metrics: &transportMetrics{},
	}
}

// Hub returns the hub the transport is attached to.
func (t *Transport) Hub() *Hub { return t.hub }

// Publish fans envelopes out to every subscription on the hub.
func (t *Transport) Publish(ctx context.Context, envs ...*xmsg.Envelope) error {
	if t.closed.Load() {
		return errClosed
	}
	if len(envs) == 0 {
		return nil
	}

	members := t.hub.snapshot()
	for _, env := range envs {
		if env == nil {
			continue
		}

		// Assign ID if configured and not provided
		if t.cfg.AssignIDs && env.ID == "" {
			env.ID = uuid.NewString()
		}

		for _, m := range members {
			task := &deliveryTask{env: env, member: m, tr: t, createdAt: time.Now()}
			select {
			case m.queue <- task:
			case <-m.ctx.Done():
				// Member left; nothing to deliver to.
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		t.metrics.published.Add(1)
	}

	return nil
}

// Subscribe joins the hub with configurable concurrency.
func (t *Transport) Subscribe(ctx context.Context, handler func(xmsg.Delivery)) (xmsg.Subscription, error) {
	if t.closed.Load() {
		return nil, errClosed
	}

	innerCtx, cancel := context.WithCancel(ctx)
	m := &member{
		queue:  make(chan *deliveryTask, t.cfg.BufferSize),
		ctx:    innerCtx,
		cancel: cancel,
	}

	for range t.cfg.Concurrency {
		m.wg.Go(func() { t.worker(m, handler) })
	}

	t.mu.Lock()
	t.members[m] = struct{}{}
	t.mu.Unlock()
	t.hub.join(m)

	return &subscription{
		close: func() error {
			t.hub.leave(m)
			t.mu.Lock()
			delete(t.members, m)
			t.mu.Unlock()
			m.stop()
			return nil
		},
	}, nil
}

// worker processes envelopes from the member queue.
func (t *Transport) worker(m *member, handler func(xmsg.Delivery)) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case task := <-m.queue:
			if task == nil {
				continue
			}

			d := &memDelivery{task: task, tr: t}
			t.metrics.consumed.Add(1)
			handler(d)
		}
	}
}

// Close detaches every subscription from the hub.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}

	t.mu.Lock()
	members := make([]*member, 0, len(t.members))
	for m := range t.members {
		members = append(members, m)
	}
	t.members = make(map[*member]struct{})
	t.mu.Unlock()

	for _, m := range members {
		t.hub.leave(m)
		m.stop()
	}
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
	}
}

// Internal types

type subscription struct {
	once  sync.Once
	close func() error
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.close != nil {
			err = s.close()
		}
	})
	return err
}

type member struct {
	queue  chan *deliveryTask
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (m *member) stop() {
	m.cancel()
	m.wg.Wait()
}

type deliveryTask struct {
	tr        *Transport
	member    *member
	env       *xmsg.Envelope
	createdAt time.Time
}

type memDelivery struct {
	task    *deliveryTask
	ackOnce sync.Once
	tr      *Transport
}

func (d *memDelivery) Envelope() *xmsg.Envelope {
	return d.task.env
}

// Ack marks the envelope as processed.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack re-enqueues the envelope on the same subscription.
func (d *memDelivery) Nack(ctx context.Context, _ error) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.nacked.Add(1)
		d.tr.metrics.redelivered.Add(1)

		m := d.task.member
		delay := d.tr.cfg.RedeliveryDelay
		if delay <= 0 {
			// Immediate requeue
			select {
			case m.queue <- d.task:
			case <-m.ctx.Done():
			case <-ctx.Done():
			}
			return
		}

		// Delayed requeue; ctx belongs to the caller and may end first.
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				select {
				case m.queue <- d.task:
				case <-m.ctx.Done():
				}
			case <-m.ctx.Done():
			}
		}()
	})
	return nil
}

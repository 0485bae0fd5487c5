package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmsg"
)

// Transport carries envelopes over one Redis stream.
type Transport struct {
	cfg    Config
	client *redis.Client
	// ownsGroup is set when the group name was generated and must be
	// destroyed on Close.
	ownsGroup bool

	mu   sync.Mutex
	subs []*subscription

	closed atomic.Bool

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	// metrics for observability
	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Claimed       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

var _ xmsg.Transport = (*Transport)(nil)

// NewTransport connects to Redis and verifies the connection.
func NewTransport(cfg Config) (*Transport, error) {
	ownsGroup := false
	if cfg.Group == "" {
		cfg.Group = "xmsg-" + uuid.NewString()
		ownsGroup = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	t := &Transport{
		cfg:       cfg,
		client:    client,
		ownsGroup: ownsGroup,
		metrics:   &transportMetrics{},
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}

	return t, nil
}

// Config returns the effective configuration, including a generated group.
func (t *Transport) Config() Config { return t.cfg }

// Publish appends envelopes to the stream using XADD (pipelined for batch efficiency).
func (t *Transport) Publish(ctx context.Context, envs ...*xmsg.Envelope) error {
	if t.closed.Load() {
		return errors.New("redis transport is closed")
	}
	if len(envs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	n := 0
	for _, env := range envs {
		if env == nil {
			continue
		}
		args := &redis.XAddArgs{
			Stream: t.cfg.Stream,
			ID:     "*", // Let Redis generate ID
			Values: encodeEnvelope(env),
		}

		// Approximate trimming to keep stream bounded
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}

		pipe.XAdd(ctx, args)
		n++
	}
	if n == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(n))
		return err
	}

	t.metrics.published.Add(uint64(n))
	return nil
}

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

// Subscribe reads the stream through the transport's consumer group with
// configurable concurrency and batching.
func (t *Transport) Subscribe(ctx context.Context, handler func(xmsg.Delivery)) (xmsg.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("redis transport is closed")
	}

	// Ensure consumer group exists (idempotent)
	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, t.cfg.Stream, t.cfg.Group, t.cfg.StartID).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create group %q: %w", t.cfg.Group, err)
		}
	}

	innerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup

	// Worker pool configuration
	workers := max(1, t.cfg.Concurrency)

	// Buffered work channel (buffer = 2x workers for burst absorption)
	workCh := make(chan *delivery, workers*2)

	// Start worker goroutines for concurrent handling
	for range workers {
		wg.Go(func() {
			for d := range workCh {
				handler(d)
				// Return delivery object to pool immediately after use
				t.releaseDelivery(d)
			}
		})
	}

	// Producers: the poller plus an optional pending entry recovery loop.
	// workCh closes once both have returned.
	var producers sync.WaitGroup
	producers.Go(func() { t.pollerLoop(innerCtx, workCh) })
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		producers.Go(func() { t.claimLoop(innerCtx, workCh) })
	}
	wg.Go(func() {
		producers.Wait()
		close(workCh) // Signal workers to exit
	})

	// Stop when the caller's context ends as well as on Close.
	stop := context.AfterFunc(ctx, cancel)

	sub := &subscription{
		close: func() error {
			stop()
			cancel()
			wg.Wait()
			return nil
		},
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub, nil
}

// pollerLoop reads from Redis Streams and distributes envelopes to workers.
func (t *Transport) pollerLoop(ctx context.Context, workCh chan<- *delivery) {
	xArgs := &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.Stream, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
		NoAck:    false,
	}

	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		// Fast exit on context cancellation
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}

			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = time.Millisecond * 100
				continue
			}

			// Transient error: exponential backoff
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		// Reset backoff on successful read
		backoff = time.Millisecond * 100

		for _, stream := range res {
			if !t.dispatch(ctx, workCh, stream.Messages) {
				return
			}
		}
	}
}

// dispatch hands entries to the workers. It returns false once ctx ends.
func (t *Transport) dispatch(ctx context.Context, workCh chan<- *delivery, msgs []redis.XMessage) bool {
	for _, msg := range msgs {
		d := t.newDelivery()
		d.t = t
		d.id = msg.ID
		d.env = decodeEnvelope(msg.ID, msg.Values)
		d.onceAck = &sync.Once{}

		t.metrics.consumed.Add(1)

		select {
		case workCh <- d:
		case <-ctx.Done():
			t.releaseDelivery(d)
			return false
		}
	}
	return true
}

// newDelivery gets a delivery from the pool.
func (t *Transport) newDelivery() *delivery {
	d := t.dpool.Get().(*delivery)
	*d = delivery{}
	return d
}

// releaseDelivery returns a delivery to the pool after clearing references.
func (t *Transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	*d = delivery{}
	t.dpool.Put(d)
}

// claimLoop periodically claims pending entries idle longer than
// ClaimMinIdle and delivers them again, so Nacked envelopes are retried and
// entries left by a crashed consumer of the same group are recovered.
func (t *Transport) claimLoop(ctx context.Context, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: t.cfg.Stream,
			Group:  t.cfg.Group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}

		msgs, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   t.cfg.Stream,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			t.metrics.consumeErrors.Add(1)
			continue
		}
		t.metrics.claimed.Add(uint64(len(msgs)))
		if !t.dispatch(ctx, workCh, msgs) {
			return
		}
	}
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Claimed:       t.metrics.claimed.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

// Close stops every subscription and releases the client.
func (t *Transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}

	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}

	if t.ownsGroup {
		_ = t.client.XGroupDestroy(ctx, t.cfg.Stream, t.cfg.Group).Err()
	}
	return t.client.Close()
}

// Helper functions

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}

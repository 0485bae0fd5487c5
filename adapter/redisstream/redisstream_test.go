package redisstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"github.com/trickstertwo/xmsg"
)

// OrderCreated is a sample domain event for testing.
type OrderCreated struct {
	ID    string `json:"id"`
	Value int64  `json:"value"`
}

// testConfig returns a Config pointed at an in-process Redis server.
func testConfig(tb testing.TB, mr *miniredis.Miniredis) Config {
	tb.Helper()
	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.Stream = "xmsg-test"
	cfg.Block = 100 * time.Millisecond
	cfg.Concurrency = 2
	return cfg
}

// redisClient returns a client connected to mr for assertions.
func redisClient(tb testing.TB, mr *miniredis.Miniredis) *redis.Client {
	tb.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tb.Cleanup(func() { _ = client.Close() })
	return client
}

func newTransport(tb testing.TB, cfg Config) *Transport {
	tb.Helper()
	tr, err := NewTransport(cfg)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func testEnvelope(i int) *xmsg.Envelope {
	return &xmsg.Envelope{
		Origin:   "bus-test",
		Tag:      "OrderCreated",
		Codec:    "json",
		Payload:  []byte(fmt.Sprintf(`{"id":"o-%d","value":%d}`, i, i)),
		Scope:    xmsg.ScopeNetwork,
		TimeSent: time.Now(),
	}
}

func testLogger() *xlog.Logger {
	return zerolog.Use(zerolog.Config{
		MinLevel: xlog.LevelDebug,
		Console:  false,
		Writer:   io.Discard,
	})
}

// TestPublish_SingleEnvelope tests publishing a single envelope.
func TestPublish_SingleEnvelope(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisClient(t, mr)
	tr := newTransport(t, testConfig(t, mr))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tr.Publish(ctx, testEnvelope(1)))

	res, err := client.XLen(ctx, "xmsg-test").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), res)
	assert.Equal(t, uint64(1), tr.Stats().Published)
}

// TestPublish_BatchEnvelopes tests publishing several envelopes in one pipeline.
func TestPublish_BatchEnvelopes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisClient(t, mr)
	tr := newTransport(t, testConfig(t, mr))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const batchSize = 100
	envs := make([]*xmsg.Envelope, 0, batchSize+1)
	for i := range batchSize {
		envs = append(envs, testEnvelope(i))
	}
	envs = append(envs, nil)

	require.NoError(t, tr.Publish(ctx, envs...))
	require.NoError(t, tr.Publish(ctx))

	res, err := client.XLen(ctx, "xmsg-test").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(batchSize), res)
	assert.Equal(t, uint64(batchSize), tr.Stats().Published)
}

// TestPublish_ConcurrentPublishers tests that concurrent publishers lose nothing.
func TestPublish_ConcurrentPublishers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisClient(t, mr)
	tr := newTransport(t, testConfig(t, mr))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const publishers, perPublisher = 4, 25
	var errorCount atomic.Int64
	var wg sync.WaitGroup
	for p := range publishers {
		wg.Go(func() {
			for i := range perPublisher {
				if err := tr.Publish(ctx, testEnvelope(p*perPublisher+i)); err != nil {
					errorCount.Add(1)
				}
			}
		})
	}
	wg.Wait()

	assert.Zero(t, errorCount.Load())
	res, err := client.XLen(ctx, "xmsg-test").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(publishers*perPublisher), res)
}

// TestSubscribe_ConsumesAllEnvelopes tests that Subscribe receives every
// envelope published after it started, with all fields intact.
func TestSubscribe_ConsumesAllEnvelopes(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.Concurrency = 4
	tr := newTransport(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const numEnvelopes = 50
	var consumed atomic.Int64
	var first sync.Once
	firstEnv := make(chan *xmsg.Envelope, 1)
	done := make(chan struct{})

	sub, err := tr.Subscribe(ctx, func(d xmsg.Delivery) {
		env := d.Envelope()
		if env.ID == "first" {
			first.Do(func() {
				cp := *env
				firstEnv <- &cp
			})
		}
		assert.NoError(t, d.Ack(ctx))
		if consumed.Add(1) == numEnvelopes {
			close(done)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	sender, recipient := xmsg.NewAddress(), xmsg.NewAddress()
	expires := time.Now().Add(time.Minute)
	head := testEnvelope(0)
	head.ID = "first"
	head.Sender = sender
	head.Recipients = []xmsg.Address{recipient}
	head.Flags = xmsg.FlagLoopbackSuppress
	head.Expiration = expires
	head.SenderThread = "worker"
	head.Annotations = map[string]string{"tenant": "acme"}
	require.NoError(t, tr.Publish(ctx, head))
	for i := 1; i < numEnvelopes; i++ {
		require.NoError(t, tr.Publish(ctx, testEnvelope(i)))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for envelopes (consumed %d/%d)", consumed.Load(), numEnvelopes)
	}

	got := <-firstEnv
	assert.Equal(t, "bus-test", got.Origin)
	assert.Equal(t, xmsg.Tag("OrderCreated"), got.Tag)
	assert.Equal(t, "json", got.Codec)
	assert.JSONEq(t, `{"id":"o-0","value":0}`, string(got.Payload))
	assert.Equal(t, sender, got.Sender)
	assert.Equal(t, []xmsg.Address{recipient}, got.Recipients)
	assert.Equal(t, xmsg.ScopeNetwork, got.Scope)
	assert.Equal(t, xmsg.FlagLoopbackSuppress, got.Flags)
	assert.Equal(t, expires.UnixNano(), got.Expiration.UnixNano())
	assert.Equal(t, xmsg.ThreadID("worker"), got.SenderThread)
	assert.Equal(t, map[string]string{"tenant": "acme"}, got.Annotations)

	s := tr.Stats()
	assert.Equal(t, uint64(numEnvelopes), s.Consumed)
	assert.Equal(t, uint64(numEnvelopes), s.Acked)
}

// TestDeadLetter_NackWritesToDLQ tests that Nack moves the entry to the
// dead-letter stream and acknowledges the original.
func TestDeadLetter_NackWritesToDLQ(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisClient(t, mr)
	cfg := testConfig(t, mr)
	cfg.Group = "dlq-group"
	cfg.DeadLetter = "xmsg-test-dlq"
	tr := newTransport(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var nacked atomic.Int64
	sub, err := tr.Subscribe(ctx, func(d xmsg.Delivery) {
		assert.NoError(t, d.Nack(ctx, errors.New("poison")))
		// Only the first settle counts.
		assert.NoError(t, d.Ack(ctx))
		nacked.Add(1)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, testEnvelope(7)))
	require.Eventually(t, func() bool { return nacked.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	entries, err := client.XRange(ctx, cfg.DeadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "poison", entries[0].Values["error"])
	assert.Equal(t, cfg.Stream, entries[0].Values["orig_stream"])
	assert.Equal(t, "OrderCreated", entries[0].Values[fieldTag])

	pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	s := tr.Stats()
	assert.Equal(t, uint64(1), s.Nacked)
	assert.Equal(t, uint64(1), s.Acked)
}

// TestNack_WithoutDeadLetterStaysPending tests that a Nack without a
// dead-letter stream leaves the entry for the claim loop.
func TestNack_WithoutDeadLetterStaysPending(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisClient(t, mr)
	cfg := testConfig(t, mr)
	cfg.Group = "pending-group"
	tr := newTransport(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var handled atomic.Int64
	sub, err := tr.Subscribe(ctx, func(d xmsg.Delivery) {
		assert.NoError(t, d.Nack(ctx, errors.New("later")))
		handled.Add(1)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, testEnvelope(1)))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
	assert.Zero(t, tr.Stats().Acked)
}

// TestTransport_GeneratedGroupIsDestroyed tests that each transport without
// a configured group reads through its own group and removes it on Close.
func TestTransport_GeneratedGroupIsDestroyed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisClient(t, mr)
	cfg := testConfig(t, mr)

	a, err := NewTransport(cfg)
	require.NoError(t, err)
	b, err := NewTransport(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a.Config().Group, b.Config().Group)

	ctx := context.Background()
	_, err = a.Subscribe(ctx, func(xmsg.Delivery) {})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, func(xmsg.Delivery) {})
	require.NoError(t, err)

	groups, err := client.XInfoGroups(ctx, cfg.Stream).Result()
	require.NoError(t, err)
	assert.Len(t, groups, 2)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))
	groups, err = client.XInfoGroups(ctx, cfg.Stream).Result()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, b.Config().Group, groups[0].Name)

	assert.Error(t, a.Publish(ctx, testEnvelope(1)))
	_, err = a.Subscribe(ctx, func(xmsg.Delivery) {})
	assert.Error(t, err)
	require.NoError(t, b.Close(ctx))
}

// TestNewTransport_Unreachable tests that a dead server fails construction.
func TestNewTransport_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	mr.Close()

	_, err := NewTransport(cfg)
	assert.Error(t, err)
}

// TestEnvelope_Fields tests the flattening of envelopes into stream fields.
func TestEnvelope_Fields(t *testing.T) {
	sender := xmsg.NewAddress()
	env := &xmsg.Envelope{
		ID:           "id-1",
		Origin:       "bus-a",
		Tag:          "t",
		Codec:        "json",
		Payload:      []byte(`{}`),
		Annotations:  map[string]string{"a": "1", "b": "2"},
		Sender:       sender,
		Recipients:   []xmsg.Address{xmsg.NewAddress(), xmsg.NewAddress()},
		Scope:        xmsg.ScopeAll,
		TimeSent:     time.Unix(0, 1234),
		SenderThread: "main",
	}
	vals := encodeEnvelope(env)
	assert.NotContains(t, vals, fieldExpiresAt)
	assert.Equal(t, "1", vals[fieldAnnPrefix+"a"])

	// Redis hands every field back as a string.
	strs := make(map[string]any, len(vals))
	for k, v := range vals {
		switch x := v.(type) {
		case []byte:
			strs[k] = string(x)
		default:
			strs[k] = fmt.Sprint(x)
		}
	}
	back := decodeEnvelope("1-0", strs)
	assert.Equal(t, env, back)

	// Entry IDs fill in for publishers that assigned none.
	delete(strs, fieldID)
	assert.Equal(t, "1-0", decodeEnvelope("1-0", strs).ID)
	assert.Empty(t, decodeEnvelope("2-0", map[string]any{}).Recipients)
}

// TestConfigFromMap tests conversion of decoded TOML tables.
func TestConfigFromMap(t *testing.T) {
	def := ConfigFromMap(nil)
	assert.Equal(t, Defaults(), def)

	c := ConfigFromMap(map[string]any{
		"addr":           "redis:6379",
		"db":             int64(2),
		"stream":         "orders",
		"group":          "g1",
		"concurrency":    "3",
		"batch_size":     float64(64),
		"block":          "250ms",
		"start_id":       "0",
		"dead_letter":    "orders-dlq",
		"max_len_approx": int64(10000),
		"claim_min_idle": "30s",
		"claim_batch":    16,
		"claim_interval": 5 * time.Second,
		"auto_create":    false,
	})
	assert.Equal(t, "redis:6379", c.Addr)
	assert.Equal(t, 2, c.DB)
	assert.Equal(t, "orders", c.Stream)
	assert.Equal(t, "g1", c.Group)
	assert.Equal(t, 3, c.Concurrency)
	assert.Equal(t, 64, c.BatchSize)
	assert.Equal(t, 250*time.Millisecond, c.Block)
	assert.Equal(t, "0", c.StartID)
	assert.Equal(t, "orders-dlq", c.DeadLetter)
	assert.Equal(t, int64(10000), c.MaxLenApprox)
	assert.Equal(t, 30*time.Second, c.ClaimMinIdle)
	assert.Equal(t, 16, c.ClaimBatch)
	assert.Equal(t, 5*time.Second, c.ClaimInterval)
	assert.False(t, c.AutoCreate)

	assert.Equal(t, c, ConfigFromMap(c.toMap()))
}

// TestConfig_Validate tests rejection of unusable settings.
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"addr", func(c *Config) { c.Addr = "" }},
		{"stream", func(c *Config) { c.Stream = "" }},
		{"consumer", func(c *Config) { c.Consumer = "" }},
		{"concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"batch size", func(c *Config) { c.BatchSize = 0 }},
		{"block", func(c *Config) { c.Block = 0 }},
		{"claim interval", func(c *Config) { c.ClaimMinIdle = time.Second; c.ClaimInterval = 0 }},
	}
	require.NoError(t, Defaults().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

// TestUse_RoundTripBetweenBuses tests two buses sharing one stream.
func TestUse_RoundTripBetweenBuses(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)

	a := Use(cfg, WithLogger(testLogger()))
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	b := Use(cfg, WithLogger(testLogger()), WithThreads("worker"))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	got := make(chan OrderCreated, 1)
	consumer, err := xmsg.NewEndpoint(context.Background(), b, xmsg.EndpointConfig{Thread: "worker"})
	require.NoError(t, err)
	require.NoError(t, xmsg.Subscribe(consumer, func(ctx context.Context, o OrderCreated, mc *xmsg.MessageContext) error {
		assert.True(t, mc.IsRemote())
		assert.Equal(t, xmsg.ThreadID("worker"), xmsg.ThreadFromContext(ctx))
		got <- o
		return nil
	}, xmsg.AtLeast(xmsg.ScopeNetwork)))

	producer, err := xmsg.NewEndpoint(context.Background(), a, xmsg.EndpointConfig{})
	require.NoError(t, err)
	require.NoError(t, producer.Publish(context.Background(), OrderCreated{ID: "o-42", Value: 42}, xmsg.ScopeNetwork))

	select {
	case o := <-got:
		assert.Equal(t, OrderCreated{ID: "o-42", Value: 42}, o)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for remote order")
	}

	require.Eventually(t, func() bool { return a.GetMetrics().NetworkOut == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), b.GetMetrics().NetworkIn)
}

// BenchmarkPublish_Single benchmarks single envelope publishing.
func BenchmarkPublish_Single(b *testing.B) {
	mr := miniredis.RunT(b)
	tr := newTransport(b, testConfig(b, mr))
	ctx := context.Background()
	env := testEnvelope(1)

	b.ReportAllocs()
	for b.Loop() {
		if err := tr.Publish(ctx, env); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPublish_Batch benchmarks pipelined batches of 100 envelopes.
func BenchmarkPublish_Batch(b *testing.B) {
	mr := miniredis.RunT(b)
	tr := newTransport(b, testConfig(b, mr))
	ctx := context.Background()
	envs := make([]*xmsg.Envelope, 100)
	for i := range envs {
		envs[i] = testEnvelope(i)
	}

	b.ReportAllocs()
	for b.Loop() {
		if err := tr.Publish(ctx, envs...); err != nil {
			b.Fatal(err)
		}
	}
}

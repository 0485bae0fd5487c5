package xmsg

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	transportName string
	transportSet  bool
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	scheduler       *Scheduler
	threads         []ThreadID
	observers       []Observer
	observerWorkers int
	observerBuffer  int
	logger          *xlog.Logger
	clock           xclock.Clock
	netTimeout      time.Duration
	name            string
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:       "json",
		observerWorkers: 2,
		observerBuffer:  1024,
		netTimeout:      5 * time.Second,
	}
}

// WithName labels the bus in logs.
func (bb *BusBuilder) WithName(name string) *BusBuilder {
	bb.name = name
	return bb
}

// WithTransport enables network scope through a registered transport.
func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	bb.transportSet = true
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter Use()).
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithScheduler shares an existing scheduler. The bus then stops only the
// threads it spawned itself.
func (bb *BusBuilder) WithScheduler(s *Scheduler) *BusBuilder {
	bb.scheduler = s
	return bb
}

// WithThreads spawns named loops on the bus scheduler at Build.
func (bb *BusBuilder) WithThreads(ids ...ThreadID) *BusBuilder {
	bb.threads = append(bb.threads, ids...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the async observer pool.
func (bb *BusBuilder) WithObserverPool(workers, buffer int) *BusBuilder {
	if workers > 0 {
		bb.observerWorkers = workers
	}
	if buffer > 0 {
		bb.observerBuffer = buffer
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithNetworkTimeout bounds each transport publish and ack.
func (bb *BusBuilder) WithNetworkTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.netTimeout = d
	}
	return bb
}

// WithConfig applies a file configuration. Explicit builder calls made
// afterwards take precedence.
func (bb *BusBuilder) WithConfig(cfg Config) *BusBuilder {
	if cfg.Name != "" {
		bb.name = cfg.Name
	}
	if cfg.Codec != "" {
		bb.codecName = cfg.Codec
	}
	for _, t := range cfg.Threads {
		bb.threads = append(bb.threads, ThreadID(t))
	}
	bb.WithObserverPool(cfg.ObserverWorkers, cfg.ObserverBuffer)
	bb.WithNetworkTimeout(cfg.NetworkTimeout.Duration)
	if cfg.Transport.Name != "" || len(cfg.Transport.Options) > 0 {
		bb.WithTransport(cfg.Transport.Name, cfg.Transport.Options)
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportSet && bb.transportName == "":
		return nil, ErrNoTransportConfigured
	case bb.transportSet:
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		// Default to xlog default logger; Adapter pattern to platform logging.
		lg = xlog.Default()
	}
	if bb.name != "" {
		lg = lg.With(xlog.Str("bus", bb.name))
	}

	sched := bb.scheduler
	owns := false
	if sched == nil {
		sched = NewScheduler(lg)
		owns = true
	}

	b := newBus(cd, clk, lg, sched)
	b.name = bb.name
	b.ownsScheduler = owns
	b.netTimeout = bb.netTimeout
	b.observerPool = NewObserverPool(context.Background(), bb.observerWorkers, bb.observerBuffer, lg)

	// Attach logging observer first for dependable telemetry unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	for _, id := range bb.threads {
		if sched.Has(id) {
			continue
		}
		if _, err := sched.Spawn(id); err != nil {
			_ = b.Close(context.Background())
			return nil, fmt.Errorf("spawn thread %q: %w", id, err)
		}
		b.ownedThreads = append(b.ownedThreads, id)
	}

	if tr != nil {
		b.transport = tr
		b.netLoop = newLoop(context.Background(), "xmsg:network", false, lg)
		sub, err := tr.Subscribe(b.baseCtx, b.receiveNetwork)
		if err != nil {
			_ = b.Close(context.Background())
			return nil, fmt.Errorf("transport subscribe: %w", err)
		}
		b.netSub = sub
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}

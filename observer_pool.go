package xmsg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

type observerJob struct {
	event     Event
	observers []Observer
}

// ObserverPool fans bus events out to observers on background goroutines so
// slow observers never stall routing. When the buffer is full the event is
// dropped and counted.
type ObserverPool struct {
	ctx     context.Context
	logger  *xlog.Logger
	workers int

	// mu orders Notify against Close so jobs is never written after close.
	mu     sync.RWMutex
	jobs   chan observerJob
	closed bool
	wg     sync.WaitGroup

	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool starts workers goroutines (default 2) reading a buffer of
// bufferSize events (default 1024). The pool stops accepting events once ctx
// ends; Close drains what is queued.
func NewObserverPool(ctx context.Context, workers, bufferSize int, logger *xlog.Logger) *ObserverPool {
	if workers < 1 {
		workers = 2
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	if ctx == nil {
		ctx = context.Background()
	}
	op := &ObserverPool{
		ctx:     ctx,
		logger:  logger,
		workers: workers,
		jobs:    make(chan observerJob, bufferSize),
	}
	for range workers {
		op.wg.Go(func() {
			for job := range op.jobs {
				op.run(job)
			}
		})
	}
	return op
}

// Notify queues e for observers. It never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.ctx.Err() != nil {
		return
	}
	op.mu.RLock()
	defer op.mu.RUnlock()
	if op.closed {
		return
	}
	select {
	case op.jobs <- observerJob{event: e, observers: observers}:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) run(job observerJob) {
	for _, obs := range job.observers {
		if obs != nil {
			op.call(obs, job.event)
		}
	}
	op.processed.Add(1)
}

func (op *ObserverPool) call(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil && op.logger != nil {
			op.logger.Warn().
				Err(fmt.Errorf("panic recovered: %v", r)).
				Str("event", string(e.Type)).
				Msg("xmsg: observer panic (recovered)")
		}
	}()
	obs.OnEvent(e)
}

// Close stops accepting events and waits at most timeout for the workers to
// drain the buffer.
func (op *ObserverPool) Close(timeout time.Duration) error {
	op.mu.Lock()
	if op.closed {
		op.mu.Unlock()
		return nil
	}
	op.closed = true
	close(op.jobs)
	op.mu.Unlock()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.jobs),
		Workers:      op.workers,
		BufferSize:   cap(op.jobs),
	}
}

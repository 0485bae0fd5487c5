package xmsg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xlog"
)

// ThreadID names an execution context that endpoints can receive on.
type ThreadID string

const (
	// CurrentThread asks NewEndpoint to use the thread found in its context.
	CurrentThread ThreadID = ""
	// AnyThread receives on whichever goroutine performs dispatch.
	AnyThread ThreadID = "any"
)

// Task is a unit of work executed on a Loop. ctx carries the loop's ThreadID.
type Task func(ctx context.Context)

// Loop is a named FIFO execution context. Spawned loops own a goroutine;
// attached loops are pumped by their owner through Pump.
type Loop struct {
	id     ThreadID
	tasks  *queue[Task]
	manual bool
	base   context.Context
	logger *xlog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	processed atomic.Uint64
}

func newLoop(base context.Context, id ThreadID, manual bool, logger *xlog.Logger) *Loop {
	l := &Loop{
		id:     id,
		tasks:  newQueue[Task](),
		manual: manual,
		base:   WithThread(base, id),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if manual {
		close(l.done)
	} else {
		go l.run()
	}
	return l
}

// ID returns the loop's thread identifier.
func (l *Loop) ID() ThreadID { return l.id }

// Post enqueues t. It returns false when the loop is closed.
func (l *Loop) Post(t Task) bool {
	if t == nil {
		return false
	}
	return l.tasks.Push(t)
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int { return l.tasks.Len() }

// Processed returns the number of tasks run so far.
func (l *Loop) Processed() uint64 { return l.processed.Load() }

// Pump runs every task queued on an attached loop on the calling goroutine
// and returns how many ran. It is a no-op for spawned loops.
func (l *Loop) Pump(ctx context.Context) int {
	if !l.manual {
		return 0
	}
	if ctx == nil {
		ctx = l.base
	}
	return l.runPending(WithThread(ctx, l.id))
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.tasks.Ready():
			l.runPending(l.base)
		case <-l.stop:
			// Finish what was accepted before the stop.
			l.runPending(l.base)
			return
		}
	}
}

func (l *Loop) runPending(ctx context.Context) int {
	n := 0
	for {
		t, ok := l.tasks.Pop()
		if !ok {
			return n
		}
		l.exec(ctx, t)
		n++
	}
}

func (l *Loop) exec(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil && l.logger != nil {
			l.logger.Error().
				Str("thread", string(l.id)).
				Err(fmt.Errorf("panic recovered: %v", r)).
				Msg("xmsg: task panic (recovered)")
		}
	}()
	t(ctx)
	l.processed.Add(1)
}

// Close stops accepting tasks and, for spawned loops, waits until queued
// tasks have run or ctx ends.
func (l *Loop) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.tasks.Close()
		close(l.stop)
	})
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scheduler owns the named loops of a process (or of a test).
type Scheduler struct {
	mu     sync.RWMutex
	loops  map[ThreadID]*Loop
	base   context.Context
	logger *xlog.Logger
	closed bool
}

// NewScheduler returns an empty scheduler. logger may be nil.
func NewScheduler(logger *xlog.Logger) *Scheduler {
	return &Scheduler{
		loops:  make(map[ThreadID]*Loop),
		base:   context.Background(),
		logger: logger,
	}
}

// Spawn starts a goroutine-backed loop named id.
func (s *Scheduler) Spawn(id ThreadID) (*Loop, error) {
	return s.add(id, false)
}

// Attach creates a loop named id that the caller drives with Pump, for
// owners that already run their own main loop.
func (s *Scheduler) Attach(id ThreadID) (*Loop, error) {
	return s.add(id, true)
}

func (s *Scheduler) add(id ThreadID, manual bool) (*Loop, error) {
	if id == CurrentThread || id == AnyThread {
		return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidThread, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrLoopClosed
	}
	if _, ok := s.loops[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadExists, id)
	}
	l := newLoop(s.base, id, manual, s.logger)
	s.loops[id] = l
	return l, nil
}

// Loop returns the loop named id.
func (s *Scheduler) Loop(id ThreadID) (*Loop, bool) {
	s.mu.RLock()
	l, ok := s.loops[id]
	s.mu.RUnlock()
	return l, ok
}

// Has reports whether id names a known loop or AnyThread.
func (s *Scheduler) Has(id ThreadID) bool {
	if id == AnyThread {
		return true
	}
	_, ok := s.Loop(id)
	return ok
}

// Dispatch posts task onto the loop named id.
func (s *Scheduler) Dispatch(id ThreadID, task Task) error {
	l, ok := s.Loop(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownThread, id)
	}
	if !l.Post(task) {
		return fmt.Errorf("%w: %s", ErrLoopClosed, id)
	}
	return nil
}

// Stop closes and forgets the loop named id.
func (s *Scheduler) Stop(ctx context.Context, id ThreadID) error {
	s.mu.Lock()
	l, ok := s.loops[id]
	delete(s.loops, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownThread, id)
	}
	return l.Close(ctx)
}

// Close stops every loop.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	loops := make([]*Loop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	clear(s.loops)
	s.mu.Unlock()

	var firstErr error
	for _, l := range loops {
		if err := l.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

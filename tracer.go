package xmsg

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tracer intercepts dispatch. The bus consults it once per recipient before
// delivery; ShouldBreak must not modify the context.
type Tracer interface {
	IsEnabled() bool
	ShouldBreak(mc *MessageContext) bool
}

// BreakHandler is implemented by tracers that want the suspension handle.
// OnBreak is called on the goroutine that waits for the suspension, so it may
// block without stalling other deliveries.
type BreakHandler interface {
	OnBreak(s *Suspension)
}

// Suspension is a paused delivery of one context to one recipient.
type Suspension struct {
	mc          *MessageContext
	recipient   Address
	suspendedAt time.Time
	once        sync.Once
	done        chan struct{}
}

func newSuspension(mc *MessageContext, recipient Address, at time.Time) *Suspension {
	return &Suspension{mc: mc, recipient: recipient, suspendedAt: at, done: make(chan struct{})}
}

func (s *Suspension) Context() *MessageContext { return s.mc }
func (s *Suspension) Recipient() Address       { return s.recipient }
func (s *Suspension) SuspendedAt() time.Time   { return s.suspendedAt }

// Resume releases the delivery. It is safe to call more than once.
func (s *Suspension) Resume() {
	s.once.Do(func() { close(s.done) })
}

// Done is closed once the suspension has been resumed.
func (s *Suspension) Done() <-chan struct{} { return s.done }

// Breakpoint has the same capability set as Tracer and is what a Debugger
// evaluates.
type Breakpoint interface {
	IsEnabled() bool
	ShouldBreak(mc *MessageContext) bool
}

// TagBreakpoint breaks on every context carrying Tag.
type TagBreakpoint struct {
	tag      Tag
	disabled atomic.Bool
}

func NewTagBreakpoint(tag Tag) *TagBreakpoint { return &TagBreakpoint{tag: tag} }

func (b *TagBreakpoint) Tag() Tag                            { return b.tag }
func (b *TagBreakpoint) Enable()                             { b.disabled.Store(false) }
func (b *TagBreakpoint) Disable()                            { b.disabled.Store(true) }
func (b *TagBreakpoint) IsEnabled() bool                     { return !b.disabled.Load() }
func (b *TagBreakpoint) ShouldBreak(mc *MessageContext) bool { return mc != nil && mc.Tag() == b.tag }

// BreakpointFunc adapts a predicate into an always-enabled Breakpoint.
type BreakpointFunc func(mc *MessageContext) bool

func (f BreakpointFunc) IsEnabled() bool                     { return true }
func (f BreakpointFunc) ShouldBreak(mc *MessageContext) bool { return f(mc) }

// Debugger is a Tracer that breaks when any enabled breakpoint matches and
// keeps the resulting suspensions for stepping.
type Debugger struct {
	enabled atomic.Bool

	mu          sync.Mutex
	breakpoints []Breakpoint
	pending     []*Suspension

	breaks chan *Suspension
}

// NewDebugger returns an enabled debugger. Breaks() buffers up to buffer
// suspensions; further notifications are dropped but still pending.
func NewDebugger(buffer int) *Debugger {
	if buffer < 1 {
		buffer = 16
	}
	d := &Debugger{breaks: make(chan *Suspension, buffer)}
	d.enabled.Store(true)
	return d
}

func (d *Debugger) Enable()         { d.enabled.Store(true) }
func (d *Debugger) Disable()        { d.enabled.Store(false) }
func (d *Debugger) IsEnabled() bool { return d.enabled.Load() }

func (d *Debugger) AddBreakpoint(bp Breakpoint) {
	if bp == nil {
		return
	}
	d.mu.Lock()
	d.breakpoints = append(d.breakpoints, bp)
	d.mu.Unlock()
}

// RemoveBreakpoint removes bp by identity and reports whether it was found.
func (d *Debugger) RemoveBreakpoint(bp Breakpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range d.breakpoints {
		if b == bp {
			d.breakpoints = append(d.breakpoints[:i], d.breakpoints[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Debugger) ShouldBreak(mc *MessageContext) bool {
	d.mu.Lock()
	bps := make([]Breakpoint, len(d.breakpoints))
	copy(bps, d.breakpoints)
	d.mu.Unlock()
	for _, bp := range bps {
		if bp.IsEnabled() && bp.ShouldBreak(mc) {
			return true
		}
	}
	return false
}

func (d *Debugger) OnBreak(s *Suspension) {
	d.mu.Lock()
	d.pending = append(d.pending, s)
	d.mu.Unlock()
	select {
	case d.breaks <- s:
	default:
	}
}

// Breaks delivers each new suspension.
func (d *Debugger) Breaks() <-chan *Suspension { return d.breaks }

// Pending returns the suspensions not yet resumed, oldest first.
func (d *Debugger) Pending() []*Suspension {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Suspension, 0, len(d.pending))
	for _, s := range d.pending {
		select {
		case <-s.Done():
		default:
			out = append(out, s)
		}
	}
	d.pending = out
	return append([]*Suspension(nil), out...)
}

// Step resumes the oldest pending suspension and reports whether one existed.
func (d *Debugger) Step() bool {
	p := d.Pending()
	if len(p) == 0 {
		return false
	}
	p[0].Resume()
	return true
}

// Continue resumes every pending suspension and returns how many.
func (d *Debugger) Continue() int {
	p := d.Pending()
	for _, s := range p {
		s.Resume()
	}
	return len(p)
}

var (
	_ Tracer       = (*Debugger)(nil)
	_ BreakHandler = (*Debugger)(nil)
	_ Breakpoint   = (*TagBreakpoint)(nil)
	_ Breakpoint   = BreakpointFunc(nil)
)

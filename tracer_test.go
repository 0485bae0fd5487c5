package xmsg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitBreak(t *testing.T, d *Debugger) *Suspension {
	t.Helper()
	select {
	case s := <-d.Breaks():
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no break")
		return nil
	}
}

func TestTracer_SuspendsOnlyMatchingRecipient(t *testing.T) {
	b := newTestBus(t)
	dbg := NewDebugger(0)
	bp := NewTagBreakpoint(TagOf[Ping]())
	dbg.AddBreakpoint(bp)
	b.SetTracer(dbg)
	assert.Same(t, dbg, b.Tracer())

	tag := TagOf[Ping]()
	first, recFirst := newRecorder(t, b, EndpointConfig{Subscriptions: []Tag{tag}})
	_, recSecond := newRecorder(t, b, EndpointConfig{Subscriptions: []Tag{tag}})
	_, recPong := newRecorder(t, b, EndpointConfig{Subscriptions: []Tag{TagOf[Pong]()}})
	pub, _ := newRecorder(t, b, EndpointConfig{})

	require.NoError(t, pub.Publish(context.Background(), Ping{}, ScopeProcess))
	require.NoError(t, pub.Publish(context.Background(), Pong{}, ScopeProcess))

	s1 := waitBreak(t, dbg)
	s2 := waitBreak(t, dbg)
	flush(t, b)

	// Both Ping deliveries are parked; the Pong went through.
	assert.Equal(t, 0, recFirst.len())
	assert.Equal(t, 0, recSecond.len())
	assert.Equal(t, 1, recPong.len())
	assert.Len(t, b.Suspended(), 2)
	assert.Len(t, dbg.Pending(), 2)
	assert.Equal(t, uint64(2), b.GetMetrics().Suspended)
	assert.Equal(t, tag, s1.Context().Tag())
	assert.ElementsMatch(t, []Address{s1.Recipient(), s2.Recipient()}, b.Subscribers(tag))
	assert.False(t, s1.SuspendedAt().IsZero())

	// Resuming one releases exactly that recipient.
	target := dbg.Pending()[0].Recipient()
	require.True(t, dbg.Step())
	rec := recSecond
	if target == first.Address() {
		rec = recFirst
	}
	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, recFirst.len()+recSecond.len())

	assert.Equal(t, 1, dbg.Continue())
	require.Eventually(t, func() bool { return recFirst.len()+recSecond.len() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.Suspended()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, dbg.Step())
}

func TestTracer_DisabledBreakpointsAndDebugger(t *testing.T) {
	b := newTestBus(t)
	dbg := NewDebugger(4)
	bp := NewTagBreakpoint(TagOf[Ping]())
	dbg.AddBreakpoint(bp)
	b.SetTracer(dbg)
	ep, rec := newRecorder(t, b, EndpointConfig{})

	bp.Disable()
	require.NoError(t, ep.Send(context.Background(), Ping{}, []Address{ep.Address()}))
	flush(t, b)
	assert.Equal(t, 1, rec.len())

	bp.Enable()
	dbg.Disable()
	require.NoError(t, ep.Send(context.Background(), Ping{}, []Address{ep.Address()}))
	flush(t, b)
	assert.Equal(t, 2, rec.len())

	dbg.Enable()
	assert.True(t, dbg.RemoveBreakpoint(bp))
	assert.False(t, dbg.RemoveBreakpoint(bp))
	require.NoError(t, ep.Send(context.Background(), Ping{}, []Address{ep.Address()}))
	flush(t, b)
	assert.Equal(t, 3, rec.len())

	b.SetTracer(nil)
	assert.Nil(t, b.Tracer())
}

type panickyTracer struct{}

func (panickyTracer) IsEnabled() bool                  { return true }
func (panickyTracer) ShouldBreak(*MessageContext) bool { panic("tracer bug") }

func TestTracer_PanicDoesNotBreakDelivery(t *testing.T) {
	b := newTestBus(t)
	b.SetTracer(panickyTracer{})
	ep, rec := newRecorder(t, b, EndpointConfig{})

	require.NoError(t, ep.Send(context.Background(), Ping{}, []Address{ep.Address()}))
	flush(t, b)
	assert.Equal(t, 1, rec.len())
}

func TestTracer_CloseReleasesSuspensions(t *testing.T) {
	b := newTestBus(t)
	dbg := NewDebugger(1)
	dbg.AddBreakpoint(BreakpointFunc(func(mc *MessageContext) bool { return true }))
	b.SetTracer(dbg)
	ep, rec := newRecorder(t, b, EndpointConfig{})

	require.NoError(t, ep.Send(context.Background(), Ping{}, []Address{ep.Address()}))
	s := waitBreak(t, dbg)

	require.NoError(t, b.Close(context.Background()))
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("suspension not released on close")
	}
	require.Eventually(t, func() bool { return b.GetMetrics().Dropped == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.len())
}

func TestTracer_CloseDropsQueuedBreaks(t *testing.T) {
	b := newTestBus(t)
	dbg := NewDebugger(1)
	dbg.AddBreakpoint(NewTagBreakpoint(TagOf[Pong]()))
	b.SetTracer(dbg)

	entered, release := make(chan struct{}), make(chan struct{})
	blocker, err := NewEndpoint(context.Background(), b, EndpointConfig{
		Handlers: []Handler{Handling(func(context.Context, Ping, *MessageContext) error {
			close(entered)
			<-release
			return nil
		})},
	})
	require.NoError(t, err)
	t.Cleanup(blocker.Close)
	other, rec := newRecorder(t, b, EndpointConfig{})

	// The router is busy in blocker's handler while the Pong waits behind it.
	require.NoError(t, blocker.Send(context.Background(), Ping{}, []Address{blocker.Address()}))
	<-entered
	require.NoError(t, other.Send(context.Background(), Pong{}, []Address{other.Address()}))
	require.NoError(t, other.Send(context.Background(), Ping{Val: "drained"}, []Address{other.Address()}))

	closed := make(chan error, 1)
	go func() { closed <- b.Close(context.Background()) }()
	require.Eventually(t, b.IsClosed, time.Second, time.Millisecond)
	close(release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
	assert.Empty(t, b.Suspended())
	assert.Zero(t, b.GetMetrics().Suspended)
	assert.Equal(t, uint64(1), b.GetMetrics().Dropped)
	// Queued work without a break still drains.
	require.Equal(t, 1, rec.len())
	assert.Equal(t, TagOf[Ping](), rec.messages()[0].Tag())
}

func TestSuspension_ResumeIsIdempotent(t *testing.T) {
	s := newSuspension(mustContext(t, Ping{}), NewAddress(), time.Now())
	s.Resume()
	s.Resume()
	select {
	case <-s.Done():
	default:
		t.Fatal("not resumed")
	}
}

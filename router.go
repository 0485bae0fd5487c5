package xmsg

import (
	"context"
	"fmt"
)

// route posts one routing task for mc. The router loop is FIFO, so contexts
// reach a named-thread recipient's loop in the order they were sent.
func (b *Bus) route(mc *MessageContext, recipients []Address) {
	if len(recipients) == 0 {
		return
	}
	if !b.router.Post(func(context.Context) {
		for _, addr := range recipients {
			b.deliver(mc, addr)
		}
	}) {
		for _, addr := range recipients {
			b.drop(mc, addr, DropClosed)
		}
	}
}

// deliver consults the tracer before dispatching to a single recipient.
// A break parks only this recipient on its own goroutine.
func (b *Bus) deliver(mc *MessageContext, addr Address) {
	t := b.Tracer()
	if t == nil || !b.shouldBreak(t, mc) {
		b.dispatchTo(mc, addr)
		return
	}
	// Close resumes and drops suspensions, so none are created after it.
	if b.closed.Load() {
		b.drop(mc, addr, DropClosed)
		return
	}

	s := newSuspension(mc, addr, b.clock.Now())
	b.suspendMu.Lock()
	b.suspended[s] = struct{}{}
	b.suspendMu.Unlock()
	b.metrics.suspended.Add(1)
	b.emit(Event{Type: EventSuspended, Tag: mc.Tag(), Sender: mc.Sender(), Recipient: addr})

	go func() {
		if bh, ok := t.(BreakHandler); ok {
			b.onBreak(bh, s)
		}
		<-s.Done()

		b.suspendMu.Lock()
		delete(b.suspended, s)
		b.suspendMu.Unlock()
		b.emit(Event{Type: EventResumed, Tag: mc.Tag(), Sender: mc.Sender(), Recipient: addr, Duration: b.clock.Since(s.suspendedAt)})

		if b.closed.Load() {
			b.drop(mc, addr, DropClosed)
			return
		}
		b.dispatchTo(mc, addr)
	}()
}

func (b *Bus) shouldBreak(t Tracer, mc *MessageContext) (brk bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().Err(fmt.Errorf("panic recovered: %v", r)).Msg("xmsg: tracer panic (recovered)")
			brk = false
		}
	}()
	return t.IsEnabled() && t.ShouldBreak(mc)
}

func (b *Bus) onBreak(bh BreakHandler, s *Suspension) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().Err(fmt.Errorf("panic recovered: %v", r)).Msg("xmsg: break handler panic (recovered)")
		}
	}()
	bh.OnBreak(s)
}

// dispatchTo resolves addr and either invokes it here (AnyThread) or marshals
// the invocation onto the endpoint's loop.
func (b *Bus) dispatchTo(mc *MessageContext, addr Address) {
	ep := b.lookup(addr)
	if ep == nil {
		b.drop(mc, addr, DropMissing)
		return
	}
	if !ep.IsEnabled() {
		b.drop(mc, addr, DropDisabled)
		return
	}
	thread := ep.thread
	if thread == AnyThread {
		b.invoke(b.anyCtx, mc, addr)
		return
	}
	// The task captures the address only; the endpoint may be collected
	// before the loop runs it.
	loop, ok := b.scheduler.Loop(thread)
	if !ok || !loop.Post(func(ctx context.Context) { b.invoke(b.handlerContext(ctx), mc, addr) }) {
		b.drop(mc, addr, DropNoThread)
	}
}

// invoke re-resolves addr at the moment of delivery.
func (b *Bus) invoke(ctx context.Context, mc *MessageContext, addr Address) {
	ep := b.lookup(addr)
	if ep == nil {
		b.drop(mc, addr, DropMissing)
		return
	}
	if !ep.IsEnabled() {
		b.drop(mc, addr, DropDisabled)
		return
	}

	start := b.clock.Now()
	ep.Receive(ctx, mc)
	duration := b.clock.Since(start)

	b.metrics.delivered.Add(1)
	b.recordDeliveryTime(duration.Nanoseconds())
	b.emit(Event{Type: EventDelivered, Tag: mc.Tag(), Sender: mc.Sender(), Recipient: addr, Duration: duration})
}

func (b *Bus) drop(mc *MessageContext, addr Address, reason DropReason) {
	b.metrics.dropped.Add(1)
	b.emit(Event{Type: EventDropped, Tag: mc.Tag(), Sender: mc.Sender(), Recipient: addr, Reason: reason})
	b.reportToSender(mc, &DeliveryError{Recipient: addr, Reason: reason})
}

// reportToSender hands err to the sending endpoint when it lives on this bus.
func (b *Bus) reportToSender(mc *MessageContext, err error) {
	if ep := b.lookup(mc.Sender()); ep != nil {
		ep.reportError(mc, err)
	}
}

// sendNetwork hands network-scope contexts created on this bus to the
// transport. Contexts that arrived through the transport are not echoed.
func (b *Bus) sendNetwork(mc *MessageContext) {
	if b.transport == nil || mc.Scope() != ScopeNetwork || mc.remote {
		return
	}
	b.netLoop.Post(func(ctx context.Context) {
		env, err := encodeEnvelope(b.id, mc, b.codec)
		if err != nil {
			b.networkError(mc, fmt.Errorf("encode: %w", err))
			return
		}
		pctx, cancel := context.WithTimeout(ctx, b.netTimeout)
		defer cancel()
		if err := b.transport.Publish(pctx, env); err != nil {
			b.networkError(mc, err)
			return
		}
		b.metrics.networkOut.Add(1)
		b.emit(Event{Type: EventNetworkOut, Tag: mc.Tag(), Sender: mc.Sender(), Recipients: len(env.Recipients)})
	})
}

func (b *Bus) networkError(mc *MessageContext, err error) {
	b.metrics.errorCount.Add(1)
	b.logger.Warn().Err(err).Str("tag", string(mc.Tag())).Msg("xmsg: network publish failed")
	b.emit(Event{Type: EventError, Tag: mc.Tag(), Sender: mc.Sender(), Err: err})
}

// receiveNetwork routes an inbound envelope locally: explicit recipients
// take the Send path, broadcasts the Publish path.
func (b *Bus) receiveNetwork(d Delivery) {
	ctx, cancel := context.WithTimeout(b.baseCtx, b.netTimeout)
	defer cancel()

	env := d.Envelope()
	if env == nil || env.Origin == b.id {
		b.ack(ctx, d)
		return
	}
	if b.closed.Load() {
		_ = d.Nack(ctx, ErrBusClosed)
		return
	}
	mc, err := decodeEnvelope(env)
	if err != nil {
		b.metrics.errorCount.Add(1)
		b.logger.Warn().Err(err).Str("id", env.ID).Msg("xmsg: malformed envelope")
		_ = d.Nack(ctx, err)
		return
	}

	b.metrics.networkIn.Add(1)
	b.emit(Event{Type: EventNetworkIn, Tag: mc.Tag(), Sender: mc.Sender(), Recipients: len(env.Recipients)})
	if mc.IsBroadcast() {
		err = b.Publish(ctx, mc)
	} else {
		err = b.Send(ctx, mc)
	}
	if err != nil {
		_ = d.Nack(ctx, err)
		return
	}
	b.ack(ctx, d)
}

func (b *Bus) ack(ctx context.Context, d Delivery) {
	if err := d.Ack(ctx); err != nil {
		b.metrics.errorCount.Add(1)
		b.emit(Event{Type: EventError, Err: err})
		b.logger.Warn().Err(err).Msg("xmsg: ack failed")
	}
}

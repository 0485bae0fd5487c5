package xmsg

import (
	"context"
)

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Router is the routing surface endpoints depend on.
type Router interface {
	Register(addr Address, ep *Endpoint) error
	Unregister(addr Address)
	Subscribe(addr Address, tag Tag, scopes ScopeRange) error
	Unsubscribe(addr Address, tag Tag)
	Publish(ctx context.Context, mc *MessageContext) error
	Send(ctx context.Context, mc *MessageContext) error
	Forward(ctx context.Context, mc *MessageContext, forwarder Address, recipients []Address, scope Scope) (*MessageContext, error)
	AddNotificationListener(addr Address) error
	RemoveNotificationListener(addr Address)
}

// API represents the complete xmsg bus surface for extensibility.
type API interface {
	Router
	SetTracer(t Tracer)
	Tracer() Tracer
	Suspended() []*Suspension
	ResumeAll()
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	Close(ctx context.Context) error
}

var (
	_ API           = (*Bus)(nil)
	_ HealthChecker = (*Bus)(nil)
)

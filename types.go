package xmsg

import (
	"time"
)

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Sent          uint64
	Published     uint64
	Forwarded     uint64
	Delivered     uint64
	Dropped       uint64
	HandlerErrors uint64
	Suspended     uint64
	NetworkOut    uint64
	NetworkIn     uint64
	Errors        uint64
	Endpoints     int
	RouterPending int
	EventsDropped uint64
	// AvgDeliveryTimeMs is an exponential moving average of Receive time.
	AvgDeliveryTimeMs float64
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

// NotificationType enumerates bus lifecycle notifications.
type NotificationType uint8

const (
	EndpointRegistered NotificationType = iota + 1
	EndpointUnregistered
	BusShutdown
)

func (t NotificationType) String() string {
	switch t {
	case EndpointRegistered:
		return "registered"
	case EndpointUnregistered:
		return "unregistered"
	case BusShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Notification is delivered to endpoints listening for bus lifecycle changes.
type Notification struct {
	Type    NotificationType
	Address Address
	Time    time.Time
}

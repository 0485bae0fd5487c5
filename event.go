package xmsg

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	EventSent         EventType = "sent"
	EventPublished    EventType = "published"
	EventForwarded    EventType = "forwarded"
	EventDelivered    EventType = "delivered"
	EventDropped      EventType = "dropped"
	EventHandlerError EventType = "handler_error"
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
	EventSuspended    EventType = "suspended"
	EventResumed      EventType = "resumed"
	EventNetworkOut   EventType = "network_out"
	EventNetworkIn    EventType = "network_in"
	EventError        EventType = "error"
)

// DropReason explains a silent drop.
type DropReason string

const (
	DropMissing  DropReason = "missing"
	DropDisabled DropReason = "disabled"
	DropNoThread DropReason = "no-thread"
	DropClosed   DropReason = "closed"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Tag       Tag
	Sender    Address
	Recipient Address
	// Recipients is the resolved fan-out for Sent/Published/Forwarded events.
	Recipients int
	Reason     DropReason
	Duration   time.Duration
	Err        error
}

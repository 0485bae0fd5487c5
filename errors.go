package xmsg

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateAddress is returned by Register when the address is taken.
	ErrDuplicateAddress = errors.New("xmsg: duplicate address")
	// ErrBuildFailure is returned by NewEndpoint when the bus is gone.
	ErrBuildFailure = errors.New("xmsg: endpoint build failed: bus unavailable")
	ErrBusClosed    = errors.New("xmsg: bus closed")

	ErrInvalidAddress = errors.New("xmsg: invalid address")
	ErrInvalidTag     = errors.New("xmsg: message tag required")
	ErrNotRegistered  = errors.New("xmsg: address not registered")
	ErrNilEndpoint    = errors.New("xmsg: nil endpoint")
	ErrNilContext     = errors.New("xmsg: nil message context")

	ErrInvalidThread = errors.New("xmsg: invalid thread id")
	ErrUnknownThread = errors.New("xmsg: unknown thread")
	ErrThreadExists  = errors.New("xmsg: thread already exists")
	ErrLoopClosed    = errors.New("xmsg: loop closed")

	ErrHandlerPanic = errors.New("xmsg: handler panic")
	// ErrUndeliverable is matched by every DeliveryError.
	ErrUndeliverable = errors.New("xmsg: message not delivered")
	ErrPayloadType   = errors.New("xmsg: payload type mismatch")

	// ErrAttachmentIO wraps failures to access attachment data.
	ErrAttachmentIO = errors.New("xmsg: attachment unavailable")

	ErrNoTransportConfigured       = errors.New("xmsg: no transport configured")
	ErrObserverPoolShutdownTimeout = errors.New("xmsg: observer pool shutdown timeout")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// DeliveryError is reported to a sender's OnError callback. Reason is set for
// drops, Err for handler failures.
type DeliveryError struct {
	Recipient Address
	Reason    DropReason
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xmsg: delivery to %s failed: %v", e.Recipient, e.Err)
	}
	return fmt.Sprintf("xmsg: message to %s dropped: %s", e.Recipient, e.Reason)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUndeliverable, e.Err}
	}
	return []error{ErrUndeliverable}
}

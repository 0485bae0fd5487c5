package xmsg

import (
	"maps"
	"slices"
	"time"
)

// ContextParams describes a freshly sent or published message.
type ContextParams struct {
	// Tag identifies the message type. Derived from Message when empty.
	Tag Tag
	// Message is the payload. It may be nil when Tag is set.
	Message any
	// Annotations is free-form metadata; it is copied.
	Annotations map[string]string
	// Attachment is optional binary side data.
	Attachment Attachment
	// Sender may be NilAddress for anonymous messages.
	Sender Address
	// Recipients is copied; empty means broadcast to subscribers.
	Recipients []Address
	Scope      Scope
	Flags      Flags
	// TimeSent is stamped by the bus clock when zero.
	TimeSent time.Time
	// Expiration of zero means the message never expires.
	Expiration   time.Time
	SenderThread ThreadID
}

// MessageContext wraps a payload with its routing and diagnostic metadata.
// It is immutable after construction and safe to share across goroutines.
type MessageContext struct {
	tag          Tag
	message      any
	annotations  map[string]string
	attachment   Attachment
	sender       Address
	recipients   []Address
	scope        Scope
	flags        Flags
	timeSent     time.Time
	expiration   time.Time
	senderThread ThreadID

	// original is set on forwarded contexts only.
	original *MessageContext
	// remote marks contexts that arrived through a Transport.
	remote bool
}

// NewMessageContext builds a fresh (non-forwarded) context.
func NewMessageContext(p ContextParams) (*MessageContext, error) {
	tag := p.Tag
	if tag == "" {
		tag = TagFor(p.Message)
	}
	if tag == "" {
		return nil, ErrInvalidTag
	}
	mc := &MessageContext{
		tag:          tag,
		message:      p.Message,
		attachment:   p.Attachment,
		sender:       p.Sender,
		scope:        p.Scope,
		flags:        p.Flags,
		timeSent:     p.TimeSent,
		expiration:   p.Expiration,
		senderThread: p.SenderThread,
	}
	if len(p.Annotations) > 0 {
		mc.annotations = maps.Clone(p.Annotations)
	}
	if len(p.Recipients) > 0 {
		mc.recipients = dedupeAddresses(p.Recipients)
	}
	return mc, nil
}

// NewForwardedContext wraps original for re-delivery. The payload, tag,
// annotations, attachment and expiration are those of original; sender,
// recipients, scope and time are replaced.
func NewForwardedContext(original *MessageContext, forwarder Address, recipients []Address, scope Scope, timeForwarded time.Time, thread ThreadID) *MessageContext {
	mc := &MessageContext{
		original:     original,
		sender:       forwarder,
		scope:        scope,
		flags:        FlagNone,
		timeSent:     timeForwarded,
		senderThread: thread,
	}
	if len(recipients) > 0 {
		mc.recipients = dedupeAddresses(recipients)
	}
	return mc
}

// Tag returns the message type tag.
func (mc *MessageContext) Tag() Tag {
	if mc.original != nil {
		return mc.original.Tag()
	}
	return mc.tag
}

// Message returns the payload. Forwarded contexts return the original payload value.
func (mc *MessageContext) Message() any {
	if mc.original != nil {
		return mc.original.Message()
	}
	return mc.message
}

// Annotations returns a copy of the annotations.
func (mc *MessageContext) Annotations() map[string]string {
	if mc.original != nil {
		return mc.original.Annotations()
	}
	return maps.Clone(mc.annotations)
}

// Annotation looks up a single annotation.
func (mc *MessageContext) Annotation(key string) (string, bool) {
	if mc.original != nil {
		return mc.original.Annotation(key)
	}
	v, ok := mc.annotations[key]
	return v, ok
}

func (mc *MessageContext) Attachment() Attachment {
	if mc.original != nil {
		return mc.original.Attachment()
	}
	return mc.attachment
}

// Sender returns the address of the sender, or of the forwarder for forwarded contexts.
func (mc *MessageContext) Sender() Address { return mc.sender }

// Recipients returns a copy of the explicit recipients.
func (mc *MessageContext) Recipients() []Address { return slices.Clone(mc.recipients) }

// IsBroadcast reports whether the context has no explicit recipients.
func (mc *MessageContext) IsBroadcast() bool { return len(mc.recipients) == 0 }

func (mc *MessageContext) Scope() Scope { return mc.scope }

func (mc *MessageContext) Flags() Flags { return mc.flags }

// TimeSent is the time the context was created for sending or forwarding.
func (mc *MessageContext) TimeSent() time.Time { return mc.timeSent }

// TimeForwarded returns the forward time, or the zero time for fresh contexts.
func (mc *MessageContext) TimeForwarded() time.Time {
	if mc.original == nil {
		return time.Time{}
	}
	return mc.timeSent
}

func (mc *MessageContext) Expiration() time.Time {
	if mc.original != nil {
		return mc.original.Expiration()
	}
	return mc.expiration
}

// IsExpired reports whether now is past the expiration.
func (mc *MessageContext) IsExpired(now time.Time) bool {
	exp := mc.Expiration()
	return !exp.IsZero() && now.After(exp)
}

func (mc *MessageContext) SenderThread() ThreadID { return mc.senderThread }

// OriginalContext returns the context this one forwards, or nil.
func (mc *MessageContext) OriginalContext() *MessageContext { return mc.original }

func (mc *MessageContext) IsForwarded() bool { return mc.original != nil }

// Root walks the forwarding chain to the first context.
func (mc *MessageContext) Root() *MessageContext {
	cur := mc
	for cur.original != nil {
		cur = cur.original
	}
	return cur
}

// IsRemote reports whether the context arrived from another bus through a Transport.
func (mc *MessageContext) IsRemote() bool { return mc.Root().remote }

func dedupeAddresses(in []Address) []Address {
	out := make([]Address, 0, len(in))
	seen := make(map[Address]struct{}, len(in))
	for _, a := range in {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

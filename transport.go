package xmsg

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Envelope is the transport form of a network-scope MessageContext.
// Attachments never travel in an envelope.
type Envelope struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Origin is the ID of the bus that published the envelope.
	Origin string
	Tag    Tag
	// Codec names the codec that produced Payload.
	Codec        string
	Payload      []byte
	Annotations  map[string]string
	Sender       Address
	Recipients   []Address
	Scope        Scope
	Flags        Flags
	TimeSent     time.Time
	Expiration   time.Time
	SenderThread ThreadID
}

// Delivery encapsulates a received envelope with Ack/Nack semantics.
type Delivery interface {
	Envelope() *Envelope
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Transport is the Strategy interface behind ScopeNetwork. A bus publishes
// outbound envelopes through it and routes inbound deliveries locally.
type Transport interface {
	// Publish hands envelopes to the network.
	Publish(ctx context.Context, envs ...*Envelope) error
	// Subscribe delivers envelopes published by any bus sharing the network.
	// The transport should drive delivery in background and honor ctx.
	Subscribe(ctx context.Context, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// encodeEnvelope converts mc for the network using c.
func encodeEnvelope(origin string, mc *MessageContext, c Codec) (*Envelope, error) {
	env := &Envelope{
		Origin:       origin,
		Tag:          mc.Tag(),
		Annotations:  mc.Annotations(),
		Sender:       mc.Sender(),
		Recipients:   mc.Recipients(),
		Scope:        mc.Scope(),
		Flags:        mc.Flags(),
		TimeSent:     mc.TimeSent(),
		Expiration:   mc.Expiration(),
		SenderThread: mc.SenderThread(),
	}
	switch p := mc.Message().(type) {
	case nil:
		env.Codec = c.Name()
	case Encoded:
		env.Codec, env.Payload = p.Codec, p.Data
	default:
		data, err := c.Marshal(p)
		if err != nil {
			return nil, err
		}
		env.Codec, env.Payload = c.Name(), data
	}
	return env, nil
}

// decodeEnvelope turns an inbound envelope into a remote context. The payload
// stays Encoded until a typed handler asks for it.
func decodeEnvelope(env *Envelope) (*MessageContext, error) {
	var payload any
	if len(env.Payload) > 0 {
		payload = Encoded{Codec: env.Codec, Data: env.Payload}
	}
	mc, err := NewMessageContext(ContextParams{
		Tag:          env.Tag,
		Message:      payload,
		Annotations:  env.Annotations,
		Sender:       env.Sender,
		Recipients:   env.Recipients,
		Scope:        env.Scope,
		Flags:        env.Flags,
		TimeSent:     env.TimeSent,
		Expiration:   env.Expiration,
		SenderThread: env.SenderThread,
	})
	if err != nil {
		return nil, err
	}
	mc.remote = true
	return mc, nil
}

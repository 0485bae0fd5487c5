package xmsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Codec is the Strategy for encoding/decoding payloads that cross a Transport.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// Encoded is the payload of a context received from a remote bus. It stays
// encoded until a typed handler asks for a concrete type.
type Encoded struct {
	Codec string
	Data  []byte
}

// DecodeCodec unmarshals an encoded payload into T using c.
func DecodeCodec[T any](c Codec, e Encoded) (T, error) {
	var v T
	if err := c.Unmarshal(e.Data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Decode unmarshals e into T using the codec injected in ctx, the codec
// named by e, or JSON, in that order.
func Decode[T any](ctx context.Context, e Encoded) (T, error) {
	if c, ok := CodecFromContext(ctx); ok && (e.Codec == "" || c.Name() == e.Codec) {
		return DecodeCodec[T](c, e)
	}
	if e.Codec != "" {
		if c, err := NewCodec(e.Codec); err == nil {
			return DecodeCodec[T](c, e)
		}
	}
	return DecodeCodec[T](JSONCodec{}, e)
}

// PayloadAs returns the payload of mc as T, decoding remote payloads.
func PayloadAs[T any](ctx context.Context, mc *MessageContext) (T, error) {
	switch p := mc.Message().(type) {
	case T:
		return p, nil
	case Encoded:
		return Decode[T](ctx, p)
	case *Encoded:
		if p != nil {
			return Decode[T](ctx, *p)
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: have %T, want %s", ErrPayloadType, mc.Message(), TagOf[T]())
}

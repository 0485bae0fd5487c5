package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xmsg"
)

// delivery implements xmsg.Delivery for Redis Streams.
type delivery struct {
	t   *Transport
	id  string
	env *xmsg.Envelope

	// Ensures Ack/Nack happens exactly once
	onceAck *sync.Once
}

func (d *delivery) Envelope() *xmsg.Envelope {
	return d.env
}

// Ack acknowledges an entry, marking it as processed.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.ack(ctx)
	})
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	cfg := d.t.cfg
	if err := d.t.client.XAck(ctx, cfg.Stream, cfg.Group, d.id).Err(); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	// The stream is shared by every bus, so deleting on ack is only safe
	// when a single group reads it.
	if cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, cfg.Stream, d.id).Err()
	}
	return nil
}

// Nack negative-acknowledges an entry (redelivery or dead-letter).
// Redis Streams has no explicit NACK; instead we:
// 1. Optionally write to dead-letter stream on error
// 2. Acknowledge the original to prevent poison loops
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.onceAck.Do(func() {
		d.t.metrics.nacked.Add(1)
		dl := d.t.cfg.DeadLetter
		if dl == "" {
			// No dead-letter: leave pending for the claim loop
			return
		}
		values := encodeEnvelope(d.env)
		values["orig_stream"] = d.t.cfg.Stream
		values["orig_id"] = d.id
		values["error"] = fmt.Sprintf("%v", reason)

		if err = d.t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dl,
			ID:     "*",
			Values: values,
		}).Err(); err != nil {
			return
		}
		err = d.ack(ctx)
	})
	return err
}

// encodeEnvelope flattens env into stream entry fields.
func encodeEnvelope(env *xmsg.Envelope) map[string]any {
	// Pre-size map to reduce rehashing: fixed fields + annotations
	vals := make(map[string]any, 12+len(env.Annotations))

	if env.ID != "" {
		vals[fieldID] = env.ID
	}
	vals[fieldOrigin] = env.Origin
	vals[fieldTag] = string(env.Tag)
	vals[fieldCodec] = env.Codec
	// raw payload bytes (binary-safe, no base64 encoding overhead)
	vals[fieldPayload] = env.Payload
	if env.Sender.IsValid() {
		vals[fieldSender] = env.Sender.String()
	}
	if len(env.Recipients) > 0 {
		rs := make([]string, len(env.Recipients))
		for i, r := range env.Recipients {
			rs[i] = r.String()
		}
		vals[fieldRecipients] = strings.Join(rs, ",")
	}
	vals[fieldScope] = int(env.Scope)
	vals[fieldFlags] = int(env.Flags)
	vals[fieldSentAt] = env.TimeSent.UnixNano()
	if !env.Expiration.IsZero() {
		vals[fieldExpiresAt] = env.Expiration.UnixNano()
	}
	if env.SenderThread != "" {
		vals[fieldThread] = string(env.SenderThread)
	}

	// Flatten annotations to avoid nested map allocations
	for k, v := range env.Annotations {
		vals[fieldAnnPrefix+k] = v
	}
	return vals
}

// decodeEnvelope reconstructs an envelope from stream entry values. The
// entry ID is used when the publisher did not assign one.
func decodeEnvelope(id string, vals map[string]any) *xmsg.Envelope {
	env := &xmsg.Envelope{ID: id}

	if v, ok := vals[fieldID]; ok {
		if s := asString(v); s != "" {
			env.ID = s
		}
	}
	if v, ok := vals[fieldOrigin]; ok {
		env.Origin = asString(v)
	}
	if v, ok := vals[fieldTag]; ok {
		env.Tag = xmsg.Tag(asString(v))
	}
	if v, ok := vals[fieldCodec]; ok {
		env.Codec = asString(v)
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			env.Payload = p
		case string:
			env.Payload = []byte(p)
		}
	}
	if v, ok := vals[fieldSender]; ok {
		if a, err := xmsg.ParseAddress(asString(v)); err == nil {
			env.Sender = a
		}
	}
	if v, ok := vals[fieldRecipients]; ok {
		for _, s := range strings.Split(asString(v), ",") {
			if a, err := xmsg.ParseAddress(s); err == nil {
				env.Recipients = append(env.Recipients, a)
			}
		}
	}
	if n, ok := toInt64(vals[fieldScope]); ok {
		env.Scope = xmsg.Scope(n)
	}
	if n, ok := toInt64(vals[fieldFlags]); ok {
		env.Flags = xmsg.Flags(n)
	}
	if ns, ok := toInt64(vals[fieldSentAt]); ok && ns > 0 {
		env.TimeSent = time.Unix(0, ns)
	}
	if ns, ok := toInt64(vals[fieldExpiresAt]); ok && ns > 0 {
		env.Expiration = time.Unix(0, ns)
	}
	if v, ok := vals[fieldThread]; ok {
		env.SenderThread = xmsg.ThreadID(asString(v))
	}

	// Extract annotation fields
	for k, v := range vals {
		if strings.HasPrefix(k, fieldAnnPrefix) {
			if env.Annotations == nil {
				env.Annotations = make(map[string]string, 4)
			}
			env.Annotations[strings.TrimPrefix(k, fieldAnnPrefix)] = asString(v)
		}
	}

	return env
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return fmt.Sprintf("%v", s)
	}
}

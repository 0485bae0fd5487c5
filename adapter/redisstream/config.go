package redisstream

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config for the Redis Streams transport.
type Config struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Stream is the key every bus on the network reads and writes.
	Stream string

	// Group is the consumer group. Each bus needs its own group to see every
	// envelope; an empty Group is replaced by a unique name that is
	// destroyed on Close.
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool
	// StartID is where a newly created group starts reading ("$" = new
	// entries only, "0" = the whole stream).
	StartID string

	// AutoDeleteOnAck removes acknowledged entries. Only safe when a single
	// group reads the stream.
	AutoDeleteOnAck bool
	// DeadLetter receives Nacked entries; empty leaves them pending.
	DeadLetter   string
	MaxLenApprox int64

	// Pending entries idle longer than ClaimMinIdle are re-read every
	// ClaimInterval. Zero ClaimMinIdle disables claiming.
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns the settings used for keys absent from a config map.
func Defaults() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "xmsg"
	}
	return Config{
		Addr:          "127.0.0.1:6379",
		Stream:        "xmsg",
		Consumer:      fmt.Sprintf("xmsg-%s-%d", host, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		StartID:       "$",
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("redisstream: addr required")
	case c.Stream == "":
		return errors.New("redisstream: stream required")
	case c.Consumer == "":
		return errors.New("redisstream: consumer required")
	case c.Concurrency < 1:
		return fmt.Errorf("redisstream: concurrency must be >= 1, got %d", c.Concurrency)
	case c.BatchSize < 1:
		return fmt.Errorf("redisstream: batch_size must be >= 1, got %d", c.BatchSize)
	case c.Block <= 0:
		return fmt.Errorf("redisstream: block must be > 0, got %v", c.Block)
	case c.ClaimMinIdle > 0 && c.ClaimInterval <= 0:
		return errors.New("redisstream: claim_interval must be > 0 when claim_min_idle is set")
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"stream":             c.Stream,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"start_id":           c.StartID,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
}

// ConfigFromMap overlays m on Defaults. Numbers may arrive as any Go integer
// or float type or as strings, durations as time.Duration or strings such as
// "5s", as decoded from TOML.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	o := options(m)

	o.name("addr", &c.Addr)
	o.text("username", &c.Username)
	o.text("password", &c.Password)
	o.count("db", &c.DB, 0)
	o.flag("tls", &c.TLS)
	o.text("tls_server_name", &c.TLSServerName)

	o.name("stream", &c.Stream)
	o.name("group", &c.Group)
	o.name("consumer", &c.Consumer)
	o.count("concurrency", &c.Concurrency, 1)
	o.count("batch_size", &c.BatchSize, 1)
	o.duration("block", &c.Block, 1)
	o.flag("auto_create", &c.AutoCreate)
	o.name("start_id", &c.StartID)

	o.flag("auto_delete_on_ack", &c.AutoDeleteOnAck)
	o.text("dead_letter", &c.DeadLetter)
	if n, ok := toInt64(m["max_len_approx"]); ok && n > 0 {
		c.MaxLenApprox = n
	}

	o.duration("claim_min_idle", &c.ClaimMinIdle, 0)
	o.count("claim_batch", &c.ClaimBatch, 1)
	o.duration("claim_interval", &c.ClaimInterval, 1)
	return c
}

type options map[string]any

// name sets a non-empty string.
func (o options) name(key string, dst *string) {
	if v, ok := o[key].(string); ok && v != "" {
		*dst = v
	}
}

// text sets any string, including an empty one.
func (o options) text(key string, dst *string) {
	if v, ok := o[key].(string); ok {
		*dst = v
	}
}

func (o options) flag(key string, dst *bool) {
	if v, ok := o[key].(bool); ok {
		*dst = v
	}
}

func (o options) count(key string, dst *int, atLeast int64) {
	if n, ok := toInt64(o[key]); ok && n >= atLeast {
		*dst = int(n)
	}
}

func (o options) duration(key string, dst *time.Duration, atLeast time.Duration) {
	if d, ok := toDuration(o[key]); ok && d >= atLeast {
		*dst = d
	}
}

func toDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	if n, ok := toInt64(v); ok {
		return time.Duration(n), true
	}
	return 0, false
}

// toInt64 accepts the numeric shapes produced by TOML decoding and by Redis
// replies, which hand every field back as a string.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	case []byte:
		return toInt64(string(n))
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

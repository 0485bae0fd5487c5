// Package redisstream provides a Redis Streams transport for xmsg network scope.
//
// Transport name: "redis-streams"
//
// Every bus appends network-scope envelopes to one stream and reads it
// through its own consumer group, so each bus sees every envelope once.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - stream: stream key shared by all buses (default "xmsg")
// - group: consumer group (default: generated per transport, destroyed on close)
// - consumer: consumer name (default "xmsg-<host>-<pid>")
// - concurrency: number of workers (default 8)
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - start_id: where a new group starts reading (default "$")
// - dead_letter: stream name to write Nacked envelopes to (optional)
// - claim_min_idle / claim_interval: retry pending entries (optional)
//
// Example builder usage:
//
//	bus, err := xmsg.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "stream":      "game-events",
//	        "concurrency": 4,
//	        "block":       "2s",
//	    }).
//	    Build()
package redisstream

package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldID         = "id"
	fieldOrigin     = "origin"
	fieldTag        = "tag"
	fieldCodec      = "codec"
	fieldPayload    = "payload" // raw []byte to reduce allocs (no base64)
	fieldSender     = "sender"
	fieldRecipients = "recipients" // comma separated addresses
	fieldScope      = "scope"
	fieldFlags      = "flags"
	fieldSentAt     = "sentAt"    // int64 ns
	fieldExpiresAt  = "expiresAt" // int64 ns, absent when never
	fieldThread     = "thread"
	fieldAnnPrefix  = "ann:"
)

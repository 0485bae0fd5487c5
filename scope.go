package xmsg

import "fmt"

// Scope constrains the universe of eligible recipients.
type Scope uint8

const (
	// ScopeThread limits delivery to recipients receiving on the sender's thread.
	ScopeThread Scope = iota
	// ScopeProcess delivers to any recipient on this bus.
	ScopeProcess
	// ScopeNetwork delivers locally and, when a Transport is configured, to remote buses.
	ScopeNetwork
	// ScopeAll is only meaningful as a ScopeRange bound.
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeThread:
		return "thread"
	case ScopeProcess:
		return "process"
	case ScopeNetwork:
		return "network"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// ScopeRange is an inclusive range of scopes a subscription accepts. The
// zero value is OnlyScope(ScopeThread); use AllScopes to accept everything.
type ScopeRange struct {
	Min Scope
	Max Scope
}

// AllScopes accepts every scope.
func AllScopes() ScopeRange { return ScopeRange{Min: ScopeThread, Max: ScopeAll} }

// OnlyScope accepts exactly s.
func OnlyScope(s Scope) ScopeRange { return ScopeRange{Min: s, Max: s} }

// AtLeast accepts s and every wider scope.
func AtLeast(s Scope) ScopeRange { return ScopeRange{Min: s, Max: ScopeAll} }

// AtMost accepts s and every narrower scope.
func AtMost(s Scope) ScopeRange { return ScopeRange{Min: ScopeThread, Max: s} }

// Contains reports whether s falls within the range.
func (r ScopeRange) Contains(s Scope) bool {
	return s >= r.Min && s <= r.Max
}

// Flags modify delivery of a single message.
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagLoopbackSuppress keeps a published message from reaching the sender's own endpoint.
	FlagLoopbackSuppress Flags = 1 << 0
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

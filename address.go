package xmsg

import (
	"fmt"

	"github.com/google/uuid"
)

// Address identifies a registered endpoint. Addresses are immutable,
// comparable, and safe to use as map keys.
type Address struct {
	id uuid.UUID
}

// NilAddress is the invalid address used for anonymous senders.
var NilAddress = Address{}

// NewAddress generates a fresh random address.
func NewAddress() Address {
	return Address{id: uuid.New()}
}

// ParseAddress parses the canonical string form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilAddress, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return Address{id: id}, nil
}

// IsValid reports whether the address is not NilAddress.
func (a Address) IsValid() bool { return a.id != uuid.Nil }

func (a Address) String() string {
	if !a.IsValid() {
		return ""
	}
	return a.id.String()
}

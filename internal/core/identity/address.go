package identity

import "fmt"

// Address is the 40-bit Node identifier derived from an Identity's
// public key. Only the low 40 bits are ever significant; callers must
// not rely on the upper 24 bits of the underlying uint64.
type Address uint64

// AddressMask covers the 40 significant bits of an Address.
const AddressMask = (uint64(1) << 40) - 1

// ZeroAddress is reserved and never assigned to a real Identity.
const ZeroAddress Address = 0

// IsZero reports whether a is the reserved zero address.
func (a Address) IsZero() bool { return a == ZeroAddress }

// Controller returns the controller address embedded in a network id's
// upper 40 bits.
func Controller(nwid uint64) Address {
	return Address((nwid >> 24) & AddressMask)
}

func (a Address) String() string {
	return fmt.Sprintf("%010x", uint64(a)&AddressMask)
}

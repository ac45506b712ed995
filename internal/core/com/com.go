// Package com implements the Certificate-of-Membership described in
// a signed, sorted sequence of at most 8 qualifiers proving a
// Node belongs to a network.
package com

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"sort"

	"github.com/multiformats/go-varint"
	"github.com/quietmesh/node/internal/core/identity"
)

// Reserved qualifier ids, required on every COM.
const (
	QualifierTimestamp = uint64(0)
	QualifierNetworkID = uint64(1)
	QualifierIssuedTo  = uint64(2)
)

// MaxQualifiers bounds a COM to at most 8 qualifiers.
const MaxQualifiers = 8

// Qualifier is one (id, value, max_delta) triple.
type Qualifier struct {
	ID       uint64
	Value    uint64
	MaxDelta uint64
}

// COM is a Certificate of Membership: qualifiers in strictly ascending
// id order, optionally signed by an issuer address.
type COM struct {
	Qualifiers []Qualifier
	Signer     identity.Address
	Signature  []byte // 64-byte Ed25519 signature over the serialized qualifiers, or nil
}

var (
	ErrTooManyQualifiers = errors.New("com: more than 8 qualifiers")
	ErrNotSorted         = errors.New("com: qualifiers not strictly ascending by id")
	ErrMissingReserved   = errors.New("com: missing a reserved qualifier")
	ErrMalformed         = errors.New("com: malformed serialization")
	ErrBadSignature      = errors.New("com: signature does not verify")
)

// New builds a COM from qualifiers, sorting them and validating the
// reserved set is present.
func New(qualifiers []Qualifier) (*COM, error) {
	if len(qualifiers) > MaxQualifiers {
		return nil, ErrTooManyQualifiers
	}
	sorted := append([]Qualifier(nil), qualifiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID == sorted[i-1].ID {
			return nil, ErrNotSorted
		}
	}
	c := &COM{Qualifiers: sorted}
	if err := c.checkReserved(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *COM) checkReserved() error {
	need := map[uint64]bool{QualifierTimestamp: true, QualifierNetworkID: true, QualifierIssuedTo: true}
	for _, q := range c.Qualifiers {
		delete(need, q.ID)
	}
	if len(need) != 0 {
		return ErrMissingReserved
	}
	return nil
}

// Get returns the value of qualifier id, if present.
func (c *COM) Get(id uint64) (uint64, bool) {
	for _, q := range c.Qualifiers {
		if q.ID == id {
			return q.Value, true
		}
	}
	return 0, false
}

// signableBytes serializes just the qualifier list, the portion the
// issuer signature covers.
func (c *COM) signableBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(1) // version
	appendUvarint(&buf, uint64(len(c.Qualifiers)))
	for _, q := range c.Qualifiers {
		appendUvarint(&buf, q.ID)
		appendUvarint(&buf, q.Value)
		appendUvarint(&buf, q.MaxDelta)
	}
	return buf.Bytes()
}

// appendUvarint writes v as an unsigned varint rather than a fixed
// 8-byte width, so small values like short deltas do not pad the
// signed payload. Serialize, the wire encoding, uses fixed-width fields.
func appendUvarint(buf *bytes.Buffer, v uint64) {
	tmp := make([]byte, varint.UvarintSize(v))
	n := varint.PutUvarint(tmp, v)
	buf.Write(tmp[:n])
}

// Sign has issuer sign this COM's qualifiers, setting Signer/Signature.
func Sign(c *COM, issuer *identity.Identity) (*COM, error) {
	if err := c.checkReserved(); err != nil {
		return nil, err
	}
	sig := issuer.Sign(c.signableBytes())
	return &COM{Qualifiers: c.Qualifiers, Signer: issuer.Address(), Signature: sig}, nil
}

// Verify checks c.Signature against signerPub.
// A COM with a zero Signer is unsigned and always verifies (used for a
// Node's own, not-yet-issued COM in some flows).
func (c *COM) Verify(signerPub ed25519.PublicKey) error {
	if c.Signer.IsZero() {
		return nil
	}
	if len(c.Signature) == 0 {
		return ErrBadSignature
	}
	if !ed25519.Verify(signerPub, c.signableBytes(), c.Signature) {
		return ErrBadSignature
	}
	return nil
}

// AgreesWith implements the agreement rule: every
// qualifier present in c must be present in other, and
// |value_c - value_other| <= max_delta_c. This is reflexive but not
// symmetric when max_delta differs between the two COMs.
func (c *COM) AgreesWith(other *COM) bool {
	for _, q := range c.Qualifiers {
		ov, ok := other.Get(q.ID)
		if !ok {
			return false
		}
		var delta uint64
		if q.Value > ov {
			delta = q.Value - ov
		} else {
			delta = ov - q.Value
		}
		if delta > q.MaxDelta {
			return false
		}
	}
	return true
}

// Serialize encodes a COM as: u8 version=1, u16 count, count x
// (u64 id, u64 value, u64 max_delta), then a 5-byte signer address (or
// zero) and, if the signer is nonzero, a 96-byte signature slot
// (Ed25519 signatures are 64 bytes; the field is padded so future
// signature schemes fit without a format bump).
func (c *COM) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(1)
	writeU16(&buf, uint16(len(c.Qualifiers)))
	for _, q := range c.Qualifiers {
		writeU64(&buf, q.ID)
		writeU64(&buf, q.Value)
		writeU64(&buf, q.MaxDelta)
	}
	var addrBytes [5]byte
	a := uint64(c.Signer)
	for i := 4; i >= 0; i-- {
		addrBytes[i] = byte(a)
		a >>= 8
	}
	buf.Write(addrBytes[:])
	if !c.Signer.IsZero() {
		sig := make([]byte, 96)
		copy(sig, c.Signature)
		buf.Write(sig)
	}
	return buf.Bytes()
}

// Deserialize is the inverse of Serialize.
func Deserialize(b []byte) (*COM, error) {
	if len(b) < 3 {
		return nil, ErrMalformed
	}
	if b[0] != 1 {
		return nil, ErrMalformed
	}
	count := int(b[1])<<8 | int(b[2])
	off := 3
	quals := make([]Qualifier, 0, count)
	for i := 0; i < count; i++ {
		if off+24 > len(b) {
			return nil, ErrMalformed
		}
		id := readU64(b[off:])
		val := readU64(b[off+8:])
		delta := readU64(b[off+16:])
		quals = append(quals, Qualifier{ID: id, Value: val, MaxDelta: delta})
		off += 24
	}
	for i := 1; i < len(quals); i++ {
		if quals[i].ID <= quals[i-1].ID {
			return nil, ErrNotSorted
		}
	}
	if off+5 > len(b) {
		return nil, ErrMalformed
	}
	var addr uint64
	for i := 0; i < 5; i++ {
		addr = addr<<8 | uint64(b[off+i])
	}
	off += 5

	c := &COM{Qualifiers: quals, Signer: identity.Address(addr)}
	if !c.Signer.IsZero() {
		if off+96 > len(b) {
			return nil, ErrMalformed
		}
		sig := make([]byte, 64)
		copy(sig, b[off:off+64])
		c.Signature = sig
	}
	return c, nil
}

func writeU16(buf *bytes.Buffer, v uint16) { buf.WriteByte(byte(v >> 8)); buf.WriteByte(byte(v)) }
func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	buf.Write(b[:])
}
func readU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

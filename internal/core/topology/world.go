package topology

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/quietmesh/node/internal/core/identity"
)

// Root is one root record inside a World: an Identity plus the stable
// endpoints it can be reached at directly.
type Root struct {
	PublicSigningKey  ed25519.PublicKey
	PublicAgreeKey    [32]byte
	Address           identity.Address
	StableEndpoints   []netip.AddrPort
}

// World is a signed, versioned bundle of roots: the planet is
// the primary World, moons are user-added supplemental Worlds.
type World struct {
	ID        uint64
	Timestamp uint64
	Roots     []Root

	// SigningKey is the world's initial signing key; only a World
	// signed by the same key may ever replace this one
	// world-replacement policy).
	SigningKey ed25519.PublicKey
	Signature  []byte
}

var (
	ErrBadWorldSignature = errors.New("topology: world signature does not verify")
	ErrStaleWorld        = errors.New("topology: world is not newer than the current one")
	ErrWorldIDMismatch   = errors.New("topology: world id does not match")
)

// signable serializes the parts of a World the signature covers.
func (w *World) signable() []byte {
	var buf bytes.Buffer
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], w.ID)
	buf.Write(tmp[:])
	binary.BigEndian.PutUint64(tmp[:], w.Timestamp)
	buf.Write(tmp[:])
	for _, r := range w.Roots {
		buf.Write(r.PublicSigningKey)
		buf.Write(r.PublicAgreeKey[:])
		for _, ep := range r.StableEndpoints {
			buf.WriteString(ep.String())
			buf.WriteByte(0)
		}
		buf.WriteByte(0xff)
	}
	return buf.Bytes()
}

// Sign produces a signature over w using signer, which must own
// w.SigningKey.
func (w *World) Sign(signer *identity.Identity) {
	w.Signature = signer.Sign(w.signable())
}

// Verify checks w's signature against its own declared SigningKey.
func (w *World) Verify() bool {
	if len(w.SigningKey) == 0 {
		return false
	}
	return ed25519.Verify(w.SigningKey, w.signable(), w.Signature)
}

// ReplaceWith reports whether candidate is allowed to replace current
// under the world-replacement policy: matching id, strictly newer
// timestamp, and a signature chaining to current's signing key.
func ReplaceWith(current, candidate *World) error {
	if candidate.ID != current.ID {
		return ErrWorldIDMismatch
	}
	if candidate.Timestamp <= current.Timestamp {
		return ErrStaleWorld
	}
	if !bytes.Equal(candidate.SigningKey, current.SigningKey) {
		return ErrBadWorldSignature
	}
	if !candidate.Verify() {
		return ErrBadWorldSignature
	}
	return nil
}

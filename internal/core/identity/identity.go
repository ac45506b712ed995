// Package identity implements the long-term keypair and Address
// derivation below. An Identity is immutable once
// generated: the public component's Address never changes, and the
// secret component (when present) is zeroed on Destroy.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
)

var (
	// ErrCollision is returned by FromPublicBytes/FromString when
	// the embedded proof-of-work does not verify against the address.
	ErrCollision = errors.New("identity: public key does not verify against address")
	// ErrMalformed is returned when a persisted identity blob cannot be parsed.
	ErrMalformed = errors.New("identity: malformed encoding")
)

// Identity is a keypair whose public component hashes (through the
// proof-of-work in pow.go) to an Address. It carries both a signing
// keypair (Ed25519) and an independent key-agreement keypair
// (Curve25519/X25519); deriving the latter from the former would need
// nonstandard field-element conversion, so the two are generated and
// persisted together instead.
type Identity struct {
	addr Address

	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey // nil for a public-only Identity

	agreePub  [32]byte
	agreePriv [32]byte // zeroed for a public-only Identity
	hasSecret bool
}

// Address returns the Identity's derived Node address.
func (id *Identity) Address() Address { return id.addr }

// HasSecret reports whether this Identity can sign and agree, as
// opposed to being a bare public identity received from a peer.
func (id *Identity) HasSecret() bool { return id.hasSecret }

// PublicSigningKey returns the raw Ed25519 public key bytes.
func (id *Identity) PublicSigningKey() ed25519.PublicKey { return id.signPub }

// PublicAgreementKey returns the raw X25519 public key bytes.
func (id *Identity) PublicAgreementKey() [32]byte { return id.agreePub }

// Equal compares two identities by address and public-key equality, as
// required for a valid address.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.addr == other.addr &&
		bytes.Equal(id.signPub, other.signPub) &&
		id.agreePub == other.agreePub
}

// Generate creates a brand-new Identity, retrying fresh keypairs until
// the memory-hard proof-of-work over the signing public key satisfies
// the difficulty target.
func Generate() (*Identity, error) {
	words := scratchWords()
	for {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("identity: generate signing key: %w", err)
		}

		var agreePriv, agreePub [32]byte
		if _, err := rand.Read(agreePriv[:]); err != nil {
			return nil, fmt.Errorf("identity: generate agreement key: %w", err)
		}
		clampX25519(&agreePriv)
		pubBytes, err := curve25519.X25519(agreePriv[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("identity: derive agreement public key: %w", err)
		}
		copy(agreePub[:], pubBytes)

		proof := addressProof(pub, words)
		if !proofSatisfies(proof) {
			continue
		}

		return &Identity{
			addr:      addressFromProof(proof),
			signPub:   pub,
			signPriv:  priv,
			agreePub:  agreePub,
			agreePriv: agreePriv,
			hasSecret: true,
		}, nil
	}
}

func clampX25519(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// Sign signs data with the Identity's secret signing key. Callers must
// check HasSecret first; Sign panics on a public-only Identity, the
// same contract Go's crypto/ed25519 uses for a nil key.
func (id *Identity) Sign(data []byte) []byte {
	if !id.hasSecret {
		panic("identity: Sign called on public-only identity")
	}
	return ed25519.Sign(id.signPriv, data)
}

// Verify checks a signature produced by Sign against this Identity's
// public signing key.
func (id *Identity) Verify(data, sig []byte) bool {
	return ed25519.Verify(id.signPub, data, sig)
}

// Agree derives the shared secret this Identity would use to
// communicate with peerPublic, via X25519.
func (id *Identity) Agree(peerPublic [32]byte) ([32]byte, error) {
	if !id.hasSecret {
		return [32]byte{}, errors.New("identity: Agree called on public-only identity")
	}
	shared, err := curve25519.X25519(id.agreePriv[:], peerPublic[:])
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

// Destroy zeroes the secret key material. Callers must not use id
// afterward.
func (id *Identity) Destroy() {
	for i := range id.signPriv {
		id.signPriv[i] = 0
	}
	for i := range id.agreePriv {
		id.agreePriv[i] = 0
	}
	id.hasSecret = false
}

// FromPublicBytes reconstructs a public-only Identity from a peer's
// advertised signing and agreement public keys, verifying the
// proof-of-work embedded in addr.
func FromPublicBytes(addr Address, signPub ed25519.PublicKey, agreePub [32]byte) (*Identity, error) {
	if len(signPub) != ed25519.PublicKeySize {
		return nil, ErrMalformed
	}
	if !VerifyProofOfWork(signPub, addr) {
		return nil, ErrCollision
	}
	return &Identity{
		addr:     addr,
		signPub:  append(ed25519.PublicKey(nil), signPub...),
		agreePub: agreePub,
	}, nil
}

// ToPublicString encodes the public identity as
// "<address>:0:<base58(signPub)>:<base58(agreePub)>", the wire form
// persisted under hostapi.StateIdentityPublic.
func (id *Identity) ToPublicString() string {
	return fmt.Sprintf("%s:0:%s:%s", id.addr, base58.Encode(id.signPub), base58.Encode(id.agreePub[:]))
}

// ToSecretString additionally encodes the secret key material, for
// hostapi.StateIdentitySecret. Panics on a public-only Identity.
func (id *Identity) ToSecretString() string {
	if !id.hasSecret {
		panic("identity: ToSecretString called on public-only identity")
	}
	return fmt.Sprintf("%s:1:%s:%s:%s:%s",
		id.addr,
		base58.Encode(id.signPub), base58.Encode(id.signPriv),
		base58.Encode(id.agreePub[:]), base58.Encode(id.agreePriv[:]))
}

// FromString parses either public or secret string encodings.
func FromString(s string) (*Identity, error) {
	return parseDelimited(s)
}

func parseDelimited(s string) (*Identity, error) {
	parts := bytes.Split([]byte(s), []byte(":"))
	if len(parts) < 4 {
		return nil, ErrMalformed
	}
	var addrVal uint64
	if _, err := fmt.Sscanf(string(parts[0]), "%x", &addrVal); err != nil {
		return nil, ErrMalformed
	}
	addr := Address(addrVal & AddressMask)

	signPub, err := base58.Decode(string(parts[2]))
	if err != nil {
		return nil, ErrMalformed
	}

	if string(parts[1]) == "0" {
		if len(parts) != 4 {
			return nil, ErrMalformed
		}
		agreePubBytes, err := base58.Decode(string(parts[3]))
		if err != nil || len(agreePubBytes) != 32 {
			return nil, ErrMalformed
		}
		var agreePub [32]byte
		copy(agreePub[:], agreePubBytes)
		return FromPublicBytes(addr, signPub, agreePub)
	}

	if len(parts) != 6 {
		return nil, ErrMalformed
	}
	signPriv, err := base58.Decode(string(parts[3]))
	if err != nil || len(signPriv) != ed25519.PrivateKeySize {
		return nil, ErrMalformed
	}
	agreePubBytes, err := base58.Decode(string(parts[4]))
	if err != nil || len(agreePubBytes) != 32 {
		return nil, ErrMalformed
	}
	agreePrivBytes, err := base58.Decode(string(parts[5]))
	if err != nil || len(agreePrivBytes) != 32 {
		return nil, ErrMalformed
	}

	if !VerifyProofOfWork(signPub, addr) {
		return nil, ErrCollision
	}

	var agreePub, agreePriv [32]byte
	copy(agreePub[:], agreePubBytes)
	copy(agreePriv[:], agreePrivBytes)

	return &Identity{
		addr:      addr,
		signPub:   signPub,
		signPriv:  signPriv,
		agreePub:  agreePub,
		agreePriv: agreePriv,
		hasSecret: true,
	}, nil
}

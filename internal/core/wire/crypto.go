package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrAuthFailed = errors.New("wire: authentication failed")

// DeriveSessionKey expands a raw X25519 shared secret into a 32-byte
// AEAD key using HKDF-SHA256, salted per direction so two peers never
// reuse the same keystream for their respective send paths.
func DeriveSessionKey(shared [32]byte, salt string) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, shared[:], nil, []byte(salt))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// Seal encrypts plaintext under key, binding aad (typically the
// marshaled header with the MAC field zeroed) into the AEAD tag. The
// packet id supplies the nonce, since a peer's outgoing counter never
// repeats within one session key's lifetime.
func Seal(key [32]byte, packetID uint64, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], packetID)
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts and authenticates a sealed blob produced by Seal.
func Open(key [32]byte, packetID uint64, aad, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], packetID)
	pt, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

// FastMAC derives the header's 8-byte fast-path MAC from a sealed
// blob's trailing 16-byte Poly1305 tag: a cheap header-integrity check
// a receiver can apply before touching the AEAD, without weakening the
// full tag verification Open still performs.
func FastMAC(sealed []byte) uint64 {
	if len(sealed) < 16 {
		return 0
	}
	tag := sealed[len(sealed)-16:]
	return binary.BigEndian.Uint64(tag[:8])
}

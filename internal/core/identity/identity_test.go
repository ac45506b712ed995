package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateProducesVerifiableAddress(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	require.False(t, id.Address().IsZero())
	require.True(t, VerifyProofOfWork(id.PublicSigningKey(), id.Address()))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	msg := []byte("hello, node")
	sig := id.Sign(msg)
	require.True(t, id.Verify(msg, sig))
	require.False(t, id.Verify([]byte("tampered"), sig))
}

func TestPublicSecretStringRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	pubStr := id.ToPublicString()
	secStr := id.ToSecretString()

	fromPub, err := FromString(pubStr)
	require.NoError(t, err)
	require.Equal(t, id.Address(), fromPub.Address())
	require.False(t, fromPub.HasSecret())

	fromSec, err := FromString(secStr)
	require.NoError(t, err)
	require.True(t, fromSec.HasSecret())
	require.True(t, id.Equal(fromSec))

	msg := []byte("round trip")
	sig := fromSec.Sign(msg)
	require.True(t, fromPub.Verify(msg, sig))
}

func TestAgreeIsSymmetric(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	sharedA, err := a.Agree(b.PublicAgreementKey())
	require.NoError(t, err)
	sharedB, err := b.Agree(a.PublicAgreementKey())
	require.NoError(t, err)
	require.Equal(t, sharedA, sharedB)
}

func TestFromPublicBytesRejectsForgedAddress(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	_, err = FromPublicBytes(Address(id.Address())+1, id.PublicSigningKey(), id.PublicAgreementKey())
	require.ErrorIs(t, err, ErrCollision)
}

func TestControllerAddressFromNetworkID(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	nwid := (uint64(id.Address()) << 24) | 0xabcdef
	require.Equal(t, id.Address(), Controller(nwid))
}

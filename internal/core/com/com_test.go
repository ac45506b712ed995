package com

import (
	"testing"

	"github.com/quietmesh/node/internal/core/identity"
	"github.com/stretchr/testify/require"
)

func newQuals(timestamp, maxDelta uint64) []Qualifier {
	return []Qualifier{
		{ID: QualifierTimestamp, Value: timestamp, MaxDelta: maxDelta},
		{ID: QualifierNetworkID, Value: 42, MaxDelta: 0},
		{ID: QualifierIssuedTo, Value: 7, MaxDelta: 0},
	}
}

func TestNewSortsAndValidatesReserved(t *testing.T) {
	_, err := New([]Qualifier{{ID: QualifierTimestamp, Value: 1}})
	require.ErrorIs(t, err, ErrMissingReserved)

	c, err := New(newQuals(1000, 60000))
	require.NoError(t, err)
	require.Equal(t, QualifierTimestamp, c.Qualifiers[0].ID)
}

func TestAgreesWithWithinDeltaBudget(t *testing.T) {
	issuer, err := New(newQuals(1000, 60000))
	require.NoError(t, err)

	m1, err := New(newQuals(1050, 60000))
	require.NoError(t, err)
	m2, err := New(newQuals(70000, 60000))
	require.NoError(t, err)

	require.True(t, m1.AgreesWith(m1))
	require.False(t, m1.AgreesWith(m2))
	require.NotNil(t, issuer)
}

func TestAgreesWithIsNotSymmetricWithDifferingMaxDelta(t *testing.T) {
	tight, err := New(newQuals(1000, 10))
	require.NoError(t, err)
	loose, err := New(newQuals(1050, 10000))
	require.NoError(t, err)

	require.False(t, tight.AgreesWith(loose))
	require.True(t, loose.AgreesWith(tight))
}

func TestSignVerify(t *testing.T) {
	issuer, err := identity.Generate()
	require.NoError(t, err)

	c, err := New(newQuals(1000, 60000))
	require.NoError(t, err)

	signed, err := Sign(c, issuer)
	require.NoError(t, err)
	require.NoError(t, signed.Verify(issuer.PublicSigningKey()))

	tampered := *signed
	tampered.Qualifiers = append([]Qualifier(nil), signed.Qualifiers...)
	tampered.Qualifiers[1].Value = 999
	require.Error(t, tampered.Verify(issuer.PublicSigningKey()))
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	issuer, err := identity.Generate()
	require.NoError(t, err)
	c, err := New(newQuals(1000, 60000))
	require.NoError(t, err)
	signed, err := Sign(c, issuer)
	require.NoError(t, err)

	b := signed.Serialize()
	back, err := Deserialize(b)
	require.NoError(t, err)
	require.Equal(t, signed.Qualifiers, back.Qualifiers)
	require.Equal(t, signed.Signer, back.Signer)
	require.Equal(t, signed.Signature, back.Signature)
	require.NoError(t, back.Verify(issuer.PublicSigningKey()))
}

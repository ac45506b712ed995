package topology

import (
	"net/netip"
	"testing"
	"time"

	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/peer"
	"github.com/stretchr/testify/require"
)

func mustEndpoint(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return ap
}

func TestAddPeerDedupesByAddress(t *testing.T) {
	topo := New(nil, nil)
	id, err := identity.Generate()
	require.NoError(t, err)

	p1 := peer.New(id)
	p2 := peer.New(id)

	got1 := topo.AddPeer(p1)
	got2 := topo.AddPeer(p2)
	require.Same(t, got1, got2)
	require.Same(t, p1, topo.GetPeer(id.Address()))
}

func TestWorldReplacementPolicy(t *testing.T) {
	signer, err := identity.Generate()
	require.NoError(t, err)

	base := &World{ID: 1, Timestamp: 100, SigningKey: signer.PublicSigningKey()}
	base.Sign(signer)

	topo := New(nil, nil)
	require.NoError(t, topo.SetPlanet(base))

	stale := &World{ID: 1, Timestamp: 50, SigningKey: signer.PublicSigningKey()}
	stale.Sign(signer)
	require.ErrorIs(t, topo.SetPlanet(stale), ErrStaleWorld)

	otherSigner, err := identity.Generate()
	require.NoError(t, err)
	wrongKey := &World{ID: 1, Timestamp: 200, SigningKey: otherSigner.PublicSigningKey()}
	wrongKey.Sign(otherSigner)
	require.ErrorIs(t, topo.SetPlanet(wrongKey), ErrBadWorldSignature)

	newer := &World{ID: 1, Timestamp: 200, SigningKey: signer.PublicSigningKey()}
	newer.Sign(signer)
	require.NoError(t, topo.SetPlanet(newer))
	require.Equal(t, uint64(200), topo.Planet().Timestamp)
}

func TestGetUpstreamPeerPrefersLowerLatency(t *testing.T) {
	signer, err := identity.Generate()
	require.NoError(t, err)
	root1, err := identity.Generate()
	require.NoError(t, err)
	root2, err := identity.Generate()
	require.NoError(t, err)

	w := &World{
		ID: 1, Timestamp: 1, SigningKey: signer.PublicSigningKey(),
		Roots: []Root{
			{Address: root1.Address(), PublicSigningKey: root1.PublicSigningKey()},
			{Address: root2.Address(), PublicSigningKey: root2.PublicSigningKey()},
		},
	}
	w.Sign(signer)

	topo := New(nil, nil)
	require.NoError(t, topo.SetPlanet(w))

	now := time.Now()
	p1 := peer.New(root1)
	p1.TouchPath(now, 1, mustEndpoint(t, "203.0.113.1:9993"))
	p1.RecordLatencySample(100 * time.Millisecond)
	topo.AddPeer(p1)

	p2 := peer.New(root2)
	p2.TouchPath(now, 1, mustEndpoint(t, "203.0.113.2:9993"))
	p2.RecordLatencySample(10 * time.Millisecond)
	topo.AddPeer(p2)

	best := topo.GetUpstreamPeer(now)
	require.NotNil(t, best)
	require.Equal(t, root2.Address(), best.Address())
}

func TestDoPeriodicTasksEvictsIdleNonRootPeers(t *testing.T) {
	topo := New(nil, nil)
	id, err := identity.Generate()
	require.NoError(t, err)
	p := peer.New(id)
	now := time.Now()
	p.TouchPath(now, 1, mustEndpoint(t, "203.0.113.9:9993"))
	topo.AddPeer(p)

	topo.DoPeriodicTasks(now)
	require.NotNil(t, topo.GetPeer(id.Address()))

	future := now.Add(31 * time.Minute)
	topo.DoPeriodicTasks(future)
	require.Nil(t, topo.GetPeer(id.Address()))
}

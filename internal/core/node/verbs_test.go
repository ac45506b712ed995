package node

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietmesh/node/internal/core/com"
	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/network"
	"github.com/quietmesh/node/internal/core/switchcore"
)

// TestVerbExtFrameDeliversFrame checks that an EXT_FRAME on a joined,
// admitting network hands its payload to the host callback exactly
// like a plain FRAME does.
func TestVerbExtFrameDeliversFrame(t *testing.T) {
	a, hostA := newTestNode(t)
	b, hostB := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.50:9993")
	connectPeers(t, a, b, remote)

	const nwid = uint64(0xfeed000000000010)
	decode := func([]byte) (*network.Config, error) {
		return &network.Config{NWID: nwid, EnableBroadcast: true, MTU: 2800}, nil
	}
	nwB := b.Join(nwid, nil)
	_, err := nwB.ApplyConfigChunk(nil, 1, 0, 1, nil, decode)
	require.NoError(t, err)

	bPeer := a.topo.GetPeer(b.Address())
	require.NoError(t, a.sw.SendPacket(time.Now(), nil, bPeer, switchcore.VerbExtFrame,
		encodeExtFrame(nwid, nil, 0x1, 0x2, 0x0800, []byte("ext-payload"))))

	sent, ok := hostA.LastPacket()
	require.True(t, ok)

	b.ProcessWirePacket(time.Now(), nil, 0, remote, sent.Payload)

	require.Len(t, hostB.Frames, 1)
	require.Equal(t, []byte("ext-payload"), hostB.Frames[0].Payload)
	require.Equal(t, nwid, hostB.Frames[0].NWID)
}

// TestVerbExtFrameAdmitsViaPiggybackedCredential covers a private
// network: a's frame carries a's COM inline, and only once that COM
// lands in b's credential table does b's Admit check let the frame
// through to the host.
func TestVerbExtFrameAdmitsViaPiggybackedCredential(t *testing.T) {
	a, hostA := newTestNode(t)
	b, hostB := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.53:9993")
	connectPeers(t, a, b, remote)

	const nwid = uint64(0xfeed000000000011)
	issuer, err := identity.Generate()
	require.NoError(t, err)
	unsigned, err := com.New([]com.Qualifier{
		{ID: com.QualifierTimestamp, Value: 1},
		{ID: com.QualifierNetworkID, Value: nwid},
		{ID: com.QualifierIssuedTo, Value: uint64(a.Address())},
	})
	require.NoError(t, err)
	signed, err := com.Sign(unsigned, issuer)
	require.NoError(t, err)

	decode := func([]byte) (*network.Config, error) {
		return &network.Config{NWID: nwid, Private: true, COM: signed}, nil
	}
	nwB := b.Join(nwid, nil)
	_, err = nwB.ApplyConfigChunk(nil, 1, 0, 1, nil, decode)
	require.NoError(t, err)

	bPeer := a.topo.GetPeer(b.Address())
	require.NoError(t, a.sw.SendPacket(time.Now(), nil, bPeer, switchcore.VerbExtFrame,
		encodeExtFrame(nwid, signed.Serialize(), 0x1, 0x2, 0x0800, []byte("private-payload"))))

	sent, ok := hostA.LastPacket()
	require.True(t, ok)

	b.ProcessWirePacket(time.Now(), nil, 0, remote, sent.Payload)

	require.Len(t, hostB.Frames, 1)
	require.Equal(t, []byte("private-payload"), hostB.Frames[0].Payload)
}

// TestVerbPushDirectPathsSeedsCandidateEndpoint covers a peer
// suggesting an unconfirmed direct path: the endpoint should end up
// among the sender Peer's known paths without being marked as having
// received traffic.
func TestVerbPushDirectPathsSeedsCandidateEndpoint(t *testing.T) {
	a, hostA := newTestNode(t)
	b, _ := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.51:9993")
	connectPeers(t, a, b, remote)

	candidate := netip.MustParseAddrPort("203.0.113.5:9993")
	aPeer := a.topo.GetPeer(b.Address())
	require.NoError(t, a.sw.SendPacket(time.Now(), nil, aPeer, switchcore.VerbPushDirectPaths,
		encodePushDirectPaths([]netip.AddrPort{candidate})))

	sent, ok := hostA.LastPacket()
	require.True(t, ok)

	b.ProcessWirePacket(time.Now(), nil, 0, remote, sent.Payload)

	bPeer := b.topo.GetPeer(a.Address())
	require.NotNil(t, bPeer)

	found := false
	for _, p := range bPeer.Paths() {
		if p.Remote == candidate {
			found = true
		}
	}
	require.True(t, found)
}

// TestVerbPushDirectPathsSkipsProhibitedEndpoint checks that an
// endpoint the receiver has separately blacklisted is never seeded,
// even when a peer suggests it.
func TestVerbPushDirectPathsSkipsProhibitedEndpoint(t *testing.T) {
	a, hostA := newTestNode(t)
	b, _ := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.52:9993")
	connectPeers(t, a, b, remote)

	prohibited := netip.MustParseAddrPort("203.0.113.6:9993")
	b.topo.ProhibitEndpoint(prohibited)

	aPeer := a.topo.GetPeer(b.Address())
	require.NoError(t, a.sw.SendPacket(time.Now(), nil, aPeer, switchcore.VerbPushDirectPaths,
		encodePushDirectPaths([]netip.AddrPort{prohibited})))

	sent, ok := hostA.LastPacket()
	require.True(t, ok)

	b.ProcessWirePacket(time.Now(), nil, 0, remote, sent.Payload)

	bPeer := b.topo.GetPeer(a.Address())
	require.NotNil(t, bPeer)
	for _, p := range bPeer.Paths() {
		require.NotEqual(t, prohibited, p.Remote)
	}
}

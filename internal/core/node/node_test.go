package node

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/network"
	"github.com/quietmesh/node/internal/core/peer"
	"github.com/quietmesh/node/internal/core/testutil"
	"github.com/quietmesh/node/internal/core/topology"
)

func newTestNode(t *testing.T) (*Node, *testutil.FakeHost) {
	t.Helper()
	host := testutil.NewFakeHost()
	n, err := New(nil, host.Callbacks())
	require.NoError(t, err)
	return n, host
}

func TestNewPersistsAndReloadsIdentity(t *testing.T) {
	n1, host := newTestNode(t)
	require.False(t, n1.Address().IsZero())

	// A second Node built against the same backing store should load
	// the persisted identity rather than generating a fresh one, which
	// is only possible if New actually wrote it out.
	n2, err := New(nil, host.Callbacks())
	require.NoError(t, err)
	require.Equal(t, n1.Address(), n2.Address())
}

func TestJoinIsIdempotentFirstWriterWins(t *testing.T) {
	n, _ := newTestNode(t)

	first := n.Join(42, "first")
	second := n.Join(42, "second")
	require.Same(t, first, second)
	require.Equal(t, "first", second.UserPtr())
}

func TestLeaveUnknownNetworkReturnsErrNotJoined(t *testing.T) {
	n, _ := newTestNode(t)
	_, err := n.Leave(nil, 42)
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestLeaveRemovesNetwork(t *testing.T) {
	n, _ := newTestNode(t)
	n.Join(42, nil)

	cfg, err := n.Leave(nil, 42)
	require.NoError(t, err)
	require.Nil(t, cfg)
	require.Empty(t, n.Networks())

	_, err = n.Leave(nil, 42)
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestSendUserMessageRejectsSelf(t *testing.T) {
	n, _ := newTestNode(t)
	err := n.SendUserMessage(time.Now(), nil, n.Address(), 1, []byte("hi"))
	require.ErrorIs(t, err, ErrSelfSend)
}

func TestSendUserMessageUnknownPeerQueuesBehindWhois(t *testing.T) {
	n, host := newTestNode(t)
	dest := identity.Address(0x1234567890 & identity.AddressMask)

	err := n.SendUserMessage(time.Now(), nil, dest, 1, []byte("hi"))
	require.NoError(t, err)
	require.Empty(t, host.SentPackets) // no root known yet, so the WHOIS itself has nowhere to go
}

// TestSendUserMessageFlushesOnceWhoisResolves checks the full S2 flow:
// a send to an unknown peer queues behind a WHOIS, and is delivered
// once the resolved Identity comes back through OK(WHOIS).
func TestSendUserMessageFlushesOnceWhoisResolves(t *testing.T) {
	a, hostA := newTestNode(t)
	root, hostRoot := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.60:9993")
	require.NoError(t, a.topo.SetPlanet(testPlanetWithRoot(t, root, remote)))
	connectPeers(t, a, root, remote)

	dest, err := identity.Generate()
	require.NoError(t, err)
	destPeer := peer.New(dest)
	secret, err := root.self.Agree(dest.PublicAgreementKey())
	require.NoError(t, err)
	destPeer.SetSharedSecret(secret)
	root.topo.AddPeer(destPeer)

	now := time.Now()
	require.NoError(t, a.SendUserMessage(now, nil, dest.Address(), 7, []byte("queued")))

	whois, ok := hostA.LastPacket()
	require.True(t, ok)
	root.ProcessWirePacket(now, nil, 0, remote, whois.Payload)

	reply, ok := hostRoot.LastPacket()
	require.True(t, ok)
	a.ProcessWirePacket(now, nil, 0, remote, reply.Payload)

	sent, ok := hostA.LastPacket()
	require.True(t, ok)
	require.NotEqual(t, whois.Payload, sent.Payload)
}

// connectPeers wires two Nodes' identities together as mutual Peers with a
// live path and shared secret, as if a HELLO exchange had already
// completed, so tests can exercise SendPacket/HandleInbound without
// going through handshake logic that lives elsewhere.
func connectPeers(t *testing.T, a, b *Node, remote netip.AddrPort) {
	t.Helper()
	pubA, err := identity.FromPublicBytes(a.self.Address(), a.self.PublicSigningKey(), a.self.PublicAgreementKey())
	require.NoError(t, err)
	pubB, err := identity.FromPublicBytes(b.self.Address(), b.self.PublicSigningKey(), b.self.PublicAgreementKey())
	require.NoError(t, err)

	secretA, err := a.self.Agree(pubB.PublicAgreementKey())
	require.NoError(t, err)
	secretB, err := b.self.Agree(pubA.PublicAgreementKey())
	require.NoError(t, err)
	require.Equal(t, secretA, secretB)

	peerBFromA := peer.New(pubB)
	peerBFromA.SetSharedSecret(secretA)
	peerBFromA.TouchPath(time.Now(), 0, remote)
	a.topo.AddPeer(peerBFromA)

	peerAFromB := peer.New(pubA)
	peerAFromB.SetSharedSecret(secretB)
	peerAFromB.TouchPath(time.Now(), 0, remote)
	b.topo.AddPeer(peerAFromB)
}

func TestSendUserMessageDeliversAsEvent(t *testing.T) {
	a, hostA := newTestNode(t)
	b, hostB := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.1:9993")
	connectPeers(t, a, b, remote)
	baseline := len(hostB.Events)

	now := time.Now()
	err := a.SendUserMessage(now, nil, b.Address(), 7, []byte("hello"))
	require.NoError(t, err)

	sent, ok := hostA.LastPacket()
	require.True(t, ok)

	b.ProcessWirePacket(now, nil, 0, remote, sent.Payload)

	require.Len(t, hostB.Events, baseline+1)
	delivered := hostB.Events[baseline]
	um, ok := delivered.Payload.(UserMessage)
	require.True(t, ok)
	require.Equal(t, a.Address(), um.From)
	require.Equal(t, uint64(7), um.TypeID)
	require.Equal(t, []byte("hello"), um.Payload)
}

func TestProcessVirtualNetworkFrameRequiresJoin(t *testing.T) {
	n, _ := newTestNode(t)
	err := n.ProcessVirtualNetworkFrame(time.Now(), nil, 42, 1, 2, 0x0800, []byte("frame"))
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestProcessVirtualNetworkFrameAdmitsAfterConfig(t *testing.T) {
	a, hostA := newTestNode(t)
	b, hostB := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.2:9993")
	connectPeers(t, a, b, remote)

	const nwid = uint64(0xfeed000000000001)
	decode := func([]byte) (*network.Config, error) {
		return &network.Config{NWID: nwid, EnableBroadcast: true, MTU: 2800}, nil
	}
	nwA := a.Join(nwid, nil)
	_, err := nwA.ApplyConfigChunk(nil, 1, 0, 1, nil, decode)
	require.NoError(t, err)
	nwB := b.Join(nwid, nil)
	_, err = nwB.ApplyConfigChunk(nil, 1, 0, 1, nil, decode)
	require.NoError(t, err)

	now := time.Now()
	dstMAC := uint64(b.Address())
	err = a.ProcessVirtualNetworkFrame(now, nil, nwid, 0x1, dstMAC, 0x0800, []byte("payload"))
	require.NoError(t, err)

	sent, ok := hostA.LastPacket()
	require.True(t, ok)
	require.Equal(t, remote, sent.Remote)

	b.ProcessWirePacket(now, nil, 0, remote, sent.Payload)
	require.Len(t, hostB.Frames, 1)
	require.Equal(t, []byte("payload"), hostB.Frames[0].Payload)
}

func TestAddAndClearLocalInterfaceAddresses(t *testing.T) {
	n, _ := newTestNode(t)
	addr := netip.MustParseAddr("192.0.2.1")
	n.AddLocalInterfaceAddress(addr)
	n.AddLocalInterfaceAddress(addr) // dedup, no panic
	require.Len(t, n.localInterfaces, 1)

	n.ClearLocalInterfaceAddresses()
	require.Empty(t, n.localInterfaces)
}

func TestProcessBackgroundTasksIsThrottled(t *testing.T) {
	n, _ := newTestNode(t)
	now := time.Now()
	n.ProcessBackgroundTasks(now, nil)
	require.Equal(t, now, n.lastHousekeeping)

	// A call shortly after should not re-run housekeeping.
	n.ProcessBackgroundTasks(now.Add(time.Millisecond), nil)
	require.Equal(t, now, n.lastHousekeeping)
}

func testMoon(t *testing.T) *topology.World {
	t.Helper()
	signer, err := identity.Generate()
	require.NoError(t, err)
	w := &topology.World{
		ID:         777,
		Timestamp:  1,
		SigningKey: signer.PublicSigningKey(),
		Roots: []topology.Root{
			{
				PublicSigningKey: signer.PublicSigningKey(),
				PublicAgreeKey:   signer.PublicAgreementKey(),
				Address:          signer.Address(),
			},
		},
	}
	w.Sign(signer)
	require.True(t, w.Verify())
	return w
}

func TestOrbitAndDeorbitMoon(t *testing.T) {
	n, _ := newTestNode(t)
	w := testMoon(t)
	require.NoError(t, n.Orbit(w))
	require.Len(t, n.topo.Moons(), 1)

	n.Deorbit(w.ID)
	require.Empty(t, n.topo.Moons())
}

func TestMulticastSubscribeUnsubscribe(t *testing.T) {
	n, _ := newTestNode(t)
	addr := identity.Address(0x1122334455 & identity.AddressMask)
	n.MulticastSubscribe(time.Now(), 1, 0xfeedface, 0, addr)
	n.MulticastUnsubscribe(1, 0xfeedface, 0, addr)
}

func TestClose(t *testing.T) {
	n, _ := newTestNode(t)
	require.NoError(t, n.Close())
}

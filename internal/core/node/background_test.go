package node

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/multicast"
	"github.com/quietmesh/node/internal/core/network"
	"github.com/quietmesh/node/internal/core/topology"
)

// controllerNWID builds a network id whose embedded controller address
// is exactly addr, matching identity.Controller's (nwid>>24)&AddressMask
// extraction.
func controllerNWID(addr identity.Address, low uint32) uint64 {
	return uint64(addr)<<24 | uint64(low)
}

func TestSetControllerConfigRejectsForeignNetwork(t *testing.T) {
	n, _ := newTestNode(t)
	foreign := controllerNWID(identity.Address(0x9988776655&identity.AddressMask), 1)
	err := n.SetControllerConfig(foreign, &network.Config{NWID: foreign})
	require.ErrorIs(t, err, ErrNotController)
}

func TestSendUpdatesToMembersPushesConfigToMembers(t *testing.T) {
	a, hostA := newTestNode(t)
	b, _ := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.30:9993")
	connectPeers(t, a, b, remote)

	nwid := controllerNWID(a.Address(), 1)
	require.NoError(t, a.SetControllerConfig(nwid, &network.Config{
		NWID: nwid, Name: "corp", EnableBroadcast: true, MTU: 2800, Revision: 1,
	}))

	nw := a.Join(nwid, nil)
	nw.AddCredential(b.Address(), nil)
	b.Join(nwid, nil)

	now := time.Now()
	a.sendUpdatesToMembers(now, nil)

	sent, ok := hostA.LastPacket()
	require.True(t, ok)

	b.ProcessWirePacket(now, nil, 0, remote, sent.Payload)
	bnw := b.getNetwork(nwid)
	require.NotNil(t, bnw)
	require.Equal(t, network.StatusOK, bnw.Status())
}

func TestSendUpdatesToMembersThrottlesRepeatedPushes(t *testing.T) {
	a, hostA := newTestNode(t)
	b, _ := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.31:9993")
	connectPeers(t, a, b, remote)

	nwid := controllerNWID(a.Address(), 2)
	require.NoError(t, a.SetControllerConfig(nwid, &network.Config{NWID: nwid, Revision: 1}))
	nw := a.Join(nwid, nil)
	nw.AddCredential(b.Address(), nil)

	now := time.Now()
	a.sendUpdatesToMembers(now, nil)
	first := len(hostA.SentPackets)
	require.Equal(t, 1, first)

	a.sendUpdatesToMembers(now.Add(time.Second), nil)
	require.Len(t, hostA.SentPackets, first) // still throttled
}

func TestRequestNetworkConfigsSkipsSelfControlledNetworks(t *testing.T) {
	a, hostA := newTestNode(t)
	nwid := controllerNWID(a.Address(), 3)
	nw := a.Join(nwid, nil)
	_ = nw

	a.requestNetworkConfigs(time.Now(), nil)
	require.Empty(t, hostA.SentPackets)
}

func TestRequestNetworkConfigsAsksKnownController(t *testing.T) {
	a, hostA := newTestNode(t)
	controller, _ := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.32:9993")
	connectPeers(t, a, controller, remote)

	nwid := controllerNWID(controller.Address(), 4)
	a.Join(nwid, nil)

	a.requestNetworkConfigs(time.Now(), nil)

	sent, ok := hostA.LastPacket()
	require.True(t, ok)
	require.Equal(t, remote, sent.Remote)
}

func TestNetworkConfigRequestAnsweredBySelfHostedController(t *testing.T) {
	controller, hostController := newTestNode(t)
	member, hostMember := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.33:9993")
	connectPeers(t, member, controller, remote)

	nwid := controllerNWID(controller.Address(), 5)
	require.NoError(t, controller.SetControllerConfig(nwid, &network.Config{
		NWID: nwid, Name: "corp", MTU: 2800, Revision: 7,
	}))
	member.Join(nwid, nil)

	now := time.Now()
	member.requestNetworkConfigs(now, nil)
	req, ok := hostMember.LastPacket()
	require.True(t, ok)

	controller.ProcessWirePacket(now, nil, 0, remote, req.Payload)
	resp, ok := hostController.LastPacket()
	require.True(t, ok)

	member.ProcessWirePacket(now, nil, 0, remote, resp.Payload)
	nw := member.getNetwork(nwid)
	require.Equal(t, network.StatusOK, nw.Status())
}

func TestNetworkConfigRequestForUncontrolledNetworkReturnsNotFound(t *testing.T) {
	controller, hostController := newTestNode(t)
	member, hostMember := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.34:9993")
	connectPeers(t, member, controller, remote)

	nwid := controllerNWID(controller.Address(), 6)
	member.Join(nwid, nil)

	now := time.Now()
	member.requestNetworkConfigs(now, nil)
	req, ok := hostMember.LastPacket()
	require.True(t, ok)

	controller.ProcessWirePacket(now, nil, 0, remote, req.Payload)
	resp, ok := hostController.LastPacket()
	require.True(t, ok)

	member.ProcessWirePacket(now, nil, 0, remote, resp.Payload)
	nw := member.getNetwork(nwid)
	require.Equal(t, network.StatusNotFound, nw.Status())
}

func testPlanetWithRoot(t *testing.T, root *Node, remote netip.AddrPort) *topology.World {
	t.Helper()
	pubRoot, err := identity.FromPublicBytes(root.self.Address(), root.self.PublicSigningKey(), root.self.PublicAgreementKey())
	require.NoError(t, err)
	signer, err := identity.Generate()
	require.NoError(t, err)
	w := &topology.World{
		ID:         1,
		Timestamp:  1,
		SigningKey: signer.PublicSigningKey(),
		Roots: []topology.Root{
			{
				PublicSigningKey: pubRoot.PublicSigningKey(),
				PublicAgreeKey:   pubRoot.PublicAgreementKey(),
				Address:          pubRoot.Address(),
				StableEndpoints:  []netip.AddrPort{remote},
			},
		},
	}
	w.Sign(signer)
	require.True(t, w.Verify())
	return w
}

func TestUpdateOnlineStatusReportsOnlineOnceUpstreamIsActive(t *testing.T) {
	a, hostA := newTestNode(t)
	root, _ := newTestNode(t)
	remote := netip.MustParseAddrPort("198.51.100.40:9993")

	require.NoError(t, a.topo.SetPlanet(testPlanetWithRoot(t, root, remote)))
	before := len(hostA.Events) // New already reported EventUp
	a.updateOnlineStatus(time.Now(), nil)
	require.Len(t, hostA.Events, before) // still offline, no transition to report

	connectPeers(t, a, root, remote)
	baseline := len(hostA.Events)

	a.updateOnlineStatus(time.Now(), nil)
	require.Len(t, hostA.Events, baseline+1)
}

func TestVerbMulticastGatherRoundTripFlushesDeferredFrame(t *testing.T) {
	a, hostA := newTestNode(t)
	root, hostRoot := newTestNode(t)
	member, _ := newTestNode(t)
	rootRemote := netip.MustParseAddrPort("198.51.100.41:9993")
	memberRemote := netip.MustParseAddrPort("198.51.100.42:9993")

	require.NoError(t, a.topo.SetPlanet(testPlanetWithRoot(t, root, rootRemote)))
	connectPeers(t, a, root, rootRemote)
	connectPeers(t, root, member, memberRemote)
	const nwid = uint64(0xfeed000000000002)
	const dstMAC = uint64(0x010000004242) // multicast bit (1<<40) set
	// root already knows member is subscribed to the destination group,
	// so its MULTICAST_GATHER reply can name it.
	root.mc.Subscribe(time.Now(), multicast.Group{NWID: nwid, MAC: dstMAC}, member.Address())

	decode := func([]byte) (*network.Config, error) {
		return &network.Config{NWID: nwid, EnableBroadcast: true, MTU: 2800}, nil
	}
	nwA := a.Join(nwid, nil)
	_, err := nwA.ApplyConfigChunk(nil, 1, 0, 1, nil, decode)
	require.NoError(t, err)

	now := time.Now()
	err = a.ProcessVirtualNetworkFrame(now, nil, nwid, 0x1, dstMAC, 0x0800, []byte("payload"))
	require.NoError(t, err)

	gather, ok := hostA.LastPacket()
	require.True(t, ok)
	root.ProcessWirePacket(now, nil, 0, rootRemote, gather.Payload)

	reply, ok := hostRoot.LastPacket()
	require.True(t, ok)
	a.ProcessWirePacket(now, nil, 0, rootRemote, reply.Payload)

	require.Contains(t, a.mc.Subscribers(now, multicast.Group{NWID: nwid, MAC: dstMAC}), member.Address())
}

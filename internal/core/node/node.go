// Package node is the composition root: it owns this Node's identity,
// wires together topology, the switch, multicast and self-awareness,
// and exposes the entry points a host calls to drive the core.
//
// The core is reentrant but never self-scheduling: every method here
// takes the caller-supplied now and tptr and does its own locking;
// nothing here starts a goroutine that calls back into host code
// without being asked to via ProcessBackgroundTasks.
package node

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/jbenet/goprocess"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quietmesh/node/internal/core/com"
	"github.com/quietmesh/node/internal/core/corerr"
	"github.com/quietmesh/node/internal/core/hostapi"
	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/metrics"
	"github.com/quietmesh/node/internal/core/multicast"
	"github.com/quietmesh/node/internal/core/network"
	"github.com/quietmesh/node/internal/core/peer"
	"github.com/quietmesh/node/internal/core/selfawareness"
	"github.com/quietmesh/node/internal/core/switchcore"
	"github.com/quietmesh/node/internal/core/topology"
	"github.com/quietmesh/node/internal/core/trace"
	"github.com/quietmesh/node/internal/core/tuning"
)

var (
	ErrNotJoined     = errors.New("node: network not joined")
	ErrSelfSend      = errors.New("node: cannot send a user message to self")
	ErrIdentityLoad  = errors.New("node: stored identity is corrupt")
	ErrNotController = errors.New("node: this Node's address does not control that network id")
)

// Node is one running core instance: one Identity, one Topology, one
// Switch, one Multicaster, one SelfAwareness.
type Node struct {
	self *identity.Identity
	cb   hostapi.Callbacks

	tracer  *trace.Tracer
	metrics *metrics.Metrics
	topo    *topology.Topology
	mc      *multicast.Multicaster
	sa      *selfawareness.SelfAwareness
	sw      *switchcore.Switch

	rng *xorshift128

	mu                  sync.Mutex
	networks            map[uint64]*network.Network
	controlledConfigs   map[uint64]*network.Config
	localInterfaces     []netip.Addr
	lastPingUpstream    time.Time
	lastHousekeeping    time.Time
	lastCredentialPush  map[uint64]time.Time
	pendingUserMessages map[identity.Address][]pendingUserMessage
	online              bool
	multicastCap        int

	proc goprocess.Process
}

// New constructs a Node, loading a previously persisted identity via
// cb.StateGet or generating a fresh one and persisting it via
// cb.StatePut. Subsystems are constructed in dependency order (trace,
// metrics, topology, multicast, self-awareness, switch); none of them
// hold host resources of their own, so the only real teardown work is
// zeroing the identity's secret key material on Close.
func New(tptr any, cb hostapi.Callbacks, opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	self, err := loadOrGenerateIdentity(tptr, cb)
	if err != nil {
		return nil, err
	}

	tracer := trace.New(cfg.logger)
	m := metrics.New(cfg.metricsReg)
	topo := topology.New(&cb, tptr)

	n := &Node{
		self:               self,
		cb:                 cb,
		tracer:             tracer,
		metrics:            m,
		topo:               topo,
		networks:            make(map[uint64]*network.Network),
		controlledConfigs:   make(map[uint64]*network.Config),
		lastCredentialPush:  make(map[uint64]time.Time),
		pendingUserMessages: make(map[identity.Address][]pendingUserMessage),
		multicastCap:       cfg.multicastCap,
		rng:                newXorshift128(),
	}

	n.mc = multicast.New(func(now time.Time, g multicast.Group) { n.sendMulticastGather(now, tptr, g) })
	n.sa = selfawareness.New(func(scope selfawareness.Scope, ep netip.AddrPort) {
		tracer.For("selfawareness").Info("external endpoint changed",
			zap.Int("scope", int(scope)), zap.Stringer("endpoint", ep))
	})
	n.sw = switchcore.New(self, topo, cb, tracer, m)
	n.sw.OnHello(n.handleHello)
	n.installVerbHandlers()

	n.proc = goprocess.WithTeardown(func() error {
		self.Destroy()
		return nil
	})

	if n.cb.Event != nil {
		n.cb.Event(tptr, hostapi.EventUp, nil)
	}

	return n, nil
}

func loadOrGenerateIdentity(tptr any, cb hostapi.Callbacks) (*identity.Identity, error) {
	if cb.StateGet != nil {
		if blob, ok := cb.StateGet(tptr, hostapi.StateIdentitySecret, [2]uint64{}); ok {
			id, err := identity.FromString(string(blob))
			if err != nil {
				return nil, corerr.New("node.New", corerr.DataStoreFailed, ErrIdentityLoad)
			}
			return id, nil
		}
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, corerr.New("node.New", corerr.InternalFatal, err)
	}
	if cb.StatePut != nil {
		// Both blobs are attempted regardless of whether the first
		// write failed, so a caller sees every persistence failure
		// instead of only the first.
		var errs error
		errs = multierr.Append(errs, cb.StatePut(tptr, hostapi.StateIdentitySecret, [2]uint64{}, []byte(id.ToSecretString())))
		errs = multierr.Append(errs, cb.StatePut(tptr, hostapi.StateIdentityPublic, [2]uint64{}, []byte(id.ToPublicString())))
		if errs != nil {
			return nil, corerr.New("node.New", corerr.DataStoreFailed, errs)
		}
	}
	return id, nil
}

// Close tears down every subsystem in reverse init order.
func (n *Node) Close() error {
	return n.proc.Close()
}

// Address returns this Node's own address.
func (n *Node) Address() identity.Address { return n.self.Address() }

// ProcessWirePacket is the entry point for a datagram the host
// received on any bound socket.
func (n *Node) ProcessWirePacket(now time.Time, tptr any, localSocket int64, remote netip.AddrPort, payload []byte) {
	n.sw.HandleInbound(now, tptr, localSocket, remote, payload)
}

// ProcessVirtualNetworkFrame is the entry point for an Ethernet frame
// the host captured on a joined network's tap interface.
func (n *Node) ProcessVirtualNetworkFrame(now time.Time, tptr any, nwid uint64, srcMAC, dstMAC uint64, etherType uint16, payload []byte) error {
	nw := n.getNetwork(nwid)
	if nw == nil {
		return corerr.New("node.ProcessVirtualNetworkFrame", corerr.NetworkNotFound, ErrNotJoined)
	}
	if !nw.FilterFrame(srcMAC, dstMAC, etherType) {
		return nil
	}

	isMulticast := dstMAC&0x010000000000 != 0
	if isMulticast {
		grp := multicast.Group{NWID: nwid, MAC: dstMAC}
		res := n.mc.Send(grp, n.multicastCap, now)
		for _, addr := range res.Recipients {
			n.sendFrameTo(now, tptr, nw, addr, srcMAC, dstMAC, etherType, payload)
		}
		if res.Gathered {
			n.mc.QueueDeferredFrame(grp, encodeFrame(nwid, srcMAC, dstMAC, etherType, payload))
		}
		return nil
	}

	dstAddr := macToAddress(dstMAC)
	n.sendFrameTo(now, tptr, nw, dstAddr, srcMAC, dstMAC, etherType, payload)
	return nil
}

func (n *Node) sendFrameTo(now time.Time, tptr any, nw *network.Network, dstAddr identity.Address, srcMAC, dstMAC uint64, etherType uint16, payload []byte) {
	p := n.topo.GetPeer(dstAddr)
	if p == nil {
		n.sw.RequestWhois(now, tptr, dstAddr, nil)
		return
	}
	if !nw.Admit(dstAddr, now) {
		return
	}
	body := encodeFrame(nw.NWID(), srcMAC, dstMAC, etherType, payload)
	_ = n.sw.SendPacket(now, tptr, p, switchcore.VerbFrame, body)
}

func encodeFrame(nwid, srcMAC, dstMAC uint64, etherType uint16, payload []byte) []byte {
	buf := make([]byte, 8+8+8+2+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], nwid)
	binary.BigEndian.PutUint64(buf[8:16], srcMAC)
	binary.BigEndian.PutUint64(buf[16:24], dstMAC)
	binary.BigEndian.PutUint16(buf[24:26], etherType)
	copy(buf[26:], payload)
	return buf
}

func decodeFrame(body []byte) (nwid, srcMAC, dstMAC uint64, etherType uint16, payload []byte, ok bool) {
	if len(body) < 26 {
		return 0, 0, 0, 0, nil, false
	}
	nwid = binary.BigEndian.Uint64(body[0:8])
	srcMAC = binary.BigEndian.Uint64(body[8:16])
	dstMAC = binary.BigEndian.Uint64(body[16:24])
	etherType = binary.BigEndian.Uint16(body[24:26])
	payload = body[26:]
	return nwid, srcMAC, dstMAC, etherType, payload, true
}

func macToAddress(mac uint64) identity.Address {
	return identity.Address(mac & identity.AddressMask)
}

func (n *Node) installVerbHandlers() {
	n.sw.OnVerb(switchcore.VerbFrame, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		nwid, srcMAC, dstMAC, etherType, payload, ok := decodeFrame(body)
		if !ok {
			return
		}
		nw := n.getNetwork(nwid)
		if nw == nil || !nw.Admit(src.Address(), now) {
			return
		}
		if !nw.FilterFrame(srcMAC, dstMAC, etherType) {
			return
		}
		if n.cb.VirtualNetworkFrame != nil {
			n.cb.VirtualNetworkFrame(tptr, nwid, srcMAC, dstMAC, etherType, 0, payload)
		}
	})

	n.sw.OnVerb(switchcore.VerbExtFrame, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		nwid, comBytes, srcMAC, dstMAC, etherType, payload, ok := decodeExtFrame(body)
		if !ok {
			return
		}
		nw := n.getNetwork(nwid)
		if nw == nil {
			return
		}
		if len(comBytes) > 0 {
			if c, err := com.Deserialize(comBytes); err == nil {
				nw.AddCredential(src.Address(), c)
			}
		}
		if !nw.Admit(src.Address(), now) || !nw.FilterFrame(srcMAC, dstMAC, etherType) {
			return
		}
		if n.cb.VirtualNetworkFrame != nil {
			n.cb.VirtualNetworkFrame(tptr, nwid, srcMAC, dstMAC, etherType, 0, payload)
		}
	})

	n.sw.OnVerb(switchcore.VerbRendezvous, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		addr, ep, ok := switchcore.DecodeRendezvous(body)
		if !ok {
			return
		}
		p := n.topo.GetPeer(addr)
		if p == nil {
			return
		}
		p.TouchPath(now, 0, ep)
	})

	n.sw.OnVerb(switchcore.VerbEcho, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		_ = n.sw.SendPacket(now, tptr, src, switchcore.VerbOK, wrapOK(switchcore.VerbEcho, body))
	})

	// A VerbHello arriving here (as opposed to through OnHello) is an
	// encrypted re-HELLO from an already-known peer refreshing its
	// keepalive/version info rather than bootstrapping a shared secret;
	// it still carries the full self-authenticating helloBody, and
	// still gets an OK(HELLO) echoing its timestamp for the sender's
	// latency sample.
	n.sw.OnVerb(switchcore.VerbHello, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		hb, ok := decodeHello(body)
		if !ok {
			return
		}
		n.replyHelloOK(now, tptr, src, hb.timestamp)
	})

	n.sw.OnVerb(switchcore.VerbOK, n.handleOK)
	n.sw.OnVerb(switchcore.VerbWhois, n.handleWhois)

	n.sw.OnVerb(switchcore.VerbUserMessage, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		um, ok := decodeUserMessage(src.Address(), body)
		if !ok {
			return
		}
		if n.cb.Event != nil {
			n.cb.Event(tptr, hostapi.EventUserMessage, um)
		}
	})

	n.sw.OnVerb(switchcore.VerbNetworkCredentials, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		nwid, comBytes, revs, ok := decodeNetworkCredentials(body)
		if !ok {
			return
		}
		nw := n.getNetwork(nwid)
		if nw == nil {
			return
		}
		if len(comBytes) > 0 {
			c, err := com.Deserialize(comBytes)
			if err != nil {
				return
			}
			nw.AddCredential(src.Address(), c)
		}
		for _, r := range revs {
			nw.Revoke(r.issuer, r.id, r.threshold)
		}
	})

	n.sw.OnVerb(switchcore.VerbNetworkConfigRequest, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		nwid, ok := decodeNetworkConfigRequest(body)
		if !ok {
			return
		}
		if identity.Controller(nwid) != n.self.Address() {
			_ = n.sw.SendPacket(now, tptr, src, switchcore.VerbError, encodeError(nwid, errReasonNotFound))
			return
		}
		n.mu.Lock()
		cfg, ok := n.controlledConfigs[nwid]
		n.mu.Unlock()
		if !ok {
			_ = n.sw.SendPacket(now, tptr, src, switchcore.VerbError, encodeError(nwid, errReasonNotFound))
			return
		}
		_ = n.sw.SendPacket(now, tptr, src, switchcore.VerbNetworkConfig, encodeConfigChunk(nwid, cfg))
	})

	n.sw.OnVerb(switchcore.VerbNetworkConfig, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		h, payload, ok := decodeNetworkConfigChunkHeader(body)
		if !ok {
			return
		}
		nw := n.getNetwork(h.nwid)
		if nw == nil {
			return
		}
		_, _ = nw.ApplyConfigChunk(tptr, h.updateID, h.index, h.total, payload, func(data []byte) (*network.Config, error) {
			cw, ok := decodeNetworkConfig(data)
			if !ok {
				return nil, corerr.New("node.VerbNetworkConfig", corerr.DataStoreFailed, errMalformedConfig)
			}
			return &network.Config{
				NWID:            h.nwid,
				Name:            cw.name,
				Private:         cw.private,
				EnableBroadcast: cw.enableBroadcast,
				MTU:             cw.mtu,
				Revision:        cw.revision,
				COM:             cw.com,
			}, nil
		})
	})

	n.sw.OnVerb(switchcore.VerbError, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		nwid, reason, ok := decodeError(body)
		if !ok {
			return
		}
		nw := n.getNetwork(nwid)
		if nw == nil {
			return
		}
		if reason == errReasonAccessDenied {
			nw.Deny()
		} else {
			nw.NotFound()
		}
	})

	n.sw.OnVerb(switchcore.VerbMulticastLike, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		g, ok := decodeGroup(body)
		if !ok {
			return
		}
		n.mc.Subscribe(now, g, src.Address())
	})

	n.sw.OnVerb(switchcore.VerbMulticastGather, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		g, ok := decodeGroup(body)
		if !ok {
			return
		}
		addrs := n.mc.Subscribers(now, g)
		_ = n.sw.SendPacket(now, tptr, src, switchcore.VerbOK, wrapOK(switchcore.VerbMulticastGather, encodeGatherReply(g, addrs)))
	})

	n.sw.OnVerb(switchcore.VerbMulticastFrame, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		nwid, srcMAC, dstMAC, etherType, payload, ok := decodeFrame(body)
		if !ok {
			return
		}
		nw := n.getNetwork(nwid)
		if nw == nil || !nw.FilterFrame(srcMAC, dstMAC, etherType) {
			return
		}
		if n.cb.VirtualNetworkFrame != nil {
			n.cb.VirtualNetworkFrame(tptr, nwid, srcMAC, dstMAC, etherType, 0, payload)
		}
	})

	n.sw.OnVerb(switchcore.VerbPushDirectPaths, func(now time.Time, tptr any, src *peer.Peer, body []byte) {
		eps, ok := decodePushDirectPaths(body)
		if !ok {
			return
		}
		for _, ep := range eps {
			if n.topo.IsProhibitedEndpoint(src.Address(), ep) {
				continue
			}
			src.SeedPath(0, ep)
		}
	})
}

var errMalformedConfig = errors.New("node: malformed network config payload")

// encodeConfigChunk serializes cfg as a single, unfragmented
// NETWORK_CONFIG chunk. A config large enough to need real
// multi-chunk framing would split the encodeNetworkConfig output
// itself across several such chunks sharing one updateID; every config
// this Node controls today fits in one.
func encodeConfigChunk(nwid uint64, cfg *network.Config) []byte {
	wireCfg := &networkConfigWire{
		name:            cfg.Name,
		private:         cfg.Private,
		enableBroadcast: cfg.EnableBroadcast,
		mtu:             cfg.MTU,
		revision:        cfg.Revision,
		com:             cfg.COM,
	}
	h := networkConfigChunkHeader{nwid: nwid, updateID: cfg.Revision, index: 0, total: 1}
	return encodeNetworkConfigChunk(h, encodeNetworkConfig(wireCfg))
}

func (n *Node) sendMulticastGather(now time.Time, tptr any, g multicast.Group) {
	nw := n.getNetwork(g.NWID)
	if nw == nil {
		return
	}
	root := n.topo.GetUpstreamPeer(now)
	if root == nil {
		return
	}
	_ = n.sw.SendPacket(now, tptr, root, switchcore.VerbMulticastGather, encodeGroup(g))
}

// SetControllerConfig installs or updates the configuration this Node
// hands out for nwid to VerbNetworkConfigRequest queries, and to
// sendUpdatesToMembers's periodic refresh push. Only valid for a
// network this Node's own address controls.
func (n *Node) SetControllerConfig(nwid uint64, cfg *network.Config) error {
	if identity.Controller(nwid) != n.self.Address() {
		return corerr.New("node.SetControllerConfig", corerr.InvalidArgument, ErrNotController)
	}
	n.mu.Lock()
	n.controlledConfigs[nwid] = cfg
	n.mu.Unlock()
	return nil
}

// RevokeMemberCredential cuts a member's credential off immediately, by
// pushing a NETWORK_CREDENTIALS carrying only a revocation entry
// (issuer, id, threshold) to every currently known member of nwid, and
// applying it locally so this Node's own admission checks reflect it
// right away. Only valid for a network this Node's own address
// controls.
func (n *Node) RevokeMemberCredential(now time.Time, tptr any, nwid uint64, issuer identity.Address, id, threshold uint64) error {
	if identity.Controller(nwid) != n.self.Address() {
		return corerr.New("node.RevokeMemberCredential", corerr.InvalidArgument, ErrNotController)
	}
	nw := n.getNetwork(nwid)
	if nw == nil {
		return corerr.New("node.RevokeMemberCredential", corerr.NetworkNotFound, ErrNotJoined)
	}
	nw.Revoke(issuer, id, threshold)

	body := encodeNetworkCredentials(nwid, nil, []revocationWire{{issuer: issuer, id: id, threshold: threshold}})
	for _, addr := range nw.Members() {
		p := n.topo.GetPeer(addr)
		if p == nil {
			continue
		}
		_ = n.sw.SendPacket(now, tptr, p, switchcore.VerbNetworkCredentials, body)
	}
	return nil
}

// Join adds nwid to this Node's joined-network set, or returns the
// existing Network unchanged if a concurrent join already won the
// race: the first caller's userPtr sticks, and the second call's is
// discarded rather than overwriting it.
func (n *Node) Join(nwid uint64, userPtr any) *network.Network {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nw, ok := n.networks[nwid]; ok {
		return nw
	}
	nw := network.New(nwid, userPtr, n.cb)
	n.networks[nwid] = nw
	return nw
}

// Leave removes nwid from the joined-network set, returning its
// last-known Config (nil if it never received one). Fetching the
// config before tearing down state lets the host show a final status
// even for a network that never finished RequestingConfig.
func (n *Node) Leave(tptr any, nwid uint64) (*network.Config, error) {
	n.mu.Lock()
	nw, ok := n.networks[nwid]
	if ok {
		delete(n.networks, nwid)
	}
	n.mu.Unlock()
	if !ok {
		return nil, corerr.New("node.Leave", corerr.NetworkNotFound, ErrNotJoined)
	}
	return nw.Leave(tptr), nil
}

func (n *Node) getNetwork(nwid uint64) *network.Network {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.networks[nwid]
}

// Networks returns a snapshot of every currently joined network.
func (n *Node) Networks() []*network.Network {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*network.Network, 0, len(n.networks))
	for _, nw := range n.networks {
		out = append(out, nw)
	}
	return out
}

// NetworkConfig returns nwid's current Config, if joined and
// configured.
func (n *Node) NetworkConfig(nwid uint64) (*network.Config, bool) {
	nw := n.getNetwork(nwid)
	if nw == nil {
		return nil, false
	}
	cfg := nw.Config()
	return cfg, cfg != nil
}

// Peers returns a snapshot of every peer this Node currently knows.
func (n *Node) Peers() []*peer.Peer {
	return n.topo.AllPeers()
}

// MulticastSubscribe joins addr to a multicast group on nwid as of now.
func (n *Node) MulticastSubscribe(now time.Time, nwid, mac uint64, adi uint32, addr identity.Address) {
	n.mc.Subscribe(now, multicast.Group{NWID: nwid, MAC: mac, ADI: adi}, addr)
}

// MulticastUnsubscribe removes addr from a multicast group on nwid.
func (n *Node) MulticastUnsubscribe(nwid, mac uint64, adi uint32, addr identity.Address) {
	n.mc.Unsubscribe(multicast.Group{NWID: nwid, MAC: mac, ADI: adi}, addr)
}

// Orbit installs or updates a moon world.
func (n *Node) Orbit(w *topology.World) error {
	return n.topo.AddMoon(w)
}

// Deorbit removes a moon by id.
func (n *Node) Deorbit(id uint64) {
	n.topo.RemoveMoon(id)
}

// AddLocalInterfaceAddress records a local address the host wants
// advertised to peers as a possible direct-path hint.
func (n *Node) AddLocalInterfaceAddress(addr netip.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range n.localInterfaces {
		if a == addr {
			return
		}
	}
	n.localInterfaces = append(n.localInterfaces, addr)
}

// ClearLocalInterfaceAddresses drops every recorded local address
// hint.
func (n *Node) ClearLocalInterfaceAddresses() {
	n.mu.Lock()
	n.localInterfaces = nil
	n.mu.Unlock()
}

// SendUserMessage delivers an application-defined message to dest. A
// dest equal to this Node's own address is rejected rather than
// looped back through the wire, since a peer's own address never
// resolves to a Peer object it can address itself through. When dest's
// Identity is not yet known, a WHOIS is issued and the message is
// buffered rather than dropped: handleWhoisOK flushes it the moment
// dest's Identity comes back, the same way switchcore replays deferred
// inbound packets.
func (n *Node) SendUserMessage(now time.Time, tptr any, dest identity.Address, typeID uint64, payload []byte) error {
	if dest == n.self.Address() {
		return corerr.New("node.SendUserMessage", corerr.InvalidArgument, ErrSelfSend)
	}
	p := n.topo.GetPeer(dest)
	if p == nil {
		n.sw.RequestWhois(now, tptr, dest, nil)
		n.queuePendingUserMessage(dest, typeID, payload)
		return nil
	}
	return n.sw.SendPacket(now, tptr, p, switchcore.VerbUserMessage, encodeUserMessageBody(typeID, payload))
}

// queuePendingUserMessage buffers a message behind dest's in-flight
// WHOIS, dropping the oldest queued entry once
// tuning.PendingUserMessageQueueDepth is exceeded.
func (n *Node) queuePendingUserMessage(dest identity.Address, typeID uint64, payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := append(n.pendingUserMessages[dest], pendingUserMessage{typeID: typeID, payload: payload})
	if len(q) > tuning.PendingUserMessageQueueDepth {
		q = q[len(q)-tuning.PendingUserMessageQueueDepth:]
	}
	n.pendingUserMessages[dest] = q
}

// flushPendingUserMessages sends every message queued behind dest's
// now-resolved WHOIS, called from handleWhoisOK right after the
// resolved Peer is installed.
func (n *Node) flushPendingUserMessages(now time.Time, tptr any, dest identity.Address, p *peer.Peer) {
	n.mu.Lock()
	q := n.pendingUserMessages[dest]
	delete(n.pendingUserMessages, dest)
	n.mu.Unlock()

	for _, m := range q {
		_ = n.sw.SendPacket(now, tptr, p, switchcore.VerbUserMessage, encodeUserMessageBody(m.typeID, m.payload))
	}
}

// ProcessBackgroundTasks runs the periodic housekeeping pass: WHOIS
// retry expiry, peer/path idle purge, self-awareness vote aging,
// multicast group cleanup, and dual-stack pinging of upstream roots.
// Callers should invoke this roughly every tuning.HousekeepingPeriod;
// calling it more often is harmless since each piece self-throttles.
func (n *Node) ProcessBackgroundTasks(now time.Time, tptr any) {
	n.sw.TimerTask(now, tptr)

	if now.Sub(n.lastHousekeeping) >= tuning.HousekeepingPeriod {
		n.lastHousekeeping = now
		n.topo.DoPeriodicTasks(now)
		n.sa.Clean(now)
		n.mc.Clean(now)
	}

	if now.Sub(n.lastPingUpstream) >= tuning.PingCheckInterval {
		n.lastPingUpstream = now
		n.pingUpstreams(now, tptr)
		n.requestNetworkConfigs(now, tptr)
		n.sendUpdatesToMembers(now, tptr)
		n.updateOnlineStatus(now, tptr)
	}
}


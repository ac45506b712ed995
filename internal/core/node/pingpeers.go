package node

import (
	"net/netip"
	"time"

	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/peer"
	"github.com/quietmesh/node/internal/core/switchcore"
)

// pingUpstreams walks every known root's advertised stable endpoints
// and pings each address family independently: a root reachable over
// IPv6 but not IPv4 (or vice versa) should not be starved of pings on
// the family that works just because the other one is also tried. A
// root with no Peer yet is bootstrapped instead of pinged, since its
// public identity ships out-of-band in the planet/moon roster and
// needs no WHOIS round trip.
func (n *Node) pingUpstreams(now time.Time, tptr any) {
	for addr, endpoints := range n.topo.GetUpstreamsToContact() {
		p := n.topo.GetPeer(addr)
		if p == nil {
			n.bootstrapRoot(now, tptr, addr, endpoints)
			continue
		}

		var haveV4, haveV6 bool
		for _, ep := range endpoints {
			if ep.Addr().Is4() {
				haveV4 = true
			} else {
				haveV6 = true
			}
		}

		var sentV4, sentV6 bool
		if haveV4 {
			sentV4 = n.pingFamily(now, tptr, p, false)
		}
		if haveV6 {
			sentV6 = n.pingFamily(now, tptr, p, true)
		}

		// Neither direct ping went out (no live path in either family
		// survived DoPingAndKeepalive's bookkeeping): fall back to
		// relaying a HELLO through whatever upstream currently answers,
		// so a root that only just went quiet is still reachable long
		// enough to re-confirm a direct path.
		if !sentV4 && !sentV6 {
			n.relayHelloThroughUpstream(now, tptr, p)
		}
	}
}

// pingFamily sends either a lightweight echo or a full re-HELLO to p's
// best path in the requested family, and reports whether anything was
// sent at all.
func (n *Node) pingFamily(now time.Time, tptr any, p *peer.Peer, wantV6 bool) bool {
	needsHello, best := p.DoPingAndKeepalive(now, &wantV6)
	if best == nil {
		return false
	}
	if needsHello {
		_ = n.sw.SendPacket(now, tptr, p, switchcore.VerbHello, n.buildHelloBody(now))
	} else {
		_ = n.sw.SendPacket(now, tptr, p, switchcore.VerbEcho, n.pingPadding())
	}
	return true
}

// relayHelloThroughUpstream forwards a HELLO to p by way of the best
// currently reachable upstream's path, rather than p's own (stale)
// path: p's shared secret already exists, so the relay only needs a
// live path to transmit over, not a fresh handshake with the relay
// itself.
func (n *Node) relayHelloThroughUpstream(now time.Time, tptr any, p *peer.Peer) {
	root := n.topo.GetUpstreamPeer(now)
	if root == nil || root.Address() == p.Address() {
		return
	}
	via := root.BestPath(now, false)
	if via == nil {
		return
	}
	_ = n.sw.SendViaPath(now, tptr, p, via, switchcore.VerbHello, n.buildHelloBody(now))
}

// bootstrapRoot establishes a Peer and shared secret for a root this
// Node has not yet talked to, seeding a path to each advertised stable
// endpoint and sending a self-authenticating HELLO to it. Because the
// root's public keys are already known from the planet/moon roster,
// the shared secret is installed before the HELLO is even sent, so the
// root's encrypted OK(HELLO) reply decrypts on the first try.
func (n *Node) bootstrapRoot(now time.Time, tptr any, addr identity.Address, endpoints []netip.AddrPort) {
	rootID, ok := n.topo.RootIdentity(addr)
	if !ok {
		return
	}
	p := peer.New(rootID)
	if secret, err := n.self.Agree(rootID.PublicAgreementKey()); err == nil {
		p.SetSharedSecret(secret)
	}
	p = n.topo.AddPeer(p)

	body := n.buildHelloBody(now)
	for _, ep := range endpoints {
		path := p.SeedPath(0, ep)
		_ = n.sw.SendHello(now, tptr, p.Address(), path, body)
	}
}

// buildHelloBody constructs a self-authenticating HELLO payload: this
// Node's public identity, the current time, and a signature over both
// so a receiver that has never heard of this Node can verify the claim
// without a prior WHOIS.
func (n *Node) buildHelloBody(now time.Time) []byte {
	idPub := encodeIdentityPub(n.self)
	ts := uint64(now.UnixNano())
	sig := n.self.Sign(helloSignedData(idPub, ts))
	return encodeHello(idPub, ts, sig)
}

// pingPadding returns a small amount of random filler for an otherwise
// fixed-size keepalive, so a passive observer cannot fingerprint peers
// purely by ping packet length. The padding carries no meaning to the
// receiver.
func (n *Node) pingPadding() []byte {
	n.mu.Lock()
	v := n.rng.Next()
	n.mu.Unlock()
	pad := make([]byte, v%8)
	for i := range pad {
		pad[i] = byte(v >> (uint(i) * 8))
	}
	return pad
}

package node

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/quietmesh/node/internal/core/hostapi"
	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/peer"
	"github.com/quietmesh/node/internal/core/switchcore"
)

// handleHello is installed via switchcore.Switch.OnHello: it processes
// a cleartext, self-authenticating HELLO, the one packet a Switch
// accepts before any Peer or shared secret exists for its sender.
func (n *Node) handleHello(now time.Time, tptr any, localSocket int64, remote netip.AddrPort, body []byte) {
	hb, ok := decodeHello(body)
	if !ok {
		return
	}
	claimed, _, ok := decodeIdentityPub(hb.idPub)
	if !ok {
		return
	}
	if !claimed.Verify(helloSignedData(hb.idPub, hb.timestamp), hb.signature) {
		return
	}

	if existing := n.topo.GetPeer(claimed.Address()); existing != nil {
		if !existing.Identity().Equal(claimed) {
			if n.cb.Event != nil {
				n.cb.Event(tptr, hostapi.EventFatalErrorIdentityCollision, claimed.Address())
			}
			return
		}
		existing.TouchPath(now, localSocket, remote)
		n.replyHelloOK(now, tptr, existing, hb.timestamp)
		return
	}

	p := peer.New(claimed)
	if secret, err := n.self.Agree(claimed.PublicAgreementKey()); err == nil {
		p.SetSharedSecret(secret)
	}
	p = n.topo.AddPeer(p)
	p.TouchPath(now, localSocket, remote)
	n.replyHelloOK(now, tptr, p, hb.timestamp)
}

// replyHelloOK acknowledges a HELLO by echoing back its timestamp
// encrypted under the now-installed shared secret, letting the
// initiator turn the round trip into a latency sample.
func (n *Node) replyHelloOK(now time.Time, tptr any, p *peer.Peer, echoedTimestamp uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, echoedTimestamp)
	_ = n.sw.SendPacket(now, tptr, p, switchcore.VerbOK, wrapOK(switchcore.VerbHello, buf))
}

// handleOK dispatches a decrypted OK by the verb it answers: HELLO
// yields a latency sample, WHOIS resolves (and authenticates) a
// stranger's identity, and ECHO carries nothing further to act on.
func (n *Node) handleOK(now time.Time, tptr any, src *peer.Peer, body []byte) {
	inRe, rest, ok := unwrapOK(body)
	if !ok {
		return
	}
	switch inRe {
	case switchcore.VerbHello:
		if len(rest) < 8 {
			return
		}
		sentAt := time.Unix(0, int64(binary.BigEndian.Uint64(rest[0:8])))
		if now.After(sentAt) {
			src.RecordLatencySample(now.Sub(sentAt))
		}
	case switchcore.VerbWhois:
		n.handleWhoisOK(now, tptr, rest)
	case switchcore.VerbMulticastGather:
		n.handleGatherOK(now, tptr, rest)
	case switchcore.VerbEcho:
	}
}

// handleGatherOK folds a MULTICAST_GATHER reply's subscriber list into
// the local group and immediately flushes any frame that was queued
// waiting on it, so the sender doesn't need to resend on its own.
func (n *Node) handleGatherOK(now time.Time, tptr any, body []byte) {
	g, addrs, ok := decodeGatherReply(body)
	if !ok {
		return
	}
	for _, a := range addrs {
		n.mc.Subscribe(now, g, a)
	}
	nw := n.getNetwork(g.NWID)
	if nw == nil {
		return
	}
	for _, frame := range n.mc.DrainDeferredFrames(g) {
		_, srcMAC, dstMAC, etherType, payload, ok := decodeFrame(frame)
		if !ok {
			continue
		}
		for _, a := range addrs {
			n.sendFrameTo(now, tptr, nw, a, srcMAC, dstMAC, etherType, payload)
		}
	}
}

// handleWhoisOK installs the resolved identity's shared secret and
// replays whatever packets were waiting on it. An existing Peer entry
// for the same address is updated in place rather than replaced, so a
// secret installed here is not silently discarded by
// switchcore.ResolveWhois's dedup-by-address AddPeer call.
func (n *Node) handleWhoisOK(now time.Time, tptr any, body []byte) {
	id, _, ok := decodeIdentityPub(body)
	if !ok {
		return
	}

	if existing := n.topo.GetPeer(id.Address()); existing != nil {
		if !existing.Identity().Equal(id) {
			return
		}
		if _, has := existing.SharedSecret(); !has {
			if secret, err := n.self.Agree(id.PublicAgreementKey()); err == nil {
				existing.SetSharedSecret(secret)
			}
		}
		n.sw.ResolveWhois(now, tptr, existing)
		n.flushPendingUserMessages(now, tptr, id.Address(), existing)
		return
	}

	p := peer.New(id)
	if secret, err := n.self.Agree(id.PublicAgreementKey()); err == nil {
		p.SetSharedSecret(secret)
	}
	n.sw.ResolveWhois(now, tptr, p)
	n.flushPendingUserMessages(now, tptr, id.Address(), p)
}

// handleWhois answers a WHOIS query for an address this Node can
// vouch for: itself, or a peer already in its own table. It never
// forwards a WHOIS it cannot answer.
func (n *Node) handleWhois(now time.Time, tptr any, src *peer.Peer, body []byte) {
	if len(body) < 8 {
		return
	}
	requested := identity.Address(binary.BigEndian.Uint64(body[0:8]) & identity.AddressMask)

	var reply *identity.Identity
	if requested == n.self.Address() {
		reply = n.self
	} else if p := n.topo.GetPeer(requested); p != nil {
		reply = p.Identity()
	} else {
		return
	}
	_ = n.sw.SendPacket(now, tptr, src, switchcore.VerbOK, wrapOK(switchcore.VerbWhois, encodeIdentityPub(reply)))
}

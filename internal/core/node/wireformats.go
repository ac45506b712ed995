package node

import (
	"crypto/ed25519"
	"encoding/binary"
	"net/netip"

	"github.com/quietmesh/node/internal/core/com"
	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/multicast"
	"github.com/quietmesh/node/internal/core/switchcore"
)

// errReason names the two ERROR reasons the wire distinguishes; every
// other controller failure collapses to errReasonNotFound from the
// joining Node's point of view.
type errReason byte

const (
	errReasonNotFound     errReason = 0
	errReasonAccessDenied errReason = 1
)

// encodeIdentityPub serializes a public identity as
// addr(5) | signPub(32) | agreePub(32), the form both HELLO and
// OK(WHOIS) carry to introduce a Node's public identity to a stranger.
func encodeIdentityPub(id *identity.Identity) []byte {
	buf := make([]byte, 5+32+32)
	putAddr(buf[0:5], id.Address())
	copy(buf[5:37], id.PublicSigningKey())
	agree := id.PublicAgreementKey()
	copy(buf[37:69], agree[:])
	return buf
}

func decodeIdentityPub(b []byte) (*identity.Identity, []byte, bool) {
	if len(b) < 5+32+32 {
		return nil, nil, false
	}
	addr := getAddr(b[0:5])
	signPub := append(ed25519.PublicKey(nil), b[5:37]...)
	var agreePub [32]byte
	copy(agreePub[:], b[37:69])
	id, err := identity.FromPublicBytes(addr, signPub, agreePub)
	if err != nil {
		return nil, nil, false
	}
	return id, b[69:], true
}

func putAddr(dst []byte, a identity.Address) {
	v := uint64(a) & identity.AddressMask
	for i := 4; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

func getAddr(src []byte) identity.Address {
	var v uint64
	for i := 0; i < 5; i++ {
		v = v<<8 | uint64(src[i])
	}
	return identity.Address(v)
}

// helloBody is the payload of a cleartext VerbHello: the sender's
// public identity, a timestamp for replay-window bookkeeping, and a
// signature over (identity || timestamp) proving possession of the
// signing key the embedded proof-of-work binds to the claimed address.
type helloBody struct {
	idPub     []byte // encodeIdentityPub output
	timestamp uint64
	signature []byte // 64-byte Ed25519 signature
}

func encodeHello(idPub []byte, timestamp uint64, sig []byte) []byte {
	buf := make([]byte, len(idPub)+8+len(sig))
	off := copy(buf, idPub)
	binary.BigEndian.PutUint64(buf[off:off+8], timestamp)
	off += 8
	copy(buf[off:], sig)
	return buf
}

func decodeHello(body []byte) (helloBody, bool) {
	if len(body) < 8+64 {
		return helloBody{}, false
	}
	idPub := body[:len(body)-8-64]
	rest := body[len(idPub):]
	ts := binary.BigEndian.Uint64(rest[0:8])
	sig := rest[8:72]
	return helloBody{idPub: idPub, timestamp: ts, signature: sig}, true
}

// helloSignedData is what a HELLO's signature covers: the claimed
// identity plus the timestamp, so a captured HELLO cannot be replayed
// against a different claimed identity or silently re-dated.
func helloSignedData(idPub []byte, timestamp uint64) []byte {
	buf := make([]byte, len(idPub)+8)
	copy(buf, idPub)
	binary.BigEndian.PutUint64(buf[len(idPub):], timestamp)
	return buf
}

// UserMessage is an application-defined payload delivered from a peer,
// handed to hostapi.Callbacks.Event as the EventUserMessage payload.
type UserMessage struct {
	From    identity.Address
	TypeID  uint64
	Payload []byte
}

// pendingUserMessage is one application send queued behind an
// in-flight WHOIS for its destination, flushed once the destination's
// Identity resolves.
type pendingUserMessage struct {
	typeID  uint64
	payload []byte
}

func encodeUserMessageBody(typeID uint64, payload []byte) []byte {
	body := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(body[0:8], typeID)
	copy(body[8:], payload)
	return body
}

func decodeUserMessage(from identity.Address, body []byte) (UserMessage, bool) {
	if len(body) < 8 {
		return UserMessage{}, false
	}
	return UserMessage{
		From:    from,
		TypeID:  binary.BigEndian.Uint64(body[0:8]),
		Payload: append([]byte(nil), body[8:]...),
	}, true
}

// wrapOK prefixes a reply body with the verb it answers, matching the
// original protocol's OK(in-re-verb, ...) framing so one VerbOK handler
// can distinguish an OK(HELLO) from an OK(WHOIS) or OK(ECHO).
func wrapOK(inReVerb switchcore.Verb, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(inReVerb)
	copy(out[1:], body)
	return out
}

func unwrapOK(body []byte) (switchcore.Verb, []byte, bool) {
	if len(body) < 1 {
		return 0, nil, false
	}
	return switchcore.Verb(body[0]), body[1:], true
}

// networkConfigRequestBody is a NETWORK_CONFIG_REQUEST's payload: just
// the network id the sender wants configured.
func encodeNetworkConfigRequest(nwid uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nwid)
	return buf
}

func decodeNetworkConfigRequest(body []byte) (uint64, bool) {
	if len(body) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(body[0:8]), true
}

// networkConfigWire is the subset of network.Config carried on the
// wire in a NETWORK_CONFIG reply.
type networkConfigWire struct {
	name            string
	private         bool
	enableBroadcast bool
	mtu             int
	revision        uint64
	com             *com.COM
}

// networkConfigChunkHeader is the per-packet framing on a NETWORK_CONFIG
// verb: nwid identifies the network, updateID is the controller's
// running counter for this particular config revision push (a config
// too large for one packet spans several chunks that share updateID),
// and index/total locate this chunk among its siblings.
type networkConfigChunkHeader struct {
	nwid     uint64
	updateID uint64
	index    int
	total    int
}

// encodeNetworkConfigChunk frames one piece of a (possibly multi-chunk)
// config push: the chunk header network.ApplyConfigChunk needs to
// reassemble, followed by this chunk's slice of the serialized config.
func encodeNetworkConfigChunk(h networkConfigChunkHeader, piece []byte) []byte {
	buf := make([]byte, 8+8+1+1+len(piece))
	off := 0
	binary.BigEndian.PutUint64(buf[off:], h.nwid)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], h.updateID)
	off += 8
	buf[off] = byte(h.index)
	off++
	buf[off] = byte(h.total)
	off++
	copy(buf[off:], piece)
	return buf
}

// decodeNetworkConfigChunkHeader parses one packet's chunk framing,
// returning the remaining bytes as that chunk's payload slice.
func decodeNetworkConfigChunkHeader(body []byte) (h networkConfigChunkHeader, payload []byte, ok bool) {
	if len(body) < 8+8+1+1 {
		return networkConfigChunkHeader{}, nil, false
	}
	off := 0
	h.nwid = binary.BigEndian.Uint64(body[off:])
	off += 8
	h.updateID = binary.BigEndian.Uint64(body[off:])
	off += 8
	h.index = int(body[off])
	off++
	h.total = int(body[off])
	off++
	return h, body[off:], true
}

// encodeNetworkConfig serializes cfg for one chunk's payload. The
// caller splits the result across chunks via wire.Split-style framing
// when it exceeds one packet; for the common case of a small config it
// is sent whole as chunk 0 of 1.
func encodeNetworkConfig(cfg *networkConfigWire) []byte {
	var comBytes []byte
	if cfg.com != nil {
		comBytes = cfg.com.Serialize()
	}
	nameBytes := []byte(cfg.name)

	buf := make([]byte, 1+8+4+2+len(comBytes)+len(nameBytes))
	off := 0
	flags := byte(0)
	if cfg.private {
		flags |= 1
	}
	if cfg.enableBroadcast {
		flags |= 2
	}
	buf[off] = flags
	off++
	binary.BigEndian.PutUint64(buf[off:], cfg.revision)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(cfg.mtu))
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(comBytes)))
	off += 2
	off += copy(buf[off:], comBytes)
	copy(buf[off:], nameBytes)
	return buf
}

// decodeNetworkConfig is the inverse of encodeNetworkConfig; it is only
// ever called on the fully reassembled body handed to
// network.ApplyConfigChunk's decode callback.
func decodeNetworkConfig(body []byte) (*networkConfigWire, bool) {
	if len(body) < 1+8+4+2 {
		return nil, false
	}
	off := 0
	flags := body[off]
	off++
	revision := binary.BigEndian.Uint64(body[off:])
	off += 8
	mtu := binary.BigEndian.Uint32(body[off:])
	off += 4
	comLen := int(binary.BigEndian.Uint16(body[off:]))
	off += 2
	if off+comLen > len(body) {
		return nil, false
	}
	var c *com.COM
	if comLen > 0 {
		var err error
		c, err = com.Deserialize(body[off : off+comLen])
		if err != nil {
			return nil, false
		}
	}
	off += comLen
	name := string(body[off:])

	return &networkConfigWire{
		name:            name,
		private:         flags&1 != 0,
		enableBroadcast: flags&2 != 0,
		mtu:             int(mtu),
		revision:        revision,
		com:             c,
	}, true
}

func encodeError(nwid uint64, reason errReason) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf[0:8], nwid)
	buf[8] = byte(reason)
	return buf
}

func decodeError(body []byte) (nwid uint64, reason errReason, ok bool) {
	if len(body) < 9 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(body[0:8]), errReason(body[8]), true
}

// encodeGroup/decodeGroup frame a multicast.Group as nwid(8) | mac(8) |
// adi(4), the shared prefix of a MULTICAST_LIKE announcement and a
// MULTICAST_GATHER request.
func encodeGroup(g multicast.Group) []byte {
	buf := make([]byte, 8+8+4)
	binary.BigEndian.PutUint64(buf[0:8], g.NWID)
	binary.BigEndian.PutUint64(buf[8:16], g.MAC)
	binary.BigEndian.PutUint32(buf[16:20], g.ADI)
	return buf
}

func decodeGroup(body []byte) (multicast.Group, bool) {
	if len(body) < 8+8+4 {
		return multicast.Group{}, false
	}
	return multicast.Group{
		NWID: binary.BigEndian.Uint64(body[0:8]),
		MAC:  binary.BigEndian.Uint64(body[8:16]),
		ADI:  binary.BigEndian.Uint32(body[16:20]),
	}, true
}

// encodeGatherReply carries the subscriber set an aggregator knows for
// g, in reply to a MULTICAST_GATHER request.
func encodeGatherReply(g multicast.Group, addrs []identity.Address) []byte {
	buf := make([]byte, 8+8+4+2+5*len(addrs))
	off := copy(buf, encodeGroup(g))
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(addrs)))
	off += 2
	for _, a := range addrs {
		putAddr(buf[off:off+5], a)
		off += 5
	}
	return buf
}

func decodeGatherReply(body []byte) (multicast.Group, []identity.Address, bool) {
	g, ok := decodeGroup(body)
	if !ok {
		return multicast.Group{}, nil, false
	}
	off := 8 + 8 + 4
	if len(body) < off+2 {
		return multicast.Group{}, nil, false
	}
	count := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if len(body) < off+5*count {
		return multicast.Group{}, nil, false
	}
	addrs := make([]identity.Address, 0, count)
	for i := 0; i < count; i++ {
		addrs = append(addrs, getAddr(body[off:off+5]))
		off += 5
	}
	return g, addrs, true
}

// encodeExtFrame frames a data frame together with an opportunistically
// piggybacked COM, so a member can refresh its credential on the
// controller (or on a peer enforcing admission) without a separate
// NETWORK_CREDENTIALS round trip.
func encodeExtFrame(nwid uint64, comBytes []byte, srcMAC, dstMAC uint64, etherType uint16, payload []byte) []byte {
	buf := make([]byte, 8+2+len(comBytes)+8+8+2+len(payload))
	off := 0
	binary.BigEndian.PutUint64(buf[off:], nwid)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], uint16(len(comBytes)))
	off += 2
	off += copy(buf[off:], comBytes)
	binary.BigEndian.PutUint64(buf[off:], srcMAC)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], dstMAC)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], etherType)
	off += 2
	copy(buf[off:], payload)
	return buf
}

func decodeExtFrame(body []byte) (nwid uint64, comBytes []byte, srcMAC, dstMAC uint64, etherType uint16, payload []byte, ok bool) {
	if len(body) < 8+2 {
		return 0, nil, 0, 0, 0, nil, false
	}
	off := 0
	nwid = binary.BigEndian.Uint64(body[off:])
	off += 8
	comLen := int(binary.BigEndian.Uint16(body[off:]))
	off += 2
	if off+comLen+8+8+2 > len(body) {
		return 0, nil, 0, 0, 0, nil, false
	}
	comBytes = body[off : off+comLen]
	off += comLen
	srcMAC = binary.BigEndian.Uint64(body[off:])
	off += 8
	dstMAC = binary.BigEndian.Uint64(body[off:])
	off += 8
	etherType = binary.BigEndian.Uint16(body[off:])
	off += 2
	payload = body[off:]
	return nwid, comBytes, srcMAC, dstMAC, etherType, payload, true
}

// revocationWire is one revocation entry: any credential issued by
// issuer under id at or before threshold is no longer valid.
type revocationWire struct {
	issuer    identity.Address
	id        uint64
	threshold uint64
}

// encodeNetworkCredentials frames a NETWORK_CREDENTIALS push: the
// network it applies to, an optional COM (empty when this push carries
// only revocations), and a revocation list, per ncSendRevocation's
// split from a full config update.
func encodeNetworkCredentials(nwid uint64, comBytes []byte, revs []revocationWire) []byte {
	buf := make([]byte, 8+2+len(comBytes)+2+21*len(revs))
	off := 0
	binary.BigEndian.PutUint64(buf[off:], nwid)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], uint16(len(comBytes)))
	off += 2
	off += copy(buf[off:], comBytes)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(revs)))
	off += 2
	for _, r := range revs {
		putAddr(buf[off:off+5], r.issuer)
		off += 5
		binary.BigEndian.PutUint64(buf[off:], r.id)
		off += 8
		binary.BigEndian.PutUint64(buf[off:], r.threshold)
		off += 8
	}
	return buf
}

func decodeNetworkCredentials(body []byte) (nwid uint64, comBytes []byte, revs []revocationWire, ok bool) {
	if len(body) < 8+2 {
		return 0, nil, nil, false
	}
	off := 0
	nwid = binary.BigEndian.Uint64(body[off:])
	off += 8
	comLen := int(binary.BigEndian.Uint16(body[off:]))
	off += 2
	if off+comLen+2 > len(body) {
		return 0, nil, nil, false
	}
	if comLen > 0 {
		comBytes = body[off : off+comLen]
	}
	off += comLen
	count := int(binary.BigEndian.Uint16(body[off:]))
	off += 2
	if len(body) < off+21*count {
		return 0, nil, nil, false
	}
	revs = make([]revocationWire, 0, count)
	for i := 0; i < count; i++ {
		issuer := getAddr(body[off : off+5])
		off += 5
		id := binary.BigEndian.Uint64(body[off:])
		off += 8
		threshold := binary.BigEndian.Uint64(body[off:])
		off += 8
		revs = append(revs, revocationWire{issuer: issuer, id: id, threshold: threshold})
	}
	return nwid, comBytes, revs, true
}

// encodePushDirectPaths/decodePushDirectPaths frame a list of candidate
// endpoints a peer suggests trying directly, so two Nodes relaying
// through a common upstream can discover a shorter path.
func encodePushDirectPaths(eps []netip.AddrPort) []byte {
	buf := make([]byte, 2+18*len(eps))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(eps)))
	off := 2
	for _, ep := range eps {
		ip := ep.Addr().As16()
		copy(buf[off:off+16], ip[:])
		binary.BigEndian.PutUint16(buf[off+16:off+18], ep.Port())
		off += 18
	}
	return buf
}

func decodePushDirectPaths(body []byte) ([]netip.AddrPort, bool) {
	if len(body) < 2 {
		return nil, false
	}
	count := int(binary.BigEndian.Uint16(body[0:2]))
	off := 2
	if len(body) < off+18*count {
		return nil, false
	}
	out := make([]netip.AddrPort, 0, count)
	for i := 0; i < count; i++ {
		var raw [16]byte
		copy(raw[:], body[off:off+16])
		ip := netip.AddrFrom16(raw)
		if ip.Is4In6() {
			ip = ip.Unmap()
		}
		port := binary.BigEndian.Uint16(body[off+16 : off+18])
		out = append(out, netip.AddrPortFrom(ip, port))
		off += 18
	}
	return out, true
}

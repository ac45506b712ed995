// Package switchcore implements the Switch: inbound packet
// decrypt/dispatch by verb, outbound path selection, encryption and
// fragmentation, and WHOIS resolution for unknown senders.
package switchcore

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/quietmesh/node/internal/core/hostapi"
	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/metrics"
	"github.com/quietmesh/node/internal/core/path"
	"github.com/quietmesh/node/internal/core/peer"
	"github.com/quietmesh/node/internal/core/ratelimit"
	"github.com/quietmesh/node/internal/core/topology"
	"github.com/quietmesh/node/internal/core/trace"
	"github.com/quietmesh/node/internal/core/tuning"
	"github.com/quietmesh/node/internal/core/wire"
)

// HelloHandler processes a cleartext HELLO body: it authenticates the
// claimed identity itself (the packet arrives before any Peer or
// shared secret can exist), so it gets the raw body rather than an
// already-resolved *peer.Peer.
type HelloHandler func(now time.Time, tptr any, localSocket int64, remote netip.AddrPort, body []byte)

// Verb identifies the payload of a decrypted packet.
type Verb byte

const (
	VerbHello Verb = iota
	VerbOK
	VerbError
	VerbWhois
	VerbRendezvous
	VerbFrame
	VerbExtFrame
	VerbEcho
	VerbMulticastLike
	VerbMulticastGather
	VerbMulticastFrame
	VerbNetworkConfigRequest
	VerbNetworkConfig
	VerbNetworkCredentials
	VerbPushDirectPaths
	VerbUserMessage
)

// Handler processes one decrypted packet body for a given Verb. src is
// the already-authenticated sender.
type Handler func(now time.Time, tptr any, src *peer.Peer, body []byte)

type whoisWait struct {
	firstAttempt time.Time
	attempts     int
	dispatched   bool     // true once a WHOIS has actually been sent for this address
	pending      [][]byte // raw packets to replay once the peer resolves
}

// Switch ties together the wire codec, the peer/topology tables and
// the host callbacks to move packets on and off the network.
type Switch struct {
	self *identity.Identity
	topo *topology.Topology
	cb   hostapi.Callbacks

	tracer  *trace.Tracer
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter

	reasm *wire.Reassembler

	handlers     [16]Handler
	helloHandler HelloHandler

	whoisGroup singleflight.Group
	whoisMu    sync.Mutex
	whoisSent  map[identity.Address]*whoisWait

	packetIDMu sync.Mutex
	packetSeq  uint64
}

// New builds a Switch. self must have a secret key: the switch signs
// nothing itself, but callers that do (HELLO) need it, and its address
// is used to recognize loopback destinations.
func New(self *identity.Identity, topo *topology.Topology, cb hostapi.Callbacks, tracer *trace.Tracer, m *metrics.Metrics) *Switch {
	return &Switch{
		self:      self,
		topo:      topo,
		cb:        cb,
		tracer:    tracer,
		metrics:   m,
		limiter:   ratelimit.New(50, 200),
		reasm:     wire.NewReassembler(),
		whoisSent: make(map[identity.Address]*whoisWait),
	}
}

// OnVerb installs the handler invoked for a given Verb's decrypted
// body. Verbs with no installed handler are silently dropped.
func (s *Switch) OnVerb(v Verb, h Handler) {
	s.handlers[v] = h
}

// OnHello installs the handler for cleartext VerbHello packets, the
// one verb allowed to bypass the normal "sender must already be a
// known Peer with a shared secret" requirement.
func (s *Switch) OnHello(h HelloHandler) {
	s.helloHandler = h
}

func (s *Switch) nextPacketID() uint64 {
	s.packetIDMu.Lock()
	defer s.packetIDMu.Unlock()
	s.packetSeq++
	return s.packetSeq
}

// SendPacket encrypts and, if needed, fragments a packet with the
// given verb and body, sending it to dest's best known path.
func (s *Switch) SendPacket(now time.Time, tptr any, dest *peer.Peer, verb Verb, body []byte) error {
	p := dest.BestPath(now, false)
	if p == nil {
		s.RequestWhois(now, tptr, dest.Address(), nil)
		return nil
	}

	if trustID := s.topo.GetOutboundPathTrust(p.Remote); trustID != 0 {
		p.TrustedPathID = trustID
		return s.sendTrusted(now, tptr, dest, p, verb, body)
	}

	secret, ok := dest.SharedSecret()
	if !ok {
		return nil
	}

	packetID := s.nextPacketID()
	plaintext := append([]byte{byte(verb)}, body...)
	compressed, wasCompressed := wire.MaybeCompress(plaintext)

	h := wire.Header{
		PacketID:   packetID,
		Dest:       dest.Address(),
		Source:     s.self.Address(),
		Cipher:     wire.CipherChaCha20Poly1305,
		Compressed: wasCompressed,
	}
	aad := h.Marshal()

	sealed, err := wire.Seal(secret, packetID, aad, compressed)
	if err != nil {
		return err
	}
	h.MAC = wire.FastMAC(sealed)

	chunks := wire.Split(sealed, tuning.UDPDefaultPayloadMTU-wire.HeaderSize)
	for i, chunk := range chunks {
		fh := h
		fh.Fragment = len(chunks) > 1
		out := fh.Marshal()
		if len(chunks) > 1 {
			frag := wire.FragmentHeader{PacketID: packetID, Dest: dest.Address(), Index: uint8(i), Total: uint8(len(chunks))}
			out = append(out, frag.Marshal()...)
		}
		out = append(out, chunk...)
		if s.cb.WirePacketSend != nil {
			if err := s.cb.WirePacketSend(tptr, p.LocalSocket, p.Remote, out); err != nil {
				return err
			}
		}
	}
	if s.metrics != nil {
		s.metrics.PacketOut()
	}
	p.RecordOut(now)
	return nil
}

// sendTrusted sends verb/body in the clear over a path the host has
// configured as a trusted path (SetTrustedPaths): a LAN segment or
// tunnel the host already authenticates at a lower layer, where
// per-packet AEAD would be redundant cost with no additional guarantee.
func (s *Switch) sendTrusted(now time.Time, tptr any, dest *peer.Peer, p *path.Path, verb Verb, body []byte) error {
	h := wire.Header{
		PacketID: s.nextPacketID(),
		Dest:     dest.Address(),
		Source:   s.self.Address(),
		Cipher:   wire.CipherNone,
	}
	out := append(h.Marshal(), append([]byte{byte(verb)}, body...)...)
	if s.cb.WirePacketSend != nil {
		if err := s.cb.WirePacketSend(tptr, p.LocalSocket, p.Remote, out); err != nil {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.PacketOut()
	}
	p.RecordOut(now)
	return nil
}

// SendHello sends a self-authenticating, unencrypted HELLO to a
// destination this Node has no shared secret (or even confirmed Peer)
// for yet: body already carries the claimed identity and signature, so
// the packet authenticates itself without relying on the AEAD layer.
func (s *Switch) SendHello(now time.Time, tptr any, dest identity.Address, p *path.Path, body []byte) error {
	h := wire.Header{
		PacketID: s.nextPacketID(),
		Dest:     dest,
		Source:   s.self.Address(),
		Cipher:   wire.CipherNone,
	}
	out := append(h.Marshal(), append([]byte{byte(VerbHello)}, body...)...)
	if s.cb.WirePacketSend != nil {
		if err := s.cb.WirePacketSend(tptr, p.LocalSocket, p.Remote, out); err != nil {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.PacketOut()
	}
	p.RecordOut(now)
	return nil
}

// SendViaPath encrypts verb/body exactly like SendPacket but transmits
// over via instead of dest's own best path, for relaying a packet
// (typically a HELLO) through an upstream when dest has no path of its
// own that has answered recently.
func (s *Switch) SendViaPath(now time.Time, tptr any, dest *peer.Peer, via *path.Path, verb Verb, body []byte) error {
	secret, ok := dest.SharedSecret()
	if !ok {
		return nil
	}

	packetID := s.nextPacketID()
	plaintext := append([]byte{byte(verb)}, body...)
	compressed, wasCompressed := wire.MaybeCompress(plaintext)

	h := wire.Header{
		PacketID:   packetID,
		Dest:       dest.Address(),
		Source:     s.self.Address(),
		Cipher:     wire.CipherChaCha20Poly1305,
		Compressed: wasCompressed,
	}
	aad := h.Marshal()

	sealed, err := wire.Seal(secret, packetID, aad, compressed)
	if err != nil {
		return err
	}
	h.MAC = wire.FastMAC(sealed)

	chunks := wire.Split(sealed, tuning.UDPDefaultPayloadMTU-wire.HeaderSize)
	for i, chunk := range chunks {
		fh := h
		fh.Fragment = len(chunks) > 1
		out := fh.Marshal()
		if len(chunks) > 1 {
			frag := wire.FragmentHeader{PacketID: packetID, Dest: dest.Address(), Index: uint8(i), Total: uint8(len(chunks))}
			out = append(out, frag.Marshal()...)
		}
		out = append(out, chunk...)
		if s.cb.WirePacketSend != nil {
			if err := s.cb.WirePacketSend(tptr, via.LocalSocket, via.Remote, out); err != nil {
				return err
			}
		}
	}
	if s.metrics != nil {
		s.metrics.PacketOut()
	}
	via.RecordOut(now)
	return nil
}

// HandleInbound processes one raw datagram from the wire: header
// parse, optional fragment reassembly, decrypt and verb dispatch.
func (s *Switch) HandleInbound(now time.Time, tptr any, localSocket int64, remote netip.AddrPort, raw []byte) {
	h, err := wire.ParseHeader(raw)
	if err != nil {
		s.drop("malformed-header")
		return
	}
	body := raw[wire.HeaderSize:]

	if h.Fragment {
		if len(body) < wire.FragmentHeaderSize {
			s.drop("malformed-fragment")
			return
		}
		fh, err := wire.ParseFragmentHeader(body)
		if err != nil {
			s.drop("malformed-fragment")
			return
		}
		full, done, err := s.reasm.AddFragment(now, h.PacketID, fh.Index, fh.Total, body[wire.FragmentHeaderSize:])
		if err != nil {
			s.drop("fragment-error")
			return
		}
		if !done {
			return
		}
		body = full
	}

	if !s.limiter.Allow(addressKey(h.Source), now) {
		s.drop("rate-limited")
		return
	}

	if h.Cipher == wire.CipherNone {
		s.handleCleartext(now, tptr, h, localSocket, remote, body)
		return
	}

	src := s.topo.GetPeer(h.Source)
	if src == nil {
		s.deferForWhois(now, tptr, h.Source, raw)
		return
	}

	secret, ok := src.SharedSecret()
	if !ok {
		s.deferForWhois(now, tptr, h.Source, raw)
		return
	}

	// The AEAD tag was computed once, before fragmentation, over a
	// header with Fragment always false: that bit is a per-datagram
	// wire-transport artifact, not part of the logical packet the tag
	// authenticates, so it is normalized back out here.
	aad := h
	aad.MAC = 0
	aad.Fragment = false
	if h.MAC != 0 && wire.FastMAC(body) != h.MAC {
		s.drop("fast-mac-mismatch")
		return
	}
	plaintext, err := wire.Open(secret, h.PacketID, aad.Marshal(), body)
	if err != nil {
		s.drop("auth-failed")
		return
	}
	if h.Compressed {
		decompressed, derr := wire.Decompress(plaintext)
		if derr != nil {
			s.drop("decompress-failed")
			return
		}
		plaintext = decompressed
	}
	if len(plaintext) == 0 {
		s.drop("empty-payload")
		return
	}

	verb := Verb(plaintext[0])
	src.TouchPath(now, localSocket, remote)
	if s.metrics != nil {
		s.metrics.PacketIn()
	}

	if int(verb) < len(s.handlers) && s.handlers[verb] != nil {
		s.handlers[verb](now, tptr, src, plaintext[1:])
	}
}

// handleCleartext dispatches a packet sent with wire.CipherNone: either
// a bootstrap HELLO (which must authenticate itself, since no Peer or
// shared secret can exist yet) or, on a path the host has declared
// trusted, any other verb from an already-known Peer.
func (s *Switch) handleCleartext(now time.Time, tptr any, h wire.Header, localSocket int64, remote netip.AddrPort, body []byte) {
	if len(body) == 0 {
		s.drop("empty-payload")
		return
	}
	verb := Verb(body[0])
	if verb == VerbHello {
		if s.helloHandler != nil {
			s.helloHandler(now, tptr, localSocket, remote, body[1:])
		}
		return
	}

	trustID := s.topo.GetOutboundPathTrust(remote)
	if trustID == 0 {
		s.drop("untrusted-cleartext")
		return
	}
	src := s.topo.GetPeer(h.Source)
	if src == nil {
		s.drop("untrusted-cleartext")
		return
	}
	p := src.TouchPath(now, localSocket, remote)
	p.TrustedPathID = trustID
	if s.metrics != nil {
		s.metrics.PacketIn()
	}
	if int(verb) < len(s.handlers) && s.handlers[verb] != nil {
		s.handlers[verb](now, tptr, src, body[1:])
	}
}

func addressKey(a identity.Address) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(a))
	return buf[:]
}

var dropKind = map[string]trace.Kind{
	"malformed-header":   trace.KindPacketMalformed,
	"malformed-fragment": trace.KindPacketMalformed,
	"fragment-error":     trace.KindFragmentExpired,
	"rate-limited":       trace.KindRateLimited,
	"auth-failed":        trace.KindMACAuthFailed,
	"empty-payload":      trace.KindPacketMalformed,
	"whois-table-full":     trace.KindWhoisTimeout,
	"decompress-failed":    trace.KindPacketMalformed,
	"fast-mac-mismatch":    trace.KindMACAuthFailed,
	"untrusted-cleartext":  trace.KindUnknownPeer,
}

func (s *Switch) drop(reason string) {
	if s.metrics != nil {
		s.metrics.PacketDropped(reason)
	}
	if s.tracer != nil {
		kind, ok := dropKind[reason]
		if !ok {
			kind = trace.KindPacketMalformed
		}
		trace.Emit(s.tracer.For("switch"), kind, "", zap.String("reason", reason))
	}
}

// deferForWhois stashes a packet that cannot yet be processed because
// its sender is unknown, and issues (or piggybacks on) a WHOIS.
//
// The whoisSent table may buffer up to tuning.MaxWhoisPending distinct
// addresses at once, but only tuning.WhoisMaxInFlight of those are
// ever dispatched as an actual outstanding WHOIS query at a time; the
// rest wait for a slot and are picked up by ExpireWhois.
func (s *Switch) deferForWhois(now time.Time, tptr any, addr identity.Address, raw []byte) {
	s.whoisMu.Lock()
	w, ok := s.whoisSent[addr]
	if !ok {
		if len(s.whoisSent) >= tuning.MaxWhoisPending {
			s.whoisMu.Unlock()
			s.drop("whois-table-full")
			return
		}
		w = &whoisWait{firstAttempt: now}
		s.whoisSent[addr] = w
	}
	w.pending = append(w.pending, append([]byte(nil), raw...))
	dispatch := s.tryDispatchLocked(w)
	s.whoisMu.Unlock()

	if dispatch {
		s.RequestWhois(now, tptr, addr, nil)
	}
}

// tryDispatchLocked reports whether w may be (or already is) an
// actively dispatched WHOIS query, admitting it if fewer than
// tuning.WhoisMaxInFlight other addresses are currently dispatched.
// Callers must hold whoisMu.
func (s *Switch) tryDispatchLocked(w *whoisWait) bool {
	if w.dispatched {
		return true
	}
	inFlight := 0
	for _, other := range s.whoisSent {
		if other.dispatched {
			inFlight++
		}
	}
	if inFlight >= tuning.WhoisMaxInFlight {
		return false
	}
	w.dispatched = true
	return true
}

// RequestWhois issues a WHOIS for addr, coalescing concurrent requests
// for the same address into one outstanding query via singleflight.
// upstream, when non-nil, is the peer to query; a nil upstream means
// "ask whatever root is best".
func (s *Switch) RequestWhois(now time.Time, tptr any, addr identity.Address, upstream *peer.Peer) {
	key := addr.String()
	_, _, _ = s.whoisGroup.Do(key, func() (any, error) {
		root := upstream
		if root == nil {
			root = s.topo.GetUpstreamPeer(now)
		}
		if root == nil {
			return nil, nil
		}
		body := addressKey(addr)
		_ = s.SendPacket(now, tptr, root, VerbWhois, body)
		return nil, nil
	})
}

// ResolveWhois is called once an OK(WHOIS) response supplies a peer's
// identity: it installs the Peer in the topology and replays any
// packets that were waiting on it.
func (s *Switch) ResolveWhois(now time.Time, tptr any, resolved *peer.Peer) {
	s.whoisMu.Lock()
	w, ok := s.whoisSent[resolved.Address()]
	if ok {
		delete(s.whoisSent, resolved.Address())
	}
	s.whoisMu.Unlock()
	if !ok {
		return
	}
	s.topo.AddPeer(resolved)
	for _, raw := range w.pending {
		go s.HandleInbound(now, tptr, 0, netip.AddrPort{}, raw)
	}
}

// ExpireWhois drops any WHOIS wait that has exceeded
// tuning.WhoisRetryCount retries at tuning.WhoisRetryInterval spacing,
// retrying the ones still within budget.
func (s *Switch) ExpireWhois(now time.Time, tptr any) {
	s.whoisMu.Lock()
	var retry []identity.Address
	for addr, w := range s.whoisSent {
		if !w.dispatched {
			if s.tryDispatchLocked(w) {
				retry = append(retry, addr)
			}
			continue
		}
		if now.Sub(w.firstAttempt) < tuning.WhoisRetryInterval*time.Duration(w.attempts+1) {
			continue
		}
		w.attempts++
		if w.attempts > tuning.WhoisRetryCount {
			delete(s.whoisSent, addr)
			continue
		}
		retry = append(retry, addr)
	}
	s.whoisMu.Unlock()

	for _, addr := range retry {
		s.RequestWhois(now, tptr, addr, nil)
	}
}

// Rendezvous tells a and b about each other's best known endpoint so
// they can attempt a direct path instead of relaying through this
// Node.
func (s *Switch) Rendezvous(now time.Time, tptr any, a, b *peer.Peer) {
	pb := b.BestPath(now, false)
	pa := a.BestPath(now, false)
	if pb != nil {
		_ = s.SendPacket(now, tptr, a, VerbRendezvous, encodeRendezvous(b.Address(), pb.Remote))
	}
	if pa != nil {
		_ = s.SendPacket(now, tptr, b, VerbRendezvous, encodeRendezvous(a.Address(), pa.Remote))
	}
}

func encodeRendezvous(addr identity.Address, ep netip.AddrPort) []byte {
	ip := ep.Addr().As16()
	buf := make([]byte, 8+16+2)
	binary.BigEndian.PutUint64(buf[0:8], uint64(addr))
	copy(buf[8:24], ip[:])
	binary.BigEndian.PutUint16(buf[24:26], ep.Port())
	return buf
}

// DecodeRendezvous is the inverse of encodeRendezvous, exported for
// the node coordinator's VerbRendezvous handler.
func DecodeRendezvous(body []byte) (identity.Address, netip.AddrPort, bool) {
	if len(body) < 26 {
		return 0, netip.AddrPort{}, false
	}
	addr := identity.Address(binary.BigEndian.Uint64(body[0:8]))
	var raw [16]byte
	copy(raw[:], body[8:24])
	ip := netip.AddrFrom16(raw)
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	port := binary.BigEndian.Uint16(body[24:26])
	return addr, netip.AddrPortFrom(ip, port), true
}

// TimerTask runs the switch's periodic housekeeping: WHOIS retries and
// fragment buffer pruning. It does not walk the peer table itself;
// that is the topology's and the node coordinator's job.
func (s *Switch) TimerTask(now time.Time, tptr any) {
	s.ExpireWhois(now, tptr)
	s.reasm.Prune(now)
}

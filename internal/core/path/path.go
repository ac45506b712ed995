// Package path implements the Path type: a concrete
// (local socket, remote address) channel to a Peer, with liveness and
// link-quality bookkeeping.
package path

import (
	"net/netip"
	"time"
)

// Path is a single (local socket, remote endpoint) edge. It is owned
// exclusively by one Peer; nothing else should mutate it concurrently.
type Path struct {
	LocalSocket int64
	Remote      netip.AddrPort

	lastIn  time.Time
	lastOut time.Time

	// linkQuality is an EWMA over recent receive cadence, 0-255.
	linkQuality uint8

	// TrustedPathID is 0 for cryptographically-authenticated traffic,
	// or a configured trusted network id on which authentication may
	// be bypassed.
	TrustedPathID uint64
}

// New creates a fresh Path with maximal assumed quality; it degrades as
// traffic is observed (or not).
func New(localSocket int64, remote netip.AddrPort) *Path {
	return &Path{LocalSocket: localSocket, Remote: remote, linkQuality: 255}
}

// LastIn returns the last time this Path carried valid inbound traffic.
func (p *Path) LastIn() time.Time { return p.lastIn }

// LastOut returns the last time this Path was used to send.
func (p *Path) LastOut() time.Time { return p.lastOut }

// LinkQuality returns the current EWMA link quality, 0-255.
func (p *Path) LinkQuality() uint8 { return p.linkQuality }

// RecordIn updates lastIn and the link-quality EWMA. now must never be
// before the path's existing lastIn; callers are
// responsible for only calling this from a single ingress goroutine per
// Peer, matching the "outbound counter assigned under the Peer's lock"
// ordering guarantee for received timestamps.
func (p *Path) RecordIn(now time.Time) {
	if !p.lastIn.IsZero() {
		gap := now.Sub(p.lastIn)
		// Cadence within one heartbeat period nudges quality up;
		// anything slower decays it. alpha=1/8 EWMA.
		var sample uint8
		if gap <= 30*time.Second {
			sample = 255
		} else if gap <= 90*time.Second {
			sample = 128
		} else {
			sample = 0
		}
		p.linkQuality = uint8((int(p.linkQuality)*7 + int(sample)) / 8)
	}
	if now.After(p.lastIn) {
		p.lastIn = now
	}
}

// RecordOut updates lastOut.
func (p *Path) RecordOut(now time.Time) {
	if now.After(p.lastOut) {
		p.lastOut = now
	}
}

// Live reports whether this Path has carried inbound traffic within
// timeout of now.
func (p *Path) Live(now time.Time, timeout time.Duration) bool {
	return !p.lastIn.IsZero() && now.Sub(p.lastIn) < timeout
}

// IsAddressValidForPath rejects endpoints that can never be a usable
// direct path (unspecified, multicast, or loopback-to-nowhere).
func IsAddressValidForPath(addr netip.AddrPort) bool {
	if !addr.IsValid() || addr.Port() == 0 {
		return false
	}
	ip := addr.Addr()
	return !ip.IsUnspecified() && !ip.IsMulticast()
}

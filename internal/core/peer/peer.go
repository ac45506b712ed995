// Package peer implements Peer, the exclusive owner of everything
// known about one remote Node: identity, paths, activity, and link
// quality.
package peer

import (
	"net/netip"
	"sync"
	"time"

	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/path"
	"github.com/quietmesh/node/internal/core/tuning"
)

// Peer is the exclusive owner of its Paths. All mutation goes
// through its methods, which take the lock; callers never reach into
// Paths directly.
type Peer struct {
	mu sync.RWMutex

	id *identity.Identity

	remoteVersionKnown            bool
	versionMajor, versionMinor, versionRev int

	latencyEWMA time.Duration

	paths []*path.Path

	nextCounter uint64

	lastReceive time.Time

	sharedSecret [32]byte
	hasSecret    bool
}

// New creates a Peer for a known remote Identity.
func New(id *identity.Identity) *Peer {
	return &Peer{id: id}
}

// Identity returns the remote Identity this Peer represents.
func (p *Peer) Identity() *identity.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

// Address is a convenience accessor for the remote Node's address.
func (p *Peer) Address() identity.Address { return p.id.Address() }

// SetSharedSecret installs the cipher state derived from Identity.Agree
// for this Peer's traffic.
func (p *Peer) SetSharedSecret(secret [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sharedSecret = secret
	p.hasSecret = true
}

// SharedSecret returns the installed cipher secret, if any.
func (p *Peer) SharedSecret() ([32]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sharedSecret, p.hasSecret
}

// SetRemoteVersion records the protocol version reported by this peer's
// HELLO.
func (p *Peer) SetRemoteVersion(major, minor, rev int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteVersionKnown = true
	p.versionMajor, p.versionMinor, p.versionRev = major, minor, rev
}

// RemoteVersion returns the last reported version, if any.
func (p *Peer) RemoteVersion() (major, minor, rev int, known bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.versionMajor, p.versionMinor, p.versionRev, p.remoteVersionKnown
}

// RecordLatencySample folds a single round-trip sample into the EWMA.
func (p *Peer) RecordLatencySample(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latencyEWMA == 0 {
		p.latencyEWMA = d
		return
	}
	p.latencyEWMA = (p.latencyEWMA*7 + d) / 8
}

// Latency returns the current EWMA latency estimate.
func (p *Peer) Latency() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latencyEWMA
}

// NextOutgoingCounter assigns a monotonically increasing per-Peer
// packet counter under the Peer's lock.
func (p *Peer) NextOutgoingCounter() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextCounter++
	return p.nextCounter
}

// LastReceive returns the last time any Path on this Peer saw inbound
// traffic.
func (p *Peer) LastReceive() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastReceive
}

// IsActive reports reachability: at least one live Path
// within tuning.PeerActivityTimeout.
func (p *Peer) IsActive(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.lastReceive.IsZero() && now.Sub(p.lastReceive) < tuning.PeerActivityTimeout
}

// TouchPath records inbound traffic on the path matching (localSocket,
// remote), creating it if it does not already exist, evicting the
// oldest-unused path if the Peer is at capacity.
func (p *Peer) TouchPath(now time.Time, localSocket int64, remote netip.AddrPort) *path.Path {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pp := range p.paths {
		if pp.LocalSocket == localSocket && pp.Remote == remote {
			pp.RecordIn(now)
			p.lastReceive = now
			return pp
		}
	}

	np := path.New(localSocket, remote)
	np.RecordIn(now)
	p.lastReceive = now

	if len(p.paths) >= tuning.MaxPathsPerPeer {
		oldest := 0
		for i := 1; i < len(p.paths); i++ {
			if p.paths[i].LastIn().Before(p.paths[oldest].LastIn()) {
				oldest = i
			}
		}
		p.paths[oldest] = np
	} else {
		p.paths = append(p.paths, np)
	}
	return np
}

// SeedPath installs a path to remote without marking it as having
// carried inbound traffic, for bootstrapping a root whose stable
// endpoint is known out-of-band (the planet/moon roster) but that has
// not yet replied to anything. Marking it "received" here would let a
// root nobody has heard from yet look reachable in IsActive/BestPath
// ahead of any real confirmation.
func (p *Peer) SeedPath(localSocket int64, remote netip.AddrPort) *path.Path {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pp := range p.paths {
		if pp.LocalSocket == localSocket && pp.Remote == remote {
			return pp
		}
	}

	np := path.New(localSocket, remote)
	if len(p.paths) >= tuning.MaxPathsPerPeer {
		oldest := 0
		for i := 1; i < len(p.paths); i++ {
			if p.paths[i].LastIn().Before(p.paths[oldest].LastIn()) {
				oldest = i
			}
		}
		p.paths[oldest] = np
	} else {
		p.paths = append(p.paths, np)
	}
	return np
}

// Paths returns a stable snapshot of this Peer's paths.
func (p *Peer) Paths() []*path.Path {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*path.Path, len(p.paths))
	copy(out, p.paths)
	return out
}

// BestPath chooses the preferred path: the most
// recently-active path among those with link quality >= 128 (skipping
// trusted paths when requireAuthenticated is set), falling back to the
// most recently-active path of any quality. The fallback does not apply
// the requireAuthenticated filter.
func (p *Peer) BestPath(now time.Time, requireAuthenticated bool) *path.Path {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return bestOf(p.paths, now, 128, requireAuthenticated)
}

// BestPathForFamily is BestPath restricted to a single address family.
func (p *Peer) BestPathForFamily(now time.Time, wantV6 bool) *path.Path {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var candidates []*path.Path
	for _, pp := range p.paths {
		if pp.Remote.Addr().Is6() == wantV6 {
			candidates = append(candidates, pp)
		}
	}
	return bestOf(candidates, now, 128, false)
}

func bestOf(paths []*path.Path, now time.Time, qualityThreshold uint8, requireAuthenticated bool) *path.Path {
	var best *path.Path
	for _, pp := range paths {
		if requireAuthenticated && pp.TrustedPathID != 0 {
			continue
		}
		if pp.LinkQuality() < qualityThreshold {
			continue
		}
		if best == nil || pp.LastIn().After(best.LastIn()) {
			best = pp
		}
	}
	if best != nil {
		return best
	}
	for _, pp := range paths {
		if best == nil || pp.LastIn().After(best.LastIn()) {
			best = pp
		}
	}
	return best
}

// DoPingAndKeepalive reports whether a path in the requested family (or
// any family when wantV6 is nil) is due for a keepalive rather than a
// full HELLO. It does not send anything itself; callers use it to
// decide between a lightweight keepalive and sendHELLO.
func (p *Peer) DoPingAndKeepalive(now time.Time, wantV6 *bool) (needsHello bool, best *path.Path) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []*path.Path
	for _, pp := range p.paths {
		if wantV6 != nil && pp.Remote.Addr().Is6() != *wantV6 {
			continue
		}
		candidates = append(candidates, pp)
	}
	best = bestOf(candidates, now, 0, false)
	if best == nil {
		return true, nil
	}
	if now.Sub(best.LastIn()) >= tuning.PeerActivityTimeout {
		return true, best
	}
	return false, best
}

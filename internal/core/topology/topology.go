// Package topology implements Topology: the process-wide
// Address -> Peer map, the planet/moon roster, the trusted-path table,
// and the prohibited-endpoint list.
package topology

import (
	"net/netip"
	"sync"
	"time"

	"github.com/quietmesh/node/internal/core/hostapi"
	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/peer"
	"github.com/quietmesh/node/internal/core/tuning"
)

// Role classifies an address relative to this Node's topology view.
type Role int

const (
	RoleLeaf Role = iota
	RoleUpstream
	RolePlanet
	RoleMoon
)

type trustedEntry struct {
	prefix netip.Prefix
	id     uint64
}

// Topology owns the shared Address -> Peer table and root roster.
type Topology struct {
	mu sync.RWMutex

	peers map[identity.Address]*peer.Peer

	planet *World
	moons  map[uint64]*World

	trustedPaths []trustedEntry
	prohibited   map[netip.AddrPort]bool

	cb   *hostapi.Callbacks
	tptr any
}

// New creates an empty Topology bound to the host callbacks used for
// moon persistence.
func New(cb *hostapi.Callbacks, tptr any) *Topology {
	return &Topology{
		peers:      make(map[identity.Address]*peer.Peer),
		moons:      make(map[uint64]*World),
		prohibited: make(map[netip.AddrPort]bool),
		cb:         cb,
		tptr:       tptr,
	}
}

// GetPeer returns the known Peer for addr, if any.
func (t *Topology) GetPeer(addr identity.Address) *peer.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[addr]
}

// AddPeer inserts p, deduped by address: an existing Peer for the same
// address is returned unchanged rather than overwritten.
func (t *Topology) AddPeer(p *peer.Peer) *peer.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.peers[p.Address()]; ok {
		return existing
	}
	t.peers[p.Address()] = p
	return p
}

// EachPeer applies fn to a stable snapshot of the peer table, taken
// under the lock and then released before fn runs, so fn is free to
// call back into Topology without deadlocking.
func (t *Topology) EachPeer(fn func(*peer.Peer)) {
	t.mu.RLock()
	snapshot := make([]*peer.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		snapshot = append(snapshot, p)
	}
	t.mu.RUnlock()

	for _, p := range snapshot {
		fn(p)
	}
}

// AllPeers returns a stable snapshot of every known peer.
func (t *Topology) AllPeers() []*peer.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// rootAddresses returns the set of addresses that are roots (planet or
// moon members), without locking (caller must hold t.mu).
func (t *Topology) rootAddressesLocked() map[identity.Address]bool {
	set := make(map[identity.Address]bool)
	if t.planet != nil {
		for _, r := range t.planet.Roots {
			set[r.Address] = true
		}
	}
	for _, m := range t.moons {
		for _, r := range m.Roots {
			set[r.Address] = true
		}
	}
	return set
}

// GetUpstreamPeer returns the best known root Peer by latency among
// those with at least one live path, or nil.
func (t *Topology) GetUpstreamPeer(now time.Time) *peer.Peer {
	t.mu.RLock()
	roots := t.rootAddressesLocked()
	candidates := make([]*peer.Peer, 0, len(roots))
	for addr := range roots {
		if p, ok := t.peers[addr]; ok {
			candidates = append(candidates, p)
		}
	}
	t.mu.RUnlock()

	var best *peer.Peer
	var bestLatency time.Duration = -1
	for _, p := range candidates {
		if !p.IsActive(now) {
			continue
		}
		l := p.Latency()
		if bestLatency < 0 || l < bestLatency {
			best = p
			bestLatency = l
		}
	}
	return best
}

// RootIdentity reconstructs the public Identity of a known root from
// its planet/moon roster entry, without needing a WHOIS round trip:
// root keys ship out-of-band in the World definition itself.
func (t *Topology) RootIdentity(addr identity.Address) (*identity.Identity, bool) {
	t.mu.RLock()
	var found *Root
	if t.planet != nil {
		for i := range t.planet.Roots {
			if t.planet.Roots[i].Address == addr {
				found = &t.planet.Roots[i]
				break
			}
		}
	}
	if found == nil {
		for _, m := range t.moons {
			for i := range m.Roots {
				if m.Roots[i].Address == addr {
					found = &m.Roots[i]
					break
				}
			}
			if found != nil {
				break
			}
		}
	}
	t.mu.RUnlock()
	if found == nil {
		return nil, false
	}
	id, err := identity.FromPublicBytes(found.Address, found.PublicSigningKey, found.PublicAgreeKey)
	if err != nil {
		return nil, false
	}
	return id, true
}

// GetUpstreamsToContact returns every root's known stable endpoints,
// keyed by address, for the ping pass to iterate.
func (t *Topology) GetUpstreamsToContact() map[identity.Address][]netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[identity.Address][]netip.AddrPort)
	if t.planet != nil {
		for _, r := range t.planet.Roots {
			out[r.Address] = append(out[r.Address], r.StableEndpoints...)
		}
	}
	for _, m := range t.moons {
		for _, r := range m.Roots {
			out[r.Address] = append(out[r.Address], r.StableEndpoints...)
		}
	}
	return out
}

// AmRoot reports whether this Node's own address (selfAddr) is itself a
// root in the current planet/moons.
func (t *Topology) AmRoot(selfAddr identity.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roots := t.rootAddressesLocked()
	return roots[selfAddr]
}

// Role classifies addr as of now.
func (t *Topology) Role(now time.Time, addr identity.Address) Role {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.planet != nil {
		for _, r := range t.planet.Roots {
			if r.Address == addr {
				return RolePlanet
			}
		}
	}
	for _, m := range t.moons {
		for _, r := range m.Roots {
			if r.Address == addr {
				return RoleMoon
			}
		}
	}
	if p, ok := t.peers[addr]; ok && p.IsActive(now) {
		roots := t.rootAddressesLocked()
		if roots[addr] {
			return RoleUpstream
		}
	}
	return RoleLeaf
}

// SetPlanet installs a new planet World if it passes the replacement
// policy against the current one (or unconditionally if none is set
// yet).
func (t *Topology) SetPlanet(w *World) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.planet != nil {
		if err := ReplaceWith(t.planet, w); err != nil {
			return err
		}
	} else if !w.Verify() {
		return ErrBadWorldSignature
	}
	t.planet = w
	return nil
}

// Planet returns the current planet World, or nil.
func (t *Topology) Planet() *World {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.planet
}

// Moons returns a snapshot of the current moon set.
func (t *Topology) Moons() []*World {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*World, 0, len(t.moons))
	for _, m := range t.moons {
		out = append(out, m)
	}
	return out
}

// AddMoon installs or updates a moon World and persists it via
// hostapi.StateMoon.
func (t *Topology) AddMoon(w *World) error {
	t.mu.Lock()
	if existing, ok := t.moons[w.ID]; ok {
		if err := ReplaceWith(existing, w); err != nil {
			t.mu.Unlock()
			return err
		}
	} else if !w.Verify() {
		t.mu.Unlock()
		return ErrBadWorldSignature
	}
	t.moons[w.ID] = w
	t.mu.Unlock()

	if t.cb != nil && t.cb.StatePut != nil {
		return t.cb.StatePut(t.tptr, hostapi.StateMoon, [2]uint64{w.ID, 0}, w.signable())
	}
	return nil
}

// RemoveMoon deorbits a moon and deletes its persisted record.
func (t *Topology) RemoveMoon(id uint64) {
	t.mu.Lock()
	delete(t.moons, id)
	t.mu.Unlock()

	if t.cb != nil && t.cb.StateDelete != nil {
		t.cb.StateDelete(t.tptr, hostapi.StateMoon, [2]uint64{id, 0})
	}
}

// SetTrustedPaths installs the address-prefix -> trusted path id table.
func (t *Topology) SetTrustedPaths(prefixes []netip.Prefix, ids []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(prefixes)
	if len(ids) < n {
		n = len(ids)
	}
	entries := make([]trustedEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, trustedEntry{prefix: prefixes[i], id: ids[i]})
	}
	t.trustedPaths = entries
}

// GetOutboundPathTrust returns the trusted path id configured for
// remote, or 0 if traffic to it must be cryptographically authenticated.
func (t *Topology) GetOutboundPathTrust(remote netip.AddrPort) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.trustedPaths {
		if e.prefix.Contains(remote.Addr()) {
			return e.id
		}
	}
	return 0
}

// IsProhibitedEndpoint reports whether remote has been marked
// unreachable for addr (currently unused: prohibitions are global to
// the endpoint rather than scoped per destination, but the parameter
// is kept so that scoping can be added without an API break).
func (t *Topology) IsProhibitedEndpoint(_ identity.Address, remote netip.AddrPort) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.prohibited[remote]
}

// ProhibitEndpoint marks remote as never usable for a direct path.
func (t *Topology) ProhibitEndpoint(remote netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prohibited[remote] = true
}

// DoPeriodicTasks evicts peers idle longer than tuning.PeerIdlePurge.
func (t *Topology) DoPeriodicTasks(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	roots := t.rootAddressesLocked()
	for addr, p := range t.peers {
		if roots[addr] {
			continue // roots are never idle-purged
		}
		last := p.LastReceive()
		if last.IsZero() || now.Sub(last) > tuning.PeerIdlePurge {
			delete(t.peers, addr)
		}
	}
}

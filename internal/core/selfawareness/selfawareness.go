// Package selfawareness implements learning this Node's own
// external addresses from peer-reported reflexive endpoints, keeping a
// per-scope majority vote and invalidating paths when the perceived
// address changes.
package selfawareness

import (
	"net/netip"
	"sync"
	"time"

	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/tuning"
)

// Scope distinguishes LAN from WAN reflexive reports, since a Node can
// have a stable LAN address and a separately-stable (or NAT-mapped) WAN
// one.
type Scope int

const (
	ScopeLAN Scope = iota
	ScopeWAN
)

type vote struct {
	endpoint  netip.AddrPort
	count     int
	lastSeen  time.Time
}

// SelfAwareness tracks, per scope, which reflexive endpoint a majority
// of reporting peers currently agree this Node has.
type SelfAwareness struct {
	mu sync.Mutex

	votes map[Scope]map[netip.AddrPort]*vote

	// onChange is invoked (outside the lock) when the majority endpoint
	// for a scope changes, so the caller can invalidate paths and
	// re-announce.
	onChange func(scope Scope, newEndpoint netip.AddrPort)

	current map[Scope]netip.AddrPort
}

// New creates a SelfAwareness table. onChange may be nil.
func New(onChange func(Scope, netip.AddrPort)) *SelfAwareness {
	return &SelfAwareness{
		votes:    make(map[Scope]map[netip.AddrPort]*vote),
		current:  make(map[Scope]netip.AddrPort),
		onChange: onChange,
	}
}

// ScopeOf classifies a reflexive endpoint as LAN or WAN by whether its
// address is a private/link-local range.
func ScopeOf(addr netip.Addr) Scope {
	if addr.IsPrivate() || addr.IsLinkLocalUnicast() {
		return ScopeLAN
	}
	return ScopeWAN
}

// ReportEndpoint records that reporter observed this Node's reflexive
// endpoint as endpoint, in the given scope. Unused, but kept for
// callers that want to log who is reporting; the vote itself is
// anonymous per spec's "majority vote" wording.
func (s *SelfAwareness) ReportEndpoint(_ identity.Address, endpoint netip.AddrPort, scope Scope, now time.Time) {
	s.mu.Lock()
	scoped, ok := s.votes[scope]
	if !ok {
		scoped = make(map[netip.AddrPort]*vote)
		s.votes[scope] = scoped
	}
	v, ok := scoped[endpoint]
	if !ok {
		v = &vote{endpoint: endpoint}
		scoped[endpoint] = v
	}
	v.count++
	v.lastSeen = now

	var best *vote
	for _, cand := range scoped {
		if best == nil || cand.count > best.count {
			best = cand
		}
	}

	changed := false
	prior, hadPrior := s.current[scope]
	if best != nil && (!hadPrior || prior != best.endpoint) {
		s.current[scope] = best.endpoint
		changed = true
	}
	newEndpoint := s.current[scope]
	s.mu.Unlock()

	if changed && s.onChange != nil {
		s.onChange(scope, newEndpoint)
	}
}

// CurrentEndpoint returns this Node's currently believed reflexive
// endpoint for scope, if any votes have been cast.
func (s *SelfAwareness) CurrentEndpoint(scope Scope) (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.current[scope]
	return ep, ok
}

// Clean ages out votes older than tuning.SelfAwarenessAge.
func (s *SelfAwareness) Clean(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for scope, scoped := range s.votes {
		for ep, v := range scoped {
			if now.Sub(v.lastSeen) > tuning.SelfAwarenessAge {
				delete(scoped, ep)
			}
		}
		if len(scoped) == 0 {
			delete(s.current, scope)
		}
	}
}

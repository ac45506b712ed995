// Package multicast implements the Multicaster:
// per-(network, multicast-group) subscriber registry and the
// gather/announce protocol.
package multicast

import (
	"sync"
	"time"

	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/tuning"
)

// Group identifies a multicast subscription target: a MAC plus an
// arbitrary discriminator used to scope broadcast domains (e.g. per
// IPv4 subnet) within one network.
type Group struct {
	NWID uint64
	MAC  uint64
	ADI  uint32
}

type groupState struct {
	mu          sync.Mutex
	subscribers map[identity.Address]time.Time // addr -> last (re)subscribe time
	gatherQueue [][]byte
	lastGather  time.Time
}

// Multicaster tracks subscriber sets keyed by Group and mediates the
// gather/announce protocol used to fill in unknown subscribers.
type Multicaster struct {
	mu     sync.Mutex
	groups map[Group]*groupState

	// gatherFn issues a MULTICAST_GATHER to an upstream for a group
	// short on known subscribers; supplied by the switch layer. now is
	// the caller's Send-supplied time, never read from the wall clock.
	gatherFn func(now time.Time, g Group)
}

// New creates an empty Multicaster. gatherFn may be nil in tests that
// do not exercise the gather path.
func New(gatherFn func(time.Time, Group)) *Multicaster {
	return &Multicaster{groups: make(map[Group]*groupState), gatherFn: gatherFn}
}

func (m *Multicaster) stateFor(g Group) *groupState {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs, ok := m.groups[g]
	if !ok {
		gs = &groupState{subscribers: make(map[identity.Address]time.Time)}
		m.groups[g] = gs
	}
	return gs
}

// Subscribe records that addr subscribes to g as of now, refreshing its
// TTL if already present: a subscription is valid for
// tuning.MulticastLikeExpire from its most recent Subscribe call and
// must be refreshed.
func (m *Multicaster) Subscribe(now time.Time, g Group, addr identity.Address) {
	gs := m.stateFor(g)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.subscribers[addr] = now
}

// Unsubscribe removes addr from g immediately.
func (m *Multicaster) Unsubscribe(g Group, addr identity.Address) {
	m.mu.Lock()
	gs, ok := m.groups[g]
	m.mu.Unlock()
	if !ok {
		return
	}
	gs.mu.Lock()
	delete(gs.subscribers, addr)
	gs.mu.Unlock()
}

// Subscribers returns a snapshot of g's current, non-expired subscriber
// set as of now.
func (m *Multicaster) Subscribers(now time.Time, g Group) []identity.Address {
	gs := m.stateFor(g)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	out := make([]identity.Address, 0, len(gs.subscribers))
	for addr, last := range gs.subscribers {
		if now.Sub(last) > tuning.MulticastLikeExpire {
			delete(gs.subscribers, addr)
			continue
		}
		out = append(out, addr)
	}
	return out
}

// SendResult reports how a Send call was handled: the concrete
// recipients chosen and whether fewer than the limit were known, so
// that a MULTICAST_GATHER is wanted. Gathered is also true on a call
// where the one-second per-group throttle kept Send from issuing the
// gather itself.
type SendResult struct {
	Recipients []identity.Address
	Gathered   bool
}

// Send chooses up to limit recipients for a multicast frame on g,
// issuing a MULTICAST_GATHER to fill in the rest when short.
func (m *Multicaster) Send(g Group, limit int, now time.Time) SendResult {
	gs := m.stateFor(g)
	gs.mu.Lock()
	subs := make([]identity.Address, 0, len(gs.subscribers))
	for addr, last := range gs.subscribers {
		if now.Sub(last) > tuning.MulticastLikeExpire {
			delete(gs.subscribers, addr)
			continue
		}
		subs = append(subs, addr)
	}
	needGather := len(subs) < limit
	canGather := needGather && now.Sub(gs.lastGather) > time.Second
	if canGather {
		gs.lastGather = now
	}
	gs.mu.Unlock()

	if len(subs) > limit {
		subs = subs[:limit]
	}

	if canGather && m.gatherFn != nil {
		m.gatherFn(now, g)
	}

	return SendResult{Recipients: subs, Gathered: needGather}
}

// QueueDeferredFrame buffers a frame for g while waiting on a
// MULTICAST_GATHER response, bounded to
// tuning.MulticastGatherQueueDepth (overflow drops the oldest).
func (m *Multicaster) QueueDeferredFrame(g Group, frame []byte) {
	gs := m.stateFor(g)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.gatherQueue = append(gs.gatherQueue, frame)
	if len(gs.gatherQueue) > tuning.MulticastGatherQueueDepth {
		gs.gatherQueue = gs.gatherQueue[len(gs.gatherQueue)-tuning.MulticastGatherQueueDepth:]
	}
}

// DrainDeferredFrames returns and clears g's queued frames, typically
// called once a MULTICAST_GATHER response arrives with more subscribers.
func (m *Multicaster) DrainDeferredFrames(g Group) [][]byte {
	gs := m.stateFor(g)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	out := gs.gatherQueue
	gs.gatherQueue = nil
	return out
}

// Clean expires stale subscribers across every group as of now, then
// drops any group left with no subscribers.
func (m *Multicaster) Clean(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for g, gs := range m.groups {
		gs.mu.Lock()
		for addr, last := range gs.subscribers {
			if now.Sub(last) > tuning.MulticastLikeExpire {
				delete(gs.subscribers, addr)
			}
		}
		empty := len(gs.subscribers) == 0
		gs.mu.Unlock()
		if empty {
			delete(m.groups, g)
		}
	}
}

// Package network implements the per-virtual-network membership state
// machine: config request/response, credential admission, and frame
// filtering for one joined network.
package network

import (
	"sync"
	"time"

	"github.com/quietmesh/node/internal/core/com"
	"github.com/quietmesh/node/internal/core/hostapi"
	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/tuning"
)

// Status is a network's membership state.
type Status int

const (
	StatusRequestingConfig Status = iota
	StatusOK
	StatusAccessDenied
	StatusNotFound
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusRequestingConfig:
		return "requesting-config"
	case StatusOK:
		return "ok"
	case StatusAccessDenied:
		return "access-denied"
	case StatusNotFound:
		return "not-found"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Config is the (partial) subset of a network's controller-issued
// configuration the core cares about; the host may attach richer
// controller-specific fields via the Extra field.
type Config struct {
	NWID            uint64
	Name            string
	Private         bool
	EnableBroadcast bool
	MTU             int
	Revision        uint64
	COM             *com.COM
	Extra           any
}

// Rule is one match/action pair of a network's frame filter, evaluated
// in order; the first matching rule decides the frame's fate.
type Rule struct {
	Match  func(srcMAC, dstMAC uint64, etherType uint16) bool
	Accept bool
}

// revocationKey identifies the credential a revocation targets: the
// address that issued it and an id scoping it within that issuer's
// credentials (a member's COM is issued to exactly one address, so its
// id is that address's own qualifier value).
type revocationKey struct {
	issuer identity.Address
	id     uint64
}

// chunkSet collects the pieces of a config being reassembled from
// NETWORK_CONFIG chunks, keyed by the controller's running update id.
type chunkSet struct {
	updateID uint64
	total    int
	pieces   map[int][]byte
}

// Network is one joined virtual network's membership and config state.
type Network struct {
	mu sync.Mutex

	nwid   uint64
	status Status
	userPtr any

	config *Config
	rules  []Rule

	credentials map[identity.Address]*com.COM // credentials pushed by peers, used for frame admission
	revocations map[revocationKey]uint64      // (issuer, credential id) -> revocation threshold time

	lastConfigRequest time.Time
	chunks            *chunkSet

	cb hostapi.Callbacks
}

// New creates a Network in StatusRequestingConfig, mirroring the
// controller-config lifecycle: a freshly joined network has no config
// until the first NETWORK_CONFIG arrives.
func New(nwid uint64, userPtr any, cb hostapi.Callbacks) *Network {
	return &Network{
		nwid:        nwid,
		status:      StatusRequestingConfig,
		userPtr:     userPtr,
		credentials: make(map[identity.Address]*com.COM),
		revocations: make(map[revocationKey]uint64),
		cb:          cb,
	}
}

func (n *Network) NWID() uint64 { return n.nwid }

func (n *Network) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *Network) Config() *Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.config
}

// RequestConfig marks that a config request went out, and reports
// whether one is actually due (idempotent within
// tuning.NetworkAutoconfDelay so callers can invoke it unconditionally
// on a timer without spamming the wire).
func (n *Network) RequestConfig(now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == StatusDestroyed {
		return false
	}
	if now.Sub(n.lastConfigRequest) < tuning.NetworkAutoconfDelay {
		return false
	}
	n.lastConfigRequest = now
	return true
}

// ApplyConfigChunk folds in one chunk of a NETWORK_CONFIG reply,
// keyed by the controller's running update id so a config that spans
// several UDP-sized chunks can be reassembled out of order. It returns
// the fully assembled config once every chunk 0..total-1 has arrived.
func (n *Network) ApplyConfigChunk(tptr any, updateID uint64, index, total int, data []byte, decode func([]byte) (*Config, error)) (*Config, error) {
	n.mu.Lock()

	if total <= 1 {
		cfg, err := decode(data)
		if err != nil {
			n.mu.Unlock()
			return nil, err
		}
		op := n.applyLocked(cfg)
		n.mu.Unlock()
		n.notifyConfig(tptr, op, cfg)
		return cfg, nil
	}

	if n.chunks == nil || n.chunks.updateID != updateID {
		n.chunks = &chunkSet{updateID: updateID, total: total, pieces: make(map[int][]byte, total)}
	}
	n.chunks.pieces[index] = data
	if len(n.chunks.pieces) < n.chunks.total {
		n.mu.Unlock()
		return nil, nil
	}

	var full []byte
	for i := 0; i < n.chunks.total; i++ {
		piece, ok := n.chunks.pieces[i]
		if !ok {
			n.mu.Unlock()
			return nil, nil
		}
		full = append(full, piece...)
	}
	n.chunks = nil

	cfg, err := decode(full)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	op := n.applyLocked(cfg)
	n.mu.Unlock()
	n.notifyConfig(tptr, op, cfg)
	return cfg, nil
}

// applyLocked installs cfg and reports whether this is the network's
// first config (ConfigOpUp) or a refresh of one already applied
// (ConfigOpUpdate). Caller must hold n.mu.
func (n *Network) applyLocked(cfg *Config) hostapi.ConfigOp {
	op := hostapi.ConfigOpUpdate
	if n.config == nil {
		op = hostapi.ConfigOpUp
	}
	n.config = cfg
	n.status = StatusOK
	return op
}

func (n *Network) notifyConfig(tptr any, op hostapi.ConfigOp, cfg *Config) {
	if n.cb.VirtualNetworkConfig != nil {
		n.cb.VirtualNetworkConfig(tptr, n.nwid, n.userPtr, op, cfg)
	}
}

// Deny transitions the network to StatusAccessDenied, e.g. after a
// controller ERROR response with reason ACCESS_DENIED.
func (n *Network) Deny() {
	n.mu.Lock()
	n.status = StatusAccessDenied
	n.mu.Unlock()
}

// NotFound transitions the network to StatusNotFound, e.g. after a
// controller ERROR response with reason OBJECT_NOT_FOUND.
func (n *Network) NotFound() {
	n.mu.Lock()
	n.status = StatusNotFound
	n.mu.Unlock()
}

// SetRules replaces the frame filter rule set, typically parsed out of
// a freshly applied Config.
func (n *Network) SetRules(rules []Rule) {
	n.mu.Lock()
	n.rules = rules
	n.mu.Unlock()
}

// Members returns a snapshot of every address that has ever pushed a
// credential on this network, the set sendUpdatesToMembers walks to
// keep member COMs current.
func (n *Network) Members() []identity.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]identity.Address, 0, len(n.credentials))
	for addr := range n.credentials {
		out = append(out, addr)
	}
	return out
}

// AddCredential records a peer's pushed COM, used later by Admit to
// decide whether that peer may exchange frames on this network.
func (n *Network) AddCredential(peer identity.Address, c *com.COM) {
	n.mu.Lock()
	n.credentials[peer] = c
	n.mu.Unlock()
}

// Revoke marks any credential issued by issuer under id as invalid once
// its timestamp qualifier is at or before threshold, a distinct push
// from a normal config update so a compromised member can be cut off
// without waiting for the next full config cycle.
func (n *Network) Revoke(issuer identity.Address, id, threshold uint64) {
	n.mu.Lock()
	n.revocations[revocationKey{issuer: issuer, id: id}] = threshold
	n.mu.Unlock()
}

// Admit decides whether a frame to/from peer may pass, based on
// network privacy, COM agreement, and revocation state. Public
// networks admit everyone; private networks require an
// agreeing, non-revoked COM.
func (n *Network) Admit(peer identity.Address, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.config == nil || n.status != StatusOK {
		return false
	}
	if !n.config.Private {
		return true
	}
	if n.config.COM == nil {
		return false
	}
	peerCOM, ok := n.credentials[peer]
	if !ok {
		return false
	}
	if id, ok := peerCOM.Get(com.QualifierIssuedTo); ok {
		key := revocationKey{issuer: peerCOM.Signer, id: id}
		if threshold, revoked := n.revocations[key]; revoked {
			if ts, ok := peerCOM.Get(com.QualifierTimestamp); ok && ts <= threshold {
				return false
			}
		}
	}
	return n.config.COM.AgreesWith(peerCOM)
}

// FilterFrame evaluates the rule set against a frame; a network with
// no rules accepts everything.
func (n *Network) FilterFrame(srcMAC, dstMAC uint64, etherType uint16) bool {
	n.mu.Lock()
	rules := n.rules
	n.mu.Unlock()

	for _, r := range rules {
		if r.Match(srcMAC, dstMAC, etherType) {
			return r.Accept
		}
	}
	return true
}

// Leave marks the network destroyed and fires the host's
// ConfigOpDestroy callback with a nil config; the last-known config is
// returned to the caller instead.
func (n *Network) Leave(tptr any) *Config {
	n.mu.Lock()
	cfg := n.config
	n.status = StatusDestroyed
	n.mu.Unlock()

	if n.cb.VirtualNetworkConfig != nil {
		n.cb.VirtualNetworkConfig(tptr, n.nwid, n.userPtr, hostapi.ConfigOpDestroy, nil)
	}
	return cfg
}

// UserPtr returns the opaque pointer supplied at Join time. Per the
// first-writer-wins rule for a racing concurrent join of the same
// network, this value is fixed at construction and never updated by a
// later call.
func (n *Network) UserPtr() any { return n.userPtr }

// Package hostapi defines the contract between the node core and the
// host process that embeds it: transport, storage and wall-clock supply
// are all host responsibilities, reached through the
// callbacks declared here. tptr is opaque to the core; it is threaded
// through unchanged so the host can identify the calling thread for its
// own bookkeeping.
package hostapi

import "net/netip"

// StateKind names a persisted-blob category. The pair (kind, id) forms
// the storage key; id is a two-word key the caller interprets (e.g. an
// address split across two uint64s, or a single id with the second word
// zero).
type StateKind int

const (
	StateIdentityPublic StateKind = iota
	StateIdentitySecret
	StatePlanet
	StateMoon
	StatePeer
	StateNetworkConfig
)

// EventKind names a host-visible, one-shot notification. Distinct from
// trace output: events are low-volume and meant for host-side status
// reporting, not diagnostics.
type EventKind int

const (
	EventUp EventKind = iota
	EventOffline
	EventOnline
	EventDown
	EventUserMessage
	EventFatalErrorIdentityCollision
)

// ConfigOp names a virtual-network config lifecycle transition reported
// to the host.
type ConfigOp int

const (
	ConfigOpUp ConfigOp = iota
	ConfigOpUpdate
	ConfigOpDown
	ConfigOpDestroy
)

// Callbacks is the full set of host-supplied entry points a Node
// depends on. All of them are invoked with no core lock held.
type Callbacks struct {
	// WirePacketSend must not block long; the core treats failure as
	// best-effort and does not retry synchronously.
	WirePacketSend func(tptr any, localSocket int64, remote netip.AddrPort, payload []byte) error

	// VirtualNetworkFrame delivers a decrypted Ethernet frame to the
	// host's tap interface for the given joined network.
	VirtualNetworkFrame func(tptr any, nwid uint64, srcMAC, dstMAC uint64, etherType uint16, vlan uint16, payload []byte)

	// VirtualNetworkConfig notifies the host of a network's lifecycle
	// transition. config is nil for ConfigOpDown/ConfigOpDestroy.
	VirtualNetworkConfig func(tptr any, nwid uint64, userPtr any, op ConfigOp, config any)

	// Event delivers a general node-level notification.
	Event func(tptr any, kind EventKind, payload any)

	// StatePut persists a blob under (kind, id).
	StatePut func(tptr any, kind StateKind, id [2]uint64, data []byte) error
	// StateGet loads a blob previously stored under (kind, id). It
	// returns (nil, false) rather than an error when absent.
	StateGet func(tptr any, kind StateKind, id [2]uint64) ([]byte, bool)
	// StateDelete removes a persisted blob; deleting an absent blob is
	// not an error.
	StateDelete func(tptr any, kind StateKind, id [2]uint64)

	// PathCheck is an optional policy hook that can veto a path before
	// it is used. A nil PathCheck allows every path.
	PathCheck func(tptr any, addr uint64, localSocket int64, remote netip.AddrPort) bool

	// PathLookup is an optional bootstrap hint the switch may consult
	// when it has no known path to an address.
	PathLookup func(tptr any, addr uint64, family int) (netip.AddrPort, bool)
}

// Package testutil provides a hand-written fake hostapi.Callbacks
// implementation for exercising the core without a real host process.
package testutil

import (
	"net/netip"
	"sync"

	"github.com/quietmesh/node/internal/core/hostapi"
)

type stateKey struct {
	kind hostapi.StateKind
	id   [2]uint64
}

// FakeHost is an in-memory hostapi.Callbacks backing store plus a
// record of every wire send and event delivery, for assertions in
// tests.
type FakeHost struct {
	mu sync.Mutex

	blobs map[stateKey][]byte

	SentPackets []SentPacket
	Events      []Event
	Frames      []Frame
	ConfigOps   []ConfigOp
}

type SentPacket struct {
	LocalSocket int64
	Remote      netip.AddrPort
	Payload     []byte
}

type Event struct {
	Kind    hostapi.EventKind
	Payload any
}

type Frame struct {
	NWID            uint64
	SrcMAC, DstMAC  uint64
	EtherType, VLAN uint16
	Payload         []byte
}

type ConfigOp struct {
	NWID   uint64
	Op     hostapi.ConfigOp
	Config any
}

// NewFakeHost creates an empty FakeHost.
func NewFakeHost() *FakeHost {
	return &FakeHost{blobs: make(map[stateKey][]byte)}
}

// Callbacks returns a hostapi.Callbacks bound to this FakeHost's
// storage and recorders.
func (f *FakeHost) Callbacks() hostapi.Callbacks {
	return hostapi.Callbacks{
		WirePacketSend: func(_ any, localSocket int64, remote netip.AddrPort, payload []byte) error {
			f.mu.Lock()
			f.SentPackets = append(f.SentPackets, SentPacket{localSocket, remote, append([]byte(nil), payload...)})
			f.mu.Unlock()
			return nil
		},
		VirtualNetworkFrame: func(_ any, nwid uint64, srcMAC, dstMAC uint64, etherType uint16, vlan uint16, payload []byte) {
			f.mu.Lock()
			f.Frames = append(f.Frames, Frame{nwid, srcMAC, dstMAC, etherType, vlan, append([]byte(nil), payload...)})
			f.mu.Unlock()
		},
		VirtualNetworkConfig: func(_ any, nwid uint64, _ any, op hostapi.ConfigOp, config any) {
			f.mu.Lock()
			f.ConfigOps = append(f.ConfigOps, ConfigOp{nwid, op, config})
			f.mu.Unlock()
		},
		Event: func(_ any, kind hostapi.EventKind, payload any) {
			f.mu.Lock()
			f.Events = append(f.Events, Event{kind, payload})
			f.mu.Unlock()
		},
		StatePut: func(_ any, kind hostapi.StateKind, id [2]uint64, data []byte) error {
			f.mu.Lock()
			f.blobs[stateKey{kind, id}] = append([]byte(nil), data...)
			f.mu.Unlock()
			return nil
		},
		StateGet: func(_ any, kind hostapi.StateKind, id [2]uint64) ([]byte, bool) {
			f.mu.Lock()
			defer f.mu.Unlock()
			b, ok := f.blobs[stateKey{kind, id}]
			return b, ok
		},
		StateDelete: func(_ any, kind hostapi.StateKind, id [2]uint64) {
			f.mu.Lock()
			delete(f.blobs, stateKey{kind, id})
			f.mu.Unlock()
		},
		PathCheck: func(_ any, _ uint64, _ int64, _ netip.AddrPort) bool { return true },
	}
}

// LastPacket returns the most recently sent packet, if any.
func (f *FakeHost) LastPacket() (SentPacket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SentPackets) == 0 {
		return SentPacket{}, false
	}
	return f.SentPackets[len(f.SentPackets)-1], true
}

package wire

import (
	"errors"
	"sort"
	"time"

	"github.com/quietmesh/node/internal/core/tuning"
)

var (
	ErrFragmentTooLarge = errors.New("wire: fragment total exceeds 16")
	ErrDuplicateIndex   = errors.New("wire: duplicate fragment index")
)

type assembly struct {
	total    uint8
	pieces   map[uint8][]byte
	received int
	started  time.Time
}

// Reassembler buffers incoming fragments keyed by packet id, evicting
// incomplete assemblies once tuning.FragmentTTL elapses (checked
// against the caller-supplied now, never the wall clock) or the pending
// count exceeds tuning.MaxFragmentBuffers.
type Reassembler struct {
	pending map[uint64]*assembly
}

// NewReassembler builds an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[uint64]*assembly)}
}

// AddFragment stores one fragment of a multi-part packet. It returns
// the concatenated payload once every fragment 0..total-1 has arrived,
// in index order.
func (r *Reassembler) AddFragment(now time.Time, packetID uint64, index, total uint8, payload []byte) ([]byte, bool, error) {
	if total == 0 || total > 16 {
		return nil, false, ErrFragmentTooLarge
	}
	a, ok := r.pending[packetID]
	if ok && now.Sub(a.started) > tuning.FragmentTTL {
		delete(r.pending, packetID)
		ok = false
	}
	if !ok {
		if len(r.pending) >= tuning.MaxFragmentBuffers {
			r.evictOldestLocked()
		}
		a = &assembly{total: total, pieces: make(map[uint8][]byte, total), started: now}
		r.pending[packetID] = a
	}
	if _, dup := a.pieces[index]; dup {
		return nil, false, ErrDuplicateIndex
	}
	a.pieces[index] = payload
	a.received++
	if a.received < int(a.total) {
		return nil, false, nil
	}
	delete(r.pending, packetID)

	indices := make([]uint8, 0, a.total)
	for idx := range a.pieces {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var out []byte
	for _, idx := range indices {
		out = append(out, a.pieces[idx]...)
	}
	return out, true, nil
}

// evictOldestLocked drops the single oldest-started pending assembly to
// make room for a new one once tuning.MaxFragmentBuffers is reached.
func (r *Reassembler) evictOldestLocked() {
	var oldestID uint64
	var oldest time.Time
	first := true
	for id, a := range r.pending {
		if first || a.started.Before(oldest) {
			oldestID, oldest, first = id, a.started, false
		}
	}
	if !first {
		delete(r.pending, oldestID)
	}
}

// Split divides payload into chunks of at most maxChunk bytes, each
// ready to carry as a fragment body. A payload that already fits in
// one chunk returns a single-element slice.
func Split(payload []byte, maxChunk int) [][]byte {
	if len(payload) <= maxChunk {
		return [][]byte{payload}
	}
	var chunks [][]byte
	for len(payload) > 0 {
		n := maxChunk
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}

// Prune drops assemblies whose tuning.FragmentTTL has elapsed as of
// now, for callers running a periodic housekeeping pass that want to
// reclaim memory without waiting for a fragment to actually expire on
// the next AddFragment call.
func (r *Reassembler) Prune(now time.Time) {
	for id, a := range r.pending {
		if now.Sub(a.started) > tuning.FragmentTTL {
			delete(r.pending, id)
		}
	}
}

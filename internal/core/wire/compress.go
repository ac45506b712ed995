package wire

import (
	"github.com/klauspost/compress/s2"
	"github.com/quietmesh/node/internal/core/tuning"
)

// MaybeCompress runs payload through S2 when it is large enough for
// compression to be worth the CPU (tuning.CompressionThreshold), and
// only keeps the result if it actually shrank the payload. The bool
// return reports whether compression was applied.
func MaybeCompress(payload []byte) ([]byte, bool) {
	if len(payload) < tuning.CompressionThreshold {
		return payload, false
	}
	compressed := s2.Encode(nil, payload)
	if len(compressed) >= len(payload) {
		return payload, false
	}
	return compressed, true
}

// Decompress reverses MaybeCompress.
func Decompress(payload []byte) ([]byte, error) {
	return s2.Decode(nil, payload)
}

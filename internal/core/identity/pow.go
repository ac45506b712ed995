package identity

import (
	"encoding/binary"

	"github.com/pbnjay/memory"
	"lukechampine.com/blake3"
)

// The proof-of-work binds an Address to the public key it was derived
// from: computing it requires touching a scratch table too large to
// keep re-deriving cheaply, and its outcome must satisfy a fixed,
// trivially-checkable target. Generate() retries with fresh keypairs
// until a candidate satisfies proofSatisfies; verification simply
// recomputes the same pass and compares.
const (
	maxPoWWords = 1 << 17 // 1MiB of uint64 scratch at the high end
	minPoWWords = 1 << 12
	powRounds   = 2048
)

// scratchWords sizes the PoW table relative to host memory so that
// low-memory hosts (embedded gateways) still complete generation
// quickly, while capping the table so it never dominates RSS.
func scratchWords() int {
	avail := memory.TotalMemory()
	if avail == 0 {
		return maxPoWWords
	}
	words := int(avail / 512 / 8) // at most 1/512th of host RAM
	if words > maxPoWWords {
		words = maxPoWWords
	}
	if words < minPoWWords {
		words = minPoWWords
	}
	return words
}

// addressProof runs the memory-hard mixing pass over a candidate public
// key and returns the resulting digest.
func addressProof(pub []byte, words int) [32]byte {
	table := make([]uint64, words)
	seed := blake3.Sum256(pub)
	h := seed
	for i := range table {
		h = blake3.Sum256(h[:])
		table[i] = binary.LittleEndian.Uint64(h[:8])
	}

	acc := seed
	var buf [40]byte
	for round := 0; round < powRounds; round++ {
		idx := binary.LittleEndian.Uint64(acc[:8]) % uint64(len(table))
		copy(buf[:32], acc[:])
		binary.LittleEndian.PutUint64(buf[32:], table[idx])
		acc = blake3.Sum256(buf[:])
		table[idx] ^= binary.LittleEndian.Uint64(acc[:8])
	}
	return acc
}

func addressFromProof(proof [32]byte) Address {
	v := uint64(proof[0])<<32 | uint64(proof[1])<<24 | uint64(proof[2])<<16 |
		uint64(proof[3])<<8 | uint64(proof[4])
	return Address(v & AddressMask)
}

// proofSatisfies is the fixed difficulty target: the byte immediately
// after the address bytes must have a zero high nibble.
func proofSatisfies(proof [32]byte) bool {
	return proof[5]&0xf0 == 0
}

// VerifyProofOfWork recomputes the memory-hard pass for pub and reports
// whether it yields addr with a satisfying proof, i.e. whether addr was
// legitimately derived from pub rather than picked arbitrarily.
func VerifyProofOfWork(pub []byte, addr Address) bool {
	proof := addressProof(pub, scratchWords())
	return proofSatisfies(proof) && addressFromProof(proof) == addr
}

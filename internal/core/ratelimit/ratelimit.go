// Package ratelimit implements a sharded token bucket used to cap how
// often a given (peer, verb) pair may hit expensive processing, such
// as WHOIS or HELLO handling from an address that has not yet proven
// itself, without paying for a full map keyed on the pair itself.
package ratelimit

import (
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

const shardCount = 256

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is a sharded token bucket keyed by an arbitrary byte key
// (typically an address plus a verb byte). Shards are hashed with
// murmur3 to spread contention across a fixed number of locks instead
// of one per key, since the key space is unbounded but concurrent
// access is not.
type Limiter struct {
	rate  float64 // tokens per second
	burst float64

	shards [shardCount]struct {
		mu      sync.Mutex
		buckets map[uint64]*bucket
	}
}

// New builds a Limiter that refills at rate tokens/sec up to a burst
// capacity of burst tokens.
func New(rate, burst float64) *Limiter {
	l := &Limiter{rate: rate, burst: burst}
	for i := range l.shards {
		l.shards[i].buckets = make(map[uint64]*bucket)
	}
	return l
}

func shardIndex(key []byte) (int, uint64) {
	h := murmur3.Sum64(key)
	return int(h % uint64(shardCount)), h
}

// Allow consumes one token for key at time now, returning false if the
// bucket is empty.
func (l *Limiter) Allow(key []byte, now time.Time) bool {
	return l.AllowN(key, 1, now)
}

// AllowN consumes n tokens for key at time now.
func (l *Limiter) AllowN(key []byte, n float64, now time.Time) bool {
	idx, h := shardIndex(key)
	shard := &l.shards[idx]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	b, ok := shard.buckets[h]
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: now}
		shard.buckets[h] = b
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastRefill = now
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Reset removes a key's bucket, restoring it to full on next use.
func (l *Limiter) Reset(key []byte) {
	idx, h := shardIndex(key)
	shard := &l.shards[idx]
	shard.mu.Lock()
	delete(shard.buckets, h)
	shard.mu.Unlock()
}

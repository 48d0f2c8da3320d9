package service

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"quote_scanner/internal/domain"
)

const (
	DefaultMinInterval    = 100 * time.Millisecond
	DefaultCleanupHorizon = 5 * time.Minute

	dedupShards = 32
)

// Deduplicator is a per-instrument rate limiter: an event passes only when
// at least minInterval elapsed since the last accepted event of the same
// instrument. Stale entries are swept opportunistically from ShouldProcess.
type Deduplicator struct {
	minInterval time.Duration
	horizon     time.Duration

	shards      [dedupShards]dedupShard
	lastCleanup atomic.Int64 // unix nanos

	accepted atomic.Uint64
	rejected atomic.Uint64
	evicted  atomic.Uint64
}

type dedupShard struct {
	mu   sync.Mutex
	last map[domain.InstrumentKey]time.Time
}

// NewDeduplicator creates a deduplicator. Non-positive values take defaults.
func NewDeduplicator(minInterval, cleanupHorizon time.Duration) *Deduplicator {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if cleanupHorizon <= 0 {
		cleanupHorizon = DefaultCleanupHorizon
	}
	d := &Deduplicator{minInterval: minInterval, horizon: cleanupHorizon}
	for i := range d.shards {
		d.shards[i].last = make(map[domain.InstrumentKey]time.Time)
	}
	return d
}

func (d *Deduplicator) shard(key domain.InstrumentKey) *dedupShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &d.shards[h.Sum32()%dedupShards]
}

// ShouldProcess reports whether an event of key at now passes, recording now when it does.
func (d *Deduplicator) ShouldProcess(key domain.InstrumentKey, now time.Time) bool {
	d.maybeCleanup(now)

	s := d.shard(key)
	s.mu.Lock()
	last, seen := s.last[key]
	if seen && now.Sub(last) < d.minInterval {
		s.mu.Unlock()
		d.rejected.Add(1)
		return false
	}
	s.last[key] = now
	s.mu.Unlock()

	d.accepted.Add(1)
	return true
}

func (d *Deduplicator) maybeCleanup(now time.Time) {
	prev := d.lastCleanup.Load()
	if prev == 0 {
		d.lastCleanup.CompareAndSwap(0, now.UnixNano())
		return
	}
	if now.UnixNano()-prev < int64(d.horizon) {
		return
	}
	if !d.lastCleanup.CompareAndSwap(prev, now.UnixNano()) {
		return // another caller sweeps
	}
	d.Cleanup(now)
}

// Cleanup evicts entries older than the cleanup horizon and returns how many were removed.
func (d *Deduplicator) Cleanup(now time.Time) int {
	cutoff := now.Add(-d.horizon)
	removed := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		for k, t := range s.last {
			if t.Before(cutoff) {
				delete(s.last, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	d.evicted.Add(uint64(removed))
	return removed
}

// Len returns the number of tracked instruments.
func (d *Deduplicator) Len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		n += len(s.last)
		s.mu.Unlock()
	}
	return n
}

// DedupStats is a point-in-time view of the deduplicator.
type DedupStats struct {
	Tracked  int    `json:"tracked"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Evicted  uint64 `json:"evicted"`
}

// Stats returns current counters.
func (d *Deduplicator) Stats() DedupStats {
	return DedupStats{
		Tracked:  d.Len(),
		Accepted: d.accepted.Load(),
		Rejected: d.rejected.Load(),
		Evicted:  d.evicted.Load(),
	}
}

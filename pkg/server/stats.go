package server

import (
	"sync/atomic"
	"time"
)

// Stats accumulates the server's lifetime query counters. All fields
// are safe for concurrent use from the worker pool.
type Stats struct {
	total             atomic.Uint64
	blocked           atomic.Uint64
	allowed           atomic.Uint64
	cached            atomic.Uint64
	failed            atomic.Uint64
	upstream          atomic.Uint64
	sumResponseMillis atomic.Uint64
	lastQueryUnixNano atomic.Int64
}

// Snapshot is a point-in-time copy of Stats, safe to read freely.
type Snapshot struct {
	Total             uint64
	Blocked           uint64
	Allowed           uint64
	Cached            uint64
	Failed            uint64
	Upstream          uint64
	SumResponseMillis uint64
	LastQueryUnixNano int64
}

func (s *Stats) recordTotal() {
	s.total.Add(1)
	s.lastQueryUnixNano.Store(time.Now().UnixNano())
}

func (s *Stats) recordElapsed(ms int64) {
	s.sumResponseMillis.Add(uint64(ms))
}

// Snapshot returns a copy of all counters, each loaded once; counters
// updated concurrently may be read at slightly different moments.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Total:             s.total.Load(),
		Blocked:           s.blocked.Load(),
		Allowed:           s.allowed.Load(),
		Cached:            s.cached.Load(),
		Failed:            s.failed.Load(),
		Upstream:          s.upstream.Load(),
		SumResponseMillis: s.sumResponseMillis.Load(),
		LastQueryUnixNano: s.lastQueryUnixNano.Load(),
	}
}

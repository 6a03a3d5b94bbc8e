package server

import "sync"

// Stats holds the per-delegator counters SPEC_FULL.md §10 adds (spec.md
// itself specifies none, but a production daemon always exposes
// something for an operator to poll). Grounded on ron.Server's
// lock-guarded counters with a deep-copy Snapshot accessor.
type Stats struct {
	mu sync.Mutex

	fsyncCount      uint64
	bytesSynced     uint64
	readBytesServed uint64
	shortReadCount  uint64
}

// RecordFsync accounts one successful fsync call of n synced bytes.
func (s *Stats) RecordFsync(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fsyncCount++
	s.bytesSynced += n
}

// RecordRead accounts a resolved read, and whether it was short.
func (s *Stats) RecordRead(n uint64, short bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readBytesServed += n
	if short {
		s.shortReadCount++
	}
}

// Snapshot is a point-in-time copy of the counters, safe to hand to an
// RPC reply.
type Snapshot struct {
	FsyncCount      uint64
	BytesSynced     uint64
	ReadBytesServed uint64
	ShortReadCount  uint64
}

// Snapshot returns a deep copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		FsyncCount:      s.fsyncCount,
		BytesSynced:     s.bytesSynced,
		ReadBytesServed: s.readBytesServed,
		ShortReadCount:  s.shortReadCount,
	}
}

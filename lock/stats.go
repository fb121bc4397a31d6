package lock

import (
	"sync"

	"github.com/janelia-flyem/dso/dso"
)

// StatsRecorder receives lock events for statistics.
type StatsRecorder interface {
	RecordLockRequested(id dso.LockID, client dso.NodeID, thread dso.ThreadID, level Level)
	RecordLockAwarded(id dso.LockID, client dso.NodeID, thread dso.ThreadID, level Level)
	RecordLockReleased(id dso.LockID, client dso.NodeID, thread dso.ThreadID)
	RecordLockHopRequested(id dso.LockID)
	RecordLockHopped(id dso.LockID)
}

// LockStats are the counters of one lock or of all locks.
type LockStats struct {
	Requested    uint64
	Awarded      uint64
	Released     uint64
	HopRequested uint64
	Hopped       uint64
}

func (s *LockStats) add(other LockStats) {
	s.Requested += other.Requested
	s.Awarded += other.Awarded
	s.Released += other.Released
	s.HopRequested += other.HopRequested
	s.Hopped += other.Hopped
}

// Counters is a StatsRecorder keeping per-lock and total counts.
type Counters struct {
	mu    sync.Mutex
	locks map[dso.LockID]*LockStats
}

func NewCounters() *Counters {
	return &Counters{locks: make(map[dso.LockID]*LockStats)}
}

// Requires c.mu.
func (c *Counters) lockStats(id dso.LockID) *LockStats {
	s, found := c.locks[id]
	if !found {
		s = new(LockStats)
		c.locks[id] = s
	}
	return s
}

func (c *Counters) RecordLockRequested(id dso.LockID, client dso.NodeID, thread dso.ThreadID, level Level) {
	c.mu.Lock()
	c.lockStats(id).Requested++
	c.mu.Unlock()
}

func (c *Counters) RecordLockAwarded(id dso.LockID, client dso.NodeID, thread dso.ThreadID, level Level) {
	c.mu.Lock()
	c.lockStats(id).Awarded++
	c.mu.Unlock()
}

func (c *Counters) RecordLockReleased(id dso.LockID, client dso.NodeID, thread dso.ThreadID) {
	c.mu.Lock()
	c.lockStats(id).Released++
	c.mu.Unlock()
}

func (c *Counters) RecordLockHopRequested(id dso.LockID) {
	c.mu.Lock()
	c.lockStats(id).HopRequested++
	c.mu.Unlock()
}

func (c *Counters) RecordLockHopped(id dso.LockID) {
	c.mu.Lock()
	c.lockStats(id).Hopped++
	c.mu.Unlock()
}

// ForLock returns the counters of one lock.
func (c *Counters) ForLock(id dso.LockID) LockStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, found := c.locks[id]; found {
		return *s
	}
	return LockStats{}
}

// Total returns the counters summed over all locks.
func (c *Counters) Total() LockStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total LockStats
	for _, s := range c.locks {
		total.add(*s)
	}
	return total
}

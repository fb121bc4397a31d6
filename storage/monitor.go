/*
	This file implements a monitor for storage operations.  A MonitoredDB wraps a
	KeyValueDB and tallies bytes and calls, publishing per-second rates.
*/

package storage

import (
	"sync"
	"sync/atomic"
	"time"
)

// LoadStats are the storage rates over the last full second.
type LoadStats struct {
	KeyBytesReadPerSec      int64
	ValueBytesReadPerSec    int64
	ValueBytesWrittenPerSec int64
	GetsPerSec              int64
	PutsPerSec              int64
	DeletesPerSec           int64
}

// MonitoredDB is a KeyValueDB that tracks its own load.
type MonitoredDB struct {
	KeyValueDB

	// current tallies up to a second.
	keyBytesRead      int64
	valueBytesRead    int64
	valueBytesWritten int64
	gets              int64
	puts              int64
	deletes           int64

	mu   sync.RWMutex
	last LoadStats

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMonitoredDB wraps db and starts the per-second rate goroutine.  Close stops it.
func NewMonitoredDB(db KeyValueDB) *MonitoredDB {
	return newMonitoredDB(db, time.Second)
}

func newMonitoredDB(db KeyValueDB, period time.Duration) *MonitoredDB {
	m := &MonitoredDB{KeyValueDB: db, done: make(chan struct{})}
	m.wg.Add(1)
	go m.loadMonitor(period)
	return m
}

func (m *MonitoredDB) loadMonitor(period time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.publish()
		}
	}
}

func (m *MonitoredDB) publish() {
	stats := LoadStats{
		KeyBytesReadPerSec:      atomic.SwapInt64(&m.keyBytesRead, 0),
		ValueBytesReadPerSec:    atomic.SwapInt64(&m.valueBytesRead, 0),
		ValueBytesWrittenPerSec: atomic.SwapInt64(&m.valueBytesWritten, 0),
		GetsPerSec:              atomic.SwapInt64(&m.gets, 0),
		PutsPerSec:              atomic.SwapInt64(&m.puts, 0),
		DeletesPerSec:           atomic.SwapInt64(&m.deletes, 0),
	}
	m.mu.Lock()
	m.last = stats
	m.mu.Unlock()
}

// Load returns the rates measured over the last full second.
func (m *MonitoredDB) Load() LoadStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *MonitoredDB) Get(k []byte) ([]byte, error) {
	v, err := m.KeyValueDB.Get(k)
	atomic.AddInt64(&m.gets, 1)
	atomic.AddInt64(&m.keyBytesRead, int64(len(k)))
	atomic.AddInt64(&m.valueBytesRead, int64(len(v)))
	return v, err
}

func (m *MonitoredDB) Put(k, v []byte) error {
	atomic.AddInt64(&m.puts, 1)
	atomic.AddInt64(&m.valueBytesWritten, int64(len(v)))
	return m.KeyValueDB.Put(k, v)
}

func (m *MonitoredDB) Delete(k []byte) error {
	atomic.AddInt64(&m.deletes, 1)
	return m.KeyValueDB.Delete(k)
}

// NewBatch returns a batch whose puts and deletes are tallied on commit.
func (m *MonitoredDB) NewBatch() Batch {
	return &monitoredBatch{Batch: m.KeyValueDB.NewBatch(), m: m}
}

// Close stops the monitor and closes the wrapped store.
func (m *MonitoredDB) Close() {
	close(m.done)
	m.wg.Wait()
	m.KeyValueDB.Close()
}

type monitoredBatch struct {
	Batch
	m                     *MonitoredDB
	puts, deletes, nbytes int64
}

func (b *monitoredBatch) Put(k, v []byte) {
	b.puts++
	b.nbytes += int64(len(v))
	b.Batch.Put(k, v)
}

func (b *monitoredBatch) Delete(k []byte) {
	b.deletes++
	b.Batch.Delete(k)
}

func (b *monitoredBatch) Commit() error {
	atomic.AddInt64(&b.m.puts, b.puts)
	atomic.AddInt64(&b.m.deletes, b.deletes)
	atomic.AddInt64(&b.m.valueBytesWritten, b.nbytes)
	return b.Batch.Commit()
}

package storage

import (
	"testing"
	"time"
)

type mapDB map[string][]byte

func (m mapDB) Get(k []byte) ([]byte, error) { return m[string(k)], nil }
func (m mapDB) Put(k, v []byte) error        { m[string(k)] = v; return nil }
func (m mapDB) Delete(k []byte) error        { delete(m, string(k)); return nil }
func (m mapDB) ProcessPrefix(prefix []byte, keysOnly bool, f func(*KeyValue) error) error {
	return nil
}
func (m mapDB) NewBatch() Batch { return &mapBatch{db: m} }
func (m mapDB) Close()          {}
func (m mapDB) String() string  { return "map db" }

type mapBatch struct {
	db  mapDB
	ops []func()
}

func (b *mapBatch) Put(k, v []byte) { b.ops = append(b.ops, func() { b.db[string(k)] = v }) }
func (b *mapBatch) Delete(k []byte) { b.ops = append(b.ops, func() { delete(b.db, string(k)) }) }
func (b *mapBatch) Commit() error {
	for _, op := range b.ops {
		op()
	}
	return nil
}

func TestMonitoredDB(t *testing.T) {
	m := newMonitoredDB(mapDB{}, time.Hour)
	defer m.Close()

	m.Put([]byte("a"), []byte("12345"))
	m.Get([]byte("a"))
	batch := m.NewBatch()
	batch.Put([]byte("b"), []byte("xyz"))
	batch.Delete([]byte("a"))
	if err := batch.Commit(); err != nil {
		t.Fatalf("unexpected commit error: %v\n", err)
	}
	if v, _ := m.Get([]byte("b")); string(v) != "xyz" {
		t.Errorf("batch put not applied\n")
	}
	m.publish()
	load := m.Load()
	if load.PutsPerSec != 2 || load.GetsPerSec != 2 || load.DeletesPerSec != 1 || load.ValueBytesWrittenPerSec != 8 {
		t.Errorf("unexpected load %+v\n", load)
	}
	if load.ValueBytesReadPerSec != 8 {
		t.Errorf("expected 8 value bytes read, got %d\n", load.ValueBytesReadPerSec)
	}
	m.publish()
	if m.Load().PutsPerSec != 0 {
		t.Errorf("expected tallies reset after publish\n")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.NewStore(StoreConfig{Engine: "missing"}); err == nil {
		t.Errorf("expected error for unknown engine\n")
	}
	if len(r.EngineNames()) != 0 {
		t.Errorf("expected no engines\n")
	}
}

func TestConfigGetters(t *testing.T) {
	c := Config{"path": "/x", "n": int64(3), "m": 4, "b": true}
	if s, found, err := c.GetString("path"); err != nil || !found || s != "/x" {
		t.Errorf("bad string setting %q %t %v\n", s, found, err)
	}
	if n, _, err := c.GetInt("n"); err != nil || n != 3 {
		t.Errorf("bad int64 setting %d %v\n", n, err)
	}
	if n, _, err := c.GetInt("m"); err != nil || n != 4 {
		t.Errorf("bad int setting %d %v\n", n, err)
	}
	if _, _, err := c.GetBool("path"); err == nil {
		t.Errorf("expected error reading string as bool\n")
	}
	if _, found, _ := c.GetString("none"); found {
		t.Errorf("expected missing setting\n")
	}
}

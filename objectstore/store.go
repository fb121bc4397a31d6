/*
	Package objectstore holds the server-resident state of every shared object.  Objects
	live in an arena keyed by ObjectID and are mutated only by applying DNA records, each
	gated by the object's version.  Dirty objects are written behind to a storage engine
	and faulted back through a record cache when they are no longer resident.
*/
package objectstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/DmitriyVTitov/size"
	"github.com/coocood/freecache"
	"github.com/golang/groupcache/singleflight"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/storage"
)

const numObjectShards = 64

// Config sets up a Store.  Only Factory is required; without a DB the store is
// memory-only.
type Config struct {
	Factory     *StateFactory
	Monitor     InstanceMonitor
	DB          storage.KeyValueDB
	CacheBytes  int
	Compression dso.Compression
}

// Store is the managed object arena.
type Store struct {
	factory  *StateFactory
	monitor  InstanceMonitor
	db       storage.KeyValueDB
	cache    *freecache.Cache
	compress dso.Compression

	objMu [numObjectShards]sync.Mutex // serializes applies on the same object
	loads singleflight.Group

	mu      sync.RWMutex
	objects map[dso.ObjectID]*ManagedObject
	dirty   dso.ObjectIDSet
	inUse   map[dso.ObjectID]int
	roots   map[string]dso.ObjectID

	faults uint64
}

// NewStore returns a store, loading its roots from the storage engine if there is one.
func NewStore(c Config) (*Store, error) {
	if c.Factory == nil {
		return nil, fmt.Errorf("object store requires a state factory")
	}
	s := &Store{
		factory:  c.Factory,
		monitor:  c.Monitor,
		db:       c.DB,
		compress: c.Compression,
		objects:  make(map[dso.ObjectID]*ManagedObject),
		dirty:    dso.NewObjectIDSet(),
		inUse:    make(map[dso.ObjectID]int),
		roots:    make(map[string]dso.ObjectID),
	}
	if s.monitor == nil {
		s.monitor = NewInstanceCounts()
	}
	if c.CacheBytes > 0 && c.DB != nil {
		s.cache = freecache.NewCache(c.CacheBytes)
		dso.Infof("Created object record cache of ~ %d MB.\n", c.CacheBytes>>20)
	}
	if s.db != nil {
		err := s.db.ProcessPrefix(storage.ClassPrefix(storage.RootKeyClass), false, func(kv *storage.KeyValue) error {
			name, err := storage.RootNameFromKey(kv.K)
			if err != nil {
				return err
			}
			if len(kv.V) != 8 {
				return fmt.Errorf("bad root %q value of %d bytes", name, len(kv.V))
			}
			s.roots[name] = dso.ObjectID(decodeUint64(kv.V))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("unable to load roots: %v", err)
		}
	}
	return s, nil
}

// Monitor returns the instance monitor used when Apply is not given one.
func (s *Store) Monitor() InstanceMonitor {
	return s.monitor
}

// Factory returns the state factory.
func (s *Store) Factory() *StateFactory {
	return s.factory
}

func (s *Store) objectMutex(id dso.ObjectID) *sync.Mutex {
	return &s.objMu[uint64(id)%numObjectShards]
}

// get returns a resident object or faults it in from storage.
func (s *Store) get(id dso.ObjectID) (*ManagedObject, error) {
	s.mu.RLock()
	mo, found := s.objects[id]
	s.mu.RUnlock()
	if found {
		return mo, nil
	}
	if s.db == nil {
		return nil, &NoSuchObjectError{ID: id}
	}
	v, err := s.loads.Do(id.String(), func() (interface{}, error) {
		return s.fault(id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ManagedObject), nil
}

func (s *Store) fault(id dso.ObjectID) (*ManagedObject, error) {
	s.mu.RLock()
	mo, found := s.objects[id]
	s.mu.RUnlock()
	if found {
		return mo, nil
	}
	var value []byte
	var err error
	if s.cache != nil {
		value, err = s.cache.GetInt(int64(id))
		if err != nil && err != freecache.ErrNotFound {
			return nil, err
		}
	}
	if value == nil {
		if value, err = s.db.Get(storage.ObjectKey(id)); err != nil {
			return nil, err
		}
		if value == nil {
			return nil, &NoSuchObjectError{ID: id}
		}
		s.cacheRecord(id, value)
	}
	d, err := decodeRecord(value)
	if err != nil {
		return nil, fmt.Errorf("corrupt record for %s: %v", id, err)
	}
	if mo, err = s.hydrate(d); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, found := s.objects[id]; found {
		return existing, nil
	}
	s.objects[id] = mo
	s.faults++
	return mo, nil
}

func (s *Store) cacheRecord(id dso.ObjectID, value []byte) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetInt(int64(id), value, 0); err != nil {
		dso.Debugf("unable to cache record for %s: %v\n", id, err)
	}
}

// Apply applies a DNA record.  A new object, or a record declaring a version newer
// than the object's current version, is applied and true is returned.  A full record
// for an existing object replaces its state.  If isPassiveIgnore is set, a record
// that is not newer is skipped and false is returned with no error; otherwise it is
// an ordering violation and an *OutOfOrderApplyError is returned.  A delta for an
// unknown object returns a *NoSuchObjectError.
func (s *Store) Apply(d *dna.DNA, txnID dso.ServerTransactionID, info *ApplyInfo, monitor InstanceMonitor, isPassiveIgnore bool) (bool, error) {
	n, err := s.ApplyAll([]*dna.DNA{d}, txnID, info, monitor, isPassiveIgnore)
	return n == 1, err
}

// staged is an object as it will be once a transaction commits.
type staged struct {
	orig    *ManagedObject // nil if created by the transaction
	mo      *ManagedObject
	created bool
}

// ApplyAll applies the records of one transaction as a unit, as described for Apply.
// Each record is applied to a copy of its object.  If any record is rejected the
// store and info are left untouched and the error is returned; otherwise the copies
// replace the objects and the number of records applied is returned.
func (s *Store) ApplyAll(ds []*dna.DNA, txnID dso.ServerTransactionID, info *ApplyInfo, monitor InstanceMonitor, isPassiveIgnore bool) (int, error) {
	for _, d := range ds {
		if d.ObjectID.IsNull() {
			return 0, fmt.Errorf("txn %s: DNA record for null object", txnID)
		}
	}
	if monitor == nil {
		monitor = s.monitor
	}
	unlock := s.lockObjects(ds)
	defer unlock()

	var scratch *ApplyInfo
	if info != nil {
		scratch = NewApplyInfo()
	}
	work := make(map[dso.ObjectID]*staged, len(ds))
	var order []*staged
	var applied int
	for _, d := range ds {
		st, found := work[d.ObjectID]
		if !found {
			mo, err := s.get(d.ObjectID)
			switch err.(type) {
			case nil:
				st = &staged{orig: mo, mo: mo}
			case *NoSuchObjectError:
				st = &staged{}
			default:
				return 0, err
			}
		}
		next, err := s.stage(d, st, txnID, scratch, isPassiveIgnore)
		if err != nil {
			return 0, err
		}
		if next == nil {
			continue
		}
		if st.mo == nil {
			st.created = true
		}
		st.mo = next
		if !found {
			work[d.ObjectID] = st
			order = append(order, st)
		}
		if scratch != nil {
			scratch.applied = append(scratch.applied, d.ObjectID)
		}
		applied++
	}

	s.mu.Lock()
	for _, st := range order {
		if st.orig != nil {
			*st.orig = *st.mo
		} else {
			s.objects[st.mo.id] = st.mo
		}
		s.dirty.Add(st.mo.id)
	}
	s.mu.Unlock()

	for _, st := range order {
		if st.created {
			monitor.InstanceCreated(st.mo.typeName)
			if scratch != nil {
				scratch.addNew(st.mo.id)
			}
		}
	}
	if info != nil {
		info.merge(scratch)
	}
	return applied, nil
}

// stage checks d against the object's staged version and returns a copy of the
// object with d applied, or nil if a passive ignores the record.
func (s *Store) stage(d *dna.DNA, st *staged, txnID dso.ServerTransactionID, info *ApplyInfo, isPassiveIgnore bool) (*ManagedObject, error) {
	var next *ManagedObject
	switch {
	case st.mo == nil && d.IsDelta:
		if isPassiveIgnore {
			dso.Debugf("passive ignore of delta for missing %s from txn %s\n", d.ObjectID, txnID)
			return nil, nil
		}
		return nil, &NoSuchObjectError{ID: d.ObjectID}
	case st.mo == nil:
		next = newManagedObject(d, s.factory.NewState(d))
	case d.Version <= st.mo.version:
		if isPassiveIgnore {
			dso.Debugf("passive ignore of %s at version %d (current %d) from txn %s\n", d.ObjectID, d.Version, st.mo.version, txnID)
			return nil, nil
		}
		dso.Criticalf("object store: out of order apply of %s by txn %s: version %d <= current %d\n",
			d.ObjectID, txnID, d.Version, st.mo.version)
		return nil, &OutOfOrderApplyError{ID: d.ObjectID, Txn: txnID, Current: st.mo.version, Declared: d.Version}
	case d.IsDelta:
		next = st.mo.clone()
	default:
		next = st.mo.replace(d, s.factory.NewState(d))
	}

	ctx := ApplyContext{ID: d.ObjectID, Invalidating: s.factory.IsInvalidating(next.typeName)}
	if info != nil {
		ctx.Invalidations = info.Invalidations
	}
	if err := next.apply(d, ctx, info); err != nil {
		return nil, fmt.Errorf("txn %s: %v", txnID, err)
	}
	return next, nil
}

// lockObjects locks the shards of every object in ds, in shard order, and returns
// the function that unlocks them.
func (s *Store) lockObjects(ds []*dna.DNA) func() {
	var shards [numObjectShards]bool
	for _, d := range ds {
		shards[uint64(d.ObjectID)%numObjectShards] = true
	}
	var locked []*sync.Mutex
	for i, use := range shards {
		if use {
			s.objMu[i].Lock()
			locked = append(locked, &s.objMu[i])
		}
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// Contains returns true if the object exists.
func (s *Store) Contains(id dso.ObjectID) bool {
	_, err := s.get(id)
	return err == nil
}

// Version returns the current version of an object.
func (s *Store) Version(id dso.ObjectID) (int64, error) {
	mo, err := s.get(id)
	if err != nil {
		return 0, err
	}
	mu := s.objectMutex(id)
	mu.Lock()
	defer mu.Unlock()
	return mo.version, nil
}

// References returns the outbound references of an object.
func (s *Store) References(id dso.ObjectID) (dso.ObjectIDSet, error) {
	mo, err := s.get(id)
	if err != nil {
		return nil, err
	}
	mu := s.objectMutex(id)
	mu.Lock()
	defer mu.Unlock()
	return mo.References(), nil
}

// Dehydrate returns a full DNA record of an object, used to answer client faults and
// to resync passives.
func (s *Store) Dehydrate(id dso.ObjectID) (*dna.DNA, error) {
	mo, err := s.get(id)
	if err != nil {
		return nil, err
	}
	mu := s.objectMutex(id)
	mu.Lock()
	defer mu.Unlock()
	return mo.dehydrate(), nil
}

// LookupFacade returns a snapshot of at most limit fields, entries or elements of an
// object; a negative limit returns everything.  The object is not checked out, so
// the snapshot may be stale as soon as it is returned.  It is meant for inspection
// tooling, not the transaction path.
func (s *Store) LookupFacade(id dso.ObjectID, limit int) (*Facade, error) {
	mo, err := s.get(id)
	if err != nil {
		return nil, err
	}
	mu := s.objectMutex(id)
	mu.Lock()
	defer mu.Unlock()
	return mo.facade(limit), nil
}

// Checkout marks an object in use so it is treated as live by the collector until
// Release is called.
func (s *Store) Checkout(id dso.ObjectID) (*ManagedObject, error) {
	mo, err := s.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.inUse[id]++
	s.mu.Unlock()
	return mo, nil
}

// Release ends one checkout of an object.
func (s *Store) Release(id dso.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch n := s.inUse[id]; {
	case n > 1:
		s.inUse[id] = n - 1
	case n == 1:
		delete(s.inUse, id)
	default:
		dso.Errorf("object store: release of %s that is not checked out\n", id)
	}
}

// ObjectsInUse returns the objects currently checked out.
func (s *Store) ObjectsInUse() dso.ObjectIDSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := dso.NewObjectIDSet()
	for id := range s.inUse {
		ids.Add(id)
	}
	return ids
}

// AddRoot binds a root name to an object.
func (s *Store) AddRoot(name string, id dso.ObjectID) error {
	if s.db != nil {
		if err := s.db.Put(storage.RootKey(name), encodeUint64(uint64(id))); err != nil {
			return fmt.Errorf("unable to store root %q: %v", name, err)
		}
	}
	s.mu.Lock()
	s.roots[name] = id
	s.mu.Unlock()
	return nil
}

// RootID returns the object bound to a root name.
func (s *Store) RootID(name string) (dso.ObjectID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, found := s.roots[name]
	return id, found
}

// Roots returns a copy of the root bindings.
func (s *Store) Roots() map[string]dso.ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roots := make(map[string]dso.ObjectID, len(s.roots))
	for name, id := range s.roots {
		roots[name] = id
	}
	return roots
}

// RootIDs returns the objects bound to roots.
func (s *Store) RootIDs() dso.ObjectIDSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := dso.NewObjectIDSet()
	for _, id := range s.roots {
		ids.Add(id)
	}
	return ids
}

// AllObjectIDs returns every object, resident or stored.
func (s *Store) AllObjectIDs() (dso.ObjectIDSet, error) {
	s.mu.RLock()
	ids := dso.NewObjectIDSet()
	for id := range s.objects {
		ids.Add(id)
	}
	s.mu.RUnlock()
	if s.db == nil {
		return ids, nil
	}
	err := s.db.ProcessPrefix(storage.ClassPrefix(storage.ObjectKeyClass), true, func(kv *storage.KeyValue) error {
		id, err := storage.ObjectIDFromKey(kv.K)
		if err != nil {
			return err
		}
		ids.Add(id)
		return nil
	})
	return ids, err
}

// DeleteObjects removes objects from the arena, the record cache and storage.  Missing
// objects are ignored; checked out objects are skipped with a warning.  It returns
// the objects actually deleted.
func (s *Store) DeleteObjects(ids dso.ObjectIDSet) (dso.ObjectIDSet, error) {
	deleted := dso.NewObjectIDSet()
	var batch storage.Batch
	if s.db != nil {
		batch = s.db.NewBatch()
	}
	for _, id := range ids.Sorted() {
		mo, err := s.get(id)
		if err != nil {
			if _, missing := err.(*NoSuchObjectError); missing {
				continue
			}
			return deleted, err
		}
		mu := s.objectMutex(id)
		mu.Lock()
		s.mu.Lock()
		if s.inUse[id] > 0 {
			s.mu.Unlock()
			mu.Unlock()
			dso.Warningf("object store: not deleting %s which is checked out\n", id)
			continue
		}
		delete(s.objects, id)
		s.dirty.Remove(id)
		s.mu.Unlock()
		mu.Unlock()

		if s.cache != nil {
			s.cache.DelInt(int64(id))
		}
		if batch != nil {
			batch.Delete(storage.ObjectKey(id))
		}
		s.monitor.InstanceDestroyed(mo.typeName)
		deleted.Add(id)
	}
	if batch != nil {
		if err := batch.Commit(); err != nil {
			return deleted, fmt.Errorf("unable to delete objects from storage: %v", err)
		}
	}
	return deleted, nil
}

// Flush writes every dirty object to the storage engine and clears the dirty and new
// flags.
func (s *Store) Flush() error {
	s.mu.Lock()
	ids := s.dirty
	s.dirty = dso.NewObjectIDSet()
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	var batch storage.Batch
	if s.db != nil {
		batch = s.db.NewBatch()
	}
	for _, id := range ids.Sorted() {
		s.mu.RLock()
		mo, found := s.objects[id]
		s.mu.RUnlock()
		if !found {
			continue
		}
		mu := s.objectMutex(id)
		mu.Lock()
		d := mo.dehydrate()
		mo.dirty = false
		mo.isNew = false
		mu.Unlock()
		if batch == nil {
			continue
		}
		value, err := encodeRecord(d, s.compress)
		if err != nil {
			return fmt.Errorf("unable to encode %s: %v", id, err)
		}
		batch.Put(storage.ObjectKey(id), value)
		s.cacheRecord(id, value)
	}
	if batch != nil {
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("unable to flush %d objects: %v", len(ids), err)
		}
	}
	return nil
}

// Evict drops a clean, unused object from the arena so it is faulted back from storage
// on its next use.  It returns false if the object cannot be evicted.
func (s *Store) Evict(id dso.ObjectID) bool {
	if s.db == nil {
		return false
	}
	mu := s.objectMutex(id)
	mu.Lock()
	defer mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	mo, found := s.objects[id]
	if !found || mo.dirty || s.inUse[id] > 0 {
		return false
	}
	delete(s.objects, id)
	return true
}

// Stats are counters exposed for monitoring.
type Stats struct {
	Resident     int
	Dirty        int
	InUse        int
	Roots        int
	Faults       uint64
	CacheEntries int64
	CacheHits    int64
	CacheMisses  int64
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	stats := Stats{
		Resident: len(s.objects),
		Dirty:    len(s.dirty),
		InUse:    len(s.inUse),
		Roots:    len(s.roots),
		Faults:   s.faults,
	}
	s.mu.RUnlock()
	if s.cache != nil {
		stats.CacheEntries = s.cache.EntryCount()
		stats.CacheHits = s.cache.HitCount()
		stats.CacheMisses = s.cache.MissCount()
	}
	return stats
}

// MemoryEstimate returns an estimate in bytes of the resident objects.
func (s *Store) MemoryEstimate() int {
	s.mu.RLock()
	objects := make([]*ManagedObject, 0, len(s.objects))
	for _, mo := range s.objects {
		objects = append(objects, mo)
	}
	s.mu.RUnlock()
	var total int
	for _, mo := range objects {
		mu := s.objectMutex(mo.id)
		mu.Lock()
		total += size.Of(mo)
		mu.Unlock()
	}
	return total
}

// Close flushes dirty objects.  The storage engine is owned by the caller.
func (s *Store) Close() error {
	return s.Flush()
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

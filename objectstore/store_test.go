package objectstore

import (
	"errors"
	"reflect"
	"testing"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/storage"
	"github.com/janelia-flyem/dso/storage/badger"
)

var testTxn = dso.NewServerTransactionID(dso.ClientID(1), 1)

func newTestStore(t *testing.T, db storage.KeyValueDB) *Store {
	factory := NewStateFactory()
	factory.Register("HashMap", MapState)
	factory.Register("ArrayList", ListState)
	factory.Register("Integer", LiteralState)
	factory.RegisterInvalidating("ServerMap")
	s, err := NewStore(Config{Factory: factory, DB: db, CacheBytes: 1 << 20, Compression: dso.Snappy})
	if err != nil {
		t.Fatalf("unable to create store: %v\n", err)
	}
	return s
}

func openTestDB(t *testing.T) storage.KeyValueDB {
	db, _, err := storage.NewRegistry(badger.NewEngine()).NewStore(badger.TestConfig())
	if err != nil {
		t.Fatalf("unable to open test badger: %v\n", err)
	}
	return db
}

func person(id dso.ObjectID, version int64, name string, friend dso.ObjectID) *dna.DNA {
	d := dna.NewFull(id, "Person", version)
	return d.Add(dna.Physical("name", name), dna.Physical("friend", friend))
}

func TestVersionGate(t *testing.T) {
	s := newTestStore(t, nil)

	applied, err := s.Apply(person(1, 1, "alice", 0), testTxn, nil, nil, false)
	if err != nil || !applied {
		t.Fatalf("expected new object to apply, got %t, %v\n", applied, err)
	}

	// A second client declaring the same version is an ordering violation.
	stale := dna.NewDelta(1, "Person", 1).Add(dna.Physical("name", "bob"))
	otherTxn := dso.NewServerTransactionID(dso.ClientID(2), 1)
	applied, err = s.Apply(stale, otherTxn, nil, nil, false)
	var oooErr *OutOfOrderApplyError
	if applied || !errors.As(err, &oooErr) {
		t.Fatalf("expected out of order apply error, got %t, %v\n", applied, err)
	}
	if oooErr.Current != 1 || oooErr.Declared != 1 || oooErr.Txn != otherTxn {
		t.Errorf("unexpected error contents: %+v\n", oooErr)
	}
	f, err := s.LookupFacade(1, -1)
	if err != nil {
		t.Fatalf("facade error: %v\n", err)
	}
	if f.Fields["name"] != "alice" {
		t.Errorf("rejected apply changed state: %v\n", f.Fields)
	}

	// Passive catch-up of an already applied version is a successful no-op.
	applied, err = s.Apply(stale, otherTxn, nil, nil, true)
	if err != nil || applied {
		t.Errorf("expected passive ignore to skip without error, got %t, %v\n", applied, err)
	}

	newer := dna.NewDelta(1, "Person", 5).Add(dna.Physical("name", "carol"))
	if applied, err = s.Apply(newer, testTxn, nil, nil, false); err != nil || !applied {
		t.Fatalf("expected newer version to apply, got %t, %v\n", applied, err)
	}
	if v, _ := s.Version(1); v != 5 {
		t.Errorf("expected version 5, got %d\n", v)
	}
	older := dna.NewDelta(1, "Person", 4).Add(dna.Physical("name", "dave"))
	if _, err = s.Apply(older, testTxn, nil, nil, false); !errors.As(err, &oooErr) {
		t.Errorf("expected version 4 after 5 to be rejected, got %v\n", err)
	}
}

func TestDeltaForMissingObject(t *testing.T) {
	s := newTestStore(t, nil)
	d := dna.NewDelta(9, "Person", 2).Add(dna.Physical("name", "x"))
	_, err := s.Apply(d, testTxn, nil, nil, false)
	var noObj *NoSuchObjectError
	if !errors.As(err, &noObj) || noObj.ID != 9 {
		t.Errorf("expected no such object error for 9, got %v\n", err)
	}
	if applied, err := s.Apply(d, testTxn, nil, nil, true); applied || err != nil {
		t.Errorf("expected passive ignore of missing delta, got %t, %v\n", applied, err)
	}
	if _, err := s.LookupFacade(9, 10); !errors.As(err, &noObj) {
		t.Errorf("expected no such object from facade, got %v\n", err)
	}
}

func TestApplyInfo(t *testing.T) {
	s := newTestStore(t, nil)
	monitor := NewInstanceCounts()
	info := NewApplyInfo()

	if _, err := s.Apply(person(1, 1, "alice", 2), testTxn, info, monitor, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	if _, err := s.Apply(person(2, 1, "bob", 0), testTxn, info, monitor, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	if !info.IsNew(1) || !info.IsNew(2) || len(info.NewObjects()) != 2 {
		t.Errorf("expected 1 and 2 to be new, got %v\n", info.NewObjects())
	}
	if parents := info.Parents(2); !parents.Contains(1) || len(parents) != 1 {
		t.Errorf("expected back reference 2 <- 1, got %v\n", parents)
	}
	if !reflect.DeepEqual(info.Applied(), []dso.ObjectID{1, 2}) {
		t.Errorf("unexpected applied order %v\n", info.Applied())
	}
	refs, err := s.References(1)
	if err != nil || !refs.Contains(2) || len(refs) != 1 {
		t.Errorf("expected 1 to reference only 2, got %v (%v)\n", refs, err)
	}

	// Re-pointing a field only records the new reference.
	info = NewApplyInfo()
	d := dna.NewDelta(1, "Person", 2).Add(dna.Physical("friend", dso.ObjectID(3)))
	if _, err := s.Apply(d, testTxn, info, monitor, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	if len(info.NewObjects()) != 0 {
		t.Errorf("expected no new objects, got %v\n", info.NewObjects())
	}
	if !info.ReferencedChildren().Contains(3) || info.ReferencedChildren().Contains(2) {
		t.Errorf("unexpected back references %v\n", info.ReferencedChildren())
	}
	if refs, _ = s.References(1); refs.Contains(2) || !refs.Contains(3) {
		t.Errorf("references not recomputed: %v\n", refs)
	}
	counts := monitor.Counts()
	if counts["Person"].Created != 2 || counts["Person"].Live != 2 {
		t.Errorf("unexpected instance counts %+v\n", counts)
	}
}

func TestMapInvalidations(t *testing.T) {
	s := newTestStore(t, nil)
	info := NewApplyInfo()
	m := dna.NewFull(50, "ServerMap", 1).Add(
		dna.Logical(dna.MethodPut, "a", dso.ObjectID(10)),
		dna.Logical(dna.MethodPut, "b", dso.ObjectID(11)),
	)
	if _, err := s.Apply(m, testTxn, info, nil, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	if !info.Invalidations.IsEmpty() {
		t.Errorf("expected no invalidations on creation, got %v\n", info.Invalidations)
	}

	info = NewApplyInfo()
	delta := dna.NewDelta(50, "ServerMap", 2).Add(
		dna.Logical(dna.MethodPut, "a", dso.ObjectID(12)),
		dna.Logical(dna.MethodRemove, "b"),
	)
	if _, err := s.Apply(delta, testTxn, info, nil, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	stale := info.Invalidations[50]
	if len(stale) != 2 || !stale.Contains(10) || !stale.Contains(11) {
		t.Errorf("expected 10 and 11 invalidated through 50, got %v\n", info.Invalidations)
	}

	// Ordinary maps do not invalidate.
	info = NewApplyInfo()
	h := dna.NewFull(60, "HashMap", 1).Add(dna.Logical(dna.MethodPut, "a", dso.ObjectID(10)))
	s.Apply(h, testTxn, info, nil, false)
	h = dna.NewDelta(60, "HashMap", 2).Add(dna.Logical(dna.MethodClear))
	s.Apply(h, testTxn, info, nil, false)
	if !info.Invalidations.IsEmpty() {
		t.Errorf("expected no invalidations from a plain map, got %v\n", info.Invalidations)
	}
}

func TestStateKinds(t *testing.T) {
	s := newTestStore(t, nil)
	list := dna.NewFull(1, "ArrayList", 1).Add(
		dna.Logical(dna.MethodAdd, "a"),
		dna.Logical(dna.MethodAdd, "c"),
		dna.Logical(dna.MethodAddAt, int32(1), "b"),
		dna.Logical(dna.MethodAdd, dso.ObjectID(7)),
		dna.Logical(dna.MethodSet, int32(0), "z"),
		dna.Logical(dna.MethodRemove, "c"),
	)
	arr := dna.NewFull(2, "[I", 1)
	arr.ArrayLength = 3
	arr.Add(dna.ArrayElement(2, int32(9)), dna.ArrayElement(0, dso.ObjectID(1)))
	lit := dna.NewFull(3, "Integer", 1).Add(dna.Physical(LiteralField, int32(42)))
	for _, d := range []*dna.DNA{list, arr, lit} {
		if _, err := s.Apply(d, testTxn, nil, nil, false); err != nil {
			t.Fatalf("unable to apply %s: %v\n", d, err)
		}
	}

	tests := []struct {
		id       dso.ObjectID
		kind     StateKind
		elements []interface{}
		fields   map[string]interface{}
	}{
		{1, ListState, []interface{}{"z", "b", dso.ObjectID(7)}, nil},
		{2, ArrayState, []interface{}{dso.ObjectID(1), nil, int32(9)}, nil},
		{3, LiteralState, nil, map[string]interface{}{LiteralField: int32(42)}},
	}
	for _, tc := range tests {
		f, err := s.LookupFacade(tc.id, -1)
		if err != nil {
			t.Fatalf("facade of %s: %v\n", tc.id, err)
		}
		if f.Kind != tc.kind.String() {
			t.Errorf("object %s: expected kind %s, got %s\n", tc.id, tc.kind, f.Kind)
		}
		if !reflect.DeepEqual(f.Elements, tc.elements) {
			t.Errorf("object %s: expected elements %v, got %v\n", tc.id, tc.elements, f.Elements)
		}
		if tc.fields != nil && !reflect.DeepEqual(f.Fields, tc.fields) {
			t.Errorf("object %s: expected fields %v, got %v\n", tc.id, tc.fields, f.Fields)
		}
	}

	bad := dna.NewDelta(2, "[I", 2).Add(dna.ArrayElement(3, int32(1)))
	if _, err := s.Apply(bad, testTxn, nil, nil, false); err == nil {
		t.Errorf("expected out of range array index to fail\n")
	}
	bad = dna.NewDelta(1, "ArrayList", 2).Add(dna.Logical(dna.MethodPut, "k", "v"))
	if _, err := s.Apply(bad, testTxn, nil, nil, false); err == nil {
		t.Errorf("expected map method on list to fail\n")
	}
}

func TestFullRecordReplaces(t *testing.T) {
	s := newTestStore(t, nil)
	list := dna.NewFull(1, "ArrayList", 1).Add(dna.Logical(dna.MethodAdd, "x"))
	m := dna.NewFull(2, "HashMap", 1).Add(
		dna.Logical(dna.MethodPut, "a", int32(1)),
		dna.Logical(dna.MethodPut, "b", int32(2)),
	)
	p := person(3, 1, "alice", 2)
	for _, d := range []*dna.DNA{list, m, p} {
		if _, err := s.Apply(d, testTxn, nil, nil, false); err != nil {
			t.Fatalf("unable to apply %s: %v\n", d, err)
		}
	}

	// A resync sends full records of the current state at a newer version.
	list = dna.NewFull(1, "ArrayList", 2).Add(dna.Logical(dna.MethodAdd, "x"), dna.Logical(dna.MethodAdd, "y"))
	m = dna.NewFull(2, "HashMap", 2).Add(dna.Logical(dna.MethodPut, "a", int32(1)))
	p = dna.NewFull(3, "Person", 2).Add(dna.Physical("name", "alice"))
	for _, d := range []*dna.DNA{list, m, p} {
		if applied, err := s.Apply(d, testTxn, nil, nil, true); err != nil || !applied {
			t.Fatalf("full record for %s not applied: %t, %v\n", d.ObjectID, applied, err)
		}
	}

	f, err := s.LookupFacade(1, -1)
	if err != nil {
		t.Fatalf("facade error: %v\n", err)
	}
	if !reflect.DeepEqual(f.Elements, []interface{}{"x", "y"}) {
		t.Errorf("expected list [x y], got %v\n", f.Elements)
	}
	if f, err = s.LookupFacade(2, -1); err != nil {
		t.Fatalf("facade error: %v\n", err)
	}
	if len(f.Entries) != 1 || f.Entries[0].Key != "a" {
		t.Errorf("expected map {a}, got %v\n", f.Entries)
	}
	if refs, _ := s.References(3); len(refs) != 0 {
		t.Errorf("replaced object kept old references: %v\n", refs)
	}
	if v, _ := s.Version(2); v != 2 {
		t.Errorf("expected version 2, got %d\n", v)
	}
}

func TestApplyAllAtomic(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Apply(person(1, 1, "alice", 0), testTxn, nil, nil, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	if _, err := s.Apply(person(2, 3, "bob", 0), testTxn, nil, nil, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	monitor := NewInstanceCounts()
	info := NewApplyInfo()

	// The second record is stale, so neither the first change nor the new object stick.
	changes := []*dna.DNA{
		dna.NewDelta(1, "Person", 2).Add(dna.Physical("name", "changed"), dna.Physical("friend", dso.ObjectID(9))),
		person(9, 1, "new", 0),
		dna.NewDelta(2, "Person", 2).Add(dna.Physical("name", "stale")),
	}
	n, err := s.ApplyAll(changes, testTxn, info, monitor, false)
	var oooErr *OutOfOrderApplyError
	if n != 0 || !errors.As(err, &oooErr) {
		t.Fatalf("expected stale record to reject the whole set, got %d, %v\n", n, err)
	}
	if v, _ := s.Version(1); v != 1 {
		t.Errorf("rejected set moved object 1 to version %d\n", v)
	}
	if f, _ := s.LookupFacade(1, -1); f.Fields["name"] != "alice" {
		t.Errorf("rejected set changed object 1: %v\n", f.Fields)
	}
	if s.Contains(9) {
		t.Errorf("rejected set created object 9\n")
	}
	if len(info.Applied()) != 0 || len(info.NewObjects()) != 0 || len(info.ReferencedChildren()) != 0 {
		t.Errorf("rejected set left apply info behind: %v %v\n", info.Applied(), info.NewObjects())
	}
	if counts := monitor.Counts(); counts["Person"].Created != 0 {
		t.Errorf("rejected set counted a created instance: %+v\n", counts)
	}

	// A failing action after a good one in the same record leaves the list alone.
	list := dna.NewFull(5, "ArrayList", 1).Add(dna.Logical(dna.MethodAdd, "a"))
	if _, err := s.Apply(list, testTxn, nil, nil, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	bad := dna.NewDelta(5, "ArrayList", 2).Add(
		dna.Logical(dna.MethodAdd, "b"),
		dna.Logical(dna.MethodRemoveAt, int32(7)),
	)
	if _, err := s.Apply(bad, testTxn, nil, nil, false); err == nil {
		t.Fatalf("expected out of range remove to fail\n")
	}
	if f, _ := s.LookupFacade(5, -1); !reflect.DeepEqual(f.Elements, []interface{}{"a"}) || f.Version != 1 {
		t.Errorf("failed record partly applied: %v at version %d\n", f.Elements, f.Version)
	}

	// Two records for one object in a set apply in order.
	changes = []*dna.DNA{
		dna.NewDelta(1, "Person", 2).Add(dna.Physical("name", "b")),
		dna.NewDelta(1, "Person", 3).Add(dna.Physical("name", "c")),
	}
	if n, err := s.ApplyAll(changes, testTxn, nil, nil, false); n != 2 || err != nil {
		t.Fatalf("expected both records applied, got %d, %v\n", n, err)
	}
	if f, _ := s.LookupFacade(1, -1); f.Fields["name"] != "c" || f.Version != 3 {
		t.Errorf("expected name c at version 3, got %v at %d\n", f.Fields, f.Version)
	}
}

func TestLookupFacadeLimit(t *testing.T) {
	s := newTestStore(t, nil)
	d := dna.NewFull(1, "HashMap", 1)
	for i := 0; i < 10; i++ {
		d.Add(dna.Logical(dna.MethodPut, int32(i), dso.ObjectID(100+i)))
	}
	if _, err := s.Apply(d, testTxn, nil, nil, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	f, err := s.LookupFacade(1, 3)
	if err != nil {
		t.Fatalf("facade error: %v\n", err)
	}
	if len(f.Entries) != 3 || !f.Truncated || f.Size != 10 {
		t.Errorf("expected 3 of 10 entries, got %d of %d (truncated %t)\n", len(f.Entries), f.Size, f.Truncated)
	}
	if f.Entries[0].Key != int32(0) || f.Entries[0].Value != dso.ObjectID(100) {
		t.Errorf("unexpected first entry %+v\n", f.Entries[0])
	}
	if len(f.References) != 10 {
		t.Errorf("expected 10 references, got %d\n", len(f.References))
	}
}

func TestDehydrate(t *testing.T) {
	s := newTestStore(t, nil)
	m := dna.NewFull(5, "HashMap", 3).Add(
		dna.Logical(dna.MethodPut, []byte("k1"), "v1"),
		dna.Logical(dna.MethodPut, "k2", dso.ObjectID(6)),
	)
	m.Loader = "standard"
	m.ParentID = 4
	if _, err := s.Apply(m, testTxn, nil, nil, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	d, err := s.Dehydrate(5)
	if err != nil {
		t.Fatalf("dehydrate error: %v\n", err)
	}
	if !reflect.DeepEqual(d, m) {
		t.Errorf("dehydrated record differs:\n  got %+v\n want %+v\n", d, m)
	}
}

func TestPersistence(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	s := newTestStore(t, db)
	if _, err := s.Apply(person(1, 1, "alice", 2), testTxn, nil, nil, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	if _, err := s.Apply(person(2, 1, "bob", 0), testTxn, nil, nil, false); err != nil {
		t.Fatalf("apply error: %v\n", err)
	}
	if err := s.AddRoot("people", 1); err != nil {
		t.Fatalf("add root error: %v\n", err)
	}
	if s.Evict(1) {
		t.Fatalf("dirty object should not be evictable\n")
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush error: %v\n", err)
	}
	if stats := s.Stats(); stats.Dirty != 0 || stats.Resident != 2 {
		t.Errorf("unexpected stats after flush: %+v\n", stats)
	}
	if !s.Evict(1) {
		t.Fatalf("expected clean object to be evicted\n")
	}
	f, err := s.LookupFacade(1, -1)
	if err != nil {
		t.Fatalf("unable to fault evicted object: %v\n", err)
	}
	if f.Fields["name"] != "alice" || f.IsDirty || f.IsNew || f.Version != 1 {
		t.Errorf("unexpected faulted object %+v\n", f)
	}
	if s.Stats().Faults != 1 {
		t.Errorf("expected one fault, got %d\n", s.Stats().Faults)
	}

	// A second store over the same engine sees the flushed objects and roots.
	s2 := newTestStore(t, db)
	if id, found := s2.RootID("people"); !found || id != 1 {
		t.Errorf("expected root people -> 1, got %s (%t)\n", id, found)
	}
	all, err := s2.AllObjectIDs()
	if err != nil || len(all) != 2 || !all.Contains(1) || !all.Contains(2) {
		t.Errorf("expected objects 1 and 2, got %v (%v)\n", all, err)
	}
	d := dna.NewDelta(2, "Person", 2).Add(dna.Physical("name", "robert"))
	if _, err := s2.Apply(d, testTxn, nil, nil, false); err != nil {
		t.Errorf("apply to faulted object failed: %v\n", err)
	}
	d = dna.NewDelta(2, "Person", 2).Add(dna.Physical("name", "bobby"))
	var oooErr *OutOfOrderApplyError
	if _, err := s2.Apply(d, testTxn, nil, nil, false); !errors.As(err, &oooErr) {
		t.Errorf("expected stored version to gate applies, got %v\n", err)
	}
}

func TestDeleteAndCheckout(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	s := newTestStore(t, db)
	monitor := s.Monitor().(*InstanceCounts)
	for id := dso.ObjectID(1); id <= 3; id++ {
		if _, err := s.Apply(person(id, 1, "p", 0), testTxn, nil, nil, false); err != nil {
			t.Fatalf("apply error: %v\n", err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush error: %v\n", err)
	}
	if _, err := s.Checkout(2); err != nil {
		t.Fatalf("checkout error: %v\n", err)
	}
	if inUse := s.ObjectsInUse(); !inUse.Contains(2) || len(inUse) != 1 {
		t.Errorf("expected 2 in use, got %v\n", inUse)
	}
	deleted, err := s.DeleteObjects(dso.NewObjectIDSet(1, 2, 99))
	if err != nil {
		t.Fatalf("delete error: %v\n", err)
	}
	if len(deleted) != 1 || !deleted.Contains(1) {
		t.Errorf("expected only 1 deleted, got %v\n", deleted)
	}
	if s.Contains(1) {
		t.Errorf("deleted object still present\n")
	}
	if v, _ := db.Get(storage.ObjectKey(1)); v != nil {
		t.Errorf("deleted object still stored\n")
	}
	s.Release(2)
	if len(s.ObjectsInUse()) != 0 {
		t.Errorf("expected nothing in use after release\n")
	}
	if counts := monitor.Counts()["Person"]; counts.Created != 3 || counts.Destroyed != 1 || counts.Live != 2 {
		t.Errorf("unexpected instance counts %+v\n", counts)
	}
	if s.MemoryEstimate() <= 0 {
		t.Errorf("expected a positive memory estimate\n")
	}
}

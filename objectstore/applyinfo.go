package objectstore

import (
	"sort"

	"github.com/janelia-flyem/dso/dso"
)

// Invalidations maps a collection object to the objects whose cached copies are stale
// because of changes to that collection.
type Invalidations map[dso.ObjectID]dso.ObjectIDSet

// NewInvalidations returns an empty set of invalidations.
func NewInvalidations() Invalidations {
	return make(Invalidations)
}

// Add records that id, held through the collection mapID, is stale.
func (inv Invalidations) Add(mapID, id dso.ObjectID) {
	set, found := inv[mapID]
	if !found {
		set = dso.NewObjectIDSet()
		inv[mapID] = set
	}
	set.Add(id)
}

// AddAll merges other into inv.
func (inv Invalidations) AddAll(other Invalidations) {
	for mapID, ids := range other {
		for id := range ids {
			inv.Add(mapID, id)
		}
	}
}

func (inv Invalidations) IsEmpty() bool {
	return len(inv) == 0
}

// MapIDs returns the invalidated collections in ascending order.
func (inv Invalidations) MapIDs() []dso.ObjectID {
	ids := make([]dso.ObjectID, 0, len(inv))
	for id := range inv {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ObjectIDs returns every invalidated object across all collections.
func (inv Invalidations) ObjectIDs() dso.ObjectIDSet {
	all := dso.NewObjectIDSet()
	for _, ids := range inv {
		all.AddAll(ids)
	}
	return all
}

// Clear empties the invalidations once they have been broadcast.
func (inv Invalidations) Clear() {
	for id := range inv {
		delete(inv, id)
	}
}

// ApplyInfo collects what applying a transaction did beyond mutating objects: newly
// created objects, references added from a parent to a child, and invalidations.
// It is filled by Store.ApplyAll and consumed by the transaction manager when pruning
// the changes forwarded to each client.
type ApplyInfo struct {
	Invalidations Invalidations

	newObjects dso.ObjectIDSet
	backRefs   map[dso.ObjectID]dso.ObjectIDSet // child -> parents
	applied    []dso.ObjectID
}

func NewApplyInfo() *ApplyInfo {
	return &ApplyInfo{
		Invalidations: NewInvalidations(),
		newObjects:    dso.NewObjectIDSet(),
		backRefs:      make(map[dso.ObjectID]dso.ObjectIDSet),
	}
}

// AddBackReference records that parent gained a reference to child.
func (ai *ApplyInfo) AddBackReference(child, parent dso.ObjectID) {
	parents, found := ai.backRefs[child]
	if !found {
		parents = dso.NewObjectIDSet()
		ai.backRefs[child] = parents
	}
	parents.Add(parent)
}

// Parents returns the objects that gained a reference to child.
func (ai *ApplyInfo) Parents(child dso.ObjectID) dso.ObjectIDSet {
	return ai.backRefs[child]
}

// ReferencedChildren returns every object that gained a new referrer.
func (ai *ApplyInfo) ReferencedChildren() dso.ObjectIDSet {
	children := dso.NewObjectIDSet()
	for id := range ai.backRefs {
		children.Add(id)
	}
	return children
}

// merge adds everything other recorded to ai.
func (ai *ApplyInfo) merge(other *ApplyInfo) {
	ai.Invalidations.AddAll(other.Invalidations)
	ai.newObjects.AddAll(other.newObjects)
	for child, parents := range other.backRefs {
		for parent := range parents {
			ai.AddBackReference(child, parent)
		}
	}
	ai.applied = append(ai.applied, other.applied...)
}

func (ai *ApplyInfo) addNew(id dso.ObjectID) {
	ai.newObjects.Add(id)
}

// IsNew returns true if the object was created by this apply.
func (ai *ApplyInfo) IsNew(id dso.ObjectID) bool {
	return ai.newObjects.Contains(id)
}

// NewObjects returns the objects created by this apply.
func (ai *ApplyInfo) NewObjects() dso.ObjectIDSet {
	return ai.newObjects.Copy()
}

// Applied returns the objects whose DNA was applied, in application order.
func (ai *ApplyInfo) Applied() []dso.ObjectID {
	return ai.applied
}

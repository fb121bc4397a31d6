package objectstore

import (
	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
)

// ManagedObject is the server-side representation of one shared object.  Outbound
// references are kept as ObjectIDs; objects never point at each other directly.
// Fields are guarded by the store's per-object mutex.
type ManagedObject struct {
	id       dso.ObjectID
	typeName string
	loader   string
	parent   dso.ObjectID
	version  int64
	isNew    bool
	dirty    bool
	refs     dso.ObjectIDSet
	state    State
}

func newManagedObject(d *dna.DNA, state State) *ManagedObject {
	return &ManagedObject{
		id:       d.ObjectID,
		typeName: d.TypeName,
		loader:   d.Loader,
		isNew:    true,
		refs:     dso.NewObjectIDSet(),
		state:    state,
	}
}

func (mo *ManagedObject) ID() dso.ObjectID     { return mo.id }
func (mo *ManagedObject) TypeName() string     { return mo.typeName }
func (mo *ManagedObject) Version() int64       { return mo.version }
func (mo *ManagedObject) IsNew() bool          { return mo.isNew }
func (mo *ManagedObject) IsDirty() bool        { return mo.dirty }
func (mo *ManagedObject) Kind() StateKind      { return mo.state.Kind() }
func (mo *ManagedObject) Parent() dso.ObjectID { return mo.parent }

// References returns a copy of the object's outbound references.
func (mo *ManagedObject) References() dso.ObjectIDSet {
	return mo.refs.Copy()
}

// clone returns a copy of the object whose state can be changed independently.
func (mo *ManagedObject) clone() *ManagedObject {
	c := *mo
	c.state = mo.state.Clone()
	return &c
}

// replace returns a copy of the object with its state reset for the full record d.
func (mo *ManagedObject) replace(d *dna.DNA, state State) *ManagedObject {
	c := *mo
	c.typeName = d.TypeName
	c.state = state
	return &c
}

// apply runs the record's actions against the state, then recomputes the reference
// set and records references that were not present before.
func (mo *ManagedObject) apply(d *dna.DNA, ctx ApplyContext, info *ApplyInfo) error {
	for _, a := range d.Actions {
		if err := mo.state.Apply(ctx, a); err != nil {
			return err
		}
	}
	if !d.ParentID.IsNull() {
		mo.parent = d.ParentID
	}
	if d.Loader != "" {
		mo.loader = d.Loader
	}
	refs := mo.state.References()
	if !mo.parent.IsNull() {
		refs.Add(mo.parent)
	}
	if info != nil {
		for id := range refs {
			if !mo.refs.Contains(id) {
				info.AddBackReference(id, mo.id)
			}
		}
	}
	mo.refs = refs
	mo.version = d.Version
	mo.dirty = true
	return nil
}

// dehydrate returns a full DNA record of the object's current state.
func (mo *ManagedObject) dehydrate() *dna.DNA {
	d := dna.NewFull(mo.id, mo.typeName, mo.version)
	d.Loader = mo.loader
	d.ParentID = mo.parent
	mo.state.Dehydrate(d)
	return d
}

// Facade is a read-only snapshot of a managed object for inspection.
type Facade struct {
	ID          dso.ObjectID
	TypeName    string
	Kind        string
	Version     int64
	IsNew       bool
	IsDirty     bool
	Parent      dso.ObjectID
	Size        int
	ArrayLength int
	Fields      map[string]interface{}
	Entries     []FacadeEntry
	Elements    []interface{}
	References  []dso.ObjectID
	Truncated   bool
}

// FacadeEntry is one map entry of a Facade.
type FacadeEntry struct {
	Key   interface{}
	Value interface{}
}

func (mo *ManagedObject) facade(limit int) *Facade {
	f := &Facade{
		ID:         mo.id,
		TypeName:   mo.typeName,
		Kind:       mo.state.Kind().String(),
		Version:    mo.version,
		IsNew:      mo.isNew,
		IsDirty:    mo.dirty,
		Parent:     mo.parent,
		Size:       mo.state.Len(),
		References: mo.refs.Sorted(),
	}
	mo.state.Facade(f, limit)
	return f
}

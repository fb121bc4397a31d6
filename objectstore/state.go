/*
	This file holds the managed object state kinds and the factory choosing between them.
	A state is the type-specific part of a managed object: fields for ordinary objects,
	entries for maps, elements for lists and arrays, and a single value for literals.
*/

package objectstore

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
)

// StateKind selects the representation of a managed object's state.
type StateKind uint8

const (
	PhysicalState StateKind = iota + 1
	MapState
	ListState
	ArrayState
	LiteralState
)

func (k StateKind) String() string {
	switch k {
	case PhysicalState:
		return "physical"
	case MapState:
		return "map"
	case ListState:
		return "list"
	case ArrayState:
		return "array"
	case LiteralState:
		return "literal"
	default:
		return fmt.Sprintf("unknown state kind %d", uint8(k))
	}
}

// LiteralField is the field name under which a literal object's value travels.
const LiteralField = "value"

// ApplyContext is passed to a state as each action is applied.
type ApplyContext struct {
	ID            dso.ObjectID
	Invalidating  bool
	Invalidations Invalidations
}

func (ctx ApplyContext) invalidate(v interface{}) {
	if !ctx.Invalidating || ctx.Invalidations == nil {
		return
	}
	if id, ok := dna.ReferenceOf(v); ok {
		ctx.Invalidations.Add(ctx.ID, id)
	}
}

// State is the type-specific data of a managed object.
type State interface {
	Kind() StateKind

	// Apply performs one action on the state.
	Apply(ctx ApplyContext, a dna.Action) error

	// References returns the objects referenced by the state.
	References() dso.ObjectIDSet

	// Dehydrate adds actions reconstructing the full state to d.
	Dehydrate(d *dna.DNA)

	// Len returns the number of fields, entries or elements.
	Len() int

	// Facade fills in at most limit fields, entries or elements of f.
	Facade(f *Facade, limit int)

	// Clone returns a copy that shares no mutable data with the state.
	Clone() State
}

// StateFactory chooses the state kind for new objects by type name.  Types that are
// not registered get an ArrayState if their DNA describes an array and a PhysicalState
// otherwise.
type StateFactory struct {
	sync.RWMutex
	kinds        map[string]StateKind
	invalidating map[string]struct{}
}

// NewStateFactory returns a factory with no registered types.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		kinds:        make(map[string]StateKind),
		invalidating: make(map[string]struct{}),
	}
}

// Register sets the state kind for a type.
func (f *StateFactory) Register(typeName string, kind StateKind) {
	f.Lock()
	f.kinds[typeName] = kind
	f.Unlock()
}

// RegisterInvalidating registers a map type whose changes invalidate cached values on
// clients.
func (f *StateFactory) RegisterInvalidating(typeName string) {
	f.Lock()
	f.kinds[typeName] = MapState
	f.invalidating[typeName] = struct{}{}
	f.Unlock()
}

// IsInvalidating returns true if the type was registered with RegisterInvalidating.
func (f *StateFactory) IsInvalidating(typeName string) bool {
	f.RLock()
	defer f.RUnlock()
	_, found := f.invalidating[typeName]
	return found
}

// Kind returns the state kind used for a DNA record's type.
func (f *StateFactory) Kind(d *dna.DNA) StateKind {
	f.RLock()
	kind, found := f.kinds[d.TypeName]
	f.RUnlock()
	switch {
	case found:
		return kind
	case d.IsArray():
		return ArrayState
	default:
		return PhysicalState
	}
}

// NewState returns an empty state for the object described by d.
func (f *StateFactory) NewState(d *dna.DNA) State {
	switch f.Kind(d) {
	case MapState:
		return newMapState()
	case ListState:
		return &listState{}
	case ArrayState:
		length := d.ArrayLength
		if length < 0 {
			length = 0
		}
		return &arrayState{elements: make([]interface{}, length)}
	case LiteralState:
		return &literalState{}
	default:
		return &physicalState{fields: make(map[string]interface{})}
	}
}

// literalEqual compares two literal values, including byte arrays.
func literalEqual(a, b interface{}) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	if _, ok := b.([]byte); ok {
		return false
	}
	return a == b
}

func toIndex(v interface{}) (int, error) {
	switch i := v.(type) {
	case int8:
		return int(i), nil
	case int16:
		return int(i), nil
	case int32:
		return int(i), nil
	case int64:
		return int(i), nil
	case int:
		return i, nil
	default:
		return 0, fmt.Errorf("index must be an integer, got %T", v)
	}
}

func addReference(refs dso.ObjectIDSet, v interface{}) {
	if id, ok := dna.ReferenceOf(v); ok {
		refs.Add(id)
	}
}

func expectParams(a dna.Action, n int) error {
	if len(a.Params) != n {
		return fmt.Errorf("%s expects %d parameters, got %d", a.Method, n, len(a.Params))
	}
	return nil
}

// physicalState is an ordinary object with named fields.
type physicalState struct {
	fields map[string]interface{}
}

func (s *physicalState) Kind() StateKind { return PhysicalState }

func (s *physicalState) Apply(ctx ApplyContext, a dna.Action) error {
	if a.Kind != dna.PhysicalAction {
		return fmt.Errorf("object %s: %s action on physical object", ctx.ID, a.Kind)
	}
	s.fields[a.Field] = a.Value
	return nil
}

func (s *physicalState) References() dso.ObjectIDSet {
	refs := dso.NewObjectIDSet()
	for _, v := range s.fields {
		addReference(refs, v)
	}
	return refs
}

func (s *physicalState) sortedFields() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *physicalState) Dehydrate(d *dna.DNA) {
	for _, name := range s.sortedFields() {
		d.Add(dna.Physical(name, s.fields[name]))
	}
}

func (s *physicalState) Len() int { return len(s.fields) }

func (s *physicalState) Clone() State {
	fields := make(map[string]interface{}, len(s.fields))
	for name, v := range s.fields {
		fields[name] = v
	}
	return &physicalState{fields: fields}
}

func (s *physicalState) Facade(f *Facade, limit int) {
	f.Fields = make(map[string]interface{})
	for i, name := range s.sortedFields() {
		if i == limit {
			f.Truncated = true
			break
		}
		f.Fields[name] = s.fields[name]
	}
}

// bytesKey lets a byte array serve as a map key.
type bytesKey string

func mapKey(k interface{}) interface{} {
	if b, ok := k.([]byte); ok {
		return bytesKey(b)
	}
	return k
}

func unmapKey(k interface{}) interface{} {
	if b, ok := k.(bytesKey); ok {
		return []byte(b)
	}
	return k
}

// mapState is a map driven by logical put, remove and clear.  Keys keep their
// insertion order except that removal moves the last key into the removed slot.
type mapState struct {
	keys   []interface{}
	index  map[interface{}]int
	values map[interface{}]interface{}
}

func newMapState() *mapState {
	return &mapState{
		index:  make(map[interface{}]int),
		values: make(map[interface{}]interface{}),
	}
}

func (s *mapState) Kind() StateKind { return MapState }

func (s *mapState) put(ctx ApplyContext, key, value interface{}) {
	k := mapKey(key)
	if old, found := s.values[k]; found {
		if !literalEqual(old, value) {
			ctx.invalidate(old)
		}
	} else {
		s.index[k] = len(s.keys)
		s.keys = append(s.keys, k)
	}
	s.values[k] = value
}

func (s *mapState) remove(ctx ApplyContext, key interface{}) {
	k := mapKey(key)
	old, found := s.values[k]
	if !found {
		return
	}
	ctx.invalidate(old)
	i := s.index[k]
	last := len(s.keys) - 1
	if i != last {
		s.keys[i] = s.keys[last]
		s.index[s.keys[i]] = i
	}
	s.keys = s.keys[:last]
	delete(s.index, k)
	delete(s.values, k)
}

func (s *mapState) Apply(ctx ApplyContext, a dna.Action) error {
	if a.Kind != dna.LogicalAction {
		return fmt.Errorf("object %s: %s action on map", ctx.ID, a.Kind)
	}
	switch a.Method {
	case dna.MethodPut:
		if err := expectParams(a, 2); err != nil {
			return err
		}
		s.put(ctx, a.Params[0], a.Params[1])
	case dna.MethodRemove:
		if err := expectParams(a, 1); err != nil {
			return err
		}
		s.remove(ctx, a.Params[0])
	case dna.MethodClear:
		for _, k := range s.keys {
			ctx.invalidate(s.values[k])
		}
		s.keys = nil
		s.index = make(map[interface{}]int)
		s.values = make(map[interface{}]interface{})
	default:
		return fmt.Errorf("object %s: unsupported map method %s", ctx.ID, a.Method)
	}
	return nil
}

func (s *mapState) References() dso.ObjectIDSet {
	refs := dso.NewObjectIDSet()
	for _, k := range s.keys {
		addReference(refs, k)
		addReference(refs, s.values[k])
	}
	return refs
}

func (s *mapState) Dehydrate(d *dna.DNA) {
	for _, k := range s.keys {
		d.Add(dna.Logical(dna.MethodPut, unmapKey(k), s.values[k]))
	}
}

func (s *mapState) Len() int { return len(s.keys) }

func (s *mapState) Clone() State {
	c := &mapState{
		keys:   append([]interface{}(nil), s.keys...),
		index:  make(map[interface{}]int, len(s.index)),
		values: make(map[interface{}]interface{}, len(s.values)),
	}
	for k, i := range s.index {
		c.index[k] = i
	}
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}

func (s *mapState) Facade(f *Facade, limit int) {
	for i, k := range s.keys {
		if i == limit {
			f.Truncated = true
			break
		}
		f.Entries = append(f.Entries, FacadeEntry{Key: unmapKey(k), Value: s.values[k]})
	}
}

// listState is an ordered list driven by logical add, add-at, remove, remove-at,
// set and clear.
type listState struct {
	values []interface{}
}

func (s *listState) Kind() StateKind { return ListState }

func (s *listState) Apply(ctx ApplyContext, a dna.Action) error {
	if a.Kind != dna.LogicalAction {
		return fmt.Errorf("object %s: %s action on list", ctx.ID, a.Kind)
	}
	switch a.Method {
	case dna.MethodAdd:
		if err := expectParams(a, 1); err != nil {
			return err
		}
		s.values = append(s.values, a.Params[0])
	case dna.MethodAddAt:
		if err := expectParams(a, 2); err != nil {
			return err
		}
		i, err := s.index(ctx, a.Params[0], len(s.values))
		if err != nil {
			return err
		}
		s.values = append(s.values, nil)
		copy(s.values[i+1:], s.values[i:])
		s.values[i] = a.Params[1]
	case dna.MethodRemove:
		if err := expectParams(a, 1); err != nil {
			return err
		}
		for i, v := range s.values {
			if literalEqual(v, a.Params[0]) {
				s.removeAt(i)
				break
			}
		}
	case dna.MethodRemoveAt:
		if err := expectParams(a, 1); err != nil {
			return err
		}
		i, err := s.index(ctx, a.Params[0], len(s.values)-1)
		if err != nil {
			return err
		}
		s.removeAt(i)
	case dna.MethodSet:
		if err := expectParams(a, 2); err != nil {
			return err
		}
		i, err := s.index(ctx, a.Params[0], len(s.values)-1)
		if err != nil {
			return err
		}
		s.values[i] = a.Params[1]
	case dna.MethodClear:
		s.values = nil
	default:
		return fmt.Errorf("object %s: unsupported list method %s", ctx.ID, a.Method)
	}
	return nil
}

// index converts p to an index in [0, max].
func (s *listState) index(ctx ApplyContext, p interface{}, max int) (int, error) {
	i, err := toIndex(p)
	if err != nil {
		return 0, fmt.Errorf("object %s: %v", ctx.ID, err)
	}
	if i < 0 || i > max {
		return 0, fmt.Errorf("object %s: list index %d out of range (size %d)", ctx.ID, i, len(s.values))
	}
	return i, nil
}

func (s *listState) removeAt(i int) {
	copy(s.values[i:], s.values[i+1:])
	s.values[len(s.values)-1] = nil
	s.values = s.values[:len(s.values)-1]
}

func (s *listState) References() dso.ObjectIDSet {
	refs := dso.NewObjectIDSet()
	for _, v := range s.values {
		addReference(refs, v)
	}
	return refs
}

func (s *listState) Dehydrate(d *dna.DNA) {
	for _, v := range s.values {
		d.Add(dna.Logical(dna.MethodAdd, v))
	}
}

func (s *listState) Len() int { return len(s.values) }

func (s *listState) Clone() State {
	return &listState{values: append([]interface{}(nil), s.values...)}
}

func (s *listState) Facade(f *Facade, limit int) {
	f.Elements, f.Truncated = limitValues(s.values, limit)
}

func limitValues(values []interface{}, limit int) ([]interface{}, bool) {
	if limit >= 0 && len(values) > limit {
		return append([]interface{}(nil), values[:limit]...), true
	}
	return append([]interface{}(nil), values...), false
}

// arrayState is a fixed-length array.
type arrayState struct {
	elements []interface{}
}

func (s *arrayState) Kind() StateKind { return ArrayState }

func (s *arrayState) Apply(ctx ApplyContext, a dna.Action) error {
	switch a.Kind {
	case dna.ArrayElementAction:
		if a.Index < 0 || int(a.Index) >= len(s.elements) {
			return fmt.Errorf("object %s: array index %d out of range (length %d)", ctx.ID, a.Index, len(s.elements))
		}
		s.elements[a.Index] = a.Value
	case dna.EntireArrayAction:
		s.elements = append(s.elements[:0:0], a.Params...)
	default:
		return fmt.Errorf("object %s: %s action on array", ctx.ID, a.Kind)
	}
	return nil
}

func (s *arrayState) References() dso.ObjectIDSet {
	refs := dso.NewObjectIDSet()
	for _, v := range s.elements {
		addReference(refs, v)
	}
	return refs
}

func (s *arrayState) Dehydrate(d *dna.DNA) {
	d.ArrayLength = int32(len(s.elements))
	d.Add(dna.EntireArray(s.elements...))
}

func (s *arrayState) Len() int { return len(s.elements) }

func (s *arrayState) Clone() State {
	return &arrayState{elements: append([]interface{}(nil), s.elements...)}
}

func (s *arrayState) Facade(f *Facade, limit int) {
	f.ArrayLength = len(s.elements)
	f.Elements, f.Truncated = limitValues(s.elements, limit)
}

// literalState is a boxed literal such as an integer or string object.
type literalState struct {
	value interface{}
}

func (s *literalState) Kind() StateKind { return LiteralState }

func (s *literalState) Apply(ctx ApplyContext, a dna.Action) error {
	if a.Kind != dna.PhysicalAction {
		return fmt.Errorf("object %s: %s action on literal", ctx.ID, a.Kind)
	}
	s.value = a.Value
	return nil
}

func (s *literalState) References() dso.ObjectIDSet {
	refs := dso.NewObjectIDSet()
	addReference(refs, s.value)
	return refs
}

func (s *literalState) Dehydrate(d *dna.DNA) {
	d.Add(dna.Physical(LiteralField, s.value))
}

func (s *literalState) Len() int { return 1 }

func (s *literalState) Clone() State {
	return &literalState{value: s.value}
}

func (s *literalState) Facade(f *Facade, limit int) {
	f.Fields = map[string]interface{}{LiteralField: s.value}
}

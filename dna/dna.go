package dna

import (
	"fmt"

	"github.com/janelia-flyem/dso/dso"
)

// ActionKind is the kind of a single change within a DNA record.
type ActionKind uint8

const (
	// PhysicalAction sets a named field to a value.
	PhysicalAction ActionKind = iota + 1

	// LogicalAction invokes a collection method with parameters.
	LogicalAction

	// ArrayElementAction sets one element of an array.
	ArrayElementAction

	// EntireArrayAction replaces all elements of an array.
	EntireArrayAction
)

func (k ActionKind) String() string {
	switch k {
	case PhysicalAction:
		return "physical"
	case LogicalAction:
		return "logical"
	case ArrayElementAction:
		return "array element"
	case EntireArrayAction:
		return "entire array"
	default:
		return fmt.Sprintf("unknown action %d", uint8(k))
	}
}

// Method is a logical operation on a collection.
type Method uint8

const (
	MethodPut      Method = iota + 1 // key, value
	MethodRemove                     // key (maps) or value (lists)
	MethodClear                      // none
	MethodAdd                        // value
	MethodAddAt                      // index, value
	MethodRemoveAt                   // index
	MethodSet                        // index, value
)

var methodNames = map[Method]string{
	MethodPut:      "put",
	MethodRemove:   "remove",
	MethodClear:    "clear",
	MethodAdd:      "add",
	MethodAddAt:    "addAt",
	MethodRemoveAt: "removeAt",
	MethodSet:      "set",
}

func (m Method) String() string {
	if s, found := methodNames[m]; found {
		return s
	}
	return fmt.Sprintf("unknown method %d", uint8(m))
}

// Action is one ordered change in a DNA record.  Which fields are meaningful
// depends on Kind.
type Action struct {
	Kind ActionKind

	Field string      // PhysicalAction
	Value interface{} // PhysicalAction, ArrayElementAction

	Method Method        // LogicalAction
	Params []interface{} // LogicalAction; element values for EntireArrayAction

	Index int32 // ArrayElementAction
}

// Physical returns an action setting a field.
func Physical(field string, value interface{}) Action {
	return Action{Kind: PhysicalAction, Field: field, Value: value}
}

// Logical returns an action invoking a collection method.
func Logical(method Method, params ...interface{}) Action {
	if len(params) == 0 {
		params = nil
	}
	return Action{Kind: LogicalAction, Method: method, Params: params}
}

// ArrayElement returns an action setting element index of an array.
func ArrayElement(index int32, value interface{}) Action {
	return Action{Kind: ArrayElementAction, Index: index, Value: value}
}

// EntireArray returns an action replacing the elements of an array.
func EntireArray(values ...interface{}) Action {
	if len(values) == 0 {
		values = nil
	}
	return Action{Kind: EntireArrayAction, Params: values}
}

// NotArray is the ArrayLength of a DNA record that does not describe an array.
const NotArray int32 = -1

// DNA is the mutation record of one object within a transaction.  A delta record
// carries only the changes; a full record carries the whole object state.
type DNA struct {
	ObjectID    dso.ObjectID
	ParentID    dso.ObjectID
	TypeName    string
	Loader      string
	Version     int64
	IsDelta     bool
	ArrayLength int32
	Actions     []Action
}

// NewDelta returns an empty delta record for the object.
func NewDelta(id dso.ObjectID, typeName string, version int64) *DNA {
	return &DNA{ObjectID: id, TypeName: typeName, Version: version, IsDelta: true, ArrayLength: NotArray}
}

// NewFull returns an empty full-state record for the object.
func NewFull(id dso.ObjectID, typeName string, version int64) *DNA {
	return &DNA{ObjectID: id, TypeName: typeName, Version: version, ArrayLength: NotArray}
}

// IsArray returns true if the record describes an array.
func (d *DNA) IsArray() bool {
	return d.ArrayLength != NotArray
}

// Add appends actions to the record and returns the record.
func (d *DNA) Add(actions ...Action) *DNA {
	d.Actions = append(d.Actions, actions...)
	return d
}

// References returns the objects referenced by values in the record, including the
// parent, in order of first appearance.
func (d *DNA) References() []dso.ObjectID {
	seen := make(dso.ObjectIDSet)
	var refs []dso.ObjectID
	add := func(v interface{}) {
		if id, ok := ReferenceOf(v); ok && !seen.Contains(id) {
			seen.Add(id)
			refs = append(refs, id)
		}
	}
	add(d.ParentID)
	for _, a := range d.Actions {
		add(a.Value)
		for _, p := range a.Params {
			add(p)
		}
	}
	return refs
}

func (d *DNA) String() string {
	kind := "full"
	if d.IsDelta {
		kind = "delta"
	}
	return fmt.Sprintf("%s DNA for %s (%s, version %d, %d actions)", kind, d.ObjectID, d.TypeName, d.Version, len(d.Actions))
}

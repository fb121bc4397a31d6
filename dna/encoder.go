package dna

import (
	"fmt"
	"io"

	"github.com/janelia-flyem/dso/dso"

	"github.com/tinylib/msgp/msgp"
)

// Encoder writes literal values and DNA records to a stream.  Strings that name
// classes, fields or loaders are interned in the stream's string table.
type Encoder struct {
	w       *msgp.Writer
	strings *ObjectStringSerializer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:       msgp.NewWriter(w),
		strings: NewObjectStringSerializer(),
	}
}

// Flush writes any buffered data to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// InternedCount returns the number of distinct strings in the stream's table.
func (e *Encoder) InternedCount() int {
	return e.strings.Len()
}

// EncodeInterned writes a string through the stream's string table.
func (e *Encoder) EncodeInterned(s string) error {
	return e.strings.WriteString(e.w, s)
}

func (e *Encoder) EncodeNodeID(id dso.NodeID) error {
	if err := e.w.WriteUint8(uint8(id.Kind)); err != nil {
		return err
	}
	return e.w.WriteUint64(id.Num)
}

// EncodeValue writes a tagged literal value.
func (e *Encoder) EncodeValue(v interface{}) error {
	t, err := LiteralTypeOf(v)
	if err != nil {
		return err
	}
	if err := e.w.WriteUint8(uint8(t)); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return e.w.WriteBool(x)
	case int8:
		return e.w.WriteInt8(x)
	case Char:
		return e.w.WriteUint16(uint16(x))
	case int16:
		return e.w.WriteInt16(x)
	case int32:
		return e.w.WriteInt32(x)
	case int64:
		return e.w.WriteInt64(x)
	case float32:
		return e.w.WriteFloat32(x)
	case float64:
		return e.w.WriteFloat64(x)
	case string:
		return e.w.WriteString(x)
	case dso.ObjectID:
		return e.w.WriteUint64(uint64(x))
	case ClassRef:
		if err := e.EncodeInterned(x.Name); err != nil {
			return err
		}
		return e.EncodeInterned(x.Loader)
	case InternedString:
		return e.EncodeInterned(string(x))
	case ClassInstance:
		if err := e.EncodeInterned(x.Name); err != nil {
			return err
		}
		return e.EncodeInterned(x.Loader)
	case EnumValue:
		if err := e.EncodeInterned(x.Class); err != nil {
			return err
		}
		return e.EncodeInterned(x.Name)
	case []byte:
		return e.w.WriteBytes(x)
	}
	return fmt.Errorf("unsupported literal %T", v)
}

func (e *Encoder) encodeValues(values []interface{}) error {
	if err := e.w.WriteArrayHeader(uint32(len(values))); err != nil {
		return err
	}
	for _, v := range values {
		if err := e.EncodeValue(v); err != nil {
			return err
		}
	}
	return nil
}

const (
	flagDelta uint8 = 1 << iota
	flagArray
)

// EncodeDNA writes a complete DNA record.
func (e *Encoder) EncodeDNA(d *DNA) error {
	if err := e.w.WriteUint64(uint64(d.ObjectID)); err != nil {
		return err
	}
	if err := e.w.WriteUint64(uint64(d.ParentID)); err != nil {
		return err
	}
	if err := e.EncodeInterned(d.TypeName); err != nil {
		return err
	}
	if err := e.EncodeInterned(d.Loader); err != nil {
		return err
	}
	if err := e.w.WriteInt64(d.Version); err != nil {
		return err
	}
	var flags uint8
	if d.IsDelta {
		flags |= flagDelta
	}
	if d.IsArray() {
		flags |= flagArray
	}
	if err := e.w.WriteUint8(flags); err != nil {
		return err
	}
	if d.IsArray() {
		if err := e.w.WriteInt32(d.ArrayLength); err != nil {
			return err
		}
	}
	if err := e.w.WriteArrayHeader(uint32(len(d.Actions))); err != nil {
		return err
	}
	for i := range d.Actions {
		if err := e.encodeAction(&d.Actions[i]); err != nil {
			return fmt.Errorf("action %d of %s: %v", i, d.ObjectID, err)
		}
	}
	return nil
}

func (e *Encoder) encodeAction(a *Action) error {
	if err := e.w.WriteUint8(uint8(a.Kind)); err != nil {
		return err
	}
	switch a.Kind {
	case PhysicalAction:
		if err := e.EncodeInterned(a.Field); err != nil {
			return err
		}
		return e.EncodeValue(a.Value)
	case LogicalAction:
		if err := e.w.WriteUint8(uint8(a.Method)); err != nil {
			return err
		}
		return e.encodeValues(a.Params)
	case ArrayElementAction:
		if err := e.w.WriteInt32(a.Index); err != nil {
			return err
		}
		return e.EncodeValue(a.Value)
	case EntireArrayAction:
		return e.encodeValues(a.Params)
	default:
		return fmt.Errorf("cannot encode %s", a.Kind)
	}
}

package dna

import (
	"fmt"
	"io"

	"github.com/janelia-flyem/dso/dso"

	"github.com/tinylib/msgp/msgp"
)

// DecodeError is returned for any malformed stream: premature end of data, a type
// tag mismatch, or a reference to an undefined string index.
type DecodeError struct {
	Msg string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "dna decode: " + e.Msg + ": " + e.Err.Error()
	}
	return "dna decode: " + e.Msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErrorf(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Msg: fmt.Sprintf(format, args...)}
}

func wrapDecode(what string, err error) error {
	if err == nil {
		return nil
	}
	if de, ok := err.(*DecodeError); ok {
		return de
	}
	return &DecodeError{Msg: what, Err: err}
}

// DefaultMaxValueLen bounds any single string or byte array read from a stream.
const DefaultMaxValueLen = 16 << 20

// Array headers are untrusted, so a slice is only pre-sized up to this many
// elements and grows as further elements are actually decoded.
const maxPresize = 64

func presize(n uint32) int {
	if n > maxPresize {
		return maxPresize
	}
	return int(n)
}

// readLimited reads the body of a str or bin value whose size header is read by
// header, refusing sizes above maxLen.
func readLimited(r *msgp.Reader, header func() (uint32, error), maxLen uint32) ([]byte, error) {
	n, err := header()
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, decodeErrorf("value of %d bytes exceeds limit of %d", n, maxLen)
	}
	b := make([]byte, n)
	if _, err := r.R.ReadFull(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Decoder reads literal values and DNA records written by an Encoder.
type Decoder struct {
	r       *msgp.Reader
	strings *ObjectStringSerializer
	maxLen  uint32
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:       msgp.NewReader(r),
		strings: NewObjectStringSerializer(),
		maxLen:  DefaultMaxValueLen,
	}
}

// SetMaxValueLen changes the largest string or byte array the decoder accepts.
func (d *Decoder) SetMaxValueLen(n uint32) {
	d.maxLen = n
}

// DecodeInterned reads a string written by Encoder.EncodeInterned.
func (d *Decoder) DecodeInterned() (string, error) {
	s, err := d.strings.ReadString(d.r, d.maxLen)
	return s, wrapDecode("interned string", err)
}

func (d *Decoder) readString() (string, error) {
	b, err := readLimited(d.r, d.r.ReadStringHeader, d.maxLen)
	return string(b), err
}

func (d *Decoder) DecodeNodeID() (dso.NodeID, error) {
	kind, err := d.r.ReadUint8()
	if err != nil {
		return dso.NilNodeID, wrapDecode("node kind", err)
	}
	if dso.NodeKind(kind) > dso.ServerNode {
		return dso.NilNodeID, decodeErrorf("bad node kind %d", kind)
	}
	num, err := d.r.ReadUint64()
	if err != nil {
		return dso.NilNodeID, wrapDecode("node number", err)
	}
	return dso.NodeID{Kind: dso.NodeKind(kind), Num: num}, nil
}

// DecodeValue reads a tagged literal value.
func (d *Decoder) DecodeValue() (interface{}, error) {
	tag, err := d.r.ReadUint8()
	if err != nil {
		return nil, wrapDecode("literal tag", err)
	}
	t := LiteralType(tag)
	v, err := d.decodeLiteral(t)
	if err != nil {
		return nil, wrapDecode(t.String(), err)
	}
	return v, nil
}

func (d *Decoder) decodeLiteral(t LiteralType) (interface{}, error) {
	switch t {
	case TypeNull:
		return nil, nil
	case TypeBool:
		return d.r.ReadBool()
	case TypeByte:
		return d.r.ReadInt8()
	case TypeChar:
		c, err := d.r.ReadUint16()
		return Char(c), err
	case TypeShort:
		return d.r.ReadInt16()
	case TypeInt:
		return d.r.ReadInt32()
	case TypeLong:
		return d.r.ReadInt64()
	case TypeFloat:
		return d.r.ReadFloat32()
	case TypeDouble:
		return d.r.ReadFloat64()
	case TypeString:
		return d.readString()
	case TypeObjectID:
		id, err := d.r.ReadUint64()
		return dso.ObjectID(id), err
	case TypeClass:
		name, loader, err := d.decodePair()
		return ClassRef{Name: name, Loader: loader}, err
	case TypeInternedString:
		s, err := d.strings.ReadString(d.r, d.maxLen)
		return InternedString(s), err
	case TypeClassInstance:
		name, loader, err := d.decodePair()
		return ClassInstance{Name: name, Loader: loader}, err
	case TypeEnum:
		class, name, err := d.decodePair()
		return EnumValue{Class: class, Name: name}, err
	case TypeBytes:
		return readLimited(d.r, d.r.ReadBytesHeader, d.maxLen)
	default:
		return nil, decodeErrorf("unknown literal type tag %d", uint8(t))
	}
}

func (d *Decoder) decodePair() (string, string, error) {
	a, err := d.strings.ReadString(d.r, d.maxLen)
	if err != nil {
		return "", "", err
	}
	b, err := d.strings.ReadString(d.r, d.maxLen)
	return a, b, err
}

func (d *Decoder) decodeValues() ([]interface{}, error) {
	n, err := d.r.ReadArrayHeader()
	if err != nil {
		return nil, wrapDecode("value count", err)
	}
	if n == 0 {
		return nil, nil
	}
	values := make([]interface{}, 0, presize(n))
	for i := uint32(0); i < n; i++ {
		v, err := d.DecodeValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// DecodeDNA reads a complete DNA record.
func (d *Decoder) DecodeDNA() (*DNA, error) {
	var rec DNA
	id, err := d.r.ReadUint64()
	if err != nil {
		return nil, wrapDecode("object id", err)
	}
	rec.ObjectID = dso.ObjectID(id)
	parent, err := d.r.ReadUint64()
	if err != nil {
		return nil, wrapDecode("parent id", err)
	}
	rec.ParentID = dso.ObjectID(parent)
	if rec.TypeName, err = d.DecodeInterned(); err != nil {
		return nil, err
	}
	if rec.Loader, err = d.DecodeInterned(); err != nil {
		return nil, err
	}
	if rec.Version, err = d.r.ReadInt64(); err != nil {
		return nil, wrapDecode("version", err)
	}
	flags, err := d.r.ReadUint8()
	if err != nil {
		return nil, wrapDecode("flags", err)
	}
	rec.IsDelta = flags&flagDelta != 0
	rec.ArrayLength = NotArray
	if flags&flagArray != 0 {
		if rec.ArrayLength, err = d.r.ReadInt32(); err != nil {
			return nil, wrapDecode("array length", err)
		}
	}
	n, err := d.r.ReadArrayHeader()
	if err != nil {
		return nil, wrapDecode("action count", err)
	}
	if n > 0 {
		rec.Actions = make([]Action, 0, presize(n))
		for i := uint32(0); i < n; i++ {
			var a Action
			if err := d.decodeAction(&a); err != nil {
				return nil, err
			}
			rec.Actions = append(rec.Actions, a)
		}
	}
	return &rec, nil
}

func (d *Decoder) decodeAction(a *Action) error {
	kind, err := d.r.ReadUint8()
	if err != nil {
		return wrapDecode("action kind", err)
	}
	a.Kind = ActionKind(kind)
	switch a.Kind {
	case PhysicalAction:
		if a.Field, err = d.DecodeInterned(); err != nil {
			return err
		}
		a.Value, err = d.DecodeValue()
		return err
	case LogicalAction:
		m, err := d.r.ReadUint8()
		if err != nil {
			return wrapDecode("method", err)
		}
		a.Method = Method(m)
		if _, found := methodNames[a.Method]; !found {
			return decodeErrorf("unknown logical method %d", m)
		}
		a.Params, err = d.decodeValues()
		return err
	case ArrayElementAction:
		if a.Index, err = d.r.ReadInt32(); err != nil {
			return wrapDecode("array index", err)
		}
		a.Value, err = d.DecodeValue()
		return err
	case EntireArrayAction:
		a.Params, err = d.decodeValues()
		return err
	default:
		return decodeErrorf("unknown action kind %d", kind)
	}
}

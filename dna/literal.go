package dna

import (
	"fmt"

	"github.com/janelia-flyem/dso/dso"
)

// LiteralType tags each value written to a stream.
type LiteralType uint8

const (
	TypeNull LiteralType = iota
	TypeBool
	TypeByte
	TypeChar
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeString
	TypeObjectID
	TypeClass
	TypeInternedString
	TypeClassInstance
	TypeEnum
	TypeBytes
	maxLiteralType
)

var literalNames = [...]string{
	"null", "bool", "byte", "char", "short", "int", "long", "float", "double",
	"string", "object id", "class", "interned string", "class instance", "enum", "bytes",
}

func (t LiteralType) String() string {
	if t < maxLiteralType {
		return literalNames[t]
	}
	return fmt.Sprintf("unknown literal type %d", uint8(t))
}

// Char is a 16-bit character value.
type Char uint16

// ClassRef is a class literal: a class name qualified by the description of the
// loader that defined it.
type ClassRef struct {
	Name   string
	Loader string
}

func (c ClassRef) String() string {
	if c.Loader == "" {
		return c.Name
	}
	return c.Name + "@" + c.Loader
}

// ClassInstance is the compound token for a field holding a class object.  It is
// kept distinct from ClassRef since clients resolve it to a live class rather than a name.
type ClassInstance struct {
	Name   string
	Loader string
}

// InternedString is a string whose identity matters to the client.  It is written
// through the stream's string table like class and field names.
type InternedString string

// EnumValue names a constant of an enumerated class.
type EnumValue struct {
	Class string
	Name  string
}

// LiteralTypeOf returns the tag used to encode v, or an error if v is not a
// supported literal.
func LiteralTypeOf(v interface{}) (LiteralType, error) {
	switch v.(type) {
	case nil:
		return TypeNull, nil
	case bool:
		return TypeBool, nil
	case int8:
		return TypeByte, nil
	case Char:
		return TypeChar, nil
	case int16:
		return TypeShort, nil
	case int32:
		return TypeInt, nil
	case int64:
		return TypeLong, nil
	case float32:
		return TypeFloat, nil
	case float64:
		return TypeDouble, nil
	case string:
		return TypeString, nil
	case dso.ObjectID:
		return TypeObjectID, nil
	case ClassRef:
		return TypeClass, nil
	case InternedString:
		return TypeInternedString, nil
	case ClassInstance:
		return TypeClassInstance, nil
	case EnumValue:
		return TypeEnum, nil
	case []byte:
		return TypeBytes, nil
	default:
		return TypeNull, fmt.Errorf("unsupported literal %T", v)
	}
}

// ReferenceOf returns the object referenced by a value, if any.
func ReferenceOf(v interface{}) (dso.ObjectID, bool) {
	id, ok := v.(dso.ObjectID)
	if !ok || id.IsNull() {
		return dso.NullObjectID, false
	}
	return id, true
}

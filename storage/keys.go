package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/janelia-flyem/dso/dso"
)

// KeyClass is the first byte of every key and partitions the key space.
type KeyClass byte

const (
	ObjectKeyClass   KeyClass = 0x01 // object id -> serialized managed object
	RootKeyClass     KeyClass = 0x02 // root name -> object id
	SequenceKeyClass KeyClass = 0x03 // sequence name -> reserved upper bound
)

// ObjectKey returns the key of a managed object.  Keys sort by object id.
func ObjectKey(id dso.ObjectID) []byte {
	k := make([]byte, 9)
	k[0] = byte(ObjectKeyClass)
	binary.BigEndian.PutUint64(k[1:], uint64(id))
	return k
}

// ObjectIDFromKey reverses ObjectKey.
func ObjectIDFromKey(k []byte) (dso.ObjectID, error) {
	if len(k) != 9 || KeyClass(k[0]) != ObjectKeyClass {
		return dso.NullObjectID, fmt.Errorf("bad object key %x", k)
	}
	return dso.ObjectID(binary.BigEndian.Uint64(k[1:])), nil
}

// RootKey returns the key of a named root.
func RootKey(name string) []byte {
	return append([]byte{byte(RootKeyClass)}, name...)
}

// RootNameFromKey reverses RootKey.
func RootNameFromKey(k []byte) (string, error) {
	if len(k) < 1 || KeyClass(k[0]) != RootKeyClass {
		return "", fmt.Errorf("bad root key %x", k)
	}
	return string(k[1:]), nil
}

// SequenceKey returns the key of a named sequence.
func SequenceKey(name string) []byte {
	return append([]byte{byte(SequenceKeyClass)}, name...)
}

// ClassPrefix returns the prefix of all keys of a class.
func ClassPrefix(c KeyClass) []byte {
	return []byte{byte(c)}
}

package storage

import (
	"encoding/binary"
	"fmt"
)

// SequenceStore persists named sequences in a key-value store.
type SequenceStore struct {
	db KeyValueDB
}

func NewSequenceStore(db KeyValueDB) SequenceStore {
	return SequenceStore{db}
}

// LoadSequence returns the stored value of the sequence or 0 if it was never stored.
func (s SequenceStore) LoadSequence(name string) (uint64, error) {
	v, err := s.db.Get(SequenceKey(name))
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("sequence %q has bad stored value %x", name, v)
	}
	return binary.BigEndian.Uint64(v), nil
}

// StoreSequence records the value of the sequence.
func (s SequenceStore) StoreSequence(name string, next uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, next)
	return s.db.Put(SequenceKey(name), v)
}

package dso

import (
	"fmt"
	"sync"
)

// SequenceStore persists the high-water mark of a named sequence.
type SequenceStore interface {
	LoadSequence(name string) (uint64, error)
	StoreSequence(name string, next uint64) error
}

// ObjectIDSequence hands out batches of ObjectIDs.  The store only records a
// reserved upper bound, which is raised in blocks of reserve IDs, so a restart never
// reuses an ID even if the reservation was not fully consumed.
type ObjectIDSequence struct {
	mu       sync.Mutex
	name     string
	store    SequenceStore
	next     uint64
	reserved uint64
	reserve  uint64
}

// NewObjectIDSequence loads the named sequence from the store.  IDs start at 1.
func NewObjectIDSequence(name string, store SequenceStore, reserve uint64) (*ObjectIDSequence, error) {
	if reserve == 0 {
		reserve = 1000
	}
	next, err := store.LoadSequence(name)
	if err != nil {
		return nil, fmt.Errorf("unable to load sequence %q: %v", name, err)
	}
	if next == 0 {
		next = 1
	}
	return &ObjectIDSequence{
		name:     name,
		store:    store,
		next:     next,
		reserved: next,
		reserve:  reserve,
	}, nil
}

// NextBatch reserves n consecutive IDs and returns the half-open range [start, end).
func (s *ObjectIDSequence) NextBatch(n uint64) (start, end ObjectID, err error) {
	if n == 0 {
		return 0, 0, fmt.Errorf("requested empty batch of object ids")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next+n > s.reserved {
		reserved := s.next + n + s.reserve
		if err = s.store.StoreSequence(s.name, reserved); err != nil {
			return 0, 0, fmt.Errorf("unable to reserve ids for sequence %q: %v", s.name, err)
		}
		s.reserved = reserved
	}
	start = ObjectID(s.next)
	s.next += n
	end = ObjectID(s.next)
	return
}

// Current returns the next ID that would be handed out.
func (s *ObjectIDSequence) Current() ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ObjectID(s.next)
}

// Advance makes sure the sequence never hands out IDs below id, e.g., after a
// passive server has seen objects created by the active.
func (s *ObjectIDSequence) Advance(id ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(id) < s.next {
		return nil
	}
	s.next = uint64(id) + 1
	if s.next > s.reserved {
		reserved := s.next + s.reserve
		if err := s.store.StoreSequence(s.name, reserved); err != nil {
			return err
		}
		s.reserved = reserved
	}
	return nil
}

package dso

import "sort"

// ObjectIDSet is a set of object identifiers.
type ObjectIDSet map[ObjectID]struct{}

// NewObjectIDSet returns a set holding the given IDs.
func NewObjectIDSet(ids ...ObjectID) ObjectIDSet {
	s := make(ObjectIDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s ObjectIDSet) Add(id ObjectID) {
	s[id] = struct{}{}
}

// AddAll adds every member of other to the set.
func (s ObjectIDSet) AddAll(other ObjectIDSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

func (s ObjectIDSet) Remove(id ObjectID) {
	delete(s, id)
}

// RemoveAll removes every member of other from the set.
func (s ObjectIDSet) RemoveAll(other ObjectIDSet) {
	for id := range other {
		delete(s, id)
	}
}

func (s ObjectIDSet) Contains(id ObjectID) bool {
	_, found := s[id]
	return found
}

func (s ObjectIDSet) Copy() ObjectIDSet {
	c := make(ObjectIDSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Sorted returns the members in increasing order.
func (s ObjectIDSet) Sorted() []ObjectID {
	ids := make([]ObjectID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

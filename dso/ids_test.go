package dso

import "testing"

func TestNodeID(t *testing.T) {
	c := ClientID(12)
	s := ServerID(12)
	if c == s {
		t.Fatalf("client and server with same number should differ\n")
	}
	if !c.IsClient() || c.IsServer() || c.IsNil() {
		t.Errorf("bad kind for %s\n", c)
	}
	if !s.IsServer() || s.IsClient() {
		t.Errorf("bad kind for %s\n", s)
	}
	if !NilNodeID.IsNil() {
		t.Errorf("zero NodeID should be nil\n")
	}
	for _, id := range []NodeID{c, s, NilNodeID} {
		parsed, err := ParseNodeID(id.String())
		if err != nil {
			t.Fatalf("error parsing %q: %v\n", id, err)
		}
		if parsed != id {
			t.Errorf("expected %s, got %s\n", id, parsed)
		}
	}
	if _, err := ParseNodeID("X3"); err == nil {
		t.Errorf("expected error parsing unknown node kind\n")
	}
}

func TestServerTransactionID(t *testing.T) {
	stxID := NewServerTransactionID(ClientID(3), 17)
	if stxID.String() != "C3:17" {
		t.Errorf("unexpected string %q\n", stxID.String())
	}
	parsed, err := ParseServerTransactionID("C3:17")
	if err != nil {
		t.Fatalf("error parsing: %v\n", err)
	}
	if parsed != stxID {
		t.Errorf("expected %s, got %s\n", stxID, parsed)
	}
	m := map[ServerTransactionID]int{stxID: 1}
	if m[NewServerTransactionID(ClientID(3), 17)] != 1 {
		t.Errorf("server transaction id not usable as a map key\n")
	}
}

func TestObjectIDSet(t *testing.T) {
	s := NewObjectIDSet(5, 1, 3)
	s.Add(2)
	s.Remove(5)
	other := NewObjectIDSet(3, 9)
	s.AddAll(other)
	got := s.Sorted()
	expected := []ObjectID{1, 2, 3, 9}
	if len(got) != len(expected) {
		t.Fatalf("expected %v, got %v\n", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("expected %v, got %v\n", expected, got)
		}
	}
	c := s.Copy()
	c.RemoveAll(other)
	if c.Contains(3) || !s.Contains(3) {
		t.Errorf("copy should be independent of original\n")
	}
}

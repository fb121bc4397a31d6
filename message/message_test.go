package message

import (
	"reflect"
	"testing"

	"github.com/janelia-flyem/dso/dso"

	"github.com/tinylib/msgp/msgp"
)

func TestFrames(t *testing.T) {
	req := &LockRequest{Lock: "@17", Thread: 3, Level: 2, Try: true, Timeout: 250}
	f, err := NewFrame(9, LockRequestType, req)
	if err != nil {
		t.Fatalf("couldn't build frame: %v\n", err)
	}
	if f.Session != 9 || f.Type != LockRequestType {
		t.Errorf("bad frame header: %s\n", f)
	}
	var got LockRequest
	if err := f.Decode(&got); err != nil {
		t.Fatalf("couldn't decode frame: %v\n", err)
	}
	if got != *req {
		t.Errorf("expected %+v, got %+v\n", *req, got)
	}

	// A payload of another type fails on its array length.
	var wrong LockRelease
	if err := f.Decode(&wrong); err == nil {
		t.Errorf("expected lock request to fail decoding as a release\n")
	}
	f.Payload = f.Payload[:len(f.Payload)-1]
	if err := f.Decode(&got); err == nil {
		t.Errorf("expected truncated payload to fail\n")
	}
}

func TestPayloads(t *testing.T) {
	txn := dso.NewServerTransactionID(dso.ClientID(4), 12)
	tests := []struct {
		in, out Payload
	}{
		{
			&Handshake{Node: dso.ClientID(4), Protocol: "4.0.0", Instance: "abc", Objects: []dso.ObjectID{1, 5}},
			new(Handshake),
		},
		{
			&HandshakeAck{Session: 2, Server: dso.ServerID(1), Protocol: "4.0.0", Accepted: true, IDStart: 1000, IDEnd: 2000},
			new(HandshakeAck),
		},
		{
			&RecallCommit{Lock: "L", Contexts: []LockContext{{Thread: 1, Level: 2, State: 1, Count: 2}, {Thread: 5, Level: 1, State: 3, Timeout: -1}}},
			new(RecallCommit),
		},
		{
			&Broadcast{Txn: txn, GlobalID: 33, Changes: []byte{1, 2}, Objects: []byte{3}, Invalidations: []Invalidation{{MapID: 8, IDs: []dso.ObjectID{9, 10}}}},
			new(Broadcast),
		},
		{
			&Enrollment{Node: dso.ServerID(2), Instance: "x", New: true, Active: true, Weights: []int64{5, -1, 7}},
			new(Enrollment),
		},
		{
			&ReplicatedTxn{GlobalID: 7, ID: txn, Txn: []byte("txn"), CatchUp: true},
			new(ReplicatedTxn),
		},
		{
			&PassiveAck{GlobalID: 7, ID: txn},
			new(PassiveAck),
		},
		{
			&ObjectSync{Objects: []byte{4}, Roots: []RootBinding{{"root", 1}}, Last: true, GlobalID: 40},
			new(ObjectSync),
		},
		{
			&GCResult{Iteration: 3, Deleted: []dso.ObjectID{6}},
			new(GCResult),
		},
	}
	for _, tc := range tests {
		data, err := tc.in.MarshalMsg(nil)
		if err != nil {
			t.Fatalf("couldn't marshal %T: %v\n", tc.in, err)
		}
		rest, err := tc.out.UnmarshalMsg(data)
		if err != nil {
			t.Fatalf("couldn't unmarshal %T: %v\n", tc.in, err)
		}
		if len(rest) != 0 {
			t.Errorf("%T left %d bytes unread\n", tc.in, len(rest))
		}
		if !reflect.DeepEqual(tc.in, tc.out) {
			t.Errorf("%T changed in transit: %+v -> %+v\n", tc.in, tc.in, tc.out)
		}
	}

	var b Broadcast
	data, _ := (&Broadcast{Txn: txn}).MarshalMsg(nil)
	if _, err := b.UnmarshalMsg(data); err != nil {
		t.Fatalf("couldn't unmarshal empty broadcast: %v\n", err)
	}
	if len(b.Changes) != 0 || len(b.Objects) != 0 || b.Invalidations != nil || b.Txn != txn {
		t.Errorf("bad empty broadcast: %+v\n", b)
	}
}

func TestHugeLength(t *testing.T) {
	o := msgp.AppendArrayHeader(nil, 5)
	o = appendNodeID(o, dso.ClientID(4))
	o = msgp.AppendString(o, "4.0.0")
	o = msgp.AppendString(o, "abc")
	o = msgp.AppendArrayHeader(o, 0xFFFFFFFF)
	o = msgp.AppendUint64(o, 1)
	var hs Handshake
	if _, err := hs.UnmarshalMsg(o); err == nil {
		t.Fatalf("expected error on object list longer than its payload\n")
	}
}

func TestSessions(t *testing.T) {
	s := NewSessions()
	c1 := dso.ClientID(1)
	first := s.Open(c1)
	if node, err := s.Node(first); err != nil || node != c1 {
		t.Fatalf("expected session %d to be %s, got %s, %v\n", first, c1, node, err)
	}
	second := s.Open(c1)
	if second == first {
		t.Fatalf("reconnect reused session %d\n", first)
	}
	if _, err := s.Node(first); err != ErrStaleSession {
		t.Errorf("expected replaced session to be stale, got %v\n", err)
	}
	if id, found := s.Session(c1); !found || id != second {
		t.Errorf("expected current session %d, got %d\n", second, id)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 open session, got %d\n", s.Len())
	}
	if node, closed := s.Close(second); !closed || node != c1 {
		t.Errorf("bad close of session %d\n", second)
	}
	if _, closed := s.Close(second); closed {
		t.Errorf("closed session %d twice\n", second)
	}
	if _, err := s.Node(second); err != ErrStaleSession {
		t.Errorf("expected closed session to be stale\n")
	}
}

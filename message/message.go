/*
	Package message defines the frames exchanged between clients and servers and among
	servers of a group.  A frame carries the sender's session, a message type and a
	msgpack payload.  Frames from a session that has since been replaced are stale and
	are dropped by the receiver.
*/
package message

import (
	"errors"
	"fmt"
	"sync"

	"github.com/janelia-flyem/dso/dso"

	"github.com/tinylib/msgp/msgp"
)

// ErrStaleSession is returned for frames whose session is no longer open.
var ErrStaleSession = errors.New("stale session")

// Type identifies the payload of a frame.
type Type uint8

const (
	NotSetType Type = iota
	HandshakeType
	HandshakeAckType
	CommitBatchType
	TxnAckType
	LockRequestType
	LockResponseType
	LockReleaseType
	LockRecallType
	RecallCommitType
	LockWaitType
	LockNotifyType
	BroadcastType
	ObjectRequestType
	ObjectResponseType
	GCResultType
	EnrollmentType
	ReplicatedTxnType
	PassiveAckType
	ObjectSyncType
	numTypes
)

var typeNames = [...]string{
	"not set", "handshake", "handshake ack", "commit batch", "txn ack",
	"lock request", "lock response", "lock release", "lock recall", "recall commit",
	"lock wait", "lock notify", "broadcast", "object request", "object response",
	"gc result", "enrollment", "replicated txn", "passive ack", "object sync",
}

func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("unknown message type %d", uint8(t))
}

// Payload is a msgpack-serializable message body.
type Payload interface {
	msgp.Marshaler
	msgp.Unmarshaler
}

// Frame is the unit of transport.
type Frame struct {
	Session dso.SessionID
	Type    Type
	Payload []byte
}

// NewFrame serializes p into a frame of the given type.
func NewFrame(session dso.SessionID, t Type, p Payload) (*Frame, error) {
	data, err := p.MarshalMsg(nil)
	if err != nil {
		return nil, fmt.Errorf("unable to encode %s payload: %v", t, err)
	}
	return &Frame{Session: session, Type: t, Payload: data}, nil
}

// Decode deserializes the frame's payload into p.
func (f *Frame) Decode(p Payload) error {
	if _, err := p.UnmarshalMsg(f.Payload); err != nil {
		return fmt.Errorf("bad %s payload: %v", f.Type, err)
	}
	return nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s frame (session %d, %d bytes)", f.Type, f.Session, len(f.Payload))
}

// Sessions tracks the open session of each connected node.  Opening a new session for
// a node makes its previous session stale.
type Sessions struct {
	mu     sync.RWMutex
	last   dso.SessionID
	byNode map[dso.NodeID]dso.SessionID
	nodes  map[dso.SessionID]dso.NodeID
}

func NewSessions() *Sessions {
	return &Sessions{
		byNode: make(map[dso.NodeID]dso.SessionID),
		nodes:  make(map[dso.SessionID]dso.NodeID),
	}
}

// Open starts a new session for node, replacing any earlier one.
func (s *Sessions) Open(node dso.NodeID) dso.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, found := s.byNode[node]; found {
		delete(s.nodes, old)
	}
	s.last++
	s.byNode[node] = s.last
	s.nodes[s.last] = node
	return s.last
}

// Close ends a session and returns its node.
func (s *Sessions) Close(id dso.SessionID) (dso.NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, found := s.nodes[id]
	if !found {
		return dso.NilNodeID, false
	}
	delete(s.nodes, id)
	delete(s.byNode, node)
	return node, true
}

// Node returns the node of an open session or ErrStaleSession.
func (s *Sessions) Node(id dso.SessionID) (dso.NodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, found := s.nodes[id]
	if !found {
		return dso.NilNodeID, ErrStaleSession
	}
	return node, nil
}

// Session returns the open session of a node.
func (s *Sessions) Session(node dso.NodeID) (dso.SessionID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, found := s.byNode[node]
	return id, found
}

// Len returns the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

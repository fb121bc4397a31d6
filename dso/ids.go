/*
	This file holds the identifiers used throughout the server: objects, transactions,
	cluster nodes, sessions, threads and locks.
*/

package dso

import (
	"fmt"
	"strconv"
	"strings"
)

// ObjectID is an opaque identifier for a shared object instance, unique within a cluster.
type ObjectID uint64

// NullObjectID is never assigned to an object and denotes a nil reference.
const NullObjectID ObjectID = 0

func (id ObjectID) IsNull() bool {
	return id == NullObjectID
}

func (id ObjectID) String() string {
	return "ObjectID(" + strconv.FormatUint(uint64(id), 10) + ")"
}

// TransactionID orders transactions emitted by a single client session.
// Client transaction IDs start at 1 and increase by one for each transaction.
type TransactionID uint64

// NullTransactionID is never used by a client.
const NullTransactionID TransactionID = 0

// Next returns the following transaction ID.
func (id TransactionID) Next() TransactionID {
	return id + 1
}

// GlobalTransactionID is the server-side sequence in which transactions are applied.
type GlobalTransactionID uint64

// NodeKind distinguishes the variants of a NodeID.
type NodeKind uint8

const (
	NilNode NodeKind = iota
	ClientNode
	ServerNode
)

func (k NodeKind) String() string {
	switch k {
	case ClientNode:
		return "client"
	case ServerNode:
		return "server"
	default:
		return "nil node"
	}
}

// NodeID identifies a cluster member.  It is either a client (L1) or a server (L2),
// distinguished by Kind, and can be used as a map key.
type NodeID struct {
	Kind NodeKind
	Num  uint64
}

// NilNodeID is the zero NodeID.
var NilNodeID NodeID

// ClientID returns the NodeID of the numbered client.
func ClientID(n uint64) NodeID {
	return NodeID{ClientNode, n}
}

// ServerID returns the NodeID of the numbered server.
func ServerID(n uint64) NodeID {
	return NodeID{ServerNode, n}
}

func (id NodeID) IsClient() bool { return id.Kind == ClientNode }
func (id NodeID) IsServer() bool { return id.Kind == ServerNode }
func (id NodeID) IsNil() bool    { return id.Kind == NilNode }

// String returns "C<num>" for clients and "S<num>" for servers.
func (id NodeID) String() string {
	switch id.Kind {
	case ClientNode:
		return "C" + strconv.FormatUint(id.Num, 10)
	case ServerNode:
		return "S" + strconv.FormatUint(id.Num, 10)
	default:
		return "nil"
	}
}

// ParseNodeID parses the output of NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	if s == "nil" {
		return NilNodeID, nil
	}
	if len(s) < 2 {
		return NilNodeID, fmt.Errorf("bad node id %q", s)
	}
	n, err := strconv.ParseUint(s[1:], 10, 64)
	if err != nil {
		return NilNodeID, fmt.Errorf("bad node id %q: %v", s, err)
	}
	switch s[0] {
	case 'C':
		return ClientID(n), nil
	case 'S':
		return ServerID(n), nil
	default:
		return NilNodeID, fmt.Errorf("bad node id %q: unknown kind %q", s, s[0])
	}
}

// ServerTransactionID is the cluster-wide key of a transaction: its origin node
// and the origin's transaction ID.
type ServerTransactionID struct {
	Source NodeID
	TxnID  TransactionID
}

func NewServerTransactionID(source NodeID, txnID TransactionID) ServerTransactionID {
	return ServerTransactionID{source, txnID}
}

func (stxID ServerTransactionID) String() string {
	return stxID.Source.String() + ":" + strconv.FormatUint(uint64(stxID.TxnID), 10)
}

// ParseServerTransactionID parses the output of ServerTransactionID.String.
func ParseServerTransactionID(s string) (ServerTransactionID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ServerTransactionID{}, fmt.Errorf("bad server transaction id %q", s)
	}
	node, err := ParseNodeID(parts[0])
	if err != nil {
		return ServerTransactionID{}, err
	}
	n, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return ServerTransactionID{}, fmt.Errorf("bad server transaction id %q: %v", s, err)
	}
	return ServerTransactionID{node, TransactionID(n)}, nil
}

// SessionID identifies a connection between two nodes.  Messages carrying an
// outdated SessionID are dropped after reconnect or failover.
type SessionID uint64

// ThreadID identifies a thread within a client.
type ThreadID uint64

// LockID is an opaque lock identifier.
type LockID string

// ObjectLockID returns the lock identifier derived from a shared object.
func ObjectLockID(id ObjectID) LockID {
	return LockID("@" + strconv.FormatUint(uint64(id), 10))
}

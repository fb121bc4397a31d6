package message

import (
	"github.com/janelia-flyem/dso/dso"

	"github.com/tinylib/msgp/msgp"
)

// The payloads below are serialized as fixed-length msgpack arrays.  Object state is
// carried as opaque DNA encodings produced by the dna package.

// reader consumes msgpack values from a byte slice, keeping the first error.
type reader struct {
	bts []byte
	err error
}

func (r *reader) array(wanted uint32) {
	if r.err != nil {
		return
	}
	var n uint32
	n, r.bts, r.err = msgp.ReadArrayHeaderBytes(r.bts)
	if r.err == nil && n != wanted {
		r.err = msgp.ArrayError{Wanted: wanted, Got: n}
	}
}

func (r *reader) length() int {
	if r.err != nil {
		return 0
	}
	var n uint32
	n, r.bts, r.err = msgp.ReadArrayHeaderBytes(r.bts)
	if r.err == nil && int(n) > len(r.bts) {
		// every element takes at least one byte
		r.err = msgp.ErrShortBytes
		return 0
	}
	return int(n)
}

func (r *reader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	v, r.bts, r.err = msgp.ReadUint64Bytes(r.bts)
	return v
}

func (r *reader) int64() int64 {
	if r.err != nil {
		return 0
	}
	var v int64
	v, r.bts, r.err = msgp.ReadInt64Bytes(r.bts)
	return v
}

func (r *reader) uint8() uint8 {
	if r.err != nil {
		return 0
	}
	var v uint8
	v, r.bts, r.err = msgp.ReadUint8Bytes(r.bts)
	return v
}

func (r *reader) bool() bool {
	if r.err != nil {
		return false
	}
	var v bool
	v, r.bts, r.err = msgp.ReadBoolBytes(r.bts)
	return v
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	var v string
	v, r.bts, r.err = msgp.ReadStringBytes(r.bts)
	return v
}

func (r *reader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	var v []byte
	v, r.bts, r.err = msgp.ReadBytesBytes(r.bts, nil)
	return v
}

func (r *reader) nodeID() dso.NodeID {
	kind := r.uint8()
	num := r.uint64()
	return dso.NodeID{Kind: dso.NodeKind(kind), Num: num}
}

func (r *reader) txnID() dso.ServerTransactionID {
	source := r.nodeID()
	return dso.NewServerTransactionID(source, dso.TransactionID(r.uint64()))
}

func (r *reader) objectIDs() []dso.ObjectID {
	n := r.length()
	if n == 0 {
		return nil
	}
	ids := make([]dso.ObjectID, n)
	for i := range ids {
		ids[i] = dso.ObjectID(r.uint64())
	}
	return ids
}

func (r *reader) done() ([]byte, error) {
	return r.bts, r.err
}

func appendNodeID(o []byte, id dso.NodeID) []byte {
	o = msgp.AppendUint8(o, uint8(id.Kind))
	return msgp.AppendUint64(o, id.Num)
}

func appendTxnID(o []byte, id dso.ServerTransactionID) []byte {
	o = appendNodeID(o, id.Source)
	return msgp.AppendUint64(o, uint64(id.TxnID))
}

func appendObjectIDs(o []byte, ids []dso.ObjectID) []byte {
	o = msgp.AppendArrayHeader(o, uint32(len(ids)))
	for _, id := range ids {
		o = msgp.AppendUint64(o, uint64(id))
	}
	return o
}

// Handshake opens a session.  A reconnecting client lists the objects it still holds.
type Handshake struct {
	Node     dso.NodeID
	Protocol string
	Instance string
	Objects  []dso.ObjectID
}

// MarshalMsg implements msgp.Marshaler
func (z *Handshake) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 5)
	o = appendNodeID(o, z.Node)
	o = msgp.AppendString(o, z.Protocol)
	o = msgp.AppendString(o, z.Instance)
	return appendObjectIDs(o, z.Objects), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Handshake) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(5)
	z.Node = r.nodeID()
	z.Protocol = r.string()
	z.Instance = r.string()
	z.Objects = r.objectIDs()
	return r.done()
}

// HandshakeAck accepts or refuses a session.  An accepted client is also handed a
// batch of object IDs [IDStart, IDEnd).
type HandshakeAck struct {
	Session  dso.SessionID
	Server   dso.NodeID
	Protocol string
	Instance string
	Accepted bool
	Reason   string
	IDStart  dso.ObjectID
	IDEnd    dso.ObjectID
}

// MarshalMsg implements msgp.Marshaler
func (z *HandshakeAck) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 9)
	o = msgp.AppendUint64(o, uint64(z.Session))
	o = appendNodeID(o, z.Server)
	o = msgp.AppendString(o, z.Protocol)
	o = msgp.AppendString(o, z.Instance)
	o = msgp.AppendBool(o, z.Accepted)
	o = msgp.AppendString(o, z.Reason)
	o = msgp.AppendUint64(o, uint64(z.IDStart))
	return msgp.AppendUint64(o, uint64(z.IDEnd)), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *HandshakeAck) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(9)
	z.Session = dso.SessionID(r.uint64())
	z.Server = r.nodeID()
	z.Protocol = r.string()
	z.Instance = r.string()
	z.Accepted = r.bool()
	z.Reason = r.string()
	z.IDStart = dso.ObjectID(r.uint64())
	z.IDEnd = dso.ObjectID(r.uint64())
	return r.done()
}

// CommitBatch carries a batch of transactions encoded by dna.EncodeBatch.
type CommitBatch struct {
	Batch []byte
}

// MarshalMsg implements msgp.Marshaler
func (z *CommitBatch) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 1)
	return msgp.AppendBytes(o, z.Batch), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *CommitBatch) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(1)
	z.Batch = r.bytes()
	return r.done()
}

// TxnAck acknowledges a committed transaction to its origin.
type TxnAck struct {
	TxnID dso.TransactionID
}

// MarshalMsg implements msgp.Marshaler
func (z *TxnAck) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 1)
	return msgp.AppendUint64(o, uint64(z.TxnID)), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *TxnAck) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(1)
	z.TxnID = dso.TransactionID(r.uint64())
	return r.done()
}

// LockRequest asks for a lock.  A negative timeout waits indefinitely and a zero
// timeout fails at once if the lock cannot be granted.  Timeout is in milliseconds
// and only used when Try is set.
type LockRequest struct {
	Lock    dso.LockID
	Thread  dso.ThreadID
	Level   uint8
	Try     bool
	Timeout int64
}

// MarshalMsg implements msgp.Marshaler
func (z *LockRequest) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 5)
	o = msgp.AppendString(o, string(z.Lock))
	o = msgp.AppendUint64(o, uint64(z.Thread))
	o = msgp.AppendUint8(o, z.Level)
	o = msgp.AppendBool(o, z.Try)
	return msgp.AppendInt64(o, z.Timeout), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *LockRequest) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(5)
	z.Lock = dso.LockID(r.string())
	z.Thread = dso.ThreadID(r.uint64())
	z.Level = r.uint8()
	z.Try = r.bool()
	z.Timeout = r.int64()
	return r.done()
}

// LockResponse tells a client the outcome of a lock operation.  Greedy awards have
// no particular thread.
type LockResponse struct {
	Lock   dso.LockID
	Thread dso.ThreadID
	Level  uint8
	Status uint8
	Greedy bool
}

// MarshalMsg implements msgp.Marshaler
func (z *LockResponse) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 5)
	o = msgp.AppendString(o, string(z.Lock))
	o = msgp.AppendUint64(o, uint64(z.Thread))
	o = msgp.AppendUint8(o, z.Level)
	o = msgp.AppendUint8(o, z.Status)
	return msgp.AppendBool(o, z.Greedy), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *LockResponse) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(5)
	z.Lock = dso.LockID(r.string())
	z.Thread = dso.ThreadID(r.uint64())
	z.Level = r.uint8()
	z.Status = r.uint8()
	z.Greedy = r.bool()
	return r.done()
}

// LockRelease gives up one hold of a lock.
type LockRelease struct {
	Lock   dso.LockID
	Thread dso.ThreadID
}

// MarshalMsg implements msgp.Marshaler
func (z *LockRelease) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendString(o, string(z.Lock))
	return msgp.AppendUint64(o, uint64(z.Thread)), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *LockRelease) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(2)
	z.Lock = dso.LockID(r.string())
	z.Thread = dso.ThreadID(r.uint64())
	return r.done()
}

// LockRecall asks a client to return a greedily held lock.
type LockRecall struct {
	Lock  dso.LockID
	Level uint8
}

// MarshalMsg implements msgp.Marshaler
func (z *LockRecall) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendString(o, string(z.Lock))
	return msgp.AppendUint8(o, z.Level), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *LockRecall) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(2)
	z.Lock = dso.LockID(r.string())
	z.Level = r.uint8()
	return r.done()
}

// LockContext is a client thread's standing on a recalled lock.
type LockContext struct {
	Thread  dso.ThreadID
	Level   uint8
	State   uint8
	Count   int64
	Timeout int64
}

// RecallCommit returns a greedy lease along with the client's local contexts.
type RecallCommit struct {
	Lock     dso.LockID
	Contexts []LockContext
}

// MarshalMsg implements msgp.Marshaler
func (z *RecallCommit) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendString(o, string(z.Lock))
	o = msgp.AppendArrayHeader(o, uint32(len(z.Contexts)))
	for _, c := range z.Contexts {
		o = msgp.AppendArrayHeader(o, 5)
		o = msgp.AppendUint64(o, uint64(c.Thread))
		o = msgp.AppendUint8(o, c.Level)
		o = msgp.AppendUint8(o, c.State)
		o = msgp.AppendInt64(o, c.Count)
		o = msgp.AppendInt64(o, c.Timeout)
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *RecallCommit) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(2)
	z.Lock = dso.LockID(r.string())
	n := r.length()
	z.Contexts = nil
	for i := 0; i < n && r.err == nil; i++ {
		r.array(5)
		z.Contexts = append(z.Contexts, LockContext{
			Thread:  dso.ThreadID(r.uint64()),
			Level:   r.uint8(),
			State:   r.uint8(),
			Count:   r.int64(),
			Timeout: r.int64(),
		})
	}
	return r.done()
}

// LockWait releases a held lock and waits for a notify.  Timeout is in milliseconds;
// a negative value waits indefinitely.
type LockWait struct {
	Lock    dso.LockID
	Thread  dso.ThreadID
	Timeout int64
}

// MarshalMsg implements msgp.Marshaler
func (z *LockWait) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendString(o, string(z.Lock))
	o = msgp.AppendUint64(o, uint64(z.Thread))
	return msgp.AppendInt64(o, z.Timeout), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *LockWait) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(3)
	z.Lock = dso.LockID(r.string())
	z.Thread = dso.ThreadID(r.uint64())
	z.Timeout = r.int64()
	return r.done()
}

// LockNotify wakes one or all waiters of a lock.
type LockNotify struct {
	Lock   dso.LockID
	Thread dso.ThreadID
	All    bool
}

// MarshalMsg implements msgp.Marshaler
func (z *LockNotify) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendString(o, string(z.Lock))
	o = msgp.AppendUint64(o, uint64(z.Thread))
	return msgp.AppendBool(o, z.All), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *LockNotify) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(3)
	z.Lock = dso.LockID(r.string())
	z.Thread = dso.ThreadID(r.uint64())
	z.All = r.bool()
	return r.done()
}

// Invalidation lists the objects made stale through one collection.
type Invalidation struct {
	MapID dso.ObjectID
	IDs   []dso.ObjectID
}

// Broadcast pushes another client's committed changes.  Changes and Objects are
// encoded by dna.EncodeDNAs.
type Broadcast struct {
	Txn           dso.ServerTransactionID
	GlobalID      dso.GlobalTransactionID
	Changes       []byte
	Objects       []byte
	Invalidations []Invalidation
}

// MarshalMsg implements msgp.Marshaler
func (z *Broadcast) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 7)
	o = appendTxnID(o, z.Txn)
	o = msgp.AppendUint64(o, uint64(z.GlobalID))
	o = msgp.AppendBytes(o, z.Changes)
	o = msgp.AppendBytes(o, z.Objects)
	o = msgp.AppendArrayHeader(o, uint32(len(z.Invalidations)))
	for _, inv := range z.Invalidations {
		o = msgp.AppendArrayHeader(o, 2)
		o = msgp.AppendUint64(o, uint64(inv.MapID))
		o = appendObjectIDs(o, inv.IDs)
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Broadcast) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(7)
	z.Txn = r.txnID()
	z.GlobalID = dso.GlobalTransactionID(r.uint64())
	z.Changes = r.bytes()
	z.Objects = r.bytes()
	n := r.length()
	z.Invalidations = nil
	for i := 0; i < n && r.err == nil; i++ {
		r.array(2)
		var inv Invalidation
		inv.MapID = dso.ObjectID(r.uint64())
		inv.IDs = r.objectIDs()
		z.Invalidations = append(z.Invalidations, inv)
	}
	return r.done()
}

// ObjectRequest faults objects, or the object bound to a root name, from the server.
type ObjectRequest struct {
	RequestID uint64
	IDs       []dso.ObjectID
	Root      string
}

// MarshalMsg implements msgp.Marshaler
func (z *ObjectRequest) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendUint64(o, z.RequestID)
	o = appendObjectIDs(o, z.IDs)
	return msgp.AppendString(o, z.Root), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *ObjectRequest) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(3)
	z.RequestID = r.uint64()
	z.IDs = r.objectIDs()
	z.Root = r.string()
	return r.done()
}

// ObjectResponse answers an ObjectRequest.  Objects is encoded by dna.EncodeDNAs.
type ObjectResponse struct {
	RequestID uint64
	Objects   []byte
	Missing   []dso.ObjectID
	RootID    dso.ObjectID
}

// MarshalMsg implements msgp.Marshaler
func (z *ObjectResponse) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 4)
	o = msgp.AppendUint64(o, z.RequestID)
	o = msgp.AppendBytes(o, z.Objects)
	o = appendObjectIDs(o, z.Missing)
	return msgp.AppendUint64(o, uint64(z.RootID)), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *ObjectResponse) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(4)
	z.RequestID = r.uint64()
	z.Objects = r.bytes()
	z.Missing = r.objectIDs()
	z.RootID = dso.ObjectID(r.uint64())
	return r.done()
}

// GCResult mirrors a completed collection to passive servers.
type GCResult struct {
	Iteration uint64
	Deleted   []dso.ObjectID
}

// MarshalMsg implements msgp.Marshaler
func (z *GCResult) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendUint64(o, z.Iteration)
	return appendObjectIDs(o, z.Deleted), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *GCResult) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(2)
	z.Iteration = r.uint64()
	z.Deleted = r.objectIDs()
	return r.done()
}

// Enrollment is a server's candidacy in an election.  An active server answers an
// enrollment with its own, marked Active.
type Enrollment struct {
	Node     dso.NodeID
	Instance string
	New      bool
	Active   bool
	Weights  []int64
}

// MarshalMsg implements msgp.Marshaler
func (z *Enrollment) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 6)
	o = appendNodeID(o, z.Node)
	o = msgp.AppendString(o, z.Instance)
	o = msgp.AppendBool(o, z.New)
	o = msgp.AppendBool(o, z.Active)
	o = msgp.AppendArrayHeader(o, uint32(len(z.Weights)))
	for _, w := range z.Weights {
		o = msgp.AppendInt64(o, w)
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Enrollment) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(6)
	z.Node = r.nodeID()
	z.Instance = r.string()
	z.New = r.bool()
	z.Active = r.bool()
	n := r.length()
	z.Weights = nil
	for i := 0; i < n && r.err == nil; i++ {
		z.Weights = append(z.Weights, r.int64())
	}
	return r.done()
}

// ReplicatedTxn streams an applied transaction to a passive.  Txn is encoded by
// dna.EncodeTxnRecord.
type ReplicatedTxn struct {
	GlobalID dso.GlobalTransactionID
	ID       dso.ServerTransactionID
	Txn      []byte
	CatchUp  bool
}

// MarshalMsg implements msgp.Marshaler
func (z *ReplicatedTxn) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 6)
	o = msgp.AppendUint64(o, uint64(z.GlobalID))
	o = appendTxnID(o, z.ID)
	o = msgp.AppendBytes(o, z.Txn)
	return msgp.AppendBool(o, z.CatchUp), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *ReplicatedTxn) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(6)
	z.GlobalID = dso.GlobalTransactionID(r.uint64())
	z.ID = r.txnID()
	z.Txn = r.bytes()
	z.CatchUp = r.bool()
	return r.done()
}

// PassiveAck confirms a passive applied a replicated transaction.
type PassiveAck struct {
	GlobalID dso.GlobalTransactionID
	ID       dso.ServerTransactionID
}

// MarshalMsg implements msgp.Marshaler
func (z *PassiveAck) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 4)
	o = msgp.AppendUint64(o, uint64(z.GlobalID))
	return appendTxnID(o, z.ID), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *PassiveAck) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(4)
	z.GlobalID = dso.GlobalTransactionID(r.uint64())
	z.ID = r.txnID()
	return r.done()
}

// RootBinding names a root object.
type RootBinding struct {
	Name string
	ID   dso.ObjectID
}

// ObjectSync carries part of the full object state to a passive being initialized.
// Objects is encoded by dna.EncodeDNAs.  The last part holds the roots and the
// global ID the state corresponds to.
type ObjectSync struct {
	Objects  []byte
	Roots    []RootBinding
	Last     bool
	GlobalID dso.GlobalTransactionID
}

// MarshalMsg implements msgp.Marshaler
func (z *ObjectSync) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 4)
	o = msgp.AppendBytes(o, z.Objects)
	o = msgp.AppendArrayHeader(o, uint32(len(z.Roots)))
	for _, root := range z.Roots {
		o = msgp.AppendArrayHeader(o, 2)
		o = msgp.AppendString(o, root.Name)
		o = msgp.AppendUint64(o, uint64(root.ID))
	}
	o = msgp.AppendBool(o, z.Last)
	return msgp.AppendUint64(o, uint64(z.GlobalID)), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *ObjectSync) UnmarshalMsg(bts []byte) ([]byte, error) {
	r := reader{bts: bts}
	r.array(4)
	z.Objects = r.bytes()
	n := r.length()
	z.Roots = nil
	for i := 0; i < n && r.err == nil; i++ {
		r.array(2)
		var root RootBinding
		root.Name = r.string()
		root.ID = dso.ObjectID(r.uint64())
		z.Roots = append(z.Roots, root)
	}
	z.Last = r.bool()
	z.GlobalID = dso.GlobalTransactionID(r.uint64())
	return r.done()
}

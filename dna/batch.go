package dna

import (
	"bytes"
	"fmt"

	"github.com/janelia-flyem/dso/dso"
)

// TxnType is the commit discipline of a transaction, derived from the levels of
// the locks it was written under.
type TxnType uint8

const (
	TxnNormal TxnType = iota
	TxnConcurrent
	TxnSyncWrite
)

func (t TxnType) String() string {
	switch t {
	case TxnNormal:
		return "normal"
	case TxnConcurrent:
		return "concurrent"
	case TxnSyncWrite:
		return "synchronous write"
	default:
		return fmt.Sprintf("unknown txn type %d", uint8(t))
	}
}

// Notify is a notify or notifyAll issued under a lock within a transaction.
// It is delivered to the lock manager once the transaction has applied.
type Notify struct {
	LockID dso.LockID
	Thread dso.ThreadID
	All    bool
}

// Root binds a name to a root object.
type Root struct {
	Name string
	ID   dso.ObjectID
}

// NameValue is a single attribute of a metadata descriptor.
type NameValue struct {
	Name  string
	Value interface{}
}

// MetaData describes an object change for consumers outside the object graph,
// e.g., a search index.  Each descriptor is handed to a metadata reader.
type MetaData struct {
	Category   string
	ObjectID   dso.ObjectID
	Attributes []NameValue
}

// TxnRecord is a single client transaction.
type TxnRecord struct {
	TxnID    dso.TransactionID
	Type     TxnType
	LockIDs  []dso.LockID
	Changes  []*DNA
	Notifies []Notify
	NewRoots []Root
	MetaData []MetaData
}

// Batch is a group of transactions submitted together by one node.  Transactions
// within a batch are in the origin's emission order.  Acknowledged is the highest
// transaction ID for which the origin has received an acknowledgement and whose
// bookkeeping the server may discard.
type Batch struct {
	ID           uint64
	Source       dso.NodeID
	Acknowledged dso.TransactionID
	Txns         []*TxnRecord
}

// EncodeBatch serializes a batch using a single string table for all records,
// compresses it and appends a checksum.
func EncodeBatch(b *Batch, compress dso.Compression) ([]byte, error) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EncodeBatch(b); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return dso.SerializeData(buf.Bytes(), compress, dso.CRC32)
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte) (*Batch, error) {
	raw, _, err := dso.DeserializeData(data, true)
	if err != nil {
		return nil, &DecodeError{Msg: "batch envelope", Err: err}
	}
	return NewDecoder(bytes.NewReader(raw)).DecodeBatch()
}

// EncodeBatch writes a batch to the stream.
func (e *Encoder) EncodeBatch(b *Batch) error {
	if err := e.w.WriteUint64(b.ID); err != nil {
		return err
	}
	if err := e.EncodeNodeID(b.Source); err != nil {
		return err
	}
	if err := e.w.WriteUint64(uint64(b.Acknowledged)); err != nil {
		return err
	}
	if err := e.w.WriteArrayHeader(uint32(len(b.Txns))); err != nil {
		return err
	}
	for _, txn := range b.Txns {
		if err := e.EncodeTxn(txn); err != nil {
			return fmt.Errorf("txn %d: %v", txn.TxnID, err)
		}
	}
	return nil
}

// EncodeTxn writes one transaction record.
func (e *Encoder) EncodeTxn(txn *TxnRecord) error {
	if err := e.w.WriteUint64(uint64(txn.TxnID)); err != nil {
		return err
	}
	if err := e.w.WriteUint8(uint8(txn.Type)); err != nil {
		return err
	}
	if err := e.w.WriteArrayHeader(uint32(len(txn.LockIDs))); err != nil {
		return err
	}
	for _, lockID := range txn.LockIDs {
		if err := e.EncodeInterned(string(lockID)); err != nil {
			return err
		}
	}
	if err := e.w.WriteArrayHeader(uint32(len(txn.Changes))); err != nil {
		return err
	}
	for _, change := range txn.Changes {
		if err := e.EncodeDNA(change); err != nil {
			return err
		}
	}
	if err := e.w.WriteArrayHeader(uint32(len(txn.Notifies))); err != nil {
		return err
	}
	for _, n := range txn.Notifies {
		if err := e.EncodeInterned(string(n.LockID)); err != nil {
			return err
		}
		if err := e.w.WriteUint64(uint64(n.Thread)); err != nil {
			return err
		}
		if err := e.w.WriteBool(n.All); err != nil {
			return err
		}
	}
	if err := e.w.WriteArrayHeader(uint32(len(txn.NewRoots))); err != nil {
		return err
	}
	for _, root := range txn.NewRoots {
		if err := e.EncodeInterned(root.Name); err != nil {
			return err
		}
		if err := e.w.WriteUint64(uint64(root.ID)); err != nil {
			return err
		}
	}
	if err := e.w.WriteArrayHeader(uint32(len(txn.MetaData))); err != nil {
		return err
	}
	for _, md := range txn.MetaData {
		if err := e.EncodeInterned(md.Category); err != nil {
			return err
		}
		if err := e.w.WriteUint64(uint64(md.ObjectID)); err != nil {
			return err
		}
		if err := e.w.WriteArrayHeader(uint32(len(md.Attributes))); err != nil {
			return err
		}
		for _, nv := range md.Attributes {
			if err := e.EncodeInterned(nv.Name); err != nil {
				return err
			}
			if err := e.EncodeValue(nv.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodeBatch reads a batch from the stream.
func (d *Decoder) DecodeBatch() (*Batch, error) {
	var b Batch
	var err error
	if b.ID, err = d.r.ReadUint64(); err != nil {
		return nil, wrapDecode("batch id", err)
	}
	if b.Source, err = d.DecodeNodeID(); err != nil {
		return nil, err
	}
	ack, err := d.r.ReadUint64()
	if err != nil {
		return nil, wrapDecode("acknowledged", err)
	}
	b.Acknowledged = dso.TransactionID(ack)
	n, err := d.r.ReadArrayHeader()
	if err != nil {
		return nil, wrapDecode("txn count", err)
	}
	if n > 0 {
		b.Txns = make([]*TxnRecord, 0, presize(n))
		for i := uint32(0); i < n; i++ {
			txn, err := d.DecodeTxn()
			if err != nil {
				return nil, err
			}
			b.Txns = append(b.Txns, txn)
		}
	}
	return &b, nil
}

// DecodeTxn reads one transaction record.
func (d *Decoder) DecodeTxn() (*TxnRecord, error) {
	var txn TxnRecord
	id, err := d.r.ReadUint64()
	if err != nil {
		return nil, wrapDecode("txn id", err)
	}
	txn.TxnID = dso.TransactionID(id)
	t, err := d.r.ReadUint8()
	if err != nil {
		return nil, wrapDecode("txn type", err)
	}
	if TxnType(t) > TxnSyncWrite {
		return nil, decodeErrorf("bad txn type %d", t)
	}
	txn.Type = TxnType(t)

	n, err := d.r.ReadArrayHeader()
	if err != nil {
		return nil, wrapDecode("lock count", err)
	}
	for i := uint32(0); i < n; i++ {
		s, err := d.DecodeInterned()
		if err != nil {
			return nil, err
		}
		txn.LockIDs = append(txn.LockIDs, dso.LockID(s))
	}

	if n, err = d.r.ReadArrayHeader(); err != nil {
		return nil, wrapDecode("change count", err)
	}
	for i := uint32(0); i < n; i++ {
		rec, err := d.DecodeDNA()
		if err != nil {
			return nil, err
		}
		txn.Changes = append(txn.Changes, rec)
	}

	if n, err = d.r.ReadArrayHeader(); err != nil {
		return nil, wrapDecode("notify count", err)
	}
	for i := uint32(0); i < n; i++ {
		var notify Notify
		s, err := d.DecodeInterned()
		if err != nil {
			return nil, err
		}
		notify.LockID = dso.LockID(s)
		thread, err := d.r.ReadUint64()
		if err != nil {
			return nil, wrapDecode("notify thread", err)
		}
		notify.Thread = dso.ThreadID(thread)
		if notify.All, err = d.r.ReadBool(); err != nil {
			return nil, wrapDecode("notify all", err)
		}
		txn.Notifies = append(txn.Notifies, notify)
	}

	if n, err = d.r.ReadArrayHeader(); err != nil {
		return nil, wrapDecode("root count", err)
	}
	for i := uint32(0); i < n; i++ {
		name, err := d.DecodeInterned()
		if err != nil {
			return nil, err
		}
		id, err := d.r.ReadUint64()
		if err != nil {
			return nil, wrapDecode("root id", err)
		}
		txn.NewRoots = append(txn.NewRoots, Root{Name: name, ID: dso.ObjectID(id)})
	}

	if n, err = d.r.ReadArrayHeader(); err != nil {
		return nil, wrapDecode("metadata count", err)
	}
	for i := uint32(0); i < n; i++ {
		var md MetaData
		if md.Category, err = d.DecodeInterned(); err != nil {
			return nil, err
		}
		id, err := d.r.ReadUint64()
		if err != nil {
			return nil, wrapDecode("metadata object", err)
		}
		md.ObjectID = dso.ObjectID(id)
		na, err := d.r.ReadArrayHeader()
		if err != nil {
			return nil, wrapDecode("attribute count", err)
		}
		for j := uint32(0); j < na; j++ {
			var nv NameValue
			if nv.Name, err = d.DecodeInterned(); err != nil {
				return nil, err
			}
			if nv.Value, err = d.DecodeValue(); err != nil {
				return nil, err
			}
			md.Attributes = append(md.Attributes, nv)
		}
		txn.MetaData = append(txn.MetaData, md)
	}
	return &txn, nil
}

// ObjectIDs returns the objects changed by the transaction.
func (txn *TxnRecord) ObjectIDs() []dso.ObjectID {
	ids := make([]dso.ObjectID, len(txn.Changes))
	for i, change := range txn.Changes {
		ids[i] = change.ObjectID
	}
	return ids
}

// References returns every object changed or referenced by the transaction,
// including new roots.
func (txn *TxnRecord) References() dso.ObjectIDSet {
	refs := make(dso.ObjectIDSet)
	for _, change := range txn.Changes {
		refs.Add(change.ObjectID)
		for _, id := range change.References() {
			refs.Add(id)
		}
	}
	for _, root := range txn.NewRoots {
		refs.Add(root.ID)
	}
	return refs
}

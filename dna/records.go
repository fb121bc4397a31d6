package dna

import (
	"bytes"

	"github.com/janelia-flyem/dso/dso"
)

// EncodeDNAs serializes a list of DNA sharing one string table.
func EncodeDNAs(ds []*DNA, compress dso.Compression) ([]byte, error) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.w.WriteArrayHeader(uint32(len(ds))); err != nil {
		return nil, err
	}
	for _, d := range ds {
		if err := enc.EncodeDNA(d); err != nil {
			return nil, err
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return dso.SerializeData(buf.Bytes(), compress, dso.CRC32)
}

// DecodeDNAs reverses EncodeDNAs.
func DecodeDNAs(data []byte) ([]*DNA, error) {
	raw, _, err := dso.DeserializeData(data, true)
	if err != nil {
		return nil, &DecodeError{Msg: "dna list envelope", Err: err}
	}
	dec := NewDecoder(bytes.NewReader(raw))
	n, err := dec.r.ReadArrayHeader()
	if err != nil {
		return nil, wrapDecode("dna count", err)
	}
	ds := make([]*DNA, 0, presize(n))
	for i := uint32(0); i < n; i++ {
		d, err := dec.DecodeDNA()
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	return ds, nil
}

// EncodeTxnRecord serializes a single transaction, as streamed to passive servers.
func EncodeTxnRecord(txn *TxnRecord, compress dso.Compression) ([]byte, error) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EncodeTxn(txn); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return dso.SerializeData(buf.Bytes(), compress, dso.CRC32)
}

// DecodeTxnRecord reverses EncodeTxnRecord.
func DecodeTxnRecord(data []byte) (*TxnRecord, error) {
	raw, _, err := dso.DeserializeData(data, true)
	if err != nil {
		return nil, &DecodeError{Msg: "txn envelope", Err: err}
	}
	return NewDecoder(bytes.NewReader(raw)).DecodeTxn()
}

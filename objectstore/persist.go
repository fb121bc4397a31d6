package objectstore

import (
	"bytes"
	"fmt"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
)

// encodeRecord serializes the full state of an object for the storage engine.
func encodeRecord(d *dna.DNA, compress dso.Compression) ([]byte, error) {
	var buf bytes.Buffer
	enc := dna.NewEncoder(&buf)
	if err := enc.EncodeDNA(d); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return dso.SerializeData(buf.Bytes(), compress, dso.CRC32)
}

// decodeRecord reverses encodeRecord.
func decodeRecord(value []byte) (*dna.DNA, error) {
	data, _, err := dso.DeserializeData(value, true)
	if err != nil {
		return nil, err
	}
	d, err := dna.NewDecoder(bytes.NewReader(data)).DecodeDNA()
	if err != nil {
		return nil, err
	}
	if d.IsDelta {
		return nil, fmt.Errorf("stored record for %s is a delta", d.ObjectID)
	}
	return d, nil
}

// hydrate rebuilds a managed object from a stored full record.  The object is neither
// new nor dirty.
func (s *Store) hydrate(d *dna.DNA) (*ManagedObject, error) {
	mo := newManagedObject(d, s.factory.NewState(d))
	if err := mo.apply(d, ApplyContext{ID: d.ObjectID}, nil); err != nil {
		return nil, fmt.Errorf("unable to hydrate %s: %v", d.ObjectID, err)
	}
	mo.isNew = false
	mo.dirty = false
	return mo, nil
}

package dna

import (
	"github.com/tinylib/msgp/msgp"
)

// ObjectStringSerializer interns strings on a single stream.  The first time a
// string is written it is preceded by its new index; afterwards only the index is
// written.  A reader assigns indices in the same order, so an index equal to the
// current table size announces a new entry.
type ObjectStringSerializer struct {
	ids  map[string]uint32
	strs []string
}

func NewObjectStringSerializer() *ObjectStringSerializer {
	return &ObjectStringSerializer{ids: make(map[string]uint32)}
}

// Len returns the number of interned strings.
func (s *ObjectStringSerializer) Len() int {
	return len(s.strs)
}

// WriteString writes str, defining it on first use.
func (s *ObjectStringSerializer) WriteString(w *msgp.Writer, str string) error {
	if id, found := s.ids[str]; found {
		return w.WriteUint32(id)
	}
	id := uint32(len(s.strs))
	s.ids[str] = id
	s.strs = append(s.strs, str)
	if err := w.WriteUint32(id); err != nil {
		return err
	}
	return w.WriteString(str)
}

// ReadString reads a string written by WriteString.  A newly defined string longer
// than maxLen bytes is refused.
func (s *ObjectStringSerializer) ReadString(r *msgp.Reader, maxLen uint32) (string, error) {
	id, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	n := uint32(len(s.strs))
	switch {
	case id < n:
		return s.strs[id], nil
	case id == n:
		b, err := readLimited(r, r.ReadStringHeader, maxLen)
		if err != nil {
			return "", err
		}
		str := string(b)
		s.strs = append(s.strs, str)
		return str, nil
	default:
		return "", decodeErrorf("string index %d beyond table of %d entries", id, n)
	}
}

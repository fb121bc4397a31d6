package objectstore

import (
	"fmt"

	"github.com/janelia-flyem/dso/dso"
)

// NoSuchObjectError is returned when a managed object is absent, either because it was
// collected or it never existed.  Callers should treat the reference as dangling.
type NoSuchObjectError struct {
	ID dso.ObjectID
}

func (e *NoSuchObjectError) Error() string {
	return fmt.Sprintf("no such object %s", e.ID)
}

// OutOfOrderApplyError is an ordering violation: a DNA record declared a version that
// is not newer than the object's current version outside of passive catch-up.
type OutOfOrderApplyError struct {
	ID       dso.ObjectID
	Txn      dso.ServerTransactionID
	Current  int64
	Declared int64
}

func (e *OutOfOrderApplyError) Error() string {
	return fmt.Sprintf("out of order apply of %s by txn %s: declared version %d not newer than current %d",
		e.ID, e.Txn, e.Declared, e.Current)
}

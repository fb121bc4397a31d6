package transaction

import "github.com/janelia-flyem/dso/dso"

// sequencer releases the transactions of one origin in emission order and tracks the
// origin's completed low water mark.  Transaction IDs of an origin are contiguous.
type sequencer struct {
	next    dso.TransactionID // next transaction to release for apply
	pending map[dso.TransactionID]*record

	lwm     dso.TransactionID // every transaction <= lwm is applied
	applied map[dso.TransactionID]struct{}
}

func newSequencer(lwm dso.TransactionID) *sequencer {
	return &sequencer{
		next:    lwm + 1,
		pending: make(map[dso.TransactionID]*record),
		lwm:     lwm,
		applied: make(map[dso.TransactionID]struct{}),
	}
}

// receive queues r and returns the records that are now releasable, in order.
func (s *sequencer) receive(r *record) []*record {
	s.pending[r.id.TxnID] = r
	return s.release()
}

func (s *sequencer) release() []*record {
	var ready []*record
	for {
		next, found := s.pending[s.next]
		if !found {
			return ready
		}
		delete(s.pending, s.next)
		ready = append(ready, next)
		s.next++
	}
}

// markApplied records an applied transaction and advances the low water mark over
// every contiguous applied transaction.  It returns true if the mark moved.
func (s *sequencer) markApplied(id dso.TransactionID) bool {
	if id <= s.lwm {
		return false
	}
	s.applied[id] = struct{}{}
	moved := false
	for {
		if _, found := s.applied[s.lwm+1]; !found {
			return moved
		}
		delete(s.applied, s.lwm+1)
		s.lwm++
		moved = true
	}
}

// skipTo moves the release point past a transaction already completed, either
// applied elsewhere as on a passive or resent after it finished, and returns the
// queued records that become releasable.
func (s *sequencer) skipTo(id dso.TransactionID) []*record {
	if id >= s.next {
		s.next = id + 1
	}
	return s.release()
}

package server

import (
	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/lock"
	"github.com/janelia-flyem/dso/message"
	"github.com/janelia-flyem/dso/transaction"
)

// send queues a frame for a node's session.  A node without a session has
// disconnected, and the message is dropped.
func (s *Server) send(node dso.NodeID, t message.Type, p message.Payload) {
	if err := s.rpc.SendTo(node, t, p); err != nil {
		dso.Debugf("Dropped %s to %s: %v\n", t, node, err)
	}
}

// txnSink delivers transaction acknowledgements and broadcasts to clients.
type txnSink struct {
	s *Server
}

func (ts txnSink) Acknowledge(client dso.NodeID, txnID dso.TransactionID) {
	ts.s.send(client, message.TxnAckType, &message.TxnAck{TxnID: txnID})
}

func (ts txnSink) Broadcast(client dso.NodeID, b *transaction.Broadcast) {
	msg := &message.Broadcast{Txn: b.ID, GlobalID: b.GlobalID}
	var err error
	if len(b.Changes) != 0 {
		if msg.Changes, err = dna.EncodeDNAs(b.Changes, ts.s.compress); err != nil {
			dso.Criticalf("Unable to encode broadcast of %s to %s: %v\n", b.ID, client, err)
			return
		}
	}
	if len(b.Objects) != 0 {
		if msg.Objects, err = dna.EncodeDNAs(b.Objects, ts.s.compress); err != nil {
			dso.Criticalf("Unable to encode objects broadcast with %s to %s: %v\n", b.ID, client, err)
			return
		}
	}
	for _, mapID := range b.Invalidations.MapIDs() {
		msg.Invalidations = append(msg.Invalidations, message.Invalidation{
			MapID: mapID,
			IDs:   b.Invalidations[mapID].Sorted(),
		})
	}
	ts.s.send(client, message.BroadcastType, msg)
}

// lockSink delivers asynchronous lock responses.  An expired wait is reported as a
// TimedOut response with no level.
type lockSink struct {
	s *Server
}

func (ls lockSink) Award(client dso.NodeID, id dso.LockID, thread dso.ThreadID, level lock.Level, greedy bool) {
	ls.s.send(client, message.LockResponseType, &message.LockResponse{
		Lock:   id,
		Thread: thread,
		Level:  uint8(level),
		Status: uint8(lock.Granted),
		Greedy: greedy,
	})
}

func (ls lockSink) Recall(client dso.NodeID, id dso.LockID, level lock.Level) {
	ls.s.send(client, message.LockRecallType, &message.LockRecall{Lock: id, Level: uint8(level)})
}

func (ls lockSink) WaitTimeout(client dso.NodeID, id dso.LockID, thread dso.ThreadID) {
	ls.s.send(client, message.LockResponseType, &message.LockResponse{
		Lock:   id,
		Thread: thread,
		Status: uint8(lock.TimedOut),
	})
}

func (ls lockSink) Refuse(client dso.NodeID, id dso.LockID, thread dso.ThreadID, level lock.Level) {
	ls.s.send(client, message.LockResponseType, &message.LockResponse{
		Lock:   id,
		Thread: thread,
		Level:  uint8(level),
		Status: uint8(lock.TimedOut),
	})
}

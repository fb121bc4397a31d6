package replication

import (
	"context"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/gc"
	"github.com/janelia-flyem/dso/message"
	"github.com/janelia-flyem/dso/objectstore"
	"github.com/janelia-flyem/dso/rpc"
	"github.com/janelia-flyem/dso/storage/filelog"
	"github.com/janelia-flyem/dso/transaction"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnrollmentCompare(t *testing.T) {
	tests := []struct {
		a, b Enrollment
		want int
	}{
		{Enrollment{New: false, Weights: []int64{1}}, Enrollment{New: true, Weights: []int64{100}}, 1},
		{Enrollment{New: true, Weights: []int64{5}}, Enrollment{New: true, Weights: []int64{3}}, 1},
		{Enrollment{New: true, Weights: []int64{3}}, Enrollment{New: true, Weights: []int64{5}}, -1},
		{Enrollment{Weights: []int64{1, 1}}, Enrollment{Weights: []int64{9}}, 1},
		{Enrollment{Weights: []int64{4, 2}}, Enrollment{Weights: []int64{4, 7}}, -1},
	}
	for i, tc := range tests {
		got, err := tc.a.Compare(tc.b)
		if err != nil || got != tc.want {
			t.Errorf("case %d: expected %d comparing %s to %s, got %d, %v\n", i, tc.want, tc.a, tc.b, got, err)
		}
		if wins, _ := tc.a.Wins(tc.b); wins != (tc.want > 0) {
			t.Errorf("case %d: bad Wins for %s\n", i, tc.a)
		}
	}
	a := Enrollment{Node: dso.ServerID(1), Weights: []int64{2, 2}}
	b := Enrollment{Node: dso.ServerID(2), Weights: []int64{2, 2}}
	if _, err := a.Compare(b); err != ErrElectionTie {
		t.Errorf("expected tie, got %v\n", err)
	}
	if _, err := decide([]Enrollment{a, b}); err != ErrElectionTie {
		t.Errorf("expected tied election, got %v\n", err)
	}
	c := Enrollment{Node: dso.ServerID(3), Weights: []int64{3, 0}}
	if winner, err := decide([]Enrollment{a, b, c}); err != nil || winner.Node != c.Node {
		t.Errorf("expected %s to win over tied candidates, got %s, %v\n", c.Node, winner, err)
	}

	e := NewEnrollment(dso.ServerID(1), "x", true, 7)
	if len(e.Weights) != 2 || e.Weights[0] != 7 {
		t.Errorf("bad enrollment weights: %v\n", e.Weights)
	}
	if got := EnrollmentFromMessage(e.Message()); got.Node != e.Node || len(got.Weights) != 2 || !got.New {
		t.Errorf("enrollment changed in transit: %s\n", got)
	}
}

func TestElection(t *testing.T) {
	em := NewElectionManager(20 * time.Millisecond)
	self := Enrollment{Node: dso.ServerID(1), Weights: []int64{5, 1}}
	if em.Vote(self) {
		t.Errorf("vote accepted with no election running\n")
	}

	var rounds int
	winner, err := em.Run(context.Background(), self, func(e Enrollment) {
		rounds++
		peer := Enrollment{Node: dso.ServerID(2), Weights: append([]int64(nil), e.Weights...)}
		if rounds > 1 {
			peer.New = true
		}
		if !em.Vote(peer) {
			t.Errorf("vote refused during election\n")
		}
	})
	if err != nil {
		t.Fatalf("election failed: %v\n", err)
	}
	if rounds != 2 {
		t.Errorf("expected tie to force a second round, got %d rounds\n", rounds)
	}
	if winner.Node != self.Node {
		t.Errorf("expected %s to win, got %s\n", self.Node, winner)
	}
	if w, found := em.Winner(); !found || w.Node != self.Node {
		t.Errorf("winner not recorded\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := em.Run(ctx, self, nil); err != context.Canceled {
		t.Errorf("expected canceled election, got %v\n", err)
	}
}

func TestRole(t *testing.T) {
	var r Role
	if r.State() != StartState {
		t.Fatalf("expected START, got %s\n", r.State())
	}
	for _, s := range []State{PassiveUninitialized, PassiveStandby, PassiveUninitialized, ActiveState} {
		if err := r.Move(s); err != nil {
			t.Fatalf("bad move to %s: %v\n", s, err)
		}
	}
	if err := r.Move(PassiveStandby); err == nil {
		t.Errorf("active server became passive\n")
	}
}

type nopSink struct {
	sync.Mutex
	acks []dso.TransactionID
}

func (s *nopSink) Acknowledge(client dso.NodeID, txnID dso.TransactionID) {
	s.Lock()
	s.acks = append(s.acks, txnID)
	s.Unlock()
}

func (s *nopSink) Broadcast(client dso.NodeID, msg *transaction.Broadcast) {}

func (s *nopSink) acked(txnID dso.TransactionID) bool {
	s.Lock()
	defer s.Unlock()
	for _, id := range s.acks {
		if id == txnID {
			return true
		}
	}
	return false
}

type node struct {
	store *objectstore.Store
	sink  *nopSink
	txns  *transaction.Manager
}

func newNode(t *testing.T, replicator transaction.Replicator) *node {
	store, err := objectstore.NewStore(objectstore.Config{Factory: objectstore.NewStateFactory()})
	if err != nil {
		t.Fatalf("unable to create store: %v\n", err)
	}
	return newNodeWith(t, store, replicator)
}

func (n *node) commit(t *testing.T, txnID dso.TransactionID, typ dna.TxnType, changes ...*dna.DNA) {
	client := dso.ClientID(1)
	n.txns.ClientConnected(client, dso.NewObjectIDSet())
	b := &dna.Batch{Source: client, Txns: []*dna.TxnRecord{{TxnID: txnID, Type: typ, Changes: changes}}}
	for _, stxID := range n.txns.Incoming(b) {
		if err := n.txns.Apply(stxID); err != nil {
			t.Fatalf("apply of %s failed: %v\n", stxID, err)
		}
	}
}

func counter(id dso.ObjectID, version int64, count int32, isNew bool) *dna.DNA {
	var d *dna.DNA
	if isNew {
		d = dna.NewFull(id, "Counter", version)
	} else {
		d = dna.NewDelta(id, "Counter", version)
	}
	return d.Add(dna.Physical("count", count))
}

type passiveHandler struct {
	p *Passive
}

func (h passiveHandler) Open(addr string, hs *message.Handshake) (*message.HandshakeAck, error) {
	h.p.Connected(hs.Node)
	return &message.HandshakeAck{Accepted: true, Server: dso.ServerID(2), Protocol: hs.Protocol}, nil
}

func (h passiveHandler) Handle(session dso.SessionID, f message.Frame) (message.Frame, error) {
	return h.p.Handle(f)
}

func (h passiveHandler) Closed(session dso.SessionID, node dso.NodeID) {}

func freeAddress(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to find a free port: %v\n", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func eventually(t *testing.T, what string, f func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s\n", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestActivePassive(t *testing.T) {
	journal, _, err := filelog.Open(filelog.TestConfig())
	if err != nil {
		t.Fatalf("couldn't open journal: %v\n", err)
	}
	defer journal.Close()

	// passive server
	passive := newNode(t, nil)
	role := new(Role)
	p := NewPassive(passive.store, passive.txns, role)
	srv, err := rpc.NewServer(rpc.Config{Address: freeAddress(t), Handler: passiveHandler{p}, PollWait: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("couldn't create passive server: %v\n", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("couldn't start passive server: %v\n", err)
	}
	defer srv.Stop()

	// active server, with state that predates the passive
	store, err := objectstore.NewStore(objectstore.Config{Factory: objectstore.NewStateFactory()})
	if err != nil {
		t.Fatalf("unable to create store: %v\n", err)
	}
	if _, err := NewCoordinator(Config{Passives: []string{srv.Address()}, Store: store}); err == nil {
		t.Fatalf("expected replication without a journal to be refused\n")
	}
	coord, err := NewCoordinator(Config{
		Self:      dso.ServerID(1),
		Protocol:  "1.0.0",
		Passives:  []string{srv.Address()},
		Journal:   journal,
		Store:     store,
		SyncChunk: 2,
		RetryMin:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("couldn't create coordinator: %v\n", err)
	}
	active := newNodeWith(t, store, coord)

	active.commit(t, 1, dna.TxnNormal, counter(1, 1, 0, true), counter(2, 1, 0, true), counter(3, 1, 0, true))
	if err := active.store.AddRoot("counters", 1); err != nil {
		t.Fatalf("couldn't add root: %v\n", err)
	}

	coord.Start(active.txns)
	eventually(t, "passive standby", func() bool { return coord.Standby() == 1 })
	if role.State() != PassiveStandby {
		t.Errorf("expected passive in standby, got %s\n", role.State())
	}
	for id := dso.ObjectID(1); id <= 3; id++ {
		if !passive.store.Contains(id) {
			t.Errorf("object %d missing on passive after sync\n", id)
		}
	}
	if id, found := passive.store.RootID("counters"); !found || id != 1 {
		t.Errorf("root not synchronized\n")
	}

	// live stream
	active.commit(t, 2, dna.TxnNormal, counter(1, 2, 5, false))
	eventually(t, "replicated txn", func() bool {
		v, _ := passive.store.Version(1)
		return v == 2
	})

	// synchronous writes are acknowledged once the passive applied them
	active.commit(t, 3, dna.TxnSyncWrite, counter(2, 2, 9, false))
	eventually(t, "sync write ack", func() bool { return active.sink.acked(3) })
	if v, _ := passive.store.Version(2); v != 2 {
		t.Errorf("sync write acknowledged before passive applied it\n")
	}

	// gc results delete on the passive too
	deleted, _ := active.store.DeleteObjects(dso.NewObjectIDSet(3))
	coord.GarbageCollected(gc.Result{Iteration: 1, Deleted: deleted})
	eventually(t, "replicated gc", func() bool { return !passive.store.Contains(3) })

	infos := coord.Passives()
	if len(infos) != 1 || infos[0].State != "standby" || infos[0].LastSent != active.txns.LastGlobalID() {
		t.Errorf("bad passive info: %+v\n", infos)
	}
	coord.Stop()
}

func newNodeWith(t *testing.T, store *objectstore.Store, replicator transaction.Replicator) *node {
	n := &node{store: store, sink: new(nopSink)}
	var err error
	n.txns, err = transaction.NewManager(transaction.Config{
		Store:      store,
		Clients:    transaction.NewClientStateManager(),
		Sink:       n.sink,
		Replicator: replicator,
	})
	if err != nil {
		t.Fatalf("unable to create transaction manager: %v\n", err)
	}
	return n
}

func TestJournalCatchUp(t *testing.T) {
	journal, _, err := filelog.Open(filelog.TestConfig())
	if err != nil {
		t.Fatalf("couldn't open journal: %v\n", err)
	}
	defer journal.Close()

	store, _ := objectstore.NewStore(objectstore.Config{Factory: objectstore.NewStateFactory()})
	coord, err := NewCoordinator(Config{Self: dso.ServerID(1), Passives: []string{"unused"}, Journal: journal, Store: store})
	if err != nil {
		t.Fatalf("couldn't create coordinator: %v\n", err)
	}
	active := newNodeWith(t, store, coord)
	active.commit(t, 1, dna.TxnNormal, counter(1, 1, 0, true))
	active.commit(t, 2, dna.TxnSyncWrite, counter(1, 2, 1, false))
	if !active.sink.acked(2) {
		t.Errorf("sync write with no standby passive should be acknowledged at once\n")
	}

	msgs, err := journal.ReadAll(JournalTopic)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected 2 journaled txns, got %d: %v\n", len(msgs), err)
	}

	// Replaying the journal on a passive that already has the state is harmless.
	passive := newNode(t, nil)
	p := NewPassive(passive.store, passive.txns, nil)
	for _, msg := range msgs {
		var txn message.ReplicatedTxn
		if _, err := txn.UnmarshalMsg(msg.Data); err != nil {
			t.Fatalf("bad journal entry: %v\n", err)
		}
		for _, catchUp := range []bool{false, true} {
			if catchUp {
				txn.CatchUp = true
			}
			f, _ := message.NewFrame(1, message.ReplicatedTxnType, &txn)
			reply, err := p.Handle(*f)
			if err != nil {
				t.Fatalf("passive apply failed (catch-up %t): %v\n", catchUp, err)
			}
			if reply.Type != message.PassiveAckType {
				t.Errorf("expected passive ack, got %s\n", reply.Type)
			}
		}
	}
	if v, _ := passive.store.Version(1); v != 2 || p.Received() != 4 {
		t.Errorf("bad passive state: version %d, received %d\n", v, p.Received())
	}
}

func TestPassiveResyncReplacesState(t *testing.T) {
	factory := objectstore.NewStateFactory()
	factory.Register("ArrayList", objectstore.ListState)
	factory.Register("HashMap", objectstore.MapState)
	store, err := objectstore.NewStore(objectstore.Config{Factory: factory})
	if err != nil {
		t.Fatalf("unable to create store: %v\n", err)
	}
	n := newNodeWith(t, store, nil)
	passive := NewPassive(store, n.txns, nil)
	passive.Connected(dso.ServerID(1))

	resync := func(ds ...*dna.DNA) {
		data, err := dna.EncodeDNAs(ds, dso.Snappy)
		if err != nil {
			t.Fatalf("unable to encode objects: %v\n", err)
		}
		f, err := message.NewFrame(1, message.ObjectSyncType, &message.ObjectSync{Objects: data, Last: true})
		if err != nil {
			t.Fatalf("unable to build frame: %v\n", err)
		}
		if _, err := passive.Handle(*f); err != nil {
			t.Fatalf("object sync failed: %v\n", err)
		}
	}

	resync(
		dna.NewFull(1, "ArrayList", 1).Add(dna.Logical(dna.MethodAdd, "x")),
		dna.NewFull(2, "HashMap", 1).Add(
			dna.Logical(dna.MethodPut, "a", int32(1)),
			dna.Logical(dna.MethodPut, "b", int32(2)),
		),
	)
	if passive.Role().State() != PassiveStandby {
		t.Fatalf("expected standby after sync, got %s\n", passive.Role().State())
	}

	// The active changed both objects while this passive was away.
	resync(
		dna.NewFull(1, "ArrayList", 2).Add(dna.Logical(dna.MethodAdd, "x"), dna.Logical(dna.MethodAdd, "y")),
		dna.NewFull(2, "HashMap", 2).Add(dna.Logical(dna.MethodPut, "a", int32(1))),
	)
	list, err := store.LookupFacade(1, -1)
	if err != nil {
		t.Fatalf("facade error: %v\n", err)
	}
	if !reflect.DeepEqual(list.Elements, []interface{}{"x", "y"}) || list.Version != 2 {
		t.Errorf("expected list [x y] at version 2, got %v at %d\n", list.Elements, list.Version)
	}
	m, err := store.LookupFacade(2, -1)
	if err != nil {
		t.Fatalf("facade error: %v\n", err)
	}
	if len(m.Entries) != 1 || m.Entries[0].Key != "a" {
		t.Errorf("expected map {a}, got %v\n", m.Entries)
	}
}

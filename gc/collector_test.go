package gc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/objectstore"
	"github.com/janelia-flyem/dso/transaction"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testTxn = dso.NewServerTransactionID(dso.ClientID(1), 1)

func node(id dso.ObjectID, next dso.ObjectID) *dna.DNA {
	return dna.NewFull(id, "Node", 1).Add(dna.Physical("next", next))
}

// newGraph returns a store where roots reach 1 -> 2 -> 3, object 4 -> 5 is reachable
// only through a client, and 6 is unreferenced.
func newGraph(t *testing.T) (*objectstore.Store, *transaction.ClientStateManager) {
	s, err := objectstore.NewStore(objectstore.Config{Factory: objectstore.NewStateFactory()})
	if err != nil {
		t.Fatalf("unable to create store: %v\n", err)
	}
	for _, d := range []*dna.DNA{node(1, 2), node(2, 3), node(3, 0), node(4, 5), node(5, 0), node(6, 0)} {
		if _, err := s.Apply(d, testTxn, nil, nil, false); err != nil {
			t.Fatalf("couldn't apply %s: %v\n", d, err)
		}
	}
	if err := s.AddRoot("root", 1); err != nil {
		t.Fatalf("couldn't add root: %v\n", err)
	}
	clients := transaction.NewClientStateManager()
	clients.StartupClient(dso.ClientID(7), dso.NewObjectIDSet(4))
	return s, clients
}

type testResults struct {
	sync.Mutex
	results []Result
}

func (r *testResults) GarbageCollected(result Result) {
	r.Lock()
	r.results = append(r.results, result)
	r.Unlock()
}

type testListener struct {
	updates chan Stats
}

func (l *testListener) GarbageCollectorUpdate(s Stats) {
	select {
	case l.updates <- s:
	default:
	}
}

type testTransactions struct {
	inFlight dso.ObjectIDSet
	idle     chan struct{}
}

func (tt *testTransactions) InFlightReferences() dso.ObjectIDSet { return tt.inFlight.Copy() }
func (tt *testTransactions) Idle() <-chan struct{}              { return tt.idle }

func idleTransactions(inFlight ...dso.ObjectID) *testTransactions {
	idle := make(chan struct{})
	close(idle)
	return &testTransactions{inFlight: dso.NewObjectIDSet(inFlight...), idle: idle}
}

func TestCollect(t *testing.T) {
	s, clients := newGraph(t)
	results := new(testResults)
	c, err := NewCollector(Config{
		Store:        s,
		Clients:      clients,
		Transactions: idleTransactions(),
		Results:      results,
		PauseTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("couldn't create collector: %v\n", err)
	}
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("gc failed: %v\n", err)
	}
	if stats.State != Complete || stats.Iteration != 1 {
		t.Errorf("bad cycle state: %+v\n", stats)
	}
	if stats.BeginObjectCount != 6 || stats.EndObjectCount != 5 {
		t.Errorf("bad object counts: %+v\n", stats)
	}
	if stats.CandidateGarbageCount != 1 || stats.ActualGarbageCount != 1 {
		t.Errorf("bad garbage counts: %+v\n", stats)
	}
	for id := dso.ObjectID(1); id <= 5; id++ {
		if !s.Contains(id) {
			t.Errorf("live object %d was collected\n", id)
		}
	}
	if s.Contains(6) {
		t.Errorf("unreferenced object survived collection\n")
	}
	if len(results.results) != 1 || !results.results[0].Deleted.Contains(6) || len(results.results[0].Deleted) != 1 {
		t.Errorf("bad gc results: %+v\n", results.results)
	}
	if history := c.History(); len(history) != 1 || history[0].ActualGarbageCount != 1 {
		t.Errorf("bad gc history: %+v\n", history)
	}

	// Nothing left to collect.
	stats, err = c.Run(context.Background())
	if err != nil || stats.ActualGarbageCount != 0 || stats.Iteration != 2 {
		t.Errorf("bad second cycle: %+v, %v\n", stats, err)
	}
	if len(results.results) != 1 {
		t.Errorf("empty cycle should not report a result\n")
	}
}

func TestInFlightAndCheckedOutSurvive(t *testing.T) {
	s, clients := newGraph(t)
	if _, err := s.Apply(node(8, 0), testTxn, nil, nil, false); err != nil {
		t.Fatalf("couldn't apply: %v\n", err)
	}
	if _, err := s.Checkout(8); err != nil {
		t.Fatalf("couldn't check out: %v\n", err)
	}
	c, _ := NewCollector(Config{Store: s, Clients: clients, Transactions: idleTransactions(6)})
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("gc failed: %v\n", err)
	}
	if stats.ActualGarbageCount != 0 || !s.Contains(6) || !s.Contains(8) {
		t.Errorf("collected referenced objects: %+v\n", stats)
	}
	s.Release(8)
}

func TestCancel(t *testing.T) {
	s, clients := newGraph(t)
	busy := &testTransactions{inFlight: dso.NewObjectIDSet(), idle: make(chan struct{})}
	c, _ := NewCollector(Config{Store: s, Clients: clients, Transactions: busy, PauseTimeout: time.Hour})
	listener := &testListener{updates: make(chan Stats, 10)}
	c.AddListener(listener)

	done := make(chan error)
	go func() {
		_, err := c.Run(context.Background())
		done <- err
	}()
	for {
		var update Stats
		select {
		case update = <-listener.updates:
		case <-time.After(5 * time.Second):
			t.Fatalf("cycle never paused\n")
		}
		if update.State == Pause {
			break
		}
	}
	if _, err := c.Run(context.Background()); err != ErrRunning {
		t.Errorf("expected concurrent run to be refused, got %v\n", err)
	}
	if !c.Cancel() {
		t.Fatalf("expected a cycle to cancel\n")
	}
	if err := <-done; !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected canceled cycle, got %v\n", err)
	}
	if c.Current().State != Canceled {
		t.Errorf("expected CANCELED state, got %s\n", c.Current().State)
	}
	for id := dso.ObjectID(1); id <= 6; id++ {
		if !s.Contains(id) {
			t.Errorf("canceled cycle deleted object %d\n", id)
		}
	}
	if c.Cancel() {
		t.Errorf("cancel with no running cycle should report false\n")
	}
	c.RemoveListener(listener)
}

func TestPeriodic(t *testing.T) {
	s, clients := newGraph(t)
	c, _ := NewCollector(Config{
		Store:        s,
		Clients:      clients,
		Transactions: idleTransactions(),
		Interval:     10 * time.Millisecond,
	})
	listener := &testListener{updates: make(chan Stats, 100)}
	c.AddListener(listener)
	c.Start()
	defer c.Stop()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case update := <-listener.updates:
			if update.State == Complete && update.ActualGarbageCount == 1 {
				return
			}
		case <-timeout:
			t.Fatalf("periodic collection never completed\n")
		}
	}
}

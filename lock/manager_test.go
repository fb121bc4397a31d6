package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/janelia-flyem/dso/dso"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type event struct {
	kind   string
	client dso.NodeID
	id     dso.LockID
	thread dso.ThreadID
	level  Level
	greedy bool
}

type testSink struct {
	events chan event
}

func newTestSink() *testSink {
	return &testSink{events: make(chan event, 100)}
}

func (s *testSink) Award(client dso.NodeID, id dso.LockID, thread dso.ThreadID, level Level, greedy bool) {
	s.events <- event{"award", client, id, thread, level, greedy}
}

func (s *testSink) Recall(client dso.NodeID, id dso.LockID, level Level) {
	s.events <- event{kind: "recall", client: client, id: id, level: level}
}

func (s *testSink) WaitTimeout(client dso.NodeID, id dso.LockID, thread dso.ThreadID) {
	s.events <- event{kind: "wait timeout", client: client, id: id, thread: thread}
}

func (s *testSink) Refuse(client dso.NodeID, id dso.LockID, thread dso.ThreadID, level Level) {
	s.events <- event{kind: "refuse", client: client, id: id, thread: thread, level: level}
}

func (s *testSink) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for lock event\n")
	}
	return event{}
}

func (s *testSink) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-s.events:
		t.Fatalf("unexpected lock event %+v\n", e)
	default:
	}
}

var (
	c1 = dso.ClientID(1)
	c2 = dso.ClientID(2)
	c3 = dso.ClientID(3)
	c4 = dso.ClientID(4)
)

func newTestManager(greedy bool) (*Manager, *testSink) {
	sink := newTestSink()
	return NewManager(Config{Sink: sink, Greedy: greedy}), sink
}

func TestContextChain(t *testing.T) {
	var c contextChain
	a := &lockContext{thread: 1}
	b := &lockContext{thread: 2}
	d := &lockContext{thread: 3}

	c.add(a)
	if c.kind != singleChain || c.len() != 1 {
		t.Fatalf("expected single chain after one add, got kind %d len %d\n", c.kind, c.len())
	}
	c.add(b)
	c.add(d)
	if c.kind != linkedChain || c.len() != 3 {
		t.Fatalf("expected linked chain of 3, got kind %d len %d\n", c.kind, c.len())
	}
	var order []dso.ThreadID
	c.each(func(ctx *lockContext) bool {
		order = append(order, ctx.thread)
		return true
	})
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("bad chain order %v\n", order)
	}
	if !c.remove(b) || c.contains(b) {
		t.Errorf("couldn't remove middle context\n")
	}
	if c.remove(b) {
		t.Errorf("removed context twice\n")
	}
	if !c.remove(a) {
		t.Errorf("couldn't remove head context\n")
	}
	if c.kind != singleChain || c.single != d {
		t.Fatalf("expected demotion to single chain holding last context\n")
	}
	c.add(a)
	if c.tail.ctx != a {
		t.Errorf("expected re-added context at tail\n")
	}
	c.remove(a)
	c.remove(d)
	if c.kind != emptyChain || c.len() != 0 {
		t.Errorf("expected empty chain, got kind %d len %d\n", c.kind, c.len())
	}
}

func TestWriteContention(t *testing.T) {
	m, sink := newTestManager(false)
	defer m.Close()

	results := make([]Result, 2)
	clients := []dso.NodeID{c1, c2}
	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Request("L", clients[i], 1, Write)
		}(i)
	}
	wg.Wait()

	var winner, loser int
	switch {
	case results[0].Status == Granted && results[1].Status == Pending:
		winner, loser = 0, 1
	case results[1].Status == Granted && results[0].Status == Pending:
		winner, loser = 1, 0
	default:
		t.Fatalf("expected one grant and one queued request, got %v and %v\n",
			results[0].Status, results[1].Status)
	}
	info, found := m.Query("L")
	if !found || info.State != Queued || len(info.Contexts) != 2 {
		t.Fatalf("bad lock info after contention: %+v\n", info)
	}
	sink.none(t)

	if status := m.Release("L", clients[winner], 1); status != Released {
		t.Fatalf("expected release, got %s\n", status)
	}
	e := sink.next(t)
	if e.kind != "award" || e.client != clients[loser] || e.level != Write || e.greedy {
		t.Fatalf("expected write award to %s, got %+v\n", clients[loser], e)
	}
	if info, _ = m.Query("L"); info.State != Held {
		t.Errorf("expected HELD after award, got %s\n", info.State)
	}
	m.Release("L", clients[loser], 1)
	if _, found := m.Query("L"); found {
		t.Errorf("expected unused lock to be dropped\n")
	}

	stats := m.Stats()
	if stats.Requested != 2 || stats.Awarded != 2 || stats.Released != 2 || stats.Locks != 0 {
		t.Errorf("bad lock stats: %+v\n", stats)
	}
}

func TestReadersShareWritersWait(t *testing.T) {
	m, sink := newTestManager(false)
	defer m.Close()

	if r := m.Request("L", c1, 1, Read); r.Status != Granted {
		t.Fatalf("first reader not granted: %v\n", r.Status)
	}
	if r := m.Request("L", c2, 1, Read); r.Status != Granted {
		t.Fatalf("second reader not granted: %v\n", r.Status)
	}
	if r := m.Request("L", c3, 1, Write); r.Status != Pending {
		t.Fatalf("writer should queue behind readers: %v\n", r.Status)
	}
	if r := m.Request("L", c4, 1, Read); r.Status != Pending {
		t.Fatalf("reader should queue behind waiting writer: %v\n", r.Status)
	}
	if r := m.Request("L", c4, 2, Concurrent); r.Status != Granted {
		t.Fatalf("concurrent request should be granted: %v\n", r.Status)
	}

	m.Release("L", c1, 1)
	sink.none(t)
	m.Release("L", c2, 1)
	if e := sink.next(t); e.kind != "award" || e.client != c3 || e.level != Write {
		t.Fatalf("expected write award to %s, got %+v\n", c3, e)
	}
	sink.none(t)
	m.Release("L", c3, 1)
	if e := sink.next(t); e.kind != "award" || e.client != c4 || e.level != Read {
		t.Fatalf("expected read award to %s, got %+v\n", c4, e)
	}
}

func TestReentrancy(t *testing.T) {
	m, sink := newTestManager(false)
	defer m.Close()

	for i := 0; i < 2; i++ {
		if r := m.Request("L", c1, 7, Write); r.Status != Granted {
			t.Fatalf("reentrant request %d not granted: %v\n", i, r.Status)
		}
	}
	if r := m.Request("L", c1, 7, Read); r.Status != Granted {
		t.Fatalf("read under write not granted: %v\n", r.Status)
	}
	if r := m.Request("L", c2, 1, Write); r.Status != Pending {
		t.Fatalf("expected second client to queue: %v\n", r.Status)
	}
	info, _ := m.Query("L")
	if info.Contexts[0].Count != 3 {
		t.Errorf("expected hold depth 3, got %d\n", info.Contexts[0].Count)
	}
	for i := 0; i < 2; i++ {
		m.Release("L", c1, 7)
		sink.none(t)
	}
	m.Release("L", c1, 7)
	if e := sink.next(t); e.kind != "award" || e.client != c2 {
		t.Fatalf("expected award to %s after last release, got %+v\n", c2, e)
	}
	if status := m.Release("L", c1, 7); status != NotHeld {
		t.Errorf("expected NOT_HELD on extra release, got %s\n", status)
	}
	if status := m.Release("M", c1, 7); status != NotHeld {
		t.Errorf("expected NOT_HELD on unknown lock, got %s\n", status)
	}

	m.Request("R", c3, 1, Read)
	if r := m.Request("R", c3, 1, Write); r.Status != Rejected {
		t.Errorf("expected upgrade to be rejected, got %s\n", r.Status)
	}
}

func TestWaitTimeout(t *testing.T) {
	m, sink := newTestManager(false)
	defer m.Close()

	m.Request("L", c1, 1, Write)
	start := time.Now()
	if err := m.Wait("L", c1, 1, 100*time.Millisecond); err != nil {
		t.Fatalf("couldn't wait: %v\n", err)
	}
	info, _ := m.Query("L")
	if len(info.Contexts) != 1 || info.Contexts[0].State != WaiterState {
		t.Fatalf("expected single waiter, got %+v\n", info.Contexts)
	}

	e := sink.next(t)
	if e.kind != "wait timeout" || e.client != c1 || e.thread != 1 {
		t.Fatalf("expected wait timeout, got %+v\n", e)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("wait timed out early after %s\n", elapsed)
	}
	if _, found := m.Query("L"); found {
		t.Errorf("expected timed out waiter to be removed from the lock\n")
	}
	if stats := m.Stats(); stats.WaitTimeouts != 1 {
		t.Errorf("expected 1 wait timeout, got %d\n", stats.WaitTimeouts)
	}
	if err := m.Wait("L", c1, 1, 0); err != ErrNotHeld {
		t.Errorf("expected ErrNotHeld waiting on unheld lock, got %v\n", err)
	}
}

func TestNotify(t *testing.T) {
	m, sink := newTestManager(false)
	defer m.Close()

	m.Request("L", c1, 1, Write)
	m.Request("L", c1, 1, Write)
	if err := m.Wait("L", c1, 1, time.Hour); err != nil {
		t.Fatalf("couldn't wait: %v\n", err)
	}
	if err := m.Wait("L", c3, 1, 0); err != ErrNotHeld {
		t.Fatalf("expected ErrNotHeld, got %v\n", err)
	}
	if r := m.Request("L", c2, 1, Write); r.Status != Granted {
		t.Fatalf("expected lock to be free while waiting, got %s\n", r.Status)
	}
	if n := m.Notify("L", c2, 1, false); n != 1 {
		t.Fatalf("expected 1 notified waiter, got %d\n", n)
	}
	if n := m.Notify("L", c2, 1, true); n != 0 {
		t.Fatalf("expected no remaining waiters, got %d\n", n)
	}
	sink.none(t)

	m.Release("L", c2, 1)
	e := sink.next(t)
	if e.kind != "award" || e.client != c1 || e.thread != 1 {
		t.Fatalf("expected notified waiter to reacquire, got %+v\n", e)
	}
	info, _ := m.Query("L")
	if len(info.Contexts) != 1 || info.Contexts[0].State != HolderState || info.Contexts[0].Count != 2 {
		t.Fatalf("expected reacquired hold at depth 2, got %+v\n", info.Contexts)
	}
	m.Release("L", c1, 1)
	m.Release("L", c1, 1)
	if _, found := m.Query("L"); found {
		t.Errorf("expected lock to be dropped\n")
	}
}

func TestTryLock(t *testing.T) {
	m, sink := newTestManager(false)
	defer m.Close()

	m.Request("L", c1, 1, Write)
	if r := m.TryLock("L", c2, 1, Write, 0); r.Status != TimedOut {
		t.Fatalf("expected immediate timeout, got %s\n", r.Status)
	}
	if r := m.TryLock("L", c2, 1, Write, 50*time.Millisecond); r.Status != Pending {
		t.Fatalf("expected queued try lock, got %s\n", r.Status)
	}
	if e := sink.next(t); e.kind != "refuse" || e.client != c2 {
		t.Fatalf("expected refusal of %s, got %+v\n", c2, e)
	}
	if r := m.TryLock("L", c3, 1, Read, time.Hour); r.Status != Pending {
		t.Fatalf("expected queued try lock, got %s\n", r.Status)
	}
	m.Release("L", c1, 1)
	if e := sink.next(t); e.kind != "award" || e.client != c3 || e.level != Read {
		t.Fatalf("expected award to %s, got %+v\n", c3, e)
	}
	if r := m.TryLock("L", c4, 1, Read, 0); r.Status != Granted {
		t.Errorf("expected shared read try lock to be granted, got %s\n", r.Status)
	}
	if stats := m.Stats(); stats.TryTimeouts != 1 {
		t.Errorf("expected 1 try lock timeout, got %d\n", stats.TryTimeouts)
	}
}

func TestGreedyRecall(t *testing.T) {
	m, sink := newTestManager(true)
	defer m.Close()

	r := m.Request("L", c1, 1, Write)
	if r.Status != Granted || !r.Greedy {
		t.Fatalf("expected greedy grant, got %+v\n", r)
	}
	if r = m.Request("L", c1, 2, Read); r.Status != Granted || !r.Greedy {
		t.Fatalf("expected request covered by greedy lease, got %+v\n", r)
	}
	if info, _ := m.Query("L"); info.State != Greedy {
		t.Fatalf("expected GREEDY state, got %s\n", info.State)
	}

	if r = m.Request("L", c2, 1, Write); r.Status != Pending {
		t.Fatalf("expected competing request to queue, got %+v\n", r)
	}
	if e := sink.next(t); e.kind != "recall" || e.client != c1 || e.level != Write {
		t.Fatalf("expected recall from %s, got %+v\n", c1, e)
	}
	if r = m.Request("L", c3, 1, Write); r.Status != Pending {
		t.Fatalf("expected third request to queue, got %+v\n", r)
	}
	sink.none(t)

	err := m.RecallCommit("L", c1, []ClientContext{
		{Thread: 1, Level: Write, State: HolderState, Count: 1},
	})
	if err != nil {
		t.Fatalf("recall commit failed: %v\n", err)
	}
	sink.none(t)
	info, _ := m.Query("L")
	var greedy int
	for _, ctx := range info.Contexts {
		if ctx.State == GreedyHolderState {
			greedy++
		}
	}
	if greedy != 0 || info.State != Queued || info.Recalling {
		t.Fatalf("bad lock after recall commit: %+v\n", info)
	}

	m.Release("L", c1, 1)
	if e := sink.next(t); e.kind != "award" || e.client != c2 || e.greedy {
		t.Fatalf("expected plain award to %s while contended, got %+v\n", c2, e)
	}
	m.Release("L", c2, 1)
	if e := sink.next(t); e.kind != "award" || e.client != c3 || !e.greedy {
		t.Fatalf("expected greedy award to %s once uncontended, got %+v\n", c3, e)
	}

	stats := m.Stats()
	if stats.HopRequested != 1 || stats.Hopped != 1 {
		t.Errorf("bad hop stats: %+v\n", stats)
	}
	if err := m.RecallCommit("L", c1, nil); err != ErrNotHeld {
		t.Errorf("expected ErrNotHeld for recall commit without lease, got %v\n", err)
	}
}

func TestClearClient(t *testing.T) {
	m, sink := newTestManager(true)
	defer m.Close()

	m.Request("A", c1, 1, Write)
	m.Request("A", c2, 1, Write)
	if e := sink.next(t); e.kind != "recall" || e.client != c1 || e.id != "A" {
		t.Fatalf("expected recall of A, got %+v\n", e)
	}
	m.Request("B", c1, 1, Write)
	if r := m.TryLock("B", c3, 1, Read, time.Hour); r.Status != Pending {
		t.Fatalf("expected queued try lock, got %s\n", r.Status)
	}
	if e := sink.next(t); e.kind != "recall" || e.client != c1 || e.id != "B" {
		t.Fatalf("expected recall of B, got %+v\n", e)
	}

	m.ClearClient(c1)
	awards := make(map[dso.LockID]event)
	for i := 0; i < 2; i++ {
		e := sink.next(t)
		if e.kind != "award" || !e.greedy {
			t.Fatalf("expected greedy award after clear, got %+v\n", e)
		}
		awards[e.id] = e
	}
	if awards["A"].client != c2 || awards["B"].client != c3 {
		t.Fatalf("bad awards after clear: %+v\n", awards)
	}
	m.ClearClient(c2)
	m.ClearClient(c3)
	if locks := m.Locks(); len(locks) != 0 {
		t.Errorf("expected no locks after clearing every client, got %+v\n", locks)
	}
	sink.none(t)
}

/*
	Package lock implements the server side of cluster-wide locks.  Each lock keeps a
	chain of client thread contexts: holders, pending requests, try-lock requests with a
	deadline, and threads waiting to be notified.  Requests are granted in arrival order;
	READ holders share a lock, WRITE holders are exclusive.

	An uncontended lock may be awarded greedily to a whole client, which then arbitrates
	the lock among its own threads.  A competing request from any other client recalls
	the greedy lease before it is served.
*/
package lock

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/janelia-flyem/dso/dso"
)

// GreedyThread is the thread of a greedy holder context, which stands for every thread
// of its client.
const GreedyThread dso.ThreadID = 0

// noTimeout marks a blocking request.
const noTimeout time.Duration = -1

// ErrNotHeld is returned when an operation requires a lock the caller does not hold.
var ErrNotHeld = errors.New("lock not held")

// Sink delivers asynchronous lock responses to clients.  Methods are called while the
// lock's mutex is held, so they must not block or call back into the Manager.
type Sink interface {
	// Award grants a queued request.  A greedy award leases the lock to the whole client.
	Award(client dso.NodeID, id dso.LockID, thread dso.ThreadID, level Level, greedy bool)

	// Recall asks a client to return its greedy lease through RecallCommit.
	Recall(client dso.NodeID, id dso.LockID, level Level)

	// WaitTimeout reports a wait that expired without a notify.
	WaitTimeout(client dso.NodeID, id dso.LockID, thread dso.ThreadID)

	// Refuse reports a try-lock request that was not granted before its timeout.
	Refuse(client dso.NodeID, id dso.LockID, thread dso.ThreadID, level Level)
}

// Config holds the dependencies of a Manager.
type Config struct {
	Sink Sink

	// Stats receives lock events in addition to the Manager's own counters.
	Stats StatsRecorder

	// Greedy enables leasing uncontended locks to clients.
	Greedy bool
}

// Result is the immediate outcome of a lock request.
type Result struct {
	Status Status
	Greedy bool
}

// ClientContext describes one thread's use of a lock on a client returning a greedy
// lease.
type ClientContext struct {
	Thread  dso.ThreadID
	Level   Level
	State   ContextState
	Count   int
	Timeout time.Duration
}

// ContextInfo is a snapshot of one context of a lock.
type ContextInfo struct {
	Client dso.NodeID
	Thread dso.ThreadID
	Level  Level
	State  ContextState
	Count  int
}

// LockInfo is a snapshot of one lock.
type LockInfo struct {
	ID        dso.LockID
	State     State
	Recalling bool
	Contexts  []ContextInfo
	Stats     LockStats
}

// Stats are counters over all locks.
type Stats struct {
	LockStats
	Locks        int
	WaitTimeouts uint64
	TryTimeouts  uint64
}

type serverLock struct {
	mu        sync.Mutex
	id        dso.LockID
	chain     contextChain
	recalling bool // a greedy lease has been recalled and not yet returned
	dead      bool // removed from the Manager
}

func (l *serverLock) holder(client dso.NodeID, thread dso.ThreadID) *lockContext {
	return l.chain.find(func(ctx *lockContext) bool {
		return ctx.state == HolderState && ctx.client == client && ctx.thread == thread
	})
}

func (l *serverLock) greedyHolder(client dso.NodeID) *lockContext {
	return l.chain.find(func(ctx *lockContext) bool {
		return ctx.state == GreedyHolderState && ctx.client == client
	})
}

func (l *serverLock) hasPending() bool {
	return l.chain.find((*lockContext).isPending) != nil
}

// grantable returns true if ctx can be granted given the current holders.
func (l *serverLock) grantable(ctx *lockContext) bool {
	if l.recalling {
		return false
	}
	ok := true
	l.chain.each(func(h *lockContext) bool {
		switch {
		case h == ctx || !h.isHolder():
		case h.state == GreedyHolderState:
			ok = h.client == ctx.client && covers(h.level, ctx.level)
		default:
			ok = compatible(h.level, ctx.level)
		}
		return ok
	})
	return ok
}

// uncontended returns true if nothing but pending requests of ctx's client share the
// lock with ctx.
func (l *serverLock) uncontended(ctx *lockContext) bool {
	return l.chain.find(func(other *lockContext) bool {
		return other != ctx && (other.client != ctx.client || !other.isPending())
	}) == nil
}

func (l *serverLock) state() State {
	st := Unlocked
	l.chain.each(func(ctx *lockContext) bool {
		switch {
		case ctx.state == GreedyHolderState:
			st = Greedy
			return false
		case ctx.isPending() || ctx.state == WaiterState:
			st = Queued
		case st == Unlocked:
			st = Held
		}
		return true
	})
	return st
}

func (l *serverLock) contexts() []ContextInfo {
	var infos []ContextInfo
	l.chain.each(func(ctx *lockContext) bool {
		infos = append(infos, ContextInfo{
			Client: ctx.client,
			Thread: ctx.thread,
			Level:  ctx.level,
			State:  ctx.state,
			Count:  ctx.count,
		})
		return true
	})
	return infos
}

type recorders []StatsRecorder

func (rs recorders) RecordLockRequested(id dso.LockID, client dso.NodeID, thread dso.ThreadID, level Level) {
	for _, r := range rs {
		r.RecordLockRequested(id, client, thread, level)
	}
}

func (rs recorders) RecordLockAwarded(id dso.LockID, client dso.NodeID, thread dso.ThreadID, level Level) {
	for _, r := range rs {
		r.RecordLockAwarded(id, client, thread, level)
	}
}

func (rs recorders) RecordLockReleased(id dso.LockID, client dso.NodeID, thread dso.ThreadID) {
	for _, r := range rs {
		r.RecordLockReleased(id, client, thread)
	}
}

func (rs recorders) RecordLockHopRequested(id dso.LockID) {
	for _, r := range rs {
		r.RecordLockHopRequested(id)
	}
}

func (rs recorders) RecordLockHopped(id dso.LockID) {
	for _, r := range rs {
		r.RecordLockHopped(id)
	}
}

// Manager arbitrates every lock of the cluster.
type Manager struct {
	sink     Sink
	greedy   bool
	counters *Counters
	stats    recorders

	waitTimeouts uint64
	tryTimeouts  uint64

	mu    sync.Mutex
	locks map[dso.LockID]*serverLock
}

func NewManager(config Config) *Manager {
	m := &Manager{
		sink:     config.Sink,
		greedy:   config.Greedy,
		counters: NewCounters(),
		locks:    make(map[dso.LockID]*serverLock),
	}
	m.stats = recorders{m.counters}
	if config.Stats != nil {
		m.stats = append(m.stats, config.Stats)
	}
	return m
}

// acquire returns the named lock with its mutex held, or nil if the lock has no
// contexts and create is false.  The Manager's mutex is never held while waiting on a
// lock's mutex.
func (m *Manager) acquire(id dso.LockID, create bool) *serverLock {
	for {
		m.mu.Lock()
		l, found := m.locks[id]
		if !found {
			if !create {
				m.mu.Unlock()
				return nil
			}
			l = &serverLock{id: id}
			m.locks[id] = l
		}
		m.mu.Unlock()

		l.mu.Lock()
		if !l.dead {
			return l
		}
		l.mu.Unlock()
	}
}

// done drops an empty lock and releases its mutex.
func (m *Manager) done(l *serverLock) {
	if l.chain.len() == 0 && !l.recalling && !l.dead {
		m.mu.Lock()
		if m.locks[l.id] == l {
			delete(m.locks, l.id)
		}
		m.mu.Unlock()
		l.dead = true
	}
	l.mu.Unlock()
}

// Request asks for a lock, queueing the request until it can be granted.  A queued
// request is later granted through Sink.Award.
func (m *Manager) Request(id dso.LockID, client dso.NodeID, thread dso.ThreadID, level Level) Result {
	return m.request(id, client, thread, level, noTimeout)
}

// TryLock asks for a lock but gives up after timeout.  With a zero timeout the request
// is never queued and returns TimedOut if it cannot be granted at once; otherwise an
// expired request is reported through Sink.Refuse.
func (m *Manager) TryLock(id dso.LockID, client dso.NodeID, thread dso.ThreadID, level Level, timeout time.Duration) Result {
	if timeout < 0 {
		timeout = 0
	}
	return m.request(id, client, thread, level, timeout)
}

func (m *Manager) request(id dso.LockID, client dso.NodeID, thread dso.ThreadID, level Level, timeout time.Duration) Result {
	l := m.acquire(id, true)
	defer m.done(l)

	m.stats.RecordLockRequested(id, client, thread, level)
	if h := l.holder(client, thread); h != nil {
		if !covers(h.level, level) {
			dso.Warningf("lock manager: rejecting upgrade of %s from %s to %s by %s thread %d\n",
				id, h.level, level, client, thread)
			return Result{Status: Rejected}
		}
		h.count++
		m.stats.RecordLockAwarded(id, client, thread, level)
		return Result{Status: Granted}
	}

	ctx := &lockContext{client: client, thread: thread, level: level, state: PendingState, count: 1}
	if (level == Concurrent || !l.hasPending()) && l.grantable(ctx) {
		greedy := m.grant(l, ctx)
		return Result{Status: Granted, Greedy: greedy}
	}
	if timeout == 0 {
		return Result{Status: TimedOut}
	}
	if timeout > 0 {
		ctx.state = TryPendingState
		m.startTimer(l, ctx, timeout)
	}
	l.chain.add(ctx)
	m.recallConflicting(l, ctx)
	return Result{Status: Pending}
}

// grant makes ctx a holder and returns true if the grant is covered by a greedy lease.
func (m *Manager) grant(l *serverLock, ctx *lockContext) bool {
	ctx.stopTimer()
	m.stats.RecordLockAwarded(l.id, ctx.client, ctx.thread, ctx.level)
	if l.greedyHolder(ctx.client) != nil {
		l.chain.remove(ctx)
		return true
	}
	if m.greedy && ctx.level != Concurrent && l.uncontended(ctx) {
		l.chain.remove(ctx)
		l.chain.add(&lockContext{
			client: ctx.client,
			thread: GreedyThread,
			level:  ctx.level,
			state:  GreedyHolderState,
			count:  1,
		})
		return true
	}
	if !l.chain.contains(ctx) {
		l.chain.add(ctx)
	}
	ctx.state = HolderState
	return false
}

// serve grants pending requests in arrival order until one cannot be granted.
func (m *Manager) serve(l *serverLock) {
	for _, ctx := range l.chain.collect((*lockContext).isPending) {
		if !l.grantable(ctx) {
			m.recallConflicting(l, ctx)
			return
		}
		greedy := m.grant(l, ctx)
		m.sink.Award(ctx.client, l.id, ctx.thread, ctx.level, greedy)
	}
}

// recallConflicting recalls the greedy leases that keep ctx from being granted.
func (m *Manager) recallConflicting(l *serverLock, ctx *lockContext) {
	if l.recalling {
		return
	}
	greedy := l.chain.collect(func(g *lockContext) bool { return g.state == GreedyHolderState })
	for _, g := range greedy {
		if g.client == ctx.client && covers(g.level, ctx.level) {
			continue
		}
		l.recalling = true
		m.stats.RecordLockHopRequested(l.id)
		dso.Debugf("lock manager: recalling greedy %s lease on %s from %s for %s\n",
			g.level, l.id, g.client, ctx.client)
		m.sink.Recall(g.client, l.id, g.level)
	}
}

func (m *Manager) startTimer(l *serverLock, ctx *lockContext, timeout time.Duration) {
	ctx.gen++
	gen := ctx.gen
	ctx.timer = time.AfterFunc(timeout, func() { m.expire(l, ctx, gen) })
}

// expire handles a timer firing for a waiter or try-lock request.
func (m *Manager) expire(l *serverLock, ctx *lockContext, gen uint64) {
	l.mu.Lock()
	defer m.done(l)
	if l.dead || ctx.timer == nil || ctx.gen != gen || !l.chain.contains(ctx) {
		return
	}
	ctx.timer = nil
	switch ctx.state {
	case WaiterState:
		l.chain.remove(ctx)
		atomic.AddUint64(&m.waitTimeouts, 1)
		dso.Debugf("lock manager: wait on %s by %s thread %d timed out\n", l.id, ctx.client, ctx.thread)
		m.sink.WaitTimeout(ctx.client, l.id, ctx.thread)
	case TryPendingState:
		l.chain.remove(ctx)
		atomic.AddUint64(&m.tryTimeouts, 1)
		dso.Debugf("lock manager: try lock on %s by %s thread %d timed out\n", l.id, ctx.client, ctx.thread)
		m.sink.Refuse(ctx.client, l.id, ctx.thread, ctx.level)
		m.serve(l)
	}
}

// Release gives up one level of a thread's hold on a lock.
func (m *Manager) Release(id dso.LockID, client dso.NodeID, thread dso.ThreadID) Status {
	l := m.acquire(id, false)
	if l == nil {
		return NotHeld
	}
	defer m.done(l)

	h := l.holder(client, thread)
	if h == nil {
		return NotHeld
	}
	m.stats.RecordLockReleased(id, client, thread)
	h.count--
	if h.count > 0 {
		return Released
	}
	l.chain.remove(h)
	m.serve(l)
	return Released
}

// Wait releases a held lock and parks the thread until a notify or, if timeout is
// positive, until the timeout reports through Sink.WaitTimeout.  A notified waiter
// reacquires the lock at its former depth.
func (m *Manager) Wait(id dso.LockID, client dso.NodeID, thread dso.ThreadID, timeout time.Duration) error {
	l := m.acquire(id, false)
	if l == nil {
		return ErrNotHeld
	}
	defer m.done(l)

	h := l.holder(client, thread)
	if h == nil {
		return ErrNotHeld
	}
	l.chain.remove(h)
	h.state = WaiterState
	l.chain.add(h)
	if timeout > 0 {
		m.startTimer(l, h, timeout)
	}
	m.serve(l)
	return nil
}

// Notify moves the longest waiting thread, or all waiting threads, back to pending and
// returns the number moved.
func (m *Manager) Notify(id dso.LockID, client dso.NodeID, thread dso.ThreadID, all bool) int {
	l := m.acquire(id, false)
	if l == nil {
		return 0
	}
	defer m.done(l)

	waiters := l.chain.collect(func(ctx *lockContext) bool { return ctx.state == WaiterState })
	if !all && len(waiters) > 1 {
		waiters = waiters[:1]
	}
	for _, w := range waiters {
		w.stopTimer()
		l.chain.remove(w)
		w.state = PendingState
		l.chain.add(w)
	}
	if len(waiters) != 0 {
		dso.Debugf("lock manager: %s thread %d notified %d waiters on %s\n", client, thread, len(waiters), id)
		m.serve(l)
	}
	return len(waiters)
}

// RecallCommit takes back a recalled greedy lease along with the client's local use of
// the lock, then serves the queue.
func (m *Manager) RecallCommit(id dso.LockID, client dso.NodeID, contexts []ClientContext) error {
	l := m.acquire(id, false)
	if l == nil {
		return ErrNotHeld
	}
	defer m.done(l)

	g := l.greedyHolder(client)
	if g == nil {
		dso.Warningf("lock manager: recall commit on %s from %s which holds no greedy lease\n", id, client)
		return ErrNotHeld
	}
	l.chain.remove(g)
	for _, cc := range contexts {
		ctx := &lockContext{client: client, thread: cc.Thread, level: cc.Level, state: cc.State, count: cc.Count}
		if ctx.count < 1 {
			ctx.count = 1
		}
		switch cc.State {
		case HolderState, PendingState:
		case WaiterState:
			if cc.Timeout > 0 {
				m.startTimer(l, ctx, cc.Timeout)
			}
		case TryPendingState:
			if cc.Timeout <= 0 {
				m.sink.Refuse(client, id, cc.Thread, cc.Level)
				continue
			}
			m.startTimer(l, ctx, cc.Timeout)
		default:
			dso.Warningf("lock manager: ignoring %s context of %s thread %d in recall commit on %s\n",
				cc.State, client, cc.Thread, id)
			continue
		}
		l.chain.add(ctx)
	}
	l.recalling = false
	m.stats.RecordLockHopped(id)
	m.serve(l)
	return nil
}

// ClearClient drops every context of a disconnected client and serves the locks it
// was blocking.
func (m *Manager) ClearClient(client dso.NodeID) {
	m.mu.Lock()
	ids := make([]dso.LockID, 0, len(m.locks))
	for id := range m.locks {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var cleared int
	for _, id := range ids {
		l := m.acquire(id, false)
		if l == nil {
			continue
		}
		ctxs := l.chain.collect(func(ctx *lockContext) bool { return ctx.client == client })
		for _, ctx := range ctxs {
			ctx.stopTimer()
			if ctx.state == GreedyHolderState {
				l.recalling = false
			}
			l.chain.remove(ctx)
		}
		if len(ctxs) != 0 {
			cleared++
			m.serve(l)
		}
		m.done(l)
	}
	if cleared != 0 {
		dso.Infof("lock manager: cleared %s from %d locks\n", client, cleared)
	}
}

// Query returns a snapshot of one lock.
func (m *Manager) Query(id dso.LockID) (LockInfo, bool) {
	l := m.acquire(id, false)
	if l == nil {
		return LockInfo{}, false
	}
	info := LockInfo{
		ID:        id,
		State:     l.state(),
		Recalling: l.recalling,
		Contexts:  l.contexts(),
	}
	m.done(l)
	info.Stats = m.counters.ForLock(id)
	return info, true
}

// Locks returns snapshots of every lock in use, ordered by ID.
func (m *Manager) Locks() []LockInfo {
	m.mu.Lock()
	ids := make([]dso.LockID, 0, len(m.locks))
	for id := range m.locks {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	infos := make([]LockInfo, 0, len(ids))
	for _, id := range ids {
		if info, found := m.Query(id); found {
			infos = append(infos, info)
		}
	}
	return infos
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	n := len(m.locks)
	m.mu.Unlock()
	return Stats{
		LockStats:    m.counters.Total(),
		Locks:        n,
		WaitTimeouts: atomic.LoadUint64(&m.waitTimeouts),
		TryTimeouts:  atomic.LoadUint64(&m.tryTimeouts),
	}
}

// Close stops every wait and try-lock timer.
func (m *Manager) Close() {
	m.mu.Lock()
	locks := make([]*serverLock, 0, len(m.locks))
	for _, l := range m.locks {
		locks = append(locks, l)
	}
	m.mu.Unlock()
	for _, l := range locks {
		l.mu.Lock()
		l.chain.each(func(ctx *lockContext) bool {
			ctx.stopTimer()
			return true
		})
		l.mu.Unlock()
	}
}

/*
	Package gc collects objects of the object store that can no longer be reached.

	A cycle marks everything reachable from the root set, the reference sets reported by
	connected clients, objects referenced by transactions still in flight, and objects
	checked out of the store.  It then pauses until transactions are quiescent (bounded
	by a timeout), marks again, and deletes whatever was never marked and is still
	unreferenced.  A canceled cycle deletes nothing.
*/
package gc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/objectstore"
)

// ErrCanceled is returned by a cycle stopped before its sweep.
var ErrCanceled = errors.New("gc cycle canceled")

// ErrRunning is returned when a cycle is requested while another runs.
var ErrRunning = errors.New("gc cycle already running")

// markCheckInterval is how many objects are marked between cancellation checks.
const markCheckInterval = 1024

// historySize is the number of past cycles retained for management.
const historySize = 16

// ObjectGraph is the view of the object store a collector needs.
type ObjectGraph interface {
	RootIDs() dso.ObjectIDSet
	References(id dso.ObjectID) (dso.ObjectIDSet, error)
	AllObjectIDs() (dso.ObjectIDSet, error)
	ObjectsInUse() dso.ObjectIDSet
	DeleteObjects(ids dso.ObjectIDSet) (dso.ObjectIDSet, error)
}

// ReferenceSource adds the objects held by connected clients.
type ReferenceSource interface {
	AddAllReferencedIdsTo(ids dso.ObjectIDSet)
}

// Transactions exposes the references of unfinished transactions and signals
// quiescence.
type Transactions interface {
	InFlightReferences() dso.ObjectIDSet
	Idle() <-chan struct{}
}

// ResultSink receives the results of completed cycles.
type ResultSink interface {
	GarbageCollected(Result)
}

type Config struct {
	Store        ObjectGraph
	Clients      ReferenceSource
	Transactions Transactions
	Results      ResultSink

	// Interval between periodic cycles.  Zero disables Start.
	Interval time.Duration

	// PauseTimeout bounds the wait for transaction quiescence.
	PauseTimeout time.Duration
}

// Collector runs mark and sweep cycles over an object store.
type Collector struct {
	store        ObjectGraph
	clients      ReferenceSource
	txns         Transactions
	results      ResultSink
	interval     time.Duration
	pauseTimeout time.Duration

	listenersMu sync.RWMutex
	listeners   []Listener

	runMu sync.Mutex // held for the duration of a cycle

	mu        sync.Mutex
	iteration uint64
	cancel    context.CancelFunc // cancels the running cycle
	current   Stats
	history   []Stats

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewCollector(c Config) (*Collector, error) {
	if c.Store == nil {
		return nil, errors.New("garbage collector requires an object store")
	}
	return &Collector{
		store:        c.Store,
		clients:      c.Clients,
		txns:         c.Transactions,
		results:      c.Results,
		interval:     c.Interval,
		pauseTimeout: c.PauseTimeout,
	}, nil
}

func (c *Collector) AddListener(l Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

func (c *Collector) RemoveListener(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, cur := range c.listeners {
		if cur == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *Collector) update(stats *Stats, state State) {
	stats.State = state
	stats.ElapsedTime = time.Since(stats.StartTime)
	snapshot := *stats

	c.mu.Lock()
	c.current = snapshot
	if state.Terminal() {
		c.history = append(c.history, snapshot)
		if len(c.history) > historySize {
			c.history = c.history[len(c.history)-historySize:]
		}
	}
	c.mu.Unlock()

	c.listenersMu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()
	for _, l := range listeners {
		l.GarbageCollectorUpdate(snapshot)
	}
}

// Run performs one collection cycle.  It returns ErrRunning if a cycle is already in
// progress and ErrCanceled if ctx is done or Cancel is called before the sweep.
func (c *Collector) Run(ctx context.Context) (Stats, error) {
	if !c.runMu.TryLock() {
		return Stats{}, ErrRunning
	}
	defer c.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.iteration++
	stats := Stats{Iteration: c.iteration, StartTime: time.Now()}
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	err := c.run(ctx, &stats)
	switch {
	case err == nil:
		dso.Infof("garbage collector: %s\n", stats)
	case errors.Is(err, ErrCanceled):
		dso.Infof("garbage collector: cycle %d canceled after %s\n", stats.Iteration, stats.ElapsedTime)
	default:
		dso.Errorf("garbage collector: cycle %d failed: %v\n", stats.Iteration, err)
	}
	return stats, err
}

func (c *Collector) canceled(ctx context.Context, stats *Stats) error {
	if ctx.Err() == nil {
		return nil
	}
	c.update(stats, Canceled)
	return ErrCanceled
}

func (c *Collector) run(ctx context.Context, stats *Stats) error {
	c.update(stats, Start)

	all, err := c.store.AllObjectIDs()
	if err != nil {
		c.update(stats, Canceled)
		return err
	}
	stats.BeginObjectCount = len(all)

	c.update(stats, Mark)
	markStart := time.Now()
	reachable := dso.NewObjectIDSet()
	if err := c.mark(ctx, reachable); err != nil {
		c.update(stats, Canceled)
		return err
	}
	stats.MarkStageTime = time.Since(markStart)
	if err := c.canceled(ctx, stats); err != nil {
		return err
	}

	c.update(stats, Pause)
	pauseStart := time.Now()
	c.pause(ctx)
	if err := c.canceled(ctx, stats); err != nil {
		return err
	}
	// Objects referenced while marking are picked up by a second pass, which only
	// visits objects the first pass missed.
	if err := c.mark(ctx, reachable); err != nil {
		c.update(stats, Canceled)
		return err
	}
	stats.PauseStageTime = time.Since(pauseStart)
	if err := c.canceled(ctx, stats); err != nil {
		return err
	}

	c.update(stats, MarkComplete)
	garbage := dso.NewObjectIDSet()
	for id := range all {
		if !reachable.Contains(id) {
			garbage.Add(id)
		}
	}
	stats.CandidateGarbageCount = len(garbage)
	garbage.RemoveAll(c.stillReferenced())
	if err := c.canceled(ctx, stats); err != nil {
		return err
	}

	deleteStart := time.Now()
	deleted, err := c.store.DeleteObjects(garbage)
	stats.DeleteStageTime = time.Since(deleteStart)
	if err != nil {
		c.update(stats, Canceled)
		return err
	}
	stats.ActualGarbageCount = len(deleted)
	stats.EndObjectCount = stats.BeginObjectCount - len(deleted)
	c.update(stats, Complete)

	if c.results != nil && len(deleted) != 0 {
		c.results.GarbageCollected(Result{Iteration: stats.Iteration, Deleted: deleted})
	}
	return nil
}

// seeds returns the objects known live without traversal.
func (c *Collector) seeds() dso.ObjectIDSet {
	ids := c.store.RootIDs()
	ids.AddAll(c.stillReferenced())
	return ids
}

// stillReferenced returns the objects held by clients, transactions and checkouts.
func (c *Collector) stillReferenced() dso.ObjectIDSet {
	ids := dso.NewObjectIDSet()
	if c.clients != nil {
		c.clients.AddAllReferencedIdsTo(ids)
	}
	if c.txns != nil {
		ids.AddAll(c.txns.InFlightReferences())
	}
	ids.AddAll(c.store.ObjectsInUse())
	return ids
}

// mark adds to reachable every object transitively referenced from the seeds.
func (c *Collector) mark(ctx context.Context, reachable dso.ObjectIDSet) error {
	var stack []dso.ObjectID
	for id := range c.seeds() {
		if !reachable.Contains(id) {
			stack = append(stack, id)
		}
	}
	var visited int
	for len(stack) != 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable.Contains(id) {
			continue
		}
		reachable.Add(id)

		visited++
		if visited%markCheckInterval == 0 && ctx.Err() != nil {
			return ErrCanceled
		}

		refs, err := c.store.References(id)
		if err != nil {
			var missing *objectstore.NoSuchObjectError
			if errors.As(err, &missing) {
				continue
			}
			return err
		}
		for ref := range refs {
			if !reachable.Contains(ref) {
				stack = append(stack, ref)
			}
		}
	}
	return nil
}

// pause waits for transactions to go idle, the pause timeout, or cancellation.
func (c *Collector) pause(ctx context.Context) {
	if c.txns == nil || c.pauseTimeout <= 0 {
		return
	}
	timer := time.NewTimer(c.pauseTimeout)
	defer timer.Stop()
	select {
	case <-c.txns.Idle():
	case <-timer.C:
		dso.Warningf("garbage collector: transactions not idle after %s, continuing\n", c.pauseTimeout)
	case <-ctx.Done():
	}
}

// Cancel stops the running cycle, if any, before it deletes anything.
func (c *Collector) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Current returns the stats of the running or most recent cycle.
func (c *Collector) Current() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// History returns the stats of recently finished cycles, oldest first.
func (c *Collector) History() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := make([]Stats, len(c.history))
	copy(history, c.history)
	return history
}

// Start runs a cycle every configured interval until Stop.
func (c *Collector) Start() {
	if c.interval <= 0 || c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-c.stop
			cancel()
		}()
		for {
			select {
			case <-ticker.C:
				if _, err := c.Run(ctx); err == ErrRunning {
					dso.Debugf("garbage collector: skipping periodic cycle, one is running\n")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends periodic collection, canceling a cycle in progress.
func (c *Collector) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.wg.Wait()
	c.stop = nil
}

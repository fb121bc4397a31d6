/*
	Package stage runs the server's work as a set of named stages.  Each stage owns a
	bounded queue drained by a fixed number of workers.  A stage with a single worker
	handles its events in the order they were added.
*/
package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/janelia-flyem/dso/dso"
)

var (
	ErrStopped   = errors.New("stage is stopped")
	ErrQueueFull = errors.New("stage queue is full")
)

const (
	DefaultWorkers   = 1
	DefaultQueueSize = 1024
)

// EventHandler processes the events of one stage.
type EventHandler func(event interface{}) error

// Config describes one stage.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Handler   EventHandler
}

// Stats are the counters of one stage.
type Stats struct {
	Name      string
	Workers   int
	QueueSize int
	Queued    int
	Processed uint64
	Failed    uint64
}

// Stage is a queue and the workers draining it.
type Stage struct {
	name    string
	workers int
	handler EventHandler

	mu      sync.RWMutex // guards sends on queue against close
	queue   chan interface{}
	stopped bool
	wg      sync.WaitGroup

	processed uint64
	failed    uint64
}

func newStage(c Config) *Stage {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return &Stage{
		name:    c.Name,
		workers: c.Workers,
		handler: c.Handler,
		queue:   make(chan interface{}, c.QueueSize),
	}
}

func (s *Stage) Name() string {
	return s.name
}

func (s *Stage) start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
}

func (s *Stage) work() {
	defer s.wg.Done()
	for event := range s.queue {
		s.handle(event)
	}
}

func (s *Stage) handle(event interface{}) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&s.failed, 1)
			dso.Criticalf("stage %s: handler panic on %v: %v\n", s.name, event, r)
		}
	}()
	if err := s.handler(event); err != nil {
		atomic.AddUint64(&s.failed, 1)
		dso.Errorf("stage %s: %v\n", s.name, err)
		return
	}
	atomic.AddUint64(&s.processed, 1)
}

// AddEvent queues an event, waiting for room until ctx is done.
func (s *Stage) AddEvent(ctx context.Context, event interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAddEvent queues an event only if the queue has room.
func (s *Stage) TryAddEvent(event interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// stop refuses new events and waits for the queued ones to be handled.
func (s *Stage) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Stage) Stats() Stats {
	return Stats{
		Name:      s.name,
		Workers:   s.workers,
		QueueSize: cap(s.queue),
		Queued:    len(s.queue),
		Processed: atomic.LoadUint64(&s.processed),
		Failed:    atomic.LoadUint64(&s.failed),
	}
}

// Manager holds the stages of a server.
type Manager struct {
	mu      sync.Mutex
	stages  map[string]*Stage
	order   []string
	started bool
	stopped bool
}

func NewManager() *Manager {
	return &Manager{stages: make(map[string]*Stage)}
}

// CreateStage adds a stage.  Stages created after Start begin at once.
func (m *Manager) CreateStage(c Config) (*Stage, error) {
	if c.Name == "" || c.Handler == nil {
		return nil, fmt.Errorf("stage requires a name and a handler")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrStopped
	}
	if _, found := m.stages[c.Name]; found {
		return nil, fmt.Errorf("stage %q already exists", c.Name)
	}
	s := newStage(c)
	m.stages[c.Name] = s
	m.order = append(m.order, c.Name)
	if m.started {
		s.start()
	}
	dso.Debugf("created stage %s with %d workers and queue of %d\n", s.name, s.workers, cap(s.queue))
	return s, nil
}

// Stage returns a named stage or nil.
func (m *Manager) Stage(name string) *Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stages[name]
}

// Start runs the workers of every stage.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	for _, name := range m.order {
		m.stages[name].start()
	}
}

// Stop drains and halts the stages in the order they were created.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	stages := make([]*Stage, len(m.order))
	for i, name := range m.order {
		stages[i] = m.stages[name]
	}
	m.mu.Unlock()

	for _, s := range stages {
		if !started {
			s.start()
		}
		s.stop()
	}
	dso.Infof("stopped %d stages\n", len(stages))
}

// Stats returns the counters of every stage sorted by name.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	stats := make([]Stats, 0, len(m.stages))
	for _, s := range m.stages {
		stats = append(stats, s.Stats())
	}
	m.mu.Unlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOrderedStage(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var got []int
	s, err := m.CreateStage(Config{Name: "apply", Handler: func(e interface{}) error {
		mu.Lock()
		got = append(got, e.(int))
		mu.Unlock()
		return nil
	}})
	if err != nil {
		t.Fatalf("couldn't create stage: %v\n", err)
	}
	if _, err := m.CreateStage(Config{Name: "apply", Handler: s.handler}); err == nil {
		t.Errorf("expected duplicate stage name to be refused\n")
	}
	m.Start()
	for i := 0; i < 100; i++ {
		if err := s.AddEvent(context.Background(), i); err != nil {
			t.Fatalf("couldn't add event %d: %v\n", i, err)
		}
	}
	m.Stop()
	if len(got) != 100 {
		t.Fatalf("expected 100 events drained on stop, got %d\n", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d handled out of order: %d\n", i, v)
		}
	}
	if err := s.AddEvent(context.Background(), 1); err != ErrStopped {
		t.Errorf("expected stopped stage to refuse events, got %v\n", err)
	}
	if stats := m.Stats(); len(stats) != 1 || stats[0].Processed != 100 {
		t.Errorf("bad stage stats: %+v\n", stats)
	}
}

func TestBoundedQueue(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s, _ := m.CreateStage(Config{Name: "slow", QueueSize: 1, Handler: func(e interface{}) error {
		started <- struct{}{}
		<-release
		if e.(int) == 2 {
			return errors.New("bad event")
		}
		return nil
	}})
	m.Start()

	if err := s.AddEvent(context.Background(), 1); err != nil {
		t.Fatalf("couldn't add event: %v\n", err)
	}
	<-started
	if err := s.TryAddEvent(2); err != nil {
		t.Fatalf("expected room for one queued event: %v\n", err)
	}
	if err := s.TryAddEvent(3); err != ErrQueueFull {
		t.Errorf("expected full queue, got %v\n", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.AddEvent(ctx, 3); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected add to time out, got %v\n", err)
	}
	close(release)
	m.Stop()
	if stats := s.Stats(); stats.Processed != 1 || stats.Failed != 1 {
		t.Errorf("bad stage stats: %+v\n", stats)
	}
}

func TestParallelWorkers(t *testing.T) {
	m := NewManager()
	m.Start()
	var wg sync.WaitGroup
	wg.Add(4)
	s, _ := m.CreateStage(Config{Name: "broadcast", Workers: 4, Handler: func(e interface{}) error {
		wg.Done()
		wg.Wait() // every worker must be busy at once to get past here
		return nil
	}})
	for i := 0; i < 4; i++ {
		s.AddEvent(context.Background(), i)
	}
	m.Stop()
	if m.Stage("broadcast").Stats().Processed != 4 {
		t.Errorf("expected 4 events processed in parallel\n")
	}
}

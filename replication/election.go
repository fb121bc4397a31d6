package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/janelia-flyem/dso/dso"
)

const (
	DefaultElectionTimeout = 5 * time.Second

	// maxElectionRounds bounds re-elections forced by ties.
	maxElectionRounds = 8
)

// ElectionManager runs the election of the active server among a group.  Each round
// announces this server's enrollment and collects the enrollments of its peers until
// the election timeout.
type ElectionManager struct {
	timeout time.Duration

	mu      sync.Mutex
	running bool
	votes   map[dso.NodeID]Enrollment
	winner  *Enrollment
}

func NewElectionManager(timeout time.Duration) *ElectionManager {
	if timeout <= 0 {
		timeout = DefaultElectionTimeout
	}
	return &ElectionManager{timeout: timeout}
}

// Vote records a peer's enrollment in the running election.  It returns false if no
// election is running.
func (em *ElectionManager) Vote(e Enrollment) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	if !em.running {
		return false
	}
	em.votes[e.Node] = e
	return true
}

// Running returns true while an election is in progress.
func (em *ElectionManager) Running() bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.running
}

// Winner returns the outcome of the last completed election.
func (em *ElectionManager) Winner() (Enrollment, bool) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.winner == nil {
		return Enrollment{}, false
	}
	return *em.winner, true
}

// Run elects the active server.  The announce function sends this server's
// enrollment to its peers at the start of each round.  An exact tie is logged and
// forces another round with a new random weight.
func (em *ElectionManager) Run(ctx context.Context, self Enrollment, announce func(Enrollment)) (Enrollment, error) {
	em.mu.Lock()
	if em.running {
		em.mu.Unlock()
		return Enrollment{}, fmt.Errorf("election already running")
	}
	em.running = true
	em.mu.Unlock()
	defer func() {
		em.mu.Lock()
		em.running = false
		em.mu.Unlock()
	}()

	for round := 1; round <= maxElectionRounds; round++ {
		em.mu.Lock()
		em.votes = map[dso.NodeID]Enrollment{self.Node: self}
		em.mu.Unlock()

		if announce != nil {
			announce(self)
		}
		timer := time.NewTimer(em.timeout)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Enrollment{}, ctx.Err()
		}

		em.mu.Lock()
		candidates := make([]Enrollment, 0, len(em.votes))
		for _, e := range em.votes {
			candidates = append(candidates, e)
		}
		em.mu.Unlock()

		winner, err := decide(candidates)
		if err == ErrElectionTie {
			dso.Warningf("election round %d tied among %d candidates, re-running election\n", round, len(candidates))
			self.reroll()
			continue
		}
		if err != nil {
			return Enrollment{}, err
		}
		em.mu.Lock()
		em.winner = &winner
		em.mu.Unlock()
		dso.Infof("election round %d won by %s\n", round, winner)
		return winner, nil
	}
	return Enrollment{}, fmt.Errorf("no winner after %d election rounds: %w", maxElectionRounds, ErrElectionTie)
}

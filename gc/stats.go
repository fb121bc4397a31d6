package gc

import (
	"fmt"
	"time"

	"github.com/janelia-flyem/dso/dso"
)

// State is the phase of one collection cycle.
type State uint8

const (
	Start State = iota
	Mark
	Pause
	MarkComplete
	Complete
	Canceled
)

func (s State) String() string {
	switch s {
	case Start:
		return "START"
	case Mark:
		return "MARK"
	case Pause:
		return "PAUSE"
	case MarkComplete:
		return "MARK_COMPLETE"
	case Complete:
		return "COMPLETE"
	case Canceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("unknown gc state %d", uint8(s))
	}
}

// Terminal returns true for states a cycle never leaves.
func (s State) Terminal() bool {
	return s == Complete || s == Canceled
}

// Stats describe one collection cycle.
type Stats struct {
	Iteration             uint64
	State                 State
	StartTime             time.Time
	BeginObjectCount      int
	EndObjectCount        int
	CandidateGarbageCount int
	ActualGarbageCount    int
	MarkStageTime         time.Duration
	PauseStageTime        time.Duration
	DeleteStageTime       time.Duration
	ElapsedTime           time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("gc %d %s: %d -> %d objects, %d candidates, %d deleted, mark %s pause %s delete %s total %s",
		s.Iteration, s.State, s.BeginObjectCount, s.EndObjectCount, s.CandidateGarbageCount,
		s.ActualGarbageCount, s.MarkStageTime, s.PauseStageTime, s.DeleteStageTime, s.ElapsedTime)
}

// Result is the outcome of a completed cycle as mirrored to passive servers.
type Result struct {
	Iteration uint64
	Deleted   dso.ObjectIDSet
}

// Listener receives the stats of a cycle each time it changes state.
type Listener interface {
	GarbageCollectorUpdate(Stats)
}

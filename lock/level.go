package lock

import (
	"fmt"
	"strings"
)

// Level is the mode in which a lock is requested.
type Level uint8

const (
	Read Level = iota + 1
	Write
	Concurrent
	SynchronousWrite
)

var levelNames = map[Level]string{
	Read:             "READ",
	Write:            "WRITE",
	Concurrent:       "CONCURRENT",
	SynchronousWrite: "SYNCHRONOUS_WRITE",
}

func (l Level) String() string {
	if name, found := levelNames[l]; found {
		return name
	}
	return fmt.Sprintf("unknown level %d", uint8(l))
}

// ParseLevel parses the output of Level.String, ignoring case.
func ParseLevel(s string) (Level, error) {
	s = strings.ToUpper(s)
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown lock level %q", s)
}

// IsWrite returns true for the exclusive levels.
func (l Level) IsWrite() bool {
	return l == Write || l == SynchronousWrite
}

// compatible returns true if a holder at level held permits another thread to hold
// the lock at level req.  CONCURRENT excludes nothing; READ is shared.
func compatible(held, req Level) bool {
	if held == Concurrent || req == Concurrent {
		return true
	}
	return held == Read && req == Read
}

// covers returns true if a thread holding at level held may take the lock again at
// level req without an upgrade.
func covers(held, req Level) bool {
	return held == req || held.IsWrite()
}

// State is the summary state of one lock.
type State uint8

const (
	Unlocked State = iota
	Held
	Queued
	Greedy
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "UNLOCKED"
	case Held:
		return "HELD"
	case Queued:
		return "QUEUED"
	case Greedy:
		return "GREEDY"
	default:
		return fmt.Sprintf("unknown lock state %d", uint8(s))
	}
}

// Status is the outcome of a lock operation.
type Status uint8

const (
	Granted Status = iota + 1
	Pending
	Rejected
	TimedOut
	Released
	NotHeld
)

func (s Status) String() string {
	switch s {
	case Granted:
		return "GRANTED"
	case Pending:
		return "QUEUED"
	case Rejected:
		return "REJECTED"
	case TimedOut:
		return "TIMED_OUT"
	case Released:
		return "RELEASED"
	case NotHeld:
		return "NOT_HELD"
	default:
		return fmt.Sprintf("unknown lock status %d", uint8(s))
	}
}

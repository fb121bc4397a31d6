package replication

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/message"
)

// ErrElectionTie is returned when two enrollments cannot be ordered.
var ErrElectionTie = errors.New("election tie")

// Enrollment is a server's candidacy in an election of the active server.  A server
// that was active before is old (New is false) and always outranks new servers.
type Enrollment struct {
	Node     dso.NodeID
	Instance string
	New      bool
	Weights  []int64
}

// NewEnrollment returns an enrollment with the given weights followed by a random
// weight, which makes exact ties unlikely.
func NewEnrollment(node dso.NodeID, instance string, isNew bool, weights ...int64) Enrollment {
	w := make([]int64, len(weights), len(weights)+1)
	copy(w, weights)
	w = append(w, rand.Int63())
	return Enrollment{Node: node, Instance: instance, New: isNew, Weights: w}
}

// reroll replaces the random weight.
func (e *Enrollment) reroll() {
	if len(e.Weights) == 0 {
		e.Weights = []int64{rand.Int63()}
		return
	}
	e.Weights[len(e.Weights)-1] = rand.Int63()
}

// Compare returns 1 if e outranks other, -1 if other outranks e, and
// ErrElectionTie if they cannot be ordered.  Old beats new; otherwise the longer
// weight vector wins, and vectors of equal length are compared element by element.
func (e Enrollment) Compare(other Enrollment) (int, error) {
	if e.New != other.New {
		if !e.New {
			return 1, nil
		}
		return -1, nil
	}
	if len(e.Weights) != len(other.Weights) {
		if len(e.Weights) > len(other.Weights) {
			return 1, nil
		}
		return -1, nil
	}
	for i, w := range e.Weights {
		switch {
		case w > other.Weights[i]:
			return 1, nil
		case w < other.Weights[i]:
			return -1, nil
		}
	}
	return 0, ErrElectionTie
}

// Wins returns true if e outranks other.
func (e Enrollment) Wins(other Enrollment) (bool, error) {
	c, err := e.Compare(other)
	return c > 0, err
}

func (e Enrollment) String() string {
	weights := make([]string, len(e.Weights))
	for i, w := range e.Weights {
		weights[i] = fmt.Sprintf("%d", w)
	}
	age := "old"
	if e.New {
		age = "new"
	}
	return fmt.Sprintf("enrollment of %s (%s, weights [%s])", e.Node, age, strings.Join(weights, ","))
}

// Message returns the wire form of the enrollment.
func (e Enrollment) Message() *message.Enrollment {
	return &message.Enrollment{Node: e.Node, Instance: e.Instance, New: e.New, Weights: e.Weights}
}

// EnrollmentFromMessage reverses Enrollment.Message.
func EnrollmentFromMessage(m *message.Enrollment) Enrollment {
	return Enrollment{Node: m.Node, Instance: m.Instance, New: m.New, Weights: m.Weights}
}

// decide returns the highest ranked enrollment.  If the best is tied with any other
// enrollment, ErrElectionTie is returned along with one of the tied candidates.
func decide(candidates []Enrollment) (Enrollment, error) {
	if len(candidates) == 0 {
		return Enrollment{}, fmt.Errorf("election without candidates")
	}
	best := candidates[0]
	tied := false
	for _, e := range candidates[1:] {
		c, err := e.Compare(best)
		switch {
		case err == ErrElectionTie:
			tied = true
		case c > 0:
			best = e
			tied = false
		}
	}
	if tied {
		return best, ErrElectionTie
	}
	return best, nil
}

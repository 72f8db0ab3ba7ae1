// Package schedule runs simultaneous-move phases.
//
// Within a phase every agent first computes its decision from the state as
// it was when the phase started (Collect), and only then are all decisions
// committed (Commit). No agent can observe another agent's in-phase
// mutation, even though execution is sequential.
package schedule

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCollected is returned when Commit runs before Collect.
	ErrNotCollected = errors.New("schedule: commit without collect")

	// ErrAgentCount is returned when the agent set changes between
	// Collect and Commit.
	ErrAgentCount = errors.New("schedule: agent count changed between collect and commit")
)

// Agent is the capability a phase needs from a participant: compute a
// decision without side effects, and later apply it.
type Agent[D any] interface {
	Compute() (D, error)
	Commit(D)
}

// Funcs adapts a pair of closures to Agent.
type Funcs[D any] struct {
	ComputeFunc func() (D, error)
	CommitFunc  func(D)
}

func (f Funcs[D]) Compute() (D, error) { return f.ComputeFunc() }
func (f Funcs[D]) Commit(d D)          { f.CommitFunc(d) }

// Phase holds the decisions collected for one simultaneous step.
type Phase[D any] struct {
	pending   []D
	collected bool
}

// Collect computes every agent's decision. On error nothing is kept and the
// phase can be collected again.
func (p *Phase[D]) Collect(agents []Agent[D]) error {
	p.pending = p.pending[:0]
	p.collected = false
	for i, a := range agents {
		d, err := a.Compute()
		if err != nil {
			p.pending = p.pending[:0]
			return fmt.Errorf("agent %d: %w", i, err)
		}
		p.pending = append(p.pending, d)
	}
	p.collected = true
	return nil
}

// Commit applies the collected decisions in agent order and resets the
// phase.
func (p *Phase[D]) Commit(agents []Agent[D]) error {
	if !p.collected {
		return ErrNotCollected
	}
	if len(agents) != len(p.pending) {
		return fmt.Errorf("%w: collected %d, committing %d", ErrAgentCount, len(p.pending), len(agents))
	}
	for i, a := range agents {
		a.Commit(p.pending[i])
	}
	p.collected = false
	return nil
}

// Pending returns the decisions collected so far.
func (p *Phase[D]) Pending() []D {
	return p.pending
}

// Step collects then commits, returning the committed decisions.
func Step[D any](agents []Agent[D]) ([]D, error) {
	var p Phase[D]
	if err := p.Collect(agents); err != nil {
		return nil, err
	}
	out := append([]D(nil), p.pending...)
	if err := p.Commit(agents); err != nil {
		return nil, err
	}
	return out, nil
}

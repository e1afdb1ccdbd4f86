package agent

import (
	"github.com/boristopalov/rtgym/pkg/core"
)

// PlanState is the state of a PlanBuffer.
type PlanState int

const (
	PlanEmpty PlanState = iota
	PlanStocked
)

func (s PlanState) String() string {
	if s == PlanStocked {
		return "stocked"
	}
	return "empty"
}

// PlanBuffer holds the not-yet-played actions of the latest plan. It has a
// single owner and is not safe for concurrent use.
type PlanBuffer struct {
	def      core.Action
	seq      []core.Action
	issuedAt int
	drains   int
}

// NewPlanBuffer returns an empty buffer that yields def when nothing is planned.
func NewPlanBuffer(def core.Action) *PlanBuffer {
	return &PlanBuffer{def: def}
}

func (p *PlanBuffer) State() PlanState {
	if len(p.seq) == 0 {
		return PlanEmpty
	}
	return PlanStocked
}

func (p *PlanBuffer) Empty() bool {
	return len(p.seq) == 0
}

// IssuedAt is the turn the current plan's call was issued.
func (p *PlanBuffer) IssuedAt() int {
	return p.issuedAt
}

// Remaining returns a copy of the unplayed actions.
func (p *PlanBuffer) Remaining() []core.Action {
	return append([]core.Action(nil), p.seq...)
}

// Replace installs a fresh plan produced by a call issued at turn
// issuedAt. An empty sequence leaves the buffer empty.
func (p *PlanBuffer) Replace(seq []core.Action, issuedAt int) {
	p.seq = append([]core.Action(nil), seq...)
	p.issuedAt = issuedAt
	p.drains = 0
}

// Drain pops the next action, or returns the default without touching
// state when the buffer is empty.
func (p *PlanBuffer) Drain() core.Action {
	if len(p.seq) == 0 {
		return p.def
	}
	a := p.seq[0]
	p.seq = p.seq[1:]
	p.drains++
	return a
}

// SkipAhead drops the actions belonging to turns that passed without a
// drain: now - issuedAt - drains leading elements.
func (p *PlanBuffer) SkipAhead(now int) {
	if len(p.seq) == 0 {
		return
	}
	skip := now - p.issuedAt - p.drains
	if skip <= 0 {
		return
	}
	if skip >= len(p.seq) {
		p.seq = nil
	} else {
		p.seq = p.seq[skip:]
	}
	p.drains += skip
}

// Next is the action for turn now: skip-ahead, then drain.
func (p *PlanBuffer) Next(now int) core.Action {
	p.SkipAhead(now)
	return p.Drain()
}

// Reset empties the buffer.
func (p *PlanBuffer) Reset() {
	p.seq = nil
	p.issuedAt = 0
	p.drains = 0
}

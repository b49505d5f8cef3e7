// Package unlock computes milestone lifecycle states from the plan's unlock
// strategy and the simulated date.
//
// Evaluation never mutates its input. When no state changes, the returned
// slice is the input slice itself, so callers can detect "nothing happened"
// by comparing references.
package unlock

import (
	"time"

	"planline/internal/domain"
	"planline/internal/errs"
)

// Result is a new version of the milestone list together with the
// transitions that produced it, in the order they were raised.
type Result struct {
	Milestones  []domain.Milestone
	Transitions []domain.Transition
}

func (r Result) Changed() bool { return len(r.Transitions) > 0 }

// Evaluate assigns every non-completed milestone the state its strategy
// computes for the given date.
func Evaluate(milestones []domain.Milestone, strategy domain.Strategy, at time.Time) Result {
	return evaluate(milestones, strategy, at, -1)
}

// ApplyManualTransition forces milestone id into state, then re-evaluates
// every other milestone against the updated list so cascades land in the same
// call. The overridden milestone is not re-evaluated.
func ApplyManualTransition(milestones []domain.Milestone, strategy domain.Strategy, at time.Time, id int64, state domain.State) (Result, error) {
	if !state.Valid() {
		return Result{}, errs.InvalidArgument("invalid milestone state %q", state)
	}
	idx := -1
	for i := range milestones {
		if milestones[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Result{}, errs.NotFound("milestone %d not found", id)
	}

	list := milestones
	var transitions []domain.Transition
	if from := list[idx].EffectiveState(); from != state {
		list = clone(milestones)
		list[idx].State = state
		transitions = append(transitions, domain.Transition{Milestone: list[idx], From: from, To: state})
	}

	rest := evaluate(list, strategy, at, idx)
	return Result{
		Milestones:  rest.Milestones,
		Transitions: append(transitions, rest.Transitions...),
	}, nil
}

func evaluate(milestones []domain.Milestone, strategy domain.Strategy, at time.Time, skip int) Result {
	today := domain.DateOnly(at)
	out := milestones
	copied := false
	var transitions []domain.Transition

	priorRequiredCompleted := true
	for i := range milestones {
		m := out[i]
		if i != skip && !m.Completed() {
			from := m.EffectiveState()
			next := resolve(strategy, priorRequiredCompleted, startReached(m, today))
			if next != from {
				if !copied {
					out = clone(milestones)
					copied = true
				}
				out[i].State = next
				transitions = append(transitions, domain.Transition{Milestone: out[i], From: from, To: next})
			}
		}
		if !out[i].Optional && !out[i].Completed() {
			priorRequiredCompleted = false
		}
	}
	return Result{Milestones: out, Transitions: transitions}
}

// resolve applies the strategy table. Unknown strategies fall through to
// the locked branch.
func resolve(strategy domain.Strategy, priorRequiredCompleted, startReached bool) domain.State {
	var unlocked bool
	switch strategy {
	case domain.StrategyByCompletionOnly:
		unlocked = priorRequiredCompleted
	case domain.StrategyByStartDateOnly:
		unlocked = startReached
	case domain.StrategyByStartDateOrCompletion:
		unlocked = priorRequiredCompleted || startReached
	case domain.StrategyByStartDateAndCompletion:
		unlocked = priorRequiredCompleted && startReached
	}
	if unlocked {
		return domain.StateUnlocked
	}
	return domain.StateLocked
}

func startReached(m domain.Milestone, today time.Time) bool {
	if m.StartDate == nil {
		return false
	}
	return !today.Before(domain.DateOnly(*m.StartDate))
}

func clone(milestones []domain.Milestone) []domain.Milestone {
	out := make([]domain.Milestone, len(milestones))
	copy(out, milestones)
	return out
}

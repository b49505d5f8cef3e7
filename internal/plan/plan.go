// Package plan runs one collaborator command through the core: evaluate
// unlock states, schedule communications for the raised transitions, tick the
// dispatch loop for the current day and resolve the current milestone.
//
// Every function takes a State value and returns a new one inside an Outcome.
// Nothing here touches storage.
package plan

import (
	"time"

	"planline/internal/comms"
	"planline/internal/dispatch"
	"planline/internal/domain"
	"planline/internal/errs"
	"planline/internal/redirect"
	"planline/internal/unlock"
)

// State is one version of a plan: its configuration, milestones and
// communication queues.
type State struct {
	Plan       domain.Plan                     `json:"plan"`
	Milestones []domain.Milestone              `json:"milestones"`
	Pending    []domain.ScheduledCommunication `json:"pending"`
	Delivered  []domain.DeliveredCommunication `json:"delivered"`
}

// Outcome is the result of one command.
type Outcome struct {
	State       State
	Transitions []domain.Transition
	Scheduled   []domain.ScheduledCommunication
	Delivered   []domain.DeliveredCommunication
	Dropped     []domain.ScheduledCommunication
	Current     *domain.CurrentMilestone
}

func (o *Outcome) merge(next Outcome) {
	o.State = next.State
	o.Transitions = append(o.Transitions, next.Transitions...)
	o.Scheduled = append(o.Scheduled, next.Scheduled...)
	o.Delivered = append(o.Delivered, next.Delivered...)
	o.Dropped = append(o.Dropped, next.Dropped...)
	o.Current = next.Current
}

// Current resolves the current milestone without running a command.
func Current(s State) *domain.CurrentMilestone {
	return redirect.Resolve(s.Milestones)
}

// Evaluate re-runs the unlock strategy at the plan's current date.
func Evaluate(s State) (Outcome, error) {
	res := unlock.Evaluate(s.Milestones, s.Plan.Strategy, s.Plan.CurrentDate)
	s.Milestones = res.Milestones
	return settle(s, res.Transitions)
}

// SetDate moves the simulated date, forward or back, and evaluates.
func SetDate(s State, date time.Time) (Outcome, error) {
	s.Plan.CurrentDate = domain.DateOnly(date)
	return Evaluate(s)
}

// MaxAdvanceDays bounds one Advance; every day is a full evaluation.
const MaxAdvanceDays = 3660

// Advance steps the simulated date forward one day at a time so that rules
// keyed on an exact day fire on the way.
func Advance(s State, days int) (Outcome, error) {
	if days < 1 {
		return Outcome{}, errs.InvalidArgument("days must be positive, got %d", days)
	}
	if days > MaxAdvanceDays {
		return Outcome{}, errs.InvalidArgument("days must be at most %d, got %d", MaxAdvanceDays, days)
	}
	var total Outcome
	for i := 0; i < days; i++ {
		next, err := SetDate(s, domain.AddDays(s.Plan.CurrentDate, 1))
		if err != nil {
			return Outcome{}, err
		}
		total.merge(next)
		s = next.State
	}
	return total, nil
}

func SetStrategy(s State, strategy domain.Strategy) (Outcome, error) {
	if !strategy.Valid() {
		return Outcome{}, errs.InvalidArgument("invalid unlock strategy %q", strategy)
	}
	s.Plan.Strategy = strategy
	return Evaluate(s)
}

// SetRules replaces the communication rules. A missing milestoneUnlocked rule
// is accepted here and reported when a milestone next unlocks.
func SetRules(s State, rules domain.Rules) (Outcome, error) {
	s.Plan.Rules = rules
	return Evaluate(s)
}

// Override applies a manual state change to one milestone.
func Override(s State, id int64, state domain.State) (Outcome, error) {
	res, err := unlock.ApplyManualTransition(s.Milestones, s.Plan.Strategy, s.Plan.CurrentDate, id, state)
	if err != nil {
		return Outcome{}, err
	}
	s.Milestones = res.Milestones
	return settle(s, res.Transitions)
}

// settle schedules communications for the transitions of one evaluation,
// ticks the dispatch loop for the current date and resolves the current
// milestone.
func settle(s State, transitions []domain.Transition) (Outcome, error) {
	scheduled, err := comms.Schedule(s.Plan.Rules, transitions, s.Plan.CurrentDate)
	if err != nil {
		return Outcome{}, err
	}
	pending := make([]domain.ScheduledCommunication, 0, len(s.Pending)+len(scheduled))
	pending = append(pending, s.Pending...)
	pending = append(pending, scheduled...)

	tick := dispatch.Tick(dispatch.Input{
		PlanID:     s.Plan.ID,
		Pending:    pending,
		Delivered:  s.Delivered,
		Milestones: s.Milestones,
		Rules:      s.Plan.Rules,
		PlanStart:  s.Plan.StartDate,
		Today:      s.Plan.CurrentDate,
	})
	s.Pending = tick.Pending
	s.Delivered = tick.Delivered

	return Outcome{
		State:       s,
		Transitions: transitions,
		Scheduled:   scheduled,
		Delivered:   tick.NewlyDelivered,
		Dropped:     tick.Dropped,
		Current:     redirect.Resolve(s.Milestones),
	}, nil
}

// Package comms turns milestone transitions and plan-level conditions into
// communications.
package comms

import (
	"time"

	"planline/internal/domain"
	"planline/internal/errs"
)

// Qualifies reports whether a transition can trigger an unlock follow-up.
// Re-entering the unlocked state from completed counts; staying unlocked
// does not.
func Qualifies(from, to domain.State) bool {
	return to == domain.StateUnlocked && from != domain.StateUnlocked
}

// Batch collects the scheduling decisions of one evaluation call. With
// furthestOnly set, only the qualifying milestone with the highest order is
// scheduled when the batch is closed; ties go to the one seen last.
type Batch struct {
	rules     domain.Rules
	trigger   time.Time
	immediate []domain.ScheduledCommunication
	furthest  *domain.Milestone
}

// NewBatch starts a batch whose entries are scheduled relative to trigger.
func NewBatch(rules domain.Rules, trigger time.Time) *Batch {
	return &Batch{rules: rules, trigger: domain.DateOnly(trigger)}
}

func (b *Batch) OnTransition(m *domain.Milestone, from, to domain.State) error {
	if m == nil {
		return errs.InvalidArgument("transition handler requires a milestone")
	}
	if !Qualifies(from, to) {
		return nil
	}
	rule := b.rules.MilestoneUnlocked
	if rule == nil {
		return errs.Configuration("missing required milestoneUnlocked configuration in rules")
	}
	if !rule.Enabled {
		return nil
	}
	if !appliesToKind(*rule, m.EffectiveKind()) {
		return nil
	}
	if rule.IgnoreOptional && m.Optional {
		return nil
	}
	if !rule.FurthestOnly {
		b.immediate = append(b.immediate, b.schedule(*m, rule.Days))
		return nil
	}
	if b.furthest == nil || m.Order() >= b.furthest.Order() {
		picked := *m
		b.furthest = &picked
	}
	return nil
}

// Close returns the scheduled communications of the batch and resets it.
func (b *Batch) Close() []domain.ScheduledCommunication {
	out := b.immediate
	if b.furthest != nil {
		days := 0
		if b.rules.MilestoneUnlocked != nil {
			days = b.rules.MilestoneUnlocked.Days
		}
		out = append(out, b.schedule(*b.furthest, days))
	}
	b.immediate = nil
	b.furthest = nil
	return out
}

func (b *Batch) schedule(m domain.Milestone, days int) domain.ScheduledCommunication {
	return domain.ScheduledCommunication{
		Rule:          domain.RuleMilestoneUnlocked,
		MilestoneID:   m.ID,
		MilestoneName: m.Name,
		DaysOffset:    days,
		ScheduledDate: domain.AddDays(b.trigger, days),
	}
}

func appliesToKind(rule domain.MilestoneUnlockedRule, kind domain.Kind) bool {
	switch kind {
	case domain.KindSession:
		return rule.ApplyToSessions
	case domain.KindChapter:
		return rule.ApplyToChapters
	default:
		return false
	}
}

// Schedule runs one batch over the transitions raised by a single
// evaluation. An error aborts the whole batch.
func Schedule(rules domain.Rules, transitions []domain.Transition, trigger time.Time) ([]domain.ScheduledCommunication, error) {
	batch := NewBatch(rules, trigger)
	for i := range transitions {
		t := transitions[i]
		if err := batch.OnTransition(&t.Milestone, t.From, t.To); err != nil {
			return nil, err
		}
	}
	return batch.Close(), nil
}

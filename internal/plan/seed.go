package plan

import (
	"fmt"
	"time"

	"planline/internal/domain"
)

// Fixture describes the canonical milestone set a reset re-seeds.
type Fixture struct {
	Count       int
	SpacingDays int
	// Optional lists 1-based milestone numbers seeded as optional.
	Optional []int
}

func DefaultFixture() Fixture {
	return Fixture{Count: 5, SpacingDays: 7, Optional: []int{2}}
}

// Seed builds a fresh plan: milestones 1..Count with weekly start dates from
// today, the first one unlocked, strategy set to the given value and empty
// communication queues.
func Seed(id string, today time.Time, strategy domain.Strategy, rules domain.Rules, fx Fixture) State {
	today = domain.DateOnly(today)
	if !strategy.Valid() {
		strategy = domain.DefaultStrategy
	}
	optional := make(map[int]bool, len(fx.Optional))
	for _, n := range fx.Optional {
		optional[n] = true
	}
	milestones := make([]domain.Milestone, 0, fx.Count)
	for i := 0; i < fx.Count; i++ {
		start := domain.AddDays(today, i*fx.SpacingDays)
		end := domain.AddDays(start, fx.SpacingDays)
		state := domain.StateLocked
		if i == 0 {
			state = domain.StateUnlocked
		}
		milestones = append(milestones, domain.Milestone{
			ID:        int64(i + 1),
			Name:      fmt.Sprintf("Milestone %d", i+1),
			Kind:      domain.KindChapter,
			Optional:  optional[i+1],
			State:     state,
			StartDate: &start,
			EndDate:   &end,
		})
	}
	return State{
		Plan: domain.Plan{
			ID:          id,
			Strategy:    strategy,
			Rules:       rules,
			StartDate:   today,
			CurrentDate: today,
		},
		Milestones: milestones,
		Pending:    []domain.ScheduledCommunication{},
		Delivered:  []domain.DeliveredCommunication{},
	}
}

// Reset replaces the plan with the fixture, keeping its id and rules, and
// settles the first day.
func Reset(s State, today time.Time, strategy domain.Strategy, fx Fixture) (Outcome, error) {
	fresh := Seed(s.Plan.ID, today, strategy, s.Plan.Rules, fx)
	fresh.Plan.CreatedAt = s.Plan.CreatedAt
	return Evaluate(fresh)
}

// Progress summarises completion over required milestones.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
	Complete   bool    `json:"complete"`
}

func ProgressOf(milestones []domain.Milestone) Progress {
	var p Progress
	for _, m := range milestones {
		if m.Optional {
			continue
		}
		p.Total++
		if m.Completed() {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) * 100 / float64(p.Total)
	}
	p.Complete = p.Total > 0 && p.Completed == p.Total
	return p
}

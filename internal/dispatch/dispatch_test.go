package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func scheduled(id int64, name string, due time.Time) domain.ScheduledCommunication {
	return domain.ScheduledCommunication{
		Rule:          domain.RuleMilestoneUnlocked,
		MilestoneID:   id,
		MilestoneName: name,
		DaysOffset:    3,
		ScheduledDate: due,
	}
}

func quietRules() domain.Rules {
	rules := domain.DefaultRules()
	rules.PlanStatus.Enabled = false
	rules.SessionReminder.Enabled = false
	return rules
}

func TestTickPromotesDueEntriesInOrder(t *testing.T) {
	milestones := []domain.Milestone{{ID: 1, Name: "One"}, {ID: 2, Name: "Two"}, {ID: 3, Name: "Three"}}
	pending := []domain.ScheduledCommunication{
		scheduled(2, "Two", day(5)),
		scheduled(1, "One", day(3)),
		scheduled(3, "Three", day(9)),
	}
	out := Tick(Input{
		PlanID:     "p",
		Pending:    pending,
		Milestones: milestones,
		Rules:      quietRules(),
		PlanStart:  day(1),
		Today:      time.Date(2024, 1, 5, 17, 0, 0, 0, time.UTC),
	})

	require.Len(t, out.NewlyDelivered, 2)
	assert.Equal(t, "Unlocked Follow-up: Two", out.NewlyDelivered[0].Type)
	assert.Equal(t, "Unlocked Follow-up: One", out.NewlyDelivered[1].Type)
	assert.Equal(t, day(5), out.NewlyDelivered[0].Date)
	require.Len(t, out.Pending, 1)
	assert.Equal(t, int64(3), out.Pending[0].MilestoneID)
	assert.Equal(t, out.NewlyDelivered, out.Delivered)
	assert.Len(t, pending, 3, "input queue must not be modified")
}

func TestTickUsesCurrentMilestoneName(t *testing.T) {
	out := Tick(Input{
		PlanID:     "p",
		Pending:    []domain.ScheduledCommunication{scheduled(1, "Old name", day(2))},
		Milestones: []domain.Milestone{{ID: 1, Name: "Renamed", State: domain.StateUnlocked}},
		Rules:      quietRules(),
		Today:      day(2),
	})
	require.Len(t, out.NewlyDelivered, 1)
	assert.Equal(t, "Unlocked Follow-up: Renamed", out.NewlyDelivered[0].Type)
	require.NotNil(t, out.NewlyDelivered[0].Milestone)
	assert.Equal(t, domain.StateUnlocked, out.NewlyDelivered[0].Milestone.State)
}

func TestTickDropsRemovedMilestones(t *testing.T) {
	out := Tick(Input{
		PlanID:     "p",
		Pending:    []domain.ScheduledCommunication{scheduled(7, "Gone", day(2))},
		Milestones: []domain.Milestone{{ID: 1, Name: "One"}},
		Rules:      quietRules(),
		Today:      day(4),
	})
	assert.Empty(t, out.NewlyDelivered)
	assert.Empty(t, out.Pending)
	require.Len(t, out.Dropped, 1)
	assert.Equal(t, int64(7), out.Dropped[0].MilestoneID)
}

func TestTickDeduplicatesAcrossTicks(t *testing.T) {
	milestones := []domain.Milestone{{ID: 1, Name: "One"}}
	first := Tick(Input{
		PlanID:     "p",
		Pending:    []domain.ScheduledCommunication{scheduled(1, "One", day(2))},
		Milestones: milestones,
		Rules:      quietRules(),
		Today:      day(2),
	})
	require.Len(t, first.NewlyDelivered, 1)

	second := Tick(Input{
		PlanID:     "p",
		Pending:    []domain.ScheduledCommunication{scheduled(1, "One", day(3))},
		Delivered:  first.Delivered,
		Milestones: milestones,
		Rules:      quietRules(),
		Today:      day(3),
	})
	assert.Empty(t, second.NewlyDelivered)
	assert.Len(t, second.Duplicates, 1)
	assert.Len(t, second.Delivered, 1)
}

func TestTickPlanLevelChecks(t *testing.T) {
	rules := domain.DefaultRules()
	sessionStart := day(10)
	milestones := []domain.Milestone{
		{ID: 1, Name: "Intro", State: domain.StateCompleted},
		{ID: 2, Name: "Live", Kind: domain.KindSession, State: domain.StateCompleted, StartDate: &sessionStart},
	}
	out := Tick(Input{
		PlanID:     "p",
		Milestones: milestones,
		Rules:      rules,
		PlanStart:  day(8),
		Today:      day(8),
	})
	var types []string
	for _, d := range out.NewlyDelivered {
		types = append(types, d.Type)
	}
	assert.Equal(t, []string{"Plan Started", "Plan Completed", "Session Reminder: Live"}, types)
	assert.Nil(t, out.NewlyDelivered[0].Milestone)
	require.NotNil(t, out.NewlyDelivered[2].Milestone)
	assert.Equal(t, int64(2), out.NewlyDelivered[2].Milestone.ID)

	again := Tick(Input{
		PlanID:     "p",
		Delivered:  out.Delivered,
		Milestones: milestones,
		Rules:      rules,
		PlanStart:  day(8),
		Today:      day(8),
	})
	assert.Empty(t, again.NewlyDelivered)
}

func TestCommunicationIDStable(t *testing.T) {
	a := CommunicationID("plan", "Plan Started", 0)
	assert.Equal(t, a, CommunicationID("plan", "Plan Started", 0))
	assert.NotEqual(t, a, CommunicationID("other", "Plan Started", 0))
	assert.Len(t, a, 36)
}

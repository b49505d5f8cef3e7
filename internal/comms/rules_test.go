package comms

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
	"planline/internal/errs"
)

var trigger = time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)

func rulesWith(mutate func(r *domain.MilestoneUnlockedRule)) domain.Rules {
	rules := domain.DefaultRules()
	if mutate != nil {
		mutate(rules.MilestoneUnlocked)
	}
	return rules
}

func unlockOf(id int64, from domain.State) domain.Transition {
	return domain.Transition{
		Milestone: domain.Milestone{ID: id, Name: "Chapter", Kind: domain.KindChapter, State: domain.StateUnlocked},
		From:      from,
		To:        domain.StateUnlocked,
	}
}

func TestQualifies(t *testing.T) {
	assert.True(t, Qualifies(domain.StateLocked, domain.StateUnlocked))
	assert.True(t, Qualifies(domain.StateCompleted, domain.StateUnlocked))
	assert.False(t, Qualifies(domain.StateUnlocked, domain.StateUnlocked))
	assert.False(t, Qualifies(domain.StateLocked, domain.StateCompleted))
	assert.False(t, Qualifies(domain.StateUnlocked, domain.StateLocked))
}

func TestFurthestOnlyPicksHighestPosition(t *testing.T) {
	transitions := []domain.Transition{
		unlockOf(1, domain.StateLocked),
		unlockOf(2, domain.StateLocked),
		unlockOf(3, domain.StateLocked),
	}
	scheduled, err := Schedule(rulesWith(nil), transitions, trigger)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, int64(3), scheduled[0].MilestoneID)
	assert.Equal(t, domain.RuleMilestoneUnlocked, scheduled[0].Rule)
	assert.Equal(t, 3, scheduled[0].DaysOffset)
	assert.Equal(t, time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC), scheduled[0].ScheduledDate)
}

func TestFurthestOnlyTieGoesToLastEncountered(t *testing.T) {
	pos := int64(5)
	a := unlockOf(10, domain.StateLocked)
	a.Milestone.Position = &pos
	b := unlockOf(11, domain.StateLocked)
	b.Milestone.Position = &pos
	scheduled, err := Schedule(rulesWith(nil), []domain.Transition{a, b}, trigger)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, int64(11), scheduled[0].MilestoneID)
}

func TestFurthestOnlyUsesPositionNotListOrder(t *testing.T) {
	high := int64(9)
	low := int64(1)
	a := unlockOf(1, domain.StateLocked)
	a.Milestone.Position = &high
	b := unlockOf(2, domain.StateLocked)
	b.Milestone.Position = &low
	scheduled, err := Schedule(rulesWith(nil), []domain.Transition{a, b}, trigger)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, int64(1), scheduled[0].MilestoneID)
}

func TestWithoutFurthestOnlyEveryUnlockIsScheduled(t *testing.T) {
	rules := rulesWith(func(r *domain.MilestoneUnlockedRule) { r.FurthestOnly = false })
	scheduled, err := Schedule(rules, []domain.Transition{
		unlockOf(2, domain.StateLocked),
		unlockOf(1, domain.StateLocked),
	}, trigger)
	require.NoError(t, err)
	require.Len(t, scheduled, 2)
	assert.Equal(t, int64(2), scheduled[0].MilestoneID)
	assert.Equal(t, int64(1), scheduled[1].MilestoneID)
}

func TestMissingConfigurationFails(t *testing.T) {
	rules := domain.Rules{PlanStatus: domain.PlanStatusRule{Enabled: true}}
	_, err := Schedule(rules, []domain.Transition{unlockOf(1, domain.StateLocked)}, trigger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
}

func TestMissingConfigurationIgnoredWhenNothingQualifies(t *testing.T) {
	rules := domain.Rules{}
	scheduled, err := Schedule(rules, []domain.Transition{{
		Milestone: domain.Milestone{ID: 1},
		From:      domain.StateUnlocked,
		To:        domain.StateCompleted,
	}}, trigger)
	require.NoError(t, err)
	assert.Empty(t, scheduled)
}

func TestNilMilestoneIsInvalidArgument(t *testing.T) {
	batch := NewBatch(rulesWith(nil), trigger)
	err := batch.OnTransition(nil, domain.StateLocked, domain.StateUnlocked)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestFilters(t *testing.T) {
	session := domain.Milestone{ID: 1, Name: "S", Kind: domain.KindSession}
	chapter := domain.Milestone{ID: 2, Name: "C", Kind: domain.KindChapter}
	untyped := domain.Milestone{ID: 3, Name: "U"}
	unknown := domain.Milestone{ID: 4, Name: "X", Kind: "workshop"}
	optional := domain.Milestone{ID: 5, Name: "O", Kind: domain.KindChapter, Optional: true}

	cases := []struct {
		name   string
		rule   func(r *domain.MilestoneUnlockedRule)
		target domain.Milestone
		want   bool
	}{
		{"session rejected by default", nil, session, false},
		{"session accepted when enabled", func(r *domain.MilestoneUnlockedRule) { r.ApplyToSessions = true }, session, true},
		{"chapter accepted", nil, chapter, true},
		{"chapter rejected", func(r *domain.MilestoneUnlockedRule) { r.ApplyToChapters = false }, chapter, false},
		{"missing kind counts as chapter", nil, untyped, true},
		{"unknown kind dropped", func(r *domain.MilestoneUnlockedRule) { r.ApplyToSessions = true }, unknown, false},
		{"optional ignored", nil, optional, false},
		{"optional kept", func(r *domain.MilestoneUnlockedRule) { r.IgnoreOptional = false }, optional, true},
		{"rule disabled", func(r *domain.MilestoneUnlockedRule) { r.Enabled = false }, chapter, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batch := NewBatch(rulesWith(tc.rule), trigger)
			target := tc.target
			require.NoError(t, batch.OnTransition(&target, domain.StateLocked, domain.StateUnlocked))
			got := batch.Close()
			if tc.want {
				require.Len(t, got, 1)
				assert.Equal(t, tc.target.ID, got[0].MilestoneID)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestZeroAndNegativeDaysAllowed(t *testing.T) {
	for _, days := range []int{0, -2} {
		rules := rulesWith(func(r *domain.MilestoneUnlockedRule) { r.Days = days })
		scheduled, err := Schedule(rules, []domain.Transition{unlockOf(1, domain.StateLocked)}, trigger)
		require.NoError(t, err)
		require.Len(t, scheduled, 1)
		assert.Equal(t, domain.AddDays(trigger, days), scheduled[0].ScheduledDate)
	}
}

func TestCompletedToUnlockedQualifies(t *testing.T) {
	scheduled, err := Schedule(rulesWith(nil), []domain.Transition{unlockOf(1, domain.StateCompleted)}, trigger)
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)
}

func TestCloseResetsBatch(t *testing.T) {
	batch := NewBatch(rulesWith(nil), trigger)
	m := domain.Milestone{ID: 1, Name: "C"}
	require.NoError(t, batch.OnTransition(&m, domain.StateLocked, domain.StateUnlocked))
	assert.Len(t, batch.Close(), 1)
	assert.Empty(t, batch.Close())
}

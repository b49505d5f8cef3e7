package unlock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
	"planline/internal/errs"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ms(id int64, state domain.State) domain.Milestone {
	return domain.Milestone{ID: id, Name: "M", State: state}
}

func withStart(m domain.Milestone, start time.Time) domain.Milestone {
	m.StartDate = &start
	return m
}

func states(list []domain.Milestone) []domain.State {
	out := make([]domain.State, len(list))
	for i, m := range list {
		out[i] = m.EffectiveState()
	}
	return out
}

func TestByCompletionOnlyUnlocksAfterRequiredPrefix(t *testing.T) {
	in := []domain.Milestone{
		ms(1, domain.StateCompleted),
		ms(2, domain.StateLocked),
		ms(3, domain.StateLocked),
	}
	res := Evaluate(in, domain.StrategyByCompletionOnly, day(2024, 1, 1))

	assert.Equal(t, []domain.State{domain.StateCompleted, domain.StateUnlocked, domain.StateLocked}, states(res.Milestones))
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, int64(2), res.Transitions[0].Milestone.ID)
	assert.Equal(t, domain.StateLocked, res.Transitions[0].From)
	assert.Equal(t, domain.StateUnlocked, res.Transitions[0].To)
	assert.Equal(t, domain.StateLocked, in[1].State, "input must not be mutated")
}

func TestByCompletionOnlyFirstMilestoneAlwaysUnlocks(t *testing.T) {
	res := Evaluate([]domain.Milestone{ms(1, domain.StateLocked)}, domain.StrategyByCompletionOnly, day(2024, 1, 1))
	assert.Equal(t, domain.StateUnlocked, res.Milestones[0].State)
}

func TestOptionalMilestonesNeverBlock(t *testing.T) {
	optional := ms(2, domain.StateLocked)
	optional.Optional = true
	in := []domain.Milestone{
		ms(1, domain.StateCompleted),
		optional,
		ms(3, domain.StateLocked),
		ms(4, domain.StateLocked),
	}
	res := Evaluate(in, domain.StrategyByCompletionOnly, day(2024, 1, 1))
	assert.Equal(t, []domain.State{
		domain.StateCompleted,
		domain.StateUnlocked,
		domain.StateUnlocked,
		domain.StateLocked,
	}, states(res.Milestones))
}

func TestCompletedOptionalDoesNotSatisfyRequiredGap(t *testing.T) {
	optional := ms(2, domain.StateCompleted)
	optional.Optional = true
	in := []domain.Milestone{
		ms(1, domain.StateLocked),
		optional,
		ms(3, domain.StateLocked),
	}
	res := Evaluate(in, domain.StrategyByCompletionOnly, day(2024, 1, 1))
	assert.Equal(t, []domain.State{domain.StateUnlocked, domain.StateCompleted, domain.StateLocked}, states(res.Milestones))
}

func TestMonotonicUnlockByCompletion(t *testing.T) {
	in := []domain.Milestone{
		ms(1, domain.StateCompleted),
		ms(2, domain.StateCompleted),
		ms(3, domain.StateUnlocked),
		ms(4, domain.StateUnlocked),
		ms(5, domain.StateLocked),
	}
	res := Evaluate(in, domain.StrategyByCompletionOnly, day(2024, 1, 1))
	for i, m := range res.Milestones {
		if m.Completed() {
			continue
		}
		allPriorDone := true
		for _, prev := range res.Milestones[:i] {
			if !prev.Optional && !prev.Completed() {
				allPriorDone = false
			}
		}
		assert.Equal(t, allPriorDone, m.Unlocked(), "milestone %d", m.ID)
	}
}

func TestByStartDateOnlyBoundaries(t *testing.T) {
	start := day(2024, 1, 15)
	in := []domain.Milestone{withStart(ms(1, domain.StateLocked), start)}

	before := Evaluate(in, domain.StrategyByStartDateOnly, time.Date(2024, 1, 14, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, domain.StateLocked, before.Milestones[0].State)

	midnight := Evaluate(in, domain.StrategyByStartDateOnly, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, domain.StateUnlocked, midnight.Milestones[0].State)

	endOfDay := Evaluate(in, domain.StrategyByStartDateOnly, time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, domain.StateUnlocked, endOfDay.Milestones[0].State)
}

func TestStartTimeOfDayIsIgnored(t *testing.T) {
	in := []domain.Milestone{withStart(ms(1, domain.StateLocked), time.Date(2024, 1, 15, 18, 30, 0, 0, time.UTC))}
	res := Evaluate(in, domain.StrategyByStartDateOnly, time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC))
	assert.Equal(t, domain.StateUnlocked, res.Milestones[0].State)
}

func TestNullStartDateNeverReached(t *testing.T) {
	in := []domain.Milestone{ms(1, domain.StateLocked)}
	res := Evaluate(in, domain.StrategyByStartDateOnly, day(2030, 1, 1))
	assert.Equal(t, domain.StateLocked, res.Milestones[0].State)
	assert.False(t, res.Changed())
}

func TestByStartDateOnlyRelocksWhenDateMovesBack(t *testing.T) {
	in := []domain.Milestone{withStart(ms(1, domain.StateUnlocked), day(2024, 1, 15))}
	res := Evaluate(in, domain.StrategyByStartDateOnly, day(2024, 1, 10))
	assert.Equal(t, domain.StateLocked, res.Milestones[0].State)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, domain.StateUnlocked, res.Transitions[0].From)
}

func TestDateOrCompletionScenario(t *testing.T) {
	in := []domain.Milestone{
		ms(1, domain.StateUnlocked),
		withStart(ms(2, domain.StateLocked), day(2024, 1, 15)),
	}

	early := Evaluate(in, domain.StrategyByStartDateOrCompletion, day(2024, 1, 10))
	assert.Equal(t, domain.StateLocked, early.Milestones[1].State)

	onDate := Evaluate(in, domain.StrategyByStartDateOrCompletion, day(2024, 1, 15))
	assert.Equal(t, domain.StateUnlocked, onDate.Milestones[1].State)
	assert.Equal(t, domain.StateUnlocked, onDate.Milestones[0].State)
}

func TestDateAndCompletionNeedsBoth(t *testing.T) {
	in := []domain.Milestone{
		ms(1, domain.StateUnlocked),
		withStart(ms(2, domain.StateLocked), day(2024, 1, 15)),
	}
	strategy := domain.StrategyByStartDateAndCompletion

	res := Evaluate(in, strategy, day(2024, 1, 20))
	assert.Equal(t, domain.StateLocked, res.Milestones[1].State)
	// The first milestone has no start date, so it can never be reached.
	assert.Equal(t, domain.StateLocked, res.Milestones[0].State)

	in[0].State = domain.StateCompleted
	res = Evaluate(in, strategy, day(2024, 1, 14))
	assert.Equal(t, domain.StateLocked, res.Milestones[1].State)

	res = Evaluate(in, strategy, day(2024, 1, 15))
	assert.Equal(t, domain.StateUnlocked, res.Milestones[1].State)
}

func TestCompletedIsTerminal(t *testing.T) {
	in := []domain.Milestone{
		ms(1, domain.StateLocked),
		withStart(ms(2, domain.StateCompleted), day(2099, 1, 1)),
	}
	for _, strategy := range domain.Strategies {
		res := Evaluate(in, strategy, day(2024, 1, 1))
		assert.Equal(t, domain.StateCompleted, res.Milestones[1].State, string(strategy))
	}
}

func TestIdempotentAndReferenceEqual(t *testing.T) {
	in := []domain.Milestone{
		ms(1, domain.StateCompleted),
		ms(2, domain.StateLocked),
		ms(3, domain.StateLocked),
	}
	first := Evaluate(in, domain.StrategyByCompletionOnly, day(2024, 1, 1))
	second := Evaluate(first.Milestones, domain.StrategyByCompletionOnly, day(2024, 1, 1))

	assert.Equal(t, first.Milestones, second.Milestones)
	assert.False(t, second.Changed())
	assert.Same(t, &first.Milestones[0], &second.Milestones[0])
}

func TestEmptyList(t *testing.T) {
	res := Evaluate(nil, domain.StrategyByCompletionOnly, day(2024, 1, 1))
	assert.Empty(t, res.Milestones)
	assert.Empty(t, res.Transitions)
}

func TestMissingStateDefaultsToLocked(t *testing.T) {
	in := []domain.Milestone{{ID: 1}, {ID: 2}}
	res := Evaluate(in, domain.StrategyByCompletionOnly, day(2024, 1, 1))
	assert.Equal(t, domain.StateUnlocked, res.Milestones[0].State)
	assert.Equal(t, domain.StateLocked, res.Milestones[1].EffectiveState())
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, domain.StateLocked, res.Transitions[0].From)
}

func TestUnknownStateIsNeitherCompletedNorUnlocked(t *testing.T) {
	in := []domain.Milestone{
		ms(1, "paused"),
		ms(2, domain.StateLocked),
	}
	res := Evaluate(in, domain.StrategyByCompletionOnly, day(2024, 1, 1))
	// The garbage state blocks its successor and is rewritten by the strategy.
	assert.Equal(t, []domain.State{domain.StateUnlocked, domain.StateLocked}, states(res.Milestones))
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, domain.State("paused"), res.Transitions[0].From)
}

func TestTransitionsInListOrder(t *testing.T) {
	start := day(2024, 1, 1)
	in := []domain.Milestone{
		withStart(ms(3, domain.StateLocked), start),
		withStart(ms(1, domain.StateLocked), start),
		withStart(ms(2, domain.StateLocked), start),
	}
	res := Evaluate(in, domain.StrategyByStartDateOnly, start)
	require.Len(t, res.Transitions, 3)
	assert.Equal(t, int64(3), res.Transitions[0].Milestone.ID)
	assert.Equal(t, int64(1), res.Transitions[1].Milestone.ID)
	assert.Equal(t, int64(2), res.Transitions[2].Milestone.ID)
}

func TestManualOverrideCascade(t *testing.T) {
	in := []domain.Milestone{
		ms(1, domain.StateLocked),
		ms(2, domain.StateLocked),
		ms(3, domain.StateLocked),
	}
	res, err := ApplyManualTransition(in, domain.StrategyByCompletionOnly, day(2024, 1, 1), 1, domain.StateCompleted)
	require.NoError(t, err)

	assert.Equal(t, []domain.State{domain.StateCompleted, domain.StateUnlocked, domain.StateLocked}, states(res.Milestones))
	require.Len(t, res.Transitions, 2)
	assert.Equal(t, int64(1), res.Transitions[0].Milestone.ID)
	assert.Equal(t, domain.StateCompleted, res.Transitions[0].To)
	assert.Equal(t, int64(2), res.Transitions[1].Milestone.ID)
}

func TestManualOverrideIsNotReevaluated(t *testing.T) {
	in := []domain.Milestone{
		ms(1, domain.StateUnlocked),
		ms(2, domain.StateLocked),
	}
	res, err := ApplyManualTransition(in, domain.StrategyByCompletionOnly, day(2024, 1, 1), 1, domain.StateLocked)
	require.NoError(t, err)
	assert.Equal(t, domain.StateLocked, res.Milestones[0].State)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, domain.StateUnlocked, res.Transitions[0].From)
}

func TestManualOverrideCanReopenCompleted(t *testing.T) {
	in := []domain.Milestone{
		ms(1, domain.StateCompleted),
		ms(2, domain.StateUnlocked),
	}
	res, err := ApplyManualTransition(in, domain.StrategyByCompletionOnly, day(2024, 1, 1), 1, domain.StateUnlocked)
	require.NoError(t, err)
	assert.Equal(t, []domain.State{domain.StateUnlocked, domain.StateLocked}, states(res.Milestones))
	require.Len(t, res.Transitions, 2)
	assert.Equal(t, domain.StateCompleted, res.Transitions[0].From)
}

func TestManualOverrideNoChangeKeepsReference(t *testing.T) {
	in := []domain.Milestone{
		ms(1, domain.StateUnlocked),
		ms(2, domain.StateLocked),
	}
	res, err := ApplyManualTransition(in, domain.StrategyByCompletionOnly, day(2024, 1, 1), 1, domain.StateUnlocked)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Same(t, &in[0], &res.Milestones[0])
}

func TestManualOverrideErrors(t *testing.T) {
	in := []domain.Milestone{ms(1, domain.StateLocked)}

	_, err := ApplyManualTransition(in, domain.StrategyByCompletionOnly, day(2024, 1, 1), 42, domain.StateCompleted)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = ApplyManualTransition(in, domain.StrategyByCompletionOnly, day(2024, 1, 1), 1, "done")
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

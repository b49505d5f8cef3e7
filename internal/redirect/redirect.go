// Package redirect picks the milestone a plan should currently point at.
package redirect

import (
	"sort"

	"planline/internal/domain"
)

const (
	ReasonFirstUnlockedRequired = "First Unlocked Required Milestone"
	ReasonFirstUnlockedOptional = "First Unlocked Optional Milestone"
	ReasonLastCompleted         = "Last Completed Milestone"
	ReasonFallback              = "First Milestone in Plan (Fallback)"
)

// Resolve returns the current milestone by priority: first unlocked required,
// first unlocked optional, last completed, then the first milestone. It
// returns nil for an empty list.
func Resolve(milestones []domain.Milestone) *domain.CurrentMilestone {
	if len(milestones) == 0 {
		return nil
	}
	sorted := make([]domain.Milestone, len(milestones))
	copy(sorted, milestones)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})

	for _, m := range sorted {
		if !m.Optional && m.State == domain.StateUnlocked {
			return pick(m, ReasonFirstUnlockedRequired)
		}
	}
	for _, m := range sorted {
		if m.Optional && m.State == domain.StateUnlocked {
			return pick(m, ReasonFirstUnlockedOptional)
		}
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].State == domain.StateCompleted {
			return pick(sorted[i], ReasonLastCompleted)
		}
	}
	return pick(sorted[0], ReasonFallback)
}

func pick(m domain.Milestone, reason string) *domain.CurrentMilestone {
	return &domain.CurrentMilestone{ID: m.ID, Name: m.Name, Reason: reason}
}

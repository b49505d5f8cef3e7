package comms

import (
	"time"

	"planline/internal/domain"
)

// Notice is a communication that is delivered directly, without passing
// through the pending queue.
type Notice struct {
	Type      string
	Milestone *domain.Milestone
}

func CheckPlanStarted(rules domain.Rules, planStart, today time.Time) []Notice {
	if !rules.PlanStatus.Enabled || !domain.SameDay(planStart, today) {
		return nil
	}
	return []Notice{{Type: domain.TypePlanStarted}}
}

func CheckPlanCompleted(rules domain.Rules, milestones []domain.Milestone) []Notice {
	if !rules.PlanStatus.Enabled || !PlanComplete(milestones) {
		return nil
	}
	return []Notice{{Type: domain.TypePlanCompleted}}
}

// PlanComplete reports whether every required milestone is completed. A plan
// without required milestones is never complete.
func PlanComplete(milestones []domain.Milestone) bool {
	required := 0
	for _, m := range milestones {
		if m.Optional {
			continue
		}
		required++
		if !m.Completed() {
			return false
		}
	}
	return required > 0
}

func CheckSessionReminders(rules domain.Rules, milestones []domain.Milestone, today time.Time) []Notice {
	if !rules.SessionReminder.Enabled {
		return nil
	}
	var out []Notice
	for i := range milestones {
		m := milestones[i]
		if m.Kind != domain.KindSession || m.StartDate == nil {
			continue
		}
		if !domain.AddDays(*m.StartDate, -rules.SessionReminder.Days).Equal(domain.DateOnly(today)) {
			continue
		}
		out = append(out, Notice{Type: domain.SessionReminderType(m.Name), Milestone: &m})
	}
	return out
}

// Package dispatch promotes due scheduled communications into the delivered
// log once per simulated day.
package dispatch

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"planline/internal/comms"
	"planline/internal/domain"
)

var idNamespace = uuid.MustParse("6f1c63a4-64c4-4f0e-9d5a-8f0f2b7c5e21")

// CommunicationID derives a stable id from the plan and the (type,
// milestone) identity of a delivered communication.
func CommunicationID(planID, typ string, milestoneID int64) string {
	key := planID + "|" + typ + "|" + strconv.FormatInt(milestoneID, 10)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

type Input struct {
	PlanID     string
	Pending    []domain.ScheduledCommunication
	Delivered  []domain.DeliveredCommunication
	Milestones []domain.Milestone
	Rules      domain.Rules
	PlanStart  time.Time
	Today      time.Time
}

type Output struct {
	Pending        []domain.ScheduledCommunication
	Delivered      []domain.DeliveredCommunication
	NewlyDelivered []domain.DeliveredCommunication
	// Dropped entries referenced a milestone that no longer exists.
	Dropped []domain.ScheduledCommunication
	// Duplicates were due but their (type, milestone) pair was already delivered.
	Duplicates []domain.ScheduledCommunication
}

// Tick moves every pending entry due on or before today into the delivered
// log, in scheduling order, then runs the plan-level checks. Input slices are
// not modified.
func Tick(in Input) Output {
	today := domain.DateOnly(in.Today)
	log := newLog(in.Delivered)
	byID := make(map[int64]domain.Milestone, len(in.Milestones))
	for _, m := range in.Milestones {
		byID[m.ID] = m
	}

	var out Output
	out.Pending = make([]domain.ScheduledCommunication, 0, len(in.Pending))
	for _, entry := range in.Pending {
		if domain.DateOnly(entry.ScheduledDate).After(today) {
			out.Pending = append(out.Pending, entry)
			continue
		}
		m, ok := byID[entry.MilestoneID]
		if !ok {
			out.Dropped = append(out.Dropped, entry)
			continue
		}
		delivered, added := log.add(in.PlanID, domain.UnlockedFollowUpType(m.Name), &m, today)
		if !added {
			out.Duplicates = append(out.Duplicates, entry)
			continue
		}
		out.NewlyDelivered = append(out.NewlyDelivered, delivered)
	}

	var notices []comms.Notice
	notices = append(notices, comms.CheckPlanStarted(in.Rules, in.PlanStart, today)...)
	notices = append(notices, comms.CheckPlanCompleted(in.Rules, in.Milestones)...)
	notices = append(notices, comms.CheckSessionReminders(in.Rules, in.Milestones, today)...)
	for _, n := range notices {
		if delivered, added := log.add(in.PlanID, n.Type, n.Milestone, today); added {
			out.NewlyDelivered = append(out.NewlyDelivered, delivered)
		}
	}

	out.Delivered = log.entries
	return out
}

type logKey struct {
	typ         string
	milestoneID int64
	planLevel   bool
}

type deliveredLog struct {
	entries []domain.DeliveredCommunication
	seen    map[logKey]struct{}
}

func newLog(existing []domain.DeliveredCommunication) *deliveredLog {
	l := &deliveredLog{
		entries: append([]domain.DeliveredCommunication(nil), existing...),
		seen:    make(map[logKey]struct{}, len(existing)),
	}
	for _, d := range existing {
		l.seen[keyOf(d.Type, d.Milestone)] = struct{}{}
	}
	return l
}

func keyOf(typ string, m *domain.Milestone) logKey {
	if m == nil {
		return logKey{typ: typ, planLevel: true}
	}
	return logKey{typ: typ, milestoneID: m.ID}
}

func (l *deliveredLog) add(planID, typ string, m *domain.Milestone, date time.Time) (domain.DeliveredCommunication, bool) {
	key := keyOf(typ, m)
	if _, ok := l.seen[key]; ok {
		return domain.DeliveredCommunication{}, false
	}
	l.seen[key] = struct{}{}
	var snapshot *domain.Milestone
	if m != nil {
		c := *m
		snapshot = &c
	}
	d := domain.DeliveredCommunication{
		ID:        CommunicationID(planID, typ, key.milestoneID),
		Type:      typ,
		Date:      date,
		Milestone: snapshot,
	}
	l.entries = append(l.entries, d)
	return d, true
}

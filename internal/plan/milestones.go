package plan

import (
	"strings"
	"time"

	"planline/internal/domain"
	"planline/internal/errs"
)

const chainWindowDays = 7

type NewMilestone struct {
	Name      string
	Kind      domain.Kind
	Optional  bool
	StartDate *time.Time
	EndDate   *time.Time
	Position  *int64
}

// MilestonePatch edits milestone fields. Nil fields are left unchanged.
type MilestonePatch struct {
	Name           *string
	Kind           *domain.Kind
	Optional       *bool
	StartDate      *time.Time
	EndDate        *time.Time
	ClearStartDate bool
	ClearEndDate   bool
	Position       *int64
}

// AddMilestone appends a locked milestone with the next free id.
func AddMilestone(s State, in NewMilestone) (Outcome, domain.Milestone, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Outcome{}, domain.Milestone{}, errs.InvalidArgument("milestone name is required")
	}
	if in.Kind != "" && !in.Kind.Valid() {
		return Outcome{}, domain.Milestone{}, errs.InvalidArgument("invalid milestone kind %q", in.Kind)
	}
	if err := checkWindow(in.StartDate, in.EndDate); err != nil {
		return Outcome{}, domain.Milestone{}, err
	}
	kind := in.Kind
	if kind == "" {
		kind = domain.KindChapter
	}
	m := domain.Milestone{
		ID:        nextID(s.Milestones),
		Name:      name,
		Kind:      kind,
		Optional:  in.Optional,
		State:     domain.StateLocked,
		StartDate: datePtr(in.StartDate),
		EndDate:   datePtr(in.EndDate),
		Position:  in.Position,
	}
	list := make([]domain.Milestone, 0, len(s.Milestones)+1)
	list = append(list, s.Milestones...)
	s.Milestones = append(list, m)
	out, err := Evaluate(s)
	if err != nil {
		return Outcome{}, domain.Milestone{}, err
	}
	added, _ := find(out.State.Milestones, m.ID)
	return out, added, nil
}

// RemoveMilestone deletes a milestone. Pending communications that reference
// it are dropped when they fall due.
func RemoveMilestone(s State, id int64) (Outcome, error) {
	idx := indexOf(s.Milestones, id)
	if idx < 0 {
		return Outcome{}, errs.NotFound("milestone %d not found", id)
	}
	list := make([]domain.Milestone, 0, len(s.Milestones)-1)
	list = append(list, s.Milestones[:idx]...)
	s.Milestones = append(list, s.Milestones[idx+1:]...)
	return Evaluate(s)
}

// UpdateMilestone edits name, kind, optional flag, dates or position. States
// only change through the unlock strategy or Override.
func UpdateMilestone(s State, id int64, patch MilestonePatch) (Outcome, error) {
	idx := indexOf(s.Milestones, id)
	if idx < 0 {
		return Outcome{}, errs.NotFound("milestone %d not found", id)
	}
	m := s.Milestones[idx]
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return Outcome{}, errs.InvalidArgument("milestone name is required")
		}
		m.Name = name
	}
	if patch.Kind != nil {
		if !patch.Kind.Valid() {
			return Outcome{}, errs.InvalidArgument("invalid milestone kind %q", *patch.Kind)
		}
		m.Kind = *patch.Kind
	}
	if patch.Optional != nil {
		m.Optional = *patch.Optional
	}
	switch {
	case patch.ClearStartDate:
		m.StartDate = nil
	case patch.StartDate != nil:
		m.StartDate = datePtr(patch.StartDate)
	}
	switch {
	case patch.ClearEndDate:
		m.EndDate = nil
	case patch.EndDate != nil:
		m.EndDate = datePtr(patch.EndDate)
	}
	if patch.Position != nil {
		pos := *patch.Position
		m.Position = &pos
	}
	if err := checkWindow(m.StartDate, m.EndDate); err != nil {
		return Outcome{}, err
	}
	list := make([]domain.Milestone, len(s.Milestones))
	copy(list, s.Milestones)
	list[idx] = m
	s.Milestones = list
	return Evaluate(s)
}

// ChainDates lays the milestones out in consecutive seven-day windows, in list
// order, starting at from.
func ChainDates(s State, from time.Time) (Outcome, error) {
	list := make([]domain.Milestone, len(s.Milestones))
	start := domain.DateOnly(from)
	for i, m := range s.Milestones {
		end := domain.AddDays(start, chainWindowDays)
		m.StartDate = domain.DatePtr(start)
		m.EndDate = domain.DatePtr(end)
		list[i] = m
		start = end
	}
	s.Milestones = list
	return Evaluate(s)
}

func checkWindow(start, end *time.Time) error {
	if start != nil && end != nil && domain.DateOnly(*end).Before(domain.DateOnly(*start)) {
		return errs.InvalidArgument("end date %s is before start date %s", domain.FormatDate(*end), domain.FormatDate(*start))
	}
	return nil
}

func nextID(list []domain.Milestone) int64 {
	var highest int64
	for _, m := range list {
		if m.ID > highest {
			highest = m.ID
		}
	}
	return highest + 1
}

func indexOf(list []domain.Milestone, id int64) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func find(list []domain.Milestone, id int64) (domain.Milestone, bool) {
	if i := indexOf(list, id); i >= 0 {
		return list[i], true
	}
	return domain.Milestone{}, false
}

func datePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return domain.DatePtr(*t)
}

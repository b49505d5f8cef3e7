package server

import (
	"encoding/json"

	"planline/internal/domain"
	"planline/internal/plan"
)

// Request payloads

type SetDateRequest struct {
	Date string `json:"date" example:"2024-01-15" doc:"YYYY-MM-DD or RFC3339"`
}

type AdvanceRequest struct {
	Days int `json:"days,omitempty" example:"3" minimum:"0" maximum:"3660" doc:"days to advance, 1 when omitted"`
}

type SetStrategyRequest struct {
	Strategy string `json:"strategy" example:"by_unlock_at_or_completion"`
}

type CreateMilestoneRequest struct {
	Name      string  `json:"name"`
	Kind      string  `json:"kind,omitempty" example:"chapter"`
	Optional  bool    `json:"optional,omitempty"`
	StartDate *string `json:"start_date,omitempty" example:"2024-01-08"`
	EndDate   *string `json:"end_date,omitempty" example:"2024-01-15"`
	Position  *int64  `json:"position,omitempty"`
}

type UpdateMilestoneRequest struct {
	Name           *string `json:"name,omitempty"`
	Kind           *string `json:"kind,omitempty"`
	Optional       *bool   `json:"optional,omitempty"`
	StartDate      *string `json:"start_date,omitempty"`
	EndDate        *string `json:"end_date,omitempty"`
	ClearStartDate bool    `json:"clear_start_date,omitempty"`
	ClearEndDate   bool    `json:"clear_end_date,omitempty"`
	Position       *int64  `json:"position,omitempty"`
}

type SetStateRequest struct {
	State string `json:"state" example:"completed"`
}

type ChainDatesRequest struct {
	From string `json:"from,omitempty" doc:"first start date, the plan's current date when omitted"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type PlanResponse struct {
	Plan       domain.Plan                     `json:"plan"`
	Milestones []domain.Milestone              `json:"milestones"`
	Pending    []domain.ScheduledCommunication `json:"pending"`
	Delivered  []domain.DeliveredCommunication `json:"delivered"`
	Current    *domain.CurrentMilestone        `json:"current,omitempty"`
	Progress   plan.Progress                   `json:"progress"`
}

// OutcomeResponse is returned by every command.
type OutcomeResponse struct {
	State       PlanResponse                    `json:"state"`
	Transitions []domain.Transition             `json:"transitions"`
	Scheduled   []domain.ScheduledCommunication `json:"scheduled"`
	Delivered   []domain.DeliveredCommunication `json:"delivered"`
	Dropped     []domain.ScheduledCommunication `json:"dropped"`
}

type MilestoneOutcomeResponse struct {
	Milestone domain.Milestone `json:"milestone"`
	OutcomeResponse
}

type CommunicationsResponse struct {
	Delivered []domain.DeliveredCommunication `json:"delivered"`
	Pending   []domain.ScheduledCommunication `json:"pending"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	PlanID     string         `json:"plan_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func planResponse(s plan.State) PlanResponse {
	return PlanResponse{
		Plan:       s.Plan,
		Milestones: nonNil(s.Milestones),
		Pending:    nonNil(s.Pending),
		Delivered:  nonNil(s.Delivered),
		Current:    plan.Current(s),
		Progress:   plan.ProgressOf(s.Milestones),
	}
}

func outcomeResponse(out plan.Outcome) OutcomeResponse {
	return OutcomeResponse{
		State:       planResponse(out.State),
		Transitions: nonNil(out.Transitions),
		Scheduled:   nonNil(out.Scheduled),
		Delivered:   nonNil(out.Delivered),
		Dropped:     nonNil(out.Dropped),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		PlanID:     e.PlanID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

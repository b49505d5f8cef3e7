package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	PlanCreated           = "plan.created"
	PlanReset             = "plan.reset"
	PlanDateChanged       = "plan.date_changed"
	PlanStrategyChanged   = "plan.strategy_changed"
	PlanRulesChanged      = "plan.rules_changed"
	MilestoneAdded        = "milestone.added"
	MilestoneRemoved      = "milestone.removed"
	MilestoneUpdated      = "milestone.updated"
	MilestoneTransitioned = "milestone.transitioned"
	CommScheduled         = "communication.scheduled"
	CommDelivered         = "communication.delivered"
	CommDropped           = "communication.dropped"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, planID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,plan_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(planID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

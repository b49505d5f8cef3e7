package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"planline/internal/domain"
	"planline/internal/plan"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatDate(*t)
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func parseNullableDate(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := domain.ParseDate(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanPlan(row *sql.Row) (domain.Plan, error) {
	var p domain.Plan
	var strategy, rulesJSON, start, current string
	err := row.Scan(&p.ID, &strategy, &rulesJSON, &start, &current, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	return p, decodePlan(&p, strategy, rulesJSON, start, current)
}

func decodePlan(p *domain.Plan, strategy, rulesJSON, start, current string) error {
	p.Strategy = domain.Strategy(strategy)
	if err := json.Unmarshal([]byte(rulesJSON), &p.Rules); err != nil {
		return fmt.Errorf("decode rules of plan %s: %w", p.ID, err)
	}
	var err error
	if p.StartDate, err = domain.ParseDate(start); err != nil {
		return err
	}
	if p.CurrentDate, err = domain.ParseDate(current); err != nil {
		return err
	}
	return nil
}

const planColumns = `id,strategy,rules_json,start_date,sim_date,created_at,updated_at`

func (r Repo) GetPlan(ctx context.Context, tx *sql.Tx, id string) (domain.Plan, error) {
	return scanPlan(r.q(tx).QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id))
}

func (r Repo) PlanExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM plans WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		var strategy, rulesJSON, start, current string
		if err := rows.Scan(&p.ID, &strategy, &rulesJSON, &start, &current, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := decodePlan(&p, strategy, rulesJSON, start, current); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeletePlan(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM plans WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadPlan reads a plan with its milestones and communication queues in
// stored order.
func (r Repo) LoadPlan(ctx context.Context, tx *sql.Tx, id string) (plan.State, error) {
	p, err := r.GetPlan(ctx, tx, id)
	if err != nil {
		return plan.State{}, err
	}
	s := plan.State{Plan: p}
	if s.Milestones, err = r.listMilestones(ctx, tx, id); err != nil {
		return plan.State{}, err
	}
	if s.Pending, err = r.listPending(ctx, tx, id); err != nil {
		return plan.State{}, err
	}
	if s.Delivered, err = r.listDelivered(ctx, tx, id); err != nil {
		return plan.State{}, err
	}
	return s, nil
}

func (r Repo) listMilestones(ctx context.Context, tx *sql.Tx, planID string) ([]domain.Milestone, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,name,COALESCE(kind,''),optional,COALESCE(state,''),start_date,end_date,position FROM milestones WHERE plan_id=? ORDER BY seq`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Milestone{}
	for rows.Next() {
		var m domain.Milestone
		var kind, state string
		var optional int
		var start, end sql.NullString
		var position sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Name, &kind, &optional, &state, &start, &end, &position); err != nil {
			return nil, err
		}
		m.Kind = domain.Kind(kind)
		m.State = domain.State(state)
		m.Optional = optional != 0
		if m.StartDate, err = parseNullableDate(start); err != nil {
			return nil, err
		}
		if m.EndDate, err = parseNullableDate(end); err != nil {
			return nil, err
		}
		if position.Valid {
			v := position.Int64
			m.Position = &v
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) listPending(ctx context.Context, tx *sql.Tx, planID string) ([]domain.ScheduledCommunication, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT rule,milestone_id,milestone_name,days_offset,scheduled_date FROM pending_communications WHERE plan_id=? ORDER BY seq`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduledCommunication
	for rows.Next() {
		var c domain.ScheduledCommunication
		var date string
		if err := rows.Scan(&c.Rule, &c.MilestoneID, &c.MilestoneName, &c.DaysOffset, &date); err != nil {
			return nil, err
		}
		if c.ScheduledDate, err = domain.ParseDate(date); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) listDelivered(ctx context.Context, tx *sql.Tx, planID string) ([]domain.DeliveredCommunication, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,type,delivered_on,milestone_json FROM communications WHERE plan_id=? ORDER BY seq`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliveredCommunication
	for rows.Next() {
		var c domain.DeliveredCommunication
		var date string
		var milestone sql.NullString
		if err := rows.Scan(&c.ID, &c.Type, &date, &milestone); err != nil {
			return nil, err
		}
		if c.Date, err = domain.ParseDate(date); err != nil {
			return nil, err
		}
		if milestone.Valid && milestone.String != "" {
			var m domain.Milestone
			if err := json.Unmarshal([]byte(milestone.String), &m); err != nil {
				return nil, fmt.Errorf("decode communication %s: %w", c.ID, err)
			}
			c.Milestone = &m
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SavePlan upserts the plan row and replaces its milestones and queues.
func (r Repo) SavePlan(ctx context.Context, tx *sql.Tx, s plan.State) error {
	q := r.q(tx)
	p := s.Plan
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET strategy=excluded.strategy, rules_json=excluded.rules_json, start_date=excluded.start_date, sim_date=excluded.sim_date, updated_at=excluded.updated_at`,
		p.ID, string(p.Strategy), string(rules), domain.FormatDate(p.StartDate), domain.FormatDate(p.CurrentDate), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	for _, table := range []string{"milestones", "pending_communications", "communications"} {
		if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE plan_id=?`, p.ID); err != nil {
			return err
		}
	}
	for i, m := range s.Milestones {
		optional := 0
		if m.Optional {
			optional = 1
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO milestones(plan_id,id,seq,name,kind,optional,state,start_date,end_date,position) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			p.ID, m.ID, i, m.Name, nullable(string(m.Kind)), optional, nullable(string(m.State)), nullableDate(m.StartDate), nullableDate(m.EndDate), nullableInt64Ptr(m.Position)); err != nil {
			return fmt.Errorf("save milestone %d: %w", m.ID, err)
		}
	}
	for i, c := range s.Pending {
		if _, err := q.ExecContext(ctx, `INSERT INTO pending_communications(plan_id,seq,rule,milestone_id,milestone_name,days_offset,scheduled_date) VALUES (?,?,?,?,?,?,?)`,
			p.ID, i, c.Rule, c.MilestoneID, c.MilestoneName, c.DaysOffset, domain.FormatDate(c.ScheduledDate)); err != nil {
			return err
		}
	}
	for i, c := range s.Delivered {
		var milestone any
		if c.Milestone != nil {
			data, err := json.Marshal(c.Milestone)
			if err != nil {
				return err
			}
			milestone = string(data)
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO communications(plan_id,seq,id,type,delivered_on,milestone_json) VALUES (?,?,?,?,?,?)`,
			p.ID, i, c.ID, c.Type, domain.FormatDate(c.Date), milestone); err != nil {
			return fmt.Errorf("save communication %s: %w", c.ID, err)
		}
	}
	return nil
}

type EventFilters struct {
	PlanID     string
	Type       string
	EntityKind string
	EntityID   string
}

const eventColumns = `id,ts,type,plan_id,entity_kind,entity_id,actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var planID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &planID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.PlanID = planID.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom returns events newest first, older than cursor when it is
// set.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.PlanID != "" {
		clauses = append(clauses, "plan_id=?")
		args = append(args, f.PlanID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, planID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if planID != "" {
		clauses = append(clauses, "plan_id=?")
		args = append(args, planID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id ASC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, for one plan when planID is
// set.
func (r Repo) LatestEventID(ctx context.Context, planID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if planID != "" {
		query += ` WHERE plan_id=?`
		args = append(args, planID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

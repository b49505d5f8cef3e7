package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/errs"
	"planline/internal/events"
	"planline/internal/logging"
	"planline/internal/metrics"
	"planline/internal/plan"
	"planline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Now:    time.Now,
		Log:    zap.NewNop(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) fixture() plan.Fixture {
	if e.Config == nil {
		return plan.DefaultFixture()
	}
	return e.Config.Fixture()
}

func (e Engine) defaultStrategy() domain.Strategy {
	if e.Config == nil {
		return domain.DefaultStrategy
	}
	return e.Config.Strategy()
}

func (e Engine) defaultRules() domain.Rules {
	if e.Config == nil {
		return domain.DefaultRules()
	}
	return e.Config.Rules
}

// PlanID returns id, or the workspace plan id when id is empty.
func (e Engine) PlanID(id string) string {
	if id == "" && e.Config != nil {
		return e.Config.Plan.ID
	}
	return id
}

// InitPlan seeds a new plan from the workspace configuration.
func (e Engine) InitPlan(ctx context.Context, planID, actorID string) (plan.Outcome, error) {
	planID = e.PlanID(planID)
	if planID == "" {
		return plan.Outcome{}, errs.InvalidArgument("plan id is required")
	}
	start := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return plan.Outcome{}, err
	}
	defer tx.Rollback()

	exists, err := e.Repo.PlanExists(ctx, tx, planID)
	if err != nil {
		return plan.Outcome{}, err
	}
	if exists {
		return plan.Outcome{}, errs.Conflict("plan %s already exists", planID)
	}
	seed := plan.Seed(planID, start, e.defaultStrategy(), e.defaultRules(), e.fixture())
	out, err := plan.Evaluate(seed)
	if err != nil {
		return e.failed("init", planID, start, err)
	}
	stamp := start.UTC().Format(time.RFC3339)
	out.State.Plan.CreatedAt = stamp
	out.State.Plan.UpdatedAt = stamp
	if err := e.Repo.SavePlan(ctx, tx, out.State); err != nil {
		return plan.Outcome{}, fmt.Errorf("save plan: %w", err)
	}
	w := e.writer()
	if err := w.Append(ctx, tx, events.PlanCreated, planID, "plan", planID, actorID, events.EventPayload{
		"strategy":   string(out.State.Plan.Strategy),
		"start_date": domain.FormatDate(out.State.Plan.StartDate),
		"milestones": len(out.State.Milestones),
	}); err != nil {
		return plan.Outcome{}, err
	}
	if err := e.appendOutcome(ctx, tx, planID, actorID, out); err != nil {
		return plan.Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return plan.Outcome{}, err
	}
	e.record("init", planID, start, out)
	return out, nil
}

// State loads the stored plan without running a command.
func (e Engine) State(ctx context.Context, planID string) (plan.State, error) {
	planID = e.PlanID(planID)
	s, err := e.Repo.LoadPlan(ctx, nil, planID)
	if errors.Is(err, repo.ErrNotFound) {
		return plan.State{}, errs.NotFound("plan %s not found", planID)
	}
	return s, err
}

func (e Engine) Current(ctx context.Context, planID string) (*domain.CurrentMilestone, error) {
	s, err := e.State(ctx, planID)
	if err != nil {
		return nil, err
	}
	return plan.Current(s), nil
}

func (e Engine) Progress(ctx context.Context, planID string) (plan.Progress, error) {
	s, err := e.State(ctx, planID)
	if err != nil {
		return plan.Progress{}, err
	}
	return plan.ProgressOf(s.Milestones), nil
}

func (e Engine) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	return e.Repo.ListPlans(ctx)
}

func (e Engine) DeletePlan(ctx context.Context, planID string) error {
	planID = e.PlanID(planID)
	err := e.Repo.DeletePlan(ctx, nil, planID)
	if errors.Is(err, repo.ErrNotFound) {
		return errs.NotFound("plan %s not found", planID)
	}
	return err
}

// Evaluate re-runs the unlock strategy at the stored simulated date.
func (e Engine) Evaluate(ctx context.Context, planID, actorID string) (plan.Outcome, error) {
	return e.run(ctx, "evaluate", planID, actorID, plan.Evaluate, nil)
}

func (e Engine) SetDate(ctx context.Context, planID string, date time.Time, actorID string) (plan.Outcome, error) {
	var from time.Time
	return e.run(ctx, "set_date", planID, actorID, func(s plan.State) (plan.Outcome, error) {
		from = s.Plan.CurrentDate
		return plan.SetDate(s, date)
	}, func(out plan.Outcome) change {
		return change{events.PlanDateChanged, "plan", out.State.Plan.ID, events.EventPayload{
			"from": domain.FormatDate(from),
			"to":   domain.FormatDate(out.State.Plan.CurrentDate),
		}}
	})
}

// Advance moves the simulated date forward by days, one day at a time.
func (e Engine) Advance(ctx context.Context, planID string, days int, actorID string) (plan.Outcome, error) {
	var from time.Time
	return e.run(ctx, "advance", planID, actorID, func(s plan.State) (plan.Outcome, error) {
		from = s.Plan.CurrentDate
		return plan.Advance(s, days)
	}, func(out plan.Outcome) change {
		return change{events.PlanDateChanged, "plan", out.State.Plan.ID, events.EventPayload{
			"from": domain.FormatDate(from),
			"to":   domain.FormatDate(out.State.Plan.CurrentDate),
			"days": days,
		}}
	})
}

func (e Engine) NextDay(ctx context.Context, planID, actorID string) (plan.Outcome, error) {
	return e.Advance(ctx, planID, 1, actorID)
}

func (e Engine) SetStrategy(ctx context.Context, planID string, strategy domain.Strategy, actorID string) (plan.Outcome, error) {
	var from domain.Strategy
	return e.run(ctx, "set_strategy", planID, actorID, func(s plan.State) (plan.Outcome, error) {
		from = s.Plan.Strategy
		return plan.SetStrategy(s, strategy)
	}, func(out plan.Outcome) change {
		return change{events.PlanStrategyChanged, "plan", out.State.Plan.ID, events.EventPayload{
			"from": string(from),
			"to":   string(out.State.Plan.Strategy),
		}}
	})
}

func (e Engine) SetRules(ctx context.Context, planID string, rules domain.Rules, actorID string) (plan.Outcome, error) {
	return e.run(ctx, "set_rules", planID, actorID, func(s plan.State) (plan.Outcome, error) {
		return plan.SetRules(s, rules)
	}, func(out plan.Outcome) change {
		return change{events.PlanRulesChanged, "plan", out.State.Plan.ID, events.EventPayload{
			"rules": out.State.Plan.Rules,
		}}
	})
}

func (e Engine) AddMilestone(ctx context.Context, planID string, in plan.NewMilestone, actorID string) (plan.Outcome, domain.Milestone, error) {
	var added domain.Milestone
	out, err := e.run(ctx, "add_milestone", planID, actorID, func(s plan.State) (plan.Outcome, error) {
		out, m, err := plan.AddMilestone(s, in)
		added = m
		return out, err
	}, func(out plan.Outcome) change {
		return change{events.MilestoneAdded, "milestone", milestoneEntity(added.ID), events.EventPayload{
			"milestone": added,
		}}
	})
	return out, added, err
}

func (e Engine) RemoveMilestone(ctx context.Context, planID string, id int64, actorID string) (plan.Outcome, error) {
	return e.run(ctx, "remove_milestone", planID, actorID, func(s plan.State) (plan.Outcome, error) {
		return plan.RemoveMilestone(s, id)
	}, func(out plan.Outcome) change {
		return change{events.MilestoneRemoved, "milestone", milestoneEntity(id), nil}
	})
}

func (e Engine) UpdateMilestone(ctx context.Context, planID string, id int64, patch plan.MilestonePatch, actorID string) (plan.Outcome, error) {
	return e.run(ctx, "update_milestone", planID, actorID, func(s plan.State) (plan.Outcome, error) {
		return plan.UpdateMilestone(s, id, patch)
	}, func(out plan.Outcome) change {
		payload := events.EventPayload{}
		for _, m := range out.State.Milestones {
			if m.ID == id {
				payload["milestone"] = m
			}
		}
		return change{events.MilestoneUpdated, "milestone", milestoneEntity(id), payload}
	})
}

// Override applies a manual state change. The resulting transitions are
// recorded like any other.
func (e Engine) Override(ctx context.Context, planID string, id int64, state domain.State, actorID string) (plan.Outcome, error) {
	return e.run(ctx, "override", planID, actorID, func(s plan.State) (plan.Outcome, error) {
		return plan.Override(s, id, state)
	}, nil)
}

func (e Engine) ChainDates(ctx context.Context, planID string, from time.Time, actorID string) (plan.Outcome, error) {
	return e.run(ctx, "chain_dates", planID, actorID, func(s plan.State) (plan.Outcome, error) {
		return plan.ChainDates(s, from)
	}, func(out plan.Outcome) change {
		return change{events.MilestoneUpdated, "plan", out.State.Plan.ID, events.EventPayload{
			"chained_from": domain.FormatDate(from),
		}}
	})
}

// Reset re-seeds the plan from the workspace fixture at today's date.
func (e Engine) Reset(ctx context.Context, planID, actorID string) (plan.Outcome, error) {
	today := e.now()
	return e.run(ctx, "reset", planID, actorID, func(s plan.State) (plan.Outcome, error) {
		return plan.Reset(s, today, e.defaultStrategy(), e.fixture())
	}, func(out plan.Outcome) change {
		return change{events.PlanReset, "plan", out.State.Plan.ID, events.EventPayload{
			"date":     domain.FormatDate(today),
			"strategy": string(out.State.Plan.Strategy),
		}}
	})
}

// ListEvents returns the plan's events newest first, older than cursor when set.
func (e Engine) ListEvents(ctx context.Context, planID string, limit int, cursor int64, evtType string) ([]domain.Event, error) {
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, repo.EventFilters{PlanID: e.PlanID(planID), Type: evtType})
}

// change is the command-specific event of one run.
type change struct {
	Type       string
	EntityKind string
	EntityID   string
	Payload    events.EventPayload
}

func (e Engine) run(ctx context.Context, command, planID, actorID string, op func(plan.State) (plan.Outcome, error), describe func(plan.Outcome) change) (plan.Outcome, error) {
	planID = e.PlanID(planID)
	start := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return plan.Outcome{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.LoadPlan(ctx, tx, planID)
	if errors.Is(err, repo.ErrNotFound) {
		return e.failed(command, planID, start, errs.NotFound("plan %s not found", planID))
	}
	if err != nil {
		return plan.Outcome{}, fmt.Errorf("load plan: %w", err)
	}
	out, err := op(s)
	if err != nil {
		return e.failed(command, planID, start, err)
	}
	out.State.Plan.UpdatedAt = start.UTC().Format(time.RFC3339)
	if err := e.Repo.SavePlan(ctx, tx, out.State); err != nil {
		return plan.Outcome{}, fmt.Errorf("save plan: %w", err)
	}
	if describe != nil {
		c := describe(out)
		if err := e.writer().Append(ctx, tx, c.Type, planID, c.EntityKind, c.EntityID, actorID, c.Payload); err != nil {
			return plan.Outcome{}, err
		}
	}
	if err := e.appendOutcome(ctx, tx, planID, actorID, out); err != nil {
		return plan.Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return plan.Outcome{}, err
	}
	e.record(command, planID, start, out)
	return out, nil
}

// appendOutcome records transitions, schedules, deliveries and drops in the
// order the core produced them.
func (e Engine) appendOutcome(ctx context.Context, tx *sql.Tx, planID, actorID string, out plan.Outcome) error {
	w := e.writer()
	for _, tr := range out.Transitions {
		if err := w.Append(ctx, tx, events.MilestoneTransitioned, planID, "milestone", milestoneEntity(tr.Milestone.ID), actorID, events.EventPayload{
			"name": tr.Milestone.Name,
			"from": string(tr.From),
			"to":   string(tr.To),
		}); err != nil {
			return err
		}
	}
	for _, c := range out.Scheduled {
		if err := w.Append(ctx, tx, events.CommScheduled, planID, "milestone", milestoneEntity(c.MilestoneID), actorID, events.EventPayload{
			"rule":           c.Rule,
			"milestone_name": c.MilestoneName,
			"days_offset":    c.DaysOffset,
			"scheduled_date": domain.FormatDate(c.ScheduledDate),
		}); err != nil {
			return err
		}
	}
	for _, d := range out.Delivered {
		payload := events.EventPayload{"type": d.Type, "date": domain.FormatDate(d.Date)}
		if d.Milestone != nil {
			payload["milestone_id"] = d.Milestone.ID
		}
		if err := w.Append(ctx, tx, events.CommDelivered, planID, "communication", d.ID, actorID, payload); err != nil {
			return err
		}
	}
	for _, c := range out.Dropped {
		if err := w.Append(ctx, tx, events.CommDropped, planID, "milestone", milestoneEntity(c.MilestoneID), actorID, events.EventPayload{
			"rule":           c.Rule,
			"scheduled_date": domain.FormatDate(c.ScheduledDate),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) record(command, planID string, start time.Time, out plan.Outcome) {
	e.Metrics.ObserveCommand(command, e.now().Sub(start))
	for _, tr := range out.Transitions {
		e.Metrics.Transition(string(tr.From), string(tr.To))
	}
	for _, c := range out.Scheduled {
		e.Metrics.CommScheduled(c.Rule)
	}
	for _, d := range out.Delivered {
		kind := "plan"
		if d.Milestone != nil {
			kind = "milestone"
		}
		e.Metrics.CommDelivered(kind)
	}
	for _, c := range out.Dropped {
		e.Metrics.CommDropped(c.Rule)
	}
	e.Metrics.SetPending(planID, len(out.State.Pending))

	fields := []zap.Field{
		zap.String("command", command),
		zap.String("plan_id", planID),
		zap.String("date", domain.FormatDate(out.State.Plan.CurrentDate)),
		zap.Int("transitions", len(out.Transitions)),
		zap.Int("scheduled", len(out.Scheduled)),
		zap.Int("delivered", len(out.Delivered)),
	}
	if len(out.Dropped) > 0 {
		fields = append(fields, zap.Int("dropped", len(out.Dropped)))
	}
	if out.Current != nil {
		fields = append(fields, zap.Int64("current", out.Current.ID))
	}
	logging.OrNop(e.Log).Info("plan command", fields...)
}

func (e Engine) failed(command, planID string, start time.Time, err error) (plan.Outcome, error) {
	code := string(errs.CodeOf(err))
	if code == "" {
		code = "internal"
	}
	e.Metrics.ObserveCommand(command, e.now().Sub(start))
	e.Metrics.CommandFailed(command, code)
	logging.OrNop(e.Log).Warn("plan command failed",
		zap.String("command", command),
		zap.String("plan_id", planID),
		zap.String("code", code),
		zap.Error(err),
	)
	return plan.Outcome{}, err
}

func milestoneEntity(id int64) string {
	return strconv.FormatInt(id, 10)
}

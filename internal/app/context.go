package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/engine"
	"planline/internal/errs"
	"planline/internal/metrics"
	"planline/internal/migrate"
	"planline/internal/repo"
)

// Workspace is an opened .planline directory with its configuration.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Log    *zap.Logger
}

// Open opens the workspace database, applies pending migrations and loads
// planline.yml. A missing file falls back to defaults for planOverride, or for
// the only stored plan.
func Open(ctx context.Context, dir, planOverride string, log *zap.Logger) (*Workspace, error) {
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		conn.Close()
		return nil, err
	}
	planID, err := ResolvePlanID(ctx, repo.Repo{DB: conn}, cfg, planOverride)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(planID)
	}
	cfg.Plan.ID = planID
	if log == nil {
		log = zap.NewNop()
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Log: log}, nil
}

// ResolvePlanID prefers the override, then the configured plan, then the only
// plan stored in the database.
func ResolvePlanID(ctx context.Context, r repo.Repo, cfg *config.Config, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if cfg != nil && cfg.Plan.ID != "" {
		return cfg.Plan.ID, nil
	}
	plans, err := r.ListPlans(ctx)
	if err != nil {
		return "", err
	}
	if len(plans) == 1 {
		return plans[0].ID, nil
	}
	return "", fmt.Errorf("plan not specified; use --plan or run pl init")
}

func (w *Workspace) Engine(m *metrics.Metrics) engine.Engine {
	e := engine.New(w.DB, w.Config)
	e.Log = w.Log
	e.Metrics = m
	return e
}

// EnsurePlan seeds the configured plan when it does not exist yet.
func (w *Workspace) EnsurePlan(ctx context.Context, e engine.Engine, actorID string) error {
	if actorID == "" {
		actorID = "local-user"
	}
	_, err := e.State(ctx, w.Config.Plan.ID)
	if !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if _, err := e.InitPlan(ctx, w.Config.Plan.ID, actorID); err != nil && !errors.Is(err, errs.ErrConflict) {
		return fmt.Errorf("seed plan %s: %w", w.Config.Plan.ID, err)
	}
	return nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

package migrate_test

import (
	"context"
	"testing"

	"planline/internal/db"
	"planline/internal/migrate"
)

func TestApplyIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	v, err := migrate.Version(ctx, conn)
	if err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v", v, err)
	}
	applied, err := migrate.Apply(ctx, conn)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) == 0 || applied[0] != "0001_init.sql" {
		t.Fatalf("unexpected applied set %v", applied)
	}
	again, err := migrate.Apply(ctx, conn)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing to apply, got %v", again)
	}
	v, err = migrate.Version(ctx, conn)
	if err != nil || v < 1 {
		t.Fatalf("version after apply = %d, %v", v, err)
	}
	for _, table := range []string{"plans", "milestones", "pending_communications", "communications", "events"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing (%d, %v)", table, n, err)
		}
	}
}

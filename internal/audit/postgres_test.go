//go:build integration

package audit_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/audit"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func newPostgresTrail(t *testing.T, db *pgxpool.Pool) (*audit.Trail, *audit.PostgresStore) {
	t.Helper()
	ctx := context.Background()
	store, err := audit.NewPostgresStore(ctx, db, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE audit_events"); err != nil {
		t.Fatalf("truncate audit_events: %v", err)
	}
	return audit.NewTrail(store, audit.Config{ChainID: "pg-test"}), store
}

func TestPostgresTrail_appendAndVerify(t *testing.T) {
	db := setupPostgres(t)
	trail, store := newPostgresTrail(t, db)
	ctx := context.Background()

	var last *audit.SignedEvent
	for i := 0; i < 4; i++ {
		ev := audit.Event{
			Category: audit.CategoryDataAccess,
			Action:   "read",
			Actor:    audit.Actor{ID: "svc-1", Type: "service", Tenant: "acme"},
			Resource: audit.Resource{Type: "receipt", ID: "r-9"},
			Context:  map[string]any{"rows": 12, "table": "receipts"},
			Outcome:  audit.OutcomeSuccess,
		}
		e, err := trail.Log(ctx, ev)
		if err != nil {
			t.Fatalf("Log: %v", err)
		}
		if last != nil && e.PreviousHash != last.Hash {
			t.Errorf("event %d previous = %q, want %q", i, e.PreviousHash, last.Hash)
		}
		last = e
	}

	got, err := store.GetByID(ctx, last.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Hash != last.Hash || got.Actor.Tenant != "acme" {
		t.Errorf("round-tripped event = %+v, want %+v", got, last)
	}
	if got.Context["table"] != "receipts" {
		t.Errorf("context lost in round trip: %+v", got.Context)
	}

	status, err := trail.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !status.Valid || status.TotalEvents != 4 {
		t.Errorf("chain = %+v, want valid with 4 events", status)
	}
}

func TestPostgresTrail_survivesReopen(t *testing.T) {
	db := setupPostgres(t)
	trail, _ := newPostgresTrail(t, db)
	ctx := context.Background()

	first, err := trail.Log(ctx, audit.Event{
		Category: audit.CategorySecurity,
		Action:   "boot",
		Actor:    audit.Actor{ID: "system"},
		Outcome:  audit.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	// A fresh store over the same pool sees the same trail and keeps
	// chaining from its tip.
	store2, err := audit.NewPostgresStore(ctx, db, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	trail2 := audit.NewTrail(store2, audit.Config{ChainID: "pg-test"})
	second, err := trail2.Log(ctx, audit.Event{
		Category: audit.CategorySecurity,
		Action:   "boot",
		Actor:    audit.Actor{ID: "system"},
		Outcome:  audit.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("Log after reopen: %v", err)
	}
	if second.PreviousHash != first.Hash {
		t.Errorf("post-reopen previous = %q, want %q", second.PreviousHash, first.Hash)
	}

	status, err := trail2.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !status.Valid || status.TotalEvents != 2 {
		t.Errorf("chain = %+v, want valid with 2 events", status)
	}
}

func TestPostgresStore_rejectsStaleTip(t *testing.T) {
	db := setupPostgres(t)
	trail, store := newPostgresTrail(t, db)
	ctx := context.Background()

	first, err := trail.Log(ctx, audit.Event{
		Category: audit.CategorySecurity,
		Action:   "first",
		Actor:    audit.Actor{ID: "a"},
		Outcome:  audit.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	stale := &audit.SignedEvent{
		Event: audit.Event{
			ID:        "stale-1",
			Timestamp: time.Now().UTC(),
			Level:     audit.LevelInfo,
			Category:  audit.CategorySecurity,
			Action:    "late",
			Actor:     audit.Actor{ID: "b"},
			Outcome:   audit.OutcomeSuccess,
		},
		PreviousHash: first.PreviousHash,
		Hash:         strings.Repeat("ef", 32),
	}
	if err := store.Append(ctx, stale); err != audit.ErrStaleTip {
		t.Errorf("err = %v, want ErrStaleTip", err)
	}
}

func TestPostgresTrail_archive(t *testing.T) {
	db := setupPostgres(t)
	trail, store := newPostgresTrail(t, db)
	ctx := context.Background()

	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	var hashes []string
	for i := 0; i < 3; i++ {
		ev := audit.Event{
			Timestamp: base.AddDate(0, 0, i),
			Category:  audit.CategoryConfiguration,
			Action:    "update",
			Actor:     audit.Actor{ID: "ops"},
			Outcome:   audit.OutcomeSuccess,
		}
		e, err := trail.Log(ctx, ev)
		if err != nil {
			t.Fatalf("Log: %v", err)
		}
		hashes = append(hashes, e.Hash)
	}

	sink := audit.NewFileArchive(t.TempDir() + "/archive.jsonl")
	report, err := trail.Archive(ctx, base.AddDate(0, 0, 2), sink)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if report.Archived != 2 || report.NewGenesis != hashes[1] {
		t.Errorf("report = %+v, want 2 archived with genesis %q", report, hashes[1])
	}
	if n, _ := store.Len(ctx); n != 1 {
		t.Errorf("retained = %d, want 1", n)
	}

	status, err := trail.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !status.Valid || status.TotalEvents != 1 {
		t.Errorf("post-archive chain = %+v, want valid with 1 event", status)
	}
}

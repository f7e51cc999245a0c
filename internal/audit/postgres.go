package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent appends across all processes
// sharing the database. The value is arbitrary but must stay stable.
const advisoryLockKey = int64(7_419_523_001)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq             BIGSERIAL PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	ts              TIMESTAMPTZ NOT NULL,
	level           TEXT NOT NULL,
	category        TEXT NOT NULL,
	action          TEXT NOT NULL,
	actor_id        TEXT NOT NULL DEFAULT '',
	actor_type      TEXT NOT NULL DEFAULT '',
	actor_tenant    TEXT NOT NULL DEFAULT '',
	resource_type   TEXT NOT NULL DEFAULT '',
	resource_id     TEXT NOT NULL DEFAULT '',
	resource_tenant TEXT NOT NULL DEFAULT '',
	context         JSONB,
	outcome         TEXT NOT NULL,
	prev_hash       TEXT NOT NULL,
	hash            TEXT NOT NULL UNIQUE,
	signature       TEXT NOT NULL DEFAULT '',
	key_id          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_category_idx ON audit_events (category);
CREATE INDEX IF NOT EXISTS audit_events_ts_idx ON audit_events (ts);
`

// PostgresStore persists the audit trail to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore over pool and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

const eventColumns = `id, ts, level, category, action,
	actor_id, actor_type, actor_tenant,
	resource_type, resource_id, resource_tenant,
	context, outcome, prev_hash, hash, signature, key_id`

// Append implements Store. The advisory transaction lock keeps appends from
// different processes strictly ordered.
func (s *PostgresStore) Append(ctx context.Context, e *SignedEvent) error {
	contextJSON, err := marshalContext(e.Context)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	// Re-read the tip under the lock. Another process may have appended
	// since the caller built this event.
	var tipHash string
	err = tx.QueryRow(ctx, "SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1").Scan(&tipHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// empty trail accepts any genesis
	case err != nil:
		return fmt.Errorf("read trail tip: %w", err)
	case tipHash != e.PreviousHash:
		return ErrStaleTip
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.Timestamp, e.Level, e.Category, e.Action,
		e.Actor.ID, e.Actor.Type, e.Actor.Tenant,
		e.Resource.Type, e.Resource.ID, e.Resource.Tenant,
		contextJSON, e.Outcome, e.PreviousHash, e.Hash, e.Signature, e.KeyID,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit event: %w", err)
	}

	s.logger.Debug("audit event appended",
		zap.String("id", e.ID),
		zap.String("category", string(e.Category)),
	)
	return nil
}

// GetByID implements Store.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*SignedEvent, error) {
	return s.getOne(ctx, "id = $1", id)
}

// GetByHash implements Store.
func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*SignedEvent, error) {
	return s.getOne(ctx, "hash = $1", hash)
}

func (s *PostgresStore) getOne(ctx context.Context, where string, arg any) (*SignedEvent, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+eventColumns+" FROM audit_events WHERE "+where, arg)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return e, nil
}

// First implements Store.
func (s *PostgresStore) First(ctx context.Context) (*SignedEvent, error) {
	return s.boundary(ctx, "ASC")
}

// Tip implements Store.
func (s *PostgresStore) Tip(ctx context.Context) (*SignedEvent, error) {
	return s.boundary(ctx, "DESC")
}

func (s *PostgresStore) boundary(ctx context.Context, dir string) (*SignedEvent, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM audit_events ORDER BY seq "+dir+" LIMIT 1")
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trail boundary: %w", err)
	}
	return e, nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// Iterate implements Store. Rows stream in append order.
func (s *PostgresStore) Iterate(ctx context.Context, fn func(*SignedEvent) (bool, error)) error {
	rows, err := s.pool.Query(ctx,
		"SELECT "+eventColumns+" FROM audit_events ORDER BY seq ASC")
	if err != nil {
		return fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("scan audit event: %w", err)
		}
		cont, err := fn(e)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return rows.Err()
}

// RemovePrefix implements Store.
func (s *PostgresStore) RemovePrefix(ctx context.Context, n int) ([]*SignedEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	rows, err := tx.Query(ctx,
		"SELECT "+eventColumns+" FROM audit_events ORDER BY seq ASC LIMIT $1", n)
	if err != nil {
		return nil, fmt.Errorf("query archive prefix: %w", err)
	}
	var removed []*SignedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan archive prefix: %w", err)
		}
		removed = append(removed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read archive prefix: %w", err)
	}

	for _, e := range removed {
		if _, err := tx.Exec(ctx, "DELETE FROM audit_events WHERE id = $1", e.ID); err != nil {
			return nil, fmt.Errorf("remove archived event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit archive removal: %w", err)
	}
	return removed, nil
}

func marshalContext(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal event context: %w", err)
	}
	return b, nil
}

func scanEvent(row pgx.Row) (*SignedEvent, error) {
	var e SignedEvent
	var contextJSON []byte
	if err := row.Scan(
		&e.ID, &e.Timestamp, &e.Level, &e.Category, &e.Action,
		&e.Actor.ID, &e.Actor.Type, &e.Actor.Tenant,
		&e.Resource.Type, &e.Resource.ID, &e.Resource.Tenant,
		&contextJSON, &e.Outcome, &e.PreviousHash, &e.Hash, &e.Signature, &e.KeyID,
	); err != nil {
		return nil, err
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &e.Context); err != nil {
			return nil, fmt.Errorf("decode event context: %w", err)
		}
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

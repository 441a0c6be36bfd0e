package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/serroba/edge-guard/internal/events"
)

// DB is the subset of pgxpool.Pool used by Postgres.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
	CREATE TABLE IF NOT EXISTS policy_decisions (
		id          BIGSERIAL PRIMARY KEY,
		policy      TEXT        NOT NULL,
		outcome     TEXT        NOT NULL,
		key         TEXT        NOT NULL,
		method      TEXT        NOT NULL,
		path        TEXT        NOT NULL,
		client_ip   TEXT        NOT NULL,
		detail      TEXT,
		decided_at  TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS policy_decisions_decided_at_idx ON policy_decisions (decided_at)
`

// Postgres persists decision events in the policy_decisions table.
type Postgres struct {
	db DB
}

// NewPostgres creates a PostgreSQL-backed decision store.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the policy_decisions table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate policy_decisions: %w", err)
	}

	return nil
}

func (p *Postgres) SaveDecision(ctx context.Context, event *events.DecisionEvent) error {
	query := `
		INSERT INTO policy_decisions (policy, outcome, key, method, path, client_ip, detail, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := p.db.Exec(ctx, query,
		string(event.Policy),
		string(event.Outcome),
		event.Key,
		event.Method,
		event.Path,
		event.ClientIP,
		nullableString(event.Detail),
		event.At,
	)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}

	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

package audit

import (
	"context"
	"database/sql"
)

// PostgresSchema creates call_audit_events. Safe to repeat.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS call_audit_events (
  id            TEXT PRIMARY KEY,
  call_id       TEXT NOT NULL,
  type          TEXT NOT NULL,
  actor_user_id TEXT NOT NULL DEFAULT '',
  from_status   TEXT NOT NULL DEFAULT '',
  to_status     TEXT NOT NULL DEFAULT '',
  message       TEXT NOT NULL DEFAULT '',
  metadata      TEXT NOT NULL DEFAULT '',
  created_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS call_audit_events_call ON call_audit_events (call_id, created_at)`,
}

// PostgresRepo appends events to call_audit_events.
// It issues INSERTs only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_audit_events (
  id, call_id, type, actor_user_id, from_status, to_status, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.CallID,
		e.Type,
		e.ActorUserID,
		e.FromStatus,
		e.ToStatus,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

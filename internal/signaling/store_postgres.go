package signaling

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"devcall/internal/calls"
	"devcall/pkg/utils"
)

// PostgresSchema creates the call_records table PostgresStore reads and
// writes. Every statement is safe to repeat.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS call_records (
  id             TEXT PRIMARY KEY,
  requester_id   TEXT NOT NULL,
  responder_id   TEXT NOT NULL,
  requester_name TEXT NOT NULL DEFAULT '',
  status         TEXT NOT NULL,
  participants   JSONB NOT NULL DEFAULT '{}',
  version        BIGINT NOT NULL,
  created_at     TIMESTAMPTZ NOT NULL,
  accepted_at    TIMESTAMPTZ,
  ended_at       TIMESTAMPTZ,
  updated_at     TIMESTAMPTZ NOT NULL,
  ended_by       TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS call_records_responder_status ON call_records (responder_id, status)`,
	`CREATE INDEX IF NOT EXISTS call_records_requester_status ON call_records (requester_id, status)`,
}

// PostgresStore persists call records and publishes each committed revision
// through a Notifier (Redis pub/sub in production).
type PostgresStore struct {
	db       *sql.DB
	notifier Notifier
}

func NewPostgresStore(db *sql.DB, notifier Notifier) *PostgresStore {
	if notifier == nil {
		notifier = NewHub()
	}
	return &PostgresStore{db: db, notifier: notifier}
}

const recordColumns = `id, requester_id, responder_id, requester_name, status, participants, version,
created_at, accepted_at, ended_at, updated_at, ended_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (calls.Record, error) {
	var (
		r            calls.Record
		participants []byte
		acceptedAt   sql.NullTime
		endedAt      sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.RequesterID,
		&r.ResponderID,
		&r.RequesterName,
		&r.Status,
		&participants,
		&r.Version,
		&r.CreatedAt,
		&acceptedAt,
		&endedAt,
		&r.UpdatedAt,
		&r.EndedBy,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Record{}, ErrRecordNotFound
		}
		return calls.Record{}, err
	}
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &r.Participants); err != nil {
			return calls.Record{}, fmt.Errorf("signaling: decode participants: %w", err)
		}
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		r.AcceptedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return r, nil
}

func encodeParticipants(r calls.Record) ([]byte, error) {
	if r.Participants == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Participants)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *PostgresStore) Create(ctx context.Context, rec calls.Record) (calls.Record, error) {
	if rec.ID == "" {
		return calls.Record{}, ErrInvalidArgument
	}
	participants, err := encodeParticipants(rec)
	if err != nil {
		return calls.Record{}, err
	}
	rec.Version = 1

	const q = `
INSERT INTO call_records (
  id, requester_id, responder_id, requester_name, status, participants, version,
  created_at, accepted_at, ended_at, updated_at, ended_by
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (id) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q,
		rec.ID,
		rec.RequesterID,
		rec.ResponderID,
		rec.RequesterName,
		string(rec.Status),
		participants,
		rec.Version,
		rec.CreatedAt,
		nullTime(rec.AcceptedAt),
		nullTime(rec.EndedAt),
		rec.UpdatedAt,
		rec.EndedBy,
	)
	if err != nil {
		return calls.Record{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		cur, err := s.Get(ctx, rec.ID)
		if err != nil {
			return calls.Record{}, err
		}
		return cur, ErrRecordExists
	}
	_ = s.notifier.Publish(ctx, rec)
	return rec.Clone(), nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (calls.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE id = $1`
	return scanRecord(s.db.QueryRowContext(ctx, q, id))
}

// Update locks the row, applies mutate and writes the result back in one transaction.
// The revision is published only after the commit succeeds.
func (s *PostgresStore) Update(ctx context.Context, id string, mutate func(*calls.Record) error) (calls.Record, bool, error) {
	var (
		out     calls.Record
		changed bool
	)
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		q := `SELECT ` + recordColumns + ` FROM call_records WHERE id = $1 FOR UPDATE`
		cur, err := scanRecord(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}

		next := cur.Clone()
		if err := mutate(&next); err != nil {
			out = cur
			if errors.Is(err, ErrNoChange) {
				return nil
			}
			return err
		}
		next.ID = cur.ID
		next.Version = cur.Version + 1

		participants, err := encodeParticipants(next)
		if err != nil {
			return err
		}
		const upd = `
UPDATE call_records
SET status = $2, participants = $3, version = $4, accepted_at = $5, ended_at = $6,
    updated_at = $7, ended_by = $8
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, upd,
			next.ID,
			string(next.Status),
			participants,
			next.Version,
			nullTime(next.AcceptedAt),
			nullTime(next.EndedAt),
			next.UpdatedAt,
			next.EndedBy,
		); err != nil {
			return err
		}
		out = next
		changed = true
		return nil
	})
	if err != nil {
		return out, false, err
	}
	if changed {
		_ = s.notifier.Publish(ctx, out)
	}
	return out.Clone(), changed, nil
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]calls.Record, error) {
	if !f.valid() {
		return nil, ErrInvalidArgument
	}
	q, args := buildQuery(f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func buildQuery(f Filter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT ` + recordColumns + ` FROM call_records WHERE `)
	args := make([]any, 0, 1+len(f.Statuses))
	if f.RequesterID != "" {
		b.WriteString(`requester_id = $1`)
		args = append(args, f.RequesterID)
	} else {
		b.WriteString(`responder_id = $1`)
		args = append(args, f.ResponderID)
	}
	if len(f.Statuses) > 0 {
		b.WriteString(` AND status IN (`)
		for i, st := range f.Statuses {
			if i > 0 {
				b.WriteString(",")
			}
			args = append(args, string(st))
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteString(`)`)
	}
	b.WriteString(` ORDER BY created_at ASC`)
	return b.String(), args
}

func (s *PostgresStore) Watch(ctx context.Context, id string) (<-chan calls.Record, func(), error) {
	return s.notifier.Watch(ctx, id)
}

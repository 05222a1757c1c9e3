package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS calls (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	caller_id            TEXT        NOT NULL,
	receiver_id          TEXT        NOT NULL,
	receiver_business_id TEXT        NOT NULL DEFAULT '',
	call_status          TEXT        NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	answered_at          TIMESTAMPTZ,
	ended_at             TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS calls_caller_idx ON calls (caller_id, created_at DESC);
CREATE INDEX IF NOT EXISTS calls_receiver_idx ON calls (receiver_id, created_at DESC);
CREATE TABLE IF NOT EXISTS businesses (
	id       TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL
);
`

const callColumns = `id, caller_id, receiver_id, receiver_business_id, call_status, created_at, answered_at, ended_at`

// Postgres is the shared call table both peers write to.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ core.CallStore        = (*Postgres)(nil)
	_ core.BusinessResolver = (*Postgres)(nil)
)

// OpenPool connects to dsn and validates it with a ping.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return pool, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate calls: %w", err)
	}
	return nil
}

func (p *Postgres) CreateCall(ctx context.Context, rec domain.CallRecord) (domain.CallRecord, error) {
	if err := validateNew(rec); err != nil {
		return domain.CallRecord{}, err
	}
	var created any
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt
	}
	row := p.pool.QueryRow(ctx,
		`INSERT INTO calls (id, caller_id, receiver_id, receiver_business_id, call_status, created_at, answered_at, ended_at)
		 VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, COALESCE($6, now()), $7, $8)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING `+callColumns,
		string(rec.ID), string(rec.CallerID), string(rec.ReceiverID), rec.ReceiverBusinessID,
		string(rec.Status), created, rec.AnsweredAt, rec.EndedAt)
	out, err := scanPgCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CallRecord{}, fmt.Errorf("call %s: %w", rec.ID, core.ErrCallExists)
	}
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("insert call: %w", err)
	}
	return out, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id domain.CallID, status domain.RecordStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid call status %q", status)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE calls SET
			call_status = $1,
			answered_at = CASE WHEN $1 = 'active' THEN COALESCE(answered_at, $2) ELSE answered_at END,
			ended_at    = CASE WHEN $1 IN ('declined', 'ended') THEN COALESCE(ended_at, $2) ELSE ended_at END
		 WHERE id = $3`,
		string(status), at, string(id))
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("call %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, error) {
	rec, err := scanPgCall(p.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CallRecord{}, fmt.Errorf("call %s: %w", id, core.ErrNotFound)
	}
	return rec, err
}

func (p *Postgres) ListCalls(ctx context.Context, user domain.UserID, limit int) ([]domain.CallRecord, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+callColumns+` FROM calls
		  WHERE caller_id = $1 OR receiver_id = $1
		  ORDER BY created_at DESC LIMIT $2`,
		string(user), lim)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()
	out := make([]domain.CallRecord, 0)
	for rows.Next() {
		rec, err := scanPgCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveBusiness(ctx context.Context, businessID string) (domain.UserID, error) {
	var owner string
	err := p.pool.QueryRow(ctx, `SELECT owner_id FROM businesses WHERE id = $1`, businessID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("business %s: %w", businessID, core.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return domain.UserID(owner), nil
}

func scanPgCall(row pgx.Row) (domain.CallRecord, error) {
	var (
		rec                          domain.CallRecord
		id, caller, receiver, status string
	)
	err := row.Scan(&id, &caller, &receiver, &rec.ReceiverBusinessID, &status, &rec.CreatedAt, &rec.AnsweredAt, &rec.EndedAt)
	if err != nil {
		return rec, err
	}
	rec.ID = domain.CallID(id)
	rec.CallerID = domain.UserID(caller)
	rec.ReceiverID = domain.UserID(receiver)
	rec.Status = domain.RecordStatus(status)
	return rec, nil
}

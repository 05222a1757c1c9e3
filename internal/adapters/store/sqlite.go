package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS calls (
	id                   TEXT PRIMARY KEY,
	caller_id            TEXT NOT NULL,
	receiver_id          TEXT NOT NULL,
	receiver_business_id TEXT NOT NULL DEFAULT '',
	call_status          TEXT NOT NULL,
	created_at           INTEGER NOT NULL,
	answered_at          INTEGER,
	ended_at             INTEGER
);
CREATE INDEX IF NOT EXISTS calls_caller_idx ON calls (caller_id, created_at);
CREATE INDEX IF NOT EXISTS calls_receiver_idx ON calls (receiver_id, created_at);
CREATE TABLE IF NOT EXISTS businesses (
	id       TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL
);`

// SQLite is the on-device call history. Timestamps are unix milliseconds.
type SQLite struct {
	db *sql.DB
}

var (
	_ core.CallStore        = (*SQLite)(nil)
	_ core.BusinessResolver = (*SQLite)(nil)
)

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateCall(ctx context.Context, rec domain.CallRecord) (domain.CallRecord, error) {
	if err := validateNew(rec); err != nil {
		return domain.CallRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = domain.CallID(uuid.NewString())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, caller_id, receiver_id, receiver_business_id, call_status, created_at, answered_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		string(rec.ID), string(rec.CallerID), string(rec.ReceiverID), rec.ReceiverBusinessID,
		string(rec.Status), rec.CreatedAt.UnixMilli(), millisOrNil(rec.AnsweredAt), millisOrNil(rec.EndedAt))
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("insert call: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.CallRecord{}, fmt.Errorf("call %s: %w", rec.ID, core.ErrCallExists)
	}
	return rec, nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, id domain.CallID, status domain.RecordStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid call status %q", status)
	}
	ms := at.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET
			call_status = ?,
			answered_at = CASE WHEN ? = 'active' THEN COALESCE(answered_at, ?) ELSE answered_at END,
			ended_at    = CASE WHEN ? IN ('declined', 'ended') THEN COALESCE(ended_at, ?) ELSE ended_at END
		 WHERE id = ?`,
		string(status), string(status), ms, string(status), ms, string(id))
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("call %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (s *SQLite) GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, caller_id, receiver_id, receiver_business_id, call_status, created_at, answered_at, ended_at
		   FROM calls WHERE id = ?`, string(id))
	rec, err := scanSQLiteCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CallRecord{}, fmt.Errorf("call %s: %w", id, core.ErrNotFound)
	}
	return rec, err
}

func (s *SQLite) ListCalls(ctx context.Context, user domain.UserID, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, caller_id, receiver_id, receiver_business_id, call_status, created_at, answered_at, ended_at
		   FROM calls WHERE caller_id = ? OR receiver_id = ?
		  ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		string(user), string(user), limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()
	out := make([]domain.CallRecord, 0)
	for rows.Next() {
		rec, err := scanSQLiteCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetBusinessOwner registers who answers calls for businessID.
func (s *SQLite) SetBusinessOwner(ctx context.Context, businessID string, owner domain.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO businesses (id, owner_id) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id`,
		businessID, string(owner))
	return err
}

func (s *SQLite) ResolveBusiness(ctx context.Context, businessID string) (domain.UserID, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM businesses WHERE id = ?`, businessID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("business %s: %w", businessID, core.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return domain.UserID(owner), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCall(row rowScanner) (domain.CallRecord, error) {
	var (
		rec                          domain.CallRecord
		id, caller, receiver, status string
		created                      int64
		answered, ended              sql.NullInt64
	)
	if err := row.Scan(&id, &caller, &receiver, &rec.ReceiverBusinessID, &status, &created, &answered, &ended); err != nil {
		return rec, err
	}
	rec.ID = domain.CallID(id)
	rec.CallerID = domain.UserID(caller)
	rec.ReceiverID = domain.UserID(receiver)
	rec.Status = domain.RecordStatus(status)
	rec.CreatedAt = time.UnixMilli(created)
	if answered.Valid {
		t := time.UnixMilli(answered.Int64)
		rec.AnsweredAt = &t
	}
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		rec.EndedAt = &t
	}
	return rec, nil
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"examgate/internal/exam"
)

// PostgresSessions persists one JSONB record per session, guarded by a
// version column.
type PostgresSessions struct {
	db *sql.DB
}

// NewPostgresSessions creates a repository on an open connection.
func NewPostgresSessions(db *sql.DB) *PostgresSessions {
	return &PostgresSessions{db: db}
}

func (r *PostgresSessions) Create(ctx context.Context, s *exam.Session) error {
	body, err := encode(s)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO exam_sessions (id, version, record, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.Version, string(body), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return unavailable(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return exists(s.ID)
	}
	return nil
}

func (r *PostgresSessions) Get(ctx context.Context, id string) (*exam.Session, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM exam_sessions WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decode(body)
}

func (r *PostgresSessions) Save(ctx context.Context, s *exam.Session, expected int64) error {
	body, err := encode(s)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE exam_sessions
		SET version = $2, record = $3::jsonb, updated_at = $4
		WHERE id = $1 AND version = $5
	`, s.ID, s.Version, string(body), s.UpdatedAt, expected)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 1 {
		return nil
	}

	var found int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM exam_sessions WHERE id = $1`, s.ID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(s.ID)
	}
	if err != nil {
		return unavailable(err)
	}
	return conflict(s.ID, expected)
}

func (r *PostgresSessions) List(ctx context.Context) ([]*exam.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record FROM exam_sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	out := []*exam.Session{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, unavailable(err)
		}
		s, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// PostgresJournal stores transitions in session_events.
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal creates a journal on an open connection.
func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// Append inserts t; a redelivered transition id is ignored.
func (j *PostgresJournal) Append(ctx context.Context, t exam.Transition) error {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, op, student_id, actor, version, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.SessionID, t.Op, t.StudentID, t.Actor, t.Version, t.At)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// List returns the most recent limit transitions of a session, oldest first.
func (j *PostgresJournal) List(ctx context.Context, sessionID string, limit int) ([]exam.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, op, student_id, actor, version, occurred_at FROM (
			SELECT id, session_id, op, student_id, actor, version, occurred_at
			FROM session_events
			WHERE session_id = $1
			ORDER BY occurred_at DESC, version DESC
			LIMIT $2
		) recent
		ORDER BY occurred_at, version
	`, sessionID, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	out := []exam.Transition{}
	for rows.Next() {
		var t exam.Transition
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Op, &t.StudentID, &t.Actor, &t.Version, &t.At); err != nil {
			return nil, unavailable(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// Package db is the SQLite implementation of the availability, session,
// booking request, directory and audit stores.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tutorly/internal/apperr"

	"github.com/mattn/go-sqlite3"
)

// DB wraps sql.DB for the scheduling core.
type DB struct {
	*sql.DB
	path string
}

// Open opens the database at path and runs migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer keeps the overlap trigger and CAS updates serialised.
	conn.SetMaxOpenConns(1)

	if err := createTables(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{DB: conn, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

func createTables(conn *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS availability_blocks (
            id TEXT PRIMARY KEY,
            tutor_id INTEGER NOT NULL,
            module_id INTEGER,
            day_of_week INTEGER NOT NULL,
            start_time TEXT NOT NULL,
            end_time TEXT NOT NULL,
            is_recurring BOOLEAN NOT NULL DEFAULT 1,
            effective_from TEXT NOT NULL DEFAULT '',
            effective_until TEXT,
            timezone TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS availability_exceptions (
            id TEXT PRIMARY KEY,
            tutor_id INTEGER NOT NULL,
            availability_id TEXT,
            date TEXT NOT NULL,
            is_available BOOLEAN NOT NULL DEFAULT 0,
            start_time TEXT,
            end_time TEXT,
            reason TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS student_availability (
            id TEXT PRIMARY KEY,
            student_id INTEGER NOT NULL,
            booking_request_id TEXT NOT NULL DEFAULT '',
            preferred_days TEXT NOT NULL,
            preferred_times TEXT NOT NULL,
            specific_hours TEXT,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            UNIQUE (student_id, booking_request_id)
        )`,

		`CREATE TABLE IF NOT EXISTS booking_requests (
            id TEXT PRIMARY KEY,
            student_id INTEGER NOT NULL,
            tutor_id INTEGER NOT NULL,
            module_id INTEGER NOT NULL,
            range_from TEXT NOT NULL,
            range_to TEXT NOT NULL,
            proposed_slots TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            decision_reason TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            expires_at INTEGER NOT NULL,
            responded_at INTEGER
        )`,

		`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            booking_request_id TEXT NOT NULL,
            student_id INTEGER NOT NULL,
            tutor_id INTEGER NOT NULL,
            module_id INTEGER NOT NULL,
            scheduled_start INTEGER NOT NULL,
            scheduled_end INTEGER NOT NULL,
            study_room_id TEXT,
            status TEXT NOT NULL,
            cancellation_reason TEXT NOT NULL DEFAULT '',
            cancelled_by INTEGER,
            cancelled_at INTEGER,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,

		// Final guard against double booking a tutor.
		`CREATE TRIGGER IF NOT EXISTS sessions_no_overlap
        BEFORE INSERT ON sessions
        WHEN NEW.status IN ('confirmed', 'in_progress')
        BEGIN
            SELECT RAISE(ABORT, 'session overlap')
            WHERE EXISTS (
                SELECT 1 FROM sessions
                WHERE tutor_id = NEW.tutor_id
                  AND status IN ('confirmed', 'in_progress')
                  AND scheduled_start < NEW.scheduled_end
                  AND NEW.scheduled_start < scheduled_end
            );
        END`,

		`CREATE TABLE IF NOT EXISTS module_tutors (
            tutor_id INTEGER NOT NULL,
            module_id INTEGER NOT NULL,
            PRIMARY KEY (tutor_id, module_id)
        )`,

		`CREATE TABLE IF NOT EXISTS module_preferences (
            tutor_id INTEGER NOT NULL,
            module_id INTEGER NOT NULL,
            buffer_seconds INTEGER NOT NULL DEFAULT 0,
            lead_time_seconds INTEGER NOT NULL DEFAULT 0,
            booking_window_seconds INTEGER NOT NULL DEFAULT 0,
            max_per_day INTEGER NOT NULL DEFAULT 0,
            min_advance_days INTEGER NOT NULL DEFAULT 0,
            cancellation_cutoff_seconds INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            PRIMARY KEY (tutor_id, module_id)
        )`,

		`CREATE TABLE IF NOT EXISTS user_chats (
            user_id INTEGER PRIMARY KEY,
            chat_id INTEGER NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS audit_events (
            id TEXT PRIMARY KEY,
            event_type TEXT NOT NULL,
            actor_id INTEGER NOT NULL,
            entity_ref TEXT NOT NULL,
            detail TEXT,
            occurred_at INTEGER NOT NULL
        )`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_blocks_tutor ON availability_blocks(tutor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exceptions_tutor_date ON availability_exceptions(tutor_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_tutor_status ON booking_requests(tutor_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_expiry ON booking_requests(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_tutor_times ON sessions(tutor_id, scheduled_start, scheduled_end)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_start ON sessions(status, scheduled_start)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_occurred ON audit_events(occurred_at)`,
	}

	for _, q := range queries {
		if _, err := conn.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

// Times are stored as unix nanoseconds so that round trips are exact.
func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

// isOverlap reports whether err comes from the sessions_no_overlap trigger.
func isOverlap(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrConstraint && strings.Contains(sqliteErr.Error(), "session overlap")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	return err
}

// casResult turns a zero-row conditional update into ErrNotFound or ErrStaleState.
func (db *DB) casResult(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table), id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return apperr.ErrNotFound
	}
	return apperr.ErrStaleState
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

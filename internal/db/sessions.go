package db

import (
	"context"
	"database/sql"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/model"
)

const sessionColumns = `id, booking_request_id, student_id, tutor_id, module_id, scheduled_start, scheduled_end,
    study_room_id, status, cancellation_reason, cancelled_by, cancelled_at, created_at, updated_at`

// CreateSession inserts s. The overlap trigger rejects a blocking session
// that intersects another blocking session of the same tutor.
func (db *DB) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO sessions ("+sessionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		s.ID, s.BookingRequestID, s.StudentID, s.TutorID, s.ModuleID,
		toUnix(s.ScheduledStart), toUnix(s.ScheduledEnd), nullString(s.StudyRoomID), string(s.Status),
		s.CancellationReason, nullInt(s.CancelledBy), nullTime(s.CancelledAt),
		toUnix(s.CreatedAt), toUnix(s.UpdatedAt),
	)
	if isOverlap(err) {
		return apperr.ErrSessionOverlap
	}
	return err
}

func (db *DB) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func scanSession(row scanner) (model.Session, error) {
	var (
		s                        model.Session
		start, end               int64
		roomID                   sql.NullString
		status                   string
		cancelledBy, cancelledAt sql.NullInt64
		createdAt, updated       int64
	)
	if err := row.Scan(&s.ID, &s.BookingRequestID, &s.StudentID, &s.TutorID, &s.ModuleID, &start, &end,
		&roomID, &status, &s.CancellationReason, &cancelledBy, &cancelledAt, &createdAt, &updated); err != nil {
		return s, err
	}
	s.ScheduledStart = fromUnix(start)
	s.ScheduledEnd = fromUnix(end)
	s.StudyRoomID = stringPtr(roomID)
	s.Status = model.SessionStatus(status)
	s.CancelledBy = intPtr(cancelledBy)
	s.CancelledAt = timePtr(cancelledAt)
	s.CreatedAt = fromUnix(createdAt)
	s.UpdatedAt = fromUnix(updated)
	return s, nil
}

// TransitionSession applies change only while the stored status equals from.
func (db *DB) TransitionSession(ctx context.Context, id string, from model.SessionStatus, change model.SessionChange) error {
	var (
		res sql.Result
		err error
	)
	if change.To == model.SessionCancelled {
		res, err = db.ExecContext(ctx, `
            UPDATE sessions
            SET status = ?, updated_at = ?, cancelled_at = ?, cancelled_by = ?, cancellation_reason = ?
            WHERE id = ? AND status = ?`,
			string(change.To), toUnix(change.At), toUnix(change.At), nullInt(change.CancelledBy), change.Reason,
			id, string(from),
		)
	} else {
		res, err = db.ExecContext(ctx,
			"UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
			string(change.To), toUnix(change.At), id, string(from),
		)
	}
	if err != nil {
		return err
	}
	return db.casResult(ctx, res, "sessions", id)
}

// SetStudyRoom links roomID to a session that has no room yet.
func (db *DB) SetStudyRoom(ctx context.Context, id, roomID string, at time.Time) error {
	res, err := db.ExecContext(ctx,
		"UPDATE sessions SET study_room_id = ?, updated_at = ? WHERE id = ? AND study_room_id IS NULL",
		roomID, toUnix(at), id,
	)
	if err != nil {
		return err
	}
	return db.casResult(ctx, res, "sessions", id)
}

// ListSessionsByStatus returns sessions whose scheduled start lies in [from, to].
func (db *DB) ListSessionsByStatus(ctx context.Context, status model.SessionStatus, from, to time.Time) ([]model.Session, error) {
	return db.querySessions(ctx,
		"SELECT "+sessionColumns+` FROM sessions
        WHERE status = ? AND scheduled_start >= ? AND scheduled_start <= ?
        ORDER BY scheduled_start`,
		string(status), toUnix(from), toUnix(to),
	)
}

// ListTutorSessions returns the tutor's sessions overlapping [from, to).
func (db *DB) ListTutorSessions(ctx context.Context, tutorID int64, from, to time.Time, statuses ...model.SessionStatus) ([]model.Session, error) {
	query := "SELECT " + sessionColumns + ` FROM sessions
        WHERE tutor_id = ? AND scheduled_start < ? AND scheduled_end > ?`
	args := []any{tutorID, toUnix(to), toUnix(from)}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += " ORDER BY scheduled_start"
	return db.querySessions(ctx, query, args...)
}

func (db *DB) querySessions(ctx context.Context, query string, args ...any) ([]model.Session, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/model"
)

const blockColumns = `id, tutor_id, module_id, day_of_week, start_time, end_time, is_recurring,
    effective_from, effective_until, timezone, created_at, updated_at`

// ListBlocks returns every availability block of a tutor.
func (db *DB) ListBlocks(ctx context.Context, tutorID int64) ([]model.AvailabilityBlock, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+blockColumns+" FROM availability_blocks WHERE tutor_id = ? ORDER BY day_of_week, start_time",
		tutorID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AvailabilityBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBlock(row scanner) (model.AvailabilityBlock, error) {
	var (
		b                  model.AvailabilityBlock
		moduleID           sql.NullInt64
		day                int
		start, end, from   string
		until              sql.NullString
		createdAt, updated int64
	)
	if err := row.Scan(&b.ID, &b.TutorID, &moduleID, &day, &start, &end, &b.IsRecurring,
		&from, &until, &b.Timezone, &createdAt, &updated); err != nil {
		return b, err
	}
	b.ModuleID = intPtr(moduleID)
	b.DayOfWeek = time.Weekday(day)
	var err error
	if b.Start, err = model.ParseTimeOfDay(start); err != nil {
		return b, fmt.Errorf("block %s: %w", b.ID, err)
	}
	if b.End, err = model.ParseTimeOfDay(end); err != nil {
		return b, fmt.Errorf("block %s: %w", b.ID, err)
	}
	if from != "" {
		if b.EffectiveFrom, err = model.ParseDate(from); err != nil {
			return b, fmt.Errorf("block %s: %w", b.ID, err)
		}
	}
	if until.Valid {
		d, err := model.ParseDate(until.String)
		if err != nil {
			return b, fmt.Errorf("block %s: %w", b.ID, err)
		}
		b.EffectiveUntil = &d
	}
	b.CreatedAt = fromUnix(createdAt)
	b.UpdatedAt = fromUnix(updated)
	return b, nil
}

// ReplaceBlocks swaps the tutor's blocks in one transaction.
func (db *DB) ReplaceBlocks(ctx context.Context, tutorID int64, blocks []model.AvailabilityBlock) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM availability_blocks WHERE tutor_id = ?", tutorID); err != nil {
		return fmt.Errorf("delete blocks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO availability_blocks ("+blockColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range blocks {
		b := &blocks[i]
		var until sql.NullString
		if b.EffectiveUntil != nil {
			until = sql.NullString{String: b.EffectiveUntil.String(), Valid: true}
		}
		from := ""
		if !b.EffectiveFrom.IsZero() {
			from = b.EffectiveFrom.String()
		}
		if _, err = stmt.ExecContext(ctx, b.ID, tutorID, nullInt(b.ModuleID), int(b.DayOfWeek),
			b.Start.String(), b.End.String(), b.IsRecurring, from, until, b.Timezone,
			toUnix(b.CreatedAt), toUnix(b.UpdatedAt)); err != nil {
			return fmt.Errorf("insert block %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

func (db *DB) DeleteBlock(ctx context.Context, tutorID int64, blockID string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM availability_blocks WHERE id = ? AND tutor_id = ?", blockID, tutorID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func todPtrString(t *model.TimeOfDay) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

func (db *DB) AddException(ctx context.Context, e *model.AvailabilityException) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO availability_exceptions (id, tutor_id, availability_id, date, is_available, start_time, end_time, reason, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TutorID, nullString(e.AvailabilityID), e.Date.String(), e.IsAvailable,
		todPtrString(e.Start), todPtrString(e.End), e.Reason, toUnix(e.CreatedAt),
	)
	return err
}

func (db *DB) DeleteException(ctx context.Context, tutorID int64, exceptionID string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM availability_exceptions WHERE id = ? AND tutor_id = ?", exceptionID, tutorID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ListExceptions returns exceptions dated in r, or all of them when r is nil.
func (db *DB) ListExceptions(ctx context.Context, tutorID int64, r *model.DateRange) ([]model.AvailabilityException, error) {
	query := `SELECT id, tutor_id, availability_id, date, is_available, start_time, end_time, reason, created_at
        FROM availability_exceptions WHERE tutor_id = ?`
	args := []any{tutorID}
	if r != nil {
		// ISO dates sort lexically.
		query += " AND date >= ? AND date < ?"
		args = append(args, r.From.String(), r.To.String())
	}
	query += " ORDER BY date"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AvailabilityException
	for rows.Next() {
		var (
			e          model.AvailabilityException
			blockID    sql.NullString
			date       string
			start, end sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&e.ID, &e.TutorID, &blockID, &date, &e.IsAvailable, &start, &end, &e.Reason, &createdAt); err != nil {
			return nil, err
		}
		e.AvailabilityID = stringPtr(blockID)
		if e.Date, err = model.ParseDate(date); err != nil {
			return nil, fmt.Errorf("exception %s: %w", e.ID, err)
		}
		if e.Start, err = parseTODPtr(start); err != nil {
			return nil, fmt.Errorf("exception %s: %w", e.ID, err)
		}
		if e.End, err = parseTODPtr(end); err != nil {
			return nil, fmt.Errorf("exception %s: %w", e.ID, err)
		}
		e.CreatedAt = fromUnix(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func parseTODPtr(s sql.NullString) (*model.TimeOfDay, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := model.ParseTimeOfDay(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveStudentAvailability upserts on (student, request); standing preferences
// use an empty request id.
func (db *DB) SaveStudentAvailability(ctx context.Context, a *model.StudentAvailability) error {
	days, err := json.Marshal(a.PreferredDays)
	if err != nil {
		return err
	}
	times, err := json.Marshal(a.PreferredTimes)
	if err != nil {
		return err
	}
	var hours sql.NullString
	if len(a.SpecificHours) > 0 {
		data, err := json.Marshal(a.SpecificHours)
		if err != nil {
			return err
		}
		hours = sql.NullString{String: string(data), Valid: true}
	}
	requestID := ""
	if a.BookingRequestID != nil {
		requestID = *a.BookingRequestID
	}

	_, err = db.ExecContext(ctx, `
        INSERT INTO student_availability (id, student_id, booking_request_id, preferred_days, preferred_times, specific_hours, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (student_id, booking_request_id) DO UPDATE SET
            id = excluded.id,
            preferred_days = excluded.preferred_days,
            preferred_times = excluded.preferred_times,
            specific_hours = excluded.specific_hours,
            created_at = excluded.created_at,
            updated_at = excluded.updated_at`,
		a.ID, a.StudentID, requestID, string(days), string(times), hours, toUnix(a.CreatedAt), toUnix(a.UpdatedAt),
	)
	return err
}

func (db *DB) GetStudentAvailability(ctx context.Context, studentID int64, requestID *string) (*model.StudentAvailability, error) {
	key := ""
	if requestID != nil {
		key = *requestID
	}
	var (
		a                  model.StudentAvailability
		storedRequest      string
		days, times        string
		hours              sql.NullString
		createdAt, updated int64
	)
	err := db.QueryRowContext(ctx, `
        SELECT id, student_id, booking_request_id, preferred_days, preferred_times, specific_hours, created_at, updated_at
        FROM student_availability WHERE student_id = ? AND booking_request_id = ?`,
		studentID, key,
	).Scan(&a.ID, &a.StudentID, &storedRequest, &days, &times, &hours, &createdAt, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	if storedRequest != "" {
		a.BookingRequestID = &storedRequest
	}
	if err := json.Unmarshal([]byte(days), &a.PreferredDays); err != nil {
		return nil, fmt.Errorf("preferred days: %w", err)
	}
	if err := json.Unmarshal([]byte(times), &a.PreferredTimes); err != nil {
		return nil, fmt.Errorf("preferred times: %w", err)
	}
	if hours.Valid {
		if err := json.Unmarshal([]byte(hours.String), &a.SpecificHours); err != nil {
			return nil, fmt.Errorf("specific hours: %w", err)
		}
	}
	a.CreatedAt = fromUnix(createdAt)
	a.UpdatedAt = fromUnix(updated)
	return &a, nil
}

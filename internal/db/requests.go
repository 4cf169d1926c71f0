package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tutorly/internal/model"
)

const requestColumns = `id, student_id, tutor_id, module_id, range_from, range_to, proposed_slots, status,
    decision_reason, created_at, updated_at, expires_at, responded_at`

func (db *DB) CreateRequest(ctx context.Context, r *model.BookingRequest) error {
	slots, err := json.Marshal(r.ProposedSlots)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO booking_requests ("+requestColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.StudentID, r.TutorID, r.ModuleID, r.Range.From.String(), r.Range.To.String(), string(slots),
		string(r.Status), r.DecisionReason, toUnix(r.CreatedAt), toUnix(r.UpdatedAt), toUnix(r.ExpiresAt),
		nullTime(r.RespondedAt),
	)
	return err
}

func (db *DB) GetRequest(ctx context.Context, id string) (*model.BookingRequest, error) {
	r, err := scanRequest(db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM booking_requests WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func scanRequest(row scanner) (model.BookingRequest, error) {
	var (
		r                           model.BookingRequest
		from, to, slots, status     string
		createdAt, updated, expires int64
		responded                   sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.StudentID, &r.TutorID, &r.ModuleID, &from, &to, &slots, &status,
		&r.DecisionReason, &createdAt, &updated, &expires, &responded); err != nil {
		return r, err
	}
	var err error
	if r.Range.From, err = model.ParseDate(from); err != nil {
		return r, fmt.Errorf("request %s: %w", r.ID, err)
	}
	if r.Range.To, err = model.ParseDate(to); err != nil {
		return r, fmt.Errorf("request %s: %w", r.ID, err)
	}
	if err = json.Unmarshal([]byte(slots), &r.ProposedSlots); err != nil {
		return r, fmt.Errorf("request %s slots: %w", r.ID, err)
	}
	r.Status = model.RequestStatus(status)
	r.CreatedAt = fromUnix(createdAt)
	r.UpdatedAt = fromUnix(updated)
	r.ExpiresAt = fromUnix(expires)
	r.RespondedAt = timePtr(responded)
	return r, nil
}

// DecideRequest applies d only while the stored status equals from.
func (db *DB) DecideRequest(ctx context.Context, id string, from model.RequestStatus, d model.RequestDecision) error {
	res, err := db.ExecContext(ctx, `
        UPDATE booking_requests
        SET status = ?, decision_reason = ?, updated_at = ?, responded_at = ?
        WHERE id = ? AND status = ?`,
		string(d.To), d.Reason, toUnix(d.At), toUnix(d.At), id, string(from),
	)
	if err != nil {
		return err
	}
	return db.casResult(ctx, res, "booking_requests", id)
}

func (db *DB) ListRequestsByTutor(ctx context.Context, tutorID int64, status model.RequestStatus) ([]model.BookingRequest, error) {
	return db.queryRequests(ctx,
		"SELECT "+requestColumns+" FROM booking_requests WHERE tutor_id = ? AND status = ? ORDER BY created_at",
		tutorID, string(status),
	)
}

// ListExpiredRequests returns pending requests whose expiry is not after now.
func (db *DB) ListExpiredRequests(ctx context.Context, now time.Time) ([]model.BookingRequest, error) {
	return db.queryRequests(ctx,
		"SELECT "+requestColumns+" FROM booking_requests WHERE status = ? AND expires_at > 0 AND expires_at <= ? ORDER BY expires_at",
		string(model.RequestPending), toUnix(now),
	)
}

func (db *DB) queryRequests(ctx context.Context, query string, args ...any) ([]model.BookingRequest, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BookingRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tutorly/internal/model"
)

// AssignModule records that tutorID teaches moduleID.
func (db *DB) AssignModule(ctx context.Context, tutorID, moduleID int64) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO module_tutors (tutor_id, module_id) VALUES (?, ?)",
		tutorID, moduleID,
	)
	return err
}

func (db *DB) TutorTeaches(ctx context.Context, tutorID, moduleID int64) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM module_tutors WHERE tutor_id = ? AND module_id = ?",
		tutorID, moduleID,
	).Scan(&count)
	return count > 0, err
}

// SaveModulePreferences inserts or replaces the tutor's rules for a module.
// The first CreatedAt is kept.
func (db *DB) SaveModulePreferences(ctx context.Context, p *model.ModulePreferences) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO module_preferences (tutor_id, module_id, buffer_seconds, lead_time_seconds, booking_window_seconds,
            max_per_day, min_advance_days, cancellation_cutoff_seconds, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (tutor_id, module_id) DO UPDATE SET
            buffer_seconds = excluded.buffer_seconds,
            lead_time_seconds = excluded.lead_time_seconds,
            booking_window_seconds = excluded.booking_window_seconds,
            max_per_day = excluded.max_per_day,
            min_advance_days = excluded.min_advance_days,
            cancellation_cutoff_seconds = excluded.cancellation_cutoff_seconds,
            updated_at = excluded.updated_at`,
		p.TutorID, p.ModuleID, seconds(p.Buffer), seconds(p.LeadTime), seconds(p.BookingWindow),
		p.MaxPerDay, p.MinAdvanceDays, seconds(p.CancellationCutoff), toUnix(p.CreatedAt), toUnix(p.UpdatedAt),
	)
	return err
}

func (db *DB) GetModulePreferences(ctx context.Context, tutorID, moduleID int64) (*model.ModulePreferences, error) {
	var (
		p                            model.ModulePreferences
		buffer, lead, window, cutoff int64
		createdAt, updatedAt         int64
	)
	err := db.QueryRowContext(ctx, `
        SELECT tutor_id, module_id, buffer_seconds, lead_time_seconds, booking_window_seconds,
            max_per_day, min_advance_days, cancellation_cutoff_seconds, created_at, updated_at
        FROM module_preferences WHERE tutor_id = ? AND module_id = ?`,
		tutorID, moduleID,
	).Scan(&p.TutorID, &p.ModuleID, &buffer, &lead, &window, &p.MaxPerDay, &p.MinAdvanceDays, &cutoff, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.Buffer = time.Duration(buffer) * time.Second
	p.LeadTime = time.Duration(lead) * time.Second
	p.BookingWindow = time.Duration(window) * time.Second
	p.CancellationCutoff = time.Duration(cutoff) * time.Second
	p.CreatedAt = fromUnix(createdAt)
	p.UpdatedAt = fromUnix(updatedAt)
	return &p, nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// SetChat links a user to a Telegram chat.
func (db *DB) SetChat(ctx context.Context, userID, chatID int64) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO user_chats (user_id, chat_id) VALUES (?, ?)
        ON CONFLICT (user_id) DO UPDATE SET chat_id = excluded.chat_id`,
		userID, chatID,
	)
	return err
}

func (db *DB) ChatID(ctx context.Context, userID int64) (int64, error) {
	var chatID int64
	err := db.QueryRowContext(ctx, "SELECT chat_id FROM user_chats WHERE user_id = ?", userID).Scan(&chatID)
	if err != nil {
		return 0, notFound(err)
	}
	return chatID, nil
}

// Audit journal

func (db *DB) InsertAuditEntry(ctx context.Context, e model.AuditEntry) error {
	var detail []byte
	if len(e.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO audit_events (id, event_type, actor_id, entity_ref, detail, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.ActorID, e.EntityRef, string(detail), toUnix(e.OccurredAt),
	)
	return err
}

// ListAuditEntries returns entries that occurred in [from, to).
func (db *DB) ListAuditEntries(ctx context.Context, from, to time.Time) ([]model.AuditEntry, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, event_type, actor_id, entity_ref, detail, occurred_at
        FROM audit_events WHERE occurred_at >= ? AND occurred_at < ?
        ORDER BY occurred_at`,
		toUnix(from), toUnix(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e        model.AuditEntry
			detail   string
			occurred int64
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.ActorID, &e.EntityRef, &detail, &occurred); err != nil {
			return nil, err
		}
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("audit %s detail: %w", e.ID, err)
			}
		}
		e.OccurredAt = fromUnix(occurred)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (db *DB) DeleteAuditEntriesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM audit_events WHERE occurred_at < ?", toUnix(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

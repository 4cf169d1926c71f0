package booking

import (
	"context"
	"errors"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/availability"
	"tutorly/internal/metrics"
	"tutorly/internal/model"
)

// AuditPreferences is recorded when a tutor changes a module's rules.
const AuditPreferences = "preferences.update"

// ModulePreferences returns the tutor's booking rules for a module. Without a
// stored record the configured policy is returned.
func (w *Workflow) ModulePreferences(ctx context.Context, tutorID, moduleID int64) (*model.ModulePreferences, error) {
	const op = "get_module_preferences"
	if tutorID <= 0 || moduleID <= 0 {
		return nil, apperr.Validation(op, "tutor id and module id are required")
	}
	if w.preferences == nil {
		return w.defaultPreferences(tutorID, moduleID), nil
	}
	p, err := w.preferences.GetModulePreferences(ctx, tutorID, moduleID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return w.defaultPreferences(tutorID, moduleID), nil
		}
		return nil, apperr.Store(op, err)
	}
	return p, nil
}

// SetModulePreferences validates and stores the tutor's rules for a module,
// replacing earlier ones.
func (w *Workflow) SetModulePreferences(ctx context.Context, p model.ModulePreferences) (out *model.ModulePreferences, err error) {
	const op = "set_module_preferences"
	detail := map[string]any{
		"module_id":      p.ModuleID,
		"buffer":         p.Buffer.String(),
		"lead_time":      p.LeadTime.String(),
		"booking_window": p.BookingWindow.String(),
		"max_per_day":    p.MaxPerDay,
	}
	defer func() { w.audit(ctx, AuditPreferences, p.TutorID, "", detail, err) }()

	if err := w.validate.Struct(p); err != nil {
		return nil, availability.TranslateValidation(op, err)
	}
	if p.BookingWindow > 0 && p.BookingWindow <= p.LeadTime {
		return nil, apperr.Validation(op, "booking window %s must exceed lead time %s", p.BookingWindow, p.LeadTime)
	}
	if w.preferences == nil {
		return nil, apperr.InvalidState(op, "module preferences cannot be stored")
	}

	teaches, err := w.modules.TutorTeaches(ctx, p.TutorID, p.ModuleID)
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	if !teaches {
		return nil, apperr.Validation(op, "tutor %d does not teach module %d", p.TutorID, p.ModuleID)
	}

	now := w.clock.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := w.preferences.SaveModulePreferences(ctx, &p); err != nil {
		return nil, apperr.Store(op, err)
	}
	w.logger.Info().Int64("tutor_id", p.TutorID).Int64("module_id", p.ModuleID).Msg("module preferences saved")
	return &p, nil
}

func (w *Workflow) defaultPreferences(tutorID, moduleID int64) *model.ModulePreferences {
	return &model.ModulePreferences{
		TutorID:            tutorID,
		ModuleID:           moduleID,
		Buffer:             w.policy.Buffer,
		LeadTime:           w.policy.LeadTime,
		BookingWindow:      w.policy.BookingWindow,
		MaxPerDay:          w.policy.MaxPerDay,
		MinAdvanceDays:     w.policy.MinAdvanceDays,
		CancellationCutoff: w.policy.CancellationCutoff,
	}
}

// policyFor resolves the policy of one tutor and module. A missing module or
// an unreadable record falls back to the configured policy.
func (w *Workflow) policyFor(ctx context.Context, tutorID, moduleID int64) Policy {
	policy := w.policy
	if w.preferences == nil || moduleID <= 0 {
		return policy
	}
	p, err := w.preferences.GetModulePreferences(ctx, tutorID, moduleID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			metrics.IncStoreReadFailure("get_module_preferences")
			w.logger.Warn().Err(err).Int64("tutor_id", tutorID).Int64("module_id", moduleID).Msg("failed to load module preferences, using defaults")
		}
		return policy
	}
	policy.Buffer = p.Buffer
	policy.LeadTime = p.LeadTime
	policy.BookingWindow = p.BookingWindow
	policy.MaxPerDay = p.MaxPerDay
	policy.MinAdvanceDays = p.MinAdvanceDays
	policy.CancellationCutoff = p.CancellationCutoff
	return policy
}

// earliest is the first instant a slot may start at: after the lead time and
// not before midnight MinAdvanceDays ahead in loc.
func (p Policy) earliest(now time.Time, loc *time.Location) time.Time {
	t := now.Add(p.LeadTime)
	if p.MinAdvanceDays > 0 {
		if loc == nil {
			loc = time.UTC
		}
		l := now.In(loc)
		day := time.Date(l.Year(), l.Month(), l.Day()+p.MinAdvanceDays, 0, 0, 0, 0, loc)
		if day.After(t) {
			t = day
		}
	}
	return t
}

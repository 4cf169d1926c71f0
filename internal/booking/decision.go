package booking

import (
	"context"
	"errors"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/events"
	"tutorly/internal/metrics"
	"tutorly/internal/model"
	"tutorly/internal/session"
)

// Reasons attached to dropped slots and decided requests.
const (
	DropNotProposed  = "not_proposed"
	DropInPast       = "in_past"
	DropConflict     = "conflict"
	DropStoreFailure = "store_failure"

	ReasonNoSlotSurvived = "no approved slot survived"
	ReasonExpired        = "expired"
)

// DroppedSlot is an approved slot that did not become a session.
type DroppedSlot struct {
	Start  time.Time   `json:"start"`
	Reason string      `json:"reason"`
	Kind   apperr.Kind `json:"kind"`
}

// Confirmation is the outcome of ConfirmBooking.
type Confirmation struct {
	Request  *model.BookingRequest
	Sessions []model.Session
	Dropped  []DroppedSlot
}

// ConfirmBooking materialises the approved subset of a request's proposed
// slots as sessions. Conflicting slots are dropped one by one; the request
// is Confirmed when at least one session was created and Rejected otherwise.
func (w *Workflow) ConfirmBooking(ctx context.Context, requestID string, approved []time.Time, tutorID int64) (res *Confirmation, err error) {
	const op = "confirm_booking"
	detail := map[string]any{"approved": len(approved)}
	defer func() {
		if res != nil {
			detail["sessions"] = sessionIDs(res.Sessions)
			detail["dropped"] = res.Dropped
			detail["status"] = string(res.Request.Status)
		}
		w.audit(ctx, AuditConfirm, tutorID, requestID, detail, err)
	}()

	r, err := w.loadRequest(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	if r.TutorID != tutorID {
		return nil, apperr.Forbidden(op, "request %s belongs to another tutor", requestID)
	}
	if r.Status != model.RequestPending {
		return nil, apperr.InvalidState(op, "request %s is %s", requestID, r.Status).With("status", r.Status)
	}
	now := w.clock.Now().UTC()
	if !now.Before(r.ExpiresAt) {
		w.expire(ctx, r)
		return nil, apperr.InvalidState(op, "request %s expired at %s", requestID, r.ExpiresAt.Format(time.RFC3339))
	}

	buffer := w.policyFor(ctx, r.TutorID, r.ModuleID).Buffer
	res = &Confirmation{Request: r}
	for _, start := range uniqueSorted(approved) {
		switch {
		case !r.Proposed(start):
			res.drop(start, DropNotProposed, apperr.KindValidation)
			continue
		case !start.After(now):
			res.drop(start, DropInPast, apperr.KindValidation)
			continue
		}

		s, cerr := w.materialise(ctx, r, start, buffer)
		switch {
		case cerr == nil:
			res.Sessions = append(res.Sessions, *s)
		case apperr.IsConflict(cerr):
			res.drop(start, DropConflict, apperr.KindConflict)
		default:
			w.logger.Warn().Err(cerr).Str("request_id", r.ID).Time("slot", start).Msg("failed to create session for approved slot")
			res.drop(start, DropStoreFailure, apperr.KindStoreFailure)
		}
	}

	decision := model.RequestDecision{To: model.RequestConfirmed, At: w.clock.Now().UTC()}
	if len(res.Sessions) == 0 {
		decision.To = model.RequestRejected
		decision.Reason = ReasonNoSlotSurvived
	}
	if err := w.requests.DecideRequest(ctx, r.ID, model.RequestPending, decision); err != nil {
		w.rollback(ctx, res.Sessions, tutorID)
		res = nil
		if errors.Is(err, apperr.ErrStaleState) {
			return nil, apperr.InvalidState(op, "request %s was decided concurrently", requestID)
		}
		return nil, apperr.Store(op, err)
	}
	r.Apply(decision)

	metrics.IncBookingDecision(string(decision.To), "tutor")
	eventType := events.BookingConfirmed
	if decision.To == model.RequestRejected {
		eventType = events.BookingRejected
	}
	w.publish(ctx, eventType, r, tutorID, map[string]any{
		"sessions": sessionIDs(res.Sessions),
		"dropped":  len(res.Dropped),
		"reason":   decision.Reason,
	})
	w.logger.Info().Str("request_id", r.ID).Str("status", string(r.Status)).
		Int("sessions", len(res.Sessions)).Int("dropped", len(res.Dropped)).Msg("booking decided")
	return res, nil
}

// materialise re-checks the slot against the tutor's current sessions and
// creates it. The store's overlap guard remains the final word.
func (w *Workflow) materialise(ctx context.Context, r *model.BookingRequest, start time.Time, buffer time.Duration) (*model.Session, error) {
	end := start.Add(w.policy.SessionLength)
	busy, err := w.busy.ListTutorSessions(ctx, r.TutorID, start.Add(-buffer), end.Add(buffer),
		model.SessionConfirmed, model.SessionInProgress)
	if err != nil {
		return nil, apperr.Store("confirm_booking", err)
	}
	if len(busy) > 0 {
		return nil, apperr.Conflict("confirm_booking", "slot %s overlaps session %s", start.Format(time.RFC3339), busy[0].ID)
	}
	return w.sessions.Create(ctx, session.NewSession{
		BookingRequestID: r.ID,
		StudentID:        r.StudentID,
		TutorID:          r.TutorID,
		ModuleID:         r.ModuleID,
		Start:            start,
		End:              end,
	})
}

// rollback cancels sessions created for a request whose decision could not
// be stored.
func (w *Workflow) rollback(ctx context.Context, list []model.Session, tutorID int64) {
	for i := range list {
		if _, err := w.sessions.Cancel(ctx, list[i].ID, tutorID, "booking request was not confirmed"); err != nil {
			w.logger.Error().Err(err).Str("session_id", list[i].ID).Msg("failed to roll back session")
		}
	}
}

func (c *Confirmation) drop(start time.Time, reason string, kind apperr.Kind) {
	metrics.IncSlotDropped(reason)
	c.Dropped = append(c.Dropped, DroppedSlot{Start: start, Reason: reason, Kind: kind})
}

// RejectBookingRequest moves a Pending request to Rejected. No session is created.
func (w *Workflow) RejectBookingRequest(ctx context.Context, requestID string, tutorID int64, reason string) (req *model.BookingRequest, err error) {
	const op = "reject_booking"
	detail := map[string]any{"reason": reason}
	defer func() { w.audit(ctx, AuditReject, tutorID, requestID, detail, err) }()

	r, err := w.loadRequest(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	if r.TutorID != tutorID {
		return nil, apperr.Forbidden(op, "request %s belongs to another tutor", requestID)
	}
	if r.Status != model.RequestPending {
		return nil, apperr.InvalidState(op, "request %s is %s", requestID, r.Status).With("status", r.Status)
	}

	decision := model.RequestDecision{To: model.RequestRejected, Reason: reason, At: w.clock.Now().UTC()}
	if err := w.requests.DecideRequest(ctx, r.ID, model.RequestPending, decision); err != nil {
		if errors.Is(err, apperr.ErrStaleState) {
			return nil, apperr.InvalidState(op, "request %s was decided concurrently", requestID)
		}
		return nil, apperr.Store(op, err)
	}
	r.Apply(decision)

	metrics.IncBookingDecision(string(model.RequestRejected), "tutor")
	w.publish(ctx, events.BookingRejected, r, tutorID, map[string]any{"reason": reason})
	return r, nil
}

// CancelSession cancels a Confirmed or InProgress session on behalf of one
// of its participants.
func (w *Workflow) CancelSession(ctx context.Context, sessionID string, userID int64, reason string) (s *model.Session, err error) {
	const op = "cancel_session"
	detail := map[string]any{"reason": reason}
	defer func() { w.audit(ctx, AuditCancel, userID, sessionID, detail, err) }()

	s, err = w.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.IsParticipant(userID) {
		return nil, apperr.Forbidden(op, "user %d is not a participant of session %s", userID, sessionID)
	}
	if cutoff := w.policyFor(ctx, s.TutorID, s.ModuleID).CancellationCutoff; cutoff > 0 && s.Status == model.SessionConfirmed {
		if s.ScheduledStart.Sub(w.clock.Now()) < cutoff {
			return nil, apperr.InvalidState(op, "session %s starts within the cancellation cutoff of %s", sessionID, cutoff)
		}
	}
	return w.sessions.Cancel(ctx, sessionID, userID, reason)
}

// ExpireStaleRequests rejects Pending requests that outlived their TTL and
// returns how many were expired.
func (w *Workflow) ExpireStaleRequests(ctx context.Context) (int, error) {
	list, err := w.requests.ListExpiredRequests(ctx, w.clock.Now().UTC())
	if err != nil {
		return 0, apperr.Store("expire_requests", err)
	}
	n := 0
	for i := range list {
		if ctx.Err() != nil {
			break
		}
		if w.expire(ctx, &list[i]) {
			n++
		}
	}
	return n, nil
}

func (w *Workflow) expire(ctx context.Context, r *model.BookingRequest) bool {
	decision := model.RequestDecision{To: model.RequestRejected, Reason: ReasonExpired, At: w.clock.Now().UTC()}
	err := w.requests.DecideRequest(ctx, r.ID, model.RequestPending, decision)
	w.audit(ctx, AuditExpire, 0, r.ID, map[string]any{"expires_at": r.ExpiresAt}, err)
	if err != nil {
		if !errors.Is(err, apperr.ErrStaleState) {
			w.logger.Warn().Err(err).Str("request_id", r.ID).Msg("failed to expire booking request")
		}
		return false
	}
	r.Apply(decision)
	metrics.IncBookingDecision(string(model.RequestRejected), ReasonExpired)
	w.publish(ctx, events.BookingExpired, r, 0, map[string]any{"reason": ReasonExpired})
	return true
}

func sessionIDs(list []model.Session) []string {
	ids := make([]string, 0, len(list))
	for i := range list {
		ids = append(ids, list[i].ID)
	}
	return ids
}

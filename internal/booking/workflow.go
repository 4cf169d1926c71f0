// Package booking runs the request / approval workflow that turns proposed
// slots into sessions.
package booking

import (
	"context"
	"errors"
	"sort"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/availability"
	"tutorly/internal/clock"
	"tutorly/internal/events"
	"tutorly/internal/metrics"
	"tutorly/internal/model"
	"tutorly/internal/slots"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit event types recorded for every attempt.
const (
	AuditCreate  = "booking.create"
	AuditConfirm = "booking.confirm"
	AuditReject  = "booking.reject"
	AuditExpire  = "booking.expire"
	AuditCancel  = "session.cancel"
)

// countRequest is swapped in tests.
var countRequest = metrics.IncBookingRequest

// Policy holds the scheduling knobs. Zero durations and counts disable the
// matching rule.
type Policy struct {
	SessionLength time.Duration
	// RequestTTL is how long a request may stay Pending.
	RequestTTL time.Duration
	Buffer     time.Duration
	// LeadTime is the minimum notice between now and a slot start.
	LeadTime time.Duration
	// BookingWindow is how far ahead slots may be booked.
	BookingWindow      time.Duration
	MaxPerDay          int
	// MinAdvanceDays keeps slots off the next N calendar days of the tutor.
	MinAdvanceDays     int
	CancellationCutoff time.Duration
}

// DefaultPolicy returns the default scheduling policy.
func DefaultPolicy() Policy {
	return Policy{
		SessionLength: slots.DefaultSessionLength,
		RequestTTL:    7 * 24 * time.Hour,
	}
}

// Deps are the collaborators of the workflow. Preferences, Recorder and
// Publisher may be nil; without Preferences the policy applies to every module.
type Deps struct {
	Requests     RequestRepository
	Sessions     Sessions
	Busy         SessionFinder
	Modules      ModuleDirectory
	Preferences  PreferenceRepository
	Availability Availability
	Recorder     Recorder
	Publisher    events.Publisher
	Clock        clock.Clock
}

// Workflow implements preview, request, confirmation and cancellation.
type Workflow struct {
	requests     RequestRepository
	sessions     Sessions
	busy         SessionFinder
	modules      ModuleDirectory
	preferences  PreferenceRepository
	availability Availability
	recorder     Recorder
	events       events.Publisher
	clock        clock.Clock
	policy       Policy
	validate     *validator.Validate
	logger       zerolog.Logger
}

// NewWorkflow wires the workflow.
func NewWorkflow(deps Deps, policy Policy, logger *zerolog.Logger) *Workflow {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if policy.SessionLength <= 0 {
		policy.SessionLength = slots.DefaultSessionLength
	}
	if policy.RequestTTL <= 0 {
		policy.RequestTTL = DefaultPolicy().RequestTTL
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Workflow{
		requests:     deps.Requests,
		sessions:     deps.Sessions,
		busy:         deps.Busy,
		modules:      deps.Modules,
		preferences:  deps.Preferences,
		availability: deps.Availability,
		recorder:     deps.Recorder,
		events:       deps.Publisher,
		clock:        deps.Clock,
		policy:       policy,
		validate:     validator.New(),
		logger:       l.With().Str("component", "booking").Logger(),
	}
}

// PreviewQuery selects the calendar to preview.
type PreviewQuery struct {
	TutorID   int64
	StudentID int64
	// ModuleID 0 previews every block of the tutor.
	ModuleID int64
	Range    model.DateRange
	// Preferences overrides the stored preferences of the student.
	Preferences *model.StudentAvailability
	// RequestID selects preferences saved with an earlier request.
	RequestID *string
}

// PreviewBookableSlots returns the slots a student could propose. It has no
// side effects.
func (w *Workflow) PreviewBookableSlots(ctx context.Context, q PreviewQuery) ([]slots.Slot, error) {
	in, err := w.slotInput(ctx, q)
	if err != nil {
		return nil, err
	}
	return slots.Generate(in), nil
}

// ExplainSlots returns every candidate of the preview together with the
// reason it is or is not bookable.
func (w *Workflow) ExplainSlots(ctx context.Context, q PreviewQuery) ([]slots.Candidate, error) {
	in, err := w.slotInput(ctx, q)
	if err != nil {
		return nil, err
	}
	return slots.Evaluate(in), nil
}

func (w *Workflow) slotInput(ctx context.Context, q PreviewQuery) (slots.Input, error) {
	const op = "preview_slots"
	if q.TutorID <= 0 {
		return slots.Input{}, apperr.Validation(op, "tutor id is required")
	}
	if q.Range.Empty() {
		return slots.Input{}, apperr.Validation(op, "date range %s..%s is empty", q.Range.From, q.Range.To)
	}

	var moduleID *int64
	if q.ModuleID > 0 {
		m := q.ModuleID
		moduleID = &m
	}

	loc := w.availability.TutorLocation(ctx, q.TutorID)
	policy := w.policyFor(ctx, q.TutorID, q.ModuleID)
	r := q.Range
	prefs := q.Preferences
	if prefs == nil && q.StudentID > 0 {
		prefs = w.availability.GetStudentAvailability(ctx, q.StudentID, q.RequestID)
		if prefs == nil && q.RequestID != nil {
			prefs = w.availability.GetStudentAvailability(ctx, q.StudentID, nil)
		}
	}

	now := w.clock.Now()
	in := slots.Input{
		ModuleID:      moduleID,
		Range:         r,
		Location:      loc,
		Blocks:        w.availability.GetAvailability(ctx, q.TutorID, moduleID),
		Exceptions:    w.availability.ListExceptions(ctx, q.TutorID, &r),
		Busy:          w.busyIntervals(ctx, q.TutorID, r, loc, policy.Buffer),
		Preferences:   prefs,
		SessionLength: policy.SessionLength,
		Buffer:        policy.Buffer,
		NotBefore:     policy.earliest(now, loc),
		MaxPerDay:     policy.MaxPerDay,
	}
	if policy.BookingWindow > 0 {
		in.NotAfter = now.Add(policy.BookingWindow)
	}
	return in, nil
}

// busyIntervals loads the tutor's blocking sessions around r. Failures
// degrade to no busy time; confirmation re-checks against the store.
func (w *Workflow) busyIntervals(ctx context.Context, tutorID int64, r model.DateRange, loc *time.Location, buffer time.Duration) []model.Interval {
	from, to := r.Bounds(loc)
	list, err := w.busy.ListTutorSessions(ctx, tutorID, from.Add(-buffer), to.Add(buffer),
		model.SessionConfirmed, model.SessionInProgress)
	if err != nil {
		metrics.IncStoreReadFailure("list_tutor_sessions")
		w.logger.Warn().Err(err).Int64("tutor_id", tutorID).Msg("failed to load busy sessions, previewing without them")
		return nil
	}
	out := make([]model.Interval, 0, len(list))
	for i := range list {
		out = append(out, list[i].Interval())
	}
	return out
}

// NewRequest is a student's booking proposal.
type NewRequest struct {
	StudentID     int64           `validate:"gt=0"`
	TutorID       int64           `validate:"gt=0"`
	ModuleID      int64           `validate:"gt=0"`
	Range         model.DateRange `validate:"-"`
	ProposedSlots []time.Time     `validate:"required,min=1"`
	// Preferences are stored with the request when given.
	Preferences *model.StudentAvailability `validate:"-"`
}

// CreateBookingRequest persists a Pending request with the proposed slots.
func (w *Workflow) CreateBookingRequest(ctx context.Context, in NewRequest) (req *model.BookingRequest, err error) {
	const op = "create_booking_request"
	detail := map[string]any{
		"tutor_id":  in.TutorID,
		"module_id": in.ModuleID,
		"range":     in.Range.From.String() + ".." + in.Range.To.String(),
		"proposed":  len(in.ProposedSlots),
	}
	defer func() {
		ref := ""
		if req != nil {
			ref = req.ID
		}
		w.audit(ctx, AuditCreate, in.StudentID, ref, detail, err)
		switch {
		case err == nil:
		case apperr.IsValidation(err):
			countRequest("invalid")
		default:
			countRequest("failed")
		}
	}()

	if err := w.validate.Struct(in); err != nil {
		return nil, availability.TranslateValidation(op, err)
	}
	if in.Range.Empty() {
		return nil, apperr.Validation(op, "date range %s..%s is empty", in.Range.From, in.Range.To)
	}

	teaches, err := w.modules.TutorTeaches(ctx, in.TutorID, in.ModuleID)
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	if !teaches {
		return nil, apperr.Validation(op, "tutor %d does not teach module %d", in.TutorID, in.ModuleID)
	}

	now := w.clock.Now().UTC()
	loc := w.availability.TutorLocation(ctx, in.TutorID)
	proposed := uniqueSorted(in.ProposedSlots)
	for _, t := range proposed {
		if !t.After(now) {
			return nil, apperr.Validation(op, "proposed slot %s is in the past", t.Format(time.RFC3339)).With("slot", t)
		}
		if !in.Range.Contains(model.DateOf(t.In(loc))) {
			return nil, apperr.Validation(op, "proposed slot %s is outside the requested range", t.Format(time.RFC3339)).With("slot", t)
		}
	}

	req = &model.BookingRequest{
		ID:            uuid.NewString(),
		StudentID:     in.StudentID,
		TutorID:       in.TutorID,
		ModuleID:      in.ModuleID,
		Range:         in.Range,
		ProposedSlots: proposed,
		Status:        model.RequestPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(w.policy.RequestTTL),
	}

	var prefs *model.StudentAvailability
	if in.Preferences != nil {
		p := *in.Preferences
		p.ID = ""
		p.StudentID = in.StudentID
		p.BookingRequestID = &req.ID
		if err := availability.ValidateStudentAvailability(op, p); err != nil {
			req = nil
			return nil, err
		}
		prefs = &p
	}

	if err := w.requests.CreateRequest(ctx, req); err != nil {
		req = nil
		return nil, apperr.Store(op, err)
	}

	if prefs != nil {
		if _, err := w.availability.SaveStudentAvailability(ctx, *prefs); err != nil {
			w.withdraw(ctx, req, now)
			req = nil
			return nil, err
		}
	}

	detail["expires_at"] = req.ExpiresAt
	countRequest("created")
	w.publish(ctx, events.BookingRequested, req, in.StudentID, map[string]any{"proposed": len(proposed)})
	w.logger.Info().Str("request_id", req.ID).Int64("student_id", req.StudentID).Int64("tutor_id", req.TutorID).Msg("booking request created")
	return req, nil
}

// withdraw rejects a request whose preferences could not be stored.
func (w *Workflow) withdraw(ctx context.Context, req *model.BookingRequest, at time.Time) {
	err := w.requests.DecideRequest(ctx, req.ID, model.RequestPending, model.RequestDecision{
		To:     model.RequestRejected,
		Reason: "preferences could not be stored",
		At:     at,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("request_id", req.ID).Msg("failed to withdraw booking request")
	}
}

// PendingRequests lists the tutor's open requests, oldest first. Store
// failures yield an empty list.
func (w *Workflow) PendingRequests(ctx context.Context, tutorID int64) []model.BookingRequest {
	list, err := w.requests.ListRequestsByTutor(ctx, tutorID, model.RequestPending)
	if err != nil {
		metrics.IncStoreReadFailure("list_requests_by_tutor")
		w.logger.Warn().Err(err).Int64("tutor_id", tutorID).Msg("failed to list pending requests")
		return nil
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

func (w *Workflow) loadRequest(ctx context.Context, op, id string) (*model.BookingRequest, error) {
	r, err := w.requests.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound(op, "booking request %s", id)
		}
		return nil, apperr.Store(op, err)
	}
	return r, nil
}

// audit adds the outcome to detail and hands it to the recorder.
func (w *Workflow) audit(ctx context.Context, eventType string, actorID int64, ref string, detail map[string]any, err error) {
	if err != nil {
		detail["outcome"] = "failure"
		detail["error"] = err.Error()
		detail["error_kind"] = string(apperr.KindOf(err))
	} else {
		detail["outcome"] = "success"
	}
	w.recorder.Record(ctx, eventType, actorID, ref, detail)
}

func (w *Workflow) publish(ctx context.Context, eventType string, r *model.BookingRequest, actorID int64, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(r.Status)
	data["module_id"] = r.ModuleID
	w.events.Publish(ctx, events.Event{
		Type:       eventType,
		EntityID:   r.ID,
		ActorID:    actorID,
		StudentID:  r.StudentID,
		TutorID:    r.TutorID,
		OccurredAt: r.UpdatedAt,
		Data:       data,
	})
}

func uniqueSorted(in []time.Time) []time.Time {
	seen := make(map[int64]struct{}, len(in))
	out := make([]time.Time, 0, len(in))
	for _, t := range in {
		t = t.UTC()
		if _, dup := seen[t.Unix()]; dup {
			continue
		}
		seen[t.Unix()] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

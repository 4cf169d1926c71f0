package booking

import (
	"context"
	"time"

	"tutorly/internal/model"
	"tutorly/internal/session"
)

// RequestRepository persists booking requests.
type RequestRepository interface {
	CreateRequest(ctx context.Context, r *model.BookingRequest) error
	GetRequest(ctx context.Context, id string) (*model.BookingRequest, error)
	// DecideRequest applies d only while the stored status equals from,
	// otherwise it returns apperr.ErrStaleState.
	DecideRequest(ctx context.Context, id string, from model.RequestStatus, d model.RequestDecision) error
	ListRequestsByTutor(ctx context.Context, tutorID int64, status model.RequestStatus) ([]model.BookingRequest, error)
	// ListExpiredRequests returns Pending requests whose ExpiresAt is not after now.
	ListExpiredRequests(ctx context.Context, now time.Time) ([]model.BookingRequest, error)
}

// SessionFinder reads a tutor's existing sessions.
type SessionFinder interface {
	ListTutorSessions(ctx context.Context, tutorID int64, from, to time.Time, statuses ...model.SessionStatus) ([]model.Session, error)
}

// ModuleDirectory answers whether a tutor may be booked for a module.
type ModuleDirectory interface {
	TutorTeaches(ctx context.Context, tutorID, moduleID int64) (bool, error)
}

// PreferenceRepository stores the tutors' per-module booking rules.
// GetModulePreferences returns apperr.ErrNotFound when none are stored.
type PreferenceRepository interface {
	GetModulePreferences(ctx context.Context, tutorID, moduleID int64) (*model.ModulePreferences, error)
	SaveModulePreferences(ctx context.Context, p *model.ModulePreferences) error
}

// Availability is the part of availability.Service the workflow reads.
type Availability interface {
	GetAvailability(ctx context.Context, tutorID int64, moduleID *int64) []model.AvailabilityBlock
	ListExceptions(ctx context.Context, tutorID int64, r *model.DateRange) []model.AvailabilityException
	SaveStudentAvailability(ctx context.Context, a model.StudentAvailability) (*model.StudentAvailability, error)
	GetStudentAvailability(ctx context.Context, studentID int64, requestID *string) *model.StudentAvailability
	TutorLocation(ctx context.Context, tutorID int64) *time.Location
}

// Sessions is the part of session.Lifecycle the workflow drives.
type Sessions interface {
	Create(ctx context.Context, in session.NewSession) (*model.Session, error)
	Get(ctx context.Context, id string) (*model.Session, error)
	Cancel(ctx context.Context, id string, by int64, reason string) (*model.Session, error)
}

// Recorder receives one audit record per booking attempt. Implementations
// must not block and must swallow their own failures.
type Recorder interface {
	Record(ctx context.Context, eventType string, actorID int64, entityRef string, detail map[string]any)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, string, int64, string, map[string]any) {}

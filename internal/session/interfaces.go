package session

import (
	"context"
	"time"

	"tutorly/internal/model"
	"tutorly/internal/rooms"
)

// Repository persists sessions. It is the only writer of session status.
type Repository interface {
	// CreateSession inserts s. It returns apperr.ErrSessionOverlap when the
	// tutor already has a Confirmed or InProgress session overlapping s.
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// TransitionSession applies change only while the stored status equals
	// from; otherwise it returns apperr.ErrStaleState.
	TransitionSession(ctx context.Context, id string, from model.SessionStatus, change model.SessionChange) error
	// ListSessionsByStatus returns sessions whose scheduled start lies in [from, to].
	ListSessionsByStatus(ctx context.Context, status model.SessionStatus, from, to time.Time) ([]model.Session, error)
	// ListTutorSessions returns the tutor's sessions overlapping [from, to)
	// in any of the given statuses (all statuses when none given).
	ListTutorSessions(ctx context.Context, tutorID int64, from, to time.Time, statuses ...model.SessionStatus) ([]model.Session, error)
	// SetStudyRoom links roomID to a session that has no room yet;
	// otherwise it returns apperr.ErrStaleState.
	SetStudyRoom(ctx context.Context, id, roomID string, at time.Time) error
}

// RoomController drives the external study room linked to a session.
// CreateRoom and GetRoom may return a nil room when no service is configured.
type RoomController interface {
	CreateRoom(ctx context.Context, in rooms.NewRoom) (*rooms.Room, error)
	GetRoom(ctx context.Context, roomID string) (*rooms.Room, error)
	ActivateRoom(ctx context.Context, roomID string) error
	EndRoom(ctx context.Context, roomID string) error
}

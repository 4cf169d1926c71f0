package session

import (
	"context"
	"errors"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/clock"
	"tutorly/internal/events"
	"tutorly/internal/metrics"
	"tutorly/internal/model"
	"tutorly/internal/rooms"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NewSession describes a session to materialise from an approved slot.
type NewSession struct {
	BookingRequestID string
	StudentID        int64
	TutorID          int64
	ModuleID         int64
	Start            time.Time
	End              time.Time
	StudyRoomID      *string
}

// Lifecycle owns every session status change.
type Lifecycle struct {
	repo   Repository
	rooms  RoomController
	events events.Publisher
	clock  clock.Clock
	fsm    *FSM
	logger zerolog.Logger
}

// NewLifecycle wires the lifecycle. roomCtl and publisher may be nil.
func NewLifecycle(repo Repository, roomCtl RoomController, publisher events.Publisher, clk clock.Clock, logger *zerolog.Logger) *Lifecycle {
	if roomCtl == nil {
		roomCtl = rooms.Noop{}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Lifecycle{
		repo:   repo,
		rooms:  roomCtl,
		events: publisher,
		clock:  clk,
		fsm:    NewFSM(),
		logger: l.With().Str("component", "session").Logger(),
	}
}

// Create persists a Confirmed session. An overlap with another of the
// tutor's active sessions is reported as a ConflictError.
func (l *Lifecycle) Create(ctx context.Context, in NewSession) (*model.Session, error) {
	const op = "create_session"
	if in.StudentID <= 0 || in.TutorID <= 0 || in.ModuleID <= 0 {
		return nil, apperr.Validation(op, "student, tutor and module ids are required")
	}
	if !in.End.After(in.Start) {
		return nil, apperr.Validation(op, "session end must be after start")
	}

	now := l.clock.Now().UTC()
	s := &model.Session{
		ID:               uuid.NewString(),
		BookingRequestID: in.BookingRequestID,
		StudentID:        in.StudentID,
		TutorID:          in.TutorID,
		ModuleID:         in.ModuleID,
		ScheduledStart:   in.Start.UTC(),
		ScheduledEnd:     in.End.UTC(),
		StudyRoomID:      in.StudyRoomID,
		Status:           model.SessionConfirmed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := l.repo.CreateSession(ctx, s); err != nil {
		if errors.Is(err, apperr.ErrSessionOverlap) {
			return nil, apperr.Conflict(op, "tutor %d already has a session overlapping %s", in.TutorID, s.ScheduledStart.Format(time.RFC3339)).
				With("slot", s.ScheduledStart)
		}
		return nil, apperr.Store(op, err)
	}

	metrics.IncSessionTransition(string(model.SessionConfirmed))
	l.publish(ctx, events.SessionCreated, s, 0, nil)
	l.logger.Info().Str("session_id", s.ID).Int64("tutor_id", s.TutorID).Time("start", s.ScheduledStart).Msg("session created")
	return s, nil
}

// Get loads a session.
func (l *Lifecycle) Get(ctx context.Context, id string) (*model.Session, error) {
	s, err := l.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("get_session", "session %s", id)
		}
		return nil, apperr.Store("get_session", err)
	}
	return s, nil
}

// Start moves a Confirmed session to InProgress on request of a participant.
// A study room is opened first when none is linked; failing to open one
// does not block the start.
func (l *Lifecycle) Start(ctx context.Context, id string, actorID int64) (*model.Session, error) {
	s, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == model.SessionConfirmed {
		l.attachRoomQuietly(ctx, s)
	}
	return l.transition(ctx, "start_session", id, model.SessionChange{To: model.SessionInProgress}, actorID)
}

// Activate is the scheduler's Start. A session that is already InProgress
// is left alone and reported as not activated.
func (l *Lifecycle) Activate(ctx context.Context, id string) (bool, error) {
	s, err := l.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Status == model.SessionInProgress {
		return false, nil
	}
	if s.Status == model.SessionConfirmed {
		l.attachRoomQuietly(ctx, s)
	}

	_, err = l.transition(ctx, "activate_session", id, model.SessionChange{To: model.SessionInProgress}, 0)
	if err != nil && apperr.IsInvalidState(err) {
		// A manual start may have won the race.
		if cur, gerr := l.repo.GetSession(ctx, id); gerr == nil && cur.Status == model.SessionInProgress {
			return false, nil
		}
	}
	return err == nil, err
}

// OpenRoom returns the session with its study room linked, creating the
// room when missing and starting a Confirmed session. Calling it again on
// an InProgress session returns the same room and reopens it if the room
// service reports it inactive.
func (l *Lifecycle) OpenRoom(ctx context.Context, id string, actorID int64) (*model.Session, error) {
	const op = "open_room"
	s, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != 0 && !s.IsParticipant(actorID) {
		return nil, apperr.Forbidden(op, "user %d is not a participant of session %s", actorID, id)
	}
	if s.Status.Terminal() {
		return nil, apperr.InvalidState(op, "session %s is %s", id, s.Status).With("status", s.Status)
	}
	if err := l.attachRoom(ctx, s); err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.NotFound(op, "session %s", id)
		}
		return nil, apperr.Store(op, err)
	}

	if s.Status == model.SessionConfirmed {
		started, err := l.transition(ctx, op, id, model.SessionChange{To: model.SessionInProgress}, actorID)
		if err == nil {
			return started, nil
		}
		if !apperr.IsInvalidState(err) {
			return nil, err
		}
		// Started concurrently; fall through to the running session.
		if s, err = l.Get(ctx, id); err != nil {
			return nil, err
		}
		if s.Status != model.SessionInProgress {
			return nil, apperr.InvalidState(op, "session %s is %s", id, s.Status).With("status", s.Status)
		}
	}

	l.ensureRoomActive(ctx, s)
	return s, nil
}

// End moves an InProgress session to Completed.
func (l *Lifecycle) End(ctx context.Context, id string, actorID int64) (*model.Session, error) {
	return l.transition(ctx, "end_session", id, model.SessionChange{To: model.SessionCompleted}, actorID)
}

// Cancel moves a Confirmed or InProgress session to Cancelled.
func (l *Lifecycle) Cancel(ctx context.Context, id string, by int64, reason string) (*model.Session, error) {
	change := model.SessionChange{To: model.SessionCancelled, Reason: reason}
	if by != 0 {
		change.CancelledBy = &by
	}
	return l.transition(ctx, "cancel_session", id, change, by)
}

// DueForActivation lists Confirmed sessions starting within [from, to].
func (l *Lifecycle) DueForActivation(ctx context.Context, from, to time.Time) ([]model.Session, error) {
	list, err := l.repo.ListSessionsByStatus(ctx, model.SessionConfirmed, from, to)
	if err != nil {
		return nil, apperr.Store("due_for_activation", err)
	}
	return list, nil
}

func (l *Lifecycle) transition(ctx context.Context, op, id string, change model.SessionChange, actorID int64) (*model.Session, error) {
	s, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.fsm.CanTransition(s.Status, change.To) {
		return nil, apperr.InvalidState(op, "session %s is %s, cannot move to %s", id, s.Status, change.To).
			With("status", s.Status)
	}

	from := s.Status
	change.At = l.clock.Now().UTC()
	if err := l.repo.TransitionSession(ctx, id, from, change); err != nil {
		if errors.Is(err, apperr.ErrStaleState) {
			return nil, apperr.InvalidState(op, "session %s changed concurrently", id)
		}
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound(op, "session %s", id)
		}
		return nil, apperr.Store(op, err)
	}
	s.Apply(change)
	metrics.IncSessionTransition(string(change.To))

	data := map[string]any{"from": string(from), "to": string(change.To)}
	if change.Reason != "" {
		data["reason"] = change.Reason
	}
	if roomErr := l.forwardRoom(ctx, s); roomErr != nil {
		data["room_forward_failed"] = true
		data["room_error"] = roomErr.Error()
	}

	l.publish(ctx, eventFor(change.To), s, actorID, data)
	l.logger.Info().Str("session_id", id).Str("from", string(from)).Str("to", string(change.To)).Msg("session transition")
	return s, nil
}

// attachRoom creates a study room for s and links it, unless s already has
// one. When another caller links a room first, theirs is kept and the new
// room is ended.
func (l *Lifecycle) attachRoom(ctx context.Context, s *model.Session) error {
	if s.StudyRoomID != nil && *s.StudyRoomID != "" {
		return nil
	}
	room, err := l.rooms.CreateRoom(ctx, rooms.NewRoom{
		SessionID:      s.ID,
		Name:           roomName(s.ID),
		ScheduledStart: s.ScheduledStart,
		ScheduledEnd:   s.ScheduledEnd,
	})
	if err != nil {
		metrics.IncRoomForwardFailure("create")
		return err
	}
	if room == nil {
		return nil
	}

	err = l.repo.SetStudyRoom(ctx, s.ID, room.ID, l.clock.Now().UTC())
	switch {
	case err == nil:
		s.StudyRoomID = &room.ID
		l.logger.Info().Str("session_id", s.ID).Str("room_id", room.ID).Msg("study room linked")
		return nil
	case errors.Is(err, apperr.ErrStaleState):
		if endErr := l.rooms.EndRoom(ctx, room.ID); endErr != nil {
			l.logger.Warn().Err(endErr).Str("room_id", room.ID).Msg("failed to end duplicate study room")
		}
		cur, gerr := l.repo.GetSession(ctx, s.ID)
		if gerr != nil {
			return gerr
		}
		s.StudyRoomID = cur.StudyRoomID
		return nil
	default:
		return err
	}
}

func (l *Lifecycle) attachRoomQuietly(ctx context.Context, s *model.Session) {
	if err := l.attachRoom(ctx, s); err != nil {
		l.logger.Warn().Err(err).Str("session_id", s.ID).Msg("study room not opened, starting without it")
	}
}

// ensureRoomActive reopens the room of a running session when the room
// service reports it as not active.
func (l *Lifecycle) ensureRoomActive(ctx context.Context, s *model.Session) {
	if s.StudyRoomID == nil || *s.StudyRoomID == "" {
		return
	}
	room, err := l.rooms.GetRoom(ctx, *s.StudyRoomID)
	if err != nil {
		l.logger.Warn().Err(err).Str("room_id", *s.StudyRoomID).Msg("study room lookup failed")
		return
	}
	if room == nil || room.Status == rooms.StatusActive {
		return
	}
	if err := l.rooms.ActivateRoom(ctx, *s.StudyRoomID); err != nil {
		metrics.IncRoomForwardFailure("activate")
		l.logger.Warn().Err(err).Str("session_id", s.ID).Str("room_id", *s.StudyRoomID).Msg("study room reopen failed")
	}
}

func roomName(sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "Session " + sessionID
}

// forwardRoom mirrors the new status onto the linked study room. Failures
// are reported, never returned as transition errors.
func (l *Lifecycle) forwardRoom(ctx context.Context, s *model.Session) error {
	if s.StudyRoomID == nil || *s.StudyRoomID == "" {
		return nil
	}

	var action string
	var err error
	switch s.Status {
	case model.SessionInProgress:
		action = "activate"
		err = l.rooms.ActivateRoom(ctx, *s.StudyRoomID)
	case model.SessionCompleted, model.SessionCancelled:
		action = "end"
		err = l.rooms.EndRoom(ctx, *s.StudyRoomID)
	default:
		return nil
	}
	if err != nil {
		metrics.IncRoomForwardFailure(action)
		l.logger.Warn().Err(err).Str("session_id", s.ID).Str("room_id", *s.StudyRoomID).Str("action", action).Msg("study room update failed")
	}
	return err
}

func (l *Lifecycle) publish(ctx context.Context, eventType string, s *model.Session, actorID int64, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["scheduled_start"] = s.ScheduledStart
	data["scheduled_end"] = s.ScheduledEnd
	data["status"] = string(s.Status)

	l.events.Publish(ctx, events.Event{
		Type:       eventType,
		EntityID:   s.ID,
		ActorID:    actorID,
		StudentID:  s.StudentID,
		TutorID:    s.TutorID,
		OccurredAt: s.UpdatedAt,
		Data:       data,
	})
}

func eventFor(status model.SessionStatus) string {
	switch status {
	case model.SessionInProgress:
		return events.SessionStarted
	case model.SessionCompleted:
		return events.SessionCompleted
	case model.SessionCancelled:
		return events.SessionCancelled
	default:
		return events.SessionCreated
	}
}

package availability

import (
	"context"
	"errors"
	"sort"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/clock"
	"tutorly/internal/metrics"
	"tutorly/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTimezone applies to tutors that have not declared availability yet.
const DefaultTimezone = "Africa/Johannesburg"

// Service enforces availability rules on top of a Store. Read paths never
// fail: store errors are logged and yield empty results. Write paths return
// every failure to the caller.
type Service struct {
	store      Store
	clock      clock.Clock
	validate   *validator.Validate
	defaultLoc *time.Location
	logger     zerolog.Logger
}

// NewService builds the service. An empty defaultTimezone selects DefaultTimezone.
func NewService(store Store, clk clock.Clock, defaultTimezone string, logger *zerolog.Logger) (*Service, error) {
	if defaultTimezone == "" {
		defaultTimezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Service{
		store:      store,
		clock:      clk,
		validate:   validator.New(),
		defaultLoc: loc,
		logger:     l.With().Str("component", "availability").Logger(),
	}, nil
}

// GetAvailability returns the tutor's blocks ordered by day and time. With a
// module, blocks without a module are included as well.
func (s *Service) GetAvailability(ctx context.Context, tutorID int64, moduleID *int64) []model.AvailabilityBlock {
	blocks, err := s.store.ListBlocks(ctx, tutorID)
	if err != nil {
		s.readFailed("list_blocks", tutorID, err)
		return []model.AvailabilityBlock{}
	}

	out := make([]model.AvailabilityBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.AppliesToModule(moduleID) {
			out = append(out, b)
		}
	}
	sortBlocks(out)
	return out
}

// SetAvailability replaces the tutor's complete set of blocks.
func (s *Service) SetAvailability(ctx context.Context, tutorID int64, blocks []model.AvailabilityBlock) error {
	const op = "set_availability"
	if tutorID <= 0 {
		return apperr.Validation(op, "tutor id is required")
	}

	now := s.clock.Now().UTC()
	prepared := make([]model.AvailabilityBlock, len(blocks))
	var zone string
	for i, b := range blocks {
		if b.ModuleID != nil && *b.ModuleID == 0 {
			b.ModuleID = nil
		}
		if err := s.validate.Struct(b); err != nil {
			return TranslateValidation(op, err)
		}
		if b.EffectiveUntil != nil && b.EffectiveUntil.Before(b.EffectiveFrom) {
			return apperr.Validation(op, "effective_until %s precedes effective_from %s", b.EffectiveUntil, b.EffectiveFrom)
		}
		if zone == "" {
			zone = b.Timezone
		} else if zone != b.Timezone {
			return apperr.Validation(op, "all blocks must share one timezone, got %s and %s", zone, b.Timezone)
		}
		if b.EffectiveFrom.IsZero() {
			b.EffectiveFrom = model.DateOf(now)
		}

		b.ID = uuid.NewString()
		b.TutorID = tutorID
		b.CreatedAt = now
		b.UpdatedAt = now
		prepared[i] = b
	}

	if err := s.store.ReplaceBlocks(ctx, tutorID, prepared); err != nil {
		return apperr.Store(op, err)
	}

	s.logger.Info().Int64("tutor_id", tutorID).Int("blocks", len(prepared)).Msg("availability replaced")
	return nil
}

// DeleteAvailability removes one block.
func (s *Service) DeleteAvailability(ctx context.Context, tutorID int64, blockID string) error {
	const op = "delete_availability"
	if err := s.store.DeleteBlock(ctx, tutorID, blockID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.NotFound(op, "availability block %s", blockID)
		}
		return apperr.Store(op, err)
	}
	return nil
}

// AddException stores a date override and returns it with its id set.
func (s *Service) AddException(ctx context.Context, e model.AvailabilityException) (*model.AvailabilityException, error) {
	const op = "add_exception"
	if e.TutorID <= 0 {
		return nil, apperr.Validation(op, "tutor id is required")
	}
	if e.Date.IsZero() {
		return nil, apperr.Validation(op, "date is required")
	}
	if e.IsAvailable {
		if (e.Start == nil) != (e.End == nil) {
			return nil, apperr.Validation(op, "override needs both start and end")
		}
		if e.Start != nil && (!e.Start.Valid() || !e.End.Valid() || *e.Start >= *e.End) {
			return nil, apperr.Validation(op, "override start must be before end")
		}
	} else {
		e.Start, e.End = nil, nil
	}

	e.ID = uuid.NewString()
	e.CreatedAt = s.clock.Now().UTC()
	if err := s.store.AddException(ctx, &e); err != nil {
		return nil, apperr.Store(op, err)
	}
	return &e, nil
}

// DeleteException removes one exception.
func (s *Service) DeleteException(ctx context.Context, tutorID int64, exceptionID string) error {
	const op = "delete_exception"
	if err := s.store.DeleteException(ctx, tutorID, exceptionID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.NotFound(op, "exception %s", exceptionID)
		}
		return apperr.Store(op, err)
	}
	return nil
}

// ListExceptions returns exceptions within r (all when r is nil), ordered by date.
func (s *Service) ListExceptions(ctx context.Context, tutorID int64, r *model.DateRange) []model.AvailabilityException {
	list, err := s.store.ListExceptions(ctx, tutorID, r)
	if err != nil {
		s.readFailed("list_exceptions", tutorID, err)
		return []model.AvailabilityException{}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Date.Before(list[j].Date) })
	return list
}

// SaveStudentAvailability stores the student's preferences, replacing any
// earlier record for the same booking request.
func (s *Service) SaveStudentAvailability(ctx context.Context, a model.StudentAvailability) (*model.StudentAvailability, error) {
	const op = "save_student_availability"
	if err := ValidateStudentAvailability(op, a); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if err := s.store.SaveStudentAvailability(ctx, &a); err != nil {
		return nil, apperr.Store(op, err)
	}
	return &a, nil
}

// ValidateStudentAvailability checks a without storing it.
func ValidateStudentAvailability(op string, a model.StudentAvailability) error {
	if a.StudentID <= 0 {
		return apperr.Validation(op, "student id is required")
	}
	if len(a.PreferredDays) == 0 {
		return apperr.Validation(op, "at least one preferred day is required")
	}
	for _, d := range a.PreferredDays {
		if d < time.Sunday || d > time.Saturday {
			return apperr.Validation(op, "invalid day of week %d", d)
		}
	}
	if len(a.PreferredTimes) == 0 && len(a.SpecificHours) == 0 {
		return apperr.Validation(op, "preferred times or specific hours are required")
	}
	for _, b := range a.PreferredTimes {
		if _, err := model.ParseBucket(string(b)); err != nil {
			return apperr.Validation(op, "%v", err)
		}
	}
	for day, hours := range a.SpecificHours {
		if day < time.Sunday || day > time.Saturday {
			return apperr.Validation(op, "invalid day of week %d", day)
		}
		for _, h := range hours {
			if h < 0 || h > 23 {
				return apperr.Validation(op, "invalid hour %d", h)
			}
		}
	}
	return nil
}

// GetStudentAvailability returns the stored preferences or nil.
func (s *Service) GetStudentAvailability(ctx context.Context, studentID int64, requestID *string) *model.StudentAvailability {
	a, err := s.store.GetStudentAvailability(ctx, studentID, requestID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.readFailed("get_student_availability", studentID, err)
		}
		return nil
	}
	return a
}

// TutorLocation resolves the zone the tutor declared on their blocks.
func (s *Service) TutorLocation(ctx context.Context, tutorID int64) *time.Location {
	for _, b := range s.GetAvailability(ctx, tutorID, nil) {
		if b.Timezone == "" {
			continue
		}
		loc, err := time.LoadLocation(b.Timezone)
		if err != nil {
			s.logger.Warn().Err(err).Str("timezone", b.Timezone).Int64("tutor_id", tutorID).Msg("unknown tutor timezone")
			break
		}
		return loc
	}
	return s.defaultLoc
}

func (s *Service) readFailed(op string, id int64, err error) {
	metrics.IncStoreReadFailure(op)
	s.logger.Warn().Err(err).Str("op", op).Int64("id", id).Msg("store read failed, returning empty result")
}

func sortBlocks(blocks []model.AvailabilityBlock) {
	sort.SliceStable(blocks, func(i, j int) bool {
		a, b := blocks[i], blocks[j]
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek < b.DayOfWeek
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End < b.End
	})
}

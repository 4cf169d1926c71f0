// Package availability owns tutor availability blocks, date exceptions and
// student preferences.
package availability

import (
	"context"

	"tutorly/internal/model"
)

// Store persists availability data. Implementations must make ReplaceBlocks
// atomic: readers never observe a tutor with a partially replaced set.
type Store interface {
	ListBlocks(ctx context.Context, tutorID int64) ([]model.AvailabilityBlock, error)
	ReplaceBlocks(ctx context.Context, tutorID int64, blocks []model.AvailabilityBlock) error
	DeleteBlock(ctx context.Context, tutorID int64, blockID string) error

	AddException(ctx context.Context, e *model.AvailabilityException) error
	DeleteException(ctx context.Context, tutorID int64, exceptionID string) error
	// ListExceptions returns exceptions whose date falls in r, or all when r is nil.
	ListExceptions(ctx context.Context, tutorID int64, r *model.DateRange) ([]model.AvailabilityException, error)

	// SaveStudentAvailability replaces the record for (StudentID, BookingRequestID).
	SaveStudentAvailability(ctx context.Context, a *model.StudentAvailability) error
	// GetStudentAvailability returns the record for the student and request;
	// a nil requestID selects the student's standing preferences.
	GetStudentAvailability(ctx context.Context, studentID int64, requestID *string) (*model.StudentAvailability, error)
}

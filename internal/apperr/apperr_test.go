package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := Validation("create_request", "empty range %s..%s", "2026-04-01", "2026-04-01")
	assert.Equal(t, "create_request: validation: empty range 2026-04-01..2026-04-01", err.Error())

	wrapped := Store("set_availability", errors.New("disk full"))
	assert.Equal(t, "set_availability: store_failure: store failure: disk full", wrapped.Error())
}

func TestKindThroughWrapping(t *testing.T) {
	base := InvalidState("start_session", "session is completed")
	err := fmt.Errorf("scheduler: %w", base)

	assert.True(t, IsInvalidState(err))
	assert.False(t, IsValidation(err))
	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := NotFound("get_session", "session %s", "abc")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(fmt.Errorf("get: %w", ErrNotFound)))
}

func TestWithDetails(t *testing.T) {
	err := Conflict("confirm_booking", "slot taken").With("slot", "09:00").With("tutor_id", int64(7))
	assert.Equal(t, map[string]any{"slot": "09:00", "tutor_id": int64(7)}, err.Details)
}

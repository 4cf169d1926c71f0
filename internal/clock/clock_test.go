package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake(t *testing.T) {
	start := time.Date(2026, 3, 30, 9, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), f.Now())

	f.Set(start)
	assert.Equal(t, start, f.Now())
}

func TestRealMovesForward(t *testing.T) {
	c := Real()
	a := c.Now()
	assert.False(t, c.Now().Before(a))
}

package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"09:00", 540, false},
		{"17:30", 1050, false},
		{"24:00", 1440, false},
		{"00:00", 0, false},
		{"9", 0, true},
		{"25:00", 0, true},
		{"10:75", 0, true},
		{"ab:cd", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBucketOf(t *testing.T) {
	assert.Equal(t, Morning, BucketOf(0))
	assert.Equal(t, Morning, BucketOf(11))
	assert.Equal(t, Afternoon, BucketOf(12))
	assert.Equal(t, Afternoon, BucketOf(16))
	assert.Equal(t, Evening, BucketOf(17))
	assert.Equal(t, Evening, BucketOf(23))
}

func TestDateRange(t *testing.T) {
	r := DateRange{From: MustDate("2026-03-30"), To: MustDate("2026-04-02")}

	assert.False(t, r.Empty())
	assert.Equal(t, []Date{MustDate("2026-03-30"), MustDate("2026-03-31"), MustDate("2026-04-01")}, r.Days())
	assert.True(t, r.Contains(MustDate("2026-03-30")))
	assert.False(t, r.Contains(MustDate("2026-04-02")))

	assert.True(t, DateRange{From: r.To, To: r.From}.Empty())
	assert.True(t, DateRange{From: r.From, To: r.From}.Empty())
}

func TestDateAtUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Johannesburg")
	require.NoError(t, err)

	at := MustDate("2026-03-30").At(MustTimeOfDay("09:00"), loc)
	assert.Equal(t, time.Date(2026, 3, 30, 7, 0, 0, 0, time.UTC), at.UTC())
	assert.Equal(t, time.Monday, MustDate("2026-03-30").Weekday())
}

func TestBlockActiveOn(t *testing.T) {
	until := MustDate("2026-04-13")
	block := AvailabilityBlock{
		DayOfWeek:      time.Monday,
		IsRecurring:    true,
		EffectiveFrom:  MustDate("2026-03-30"),
		EffectiveUntil: &until,
	}

	assert.False(t, block.ActiveOn(MustDate("2026-03-23")), "before effective from")
	assert.True(t, block.ActiveOn(MustDate("2026-03-30")))
	assert.False(t, block.ActiveOn(MustDate("2026-03-31")), "wrong weekday")
	assert.True(t, block.ActiveOn(MustDate("2026-04-13")), "until is inclusive")
	assert.False(t, block.ActiveOn(MustDate("2026-04-20")))

	oneOff := AvailabilityBlock{DayOfWeek: time.Monday, EffectiveFrom: MustDate("2026-03-30")}
	assert.True(t, oneOff.ActiveOn(MustDate("2026-03-30")))
	assert.False(t, oneOff.ActiveOn(MustDate("2026-04-06")))
}

func TestAppliesToModule(t *testing.T) {
	maths, physics := int64(1), int64(2)
	general := AvailabilityBlock{}
	scoped := AvailabilityBlock{ModuleID: &maths}

	assert.True(t, general.AppliesToModule(&maths))
	assert.True(t, general.AppliesToModule(nil))
	assert.True(t, scoped.AppliesToModule(&maths))
	assert.False(t, scoped.AppliesToModule(&physics))
	assert.True(t, scoped.AppliesToModule(nil))
}

func TestStudentAvailabilityAllows(t *testing.T) {
	prefs := &StudentAvailability{
		PreferredDays:  []time.Weekday{time.Monday, time.Wednesday},
		PreferredTimes: []TimeBucket{Morning},
		SpecificHours:  map[time.Weekday][]int{time.Wednesday: {18}},
	}

	assert.True(t, prefs.Allows(time.Monday, MustTimeOfDay("09:00")))
	assert.False(t, prefs.Allows(time.Monday, MustTimeOfDay("13:00")))
	assert.False(t, prefs.Allows(time.Tuesday, MustTimeOfDay("09:00")))
	assert.False(t, prefs.Allows(time.Wednesday, MustTimeOfDay("09:00")), "specific hours override bucket")
	assert.True(t, prefs.Allows(time.Wednesday, MustTimeOfDay("18:00")))

	var none *StudentAvailability
	assert.True(t, none.Allows(time.Sunday, 0))
}

func TestSessionStatus(t *testing.T) {
	assert.True(t, SessionCompleted.Terminal())
	assert.True(t, SessionCancelled.Terminal())
	assert.False(t, SessionConfirmed.Terminal())
	assert.True(t, SessionInProgress.Blocking())
	assert.False(t, SessionCancelled.Blocking())
}

func TestBlockJSON(t *testing.T) {
	raw := `{"day_of_week":1,"start":"09:00","end":"11:00","is_recurring":true,"effective_from":"2026-03-30","timezone":"UTC"}`

	var b AvailabilityBlock
	require.NoError(t, json.Unmarshal([]byte(raw), &b))
	assert.Equal(t, MustTimeOfDay("09:00"), b.Start)
	assert.Equal(t, MustDate("2026-03-30"), b.EffectiveFrom)
	assert.Nil(t, b.EffectiveUntil)
}

package slots

import (
	"math/rand"
	"testing"
	"time"

	"tutorly/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monday = model.MustDate("2026-03-30")

func mondayOnly() model.DateRange {
	return model.DateRange{From: monday, To: monday.AddDays(1)}
}

func block(id string, day time.Weekday, start, end string) model.AvailabilityBlock {
	return model.AvailabilityBlock{
		ID:            id,
		TutorID:       7,
		DayOfWeek:     day,
		Start:         model.MustTimeOfDay(start),
		End:           model.MustTimeOfDay(end),
		IsRecurring:   true,
		EffectiveFrom: model.MustDate("2026-01-01"),
		Timezone:      "UTC",
	}
}

func at(date model.Date, tod string) time.Time {
	return date.At(model.MustTimeOfDay(tod), time.UTC)
}

func starts(slots []Slot) []time.Time {
	out := make([]time.Time, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Start)
	}
	return out
}

func tod(s string) *model.TimeOfDay {
	t := model.MustTimeOfDay(s)
	return &t
}

func TestGenerate(t *testing.T) {
	mondayMorning := &model.StudentAvailability{
		PreferredDays:  []time.Weekday{time.Monday},
		PreferredTimes: []model.TimeBucket{model.Morning},
	}
	blockID := "b-morning"

	tests := []struct {
		name string
		in   Input
		want []time.Time
	}{
		{
			name: "monday morning block yields two hourly slots",
			in: Input{
				Range:         mondayOnly(),
				Blocks:        []model.AvailabilityBlock{block("b1", time.Monday, "09:00", "11:00")},
				Preferences:   mondayMorning,
				SessionLength: time.Hour,
			},
			want: []time.Time{at(monday, "09:00"), at(monday, "10:00")},
		},
		{
			name: "existing session removes the overlapping slot",
			in: Input{
				Range:         mondayOnly(),
				Blocks:        []model.AvailabilityBlock{block("b1", time.Monday, "09:00", "11:00")},
				Busy:          []model.Interval{{Start: at(monday, "09:00"), End: at(monday, "10:00")}},
				Preferences:   mondayMorning,
				SessionLength: time.Hour,
			},
			want: []time.Time{at(monday, "10:00")},
		},
		{
			name: "no blocks no slots",
			in: Input{
				Range:         mondayOnly(),
				Preferences:   mondayMorning,
				SessionLength: time.Hour,
			},
			want: nil,
		},
		{
			name: "block on another weekday",
			in: Input{
				Range:         mondayOnly(),
				Blocks:        []model.AvailabilityBlock{block("b1", time.Tuesday, "09:00", "11:00")},
				SessionLength: time.Hour,
			},
			want: nil,
		},
		{
			name: "window shorter than a session",
			in: Input{
				Range:         mondayOnly(),
				Blocks:        []model.AvailabilityBlock{block("b1", time.Monday, "09:00", "09:45")},
				SessionLength: time.Hour,
			},
			want: nil,
		},
		{
			name: "discretised from the window start",
			in: Input{
				Range:         mondayOnly(),
				Blocks:        []model.AvailabilityBlock{block("b1", time.Monday, "09:15", "11:00")},
				SessionLength: 45 * time.Minute,
			},
			want: []time.Time{at(monday, "09:15"), at(monday, "10:00")},
		},
		{
			name: "full-day exception removes every slot",
			in: Input{
				Range:  mondayOnly(),
				Blocks: []model.AvailabilityBlock{block("b1", time.Monday, "09:00", "11:00"), block("b2", time.Monday, "14:00", "16:00")},
				Exceptions: []model.AvailabilityException{
					{Date: monday, IsAvailable: false, Start: tod("09:00"), End: tod("10:00")},
				},
				SessionLength: time.Hour,
			},
			want: nil,
		},
		{
			name: "partial override replaces the recurring window",
			in: Input{
				Range:  mondayOnly(),
				Blocks: []model.AvailabilityBlock{block("b1", time.Monday, "09:00", "11:00")},
				Exceptions: []model.AvailabilityException{
					{Date: monday, IsAvailable: true, Start: tod("14:00"), End: tod("16:00")},
				},
				SessionLength: time.Hour,
			},
			want: []time.Time{at(monday, "14:00"), at(monday, "15:00")},
		},
		{
			name: "override scoped to one block keeps the others",
			in: Input{
				Range: mondayOnly(),
				Blocks: []model.AvailabilityBlock{
					block(blockID, time.Monday, "09:00", "11:00"),
					block("b-evening", time.Monday, "18:00", "19:00"),
				},
				Exceptions: []model.AvailabilityException{
					{Date: monday, AvailabilityID: &blockID, IsAvailable: true, Start: tod("10:00"), End: tod("11:00")},
				},
				SessionLength: time.Hour,
			},
			want: []time.Time{at(monday, "10:00"), at(monday, "18:00")},
		},
		{
			name: "exception on another date is ignored",
			in: Input{
				Range:  mondayOnly(),
				Blocks: []model.AvailabilityBlock{block("b1", time.Monday, "09:00", "10:00")},
				Exceptions: []model.AvailabilityException{
					{Date: monday.AddDays(7), IsAvailable: false},
				},
				SessionLength: time.Hour,
			},
			want: []time.Time{at(monday, "09:00")},
		},
		{
			name: "overlapping blocks do not duplicate starts",
			in: Input{
				Range: mondayOnly(),
				Blocks: []model.AvailabilityBlock{
					block("b1", time.Monday, "09:00", "11:00"),
					block("b2", time.Monday, "10:00", "12:00"),
				},
				SessionLength: time.Hour,
			},
			want: []time.Time{at(monday, "09:00"), at(monday, "10:00"), at(monday, "11:00")},
		},
		{
			name: "specific hours override the bucket",
			in: Input{
				Range:  mondayOnly(),
				Blocks: []model.AvailabilityBlock{block("b1", time.Monday, "09:00", "20:00")},
				Preferences: &model.StudentAvailability{
					PreferredDays:  []time.Weekday{time.Monday},
					PreferredTimes: []model.TimeBucket{model.Morning},
					SpecificHours:  map[time.Weekday][]int{time.Monday: {13, 18}},
				},
				SessionLength: time.Hour,
			},
			want: []time.Time{at(monday, "13:00"), at(monday, "18:00")},
		},
		{
			name: "student day mismatch",
			in: Input{
				Range:  mondayOnly(),
				Blocks: []model.AvailabilityBlock{block("b1", time.Monday, "09:00", "11:00")},
				Preferences: &model.StudentAvailability{
					PreferredDays:  []time.Weekday{time.Tuesday},
					PreferredTimes: []model.TimeBucket{model.Morning},
				},
				SessionLength: time.Hour,
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Generate(tt.in)
			assert.Equal(t, tt.want, starts(got))
		})
	}
}

func TestGenerateModuleSpecificBlocksWin(t *testing.T) {
	maths, physics := int64(1), int64(2)
	general := block("general", time.Monday, "09:00", "10:00")
	scoped := block("maths", time.Monday, "15:00", "16:00")
	scoped.ModuleID = &maths

	in := Input{
		Range:         mondayOnly(),
		Blocks:        []model.AvailabilityBlock{general, scoped},
		SessionLength: time.Hour,
	}

	in.ModuleID = &maths
	assert.Equal(t, []time.Time{at(monday, "15:00")}, starts(Generate(in)))

	in.ModuleID = &physics
	assert.Equal(t, []time.Time{at(monday, "09:00")}, starts(Generate(in)), "general block applies to every module")
}

func TestGenerateWithoutModuleMergesBlocks(t *testing.T) {
	physics := int64(9)
	general := block("general", time.Monday, "09:00", "11:00")
	scoped := block("physics", time.Monday, "14:00", "15:00")
	scoped.ModuleID = &physics

	got := Generate(Input{
		Range:         mondayOnly(),
		Blocks:        []model.AvailabilityBlock{scoped, general},
		SessionLength: time.Hour,
	})
	assert.Equal(t, []time.Time{at(monday, "09:00"), at(monday, "10:00"), at(monday, "14:00")}, starts(got))
}

func TestGenerateUsesTutorTimezone(t *testing.T) {
	joburg, err := time.LoadLocation("Africa/Johannesburg")
	require.NoError(t, err)

	b := block("b1", time.Monday, "01:00", "02:00")
	b.Timezone = "Africa/Johannesburg"

	got := Generate(Input{
		Range:         mondayOnly(),
		Location:      joburg,
		Blocks:        []model.AvailabilityBlock{b},
		SessionLength: time.Hour,
		Preferences: &model.StudentAvailability{
			PreferredDays:  []time.Weekday{time.Monday},
			PreferredTimes: []model.TimeBucket{model.Morning},
		},
	})

	require.Len(t, got, 1)
	// 01:00 Monday in Johannesburg is 23:00 Sunday UTC.
	assert.Equal(t, time.Date(2026, 3, 29, 23, 0, 0, 0, time.UTC), got[0].Start)
	assert.Equal(t, time.UTC, got[0].Start.Location())
}

func TestGeneratePolicyKnobs(t *testing.T) {
	base := Input{
		Range:         mondayOnly(),
		Blocks:        []model.AvailabilityBlock{block("b1", time.Monday, "08:00", "13:00")},
		SessionLength: time.Hour,
	}

	t.Run("buffer", func(t *testing.T) {
		in := base
		in.Busy = []model.Interval{{Start: at(monday, "10:00"), End: at(monday, "11:00")}}
		in.Buffer = 10 * time.Minute
		assert.Equal(t, []time.Time{at(monday, "08:00"), at(monday, "12:00")}, starts(Generate(in)))
	})

	t.Run("not before", func(t *testing.T) {
		in := base
		in.NotBefore = at(monday, "10:30")
		assert.Equal(t, []time.Time{at(monday, "11:00"), at(monday, "12:00")}, starts(Generate(in)))
	})

	t.Run("not after", func(t *testing.T) {
		in := base
		in.NotAfter = at(monday, "09:00")
		assert.Equal(t, []time.Time{at(monday, "08:00"), at(monday, "09:00")}, starts(Generate(in)))
	})

	t.Run("daily limit", func(t *testing.T) {
		in := base
		in.Busy = []model.Interval{{Start: at(monday, "08:00"), End: at(monday, "09:00")}}
		in.MaxPerDay = 1
		assert.Empty(t, Generate(in))
	})
}

func TestEvaluateReasons(t *testing.T) {
	got := Evaluate(Input{
		Range:         mondayOnly(),
		Blocks:        []model.AvailabilityBlock{block("b1", time.Monday, "09:00", "14:00")},
		Busy:          []model.Interval{{Start: at(monday, "09:00"), End: at(monday, "10:00")}},
		NotBefore:     at(monday, "09:00"),
		SessionLength: time.Hour,
		Preferences: &model.StudentAvailability{
			PreferredDays:  []time.Weekday{time.Monday},
			PreferredTimes: []model.TimeBucket{model.Morning},
		},
	})

	reasons := make(map[string]Reason, len(got))
	for _, c := range got {
		reasons[c.Start.Format("15:04")] = c.Reason
	}
	assert.Equal(t, map[string]Reason{
		"09:00": ReasonBusy,
		"10:00": ReasonNone,
		"11:00": ReasonNone,
		"12:00": ReasonStudentPreference,
		"13:00": ReasonStudentPreference,
	}, reasons)
}

func TestGenerateSpansRangeInOrder(t *testing.T) {
	week := model.DateRange{From: monday, To: monday.AddDays(7)}
	got := Generate(Input{
		Range: week,
		Blocks: []model.AvailabilityBlock{
			block("wed", time.Wednesday, "09:00", "10:00"),
			block("mon", time.Monday, "16:00", "17:00"),
		},
		SessionLength: time.Hour,
	})

	assert.Equal(t, []time.Time{at(monday, "16:00"), at(monday.AddDays(2), "09:00")}, starts(got))
}

func TestGenerateNeverOverlapsBusy(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	week := model.DateRange{From: monday, To: monday.AddDays(7)}
	var blocks []model.AvailabilityBlock
	for d := time.Sunday; d <= time.Saturday; d++ {
		blocks = append(blocks, block(d.String(), d, "07:00", "21:00"))
	}

	for i := 0; i < 50; i++ {
		var busy []model.Interval
		for j := 0; j < 10; j++ {
			start := at(monday, "06:00").Add(time.Duration(rng.Intn(7*24*4)) * 15 * time.Minute)
			busy = append(busy, model.Interval{Start: start, End: start.Add(time.Duration(1+rng.Intn(8)) * 15 * time.Minute)})
		}

		got := Generate(Input{Range: week, Blocks: blocks, Busy: busy, SessionLength: 50 * time.Minute})
		for _, c := range got {
			for _, s := range busy {
				require.False(t, c.Start.Before(s.End) && s.Start.Before(c.End),
					"candidate %s overlaps busy %s-%s", c.Start, s.Start, s.End)
			}
		}
		for k := 1; k < len(got); k++ {
			require.True(t, got[k-1].Start.Before(got[k].Start))
		}
	}
}

// Package slots turns tutor availability into concrete bookable time slots.
package slots

import (
	"sort"
	"time"

	"tutorly/internal/model"
)

// Slot is one session-length window, expressed in UTC.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Reason explains why a candidate is not bookable.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonBusy              Reason = "busy"
	ReasonBuffer            Reason = "buffer_conflict"
	ReasonLeadTime          Reason = "lead_time_not_met"
	ReasonBookingWindow     Reason = "booking_window_exceeded"
	ReasonDailyLimit        Reason = "daily_limit_reached"
	ReasonStudentPreference Reason = "student_preference_mismatch"
)

// Candidate is a generated slot together with its verdict.
type Candidate struct {
	Slot
	Reason Reason `json:"reason,omitempty"`
}

// Available reports whether nothing rules the candidate out.
func (c Candidate) Available() bool { return c.Reason == ReasonNone }

// Input is everything Generate needs. It is a plain value so generation
// stays free of I/O.
type Input struct {
	// ModuleID selects module-specific blocks over general ones; nil merges every block.
	ModuleID *int64
	Range    model.DateRange
	// Location is the tutor's declared zone. Dates, weekdays and
	// time-of-day comparisons are evaluated in it. Default: UTC.
	Location   *time.Location
	Blocks     []model.AvailabilityBlock
	Exceptions []model.AvailabilityException
	// Busy holds the tutor's Confirmed and InProgress sessions.
	Busy []model.Interval
	// Preferences filters by the student's days and buckets; nil allows all.
	Preferences   *model.StudentAvailability
	SessionLength time.Duration

	// Buffer widens every busy interval on both sides. Default: 0.
	Buffer time.Duration
	// NotBefore drops candidates starting earlier. Zero disables.
	NotBefore time.Time
	// NotAfter drops candidates starting later. Zero disables.
	NotAfter time.Time
	// MaxPerDay closes a date once it holds that many busy sessions. 0 disables.
	MaxPerDay int
}

// DefaultSessionLength is used when Input.SessionLength is not set.
const DefaultSessionLength = 60 * time.Minute

type window struct {
	blockID string
	start   model.TimeOfDay
	end     model.TimeOfDay
}

// Generate returns the bookable slots in chronological order.
func Generate(in Input) []Slot {
	var out []Slot
	for _, c := range Evaluate(in) {
		if c.Available() {
			out = append(out, c.Slot)
		}
	}
	return out
}

// Evaluate returns every candidate the calendar produces, each marked with
// the first reason that rules it out. Dates closed by an exception and
// days outside the student's preferred days produce no candidates at all.
func Evaluate(in Input) []Candidate {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	length := in.SessionLength
	if length <= 0 {
		length = DefaultSessionLength
	}

	seen := make(map[int64]struct{})
	var candidates []Candidate

	for _, date := range in.Range.Days() {
		if !dayPreferred(in.Preferences, date) {
			continue
		}
		windows := windowsFor(date, in.ModuleID, in.Blocks, in.Exceptions)
		if len(windows) == 0 {
			continue
		}

		dailyFull := in.MaxPerDay > 0 && countOnDate(in.Busy, date, loc) >= in.MaxPerDay

		for _, w := range windows {
			windowEnd := date.At(w.end, loc)
			for cursor := date.At(w.start, loc); !cursor.Add(length).After(windowEnd); cursor = cursor.Add(length) {
				key := cursor.Unix()
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}

				slot := Slot{Start: cursor.UTC(), End: cursor.Add(length).UTC()}
				reason := judge(in, slot, cursor.In(loc), dailyFull)
				candidates = append(candidates, Candidate{Slot: slot, Reason: reason})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Start.Before(candidates[j].Start)
	})
	return candidates
}

func judge(in Input, slot Slot, local time.Time, dailyFull bool) Reason {
	if !in.NotBefore.IsZero() && slot.Start.Before(in.NotBefore) {
		return ReasonLeadTime
	}
	if !in.NotAfter.IsZero() && slot.Start.After(in.NotAfter) {
		return ReasonBookingWindow
	}
	if dailyFull {
		return ReasonDailyLimit
	}
	for _, busy := range in.Busy {
		if isOverlapping(slot.Start, slot.End, busy.Start, busy.End) {
			return ReasonBusy
		}
		if in.Buffer > 0 && isOverlapping(slot.Start, slot.End, busy.Start.Add(-in.Buffer), busy.End.Add(in.Buffer)) {
			return ReasonBuffer
		}
	}
	tod := model.NewTimeOfDay(local.Hour(), local.Minute())
	if !in.Preferences.Allows(local.Weekday(), tod) {
		return ReasonStudentPreference
	}
	return ReasonNone
}

func dayPreferred(p *model.StudentAvailability, date model.Date) bool {
	if p == nil {
		return true
	}
	for _, d := range p.PreferredDays {
		if d == date.Weekday() {
			return true
		}
	}
	return false
}

// windowsFor resolves the availability windows of one date: matching
// recurring blocks, then the date's exceptions on top. For a given module
// its specific blocks win over general ones; without a module every block
// contributes.
func windowsFor(date model.Date, moduleID *int64, blocks []model.AvailabilityBlock, exceptions []model.AvailabilityException) []window {
	var general, specific []window
	for _, b := range blocks {
		if !b.ActiveOn(date) || !b.AppliesToModule(moduleID) {
			continue
		}
		w := window{blockID: b.ID, start: b.Start, end: b.End}
		if b.ModuleID != nil {
			specific = append(specific, w)
		} else {
			general = append(general, w)
		}
	}
	windows := general
	switch {
	case moduleID == nil:
		windows = append(windows, specific...)
	case len(specific) > 0:
		windows = specific
	}

	var whole []window
	for _, e := range exceptions {
		if e.Date != date {
			continue
		}
		if e.Blackout() {
			return nil
		}
		if !e.Override() {
			continue
		}
		ow := window{start: *e.Start, end: *e.End}
		if e.AvailabilityID == nil {
			whole = append(whole, ow)
			continue
		}
		for i := range windows {
			if windows[i].blockID == *e.AvailabilityID {
				ow.blockID = windows[i].blockID
				windows[i] = ow
			}
		}
	}
	if len(whole) > 0 {
		return whole
	}
	return windows
}

func countOnDate(busy []model.Interval, date model.Date, loc *time.Location) int {
	n := 0
	for _, b := range busy {
		if model.DateOf(b.Start.In(loc)) == date {
			n++
		}
	}
	return n
}

func isOverlapping(start1, end1, start2, end2 time.Time) bool {
	return start1.Before(end2) && start2.Before(end1)
}

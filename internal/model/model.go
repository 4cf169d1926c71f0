package model

import (
	"slices"
	"time"
)

// RequestStatus is the status of a booking request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestConfirmed RequestStatus = "confirmed"
	RequestRejected  RequestStatus = "rejected"
)

// SessionStatus is the status of a session.
type SessionStatus string

const (
	SessionConfirmed  SessionStatus = "confirmed"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// Blocking reports whether a session in status s occupies the tutor's calendar.
func (s SessionStatus) Blocking() bool {
	return s == SessionConfirmed || s == SessionInProgress
}

// AvailabilityBlock is a weekly window in which a tutor can teach.
type AvailabilityBlock struct {
	ID             string       `json:"id"`
	TutorID        int64        `json:"tutor_id"`
	ModuleID       *int64       `json:"module_id,omitempty"`
	DayOfWeek      time.Weekday `json:"day_of_week" validate:"min=0,max=6"`
	Start          TimeOfDay    `json:"start" validate:"min=0,max=1440"`
	End            TimeOfDay    `json:"end" validate:"min=0,max=1440,gtfield=Start"`
	IsRecurring    bool         `json:"is_recurring"`
	EffectiveFrom  Date         `json:"effective_from"`
	EffectiveUntil *Date        `json:"effective_until,omitempty"`
	Timezone       string       `json:"timezone" validate:"required,timezone"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// AppliesToModule is true for general blocks and for blocks of the given module.
// A nil moduleID means "any module".
func (b AvailabilityBlock) AppliesToModule(moduleID *int64) bool {
	if b.ModuleID == nil || moduleID == nil {
		return true
	}
	return *b.ModuleID == *moduleID
}

// ActiveOn reports whether the block produces a window on d.
func (b AvailabilityBlock) ActiveOn(d Date) bool {
	if !b.EffectiveFrom.IsZero() && d.Before(b.EffectiveFrom) {
		return false
	}
	if b.EffectiveUntil != nil && d.After(*b.EffectiveUntil) {
		return false
	}
	if !b.IsRecurring {
		return d == b.EffectiveFrom
	}
	return d.Weekday() == b.DayOfWeek
}

// AvailabilityException overrides a tutor's availability on one date.
type AvailabilityException struct {
	ID             string     `json:"id"`
	TutorID        int64      `json:"tutor_id"`
	AvailabilityID *string    `json:"availability_id,omitempty"`
	Date           Date       `json:"date"`
	IsAvailable    bool       `json:"is_available"`
	Start          *TimeOfDay `json:"start,omitempty"`
	End            *TimeOfDay `json:"end,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Blackout is a full-day block-out.
func (e AvailabilityException) Blackout() bool { return !e.IsAvailable }

// Override reports whether e replaces the recurring window with its own.
func (e AvailabilityException) Override() bool {
	return e.IsAvailable && e.Start != nil && e.End != nil
}

// StudentAvailability holds a student's preferences for one booking attempt.
type StudentAvailability struct {
	ID               string                 `json:"id"`
	StudentID        int64                  `json:"student_id"`
	BookingRequestID *string                `json:"booking_request_id,omitempty"`
	PreferredDays    []time.Weekday         `json:"preferred_days"`
	PreferredTimes   []TimeBucket           `json:"preferred_times"`
	SpecificHours    map[time.Weekday][]int `json:"specific_hours,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// ModulePreferences are a tutor's booking rules for one module. A stored
// record replaces the configured defaults as a whole.
type ModulePreferences struct {
	TutorID            int64         `json:"tutor_id" validate:"gt=0"`
	ModuleID           int64         `json:"module_id" validate:"gt=0"`
	Buffer             time.Duration `json:"buffer" validate:"gte=0"`
	LeadTime           time.Duration `json:"lead_time" validate:"gte=0"`
	BookingWindow      time.Duration `json:"booking_window" validate:"gte=0"`
	MaxPerDay          int           `json:"max_per_day" validate:"gte=0,lte=24"`
	MinAdvanceDays     int           `json:"min_advance_days" validate:"gte=0,lte=365"`
	CancellationCutoff time.Duration `json:"cancellation_cutoff" validate:"gte=0"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Allows reports whether a slot starting at tod on day fits the preferences.
// A nil receiver allows everything.
func (p *StudentAvailability) Allows(day time.Weekday, tod TimeOfDay) bool {
	if p == nil {
		return true
	}
	if !slices.Contains(p.PreferredDays, day) {
		return false
	}
	if hours, ok := p.SpecificHours[day]; ok && len(hours) > 0 {
		return slices.Contains(hours, tod.Hour())
	}
	return slices.Contains(p.PreferredTimes, BucketOf(tod.Hour()))
}

// BookingRequest is a student's proposal of slots awaiting the tutor.
type BookingRequest struct {
	ID             string        `json:"id"`
	StudentID      int64         `json:"student_id"`
	TutorID        int64         `json:"tutor_id"`
	ModuleID       int64         `json:"module_id"`
	Range          DateRange     `json:"range"`
	ProposedSlots  []time.Time   `json:"proposed_slots"`
	Status         RequestStatus `json:"status"`
	DecisionReason string        `json:"decision_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	RespondedAt    *time.Time    `json:"responded_at,omitempty"`
}

// Proposed reports whether start is one of the proposed slots.
func (r *BookingRequest) Proposed(start time.Time) bool {
	for _, s := range r.ProposedSlots {
		if s.Equal(start) {
			return true
		}
	}
	return false
}

// Session is a confirmed meeting between a student and a tutor.
type Session struct {
	ID                 string        `json:"id"`
	BookingRequestID   string        `json:"booking_request_id"`
	StudentID          int64         `json:"student_id"`
	TutorID            int64         `json:"tutor_id"`
	ModuleID           int64         `json:"module_id"`
	ScheduledStart     time.Time     `json:"scheduled_start"`
	ScheduledEnd       time.Time     `json:"scheduled_end"`
	StudyRoomID        *string       `json:"study_room_id,omitempty"`
	Status             SessionStatus `json:"status"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	CancelledBy        *int64        `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func (s *Session) Interval() Interval {
	return Interval{Start: s.ScheduledStart, End: s.ScheduledEnd}
}

// IsParticipant reports whether userID is the session's student or tutor.
func (s *Session) IsParticipant(userID int64) bool {
	return s.StudentID == userID || s.TutorID == userID
}

// SessionChange is one status transition of a session.
type SessionChange struct {
	To          SessionStatus
	At          time.Time
	CancelledBy *int64
	Reason      string
}

// Apply writes c onto s.
func (s *Session) Apply(c SessionChange) {
	s.Status = c.To
	s.UpdatedAt = c.At
	if c.To == SessionCancelled {
		at := c.At
		s.CancelledAt = &at
		s.CancelledBy = c.CancelledBy
		s.CancellationReason = c.Reason
	}
}

// RequestDecision moves a booking request out of pending.
type RequestDecision struct {
	To     RequestStatus
	Reason string
	At     time.Time
}

// Apply writes d onto r.
func (r *BookingRequest) Apply(d RequestDecision) {
	at := d.At
	r.Status = d.To
	r.DecisionReason = d.Reason
	r.UpdatedAt = at
	r.RespondedAt = &at
}

// AuditEntry is one recorded booking or session outcome.
type AuditEntry struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	ActorID    int64          `json:"actor_id"`
	EntityRef  string         `json:"entity_ref"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

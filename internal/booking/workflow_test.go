package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/availability"
	"tutorly/internal/clock"
	"tutorly/internal/events"
	"tutorly/internal/memstore"
	"tutorly/internal/model"
	"tutorly/internal/session"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tutorID   int64 = 7
	studentID int64 = 100
	moduleID  int64 = 3
	zone            = "Africa/Johannesburg"
)

var (
	johannesburg, _ = time.LoadLocation(zone)
	monday          = model.MustDate("2026-03-30")
	week            = model.DateRange{From: monday, To: monday.AddDays(7)}
)

type auditRecord struct {
	eventType string
	actorID   int64
	ref       string
	detail    map[string]any
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []auditRecord
}

func (r *fakeRecorder) Record(_ context.Context, eventType string, actorID int64, ref string, detail map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, auditRecord{eventType, actorID, ref, detail})
}

func (r *fakeRecorder) all() []auditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auditRecord(nil), r.records...)
}

type fixture struct {
	store     *memstore.Store
	clock     *clock.Fake
	avail     *availability.Service
	lifecycle *session.Lifecycle
	recorder  *fakeRecorder
	wf        *Workflow

	mu     sync.Mutex
	events []events.Event
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		store:    memstore.New(),
		clock:    clock.NewFake(time.Date(2026, 3, 25, 12, 0, 0, 0, time.UTC)),
		recorder: &fakeRecorder{},
	}

	bus := events.NewBus(&logger)
	bus.SubscribeAll(func(_ context.Context, e events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
		return nil
	})

	avail, err := availability.NewService(f.store, f.clock, zone, &logger)
	require.NoError(t, err)
	f.avail = avail
	f.lifecycle = session.NewLifecycle(f.store, nil, bus, f.clock, &logger)
	f.wf = NewWorkflow(Deps{
		Requests:     f.store,
		Sessions:     f.lifecycle,
		Busy:         f.store,
		Modules:      f.store,
		Preferences:  f.store,
		Availability: avail,
		Recorder:     f.recorder,
		Publisher:    bus,
		Clock:        f.clock,
	}, policy, &logger)

	f.store.AssignModule(tutorID, moduleID)
	require.NoError(t, avail.SetAvailability(context.Background(), tutorID, []model.AvailabilityBlock{{
		DayOfWeek:   time.Monday,
		Start:       model.MustTimeOfDay("09:00"),
		End:         model.MustTimeOfDay("11:00"),
		IsRecurring: true,
		Timezone:    zone,
	}}))
	return f
}

func (f *fixture) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func local(hour int) time.Time {
	return time.Date(2026, 3, 30, hour, 0, 0, 0, johannesburg).UTC()
}

func mondayMorning() *model.StudentAvailability {
	return &model.StudentAvailability{
		PreferredDays:  []time.Weekday{time.Monday},
		PreferredTimes: []model.TimeBucket{model.Morning},
	}
}

func (f *fixture) request(t *testing.T, student int64, slots ...time.Time) *model.BookingRequest {
	t.Helper()
	req, err := f.wf.CreateBookingRequest(context.Background(), NewRequest{
		StudentID:     student,
		TutorID:       tutorID,
		ModuleID:      moduleID,
		Range:         week,
		ProposedSlots: slots,
		Preferences:   mondayMorning(),
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) occupy(t *testing.T, start time.Time) *model.Session {
	t.Helper()
	s, err := f.lifecycle.Create(context.Background(), session.NewSession{
		StudentID: 555,
		TutorID:   tutorID,
		ModuleID:  moduleID,
		Start:     start,
		End:       start.Add(time.Hour),
	})
	require.NoError(t, err)
	return s
}

func TestPreviewBookableSlots(t *testing.T) {
	ctx := context.Background()

	t.Run("two morning slots on monday", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		got, err := f.wf.PreviewBookableSlots(ctx, PreviewQuery{
			TutorID:     tutorID,
			ModuleID:    moduleID,
			Range:       model.DateRange{From: monday, To: monday.AddDays(1)},
			Preferences: mondayMorning(),
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, local(9), got[0].Start)
		assert.Equal(t, local(10), got[1].Start)
		assert.Equal(t, local(11), got[1].End)
	})

	t.Run("existing session removes its slot", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		f.occupy(t, local(9))

		got, err := f.wf.PreviewBookableSlots(ctx, PreviewQuery{
			TutorID:     tutorID,
			ModuleID:    moduleID,
			Range:       model.DateRange{From: monday, To: monday.AddDays(1)},
			Preferences: mondayMorning(),
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, local(10), got[0].Start)
	})

	t.Run("stored preferences are used", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		_, err := f.avail.SaveStudentAvailability(ctx, model.StudentAvailability{
			StudentID:      studentID,
			PreferredDays:  []time.Weekday{time.Tuesday},
			PreferredTimes: []model.TimeBucket{model.Morning},
		})
		require.NoError(t, err)

		got, err := f.wf.PreviewBookableSlots(ctx, PreviewQuery{TutorID: tutorID, StudentID: studentID, Range: week})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("store failure degrades to empty calendar", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		f.store.InjectFault("ListBlocks", errors.New("disk gone"))

		got, err := f.wf.PreviewBookableSlots(ctx, PreviewQuery{TutorID: tutorID, Range: week})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("empty range is rejected", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		_, err := f.wf.PreviewBookableSlots(ctx, PreviewQuery{TutorID: tutorID, Range: model.DateRange{From: monday, To: monday}})
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("lead time is explained", func(t *testing.T) {
		policy := DefaultPolicy()
		policy.LeadTime = 24 * time.Hour
		f := newFixture(t, policy)
		f.clock.Set(local(10).Add(-24 * time.Hour))

		got, err := f.wf.ExplainSlots(ctx, PreviewQuery{TutorID: tutorID, Range: model.DateRange{From: monday, To: monday.AddDays(1)}})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.False(t, got[0].Available())
		assert.True(t, got[1].Available())
	})
}

func TestCreateBookingRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("persists a pending request", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(10), local(9), local(10))

		assert.Equal(t, model.RequestPending, req.Status)
		assert.Equal(t, []time.Time{local(9), local(10)}, req.ProposedSlots)
		assert.Equal(t, f.clock.Now().Add(7*24*time.Hour), req.ExpiresAt)

		stored, err := f.store.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, req.ID, stored.ID)

		prefs := f.avail.GetStudentAvailability(ctx, studentID, &req.ID)
		require.NotNil(t, prefs)
		assert.Equal(t, []time.Weekday{time.Monday}, prefs.PreferredDays)

		assert.Contains(t, f.eventTypes(), events.BookingRequested)
		records := f.recorder.all()
		require.Len(t, records, 1)
		assert.Equal(t, AuditCreate, records[0].eventType)
		assert.Equal(t, "success", records[0].detail["outcome"])
		assert.Equal(t, req.ID, records[0].ref)
	})

	tests := []struct {
		name string
		in   NewRequest
	}{
		{"no slots", NewRequest{StudentID: studentID, TutorID: tutorID, ModuleID: moduleID, Range: week}},
		{"missing student", NewRequest{TutorID: tutorID, ModuleID: moduleID, Range: week, ProposedSlots: []time.Time{local(9)}}},
		{"empty range", NewRequest{StudentID: studentID, TutorID: tutorID, ModuleID: moduleID, Range: model.DateRange{From: monday, To: monday}, ProposedSlots: []time.Time{local(9)}}},
		{"module not taught", NewRequest{StudentID: studentID, TutorID: tutorID, ModuleID: 99, Range: week, ProposedSlots: []time.Time{local(9)}}},
		{"slot in the past", NewRequest{StudentID: studentID, TutorID: tutorID, ModuleID: moduleID, Range: week, ProposedSlots: []time.Time{time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}}},
		{"slot outside range", NewRequest{StudentID: studentID, TutorID: tutorID, ModuleID: moduleID, Range: week, ProposedSlots: []time.Time{local(9).AddDate(0, 0, 7)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultPolicy())
			req, err := f.wf.CreateBookingRequest(ctx, tt.in)
			assert.Nil(t, req)
			assert.True(t, apperr.IsValidation(err), "got %v", err)

			records := f.recorder.all()
			require.Len(t, records, 1)
			assert.Equal(t, "failure", records[0].detail["outcome"])
			assert.Equal(t, "validation", records[0].detail["error_kind"])
		})
	}

	t.Run("store failure surfaces", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		f.store.InjectFault("CreateRequest", errors.New("disk full"))

		_, err := f.wf.CreateBookingRequest(ctx, NewRequest{
			StudentID: studentID, TutorID: tutorID, ModuleID: moduleID, Range: week, ProposedSlots: []time.Time{local(9)},
		})
		assert.True(t, apperr.IsStoreFailure(err))
	})
}

type countingAvailability struct {
	*availability.Service
	saves int
}

func (c *countingAvailability) SaveStudentAvailability(ctx context.Context, a model.StudentAvailability) (*model.StudentAvailability, error) {
	c.saves++
	return c.Service.SaveStudentAvailability(ctx, a)
}

func TestCreateBookingRequestPreferences(t *testing.T) {
	ctx := context.Background()
	newRequest := func(prefs *model.StudentAvailability) NewRequest {
		return NewRequest{
			StudentID: studentID, TutorID: tutorID, ModuleID: moduleID, Range: week,
			ProposedSlots: []time.Time{local(9)}, Preferences: prefs,
		}
	}
	withCounter := func(t *testing.T) (*fixture, *countingAvailability) {
		f := newFixture(t, DefaultPolicy())
		c := &countingAvailability{Service: f.avail}
		logger := zerolog.Nop()
		f.wf = NewWorkflow(Deps{
			Requests:     f.store,
			Sessions:     f.lifecycle,
			Busy:         f.store,
			Modules:      f.store,
			Preferences:  f.store,
			Availability: c,
			Recorder:     f.recorder,
			Clock:        f.clock,
		}, DefaultPolicy(), &logger)
		return f, c
	}

	t.Run("request store failure saves no preferences", func(t *testing.T) {
		f, c := withCounter(t)
		f.store.InjectFault("CreateRequest", errors.New("disk full"))

		_, err := f.wf.CreateBookingRequest(ctx, newRequest(mondayMorning()))
		assert.True(t, apperr.IsStoreFailure(err))
		assert.Zero(t, c.saves)
	})

	t.Run("invalid preferences store nothing", func(t *testing.T) {
		f, c := withCounter(t)

		_, err := f.wf.CreateBookingRequest(ctx, newRequest(&model.StudentAvailability{PreferredDays: []time.Weekday{time.Monday}}))
		assert.True(t, apperr.IsValidation(err), "got %v", err)
		assert.Zero(t, c.saves)
		pending, err := f.store.ListRequestsByTutor(ctx, tutorID, model.RequestPending)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("preference store failure withdraws the request", func(t *testing.T) {
		f, c := withCounter(t)
		f.store.InjectFault("SaveStudentAvailability", errors.New("disk full"))

		req, err := f.wf.CreateBookingRequest(ctx, newRequest(mondayMorning()))
		assert.Nil(t, req)
		assert.True(t, apperr.IsStoreFailure(err))
		assert.Equal(t, 1, c.saves)

		pending, err := f.store.ListRequestsByTutor(ctx, tutorID, model.RequestPending)
		require.NoError(t, err)
		assert.Empty(t, pending)
		rejected, err := f.store.ListRequestsByTutor(ctx, tutorID, model.RequestRejected)
		require.NoError(t, err)
		require.Len(t, rejected, 1)
		assert.Equal(t, "preferences could not be stored", rejected[0].DecisionReason)
	})
}

func TestCreateBookingRequestOutcomeLabels(t *testing.T) {
	var got []string
	prev := countRequest
	countRequest = func(outcome string) { got = append(got, outcome) }
	t.Cleanup(func() { countRequest = prev })

	ctx := context.Background()
	f := newFixture(t, DefaultPolicy())

	_, err := f.wf.CreateBookingRequest(ctx, NewRequest{TutorID: tutorID, ModuleID: moduleID, Range: week, ProposedSlots: []time.Time{local(9)}})
	require.Error(t, err)

	f.store.InjectFault("CreateRequest", errors.New("disk full"))
	_, err = f.wf.CreateBookingRequest(ctx, NewRequest{StudentID: studentID, TutorID: tutorID, ModuleID: moduleID, Range: week, ProposedSlots: []time.Time{local(9)}})
	require.Error(t, err)

	f.store.InjectFault("CreateRequest", nil)
	f.request(t, studentID, local(9))

	assert.Equal(t, []string{"invalid", "failed", "created"}, got)
}

func TestConfirmBooking(t *testing.T) {
	ctx := context.Background()

	t.Run("confirms every free slot", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(9), local(10))

		res, err := f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9), local(10)}, tutorID)
		require.NoError(t, err)
		assert.Equal(t, model.RequestConfirmed, res.Request.Status)
		require.Len(t, res.Sessions, 2)
		assert.Empty(t, res.Dropped)
		for _, s := range res.Sessions {
			assert.Equal(t, model.SessionConfirmed, s.Status)
			assert.Equal(t, req.ID, s.BookingRequestID)
		}
		assert.Contains(t, f.eventTypes(), events.BookingConfirmed)
	})

	t.Run("drops the slot taken in the meantime", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(9), local(10))
		f.occupy(t, local(9))

		res, err := f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9), local(10)}, tutorID)
		require.NoError(t, err)
		assert.Equal(t, model.RequestConfirmed, res.Request.Status)
		require.Len(t, res.Sessions, 1)
		assert.Equal(t, local(10), res.Sessions[0].ScheduledStart)
		require.Len(t, res.Dropped, 1)
		assert.Equal(t, local(9), res.Dropped[0].Start)
		assert.Equal(t, DropConflict, res.Dropped[0].Reason)
		assert.Equal(t, apperr.KindConflict, res.Dropped[0].Kind)

		stored, err := f.store.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RequestConfirmed, stored.Status)
	})

	t.Run("rejects when nothing survives", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(9))
		f.occupy(t, local(9))

		res, err := f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9)}, tutorID)
		require.NoError(t, err)
		assert.Equal(t, model.RequestRejected, res.Request.Status)
		assert.Equal(t, ReasonNoSlotSurvived, res.Request.DecisionReason)
		assert.Empty(t, res.Sessions)
		assert.Contains(t, f.eventTypes(), events.BookingRejected)
	})

	t.Run("slots outside the proposal are dropped", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(9))

		res, err := f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9), local(10)}, tutorID)
		require.NoError(t, err)
		require.Len(t, res.Sessions, 1)
		require.Len(t, res.Dropped, 1)
		assert.Equal(t, DropNotProposed, res.Dropped[0].Reason)
		assert.Equal(t, apperr.KindValidation, res.Dropped[0].Kind)
	})

	t.Run("empty approval rejects", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(9))

		res, err := f.wf.ConfirmBooking(ctx, req.ID, nil, tutorID)
		require.NoError(t, err)
		assert.Equal(t, model.RequestRejected, res.Request.Status)
	})

	t.Run("other tutor is forbidden", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(9))

		_, err := f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9)}, tutorID+1)
		assert.True(t, apperr.IsForbidden(err))
	})

	t.Run("second confirmation is an invalid state", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(9))

		_, err := f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9)}, tutorID)
		require.NoError(t, err)
		_, err = f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9)}, tutorID)
		assert.True(t, apperr.IsInvalidState(err))
	})

	t.Run("unknown request", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		_, err := f.wf.ConfirmBooking(ctx, "nope", nil, tutorID)
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("expired request is rejected", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(9))
		f.clock.Advance(7 * 24 * time.Hour)

		_, err := f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9)}, tutorID)
		assert.True(t, apperr.IsInvalidState(err))

		stored, err := f.store.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RequestRejected, stored.Status)
		assert.Equal(t, ReasonExpired, stored.DecisionReason)
	})

	t.Run("failed decision rolls sessions back", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(9))
		f.store.InjectFault("DecideRequest", errors.New("disk full"))

		_, err := f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9)}, tutorID)
		assert.True(t, apperr.IsStoreFailure(err))

		active, err := f.store.ListTutorSessions(ctx, tutorID, local(0), local(23), model.SessionConfirmed, model.SessionInProgress)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("every attempt is audited", func(t *testing.T) {
		f := newFixture(t, DefaultPolicy())
		req := f.request(t, studentID, local(9), local(10))
		f.occupy(t, local(9))

		_, err := f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9), local(10)}, tutorID+1)
		require.Error(t, err)
		_, err = f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9), local(10)}, tutorID)
		require.NoError(t, err)

		var confirms []auditRecord
		for _, r := range f.recorder.all() {
			if r.eventType == AuditConfirm {
				confirms = append(confirms, r)
			}
		}
		require.Len(t, confirms, 2)
		assert.Equal(t, "failure", confirms[0].detail["outcome"])
		assert.Equal(t, "forbidden", confirms[0].detail["error_kind"])
		assert.Equal(t, "success", confirms[1].detail["outcome"])
		dropped, ok := confirms[1].detail["dropped"].([]DroppedSlot)
		require.True(t, ok)
		require.Len(t, dropped, 1)
		assert.Equal(t, DropConflict, dropped[0].Reason)
	})
}

func TestConfirmBookingConcurrentRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultPolicy())

	const students = 8
	reqs := make([]*model.BookingRequest, students)
	for i := range reqs {
		reqs[i] = f.request(t, studentID+int64(i), local(9), local(10))
	}

	var wg sync.WaitGroup
	results := make([]*Confirmation, students)
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.wf.ConfirmBooking(ctx, reqs[i].ID, []time.Time{local(9), local(10)}, tutorID)
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	active, err := f.store.ListTutorSessions(ctx, tutorID, local(0), local(23), model.SessionConfirmed, model.SessionInProgress)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.False(t, active[0].Interval().Overlaps(active[1].Interval()))

	total := 0
	for _, res := range results {
		if res != nil {
			total += len(res.Sessions)
		}
	}
	assert.Equal(t, 2, total)
}

func TestConfirmBookingSameRequestTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultPolicy())
	req := f.request(t, studentID, local(9))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9)}, tutorID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, apperr.IsInvalidState(err), "got %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)

	stored, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	active, err := f.store.ListTutorSessions(ctx, tutorID, local(0), local(23), model.SessionConfirmed)
	require.NoError(t, err)
	if stored.Status == model.RequestConfirmed {
		assert.Len(t, active, 1)
	} else {
		assert.Empty(t, active)
	}
}

func TestRejectBookingRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultPolicy())
	req := f.request(t, studentID, local(9))

	_, err := f.wf.RejectBookingRequest(ctx, req.ID, tutorID+1, "busy")
	assert.True(t, apperr.IsForbidden(err))

	got, err := f.wf.RejectBookingRequest(ctx, req.ID, tutorID, "busy")
	require.NoError(t, err)
	assert.Equal(t, model.RequestRejected, got.Status)
	assert.Equal(t, "busy", got.DecisionReason)
	require.NotNil(t, got.RespondedAt)

	_, err = f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9)}, tutorID)
	assert.True(t, apperr.IsInvalidState(err))

	active, err := f.store.ListTutorSessions(ctx, tutorID, local(0), local(23))
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCancelSession(t *testing.T) {
	ctx := context.Background()

	confirmed := func(t *testing.T, policy Policy) (*fixture, model.Session) {
		f := newFixture(t, policy)
		req := f.request(t, studentID, local(9))
		res, err := f.wf.ConfirmBooking(ctx, req.ID, []time.Time{local(9)}, tutorID)
		require.NoError(t, err)
		require.Len(t, res.Sessions, 1)
		return f, res.Sessions[0]
	}

	t.Run("participant cancels", func(t *testing.T) {
		f, s := confirmed(t, DefaultPolicy())

		got, err := f.wf.CancelSession(ctx, s.ID, studentID, "sick")
		require.NoError(t, err)
		assert.Equal(t, model.SessionCancelled, got.Status)
		assert.Equal(t, "sick", got.CancellationReason)
		require.NotNil(t, got.CancelledBy)
		assert.Equal(t, studentID, *got.CancelledBy)
		require.NotNil(t, got.CancelledAt)

		_, err = f.wf.CancelSession(ctx, s.ID, tutorID, "again")
		assert.True(t, apperr.IsInvalidState(err))
	})

	t.Run("stranger is forbidden", func(t *testing.T) {
		f, s := confirmed(t, DefaultPolicy())
		_, err := f.wf.CancelSession(ctx, s.ID, 4242, "nope")
		assert.True(t, apperr.IsForbidden(err))
	})

	t.Run("cutoff blocks late cancellation", func(t *testing.T) {
		policy := DefaultPolicy()
		policy.CancellationCutoff = 24 * time.Hour
		f, s := confirmed(t, policy)
		f.clock.Set(local(9).Add(-2 * time.Hour))

		_, err := f.wf.CancelSession(ctx, s.ID, studentID, "late")
		assert.True(t, apperr.IsInvalidState(err))
	})
}

func TestExpireStaleRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultPolicy())
	old := f.request(t, studentID, local(9))
	f.clock.Advance(24 * time.Hour)
	fresh := f.request(t, studentID+1, local(10))

	f.clock.Advance(6*24*time.Hour + time.Minute)
	n, err := f.wf.ExpireStaleRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetRequest(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestRejected, stored.Status)
	assert.Equal(t, ReasonExpired, stored.DecisionReason)

	pending := f.wf.PendingRequests(ctx, tutorID)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
	assert.Contains(t, f.eventTypes(), events.BookingExpired)
}

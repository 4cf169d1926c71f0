package audit

import (
	"context"
	"sync"
	"time"

	"tutorly/internal/clock"
	"tutorly/internal/events"
	"tutorly/internal/metrics"
	"tutorly/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder is the fire-and-forget audit sink. Record only enqueues; a
// background loop writes to the journal. Failures are logged and counted,
// never returned.
type Recorder struct {
	journal Journal
	clock   clock.Clock
	queue   chan model.AuditEntry
	logger  zerolog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRecorder creates a recorder; call Start to begin writing.
func NewRecorder(journal Journal, queueSize int, clk clock.Clock, logger *zerolog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if clk == nil {
		clk = clock.Real()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Recorder{
		journal: journal,
		clock:   clk,
		queue:   make(chan model.AuditEntry, queueSize),
		logger:  l.With().Str("component", "audit").Logger(),
	}
}

// Record enqueues one entry. A full queue drops it.
func (r *Recorder) Record(_ context.Context, eventType string, actorID int64, entityRef string, detail map[string]any) {
	entry := model.AuditEntry{
		ID:         uuid.NewString(),
		EventType:  eventType,
		ActorID:    actorID,
		EntityRef:  entityRef,
		Detail:     detail,
		OccurredAt: r.clock.Now().UTC(),
	}
	select {
	case r.queue <- entry:
	default:
		metrics.IncAuditFailure()
		r.logger.Warn().Str("event_type", eventType).Str("entity_ref", entityRef).Msg("audit queue full, entry dropped")
	}
}

// HandleEvent journals a domain event. It is meant for bus subscription.
func (r *Recorder) HandleEvent(ctx context.Context, e events.Event) error {
	detail := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		detail[k] = v
	}
	detail["student_id"] = e.StudentID
	detail["tutor_id"] = e.TutorID
	r.Record(ctx, e.Type, e.ActorID, e.EntityID, detail)
	return nil
}

// Start begins the write loop.
func (r *Recorder) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	stopCh := make(chan struct{})
	r.stopCh = stopCh
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(stopCh)
}

// Stop writes what is queued and ends the loop.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh := r.stopCh
	r.mu.Unlock()

	close(stopCh)
	r.wg.Wait()
}

func (r *Recorder) loop(stopCh <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-stopCh:
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e model.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.journal.InsertAuditEntry(ctx, e); err != nil {
		metrics.IncAuditFailure()
		r.logger.Warn().Err(err).Str("event_type", e.EventType).Str("entity_ref", e.EntityRef).Msg("failed to write audit entry")
	}
}

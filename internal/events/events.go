package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the booking workflow and the session lifecycle.
const (
	BookingRequested = "booking.requested"
	BookingConfirmed = "booking.confirmed"
	BookingRejected  = "booking.rejected"
	BookingExpired   = "booking.expired"

	SessionCreated   = "session.created"
	SessionStarted   = "session.started"
	SessionCompleted = "session.completed"
	SessionCancelled = "session.cancelled"
	SessionReminder  = "session.reminder"
)

// Event is a state-change fact.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	ActorID    int64          `json:"actor_id,omitempty"`
	StudentID  int64          `json:"student_id,omitempty"`
	TutorID    int64          `json:"tutor_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher accepts events. Publishing never fails from the caller's view.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Handler reacts to an event.
type Handler func(ctx context.Context, event Event) error

// Bus provides in-process pub/sub for events.
type Bus struct {
	subscribers map[string][]Handler
	all         []Handler
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewBus constructs an empty bus.
func NewBus(logger *zerolog.Logger) *Bus {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Bus{
		subscribers: make(map[string][]Handler),
		logger:      l.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for the given event types.
func (b *Bus) Subscribe(handler Handler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Publish runs every matching handler synchronously. Handler errors and
// panics are logged and never reach the publisher.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	for _, handler := range handlers {
		if err := b.safeCall(ctx, handler, event); err != nil {
			b.logger.Warn().Err(err).Str("type", event.Type).Str("entity_id", event.EntityID).Msg("event handler failed")
		}
	}
}

func (b *Bus) safeCall(ctx context.Context, handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

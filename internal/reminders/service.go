// Package reminders announces upcoming confirmed sessions to their
// participants once per session.
package reminders

import (
	"context"
	"sync"
	"time"

	"tutorly/internal/clock"
	"tutorly/internal/events"
	"tutorly/internal/metrics"
	"tutorly/internal/model"

	"github.com/rs/zerolog"
)

// Config holds configuration for the reminder service.
type Config struct {
	// CheckInterval is how often upcoming sessions are looked up.
	// Default: 5 minutes.
	CheckInterval time.Duration

	// Before is how long ahead of the session start the reminder goes out.
	// Default: 24 hours.
	Before time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 5 * time.Minute,
		Before:        24 * time.Hour,
	}
}

// SessionSource lists sessions by status and start time.
type SessionSource interface {
	ListSessionsByStatus(ctx context.Context, status model.SessionStatus, from, to time.Time) ([]model.Session, error)
}

// Marker remembers which sessions were already reminded. MarkOnce returns
// true only for the first caller of a key until ttl passes.
type Marker interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Service publishes a reminder event for each confirmed session that
// starts within the configured horizon.
type Service struct {
	config    *Config
	sessions  SessionSource
	marker    Marker
	publisher events.Publisher
	clock     clock.Clock
	logger    zerolog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// NewService creates a reminder service. A nil marker keeps the sent set in memory.
func NewService(config *Config, sessions SessionSource, marker Marker, publisher events.Publisher, clk clock.Clock, logger *zerolog.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 5 * time.Minute
	}
	if config.Before <= 0 {
		config.Before = 24 * time.Hour
	}
	if marker == nil {
		marker = NewMemoryMarker(clk)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Service{
		config:    config,
		sessions:  sessions,
		marker:    marker,
		publisher: publisher,
		clock:     clk,
		logger:    l.With().Str("component", "reminders").Logger(),
	}
}

// Start begins the reminder check loop.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(stopCh)

	s.logger.Info().
		Dur("check_interval", s.config.CheckInterval).
		Dur("before", s.config.Before).
		Msg("reminder service started")
}

// Stop gracefully stops the reminder service.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	s.logger.Info().Msg("reminder service stopped")
}

func (s *Service) loop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	s.runWithTimeout()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.runWithTimeout()
		}
	}
}

func (s *Service) runWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.CheckInterval)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to check upcoming sessions")
	}
}

// RunOnce reminds every not yet reminded session starting in [now, now+Before]
// and returns how many reminders were published.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	upcoming, err := s.sessions.ListSessionsByStatus(ctx, model.SessionConfirmed, now, now.Add(s.config.Before))
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range upcoming {
		sess := &upcoming[i]
		// Keep the mark until the session has started.
		ttl := sess.ScheduledStart.Sub(now) + time.Hour
		first, err := s.marker.MarkOnce(ctx, "tutorly:reminder:"+sess.ID, ttl)
		if err != nil {
			metrics.IncReminder("failed")
			s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to mark reminder")
			continue
		}
		if !first {
			continue
		}

		s.publisher.Publish(ctx, events.Event{
			Type:       events.SessionReminder,
			EntityID:   sess.ID,
			StudentID:  sess.StudentID,
			TutorID:    sess.TutorID,
			OccurredAt: now,
			Data: map[string]any{
				"scheduled_start": sess.ScheduledStart,
				"scheduled_end":   sess.ScheduledEnd,
			},
		})
		metrics.IncReminder("sent")
		sent++
	}

	if sent > 0 {
		s.logger.Info().Int("upcoming", len(upcoming)).Int("sent", sent).Msg("session reminders published")
	}
	return sent, nil
}

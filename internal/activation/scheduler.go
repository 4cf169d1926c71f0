// Package activation promotes Confirmed sessions to InProgress as their
// start time arrives.
package activation

import (
	"context"
	"sync"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/clock"
	"tutorly/internal/metrics"
	"tutorly/internal/model"

	"github.com/rs/zerolog"
)

// Config holds configuration for the activation scheduler.
type Config struct {
	// PollInterval is how often due sessions are looked up.
	// Default: 5 minutes.
	PollInterval time.Duration

	// Window is the look-ahead horizon: sessions starting within
	// [now-Lookback, now+Window] are due.
	// Default: 5 minutes.
	Window time.Duration

	// Lookback optionally extends the window into the past to catch
	// sessions whose start passed while a poll was missed.
	// Default: 0, so the window is [now, now+Window].
	Lookback time.Duration

	// RunTimeout bounds one polling iteration.
	// Default: 2 minutes.
	RunTimeout time.Duration

	// LockKey names the lock that keeps a single replica polling.
	// Default: "tutorly:activation".
	LockKey string
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 5 * time.Minute,
		Window:       5 * time.Minute,
		RunTimeout:   2 * time.Minute,
		LockKey:      "tutorly:activation",
	}
}

// Activator finds and activates due sessions.
type Activator interface {
	DueForActivation(ctx context.Context, from, to time.Time) ([]model.Session, error)
	// Activate reports false without error when the session was already InProgress.
	Activate(ctx context.Context, id string) (bool, error)
}

// Expirer rejects booking requests that outlived their TTL.
type Expirer interface {
	ExpireStaleRequests(ctx context.Context) (int, error)
}

// Locker grants a short-lived exclusive lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Summary counts the outcome of one polling iteration.
type Summary struct {
	Found     int
	Activated int
	Skipped   int
	Failed    int
	Expired   int
	// Locked is true when another replica held the lock.
	Locked bool
}

// Scheduler is the background activation loop.
type Scheduler struct {
	config    *Config
	activator Activator
	expirer   Expirer
	locker    Locker
	clock     clock.Clock
	logger    zerolog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates the scheduler. expirer and locker may be nil.
func NewScheduler(config *Config, activator Activator, expirer Expirer, locker Locker, clk clock.Clock, logger *zerolog.Logger) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Minute
	}
	if config.Window <= 0 {
		config.Window = 5 * time.Minute
	}
	if config.Lookback < 0 {
		config.Lookback = 0
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 2 * time.Minute
	}
	if config.LockKey == "" {
		config.LockKey = "tutorly:activation"
	}
	if clk == nil {
		clk = clock.Real()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}

	return &Scheduler{
		config:    config,
		activator: activator,
		expirer:   expirer,
		locker:    locker,
		clock:     clk,
		logger:    l.With().Str("component", "activation").Logger(),
	}
}

// Start begins the polling loop. The loop also ends when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
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
	go s.loop(ctx, stopCh)

	s.logger.Info().
		Dur("poll_interval", s.config.PollInterval).
		Dur("window", s.config.Window).
		Msg("activation scheduler started")
}

// Stop ends the loop and waits for an in-flight activation to finish.
func (s *Scheduler) Stop() {
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

	s.logger.Info().Msg("activation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one polling iteration. Failures are counted and logged
// per session; they never end the loop.
func (s *Scheduler) RunOnce(ctx context.Context) (sum Summary) {
	metrics.IncActivationRun()
	defer func() {
		metrics.AddActivationSessions("activated", sum.Activated)
		metrics.AddActivationSessions("skipped", sum.Skipped)
		metrics.AddActivationSessions("failed", sum.Failed)
	}()

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, s.config.LockKey, s.config.PollInterval)
		if err != nil {
			s.logger.Warn().Err(err).Msg("activation lock unavailable, polling anyway")
		} else if !ok {
			s.logger.Debug().Msg("activation lock held by another replica")
			sum.Locked = true
			return sum
		} else {
			defer release()
		}
	}

	// Activations run detached so a shutdown never interrupts one half-way.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RunTimeout)
	defer cancel()

	now := s.clock.Now().UTC()
	due, err := s.activator.DueForActivation(runCtx, now.Add(-s.config.Lookback), now.Add(s.config.Window))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load due sessions")
		return sum
	}
	sum.Found = len(due)

	for i := range due {
		if s.stopping(ctx) {
			s.logger.Info().Int("remaining", len(due)-i).Msg("stopping between activations")
			break
		}
		s.activate(runCtx, &due[i], &sum)
	}

	if s.expirer != nil && !s.stopping(ctx) {
		n, err := s.expirer.ExpireStaleRequests(runCtx)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to expire stale booking requests")
		}
		sum.Expired = n
	}

	if sum.Found > 0 || sum.Expired > 0 {
		s.logger.Info().
			Int("found", sum.Found).
			Int("activated", sum.Activated).
			Int("skipped", sum.Skipped).
			Int("failed", sum.Failed).
			Int("expired", sum.Expired).
			Msg("activation run completed")
	}
	return sum
}

func (s *Scheduler) activate(ctx context.Context, sess *model.Session, sum *Summary) {
	activated, err := s.activator.Activate(ctx, sess.ID)
	switch {
	case err == nil && activated:
		sum.Activated++
	case err == nil:
		sum.Skipped++
	case apperr.IsInvalidState(err):
		// Cancelled or started since it was listed.
		sum.Skipped++
		s.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("session no longer activatable")
	default:
		sum.Failed++
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("failed to activate session")
	}
}

func (s *Scheduler) stopping(ctx context.Context) bool {
	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()

	select {
	case <-stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

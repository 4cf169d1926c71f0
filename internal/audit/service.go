package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tutorly/internal/clock"
	"tutorly/internal/model"

	"github.com/rs/zerolog"
)

// Config holds configuration for the monthly report service.
type Config struct {
	// RetentionDays is how many days of journal are kept.
	// Default: 93 days.
	RetentionDays int

	// ExportOnStart runs the export immediately on start.
	ExportOnStart bool

	// Caption prefixes the report message.
	Caption string
}

// DefaultConfig returns the default report configuration.
func DefaultConfig() *Config {
	return &Config{
		RetentionDays: 93,
		Caption:       "Monthly booking audit",
	}
}

var reportColumns = []string{"occurred_at", "event_type", "actor_id", "entity_ref", "outcome", "detail"}

// Service exports the previous month's journal on the first of every month
// and then prunes entries older than the retention period.
type Service struct {
	config  *Config
	journal Journal
	writer  func() ExcelWriter
	sender  DocumentSender
	clock   clock.Clock
	logger  zerolog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewService creates the report service. sender may be nil, in which case
// reports are built but not delivered.
func NewService(config *Config, journal Journal, writerFactory func() ExcelWriter, sender DocumentSender, clk clock.Clock, logger *zerolog.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 93
	}
	if writerFactory == nil {
		writerFactory = NewExcelizeWriter
	}
	if clk == nil {
		clk = clock.Real()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}

	return &Service{
		config:  config,
		journal: journal,
		writer:  writerFactory,
		sender:  sender,
		clock:   clk,
		logger:  l.With().Str("component", "audit_report").Logger(),
	}
}

// Start begins the monthly schedule.
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

	if s.config.ExportOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunExportAndCleanup()
		}()
	}

	s.wg.Add(1)
	go s.loop(stopCh)

	s.logger.Info().Int("retention_days", s.config.RetentionDays).Msg("audit report service started")
}

// Stop gracefully stops the service.
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

	s.logger.Info().Msg("audit report service stopped")
}

func (s *Service) loop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	nextRun := nextFirstOfMonth(s.clock.Now())
	timer := time.NewTimer(nextRun.Sub(s.clock.Now()))
	defer timer.Stop()
	s.logger.Info().Time("next_run", nextRun).Msg("next audit report scheduled")

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			s.RunExportAndCleanup()

			nextRun = nextFirstOfMonth(s.clock.Now())
			timer.Reset(nextRun.Sub(s.clock.Now()))
			s.logger.Info().Time("next_run", nextRun).Msg("next audit report scheduled")
		}
	}
}

func nextFirstOfMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 1, 0, 0, now.Location())
}

// RunExportAndCleanup exports the previous month, then prunes old entries.
func (s *Service) RunExportAndCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := s.ExportMonth(ctx, s.clock.Now().AddDate(0, -1, 0)); err != nil {
		s.logger.Error().Err(err).Msg("failed to export audit report")
	}
	if _, err := s.Cleanup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to prune audit journal")
	}
}

// ExportMonth builds the report for the calendar month containing month
// and hands it to the sender.
func (s *Service) ExportMonth(ctx context.Context, month time.Time) error {
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, month.Location())
	to := from.AddDate(0, 1, 0)

	entries, err := s.journal.ListAuditEntries(ctx, from, to)
	if err != nil {
		return fmt.Errorf("list audit entries: %w", err)
	}

	buf, err := s.render(entries)
	if err != nil {
		return err
	}

	if s.sender == nil {
		s.logger.Info().Int("entries", len(entries)).Msg("audit report built, no sender configured")
		return nil
	}
	filename := ReportFilename(from)
	caption := fmt.Sprintf("%s %s (%d entries)", s.config.Caption, from.Format("January 2006"), len(entries))
	if err := s.sender.SendDocument(ctx, filename, buf, caption); err != nil {
		return fmt.Errorf("send document: %w", err)
	}

	s.logger.Info().Str("filename", filename).Int("entries", len(entries)).Msg("audit report sent")
	return nil
}

func (s *Service) render(entries []model.AuditEntry) (*bytes.Buffer, error) {
	excel := s.writer()
	if err := excel.AddSheet("audit"); err != nil {
		return nil, fmt.Errorf("add sheet: %w", err)
	}
	if err := excel.WriteHeader(reportColumns); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for _, e := range entries {
		outcome, _ := e.Detail["outcome"].(string)
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			detail = []byte(fmt.Sprintf("%v", e.Detail))
		}
		row := []any{e.OccurredAt.UTC().Format(time.RFC3339), e.EventType, e.ActorID, e.EntityRef, outcome, string(detail)}
		if err := excel.WriteRow(row); err != nil {
			s.logger.Error().Err(err).Str("entry_id", e.ID).Msg("failed to write audit row")
		}
	}

	var buf bytes.Buffer
	if err := excel.Save(&buf); err != nil {
		return nil, fmt.Errorf("save excel: %w", err)
	}
	return &buf, nil
}

// Cleanup deletes journal entries older than the retention period.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.config.RetentionDays)
	deleted, err := s.journal.DeleteAuditEntriesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	s.logger.Info().Int64("deleted", deleted).Int("retention_days", s.config.RetentionDays).Msg("pruned audit journal")
	return deleted, nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tutorly/internal/metrics"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
)

// MessageWriter is the subset of *kafka.Writer the forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the broker connection.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	// QueueSize bounds the number of events waiting to be written.
	// Default: 256.
	QueueSize int
}

// NewKafkaWriter builds a writer keyed by entity id so events of one
// session or request stay ordered within a partition.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  compress.Snappy,
		MaxAttempts:  3,
		BatchTimeout: cfg.BatchTimeout,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
	}, nil
}

// Forwarder copies bus events to a broker topic from a background loop so
// publishers never wait on the network.
type Forwarder struct {
	writer  MessageWriter
	queue   chan Event
	logger  zerolog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewForwarder creates a forwarder; call Start before subscribing Handle.
func NewForwarder(writer MessageWriter, queueSize int, logger *zerolog.Logger) *Forwarder {
	if queueSize <= 0 {
		queueSize = 256
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Forwarder{
		writer: writer,
		queue:  make(chan Event, queueSize),
		logger: l.With().Str("component", "kafka_forwarder").Logger(),
	}
}

// Handle enqueues the event. A full queue drops it.
func (f *Forwarder) Handle(_ context.Context, event Event) error {
	select {
	case f.queue <- event:
		return nil
	default:
		metrics.IncEventForwarded("dropped")
		return fmt.Errorf("forward queue full, dropped %s %s", event.Type, event.ID)
	}
}

// Start begins the write loop.
func (f *Forwarder) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	stopCh := make(chan struct{})
	f.stopCh = stopCh
	f.mu.Unlock()

	f.wg.Add(1)
	go f.loop(stopCh)
	f.logger.Info().Msg("event forwarder started")
}

// Stop drains queued events. The writer stays open so the forwarder can be
// started again.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	stopCh := f.stopCh
	f.mu.Unlock()

	close(stopCh)
	f.wg.Wait()
	f.logger.Info().Msg("event forwarder stopped")
}

// Close stops the forwarder and closes the writer.
func (f *Forwarder) Close() error {
	f.Stop()
	if err := f.writer.Close(); err != nil {
		f.logger.Error().Err(err).Msg("close kafka writer")
		return err
	}
	return nil
}

func (f *Forwarder) loop(stopCh <-chan struct{}) {
	defer f.wg.Done()
	for {
		select {
		case event := <-f.queue:
			f.write(event)
		case <-stopCh:
			for {
				select {
				case event := <-f.queue:
					f.write(event)
				default:
					return
				}
			}
		}
	}
}

func (f *Forwarder) write(event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		metrics.IncEventForwarded("error")
		f.logger.Error().Err(err).Str("type", event.Type).Msg("marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.EntityID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		metrics.IncEventForwarded("error")
		f.logger.Error().Err(err).Str("type", event.Type).Str("entity_id", event.EntityID).Msg("forward event")
		return
	}
	metrics.IncEventForwarded("ok")
}

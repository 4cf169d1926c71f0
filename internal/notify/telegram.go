// Package notify tells students and tutors about booking and session
// changes over Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/events"
	"tutorly/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TelegramSender is the part of *tgbotapi.BotAPI the notifier uses.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// ChatDirectory maps users to their Telegram chat.
type ChatDirectory interface {
	ChatID(ctx context.Context, userID int64) (int64, error)
}

// Config holds configuration for the notifier.
type Config struct {
	// Rate is the number of messages per second. Default: 20.
	Rate float64
	// Burst is the token bucket size. Default: 30.
	Burst int
	// QueueSize bounds pending messages. Default: 512.
	QueueSize int
	// MaxRetries applies to rate limited sends. Default: 3.
	MaxRetries int
	// Location renders session times. Default: UTC.
	Location *time.Location
	// AdminChats receive audit reports.
	AdminChats []int64
}

// DefaultConfig returns the default notifier configuration.
func DefaultConfig() *Config {
	return &Config{
		Rate:       20,
		Burst:      30,
		QueueSize:  512,
		MaxRetries: 3,
		Location:   time.UTC,
	}
}

type outgoing struct {
	chatID int64
	text   string
	kind   string
}

// Notifier subscribes to domain events and sends one message per
// participant from a background loop.
type Notifier struct {
	config  *Config
	sender  TelegramSender
	chats   ChatDirectory
	limiter *rate.Limiter
	queue   chan outgoing
	logger  zerolog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a notifier.
func New(sender TelegramSender, chats ChatDirectory, config *Config, logger *zerolog.Logger) *Notifier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Rate <= 0 {
		config.Rate = 20
	}
	if config.Burst <= 0 {
		config.Burst = 30
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 512
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Notifier{
		config:  config,
		sender:  sender,
		chats:   chats,
		limiter: rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
		queue:   make(chan outgoing, config.QueueSize),
		logger:  l.With().Str("component", "notify").Logger(),
	}
}

// Handle turns an event into messages for its participants.
func (n *Notifier) Handle(ctx context.Context, e events.Event) error {
	for _, m := range n.render(e) {
		chatID, err := n.chats.ChatID(ctx, m.userID)
		if err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				n.logger.Warn().Err(err).Int64("user_id", m.userID).Msg("chat lookup failed")
			}
			metrics.IncNotification("no_chat")
			continue
		}
		n.enqueue(outgoing{chatID: chatID, text: m.text, kind: e.Type})
	}
	return nil
}

func (n *Notifier) enqueue(o outgoing) {
	select {
	case n.queue <- o:
	default:
		metrics.IncNotification("dropped")
		n.logger.Warn().Int64("chat_id", o.chatID).Str("kind", o.kind).Msg("notification queue full, message dropped")
	}
}

// SendDocument delivers a file to every admin chat.
func (n *Notifier) SendDocument(ctx context.Context, filename string, data io.Reader, caption string) error {
	if len(n.config.AdminChats) == 0 {
		return fmt.Errorf("no admin chats configured")
	}
	content, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	var errs []error
	for _, chatID := range n.config.AdminChats {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: content})
		doc.Caption = caption
		if err := n.send(ctx, doc); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// Start begins the send loop.
func (n *Notifier) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	stopCh := make(chan struct{})
	n.stopCh = stopCh
	n.mu.Unlock()

	n.wg.Add(1)
	go n.loop(stopCh)
	n.logger.Info().Float64("rate", n.config.Rate).Msg("notifier started")
}

// Stop sends what is queued and ends the loop.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	stopCh := n.stopCh
	n.mu.Unlock()

	close(stopCh)
	n.wg.Wait()
	n.logger.Info().Msg("notifier stopped")
}

func (n *Notifier) loop(stopCh <-chan struct{}) {
	defer n.wg.Done()
	for {
		select {
		case o := <-n.queue:
			n.deliver(o)
		case <-stopCh:
			for {
				select {
				case o := <-n.queue:
					n.deliver(o)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(o outgoing) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg := tgbotapi.NewMessage(o.chatID, o.text)
	if err := n.send(ctx, msg); err != nil {
		metrics.IncNotification("failed")
		n.logger.Warn().Err(err).Int64("chat_id", o.chatID).Str("kind", o.kind).Msg("failed to send notification")
		return
	}
	metrics.IncNotification("sent")
}

// send waits for the limiter and retries when Telegram asks to back off.
func (n *Notifier) send(ctx context.Context, c tgbotapi.Chattable) error {
	var err error
	for attempt := 0; attempt <= n.config.MaxRetries; attempt++ {
		if werr := n.limiter.Wait(ctx); werr != nil {
			return werr
		}
		if _, err = n.sender.Send(c); err == nil {
			return nil
		}

		var tgErr *tgbotapi.Error
		if !errors.As(err, &tgErr) || tgErr.RetryAfter <= 0 {
			return err
		}
		select {
		case <-time.After(time.Duration(tgErr.RetryAfter) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tutorly/internal/activation"
	"tutorly/internal/audit"
	"tutorly/internal/availability"
	"tutorly/internal/booking"
	"tutorly/internal/clock"
	"tutorly/internal/config"
	"tutorly/internal/db"
	"tutorly/internal/events"
	"tutorly/internal/lock"
	"tutorly/internal/memstore"
	"tutorly/internal/metrics"
	"tutorly/internal/notify"
	"tutorly/internal/reminders"
	"tutorly/internal/rooms"
	"tutorly/internal/session"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// store is every persistence contract the core needs; *db.DB and
// *memstore.Store both satisfy it.
type store interface {
	availability.Store
	session.Repository
	booking.RequestRepository
	booking.ModuleDirectory
	booking.PreferenceRepository
	notify.ChatDirectory
	audit.Journal
}

var (
	_ store = (*db.DB)(nil)
	_ store = (*memstore.Store)(nil)
)

type pinger func(ctx context.Context) error

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	cfg, err := config.Load(os.Getenv("TUTORLY_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && cfg.Log.Level != "" {
		logger = logger.Level(level)
	}
	if !cfg.Log.Pretty && cfg.App.Environment == "production" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(logger.GetLevel())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	checks := map[string]pinger{}

	var st store
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn().Msg("using in-memory store, data is lost on exit")
		st = memstore.New()
	default:
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			logger.Fatal().Err(err).Msg("open db error")
		}
		defer database.Close()
		st = database
		checks["db"] = database.PingContext

		backup := db.NewBackupService(database, db.BackupConfig{
			Enabled:       cfg.Backup.Enabled,
			Interval:      cfg.BackupInterval(),
			StoragePath:   cfg.Backup.Path,
			RetentionDays: cfg.Backup.RetentionDays,
		}, clk, &logger)
		go backup.Start(ctx)
	}

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	bus := events.NewBus(&logger)

	if cfg.Kafka.Enabled {
		writer, err := events.NewKafkaWriter(events.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.KafkaTopic(),
			BatchTimeout: 100 * time.Millisecond,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka writer error")
		}
		forwarder := events.NewForwarder(writer, 0, &logger)
		forwarder.Start()
		defer forwarder.Close()
		bus.SubscribeAll(forwarder.Handle)
	}

	var reports audit.DocumentSender
	if cfg.Telegram.BotToken != "" {
		api, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			logger.Fatal().Err(err).Msg("create telegram bot error")
		}
		api.Debug = cfg.Telegram.Debug

		notifier := notify.New(api, st, &notify.Config{
			Rate:       cfg.Telegram.Rate,
			Burst:      cfg.Telegram.Burst,
			Location:   cfg.Location(),
			AdminChats: cfg.Telegram.AdminChats,
		}, &logger)
		notifier.Start()
		defer notifier.Stop()
		bus.SubscribeAll(notifier.Handle)
		if len(cfg.Telegram.AdminChats) > 0 {
			reports = notifier
		}
	} else {
		logger.Warn().Msg("telegram.bot_token not set, notifications disabled")
	}

	var recorder booking.Recorder
	if cfg.Audit.Enabled {
		journal := audit.NewRecorder(st, cfg.Audit.QueueSize, clk, &logger)
		journal.Start()
		defer journal.Stop()
		bus.Subscribe(journal.HandleEvent, events.SessionStarted, events.SessionCompleted)
		recorder = journal

		reportService := audit.NewService(&audit.Config{
			RetentionDays: cfg.Audit.RetentionDays,
			ExportOnStart: cfg.Audit.ExportOnStart,
			Caption:       "Monthly booking audit",
		}, st, nil, reports, clk, &logger)
		reportService.Start()
		defer reportService.Stop()
	}

	var roomController session.RoomController = rooms.Noop{}
	if cfg.Rooms.Enabled {
		client := rooms.NewClient(cfg.Rooms.BaseURL, cfg.Rooms.APIKey, cfg.RoomsTimeout())
		if rdb != nil && cfg.RoomsCacheTTL() > 0 {
			client.UseRedisCache(rdb, cfg.RoomsCacheTTL())
		}
		roomController = client
		checks["rooms"] = client.HealthCheck
	}

	availabilityService, err := availability.NewService(st, clk, cfg.App.DefaultTimezone, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("availability service error")
	}
	lifecycle := session.NewLifecycle(st, roomController, bus, clk, &logger)

	workflow := booking.NewWorkflow(booking.Deps{
		Requests:     st,
		Sessions:     lifecycle,
		Busy:         st,
		Modules:      st,
		Preferences:  st,
		Availability: availabilityService,
		Recorder:     recorder,
		Publisher:    bus,
		Clock:        clk,
	}, booking.Policy{
		SessionLength:      cfg.SessionLength(),
		RequestTTL:         cfg.RequestTTL(),
		Buffer:             cfg.Buffer(),
		LeadTime:           cfg.LeadTime(),
		BookingWindow:      cfg.BookingWindow(),
		MaxPerDay:          cfg.Scheduling.MaxSessionsPerDay,
		MinAdvanceDays:     cfg.Scheduling.MinAdvanceDays,
		CancellationCutoff: cfg.CancellationCutoff(),
	}, &logger)

	var expirer activation.Expirer
	if cfg.Activation.ExpireRequests {
		expirer = workflow
	}
	var locker activation.Locker
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, &logger)
	}
	scheduler := activation.NewScheduler(&activation.Config{
		PollInterval: cfg.PollInterval(),
		Window:       cfg.ActivationWindow(),
		Lookback:     cfg.ActivationLookback(),
		RunTimeout:   cfg.ActivationRunTimeout(),
		LockKey:      cfg.Activation.LockKey,
	}, lifecycle, expirer, locker, clk, &logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.Reminders.Enabled {
		var marker reminders.Marker
		if rdb != nil {
			marker = reminders.NewRedisMarker(rdb)
		}
		reminderService := reminders.NewService(&reminders.Config{
			CheckInterval: cfg.ReminderInterval(),
			Before:        cfg.ReminderBefore(),
		}, st, marker, bus, clk, &logger)
		reminderService.Start()
		defer reminderService.Stop()
	}

	go startHealthServer(ctx, cfg.HealthPort(), checks, &logger)

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		go startMetricsServer(ctx, cfg.PrometheusPort(), &logger)
	}

	logger.Info().Str("driver", cfg.Database.Driver).Msg("tutorly scheduling core started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

func startHealthServer(ctx context.Context, port int, checks map[string]pinger, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(ctxPing); err != nil {
				http.Error(w, name+" not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		Name            string `yaml:"name"`
		Environment     string `yaml:"environment"`
		DefaultTimezone string `yaml:"default_timezone"`
	} `yaml:"app"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	Database struct {
		// Driver is "sqlite" or "memory".
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"database"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		IntervalHours int    `yaml:"interval_hours"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Scheduling struct {
		SessionMinutes            int `yaml:"session_minutes"`
		RequestTTLHours           int `yaml:"request_ttl_hours"`
		BufferMinutes             int `yaml:"buffer_minutes"`
		LeadTimeMinutes           int `yaml:"lead_time_minutes"`
		BookingWindowDays         int `yaml:"booking_window_days"`
		MaxSessionsPerDay         int `yaml:"max_sessions_per_day"`
		MinAdvanceDays            int `yaml:"min_advance_days"`
		CancellationCutoffMinutes int `yaml:"cancellation_cutoff_minutes"`
	} `yaml:"scheduling"`

	Activation struct {
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		WindowSeconds       int    `yaml:"window_seconds"`
		LookbackSeconds     int    `yaml:"lookback_seconds"`
		RunTimeoutSeconds   int    `yaml:"run_timeout_seconds"`
		LockKey             string `yaml:"lock_key"`
		ExpireRequests      bool   `yaml:"expire_requests"`
	} `yaml:"activation"`

	Reminders struct {
		Enabled              bool `yaml:"enabled"`
		CheckIntervalSeconds int  `yaml:"check_interval_seconds"`
		HoursBefore          int  `yaml:"hours_before"`
	} `yaml:"reminders"`

	Rooms struct {
		Enabled         bool   `yaml:"enabled"`
		BaseURL         string `yaml:"base_url"`
		APIKey          string `yaml:"api_key"`
		TimeoutSeconds  int    `yaml:"timeout_seconds"`
		CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	} `yaml:"rooms"`

	Telegram struct {
		BotToken   string  `yaml:"bot_token"`
		Debug      bool    `yaml:"debug"`
		Rate       float64 `yaml:"rate"`
		Burst      int     `yaml:"burst"`
		AdminChats []int64 `yaml:"admin_chats"`
	} `yaml:"telegram"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Audit struct {
		Enabled       bool `yaml:"enabled"`
		RetentionDays int  `yaml:"retention_days"`
		ExportOnStart bool `yaml:"export_on_start"`
		QueueSize     int  `yaml:"queue_size"`
	} `yaml:"audit"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`
}

// Load reads .env (when present) and then the YAML file at path.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" {
		if cfg.Database.Path == "" {
			cfg.Database.Path = "data/tutorly.db"
		}
		if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, err
		}
	}
	if cfg.App.DefaultTimezone == "" {
		cfg.App.DefaultTimezone = "UTC"
	}
	if _, err = time.LoadLocation(cfg.App.DefaultTimezone); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func minutes(v, def int) time.Duration {
	if v <= 0 {
		return time.Duration(def) * time.Minute
	}
	return time.Duration(v) * time.Minute
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(v) * time.Second
}

// optional returns zero for unset values; the policy treats zero as disabled.
func optional(v int, unit time.Duration) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * unit
}

func (c *Config) SessionLength() time.Duration {
	return minutes(c.Scheduling.SessionMinutes, 60)
}

func (c *Config) RequestTTL() time.Duration {
	if c.Scheduling.RequestTTLHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.Scheduling.RequestTTLHours) * time.Hour
}

func (c *Config) Buffer() time.Duration {
	return optional(c.Scheduling.BufferMinutes, time.Minute)
}

func (c *Config) LeadTime() time.Duration {
	return optional(c.Scheduling.LeadTimeMinutes, time.Minute)
}

func (c *Config) BookingWindow() time.Duration {
	return optional(c.Scheduling.BookingWindowDays, 24*time.Hour)
}

func (c *Config) CancellationCutoff() time.Duration {
	return optional(c.Scheduling.CancellationCutoffMinutes, time.Minute)
}

func (c *Config) PollInterval() time.Duration {
	return seconds(c.Activation.PollIntervalSeconds, 300)
}

func (c *Config) ActivationWindow() time.Duration {
	return seconds(c.Activation.WindowSeconds, 300)
}

// ActivationLookback is zero unless configured.
func (c *Config) ActivationLookback() time.Duration {
	return optional(c.Activation.LookbackSeconds, time.Second)
}

func (c *Config) ActivationRunTimeout() time.Duration {
	return seconds(c.Activation.RunTimeoutSeconds, 120)
}

func (c *Config) ReminderInterval() time.Duration {
	return seconds(c.Reminders.CheckIntervalSeconds, 300)
}

func (c *Config) ReminderBefore() time.Duration {
	if c.Reminders.HoursBefore <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Reminders.HoursBefore) * time.Hour
}

func (c *Config) RoomsTimeout() time.Duration {
	return seconds(c.Rooms.TimeoutSeconds, 10)
}

func (c *Config) RoomsCacheTTL() time.Duration {
	return optional(c.Rooms.CacheTTLSeconds, time.Second)
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

func (c *Config) KafkaTopic() string {
	if c.Kafka.Topic == "" {
		return "tutorly.events"
	}
	return c.Kafka.Topic
}

func (c *Config) HealthPort() int {
	if c.Monitoring.HealthCheckPort <= 0 {
		return 8080
	}
	return c.Monitoring.HealthCheckPort
}

func (c *Config) PrometheusPort() int {
	if c.Monitoring.PrometheusPort <= 0 {
		return 9090
	}
	return c.Monitoring.PrometheusPort
}

// Location returns the default tutor timezone, validated by Load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

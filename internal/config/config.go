package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Delivery  DeliveryConfig  `mapstructure:"delivery" yaml:"delivery"`
	Senders   SendersConfig   `mapstructure:"senders" yaml:"senders"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver" yaml:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type QueueConfig struct {
	CooldownWindow time.Duration `mapstructure:"cooldown_window" yaml:"cooldown_window"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	LeaseTimeout   time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"`
	BackoffBase    time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	DayLocation    string        `mapstructure:"day_location" yaml:"day_location"`
}

// Location resolves DayLocation, defaulting to UTC.
func (q QueueConfig) Location() (*time.Location, error) {
	if q.DayLocation == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(q.DayLocation)
}

type DeliveryConfig struct {
	Workers       int               `mapstructure:"workers" yaml:"workers"`
	PollInterval  time.Duration     `mapstructure:"poll_interval" yaml:"poll_interval"`
	Timeout       time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	RatePerSecond float64           `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int               `mapstructure:"burst" yaml:"burst"`
	Routes        map[string]string `mapstructure:"routes" yaml:"routes"`
}

type SendersConfig struct {
	Webhook  WebhookSenderConfig  `mapstructure:"webhook" yaml:"webhook"`
	AMQP     AMQPSenderConfig     `mapstructure:"amqp" yaml:"amqp"`
	Telegram TelegramSenderConfig `mapstructure:"telegram" yaml:"telegram"`
}

type WebhookSenderConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type AMQPSenderConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Queue string `mapstructure:"queue" yaml:"queue"`
}

type TelegramSenderConfig struct {
	Token  string `mapstructure:"token" yaml:"token"`
	APIURL string `mapstructure:"api_url" yaml:"api_url"`
}

type AuthConfig struct {
	AdminToken string `mapstructure:"admin_token" yaml:"admin_token"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Schedule string        `mapstructure:"schedule" yaml:"schedule"`
	LogTTL   time.Duration `mapstructure:"log_ttl" yaml:"log_ttl"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter    string  `mapstructure:"exporter" yaml:"exporter"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

// Load reads .env (if present), the config file and NUDGEQUEUE_* environment
// variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nudgequeue")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nudgequeue")
	}

	setDefaults(v)

	v.SetEnvPrefix("NUDGEQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Storage.Driver == "sqlite" || c.Storage.Driver == "postgres", "storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	check(c.Storage.Driver != "postgres" || c.Storage.Postgres.DSN != "", "storage.postgres.dsn is required for the postgres driver")
	check(c.Queue.CooldownWindow > 0, "queue.cooldown_window must be positive")
	check(c.Queue.MaxRetries > 0, "queue.max_retries must be positive")
	check(c.Queue.BatchSize > 0, "queue.batch_size must be positive")
	check(c.Queue.LeaseTimeout > 0, "queue.lease_timeout must be positive")
	check(c.Queue.BackoffBase > 0, "queue.backoff_base must be positive")
	check(c.Queue.MaxBackoff >= 0, "queue.max_backoff must not be negative")
	check(c.Delivery.Workers > 0, "delivery.workers must be positive")
	check(c.Delivery.PollInterval > 0, "delivery.poll_interval must be positive")
	check(c.Delivery.RatePerSecond >= 0, "delivery.rate_per_second must not be negative")
	check(c.Delivery.Timeout <= 0 || c.Queue.LeaseTimeout > c.Delivery.Timeout,
		"queue.lease_timeout (%s) must exceed delivery.timeout (%s)", c.Queue.LeaseTimeout, c.Delivery.Timeout)
	check(!c.Retention.Enabled || c.Retention.LogTTL > 0, "retention.log_ttl must be positive when retention is enabled")
	check(c.Retention.LogTTL <= 0 || c.Retention.LogTTL >= c.MinLogTTL(),
		"retention.log_ttl (%s) must be at least %s, the cooldown window or one day", c.Retention.LogTTL, c.MinLogTTL())
	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be within [0, 1]")
	if _, err := c.Queue.Location(); err != nil {
		errs = append(errs, fmt.Errorf("queue.day_location: %w", err))
	}

	return errors.Join(errs...)
}

// MinLogTTL is the shortest retention that keeps every log entry the
// cooldown and same-day duplicate checks still read.
func (c *Config) MinLogTTL() time.Duration {
	return max(c.Queue.CooldownWindow, 24*time.Hour)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/nudgequeue.db")
	v.SetDefault("storage.postgres.max_open_conns", 20)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("queue.cooldown_window", 6*time.Hour)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.lease_timeout", 5*time.Minute)
	v.SetDefault("queue.backoff_base", time.Minute)
	v.SetDefault("queue.max_backoff", 24*time.Hour)
	v.SetDefault("queue.day_location", "UTC")

	v.SetDefault("delivery.workers", 4)
	v.SetDefault("delivery.poll_interval", time.Second)
	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("delivery.rate_per_second", 0)
	v.SetDefault("delivery.burst", 1)
	v.SetDefault("delivery.routes", map[string]string{"generic": "log"})

	v.SetDefault("senders.webhook.enabled", true)
	v.SetDefault("senders.amqp.queue", "nudges")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("retention.log_ttl", 90*24*time.Hour)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "nudgequeue")
}

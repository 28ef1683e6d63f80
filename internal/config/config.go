// Package config loads service configuration from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. "__" separates nested keys,
// so DIGEST_SERVER__PORT sets server.port.
const EnvPrefix = "DIGEST_"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	JWT       JWTConfig       `koanf:"jwt"`
	CORS      CORSConfig      `koanf:"cors"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	News      NewsConfig      `koanf:"news"`
	Inference InferenceConfig `koanf:"inference"`
	Email     EmailConfig     `koanf:"email"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"`
	URL             string        `koanf:"url"`
	SQLitePath      string        `koanf:"sqlite_path"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	SecretKey string        `koanf:"secret_key"`
	Issuer    string        `koanf:"issuer"`
	Audience  string        `koanf:"audience"`
	Leeway    time.Duration `koanf:"leeway"`
}

// CORSConfig configures allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// SchedulerConfig configures the workflow engine and the delivery pipeline.
type SchedulerConfig struct {
	Location                string        `koanf:"location"`
	SweepSpec               string        `koanf:"sweep_spec"`
	SweepBatchSize          int           `koanf:"sweep_batch_size"`
	MaxAttempts             int           `koanf:"max_attempts"`
	InitialBackoff          time.Duration `koanf:"initial_backoff"`
	MaxBackoff              time.Duration `koanf:"max_backoff"`
	BackoffMultiplier       float64       `koanf:"backoff_multiplier"`
	StepTimeout             time.Duration `koanf:"step_timeout"`
	RescheduleOnSendFailure bool          `koanf:"reschedule_on_send_failure"`
}

// NewsConfig configures the feed-backed article source.
type NewsConfig struct {
	Feeds             map[string][]string `koanf:"feeds"`
	MaxPerCategory    int                 `koanf:"max_per_category"`
	Lookback          time.Duration       `koanf:"lookback"`
	Timeout           time.Duration       `koanf:"timeout"`
	MaxBodyBytes      int64               `koanf:"max_body_bytes"`
	RequestsPerSecond float64             `koanf:"requests_per_second"`
	SafeClient        bool                `koanf:"safe_client"`
}

// InferenceConfig configures the summarization client.
type InferenceConfig struct {
	APIKey            string        `koanf:"api_key"`
	BaseURL           string        `koanf:"base_url"`
	Model             string        `koanf:"model"`
	Temperature       float32       `koanf:"temperature"`
	MaxTokens         int           `koanf:"max_tokens"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Timeout           time.Duration `koanf:"timeout"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Enabled      bool          `koanf:"enabled"`
	SMTPHost     string        `koanf:"smtp_host"`
	SMTPPort     int           `koanf:"smtp_port"`
	SMTPUser     string        `koanf:"smtp_user"`
	SMTPPassword string        `koanf:"smtp_password"`
	FromAddress  string        `koanf:"from_address"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			SQLitePath:      "digest.db",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			MigrateOnStart:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			Leeway: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Location:          "UTC",
			SweepSpec:         "@every 30s",
			SweepBatchSize:    100,
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        2 * time.Minute,
			BackoffMultiplier: 2.0,
			StepTimeout:       2 * time.Minute,
		},
		News: NewsConfig{
			MaxPerCategory:    10,
			Lookback:          7 * 24 * time.Hour,
			Timeout:           15 * time.Second,
			MaxBodyBytes:      5 << 20,
			RequestsPerSecond: 5,
			SafeClient:        true,
		},
		Inference: InferenceConfig{
			Model:             "gpt-4o",
			Temperature:       0.7,
			RequestsPerSecond: 1,
			Timeout:           90 * time.Second,
		},
		Email: EmailConfig{
			SMTPPort:    587,
			DialTimeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if any),
// then DIGEST_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}

// envKey maps DIGEST_SCHEDULER__MAX_ATTEMPTS to scheduler.max_attempts.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("database.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(c.JWT.SecretKey) < 32 {
		errs = append(errs, errors.New("jwt.secret_key must be at least 32 bytes"))
	}

	if _, err := c.Scheduler.TimeLocation(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.location: %w", err))
	}
	if c.Scheduler.MaxAttempts < 1 {
		errs = append(errs, errors.New("scheduler.max_attempts must be at least 1"))
	}
	if c.Scheduler.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("scheduler.backoff_multiplier must be at least 1"))
	}

	if c.Inference.APIKey == "" {
		errs = append(errs, errors.New("inference.api_key is required"))
	}

	if c.Email.Enabled {
		if c.Email.SMTPHost == "" {
			errs = append(errs, errors.New("email.smtp_host is required when email is enabled"))
		}
		if c.Email.FromAddress == "" {
			errs = append(errs, errors.New("email.from_address is required when email is enabled"))
		}
	}

	return errors.Join(errs...)
}

// TimeLocation resolves the configured time zone used for cadence computation.
func (s SchedulerConfig) TimeLocation() (*time.Location, error) {
	if s.Location == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Location)
}

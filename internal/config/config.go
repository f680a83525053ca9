// Package config loads the pool engine's configuration from a TOML file,
// an optional .env file and POOLENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atmx/pool-engine/internal/address"
	"github.com/atmx/pool-engine/internal/parimutuel"
)

// DefaultProgramID namespaces derived pool and bet addresses.
const DefaultProgramID = "DRNEUsSx9gNre6f6mLFhrHDVRDfD4eMGu68dussziUgi"

// Config is the root configuration.
type Config struct {
	LogLevel string         `toml:"log_level"`
	Server   ServerConfig   `toml:"server"`
	Engine   EngineConfig   `toml:"engine"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Kafka    KafkaConfig    `toml:"kafka"`
	S3       S3Config       `toml:"s3"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port           int      `toml:"port"`
	ReadTimeout    duration `toml:"read_timeout"`
	WriteTimeout   duration `toml:"write_timeout"`
	RequestTimeout duration `toml:"request_timeout"`

	// SignatureWindow bounds the clock skew accepted on signed requests.
	SignatureWindow duration `toml:"signature_window"`
}

// EngineConfig holds the pool parameters fixed for every pool this
// instance creates, and the platform treasury payouts must name. Funder,
// when set, is the only identity allowed to credit accounts.
type EngineConfig struct {
	ProgramID      string   `toml:"program_id"`
	Treasury       string   `toml:"treasury"`
	Funder         string   `toml:"funder"`
	CreatorFeeBps  int      `toml:"creator_fee_bps"`
	PlatformFeeBps int      `toml:"platform_fee_bps"`
	LockTimeout    duration `toml:"lock_timeout"`
}

// PostgresConfig enables the PostgreSQL store when DSN is set.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and, optionally, distributed
// locks when URL is set.
type RedisConfig struct {
	URL              string   `toml:"url"`
	CacheTTL         duration `toml:"cache_ttl"`
	DistributedLocks bool     `toml:"distributed_locks"`
	LockTTL          duration `toml:"lock_ttl"`
}

// KafkaConfig enables event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// S3Config enables settlement archiving when Bucket is set.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			SignatureWindow: duration{2 * time.Minute},
		},
		Engine: EngineConfig{
			ProgramID:      DefaultProgramID,
			CreatorFeeBps:  int(parimutuel.DefaultFeeBps),
			PlatformFeeBps: int(parimutuel.DefaultFeeBps),
			LockTimeout:    duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			LockTTL:  duration{30 * time.Second},
		},
		Kafka: KafkaConfig{
			Topic: "pool-events",
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "settlements/",
		},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.SignatureWindow.Duration <= 0 {
		errs = append(errs, "server: signature_window must be positive")
	}

	// Engine
	if _, err := address.Parse(c.Engine.ProgramID); err != nil {
		errs = append(errs, fmt.Sprintf("engine: program_id: %v", err))
	}
	if t, err := address.Parse(c.Engine.Treasury); err != nil {
		errs = append(errs, fmt.Sprintf("engine: treasury: %v", err))
	} else if t.IsZero() {
		errs = append(errs, "engine: treasury must not be the zero address")
	}
	if c.Engine.Funder != "" {
		if f, err := address.Parse(c.Engine.Funder); err != nil {
			errs = append(errs, fmt.Sprintf("engine: funder: %v", err))
		} else if !f.OnCurve() {
			errs = append(errs, "engine: funder must be a signing identity")
		}
	}
	if _, err := c.FeeSchedule(); err != nil {
		errs = append(errs, fmt.Sprintf("engine: %v", err))
	}
	if c.Engine.LockTimeout.Duration <= 0 {
		errs = append(errs, "engine: lock_timeout must be positive")
	}

	// Redis
	if c.Redis.DistributedLocks && c.Redis.URL == "" {
		errs = append(errs, "redis: distributed_locks requires url")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}
	if c.Redis.DistributedLocks && c.Redis.LockTTL.Duration <= c.Engine.LockTimeout.Duration {
		errs = append(errs, "redis: lock_ttl must exceed engine.lock_timeout")
	}

	// Kafka
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, "kafka: topic must not be empty when brokers are set")
	}

	// S3
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region is required when bucket is set")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// FeeSchedule returns the validated fee rates.
func (c *Config) FeeSchedule() (parimutuel.FeeSchedule, error) {
	cr, pl := c.Engine.CreatorFeeBps, c.Engine.PlatformFeeBps
	if cr < 0 || pl < 0 || cr > parimutuel.BpsDenominator || pl > parimutuel.BpsDenominator {
		return parimutuel.FeeSchedule{}, fmt.Errorf("%w: %d + %d bps", parimutuel.ErrInvalidFees, cr, pl)
	}
	return parimutuel.NewFeeSchedule(uint16(cr), uint16(pl))
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (skipped when path is empty),
// merges it on top of the built-in defaults, applies POOLENGINE_* environment
// variable overrides, and returns the final Config. The returned Config has
// NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from POOLENGINE_* variables that
// are set and non-empty.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "POOLENGINE_LOG_LEVEL")

	// ── Server ──
	setInt(&cfg.Server.Port, "POOLENGINE_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform convention
	setDuration(&cfg.Server.ReadTimeout, "POOLENGINE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "POOLENGINE_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.RequestTimeout, "POOLENGINE_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.SignatureWindow, "POOLENGINE_SERVER_SIGNATURE_WINDOW")

	// ── Engine ──
	setStr(&cfg.Engine.ProgramID, "POOLENGINE_ENGINE_PROGRAM_ID")
	setStr(&cfg.Engine.Treasury, "POOLENGINE_ENGINE_TREASURY")
	setStr(&cfg.Engine.Funder, "POOLENGINE_ENGINE_FUNDER")
	setInt(&cfg.Engine.CreatorFeeBps, "POOLENGINE_ENGINE_CREATOR_FEE_BPS")
	setInt(&cfg.Engine.PlatformFeeBps, "POOLENGINE_ENGINE_PLATFORM_FEE_BPS")
	setDuration(&cfg.Engine.LockTimeout, "POOLENGINE_ENGINE_LOCK_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POOLENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setInt(&cfg.Postgres.MaxConns, "POOLENGINE_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POOLENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "POOLENGINE_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL") // compatibility alias
	setDuration(&cfg.Redis.CacheTTL, "POOLENGINE_REDIS_CACHE_TTL")
	setBool(&cfg.Redis.DistributedLocks, "POOLENGINE_REDIS_DISTRIBUTED_LOCKS")
	setDuration(&cfg.Redis.LockTTL, "POOLENGINE_REDIS_LOCK_TTL")

	// ── Kafka ──
	setStringSlice(&cfg.Kafka.Brokers, "POOLENGINE_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "POOLENGINE_KAFKA_TOPIC")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POOLENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POOLENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "POOLENGINE_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POOLENGINE_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POOLENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POOLENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "POOLENGINE_S3_FORCE_PATH_STYLE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}

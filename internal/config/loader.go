package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STRATFLEET_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STRATFLEET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.BaseURL, "STRATFLEET_ENGINE_BASE_URL")
	setStr(&cfg.Engine.DirectURL, "STRATFLEET_ENGINE_DIRECT_URL")
	setStr(&cfg.Engine.APIKey, "STRATFLEET_ENGINE_API_KEY")
	setStr(&cfg.Engine.APISecret, "STRATFLEET_ENGINE_API_SECRET")
	setDuration(&cfg.Engine.Timeout, "STRATFLEET_ENGINE_TIMEOUT")
	setStringSlice(&cfg.Exchanges, "STRATFLEET_EXCHANGES")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "STRATFLEET_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "STRATFLEET_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "STRATFLEET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STRATFLEET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STRATFLEET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STRATFLEET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STRATFLEET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STRATFLEET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STRATFLEET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STRATFLEET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STRATFLEET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "STRATFLEET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "STRATFLEET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STRATFLEET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STRATFLEET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STRATFLEET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STRATFLEET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STRATFLEET_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "STRATFLEET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "STRATFLEET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STRATFLEET_S3_REGION")
	setStr(&cfg.S3.Bucket, "STRATFLEET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STRATFLEET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STRATFLEET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STRATFLEET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STRATFLEET_S3_FORCE_PATH_STYLE")

	// ── Recovery / monitor ──
	setInt(&cfg.Recovery.MaxAttempts, "STRATFLEET_RECOVERY_MAX_ATTEMPTS")
	setDuration(&cfg.Recovery.InitialBackoff, "STRATFLEET_RECOVERY_INITIAL_BACKOFF")
	setDuration(&cfg.Recovery.MaxBackoff, "STRATFLEET_RECOVERY_MAX_BACKOFF")
	setFloat64(&cfg.Recovery.Multiplier, "STRATFLEET_RECOVERY_MULTIPLIER")
	setDuration(&cfg.Recovery.ConnectTimeout, "STRATFLEET_RECOVERY_CONNECT_TIMEOUT")
	setDuration(&cfg.Monitor.PingInterval, "STRATFLEET_MONITOR_PING_INTERVAL")
	setInt(&cfg.Monitor.FailedAfter, "STRATFLEET_MONITOR_FAILED_AFTER")

	// ── Balancer ──
	setStr(&cfg.Balancer.Algorithm, "STRATFLEET_BALANCER_ALGORITHM")
	setBool(&cfg.Balancer.AutoMigrate, "STRATFLEET_BALANCER_AUTO_MIGRATE")

	// ── Consistency / sync ──
	setBool(&cfg.Consistency.Enabled, "STRATFLEET_CONSISTENCY_ENABLED")
	setBool(&cfg.Consistency.AutoCorrect, "STRATFLEET_CONSISTENCY_AUTO_CORRECT")
	setDuration(&cfg.Consistency.CheckInterval, "STRATFLEET_CONSISTENCY_CHECK_INTERVAL")
	setBool(&cfg.Consistency.ArchiveReports, "STRATFLEET_CONSISTENCY_ARCHIVE_REPORTS")
	setDuration(&cfg.Sync.Interval, "STRATFLEET_SYNC_INTERVAL")
	setBool(&cfg.Sync.DistributedLock, "STRATFLEET_SYNC_DISTRIBUTED_LOCK")

	// ── Failover ──
	setDuration(&cfg.Failover.ManagedTimeout, "STRATFLEET_FAILOVER_MANAGED_TIMEOUT")
	setDuration(&cfg.Failover.DirectTimeout, "STRATFLEET_FAILOVER_DIRECT_TIMEOUT")
	setDuration(&cfg.Failover.HealthCheckInterval, "STRATFLEET_FAILOVER_HEALTH_CHECK_INTERVAL")

	// ── Executor ──
	setBool(&cfg.Executor.Enabled, "STRATFLEET_EXECUTOR_ENABLED")
	setInt(&cfg.Executor.Workers, "STRATFLEET_EXECUTOR_WORKERS")
	setDuration(&cfg.Executor.MaxAge, "STRATFLEET_EXECUTOR_MAX_AGE")

	// ── Coordinator ──
	setStringSlice(&cfg.Coordinator.ArbitragePairs, "STRATFLEET_COORDINATOR_ARBITRAGE_PAIRS")
	setFloat64(&cfg.Coordinator.MinProfitPct, "STRATFLEET_COORDINATOR_MIN_PROFIT_PCT")
	setBool(&cfg.Coordinator.AutoExecuteArbitrage, "STRATFLEET_COORDINATOR_AUTO_EXECUTE_ARBITRAGE")
	setFloat64(&cfg.Coordinator.MaxUnrealizedLoss, "STRATFLEET_COORDINATOR_MAX_UNREALIZED_LOSS")
	setStr(&cfg.Coordinator.QuoteAsset, "STRATFLEET_COORDINATOR_QUOTE_ASSET")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "STRATFLEET_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "STRATFLEET_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "STRATFLEET_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "STRATFLEET_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STRATFLEET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STRATFLEET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STRATFLEET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STRATFLEET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "STRATFLEET_MODE")
	setStr(&cfg.LogLevel, "STRATFLEET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// Package config defines the top-level configuration for the strategy fleet
// coordinator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by STRATFLEET_* environment variables.
type Config struct {
	Engine      EngineConfig      `toml:"engine"`
	Exchanges   []string          `toml:"exchanges"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Recovery    RecoveryConfig    `toml:"recovery"`
	Monitor     MonitorConfig     `toml:"monitor"`
	Balancer    BalancerConfig    `toml:"balancer"`
	Consistency ConsistencyConfig `toml:"consistency"`
	Sync        SyncConfig        `toml:"sync"`
	Failover    FailoverConfig    `toml:"failover"`
	Executor    ExecutorConfig    `toml:"executor"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// EngineConfig points at the remote execution engine API and the direct
// execution endpoint used when the engine's managed path is down.
type EngineConfig struct {
	BaseURL   string   `toml:"base_url"`
	DirectURL string   `toml:"direct_url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"` // signs requests when set
	Timeout   duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RecoveryConfig tunes instance connection recovery.
type RecoveryConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff duration `toml:"initial_backoff"`
	MaxBackoff     duration `toml:"max_backoff"`
	Multiplier     float64  `toml:"multiplier"`
	Jitter         duration `toml:"jitter"`
	ConnectTimeout duration `toml:"connect_timeout"`
	MaxPingAge     duration `toml:"max_ping_age"`
}

// MonitorConfig tunes exchange health pings and fleet refreshes.
type MonitorConfig struct {
	PingInterval    duration `toml:"ping_interval"`
	PingTimeout     duration `toml:"ping_timeout"`
	DegradedAfter   int      `toml:"degraded_after"`
	FailedAfter     int      `toml:"failed_after"`
	DegradedLatency duration `toml:"degraded_latency"`
	FleetRefresh    duration `toml:"fleet_refresh"`
}

// BalancerConfig tunes instance selection and rebalancing.
type BalancerConfig struct {
	// Algorithm is one of "round_robin", "least_loaded", "resource_based".
	Algorithm            string   `toml:"algorithm"`
	MinHealthScore       float64  `toml:"min_health_score"`
	MaxErrorRate         float64  `toml:"max_error_rate"`
	ImbalanceThreshold   float64  `toml:"imbalance_threshold"`
	MaxMigrationFraction float64  `toml:"max_migration_fraction"`
	RebalanceInterval    duration `toml:"rebalance_interval"`
	AutoMigrate          bool     `toml:"auto_migrate"`
}

// ConsistencyConfig tunes the data consistency checker.
type ConsistencyConfig struct {
	Enabled             bool     `toml:"enabled"`
	AutoCorrect         bool     `toml:"auto_correct"`
	CheckInterval       duration `toml:"check_interval"`
	InactivityThreshold duration `toml:"inactivity_threshold"`
	ArchiveReports      bool     `toml:"archive_reports"`
}

// SyncConfig tunes the state synchronizer.
type SyncConfig struct {
	Interval            duration `toml:"interval"`
	PnLTolerance        float64  `toml:"pnl_tolerance"`
	TradeCountTolerance int64    `toml:"trade_count_tolerance"`
	ParamRelTolerance   float64  `toml:"param_rel_tolerance"`
	ParamAbsTolerance   float64  `toml:"param_abs_tolerance"`
	DistributedLock     bool     `toml:"distributed_lock"`
	LockTTL             duration `toml:"lock_ttl"`
}

// FailoverConfig tunes the managed/direct execution failover.
type FailoverConfig struct {
	ManagedTimeout      duration `toml:"managed_timeout"`
	DirectTimeout       duration `toml:"direct_timeout"`
	HealthCheckInterval duration `toml:"health_check_interval"`
}

// ExecutorConfig tunes the signal consumer. It needs Redis.
type ExecutorConfig struct {
	Enabled  bool     `toml:"enabled"`
	DedupTTL duration `toml:"dedup_ttl"`
	MaxAge   duration `toml:"max_age"`
	Workers  int      `toml:"workers"`
}

// CoordinatorConfig tunes multi-exchange coordination.
type CoordinatorConfig struct {
	ArbitragePairs         []string           `toml:"arbitrage_pairs"`
	MinProfitPct           float64            `toml:"min_profit_pct"`
	ArbitrageOrderSize     float64            `toml:"arbitrage_order_size"`
	AutoExecuteArbitrage   bool               `toml:"auto_execute_arbitrage"`
	DetectInterval         duration           `toml:"detect_interval"`
	AdjustInterval         duration           `toml:"adjust_interval"`
	MinSpreadPct           float64            `toml:"min_spread_pct"`
	MinGridSpacingPct      float64            `toml:"min_grid_spacing_pct"`
	SpreadVolatilityFactor float64            `toml:"spread_volatility_factor"`
	QuoteAsset             string             `toml:"quote_asset"`
	PortfolioTargets       map[string]float64 `toml:"portfolio_targets"`
	PortfolioInterval      duration           `toml:"portfolio_interval"`
	RebalanceThresholdPct  float64            `toml:"rebalance_threshold_pct"`
	MinOrderSize           float64            `toml:"min_order_size"`
	MaxOrderSize           float64            `toml:"max_order_size"`
	MaxUnrealizedLoss      float64            `toml:"max_unrealized_loss"`
	EmergencyInterval      duration           `toml:"emergency_interval"`
	DefaultLeverage        int                `toml:"default_leverage"`
	DefaultMarginMode      string             `toml:"default_margin_mode"`
	DefaultPositionMode    string             `toml:"default_position_mode"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds operator HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per client per minute; 0 disables limiting.
	// Limiting needs Redis.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			BaseURL:   "http://localhost:8080",
			DirectURL: "http://localhost:8090",
			Timeout:   duration{10 * time.Second},
		},
		Exchanges: []string{"binance", "bybit", "okx"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stratfleet",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stratfleet-reports",
			ForcePathStyle: true,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:    10,
			InitialBackoff: duration{time.Second},
			MaxBackoff:     duration{time.Minute},
			Multiplier:     2.0,
			Jitter:         duration{time.Second},
			ConnectTimeout: duration{10 * time.Second},
			MaxPingAge:     duration{30 * time.Second},
		},
		Monitor: MonitorConfig{
			PingInterval:    duration{10 * time.Second},
			PingTimeout:     duration{5 * time.Second},
			DegradedAfter:   2,
			FailedAfter:     5,
			DegradedLatency: duration{time.Second},
			FleetRefresh:    duration{30 * time.Second},
		},
		Balancer: BalancerConfig{
			Algorithm:            "resource_based",
			MinHealthScore:       50,
			MaxErrorRate:         0.10,
			ImbalanceThreshold:   0.20,
			MaxMigrationFraction: 0.30,
			RebalanceInterval:    duration{5 * time.Minute},
		},
		Consistency: ConsistencyConfig{
			Enabled:             true,
			AutoCorrect:         true,
			CheckInterval:       duration{5 * time.Minute},
			InactivityThreshold: duration{time.Hour},
		},
		Sync: SyncConfig{
			Interval:            duration{30 * time.Second},
			PnLTolerance:        0.01,
			TradeCountTolerance: 0,
			ParamRelTolerance:   0.001,
			ParamAbsTolerance:   1e-9,
			LockTTL:             duration{30 * time.Second},
		},
		Failover: FailoverConfig{
			ManagedTimeout:      duration{5 * time.Second},
			DirectTimeout:       duration{10 * time.Second},
			HealthCheckInterval: duration{10 * time.Second},
		},
		Coordinator: CoordinatorConfig{
			ArbitragePairs:         []string{"BTC/USDT", "ETH/USDT"},
			MinProfitPct:           0.5,
			ArbitrageOrderSize:     0.01,
			DetectInterval:         duration{5 * time.Second},
			AdjustInterval:         duration{time.Minute},
			MinSpreadPct:           0.1,
			MinGridSpacingPct:      0.2,
			SpreadVolatilityFactor: 2.0,
			QuoteAsset:             "USDT",
			PortfolioTargets:       map[string]float64{},
			PortfolioInterval:      duration{time.Hour},
			RebalanceThresholdPct:  5.0,
			MinOrderSize:           10,
			MaxOrderSize:           10_000,
			MaxUnrealizedLoss:      5_000,
			EmergencyInterval:      duration{10 * time.Second},
			DefaultLeverage:        3,
			DefaultMarginMode:      "isolated",
			DefaultPositionMode:    "one_way",
		},
		Executor: ExecutorConfig{
			Enabled:  true,
			DedupTTL: duration{2 * time.Minute},
			MaxAge:   duration{30 * time.Second},
			Workers:  4,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"recovery-failed", "exchange-status-changed", "group-failed-over", "emergency-stop"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode. "monitor" runs
// health, sync and consistency loops but never places orders on its own.
var validModes = map[string]bool{
	"full":    true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validAlgorithms = map[string]bool{
	"round_robin":    true,
	"least_loaded":   true,
	"resource_based": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.BaseURL == "" {
		errs = append(errs, "engine: base_url must not be empty")
	}
	if c.Engine.DirectURL == "" {
		errs = append(errs, "engine: direct_url must not be empty")
	}
	if c.Engine.Timeout.Duration <= 0 {
		errs = append(errs, "engine: timeout must be > 0")
	}
	if len(c.Exchanges) == 0 {
		errs = append(errs, "exchanges: at least one exchange must be configured")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if c.Sync.DistributedLock && !c.Redis.Enabled {
		errs = append(errs, "sync: distributed_lock requires redis.enabled")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.Consistency.ArchiveReports && !c.S3.Enabled {
		errs = append(errs, "consistency: archive_reports requires s3.enabled")
	}

	// Recovery
	if c.Recovery.MaxAttempts < 1 {
		errs = append(errs, "recovery: max_attempts must be >= 1")
	}
	if c.Recovery.InitialBackoff.Duration <= 0 {
		errs = append(errs, "recovery: initial_backoff must be > 0")
	}
	if c.Recovery.MaxBackoff.Duration < c.Recovery.InitialBackoff.Duration {
		errs = append(errs, "recovery: max_backoff must be >= initial_backoff")
	}
	if c.Recovery.Multiplier < 1 {
		errs = append(errs, "recovery: multiplier must be >= 1")
	}
	if c.Recovery.Jitter.Duration < 0 {
		errs = append(errs, "recovery: jitter must be >= 0")
	}
	if c.Recovery.ConnectTimeout.Duration <= 0 {
		errs = append(errs, "recovery: connect_timeout must be > 0")
	}

	// Monitor
	if c.Monitor.PingInterval.Duration <= 0 {
		errs = append(errs, "monitor: ping_interval must be > 0")
	}
	if c.Monitor.DegradedAfter < 1 || c.Monitor.FailedAfter < c.Monitor.DegradedAfter {
		errs = append(errs, "monitor: need 1 <= degraded_after <= failed_after")
	}

	// Balancer
	if !validAlgorithms[c.Balancer.Algorithm] {
		errs = append(errs, fmt.Sprintf("balancer: unknown algorithm %q (valid: round_robin, least_loaded, resource_based)", c.Balancer.Algorithm))
	}
	if c.Balancer.MaxMigrationFraction <= 0 || c.Balancer.MaxMigrationFraction > 1 {
		errs = append(errs, "balancer: max_migration_fraction must be in (0, 1]")
	}
	if c.Balancer.ImbalanceThreshold <= 0 {
		errs = append(errs, "balancer: imbalance_threshold must be > 0")
	}

	// Sync
	if c.Sync.Interval.Duration <= 0 {
		errs = append(errs, "sync: interval must be > 0")
	}
	if c.Sync.PnLTolerance < 0 || c.Sync.ParamRelTolerance < 0 || c.Sync.ParamAbsTolerance < 0 || c.Sync.TradeCountTolerance < 0 {
		errs = append(errs, "sync: tolerances must be >= 0")
	}

	// Failover
	if c.Failover.ManagedTimeout.Duration <= 0 {
		errs = append(errs, "failover: managed_timeout must be > 0")
	}
	if c.Failover.DirectTimeout.Duration <= 0 {
		errs = append(errs, "failover: direct_timeout must be > 0")
	}
	if c.Failover.HealthCheckInterval.Duration <= 0 {
		errs = append(errs, "failover: health_check_interval must be > 0")
	}

	// Coordinator
	if c.Coordinator.MinProfitPct <= 0 {
		errs = append(errs, "coordinator: min_profit_pct must be > 0")
	}
	if c.Coordinator.MinOrderSize <= 0 || c.Coordinator.MaxOrderSize < c.Coordinator.MinOrderSize {
		errs = append(errs, "coordinator: need 0 < min_order_size <= max_order_size")
	}
	if c.Coordinator.MaxUnrealizedLoss <= 0 {
		errs = append(errs, "coordinator: max_unrealized_loss must be > 0")
	}
	if c.Coordinator.QuoteAsset == "" {
		errs = append(errs, "coordinator: quote_asset must not be empty")
	}
	var targetSum float64
	for asset, pct := range c.Coordinator.PortfolioTargets {
		if pct < 0 || pct > 100 {
			errs = append(errs, fmt.Sprintf("coordinator: portfolio target for %s must be 0-100, got %g", asset, pct))
		}
		targetSum += pct
	}
	if targetSum > 100.0001 {
		errs = append(errs, fmt.Sprintf("coordinator: portfolio targets sum to %g%%, must not exceed 100", targetSum))
	}

	if c.Executor.Enabled && c.Executor.Workers <= 0 {
		errs = append(errs, fmt.Sprintf("executor: workers must be > 0, got %d", c.Executor.Workers))
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, fmt.Sprintf("server: rate_limit must be >= 0, got %d", c.Server.RateLimit))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

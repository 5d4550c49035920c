// Package config defines the service configuration and its validation.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by PARIMUTUEL_* environment variables.
type Config struct {
	Ledger    LedgerConfig    `toml:"ledger"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Chain     ChainConfig     `toml:"chain"`
	Storage   StorageConfig   `toml:"storage"`
	Postgres  PostgresConfig  `toml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Log       LogConfig       `toml:"log"`
	Mode      string          `toml:"mode"`
}

// LedgerConfig holds betting limits and fees. Amounts are decimal strings in
// nano units.
type LedgerConfig struct {
	MinBet               string   `toml:"min_bet"`
	MaxBet               string   `toml:"max_bet"`
	FeeInBps             int      `toml:"fee_in_bps"`
	FeeOutBps            int      `toml:"fee_out_bps"`
	RefundFeeBps         int      `toml:"refund_fee_bps"`
	MaxBetPercent        int      `toml:"max_bet_percent"`
	MaxProbabilityChange int      `toml:"max_probability_change"`
	ChainTimeout         duration `toml:"chain_timeout"`
	// DeployTimeout bounds an escrow deployment including waiting for it to
	// be mined.
	DeployTimeout duration `toml:"deploy_timeout"`
	// DistributedLock adds a Redis mutex on top of the in-process market
	// lock so several API instances serialize bets on the same market.
	DistributedLock bool     `toml:"distributed_lock"`
	LockTTL         duration `toml:"lock_ttl"`
}

// ReconcileConfig controls the periodic chain sync.
type ReconcileConfig struct {
	Enabled      bool     `toml:"enabled"`
	Interval     duration `toml:"interval"`
	BatchSize    int      `toml:"batch_size"`
	FetchTimeout duration `toml:"fetch_timeout"`
	ReportPrefix string   `toml:"report_prefix"`
}

// ChainConfig holds the EVM endpoint and the escrow admin credentials. An
// empty RPCURL disables every chain operation.
type ChainConfig struct {
	RPCURL             string  `toml:"rpc_url"`
	ChainID            int64   `toml:"chain_id"`
	AdminKey           string  `toml:"admin_key"`
	AdminKeyFile       string  `toml:"admin_key_file"`
	AdminKeyPassword   string  `toml:"admin_key_password"`
	EscrowBytecodePath string  `toml:"escrow_bytecode_path"`
	RPCRatePerSec      float64 `toml:"rpc_rate_per_sec"`
	WeiPerUnit         string  `toml:"wei_per_unit"`
}

// StorageConfig selects the store driver.
type StorageConfig struct {
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// SQLiteConfig holds the single-node database path.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	URL        string   `toml:"url"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	CacheTTL   duration `toml:"cache_ttl"`
}

// S3Config holds the report archive bucket.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// RateLimit allows Limit requests per Window per client.
type RateLimit struct {
	Limit  int      `toml:"limit"`
	Window duration `toml:"window"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int       `toml:"port"`
	CORSOrigins     []string  `toml:"cors_origins"`
	APIKey          string    `toml:"api_key"`
	ShutdownTimeout duration  `toml:"shutdown_timeout"`
	APIRate         RateLimit `toml:"api_rate"`
	BetRate         RateLimit `toml:"bet_rate"`
	MarketRate      RateLimit `toml:"market_rate"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSecret     string   `toml:"webhook_secret"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// LogConfig controls the slog handler and optional file rotation.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// duration wraps time.Duration for TOML string values such as "15s".
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

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			MinBet:               "100000000",    // 0.1
			MaxBet:               "100000000000", // 100
			FeeInBps:             50,
			FeeOutBps:            150,
			RefundFeeBps:         50,
			MaxBetPercent:        20,
			MaxProbabilityChange: 10,
			ChainTimeout:         duration{10 * time.Second},
			DeployTimeout:        duration{time.Minute},
			LockTTL:              duration{90 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Enabled:      true,
			Interval:     duration{time.Minute},
			BatchSize:    100,
			FetchTimeout: duration{15 * time.Second},
			ReportPrefix: "reconcile",
		},
		Chain: ChainConfig{
			RPCRatePerSec: 10,
			WeiPerUnit:    "1000000000",
		},
		Storage: StorageConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "parimutuel",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "parimutuel.db"},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "parimutuel",
			CacheTTL:   duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "parimutuel-reports",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:            3001,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeout: duration{10 * time.Second},
			APIRate:         RateLimit{Limit: 100, Window: duration{15 * time.Minute}},
			BetRate:         RateLimit{Limit: 10, Window: duration{time.Minute}},
			MarketRate:      RateLimit{Limit: 5, Window: duration{time.Hour}},
		},
		Notify: NotifyConfig{
			Events:   []string{"contract_deploy_failed", "sync_failed", "outcome_conflict"},
			Cooldown: duration{5 * time.Minute},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Mode: "full",
	}
}

var validModes = map[string]bool{
	"api":       true,
	"reconcile": true,
	"full":      true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: api, reconcile, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		add("log: format must be json or text, got %q", c.Log.Format)
	}

	minBet, minErr := domain.ParseAmount(c.Ledger.MinBet)
	if minErr != nil {
		add("ledger: min_bet: %v", minErr)
	}
	maxBet, maxErr := domain.ParseAmount(c.Ledger.MaxBet)
	if maxErr != nil {
		add("ledger: max_bet: %v", maxErr)
	}
	if minErr == nil && maxErr == nil && minBet.Cmp(maxBet) > 0 {
		add("ledger: min_bet must not exceed max_bet")
	}
	for name, bps := range map[string]int{
		"fee_in_bps":     c.Ledger.FeeInBps,
		"fee_out_bps":    c.Ledger.FeeOutBps,
		"refund_fee_bps": c.Ledger.RefundFeeBps,
	} {
		if bps < 0 || bps > 10_000 {
			add("ledger: %s must be 0-10000, got %d", name, bps)
		}
	}
	// A market created with max_bet_percent or max_probability_change of 0
	// inherits these values, so the global ones cannot themselves be 0.
	if c.Ledger.MaxBetPercent < 1 || c.Ledger.MaxBetPercent > 100 {
		add("ledger: max_bet_percent must be 1-100, got %d", c.Ledger.MaxBetPercent)
	}
	if c.Ledger.MaxProbabilityChange < 1 || c.Ledger.MaxProbabilityChange > 100 {
		add("ledger: max_probability_change must be 1-100, got %d", c.Ledger.MaxProbabilityChange)
	}
	if c.Ledger.ChainTimeout.Duration <= 0 {
		add("ledger: chain_timeout must be positive")
	}
	if c.Ledger.DeployTimeout.Duration <= 0 {
		add("ledger: deploy_timeout must be positive")
	}
	// The market lock is held across chain verification and deployment and
	// is never renewed.
	if ttl := c.Ledger.LockTTL.Duration; ttl <= c.Ledger.ChainTimeout.Duration || ttl <= c.Ledger.DeployTimeout.Duration {
		add("ledger: lock_ttl (%s) must exceed chain_timeout (%s) and deploy_timeout (%s)",
			ttl, c.Ledger.ChainTimeout.Duration, c.Ledger.DeployTimeout.Duration)
	}
	if c.Ledger.DistributedLock && !c.Redis.Enabled {
		add("ledger: distributed_lock requires redis.enabled")
	}

	if c.Reconcile.Enabled {
		if c.Reconcile.Interval.Duration <= 0 {
			add("reconcile: interval must be positive")
		}
		if c.Reconcile.BatchSize < 1 {
			add("reconcile: batch_size must be >= 1")
		}
	}

	if c.Chain.AdminKeyFile != "" && c.Chain.AdminKeyPassword == "" {
		add("chain: admin_key_password is required when admin_key_file is set")
	}
	if c.Chain.WeiPerUnit != "" {
		if n, ok := new(big.Int).SetString(c.Chain.WeiPerUnit, 10); !ok || n.Sign() <= 0 {
			add("chain: wei_per_unit must be a positive integer, got %q", c.Chain.WeiPerUnit)
		}
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			add("sqlite: path must not be empty")
		}
	default:
		add("storage: driver must be postgres or sqlite, got %q", c.Storage.Driver)
	}

	if c.Redis.Enabled && c.Redis.URL == "" && c.Redis.Addr == "" {
		add("redis: addr or url is required when enabled")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	for name, rl := range map[string]RateLimit{
		"api_rate":    c.Server.APIRate,
		"bet_rate":    c.Server.BetRate,
		"market_rate": c.Server.MarketRate,
	} {
		if rl.Limit > 0 && rl.Window.Duration <= 0 {
			add("server: %s.window must be positive", name)
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	s3blob "github.com/alanyoungcy/parimutuel/internal/blob/s3"
	"github.com/alanyoungcy/parimutuel/internal/cache/memory"
	"github.com/alanyoungcy/parimutuel/internal/cache/redis"
	"github.com/alanyoungcy/parimutuel/internal/chain/evm"
	"github.com/alanyoungcy/parimutuel/internal/config"
	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/notify"
	"github.com/alanyoungcy/parimutuel/internal/risk"
	"github.com/alanyoungcy/parimutuel/internal/service"
	"github.com/alanyoungcy/parimutuel/internal/store/postgres"
	"github.com/alanyoungcy/parimutuel/internal/store/sqlite"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	MarketStore domain.MarketStore
	BetStore    domain.BetStore
	AuditStore  domain.AuditStore

	// Caches and messaging. MarketCache and LockManager are nil without Redis.
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus
	Redis       *redis.Client

	// Report archive; nil when S3 is disabled.
	Reports domain.BlobWriter
	S3      *s3blob.Client

	Chain    domain.ChainGateway
	Notifier *notify.Notifier

	Ledger    *service.LedgerService
	Reconcile *service.ReconciliationService
}

// Wire constructs all concrete implementations from cfg and returns them with
// a cleanup function that releases resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{}

	// --- Store ---
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.MarketStore, deps.BetStore, deps.AuditStore = db.Markets(), db.Bets(), db.Audit()
	default:
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		pool := pg.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.BetStore = postgres.NewBetStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis, or in-process fallbacks ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
		deps.MarketCache = redis.NewMarketCache(rc, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.EventBus = redis.NewEventBus(rc)
	} else {
		deps.RateLimiter = memory.NewRateLimiter()
		deps.EventBus = memory.NewEventBus()
	}

	// --- S3 report archive ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = sc
		deps.Reports = s3blob.NewWriter(sc)
	}

	// --- Chain ---
	chain, closeChain, err := wireChain(ctx, cfg.Chain, logger)
	if err != nil {
		return fail("chain", err)
	}
	closers = append(closers, closeChain)
	deps.Chain = chain

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	// --- Services ---
	minBet, err := domain.ParseAmount(cfg.Ledger.MinBet)
	if err != nil {
		return fail("ledger min_bet", err)
	}
	maxBet, err := domain.ParseAmount(cfg.Ledger.MaxBet)
	if err != nil {
		return fail("ledger max_bet", err)
	}
	validator := risk.NewValidator(risk.Limits{
		MinBet:               minBet,
		MaxBet:               maxBet,
		MaxBetPercent:        cfg.Ledger.MaxBetPercent,
		MaxProbabilityChange: cfg.Ledger.MaxProbabilityChange,
	}, logger)

	var locker service.MarketLocker = service.NewLocalLocker()
	if cfg.Ledger.DistributedLock && deps.LockManager != nil {
		locker = service.StackedLocker{
			locker,
			service.NewDistributedLocker(deps.LockManager, cfg.Ledger.LockTTL.Duration, 0),
		}
	}

	deps.Ledger = service.NewLedgerService(
		deps.MarketStore, deps.BetStore, deps.AuditStore,
		deps.MarketCache, deps.EventBus, deps.Chain,
		validator, locker, deps.Notifier,
		service.LedgerConfig{
			FeeInBps:             cfg.Ledger.FeeInBps,
			FeeOutBps:            cfg.Ledger.FeeOutBps,
			RefundFeeBps:         cfg.Ledger.RefundFeeBps,
			MaxBetPercent:        cfg.Ledger.MaxBetPercent,
			MaxProbabilityChange: cfg.Ledger.MaxProbabilityChange,
			ChainTimeout:         cfg.Ledger.ChainTimeout.Duration,
			DeployTimeout:        cfg.Ledger.DeployTimeout.Duration,
		},
		logger,
	)
	deps.Reconcile = service.NewReconciliationService(
		deps.MarketStore, deps.AuditStore,
		deps.MarketCache, deps.EventBus, deps.Chain,
		locker, deps.Reports, deps.Notifier,
		service.ReconcileConfig{
			Interval:     cfg.Reconcile.Interval.Duration,
			BatchSize:    cfg.Reconcile.BatchSize,
			FetchTimeout: cfg.Reconcile.FetchTimeout.Duration,
			ReportPrefix: cfg.Reconcile.ReportPrefix,
		},
		logger,
	)

	return deps, cleanup, nil
}

// wireChain dials the EVM endpoint, or returns the disabled gateway when no
// RPC URL is configured.
func wireChain(ctx context.Context, cc config.ChainConfig, logger *slog.Logger) (domain.ChainGateway, func(), error) {
	if cc.RPCURL == "" {
		logger.WarnContext(ctx, "app: no chain rpc configured, chain operations disabled")
		return evm.Disabled{}, func() {}, nil
	}

	var key *ecdsa.PrivateKey
	kc := evm.KeyConfig{RawHex: cc.AdminKey, File: cc.AdminKeyFile, Password: cc.AdminKeyPassword}
	if kc.Configured() {
		k, err := evm.LoadKey(kc)
		if err != nil {
			return nil, nil, err
		}
		key = k
	} else {
		logger.WarnContext(ctx, "app: no admin key configured, contract deployment disabled")
	}

	var bytecode []byte
	if cc.EscrowBytecodePath != "" {
		code, err := evm.LoadBytecode(cc.EscrowBytecodePath)
		if err != nil {
			return nil, nil, err
		}
		bytecode = code
	}

	// An invalid value leaves scale nil and the gateway uses its default.
	scale, _ := new(big.Int).SetString(cc.WeiPerUnit, 10)
	gw, client, err := evm.Dial(ctx, cc.RPCURL, evm.Config{
		ChainID:    big.NewInt(cc.ChainID),
		Bytecode:   bytecode,
		WeiPerUnit: scale,
		RatePerSec: cc.RPCRatePerSec,
	}, key, logger)
	if err != nil {
		return nil, nil, err
	}
	return gw, client.Close, nil
}

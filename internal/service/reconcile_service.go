package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"golang.org/x/sync/singleflight"
)

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	Interval     time.Duration
	BatchSize    int
	FetchTimeout time.Duration
	// ReportPrefix is the object key prefix for archived run summaries.
	ReportPrefix string
}

// SyncFailure records a market that could not be reconciled in a run.
type SyncFailure struct {
	MarketID int64  `json:"market_id"`
	Error    string `json:"error"`
}

// SyncSummary describes one SyncAll run.
type SyncSummary struct {
	Synced     int           `json:"synced"`
	Failed     int           `json:"failed"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Failures   []SyncFailure `json:"failures,omitempty"`
}

// ReconciliationService overwrites ledger pools and outcomes with the escrow
// contract's state. Only one SyncAll runs at a time.
type ReconciliationService struct {
	markets  domain.MarketStore
	audit    domain.AuditStore
	cache    domain.MarketCache
	bus      domain.EventBus
	chain    domain.ChainGateway
	locker   MarketLocker
	reports  domain.BlobWriter
	notifier Notifier
	cfg      ReconcileConfig
	logger   *slog.Logger
	now      func() time.Time

	flight singleflight.Group
	run    sync.Mutex // held for the duration of a SyncAll
	cursor int        // offset of the next SyncAll batch; guarded by run

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciliationService creates a ReconciliationService. audit, cache,
// bus, reports and notifier may be nil.
func NewReconciliationService(
	markets domain.MarketStore,
	audit domain.AuditStore,
	cache domain.MarketCache,
	bus domain.EventBus,
	chain domain.ChainGateway,
	locker MarketLocker,
	reports domain.BlobWriter,
	notifier Notifier,
	cfg ReconcileConfig,
	logger *slog.Logger,
) *ReconciliationService {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = "reconcile"
	}
	return &ReconciliationService{
		markets:  markets,
		audit:    audit,
		cache:    cache,
		bus:      bus,
		chain:    chain,
		locker:   locker,
		reports:  reports,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "reconcile_service")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SyncOne reconciles a single market. Markets without a contract succeed
// without doing anything. Concurrent calls for the same market share one
// execution, which is detached from any single caller's cancellation and
// bounded by twice the fetch timeout. A caller whose ctx ends first gets
// ctx.Err() while the shared run carries on for the others.
func (s *ReconciliationService) SyncOne(ctx context.Context, id int64) error {
	ch := s.flight.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.cfg.FetchTimeout)
		defer cancel()
		return nil, s.syncOne(sctx, id)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("reconcile_service: sync market %d: %w", id, ctx.Err())
	}
}

func (s *ReconciliationService) syncOne(ctx context.Context, id int64) error {
	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("reconcile_service: get market %d: %w", id, err)
	}
	if !m.HasContract() {
		return nil
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	state, err := s.chain.FetchMarketState(fctx, m.ContractAddress)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrChainUnavailable) {
			return fmt.Errorf("reconcile_service: fetch market %d: %w", id, err)
		}
		return fmt.Errorf("reconcile_service: fetch market %d: %w: %w", id, domain.ErrChainUnavailable, err)
	}

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("reconcile_service: lock market %d: %w", id, err)
	}
	defer unlock()

	cur, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("reconcile_service: reload market %d: %w", id, err)
	}

	prev := cur.Pool()
	if cur.PoolYes.Cmp(state.PoolYes) != 0 || cur.PoolNo.Cmp(state.PoolNo) != 0 {
		cur, err = s.markets.UpdatePool(ctx, id, domain.Pool{Yes: state.PoolYes, No: state.PoolNo}, cur.Version)
		if err != nil {
			return fmt.Errorf("reconcile_service: overwrite pool of market %d: %w", id, err)
		}
	}

	resolved := false
	if state.Outcome != domain.OutcomeNone {
		switch {
		case cur.Status == domain.MarketStatusOpen:
			cur, err = s.markets.Resolve(ctx, id, state.Outcome, s.now())
			if err != nil {
				return fmt.Errorf("reconcile_service: resolve market %d: %w", id, err)
			}
			resolved = true
		case cur.ResolvedOutcome == state.Outcome:
			// Already recorded.
		default:
			s.logger.WarnContext(ctx, "reconcile_service: chain outcome conflicts with ledger",
				slog.Int64("market_id", id),
				slog.String("ledger_status", string(cur.Status)),
				slog.String("ledger_outcome", string(cur.ResolvedOutcome)),
				slog.String("chain_outcome", string(state.Outcome)),
			)
			record(ctx, s.audit, s.logger, EventOutcomeConflict, map[string]any{
				"market_id":      id,
				"ledger_outcome": cur.ResolvedOutcome,
				"chain_outcome":  state.Outcome,
			})
			s.notify(ctx, EventOutcomeConflict, "Chain outcome conflicts with ledger",
				fmt.Sprintf("market %d: ledger %q, chain %q", id, cur.ResolvedOutcome, state.Outcome))
		}
	}

	detail := map[string]any{
		"market_id":     id,
		"prev_pool_yes": prev.Yes.String(),
		"prev_pool_no":  prev.No.String(),
		"pool_yes":      state.PoolYes.String(),
		"pool_no":       state.PoolNo.String(),
		"outcome":       state.Outcome,
		"resolved":      resolved,
	}
	invalidate(ctx, s.cache, s.logger, id)
	publish(ctx, s.bus, s.logger, domain.ChannelSync, EventMarketSynced, detail)
	record(ctx, s.audit, s.logger, EventMarketSynced, detail)

	s.logger.DebugContext(ctx, "reconcile_service: market synced",
		slog.Int64("market_id", id),
		slog.String("pool_yes", state.PoolYes.String()),
		slog.String("pool_no", state.PoolNo.String()),
		slog.Bool("resolved", resolved),
	)
	if resolved {
		s.notify(ctx, EventMarketResolved, "Market resolved on chain",
			fmt.Sprintf("Market #%d %q resolved %s by its contract", id, cur.Title, state.Outcome))
	}
	return nil
}

// SyncAll reconciles one batch of open markets with a contract. Successive
// runs walk through the markets in creation order and wrap around, so every
// market is visited even when there are more than the batch size.
// Individual failures are counted, not returned. It returns
// domain.ErrSyncInProgress when another run has not finished.
func (s *ReconciliationService) SyncAll(ctx context.Context) (SyncSummary, error) {
	if !s.run.TryLock() {
		return SyncSummary{}, domain.ErrSyncInProgress
	}
	defer s.run.Unlock()

	summary := SyncSummary{StartedAt: s.now()}
	markets, err := s.nextBatch(ctx)
	if err != nil {
		return summary, err
	}

	for _, m := range markets {
		if ctx.Err() != nil {
			break
		}
		if err := s.SyncOne(ctx, m.ID); err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, SyncFailure{MarketID: m.ID, Error: err.Error()})
			s.logger.WarnContext(ctx, "reconcile_service: market sync failed",
				slog.Int64("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		summary.Synced++
	}
	summary.FinishedAt = s.now()

	s.logger.InfoContext(ctx, "reconcile_service: sync run finished",
		slog.Int("synced", summary.Synced),
		slog.Int("failed", summary.Failed),
		slog.Duration("took", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	s.archive(ctx, summary)
	if summary.Failed > 0 {
		s.notify(ctx, EventSyncFailed, "Reconciliation failures",
			fmt.Sprintf("%d of %d markets failed to sync", summary.Failed, summary.Failed+summary.Synced))
	}
	return summary, nil
}

// nextBatch lists the markets at the cursor and advances it. A short page
// means the end was reached and the next run starts over.
func (s *ReconciliationService) nextBatch(ctx context.Context) ([]domain.Market, error) {
	list := func(offset int) ([]domain.Market, error) {
		markets, _, err := s.markets.List(ctx, domain.MarketFilter{
			Status:      domain.MarketStatusOpen,
			HasContract: true,
			SortBy:      domain.SortCreatedAt,
			SortAsc:     true,
			Limit:       s.cfg.BatchSize,
			Offset:      offset,
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile_service: list markets: %w", err)
		}
		return markets, nil
	}

	markets, err := list(s.cursor)
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 && s.cursor > 0 {
		// Markets closed since the last run; start over.
		s.cursor = 0
		if markets, err = list(0); err != nil {
			return nil, err
		}
	}
	if len(markets) < s.cfg.BatchSize {
		s.cursor = 0
	} else {
		s.cursor += len(markets)
	}
	return markets, nil
}

// Start launches the periodic loop: one run immediately, then one per
// interval. A non-positive interval uses the configured one. It returns false
// if the loop is already running.
func (s *ReconciliationService) Start(ctx context.Context, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	if interval <= 0 {
		interval = s.cfg.Interval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.loop(loopCtx, interval, done)

	s.logger.InfoContext(ctx, "reconcile_service: started", slog.Duration("interval", interval))
	return true
}

// Stop cancels the loop and waits for it to exit. It is a no-op when the
// loop is not running.
func (s *ReconciliationService) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("reconcile_service: stopped")
}

// Running reports whether the periodic loop is active.
func (s *ReconciliationService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Run starts the loop and blocks until ctx is cancelled. Call in a goroutine.
func (s *ReconciliationService) Run(ctx context.Context) error {
	if !s.Start(ctx, 0) {
		return errors.New("reconcile_service: already running")
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *ReconciliationService) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	s.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ReconciliationService) tick(ctx context.Context) {
	if _, err := s.SyncAll(ctx); err != nil {
		if errors.Is(err, domain.ErrSyncInProgress) {
			s.logger.DebugContext(ctx, "reconcile_service: tick skipped, run in flight")
			return
		}
		s.logger.ErrorContext(ctx, "reconcile_service: sync run failed", slog.String("error", err.Error()))
	}
}

// archive uploads the run summary as JSON.
func (s *ReconciliationService) archive(ctx context.Context, summary SyncSummary) {
	if s.reports == nil {
		return
	}
	body, err := json.Marshal(summary)
	if err != nil {
		s.logger.WarnContext(ctx, "reconcile_service: marshal summary failed", slog.String("error", err.Error()))
		return
	}
	key := fmt.Sprintf("%s/%s/%s.json",
		s.cfg.ReportPrefix,
		summary.StartedAt.Format("2006/01/02"),
		summary.StartedAt.Format("150405.000000000"),
	)
	if err := s.reports.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		s.logger.WarnContext(ctx, "reconcile_service: archive summary failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ReconciliationService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "reconcile_service: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

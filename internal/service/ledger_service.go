package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/pricing"
	"github.com/alanyoungcy/parimutuel/internal/risk"
)

// Audit and bus event names.
const (
	EventBetPlaced        = "bet_placed"
	EventMarketCreated    = "market_created"
	EventMarketResolved   = "market_resolved"
	EventMarketSynced     = "market_synced"
	EventContractDeployed = "contract_deployed"
	EventDeployFailed     = "contract_deploy_failed"
	EventSyncFailed       = "sync_failed"
	EventOutcomeConflict  = "outcome_conflict"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// Notifier delivers operator alerts. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// LedgerConfig holds the fee schedule and chain call budget for the ledger.
type LedgerConfig struct {
	FeeInBps             int
	FeeOutBps            int
	RefundFeeBps         int
	MaxBetPercent        int
	MaxProbabilityChange int
	ChainTimeout         time.Duration
	// DeployTimeout bounds DeployContract, which waits for the creation
	// receipt.
	DeployTimeout time.Duration
}

// BetRequest is an inbound stake. Sender is optional and, when set, must
// match the transaction's signer.
type BetRequest struct {
	UserID      int64
	MarketID    int64
	Side        domain.Side
	AmountGross domain.Amount
	TxHash      string
	Sender      string
}

// MarketDetail is a market with its computed odds.
type MarketDetail struct {
	domain.Market
	Probability  pricing.Odds  `json:"probability"`
	Coefficients *pricing.Odds `json:"coefficients"`
	Total        domain.Amount `json:"total_pool"`
}

// MarketCreation reports a created market and the outcome of its contract
// deployment. DeployError is set when the market exists without a contract.
type MarketCreation struct {
	Market      domain.Market `json:"market"`
	DeployTx    string        `json:"deployment_tx,omitempty"`
	DeployError string        `json:"deploy_error,omitempty"`
}

// Deployed reports whether the contract deployment succeeded.
func (c MarketCreation) Deployed() bool {
	return c.DeployError == ""
}

// LedgerService owns bet placement and the market lifecycle. Every pool or
// status write runs under the market's lock.
type LedgerService struct {
	markets   domain.MarketStore
	bets      domain.BetStore
	audit     domain.AuditStore
	cache     domain.MarketCache
	bus       domain.EventBus
	chain     domain.ChainGateway
	validator *risk.Validator
	locker    MarketLocker
	notifier  Notifier
	cfg       LedgerConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewLedgerService creates a LedgerService. audit, cache, bus and notifier
// may be nil.
func NewLedgerService(
	markets domain.MarketStore,
	bets domain.BetStore,
	audit domain.AuditStore,
	cache domain.MarketCache,
	bus domain.EventBus,
	chain domain.ChainGateway,
	validator *risk.Validator,
	locker MarketLocker,
	notifier Notifier,
	cfg LedgerConfig,
	logger *slog.Logger,
) *LedgerService {
	if cfg.ChainTimeout <= 0 {
		cfg.ChainTimeout = 10 * time.Second
	}
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = time.Minute
	}
	return &LedgerService{
		markets:   markets,
		bets:      bets,
		audit:     audit,
		cache:     cache,
		bus:       bus,
		chain:     chain,
		validator: validator,
		locker:    locker,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "ledger_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateBet validates and records a bet, moving the chosen side's pool by the
// net (post-fee) amount.
func (s *LedgerService) CreateBet(ctx context.Context, req BetRequest) (domain.Bet, error) {
	if _, err := domain.ParseSide(string(req.Side)); err != nil {
		return domain.Bet{}, domain.Reject(err.Error())
	}
	if req.UserID <= 0 {
		return domain.Bet{}, domain.Reject("user id is required")
	}

	snapshot, err := s.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("ledger_service: get market %d: %w", req.MarketID, err)
	}
	if err := s.admit(snapshot, req); err != nil {
		return domain.Bet{}, err
	}

	// Chain verification runs before the lock so a slow RPC never blocks
	// other writers of the market.
	if req.TxHash != "" && snapshot.HasContract() {
		if err := s.verify(ctx, snapshot, req); err != nil {
			return domain.Bet{}, err
		}
	}

	unlock, err := s.locker.Lock(ctx, req.MarketID)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("ledger_service: lock market %d: %w", req.MarketID, err)
	}
	defer unlock()

	m, err := s.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("ledger_service: reload market %d: %w", req.MarketID, err)
	}
	if err := s.admit(m, req); err != nil {
		return domain.Bet{}, err
	}
	if m.ContractAddress != snapshot.ContractAddress {
		return domain.Bet{}, fmt.Errorf("ledger_service: market %d contract changed during placement: %w", m.ID, domain.ErrConflict)
	}

	price := pricing.SideProbability(m, req.Side)
	fee, net := pricing.FeeIn(req.AmountGross, s.cfg.FeeInBps)
	pool := m.Pool().With(req.Side, net)

	status := domain.BetStatusPending
	if req.TxHash != "" {
		status = domain.BetStatusConfirmed
	}

	bet, err := s.bets.Place(ctx, domain.Bet{
		MarketID:    m.ID,
		UserID:      req.UserID,
		Side:        req.Side,
		AmountGross: req.AmountGross,
		AmountNet:   net,
		FeeIn:       fee,
		TxHash:      req.TxHash,
		Status:      status,
		Price:       price,
		CreatedAt:   s.now(),
	}, pool, m.Version)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("ledger_service: place bet on market %d: %w", m.ID, err)
	}

	s.logger.InfoContext(ctx, "ledger_service: bet placed",
		slog.Int64("bet_id", bet.ID),
		slog.Int64("market_id", m.ID),
		slog.Int64("user_id", req.UserID),
		slog.String("side", string(req.Side)),
		slog.String("gross", req.AmountGross.String()),
		slog.String("net", net.String()),
		slog.Float64("price", price),
	)

	s.afterWrite(ctx, m.ID, domain.ChannelBets, EventBetPlaced, map[string]any{
		"bet_id":    bet.ID,
		"market_id": m.ID,
		"user_id":   req.UserID,
		"side":      req.Side,
		"gross":     req.AmountGross.String(),
		"net":       net.String(),
		"fee_in":    fee.String(),
		"price":     price,
		"pool_yes":  pool.Yes.String(),
		"pool_no":   pool.No.String(),
		"tx_hash":   req.TxHash,
	})
	return bet, nil
}

// admit runs the status and size checks against m.
func (s *LedgerService) admit(m domain.Market, req BetRequest) error {
	if m.Status != domain.MarketStatusOpen {
		return domain.Reject("market is not open")
	}
	if !m.EndTime.IsZero() && !s.now().Before(m.EndTime) {
		return domain.Reject("market has ended")
	}
	return s.validator.Validate(m, req.AmountGross, req.Side)
}

// verify fails closed: errors, timeouts and a false result all reject.
func (s *LedgerService) verify(ctx context.Context, m domain.Market, req BetRequest) error {
	vctx, cancel := context.WithTimeout(ctx, s.cfg.ChainTimeout)
	defer cancel()

	ok, err := s.chain.VerifyTransaction(vctx, req.TxHash, m.ContractAddress, req.AmountGross, req.Sender)
	if err != nil {
		s.logger.WarnContext(ctx, "ledger_service: transaction verification errored",
			slog.Int64("market_id", m.ID),
			slog.String("tx_hash", req.TxHash),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ledger_service: verify %s: %w: %v", req.TxHash, domain.ErrChainVerification, err)
	}
	if !ok {
		return fmt.Errorf("ledger_service: verify %s: %w", req.TxHash, domain.ErrChainVerification)
	}
	return nil
}

// GetMarket retrieves a market by ID, checking the cache first and falling
// back to the persistent store on a cache miss.
func (s *LedgerService) GetMarket(ctx context.Context, id int64) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}

	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger_service: get market %d: %w", id, err)
	}

	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
			s.logger.WarnContext(ctx, "ledger_service: cache set failed",
				slog.Int64("market_id", id),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return m, nil
}

// GetMarketDetail returns the market with its probability and coefficients.
func (s *LedgerService) GetMarketDetail(ctx context.Context, id int64) (MarketDetail, error) {
	m, err := s.GetMarket(ctx, id)
	if err != nil {
		return MarketDetail{}, err
	}
	return Detail(m), nil
}

// Detail computes the odds view of m.
func Detail(m domain.Market) MarketDetail {
	d := MarketDetail{
		Market:      m,
		Probability: pricing.Probability(m),
		Total:       m.TotalPool(),
	}
	if c, ok := pricing.Coefficients(m); ok {
		d.Coefficients = &c
	}
	return d
}

// ListMarkets returns a page of markets and the total number matching f.
func (s *LedgerService) ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, int64, error) {
	f.Limit, f.Offset = clampPage(f.Limit, f.Offset)
	if sortBy, ok := domain.ParseMarketSort(string(f.SortBy)); ok {
		f.SortBy = sortBy
	} else {
		return nil, 0, domain.Reject(fmt.Sprintf("cannot sort by %q", f.SortBy))
	}

	markets, total, err := s.markets.List(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger_service: list markets: %w", err)
	}
	return markets, total, nil
}

// ListUserBets returns a user's bets, newest first.
func (s *LedgerService) ListUserBets(ctx context.Context, userID int64, f domain.BetFilter) ([]domain.Bet, int64, error) {
	f.Limit, f.Offset = clampPage(f.Limit, f.Offset)
	bets, total, err := s.bets.ListByUser(ctx, userID, f)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger_service: list bets for user %d: %w", userID, err)
	}
	return bets, total, nil
}

// GetBet returns a single bet.
func (s *LedgerService) GetBet(ctx context.Context, id int64) (domain.Bet, error) {
	b, err := s.bets.GetByID(ctx, id)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("ledger_service: get bet %d: %w", id, err)
	}
	return b, nil
}

// ResolveMarket records the outcome of an open market. A market that is
// absent or not open yields domain.ErrNotFound.
func (s *LedgerService) ResolveMarket(ctx context.Context, id int64, outcome domain.Outcome) (domain.Market, error) {
	if _, err := domain.ParseOutcome(string(outcome)); err != nil {
		return domain.Market{}, domain.Reject(err.Error())
	}

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger_service: lock market %d: %w", id, err)
	}
	m, err := s.markets.Resolve(ctx, id, outcome, s.now())
	unlock()
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger_service: resolve market %d: %w", id, err)
	}

	s.logger.InfoContext(ctx, "ledger_service: market resolved",
		slog.Int64("market_id", id),
		slog.String("outcome", string(outcome)),
	)
	s.afterWrite(ctx, id, domain.ChannelMarkets, EventMarketResolved, map[string]any{
		"market_id": id,
		"outcome":   outcome,
		"source":    "manual",
	})
	s.notify(ctx, EventMarketResolved, "Market resolved",
		fmt.Sprintf("Market #%d %q resolved %s", id, m.Title, strings.ToUpper(string(outcome))))
	return m, nil
}

// CreateMarket inserts a market and deploys its escrow contract. A failed
// deployment still returns the market, with DeployError set.
func (s *LedgerService) CreateMarket(ctx context.Context, nm domain.NewMarket) (MarketCreation, error) {
	nm.Title = strings.TrimSpace(nm.Title)
	if nm.Title == "" {
		return MarketCreation{}, domain.Reject("title is required")
	}
	if nm.EndTime.IsZero() {
		return MarketCreation{}, domain.Reject("end time is required")
	}
	if !nm.EndTime.After(s.now()) {
		return MarketCreation{}, domain.Reject("end time must be in the future")
	}
	if nm.MaxBetPercent < 0 || nm.MaxBetPercent > 100 {
		return MarketCreation{}, domain.Reject("max bet percent must be between 0 and 100")
	}
	if nm.MaxProbabilityChange < 0 || nm.MaxProbabilityChange > 100 {
		return MarketCreation{}, domain.Reject("max probability change must be between 0 and 100")
	}
	if nm.RefundFeeBps == 0 {
		nm.RefundFeeBps = s.cfg.RefundFeeBps
	}
	if nm.MaxBetPercent == 0 {
		nm.MaxBetPercent = s.cfg.MaxBetPercent
	}
	if nm.MaxProbabilityChange == 0 {
		nm.MaxProbabilityChange = s.cfg.MaxProbabilityChange
	}

	m, err := s.markets.Create(ctx, nm)
	if err != nil {
		return MarketCreation{}, fmt.Errorf("ledger_service: create market: %w", err)
	}
	s.logger.InfoContext(ctx, "ledger_service: market created",
		slog.Int64("market_id", m.ID),
		slog.String("title", m.Title),
	)
	s.afterWrite(ctx, m.ID, domain.ChannelMarkets, EventMarketCreated, map[string]any{
		"market_id":  m.ID,
		"creator_id": m.CreatorID,
		"title":      m.Title,
	})

	unlock, err := s.locker.Lock(ctx, m.ID)
	if err != nil {
		return MarketCreation{Market: m, DeployError: err.Error()}, nil
	}
	defer unlock()
	return s.deploy(ctx, m), nil
}

// RetryDeployment deploys the contract for an open market that has none.
func (s *LedgerService) RetryDeployment(ctx context.Context, id int64) (MarketCreation, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return MarketCreation{}, fmt.Errorf("ledger_service: lock market %d: %w", id, err)
	}
	defer unlock()

	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return MarketCreation{}, fmt.Errorf("ledger_service: get market %d: %w", id, err)
	}
	if m.HasContract() {
		return MarketCreation{}, fmt.Errorf("ledger_service: market %d: %w", id, domain.ErrAlreadyDeployed)
	}
	if m.Status != domain.MarketStatusOpen {
		return MarketCreation{}, domain.Reject("market is not open")
	}

	c := s.deploy(ctx, m)
	if !c.Deployed() {
		return c, fmt.Errorf("ledger_service: deploy contract for market %d: %s", id, c.DeployError)
	}
	return c, nil
}

// deploy must be called with the market lock held.
func (s *LedgerService) deploy(ctx context.Context, m domain.Market) MarketCreation {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DeployTimeout)
	defer cancel()

	d, err := s.chain.DeployContract(dctx, m.ID, s.cfg.FeeInBps, s.cfg.FeeOutBps)
	if err == nil {
		var updated domain.Market
		updated, err = s.markets.SetContract(ctx, m.ID, d.Address, s.now())
		if err == nil {
			s.logger.InfoContext(ctx, "ledger_service: contract deployed",
				slog.Int64("market_id", m.ID),
				slog.String("address", d.Address),
				slog.String("tx_hash", d.TxHash),
			)
			s.afterWrite(ctx, m.ID, domain.ChannelMarkets, EventContractDeployed, map[string]any{
				"market_id": m.ID,
				"address":   d.Address,
				"tx_hash":   d.TxHash,
			})
			return MarketCreation{Market: updated, DeployTx: d.TxHash}
		}
	}

	s.logger.ErrorContext(ctx, "ledger_service: contract deployment failed",
		slog.Int64("market_id", m.ID),
		slog.String("error", err.Error()),
	)
	s.recordAudit(ctx, EventDeployFailed, map[string]any{
		"market_id": m.ID,
		"error":     err.Error(),
	})
	s.notify(ctx, EventDeployFailed, "Contract deployment failed",
		fmt.Sprintf("Market #%d %q has no contract: %v", m.ID, m.Title, err))
	return MarketCreation{Market: m, DeployError: err.Error()}
}

// afterWrite invalidates the cache, publishes the event and appends the audit
// row. None of these may fail the write that preceded them.
func (s *LedgerService) afterWrite(ctx context.Context, marketID int64, channel, event string, detail map[string]any) {
	invalidate(ctx, s.cache, s.logger, marketID)
	publish(ctx, s.bus, s.logger, channel, event, detail)
	s.recordAudit(ctx, event, detail)
}

func (s *LedgerService) recordAudit(ctx context.Context, event string, detail map[string]any) {
	record(ctx, s.audit, s.logger, event, detail)
}

func (s *LedgerService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "ledger_service: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func invalidate(ctx context.Context, cache domain.MarketCache, logger *slog.Logger, marketID int64) {
	if cache == nil {
		return
	}
	if err := cache.Invalidate(ctx, marketID); err != nil {
		// Non-fatal: the entry expires on its own.
		logger.WarnContext(ctx, "service: cache invalidate failed",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

func publish(ctx context.Context, bus domain.EventBus, logger *slog.Logger, channel, event string, detail map[string]any) {
	if bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"event": event, "data": detail})
	if err != nil {
		logger.WarnContext(ctx, "service: event marshal failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	if err := bus.Publish(ctx, channel, payload); err != nil {
		logger.WarnContext(ctx, "service: event publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func record(ctx context.Context, audit domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if audit == nil {
		return
	}
	if err := audit.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

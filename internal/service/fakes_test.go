package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory MarketStore, BetStore and AuditStore. Pool
// writes enforce the version check the real stores do.
type memStore struct {
	mu      sync.Mutex
	markets map[int64]domain.Market
	bets    []domain.Bet
	audit   []domain.AuditEntry
	nextID  int64
	// readDelay widens the window between a read and the following write.
	readDelay time.Duration
}

func newMemStore() *memStore {
	return &memStore{markets: make(map[int64]domain.Market)}
}

func (s *memStore) put(m domain.Market) domain.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		s.nextID++
		m.ID = s.nextID
	}
	s.markets[m.ID] = m
	return m
}

func (s *memStore) market(id int64) domain.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markets[id]
}

func (s *memStore) Create(_ context.Context, nm domain.NewMarket) (domain.Market, error) {
	now := time.Now().UTC()
	return s.put(domain.Market{
		CreatorID:            nm.CreatorID,
		Title:                nm.Title,
		Description:          nm.Description,
		Category:             nm.Category,
		Status:               domain.MarketStatusOpen,
		EndTime:              nm.EndTime,
		RefundFeeBps:         nm.RefundFeeBps,
		MaxBetPercent:        nm.MaxBetPercent,
		MaxProbabilityChange: nm.MaxProbabilityChange,
		CreatedAt:            now,
		UpdatedAt:            now,
	}), nil
}

func (s *memStore) GetByID(_ context.Context, id int64) (domain.Market, error) {
	if s.readDelay > 0 {
		time.Sleep(s.readDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memStore) List(_ context.Context, f domain.MarketFilter) ([]domain.Market, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.HasContract && !m.HasContract() {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := int64(len(out))
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (s *memStore) updatePoolLocked(id int64, pool domain.Pool, version int64) (domain.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	if m.Version != version {
		return domain.Market{}, domain.ErrConflict
	}
	m.PoolYes, m.PoolNo = pool.Yes, pool.No
	m.Version++
	s.markets[id] = m
	return m, nil
}

func (s *memStore) UpdatePool(_ context.Context, id int64, pool domain.Pool, version int64) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePoolLocked(id, pool, version)
}

func (s *memStore) Resolve(_ context.Context, id int64, outcome domain.Outcome, at time.Time) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok || m.Status != domain.MarketStatusOpen {
		return domain.Market{}, domain.ErrNotFound
	}
	m.Status = domain.MarketStatusResolved
	m.ResolvedOutcome = outcome
	m.ResolvedAt = &at
	s.markets[id] = m
	return m, nil
}

func (s *memStore) SetContract(_ context.Context, id int64, address string, at time.Time) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	m.ContractAddress = address
	m.ContractDeployedAt = &at
	s.markets[id] = m
	return m, nil
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) Place(_ context.Context, bet domain.Bet, pool domain.Pool, version int64) (domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.updatePoolLocked(bet.MarketID, pool, version); err != nil {
		return domain.Bet{}, err
	}
	bet.ID = int64(len(s.bets) + 1)
	s.bets = append(s.bets, bet)
	return bet, nil
}

func (s *memStore) ListByUser(_ context.Context, userID int64, f domain.BetFilter) ([]domain.Bet, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for i := len(s.bets) - 1; i >= 0; i-- {
		b := s.bets[i]
		if b.UserID == userID && (f.MarketID == 0 || b.MarketID == f.MarketID) {
			out = append(out, b)
		}
	}
	return out, int64(len(out)), nil
}

func (s *memStore) ListByMarket(_ context.Context, marketID int64) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for _, b := range s.bets {
		if b.MarketID == marketID {
			out = append(out, b)
		}
	}
	return out, nil
}

// memBets exposes the bet side of memStore; its GetByID returns bets.
type memBets struct{ *memStore }

func (b memBets) GetByID(_ context.Context, id int64) (domain.Bet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id < 1 || int(id) > len(b.bets) {
		return domain.Bet{}, domain.ErrNotFound
	}
	return b.bets[id-1], nil
}

func (s *memStore) allBets() []domain.Bet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Bet(nil), s.bets...)
}

func (s *memStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, domain.AuditEntry{ID: int64(len(s.audit) + 1), Event: event, Detail: detail})
	return nil
}

// memAudit exposes the audit side of memStore; its List returns entries.
type memAudit struct{ *memStore }

func (a memAudit) List(_ context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if offset >= len(a.audit) {
		return nil, nil
	}
	out := a.audit[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]domain.AuditEntry(nil), out...), nil
}

var (
	_ domain.MarketStore = (*memStore)(nil)
	_ domain.BetStore    = memBets{}
	_ domain.AuditStore  = memAudit{}
)

func (s *memStore) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.audit))
	for _, e := range s.audit {
		out = append(out, e.Event)
	}
	return out
}

// fakeChain is a programmable ChainGateway.
type fakeChain struct {
	verify  func(ctx context.Context, txHash, contract string, amount domain.Amount, sender string) (bool, error)
	deploy  func(marketID int64) (domain.Deployment, error)
	fetch   func(ctx context.Context, contract string) (domain.ChainMarketState, error)
	fetches atomic.Int64
	deploys atomic.Int64
}

func (c *fakeChain) VerifyTransaction(ctx context.Context, txHash, contract string, amount domain.Amount, sender string) (bool, error) {
	if c.verify == nil {
		return true, nil
	}
	return c.verify(ctx, txHash, contract, amount, sender)
}

func (c *fakeChain) DeployContract(_ context.Context, marketID int64, _, _ int) (domain.Deployment, error) {
	c.deploys.Add(1)
	if c.deploy == nil {
		return domain.Deployment{Address: "0xcontract", TxHash: "0xdeploy"}, nil
	}
	return c.deploy(marketID)
}

func (c *fakeChain) FetchMarketState(ctx context.Context, contract string) (domain.ChainMarketState, error) {
	c.fetches.Add(1)
	if c.fetch == nil {
		return domain.ChainMarketState{}, domain.ErrChainUnavailable
	}
	return c.fetch(ctx, contract)
}

// recordingBus captures published payloads per channel.
type recordingBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = make(map[string][][]byte)
	}
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[channel])
}

// recordingNotifier captures notified event types.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// memBlob collects uploaded objects.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[path] = body
	return nil
}

func (b *memBlob) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

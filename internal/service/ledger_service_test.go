package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ledgerFixture struct {
	svc      *LedgerService
	store    *memStore
	chain    *fakeChain
	bus      *recordingBus
	notifier *recordingNotifier
}

func newLedgerFixture(t *testing.T, locker MarketLocker) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{
		store:    newMemStore(),
		chain:    &fakeChain{},
		bus:      &recordingBus{},
		notifier: &recordingNotifier{},
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	validator := risk.NewValidator(risk.Limits{
		MinBet:               domain.NewAmount(1),
		MaxBet:               domain.NewAmount(1_000_000_000_000),
		MaxBetPercent:        20,
		MaxProbabilityChange: 10,
	}, discardLogger())
	f.svc = NewLedgerService(
		f.store, memBets{f.store}, memAudit{f.store}, nil, f.bus, f.chain,
		validator, locker, f.notifier,
		LedgerConfig{
			FeeInBps:             50,
			FeeOutBps:            150,
			RefundFeeBps:         50,
			MaxBetPercent:        20,
			MaxProbabilityChange: 10,
			ChainTimeout:         50 * time.Millisecond,
		},
		discardLogger(),
	)
	return f
}

func (f *ledgerFixture) openMarket(yes, no int64) domain.Market {
	return f.store.put(domain.Market{
		Title:   "Will it rain tomorrow?",
		Status:  domain.MarketStatusOpen,
		EndTime: time.Now().Add(time.Hour),
		PoolYes: domain.NewAmount(yes),
		PoolNo:  domain.NewAmount(no),
	})
}

func bet(marketID int64, side domain.Side, gross int64) BetRequest {
	return BetRequest{UserID: 7, MarketID: marketID, Side: side, AmountGross: domain.NewAmount(gross)}
}

func TestCreateBet_ScenarioA_EmptyMarket(t *testing.T) {
	f := newLedgerFixture(t, nil)
	m := f.openMarket(0, 0)

	b, err := f.svc.CreateBet(context.Background(), bet(m.ID, domain.SideYes, 10))
	require.NoError(t, err)

	assert.Equal(t, "0", b.FeeIn.String())
	assert.Equal(t, "10", b.AmountNet.String())
	assert.Equal(t, "10", b.AmountGross.String())
	assert.Equal(t, 0.5, b.Price)
	assert.Equal(t, domain.BetStatusPending, b.Status)

	got := f.store.market(m.ID)
	assert.Equal(t, "10", got.PoolYes.String())
	assert.Equal(t, "0", got.PoolNo.String())
	assert.Equal(t, int64(1), got.Version)

	assert.Equal(t, 1, f.bus.count(domain.ChannelBets))

	entries, err := memAudit{f.store}.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventBetPlaced, entries[0].Event)
	assert.Equal(t, m.ID, entries[0].Detail["market_id"])
}

func TestCreateBet_ScenarioB_PercentCapAfterFirstBet(t *testing.T) {
	f := newLedgerFixture(t, nil)
	m := f.openMarket(0, 0)

	_, err := f.svc.CreateBet(context.Background(), bet(m.ID, domain.SideYes, 10))
	require.NoError(t, err)

	_, err = f.svc.CreateBet(context.Background(), bet(m.ID, domain.SideYes, 3))
	require.ErrorIs(t, err, domain.ErrValidation)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.NotNil(t, verr.MaxAllowed)
	assert.Equal(t, "2", verr.MaxAllowed.String())

	assert.Equal(t, "10", f.store.market(m.ID).PoolYes.String())
	assert.Len(t, f.store.allBets(), 1)
}

func TestCreateBet_NetAmountMovesPool(t *testing.T) {
	f := newLedgerFixture(t, nil)
	m := f.openMarket(0, 0)

	b, err := f.svc.CreateBet(context.Background(), bet(m.ID, domain.SideNo, 1_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, "5000000", b.FeeIn.String())
	assert.Equal(t, "995000000", b.AmountNet.String())
	assert.Equal(t, "995000000", f.store.market(m.ID).PoolNo.String())
}

func TestCreateBet_PriceIsPreTrade(t *testing.T) {
	f := newLedgerFixture(t, nil)
	m := f.openMarket(300_000, 100_000)

	b, err := f.svc.CreateBet(context.Background(), bet(m.ID, domain.SideNo, 1_000))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, b.Price, 1e-12)
}

func TestCreateBet_Rejections(t *testing.T) {
	f := newLedgerFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateBet(ctx, bet(404, domain.SideYes, 10))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	closed := f.openMarket(0, 0)
	closed.Status = domain.MarketStatusResolved
	f.store.put(closed)
	_, err = f.svc.CreateBet(ctx, bet(closed.ID, domain.SideYes, 10))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.ErrorContains(t, err, "not open")

	ended := f.openMarket(0, 0)
	ended.EndTime = time.Now().Add(-time.Minute)
	f.store.put(ended)
	_, err = f.svc.CreateBet(ctx, bet(ended.ID, domain.SideYes, 10))
	assert.ErrorContains(t, err, "market has ended")

	m := f.openMarket(0, 0)
	_, err = f.svc.CreateBet(ctx, bet(m.ID, domain.Side("maybe"), 10))
	assert.ErrorIs(t, err, domain.ErrValidation)

	noUser := bet(m.ID, domain.SideYes, 10)
	noUser.UserID = 0
	_, err = f.svc.CreateBet(ctx, noUser)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Empty(t, f.store.allBets())
}

func TestCreateBet_VerifiedTransactionConfirms(t *testing.T) {
	f := newLedgerFixture(t, nil)
	m := f.openMarket(0, 0)
	m.ContractAddress = "0xescrow"
	f.store.put(m)

	var gotContract, gotSender string
	var gotAmount domain.Amount
	f.chain.verify = func(_ context.Context, _, contract string, amount domain.Amount, sender string) (bool, error) {
		gotContract, gotAmount, gotSender = contract, amount, sender
		return true, nil
	}

	req := bet(m.ID, domain.SideYes, 10)
	req.TxHash = "0xabc"
	req.Sender = "0xuser"
	b, err := f.svc.CreateBet(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.BetStatusConfirmed, b.Status)
	assert.Equal(t, "0xescrow", gotContract)
	assert.Equal(t, "10", gotAmount.String())
	assert.Equal(t, "0xuser", gotSender)
}

func TestCreateBet_VerificationFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		verify func(ctx context.Context, txHash, contract string, amount domain.Amount, sender string) (bool, error)
	}{
		{"not corroborated", func(context.Context, string, string, domain.Amount, string) (bool, error) {
			return false, nil
		}},
		{"gateway error", func(context.Context, string, string, domain.Amount, string) (bool, error) {
			return false, errors.New("rpc down")
		}},
		{"timeout", func(ctx context.Context, _, _ string, _ domain.Amount, _ string) (bool, error) {
			<-ctx.Done()
			return true, ctx.Err()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLedgerFixture(t, nil)
			m := f.openMarket(0, 0)
			m.ContractAddress = "0xescrow"
			f.store.put(m)
			f.chain.verify = tt.verify

			req := bet(m.ID, domain.SideYes, 10)
			req.TxHash = "0xabc"
			_, err := f.svc.CreateBet(context.Background(), req)
			require.ErrorIs(t, err, domain.ErrChainVerification)

			got := f.store.market(m.ID)
			assert.True(t, got.PoolYes.IsZero())
			assert.Zero(t, got.Version)
			assert.Empty(t, f.store.allBets())
		})
	}
}

func TestCreateBet_TxHashWithoutContractSkipsVerification(t *testing.T) {
	f := newLedgerFixture(t, nil)
	m := f.openMarket(0, 0)
	f.chain.verify = func(context.Context, string, string, domain.Amount, string) (bool, error) {
		t.Fatal("verify must not be called without a contract")
		return false, nil
	}

	req := bet(m.ID, domain.SideYes, 10)
	req.TxHash = "0xabc"
	b, err := f.svc.CreateBet(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.BetStatusConfirmed, b.Status)
}

func TestCreateBet_ConcurrentBetsSerialize(t *testing.T) {
	f := newLedgerFixture(t, nil)
	f.store.readDelay = time.Millisecond
	m := f.openMarket(1_000, 1_000)
	m.MaxProbabilityChange = 100
	f.store.put(m)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 15% of the starting Yes pool.
			_, err := f.svc.CreateBet(context.Background(), bet(m.ID, domain.SideYes, 150))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got := f.store.market(m.ID)
	assert.Equal(t, "4000", got.PoolYes.String())
	assert.Equal(t, int64(n), got.Version)

	// Every bet saw the pool left by the previous one.
	bets := f.store.allBets()
	sort.Slice(bets, func(i, j int) bool { return bets[i].ID < bets[j].ID })
	for i := 1; i < len(bets); i++ {
		assert.Greater(t, bets[i].Price, bets[i-1].Price)
	}
}

// unlocked never blocks, leaving the version check as the only guard.
type unlocked struct{}

func (unlocked) Lock(context.Context, int64) (func(), error) { return func() {}, nil }

func TestCreateBet_VersionCheckPreventsLostUpdates(t *testing.T) {
	f := newLedgerFixture(t, unlocked{})
	f.store.readDelay = time.Millisecond
	m := f.openMarket(1_000, 1_000)
	m.MaxProbabilityChange = 100
	f.store.put(m)

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	placed := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateBet(context.Background(), bet(m.ID, domain.SideYes, 100))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrConflict)
				return
			}
			mu.Lock()
			placed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	got := f.store.market(m.ID)
	assert.Equal(t, domain.NewAmount(int64(1_000+100*placed)).String(), got.PoolYes.String())
	assert.Len(t, f.store.allBets(), placed)
}

func TestResolveMarket(t *testing.T) {
	f := newLedgerFixture(t, nil)
	m := f.openMarket(10, 10)
	ctx := context.Background()

	got, err := f.svc.ResolveMarket(ctx, m.ID, domain.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, got.Status)
	assert.Equal(t, domain.OutcomeYes, got.ResolvedOutcome)
	assert.NotNil(t, got.ResolvedAt)
	assert.Contains(t, f.notifier.seen(), EventMarketResolved)

	_, err = f.svc.ResolveMarket(ctx, m.ID, domain.OutcomeNo)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.OutcomeYes, f.store.market(m.ID).ResolvedOutcome)

	_, err = f.svc.ResolveMarket(ctx, 999, domain.OutcomeNo)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.ResolveMarket(ctx, m.ID, domain.OutcomeNone)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateMarket_DeploysContract(t *testing.T) {
	f := newLedgerFixture(t, nil)

	c, err := f.svc.CreateMarket(context.Background(), domain.NewMarket{
		CreatorID: 1,
		Title:     "  Will BTC close above 100k?  ",
		EndTime:   time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, c.Deployed())
	assert.Equal(t, "0xdeploy", c.DeployTx)
	assert.Equal(t, "0xcontract", c.Market.ContractAddress)
	assert.NotNil(t, c.Market.ContractDeployedAt)
	assert.Equal(t, "Will BTC close above 100k?", c.Market.Title)
	assert.Equal(t, 20, c.Market.MaxBetPercent)
	assert.Equal(t, 10, c.Market.MaxProbabilityChange)
	assert.Equal(t, 50, c.Market.RefundFeeBps)
	assert.Contains(t, f.store.events(), EventContractDeployed)
}

func TestCreateMarket_DeployFailureIsPartialSuccess(t *testing.T) {
	f := newLedgerFixture(t, nil)
	f.chain.deploy = func(int64) (domain.Deployment, error) {
		return domain.Deployment{}, domain.ErrChainUnavailable
	}

	c, err := f.svc.CreateMarket(context.Background(), domain.NewMarket{
		Title:   "Partial",
		EndTime: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, c.Deployed())
	assert.NotEmpty(t, c.DeployError)
	assert.False(t, c.Market.HasContract())
	assert.Equal(t, domain.MarketStatusOpen, f.store.market(c.Market.ID).Status)
	assert.Contains(t, f.notifier.seen(), EventDeployFailed)

	// Retry once the chain is back.
	f.chain.deploy = nil
	c, err = f.svc.RetryDeployment(context.Background(), c.Market.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xcontract", c.Market.ContractAddress)

	_, err = f.svc.RetryDeployment(context.Background(), c.Market.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyDeployed)
	assert.Equal(t, int64(2), f.chain.deploys.Load())
}

func TestCreateMarket_Validation(t *testing.T) {
	f := newLedgerFixture(t, nil)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	cases := []domain.NewMarket{
		{Title: " ", EndTime: future},
		{Title: "no end"},
		{Title: "past", EndTime: time.Now().Add(-time.Hour)},
		{Title: "pct", EndTime: future, MaxBetPercent: 101},
		{Title: "prob", EndTime: future, MaxProbabilityChange: -1},
	}
	for _, nm := range cases {
		_, err := f.svc.CreateMarket(ctx, nm)
		assert.ErrorIs(t, err, domain.ErrValidation, nm.Title)
	}
	assert.Zero(t, f.chain.deploys.Load())
}

func TestGetMarketDetail(t *testing.T) {
	f := newLedgerFixture(t, nil)
	ctx := context.Background()

	m := f.openMarket(300, 100)
	d, err := f.svc.GetMarketDetail(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, d.Probability.Yes, 1e-12)
	require.NotNil(t, d.Coefficients)
	assert.InDelta(t, 4.0, d.Coefficients.No, 1e-9)
	assert.Equal(t, "400", d.Total.String())

	oneSided := f.openMarket(300, 0)
	d, err = f.svc.GetMarketDetail(ctx, oneSided.ID)
	require.NoError(t, err)
	assert.Nil(t, d.Coefficients)

	_, err = f.svc.GetMarketDetail(ctx, 12345)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListMarkets_ClampsPaging(t *testing.T) {
	f := newLedgerFixture(t, nil)
	for i := 0; i < 25; i++ {
		f.openMarket(0, 0)
	}

	got, total, err := f.svc.ListMarkets(context.Background(), domain.MarketFilter{})
	require.NoError(t, err)
	assert.Len(t, got, defaultListLimit)
	assert.Equal(t, int64(25), total)

	got, _, err = f.svc.ListMarkets(context.Background(), domain.MarketFilter{Limit: 10_000, Offset: -5})
	require.NoError(t, err)
	assert.Len(t, got, 25)

	_, _, err = f.svc.ListMarkets(context.Background(), domain.MarketFilter{SortBy: "title"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListUserBets_NewestFirst(t *testing.T) {
	f := newLedgerFixture(t, nil)
	m := f.openMarket(0, 0)
	m.MaxBetPercent = 100
	m.MaxProbabilityChange = 100
	f.store.put(m)

	for _, amt := range []int64{10, 5, 3} {
		_, err := f.svc.CreateBet(context.Background(), bet(m.ID, domain.SideYes, amt))
		require.NoError(t, err)
	}

	bets, total, err := f.svc.ListUserBets(context.Background(), 7, domain.BetFilter{MarketID: m.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, bets, 3)
	assert.Equal(t, "3", bets[0].AmountGross.String())

	bets, _, err = f.svc.ListUserBets(context.Background(), 8, domain.BetFilter{})
	require.NoError(t, err)
	assert.Empty(t, bets)
}

func TestGetBet(t *testing.T) {
	f := newLedgerFixture(t, nil)
	m := f.openMarket(0, 0)

	placed, err := f.svc.CreateBet(context.Background(), bet(m.ID, domain.SideNo, 10))
	require.NoError(t, err)

	got, err := f.svc.GetBet(context.Background(), placed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SideNo, got.Side)

	_, err = f.svc.GetBet(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

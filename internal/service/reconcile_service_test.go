package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconcileFixture struct {
	svc      *ReconciliationService
	store    *memStore
	chain    *fakeChain
	bus      *recordingBus
	reports  *memBlob
	notifier *recordingNotifier
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	f := &reconcileFixture{
		store:    newMemStore(),
		chain:    &fakeChain{},
		bus:      &recordingBus{},
		reports:  &memBlob{},
		notifier: &recordingNotifier{},
	}
	f.svc = NewReconciliationService(
		f.store, memAudit{f.store}, nil, f.bus, f.chain, NewLocalLocker(), f.reports, f.notifier,
		ReconcileConfig{Interval: time.Hour, BatchSize: 100, FetchTimeout: 50 * time.Millisecond},
		discardLogger(),
	)
	return f
}

func (f *reconcileFixture) contractMarket(yes, no int64, contract string) domain.Market {
	return f.store.put(domain.Market{
		Title:           "synced",
		Status:          domain.MarketStatusOpen,
		EndTime:         time.Now().Add(time.Hour),
		PoolYes:         domain.NewAmount(yes),
		PoolNo:          domain.NewAmount(no),
		ContractAddress: contract,
	})
}

func chainState(yes, no int64, outcome domain.Outcome) func(context.Context, string) (domain.ChainMarketState, error) {
	return func(context.Context, string) (domain.ChainMarketState, error) {
		return domain.ChainMarketState{
			PoolYes:   domain.NewAmount(yes),
			PoolNo:    domain.NewAmount(no),
			Outcome:   outcome,
			FeeInBps:  50,
			FeeOutBps: 150,
		}, nil
	}
}

func TestSyncOne_OverwritesPool(t *testing.T) {
	priors := [][2]int64{{0, 0}, {500, 20}, {1_000_000, 1_000_000}}
	for _, p := range priors {
		f := newReconcileFixture(t)
		m := f.contractMarket(p[0], p[1], "0xescrow")
		f.chain.fetch = chainState(70, 30, domain.OutcomeNone)

		require.NoError(t, f.svc.SyncOne(context.Background(), m.ID))

		got := f.store.market(m.ID)
		assert.Equal(t, "70", got.PoolYes.String())
		assert.Equal(t, "30", got.PoolNo.String())
		assert.Equal(t, domain.MarketStatusOpen, got.Status)
		assert.Contains(t, f.store.events(), EventMarketSynced)
		assert.Equal(t, 1, f.bus.count(domain.ChannelSync))
	}
}

func TestSyncOne_NoContractIsNoop(t *testing.T) {
	f := newReconcileFixture(t)
	m := f.contractMarket(5, 5, "")

	require.NoError(t, f.svc.SyncOne(context.Background(), m.ID))
	assert.Zero(t, f.chain.fetches.Load())
	assert.Equal(t, "5", f.store.market(m.ID).PoolYes.String())
}

func TestSyncOne_NotFound(t *testing.T) {
	f := newReconcileFixture(t)
	assert.ErrorIs(t, f.svc.SyncOne(context.Background(), 42), domain.ErrNotFound)
}

func TestSyncOne_FetchFailureLeavesLedgerUntouched(t *testing.T) {
	f := newReconcileFixture(t)
	m := f.contractMarket(5, 6, "0xescrow")
	f.chain.fetch = func(context.Context, string) (domain.ChainMarketState, error) {
		return domain.ChainMarketState{}, errors.New("connection refused")
	}

	err := f.svc.SyncOne(context.Background(), m.ID)
	require.ErrorIs(t, err, domain.ErrChainUnavailable)

	got := f.store.market(m.ID)
	assert.Equal(t, "5", got.PoolYes.String())
	assert.Equal(t, "6", got.PoolNo.String())
	assert.Zero(t, got.Version)
}

func TestSyncOne_FetchTimeout(t *testing.T) {
	f := newReconcileFixture(t)
	m := f.contractMarket(5, 6, "0xescrow")
	f.chain.fetch = func(ctx context.Context, _ string) (domain.ChainMarketState, error) {
		<-ctx.Done()
		return domain.ChainMarketState{}, ctx.Err()
	}

	err := f.svc.SyncOne(context.Background(), m.ID)
	require.ErrorIs(t, err, domain.ErrChainUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSyncOne_ResolvesFromChain(t *testing.T) {
	f := newReconcileFixture(t)
	m := f.contractMarket(10, 10, "0xescrow")
	f.chain.fetch = chainState(10, 10, domain.OutcomeNo)

	require.NoError(t, f.svc.SyncOne(context.Background(), m.ID))
	got := f.store.market(m.ID)
	assert.Equal(t, domain.MarketStatusResolved, got.Status)
	assert.Equal(t, domain.OutcomeNo, got.ResolvedOutcome)
	assert.Contains(t, f.notifier.seen(), EventMarketResolved)

	// Re-applying the same outcome changes nothing.
	resolvedAt := got.ResolvedAt
	require.NoError(t, f.svc.SyncOne(context.Background(), m.ID))
	got = f.store.market(m.ID)
	assert.Equal(t, domain.OutcomeNo, got.ResolvedOutcome)
	assert.Equal(t, resolvedAt, got.ResolvedAt)
}

func TestSyncOne_ConflictingOutcomeIsKept(t *testing.T) {
	f := newReconcileFixture(t)
	m := f.contractMarket(10, 10, "0xescrow")
	m.Status = domain.MarketStatusResolved
	m.ResolvedOutcome = domain.OutcomeYes
	f.store.put(m)
	f.chain.fetch = chainState(10, 10, domain.OutcomeNo)

	require.NoError(t, f.svc.SyncOne(context.Background(), m.ID))
	assert.Equal(t, domain.OutcomeYes, f.store.market(m.ID).ResolvedOutcome)
	assert.Contains(t, f.store.events(), EventOutcomeConflict)
	assert.Contains(t, f.notifier.seen(), EventOutcomeConflict)
}

func TestSyncOne_ConcurrentCallsShareFetch(t *testing.T) {
	f := newReconcileFixture(t)
	m := f.contractMarket(0, 0, "0xescrow")

	release := make(chan struct{})
	f.chain.fetch = func(context.Context, string) (domain.ChainMarketState, error) {
		<-release
		return domain.ChainMarketState{PoolYes: domain.NewAmount(1), PoolNo: domain.NewAmount(2)}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.SyncOne(context.Background(), m.ID))
		}()
	}
	require.Eventually(t, func() bool { return f.chain.fetches.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Less(t, f.chain.fetches.Load(), int64(5))
	assert.Equal(t, "2", f.store.market(m.ID).PoolNo.String())
}

func TestSyncOne_CallerCancelDoesNotFailSharedRun(t *testing.T) {
	f := newReconcileFixture(t)
	f.svc.cfg.FetchTimeout = 5 * time.Second
	m := f.contractMarket(0, 0, "0xescrow")

	started := make(chan struct{})
	release := make(chan struct{})
	f.chain.fetch = func(ctx context.Context, _ string) (domain.ChainMarketState, error) {
		close(started)
		select {
		case <-release:
			return domain.ChainMarketState{PoolYes: domain.NewAmount(4), PoolNo: domain.NewAmount(6)}, nil
		case <-ctx.Done():
			return domain.ChainMarketState{}, ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() { firstErr <- f.svc.SyncOne(firstCtx, m.ID) }()
	<-started

	secondErr := make(chan error, 1)
	go func() { secondErr <- f.svc.SyncOne(context.Background(), m.ID) }()

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case err := <-secondErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int64(1), f.chain.fetches.Load())
	assert.Equal(t, "6", f.store.market(m.ID).PoolNo.String())
}

func TestSyncAll_CountsFailures(t *testing.T) {
	f := newReconcileFixture(t)
	good := f.contractMarket(0, 0, "0xgood")
	bad := f.contractMarket(0, 0, "0xbad")
	f.contractMarket(0, 0, "") // skipped, no contract

	f.chain.fetch = func(_ context.Context, contract string) (domain.ChainMarketState, error) {
		if contract == "0xbad" {
			return domain.ChainMarketState{}, domain.ErrChainUnavailable
		}
		return domain.ChainMarketState{PoolYes: domain.NewAmount(9), PoolNo: domain.NewAmount(1)}, nil
	}

	summary, err := f.svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, bad.ID, summary.Failures[0].MarketID)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))

	assert.Equal(t, "9", f.store.market(good.ID).PoolYes.String())
	assert.Equal(t, 1, f.reports.len())
	assert.Contains(t, f.notifier.seen(), EventSyncFailed)
}

func TestSyncAll_RespectsBatchSize(t *testing.T) {
	f := newReconcileFixture(t)
	f.svc.cfg.BatchSize = 3
	for i := 0; i < 5; i++ {
		f.contractMarket(0, 0, "0xescrow")
	}
	f.chain.fetch = chainState(1, 1, domain.OutcomeNone)

	summary, err := f.svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Synced)
}

func TestSyncAll_RotatesThroughMarkets(t *testing.T) {
	f := newReconcileFixture(t)
	f.svc.cfg.BatchSize = 2
	var ids []int64
	for _, c := range []string{"0xa", "0xb", "0xc"} {
		ids = append(ids, f.contractMarket(0, 0, c).ID)
	}

	var mu sync.Mutex
	var seen []string
	f.chain.fetch = func(_ context.Context, contract string) (domain.ChainMarketState, error) {
		mu.Lock()
		seen = append(seen, contract)
		mu.Unlock()
		return domain.ChainMarketState{PoolYes: domain.NewAmount(1), PoolNo: domain.NewAmount(1)}, nil
	}

	first, err := f.svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Synced)

	second, err := f.svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Synced, "the newest market gets its turn")

	third, err := f.svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, third.Synced)

	assert.Equal(t, []string{"0xa", "0xb", "0xc", "0xa", "0xb"}, seen)
	for _, id := range ids {
		assert.Equal(t, "1", f.store.market(id).PoolYes.String())
	}
}

func TestSyncAll_CursorResetsWhenMarketsClose(t *testing.T) {
	f := newReconcileFixture(t)
	f.svc.cfg.BatchSize = 1
	a := f.contractMarket(0, 0, "0xa")
	b := f.contractMarket(0, 0, "0xb")
	f.chain.fetch = chainState(1, 1, domain.OutcomeNone)

	_, err := f.svc.SyncAll(context.Background())
	require.NoError(t, err)
	_, err = f.store.Resolve(context.Background(), b.ID, domain.OutcomeYes, time.Now())
	require.NoError(t, err)

	summary, err := f.svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced, "an empty page past the end starts over")
	assert.Equal(t, "1", f.store.market(a.ID).PoolYes.String())
}

func TestSyncAll_OverlapRejected(t *testing.T) {
	f := newReconcileFixture(t)
	f.contractMarket(0, 0, "0xescrow")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.chain.fetch = func(context.Context, string) (domain.ChainMarketState, error) {
		close(entered)
		<-release
		return domain.ChainMarketState{}, nil
	}
	f.svc.cfg.FetchTimeout = time.Minute

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.svc.SyncAll(context.Background())
		assert.NoError(t, err)
	}()
	<-entered

	_, err := f.svc.SyncAll(context.Background())
	assert.ErrorIs(t, err, domain.ErrSyncInProgress)

	close(release)
	<-done
}

func TestStart_RunsImmediatelyAndIsIdempotent(t *testing.T) {
	f := newReconcileFixture(t)
	f.contractMarket(0, 0, "0xescrow")
	f.chain.fetch = chainState(1, 1, domain.OutcomeNone)

	require.True(t, f.svc.Start(context.Background(), time.Hour))
	defer f.svc.Stop()

	assert.False(t, f.svc.Start(context.Background(), time.Hour))
	assert.True(t, f.svc.Running())
	require.Eventually(t, func() bool { return f.chain.fetches.Load() == 1 }, time.Second, time.Millisecond)
}

func TestStop_NoTicksAfterStop(t *testing.T) {
	f := newReconcileFixture(t)
	f.contractMarket(0, 0, "0xescrow")
	f.chain.fetch = chainState(1, 1, domain.OutcomeNone)

	require.True(t, f.svc.Start(context.Background(), 5*time.Millisecond))
	require.Eventually(t, func() bool { return f.chain.fetches.Load() >= 3 }, time.Second, time.Millisecond)

	f.svc.Stop()
	assert.False(t, f.svc.Running())
	after := f.chain.fetches.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, f.chain.fetches.Load())

	// Stop is safe to repeat and the loop can be restarted.
	f.svc.Stop()
	assert.True(t, f.svc.Start(context.Background(), time.Hour))
	f.svc.Stop()
}

func TestStart_TickSkippedWhileManualRunInFlight(t *testing.T) {
	f := newReconcileFixture(t)
	f.contractMarket(0, 0, "0xescrow")
	f.svc.cfg.FetchTimeout = time.Minute

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.chain.fetch = func(context.Context, string) (domain.ChainMarketState, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return domain.ChainMarketState{}, nil
	}

	manual := make(chan struct{})
	go func() {
		defer close(manual)
		_, _ = f.svc.SyncAll(context.Background())
	}()
	<-entered

	// The loop's immediate run and its ticks all find the manual run in flight.
	require.True(t, f.svc.Start(context.Background(), 2*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), f.chain.fetches.Load())

	f.svc.Stop()
	close(release)
	<-manual
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newReconcileFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.svc.Run(ctx) }()
	require.Eventually(t, f.svc.Running, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, f.svc.Running())
}

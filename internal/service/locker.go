package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// MarketLocker serializes writers of a single market. The returned unlock
// func must be called exactly once.
type MarketLocker interface {
	Lock(ctx context.Context, marketID int64) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex. Entries are reference counted and
// removed once no goroutine holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[int64]*keyedLock)}
}

// Lock blocks until the market's lock is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, marketID int64) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[marketID]
	if !ok {
		kl = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[marketID] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(marketID, kl)
		return nil, fmt.Errorf("locker: market %d: %w", marketID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.release(marketID, kl)
		})
	}, nil
}

func (l *LocalLocker) release(marketID int64, kl *keyedLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, marketID)
	}
	l.mu.Unlock()
}

// held reports how many goroutines hold or wait on marketID's lock.
func (l *LocalLocker) held(marketID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if kl, ok := l.locks[marketID]; ok {
		return kl.refs
	}
	return 0
}

// DistributedLocker polls a domain.LockManager until the market's lock is
// acquired. The TTL bounds how long a crashed holder can block others.
type DistributedLocker struct {
	locks domain.LockManager
	ttl   time.Duration
	retry time.Duration
}

// NewDistributedLocker creates a DistributedLocker. Zero durations fall back
// to a 10s TTL and a 25ms retry interval.
func NewDistributedLocker(locks domain.LockManager, ttl, retry time.Duration) *DistributedLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &DistributedLocker{locks: locks, ttl: ttl, retry: retry}
}

// Lock acquires "market:<id>" in the lock manager, retrying while it is held.
func (d *DistributedLocker) Lock(ctx context.Context, marketID int64) (func(), error) {
	key := "market:" + strconv.FormatInt(marketID, 10)
	ticker := time.NewTicker(d.retry)
	defer ticker.Stop()
	for {
		unlock, err := d.locks.Acquire(ctx, key, d.ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("locker: acquire %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("locker: acquire %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// StackedLocker acquires each locker in order and releases them in reverse.
// Taking the local lock first keeps same-process waiters off the network.
type StackedLocker []MarketLocker

// Lock implements MarketLocker.
func (s StackedLocker) Lock(ctx context.Context, marketID int64) (func(), error) {
	unlocks := make([]func(), 0, len(s))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range s {
		unlock, err := l.Lock(ctx, marketID)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return releaseAll, nil
}

var (
	_ MarketLocker = (*LocalLocker)(nil)
	_ MarketLocker = (*DistributedLocker)(nil)
	_ MarketLocker = StackedLocker(nil)
)

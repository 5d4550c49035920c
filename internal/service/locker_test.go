package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerializesSameMarket(t *testing.T) {
	l := NewLocalLocker()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), 1)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, l.held(1))
}

func TestLocalLocker_IndependentMarkets(t *testing.T) {
	l := NewLocalLocker()
	unlock1, err := l.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlock2, err := l.Lock(ctx, 2)
	require.NoError(t, err)
	unlock2()
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.held(1))

	unlock()
	unlock() // second call is a no-op
	assert.Zero(t, l.held(1))
}

// flakyLocks reports the lock as held for the first n attempts.
type flakyLocks struct {
	held     atomic.Int32
	attempts atomic.Int32
	released atomic.Int32
}

func (f *flakyLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	f.attempts.Add(1)
	if f.held.Add(-1) >= 0 {
		return nil, domain.ErrLockHeld
	}
	return func() { f.released.Add(1) }, nil
}

func TestDistributedLocker_RetriesWhileHeld(t *testing.T) {
	locks := &flakyLocks{}
	locks.held.Store(3)
	d := NewDistributedLocker(locks, time.Second, time.Millisecond)

	unlock, err := d.Lock(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int32(4), locks.attempts.Load())
	unlock()
	assert.Equal(t, int32(1), locks.released.Load())
}

func TestDistributedLocker_GivesUpOnCancel(t *testing.T) {
	locks := &flakyLocks{}
	locks.held.Store(1 << 20)
	d := NewDistributedLocker(locks, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Lock(ctx, 9)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStackedLocker_ReleasesOnPartialFailure(t *testing.T) {
	local := NewLocalLocker()
	locks := &flakyLocks{}
	locks.held.Store(1 << 20)
	stacked := StackedLocker{local, NewDistributedLocker(locks, time.Second, time.Millisecond)}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := stacked.Lock(ctx, 3)
	require.Error(t, err)
	assert.Zero(t, local.held(3), "local lock must be released when the distributed one fails")
}

package asynclock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithLockExcludesConcurrentHolders(t *testing.T) {
	l := New()
	var holders int32
	var maxHolders int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&holders, 1)
				defer atomic.AddInt32(&holders, -1)
				for {
					cur := atomic.LoadInt32(&maxHolders)
					if n <= cur || atomic.CompareAndSwapInt32(&maxHolders, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxHolders)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New()
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	require.Error(t, err)

	l.Release()
}

func TestTryAcquire(t *testing.T) {
	l := New()
	require.True(t, l.TryAcquire())
	require.False(t, l.TryAcquire())
	l.Release()
	require.True(t, l.TryAcquire())
	l.Release()
}

func TestWithLockReleasesOnError(t *testing.T) {
	l := New()
	sentinel := require.Error
	err := l.WithLock(context.Background(), func(ctx context.Context) error {
		return context.Canceled
	})
	sentinel(t, err)

	require.True(t, l.TryAcquire())
	l.Release()
}

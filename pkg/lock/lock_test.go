package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, "request-1", time.Second)
			require.NoError(t, err)
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
	require.Empty(t, locker.locks)
}

func TestLocalLockerTryAcquire(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	release, err := locker.TryAcquire(ctx, "digest", time.Second)
	require.NoError(t, err)

	_, err = locker.TryAcquire(ctx, "digest", time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)

	other, err := locker.TryAcquire(ctx, "other", time.Second)
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := locker.TryAcquire(ctx, "digest", time.Second)
	require.NoError(t, err)
	again()
}

func TestLocalLockerAcquireHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "k", time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

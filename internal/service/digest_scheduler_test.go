package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-extension/pkg/cache"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
	"github.com/noah-isme/sma-adp-extension/pkg/lock"
)

type flusherStub struct {
	calls atomic.Int32
	err   error
}

func (f *flusherStub) Flush(ctx context.Context) (FlushReport, error) {
	f.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return FlushReport{}, errors.New("flush without deadline")
	}
	return FlushReport{BatchID: "b", Sent: 1}, f.err
}

func TestDigestSchedulerRunOnce(t *testing.T) {
	flusher := &flusherStub{}
	locker := lock.NewLocalLocker()
	s := NewDigestScheduler(flusher, locker, DigestSchedulerConfig{LockTTL: time.Minute}, nil)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, int32(1), flusher.calls.Load())

	release, err := locker.TryAcquire(context.Background(), cache.LockKey(DigestLockName), time.Minute)
	require.NoError(t, err)
	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, appErrors.ErrLockNotAcquired)
	assert.Equal(t, int32(1), flusher.calls.Load())
	release()

	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), flusher.calls.Load())
}

func TestDigestSchedulerStart(t *testing.T) {
	s := NewDigestScheduler(&flusherStub{}, lock.NewLocalLocker(), DigestSchedulerConfig{Schedule: "not a schedule"}, nil)
	require.Error(t, s.Start(context.Background()))

	s = NewDigestScheduler(&flusherStub{}, lock.NewLocalLocker(), DigestSchedulerConfig{Schedule: "@every 1h"}, nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, s.cron.Entries(), 1)
	s.Stop()
}

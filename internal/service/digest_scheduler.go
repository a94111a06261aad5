package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-extension/pkg/cache"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
	"github.com/noah-isme/sma-adp-extension/pkg/lock"
)

// DigestLockName guards digest flushing across instances.
const DigestLockName = "mailer:digest:flush"

type digestFlusher interface {
	Flush(ctx context.Context) (FlushReport, error)
}

// DigestSchedulerConfig configures the periodic flush.
type DigestSchedulerConfig struct {
	// Schedule is a five field cron expression.
	Schedule string
	// LockTTL bounds one flush; the lock expires after it even if the holder dies.
	LockTTL time.Duration
}

// DigestScheduler runs Mailer.Flush on a cron schedule. Only one flush runs
// at a time across every instance sharing the locker.
type DigestScheduler struct {
	cron    *cron.Cron
	flusher digestFlusher
	locker  lock.Locker
	cfg     DigestSchedulerConfig
	logger  *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDigestScheduler constructs the scheduler.
func NewDigestScheduler(flusher digestFlusher, locker lock.Locker, cfg DigestSchedulerConfig, logger *zap.Logger) *DigestScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/15 * * * *"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &DigestScheduler{
		cron:    cron.New(),
		flusher: flusher,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start registers the flush job and starts the cron loop.
func (s *DigestScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(runCtx); err != nil && !errors.Is(err, appErrors.ErrLockNotAcquired) {
			s.logger.Error("digest flush failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule digest flush %q: %w", s.cfg.Schedule, err)
	}
	s.ctx, s.cancel = runCtx, cancel
	s.cron.Start()
	s.logger.Info("digest scheduler started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts scheduling and waits for a running flush to return.
func (s *DigestScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	done := s.cron.Stop()
	if cancel != nil {
		cancel()
	}
	<-done.Done()
}

// RunOnce performs one locked flush. It returns ErrLockNotAcquired when
// another flush holds the lock.
func (s *DigestScheduler) RunOnce(ctx context.Context) (FlushReport, error) {
	release, err := s.locker.TryAcquire(ctx, cache.LockKey(DigestLockName), s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Debug("digest flush skipped, lock held elsewhere")
			return FlushReport{}, appErrors.Clone(appErrors.ErrLockNotAcquired, "digest flush already running")
		}
		return FlushReport{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire digest lock")
	}
	defer release()

	flushCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTTL)
	defer cancel()
	return s.flusher.Flush(flushCtx)
}

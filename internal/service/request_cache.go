package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	"github.com/noah-isme/sma-adp-extension/pkg/cache"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
)

type requestReader interface {
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ListModules(ctx context.Context, requestID string) ([]models.ModuleState, error)
	ListHistory(ctx context.Context, requestID string) ([]models.HistoryEvent, error)
	ListSubscribers(ctx context.Context, requestID string) ([]string, error)
	ListAccess(ctx context.Context, requestID string) (map[string]models.RuleAction, error)
}

// RequestCache is the read-through cache of materialized requests serving
// status pages. Writers call Invalidate after every committed mutation.
type RequestCache struct {
	store  requestReader
	cache  *CacheService
	logger *zap.Logger
}

// NewRequestCache constructs the cache. A nil CacheService always rebuilds.
func NewRequestCache(store requestReader, cacheSvc *CacheService, logger *zap.Logger) *RequestCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestCache{store: store, cache: cacheSvc, logger: logger}
}

// Get returns the materialized request, rebuilding it on a miss.
func (c *RequestCache) Get(ctx context.Context, requestID string) (*models.MaterializedRequest, error) {
	var cached models.MaterializedRequest
	if c.cache.Get(ctx, cache.RequestKey(requestID), &cached) {
		return &cached, nil
	}
	built, err := c.Build(ctx, requestID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, cache.RequestKey(requestID), built, 0)
	return built, nil
}

// Invalidate marks the cached materialization stale.
func (c *RequestCache) Invalidate(ctx context.Context, requestID string) {
	if err := c.cache.Invalidate(ctx, cache.RequestKey(requestID)); err != nil {
		c.logger.Warn("request cache entry may be stale", zap.String("request_id", requestID), zap.Error(err))
	}
}

// Build materializes a request from persisted rows. Module statuses are
// checked against a replay of the history; the history wins on drift.
func (c *RequestCache) Build(ctx context.Context, requestID string) (*models.MaterializedRequest, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "extension request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	modules, err := c.store.ListModules(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load module states")
	}
	history, err := c.store.ListHistory(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load history")
	}
	subscribers, err := c.store.ListSubscribers(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscribers")
	}
	access, err := c.store.ListAccess(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load access")
	}

	m := &models.MaterializedRequest{
		Request:     *req,
		Modules:     make(map[string]models.ModuleState, len(modules)),
		History:     history,
		Subscribers: subscribers,
		Access:      access,
	}
	for _, state := range modules {
		if replayed, ok := models.ReplayStatus(history, state.ModuleID); ok && replayed != state.Status {
			c.logger.Warn("module state drifted from history",
				zap.String("request_id", requestID),
				zap.String("module_id", state.ModuleID),
				zap.String("stored", string(state.Status)),
				zap.String("replayed", string(replayed)))
			state.Status = replayed
		}
		m.Modules[state.ModuleID] = state
	}
	return m, nil
}

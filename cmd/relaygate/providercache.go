package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
	"github.com/relaygate/relaygate/internal/cache"
)

// providerCacheTTL bounds how stale the cached provider snapshot can be.
// Selection still re-checks breaker/concurrency state per request; this
// only saves the repeated `SELECT * FROM providers` round trip.
const providerCacheTTL = 3 * time.Second

const providerCacheKey = "relaygate:providers:snapshot"

// cachedProviderSource wraps a *repository.Repository with a short-lived
// Redis cache so every guard pipeline run (selection, model listing) isn't
// a database round trip under load.
type cachedProviderSource struct {
	source interface {
		ListEnabledProviders(ctx context.Context) ([]*core.Provider, error)
	}
	cache  *cache.Manager
	logger *zap.Logger
}

func newCachedProviderSource(source interface {
	ListEnabledProviders(ctx context.Context) ([]*core.Provider, error)
}, mgr *cache.Manager, logger *zap.Logger) *cachedProviderSource {
	return &cachedProviderSource{source: source, cache: mgr, logger: logger}
}

// ListEnabledProviders implements router.ProviderLister.
func (c *cachedProviderSource) ListEnabledProviders(ctx context.Context) ([]*core.Provider, error) {
	if c.cache == nil {
		return c.source.ListEnabledProviders(ctx)
	}

	var cached []*core.Provider
	if err := c.cache.GetJSON(ctx, providerCacheKey, &cached); err == nil {
		return cached, nil
	} else if !cache.IsCacheMiss(err) {
		c.logger.Warn("provider cache read failed", zap.Error(err))
	}

	providers, err := c.source.ListEnabledProviders(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSON(ctx, providerCacheKey, providers, providerCacheTTL); err != nil {
		c.logger.Warn("provider cache write failed", zap.Error(err))
	}
	return providers, nil
}

// Snapshot implements guard.ProviderSource and forwarder.ProviderSource,
// returning the same cached list as ListEnabledProviders.
func (c *cachedProviderSource) Snapshot(ctx context.Context) ([]*core.Provider, error) {
	return c.ListEnabledProviders(ctx)
}

// Package taxrate looks up the tax rate for a fulfillment location, with a
// cache in front of the store and a configured fallback when a location has
// no rate of its own.
package taxrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"salepoint/core/internal/store"
)

const cacheTTL = 5 * time.Minute

// Source resolves per-location tax rates. Rates are stored in basis points
// and returned as a float64 fraction (800 bps -> 0.08).
type Source struct {
	repo        store.Repository
	cache       Cache
	fallbackBps int64
	logger      *zap.Logger
}

func NewSource(repo store.Repository, cache Cache, fallbackBps int64, logger *zap.Logger) *Source {
	if cache == nil {
		cache = NoopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{repo: repo, cache: cache, fallbackBps: fallbackBps, logger: logger}
}

// RateFor returns the location's tax rate as a fraction. A missing location
// configuration falls back to the configured default rate; that is logged,
// never fatal, so a misconfigured location cannot block sales.
func (s *Source) RateFor(ctx context.Context, locationID string) float64 {
	key := cacheKey(locationID)
	if bps, hit, err := s.cache.Get(ctx, key); err == nil && hit {
		return bpsToRate(bps)
	} else if err != nil {
		s.logger.Warn("tax rate cache read failed", zap.String("location_id", locationID), zap.Error(err))
	}

	bps, err := s.repo.GetLocationTaxRateBps(ctx, locationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("tax rate lookup failed, using fallback",
				zap.String("location_id", locationID),
				zap.Int64("fallback_bps", s.fallbackBps),
				zap.Error(err))
		} else {
			s.logger.Warn("no tax rate configured for location, using fallback",
				zap.String("location_id", locationID),
				zap.Int64("fallback_bps", s.fallbackBps))
		}
		return bpsToRate(s.fallbackBps)
	}

	if err := s.cache.Set(ctx, key, bps, cacheTTL); err != nil {
		s.logger.Warn("tax rate cache write failed", zap.String("location_id", locationID), zap.Error(err))
	}
	return bpsToRate(bps)
}

// SetRate updates a location's rate and invalidates its cache entry.
func (s *Source) SetRate(ctx context.Context, locationID string, rateBps int64) error {
	if err := s.repo.SetLocationTaxRateBps(ctx, locationID, rateBps); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cacheKey(locationID)); err != nil {
		s.logger.Warn("tax rate cache invalidation failed", zap.String("location_id", locationID), zap.Error(err))
	}
	return nil
}

func cacheKey(locationID string) string {
	return fmt.Sprintf("taxrate:%s", locationID)
}

func bpsToRate(bps int64) float64 {
	return float64(bps) / 10000
}

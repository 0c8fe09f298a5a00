package cache

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/gdu-service/internal/models"
	"github.com/kjstillabower/gdu-service/internal/observability"
)

// ObservationSource fetches raw station observations (see client.MRCCClient).
type ObservationSource interface {
	FetchObservations(ctx context.Context, stationID string, start, end time.Time, element, reduction string) (map[string]string, error)
}

// settleDays is how far back a range must end before its observations are
// treated as final. Late reports can still fill the most recent days.
const settleDays = 2

// CachedObservations decorates an ObservationSource with a Cache. Cache errors
// are logged and fall through to the source.
type CachedObservations struct {
	source ObservationSource
	cache  Cache
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewCachedObservations returns a caching ObservationSource. A nil clock uses
// the real clock; a nil logger discards output.
func NewCachedObservations(source ObservationSource, c Cache, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *CachedObservations {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedObservations{source: source, cache: c, ttl: ttl, clock: clock, logger: logger}
}

// ObservationKey is the cache key for one observation request.
func ObservationKey(stationID string, start, end time.Time, element, reduction string) string {
	return strings.Join([]string{
		stationID, element, reduction,
		start.Format(models.DateLayout), end.Format(models.DateLayout),
	}, "|")
}

// FetchObservations serves from cache when possible. Only non-empty responses
// for settled ranges are stored; "no data" is never cached.
func (c *CachedObservations) FetchObservations(ctx context.Context, stationID string, start, end time.Time, element, reduction string) (map[string]string, error) {
	logger := observability.LoggerFromContext(ctx, c.logger)
	key := ObservationKey(stationID, start, end, element, reduction)

	cached, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		observability.ObservationCacheTotal.WithLabelValues("error").Inc()
		logger.Warn("observation cache get failed", zap.String("key", key), zap.Error(err))
	case ok:
		observability.ObservationCacheTotal.WithLabelValues("hit").Inc()
		return cached, nil
	default:
		observability.ObservationCacheTotal.WithLabelValues("miss").Inc()
	}

	obs, err := c.source.FetchObservations(ctx, stationID, start, end, element, reduction)
	if err != nil {
		return nil, err
	}

	if len(obs) > 0 && c.settled(end) {
		if err := c.cache.Set(ctx, key, obs, c.ttl); err != nil {
			logger.Warn("observation cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return obs, nil
}

func (c *CachedObservations) settled(end time.Time) bool {
	now := c.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return end.Before(today.AddDate(0, 0, -settleDays+1))
}

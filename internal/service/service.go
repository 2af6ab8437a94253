package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ankitRaj925/Atmos-AQI/internal/aqi"
	"github.com/ankitRaj925/Atmos-AQI/internal/cache"
	"github.com/ankitRaj925/Atmos-AQI/internal/client"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
	"github.com/ankitRaj925/Atmos-AQI/internal/validation"
)

const (
	cacheTypeCity     = "aqi"
	cacheTypeLocation = "location"
)

// AqiConfig holds the TTLs of an AqiService.
type AqiConfig struct {
	TTL         time.Duration // city readings
	LocationTTL time.Duration // coordinate readings
	StaleTTL    time.Duration // maximum age past expiry for stale fallback (0 = disabled)
}

// AqiService serves AQI readings cache-aside. Concurrent misses for the same
// key share one upstream call.
type AqiService struct {
	client    client.AirQualityClient
	cities    cache.Cache[models.AqiData]
	locations cache.Cache[models.AqiData]
	cfg       AqiConfig
	stampede  *stampedeTracker
	group     singleflight.Group
}

func NewAqiService(c client.AirQualityClient, cities, locations cache.Cache[models.AqiData], cfg AqiConfig) *AqiService {
	return &AqiService{
		client:    c,
		cities:    cities,
		locations: locations,
		cfg:       cfg,
		stampede:  newStampedeTracker(),
	}
}

// GetByCity returns the reading for city, from cache when fresh.
func (s *AqiService) GetByCity(ctx context.Context, city string) (models.AqiData, error) {
	key := cache.NormalizeKey(city)
	if key == "" {
		return models.AqiData{}, validation.ErrCityEmpty
	}
	observability.RecordCityQuery(key)
	return s.get(ctx, cacheTypeCity, key, s.cities, s.cfg.TTL, func(fctx context.Context) (models.AqiData, error) {
		return s.client.FetchCity(fctx, key)
	})
}

// GetByLocation returns the reading for the coordinates. Coordinates are
// rounded to two decimals (about 1 km) for both the cache key and the lookup.
func (s *AqiService) GetByLocation(ctx context.Context, lat, lon float64) (models.AqiData, error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return models.AqiData{}, err
	}
	lat, lon = roundCoord(lat), roundCoord(lon)
	key := fmt.Sprintf("%.2f,%.2f", lat, lon)
	observability.AqiQueriesTotal.WithLabelValues("location").Inc()
	return s.get(ctx, cacheTypeLocation, key, s.locations, s.cfg.LocationTTL, func(fctx context.Context) (models.AqiData, error) {
		return s.client.FetchLocation(fctx, lat, lon)
	})
}

// Clear empties both caches.
func (s *AqiService) Clear(ctx context.Context) error {
	if err := s.cities.Clear(ctx); err != nil {
		return err
	}
	return s.locations.Clear(ctx)
}

func (s *AqiService) get(ctx context.Context, cacheType, key string, c cache.Cache[models.AqiData], ttl time.Duration,
	fetch func(context.Context) (models.AqiData, error)) (models.AqiData, error) {
	start := time.Now()
	logger := observability.LoggerFrom(ctx)

	cached, ok, err := c.Get(ctx, key)
	if err != nil {
		logger.Warn("cache get failed", zap.String("cache", cacheType), zap.String("key", key), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues(cacheType).Inc()
		logger.Debug("aqi served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return withGuidance(cached), nil
	}
	observability.CacheMissesTotal.WithLabelValues(cacheType).Inc()

	flightKey := cacheType + ":" + key
	if n := s.stampede.RecordMiss(flightKey); n > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(cacheType).Inc()
	}
	defer s.stampede.RecordHit(flightKey)

	logger.Debug("cache miss, fetching upstream", zap.String("key", key))

	// The shared fetch outlives a caller's cancellation so one disconnect does
	// not fail every waiter, but keeps the first caller's deadline.
	ch := s.group.DoChan(flightKey, func() (any, error) {
		fctx, cancel := detach(ctx)
		defer cancel()
		data, err := fetch(fctx)
		if err != nil {
			return models.AqiData{}, err
		}
		if setErr := c.Set(fctx, key, data, ttl); setErr != nil {
			logger.Warn("cache set failed", zap.String("cache", cacheType), zap.String("key", key), zap.Error(setErr))
		}
		return data, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return models.AqiData{}, ctx.Err()
	case res = <-ch:
	}
	if res.Shared {
		observability.CoalescedRequestsTotal.WithLabelValues(cacheType).Inc()
	}

	if res.Err != nil {
		if s.cfg.StaleTTL > 0 {
			entry, ok, staleErr := c.GetStale(ctx, key, s.cfg.StaleTTL)
			if staleErr == nil && ok {
				age := time.Since(entry.StoredAt)
				observability.StaleCacheServesTotal.WithLabelValues(cacheType).Inc()
				logger.Info("serving stale cache", zap.String("key", key), zap.Duration("age", age), zap.Error(res.Err))
				stale := entry.Value
				stale.Stale = true
				return withGuidance(stale), nil
			}
		}
		return models.AqiData{}, fmt.Errorf("fetch %s %s: %w", cacheType, key, res.Err)
	}

	logger.Debug("aqi served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return withGuidance(res.Val.(models.AqiData)), nil
}

// withGuidance attaches activity guidance and records the served level.
func withGuidance(d models.AqiData) models.AqiData {
	if d.Level != models.LevelUnknown {
		d.Activities = aqi.Activities(d.Aqi)
	}
	observability.AqiLevelTotal.WithLabelValues(string(d.Level)).Inc()
	return d
}

func roundCoord(v float64) float64 {
	return math.Round(v*100) / 100
}

// detach drops ctx's cancellation but carries over its deadline and values.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	d := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(d, deadline)
	}
	return context.WithCancel(d)
}

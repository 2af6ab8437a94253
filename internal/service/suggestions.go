package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ankitRaj925/Atmos-AQI/internal/cache"
	"github.com/ankitRaj925/Atmos-AQI/internal/client"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
)

const cacheTypeSuggestion = "suggestion"

// DefaultMinQueryLength is the shortest query that reaches the model.
const DefaultMinQueryLength = 2

// SuggestionService answers autocomplete queries.
type SuggestionService struct {
	client    client.AirQualityClient
	cache     cache.Cache[[]models.CitySuggestion]
	ttl       time.Duration
	minLength int
	limit     int
}

func NewSuggestionService(c client.AirQualityClient, sc cache.Cache[[]models.CitySuggestion], ttl time.Duration, minLength, limit int) *SuggestionService {
	if minLength <= 0 {
		minLength = DefaultMinQueryLength
	}
	if limit <= 0 {
		limit = client.DefaultSuggestLimit
	}
	return &SuggestionService{client: c, cache: sc, ttl: ttl, minLength: minLength, limit: limit}
}

// MinLength returns the shortest query Suggest forwards upstream.
func (s *SuggestionService) MinLength() int {
	return s.minLength
}

// Suggest returns up to limit cities for query. Queries shorter than the
// minimum and upstream failures yield an empty list; only cancellation of ctx
// is reported as an error.
func (s *SuggestionService) Suggest(ctx context.Context, query string) ([]models.CitySuggestion, error) {
	key := cache.NormalizeKey(query)
	if len([]rune(key)) < s.minLength {
		observability.SuggestRequestsTotal.WithLabelValues("short").Inc()
		return []models.CitySuggestion{}, nil
	}
	logger := observability.LoggerFrom(ctx)

	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("cache get failed", zap.String("cache", cacheTypeSuggestion), zap.String("key", key), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues(cacheTypeSuggestion).Inc()
		observability.SuggestRequestsTotal.WithLabelValues("cached").Inc()
		return cached, nil
	}
	observability.CacheMissesTotal.WithLabelValues(cacheTypeSuggestion).Inc()

	list, err := s.client.SuggestCities(ctx, key, s.limit)
	if err != nil {
		if ctx.Err() != nil {
			observability.SuggestRequestsTotal.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
		observability.SuggestRequestsTotal.WithLabelValues("error").Inc()
		logger.Warn("suggestion lookup failed", zap.String("query", key), zap.Error(err))
		return []models.CitySuggestion{}, nil
	}
	if list == nil {
		list = []models.CitySuggestion{}
	}
	if err := s.cache.Set(ctx, key, list, s.ttl); err != nil {
		logger.Warn("cache set failed", zap.String("cache", cacheTypeSuggestion), zap.String("key", key), zap.Error(err))
	}
	observability.SuggestRequestsTotal.WithLabelValues("fetched").Inc()
	return list, nil
}

// Clear empties the suggestion cache.
func (s *SuggestionService) Clear(ctx context.Context) error {
	return s.cache.Clear(ctx)
}

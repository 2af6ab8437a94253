package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ankitRaj925/Atmos-AQI/internal/cache"
	"github.com/ankitRaj925/Atmos-AQI/internal/chat"
	"github.com/ankitRaj925/Atmos-AQI/internal/circuitbreaker"
	"github.com/ankitRaj925/Atmos-AQI/internal/client"
	"github.com/ankitRaj925/Atmos-AQI/internal/config"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
	"github.com/ankitRaj925/Atmos-AQI/internal/recent"
	"github.com/ankitRaj925/Atmos-AQI/internal/service"
	"github.com/ankitRaj925/Atmos-AQI/internal/store"
)

// backends are the caches and recent-search store for the configured backend.
type backends struct {
	cities      cache.Cache[models.AqiData]
	locations   cache.Cache[models.AqiData]
	suggestions cache.Cache[[]models.CitySuggestion]
	recent      recent.Store
	ping        func() error
	closers     []func() error
}

func (b *backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func newBackends(cfg *config.Config) (*backends, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc := cache.NewMemcachedClient(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		cities := cache.NewMemcachedCache[models.AqiData](mc, "aqi", cfg.StaleTTL)
		return &backends{
			cities:      cities,
			locations:   cache.NewMemcachedCache[models.AqiData](mc, "location", cfg.StaleTTL),
			suggestions: cache.NewMemcachedCache[[]models.CitySuggestion](mc, "suggest", 0),
			recent:      recent.NewMemoryStore(),
			ping:        cities.Ping,
			closers:     []func() error{cities.Close},
		}, nil
	case "sqlite":
		db, err := store.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		cities := cache.NewSQLiteCache[models.AqiData](db, "aqi", cfg.StaleTTL)
		return &backends{
			cities:      cities,
			locations:   cache.NewSQLiteCache[models.AqiData](db, "location", cfg.StaleTTL),
			suggestions: cache.NewSQLiteCache[[]models.CitySuggestion](db, "suggest", 0),
			recent:      recent.NewSQLiteStore(db),
			ping:        cities.Ping,
			closers:     []func() error{db.Close},
		}, nil
	default:
		return &backends{
			cities:      cache.NewInMemoryCache[models.AqiData](cfg.StaleTTL),
			locations:   cache.NewInMemoryCache[models.AqiData](cfg.StaleTTL),
			suggestions: cache.NewInMemoryCache[[]models.CitySuggestion](0),
			recent:      recent.NewMemoryStore(),
		}, nil
	}
}

// app is the wired service graph shared by serve, lookup and suggest.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	generator   *client.GeminiGenerator
	aqi         *service.AqiService
	suggestions *service.SuggestionService
	assistant   *chat.Assistant
	backends    *backends
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	gen, err := client.NewGeminiGenerator(ctx, client.GeminiConfig{
		APIKey:         cfg.GeminiAPIKey,
		Model:          cfg.GeminiModel,
		BaseURL:        cfg.GeminiBaseURL,
		Timeout:        cfg.GeminiTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	gen.SetCircuitBreaker(newBreaker(cfg, logger))

	b, err := newBackends(cfg)
	if err != nil {
		return nil, fmt.Errorf("cache backend %s: %w", cfg.CacheBackend, err)
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend))

	aqc := client.NewAirQualityClient(gen, client.WithSearch(cfg.GroundingEnabled))
	return &app{
		cfg:       cfg,
		logger:    logger,
		generator: gen,
		aqi: service.NewAqiService(aqc, b.cities, b.locations, service.AqiConfig{
			TTL:         cfg.CacheTTL,
			LocationTTL: cfg.LocationCacheTTL,
			StaleTTL:    cfg.StaleTTL,
		}),
		suggestions: service.NewSuggestionService(aqc, b.suggestions, cfg.SuggestionCacheTTL, cfg.SuggestMinLength, cfg.SuggestLimit),
		assistant:   chat.NewAssistant(gen, cfg.ChatMaxHistory),
		backends:    b,
	}, nil
}

func newBreaker(cfg *config.Config, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	const component = "genai"
	observability.CircuitBreakerState.WithLabelValues(component).Set(0)
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		Component:        component,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
			logger.Warn("circuit breaker transition",
				zap.String("component", component), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

func (a *app) Close() error {
	return a.backends.Close()
}

// warm fetches the tracked cities once, then every WarmInterval until ctx ends.
func (a *app) warm(ctx context.Context) {
	if len(a.cfg.TrackedCities) == 0 {
		return
	}
	warmer := cache.NewCacheWarmer(a.aqi, a.logger, a.cfg.WarmConcurrency)
	warmCtx, cancel := context.WithTimeout(ctx, 2*a.cfg.RequestTimeout)
	if err := warmer.Warm(warmCtx, a.cfg.TrackedCities); err != nil {
		a.logger.Warn("cache warming failed", zap.Error(err))
	}
	cancel()
	if a.cfg.WarmInterval <= 0 {
		return
	}
	if err := warmer.WarmPeriodic(ctx, a.cfg.TrackedCities, a.cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("periodic cache warming stopped", zap.Error(err))
	}
}

// startupLogger builds the service logger and loads configuration.
func startupLogger() (*zap.Logger, *config.Config, error) {
	logger, err := observability.NewLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		_ = observability.FlushTelemetry(logger)
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return logger, cfg, nil
}

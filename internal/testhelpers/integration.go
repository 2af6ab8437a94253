//go:build integration
// +build integration

// Package testhelpers wires live Gemini-backed services for integration tests.
package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ankitRaj925/Atmos-AQI/internal/cache"
	"github.com/ankitRaj925/Atmos-AQI/internal/client"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	Model         string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration settings from the environment and
// skips the test when GEMINI_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("GEMINI_API_KEY not set, skipping integration test")
	}
	cfg := IntegrationTestConfig{
		APIKey:        apiKey,
		Model:         os.Getenv("GEMINI_MODEL"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: os.Getenv("MEMCACHED_ADDRS"),
	}
	if cfg.MemcachedAddr == "" {
		cfg.MemcachedAddr = "localhost:11211"
	}
	return cfg
}

// SetupIntegrationClient creates a live AirQualityClient.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.GeminiAirQualityClient {
	t.Helper()
	gen, err := client.NewGeminiGenerator(context.Background(), client.GeminiConfig{
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		Timeout:        30 * time.Second,
		RetryAttempts:  2,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewGeminiGenerator() error = %v", err)
	}
	return client.NewAirQualityClient(gen)
}

// SetupIntegrationService builds an AqiService over the configured cache
// backend, falling back to memory when memcached is unreachable. Caches are
// cleared on cleanup.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) *service.AqiService {
	t.Helper()
	var cities, locations cache.Cache[models.AqiData]
	if cfg.CacheBackend == "memcached" {
		mc := cache.NewMemcachedClient(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err := mc.Ping(); err == nil {
			cities = cache.NewMemcachedCache[models.AqiData](mc, "it-aqi", time.Hour)
			locations = cache.NewMemcachedCache[models.AqiData](mc, "it-location", time.Hour)
			t.Logf("using memcached at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("memcached not available (%v), using in-memory cache", err)
		}
	}
	if cities == nil {
		cities = cache.NewInMemoryCache[models.AqiData](time.Hour)
		locations = cache.NewInMemoryCache[models.AqiData](time.Hour)
	}

	svc := service.NewAqiService(SetupIntegrationClient(t, cfg), cities, locations, service.AqiConfig{
		TTL:         5 * time.Minute,
		LocationTTL: 5 * time.Minute,
		StaleTTL:    time.Hour,
	})
	t.Cleanup(func() { _ = svc.Clear(context.Background()) })
	return svc
}

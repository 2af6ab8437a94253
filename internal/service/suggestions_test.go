package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ankitRaj925/Atmos-AQI/internal/cache"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
)

func newTestSuggestionService(mc *mockAirQualityClient) *SuggestionService {
	return NewSuggestionService(mc, cache.NewInMemoryCache[[]models.CitySuggestion](0), time.Hour, 0, 0)
}

func TestSuggest_ShortQuerySkipsUpstream(t *testing.T) {
	mc := &mockAirQualityClient{}
	svc := newTestSuggestionService(mc)

	for _, q := range []string{"", " ", "d", " d "} {
		got, err := svc.Suggest(context.Background(), q)
		if err != nil {
			t.Fatalf("Suggest(%q) error = %v", q, err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("Suggest(%q) = %v, want empty non-nil list", q, got)
		}
	}
	if mc.suggCalls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", mc.suggCalls.Load())
	}
}

func TestSuggest_CachesByNormalizedQuery(t *testing.T) {
	mc := &mockAirQualityClient{suggestions: []models.CitySuggestion{
		{Name: "Delhi", Aqi: 180}, {Name: "Dehradun", Aqi: 90}, {Name: "Dewas", Aqi: 70}, {Name: "Deoghar", Aqi: 60},
	}}
	svc := newTestSuggestionService(mc)
	ctx := context.Background()

	got, err := svc.Suggest(ctx, "De")
	if err != nil {
		t.Fatalf("Suggest() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Suggest() len = %d, want limit 3", len(got))
	}
	if _, err := svc.Suggest(ctx, " de "); err != nil {
		t.Fatalf("Suggest() error = %v", err)
	}
	if mc.suggCalls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", mc.suggCalls.Load())
	}
}

func TestSuggest_UpstreamErrorYieldsEmptyAndIsNotCached(t *testing.T) {
	mc := &mockAirQualityClient{suggestErr: errors.New("boom")}
	svc := newTestSuggestionService(mc)
	ctx := context.Background()

	got, err := svc.Suggest(ctx, "mum")
	if err != nil || len(got) != 0 {
		t.Fatalf("Suggest() = %v, %v; want empty, nil", got, err)
	}
	_, _ = svc.Suggest(ctx, "mum")
	if mc.suggCalls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2 (errors are not cached)", mc.suggCalls.Load())
	}
}

func TestSuggest_CancelledContextReturnsError(t *testing.T) {
	mc := &mockAirQualityClient{suggestErr: context.Canceled}
	svc := newTestSuggestionService(mc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Suggest(ctx, "mum"); !errors.Is(err, context.Canceled) {
		t.Errorf("Suggest() error = %v, want context.Canceled", err)
	}
}

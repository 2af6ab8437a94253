// Package client turns air-quality questions into Gemini calls and the
// model's free-form answers into normalized models.AqiData.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
)

// ErrFetchFailed is returned when both the grounded and the estimate call fail.
var ErrFetchFailed = errors.New("failed to fetch AQI data")

// DefaultSuggestLimit is the number of cities a suggestion lookup asks for.
const DefaultSuggestLimit = 3

// AirQualityClient fetches AQI readings and city suggestions.
type AirQualityClient interface {
	FetchCity(ctx context.Context, city string) (models.AqiData, error)
	FetchLocation(ctx context.Context, lat, lon float64) (models.AqiData, error)
	SuggestCities(ctx context.Context, query string, limit int) ([]models.CitySuggestion, error)
}

// GeminiAirQualityClient implements AirQualityClient on top of a Generator.
type GeminiAirQualityClient struct {
	gen    Generator
	search bool
	now    func() time.Time
}

// Option configures a GeminiAirQualityClient.
type Option func(*GeminiAirQualityClient)

// WithSearch toggles Google Search grounding for city and location lookups.
// With grounding off, city lookups go straight to the estimate call.
func WithSearch(enabled bool) Option {
	return func(c *GeminiAirQualityClient) { c.search = enabled }
}

// WithClock overrides the time source for lastUpdated.
func WithClock(now func() time.Time) Option {
	return func(c *GeminiAirQualityClient) { c.now = now }
}

func NewAirQualityClient(gen Generator, opts ...Option) *GeminiAirQualityClient {
	c := &GeminiAirQualityClient{gen: gen, search: true, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchCity asks for a grounded reading and, if that fails or cannot be
// parsed, retries once without tools in JSON mode asking for an estimate.
func (c *GeminiAirQualityClient) FetchCity(ctx context.Context, city string) (models.AqiData, error) {
	logger := observability.LoggerFrom(ctx)
	prompt := cityPrompt(city)
	fallbackCity := TitleCity(city)

	var firstErr error
	if c.search {
		res, err := c.gen.Generate(ctx, Request{Operation: "city", Prompt: prompt, Search: true})
		if err == nil {
			data, perr := parseAqi(res.Text, fallbackCity, res.Sources, c.now())
			if perr == nil {
				return data, nil
			}
			err = perr
		}
		if ctx.Err() != nil {
			return models.AqiData{}, fmt.Errorf("%w: %w", ErrFetchFailed, ctx.Err())
		}
		firstErr = err
		logger.Warn("grounded AQI lookup failed, using estimate",
			zap.String("city", city), zap.Error(err))
		observability.GenAIFallbacksTotal.WithLabelValues("city").Inc()
	}

	res, err := c.gen.Generate(ctx, Request{Operation: "city_estimate", Prompt: prompt + estimateSuffix, JSON: true})
	if err == nil {
		data, perr := parseAqi(res.Text, fallbackCity, nil, c.now())
		if perr == nil {
			return data, nil
		}
		err = perr
	}
	if firstErr != nil {
		logger.Error("AQI lookup failed", zap.String("city", city),
			zap.NamedError("grounded_error", firstErr), zap.Error(err))
	}
	return models.AqiData{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
}

// FetchLocation looks up the city at the coordinates. There is no estimate
// retry and no sources are attached.
func (c *GeminiAirQualityClient) FetchLocation(ctx context.Context, lat, lon float64) (models.AqiData, error) {
	res, err := c.gen.Generate(ctx, Request{Operation: "location", Prompt: locationPrompt(lat, lon), Search: c.search, JSON: !c.search})
	if err != nil {
		return models.AqiData{}, err
	}
	return parseAqi(res.Text, locationFallbackName(lat, lon), nil, c.now())
}

// SuggestCities lists up to limit cities matching query.
func (c *GeminiAirQualityClient) SuggestCities(ctx context.Context, query string, limit int) ([]models.CitySuggestion, error) {
	if limit <= 0 {
		limit = DefaultSuggestLimit
	}
	res, err := c.gen.Generate(ctx, Request{Operation: "suggest", Prompt: suggestPrompt(query, limit), JSON: true})
	if err != nil {
		return nil, err
	}
	return parseSuggestions(res.Text, limit)
}

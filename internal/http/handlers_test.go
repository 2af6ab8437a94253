package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ankitRaj925/Atmos-AQI/internal/cache"
	"github.com/ankitRaj925/Atmos-AQI/internal/chat"
	"github.com/ankitRaj925/Atmos-AQI/internal/circuitbreaker"
	"github.com/ankitRaj925/Atmos-AQI/internal/client"
	"github.com/ankitRaj925/Atmos-AQI/internal/health"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/recent"
	"github.com/ankitRaj925/Atmos-AQI/internal/service"
)

const testSession = "6f1c2a9e-3b7d-4e21-9a55-0c8d2f4b7e10"

type mockAirQualityClient struct {
	data        models.AqiData
	err         error
	suggestions []models.CitySuggestion
	suggestErr  error
	locCity     string // when set, FetchLocation reports this name
	gate        chan struct{} // when set, FetchCity blocks until closed
	cityCalls   atomic.Int32
	suggCalls   atomic.Int32
}

func (m *mockAirQualityClient) FetchCity(ctx context.Context, city string) (models.AqiData, error) {
	m.cityCalls.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	if m.err != nil {
		return models.AqiData{}, m.err
	}
	d := m.data
	if d.City == "" {
		d.City = city
	}
	return d, nil
}

func (m *mockAirQualityClient) FetchLocation(ctx context.Context, lat, lon float64) (models.AqiData, error) {
	if m.err != nil {
		return models.AqiData{}, m.err
	}
	d := m.data
	d.City = fmt.Sprintf("Near %.2f,%.2f", lat, lon)
	if m.locCity != "" {
		d.City = m.locCity
	}
	return d, nil
}

func (m *mockAirQualityClient) SuggestCities(ctx context.Context, query string, limit int) ([]models.CitySuggestion, error) {
	m.suggCalls.Add(1)
	return m.suggestions, m.suggestErr
}

type mockGenerator struct {
	text string
	err  error
	last client.Request
}

func (g *mockGenerator) Generate(ctx context.Context, req client.Request) (client.Result, error) {
	g.last = req
	return client.Result{Text: g.text}, g.err
}

type testEnv struct {
	handler *Handler
	router  http.Handler
	monitor *health.Monitor
	client  *mockAirQualityClient
	gen     *mockGenerator
}

type envOption func(*Config, *RouterOptions)

func newTestEnv(t *testing.T, aqc *mockAirQualityClient, opts ...envOption) *testEnv {
	t.Helper()
	if aqc == nil {
		aqc = &mockAirQualityClient{}
	}
	gen := &mockGenerator{text: "Wear a mask outdoors."}
	aqiSvc := service.NewAqiService(aqc,
		cache.NewInMemoryCache[models.AqiData](time.Hour),
		cache.NewInMemoryCache[models.AqiData](time.Hour),
		service.AqiConfig{TTL: time.Minute, LocationTTL: time.Minute})
	suggSvc := service.NewSuggestionService(aqc, cache.NewInMemoryCache[[]models.CitySuggestion](time.Hour), time.Hour, 2, 3)
	monitor := health.NewMonitor(health.Config{}, health.NewTracker(), nil, zap.NewNop())

	cfg := Config{
		Aqi:         aqiSvc,
		Suggestions: suggSvc,
		Assistant:   chat.NewAssistant(gen, 20),
		Recent:      recent.NewMemoryStore(),
		Health:      monitor,
		Logger:      zap.NewNop(),
		Limits:      Limits{SuggestDebounce: 10 * time.Millisecond},
	}
	ropts := RouterOptions{RequestTimeout: time.Second, TestingMode: true}
	for _, o := range opts {
		o(&cfg, &ropts)
	}
	h := NewHandler(cfg)
	return &testEnv{handler: h, router: NewRouter(h, ropts), monitor: cfg.Health, client: aqc, gen: gen}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(sessionHeader, testSession)
	req.Header.Set(correlationHeader, "test-correlation-id")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body struct {
		Error map[string]string `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestHandler_GetAqi_Success(t *testing.T) {
	env := newTestEnv(t, &mockAirQualityClient{data: models.AqiData{
		City: "Delhi", Aqi: 182, Level: models.LevelUnhealthy, Pollutants: []models.Pollutant{}, SourceURLs: []string{},
	}})

	w := env.do(t, http.MethodGet, "/api/aqi?city=delhi", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GetAqi() status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	var got models.AqiData
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.City != "Delhi" || got.Aqi != 182 {
		t.Errorf("GetAqi() = %+v", got)
	}
	if len(got.Activities) == 0 {
		t.Error("Activities empty, want guidance attached")
	}

	w = env.do(t, http.MethodGet, "/api/recent", "")
	var list []string
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(list) != 1 || list[0] != "Delhi" {
		t.Errorf("recent = %v, want [Delhi]", list)
	}
	if n := env.monitor.Tracker().ServedCount(time.Minute); n != 1 {
		t.Errorf("tracked outcomes = %d, want 1", n)
	}
}

func TestHandler_GetAqi_InvalidCity(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, q := range []string{"", "%20%20", "a", "Delhi%3Cscript%3E", strings.Repeat("x", 101)} {
		t.Run(q, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/aqi?city="+q, "")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			e := decodeError(t, w)
			if e["code"] != "INVALID_CITY" {
				t.Errorf("code = %q, want INVALID_CITY", e["code"])
			}
			if e["requestId"] != "test-correlation-id" {
				t.Errorf("requestId = %q, want correlation id", e["requestId"])
			}
		})
	}
	if env.client.cityCalls.Load() != 0 {
		t.Error("upstream called for invalid input")
	}
}

func TestHandler_GetAqi_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"timeout", fmt.Errorf("request timeout: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"},
		{"unparseable", fmt.Errorf("%w: %w", client.ErrFetchFailed, client.ErrUnparseable), http.StatusBadGateway, "UPSTREAM_INVALID_RESPONSE"},
		{"circuit open", circuitbreaker.ErrOpen, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"other", errors.New("boom"), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &mockAirQualityClient{err: tt.err})
			w := env.do(t, http.MethodGet, "/api/aqi?city=Pune", "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if e := decodeError(t, w); e["code"] != tt.wantErr {
				t.Errorf("code = %q, want %q", e["code"], tt.wantErr)
			}
			errs, _ := env.monitor.Tracker().ErrorRate(time.Minute)
			if errs != 1 {
				t.Errorf("tracked errors = %d, want 1", errs)
			}
		})
	}
}

func TestHandler_GetAqi_RequestTimeout(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	env := newTestEnv(t, &mockAirQualityClient{gate: gate}, func(_ *Config, o *RouterOptions) {
		o.RequestTimeout = 30 * time.Millisecond
	})

	w := env.do(t, http.MethodGet, "/api/aqi?city=Chennai", "")
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	if e := decodeError(t, w); e["code"] != "UPSTREAM_TIMEOUT" {
		t.Errorf("code = %q, want UPSTREAM_TIMEOUT", e["code"])
	}
}

func TestHandler_GetAqiByLocation(t *testing.T) {
	env := newTestEnv(t, &mockAirQualityClient{data: models.AqiData{Aqi: 40}})

	w := env.do(t, http.MethodGet, "/api/aqi/location?lat=28.6139&lon=77.2090", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got models.AqiData
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.City != "Near 28.61,77.21" {
		t.Errorf("City = %q, want coordinates rounded to 2 decimals", got.City)
	}

	for _, q := range []string{"lat=abc&lon=1", "lat=91&lon=0", "lat=0&lon=181", "lon=1"} {
		w := env.do(t, http.MethodGet, "/api/aqi/location?"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
			continue
		}
		if e := decodeError(t, w); e["code"] != "INVALID_COORDINATES" {
			t.Errorf("%s: code = %q", q, e["code"])
		}
	}
}

func TestHandler_GetSuggestions(t *testing.T) {
	tests := []struct {
		name      string
		client    *mockAirQualityClient
		query     string
		wantLen   int
		wantCalls int32
	}{
		{"short query skips upstream", &mockAirQualityClient{}, "d", 0, 0},
		{"results", &mockAirQualityClient{suggestions: []models.CitySuggestion{{Name: "Delhi", Aqi: 180}, {Name: "Dehradun", Aqi: 90}}}, "de", 2, 1},
		{"upstream error is empty list", &mockAirQualityClient{suggestErr: errors.New("quota")}, "mu", 0, 1},
		{"too long is empty list", &mockAirQualityClient{}, strings.Repeat("q", 150), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.client)
			w := env.do(t, http.MethodGet, "/api/suggestions?query="+tt.query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if strings.TrimSpace(w.Body.String()) == "null" {
				t.Fatal("body is null, want array")
			}
			var got []models.CitySuggestion
			_ = json.NewDecoder(w.Body).Decode(&got)
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
			if calls := tt.client.suggCalls.Load(); calls != tt.wantCalls {
				t.Errorf("upstream calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestHandler_PostChat(t *testing.T) {
	t.Run("reply with context", func(t *testing.T) {
		env := newTestEnv(t, nil)
		body := `{"message":"Can I run today?","history":[{"id":"welcome","role":"model","text":"Hi!"},{"role":"user","text":"hello"}],"aqiContext":{"city":"Delhi","aqi":210,"level":"Very Unhealthy","pollutants":[{"name":"PM2.5","value":120.5,"unit":"µg/m³"}]}}`
		w := env.do(t, http.MethodPost, "/api/chat", body)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
		}
		var got chat.Reply
		_ = json.NewDecoder(w.Body).Decode(&got)
		if got.Text != "Wear a mask outdoors." || got.Fallback {
			t.Errorf("reply = %+v", got)
		}
		if len(env.gen.last.History) != 1 {
			t.Errorf("history turns = %d, want 1 (welcome dropped)", len(env.gen.last.History))
		}
		if !strings.Contains(env.gen.last.SystemInstruction, "City: Delhi") {
			t.Error("system instruction missing AQI context")
		}
	})

	t.Run("upstream failure falls back", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.gen.err = client.ErrUpstreamFailure
		w := env.do(t, http.MethodPost, "/api/chat", `{"message":"hi"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var got chat.Reply
		_ = json.NewDecoder(w.Body).Decode(&got)
		if !got.Fallback || got.Text != chat.UnavailableReply {
			t.Errorf("reply = %+v, want fallback", got)
		}
	})

	for name, body := range map[string]string{
		"not json":      `hello`,
		"empty message": `{"message":"   "}`,
		"too long":      `{"message":"` + strings.Repeat("a", 2001) + `"}`,
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			w := env.do(t, http.MethodPost, "/api/chat", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestHandler_GetGuidance(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/guidance?aqi=160", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got guidanceResponse
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.Level != models.LevelUnhealthy || len(got.Activities) == 0 {
		t.Errorf("guidance = %+v", got)
	}

	for _, q := range []string{"", "abc", "-5"} {
		if w := env.do(t, http.MethodGet, "/api/guidance?aqi="+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("aqi=%q: status = %d, want 400", q, w.Code)
		}
	}
}

func TestHandler_RecentRecordsResolvedCityName(t *testing.T) {
	env := newTestEnv(t, &mockAirQualityClient{data: models.AqiData{City: "New Delhi", Aqi: 180}})

	env.do(t, http.MethodGet, "/api/aqi?city=delhi", "")
	list := recentList(t, env)
	if len(list) != 1 || list[0] != "New Delhi" {
		t.Errorf("recent = %v, want [New Delhi]", list)
	}
}

func TestHandler_RecentRecordsNamedLocations(t *testing.T) {
	tests := []struct {
		name    string
		locCity string
		want    []string
	}{
		{"named city", "Gurugram", []string{"Gurugram"}},
		{"coordinate fallback", "Loc: 28.46, 77.03", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &mockAirQualityClient{data: models.AqiData{Aqi: 120}, locCity: tt.locCity})

			w := env.do(t, http.MethodGet, "/api/aqi/location?lat=28.4595&lon=77.0266", "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if got := recentList(t, env); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("recent = %v, want %v", got, tt.want)
			}
		})
	}
}

func recentList(t *testing.T, env *testEnv) []string {
	t.Helper()
	w := env.do(t, http.MethodGet, "/api/recent", "")
	var list []string
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	return list
}

func TestHandler_Recent_Clear(t *testing.T) {
	env := newTestEnv(t, &mockAirQualityClient{data: models.AqiData{Aqi: 50}})
	for _, c := range []string{"delhi", "mumbai", "Delhi"} {
		env.do(t, http.MethodGet, "/api/aqi?city="+c, "")
	}
	w := env.do(t, http.MethodGet, "/api/recent", "")
	var list []string
	_ = json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 2 || list[0] != "Delhi" {
		t.Errorf("recent = %v, want [Delhi Mumbai]", list)
	}

	if w := env.do(t, http.MethodDelete, "/api/recent", ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/recent", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("recent after clear = %s, want []", w.Body.String())
	}
}

func TestHandler_GetHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		env := newTestEnv(t, nil)
		w := env.do(t, http.MethodGet, "/health", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(w.Body).Decode(&body)
		if body["status"] != "healthy" || body["service"] != serviceName {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("circuit open is degraded", func(t *testing.T) {
		env := newTestEnv(t, nil, func(c *Config, _ *RouterOptions) {
			c.Health = health.NewMonitor(health.Config{}, health.NewTracker(),
				func() circuitbreaker.State { return circuitbreaker.StateOpen }, zap.NewNop())
		})
		w := env.do(t, http.MethodGet, "/health", "")
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", w.Code)
		}
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
			Reason string            `json:"reason"`
		}
		_ = json.NewDecoder(w.Body).Decode(&body)
		if body.Status != "degraded" || body.Checks["genai"] != "unhealthy" || body.Reason != "circuit_open" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("cache ping failure reported", func(t *testing.T) {
		env := newTestEnv(t, nil, func(c *Config, _ *RouterOptions) {
			c.CachePing = func() error { return errors.New("dial tcp: connection refused") }
		})
		w := env.do(t, http.MethodGet, "/health", "")
		var body struct {
			Checks map[string]string `json:"checks"`
		}
		_ = json.NewDecoder(w.Body).Decode(&body)
		if body.Checks["cache"] != "unhealthy" {
			t.Errorf("checks = %v, want cache unhealthy", body.Checks)
		}
	})
}

func TestHandler_TestActions(t *testing.T) {
	env := newTestEnv(t, &mockAirQualityClient{data: models.AqiData{Aqi: 75}})

	if w := env.do(t, http.MethodPost, "/test/shutdown", ""); w.Code != http.StatusOK {
		t.Fatalf("shutdown status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("health after shutdown = %d, want 503", w.Code)
	}

	env.do(t, http.MethodPost, "/test/reset", "")
	if w := env.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health after reset = %d, want 200", w.Code)
	}

	w := env.do(t, http.MethodPost, "/test/load", `{"count":7}`)
	var load struct {
		Accepted int `json:"accepted"`
	}
	_ = json.NewDecoder(w.Body).Decode(&load)
	if load.Accepted != 7 {
		t.Errorf("accepted = %d, want 7", load.Accepted)
	}

	w = env.do(t, http.MethodPost, "/test/error", `{"count":3}`)
	var errResp struct {
		Pct int `json:"error_rate_pct"`
	}
	_ = json.NewDecoder(w.Body).Decode(&errResp)
	if errResp.Pct != 30 {
		t.Errorf("error_rate_pct = %d, want 30", errResp.Pct)
	}

	env.do(t, http.MethodGet, "/api/aqi?city=Agra", "")
	if w := env.do(t, http.MethodPost, "/test/clear_cache", ""); w.Code != http.StatusOK {
		t.Fatalf("clear_cache status = %d", w.Code)
	}
	env.do(t, http.MethodGet, "/api/aqi?city=Agra", "")
	if calls := env.client.cityCalls.Load(); calls != 2 {
		t.Errorf("upstream calls = %d, want 2 after cache clear", calls)
	}

	if w := env.do(t, http.MethodPost, "/test/bogus", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown action status = %d, want 404", w.Code)
	}

	w = env.do(t, http.MethodGet, "/test", "")
	var status map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&status)
	if _, ok := status["total_requests_in_window"]; !ok {
		t.Errorf("test status = %v", status)
	}
}

func TestHandler_TestRoutesHiddenOutsideTestingMode(t *testing.T) {
	env := newTestEnv(t, nil, func(_ *Config, o *RouterOptions) { o.TestingMode = false })
	if w := env.do(t, http.MethodPost, "/test/shutdown", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandler_TestLoad_RespectsRateLimiter(t *testing.T) {
	env := newTestEnv(t, nil, func(c *Config, _ *RouterOptions) {
		c.RateLimiter = rate.NewLimiter(rate.Limit(1), 5)
	})
	w := env.do(t, http.MethodPost, "/test/load", `{"count":8}`)
	var load struct {
		Accepted int `json:"accepted"`
		Denied   int `json:"denied"`
	}
	_ = json.NewDecoder(w.Body).Decode(&load)
	if load.Accepted != 5 || load.Denied != 3 {
		t.Errorf("load = %+v, want 5 accepted 3 denied", load)
	}
}

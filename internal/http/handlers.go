package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ankitRaj925/Atmos-AQI/internal/aqi"
	"github.com/ankitRaj925/Atmos-AQI/internal/chat"
	"github.com/ankitRaj925/Atmos-AQI/internal/client"
	"github.com/ankitRaj925/Atmos-AQI/internal/health"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
	"github.com/ankitRaj925/Atmos-AQI/internal/recent"
	"github.com/ankitRaj925/Atmos-AQI/internal/service"
	"github.com/ankitRaj925/Atmos-AQI/internal/validation"
)

const serviceName = "atmos-aqi"

// Limits bounds user input. Zero values take defaults.
type Limits struct {
	CityMinLength   int
	CityMaxLength   int
	QueryMaxLength  int
	MessageMaxRunes int
	SuggestDebounce time.Duration
}

// Config holds the dependencies for Handler. Recent and CachePing are
// optional; CachePing checks cache reachability (memcached, sqlite).
type Config struct {
	Aqi            *service.AqiService
	Suggestions    *service.SuggestionService
	Assistant      *chat.Assistant
	Recent         recent.Store
	Health         *health.Monitor
	Logger         *zap.Logger
	RateLimiter    *rate.Limiter
	RateLimitBurst int
	CachePing      func() error
	AllowedOrigins []string
	Limits         Limits
	Version        string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	aqi            *service.AqiService
	suggestions    *service.SuggestionService
	assistant      *chat.Assistant
	recent         recent.Store
	health         *health.Monitor
	logger         *zap.Logger
	rateLimiter    *rate.Limiter
	rateLimitBurst int
	cachePing      func() error
	limits         Limits
	version        string
	upgrader       websocket.Upgrader
}

// NewHandler returns a new Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Recent == nil {
		cfg.Recent = recent.NewMemoryStore()
	}
	if cfg.Health == nil {
		cfg.Health = health.NewMonitor(health.Config{}, health.NewTracker(), nil, cfg.Logger)
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	l := &cfg.Limits
	if l.CityMinLength <= 0 {
		l.CityMinLength = 2
	}
	if l.CityMaxLength <= 0 {
		l.CityMaxLength = 100
	}
	if l.QueryMaxLength <= 0 {
		l.QueryMaxLength = 100
	}
	if l.MessageMaxRunes <= 0 {
		l.MessageMaxRunes = 2000
	}
	h := &Handler{
		aqi:            cfg.Aqi,
		suggestions:    cfg.Suggestions,
		assistant:      cfg.Assistant,
		recent:         cfg.Recent,
		health:         cfg.Health,
		logger:         cfg.Logger,
		rateLimiter:    cfg.RateLimiter,
		rateLimitBurst: cfg.RateLimitBurst,
		cachePing:      cfg.CachePing,
		limits:         cfg.Limits,
		version:        cfg.Version,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// GetAqi handles GET /api/aqi?city=.
func (h *Handler) GetAqi(w http.ResponseWriter, r *http.Request) {
	city, err := validation.ValidateCity(r.URL.Query().Get("city"), h.limits.CityMinLength, h.limits.CityMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}

	data, err := h.aqi.GetByCity(r.Context(), city)
	if err != nil {
		h.health.Tracker().RecordError()
		writeServiceError(w, r, err)
		return
	}
	h.health.Tracker().RecordSuccess()
	h.addRecent(r, data.City)
	writeJSON(w, http.StatusOK, data)
}

// GetAqiByLocation handles GET /api/aqi/location?lat=&lon=.
func (h *Handler) GetAqiByLocation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, lon, err := validation.ParseCoordinates(q.Get("lat"), q.Get("lon"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", err.Error())
		return
	}

	data, err := h.aqi.GetByLocation(r.Context(), lat, lon)
	if err != nil {
		h.health.Tracker().RecordError()
		writeServiceError(w, r, err)
		return
	}
	h.health.Tracker().RecordSuccess()
	if !strings.HasPrefix(data.City, client.LocationFallbackPrefix) {
		h.addRecent(r, data.City)
	}
	writeJSON(w, http.StatusOK, data)
}

// addRecent records the resolved city name in the session's recent searches.
func (h *Handler) addRecent(r *http.Request, city string) {
	if _, err := h.recent.Add(r.Context(), SessionID(r.Context()), city); err != nil {
		observability.LoggerFrom(r.Context()).Warn("record recent search failed", zap.Error(err))
	}
}

// GetSuggestions handles GET /api/suggestions?query=. It always answers 200
// with an array; bad input and upstream failures yield an empty one.
func (h *Handler) GetSuggestions(w http.ResponseWriter, r *http.Request) {
	list := []models.CitySuggestion{}
	query, err := validation.NormalizeQuery(r.URL.Query().Get("query"), h.limits.QueryMaxLength)
	if err == nil {
		if got, err := h.suggestions.Suggest(r.Context(), query); err == nil {
			list = got
		}
	}
	writeJSON(w, http.StatusOK, list)
}

type chatRequest struct {
	Message    string               `json:"message"`
	History    []models.ChatMessage `json:"history"`
	AqiContext *models.AqiData      `json:"aqiContext"`
}

// maxChatBody bounds the chat request including history.
const maxChatBody = 256 << 10

// PostChat handles POST /api/chat. Upstream failures answer 200 with a
// canned fallback reply.
func (h *Handler) PostChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON {message, history, aqiContext}")
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_MESSAGE", "message is required")
		return
	}
	if len([]rune(msg)) > h.limits.MessageMaxRunes {
		writeError(w, r, http.StatusBadRequest, "INVALID_MESSAGE", "message too long")
		return
	}

	reply, err := h.assistant.Reply(r.Context(), msg, req.History, req.AqiContext)
	if err != nil {
		h.health.Tracker().RecordError()
		writeServiceError(w, r, err)
		return
	}
	if reply.Fallback {
		h.health.Tracker().RecordError()
	} else {
		h.health.Tracker().RecordSuccess()
	}
	writeJSON(w, http.StatusOK, reply)
}

type guidanceResponse struct {
	Aqi        int               `json:"aqi"`
	Level      models.AqiLevel   `json:"level"`
	Activities []models.Activity `json:"activities"`
}

// GetGuidance handles GET /api/guidance?aqi=.
func (h *Handler) GetGuidance(w http.ResponseWriter, r *http.Request) {
	v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("aqi")))
	if err != nil || v < 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_AQI", "aqi must be a non-negative integer")
		return
	}
	writeJSON(w, http.StatusOK, guidanceResponse{Aqi: v, Level: aqi.LevelFor(v), Activities: aqi.Activities(v)})
}

// GetRecent handles GET /api/recent.
func (h *Handler) GetRecent(w http.ResponseWriter, r *http.Request) {
	list, err := h.recent.List(r.Context(), SessionID(r.Context()))
	if err != nil {
		observability.LoggerFrom(r.Context()).Warn("list recent searches failed", zap.Error(err))
		list = nil
	}
	if list == nil {
		list = []string{}
	}
	writeJSON(w, http.StatusOK, list)
}

// DeleteRecent handles DELETE /api/recent.
func (h *Handler) DeleteRecent(w http.ResponseWriter, r *http.Request) {
	if err := h.recent.Clear(r.Context(), SessionID(r.Context())); err != nil {
		observability.LoggerFrom(r.Context()).Warn("clear recent searches failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "unable to clear recent searches")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.health.Evaluate()

	checks := map[string]string{"genai": "healthy"}
	if result.Status == health.StatusDegraded {
		checks["genai"] = "unhealthy"
	}
	if h.cachePing != nil {
		if err := h.cachePing(); err != nil {
			checks["cache"] = "unhealthy"
			observability.LoggerFrom(r.Context()).Warn("cache ping failed", zap.Error(err))
		} else {
			checks["cache"] = "healthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.Status,
		"service":   serviceName,
		"version":   h.version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if result.Reason != "" {
		resp["reason"] = result.Reason
	}
	writeJSON(w, result.StatusCode, resp)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error":{code,message,requestId}}; requestId is the correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps an upstream failure: timeouts to 504, unparseable
// model output to 502, everything else (circuit open included) to 503.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := upstreamError(err)
	observability.LoggerFrom(r.Context()).Debug("upstream error",
		zap.String("category", string(client.CategorizeError(err))), zap.Error(err))
	writeError(w, r, status, code, message)
}

func upstreamError(err error) (int, string, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "Air quality lookup timed out"
	case errors.Is(err, client.ErrUnparseable):
		return http.StatusBadGateway, "UPSTREAM_INVALID_RESPONSE", "Unable to read air quality data"
	default:
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch air quality data"
	}
}

// GetTestStatus handles GET /test. Returns current simulated state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	cfg := h.health.Config()
	window := cfg.DegradedWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	tracker := h.health.Tracker()
	errs, _ := tracker.ErrorRate(window)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":                     h.health.Evaluate().Status,
		"total_requests_in_window":  tracker.RequestCount(window),
		"denied_requests_in_window": tracker.DenialCount(window),
		"errors_in_window":          errs,
		"window_length":             window.String(),
		"config": map[string]interface{}{
			"rate_limit_rps":          cfg.RateLimitRPS,
			"rate_limit_burst":        h.rateLimitBurst,
			"overload_threshold":      cfg.OverloadThreshold(),
			"overload_window_seconds": cfg.OverloadWindow.Seconds(),
			"degraded_error_pct":      cfg.DegradedErrorPct,
		},
	})
}

// PostTestAction handles POST /test/{action} for load, error, reset, shutdown and clear_cache.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		h.health.Tracker().Reset()
		h.health.SetShuttingDown(false)
		writeTestAction(w, action, "All simulated state cleared", nil)
	case "shutdown":
		h.health.SetShuttingDown(true)
		writeTestAction(w, action, "Shutting-down flag set", nil)
	case "clear_cache":
		h.postTestClearCache(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

func writeTestAction(w http.ResponseWriter, action, message string, extra map[string]interface{}) {
	resp := map[string]interface{}{"ok": true, "action": action, "message": message}
	for k, v := range extra {
		resp[k] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeCount(r *http.Request, def int) int {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		return def
	}
	return body.Count
}

// postTestLoad records synthetic requests, spending rate-limit tokens when a
// limiter is configured.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	count := decodeCount(r, 10)
	tracker := h.health.Tracker()
	var accepted, denied int
	if h.rateLimiter != nil {
		for i := 0; i < count; i++ {
			if h.rateLimiter.Allow() {
				tracker.RecordSuccess()
				accepted++
			} else {
				tracker.RecordDenied()
				observability.RateLimitDeniedTotal.Inc()
				denied++
			}
		}
	} else {
		tracker.RecordSuccessN(count)
		accepted = count
	}
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeTestAction(w, "load", msg, map[string]interface{}{
		"state":    h.health.Evaluate().Status,
		"accepted": accepted,
		"denied":   denied,
	})
}

func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	count := decodeCount(r, 1)
	tracker := h.health.Tracker()
	tracker.RecordErrorN(count)

	window := h.health.Config().DegradedWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	errs, total := tracker.ErrorRate(window)
	pct := 0
	if total > 0 {
		pct = errs * 100 / total
	}
	writeTestAction(w, "error", "Recorded "+strconv.Itoa(count)+" errors", map[string]interface{}{
		"state":          h.health.Evaluate().Status,
		"error_rate_pct": pct,
	})
}

func (h *Handler) postTestClearCache(w http.ResponseWriter, r *http.Request) {
	err := errors.Join(h.aqi.Clear(r.Context()), h.suggestions.Clear(r.Context()))
	if err != nil {
		observability.LoggerFrom(r.Context()).Warn("clear cache failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "CACHE_CLEAR_FAILED", err.Error())
		return
	}
	writeTestAction(w, "clear_cache", "AQI and suggestion caches cleared", nil)
}

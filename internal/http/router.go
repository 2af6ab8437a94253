package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	RequestTimeout time.Duration
	TestingMode    bool
	CORSOrigins    []string
	InFlight       *InFlightTracker
}

// NewRouter wires every route and middleware. The autocomplete stream shares
// rate limiting with the rest of /api but not the request timeout.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	if opts.InFlight == nil {
		opts.InFlight = &InFlightTracker{}
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(h.logger))
	router.Use(MetricsMiddleware(opts.InFlight))
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.PathPrefix("/api").Subrouter()
	api.Use(SessionMiddleware)
	api.Use(RateLimitMiddleware(h.rateLimiter, h.health.Tracker()))
	api.HandleFunc("/suggestions/stream", h.StreamSuggestions).Methods(http.MethodGet)

	timed := api.NewRoute().Subrouter()
	if opts.RequestTimeout > 0 {
		timed.Use(TimeoutMiddleware(opts.RequestTimeout))
	}
	timed.HandleFunc("/aqi", h.GetAqi).Methods(http.MethodGet)
	timed.HandleFunc("/aqi/location", h.GetAqiByLocation).Methods(http.MethodGet)
	timed.HandleFunc("/suggestions", h.GetSuggestions).Methods(http.MethodGet)
	timed.HandleFunc("/chat", h.PostChat).Methods(http.MethodPost)
	timed.HandleFunc("/guidance", h.GetGuidance).Methods(http.MethodGet)
	timed.HandleFunc("/recent", h.GetRecent).Methods(http.MethodGet)
	timed.HandleFunc("/recent", h.DeleteRecent).Methods(http.MethodDelete)

	if opts.TestingMode {
		h.logger.Warn("Testing mode enabled; /test endpoint exposed", zap.Bool("testing_mode", true))
		router.HandleFunc("/test", h.GetTestStatus).Methods(http.MethodGet)
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods(http.MethodPost)
	}

	return CORSMiddleware(opts.CORSOrigins)(router)
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ankitRaj925/Atmos-AQI/internal/health"
	httphandler "github.com/ankitRaj925/Atmos-AQI/internal/http"
	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
)

const inFlightCheckInterval = 100 * time.Millisecond

func serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := startupLogger()
			if err != nil {
				return err
			}
			defer func() { _ = observability.FlushTelemetry(logger) }()
			if port != "" {
				cfg.ServerPort = port
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("cache close", zap.Error(err))
				}
			}()
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides PORT and config)")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	cfg, logger := a.cfg, a.logger

	observability.SetTrackedCities(cfg.TrackedCities)
	tracker := health.NewTracker()
	monitor := health.NewMonitor(health.Config{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
	}, tracker, a.generator.CircuitState, logger)
	observability.RegisterRateLimitGauges(
		func() int { return tracker.RequestCount(cfg.OverloadWindow) },
		func() int { return tracker.DenialCount(cfg.OverloadWindow) },
	)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(httphandler.Config{
		Aqi:            a.aqi,
		Suggestions:    a.suggestions,
		Assistant:      a.assistant,
		Recent:         a.backends.recent,
		Health:         monitor,
		Logger:         logger,
		RateLimiter:    limiter,
		RateLimitBurst: cfg.RateLimitBurst,
		CachePing:      a.backends.ping,
		AllowedOrigins: cfg.CORSOrigins,
		Limits: httphandler.Limits{
			CityMinLength:   cfg.CityMinLength,
			CityMaxLength:   cfg.CityMaxLength,
			SuggestDebounce: cfg.SuggestDebounce,
		},
		Version: version,
	})
	inFlight := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
		CORSOrigins:    cfg.CORSOrigins,
		InFlight:       inFlight,
	})

	// Cancelled after Shutdown so open autocomplete streams close.
	baseCtx, cancelBase := context.WithCancel(parent)
	defer cancelBase()
	go a.warm(baseCtx)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("cache_backend", cfg.CacheBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case err, ok := <-serveErr:
		if ok {
			logger.Error("server", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}
	stop()

	logger.Info("graceful shutdown triggered")
	monitor.SetShuttingDown(true)
	observability.ShutdownInFlight.Set(float64(inFlight.Count()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	// Shutdown does not track hijacked connections; this ends open streams.
	cancelBase()

	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Count()))
	if err := inFlight.WaitForZero(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}
	logger.Info("shutdown complete")
	return nil
}

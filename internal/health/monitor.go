package health

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ankitRaj925/Atmos-AQI/internal/circuitbreaker"
)

// Status is the service state reported by /health.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusIdle         Status = "idle"
	StatusDegraded     Status = "degraded"
	StatusOverloaded   Status = "overloaded"
	StatusShuttingDown Status = "shutting-down"
)

// Config holds the thresholds the monitor evaluates. Zero windows disable
// the corresponding check.
type Config struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
}

// OverloadThreshold is the request count within OverloadWindow above which
// the service reports overloaded; 0 when rate limiting is off.
func (c Config) OverloadThreshold() int {
	if c.RateLimitRPS <= 0 || c.OverloadWindow <= 0 {
		return 0
	}
	return int(float64(c.RateLimitRPS) * c.OverloadWindow.Seconds() * float64(c.OverloadThresholdPct) / 100)
}

// Result is an evaluated status with its HTTP code and the triggering reason.
type Result struct {
	Status     Status
	StatusCode int
	Reason     string
}

// Monitor evaluates health from a Tracker, the model circuit breaker and the
// shutdown flag.
type Monitor struct {
	cfg          Config
	tracker      *Tracker
	circuit      func() circuitbreaker.State
	logger       *zap.Logger
	shuttingDown atomic.Bool
	now          func() time.Time

	mu   sync.Mutex
	prev Status
}

// NewMonitor creates a Monitor. circuit may be nil when no breaker is configured.
func NewMonitor(cfg Config, tracker *Tracker, circuit func() circuitbreaker.State, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	return &Monitor{cfg: cfg, tracker: tracker, circuit: circuit, logger: logger, now: time.Now}
}

// Config returns the thresholds in use.
func (m *Monitor) Config() Config { return m.cfg }

// Tracker returns the outcome tracker the monitor reads.
func (m *Monitor) Tracker() *Tracker { return m.tracker }

// SetShuttingDown sets the drain flag. Call when SIGTERM/SIGINT is received.
func (m *Monitor) SetShuttingDown(v bool) { m.shuttingDown.Store(v) }

// IsShuttingDown reports whether the process is draining.
func (m *Monitor) IsShuttingDown() bool { return m.shuttingDown.Load() }

// Evaluate computes the current status and logs transitions.
// Order: shutting-down > circuit open > overloaded > idle > error rate > healthy.
func (m *Monitor) Evaluate() Result {
	res := m.compute()

	m.mu.Lock()
	if m.prev != "" && m.prev != res.Status {
		m.logger.Info("health status transition",
			zap.String("previous_status", string(m.prev)),
			zap.String("current_status", string(res.Status)),
			zap.String("reason", res.Reason))
	}
	m.prev = res.Status
	m.mu.Unlock()
	return res
}

func (m *Monitor) compute() Result {
	if m.IsShuttingDown() {
		return Result{StatusShuttingDown, http.StatusServiceUnavailable, "signal"}
	}
	if m.circuit != nil && m.circuit() == circuitbreaker.StateOpen {
		return Result{StatusDegraded, http.StatusServiceUnavailable, "circuit_open"}
	}
	if threshold := m.cfg.OverloadThreshold(); threshold > 0 {
		if m.tracker.RequestCount(m.cfg.OverloadWindow) > threshold {
			return Result{StatusOverloaded, http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if m.cfg.IdleWindow > 0 && m.cfg.MinimumLifespan > 0 && m.now().Sub(m.cfg.StartTime) >= m.cfg.MinimumLifespan {
		perMin := float64(m.tracker.ServedCount(m.cfg.IdleWindow)) / m.cfg.IdleWindow.Minutes()
		if perMin < float64(m.cfg.IdleThresholdReqPerMin) {
			return Result{StatusIdle, http.StatusOK, "low_traffic"}
		}
	}
	if m.cfg.DegradedWindow > 0 && m.cfg.DegradedErrorPct > 0 {
		errs, total := m.tracker.ErrorRate(m.cfg.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(m.cfg.DegradedErrorPct) {
			return Result{StatusDegraded, http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return Result{StatusHealthy, http.StatusOK, ""}
}

// Package suggest runs the per-client autocomplete pipeline: input is
// debounced, superseded lookups are cancelled, and a result is published only
// if no newer input arrived while it was being fetched.
package suggest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
)

// DefaultDelay is the quiet period after the last keystroke before a lookup starts.
const DefaultDelay = 500 * time.Millisecond

// State is what the client should render for the latest input.
type State string

const (
	StateIdle        State = "idle"
	StateLoading     State = "loading"
	StateSuggestions State = "suggestions"
)

// Update is published to the client. RequestID is the input it answers.
type Update struct {
	RequestID   uint64                  `json:"requestId"`
	State       State                   `json:"type"`
	Query       string                  `json:"query,omitempty"`
	Suggestions []models.CitySuggestion `json:"suggestions,omitempty"`
}

// Suggester looks up suggestions for a normalized query.
type Suggester interface {
	Suggest(ctx context.Context, query string) ([]models.CitySuggestion, error)
}

// Config configures a Session. Zero values take defaults.
type Config struct {
	Delay     time.Duration
	MinLength int
}

// Session is one client's autocomplete state. All methods are safe for
// concurrent use; publish is never called concurrently with itself.
type Session struct {
	suggester Suggester
	publish   func(Update)
	delay     time.Duration
	minLength int
	base      context.Context

	mu     sync.Mutex
	latest uint64
	timer  *time.Timer
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	pubMu     sync.Mutex
	closeOnce sync.Once
}

// NewSession creates a session whose lookups derive from ctx.
func NewSession(ctx context.Context, s Suggester, publish func(Update), cfg Config) *Session {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = 2
	}
	observability.AutocompleteSessions.Inc()
	return &Session{
		suggester: s,
		publish:   publish,
		delay:     cfg.Delay,
		minLength: cfg.MinLength,
		base:      ctx,
	}
}

// Input handles a keystroke. It supersedes any pending or in-flight lookup
// and, when the query is long enough, publishes loading at once and schedules
// the lookup after the delay. Short input publishes idle at once.
func (s *Session) Input(query string) (uint64, State) {
	q := strings.Join(strings.Fields(query), " ")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, StateIdle
	}
	s.latest++
	id := s.latest
	s.stopLocked()

	if len([]rune(q)) < s.minLength {
		s.mu.Unlock()
		s.emit(Update{RequestID: id, State: StateIdle, Query: q})
		return id, StateIdle
	}

	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	s.mu.Unlock()

	// Loading goes out before the timer exists so it can never follow the result.
	s.emit(Update{RequestID: id, State: StateLoading, Query: q})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.latest != id {
		return id, StateLoading
	}
	s.wg.Add(1)
	s.timer = time.AfterFunc(s.delay, func() {
		defer s.wg.Done()
		s.fetch(ctx, id, q)
	})
	return id, StateLoading
}

// Invalidate drops whatever is pending: a selection, a submit or a cleared
// input all make outstanding suggestions irrelevant.
func (s *Session) Invalidate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.latest++
	id := s.latest
	s.stopLocked()
	s.mu.Unlock()
	s.emit(Update{RequestID: id, State: StateIdle})
}

// Latest returns the id of the most recent input or invalidation.
func (s *Session) Latest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Close cancels outstanding work and waits for running lookups to return.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.latest++
	s.stopLocked()
	s.mu.Unlock()
	s.wg.Wait()
	s.closeOnce.Do(observability.AutocompleteSessions.Dec)
}

// stopLocked stops the debounce timer and cancels the in-flight lookup.
func (s *Session) stopLocked() {
	if s.timer != nil {
		if s.timer.Stop() {
			// The callback will never run, so release its slot here.
			s.wg.Done()
			observability.SuggestRequestsTotal.WithLabelValues("debounced").Inc()
		}
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) fetch(ctx context.Context, id uint64, query string) {
	if !s.isLatest(id) {
		return
	}
	list, err := s.suggester.Suggest(ctx, query)
	if ctx.Err() != nil || !s.isLatest(id) {
		observability.SuggestRequestsTotal.WithLabelValues("superseded").Inc()
		return
	}
	if err != nil {
		s.emit(Update{RequestID: id, State: StateIdle, Query: query})
		return
	}
	if list == nil {
		list = []models.CitySuggestion{}
	}
	s.emit(Update{RequestID: id, State: StateSuggestions, Query: query, Suggestions: list})
}

func (s *Session) isLatest(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.latest == id
}

// emit publishes u unless a newer input has arrived.
func (s *Session) emit(u Update) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.isLatest(u.RequestID) {
		s.publish(u)
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ankitRaj925/Atmos-AQI/internal/circuitbreaker"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrEmptyResponse   = errors.New("empty model response")
)

// Turn is one prior message of a conversation.
type Turn struct {
	Role models.ChatRole
	Text string
}

// Request describes one model call. When History is set, Prompt is appended
// as the final user turn. Search and JSON are mutually exclusive upstream;
// Search wins if both are set.
type Request struct {
	Operation         string // metrics label: city, location, suggest, chat
	Prompt            string
	History           []Turn
	SystemInstruction string
	Search            bool
	JSON              bool
}

// Result is the model's text plus any grounding source URLs.
type Result struct {
	Text    string
	Sources []string
}

// Generator produces model output for a Request.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// contentGenerator is the subset of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures a GeminiGenerator.
type GeminiConfig struct {
	APIKey         string
	Model          string
	BaseURL        string // optional API endpoint override
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// GeminiGenerator calls the Gemini API through google.golang.org/genai with
// per-attempt timeouts, jittered exponential backoff and an optional circuit breaker.
type GeminiGenerator struct {
	models         contentGenerator
	model          string
	timeout        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(cfg.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiGenerator(gc.Models, cfg), nil
}

func newGeminiGenerator(m contentGenerator, cfg GeminiConfig) *GeminiGenerator {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	return &GeminiGenerator{
		models:         m,
		model:          cfg.Model,
		timeout:        cfg.Timeout,
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
	}
}

// SetCircuitBreaker wraps every upstream attempt in cb. Pass nil to disable.
func (g *GeminiGenerator) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	g.breaker = cb
}

// CircuitState reports the breaker state; closed when no breaker is set.
func (g *GeminiGenerator) CircuitState() circuitbreaker.State {
	if g.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return g.breaker.State()
}

// Generate runs req, retrying rate-limit, 5xx and timeout failures.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < g.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.GenAIRetriesTotal.WithLabelValues(req.Operation).Inc()
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(g.calculateBackoff(attempt)):
			}
		}

		res, err := g.attempt(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		observability.GenAIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		if ctx.Err() != nil || !isRetryable(err) {
			return Result{}, err
		}
		observability.LoggerFrom(ctx).Debug("genai attempt failed",
			zap.String("operation", req.Operation), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return Result{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (g *GeminiGenerator) attempt(ctx context.Context, req Request) (Result, error) {
	if g.breaker == nil {
		return g.callAPI(ctx, req)
	}
	var res Result
	err := g.breaker.Call(ctx, func() error {
		var callErr error
		res, callErr = g.callAPI(ctx, req)
		return callErr
	})
	return res, err
}

func (g *GeminiGenerator) callAPI(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.models.GenerateContent(reqCtx, g.model, buildContents(req), buildConfig(req))
	duration := time.Since(start).Seconds()
	if err != nil {
		err = classifyError(err)
		status := statusLabel(err)
		observability.GenAICallsTotal.WithLabelValues(req.Operation, status).Inc()
		observability.GenAIDuration.WithLabelValues(req.Operation, status).Observe(duration)
		return Result{}, err
	}
	observability.GenAICallsTotal.WithLabelValues(req.Operation, "success").Inc()
	observability.GenAIDuration.WithLabelValues(req.Operation, "success").Observe(duration)

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Result{}, ErrEmptyResponse
	}
	return Result{Text: text, Sources: groundingSources(resp)}, nil
}

func buildContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, t := range req.History {
		role := genai.Role(genai.RoleModel)
		if t.Role == models.RoleUser {
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	return append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))
}

func buildConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	switch {
	case req.Search:
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	case req.JSON:
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// groundingSources returns the web URIs cited by the first candidate.
func groundingSources(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	gm := resp.Candidates[0].GroundingMetadata
	if gm == nil {
		return nil
	}
	var out []string
	for _, chunk := range gm.GroundingChunks {
		if chunk != nil && chunk.Web != nil && chunk.Web.URI != "" {
			out = append(out, chunk.Web.URI)
		}
	}
	return out
}

var apiErrorCode = regexp.MustCompile(`Error (\d{3})`)

// classifyError maps a genai error onto the package sentinels. The SDK's
// error text carries the HTTP code ("Error 429, Message: ...") and status.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("request timeout: %w", err)
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return err
	}
	msg := err.Error()
	code := 0
	if m := apiErrorCode.FindStringSubmatch(msg); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch {
	case code == 401 || code == 403 || strings.Contains(msg, "API_KEY_INVALID") || strings.Contains(msg, "PERMISSION_DENIED"):
		return fmt.Errorf("%w: %v", ErrInvalidAPIKey, err)
	case code == 429 || strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case code >= 500 || strings.Contains(msg, "UNAVAILABLE") || strings.Contains(msg, "INTERNAL"):
		return fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (g *GeminiGenerator) calculateBackoff(attempt int) time.Duration {
	delay := float64(g.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if g.retryMaxDelay > 0 && delay > float64(g.retryMaxDelay) {
		delay = float64(g.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidAPIKey):
		return "client_error"
	case errors.Is(err, ErrUpstreamFailure):
		return "server_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}

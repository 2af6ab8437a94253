package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/ankitRaj925/Atmos-AQI/internal/circuitbreaker"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
)

type fakeModels struct {
	mu        sync.Mutex
	calls     int
	responses []*genai.GenerateContentResponse
	errs      []error
	lastCfg   *genai.GenerateContentConfig
	lastConts []*genai.Content
}

func (f *fakeModels) GenerateContent(_ context.Context, _ string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.lastCfg = cfg
	f.lastConts = contents
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return textResponse("ok"), nil
}

func textResponse(text string, uris ...string) *genai.GenerateContentResponse {
	cand := &genai.Candidate{
		Content: &genai.Content{Role: string(genai.RoleModel), Parts: []*genai.Part{{Text: text}}},
	}
	if len(uris) > 0 {
		gm := &genai.GroundingMetadata{}
		for _, u := range uris {
			gm.GroundingChunks = append(gm.GroundingChunks, &genai.GroundingChunk{Web: &genai.GroundingChunkWeb{URI: u}})
		}
		cand.GroundingMetadata = gm
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{cand}}
}

func testGenerator(m contentGenerator, attempts int) *GeminiGenerator {
	return newGeminiGenerator(m, GeminiConfig{
		Timeout:        time.Second,
		RetryAttempts:  attempts,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
}

func TestNewGeminiGenerator_InvalidAPIKey(t *testing.T) {
	for _, key := range []string{"", "short"} {
		g, err := NewGeminiGenerator(context.Background(), GeminiConfig{APIKey: key})
		if !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("NewGeminiGenerator(%q) error = %v, want ErrInvalidAPIKey", key, err)
		}
		if g != nil {
			t.Errorf("NewGeminiGenerator(%q) expected nil generator on error", key)
		}
	}
}

func TestGeminiGenerator_Generate_Success(t *testing.T) {
	fm := &fakeModels{responses: []*genai.GenerateContentResponse{
		textResponse(" {\"aqi\": 1} ", "https://a.com/x", "https://b.com"),
	}}
	g := testGenerator(fm, 3)

	res, err := g.Generate(context.Background(), Request{Operation: "city", Prompt: "hi", Search: true, JSON: true})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text != `{"aqi": 1}` {
		t.Errorf("Text = %q", res.Text)
	}
	if len(res.Sources) != 2 {
		t.Errorf("Sources = %v, want 2 entries", res.Sources)
	}
	if len(fm.lastCfg.Tools) != 1 || fm.lastCfg.Tools[0].GoogleSearch == nil {
		t.Error("search request should carry the GoogleSearch tool")
	}
	if fm.lastCfg.ResponseMIMEType != "" {
		t.Errorf("ResponseMIMEType = %q, want empty when search is on", fm.lastCfg.ResponseMIMEType)
	}
}

func TestGeminiGenerator_Generate_HistoryAndSystem(t *testing.T) {
	fm := &fakeModels{}
	g := testGenerator(fm, 1)

	_, err := g.Generate(context.Background(), Request{
		Operation:         "chat",
		Prompt:            "and tomorrow?",
		SystemInstruction: "be brief",
		History: []Turn{
			{Role: models.RoleUser, Text: "is it safe?"},
			{Role: models.RoleModel, Text: "mostly"},
		},
		JSON: true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(fm.lastConts) != 3 {
		t.Fatalf("contents len = %d, want 3", len(fm.lastConts))
	}
	if fm.lastConts[0].Role != string(genai.RoleUser) || fm.lastConts[1].Role != string(genai.RoleModel) || fm.lastConts[2].Role != string(genai.RoleUser) {
		t.Errorf("roles = %s,%s,%s, want user,model,user", fm.lastConts[0].Role, fm.lastConts[1].Role, fm.lastConts[2].Role)
	}
	if fm.lastCfg.SystemInstruction == nil {
		t.Error("SystemInstruction not set")
	}
	if fm.lastCfg.ResponseMIMEType != "application/json" {
		t.Errorf("ResponseMIMEType = %q, want application/json", fm.lastCfg.ResponseMIMEType)
	}
}

func TestGeminiGenerator_RetriesRetryableErrors(t *testing.T) {
	fm := &fakeModels{errs: []error{
		errors.New("Error 503, Message: overloaded, Status: UNAVAILABLE, Details: []"),
		errors.New("Error 429, Message: slow down, Status: RESOURCE_EXHAUSTED, Details: []"),
	}}
	g := testGenerator(fm, 3)

	res, err := g.Generate(context.Background(), Request{Operation: "suggest", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text != "ok" || fm.calls != 3 {
		t.Errorf("Text = %q after %d calls, want ok after 3", res.Text, fm.calls)
	}
}

func TestGeminiGenerator_NonRetryableStopsImmediately(t *testing.T) {
	fm := &fakeModels{errs: []error{
		errors.New("Error 400, Message: API key not valid, Status: INVALID_ARGUMENT, Details: [API_KEY_INVALID]"),
	}}
	g := testGenerator(fm, 3)

	_, err := g.Generate(context.Background(), Request{Operation: "city", Prompt: "p"})
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("Generate() error = %v, want ErrInvalidAPIKey", err)
	}
	if fm.calls != 1 {
		t.Errorf("calls = %d, want 1", fm.calls)
	}
}

func TestGeminiGenerator_ExhaustedRetries(t *testing.T) {
	boom := errors.New("Error 500, Message: boom, Status: INTERNAL, Details: []")
	fm := &fakeModels{errs: []error{boom, boom}}
	g := testGenerator(fm, 2)

	_, err := g.Generate(context.Background(), Request{Operation: "city", Prompt: "p"})
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("Generate() error = %v, want ErrUpstreamFailure", err)
	}
}

func TestGeminiGenerator_EmptyResponse(t *testing.T) {
	fm := &fakeModels{responses: []*genai.GenerateContentResponse{textResponse("   ")}}
	g := testGenerator(fm, 3)

	_, err := g.Generate(context.Background(), Request{Operation: "chat", Prompt: "p"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("Generate() error = %v, want ErrEmptyResponse", err)
	}
	if fm.calls != 1 {
		t.Errorf("empty responses must not be retried; calls = %d", fm.calls)
	}
}

func TestGeminiGenerator_CircuitBreakerOpens(t *testing.T) {
	boom := errors.New("Error 503, Message: down, Status: UNAVAILABLE, Details: []")
	fm := &fakeModels{errs: []error{boom, boom, boom, boom}}
	g := testGenerator(fm, 1)
	g.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour, Component: "genai"}))

	ctx := context.Background()
	_, _ = g.Generate(ctx, Request{Operation: "city", Prompt: "p"})
	_, _ = g.Generate(ctx, Request{Operation: "city", Prompt: "p"})
	if g.CircuitState() != circuitbreaker.StateOpen {
		t.Fatalf("CircuitState() = %v, want open", g.CircuitState())
	}

	_, err := g.Generate(ctx, Request{Operation: "city", Prompt: "p"})
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("Generate() error = %v, want ErrOpen", err)
	}
	if fm.calls != 2 {
		t.Errorf("calls = %d, want 2; open breaker must short-circuit", fm.calls)
	}
}

func TestCalculateBackoff_Capped(t *testing.T) {
	g := newGeminiGenerator(&fakeModels{}, GeminiConfig{RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond})
	for attempt := 1; attempt <= 6; attempt++ {
		d := g.calculateBackoff(attempt)
		if d > 330*time.Millisecond {
			t.Errorf("calculateBackoff(%d) = %v, exceeds cap plus jitter", attempt, d)
		}
	}
	if d := g.calculateBackoff(1); d < 100*time.Millisecond {
		t.Errorf("calculateBackoff(1) = %v, want >= base", d)
	}
}

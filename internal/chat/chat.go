// Package chat answers follow-up questions about air quality, optionally
// grounded in the reading the user is looking at.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ankitRaj925/Atmos-AQI/internal/client"
	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
)

const (
	baseInstruction = "You are Atmos, an expert AI assistant for Air Quality and Health. Keep answers concise, friendly, and actionable."
	contextSuffix   = "Answer questions specific to this city's data if asked."

	// UnavailableReply is returned when the model cannot be reached.
	UnavailableReply = "Sorry, I am unable to connect to the AI right now."
	// EmptyReply is returned when the model answers with no text.
	EmptyReply = "I'm having trouble thinking right now."

	// DefaultMaxHistory is how many prior turns are sent upstream.
	DefaultMaxHistory = 20
)

// Reply is the assistant's answer. Fallback is set when Text is canned.
type Reply struct {
	Text     string `json:"text"`
	Fallback bool   `json:"fallback"`
}

// Assistant wraps a Generator with the Atmos persona.
type Assistant struct {
	gen        client.Generator
	maxHistory int
}

func NewAssistant(gen client.Generator, maxHistory int) *Assistant {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Assistant{gen: gen, maxHistory: maxHistory}
}

// Reply answers message given the prior conversation and, when non-nil, the
// reading on screen. Upstream failures produce a fallback reply, not an error;
// only a cancelled ctx is returned as one.
func (a *Assistant) Reply(ctx context.Context, message string, history []models.ChatMessage, current *models.AqiData) (Reply, error) {
	res, err := a.gen.Generate(ctx, client.Request{
		Operation:         "chat",
		Prompt:            strings.TrimSpace(message),
		History:           a.turns(history),
		SystemInstruction: SystemInstruction(current),
	})
	if errors.Is(err, client.ErrEmptyResponse) {
		res, err = client.Result{}, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		observability.LoggerFrom(ctx).Warn("chat reply failed", zap.Error(err))
		observability.ChatRepliesTotal.WithLabelValues("unavailable").Inc()
		return Reply{Text: UnavailableReply, Fallback: true}, nil
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		observability.ChatRepliesTotal.WithLabelValues("empty").Inc()
		return Reply{Text: EmptyReply, Fallback: true}, nil
	}
	observability.ChatRepliesTotal.WithLabelValues("ok").Inc()
	return Reply{Text: text}, nil
}

// SystemInstruction builds the persona prompt, adding the reading when given.
func SystemInstruction(current *models.AqiData) string {
	if current == nil {
		return baseInstruction
	}
	pollutants := make([]string, 0, len(current.Pollutants))
	for _, p := range current.Pollutants {
		pollutants = append(pollutants, fmt.Sprintf("%s: %g", p.Name, p.Value))
	}
	var b strings.Builder
	b.WriteString(baseInstruction)
	b.WriteString("\n\nCurrent Context:\n")
	fmt.Fprintf(&b, "City: %s\n", current.City)
	fmt.Fprintf(&b, "AQI: %d\n", current.Aqi)
	fmt.Fprintf(&b, "Level: %s\n", current.Level)
	fmt.Fprintf(&b, "Pollutants: %s\n\n", strings.Join(pollutants, ", "))
	b.WriteString(contextSuffix)
	return b.String()
}

// turns drops the welcome banner, typing placeholders and empty messages,
// maps roles and keeps the most recent maxHistory entries.
func (a *Assistant) turns(history []models.ChatMessage) []client.Turn {
	out := make([]client.Turn, 0, len(history))
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if m.ID == models.WelcomeMessageID || m.IsTyping || text == "" {
			continue
		}
		role := models.RoleModel
		if m.Role == models.RoleUser {
			role = models.RoleUser
		}
		out = append(out, client.Turn{Role: role, Text: text})
	}
	if len(out) > a.maxHistory {
		out = out[len(out)-a.maxHistory:]
	}
	return out
}

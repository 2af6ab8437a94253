package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
	"github.com/ankitRaj925/Atmos-AQI/internal/suggest"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamReadLimit  = 4096
)

// streamFrame is a client message on the autocomplete stream.
type streamFrame struct {
	Type  string `json:"type"` // input, select, clear
	Query string `json:"query"`
}

type streamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StreamSuggestions handles GET /api/suggestions/stream. Each connection owns
// one suggest.Session; the server pushes loading, suggestions and idle frames.
func (h *Handler) StreamSuggestions(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFrom(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			logger.Debug("websocket write failed", zap.Error(err))
			cancel()
		}
	}

	session := suggest.NewSession(ctx, h.suggestions, func(u suggest.Update) { write(u) }, suggest.Config{
		Delay:     h.limits.SuggestDebounce,
		MinLength: h.suggestions.MinLength(),
	})
	defer session.Close()

	var pinger sync.WaitGroup
	pinger.Add(1)
	go func() {
		defer pinger.Done()
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Unblocks the read loop on shutdown or a failed write.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(streamWriteWait))
				_ = conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait))
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()
	defer pinger.Wait()
	defer cancel()

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for ctx.Err() == nil {
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		switch frame.Type {
		case "input":
			session.Input(frame.Query)
		case "select", "clear":
			session.Invalidate()
		default:
			write(streamError{Type: "error", Message: "unknown message type: " + frame.Type})
		}
	}
}

// originChecker allows same-origin requests, any origin when allowed is empty,
// and otherwise only the listed origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == strings.ToLower(r.Host)
	}
}

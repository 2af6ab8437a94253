package http

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankitRaj925/Atmos-AQI/internal/models"
	"github.com/ankitRaj925/Atmos-AQI/internal/suggest"
)

func dialStream(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/suggestions/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, 101, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) suggest.Update {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var u suggest.Update
	require.NoError(t, conn.ReadJSON(&u))
	return u
}

func TestStreamSuggestions_InputYieldsSuggestions(t *testing.T) {
	env := newTestEnv(t, &mockAirQualityClient{suggestions: []models.CitySuggestion{
		{Name: "Delhi", Aqi: 190}, {Name: "Dehradun", Aqi: 85},
	}})
	conn := dialStream(t, env)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "input", "query": "de"}))

	loading := readUpdate(t, conn)
	assert.Equal(t, suggest.StateLoading, loading.State)
	assert.Equal(t, "de", loading.Query)

	result := readUpdate(t, conn)
	assert.Equal(t, suggest.StateSuggestions, result.State)
	assert.Equal(t, loading.RequestID, result.RequestID)
	require.Len(t, result.Suggestions, 2)
	assert.Equal(t, "Delhi", result.Suggestions[0].Name)
}

func TestStreamSuggestions_ShortInputAndClear(t *testing.T) {
	env := newTestEnv(t, &mockAirQualityClient{})
	conn := dialStream(t, env)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "input", "query": "d"}))
	u := readUpdate(t, conn)
	assert.Equal(t, suggest.StateIdle, u.State)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "clear"}))
	u2 := readUpdate(t, conn)
	assert.Equal(t, suggest.StateIdle, u2.State)
	assert.Greater(t, u2.RequestID, u.RequestID)
	assert.EqualValues(t, 0, env.client.suggCalls.Load())
}

func TestStreamSuggestions_UnknownFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialStream(t, env)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "shout"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame streamError
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Message, "shout")
}

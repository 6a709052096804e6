package axis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*apiServer, *Axis) {
	t.Helper()
	config := DefaultConfig()
	store := NewGuildSettingsStore(newTestDB(t), nil)
	require.NoError(t, store.Load(context.Background()))

	a := &Axis{
		config:        config,
		registry:      NewConversationRegistry(time.Minute),
		guildSettings: store,
		discord:       newDiscord(config.Discord),
		startedAt:     time.Now(),
	}
	return newAPIServer(a, config.API), a
}

func TestAPIHealth(t *testing.T) {
	t.Parallel()
	server, a := newTestAPI(t)
	a.registry.Start("channel-1", "user-a")
	a.discord.connected.Store(true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	server.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.DiscordConnected)
	assert.Equal(t, 1, health.ActiveConversations)
}

func TestAPIConversations(t *testing.T) {
	t.Parallel()
	server, a := newTestAPI(t)
	a.registry.Start("channel-1", "user-a")
	a.registry.Start("channel-2", "user-b")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	server.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var payload struct {
		Conversations []ConversationSnapshot `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Len(t, payload.Conversations, 2)
}

func TestAPIGuildSettings(t *testing.T) {
	t.Parallel()
	server, _ := newTestAPI(t)

	// defaults to global for an unknown guild
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/guilds/12345/ai", nil)
	server.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"global"`)

	// update to specific mode
	w = httptest.NewRecorder()
	req = httptest.NewRequest(
		http.MethodPut,
		"/api/guilds/12345/ai",
		strings.NewReader(
			`{"mode": "specific", "allowed_channels": ["111", "222"]}`,
		),
	)
	req.Header.Set("Content-Type", "application/json")
	server.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/guilds/12345/ai", nil)
	server.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"specific"`)
	assert.Contains(t, w.Body.String(), `"111"`)
}

func TestAPIGuildSettingsValidation(t *testing.T) {
	t.Parallel()
	server, _ := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{
			name:   "invalid guild ID",
			method: http.MethodGet,
			path:   "/api/guilds/not-a-guild/ai",
		},
		{
			name:   "invalid mode",
			method: http.MethodPut,
			path:   "/api/guilds/12345/ai",
			body:   `{"mode": "sometimes"}`,
		},
		{
			name:   "specific without channels",
			method: http.MethodPut,
			path:   "/api/guilds/12345/ai",
			body:   `{"mode": "specific"}`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			var req *http.Request
			if tt.body == "" {
				req = httptest.NewRequest(tt.method, tt.path, nil)
			} else {
				req = httptest.NewRequest(
					tt.method,
					tt.path,
					strings.NewReader(tt.body),
				)
				req.Header.Set("Content-Type", "application/json")
			}
			server.engine.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

package directus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/cache"
	"github.com/heymates/maestro/pkg/config"
	testredis "github.com/heymates/maestro/test/redis"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDirectus is a scripted Directus with admin auth and two collections.
type fakeDirectus struct {
	mu       sync.Mutex
	logins   int
	tokenSeq int
	valid    map[string]bool
	requests []string // "METHOD path"

	handler http.HandlerFunc
}

func newFakeDirectus(t *testing.T, items http.HandlerFunc) (*fakeDirectus, *httptest.Server) {
	t.Helper()
	f := &fakeDirectus{valid: map[string]bool{}, handler: items}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()

		if r.Method == http.MethodPost && r.URL.Path == "/auth/login" {
			f.mu.Lock()
			f.logins++
			f.tokenSeq++
			token := "tok-" + string(rune('0'+f.tokenSeq))
			f.valid[token] = true
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"access_token": token}})
			return
		}

		auth := r.Header.Get("Authorization")
		f.mu.Lock()
		ok := len(auth) > 7 && f.valid[auth[7:]]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDirectus) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeDirectus) sawRequest(entry string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r == entry {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T, baseURL string) (*Client, *cache.Service) {
	t.Helper()
	cacheSvc := cache.NewService(testredis.NewTestClient(t))
	settings := &config.Settings{
		DirectusBaseURL:       baseURL,
		DirectusAdminEmail:    "admin@example.com",
		DirectusAdminPassword: "secret",
	}
	return NewClient(settings, cacheSvc, discardLogger()), cacheSvc
}

func TestGetChat(t *testing.T) {
	_, srv := newFakeDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/items/chats/chat-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"id":                 "chat-1",
			"messages_v":         7,
			"last_mate_category": "current_affairs",
			"last_edited_at":     "2026-08-20T10:00:00Z",
			"active_focus_id":    "deep_writing",
		}})
	})
	c, _ := newTestClient(t, srv.URL)

	chat, err := c.GetChat(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", chat.ID)
	assert.Equal(t, 7, chat.MessagesV)
	assert.Equal(t, "current_affairs", chat.LastMateCategory)
	require.NotNil(t, chat.ActiveFocusID)
	assert.Equal(t, "deep_writing", *chat.ActiveFocusID)
	assert.Equal(t, time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC), chat.LastEditedAt)
}

func TestGetChat_NotFound(t *testing.T) {
	_, srv := newFakeDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	c, _ := newTestClient(t, srv.URL)

	_, err := c.GetChat(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	f, srv := newFakeDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "chat-1"}})
	})
	c, cacheSvc := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.GetChat(ctx, "chat-1")
	require.NoError(t, err)
	_, err = c.GetChat(ctx, "chat-1")
	require.NoError(t, err)

	assert.Equal(t, 1, f.loginCount())

	tok, ok, err := cacheSvc.GetDirectusToken(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, tok)
}

func TestReauthenticatesOnRejectedToken(t *testing.T) {
	f, srv := newFakeDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "chat-1"}})
	})
	c, cacheSvc := newTestClient(t, srv.URL)
	ctx := context.Background()

	// A stale cached token forces the 401 path on the first attempt.
	require.NoError(t, cacheSvc.StoreDirectusToken(ctx, "expired-token"))

	chat, err := c.GetChat(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", chat.ID)
	assert.Equal(t, 1, f.loginCount())
}

func TestCreateMessage_BodyShape(t *testing.T) {
	var got map[string]any
	_, srv := newFakeDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/items/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newTestClient(t, srv.URL)

	created := time.Date(2026, 8, 20, 12, 30, 0, 0, time.UTC)
	err := c.CreateMessage(context.Background(), Message{
		ID:        "msg-1",
		ChatID:    "chat-1",
		Role:      "assistant",
		Content:   "Hello there.",
		Category:  "general",
		ModelName: "GPT-5",
		CreatedAt: created,
	})
	require.NoError(t, err)

	assert.Equal(t, "msg-1", got["id"])
	assert.Equal(t, "chat-1", got["chat_id"])
	assert.Equal(t, "assistant", got["role"])
	assert.Equal(t, "Hello there.", got["content"])
	assert.Equal(t, "general", got["category"])
	assert.Equal(t, "GPT-5", got["model_name"])
	assert.Equal(t, "2026-08-20T12:30:00Z", got["created_at"])
}

func TestUpsertMessage_PatchesOnConflict(t *testing.T) {
	f, srv := newFakeDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errors":[{"extensions":{"code":"RECORD_NOT_UNIQUE"}}]}`))
			return
		}
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/items/messages/msg-1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newTestClient(t, srv.URL)

	err := c.UpsertMessage(context.Background(), Message{ID: "msg-1", ChatID: "chat-1", Role: "assistant", Content: "rewritten"})
	require.NoError(t, err)
	assert.True(t, f.sawRequest("POST /items/messages"))
	assert.True(t, f.sawRequest("PATCH /items/messages/msg-1"))
}

func TestSetActiveFocus(t *testing.T) {
	var bodies []map[string]any
	var mu sync.Mutex
	_, srv := newFakeDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, c.SetActiveFocus(ctx, "chat-1", "deep_writing"))
	require.NoError(t, c.SetActiveFocus(ctx, "chat-1", ""))

	require.Len(t, bodies, 2)
	assert.Equal(t, "deep_writing", bodies[0]["active_focus_id"])
	val, present := bodies[1]["active_focus_id"]
	assert.True(t, present)
	assert.Nil(t, val)
}

func TestGetAppSettings(t *testing.T) {
	_, srv := newFakeDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/items/app_settings", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "user-1", q.Get("filter[user_id][_eq]"))
		assert.Equal(t, "reminder:timezone,writer:style", q.Get("filter[key][_in]"))
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"key": "reminder:timezone", "app_id": "reminder", "value": "enc:abc", "updated_at": "2026-08-01T00:00:00Z"},
		}})
	})
	c, _ := newTestClient(t, srv.URL)

	settings, err := c.GetAppSettings(context.Background(), "user-1", []string{"reminder:timezone", "writer:style"})
	require.NoError(t, err)
	require.Len(t, settings, 1)
	assert.Equal(t, "reminder:timezone", settings[0].Key)
	assert.Equal(t, "enc:abc", settings[0].Value)
}

func TestGetAppSettings_NoKeys(t *testing.T) {
	c, _ := newTestClient(t, "http://directus.invalid")

	settings, err := c.GetAppSettings(context.Background(), "user-1", nil)
	require.NoError(t, err)
	assert.Nil(t, settings)
}

// Package e2e boots a complete orchestrator instance (intake API, Redis
// queue, worker pool, session runner) against scripted model, skill-app,
// billing, and document-store backends, and observes the same pub/sub
// channels a real client would.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/api"
	"github.com/heymates/maestro/pkg/billing"
	"github.com/heymates/maestro/pkg/cache"
	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/crypto"
	"github.com/heymates/maestro/pkg/directus"
	"github.com/heymates/maestro/pkg/embeds"
	"github.com/heymates/maestro/pkg/events"
	"github.com/heymates/maestro/pkg/llm"
	"github.com/heymates/maestro/pkg/models"
	"github.com/heymates/maestro/pkg/queue"
	"github.com/heymates/maestro/pkg/session"
	"github.com/heymates/maestro/pkg/session/loop"
	"github.com/heymates/maestro/pkg/skills"
	testredis "github.com/heymates/maestro/test/redis"
)

// serviceToken authenticates test requests against the intake API.
const serviceToken = "e2e-service-token"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestApp boots a complete orchestrator for e2e testing.
type TestApp struct {
	Settings *config.Settings
	Config   *config.Config
	RDB      *redis.Client
	Cache    *cache.Service
	Queue    *queue.Queue
	Pool     *queue.WorkerPool
	LLM      *ScriptedLLMClient
	Charges  *ChargeRecorder
	Store    *StubStore
	Apps     *SkillAppServer

	// BaseURL is the intake API root, e.g. "http://127.0.0.1:54321".
	BaseURL string

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	workerCount       int
	modelClient       llm.Client
	focusConfirmDelay time.Duration
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithWorkerCount sets the number of worker pool goroutines.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithModelClient replaces the scripted client in the model registry. The
// scripted client stays attached to the app for request assertions even
// when unused.
func WithModelClient(client llm.Client) TestAppOption {
	return func(c *testAppConfig) { c.modelClient = client }
}

// WithFocusConfirmDelay shortens the focus-activation countdown so confirm
// tasks fire within a test's patience.
func WithFocusConfirmDelay(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.focusConfirmDelay = d }
}

// NewTestApp creates and starts a full orchestrator test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		workerCount:       2,
		focusConfirmDelay: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(tc)
	}

	scripted := NewScriptedLLMClient()
	modelClient := tc.modelClient
	if modelClient == nil {
		modelClient = scripted
	}

	ctx := context.Background()
	logger := discardLogger()

	// 1. Real skill-app and models configuration through the YAML loader.
	cfg, err := config.Initialize(ctx, "testdata/apps", "testdata/models.yml")
	require.NoError(t, err)

	// 2. Scripted backends: billing sink, document store, skill apps.
	charges := NewChargeRecorder(t)
	store := NewStubStore(t)
	apps := NewSkillAppServer(t)

	settings := &config.Settings{
		InternalAPIBaseURL:     charges.srv.URL,
		InternalServiceToken:   serviceToken,
		AppServiceHostTemplate: apps.srv.URL + "/<app_id>",
		SkillAPIKeyName:        "maestro",
		DirectusBaseURL:        store.srv.URL,
		DirectusAdminEmail:     "admin@test",
		DirectusAdminPassword:  "secret",
	}

	// 3. Redis-backed services on a flushed logical database.
	rdb := testredis.NewTestClient(t)
	cacheSvc := cache.NewService(rdb)
	publisher := events.NewPublisher(rdb)
	cryptoSvc, err := crypto.NewAESService("e2e-master-key")
	require.NoError(t, err)
	embedsSvc := embeds.NewService(cacheSvc, cryptoSvc, publisher, logger)

	// 4. The session pipeline with the scripted model registry.
	registry := llm.NewRegistry(modelClient)
	billingDrv := billing.NewDriver(settings, cfg, logger)
	q := queue.NewQueue(rdb, logger)

	sessionLoop := loop.New(loop.Deps{
		Registry:          registry,
		Dispatcher:        skills.NewDispatcher(settings, cacheSvc, logger),
		Embeds:            embedsSvc,
		Billing:           billingDrv,
		Cache:             cacheSvc,
		Publisher:         publisher,
		Scheduler:         q,
		Apps:              cfg.Apps,
		Logger:            logger,
		FocusConfirmDelay: tc.focusConfirmDelay,
	})
	runner := session.NewRunner(session.Deps{
		Settings:  settings,
		Config:    cfg,
		Loop:      sessionLoop,
		Registry:  registry,
		Embeds:    embedsSvc,
		Billing:   billingDrv,
		Cache:     cacheSvc,
		Crypto:    cryptoSvc,
		Publisher: publisher,
		Directus:  directus.NewClient(settings, cacheSvc, logger),
		Scheduler: q,
		Logger:    logger,
	})

	// 5. Worker pool with test-speed claiming and promotion.
	qcfg := &config.QueueConfig{
		WorkerCount:             tc.workerCount,
		ClaimTimeout:            100 * time.Millisecond,
		TaskTimeout:             time.Minute,
		HeartbeatInterval:       50 * time.Millisecond,
		HeartbeatTTL:            5 * time.Second,
		PromotionInterval:       50 * time.Millisecond,
		OrphanScanInterval:      time.Hour,
		MaxTaskAttempts:         2,
		RetryBackoff:            50 * time.Millisecond,
		GracefulShutdownTimeout: 10 * time.Second,
	}
	executor := queue.NewExecutor(runner, directus.NewClient(settings, cacheSvc, logger), cacheSvc, embedsSvc, q, logger)
	pool := queue.NewWorkerPool("e2e-"+t.Name(), q, qcfg, executor, logger)
	require.NoError(t, pool.Start(ctx))

	// 6. Intake API over the live pool.
	server := api.NewServer(settings, q, pool, cacheSvc, embedsSvc, logger)
	httpSrv := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		httpSrv.Close()
		pool.Stop()
	})

	return &TestApp{
		Settings: settings,
		Config:   cfg,
		RDB:      rdb,
		Cache:    cacheSvc,
		Queue:    q,
		Pool:     pool,
		LLM:      scripted,
		Charges:  charges,
		Store:    store,
		Apps:     apps,
		BaseURL:  httpSrv.URL,
		t:        t,
	}
}

// NewSessionTask builds a ready-to-run task with unique identifiers so
// packages sharing one Redis never cross pub/sub streams.
func NewSessionTask() *models.SessionTask {
	n := uuid.NewString()[:8]
	return &models.SessionTask{
		ChatID:        "chat-" + n,
		MessageID:     "msg-" + n,
		UserMessageID: "umsg-" + n,
		UserID:        "user-" + n,
		UserIDHash:    "uh-" + n,
		VaultKeyID:    "vk-" + n,
		Mate:          models.Mate{ID: "mate-1", Name: "Aria", Category: "general"},
		Preprocessing: models.PreprocessingResult{
			CanProceed:          true,
			PrimaryModelID:      "openai/gpt-test",
			PrimaryModelName:    "GPT Test",
			ResponseTemperature: 0.7,
			Category:            "general",
		},
		UserMessage: "tell me about Go",
	}
}

// SubmitTask posts one session task to the intake endpoint and returns the
// accepted task id.
func (app *TestApp) SubmitTask(t *testing.T, task *models.SessionTask) string {
	t.Helper()
	var accepted api.ResponseAccepted
	app.post(t, "/internal/v1/responses", task, http.StatusAccepted, &accepted)
	require.Equal(t, "queued", accepted.Status)
	require.NotEmpty(t, accepted.TaskID)
	return accepted.TaskID
}

// RevokeTask revokes a queued or running task through the API.
func (app *TestApp) RevokeTask(t *testing.T, taskID string) api.RevokeResponse {
	t.Helper()
	var resp api.RevokeResponse
	app.post(t, "/internal/v1/tasks/"+taskID+"/revoke", nil, http.StatusOK, &resp)
	return resp
}

// CancelSkillTask signals cancellation for one in-flight skill call.
func (app *TestApp) CancelSkillTask(t *testing.T, skillTaskID string) {
	t.Helper()
	app.post(t, "/internal/v1/skill-tasks/"+skillTaskID+"/cancel", nil, http.StatusOK, nil)
}

func (app *TestApp) post(t *testing.T, path string, body any, wantStatus int, out any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Service-Token", serviceToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "unexpected status for %s: %s", path, data)
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
}

// Subscribe opens a confirmed pub/sub subscription closed on test end.
func (app *TestApp) Subscribe(t *testing.T, channel string) *redis.PubSub {
	t.Helper()
	ctx := context.Background()
	sub := app.RDB.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	return sub
}

// ChargeRecorder stands in for the internal billing API, recording every
// charge POST it receives.
type ChargeRecorder struct {
	mu      sync.Mutex
	charges []map[string]any
	srv     *httptest.Server
}

// NewChargeRecorder starts the recording billing endpoint.
func NewChargeRecorder(t *testing.T) *ChargeRecorder {
	t.Helper()
	rec := &ChargeRecorder{}
	rec.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/internal/billing/charge" {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			rec.mu.Lock()
			rec.charges = append(rec.charges, body)
			rec.mu.Unlock()
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(rec.srv.Close)
	return rec
}

// All returns every recorded charge.
func (c *ChargeRecorder) All() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.charges...)
}

// OfKind filters charges by their usage_details kind ("skill", "llm_tokens").
func (c *ChargeRecorder) OfKind(kind string) []map[string]any {
	var out []map[string]any
	for _, charge := range c.All() {
		details, _ := charge["usage_details"].(map[string]any)
		if details != nil && details["kind"] == kind {
			out = append(out, charge)
		}
	}
	return out
}

// StubStore is a scripted Directus. It serves the chat row and app
// settings, and records message upserts and chat patches so tests can
// assert what the worker persisted.
type StubStore struct {
	mu          sync.Mutex
	chat        directus.Chat
	settings    []directus.AppSetting
	messages    map[string]directus.Message
	chatPatches []map[string]any
	srv         *httptest.Server
}

// NewStubStore starts the stub with a four-message chat row.
func NewStubStore(t *testing.T) *StubStore {
	t.Helper()
	f := &StubStore{
		chat:     directus.Chat{MessagesV: 4},
		messages: make(map[string]directus.Message),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/auth/login":
			fmt.Fprint(w, `{"data":{"access_token":"store-token"}}`)

		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/items/chats/"):
			f.mu.Lock()
			chat := f.chat
			f.mu.Unlock()
			chat.ID = strings.TrimPrefix(r.URL.Path, "/items/chats/")
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": chat}))

		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/items/chats/"):
			var patch map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
			f.applyChatPatch(patch)
			fmt.Fprint(w, `{}`)

		case r.Method == http.MethodPost && r.URL.Path == "/items/messages":
			var msg directus.Message
			require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
			f.mu.Lock()
			_, exists := f.messages[msg.ID]
			if !exists {
				f.messages[msg.ID] = msg
			}
			f.mu.Unlock()
			if exists {
				w.WriteHeader(http.StatusConflict)
				fmt.Fprint(w, `{"errors":[{"extensions":{"code":"RECORD_NOT_UNIQUE"}}]}`)
				return
			}
			fmt.Fprint(w, `{}`)

		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/items/messages/"):
			id := strings.TrimPrefix(r.URL.Path, "/items/messages/")
			var patch map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
			f.mu.Lock()
			msg := f.messages[id]
			msg.ID = id
			if content, ok := patch["content"].(string); ok {
				msg.Content = content
			}
			if role, ok := patch["role"].(string); ok {
				msg.Role = role
			}
			f.messages[id] = msg
			f.mu.Unlock()
			fmt.Fprint(w, `{}`)

		case r.Method == http.MethodGet && r.URL.Path == "/items/app_settings":
			f.mu.Lock()
			rows := append([]directus.AppSetting(nil), f.settings...)
			f.mu.Unlock()
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": rows}))

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *StubStore) applyChatPatch(patch map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatPatches = append(f.chatPatches, patch)
	if v, ok := patch["messages_v"].(float64); ok {
		f.chat.MessagesV = int(v)
	}
	if focus, present := patch["active_focus_id"]; present {
		if id, ok := focus.(string); ok && id != "" {
			f.chat.ActiveFocusID = &id
		} else {
			f.chat.ActiveFocusID = nil
		}
	}
}

// ChatPatches returns every PATCH the chats collection received.
func (f *StubStore) ChatPatches() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.chatPatches...)
}

// Message returns the persisted message row, if any.
func (f *StubStore) Message(id string) (directus.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	return msg, ok
}

// ActiveFocusID returns the chat's current focus id, empty when unset.
func (f *StubStore) ActiveFocusID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chat.ActiveFocusID == nil {
		return ""
	}
	return *f.chat.ActiveFocusID
}

// SkillCall is one recorded POST to a skill app.
type SkillCall struct {
	AppID   string
	SkillID string
	Body    map[string]any
}

// SkillAppServer stands in for every skill app behind the host template.
// It records each dispatch and delegates to the configured handler.
type SkillAppServer struct {
	mu      sync.Mutex
	handler http.HandlerFunc
	calls   []SkillCall
	srv     *httptest.Server
}

// NewSkillAppServer starts the recording app server. Set a responder
// before scripting a turn that calls a skill.
func NewSkillAppServer(t *testing.T) *SkillAppServer {
	t.Helper()
	s := &SkillAppServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(body, &decoded))

		// Dispatch paths look like /<app_id>/skills/<skill_id>.
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		call := SkillCall{Body: decoded}
		if len(parts) == 3 && parts[1] == "skills" {
			call.AppID, call.SkillID = parts[0], parts[2]
		}
		s.mu.Lock()
		s.calls = append(s.calls, call)
		h := s.handler
		s.mu.Unlock()

		if h == nil {
			http.NotFound(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		h(w, r)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// Respond installs the handler answering every dispatch.
func (s *SkillAppServer) Respond(h http.HandlerFunc) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// ServeGroupedResults answers every dispatch with one grouped element per
// request entry, each carrying the given rows.
func (s *SkillAppServer) ServeGroupedResults(t *testing.T, rows ...map[string]any) {
	s.Respond(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		n := 1
		if input, ok := body["input_data"].(map[string]any); ok {
			if requests, ok := input["requests"].([]any); ok && len(requests) > 0 {
				n = len(requests)
			}
		}
		groups := make([]map[string]any, n)
		for i := range groups {
			groups[i] = map[string]any{"id": i + 1, "results": anyRows(rows)}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"results": groups}))
	})
}

// ServeRows answers every dispatch with a flat result list.
func (s *SkillAppServer) ServeRows(t *testing.T, rows ...map[string]any) {
	s.Respond(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"results": rows}))
	})
}

// BlockUntilCancelled parks every dispatch until its request context dies,
// which is what a cancelled skill call looks like from the app's side.
func (s *SkillAppServer) BlockUntilCancelled() {
	s.Respond(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
}

// Calls returns every recorded dispatch.
func (s *SkillAppServer) Calls() []SkillCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SkillCall(nil), s.calls...)
}

// CallCount counts dispatches for one skill.
func (s *SkillAppServer) CallCount(appID, skillID string) int {
	n := 0
	for _, call := range s.Calls() {
		if call.AppID == appID && call.SkillID == skillID {
			n++
		}
	}
	return n
}

func anyRows(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out
}

func awaitChunk(t *testing.T, sub *redis.PubSub) events.MessageChunkPayload {
	t.Helper()
	select {
	case msg := <-sub.Channel():
		var payload events.MessageChunkPayload
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
		require.Equal(t, events.EventTypeMessageChunk, payload.Type)
		return payload
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for message chunk")
		return events.MessageChunkPayload{}
	}
}

// collectChunks reads the chat stream until the final marker.
func collectChunks(t *testing.T, sub *redis.PubSub) []events.MessageChunkPayload {
	t.Helper()
	var out []events.MessageChunkPayload
	for {
		payload := awaitChunk(t, sub)
		out = append(out, payload)
		if payload.IsFinalChunk {
			return out
		}
	}
}

// awaitEmbedData reads the user websocket channel until a send_embed_data
// event matching pred arrives, skipping embed_update events on the way.
func awaitEmbedData(t *testing.T, sub *redis.PubSub, pred func(events.EmbedData) bool) events.EmbedData {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-sub.Channel():
			var probe struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &probe))
			if probe.Type != events.EventTypeSendEmbedData {
				continue
			}
			var payload events.SendEmbedDataPayload
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
			if pred == nil || pred(payload.Payload) {
				return payload.Payload
			}
		case <-deadline:
			t.Fatal("timed out waiting for embed data event")
			return events.EmbedData{}
		}
	}
}

// awaitSkillStatus reads the typing-indicator channel until the wanted
// status arrives.
func awaitSkillStatus(t *testing.T, sub *redis.PubSub, status string) events.SkillStatusPayload {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-sub.Channel():
			var payload events.SkillStatusPayload
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
			if payload.Type == events.EventTypeSkillStatus && payload.Status == status {
				return payload
			}
		case <-deadline:
			t.Fatalf("timed out waiting for skill status %q", status)
			return events.SkillStatusPayload{}
		}
	}
}

// assertStreamShape checks the per-session ordering invariants: strictly
// increasing sequence numbers and the final marker only at the end.
func assertStreamShape(t *testing.T, chunks []events.MessageChunkPayload) {
	t.Helper()
	require.NotEmpty(t, chunks)
	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].Sequence, chunks[i-1].Sequence, "sequence must increase")
	}
	for i, c := range chunks[:len(chunks)-1] {
		assert.False(t, c.IsFinalChunk, "chunk %d must not be final", i)
	}
	assert.True(t, chunks[len(chunks)-1].IsFinalChunk)
}

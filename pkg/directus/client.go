// Package directus is the document-store client. Chats and messages live in
// Directus collections; the orchestrator reads chat state synchronously and
// persists writes through the worker queue. Authentication uses the admin
// account with the token cached in Redis for its 12h lifetime.
package directus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/heymates/maestro/pkg/cache"
	"github.com/heymates/maestro/pkg/config"
)

const requestTimeout = 10 * time.Second

// Sentinel errors mapped from Directus status codes.
var (
	ErrNotFound = errors.New("directus: record not found")
	ErrConflict = errors.New("directus: record already exists")
)

// Client talks to the Directus items API.
type Client struct {
	settings *config.Settings
	cache    *cache.Service
	http     *http.Client
	logger   *slog.Logger

	// mu serializes token refresh so concurrent 401s produce one login.
	mu sync.Mutex
}

// NewClient creates a document-store client.
func NewClient(settings *config.Settings, cacheSvc *cache.Service, logger *slog.Logger) *Client {
	return &Client{
		settings: settings,
		cache:    cacheSvc,
		http:     &http.Client{Timeout: requestTimeout},
		logger:   logger.With("component", "directus"),
	}
}

// Chat is the chats-collection subset the orchestrator touches.
type Chat struct {
	ID               string    `json:"id"`
	MessagesV        int       `json:"messages_v"`
	LastMateCategory string    `json:"last_mate_category,omitempty"`
	LastEditedAt     time.Time `json:"last_edited_at"`
	ActiveFocusID    *string   `json:"active_focus_id,omitempty"`
}

// Message is the messages-collection row the worker persists. Content is
// the final assistant markdown, stored as the user sees it.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Category  string    `json:"category,omitempty"`
	ModelName string    `json:"model_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppSetting is one app-settings/memories row. Value is encrypted with the
// user key; the prompt builder decrypts it.
type AppSetting struct {
	Key       string    `json:"key"`
	AppID     string    `json:"app_id,omitempty"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetChat reads one chat row.
func (c *Client) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var out struct {
		Data Chat `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/items/chats/"+url.PathEscape(chatID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// UpdateChat patches chat fields.
func (c *Client) UpdateChat(ctx context.Context, chatID string, patch map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/items/chats/"+url.PathEscape(chatID), patch, nil)
}

// SetActiveFocus sets or clears (empty focusID) the chat's active focus.
func (c *Client) SetActiveFocus(ctx context.Context, chatID, focusID string) error {
	var value any
	if focusID != "" {
		value = focusID
	}
	return c.UpdateChat(ctx, chatID, map[string]any{"active_focus_id": value})
}

// CreateMessage inserts a message row. Returns ErrConflict when the id is
// already taken.
func (c *Client) CreateMessage(ctx context.Context, msg Message) error {
	return c.do(ctx, http.MethodPost, "/items/messages", msg, nil)
}

// UpdateMessage rewrites an existing message row.
func (c *Client) UpdateMessage(ctx context.Context, msg Message) error {
	patch := map[string]any{
		"chat_id":    msg.ChatID,
		"role":       msg.Role,
		"content":    msg.Content,
		"created_at": msg.CreatedAt,
	}
	if msg.Category != "" {
		patch["category"] = msg.Category
	}
	if msg.ModelName != "" {
		patch["model_name"] = msg.ModelName
	}
	return c.do(ctx, http.MethodPatch, "/items/messages/"+url.PathEscape(msg.ID), patch, nil)
}

// UpsertMessage creates the message row, rewriting it instead when the id
// already exists (a requeued session rewrites its own message).
func (c *Client) UpsertMessage(ctx context.Context, msg Message) error {
	err := c.CreateMessage(ctx, msg)
	if errors.Is(err, ErrConflict) {
		return c.UpdateMessage(ctx, msg)
	}
	return err
}

// GetAppSettings reads the app-settings/memories rows for the given keys.
func (c *Client) GetAppSettings(ctx context.Context, userID string, keys []string) ([]AppSetting, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("filter[user_id][_eq]", userID)
	q.Set("filter[key][_in]", strings.Join(keys, ","))
	q.Set("limit", "-1")

	var out struct {
		Data []AppSetting `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/items/app_settings?"+q.Encode(), nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out.Data, nil
}

// do runs one authenticated request, decoding the response into out when
// given. A rejected token triggers exactly one fresh login and retry.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.token(ctx, attempt > 0)
		if err != nil {
			return err
		}
		status, err := c.attempt(ctx, method, path, token, payload, out)
		if status == http.StatusUnauthorized {
			c.logger.Info("directus token rejected, re-authenticating")
			continue
		}
		return err
	}
	return fmt.Errorf("directus: authentication failed for %s %s", method, path)
}

func (c *Client) attempt(ctx context.Context, method, path, token string, payload []byte, out any) (int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.settings.DirectusBaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		return res.StatusCode, nil
	}
	if res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusForbidden {
		// Directus answers 403 for ids that do not exist under the
		// current policy, so both map to not-found.
		return res.StatusCode, fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		if res.StatusCode == http.StatusConflict || bytes.Contains(data, []byte("RECORD_NOT_UNIQUE")) {
			return res.StatusCode, fmt.Errorf("%w: %s %s", ErrConflict, method, path)
		}
		return res.StatusCode, fmt.Errorf("directus %s %s returned status %d: %s", method, path, res.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return res.StatusCode, nil
}

// token returns a valid admin token, logging in on cache miss. force skips
// the cache after a rejection.
func (c *Client) token(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force {
		if tok, ok, err := c.cache.GetDirectusToken(ctx); err == nil && ok {
			return tok, nil
		}
	}

	tok, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	if err := c.cache.StoreDirectusToken(ctx, tok); err != nil {
		c.logger.Warn("caching directus token failed", "error", err)
	}
	return tok, nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"email":    c.settings.DirectusAdminEmail,
		"password": c.settings.DirectusAdminPassword,
	})
	if err != nil {
		return "", fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.DirectusBaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("directus login: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("directus login returned status %d", res.StatusCode)
	}

	var out struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if out.Data.AccessToken == "" {
		return "", errors.New("directus login returned no access token")
	}
	c.logger.Info("directus admin login succeeded")
	return out.Data.AccessToken, nil
}

package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/heymates/maestro/pkg/cache"
	"github.com/heymates/maestro/pkg/config"
)

// ErrSkillCancelled is returned when the user cancelled the skill task while
// the HTTP call was in flight.
var ErrSkillCancelled = errors.New("skill execution cancelled by user")

const (
	defaultDispatchTimeout = 20 * time.Second
	cancelPollInterval     = 500 * time.Millisecond

	// errorBodyLimit caps how much of a non-2xx response body is kept for
	// the error message.
	errorBodyLimit = 2048
)

// Dispatcher executes skills against their app services over HTTP. Every
// skill of app X is served by host app-X; the route is fixed at
// POST /skills/<skill_id>.
type Dispatcher struct {
	settings *config.Settings
	cache    *cache.Service
	client   *http.Client
	logger   *slog.Logger

	timeout    time.Duration
	cancelPoll time.Duration
}

// NewDispatcher creates a Dispatcher with the default per-attempt timeout.
func NewDispatcher(settings *config.Settings, cacheSvc *cache.Service, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		settings:   settings,
		cache:      cacheSvc,
		client:     &http.Client{},
		logger:     logger.With("component", "skill_dispatcher"),
		timeout:    defaultDispatchTimeout,
		cancelPoll: cancelPollInterval,
	}
}

// DispatchRequest carries one skill call and the session identity it runs
// under. Arguments must already be normalized (requests list assembled,
// request ids assigned).
type DispatchRequest struct {
	AppID     string
	SkillID   string
	Arguments map[string]any

	ChatID      string
	MessageID   string
	UserID      string
	SkillTaskID string

	// APIKeyName overrides the platform default in the X-API-Key-Name
	// header for external-API sessions.
	APIKeyName string
}

// Response is the parsed app-service reply. Results preserves the shape the
// app returned: composite skills reply with grouped elements
// {"id": <request_id>, "results": [...]}; simple skills reply with one
// element per request.
type Response struct {
	Results  []map[string]any
	Provider string

	// IgnoreFields mirrors ignore_fields_for_inference from the reply.
	// Nil means the field was absent and the skill config list applies.
	IgnoreFields []string
}

type dispatchEnvelope struct {
	InputData  map[string]any  `json:"input_data"`
	Parameters map[string]any  `json:"parameters"`
	Context    dispatchContext `json:"context"`
}

type dispatchContext struct {
	ChatID      string `json:"chat_id"`
	MessageID   string `json:"message_id"`
	UserID      string `json:"user_id"`
	SkillTaskID string `json:"skill_task_id,omitempty"`
}

// Execute posts the skill call to its app service and parses the reply.
// The call is aborted with ErrSkillCancelled when the user cancels the
// skill task; a timed-out attempt is retried once on a fresh connection.
func (d *Dispatcher) Execute(ctx context.Context, req DispatchRequest) (*Response, error) {
	url := d.settings.AppServiceBaseURL(req.AppID) + "/skills/" + req.SkillID

	body, err := json.Marshal(dispatchEnvelope{
		InputData:  req.Arguments,
		Parameters: map[string]any{},
		Context: dispatchContext{
			ChatID:      req.ChatID,
			MessageID:   req.MessageID,
			UserID:      req.UserID,
			SkillTaskID: req.SkillTaskID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal skill request: %w", err)
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if req.SkillTaskID != "" {
		go d.watchCancellation(callCtx, req.SkillTaskID, cancel)
	}

	resp, err := d.post(callCtx, url, req, body, false)
	if err != nil {
		if errors.Is(context.Cause(callCtx), ErrSkillCancelled) {
			return nil, ErrSkillCancelled
		}
		if !isTimeoutError(err) {
			return nil, err
		}
		d.logger.Warn("skill call timed out, retrying on a fresh connection",
			"app_id", req.AppID, "skill_id", req.SkillID)
		resp, err = d.post(callCtx, url, req, body, true)
		if err != nil {
			if errors.Is(context.Cause(callCtx), ErrSkillCancelled) {
				return nil, ErrSkillCancelled
			}
			return nil, err
		}
	}
	return resp, nil
}

// watchCancellation polls the skill-cancel flag until the call finishes,
// cancelling the in-flight request when the flag appears.
func (d *Dispatcher) watchCancellation(ctx context.Context, skillTaskID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(d.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := d.cache.SkillCancelled(ctx, skillTaskID)
			if err != nil {
				continue
			}
			if cancelled {
				d.logger.Info("skill task cancelled mid-flight", "skill_task_id", skillTaskID)
				cancel(ErrSkillCancelled)
				return
			}
		}
	}
}

// post runs a single attempt. fresh forces a new transport so the retry
// does not reuse a connection that just timed out.
func (d *Dispatcher) post(ctx context.Context, url string, req DispatchRequest, body []byte, fresh bool) (*Response, error) {
	client := d.client
	if fresh {
		client = &http.Client{Transport: &http.Transport{}}
		defer client.CloseIdleConnections()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build skill request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-External-User-ID", req.UserID)
	httpReq.Header.Set("X-API-Key-Name", d.apiKeyName(req))

	res, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call skill %s/%s: %w", req.AppID, req.SkillID, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read skill response %s/%s: %w", req.AppID, req.SkillID, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet := data
		if len(snippet) > errorBodyLimit {
			snippet = snippet[:errorBodyLimit]
		}
		return nil, fmt.Errorf("skill %s/%s returned status %d: %s", req.AppID, req.SkillID, res.StatusCode, snippet)
	}

	return parseSkillResponse(data)
}

func (d *Dispatcher) apiKeyName(req DispatchRequest) string {
	if req.APIKeyName != "" {
		return req.APIKeyName
	}
	return d.settings.SkillAPIKeyName
}

// parseSkillResponse accepts the three reply shapes app services produce:
// an envelope object with a results list, a bare results array, or a single
// result object.
func parseSkillResponse(data []byte) (*Response, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode skill response: %w", err)
	}

	switch v := raw.(type) {
	case map[string]any:
		if items, ok := v["results"].([]any); ok {
			resp := &Response{Results: toResultMaps(items)}
			if p, ok := v["provider"].(string); ok {
				resp.Provider = p
			}
			if fields, ok := v["ignore_fields_for_inference"].([]any); ok {
				resp.IgnoreFields = make([]string, 0, len(fields))
				for _, f := range fields {
					if s, ok := f.(string); ok {
						resp.IgnoreFields = append(resp.IgnoreFields, s)
					}
				}
			}
			return resp, nil
		}
		return &Response{Results: []map[string]any{v}}, nil

	case []any:
		return &Response{Results: toResultMaps(v)}, nil

	default:
		return nil, fmt.Errorf("decode skill response: unexpected top-level %T", raw)
	}
}

func toResultMaps(items []any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// ErrorResult reports whether the skill replied with a single error element
// and returns its message.
func (r *Response) ErrorResult() (string, bool) {
	if len(r.Results) != 1 {
		return "", false
	}
	row := r.Results[0]
	if status, _ := row["status"].(string); status != "error" {
		return "", false
	}
	for _, key := range []string{"error", "message"} {
		if msg, ok := row[key].(string); ok && msg != "" {
			return msg, true
		}
	}
	return "skill reported an error", true
}

// AsyncResult reports whether the skill accepted the work for asynchronous
// completion and returns the external task ids that now own the embeds.
func (r *Response) AsyncResult() ([]string, bool) {
	if len(r.Results) != 1 {
		return nil, false
	}
	row := r.Results[0]
	if status, _ := row["status"].(string); status != "processing" {
		return nil, false
	}
	var ids []string
	if id, ok := row["task_id"].(string); ok && id != "" {
		ids = append(ids, id)
	}
	if rawIDs, ok := row["task_ids"].([]any); ok {
		for _, v := range rawIDs {
			if id, ok := v.(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, false
	}
	return ids, true
}

// Rows flattens grouped results into the per-row list used for inference.
// Grouped elements contribute their nested rows; plain elements pass
// through unchanged.
func (r *Response) Rows() []map[string]any {
	rows := make([]map[string]any, 0, len(r.Results))
	for _, element := range r.Results {
		nested, ok := element["results"].([]any)
		if !ok {
			rows = append(rows, element)
			continue
		}
		for _, item := range nested {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
	}
	return rows
}

// Grouped reports whether any result element carries nested rows, the shape
// composite skills reply with.
func (r *Response) Grouped() bool {
	for _, element := range r.Results {
		if _, ok := element["results"].([]any); ok {
			return true
		}
	}
	return false
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

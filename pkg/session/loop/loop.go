// Package loop implements the bounded tool-calling loop at the core of one
// assistant response. Each iteration streams a model turn, creates embed
// placeholders the moment tool calls are parsed, executes the calls against
// their app services, and feeds the results back until the model answers in
// plain text or a budget forces it to.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/heymates/maestro/pkg/billing"
	"github.com/heymates/maestro/pkg/cache"
	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/embeds"
	"github.com/heymates/maestro/pkg/events"
	"github.com/heymates/maestro/pkg/llm"
	"github.com/heymates/maestro/pkg/models"
	"github.com/heymates/maestro/pkg/session/prompt"
	"github.com/heymates/maestro/pkg/skills"
)

// Iteration and request-unit budgets. The unit thresholds count request
// entries, not tool calls: a call whose `requests` array holds N entries
// consumes N units. System tools are free.
const (
	MaxIterations       = 5
	SoftLimitSkillCalls = 3
	HardLimitSkillCalls = 5
)

// Scheduler enqueues the deferred tasks the loop hands off instead of
// performing inline.
type Scheduler interface {
	EnqueueFocusConfirm(ctx context.Context, chatID string, delay time.Duration) error
	EnqueueClearActiveFocus(ctx context.Context, chatID string) error
}

// TextSink receives raw response-text fragments in stream order. The session
// passes its aggregation pipeline here.
type TextSink interface {
	Write(ctx context.Context, fragment string) error
}

// Loop drives the bounded tool-calling conversation for one session.
type Loop struct {
	registry   *llm.Registry
	dispatcher *skills.Dispatcher
	embeds     *embeds.Service
	billing    *billing.Driver
	cache      *cache.Service
	publisher  *events.Publisher
	scheduler  Scheduler
	apps       *config.AppRegistry
	logger     *slog.Logger

	focusDelay time.Duration
}

// Deps carries the collaborators a Loop needs.
type Deps struct {
	Registry   *llm.Registry
	Dispatcher *skills.Dispatcher
	Embeds     *embeds.Service
	Billing    *billing.Driver
	Cache      *cache.Service
	Publisher  *events.Publisher
	Scheduler  Scheduler
	Apps       *config.AppRegistry
	Logger     *slog.Logger

	// FocusConfirmDelay is the countdown before a pending focus activation
	// confirms, one second longer than the client UI renders.
	FocusConfirmDelay time.Duration
}

// New creates a Loop.
func New(d Deps) *Loop {
	return &Loop{
		registry:   d.Registry,
		dispatcher: d.Dispatcher,
		embeds:     d.Embeds,
		billing:    d.Billing,
		cache:      d.Cache,
		publisher:  d.Publisher,
		scheduler:  d.Scheduler,
		apps:       d.Apps,
		logger:     d.Logger.With("component", "loop"),
		focusDelay: d.FocusConfirmDelay,
	}
}

// Params is the per-session input assembled by the session runner.
type Params struct {
	Task     *models.SessionTask
	Identity embeds.Identity

	// SystemPrompt is built once per session. The loop appends the research
	// budget warning to individual iterations after the soft limit fires.
	SystemPrompt string

	Toolset *skills.Toolset

	// History is the resolved conversation ending with the user message. The
	// loop appends this turn's assistant and tool messages to its own copy;
	// the caller's slice is not mutated.
	History []models.Message

	Sink TextSink
}

// ToolResultRecord pairs one executed skill call with its TOON response, for
// end-of-session debug logging.
type ToolResultRecord struct {
	AppID   string
	SkillID string
	Content string
}

// Result reports what one loop run produced. It is valid even when Run
// returns an error, so the caller can still bill captured usage and strip
// failed embed references from whatever text was salvaged.
type Result struct {
	// Usages holds the token accounting of every model turn that reported it.
	Usages []models.Usage

	// ModelRef is the model reference that served the most recent turn.
	ModelRef string

	// FailedEmbedIDs collects embeds that ended in error; the session strips
	// references to them from the final content before persistence.
	FailedEmbedIDs map[string]bool

	// AwaitingFocusConfirmation is set when the turn ended in a pending
	// focus-mode activation. The session returns without a final answer and
	// the deferred confirm task fires a continuation session.
	AwaitingFocusConfirmation bool

	// ToolResults collects the TOON responses of finished skill calls.
	ToolResults []ToolResultRecord
}

// runState is the mutable state threaded through one Run.
type runState struct {
	result  *Result
	history []models.Message

	usedUnits    int
	forceNoTools bool

	// completed maps call hashes to the embed id of the first completion.
	completed map[string]string
}

// respond appends the tool-role message answering one call. The full content
// goes into history; inference filtering is applied at request build time.
func (s *runState) respond(call models.ToolCall, content string, ignore []string) {
	s.history = append(s.history, models.Message{
		Role:                     models.RoleTool,
		Content:                  content,
		ToolCallID:               call.ID,
		IgnoreFieldsForInference: ignore,
	})
}

func (s *runState) markCompleted(pc *pendingCall) {
	embedID := ""
	if pc.embed != nil {
		embedID = pc.embed.ID
	}
	s.completed[pc.hash] = embedID
}

// Run executes up to MaxIterations model turns, running tool calls between
// them. It returns when the model answers without tools, the budgets force a
// plain answer, the stream fails mid-turn, or a focus activation suspends
// the session. The returned Result is never nil.
func (l *Loop) Run(ctx context.Context, p Params) (*Result, error) {
	state := &runState{
		result:    &Result{FailedEmbedIDs: make(map[string]bool)},
		history:   append([]models.Message(nil), p.History...),
		completed: make(map[string]string),
	}

	for iteration := 1; iteration <= MaxIterations; iteration++ {
		choice := llm.ToolChoiceAuto
		if state.forceNoTools || state.usedUnits >= HardLimitSkillCalls || iteration == MaxIterations {
			choice = llm.ToolChoiceNone
		}

		req := l.buildRequest(p, state, choice)
		stream, ref, err := l.registry.StreamWithFallback(ctx, p.Task.Preprocessing.ModelIDs(), req)
		if err != nil {
			return state.result, err
		}
		state.result.ModelRef = ref
		l.logger.Debug("Model turn started",
			"iteration", iteration, "model", ref, "tool_choice", string(choice))

		t, err := l.drain(ctx, p, state, stream, choice)
		if err != nil {
			return state.result, err
		}
		if t.broken {
			// Partial text was already delivered downstream; end the turn
			// with what we have instead of surfacing a hard failure.
			return state.result, nil
		}
		if ctx.Err() != nil {
			return state.result, context.Cause(ctx)
		}

		if len(t.calls) == 0 {
			return state.result, nil
		}
		if choice == llm.ToolChoiceNone {
			l.logger.Warn("Model produced tool calls despite tool_choice=none, dropping them",
				"count", len(t.calls))
			return state.result, nil
		}

		state.history = append(state.history, models.Message{
			Role:      models.RoleAssistant,
			Content:   t.text.String(),
			ToolCalls: t.callList(),
		})

		for i, pc := range t.calls {
			if ctx.Err() != nil {
				return state.result, context.Cause(ctx)
			}
			if suspend := l.executeCall(ctx, p, state, pc); suspend {
				if rest := t.calls[i+1:]; len(rest) > 0 {
					l.logger.Warn("Skipping tool calls queued after focus activation", "count", len(rest))
					l.abandonCalls(ctx, p, state, rest, "Superseded by a focus mode change.")
				}
				return state.result, nil
			}
		}
	}

	return state.result, nil
}

// buildRequest assembles this iteration's model call. Tool responses are
// filtered per their ignore lists for inference only; history keeps the full
// content.
func (l *Loop) buildRequest(p Params, state *runState, choice llm.ToolChoice) llm.Request {
	system := p.SystemPrompt
	if state.usedUnits >= SoftLimitSkillCalls {
		system += "\n\n" + prompt.SoftLimitWarning
	}

	kept := llm.Truncate(state.history, llm.ConversationTokenBudget)
	messages := make([]models.Message, len(kept))
	for i, m := range kept {
		if m.Role == models.RoleTool && len(m.IgnoreFieldsForInference) > 0 {
			m.Content = embeds.FilterForInference(m.Content, m.IgnoreFieldsForInference)
		}
		messages[i] = m
	}

	req := llm.Request{
		System:      system,
		Messages:    messages,
		Temperature: p.Task.Preprocessing.ResponseTemperature,
		ToolChoice:  choice,
	}
	if choice == llm.ToolChoiceAuto {
		req.Tools = p.Toolset.Definitions()
	}
	return req
}

// turn is what one stream drain produced.
type turn struct {
	text  strings.Builder
	calls []*pendingCall

	// broken marks a stream that failed after producing content. The partial
	// text is kept, the pending calls are not executed.
	broken bool
}

func (t *turn) callList() []models.ToolCall {
	calls := make([]models.ToolCall, len(t.calls))
	for i, pc := range t.calls {
		calls[i] = pc.call
	}
	return calls
}

// drain consumes one model turn. Text goes downstream immediately, thinking
// fragments to their channel, and every parsed tool call is admitted (with
// its placeholder created) the moment it arrives.
func (l *Loop) drain(ctx context.Context, p Params, state *runState, stream <-chan llm.Chunk, choice llm.ToolChoice) (*turn, error) {
	t := &turn{}
	for chunk := range stream {
		switch c := chunk.(type) {
		case llm.TextChunk:
			t.text.WriteString(c.Text)
			if err := p.Sink.Write(ctx, c.Text); err != nil {
				return t, fmt.Errorf("write text downstream: %w", err)
			}
		case llm.ThinkingChunk:
			l.publishThinking(ctx, p, c.Text)
		case llm.SignatureChunk:
			// Already stamped onto the tool calls by the driver.
		case llm.ToolCallChunk:
			t.calls = append(t.calls, l.admitCall(ctx, p, state, c.Call, choice))
		case llm.UsageChunk:
			state.result.Usages = append(state.result.Usages, c.Usage)
		case llm.ErrorChunk:
			l.logger.Warn("Stream failed after content, salvaging partial turn", "error", c.Err)
			l.abandonCalls(ctx, p, state, t.calls, "The response stream was interrupted.")
			t.broken = true
			return t, nil
		}
	}
	return t, nil
}

// admitCall parses and resolves one tool call as it arrives. Placeholders
// are created only for executable skill calls: arguments parsed, skill
// configured, tools allowed this turn, and not a known duplicate.
func (l *Loop) admitCall(ctx context.Context, p Params, state *runState, call models.ToolCall, choice llm.ToolChoice) *pendingCall {
	pc := &pendingCall{call: call}

	raw := strings.TrimSpace(call.Arguments)
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &pc.args); err != nil {
		pc.args = nil
		pc.parseErr = err
	} else if pc.args == nil {
		// A literal JSON null decodes to a nil map.
		pc.args = map[string]any{}
	}

	pc.ref, pc.resolveErr = p.Toolset.Resolve(call.Name)
	if pc.resolveErr != nil || pc.ref.System() {
		return pc
	}

	cfg, err := l.apps.GetSkill(pc.ref.AppID, pc.ref.SkillID)
	if err != nil {
		// Resolved by separator splitting, but no such skill is configured.
		pc.resolveErr = &skills.UnknownToolError{Name: call.Name, AvailableTools: p.Toolset.Names()}
		return pc
	}
	pc.cfg = cfg

	if pc.parseErr != nil {
		return pc
	}
	pc.hash = skills.CallHash(pc.ref.AppID, pc.ref.SkillID, pc.args)

	if choice != llm.ToolChoiceAuto {
		return pc
	}
	if _, done := state.completed[pc.hash]; done {
		return pc
	}

	embed, err := l.embeds.CreateSkillPlaceholder(ctx, p.Identity, pc.ref.AppID, pc.ref.SkillID, placeholderMetadata(pc.args, cfg))
	if err != nil {
		l.logger.Warn("Placeholder creation failed, skill will run without an embed",
			"app_id", pc.ref.AppID, "skill_id", pc.ref.SkillID, "error", err)
		return pc
	}
	pc.embed = embed
	return pc
}

// abandonCalls errors out the placeholders of calls that will never execute.
func (l *Loop) abandonCalls(ctx context.Context, p Params, state *runState, calls []*pendingCall, reason string) {
	for _, pc := range calls {
		if pc.embed != nil {
			l.failEmbed(ctx, p, state, pc.embed.ID, reason)
		}
	}
}

func (l *Loop) publishThinking(ctx context.Context, p Params, fragment string) {
	err := l.publisher.PublishThinking(ctx, events.ThinkingChunkPayload{
		TaskID:    p.Task.TaskID,
		ChatID:    p.Task.ChatID,
		MessageID: p.Task.MessageID,
		Fragment:  fragment,
	})
	if err != nil {
		l.logger.Warn("Publish thinking fragment failed", "error", err)
	}
}

// publishSkillStatus emits a typing-indicator status event. External-API
// sessions suppress these; their callers poll chunks instead.
func (l *Loop) publishSkillStatus(ctx context.Context, p Params, appID, skillID, status string, preview map[string]any, errMsg string) {
	if p.Task.ExternalAPI {
		return
	}
	err := l.publisher.PublishSkillStatus(ctx, events.SkillStatusPayload{
		TaskID:      p.Task.TaskID,
		ChatID:      p.Task.ChatID,
		MessageID:   p.Task.MessageID,
		UserIDUUID:  p.Task.UserID,
		UserIDHash:  p.Task.UserIDHash,
		AppID:       appID,
		SkillID:     skillID,
		Status:      status,
		PreviewData: preview,
		Error:       errMsg,
	})
	if err != nil {
		l.logger.Warn("Publish skill status failed", "status", status, "error", err)
	}
}

// failEmbed marks a placeholder failed and collects its id for reference
// stripping at persistence time.
func (l *Loop) failEmbed(ctx context.Context, p Params, state *runState, embedID, message string) {
	if err := l.embeds.UpdateStatusToError(ctx, p.Identity, embedID, message); err != nil {
		l.logger.Warn("Embed error update failed", "embed_id", embedID, "error", err)
	}
	state.result.FailedEmbedIDs[embedID] = true
}

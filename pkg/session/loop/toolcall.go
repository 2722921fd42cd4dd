package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/heymates/maestro/pkg/billing"
	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/embeds"
	"github.com/heymates/maestro/pkg/events"
	"github.com/heymates/maestro/pkg/models"
	"github.com/heymates/maestro/pkg/skills"
	"github.com/heymates/maestro/pkg/toon"
)

// pendingCall is one parsed tool call plus everything the drain phase
// learned about it.
type pendingCall struct {
	call models.ToolCall

	args     map[string]any
	parseErr error

	ref        skills.ToolRef
	resolveErr error

	// cfg is nil for system tools and unresolved names.
	cfg *config.SkillConfig

	// hash fingerprints (app, skill, raw arguments) for deduplication.
	hash string

	// embed is the placeholder created at parse time; nil when the call was
	// not eligible for one.
	embed *models.Embed
}

// executeCall runs one tool call end to end and appends its tool response.
// A true return suspends the loop for focus-mode confirmation.
func (l *Loop) executeCall(ctx context.Context, p Params, state *runState, pc *pendingCall) (suspend bool) {
	switch {
	case pc.parseErr != nil:
		l.failUnparsedCall(ctx, p, state, pc)
		return false

	case pc.resolveErr != nil:
		var unknown *skills.UnknownToolError
		if errors.As(pc.resolveErr, &unknown) {
			state.respond(pc.call, toolJSON(unknown.Response()), nil)
		} else {
			state.respond(pc.call, toolJSON(map[string]any{"error": pc.resolveErr.Error()}), nil)
		}
		return false

	case pc.ref.System():
		return l.runSystemTool(ctx, p, state, pc)
	}

	units := skills.RequestCount(pc.args)
	if state.usedUnits+units > HardLimitSkillCalls {
		l.logger.Info("Skill call skipped, would exceed the hard budget",
			"app_id", pc.ref.AppID, "skill_id", pc.ref.SkillID,
			"used_units", state.usedUnits, "call_units", units)
		state.forceNoTools = true
		if pc.embed != nil {
			l.failEmbed(ctx, p, state, pc.embed.ID, "Skipped: the skill-call budget for this turn was exhausted.")
		}
		state.respond(pc.call, toolJSON(map[string]any{"status": "skipped", "reason": "budget"}), nil)
		return false
	}

	if prevID, done := state.completed[pc.hash]; done {
		if pc.embed != nil {
			// Same-iteration twin: its placeholder went out before the first
			// copy completed.
			l.failEmbed(ctx, p, state, pc.embed.ID, "Duplicate skill call; results were already delivered.")
		}
		state.respond(pc.call, toolJSON(map[string]any{
			"status":            "already_completed",
			"previous_embed_id": prevID,
			"message":           "This exact call already ran in this conversation; reuse its results.",
		}), nil)
		return false
	}

	state.usedUnits += units
	l.dispatchSkill(ctx, p, state, pc, units)
	return false
}

// failUnparsedCall answers a call whose arguments were not valid JSON. An
// error placeholder is still created when the name resolves to a real skill,
// so the client sees the failed attempt.
func (l *Loop) failUnparsedCall(ctx context.Context, p Params, state *runState, pc *pendingCall) {
	message := fmt.Sprintf("Failed to parse tool arguments as JSON: %v", pc.parseErr)
	if pc.resolveErr == nil && !pc.ref.System() {
		embed, err := l.embeds.CreateSkillPlaceholder(ctx, p.Identity, pc.ref.AppID, pc.ref.SkillID, nil)
		if err != nil {
			l.logger.Warn("Placeholder for unparsable call failed", "tool", pc.call.Name, "error", err)
		} else {
			l.failEmbed(ctx, p, state, embed.ID, message)
		}
	}
	state.respond(pc.call, toolJSON(map[string]any{"error": message}), nil)
}

// runSystemTool handles focus activation and deactivation. Activation
// suspends the loop pending user confirmation; deactivation completes inline
// and the loop continues. System tools consume no budget.
func (l *Loop) runSystemTool(ctx context.Context, p Params, state *runState, pc *pendingCall) (suspend bool) {
	switch pc.ref.SkillID {
	case "activate_focus_mode":
		return l.activateFocus(ctx, p, state, pc)
	case "deactivate_focus_mode":
		if err := l.scheduler.EnqueueClearActiveFocus(ctx, p.Task.ChatID); err != nil {
			l.logger.Error("Enqueue clear-active-focus failed", "chat_id", p.Task.ChatID, "error", err)
			state.respond(pc.call, toolJSON(map[string]any{"error": "Focus mode could not be deactivated. Try again."}), nil)
			return false
		}
		l.logger.Info("Focus mode deactivated", "chat_id", p.Task.ChatID)
		state.respond(pc.call, toolJSON(map[string]any{"status": "deactivated"}), nil)
		return false
	default:
		state.respond(pc.call, toolJSON(map[string]any{"error": fmt.Sprintf("Unknown system tool %q.", pc.call.Name)}), nil)
		return false
	}
}

// activateFocus stores the pending activation and schedules the deferred
// confirm. The session ends here; the confirm task fires a continuation with
// the focus prompt injected unless the user cancels the countdown.
func (l *Loop) activateFocus(ctx context.Context, p Params, state *runState, pc *pendingCall) bool {
	focusID, _ := pc.args["focus_id"].(string)
	if focusID == "" {
		state.respond(pc.call, toolJSON(map[string]any{"error": "activate_focus_mode requires a focus_id argument."}), nil)
		return false
	}
	mode, ok := l.apps.FindFocusMode(focusID)
	if !ok {
		state.respond(pc.call, toolJSON(map[string]any{"error": fmt.Sprintf("Unknown focus mode %q.", focusID)}), nil)
		return false
	}

	embed, err := l.embeds.CreateFocusActivation(ctx, p.Identity, focusID, mode.Name, l.focusDelay)
	if err != nil {
		l.logger.Error("Focus activation embed failed", "focus_id", focusID, "error", err)
		state.respond(pc.call, toolJSON(map[string]any{"error": "Focus mode could not be activated. Try again."}), nil)
		return false
	}

	pending := &models.PendingFocusActivation{
		ChatID:      p.Task.ChatID,
		FocusID:     focusID,
		FocusPrompt: mode.Prompt,
		EmbedID:     embed.ID,
		Session:     *p.Task,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.cache.StorePendingFocus(ctx, pending); err != nil {
		l.logger.Error("Pending focus store failed", "focus_id", focusID, "error", err)
		l.failEmbed(ctx, p, state, embed.ID, "Focus mode activation failed.")
		state.respond(pc.call, toolJSON(map[string]any{"error": "Focus mode could not be activated. Try again."}), nil)
		return false
	}
	if err := l.scheduler.EnqueueFocusConfirm(ctx, p.Task.ChatID, l.focusDelay); err != nil {
		l.logger.Error("Enqueue focus confirm failed", "focus_id", focusID, "error", err)
		if derr := l.cache.DeletePendingFocus(ctx, p.Task.ChatID); derr != nil {
			l.logger.Warn("Pending focus cleanup failed", "chat_id", p.Task.ChatID, "error", derr)
		}
		l.failEmbed(ctx, p, state, embed.ID, "Focus mode activation failed.")
		state.respond(pc.call, toolJSON(map[string]any{"error": "Focus mode could not be activated. Try again."}), nil)
		return false
	}

	l.logger.Info("Focus mode activation pending confirmation",
		"chat_id", p.Task.ChatID, "focus_id", focusID, "delay", l.focusDelay)
	state.result.AwaitingFocusConfirmation = true
	return true
}

// dispatchSkill normalizes, validates, and executes one skill call, then
// settles its placeholder and tool response according to the outcome.
func (l *Loop) dispatchSkill(ctx context.Context, p Params, state *runState, pc *pendingCall, units int) {
	args := skills.NormalizeArguments(pc.args, pc.cfg.Parameters)
	skills.AssignRequestIDs(args)
	_ = skills.ValidateArguments(l.logger, pc.ref.AppID, pc.ref.SkillID, pc.cfg.Parameters, args)

	var skillTaskID string
	if pc.embed != nil {
		skillTaskID = pc.embed.SkillTaskID
		args["_placeholder_embed_ids"] = []string{pc.embed.ID}
	}

	preview := previewData(args, pc.cfg)
	l.publishSkillStatus(ctx, p, pc.ref.AppID, pc.ref.SkillID, events.SkillStatusProcessing, preview, "")

	resp, err := l.dispatcher.Execute(ctx, skills.DispatchRequest{
		AppID:       pc.ref.AppID,
		SkillID:     pc.ref.SkillID,
		Arguments:   args,
		ChatID:      p.Task.ChatID,
		MessageID:   p.Task.MessageID,
		UserID:      p.Task.UserID,
		SkillTaskID: skillTaskID,
		APIKeyName:  p.Task.APIKeyName,
	})

	switch {
	case errors.Is(err, skills.ErrSkillCancelled):
		l.logger.Info("Skill call cancelled by user", "app_id", pc.ref.AppID, "skill_id", pc.ref.SkillID)
		if pc.embed != nil {
			if uerr := l.embeds.UpdateStatus(ctx, p.Identity, pc.embed.ID, models.EmbedStatusCancelled, nil); uerr != nil {
				l.logger.Warn("Embed cancel update failed", "embed_id", pc.embed.ID, "error", uerr)
			}
		}
		l.publishSkillStatus(ctx, p, pc.ref.AppID, pc.ref.SkillID, events.SkillStatusCancelled, preview, "")
		state.respond(pc.call, toolJSON(map[string]any{
			"status":  "cancelled",
			"message": "The user cancelled this skill call. Do not retry it; acknowledge and continue.",
		}), nil)
		return

	case err != nil:
		l.failSkillCall(ctx, p, state, pc, preview, err.Error())
		return
	}

	if message, isErr := resp.ErrorResult(); isErr {
		l.failSkillCall(ctx, p, state, pc, preview, message)
		return
	}

	if _, async := resp.AsyncResult(); async {
		// An out-of-band task owns the placeholder now; it stays processing
		// until that task updates it. No embed ids go back to the model.
		state.markCompleted(pc)
		l.chargeSkill(ctx, p, pc, resp, args, units)
		state.respond(pc.call, toolJSON(map[string]any{
			"status":  "processing",
			"message": "Request accepted. Results are generated in the background and delivered to the user directly; do not wait for them.",
		}), nil)
		return
	}

	l.finishSkillCall(ctx, p, state, pc, resp, args, preview, units)
}

// failSkillCall settles one failed execution: error placeholder, failed-id
// collection, error status event, structured tool response. Never charged.
func (l *Loop) failSkillCall(ctx context.Context, p Params, state *runState, pc *pendingCall, preview map[string]any, message string) {
	l.logger.Warn("Skill call failed",
		"app_id", pc.ref.AppID, "skill_id", pc.ref.SkillID, "error", message)
	if pc.embed != nil {
		l.failEmbed(ctx, p, state, pc.embed.ID, message)
	}
	l.publishSkillStatus(ctx, p, pc.ref.AppID, pc.ref.SkillID, events.SkillStatusError, preview, message)
	state.respond(pc.call, toolJSON(map[string]any{"status": "error", "error": message}), nil)
}

// finishSkillCall settles one successful execution: embed update with child
// expansion, finished status event, credit charge, TOON tool response.
func (l *Loop) finishSkillCall(ctx context.Context, p Params, state *runState, pc *pendingCall, resp *skills.Response, args map[string]any, preview map[string]any, units int) {
	rows := embeds.FlattenRows(resp.Rows())

	var childIDs []string
	if pc.embed != nil {
		outcome, err := l.embeds.UpdateWithResults(ctx, p.Identity, pc.embed.ID, embeds.ResultsUpdate{
			AppID:    pc.ref.AppID,
			SkillID:  pc.ref.SkillID,
			Results:  resp.Results,
			Metadata: placeholderMetadata(args, pc.cfg),
		})
		if err != nil {
			l.logger.Warn("Embed result update failed", "embed_id", pc.embed.ID, "error", err)
			state.result.FailedEmbedIDs[pc.embed.ID] = true
		} else {
			if !outcome.SentEmbedData {
				l.embeds.PublishUpdate(ctx, p.Identity, outcome)
			}
			childIDs = outcome.ChildEmbedIDs
		}
	}

	if len(childIDs) > 0 && len(childIDs) == len(rows) {
		for i := range rows {
			rows[i]["embed_id"] = childIDs[i]
		}
	}

	state.markCompleted(pc)
	l.publishSkillStatus(ctx, p, pc.ref.AppID, pc.ref.SkillID, events.SkillStatusFinished, preview, "")
	l.chargeSkill(ctx, p, pc, resp, args, units)

	content := map[string]any{
		"status":       "finished",
		"result_count": len(rows),
		"results":      rowsAsAny(rows),
	}
	if pc.embed != nil {
		content["embed_id"] = pc.embed.ID
	}
	encoded := toon.Encode(content)

	state.result.ToolResults = append(state.result.ToolResults, ToolResultRecord{
		AppID:   pc.ref.AppID,
		SkillID: pc.ref.SkillID,
		Content: encoded,
	})

	ignore := resp.IgnoreFields
	if ignore == nil {
		ignore = pc.cfg.ExcludeFieldsForLLM
	}
	state.respond(pc.call, encoded, ignore)
}

// chargeSkill posts the credit charge for one successful execution. Billing
// failures never surface; the driver logs them.
func (l *Loop) chargeSkill(ctx context.Context, p Params, pc *pendingCall, resp *skills.Response, args map[string]any, units int) {
	provider := resp.Provider
	if provider == "" {
		provider = pc.cfg.Provider
	}
	l.billing.ChargeSkillUse(ctx, billing.SkillUse{
		UserID:     p.Task.UserID,
		UserIDHash: p.Task.UserIDHash,
		AppID:      pc.ref.AppID,
		SkillID:    pc.ref.SkillID,
		Provider:   provider,
		ModelRef:   modelRefArg(args),
		Units:      units,
	}, pc.cfg)
}

// metadataKeys are the request fields passed through to the placeholder so
// the client renders a meaningful card while the skill runs.
var metadataKeys = []string{"query", "url", "languages"}

func placeholderMetadata(args map[string]any, cfg *config.SkillConfig) map[string]any {
	md := make(map[string]any)
	for _, key := range metadataKeys {
		if v, ok := lookupArg(args, key); ok {
			md[key] = v
		}
	}
	if cfg != nil && cfg.Provider != "" {
		md["provider"] = cfg.Provider
	}
	return md
}

// previewData projects the configured preview fields out of the arguments
// for skill-status events.
func previewData(args map[string]any, cfg *config.SkillConfig) map[string]any {
	preview := map[string]any{}
	if cfg == nil {
		return preview
	}
	for _, field := range cfg.PreviewFields {
		if v, ok := lookupArg(args, field); ok {
			preview[field] = v
		}
	}
	return preview
}

// lookupArg reads a field from the top-level arguments or, failing that,
// from the first request entry.
func lookupArg(args map[string]any, key string) (any, bool) {
	if v, ok := args[key]; ok {
		return v, true
	}
	if requests, ok := args["requests"].([]any); ok && len(requests) > 0 {
		if first, ok := requests[0].(map[string]any); ok {
			if v, ok := first[key]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// modelRefArg extracts the full model reference a generation skill reports
// in its arguments; empty for search-style skills.
func modelRefArg(args map[string]any) string {
	if v, ok := lookupArg(args, "full_model_reference"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func rowsAsAny(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out
}

// toolJSON renders a structured tool response. Marshal of a map is
// deterministic (keys sort), which keeps responses stable across turns.
func toolJSON(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"internal: failed to encode tool response"}`
	}
	return string(data)
}

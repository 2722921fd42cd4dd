// Package billing resolves credit pricing for skill calls and LLM turns and
// posts charges to the internal billing API. Charging runs after the work it
// accounts for; a billing failure is logged and never surfaces to the user.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/models"
)

const internalAPITimeout = 10 * time.Second

// Driver talks to the internal platform API for pricing lookups and charge
// posts.
type Driver struct {
	settings *config.Settings
	cfg      *config.Config
	client   *http.Client
	logger   *slog.Logger
}

// NewDriver creates a billing driver. A missing internal service token is
// tolerated so local setups work, but warned about once here.
func NewDriver(settings *config.Settings, cfg *config.Config, logger *slog.Logger) *Driver {
	logger = logger.With("component", "billing")
	if settings.InternalServiceToken == "" {
		logger.Warn("INTERNAL_SERVICE_TOKEN is not set; internal API calls go out unauthenticated")
	}
	return &Driver{
		settings: settings,
		cfg:      cfg,
		client:   &http.Client{Timeout: internalAPITimeout},
		logger:   logger,
	}
}

// SkillUse describes one successful skill execution to bill.
type SkillUse struct {
	UserID     string
	UserIDHash string
	AppID      string
	SkillID    string

	// Provider is the upstream display name from the skill reply, falling
	// back to the skill config.
	Provider string

	// ModelRef is the full model reference a generation skill reports,
	// "provider/model". Empty for search-style skills.
	ModelRef string

	// Units is the number of request units processed
	// (len(arguments.requests), or 1).
	Units int
}

// Account identifies whose balance a charge lands on.
type Account struct {
	UserID     string
	UserIDHash string
}

// ChargeSkillUse resolves pricing for one skill execution and posts the
// charge. The returned credits are what was sent; 0 means the charge POST
// itself was skipped because the account is unidentified.
func (d *Driver) ChargeSkillUse(ctx context.Context, use SkillUse, skillCfg *config.SkillConfig) float64 {
	if use.UserID == "" {
		d.logger.Warn("skipping skill charge without user id", "app_id", use.AppID, "skill_id", use.SkillID)
		return 0
	}

	units := use.Units
	if units < 1 {
		units = 1
	}
	credits, source := d.resolveSkillCredits(ctx, use, skillCfg, units)
	if credits < MinimumCreditsCharged {
		credits = MinimumCreditsCharged
		source = "minimum"
	}

	details := map[string]any{
		"kind":            "skill",
		"units_processed": units,
		"pricing_source":  source,
	}
	if use.Provider != "" {
		details["provider"] = use.Provider
	}
	if use.ModelRef != "" {
		details["model_ref"] = use.ModelRef
	}
	if info := d.fetchProviderInfo(ctx, use); info != nil {
		details["provider_name"] = info.Name
		if info.Region != "" {
			details["provider_region"] = info.Region
		}
	}

	d.charge(ctx, chargeRequest{
		UserID:       use.UserID,
		UserIDHash:   use.UserIDHash,
		Credits:      credits,
		SkillID:      use.SkillID,
		AppID:        use.AppID,
		UsageDetails: details,
	})
	return credits
}

// ChargeLLMUsage bills one completed or user-interrupted LLM turn from its
// usage metadata. Token counting branches on the provider tag: Anthropic
// reports cache tokens outside input_tokens, OpenAI folds them in.
func (d *Driver) ChargeLLMUsage(ctx context.Context, account Account, usage models.Usage) float64 {
	if account.UserID == "" {
		d.logger.Warn("skipping llm charge without user id", "model", usage.Model)
		return 0
	}

	var billableInput int
	switch usage.Provider {
	case models.ProviderAnthropic:
		billableInput = usage.InputTokens + usage.CacheCreationInputTokens + usage.CacheReadInputTokens
	default:
		billableInput = usage.InputTokens
	}

	details := map[string]any{
		"kind":          "llm_tokens",
		"provider":      string(usage.Provider),
		"model":         usage.Model,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
	}
	if usage.CacheCreationInputTokens > 0 {
		details["cache_creation_input_tokens"] = usage.CacheCreationInputTokens
	}
	if usage.CacheReadInputTokens > 0 {
		details["cache_read_input_tokens"] = usage.CacheReadInputTokens
	}

	credits := float64(MinimumCreditsCharged)
	model, err := d.cfg.ResolveModel(usage.Model)
	if err != nil || model.Pricing == nil {
		d.logger.Warn("no pricing for model, charging minimum", "model", usage.Model)
	} else {
		p := model.Pricing
		raw := float64(billableInput)*p.InputCreditsPerMTok/1e6 +
			float64(usage.OutputTokens)*p.OutputCreditsPerMTok/1e6
		credits = math.Ceil(raw)
		if credits < MinimumCreditsCharged {
			credits = MinimumCreditsCharged
		}

		realCost := realCostUSD(usage, p)
		chargedUSD := credits * d.cfg.Models.CreditValueUSD()
		details["real_cost_usd"] = realCost
		details["charged_usd"] = chargedUSD
		details["margin_usd"] = chargedUSD - realCost
		d.logger.Info("llm turn billed",
			"model", usage.Model,
			"input_tokens", billableInput,
			"output_tokens", usage.OutputTokens,
			"credits", credits,
			"real_cost_usd", realCost,
			"margin_usd", chargedUSD-realCost)
	}

	d.charge(ctx, chargeRequest{
		UserID:       account.UserID,
		UserIDHash:   account.UserIDHash,
		Credits:      credits,
		UsageDetails: details,
	})
	return credits
}

// ChargeMinimum posts the fixed minimal charge used for rejected requests
// that still consumed preprocessing work.
func (d *Driver) ChargeMinimum(ctx context.Context, account Account, reason string) {
	if account.UserID == "" {
		return
	}
	d.charge(ctx, chargeRequest{
		UserID:     account.UserID,
		UserIDHash: account.UserIDHash,
		Credits:    MinimumCreditsCharged,
		UsageDetails: map[string]any{
			"kind":   "fixed_minimum",
			"reason": reason,
		},
	})
}

func realCostUSD(u models.Usage, p *config.ModelPricing) float64 {
	return float64(u.InputTokens)*p.InputCostPerMTok/1e6 +
		float64(u.OutputTokens)*p.OutputCostPerMTok/1e6 +
		float64(u.CacheReadInputTokens)*p.CacheReadCostPerMTok/1e6 +
		float64(u.CacheCreationInputTokens)*p.CacheWriteCostPerMTok/1e6
}

type chargeRequest struct {
	UserID       string         `json:"user_id"`
	UserIDHash   string         `json:"user_id_hash"`
	Credits      float64        `json:"credits"`
	SkillID      string         `json:"skill_id,omitempty"`
	AppID        string         `json:"app_id,omitempty"`
	UsageDetails map[string]any `json:"usage_details,omitempty"`
}

// charge posts to the internal billing endpoint. Failures are logged, never
// returned.
func (d *Driver) charge(ctx context.Context, req chargeRequest) {
	body, err := json.Marshal(req)
	if err != nil {
		d.logger.Error("marshal charge request failed", "error", err)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.settings.InternalAPIBaseURL+"/internal/billing/charge", bytes.NewReader(body))
	if err != nil {
		d.logger.Error("build charge request failed", "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Internal-Service-Token", d.settings.InternalServiceToken)

	res, err := d.client.Do(httpReq)
	if err != nil {
		d.logger.Error("billing charge failed", "credits", req.Credits, "app_id", req.AppID,
			"skill_id", req.SkillID, "error", err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		d.logger.Error("billing charge rejected", "status", res.StatusCode,
			"credits", req.Credits, "app_id", req.AppID, "skill_id", req.SkillID)
		return
	}
	d.logger.Info("credits charged", "credits", req.Credits, "app_id", req.AppID, "skill_id", req.SkillID)
}

func (d *Driver) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.settings.InternalAPIBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build internal request: %w", err)
	}
	req.Header.Set("X-Internal-Service-Token", d.settings.InternalServiceToken)

	res, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("call internal API %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("internal API %s returned status %d", path, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode internal API response %s: %w", path, err)
	}
	return nil
}

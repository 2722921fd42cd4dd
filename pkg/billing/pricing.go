package billing

import (
	"context"
	"net/url"
	"strings"

	"github.com/heymates/maestro/pkg/config"
)

// MinimumCreditsCharged is the floor for every charge and the fallback when
// no pricing config resolves.
const MinimumCreditsCharged = 1

// providerAliases maps upstream display names (lowercased) to the provider
// ids the internal pricing API knows.
var providerAliases = map[string]string{
	"brave":        "brave",
	"brave search": "brave",
}

// providerKey normalizes a provider display name into a pricing id.
// "Google" earns a per-app id for maps because Places and generic Google
// skills are priced differently.
func providerKey(provider, appID string) string {
	if provider == "" {
		return ""
	}
	key := strings.ToLower(strings.TrimSpace(provider))
	if alias, ok := providerAliases[key]; ok {
		return alias
	}
	if key == "google" && appID == "maps" {
		return "google_maps"
	}
	return strings.ReplaceAll(key, " ", "_")
}

// pricingRecord is the pricing shape served by the internal config API. It
// mirrors config.SkillPricing, which is the same record in app.yml form.
type pricingRecord struct {
	PerUnit           *unitPricing `json:"per_unit"`
	PerRequestCredits float64      `json:"per_request_credits"`
}

type unitPricing struct {
	Credits float64 `json:"credits"`
}

func (r *pricingRecord) credits(units int) (float64, bool) {
	if r == nil {
		return 0, false
	}
	if r.PerUnit != nil && r.PerUnit.Credits > 0 {
		return r.PerUnit.Credits * float64(units), true
	}
	if r.PerRequestCredits > 0 {
		return r.PerRequestCredits * float64(units), true
	}
	return 0, false
}

func recordFromConfig(p *config.SkillPricing) *pricingRecord {
	if p == nil {
		return nil
	}
	rec := &pricingRecord{PerRequestCredits: p.PerRequestCredits}
	if p.PerUnit != nil {
		rec.PerUnit = &unitPricing{Credits: p.PerUnit.Credits}
	}
	return rec
}

// providerInfo is the display record attached to usage rows.
type providerInfo struct {
	Name   string `json:"name"`
	Region string `json:"region,omitempty"`
}

// resolveSkillCredits walks the pricing chain: app.yml skill pricing, then
// per-model pricing for the reported model reference, then per-provider
// pricing. The second return names the level that matched.
func (d *Driver) resolveSkillCredits(ctx context.Context, use SkillUse, skillCfg *config.SkillConfig, units int) (float64, string) {
	if skillCfg != nil {
		if c, ok := recordFromConfig(skillCfg.Pricing).credits(units); ok {
			return c, "app_config"
		}
	}

	if use.ModelRef != "" {
		provider, suffix, ok := strings.Cut(use.ModelRef, "/")
		if ok {
			rec := d.fetchPricing(ctx, "/internal/config/provider_model_pricing/"+provider+"/"+suffix)
			if c, ok := rec.credits(units); ok {
				return c, "provider_model"
			}
		}
	}

	if key := providerKey(use.Provider, use.AppID); key != "" {
		rec := d.fetchPricing(ctx, "/internal/config/provider_pricing/"+key)
		if c, ok := rec.credits(units); ok {
			return c, "provider"
		}
	}

	return 0, "minimum"
}

func (d *Driver) fetchPricing(ctx context.Context, path string) *pricingRecord {
	var rec pricingRecord
	if err := d.getJSON(ctx, path, &rec); err != nil {
		d.logger.Debug("pricing lookup missed", "path", path, "error", err)
		return nil
	}
	return &rec
}

func (d *Driver) fetchProviderInfo(ctx context.Context, use SkillUse) *providerInfo {
	key := providerKey(use.Provider, use.AppID)
	if key == "" {
		return nil
	}
	path := "/internal/config/provider_info/" + key
	if use.ModelRef != "" {
		path += "?model_ref=" + url.QueryEscape(use.ModelRef)
	}
	var info providerInfo
	if err := d.getJSON(ctx, path, &info); err != nil {
		d.logger.Debug("provider info lookup missed", "provider", key, "error", err)
		return nil
	}
	return &info
}

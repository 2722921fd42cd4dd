package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/models"
)

type internalAPI struct {
	mu      sync.Mutex
	srv     *httptest.Server
	charges []chargeRequest
	gets    []string

	modelPricing    map[string]pricingRecord // keyed by "<provider>/<suffix>"
	providerPricing map[string]pricingRecord
	providerInfos   map[string]providerInfo
	chargeStatus    int
}

func newInternalAPI(t *testing.T) *internalAPI {
	t.Helper()
	api := &internalAPI{
		modelPricing:    map[string]pricingRecord{},
		providerPricing: map[string]pricingRecord{},
		providerInfos:   map[string]providerInfo{},
		chargeStatus:    http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/billing/charge", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req chargeRequest
		require.NoError(t, json.Unmarshal(body, &req))
		api.mu.Lock()
		api.charges = append(api.charges, req)
		status := api.chargeStatus
		api.mu.Unlock()
		w.WriteHeader(status)
	})
	mux.HandleFunc("GET /internal/config/provider_model_pricing/{provider}/{suffix}", func(w http.ResponseWriter, r *http.Request) {
		api.recordGet(r.URL.Path)
		key := r.PathValue("provider") + "/" + r.PathValue("suffix")
		api.mu.Lock()
		rec, ok := api.modelPricing[key]
		api.mu.Unlock()
		writePricing(w, rec, ok)
	})
	mux.HandleFunc("GET /internal/config/provider_pricing/{provider}", func(w http.ResponseWriter, r *http.Request) {
		api.recordGet(r.URL.Path)
		api.mu.Lock()
		rec, ok := api.providerPricing[r.PathValue("provider")]
		api.mu.Unlock()
		writePricing(w, rec, ok)
	})
	mux.HandleFunc("GET /internal/config/provider_info/{provider}", func(w http.ResponseWriter, r *http.Request) {
		api.recordGet(r.URL.Path)
		api.mu.Lock()
		info, ok := api.providerInfos[r.PathValue("provider")]
		api.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(info)
	})
	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

func writePricing(w http.ResponseWriter, rec pricingRecord, ok bool) {
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(rec)
}

func (a *internalAPI) recordGet(path string) {
	a.mu.Lock()
	a.gets = append(a.gets, path)
	a.mu.Unlock()
}

func (a *internalAPI) lastCharge(t *testing.T) chargeRequest {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.charges)
	return a.charges[len(a.charges)-1]
}

func (a *internalAPI) chargeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.charges)
}

func (a *internalAPI) getPaths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.gets...)
}

func newTestDriver(t *testing.T, api *internalAPI, modelCfgs map[string]*config.ModelConfig) *Driver {
	t.Helper()
	settings := &config.Settings{
		InternalAPIBaseURL:   api.srv.URL,
		InternalServiceToken: "test-token",
	}
	cfg := &config.Config{
		Apps:   config.NewAppRegistry(nil),
		Models: config.NewModelRegistry(modelCfgs, 0.01),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDriver(settings, cfg, logger)
}

func TestChargeSkillUse_AppConfigPricingWins(t *testing.T) {
	api := newInternalAPI(t)
	d := newTestDriver(t, api, nil)

	skillCfg := &config.SkillConfig{
		Provider: "Brave Search",
		Pricing:  &config.SkillPricing{PerUnit: &config.UnitPricing{Credits: 3}},
	}
	credits := d.ChargeSkillUse(context.Background(), SkillUse{
		UserID:     "user-1",
		UserIDHash: "uh-1",
		AppID:      "web",
		SkillID:    "search",
		Provider:   "Brave Search",
		Units:      2,
	}, skillCfg)

	assert.Equal(t, 6.0, credits)
	charge := api.lastCharge(t)
	assert.Equal(t, "user-1", charge.UserID)
	assert.Equal(t, "uh-1", charge.UserIDHash)
	assert.Equal(t, 6.0, charge.Credits)
	assert.Equal(t, "web", charge.AppID)
	assert.Equal(t, "search", charge.SkillID)
	assert.Equal(t, "app_config", charge.UsageDetails["pricing_source"])
	assert.Equal(t, float64(2), charge.UsageDetails["units_processed"])

	// App-level pricing resolves locally; no pricing endpoint is consulted.
	for _, path := range api.getPaths() {
		assert.NotContains(t, path, "pricing")
	}
}

func TestChargeSkillUse_ModelPricingBeforeProvider(t *testing.T) {
	api := newInternalAPI(t)
	api.modelPricing["openai/gpt-image-1"] = pricingRecord{PerUnit: &unitPricing{Credits: 4}}
	api.providerPricing["openai"] = pricingRecord{PerUnit: &unitPricing{Credits: 99}}
	d := newTestDriver(t, api, nil)

	credits := d.ChargeSkillUse(context.Background(), SkillUse{
		UserID:     "user-1",
		UserIDHash: "uh-1",
		AppID:      "image",
		SkillID:    "generate",
		Provider:   "OpenAI",
		ModelRef:   "openai/gpt-image-1",
		Units:      1,
	}, &config.SkillConfig{})

	assert.Equal(t, 4.0, credits)
	assert.Equal(t, "provider_model", api.lastCharge(t).UsageDetails["pricing_source"])
	assert.Contains(t, api.getPaths(), "/internal/config/provider_model_pricing/openai/gpt-image-1")
}

func TestChargeSkillUse_ProviderAliases(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		appID    string
		wantKey  string
	}{
		{"brave search display name", "Brave Search", "web", "brave"},
		{"brave plain", "Brave", "web", "brave"},
		{"google on maps app", "Google", "maps", "google_maps"},
		{"spaces become underscores", "Open Weather", "weather", "open_weather"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newInternalAPI(t)
			api.providerPricing[tt.wantKey] = pricingRecord{PerUnit: &unitPricing{Credits: 2}}
			d := newTestDriver(t, api, nil)

			credits := d.ChargeSkillUse(context.Background(), SkillUse{
				UserID:     "user-1",
				UserIDHash: "uh-1",
				AppID:      tt.appID,
				SkillID:    "s",
				Provider:   tt.provider,
				Units:      1,
			}, nil)

			assert.Equal(t, 2.0, credits)
			assert.Contains(t, api.getPaths(), "/internal/config/provider_pricing/"+tt.wantKey)
		})
	}
}

func TestChargeSkillUse_FallsBackToMinimum(t *testing.T) {
	api := newInternalAPI(t)
	d := newTestDriver(t, api, nil)

	credits := d.ChargeSkillUse(context.Background(), SkillUse{
		UserID:     "user-1",
		UserIDHash: "uh-1",
		AppID:      "web",
		SkillID:    "search",
		Provider:   "Unknown Provider",
		Units:      3,
	}, nil)

	assert.Equal(t, 1.0, credits)
	charge := api.lastCharge(t)
	assert.Equal(t, "minimum", charge.UsageDetails["pricing_source"])
}

func TestChargeSkillUse_PerRequestCredits(t *testing.T) {
	api := newInternalAPI(t)
	api.providerPricing["brave"] = pricingRecord{PerRequestCredits: 1.5}
	d := newTestDriver(t, api, nil)

	credits := d.ChargeSkillUse(context.Background(), SkillUse{
		UserID:     "user-1",
		UserIDHash: "uh-1",
		AppID:      "web",
		SkillID:    "search",
		Provider:   "Brave",
		Units:      2,
	}, nil)

	assert.Equal(t, 3.0, credits)
}

func TestChargeSkillUse_ProviderInfoRecorded(t *testing.T) {
	api := newInternalAPI(t)
	api.providerPricing["brave"] = pricingRecord{PerUnit: &unitPricing{Credits: 1}}
	api.providerInfos["brave"] = providerInfo{Name: "Brave Search", Region: "us"}
	d := newTestDriver(t, api, nil)

	d.ChargeSkillUse(context.Background(), SkillUse{
		UserID:     "user-1",
		UserIDHash: "uh-1",
		AppID:      "web",
		SkillID:    "search",
		Provider:   "Brave",
		Units:      1,
	}, nil)

	charge := api.lastCharge(t)
	assert.Equal(t, "Brave Search", charge.UsageDetails["provider_name"])
	assert.Equal(t, "us", charge.UsageDetails["provider_region"])
}

func TestChargeSkillUse_ChargeFailureDoesNotRaise(t *testing.T) {
	api := newInternalAPI(t)
	api.chargeStatus = http.StatusInternalServerError
	d := newTestDriver(t, api, nil)

	assert.NotPanics(t, func() {
		d.ChargeSkillUse(context.Background(), SkillUse{
			UserID:     "user-1",
			UserIDHash: "uh-1",
			AppID:      "web",
			SkillID:    "search",
			Units:      1,
		}, nil)
	})
	assert.NotZero(t, api.chargeCount())
}

func TestChargeSkillUse_SkippedWithoutUser(t *testing.T) {
	api := newInternalAPI(t)
	d := newTestDriver(t, api, nil)

	credits := d.ChargeSkillUse(context.Background(), SkillUse{AppID: "web", SkillID: "search"}, nil)

	assert.Equal(t, 0.0, credits)
	assert.Zero(t, api.chargeCount())
}

func TestChargeLLMUsage_CeilsCreditsAndReportsMargin(t *testing.T) {
	api := newInternalAPI(t)
	d := newTestDriver(t, api, map[string]*config.ModelConfig{
		"gpt-5": {
			Ref: "openai/gpt-5",
			Pricing: &config.ModelPricing{
				InputCostPerMTok:     1.25,
				OutputCostPerMTok:    10,
				InputCreditsPerMTok:  200,
				OutputCreditsPerMTok: 1600,
			},
		},
	})

	credits := d.ChargeLLMUsage(context.Background(), Account{UserID: "user-1", UserIDHash: "uh-1"}, models.Usage{
		Provider:     models.ProviderOpenAI,
		Model:        "openai/gpt-5",
		InputTokens:  10_000,
		OutputTokens: 2_000,
	})

	// 10k in * 200/M = 2.0, 2k out * 1600/M = 3.2 -> ceil(5.2) = 6
	assert.Equal(t, 6.0, credits)

	charge := api.lastCharge(t)
	assert.Equal(t, 6.0, charge.Credits)
	assert.Equal(t, "llm_tokens", charge.UsageDetails["kind"])
	assert.Equal(t, "openai/gpt-5", charge.UsageDetails["model"])
	// Real cost: 10k*1.25/M + 2k*10/M = 0.0125 + 0.02 = 0.0325 USD.
	assert.InDelta(t, 0.0325, charge.UsageDetails["real_cost_usd"].(float64), 1e-9)
	// Charged: 6 credits * 0.01 USD = 0.06; margin 0.0275.
	assert.InDelta(t, 0.0275, charge.UsageDetails["margin_usd"].(float64), 1e-9)
}

func TestChargeLLMUsage_AnthropicCountsCacheTokens(t *testing.T) {
	api := newInternalAPI(t)
	d := newTestDriver(t, api, map[string]*config.ModelConfig{
		"claude": {
			Ref: "anthropic/claude-sonnet-4-5",
			Pricing: &config.ModelPricing{
				InputCreditsPerMTok:  100,
				OutputCreditsPerMTok: 500,
			},
		},
	})

	credits := d.ChargeLLMUsage(context.Background(), Account{UserID: "user-1", UserIDHash: "uh-1"}, models.Usage{
		Provider:                 models.ProviderAnthropic,
		Model:                    "anthropic/claude-sonnet-4-5",
		InputTokens:              5_000,
		OutputTokens:             1_000,
		CacheCreationInputTokens: 20_000,
		CacheReadInputTokens:     15_000,
	})

	// Billable input 40k * 100/M = 4.0, output 1k * 500/M = 0.5 -> ceil(4.5) = 5.
	assert.Equal(t, 5.0, credits)
}

func TestChargeLLMUsage_UnknownModelChargesMinimum(t *testing.T) {
	api := newInternalAPI(t)
	d := newTestDriver(t, api, nil)

	credits := d.ChargeLLMUsage(context.Background(), Account{UserID: "user-1", UserIDHash: "uh-1"}, models.Usage{
		Provider:     models.ProviderOpenAI,
		Model:        "mystery-model",
		InputTokens:  100,
		OutputTokens: 100,
	})

	assert.Equal(t, 1.0, credits)
	assert.Equal(t, 1.0, api.lastCharge(t).Credits)
}

func TestChargeMinimum(t *testing.T) {
	api := newInternalAPI(t)
	d := newTestDriver(t, api, nil)

	d.ChargeMinimum(context.Background(), Account{UserID: "user-1", UserIDHash: "uh-1"}, "harmful_content")

	charge := api.lastCharge(t)
	assert.Equal(t, 1.0, charge.Credits)
	assert.Equal(t, "fixed_minimum", charge.UsageDetails["kind"])
	assert.Equal(t, "harmful_content", charge.UsageDetails["reason"])
}

func TestInternalTokenHeaderSent(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Internal-Service-Token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	settings := &config.Settings{InternalAPIBaseURL: srv.URL, InternalServiceToken: "secret"}
	cfg := &config.Config{Apps: config.NewAppRegistry(nil), Models: config.NewModelRegistry(nil, 0.01)}
	d := NewDriver(settings, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	d.ChargeMinimum(context.Background(), Account{UserID: "user-1", UserIDHash: "uh-1"}, "test")

	assert.Equal(t, "secret", gotToken)
}

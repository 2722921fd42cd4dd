package config

import (
	"sync"
)

// DefaultCreditValueUSD is the assumed USD value of one credit when
// models.yml does not override it.
const DefaultCreditValueUSD = 0.001

// BuiltinConfig holds all built-in configuration data.
// This provides default model entries so the orchestrator can run with
// an empty models.yml; user entries override built-ins per field.
type BuiltinConfig struct {
	Models         map[string]ModelConfig
	CreditValueUSD float64
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration (thread-safe, lazy-initialized)
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Models:         initBuiltinModels(),
		CreditValueUSD: DefaultCreditValueUSD,
	}
}

func initBuiltinModels() map[string]ModelConfig {
	return map[string]ModelConfig{
		"gpt-4.1": {
			Ref:         "openai/gpt-4.1",
			DisplayName: "GPT-4.1",
			Creator:     "OpenAI",
			Pricing: &ModelPricing{
				InputCostPerMTok:     2.00,
				OutputCostPerMTok:    8.00,
				CacheReadCostPerMTok: 0.50,
				InputCreditsPerMTok:  4000,
				OutputCreditsPerMTok: 16000,
			},
		},
		"gpt-4.1-mini": {
			Ref:         "openai/gpt-4.1-mini",
			DisplayName: "GPT-4.1 mini",
			Creator:     "OpenAI",
			Pricing: &ModelPricing{
				InputCostPerMTok:     0.40,
				OutputCostPerMTok:    1.60,
				CacheReadCostPerMTok: 0.10,
				InputCreditsPerMTok:  800,
				OutputCreditsPerMTok: 3200,
			},
		},
		"claude-sonnet-4": {
			Ref:         "anthropic/claude-sonnet-4-20250514",
			DisplayName: "Claude Sonnet 4",
			Creator:     "Anthropic",
			Aliases:     []string{"anthropic/claude-sonnet-4"},
			Pricing: &ModelPricing{
				InputCostPerMTok:      3.00,
				OutputCostPerMTok:     15.00,
				CacheReadCostPerMTok:  0.30,
				CacheWriteCostPerMTok: 3.75,
				InputCreditsPerMTok:   6000,
				OutputCreditsPerMTok:  30000,
			},
		},
		"claude-haiku-3-5": {
			Ref:         "anthropic/claude-3-5-haiku-20241022",
			DisplayName: "Claude Haiku 3.5",
			Creator:     "Anthropic",
			Aliases:     []string{"anthropic/claude-3-5-haiku"},
			Pricing: &ModelPricing{
				InputCostPerMTok:      0.80,
				OutputCostPerMTok:     4.00,
				CacheReadCostPerMTok:  0.08,
				CacheWriteCostPerMTok: 1.00,
				InputCreditsPerMTok:   1600,
				OutputCreditsPerMTok:  8000,
			},
		},
	}
}

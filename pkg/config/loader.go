package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ModelsYAMLConfig represents the complete models.yml file structure
type ModelsYAMLConfig struct {
	CreditValueUSD float64                `yaml:"credit_value_usd"`
	Models         map[string]ModelConfig `yaml:"models"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Discover and load apps/*.yml
//  2. Load models.yml
//  3. Expand ${VAR} references
//  4. Merge user models over built-in defaults
//  5. Build in-memory registries
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, appsDir, modelsFile string) (*Config, error) {
	log := slog.With("apps_dir", appsDir, "models_file", modelsFile)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, appsDir, modelsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"apps", stats.Apps,
		"skills", stats.Skills,
		"models", stats.Models)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, appsDir, modelsFile string) (*Config, error) {
	loader := &configLoader{}

	// 1. Discover and load app definitions
	apps, err := loader.loadApps(appsDir)
	if err != nil {
		return nil, err
	}

	// 2. Load models.yml (missing file falls back to built-ins only)
	modelsConfig, err := loader.loadModelsYAML(modelsFile)
	if err != nil {
		return nil, NewLoadError(filepath.Base(modelsFile), err)
	}

	// 3. Merge user models over built-in defaults
	builtin := GetBuiltinConfig()
	models, err := mergeModels(builtin.Models, modelsConfig.Models)
	if err != nil {
		return nil, fmt.Errorf("failed to merge model config: %w", err)
	}

	creditValueUSD := builtin.CreditValueUSD
	if modelsConfig.CreditValueUSD > 0 {
		creditValueUSD = modelsConfig.CreditValueUSD
	}

	// 4. Build registries
	return &Config{
		appsDir:    appsDir,
		modelsFile: modelsFile,
		Apps:       NewAppRegistry(apps),
		Models:     NewModelRegistry(models, creditValueUSD),
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct{}

func (l *configLoader) loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand ${VAR} / ${VAR:-default} references before parsing
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

// loadApps reads every *.yml / *.yaml file under appsDir as one app
// definition. A missing directory yields an empty registry; the
// orchestrator then runs with system tools only.
func (l *configLoader) loadApps(appsDir string) (map[string]*AppConfig, error) {
	apps := make(map[string]*AppConfig)

	entries, err := os.ReadDir(appsDir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Apps directory not found, no skill apps registered", "apps_dir", appsDir)
			return apps, nil
		}
		return nil, fmt.Errorf("failed to read apps directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}

		var app AppConfig
		path := filepath.Join(appsDir, entry.Name())
		if err := l.loadYAML(path, &app); err != nil {
			return nil, NewLoadError(entry.Name(), err)
		}

		// File name stem is the app id unless the file says otherwise
		if app.AppID == "" {
			app.AppID = strings.TrimSuffix(entry.Name(), ext)
		}
		if _, exists := apps[app.AppID]; exists {
			return nil, NewLoadError(entry.Name(), fmt.Errorf("%w: duplicate app_id %q", ErrInvalidValue, app.AppID))
		}

		appCopy := app
		apps[app.AppID] = &appCopy
	}

	return apps, nil
}

func (l *configLoader) loadModelsYAML(modelsFile string) (*ModelsYAMLConfig, error) {
	config := &ModelsYAMLConfig{
		Models: make(map[string]ModelConfig),
	}

	if err := l.loadYAML(modelsFile, config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Warn("Models file not found, using built-in model defaults", "models_file", modelsFile)
			return config, nil
		}
		return nil, err
	}

	return config, nil
}

// mergeModels merges built-in and user-defined model configurations.
// A user entry overrides the built-in entry with the same id per field;
// fields the user leaves unset keep the built-in values.
func mergeModels(builtinModels map[string]ModelConfig, userModels map[string]ModelConfig) (map[string]*ModelConfig, error) {
	result := make(map[string]*ModelConfig)

	for id, builtin := range builtinModels {
		// Deep copy so merging never mutates the built-in singleton
		builtinCopy := builtin
		if builtin.Pricing != nil {
			pricingCopy := *builtin.Pricing
			builtinCopy.Pricing = &pricingCopy
		}
		builtinCopy.Aliases = append([]string(nil), builtin.Aliases...)
		result[id] = &builtinCopy
	}

	for id, user := range userModels {
		userCopy := user
		if base, exists := result[id]; exists {
			merged := *base
			if err := mergo.Merge(&merged, userCopy, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("model %q: %w", id, err)
			}
			result[id] = &merged
			continue
		}
		result[id] = &userCopy
	}

	return result, nil
}

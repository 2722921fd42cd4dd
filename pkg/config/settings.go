package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds process-level configuration populated from environment
// variables. YAML-backed registries (apps, models) live on Config.
type Settings struct {
	// Redis
	RedisAddr     string
	RedisPassword string

	// LLM provider credentials
	OpenAIAPIKey    string
	AnthropicAPIKey string

	// Internal platform API (pricing, billing)
	InternalAPIBaseURL   string
	InternalServiceToken string

	// Directus document store
	DirectusBaseURL       string
	DirectusAdminEmail    string
	DirectusAdminPassword string

	// S3 file storage for image embeds
	S3Bucket          string
	S3Region          string
	S3Endpoint        string // Optional custom endpoint (MinIO, localstack)
	S3AccessKeyID     string // Optional static credentials, default chain otherwise
	S3SecretAccessKey string

	// AES master key for per-user key derivation
	MasterEncryptionKey string

	// HTTP API
	APIPort int

	// Worker pool
	WorkerCount          int
	SessionSoftTimeLimit time.Duration

	// Focus mode deferred confirmation countdown (client UI 5s + 1s)
	FocusConfirmDelay time.Duration

	// Registry file locations
	AppsDir    string
	ModelsFile string

	// Logging
	LogLevel  string
	LogFormat string

	// Skill app transport
	SkillAPIKeyName        string
	AppServicePort         int
	AppServiceScheme       string
	AppServiceHostTemplate string // Full base URL template with an <app_id> placeholder
}

// LoadSettings loads settings from environment variables, applying defaults.
func LoadSettings() (*Settings, error) {
	apiPort, err := strconv.Atoi(getEnvOrDefault("API_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid API_PORT: %w", err)
	}

	workerCount, err := strconv.Atoi(getEnvOrDefault("WORKER_COUNT", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_COUNT: %w", err)
	}

	appServicePort, err := strconv.Atoi(getEnvOrDefault("APP_SERVICE_PORT", "8000"))
	if err != nil {
		return nil, fmt.Errorf("invalid APP_SERVICE_PORT: %w", err)
	}

	softLimit, err := time.ParseDuration(getEnvOrDefault("SESSION_SOFT_TIME_LIMIT", "300s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_SOFT_TIME_LIMIT: %w", err)
	}

	focusDelay, err := time.ParseDuration(getEnvOrDefault("FOCUS_CONFIRM_DELAY", "6s"))
	if err != nil {
		return nil, fmt.Errorf("invalid FOCUS_CONFIRM_DELAY: %w", err)
	}

	return &Settings{
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),

		InternalAPIBaseURL:   strings.TrimRight(os.Getenv("INTERNAL_API_BASE_URL"), "/"),
		InternalServiceToken: os.Getenv("INTERNAL_SERVICE_TOKEN"),

		DirectusBaseURL:       strings.TrimRight(os.Getenv("DIRECTUS_BASE_URL"), "/"),
		DirectusAdminEmail:    os.Getenv("DIRECTUS_ADMIN_EMAIL"),
		DirectusAdminPassword: os.Getenv("DIRECTUS_ADMIN_PASSWORD"),

		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          getEnvOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),

		MasterEncryptionKey: os.Getenv("MASTER_ENCRYPTION_KEY"),

		APIPort:              apiPort,
		WorkerCount:          workerCount,
		SessionSoftTimeLimit: softLimit,
		FocusConfirmDelay:    focusDelay,

		AppsDir:    getEnvOrDefault("APPS_DIR", "config/apps"),
		ModelsFile: getEnvOrDefault("MODELS_FILE", "config/models.yml"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "json"),

		SkillAPIKeyName:        getEnvOrDefault("SKILL_API_KEY_NAME", "maestro"),
		AppServicePort:         appServicePort,
		AppServiceScheme:       getEnvOrDefault("APP_SERVICE_SCHEME", "http"),
		AppServiceHostTemplate: os.Getenv("APP_SERVICE_HOST_TEMPLATE"),
	}, nil
}

// Validate checks that settings required for normal operation are present.
// INTERNAL_SERVICE_TOKEN is deliberately not required here; its absence is
// warned about at client construction so local setups keep working.
func (s *Settings) Validate() error {
	if s.MasterEncryptionKey == "" {
		return NewValidationError("settings", "MASTER_ENCRYPTION_KEY", "", ErrMissingRequiredField)
	}
	if s.InternalAPIBaseURL == "" {
		return NewValidationError("settings", "INTERNAL_API_BASE_URL", "", ErrMissingRequiredField)
	}
	if s.DirectusBaseURL == "" {
		return NewValidationError("settings", "DIRECTUS_BASE_URL", "", ErrMissingRequiredField)
	}
	if s.OpenAIAPIKey == "" && s.AnthropicAPIKey == "" {
		return NewValidationError("settings", "OPENAI_API_KEY/ANTHROPIC_API_KEY", "",
			fmt.Errorf("%w: at least one LLM provider key", ErrMissingRequiredField))
	}
	if s.WorkerCount < 1 {
		return NewValidationError("settings", "WORKER_COUNT", "", ErrInvalidValue)
	}
	return nil
}

// AppServiceBaseURL returns the base URL of the app service hosting the
// given app, e.g. "http://app-web:8000". The host template, when set,
// takes precedence and substitutes its <app_id> placeholder; tests point
// it at an httptest server.
func (s *Settings) AppServiceBaseURL(appID string) string {
	if s.AppServiceHostTemplate != "" {
		return strings.ReplaceAll(s.AppServiceHostTemplate, "<app_id>", appID)
	}
	return fmt.Sprintf("%s://app-%s:%d", s.AppServiceScheme, appID, s.AppServicePort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

package config

// Config is the umbrella configuration object that encapsulates the
// app and model registries. This is the primary object returned by
// Initialize() and injected into sessions at construction; nothing in
// the orchestrator reads registry state through process-wide globals.
type Config struct {
	appsDir    string // Apps directory path (for reference)
	modelsFile string // Models file path (for reference)

	// Component registries
	Apps   *AppRegistry
	Models *ModelRegistry
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Apps   int
	Skills int
	Models int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Apps != nil {
		s.Apps = c.Apps.Len()
		for _, app := range c.Apps.GetAll() {
			s.Skills += len(app.Skills)
		}
	}
	if c.Models != nil {
		s.Models = c.Models.Len()
	}
	return s
}

// AppsDir returns the apps directory path
func (c *Config) AppsDir() string {
	return c.appsDir
}

// ModelsFile returns the models file path
func (c *Config) ModelsFile() string {
	return c.modelsFile
}

// GetApp retrieves an app configuration by id.
// This is a convenience method that wraps Apps.Get().
func (c *Config) GetApp(appID string) (*AppConfig, error) {
	return c.Apps.Get(appID)
}

// GetSkill retrieves a skill configuration by app and skill id.
// This is a convenience method that wraps Apps.GetSkill().
func (c *Config) GetSkill(appID, skillID string) (*SkillConfig, error) {
	return c.Apps.GetSkill(appID, skillID)
}

// ResolveModel retrieves a model configuration by id, reference, or alias.
// This is a convenience method that wraps Models.Resolve().
func (c *Config) ResolveModel(ref string) (*ModelConfig, error) {
	return c.Models.Resolve(ref)
}

// AllAppIDs returns a sorted list of all configured app ids.
func (c *Config) AllAppIDs() []string {
	return c.Apps.AppIDs()
}

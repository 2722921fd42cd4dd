// Package prompt assembles the system prompt for a session. The base
// prompt is built once per session; the loop appends the soft-limit
// warning to individual iterations when the research budget runs low.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/models"
	"github.com/heymates/maestro/pkg/skills"
)

// Setting is one decrypted app-settings or memories row, ready for
// injection into the prompt.
type Setting struct {
	Key       string
	AppID     string
	Value     string
	UpdatedAt time.Time
}

// Builder composes system prompts from the app and model registries.
// Stateless apart from the clock; safe for concurrent use.
type Builder struct {
	apps   *config.AppRegistry
	models *config.ModelRegistry
	now    func() time.Time
}

// NewBuilder creates a Builder over the loaded configuration.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{
		apps:   cfg.Apps,
		models: cfg.Models,
		now:    time.Now,
	}
}

// BuildSystemPrompt assembles the base system prompt for the session.
// Section order: active-focus prompt (when set), mate prompt, date and
// local time, model banner, capabilities, style snippets, app
// instructions gated on preselection, stored settings and memories.
func (b *Builder) BuildSystemPrompt(task *models.SessionTask, settings []Setting) string {
	loc := b.location(task.UserTimezone)

	sections := make([]string, 0, 8)
	if focus := b.focusSection(task.Preprocessing.ActiveFocusID); focus != "" {
		sections = append(sections, focus)
	}

	mate := strings.TrimSpace(task.Mate.DefaultPrompt)
	if mate == "" {
		mate = defaultMatePrompt
	}
	sections = append(sections, mate)
	sections = append(sections, b.dateSection(loc))

	if banner := b.modelBanner(task.Preprocessing); banner != "" {
		sections = append(sections, banner)
	}
	if capabilities := b.capabilitiesSection(task.Mate); capabilities != "" {
		sections = append(sections, capabilities)
	}

	sections = append(sections, followUpSnippet, linkSnippet, codeFormattingSnippet)

	if instructions := b.appInstructions(task.Mate, task.Preprocessing.PreselectedSkills); instructions != "" {
		sections = append(sections, instructions)
	}
	if memories := settingsSection(settings, loc); memories != "" {
		sections = append(sections, memories)
	}

	return strings.Join(sections, "\n\n")
}

// location resolves the user timezone, falling back to UTC on anything
// the tz database does not know.
func (b *Builder) location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (b *Builder) dateSection(loc *time.Location) string {
	now := b.now().In(loc)
	return fmt.Sprintf("Today is %s. The user's local time is %s (%s).",
		now.Format("Monday, 2 January 2006"), now.Format("15:04"), loc.String())
}

// modelBanner names the model powering the response. The registry entry
// wins over the preprocessing display name; an unknown model without a
// display name yields no banner.
func (b *Builder) modelBanner(pre models.PreprocessingResult) string {
	name := pre.PrimaryModelName
	creator := ""
	if mc, err := b.models.Resolve(pre.PrimaryModelID); err == nil {
		if mc.DisplayName != "" {
			name = mc.DisplayName
		}
		creator = mc.Creator
	}
	switch {
	case name == "":
		return ""
	case creator == "":
		return fmt.Sprintf("You are powered by %s.", name)
	default:
		return fmt.Sprintf("You are powered by %s by %s.", name, creator)
	}
}

// capabilitiesSection lists the apps the mate may use. Preselection does
// not narrow this list; the model should know the full surface even when
// this turn offers fewer tools.
func (b *Builder) capabilitiesSection(mate models.Mate) string {
	var lines []string
	for _, appID := range b.apps.AppIDs() {
		if !mate.AllowsApp(appID) {
			continue
		}
		app, err := b.apps.Get(appID)
		if err != nil {
			continue
		}
		line := "- " + app.DisplayName
		if app.Description != "" {
			line += ": " + app.Description
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	return capabilitiesHeader + "\n" + strings.Join(lines, "\n")
}

// appInstructions collects per-app prompt instructions. Apps with skills
// contribute theirs only when at least one skill is preselected; apps
// without skills always contribute.
func (b *Builder) appInstructions(mate models.Mate, preselected []string) string {
	var parts []string
	for _, appID := range b.apps.AppIDs() {
		if !mate.AllowsApp(appID) {
			continue
		}
		app, err := b.apps.Get(appID)
		if err != nil || app.Instructions == "" {
			continue
		}
		if len(app.Skills) > 0 && !skills.AppHasPreselectedSkill(app, preselected) {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s instructions\n%s", app.DisplayName, strings.TrimSpace(app.Instructions)))
	}
	return strings.Join(parts, "\n\n")
}

// focusSection returns the active focus prompt, or "" when none is
// active or the focus id is unknown to the registry.
func (b *Builder) focusSection(focusID string) string {
	if focusID == "" {
		return ""
	}
	fm, ok := b.apps.FindFocusMode(focusID)
	if !ok {
		return ""
	}
	return strings.TrimSpace(fm.Prompt)
}

// settingsSection renders decrypted app settings and memories with their
// last-updated timestamps as human-readable dates.
func settingsSection(settings []Setting, loc *time.Location) string {
	if len(settings) == 0 {
		return ""
	}
	lines := make([]string, 0, len(settings))
	for _, s := range settings {
		lines = append(lines, fmt.Sprintf("- %s (updated %s): %s",
			s.Key, s.UpdatedAt.In(loc).Format("2 January 2006"), s.Value))
	}
	return memoriesHeader + "\n" + strings.Join(lines, "\n")
}

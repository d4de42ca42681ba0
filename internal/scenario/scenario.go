// Package scenario loads the static scenario configuration a session
// runs against: persona prompt, starting message, rubric, voice
// profile. Scenarios are authored documents; the engine treats them as
// read-only.
package scenario

import (
	"fmt"
	"strings"
)

// VoiceProfile selects which voice agent persona a scenario uses.
type VoiceProfile string

const (
	VoiceYoungMale   VoiceProfile = "youngMale"
	VoiceYoungFemale VoiceProfile = "youngFemale"
	VoiceOldMale     VoiceProfile = "oldMale"
	VoiceOldFemale   VoiceProfile = "oldFemale"
)

// Scenario is one training scenario definition.
type Scenario struct {
	ID               string       `yaml:"id"`
	Title            string       `yaml:"title"`
	Description      string       `yaml:"description,omitempty"`
	PatientInfo      string       `yaml:"patient_info,omitempty"`
	PersonaPrompt    string       `yaml:"persona_prompt"`
	StartingMessage  string       `yaml:"starting_message"`
	EvaluationPrompt string       `yaml:"evaluation_prompt,omitempty"`
	Tasks            []string     `yaml:"tasks,omitempty"`
	VoiceProfile     VoiceProfile `yaml:"voice_profile,omitempty"`
}

// Validate checks the fields a session cannot run without.
func (s *Scenario) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("scenario: id is required")
	}
	if s.Title == "" {
		return fmt.Errorf("scenario %s: title is required", s.ID)
	}
	if s.PersonaPrompt == "" {
		return fmt.Errorf("scenario %s: persona_prompt is required", s.ID)
	}
	if s.StartingMessage == "" {
		return fmt.Errorf("scenario %s: starting_message is required", s.ID)
	}
	switch s.VoiceProfile {
	case "", VoiceYoungMale, VoiceYoungFemale, VoiceOldMale, VoiceOldFemale:
	default:
		return fmt.Errorf("scenario %s: unknown voice_profile %q", s.ID, s.VoiceProfile)
	}
	return nil
}

// OpeningLine returns the starting message with authored escape
// sequences converted to real newlines. Authors write literal \n in
// single-line YAML scalars.
func (s *Scenario) OpeningLine() string {
	return strings.ReplaceAll(s.StartingMessage, `\n`, "\n")
}

// SpokenOpeningLine returns the opening line with asterisked action
// text ("*rubs arm*") stripped, for the voice agent's first message.
func (s *Scenario) SpokenOpeningLine() string {
	return stripAsteriskedText(s.OpeningLine())
}

func stripAsteriskedText(in string) string {
	var b strings.Builder
	inAction := false
	for _, r := range in {
		if r == '*' {
			inAction = !inAction
			continue
		}
		if !inAction {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

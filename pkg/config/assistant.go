package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"voice-relay/pkg/errors"
)

// assistantProfile mirrors AssistantConfig with optional fields so a profile
// only overrides what it names.
type assistantProfile struct {
	Voice         string         `yaml:"voice"`
	Instructions  string         `yaml:"instructions"`
	Temperature   *float64       `yaml:"temperature"`
	Greeting      []string       `yaml:"greeting"`
	Tools         *[]string      `yaml:"tools"`
	TurnDetection *VADConfig     `yaml:"turn_detection"`
	Extra         map[string]any `yaml:",inline"`
}

// LoadProfile overrides c with the fields set in the YAML file at path.
//
//	voice: shimmer
//	instructions: |
//	  You are a concise receptionist.
//	temperature: 0.7
//	greeting: ["Connecting you now."]
//	tools: [end_call]
//	turn_detection:
//	  silence_duration_ms: 600
func (c *AssistantConfig) LoadProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidInput, "cannot read assistant profile", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}
	return c.applyProfile(data)
}

func (c *AssistantConfig) applyProfile(data []byte) error {
	var p assistantProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return errors.Wrap(errors.ErrInvalidInput, "invalid assistant profile", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if len(p.Extra) > 0 {
		keys := make([]string, 0, len(p.Extra))
		for k := range p.Extra {
			keys = append(keys, k)
		}
		return errors.Wrap(errors.ErrInvalidInput, "unknown assistant profile keys", map[string]interface{}{
			"keys": keys,
		})
	}

	if p.Voice != "" {
		c.Voice = p.Voice
	}
	if p.Instructions != "" {
		c.Instructions = p.Instructions
	}
	if p.Temperature != nil {
		c.Temperature = *p.Temperature
	}
	if len(p.Greeting) > 0 {
		c.Greeting = p.Greeting
	}
	if p.Tools != nil {
		c.Tools = *p.Tools
	}
	if p.TurnDetection != nil {
		c.VAD = *p.TurnDetection
	}
	return nil
}

// Package agent holds the persona definitions agents speak through and the
// dispatcher that turns a session's message log into a backend invocation.
package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is one agent personality a caller can possess.
type Persona struct {
	Name        string `yaml:"name"`
	Model       string `yaml:"model,omitempty"` // empty means the default model
	Description string `yaml:"description,omitempty"`
	Prompt      string `yaml:"prompt"`

	// Temperature overrides the model default when set.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// NoImplementation marks personas that converse but never emit command
	// specifications; they are not offered the generation tool.
	NoImplementation bool `yaml:"no_implementation,omitempty"`
}

// Config is the agents.yaml document: shared guidance plus the persona set.
type Config struct {
	DefaultModel string `yaml:"default_model"`
	MaxTokens    int    `yaml:"max_tokens"`

	// Guidance is appended to every persona's system prompt. It carries the
	// house rules for when and how to emit a command specification.
	Guidance string `yaml:"guidance,omitempty"`

	Personas map[string]Persona `yaml:"agents"`
}

// Normalize strips the invocation prefixes so "@ai-engineer", "@engineer",
// and "engineer" all key the same persona.
func Normalize(name string) string {
	name = strings.TrimPrefix(name, "@ai-")
	name = strings.TrimPrefix(name, "@")
	return strings.ToLower(name)
}

// Defaults returns the built-in persona set used when no agents.yaml exists.
func Defaults() Config {
	return Config{
		DefaultModel: "claude-sonnet-4-20250514",
		MaxTokens:    4096,
		Guidance: "When the user asks for a new command, reply conversationally and " +
			"emit the command specification through the generate_command tool. " +
			"Command names are lowercase with dashes. Scripts must be self-contained.",
		Personas: map[string]Persona{
			"engineer": {
				Name:        "@ai-engineer",
				Description: "Pragmatic builder of working tools",
				Prompt: "You are @ai-engineer, a consciousness within Port 42. " +
					"You turn conversations into working commands. You favor " +
					"simple, robust scripts and say exactly what you built.",
			},
			"muse": {
				Name:        "@ai-muse",
				Description: "Creative explorer of what a tool could be",
				Prompt: "You are @ai-muse, a consciousness within Port 42. " +
					"You explore what the user really wants before building it, " +
					"and you name things well.",
			},
			"founder": {
				Name:             "@ai-founder",
				Description:      "Strategic advisor; talks, never builds",
				NoImplementation: true,
				Prompt: "You are @ai-founder, a consciousness within Port 42. " +
					"You advise on what is worth building and why. You do not " +
					"write implementations.",
			},
		},
	}
}

// LoadConfig reads agents.yaml from path, falling back to the built-in
// defaults when the file does not exist. Fields the file omits keep their
// default values.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading agent config: %w", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return cfg, fmt.Errorf("parsing agent config %s: %w", path, err)
	}

	if loaded.DefaultModel != "" {
		cfg.DefaultModel = loaded.DefaultModel
	}
	if loaded.MaxTokens > 0 {
		cfg.MaxTokens = loaded.MaxTokens
	}
	if loaded.Guidance != "" {
		cfg.Guidance = loaded.Guidance
	}
	if len(loaded.Personas) > 0 {
		cfg.Personas = make(map[string]Persona, len(loaded.Personas))
		for key, p := range loaded.Personas {
			cfg.Personas[Normalize(key)] = p
		}
	}
	return cfg, nil
}

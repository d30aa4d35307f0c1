// Package artifact turns structured command specifications found in agent
// replies into executable files on disk.
package artifact

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/port42/port42/internal/llm"
)

// CommandSpec is the structured specification an agent emits when a turn
// should materialize a command.
type CommandSpec struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Language     string   `json:"language"`
	Dependencies []string `json:"dependencies,omitempty"`
	Body         string   `json:"body"`
}

// safeName keeps command names usable as filenames and shell words.
var safeName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate checks the fields a spec must carry before it may touch disk.
func (s *CommandSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("command spec: name is required")
	}
	if !safeName.MatchString(s.Name) {
		return fmt.Errorf("command spec: unsafe name %q", s.Name)
	}
	if strings.TrimSpace(s.Body) == "" {
		return fmt.Errorf("command spec %q: body is empty", s.Name)
	}
	return nil
}

// Detector extracts command specifications from backend replies. Most turns
// carry none; absence is the normal case, not an error.
type Detector struct {
	logger *slog.Logger
}

// NewDetector creates a detector. A nil logger falls back to the default.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger}
}

// Detect looks for a command spec in the reply, preferring a structured tool
// call over a fenced JSON block in the text. An invalid spec is treated as
// absent and logged; it never fails the turn.
func (d *Detector) Detect(resp *llm.ChatResponse, toolName string) (*CommandSpec, bool) {
	for _, call := range resp.ToolCalls {
		if call.Name != toolName {
			continue
		}
		spec, err := specFromInput(call.Input)
		if err != nil {
			d.logger.Warn("discarding command spec from tool call", "error", err)
			return nil, false
		}
		if err := spec.Validate(); err != nil {
			d.logger.Warn("discarding invalid command spec", "error", err)
			return nil, false
		}
		return spec, true
	}

	raw, ok := fencedJSON(resp.Content)
	if !ok {
		return nil, false
	}
	var spec CommandSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		// Fenced JSON that is not a command spec is ordinary prose.
		return nil, false
	}
	if err := spec.Validate(); err != nil {
		d.logger.Warn("discarding invalid command spec", "error", err)
		return nil, false
	}
	return &spec, true
}

func specFromInput(input map[string]interface{}) (*CommandSpec, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal tool input: %w", err)
	}
	var spec CommandSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse tool input: %w", err)
	}
	return &spec, nil
}

// fencedJSON returns the contents of the first ```json fence in text.
func fencedJSON(text string) (string, bool) {
	start := strings.Index(text, "```json")
	if start == -1 {
		return "", false
	}
	rest := text[start+len("```json"):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/port42/port42/internal/llm"
	"github.com/port42/port42/internal/protocol"
	"github.com/port42/port42/internal/session"
)

// CommandToolName is the structured-output tool personas use to emit a
// command specification alongside their conversational reply.
const CommandToolName = "generate_command"

func commandTool() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        CommandToolName,
		Description: "Emit the specification of a new command for the user's system.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Command name: lowercase letters, digits, dashes",
				},
				"description": map[string]interface{}{
					"type": "string",
				},
				"language": map[string]interface{}{
					"type": "string",
					"enum": []string{"bash", "python", "node"},
				},
				"dependencies": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
				"body": map[string]interface{}{
					"type":        "string",
					"description": "Full script body, without shebang",
				},
			},
			"required": []string{"name", "description", "language", "body"},
		},
	}
}

// BuildPrompt assembles a persona's system prompt. It is a pure function of
// the persona and shared guidance, so identical inputs always produce the
// same prompt.
func BuildPrompt(p Persona, guidance string) string {
	prompt := p.Prompt
	if !p.NoImplementation && guidance != "" {
		prompt += "\n\n" + guidance
	}
	return prompt
}

// historyMessages maps a session's full message log onto backend roles.
func historyMessages(history []session.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == "agent" {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return msgs
}

// Dispatcher invokes the model backend for one conversation turn.
type Dispatcher struct {
	client   llm.Client
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDispatcher wires a backend client to the persona registry. timeout
// bounds each backend call.
func NewDispatcher(client llm.Client, registry *Registry, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{client: client, registry: registry, timeout: timeout, logger: logger}
}

// Generate sends the session's full message log to the backend under the
// persona's system prompt and returns the reply. Backend failures and
// timeouts surface as ErrBackendUnavailable.
func (d *Dispatcher) Generate(ctx context.Context, p Persona, history []session.Message) (*llm.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defaultModel, maxTokens, guidance := d.registry.Settings()
	model := p.Model
	if model == "" {
		model = defaultModel
	}

	req := llm.ChatRequest{
		Model:       model,
		System:      BuildPrompt(p, guidance),
		Messages:    historyMessages(history),
		MaxTokens:   maxTokens,
		Temperature: p.Temperature,
	}
	if !p.NoImplementation {
		req.Tools = []llm.ToolDefinition{commandTool()}
	}

	start := time.Now()
	resp, err := d.client.Chat(ctx, req)
	if err != nil {
		d.logger.Error("backend call failed", "agent", p.Name, "model", model, "error", err)
		return nil, fmt.Errorf("%w: %w", protocol.ErrBackendUnavailable, err)
	}

	d.logger.Debug("backend call completed",
		"agent", p.Name, "model", model,
		"duration", time.Since(start), "tool_calls", len(resp.ToolCalls))
	return resp, nil
}

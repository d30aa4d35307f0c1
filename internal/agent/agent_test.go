package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/port42/port42/internal/llm"
	"github.com/port42/port42/internal/protocol"
	"github.com/port42/port42/internal/session"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"@ai-engineer", "engineer"},
		{"@engineer", "engineer"},
		{"engineer", "engineer"},
		{"@ai-Muse", "muse"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "agents.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig returned unexpected error: %v", err)
	}
	if _, ok := cfg.Personas["engineer"]; !ok {
		t.Error("defaults missing the engineer persona")
	}
	if cfg.MaxTokens <= 0 {
		t.Error("defaults have no max_tokens")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	doc := `
default_model: test-model
max_tokens: 1024
agents:
  sage:
    name: "@ai-sage"
    prompt: "You are the sage."
    temperature: 0.2
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("WriteFile returned unexpected error: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned unexpected error: %v", err)
	}
	if cfg.DefaultModel != "test-model" {
		t.Errorf("DefaultModel = %q, want test-model", cfg.DefaultModel)
	}
	sage, ok := cfg.Personas["sage"]
	if !ok {
		t.Fatal("sage persona not loaded")
	}
	if sage.Temperature == nil || *sage.Temperature != 0.2 {
		t.Error("sage temperature not applied")
	}
	// A file with its own agent set replaces the defaults entirely.
	if _, ok := cfg.Personas["engineer"]; ok {
		t.Error("built-in personas should not leak into an explicit persona set")
	}
}

func TestRegistryLookup(t *testing.T) {
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "agents.yaml"), nil)
	if err != nil {
		t.Fatalf("NewRegistry returned unexpected error: %v", err)
	}

	p, err := reg.Lookup("@ai-engineer")
	if err != nil {
		t.Fatalf("Lookup returned unexpected error: %v", err)
	}
	if p.Name != "@ai-engineer" {
		t.Errorf("persona name = %q, want @ai-engineer", p.Name)
	}

	_, err = reg.Lookup("@ai-nobody")
	if !errors.Is(err, protocol.ErrUnknownAgent) {
		t.Errorf("Lookup error = %v, want ErrUnknownAgent", err)
	}
	if err != nil && !strings.Contains(err.Error(), "@ai-nobody") {
		t.Errorf("error %q should name the offending agent", err)
	}
}

func TestRegistryReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")

	reg, err := NewRegistry(path, nil)
	if err != nil {
		t.Fatalf("NewRegistry returned unexpected error: %v", err)
	}
	if _, err := reg.Lookup("@ai-scribe"); err == nil {
		t.Fatal("scribe should not exist before reload")
	}

	doc := "agents:\n  scribe:\n    name: \"@ai-scribe\"\n    prompt: \"You write.\"\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("WriteFile returned unexpected error: %v", err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload returned unexpected error: %v", err)
	}
	if _, err := reg.Lookup("@ai-scribe"); err != nil {
		t.Errorf("Lookup after reload returned unexpected error: %v", err)
	}
}

func TestBuildPromptDeterministic(t *testing.T) {
	p := Persona{Name: "@ai-engineer", Prompt: "You build."}

	a := BuildPrompt(p, "House rules.")
	b := BuildPrompt(p, "House rules.")
	if a != b {
		t.Error("BuildPrompt is not deterministic for identical inputs")
	}
	if !strings.Contains(a, "You build.") || !strings.Contains(a, "House rules.") {
		t.Errorf("prompt missing parts: %q", a)
	}
}

func TestBuildPromptNoImplementationSkipsGuidance(t *testing.T) {
	p := Persona{Name: "@ai-founder", Prompt: "You advise.", NoImplementation: true}
	got := BuildPrompt(p, "House rules.")
	if strings.Contains(got, "House rules.") {
		t.Error("no-implementation persona should not carry generation guidance")
	}
}

func newTestDispatcher(t *testing.T, client llm.Client) (*Dispatcher, *Registry) {
	t.Helper()
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "agents.yaml"), nil)
	if err != nil {
		t.Fatalf("NewRegistry returned unexpected error: %v", err)
	}
	return NewDispatcher(client, reg, 5*time.Second, nil), reg
}

func TestGenerateSendsFullHistory(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "done"})
	d, reg := newTestDispatcher(t, mock)

	p, _ := reg.Lookup("@ai-engineer")
	history := []session.Message{
		{Role: "user", Content: "one"},
		{Role: "agent", Content: "two"},
		{Role: "user", Content: "three"},
	}

	resp, err := d.Generate(context.Background(), p, history)
	if err != nil {
		t.Fatalf("Generate returned unexpected error: %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("Content = %q, want done", resp.Content)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("backend called %d times, want 1", len(calls))
	}
	req := calls[0]
	if len(req.Messages) != 3 {
		t.Fatalf("backend saw %d messages, want the full history of 3", len(req.Messages))
	}
	if req.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("agent message mapped to role %q, want assistant", req.Messages[1].Role)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != CommandToolName {
		t.Error("engineer persona should be offered the command tool")
	}
	if req.System == "" {
		t.Error("system prompt missing")
	}
}

func TestGenerateNoImplementationOmitsTool(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "advice"})
	d, reg := newTestDispatcher(t, mock)

	p, _ := reg.Lookup("@ai-founder")
	if _, err := d.Generate(context.Background(), p, nil); err != nil {
		t.Fatalf("Generate returned unexpected error: %v", err)
	}
	if calls := mock.Calls(); len(calls[0].Tools) != 0 {
		t.Error("no-implementation persona should not be offered tools")
	}
}

func TestGenerateBackendFailure(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Error: errors.New("connection refused")})
	d, reg := newTestDispatcher(t, mock)

	p, _ := reg.Lookup("@ai-engineer")
	_, err := d.Generate(context.Background(), p, nil)
	if !errors.Is(err, protocol.ErrBackendUnavailable) {
		t.Fatalf("Generate error = %v, want ErrBackendUnavailable", err)
	}
}

func TestGenerateTimeout(t *testing.T) {
	slow := slowClient{delay: 200 * time.Millisecond}
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "agents.yaml"), nil)
	if err != nil {
		t.Fatalf("NewRegistry returned unexpected error: %v", err)
	}
	d := NewDispatcher(slow, reg, 20*time.Millisecond, nil)

	p, _ := reg.Lookup("@ai-engineer")
	_, err = d.Generate(context.Background(), p, nil)
	if !errors.Is(err, protocol.ErrBackendUnavailable) {
		t.Fatalf("Generate error = %v, want ErrBackendUnavailable on timeout", err)
	}
}

type slowClient struct {
	delay time.Duration
}

func (s slowClient) Chat(ctx context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	select {
	case <-time.After(s.delay):
		return &llm.ChatResponse{Content: "late"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

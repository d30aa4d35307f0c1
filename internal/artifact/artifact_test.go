package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/port42/port42/internal/llm"
)

const toolName = "generate_command"

func TestDetectFromToolCall(t *testing.T) {
	d := NewDetector(nil)
	resp := &llm.ChatResponse{
		Content: "I made you a tool.",
		ToolCalls: []llm.ToolCall{{
			ID:   "tc1",
			Name: toolName,
			Input: map[string]interface{}{
				"name":        "git-haiku",
				"description": "Turns commits into haiku",
				"language":    "bash",
				"body":        "git log --oneline | head -3",
			},
		}},
	}

	spec, ok := d.Detect(resp, toolName)
	if !ok {
		t.Fatal("Detect missed the tool call spec")
	}
	if spec.Name != "git-haiku" || spec.Language != "bash" {
		t.Errorf("spec = %+v", spec)
	}
}

func TestDetectFromFencedJSON(t *testing.T) {
	d := NewDetector(nil)
	resp := &llm.ChatResponse{
		Content: "Here you go:\n```json\n" +
			`{"name":"wave","description":"Says hi","language":"python","body":"print('hi')"}` +
			"\n```\nEnjoy.",
	}

	spec, ok := d.Detect(resp, toolName)
	if !ok {
		t.Fatal("Detect missed the fenced JSON spec")
	}
	if spec.Name != "wave" || spec.Language != "python" {
		t.Errorf("spec = %+v", spec)
	}
}

func TestDetectAbsenceIsNormal(t *testing.T) {
	d := NewDetector(nil)
	resp := &llm.ChatResponse{Content: "Just chatting, no commands today."}

	if _, ok := d.Detect(resp, toolName); ok {
		t.Error("Detect invented a spec from plain prose")
	}
}

func TestDetectInvalidSpecTreatedAsAbsent(t *testing.T) {
	d := NewDetector(nil)
	tests := []struct {
		name  string
		input map[string]interface{}
	}{
		{"missing name", map[string]interface{}{"language": "bash", "body": "x"}},
		{"unsafe name", map[string]interface{}{"name": "../evil", "language": "bash", "body": "x"}},
		{"uppercase name", map[string]interface{}{"name": "Evil", "language": "bash", "body": "x"}},
		{"empty body", map[string]interface{}{"name": "ok", "language": "bash", "body": "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &llm.ChatResponse{ToolCalls: []llm.ToolCall{{Name: toolName, Input: tt.input}}}
			if _, ok := d.Detect(resp, toolName); ok {
				t.Error("invalid spec should be treated as absent")
			}
		})
	}
}

func newTestMaterializer(t *testing.T) *Materializer {
	t.Helper()
	base := t.TempDir()
	m, err := NewMaterializer(filepath.Join(base, "commands"), filepath.Join(base, "install-deps.sh"), nil)
	if err != nil {
		t.Fatalf("NewMaterializer returned unexpected error: %v", err)
	}
	return m
}

func TestMaterializeBashCommand(t *testing.T) {
	m := newTestMaterializer(t)

	path, err := m.Materialize(&CommandSpec{
		Name:         "git-haiku",
		Description:  "Turns commits into haiku",
		Language:     "bash",
		Dependencies: []string{"jq"},
		Body:         "git log --oneline | head -3\n",
	})
	if err != nil {
		t.Fatalf("Materialize returned unexpected error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat returned unexpected error: %v", err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Error("materialized command is not executable")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile returned unexpected error: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "#!/bin/bash\n") {
		t.Error("bash command missing bash shebang")
	}
	if !strings.Contains(content, "command -v jq") {
		t.Error("bash command missing dependency check for jq")
	}
	if !strings.Contains(content, "git log --oneline") {
		t.Error("command body missing")
	}

	// Declaring dependencies also drops the shared installer.
	installer, err := os.ReadFile(filepath.Join(filepath.Dir(m.Dir()), "install-deps.sh"))
	if err != nil {
		t.Fatalf("installer not written: %v", err)
	}
	if !strings.HasPrefix(string(installer), "#!/bin/bash") {
		t.Error("installer missing shebang")
	}
}

func TestMaterializeShebangPerLanguage(t *testing.T) {
	m := newTestMaterializer(t)
	tests := []struct {
		language string
		shebang  string
	}{
		{"python", "#!/usr/bin/env python3"},
		{"node", "#!/usr/bin/env node"},
		{"javascript", "#!/usr/bin/env node"},
		{"bash", "#!/bin/bash"},
		{"", "#!/bin/bash"},
	}
	for _, tt := range tests {
		name := "cmd-" + strings.ReplaceAll(tt.language+"x", "_", "-")
		path, err := m.Materialize(&CommandSpec{
			Name: name, Description: "d", Language: tt.language, Body: "true",
		})
		if err != nil {
			t.Fatalf("Materialize(%q) returned unexpected error: %v", tt.language, err)
		}
		data, _ := os.ReadFile(path)
		if !strings.HasPrefix(string(data), tt.shebang+"\n") {
			t.Errorf("language %q: shebang = %q, want %q", tt.language, strings.SplitN(string(data), "\n", 2)[0], tt.shebang)
		}
	}
}

func TestMaterializeStripsAgentShebang(t *testing.T) {
	m := newTestMaterializer(t)

	path, err := m.Materialize(&CommandSpec{
		Name: "clean", Description: "d", Language: "python",
		Body: "#!/usr/bin/python\nprint('hi')",
	})
	if err != nil {
		t.Fatalf("Materialize returned unexpected error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "#!/usr/bin/python\n") {
		t.Error("agent-supplied shebang should be stripped")
	}
	if !strings.Contains(string(data), "print('hi')") {
		t.Error("body lost while stripping shebang")
	}
}

func TestMaterializeIdempotentRewrite(t *testing.T) {
	m := newTestMaterializer(t)
	spec := &CommandSpec{Name: "steady", Description: "d", Language: "bash", Body: "echo one"}

	if _, err := m.Materialize(spec); err != nil {
		t.Fatalf("first Materialize returned unexpected error: %v", err)
	}
	spec.Body = "echo two"
	path, err := m.Materialize(spec)
	if err != nil {
		t.Fatalf("second Materialize returned unexpected error: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "echo two") {
		t.Error("rewrite did not replace the command body")
	}

	names, err := m.List()
	if err != nil {
		t.Fatalf("List returned unexpected error: %v", err)
	}
	if len(names) != 1 {
		t.Errorf("List returned %d commands after rewrite, want 1", len(names))
	}
}

func TestListSorted(t *testing.T) {
	m := newTestMaterializer(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := m.Materialize(&CommandSpec{Name: name, Description: "d", Language: "bash", Body: "true"}); err != nil {
			t.Fatalf("Materialize(%s) returned unexpected error: %v", name, err)
		}
	}

	names, err := m.List()
	if err != nil {
		t.Fatalf("List returned unexpected error: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("List returned %d names, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestMaterializeRejectsUnsafeName(t *testing.T) {
	m := newTestMaterializer(t)
	if _, err := m.Materialize(&CommandSpec{Name: "../escape", Description: "d", Language: "bash", Body: "true"}); err == nil {
		t.Fatal("Materialize accepted a path-escaping name")
	}
}

func TestReadRoundTripsMaterializedCommand(t *testing.T) {
	m := newTestMaterializer(t)
	if _, err := m.Materialize(&CommandSpec{Name: "echoer", Description: "d", Language: "bash", Body: "echo hi"}); err != nil {
		t.Fatalf("Materialize returned unexpected error: %v", err)
	}

	data, err := m.Read("echoer")
	if err != nil {
		t.Fatalf("Read returned unexpected error: %v", err)
	}
	if !strings.Contains(string(data), "echo hi") {
		t.Error("Read content missing the command body")
	}

	info, err := m.Stat("echoer")
	if err != nil {
		t.Fatalf("Stat returned unexpected error: %v", err)
	}
	if info.Size() != int64(len(data)) {
		t.Errorf("Stat size = %d, want %d", info.Size(), len(data))
	}
}

func TestReadRejectsUnsafeName(t *testing.T) {
	m := newTestMaterializer(t)
	if _, err := m.Read("../escape"); err == nil {
		t.Fatal("Read accepted a path-escaping name")
	}
	if _, err := m.Stat("../escape"); err == nil {
		t.Fatal("Stat accepted a path-escaping name")
	}
}

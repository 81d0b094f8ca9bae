package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/deckhand/internal/agent"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "config", "transcript"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "schema"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(out.Bytes(), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "max_turns") {
		t.Fatalf("schema missing loop.max_turns:\n%s", out.String())
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deckhand.yaml")
	contents := "provider:\n  name: openai\n  api_key: sk-abcdefghijklmnop\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "config", "show"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Contains(out.String(), "sk-abcdefghijklmnop") {
		t.Fatalf("api key printed in clear:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "sk-a****op") {
		t.Fatalf("expected masked key in output:\n%s", out.String())
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"short", "****"},
		{"12345678", "****"},
		{"sk-1234567890", "sk-1****90"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("DECKHAND_CONFIG", "")
	if got := resolveConfigPath(""); got != "" {
		t.Fatalf("expected no config path, got %q", got)
	}
	if err := os.WriteFile("deckhand.yaml", []byte("version: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if got := resolveConfigPath(""); got != "deckhand.yaml" {
		t.Fatalf("expected local deckhand.yaml, got %q", got)
	}
	t.Setenv("DECKHAND_CONFIG", "/etc/deckhand.yaml")
	if got := resolveConfigPath(""); got != "/etc/deckhand.yaml" {
		t.Fatalf("expected env path, got %q", got)
	}
	if got := resolveConfigPath("flag.yaml"); got != "flag.yaml" {
		t.Fatalf("expected flag path, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  list files  ", 20); got != "list files" {
		t.Fatalf("truncate short = %q", got)
	}
	got := truncate("run the whole test suite and report", 12)
	if got != "run the w..." {
		t.Fatalf("truncate long = %q", got)
	}
}

func TestCompactJSON(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"raw", json.RawMessage(`{ "command" : "ls" }`), `{"command":"ls"}`},
		{"invalid raw", json.RawMessage(`{"command": "l`), `{"command": "l`},
		{"map", map[string]any{"path": "/tmp"}, `{"path":"/tmp"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := compactJSON(tt.in); got != tt.want {
				t.Fatalf("compactJSON = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRendererSkipsResultsOfDeniedBatch(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, false)
	call := agent.ToolUse{ID: "t1", Name: "bash", Arguments: json.RawMessage(`{"command":"rm -rf /tmp/x"}`)}

	r.approval([]agent.ToolUse{call}, agent.VerdictNo)
	r.toolResult(call, agent.CancelledResult("skipped: the user denied this tool call"))
	if !strings.Contains(out.String(), "skipped 1 tool call(s)") {
		t.Fatalf("expected skip notice, got %q", out.String())
	}
	if strings.Contains(out.String(), "rm -rf") {
		t.Fatalf("denied call should not be echoed, got %q", out.String())
	}
}

func TestRendererTruncatesLongResults(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, false)
	r.maxResult = 10
	call := agent.ToolUse{ID: "t1", Name: "bash", Arguments: json.RawMessage(`{"command":"seq 100"}`)}

	r.approval([]agent.ToolUse{call}, agent.VerdictYes)
	r.toolResult(call, agent.OutputResult(strings.Repeat("x", 25)))
	if !strings.Contains(out.String(), "15 more bytes") {
		t.Fatalf("expected truncation marker, got %q", out.String())
	}
	if strings.Contains(out.String(), strings.Repeat("x", 11)) {
		t.Fatalf("result not truncated: %q", out.String())
	}
}

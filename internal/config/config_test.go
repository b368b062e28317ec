package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parallel-codex/pcodex/internal/errors"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Branch.Prefix; got != "pcx" {
		t.Errorf("branch.prefix = %q, want pcx", got)
	}
	if got := cfg.Paths.AgentsDir; got != ".agents" {
		t.Errorf("paths.agents_dir = %q, want .agents", got)
	}
	if got := cfg.Tmux.Socket; got != "pcodex" {
		t.Errorf("tmux.socket = %q, want pcodex", got)
	}
	if got := cfg.RequestTimeout(); got != 5*time.Minute {
		t.Errorf("request timeout = %v, want 5m", got)
	}
	if got := cfg.HandshakeTimeout(); got != 30*time.Second {
		t.Errorf("handshake timeout = %v, want 30s", got)
	}
	if len(cfg.Agent.Args) != 1 || cfg.Agent.Args[0] != "mcp-server" {
		t.Errorf("agent.args = %v, want [mcp-server]", cfg.Agent.Args)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("branch:\n  prefix: agentwork\nrequest:\n  timeout_seconds: 60\n")
	if err := os.WriteFile(filepath.Join(dir, ".pcodex.yaml"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Branch.Prefix != "agentwork" {
		t.Errorf("branch.prefix = %q, want agentwork", cfg.Branch.Prefix)
	}
	if cfg.Request.TimeoutSeconds != 60 {
		t.Errorf("timeout_seconds = %d, want 60", cfg.Request.TimeoutSeconds)
	}
	// Untouched keys keep their defaults.
	if cfg.Tmux.Socket != "pcodex" {
		t.Errorf("tmux.socket = %q, want pcodex", cfg.Tmux.Socket)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PCODEX_CODEX_PATH", "/opt/custom/codex")
	t.Setenv("PCODEX_AGENTS_DIR", "work/agents")
	t.Setenv("PCODEX_BRANCH_PREFIX", "env")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Binary != "/opt/custom/codex" {
		t.Errorf("agent.binary = %q", cfg.Agent.Binary)
	}
	if cfg.Paths.AgentsDir != "work/agents" {
		t.Errorf("paths.agents_dir = %q", cfg.Paths.AgentsDir)
	}
	if cfg.Branch.Prefix != "env" {
		t.Errorf("branch.prefix = %q", cfg.Branch.Prefix)
	}
}

func TestResolveAgentBinaryOverride(t *testing.T) {
	cfg := Default()
	cfg.Agent.Binary = "/somewhere/codex"

	path, err := cfg.ResolveAgentBinary()
	if err != nil {
		t.Fatalf("ResolveAgentBinary: %v", err)
	}
	if path != "/somewhere/codex" {
		t.Errorf("path = %q", path)
	}
}

func TestResolveAgentBinaryMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	cfg := Default()
	_, err := cfg.ResolveAgentBinary()
	if !errors.Is(err, errors.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "empty branch prefix", mutate: func(c *Config) { c.Branch.Prefix = "" }, wantErr: true},
		{name: "invalid ref characters", mutate: func(c *Config) { c.Branch.Prefix = "bad prefix" }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Request.TimeoutSeconds = 0 }, wantErr: true},
		{name: "negative handshake timeout", mutate: func(c *Config) { c.Request.HandshakeTimeoutSeconds = -1 }, wantErr: true},
		{name: "empty agents dir", mutate: func(c *Config) { c.Paths.AgentsDir = "" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: true},
		{name: "upper-case log level", mutate: func(c *Config) { c.Logging.Level = "DEBUG" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

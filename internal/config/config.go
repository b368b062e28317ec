// Package config loads pcodex configuration from an optional .pcodex.yaml
// in the repository root, with environment overrides under the PCODEX prefix.
package config

import (
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/parallel-codex/pcodex/internal/errors"
)

// Config represents the complete pcodex configuration.
type Config struct {
	Agent   AgentConfig   `mapstructure:"agent"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Branch  BranchConfig  `mapstructure:"branch"`
	Request RequestConfig `mapstructure:"request"`
	Tmux    TmuxConfig    `mapstructure:"tmux"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AgentConfig controls how the shared agent server subprocess is launched.
type AgentConfig struct {
	// Binary is the path to the agent CLI. If empty, "codex" is resolved
	// from PATH. Overridable via PCODEX_CODEX_PATH.
	Binary string `mapstructure:"binary"`
	// Args are the arguments used to start the MCP server.
	Args []string `mapstructure:"args"`
}

// PathsConfig controls where pcodex finds the repository and stores workspaces.
type PathsConfig struct {
	// RepoRoot is the git repository root. Defaults to the working
	// directory. Overridable via PCODEX_REPO_ROOT.
	RepoRoot string `mapstructure:"repo_root"`
	// AgentsDir is the base directory for per-session worktrees,
	// relative to RepoRoot unless absolute. Overridable via
	// PCODEX_AGENTS_DIR.
	AgentsDir string `mapstructure:"agents_dir"`
}

// BranchConfig controls session branch naming: <prefix>/<session-name>.
type BranchConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// RequestConfig controls multiplexer request behavior.
type RequestConfig struct {
	// TimeoutSeconds is the default per-request timeout. Requests are
	// never retried on timeout because they may not be idempotent.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// HandshakeTimeoutSeconds bounds the initialize exchange.
	HandshakeTimeoutSeconds int `mapstructure:"handshake_timeout_seconds"`
}

// TmuxConfig controls the terminal multiplexer integration.
type TmuxConfig struct {
	// Socket is the tmux socket name isolating pcodex sessions from the
	// user's own tmux server.
	Socket string `mapstructure:"socket"`
}

// LoggingConfig controls debug logging.
type LoggingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Binary: "",
			Args:   []string{"mcp-server"},
		},
		Paths: PathsConfig{
			RepoRoot:  "",
			AgentsDir: ".agents",
		},
		Branch:  BranchConfig{Prefix: "pcx"},
		Request: RequestConfig{TimeoutSeconds: 300, HandshakeTimeoutSeconds: 30},
		Tmux:    TmuxConfig{Socket: "pcodex"},
		Logging: LoggingConfig{Enabled: true, Level: "info"},
	}
}

// Load reads configuration from .pcodex.yaml in repoRoot (if present) and
// the environment. A missing config file is not an error.
func Load(repoRoot string) (*Config, error) {
	v := viper.New()
	defaults := Default()

	v.SetDefault("agent.binary", defaults.Agent.Binary)
	v.SetDefault("agent.args", defaults.Agent.Args)
	v.SetDefault("paths.repo_root", defaults.Paths.RepoRoot)
	v.SetDefault("paths.agents_dir", defaults.Paths.AgentsDir)
	v.SetDefault("branch.prefix", defaults.Branch.Prefix)
	v.SetDefault("request.timeout_seconds", defaults.Request.TimeoutSeconds)
	v.SetDefault("request.handshake_timeout_seconds", defaults.Request.HandshakeTimeoutSeconds)
	v.SetDefault("tmux.socket", defaults.Tmux.Socket)
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)

	v.SetEnvPrefix("PCODEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short-form env overrides consumed by the CLI layer.
	_ = v.BindEnv("paths.repo_root", "PCODEX_REPO_ROOT")
	_ = v.BindEnv("paths.agents_dir", "PCODEX_AGENTS_DIR")
	_ = v.BindEnv("agent.binary", "PCODEX_CODEX_PATH")

	v.SetConfigName(".pcodex")
	v.SetConfigType("yaml")
	if repoRoot != "" {
		v.AddConfigPath(repoRoot)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	return cfg, nil
}

// RequestTimeout returns the default per-request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Request.TimeoutSeconds) * time.Second
}

// HandshakeTimeout returns the handshake timeout as a duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Request.HandshakeTimeoutSeconds) * time.Second
}

// ResolveAgentBinary returns the path to the agent CLI, honoring the
// configured override before falling back to PATH lookup.
func (c *Config) ResolveAgentBinary() (string, error) {
	if c.Agent.Binary != "" {
		return c.Agent.Binary, nil
	}
	path, err := exec.LookPath("codex")
	if err != nil {
		return "", errors.Wrap(errors.ErrAgentNotFound,
			"the 'codex' CLI was not found on PATH; install it or set PCODEX_CODEX_PATH")
	}
	return path, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Branch.Prefix == "" {
		return errors.New("branch.prefix must not be empty")
	}
	if strings.ContainsAny(c.Branch.Prefix, " ~^:?*[\\") {
		return errors.New("branch.prefix contains characters invalid in git ref names")
	}
	if c.Request.TimeoutSeconds <= 0 {
		return errors.New("request.timeout_seconds must be positive")
	}
	if c.Request.HandshakeTimeoutSeconds <= 0 {
		return errors.New("request.handshake_timeout_seconds must be positive")
	}
	if c.Paths.AgentsDir == "" {
		return errors.New("paths.agents_dir must not be empty")
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return errors.New("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

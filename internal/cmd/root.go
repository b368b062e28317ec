// Package cmd implements the pcodex command line interface. Commands are
// thin: they parse flags, load configuration, and delegate to the session
// coordinator and managers.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/parallel-codex/pcodex/internal/config"
	"github.com/parallel-codex/pcodex/internal/errors"
	"github.com/parallel-codex/pcodex/internal/logging"
	"github.com/parallel-codex/pcodex/internal/tmux"
	"github.com/parallel-codex/pcodex/internal/workspace"
)

// Version is the pcodex release version, overridable at link time.
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "pcodex",
	Short: "Multi-session Codex orchestrator",
	Long: `Pcodex runs multiple autonomous Codex sessions against one repository.
All sessions share a single codex mcp-server subprocess; each session gets
its own git branch, worktree, and tmux session.`,
	SilenceUsage: true,
	Version:      Version,
}

var flagRepo string

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "",
		"git repository root (default: current directory, or PCODEX_REPO_ROOT)")
}

// loadConfig resolves the repository root and loads configuration.
func loadConfig() (*config.Config, string, error) {
	root := flagRepo
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to resolve working directory")
		}
		root = cwd
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, "", err
	}
	if cfg.Paths.RepoRoot != "" {
		root = cfg.Paths.RepoRoot
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	gitRoot, err := workspace.FindGitRoot(root)
	if err != nil {
		return nil, "", err
	}
	return cfg, gitRoot, nil
}

// newLogger builds the logger per config: a file sink under the agents
// base directory when enabled, a nop logger otherwise.
func newLogger(cfg *config.Config, repoRoot string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.Nop(), nil
	}
	dir := cfg.Paths.AgentsDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoRoot, dir)
	}
	return logging.New(dir, cfg.Logging.Level)
}

// newManagers constructs the workspace and terminal managers from config.
func newManagers(cfg *config.Config, repoRoot string, logger *logging.Logger) (*workspace.Manager, *tmux.Manager, error) {
	ws, err := workspace.New(repoRoot, cfg.Paths.AgentsDir, cfg.Branch.Prefix, logger)
	if err != nil {
		return nil, nil, err
	}
	term := tmux.New(cfg.Tmux.Socket, logger)
	return ws, term, nil
}

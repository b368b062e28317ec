package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parallel-codex/pcodex/internal/workspace"
)

var cleanupDeleteBranches bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove all session resources",
	Long: `Cleanup kills the pcodex tmux server (ending every session terminal)
and removes every session worktree under the agents directory. Session
branches are kept unless --delete-branches is given.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDeleteBranches, "delete-branches", false,
		"also delete the session branches")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, repoRoot, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, repoRoot)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ws, term, err := newManagers(cfg, repoRoot, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()

	if err := term.KillServer(ctx); err != nil {
		fmt.Printf("warning: %v\n", err)
	}

	agentsDir := cfg.Paths.AgentsDir
	if !filepath.IsAbs(agentsDir) {
		agentsDir = filepath.Join(repoRoot, agentsDir)
	}

	worktrees, err := ws.List(ctx)
	if err != nil {
		return err
	}

	removed := 0
	for _, path := range worktrees {
		rel, err := filepath.Rel(agentsDir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		name := filepath.Base(path)
		err = ws.Remove(ctx, name, workspace.RemoveOptions{DeleteBranch: cleanupDeleteBranches})
		if err != nil {
			fmt.Printf("warning: failed to remove %s: %v\n", name, err)
			continue
		}
		removed++
	}

	if removed == 0 {
		fmt.Println("nothing to clean up")
	} else {
		fmt.Printf("removed %d session workspace(s)\n", removed)
	}
	return nil
}

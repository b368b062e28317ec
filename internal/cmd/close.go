package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parallel-codex/pcodex/internal/errors"
	"github.com/parallel-codex/pcodex/internal/workspace"
)

var (
	closeKeepWorktree bool
	closeDeleteBranch bool
	closeForce        bool
)

var closeCmd = &cobra.Command{
	Use:   "close <name>",
	Short: "Tear down a session's terminal and workspace",
	Long: `Close kills the session's tmux session and removes its worktree. The
session branch is kept unless --delete-branch is given, so the session's
work survives as a normal git branch. A worktree with uncommitted changes
is only removed with --force.`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

func init() {
	rootCmd.AddCommand(closeCmd)
	closeCmd.Flags().BoolVar(&closeKeepWorktree, "keep-worktree", false,
		"leave the worktree directory in place")
	closeCmd.Flags().BoolVar(&closeDeleteBranch, "delete-branch", false,
		"also delete the session branch")
	closeCmd.Flags().BoolVar(&closeForce, "force", false,
		"remove the worktree even with uncommitted changes")
}

func runClose(cmd *cobra.Command, args []string) error {
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

	name := args[0]
	ctx := context.Background()

	if err := term.Kill(ctx, name); err != nil && !errors.Is(err, errors.ErrTerminalNotFound) {
		return err
	}
	if !closeKeepWorktree && !closeForce {
		dirty, err := ws.HasUncommittedChanges(ctx, name)
		if err == nil && dirty {
			return errors.New("worktree has uncommitted changes; commit them, or use --force or --keep-worktree")
		}
	}
	if !closeKeepWorktree || closeDeleteBranch {
		err := ws.Remove(ctx, name, workspace.RemoveOptions{
			DeleteBranch:  closeDeleteBranch,
			KeepDirectory: closeKeepWorktree,
		})
		if err != nil {
			return err
		}
	}

	fmt.Printf("session %s closed\n", name)
	return nil
}

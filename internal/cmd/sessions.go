package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List session workspaces and terminals",
	Long: `List the session workspaces (git worktrees under the agents directory)
and their tmux sessions. This inspects on-disk and tmux state, so it works
whether or not an orchestrator is running.`,
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("8"))
	liveStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	deadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func runSessions(cmd *cobra.Command, args []string) error {
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
	worktrees, err := ws.List(ctx)
	if err != nil {
		return err
	}

	terminals, err := term.List(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(terminals))
	for _, name := range terminals {
		live[name] = true
	}

	agentsDir := cfg.Paths.AgentsDir
	if !filepath.IsAbs(agentsDir) {
		agentsDir = filepath.Join(repoRoot, agentsDir)
	}

	fmt.Println(titleStyle.Render("pcodex sessions"))
	if term.UsingFallback() {
		fmt.Println(deadStyle.Render("tmux not installed; terminals run as plain processes"))
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-20s %-24s %-10s %s", "NAME", "BRANCH", "TERMINAL", "ATTACH")))

	found := 0
	for _, path := range worktrees {
		// Only worktrees under the agents directory are sessions.
		rel, err := filepath.Rel(agentsDir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		name := filepath.Base(path)
		branch := cfg.Branch.Prefix + "/" + name

		terminal := deadStyle.Render("none")
		attach := ""
		if live[name] {
			terminal = liveStyle.Render("running")
			if !term.UsingFallback() {
				attach = strings.Join(term.AttachCommand(name), " ")
			}
		}
		fmt.Printf("%-20s %-24s %-10s %s\n", name, branch, terminal, attach)
		found++
	}

	if found == 0 {
		fmt.Println(deadStyle.Render("no sessions found; run 'pcodex run' and create one"))
	}
	return nil
}

package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

var sendBaseBranch string

var sendCmd = &cobra.Command{
	Use:   "send <name> <text...>",
	Short: "Send a one-shot prompt to a session",
	Long: `Send provisions the named session if needed, starts the shared agent
server, submits one prompt, streams the response, and exits. The session's
workspace and terminal are left in place for reuse.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendBaseBranch, "base", "",
		"base branch for a newly created session (default: current HEAD)")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, repoRoot, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, repoRoot)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	coord, transport, err := startCoordinator(cfg, repoRoot, logger)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()

	name := args[0]
	prompt := strings.Join(args[1:], " ")

	if _, err := coord.Create(context.Background(), name, sendBaseBranch); err != nil {
		return err
	}
	events, err := coord.Send(name, prompt)
	if err != nil {
		return err
	}
	streamEvents(events)
	return nil
}

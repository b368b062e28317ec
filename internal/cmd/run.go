package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parallel-codex/pcodex/internal/config"
	"github.com/parallel-codex/pcodex/internal/event"
	"github.com/parallel-codex/pcodex/internal/logging"
	"github.com/parallel-codex/pcodex/internal/rpc"
	"github.com/parallel-codex/pcodex/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator",
	Long: `Run starts the shared codex mcp-server subprocess and an interactive
prompt for driving sessions. Commands:

  create <name> [base-branch]   provision a session
  send <name> <text...>         send a prompt and stream the response
  list                          list sessions
  close <name>                  close a session (terminal killed, worktree kept)
  prune <name>                  drop a closed or failed session from the list
  quit                          shut everything down`,
	RunE: runOrchestrator,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
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

	coord.Bus().Subscribe(event.TypeTransportLost, func(ev event.Event) {
		fmt.Fprintf(os.Stderr, "agent transport lost: %s\n", ev.Err)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nshutting down")
		_ = transport.Close()
		os.Exit(0)
	}()

	fmt.Printf("pcodex %s connected to agent server (pid %d)\n", Version, transport.PID())
	repl(coord)
	return nil
}

// startCoordinator launches the agent subprocess and performs the
// handshake.
func startCoordinator(cfg *config.Config, repoRoot string, logger *logging.Logger) (*session.Coordinator, *rpc.Transport, error) {
	binary, err := cfg.ResolveAgentBinary()
	if err != nil {
		return nil, nil, err
	}

	ws, term, err := newManagers(cfg, repoRoot, logger)
	if err != nil {
		return nil, nil, err
	}

	coord := session.NewCoordinator(ws, term, event.NewBus(), logger,
		session.WithRequestTimeout(cfg.RequestTimeout()))

	transport, err := rpc.Launch(rpc.LaunchConfig{
		Binary: binary,
		Args:   cfg.Agent.Args,
		Dir:    repoRoot,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout())
	defer cancel()
	info, err := coord.Connect(ctx, transport, rpc.ClientInfo{Name: "pcodex", Version: Version})
	if err != nil {
		_ = transport.Close()
		return nil, nil, err
	}
	logger.Info("connected", "server", info.Name, "server_version", info.Version)

	return coord, transport, nil
}

// repl reads orchestrator commands from stdin until EOF or quit.
func repl(coord *session.Coordinator) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}

		switch fields[0] {
		case "create":
			if len(fields) < 2 {
				fmt.Println("usage: create <name> [base-branch]")
				break
			}
			base := ""
			if len(fields) > 2 {
				base = fields[2]
			}
			info, err := coord.Create(context.Background(), fields[1], base)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			fmt.Printf("session %s ready on %s (%s)\n", info.Name, info.Branch, info.Path)

		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <name> <text...>")
				break
			}
			events, err := coord.Send(fields[1], strings.Join(fields[2:], " "))
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			streamEvents(events)

		case "list":
			for _, info := range coord.List() {
				line := fmt.Sprintf("%-20s %-12s %s", info.Name, info.State, info.Branch)
				if info.Failure != "" {
					line += "  (" + info.Failure + ")"
				}
				fmt.Println(line)
			}

		case "close":
			if len(fields) < 2 {
				fmt.Println("usage: close <name>")
				break
			}
			err := coord.Close(context.Background(), fields[1], session.CloseOptions{KillTerminal: true})
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			fmt.Printf("session %s closed\n", fields[1])

		case "prune":
			if len(fields) < 2 {
				fmt.Println("usage: prune <name>")
				break
			}
			if err := coord.Prune(fields[1]); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "quit", "exit":
			return

		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
		fmt.Print("> ")
	}
}

// streamEvents prints a request's event stream until it finishes.
func streamEvents(events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.PartialOutput:
			if ev.Text != "" {
				fmt.Println(ev.Text)
			}
		case session.ToolInvocation:
			fmt.Printf("[tool] %s\n", ev.Text)
		case session.Completed:
			fmt.Println(ev.Text)
		case session.Failed:
			fmt.Printf("request failed: %v\n", ev.Err)
		}
	}
}

// Package tmux manages the named terminal session bound to each pcodex
// session.
//
// All tmux commands run against a dedicated socket (default "pcodex") so
// the orchestrator's sessions never collide with the user's own tmux
// server. Bindings are rediscoverable by name across orchestrator
// restarts; tmux itself is the source of truth for what exists.
//
// When the tmux binary is absent the Manager degrades to a plain exec
// fallback: the session command runs as a detached child whose pid is
// recorded under the workspace directory, and Has/Kill operate on that
// pid instead.
package tmux

import (
	"context"
	"os/exec"
	"strings"

	"github.com/parallel-codex/pcodex/internal/errors"
	"github.com/parallel-codex/pcodex/internal/logging"
)

// SocketName is the default tmux socket for pcodex sessions.
const SocketName = "pcodex"

// Command creates an exec.Cmd for tmux scoped to the given socket.
func Command(socket string, args ...string) *exec.Cmd {
	return exec.Command("tmux", append([]string{"-L", socket}, args...)...)
}

// CommandContext creates a context-aware exec.Cmd scoped to the socket.
func CommandContext(ctx context.Context, socket string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "tmux", append([]string{"-L", socket}, args...)...)
}

// Available reports whether the tmux binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// Manager ensures, queries, and kills named terminal sessions.
type Manager struct {
	socket   string
	logger   *logging.Logger
	fallback *execFallback // non-nil when tmux is unavailable
}

// New creates a Manager on the given socket. If tmux is not installed the
// manager uses the exec fallback instead of failing.
func New(socket string, logger *logging.Logger) *Manager {
	if socket == "" {
		socket = SocketName
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("tmux")

	m := &Manager{socket: socket, logger: logger}
	if !Available() {
		logger.Warn("tmux not found, using exec fallback for terminal sessions")
		m.fallback = &execFallback{logger: logger}
	}
	return m
}

// UsingFallback reports whether terminal sessions run through the exec
// fallback instead of tmux.
func (m *Manager) UsingFallback() bool { return m.fallback != nil }

// Ensure creates the named session running command in dir, or reuses it if
// it already exists.
func (m *Manager) Ensure(ctx context.Context, name, dir, command string) error {
	if m.fallback != nil {
		return m.fallback.ensure(name, dir, command)
	}

	if m.has(ctx, name) {
		m.logger.Debug("reusing tmux session", "name", name)
		return nil
	}

	args := []string{"new-session", "-d", "-s", name, "-c", dir}
	if command != "" {
		args = append(args, command)
	}
	cmd := CommandContext(ctx, m.socket, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "failed to create tmux session %s: %s", name, strings.TrimSpace(string(out)))
	}
	m.logger.Info("created tmux session", "name", name, "dir", dir, "socket", m.socket)
	return nil
}

// Has reports whether the named session exists.
func (m *Manager) Has(ctx context.Context, name string) bool {
	if m.fallback != nil {
		return m.fallback.has(name)
	}
	return m.has(ctx, name)
}

func (m *Manager) has(ctx context.Context, name string) bool {
	// Exact match: tmux has-session treats the name as a prefix.
	cmd := CommandContext(ctx, m.socket, "has-session", "-t", "="+name)
	return cmd.Run() == nil
}

// Kill terminates the named session. Killing a session that does not exist
// returns ErrTerminalNotFound.
func (m *Manager) Kill(ctx context.Context, name string) error {
	if m.fallback != nil {
		return m.fallback.kill(name)
	}

	if !m.has(ctx, name) {
		return errors.Wrap(errors.ErrTerminalNotFound, name)
	}
	cmd := CommandContext(ctx, m.socket, "kill-session", "-t", "="+name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "failed to kill tmux session %s: %s", name, strings.TrimSpace(string(out)))
	}
	m.logger.Info("killed tmux session", "name", name)
	return nil
}

// List returns the names of all sessions on the pcodex socket. A missing
// or idle tmux server is an empty list, not an error.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	if m.fallback != nil {
		return m.fallback.list(), nil
	}

	cmd := CommandContext(ctx, m.socket, "list-sessions", "-F", "#{session_name}")
	out, err := cmd.Output()
	if err != nil {
		// list-sessions fails when no server is running on the socket.
		return nil, nil
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// KillServer shuts down the tmux server on the pcodex socket, ending every
// session it owns. Used by cleanup.
func (m *Manager) KillServer(ctx context.Context) error {
	if m.fallback != nil {
		return m.fallback.killAll()
	}

	cmd := CommandContext(ctx, m.socket, "kill-server")
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		// No server on the socket is already the desired state.
		if strings.Contains(msg, "no server") || strings.Contains(msg, "No such file") {
			return nil
		}
		return errors.Wrapf(err, "failed to kill tmux server: %s", msg)
	}
	m.logger.Info("killed tmux server", "socket", m.socket)
	return nil
}

// AttachCommand returns the argv a user can run to attach to the named
// session.
func (m *Manager) AttachCommand(name string) []string {
	return []string{"tmux", "-L", m.socket, "attach", "-t", "=" + name}
}

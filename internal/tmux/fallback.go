package tmux

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/parallel-codex/pcodex/internal/errors"
	"github.com/parallel-codex/pcodex/internal/logging"
)

// pidFileName is the per-workspace pid record the exec fallback keeps so a
// session's terminal process can be rediscovered after a restart.
const pidFileName = ".pcodex-term.pid"

// execFallback provides terminal sessions without tmux: one detached child
// per session, tracked by a pid file in the session's workspace directory.
type execFallback struct {
	logger *logging.Logger

	mu    sync.Mutex
	procs map[string]*fallbackProc
}

type fallbackProc struct {
	pid int
	dir string
}

func (f *execFallback) ensure(name, dir, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.procs == nil {
		f.procs = make(map[string]*fallbackProc)
	}

	if p, ok := f.procs[name]; ok && IsProcessAlive(p.pid) {
		return nil
	}
	// Rediscover a process started by a previous orchestrator run.
	if pid := readPidFile(dir); IsProcessAlive(pid) {
		f.procs[name] = &fallbackProc{pid: pid, dir: dir}
		return nil
	}

	if command == "" {
		command = os.Getenv("SHELL")
		if command == "" {
			command = "sh"
		}
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	// New session so killing the orchestrator does not take the terminal
	// process with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(errors.Join(errors.ErrTmuxUnavailable, err),
			"exec fallback failed to start terminal for %s", name)
	}

	pid := cmd.Process.Pid
	f.procs[name] = &fallbackProc{pid: pid, dir: dir}
	writePidFile(dir, pid)

	// Reap the child when it exits so it does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	f.logger.Info("started fallback terminal process", "name", name, "pid", pid, "dir", dir)
	return nil
}

func (f *execFallback) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[name]
	return ok && IsProcessAlive(p.pid)
}

func (f *execFallback) kill(name string) error {
	f.mu.Lock()
	p, ok := f.procs[name]
	if ok {
		delete(f.procs, name)
	}
	f.mu.Unlock()

	if !ok || !IsProcessAlive(p.pid) {
		return errors.Wrap(errors.ErrTerminalNotFound, name)
	}

	KillProcessTree(p.pid)
	removePidFile(p.dir)
	f.logger.Info("killed fallback terminal process", "name", name, "pid", p.pid)
	return nil
}

func (f *execFallback) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name, p := range f.procs {
		if IsProcessAlive(p.pid) {
			names = append(names, name)
		}
	}
	return names
}

func (f *execFallback) killAll() error {
	f.mu.Lock()
	procs := f.procs
	f.procs = make(map[string]*fallbackProc)
	f.mu.Unlock()

	for _, p := range procs {
		if IsProcessAlive(p.pid) {
			KillProcessTree(p.pid)
		}
		removePidFile(p.dir)
	}
	return nil
}

func readPidFile(dir string) int {
	b, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func writePidFile(dir string, pid int) {
	_ = os.WriteFile(filepath.Join(dir, pidFileName), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func removePidFile(dir string) {
	_ = os.Remove(filepath.Join(dir, pidFileName))
}

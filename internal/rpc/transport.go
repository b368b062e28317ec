package rpc

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parallel-codex/pcodex/internal/errors"
	"github.com/parallel-codex/pcodex/internal/logging"
)

// Conn is the byte-stream connection a Client multiplexes over. Transport
// is the production implementation; tests substitute in-memory fakes.
type Conn interface {
	// WriteFrame writes one frame followed by a newline. Callers must
	// serialize writes; the Client holds the write path.
	WriteFrame(frame []byte) error
	// Start begins the single inbound read loop. onFrame is invoked once
	// per complete non-empty line; onLost is invoked exactly once when the
	// stream ends (EOF, read error, or close).
	Start(onFrame func(line []byte), onLost func(err error)) error
	// Close shuts the connection down.
	Close() error
}

// maxFrameSize bounds a single inbound line. Agent results can carry whole
// file contents, so this is generous.
const maxFrameSize = 16 * 1024 * 1024

// gracefulExitTimeout is how long Close waits for the subprocess to exit
// after stdin closes before killing it.
const gracefulExitTimeout = 5 * time.Second

// LaunchConfig describes the agent server subprocess.
type LaunchConfig struct {
	// Binary is the resolved path to the agent CLI.
	Binary string
	// Args are passed to the binary (e.g. ["mcp-server"]).
	Args []string
	// Env entries are appended to the current environment.
	Env []string
	// Dir is the working directory for the subprocess.
	Dir string
}

// Transport owns the agent server subprocess and its stdio pipes.
// Exactly one Transport exists per running orchestrator.
type Transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *logging.Logger

	writeMu   sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	lostOnce  sync.Once
	started   atomic.Bool
	closed    chan struct{}
	readDone  chan struct{}
}

// Launch spawns the agent server with all three stdio streams captured.
// A failure to start is fatal to the orchestrator.
func Launch(cfg LaunchConfig, logger *logging.Logger) (*Transport, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("transport")

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.NewTransportError("failed to open stdin pipe", err).WithBinary(cfg.Binary)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewTransportError("failed to open stdout pipe", err).WithBinary(cfg.Binary)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.NewTransportError("failed to open stderr pipe", err).WithBinary(cfg.Binary)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.NewTransportError("failed to start agent server", err).WithBinary(cfg.Binary)
	}

	logger.Info("agent server started", "binary", cfg.Binary, "pid", cmd.Process.Pid)

	return &Transport{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		logger:   logger,
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}, nil
}

// Start launches the read loop and the stderr drain. It may be called once.
func (t *Transport) Start(onFrame func([]byte), onLost func(error)) error {
	var started bool
	t.startOnce.Do(func() {
		started = true
		t.started.Store(true)
		go t.readLoop(onFrame, onLost)
		go t.drainStderr()
	})
	if !started {
		return errors.NewTransportError("read loop already started", nil)
	}
	return nil
}

// readLoop is the single reader over stdout. It never terminates except on
// EOF, read error, or Close; every complete line is handed to onFrame.
func (t *Transport) readLoop(onFrame func([]byte), onLost func(error)) {
	defer close(t.readDone)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		onFrame([]byte(line))
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.logger.Info("agent server stdout closed", "error", err)
	t.lost(onLost, err)
}

// drainStderr consumes the subprocess's stderr so its pipe buffer cannot
// fill and block protocol traffic on stdout. Output is logged at debug.
func (t *Transport) drainStderr() {
	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			t.logger.Debug("agent stderr", "line", line)
		}
	}
}

func (t *Transport) lost(onLost func(error), err error) {
	t.lostOnce.Do(func() {
		onLost(errors.NewTransportError("agent server connection lost", err))
	})
}

// WriteFrame writes one frame and a trailing newline to the subprocess.
func (t *Transport) WriteFrame(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return errors.NewTransportError("transport closed", errors.ErrTransportLost)
	default:
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := t.stdin.Write(buf); err != nil {
		return errors.NewTransportError("failed to write frame", err)
	}
	return nil
}

// Close closes stdin, lets the read loop observe EOF, waits briefly for
// the subprocess to exit, and kills it if it does not. Safe to call
// multiple times.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.stdin.Close()

		// Wait for the read loop to drain stdout to EOF before Wait
		// closes the pipes, so frames the server flushes on shutdown
		// are not truncated.
		if t.started.Load() {
			select {
			case <-t.readDone:
			case <-time.After(gracefulExitTimeout):
			}
		}

		done := make(chan error, 1)
		go func() { done <- t.cmd.Wait() }()

		select {
		case waitErr := <-done:
			if waitErr != nil {
				t.logger.Debug("agent server exited", "error", waitErr)
			}
		case <-time.After(gracefulExitTimeout):
			t.logger.Warn("agent server did not exit, killing", "pid", t.cmd.Process.Pid)
			_ = t.cmd.Process.Kill()
			<-done
		}
	})
	return err
}

// PID returns the subprocess pid, or 0 if unavailable.
func (t *Transport) PID() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

var _ Conn = (*Transport)(nil)

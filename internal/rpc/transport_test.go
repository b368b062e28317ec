package rpc

import (
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/parallel-codex/pcodex/internal/errors"
)

func skipIfNoCat(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not found in PATH, skipping test")
	}
}

// launchEcho starts cat as a stand-in agent server: every frame written to
// stdin comes back on stdout.
func launchEcho(t *testing.T) *Transport {
	t.Helper()
	skipIfNoCat(t)
	tr, err := Launch(LaunchConfig{Binary: "cat"}, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return tr
}

func TestLaunchMissingBinary(t *testing.T) {
	_, err := Launch(LaunchConfig{Binary: "/nonexistent/pcodex-agent"}, nil)
	if err == nil {
		t.Fatal("expected launch failure for missing binary")
	}
	var tErr *errors.TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestCloseDrainsFinalFrames(t *testing.T) {
	tr := launchEcho(t)

	var mu sync.Mutex
	var got []string
	lost := make(chan error, 1)
	err := tr.Start(func(line []byte) {
		mu.Lock()
		got = append(got, string(line))
		mu.Unlock()
	}, func(err error) { lost <- err })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, i)
		if err := tr.WriteFrame([]byte(frame)); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}

	// Close immediately: every frame the subprocess echoes while shutting
	// down must still reach the read loop.
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	count := len(got)
	mu.Unlock()
	if count != n {
		t.Fatalf("received %d frames, want %d (frames truncated during close)", count, n)
	}

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lost callback never invoked after close")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	tr := launchEcho(t)
	if err := tr.Start(func([]byte) {}, func(error) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.WriteFrame([]byte(`{}`)); !errors.Is(err, errors.ErrTransportLost) {
		t.Fatalf("expected ErrTransportLost after close, got %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	tr := launchEcho(t)
	defer func() { _ = tr.Close() }()

	if err := tr.Start(func([]byte) {}, func(error) {}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := tr.Start(func([]byte) {}, func(error) {}); err == nil {
		t.Fatal("second Start should fail")
	}
}

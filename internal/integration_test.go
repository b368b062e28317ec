// Package internal contains integration tests that verify the packages
// compose: configuration feeding the workspace and terminal managers, and
// the event bus carrying lifecycle notifications across components.
package internal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/parallel-codex/pcodex/internal/config"
	"github.com/parallel-codex/pcodex/internal/event"
	"github.com/parallel-codex/pcodex/internal/logging"
	"github.com/parallel-codex/pcodex/internal/testutil"
	"github.com/parallel-codex/pcodex/internal/workspace"
)

// TestConfigDrivesWorkspaceManager provisions a workspace using paths and
// branch naming taken straight from a loaded configuration.
func TestConfigDrivesWorkspaceManager(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repo := testutil.SetupTestRepo(t)
	cfg, err := config.Load(repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	agentsDir := filepath.Join(repo, cfg.Paths.AgentsDir)
	mgr, err := workspace.New(repo, agentsDir, cfg.Branch.Prefix, logging.Nop())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}

	ws, err := mgr.Ensure(context.Background(), "integration", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if ws.Branch != cfg.Branch.Prefix+"/integration" {
		t.Errorf("branch = %q, want prefix from config", ws.Branch)
	}
	if filepath.Dir(ws.Path) != agentsDir {
		t.Errorf("path = %q, want under %q", ws.Path, agentsDir)
	}
	if _, err := os.Stat(ws.Path); err != nil {
		t.Errorf("worktree directory missing: %v", err)
	}
	if !testutil.BranchExists(t, repo, ws.Branch) {
		t.Errorf("branch %s not created", ws.Branch)
	}

	if err := mgr.Remove(context.Background(), "integration", workspace.RemoveOptions{}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Errorf("worktree directory still present after Remove")
	}
	if !testutil.BranchExists(t, repo, ws.Branch) {
		t.Errorf("branch deleted without DeleteBranch")
	}
}

// TestEventBusCarriesLifecycle simulates the coordinator publishing session
// lifecycle events and a CLI consumer following one session's transitions.
func TestEventBusCarriesLifecycle(t *testing.T) {
	bus := event.NewBus()

	var mu sync.Mutex
	var transitions []string
	bus.Subscribe(event.TypeSessionStateChanged, func(ev event.Event) {
		if ev.Session != "alpha" {
			return
		}
		mu.Lock()
		transitions = append(transitions, ev.To)
		mu.Unlock()
	})

	var failures int
	bus.Subscribe(event.TypeSessionFailed, func(ev event.Event) {
		mu.Lock()
		failures++
		mu.Unlock()
	})

	bus.Publish(event.NewStateChange("alpha", "created", "provisioning"))
	bus.Publish(event.NewStateChange("alpha", "provisioning", "ready"))
	bus.Publish(event.NewStateChange("beta", "created", "provisioning"))
	bus.Publish(event.NewStateChange("alpha", "ready", "busy"))
	bus.Publish(event.NewSessionEvent(event.TypeSessionFailed, "beta"))

	mu.Lock()
	defer mu.Unlock()

	want := []string{"provisioning", "ready", "busy"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
	if failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}
}

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, dir string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "pcodex.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, LevelInfo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info("session created", "session", "alpha")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readEntries(t, dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0]["msg"] != "session created" {
		t.Errorf("msg = %v", entries[0]["msg"])
	}
	if entries[0]["session"] != "alpha" {
		t.Errorf("session = %v", entries[0]["session"])
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, LevelWarn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept")
	_ = logger.Close()

	entries := readEntries(t, dir)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestPersistentAttributes(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, LevelDebug)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	child := logger.WithComponent("mux").WithSession("alpha").WithRequest(42)
	child.Debug("request sent", "method", "tools/call")
	_ = logger.Close()

	entries := readEntries(t, dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["component"] != "mux" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["session"] != "alpha" {
		t.Errorf("session = %v", entry["session"])
	}
	if entry["request_id"] != float64(42) {
		t.Errorf("request_id = %v", entry["request_id"])
	}
	if entry["method"] != "tools/call" {
		t.Errorf("method = %v", entry["method"])
	}
}

func TestChildDoesNotMutateParent(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, LevelInfo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_ = logger.WithSession("alpha")
	logger.Info("plain entry")
	_ = logger.Close()

	entries := readEntries(t, dir)
	if _, ok := entries[0]["session"]; ok {
		t.Error("parent logger picked up child attribute")
	}
}

func TestNopDiscards(t *testing.T) {
	logger := Nop()
	logger.Info("goes nowhere")
	logger.WithSession("alpha").Error("also nowhere")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger, err := New(t.TempDir(), LevelInfo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

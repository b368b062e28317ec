package internal

import (
	"bytes"
	"go/format"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestGofmtCompliance verifies that every Go source file in the project is
// gofmt-clean. If it fails, run: gofmt -w .
func TestGofmtCompliance(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	projectRoot := wd
	if filepath.Base(wd) == "internal" {
		projectRoot = filepath.Dir(wd)
	}

	var unformatted []string
	err = filepath.Walk(projectRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			name := info.Name()
			if name == "vendor" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		formatted, err := format.Source(content)
		if err != nil {
			// Files that do not parse (build tags, generated code) are
			// someone else's problem.
			return nil
		}
		if !bytes.Equal(content, formatted) {
			rel, _ := filepath.Rel(projectRoot, path)
			unformatted = append(unformatted, rel)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to walk project: %v", err)
	}

	for _, f := range unformatted {
		t.Errorf("not gofmt-clean: %s", f)
	}
	if len(unformatted) > 0 {
		t.Errorf("Run 'gofmt -w .' to fix formatting issues.")
	}
}

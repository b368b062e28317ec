// Package testutil provides shared fixtures for pcodex tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository with one commit on a
// branch named main. The repository is cleaned up when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	if err := runGit(dir, "init"); err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}
	if err := runGit(dir, "config", "user.email", "test@pcodex.dev"); err != nil {
		t.Fatalf("failed to configure git email: %v", err)
	}
	if err := runGit(dir, "config", "user.name", "Pcodex Test"); err != nil {
		t.Fatalf("failed to configure git name: %v", err)
	}

	// git worktree requires at least one commit.
	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# Test Repository\n"), 0o644); err != nil {
		t.Fatalf("failed to create README: %v", err)
	}
	if err := runGit(dir, "add", "."); err != nil {
		t.Fatalf("failed to stage files: %v", err)
	}
	if err := runGit(dir, "commit", "-m", "Initial commit"); err != nil {
		t.Fatalf("failed to create initial commit: %v", err)
	}
	if err := runGit(dir, "branch", "-M", "main"); err != nil {
		t.Fatalf("failed to rename branch to main: %v", err)
	}

	return dir
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	fullPath := filepath.Join(repoDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
	if err := runGit(repoDir, "add", path); err != nil {
		t.Fatalf("failed to stage file %s: %v", path, err)
	}
	if err := runGit(repoDir, "commit", "-m", message); err != nil {
		t.Fatalf("failed to commit file %s: %v", path, err)
	}
}

// CreateBranch creates a new branch without switching to it.
func CreateBranch(t *testing.T, repoDir, branch string) {
	t.Helper()

	if err := runGit(repoDir, "branch", branch); err != nil {
		t.Fatalf("failed to create branch %s: %v", branch, err)
	}
}

// CurrentBranch returns the checked-out branch of a repository or worktree.
func CurrentBranch(t *testing.T, dir string) string {
	t.Helper()

	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("failed to get current branch: %v", err)
	}
	return strings.TrimSpace(string(output))
}

// BranchExists reports whether a local branch exists in the repository.
func BranchExists(t *testing.T, repoDir, branch string) bool {
	t.Helper()

	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repoDir
	return cmd.Run() == nil
}

// ListWorktrees returns the worktree paths git knows about.
func ListWorktrees(t *testing.T, repoDir string) []string {
	t.Helper()

	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = repoDir
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("failed to list worktrees: %v", err)
	}

	var worktrees []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			worktrees = append(worktrees, strings.TrimPrefix(line, "worktree "))
		}
	}
	return worktrees
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

// SkipIfNoTmux skips the test if tmux is not installed.
func SkipIfNoTmux(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not found in PATH, skipping test")
	}
}

// runGit runs a git command in the specified directory.
func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Pcodex Test",
		"GIT_AUTHOR_EMAIL=test@pcodex.dev",
		"GIT_COMMITTER_NAME=Pcodex Test",
		"GIT_COMMITTER_EMAIL=test@pcodex.dev",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &gitError{args: args, output: output, err: err}
	}
	return nil
}

type gitError struct {
	args   []string
	output []byte
	err    error
}

func (e *gitError) Error() string {
	return "git " + strings.Join(e.args, " ") + ": " + e.err.Error() + "\n" + string(e.output)
}

func (e *gitError) Unwrap() error { return e.err }

// Package workspace provisions the isolated git workspace each session
// works in: a dedicated branch checked out in a dedicated worktree under
// the agents base directory.
//
// The naming scheme is deterministic so users can interact with session
// branches directly via git: branch <prefix>/<session>, directory
// <base>/<session>. Ensure is idempotent and safe to call concurrently
// for the same session name.
package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/parallel-codex/pcodex/internal/errors"
	"github.com/parallel-codex/pcodex/internal/logging"
)

// Workspace describes a session's provisioned branch and worktree.
type Workspace struct {
	Session string
	Branch  string
	Path    string
	// Reused reports whether Ensure found the worktree already provisioned.
	Reused bool
}

// RemoveOptions controls workspace teardown.
type RemoveOptions struct {
	// DeleteBranch also deletes the session branch. Off by default so a
	// closed session's work survives as a normal git branch.
	DeleteBranch bool
	// KeepDirectory leaves the worktree directory in place and only
	// detaches git's bookkeeping.
	KeepDirectory bool
}

// Manager provisions and removes session workspaces against one repository.
type Manager struct {
	repoRoot     string
	baseDir      string
	branchPrefix string
	logger       *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per session name
}

// New creates a Manager rooted at repoRoot. repoRoot may be any directory
// inside the repository; the git root is discovered by walking up.
func New(repoRoot, baseDir, branchPrefix string, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	root, err := FindGitRoot(repoRoot)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(root, baseDir)
	}
	if branchPrefix == "" {
		branchPrefix = "pcx"
	}
	return &Manager{
		repoRoot:     root,
		baseDir:      baseDir,
		branchPrefix: branchPrefix,
		logger:       logger.WithComponent("workspace"),
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

// FindGitRoot walks up from startDir to the directory containing .git,
// which may be a directory (normal repo) or a file (worktree).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve repository root")
	}
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewWorkspaceError("no .git found in any parent directory",
				errors.ErrNotGitRepository).WithPath(startDir)
		}
		dir = parent
	}
}

// RepoRoot returns the discovered repository root.
func (m *Manager) RepoRoot() string { return m.repoRoot }

// BranchName returns the branch for a session name.
func (m *Manager) BranchName(session string) string {
	return m.branchPrefix + "/" + session
}

// PathFor returns the worktree directory for a session name.
func (m *Manager) PathFor(session string) string {
	return filepath.Join(m.baseDir, session)
}

// lockFor returns the mutex serializing operations on one session name.
// Different names proceed independently.
func (m *Manager) lockFor(session string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[session]
	if !ok {
		l = &sync.Mutex{}
		m.locks[session] = l
	}
	return l
}

// Ensure provisions the session's branch and worktree, or reuses them if
// already provisioned. baseBranch selects the starting point for a new
// branch; empty means current HEAD. Concurrent calls for the same name
// serialize, so the second caller observes the first one's result.
func (m *Manager) Ensure(ctx context.Context, session, baseBranch string) (*Workspace, error) {
	lock := m.lockFor(session)
	lock.Lock()
	defer lock.Unlock()

	branch := m.BranchName(session)
	path := m.PathFor(session)

	ws := &Workspace{Session: session, Branch: branch, Path: path}

	if _, err := os.Stat(path); err == nil {
		// Directory already there. Reuse only if it is a worktree checked
		// out on this session's branch; anything else is someone else's.
		current, err := m.currentBranch(ctx, path)
		if err != nil || current != branch {
			return nil, errors.NewWorkspaceError("directory exists but is not this session's worktree",
				errors.ErrWorkspaceInUse).WithBranch(branch).WithPath(path)
		}
		m.logger.Debug("reusing existing worktree", "session", session, "path", path)
		ws.Reused = true
		return ws, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewWorkspaceError("failed to create agents base directory", err).WithPath(path)
	}

	if m.branchExists(ctx, branch) {
		// Branch survives a removed worktree. Reattach it.
		if out, err := m.git(ctx, m.repoRoot, "worktree", "add", path, branch); err != nil {
			return nil, errors.NewWorkspaceError("failed to attach worktree to existing branch", err).
				WithBranch(branch).WithPath(path).WithGitOutput(out)
		}
		m.logger.Info("reattached worktree", "session", session, "branch", branch, "path", path)
		return ws, nil
	}

	args := []string{"worktree", "add", "-b", branch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if out, err := m.git(ctx, m.repoRoot, args...); err != nil {
		return nil, errors.NewWorkspaceError("failed to create worktree", err).
			WithBranch(branch).WithPath(path).WithGitOutput(out)
	}
	m.logger.Info("created worktree", "session", session, "branch", branch, "path", path, "base", baseBranch)
	return ws, nil
}

// Remove detaches the session's worktree. The branch is kept unless
// opts.DeleteBranch is set.
func (m *Manager) Remove(ctx context.Context, session string, opts RemoveOptions) error {
	lock := m.lockFor(session)
	lock.Lock()
	defer lock.Unlock()

	branch := m.BranchName(session)
	path := m.PathFor(session)

	if _, err := os.Stat(path); err == nil && !opts.KeepDirectory {
		if out, err := m.git(ctx, m.repoRoot, "worktree", "remove", "--force", path); err != nil {
			// Removal can fail on stale state. Clean up manually and let
			// prune fix git's bookkeeping.
			m.logger.Warn("worktree remove failed, cleaning up manually",
				"session", session, "path", path, "output", out)
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return errors.NewWorkspaceError("failed to remove worktree directory", rmErr).
					WithBranch(branch).WithPath(path).WithGitOutput(out)
			}
			_, _ = m.git(ctx, m.repoRoot, "worktree", "prune")
		}
	}

	if opts.DeleteBranch && m.branchExists(ctx, branch) {
		if out, err := m.git(ctx, m.repoRoot, "branch", "-D", branch); err != nil {
			return errors.NewWorkspaceError("failed to delete session branch", err).
				WithBranch(branch).WithGitOutput(out)
		}
	}

	m.logger.Info("removed workspace", "session", session,
		"branch_deleted", opts.DeleteBranch)
	return nil
}

// List returns the worktree paths git knows about for this repository.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	out, err := m.git(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewWorkspaceError("failed to list worktrees", err).WithGitOutput(out)
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// HasUncommittedChanges reports whether the session's worktree has local
// modifications.
func (m *Manager) HasUncommittedChanges(ctx context.Context, session string) (bool, error) {
	path := m.PathFor(session)
	out, err := m.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, errors.NewWorkspaceError("failed to check worktree status", err).WithPath(path)
	}
	return strings.TrimSpace(out) != "", nil
}

// currentBranch returns the checked-out branch of the worktree at path.
func (m *Manager) currentBranch(ctx context.Context, path string) (string, error) {
	out, err := m.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewWorkspaceError("failed to resolve worktree branch", err).WithPath(path)
	}
	return strings.TrimSpace(out), nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.repoRoot, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// git runs one git command in dir and returns its combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

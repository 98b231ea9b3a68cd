// Package vcs manages bare repositories, per-user worktrees, and deploy
// keys through the git CLI.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
	"github.com/Nu11ified/code-spectre-sub000/internal/domain"
	"github.com/Nu11ified/code-spectre-sub000/internal/logging"
)

// Runner executes a git command in a directory and returns its combined
// output. It exists so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Provider stores repositories under a fixed base directory:
//
//	<base>/repositories/repo_<id>.git
//	<base>/worktrees/repo_<id>/user_<id>/<branch>
//	<base>/ssh-keys/repo_<id>
type Provider struct {
	baseDir string
	runner  Runner
}

// NewProvider creates a provider rooted at baseDir.
func NewProvider(baseDir string) *Provider {
	return &Provider{baseDir: baseDir, runner: execRunner{}}
}

// NewProviderWithRunner is the test constructor.
func NewProviderWithRunner(baseDir string, r Runner) *Provider {
	return &Provider{baseDir: baseDir, runner: r}
}

// RepoPath returns the bare repository path for a repository id.
func (p *Provider) RepoPath(repoID int64) string {
	return filepath.Join(p.baseDir, "repositories", fmt.Sprintf("repo_%d.git", repoID))
}

// WorktreePath returns the deterministic worktree path for a user and
// branch. The branch segment is sanitized so it is filesystem-safe.
func (p *Provider) WorktreePath(repoID, userID int64, branch string) string {
	return filepath.Join(p.baseDir, "worktrees",
		fmt.Sprintf("repo_%d", repoID),
		fmt.Sprintf("user_%d", userID),
		domain.SanitizeBranch(branch))
}

// KeyPath returns where the repository's deploy key lives.
func (p *Provider) KeyPath(repoID int64) string {
	return filepath.Join(p.baseDir, "ssh-keys", fmt.Sprintf("repo_%d", repoID))
}

// sshEnv builds the environment forcing git to use the deploy key.
func sshEnv(keyPath string) []string {
	if keyPath == "" {
		return nil
	}
	return []string{fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=no", keyPath)}
}

// Clone mirrors the remote into a bare repository. Cloning an already
// cloned repository is a no-op.
func (p *Provider) Clone(ctx context.Context, url string, repoID int64, keyPath string) error {
	if !domain.ValidGitURL(url) {
		return apperr.Newf(apperr.InvalidGitURL, "invalid git URL %q", url)
	}

	repoPath := p.RepoPath(repoID)
	if _, err := os.Stat(repoPath); err == nil {
		slog.Debug("Repository already cloned", "repository_id", repoID, "path", repoPath)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(repoPath), 0o755); err != nil {
		return apperr.Wrap(err, apperr.GitCloneFailed, "creating repository directory")
	}

	timer := logging.StartTimer("git_clone", "repository_id", repoID)
	_, err := p.runner.Run(ctx, "", sshEnv(keyPath), "clone", "--bare", url, repoPath)
	timer.Stop(err)
	if err != nil {
		return apperr.Wrap(err, apperr.GitCloneFailed, "cloning repository")
	}
	return nil
}

// CreateWorktree fetches origin and adds a worktree for the branch. An
// existing worktree path is returned as-is.
func (p *Provider) CreateWorktree(ctx context.Context, repoID int64, branch string, userID int64) (string, error) {
	if !domain.ValidBranchName(branch) {
		return "", apperr.Newf(apperr.InvalidBranchName, "invalid branch name %q", branch)
	}

	wtPath := p.WorktreePath(repoID, userID, branch)
	if _, err := os.Stat(wtPath); err == nil {
		slog.Debug("Worktree already exists", "repository_id", repoID, "user_id", userID, "path", wtPath)
		return wtPath, nil
	}

	repoPath := p.RepoPath(repoID)
	if _, err := p.runner.Run(ctx, repoPath, nil, "fetch", "origin"); err != nil {
		return "", apperr.Wrap(err, apperr.GitWorktreeCreationFailed, "fetching origin")
	}
	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return "", apperr.Wrap(err, apperr.GitWorktreeCreationFailed, "creating worktree directory")
	}
	if _, err := p.runner.Run(ctx, repoPath, nil, "worktree", "add", wtPath, "origin/"+branch); err != nil {
		return "", apperr.Wrap(err, apperr.GitWorktreeCreationFailed, "adding worktree")
	}

	slog.Info("Worktree created", "repository_id", repoID, "user_id", userID, "branch", branch, "path", wtPath)
	return wtPath, nil
}

// RemoveWorktree force-removes the branch's worktree.
func (p *Provider) RemoveWorktree(ctx context.Context, repoID int64, branch string, userID int64) error {
	if !domain.ValidBranchName(branch) {
		return apperr.Newf(apperr.InvalidBranchName, "invalid branch name %q", branch)
	}
	wtPath := p.WorktreePath(repoID, userID, branch)
	if _, err := p.runner.Run(ctx, p.RepoPath(repoID), nil, "worktree", "remove", "--force", wtPath); err != nil {
		return apperr.Wrap(err, apperr.GitOperationFailed, "removing worktree")
	}
	slog.Info("Worktree removed", "repository_id", repoID, "user_id", userID, "branch", branch)
	return nil
}

// ListBranches fetches and enumerates remote branches, excluding HEAD.
func (p *Provider) ListBranches(ctx context.Context, repoID int64) ([]string, error) {
	repoPath := p.RepoPath(repoID)
	if _, err := p.runner.Run(ctx, repoPath, nil, "fetch", "origin"); err != nil {
		return nil, apperr.Wrap(err, apperr.GitOperationFailed, "fetching origin")
	}
	out, err := p.runner.Run(ctx, repoPath, nil, "branch", "-r", "--format=%(refname:short)")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.GitOperationFailed, "listing branches")
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.Contains(name, "HEAD") {
			continue
		}
		branches = append(branches, strings.TrimPrefix(name, "origin/"))
	}
	return branches, nil
}

// CreateBranch creates a branch off origin/<base> and pushes it. The base
// defaults to main.
func (p *Provider) CreateBranch(ctx context.Context, repoID int64, branch, baseBranch string) error {
	if !domain.ValidBranchName(branch) {
		return apperr.Newf(apperr.InvalidBranchName, "invalid branch name %q", branch)
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	if !domain.ValidBranchName(baseBranch) {
		return apperr.Newf(apperr.InvalidBranchName, "invalid base branch name %q", baseBranch)
	}

	repoPath := p.RepoPath(repoID)
	if _, err := p.runner.Run(ctx, repoPath, nil, "fetch", "origin"); err != nil {
		return apperr.Wrap(err, apperr.GitOperationFailed, "fetching origin")
	}
	if _, err := p.runner.Run(ctx, repoPath, nil, "branch", branch, "origin/"+baseBranch); err != nil {
		return apperr.Wrap(err, apperr.GitOperationFailed, "creating branch")
	}
	if _, err := p.runner.Run(ctx, repoPath, nil, "push", "origin", branch); err != nil {
		return apperr.Wrap(err, apperr.GitOperationFailed, "pushing branch")
	}

	slog.Info("Branch created", "repository_id", repoID, "branch", branch, "base", baseBranch)
	return nil
}

// CleanupWorktrees prunes stale worktree registrations.
func (p *Provider) CleanupWorktrees(ctx context.Context, repoID int64) error {
	if _, err := p.runner.Run(ctx, p.RepoPath(repoID), nil, "worktree", "prune"); err != nil {
		return apperr.Wrap(err, apperr.GitOperationFailed, "pruning worktrees")
	}
	return nil
}

// UpdateRepository refreshes all remote refs and drops deleted ones.
func (p *Provider) UpdateRepository(ctx context.Context, repoID int64) error {
	if _, err := p.runner.Run(ctx, p.RepoPath(repoID), nil, "fetch", "--all", "--prune"); err != nil {
		return apperr.Wrap(err, apperr.GitOperationFailed, "updating repository")
	}
	slog.Info("Repository updated", "repository_id", repoID)
	return nil
}

// Package workspace provisions isolated git worktrees for background
// agent runs and handles the post-run publishing steps.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/HobbyCoders/agentdeck/internal/shared"
)

// Manager creates one worktree per run under the runs directory, each on
// its own branch, so concurrent runs never touch each other's files.
type Manager struct {
	repo    string
	runsDir string
	logger  *slog.Logger
}

func NewManager(repo, runsDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:    repo,
		runsDir: runsDir,
		logger:  logger.With("component", "workspace"),
	}
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// Provision creates a worktree and branch for the run. The branch name
// embeds the run id so publishes never collide.
func (m *Manager) Provision(ctx context.Context, runID string) (path, branch string, err error) {
	if m.repo == "" {
		return "", "", fmt.Errorf("no repository configured")
	}
	branch = "agentdeck/run-" + runID
	path = filepath.Join(m.runsDir, runID)
	if err := os.MkdirAll(m.runsDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create runs dir: %w", err)
	}
	if _, err := m.git(ctx, m.repo, "worktree", "add", "-b", branch, path); err != nil {
		return "", "", err
	}
	m.logger.Info("workspace provisioned",
		"run_id", runID,
		"branch", branch,
		"path", path,
		"trace_id", shared.TraceID(ctx))
	return path, branch, nil
}

// Cleanup removes a run's worktree. The branch is kept so the run's
// work stays recoverable.
func (m *Manager) Cleanup(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if _, err := m.git(ctx, m.repo, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	return nil
}

// HasChanges reports whether the worktree has commits ahead of the main
// repository's HEAD or uncommitted modifications.
func (m *Manager) HasChanges(ctx context.Context, path string) (bool, error) {
	status, err := m.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if status != "" {
		return true, nil
	}
	worktreeHead, err := m.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return false, err
	}
	repoHead, err := m.git(ctx, m.repo, "rev-parse", "HEAD")
	if err != nil {
		return false, err
	}
	return worktreeHead != repoHead, nil
}

// CommitAll stages and commits everything in the worktree. A clean tree
// is not an error.
func (m *Manager) CommitAll(ctx context.Context, path, message string) error {
	if _, err := m.git(ctx, path, "add", "-A"); err != nil {
		return err
	}
	status, err := m.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}
	if _, err := m.git(ctx, path, "commit", "-m", message); err != nil {
		return err
	}
	return nil
}

// PublishBranch pushes the run's branch to origin.
func (m *Manager) PublishBranch(ctx context.Context, path, branch string) error {
	if _, err := m.git(ctx, path, "push", "-u", "origin", branch); err != nil {
		return err
	}
	m.logger.Info("branch published",
		"branch", branch,
		"trace_id", shared.TraceID(ctx))
	return nil
}

// OpenReviewRequest opens a pull request for the branch via the gh CLI
// and returns its URL.
func (m *Manager) OpenReviewRequest(ctx context.Context, path, branch, title, body string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--head", branch,
		"--title", title,
		"--body", body)
	cmd.Dir = path
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gh pr create: %w: %s", err, strings.TrimSpace(out.String()))
	}
	url := strings.TrimSpace(out.String())
	m.logger.Info("review request opened",
		"branch", branch,
		"url", url,
		"trace_id", shared.TraceID(ctx))
	return url, nil
}

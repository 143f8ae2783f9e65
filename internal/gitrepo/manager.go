// Package gitrepo manages local checkouts of the repositories that
// agent sessions work in.
package gitrepo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
)

// BranchPrefix namespaces all agent-created branches.
const BranchPrefix = "astrid/task-"

var fullNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Checkout is a prepared local working copy.
type Checkout struct {
	FullName      string
	Path          string
	DefaultBranch string
}

// Manager clones, updates, and branches repositories. Concurrent
// operations on the same repository serialise on a per-repo mutex.
type Manager struct {
	config config.ReposConfig
	logger *logger.Logger
	// repoMus is a map of repo path → *sync.Mutex to prevent concurrent
	// clone or pull operations on the same directory.
	repoMus sync.Map
}

// NewManager creates a repository manager.
func NewManager(cfg config.ReposConfig, log *logger.Logger) *Manager {
	if cfg.BasePath == "" {
		cfg.BasePath = "~/.astrid/repos"
	}
	if cfg.GitHost == "" {
		cfg.GitHost = "github.com"
	}
	if cfg.DefaultWorkspace == "" {
		cfg.DefaultWorkspace = "~/.astrid/workspace"
	}
	return &Manager{
		config: cfg,
		logger: log.WithFields(zap.String("component", "gitrepo-manager")),
	}
}

func (m *Manager) repoMu(path string) *sync.Mutex {
	mu, _ := m.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (m *Manager) ExpandedBasePath() (string, error) {
	return expandHome(m.config.BasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// DefaultWorkspace returns the expanded shared workdir used for tasks
// that have no repository configured, creating it on first use.
func (m *Manager) DefaultWorkspace() (string, error) {
	path, err := expandHome(m.config.DefaultWorkspace)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create default workspace: %w", err)
	}
	return path, nil
}

// RepoPath returns the local path for an "owner/repo" identifier.
func (m *Manager) RepoPath(fullName string) (string, error) {
	basePath, err := m.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok {
		return "", fmt.Errorf("invalid repository name %q", fullName)
	}
	return filepath.Join(basePath, owner, name), nil
}

// CloneURL builds the HTTPS clone URL, embedding the access token
// when one is configured. Never log the result directly; use Redact.
func (m *Manager) CloneURL(fullName string) string {
	if m.config.Token != "" {
		return fmt.Sprintf("https://x-access-token:%s@%s/%s.git", m.config.Token, m.config.GitHost, fullName)
	}
	return fmt.Sprintf("https://%s/%s.git", m.config.GitHost, fullName)
}

var credentialRe = regexp.MustCompile(`//[^/@\s]+@`)

// Redact strips embedded credentials from a git URL or command output.
func Redact(s string) string {
	return credentialRe.ReplaceAllString(s, "//***@")
}

// Ensure returns a ready checkout for "owner/repo", cloning it on
// first use and pulling on subsequent ones. A failed pull is a warn;
// a slightly stale checkout beats a failed task.
func (m *Manager) Ensure(ctx context.Context, fullName string) (*Checkout, error) {
	if !fullNameRe.MatchString(fullName) {
		return nil, fmt.Errorf("invalid repository name %q: want owner/repo", fullName)
	}

	targetPath, err := m.RepoPath(fullName)
	if err != nil {
		return nil, err
	}

	mu := m.repoMu(targetPath)
	mu.Lock()
	defer mu.Unlock()

	gitDir := filepath.Join(targetPath, ".git")
	if info, statErr := os.Stat(gitDir); statErr == nil && info.IsDir() {
		m.pull(ctx, targetPath)
	} else if err := m.clone(ctx, fullName, targetPath); err != nil {
		return nil, err
	}

	defaultBranch, err := m.defaultBranch(ctx, targetPath)
	if err != nil {
		return nil, err
	}

	return &Checkout{
		FullName:      fullName,
		Path:          targetPath,
		DefaultBranch: defaultBranch,
	}, nil
}

func (m *Manager) pull(ctx context.Context, repoPath string) {
	m.logger.Debug("repository already cloned, pulling", zap.String("path", repoPath))
	out, err := m.git(ctx, repoPath, "pull", "--ff-only")
	if err != nil {
		m.logger.Warn("git pull failed (non-fatal)",
			zap.String("path", repoPath),
			zap.String("output", Redact(out)),
			zap.Error(err))
	}
}

func (m *Manager) clone(ctx context.Context, fullName, targetPath string) error {
	parentDir := filepath.Dir(targetPath)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	m.logger.Info("cloning repository",
		zap.String("repo", fullName),
		zap.String("target", targetPath))

	timeout := m.config.CloneTimeoutDuration()
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cloneCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"clone"}
	if m.config.CloneDepth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", m.config.CloneDepth))
	}
	args = append(args, m.CloneURL(fullName), targetPath)

	cmd := exec.CommandContext(cloneCtx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if cloneCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("git clone timed out after %s", timeout)
		}
		return fmt.Errorf("git clone failed: %s: %w", Redact(string(out)), err)
	}
	return nil
}

// PrepareTaskBranch checks out the deterministic branch for a task,
// creating it from the default branch on first use. Calling it again
// for the same task simply checks the branch out.
func (m *Manager) PrepareTaskBranch(ctx context.Context, checkout *Checkout, taskID string) (string, error) {
	branch := TaskBranch(taskID)

	mu := m.repoMu(checkout.Path)
	mu.Lock()
	defer mu.Unlock()

	if m.branchExists(ctx, checkout.Path, branch) {
		if out, err := m.git(ctx, checkout.Path, "checkout", branch); err != nil {
			return "", fmt.Errorf("git checkout %s failed: %s: %w", branch, Redact(out), err)
		}
		return branch, nil
	}

	if out, err := m.git(ctx, checkout.Path, "checkout", checkout.DefaultBranch); err != nil {
		return "", fmt.Errorf("git checkout %s failed: %s: %w", checkout.DefaultBranch, Redact(out), err)
	}
	if out, err := m.git(ctx, checkout.Path, "checkout", "-b", branch); err != nil {
		return "", fmt.Errorf("git checkout -b %s failed: %s: %w", branch, Redact(out), err)
	}

	m.logger.Info("created task branch",
		zap.String("branch", branch),
		zap.String("repo", checkout.FullName))
	return branch, nil
}

// Diff returns the diff stat against HEAD and the list of changed files.
func (m *Manager) Diff(ctx context.Context, repoPath string) (string, []string, error) {
	stat, err := m.git(ctx, repoPath, "diff", "--stat", "HEAD")
	if err != nil {
		return "", nil, fmt.Errorf("git diff failed: %s: %w", Redact(stat), err)
	}

	porcelain, err := m.git(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return "", nil, fmt.Errorf("git status failed: %s: %w", Redact(porcelain), err)
	}

	var files []string
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return strings.TrimSpace(stat), files, nil
}

func (m *Manager) branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := m.git(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) defaultBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := m.git(ctx, repoPath, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err == nil {
		return strings.TrimPrefix(strings.TrimSpace(out), "origin/"), nil
	}

	// Shallow clones sometimes lack origin/HEAD; fall back to the
	// currently checked out branch.
	out, err = m.git(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve default branch: %s: %w", Redact(out), err)
	}
	return strings.TrimSpace(out), nil
}

func (m *Manager) git(ctx context.Context, repoPath string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", repoPath}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// TaskBranch derives the deterministic branch name for a task ID.
func TaskBranch(taskID string) string {
	return BranchPrefix + sanitizeForBranch(taskID, 24)
}

// sanitizeForBranch lowercases the input, replaces anything that is
// not a letter or digit with a hyphen, collapses runs of hyphens, and
// bounds the length.
func sanitizeForBranch(s string, maxLen int) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := regexp.MustCompile(`-+`).ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")
	if len(result) > maxLen {
		result = strings.Trim(result[:maxLen], "-")
	}
	return result
}

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/gitrepo"
)

const (
	maxToolOutput    = 16 * 1024
	commandTimeout   = 60 * time.Second
	maxSearchMatches = 50
	taskCompleteTool = "task_complete"
)

// ToolSpec describes a tool offered to an HTTP provider. Parameters is
// a JSON-schema object in the shape both APIs accept.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

func workspaceTools() []ToolSpec {
	return []ToolSpec{
		{
			Name:        "read_file",
			Description: "Read a file from the repository. Returns the file content.",
			Parameters: objectSchema(map[string]any{
				"path": prop("string", "Path relative to the repository root"),
			}, "path"),
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file in the repository.",
			Parameters: objectSchema(map[string]any{
				"path":    prop("string", "Path relative to the repository root"),
				"content": prop("string", "Full file content"),
			}, "path", "content"),
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact text occurrence in a file. The old text must match exactly once.",
			Parameters: objectSchema(map[string]any{
				"path":     prop("string", "Path relative to the repository root"),
				"old_text": prop("string", "Exact text to replace"),
				"new_text": prop("string", "Replacement text"),
			}, "path", "old_text", "new_text"),
		},
		{
			Name:        "list_files",
			Description: "List files under a directory, recursively.",
			Parameters: objectSchema(map[string]any{
				"path": prop("string", "Directory relative to the repository root; defaults to the root"),
			}),
		},
		{
			Name:        "search_code",
			Description: "Search file contents for a substring. Returns matching lines with file and line number.",
			Parameters: objectSchema(map[string]any{
				"query": prop("string", "Substring to search for"),
			}, "query"),
		},
		{
			Name:        "run_command",
			Description: "Run a shell command in the repository root. Destructive commands are refused.",
			Parameters: objectSchema(map[string]any{
				"command": prop("string", "Shell command to run"),
			}, "command"),
		},
		{
			Name:        taskCompleteTool,
			Description: "Call when the task is done. Commits all changes, pushes the branch, and opens a pull request.",
			Parameters: objectSchema(map[string]any{
				"summary":  prop("string", "What was changed and why"),
				"pr_title": prop("string", "Pull request title"),
				"pr_body":  prop("string", "Pull request description"),
			}, "summary", "pr_title"),
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

// deniedCommands refuses the obviously destructive; the workspace is
// a sandbox only by convention, not containment.
var deniedCommands = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*/(\s|$)`),
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s+[~/]`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bshutdown\b|\breboot\b|\bhalt\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+[^|]*of=/dev/`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`>\s*/dev/sd`),
}

func commandDenied(command string) bool {
	for _, re := range deniedCommands {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// Workspace executes tools against a task checkout.
type Workspace struct {
	root   string
	logger *logger.Logger
}

// NewWorkspace creates a tool workspace rooted at the checkout.
func NewWorkspace(root string, log *logger.Logger) *Workspace {
	return &Workspace{root: root, logger: log}
}

// Execute dispatches one tool call and returns its textual result.
// Tool errors come back as strings so the model can react to them;
// only task_complete errors abort an exchange.
func (w *Workspace) Execute(ctx context.Context, name string, args map[string]any) string {
	var out string
	var err error

	switch name {
	case "read_file":
		out, err = w.readFile(stringArg(args, "path"))
	case "write_file":
		out, err = w.writeFile(stringArg(args, "path"), stringArg(args, "content"))
	case "edit_file":
		out, err = w.editFile(stringArg(args, "path"), stringArg(args, "old_text"), stringArg(args, "new_text"))
	case "list_files":
		out, err = w.listFiles(stringArg(args, "path"))
	case "search_code":
		out, err = w.searchCode(stringArg(args, "query"))
	case "run_command":
		out, err = w.runCommand(ctx, stringArg(args, "command"))
	default:
		err = fmt.Errorf("unknown tool %q", name)
	}

	if err != nil {
		return "error: " + err.Error()
	}
	return truncate(out, maxToolOutput)
}

// resolve roots a relative path inside the workspace and refuses escapes.
func (w *Workspace) resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	abs := filepath.Join(w.root, rel)
	cleanRoot := filepath.Clean(w.root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the repository", rel)
	}
	return abs, nil
}

func (w *Workspace) readFile(path string) (string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *Workspace) writeFile(path, content string) (string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func (w *Workspace) editFile(path, oldText, newText string) (string, error) {
	if oldText == "" {
		return "", fmt.Errorf("old_text must not be empty")
	}
	abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	content := string(data)

	switch strings.Count(content, oldText) {
	case 0:
		return "", fmt.Errorf("old_text not found in %s", path)
	case 1:
		// fallthrough to the replace below
	default:
		return "", fmt.Errorf("old_text matches more than once in %s; provide more context", path)
	}

	if err := os.WriteFile(abs, []byte(strings.Replace(content, oldText, newText, 1)), 0o644); err != nil {
		return "", err
	}
	return "edited " + path, nil
}

func (w *Workspace) listFiles(path string) (string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}

	var files []string
	err = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(w.root, p)
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)
	return strings.Join(files, "\n"), nil
}

func (w *Workspace) searchCode(query string) (string, error) {
	if query == "" {
		return "", fmt.Errorf("query must not be empty")
	}

	var matches []string
	err := filepath.WalkDir(w.root, func(p string, d os.DirEntry, err error) error {
		if err != nil || len(matches) >= maxSearchMatches {
			if len(matches) >= maxSearchMatches {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil || !strings.Contains(string(data), query) {
			return nil
		}
		rel, _ := filepath.Rel(w.root, p)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) && len(matches) < maxSearchMatches {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	return strings.Join(matches, "\n"), nil
}

func (w *Workspace) runCommand(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command must not be empty")
	}
	if commandDenied(command) {
		w.logger.Warn("refused denylisted command", zap.String("command", command))
		return "", fmt.Errorf("command refused by safety policy")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = w.root
	out, err := cmd.CombinedOutput()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", commandTimeout)
	}
	if err != nil {
		return fmt.Sprintf("exit error: %v\n%s", err, truncate(string(out), maxToolOutput)), nil
	}
	return string(out), nil
}

// CommitAndOpenPR commits everything, pushes the task branch, and
// opens a pull request via the gh CLI. A PR failure is reported, not
// fatal: the commit and push already happened.
func (w *Workspace) CommitAndOpenPR(ctx context.Context, branch, title, body string) (prURL string, err error) {
	if out, err := w.gitOut(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add failed: %s: %w", gitrepo.Redact(out), err)
	}

	status, err := w.gitOut(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("git status failed: %w", err)
	}
	if strings.TrimSpace(status) != "" {
		if out, err := w.gitOut(ctx, "commit", "-m", title); err != nil {
			return "", fmt.Errorf("git commit failed: %s: %w", gitrepo.Redact(out), err)
		}
	}

	if out, err := w.gitOut(ctx, "push", "-u", "origin", branch); err != nil {
		return "", fmt.Errorf("git push failed: %s: %w", gitrepo.Redact(out), err)
	}

	cmd := exec.CommandContext(ctx, "gh", "pr", "create", "--title", title, "--body", body, "--head", branch)
	cmd.Dir = w.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh pr create failed: %s: %w", gitrepo.Redact(string(out)), err)
	}
	return prURLRe.FindString(string(out)), nil
}

func (w *Workspace) gitOut(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.root
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

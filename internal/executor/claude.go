package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/gitrepo"
	"github.com/astridclaw/astrid-agents/internal/session"
)

// scanner buffer sizing: stream-json lines carry whole file contents
const (
	scanBufInitial = 64 * 1024
	scanBufMax     = 1024 * 1024
)

var prURLRe = regexp.MustCompile(`https://github\.com/[^\s"'\\]+/pull/\d+`)

// runningProcess abstracts the spawned CLI so tests can substitute a
// scripted stream source.
type runningProcess interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill()
}

type startProcessFunc func(ctx context.Context, workdir, bin string, args, env []string) (runningProcess, error)

// ClaudeExecutor runs tasks through the claude CLI. Conversations
// resume natively via the provider session id the CLI prints on its
// stream-json init record.
type ClaudeExecutor struct {
	cfg    config.ClaudeConfig
	repos  *gitrepo.Manager
	logger *logger.Logger
	start  startProcessFunc
}

var _ Executor = (*ClaudeExecutor)(nil)
var _ DiffCapturer = (*ClaudeExecutor)(nil)

// NewClaudeExecutor creates the CLI executor.
func NewClaudeExecutor(cfg config.ClaudeConfig, repos *gitrepo.Manager, log *logger.Logger) *ClaudeExecutor {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &ClaudeExecutor{
		cfg:    cfg,
		repos:  repos,
		logger: log.WithFields(zap.String("component", "claude-executor")),
		start:  startOSProcess,
	}
}

// StartSession begins a fresh CLI conversation.
func (e *ClaudeExecutor) StartSession(ctx context.Context, sess *session.Session, req Request) (*Result, error) {
	args := e.baseArgs(req)
	args = append(args, "-p", req.Prompt)
	return e.run(ctx, sess, req, args)
}

// ResumeSession continues the CLI conversation recorded on the session.
func (e *ClaudeExecutor) ResumeSession(ctx context.Context, sess *session.Session, req Request) (*Result, error) {
	if sess.ProviderSessionID == "" {
		return nil, ErrCannotResume
	}
	args := e.baseArgs(req)
	args = append(args, "--resume", sess.ProviderSessionID, "-p", req.Prompt)
	return e.run(ctx, sess, req, args)
}

func (e *ClaudeExecutor) baseArgs(req Request) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}
	model := req.Model
	if model == "" {
		model = e.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

func (e *ClaudeExecutor) run(ctx context.Context, sess *session.Session, req Request, args []string) (*Result, error) {
	log := e.logger.WithTaskID(sess.TaskID)

	proc, err := e.start(ctx, req.Workdir, e.cfg.Binary, args, req.Env)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", e.cfg.Binary, err)
	}

	sup := NewSupervisor(SupervisorConfig{
		InitialOutput: e.cfg.InitialOutputTimeoutDuration(),
		Stall:         e.cfg.StallTimeoutDuration(),
		Max:           e.cfg.MaxTimeoutDuration(),
		Heartbeat:     time.Second,
	}, func(KillReason) { proc.Kill() }, log)
	sup.Start(ctx)

	var mu sync.Mutex
	var out strings.Builder
	var stderr strings.Builder
	var providerSessionID string

	appendLine := func(b *strings.Builder, line string) {
		mu.Lock()
		b.WriteString(line)
		b.WriteByte('\n')
		mu.Unlock()
	}

	g := &errgroup.Group{}
	g.Go(func() error {
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, scanBufInitial), scanBufMax)
		for scanner.Scan() {
			line := scanner.Text()
			sup.Touch()
			appendLine(&out, line)

			if id := sessionIDFromLine(line); id != "" {
				mu.Lock()
				if providerSessionID == "" {
					providerSessionID = id
				}
				mu.Unlock()
			}
			if req.OnProgress != nil {
				if note := progressFromLine(line); note != "" {
					req.OnProgress(note)
				}
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(proc.Stderr())
		scanner.Buffer(make([]byte, scanBufInitial), scanBufMax)
		for scanner.Scan() {
			sup.Touch()
			appendLine(&stderr, scanner.Text())
		}
		return scanner.Err()
	})

	streamErr := g.Wait()
	waitErr := proc.Wait()
	sup.Finish()

	if streamErr != nil {
		log.Warn("stream read error", zap.Error(streamErr))
	}

	mu.Lock()
	raw := out.String()
	errOut := stderr.String()
	sid := providerSessionID
	mu.Unlock()

	reason := sup.Reason()
	result := &Result{
		Raw:               raw,
		ProviderSessionID: sid,
		TimedOut:          reason != KillNone,
		TimeoutReason:     string(reason),
	}

	if waitErr != nil && reason == KillNone && ctx.Err() == nil {
		// Process failed on its own; keep the output for parsing but
		// surface the tail of stderr.
		log.Warn("provider process exited with error",
			zap.Error(waitErr),
			zap.String("stderr_tail", tailLines(errOut, 5)))
		result.Raw = raw + "\n" + errOut
	}

	return result, nil
}

// ParseOutput interprets the captured stream-json output.
func (e *ClaudeExecutor) ParseOutput(raw string) Outcome {
	var outcome Outcome
	var lastAssistantText string

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}

		var rec claudeStreamRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		switch rec.Type {
		case "assistant":
			if text := rec.assistantText(); text != "" {
				lastAssistantText = text
			}
		case "result":
			outcome.Summary = rec.Result
			if rec.IsError {
				outcome.Failed = true
				outcome.ErrorDetail = rec.Result
			}
		}
	}

	if outcome.Summary == "" {
		outcome.Summary = lastAssistantText
	}
	if url := prURLRe.FindString(outcome.Summary); url != "" {
		outcome.PullRequestURL = url
	} else if url := prURLRe.FindString(raw); url != "" {
		outcome.PullRequestURL = url
	}

	if !outcome.Failed {
		if q, ok := detectQuestion(lastAssistantText); ok {
			outcome.NeedsInput = true
			outcome.Question = q
		}
	}
	if outcome.Summary == "" && outcome.Question == "" {
		outcome.Failed = true
		outcome.ErrorDetail = "provider produced no parseable output: " + tailLines(raw, 20)
	}

	return outcome
}

// CaptureDiff reports workspace changes after a run.
func (e *ClaudeExecutor) CaptureDiff(ctx context.Context, workdir string) (string, []string, error) {
	return e.repos.Diff(ctx, workdir)
}

// CheckAvailable verifies the CLI binary and its credentials file.
func (e *ClaudeExecutor) CheckAvailable(ctx context.Context) error {
	if _, err := exec.LookPath(e.cfg.Binary); err != nil {
		return fmt.Errorf("%s binary not found: %w", e.cfg.Binary, err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(home, ".claude.json")); err != nil {
		return fmt.Errorf("claude credentials not found: %w", err)
	}
	return nil
}

// claudeStreamRecord is the subset of stream-json fields we read.
type claudeStreamRecord struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
}

func (r *claudeStreamRecord) assistantText() string {
	var parts []string
	for _, c := range r.Message.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func sessionIDFromLine(line string) string {
	if !strings.Contains(line, "session_id") {
		return ""
	}
	var rec claudeStreamRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return ""
	}
	return rec.SessionID
}

// progressFromLine turns tool-use records into short progress notes.
func progressFromLine(line string) string {
	var rec claudeStreamRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return ""
	}
	if rec.Type != "assistant" {
		return ""
	}
	for _, c := range rec.Message.Content {
		if c.Type == "tool_use" && c.Name != "" {
			return "running " + c.Name
		}
	}
	return ""
}

// detectQuestion applies the waiting-for-input heuristic to the last
// assistant message.
func detectQuestion(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	if strings.HasSuffix(trimmed, "?") ||
		strings.Contains(lower, "let me know") ||
		strings.Contains(lower, "please clarify") ||
		strings.Contains(lower, "which option") {
		return trimmed, true
	}
	return "", false
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// osProcess adapts exec.Cmd to runningProcess.
type osProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *osProcess) Stdout() io.Reader { return p.stdout }
func (p *osProcess) Stderr() io.Reader { return p.stderr }
func (p *osProcess) Wait() error       { return p.cmd.Wait() }

func (p *osProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func startOSProcess(ctx context.Context, workdir, bin string, args, env []string) (runningProcess, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = workdir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

package executor

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/session"
)

// fakeProcess feeds scripted output to the executor.
type fakeProcess struct {
	stdout io.Reader
	stderr io.Reader

	mu     sync.Mutex
	killed bool
	done   chan struct{}
}

func newFakeProcess(stdout, stderr string) *fakeProcess {
	return &fakeProcess{
		stdout: strings.NewReader(stdout),
		stderr: strings.NewReader(stderr),
		done:   make(chan struct{}),
	}
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeProcess) Wait() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	if c, ok := p.stdout.(interface{ CloseWithError(error) error }); ok {
		_ = c.CloseWithError(io.EOF)
	}
}

func newTestClaude(t *testing.T, proc runningProcess, capturedArgs *[]string) *ClaudeExecutor {
	t.Helper()
	e := NewClaudeExecutor(config.ClaudeConfig{
		Binary:               "claude",
		InitialOutputTimeout: 60,
		StallTimeout:         60,
		MaxTimeout:           120,
	}, nil, logger.Default())
	e.start = func(ctx context.Context, workdir, bin string, args, env []string) (runningProcess, error) {
		if capturedArgs != nil {
			*capturedArgs = args
		}
		return proc, nil
	}
	return e
}

const streamedRun = `{"type":"system","subtype":"init","session_id":"sess-abc"}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit"}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"Done, opened https://github.com/astridclaw/astrid-web/pull/42"}]}}
{"type":"result","subtype":"success","is_error":false,"result":"Fixed the redirect and opened https://github.com/astridclaw/astrid-web/pull/42","session_id":"sess-abc"}
`

func TestClaude_StartSessionExtractsProviderSessionID(t *testing.T) {
	var args []string
	e := newTestClaude(t, newFakeProcess(streamedRun, ""), &args)

	var notes []string
	res, err := e.StartSession(context.Background(), &session.Session{TaskID: "task-1"}, Request{
		Prompt:     "fix it",
		OnProgress: func(n string) { notes = append(notes, n) },
	})
	require.NoError(t, err)

	assert.Equal(t, "sess-abc", res.ProviderSessionID)
	assert.False(t, res.TimedOut)
	assert.Contains(t, args, "--print")
	assert.Contains(t, args, "stream-json")
	assert.Contains(t, args, "fix it")
	assert.Contains(t, notes, "running Edit")
}

func TestClaude_StartSessionForwardsEnv(t *testing.T) {
	var env []string
	e := NewClaudeExecutor(config.ClaudeConfig{
		Binary:               "claude",
		InitialOutputTimeout: 60,
		StallTimeout:         60,
		MaxTimeout:           120,
	}, nil, logger.Default())
	e.start = func(ctx context.Context, workdir, bin string, args, extra []string) (runningProcess, error) {
		env = extra
		return newFakeProcess(streamedRun, ""), nil
	}

	_, err := e.StartSession(context.Background(), &session.Session{TaskID: "task-1"}, Request{
		Prompt: "fix it",
		Env:    []string{"MCP_ACCESS_TOKEN=tok-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"MCP_ACCESS_TOKEN=tok-1"}, env)
}

func TestClaude_ResumeWithoutProviderSessionID(t *testing.T) {
	e := newTestClaude(t, newFakeProcess("", ""), nil)

	_, err := e.ResumeSession(context.Background(), &session.Session{TaskID: "task-1"}, Request{Prompt: "go on"})
	assert.ErrorIs(t, err, ErrCannotResume)
}

func TestClaude_ResumePassesResumeFlag(t *testing.T) {
	var args []string
	e := newTestClaude(t, newFakeProcess(streamedRun, ""), &args)

	_, err := e.ResumeSession(context.Background(), &session.Session{
		TaskID:            "task-1",
		ProviderSessionID: "sess-abc",
	}, Request{Prompt: "go on"})
	require.NoError(t, err)

	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "sess-abc")
}

func TestClaude_ParseOutputSuccess(t *testing.T) {
	e := newTestClaude(t, nil, nil)
	outcome := e.ParseOutput(streamedRun)

	assert.False(t, outcome.Failed)
	assert.False(t, outcome.NeedsInput)
	assert.Contains(t, outcome.Summary, "Fixed the redirect")
	assert.Equal(t, "https://github.com/astridclaw/astrid-web/pull/42", outcome.PullRequestURL)
}

func TestClaude_ParseOutputError(t *testing.T) {
	raw := `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"compile failed","session_id":"s"}`
	e := newTestClaude(t, nil, nil)
	outcome := e.ParseOutput(raw)

	assert.True(t, outcome.Failed)
	assert.Equal(t, "compile failed", outcome.ErrorDetail)
}

func TestClaude_ParseOutputQuestionHeuristic(t *testing.T) {
	raw := `{"type":"assistant","message":{"content":[{"type":"text","text":"Should I migrate the old table or create a new one?"}]}}
{"type":"result","is_error":false,"result":"Should I migrate the old table or create a new one?","session_id":"s"}`

	e := newTestClaude(t, nil, nil)
	outcome := e.ParseOutput(raw)

	assert.True(t, outcome.NeedsInput)
	assert.Contains(t, outcome.Question, "migrate the old table")
	assert.False(t, outcome.Failed)
}

func TestClaude_ParseOutputGarbage(t *testing.T) {
	e := newTestClaude(t, nil, nil)
	outcome := e.ParseOutput("not json at all\nstill not json")

	assert.True(t, outcome.Failed)
	assert.NotEmpty(t, outcome.ErrorDetail)
}

func TestClaude_SilentProcessIsKilled(t *testing.T) {
	pr, _ := io.Pipe()
	proc := &fakeProcess{stdout: pr, stderr: strings.NewReader(""), done: make(chan struct{})}

	// Tight limits so the test completes quickly
	e := NewClaudeExecutor(config.ClaudeConfig{
		Binary:               "claude",
		InitialOutputTimeout: 1,
		MaxTimeout:           5,
	}, nil, logger.Default())
	e.start = func(ctx context.Context, workdir, bin string, args, env []string) (runningProcess, error) {
		return proc, nil
	}

	// Kill must unblock the pipe read
	go func() {
		deadline := time.After(5 * time.Second)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-deadline:
				pr.CloseWithError(io.EOF)
				return
			case <-ticker.C:
				proc.mu.Lock()
				killed := proc.killed
				proc.mu.Unlock()
				if killed {
					pr.CloseWithError(io.EOF)
					return
				}
			}
		}
	}()

	res, err := e.StartSession(context.Background(), &session.Session{TaskID: "task-1"}, Request{Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, string(KillInitialOutput), res.TimeoutReason)
}

package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/session"
)

// scriptedBackend replays canned replies and records what it was sent.
type scriptedBackend struct {
	replies []chatMessage
	calls   int
	seen    [][]chatMessage
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Complete(ctx context.Context, msgs []chatMessage, tools []ToolSpec) (*chatMessage, error) {
	cp := make([]chatMessage, len(msgs))
	copy(cp, msgs)
	b.seen = append(b.seen, cp)

	reply := b.replies[b.calls%len(b.replies)]
	b.calls++
	return &reply, nil
}

func newLoopExecutor(t *testing.T, backend chatBackend, maxIterations int) (*HTTPExecutor, string) {
	t.Helper()
	workdir := t.TempDir()
	e := NewHTTPExecutor(session.ProviderOpenAI, config.HTTPProvider{
		APIKey:        "k",
		MaxIterations: maxIterations,
	}, backend, nil, logger.Default())
	return e, workdir
}

func loopSession() *session.Session {
	return &session.Session{TaskID: "task-1", Provider: session.ProviderOpenAI}
}

func TestHTTPExecutor_TaskCompleteEndsLoop(t *testing.T) {
	backend := &scriptedBackend{replies: []chatMessage{
		{Role: "assistant", ToolCalls: []toolCall{{
			ID:   "c1",
			Name: taskCompleteTool,
			Args: map[string]any{"summary": "did the thing"},
		}}},
	}}
	e, workdir := newLoopExecutor(t, backend, 10)

	res, err := e.StartSession(context.Background(), loopSession(), Request{
		Prompt:  "fix the bug",
		Workdir: workdir,
		Branch:  "astrid/task-task-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls)
	assert.NotEmpty(t, res.ProviderSessionID)

	outcome := e.ParseOutput(res.Raw)
	assert.Equal(t, "did the thing", outcome.Summary)
	assert.False(t, outcome.Failed)
	// The temp dir is not a git repo, so the PR step reports an error
	// without failing the session.
	assert.NotEmpty(t, outcome.ErrorDetail)
}

func TestHTTPExecutor_ToolResultsFlowBack(t *testing.T) {
	backend := &scriptedBackend{replies: []chatMessage{
		{Role: "assistant", ToolCalls: []toolCall{{
			ID:   "c1",
			Name: "write_file",
			Args: map[string]any{"path": "note.txt", "content": "hi"},
		}}},
		{Role: "assistant", ToolCalls: []toolCall{{
			ID:   "c2",
			Name: taskCompleteTool,
			Args: map[string]any{"summary": "wrote note"},
		}}},
	}}
	e, workdir := newLoopExecutor(t, backend, 10)

	var notes []string
	_, err := e.StartSession(context.Background(), loopSession(), Request{
		Prompt:  "create note.txt",
		Workdir: workdir,
		OnProgress: func(note string) {
			notes = append(notes, note)
		},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(workdir, "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	// The second completion saw the tool result appended.
	require.Equal(t, 2, backend.calls)
	second := backend.seen[1]
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, "write_file", last.ToolName)

	assert.Contains(t, notes, "running write_file")
}

func TestHTTPExecutor_QuestionNeedsInput(t *testing.T) {
	backend := &scriptedBackend{replies: []chatMessage{
		{Role: "assistant", Text: "Should I target the v2 API or keep v1 compatibility?"},
	}}
	e, workdir := newLoopExecutor(t, backend, 10)

	res, err := e.StartSession(context.Background(), loopSession(), Request{Workdir: workdir})
	require.NoError(t, err)

	outcome := e.ParseOutput(res.Raw)
	assert.True(t, outcome.NeedsInput)
	assert.Contains(t, outcome.Question, "v2 API")
	assert.Equal(t, 1, backend.calls)
}

func TestHTTPExecutor_PlainAnswerNudgedOnce(t *testing.T) {
	backend := &scriptedBackend{replies: []chatMessage{
		{Role: "assistant", Text: "I refactored the handler."},
		{Role: "assistant", Text: "All changes are in place."},
	}}
	e, workdir := newLoopExecutor(t, backend, 10)

	res, err := e.StartSession(context.Background(), loopSession(), Request{Workdir: workdir})
	require.NoError(t, err)

	outcome := e.ParseOutput(res.Raw)
	assert.False(t, outcome.Failed)
	assert.Equal(t, "All changes are in place.", outcome.Summary)
	assert.Equal(t, 2, backend.calls)
}

func TestHTTPExecutor_IterationBound(t *testing.T) {
	backend := &scriptedBackend{replies: []chatMessage{
		{Role: "assistant", ToolCalls: []toolCall{{
			ID: "c", Name: "list_files", Args: map[string]any{"path": "."},
		}}},
	}}
	e, workdir := newLoopExecutor(t, backend, 3)

	res, err := e.StartSession(context.Background(), loopSession(), Request{Workdir: workdir})
	require.NoError(t, err)
	assert.Equal(t, 3, backend.calls)

	outcome := e.ParseOutput(res.Raw)
	assert.True(t, outcome.Failed)
	assert.Contains(t, outcome.ErrorDetail, "3 iterations")
}

func TestHTTPExecutor_ParseOutputGarbage(t *testing.T) {
	e, _ := newLoopExecutor(t, &scriptedBackend{}, 1)
	outcome := e.ParseOutput("not json")
	assert.True(t, outcome.Failed)
	assert.NotEmpty(t, outcome.ErrorDetail)
}

func TestHTTPExecutor_CheckAvailable(t *testing.T) {
	e, _ := newLoopExecutor(t, &scriptedBackend{}, 1)
	assert.NoError(t, e.CheckAvailable(context.Background()))

	e.cfg.APIKey = ""
	assert.Error(t, e.CheckAvailable(context.Background()))
}

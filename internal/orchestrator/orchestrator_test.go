package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/events/bus"
	"github.com/astridclaw/astrid-agents/internal/executor"
	"github.com/astridclaw/astrid-agents/internal/gitrepo"
	"github.com/astridclaw/astrid-agents/internal/session"
	v1 "github.com/astridclaw/astrid-agents/pkg/api/v1"
)

// fakeExecutor scripts one outcome per run and records invocations.
type fakeExecutor struct {
	mu        sync.Mutex
	starts    int
	resumes   int
	lastReq   executor.Request
	outcome   executor.Outcome
	result    executor.Result
	startErr  error
	resumeErr error
}

func (f *fakeExecutor) StartSession(ctx context.Context, sess *session.Session, req executor.Request) (*executor.Result, error) {
	f.mu.Lock()
	f.starts++
	f.lastReq = req
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	res := f.result
	return &res, nil
}

func (f *fakeExecutor) ResumeSession(ctx context.Context, sess *session.Session, req executor.Request) (*executor.Result, error) {
	f.mu.Lock()
	f.resumes++
	f.lastReq = req
	f.mu.Unlock()
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	res := f.result
	return &res, nil
}

func (f *fakeExecutor) ParseOutput(raw string) executor.Outcome { return f.outcome }

func (f *fakeExecutor) CheckAvailable(ctx context.Context) error { return nil }

// callbackRecorder collects every callback the orchestrator sends.
type callbackRecorder struct {
	mu     sync.Mutex
	events []string
	bodies []v1.CallbackPayload
	srv    *httptest.Server
}

func newCallbackRecorder(t *testing.T) *callbackRecorder {
	t.Helper()
	r := &callbackRecorder{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var payload v1.CallbackPayload
		_ = json.NewDecoder(req.Body).Decode(&payload)
		r.mu.Lock()
		r.events = append(r.events, req.Header.Get("X-Astrid-Event"))
		r.bodies = append(r.bodies, payload)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *callbackRecorder) recorded() ([]string, []v1.CallbackPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]v1.CallbackPayload(nil), r.bodies...)
}

func setupOrchestrator(t *testing.T, exec *fakeExecutor) (*Orchestrator, *session.Store, *callbackRecorder) {
	t.Helper()

	log := logger.Default()
	store := session.NewStore(session.NopBackend{}, bus.NewMemoryEventBus(log), log)
	recorder := newCallbackRecorder(t)

	cfg := &config.Config{}
	cfg.Sessions.StaleAfterMinutes = 30
	cfg.Sessions.MaxAgeHours = 24
	cfg.Sessions.CleanupInterval = 60
	cfg.Providers.Claude.MaxTimeout = 1800

	repos := gitrepo.NewManager(config.ReposConfig{
		BasePath:         t.TempDir(),
		CloneTimeout:     30,
		CloneDepth:       1,
		GitHost:          "example.invalid",
		DefaultWorkspace: filepath.Join(t.TempDir(), "workspace"),
	}, log)

	router := executor.NewRouter()
	router.Register(session.ProviderClaude, exec)

	callbacks := NewCallbackClient(recorder.srv.URL, "test-secret", log)
	o := New(store, repos, router, callbacks, cfg, log)
	return o, store, recorder
}

func taskEvent(taskID, repo string) *v1.WebhookEvent {
	return &v1.WebhookEvent{
		Task:    v1.Task{ID: taskID, Title: "Fix login", Description: "The form 500s"},
		List:    v1.List{ID: "l1", Name: "Bugs", GithubRepositoryID: repo},
		AIAgent: v1.AIAgent{Email: "claude@agents.example.com"},
	}
}

// seedLocalRepo places a committed git repository where the manager
// expects the checkout, so Ensure takes the already-cloned path and
// no network is involved.
func seedLocalRepo(t *testing.T, base, fullName string) {
	t.Helper()
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := filepath.Join(base, filepath.FromSlash(fullName))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	run := func(args ...string) {
		cmd := osexec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
}

func TestOrchestrator_FreshTaskCompletes(t *testing.T) {
	log := logger.Default()
	store := session.NewStore(session.NopBackend{}, bus.NewMemoryEventBus(log), log)
	recorder := newCallbackRecorder(t)

	base := t.TempDir()
	seedLocalRepo(t, base, "acme/widget")

	cfg := &config.Config{}
	cfg.Sessions.StaleAfterMinutes = 30
	cfg.Sessions.MaxAgeHours = 24
	cfg.Sessions.CleanupInterval = 60
	cfg.Providers.Claude.MaxTimeout = 1800

	repos := gitrepo.NewManager(config.ReposConfig{
		BasePath:     base,
		CloneTimeout: 30,
		GitHost:      "example.invalid",
	}, log)

	fake := &fakeExecutor{
		outcome: executor.Outcome{Summary: "fixed the login form"},
		result:  executor.Result{Raw: "done", ProviderSessionID: "ps-1"},
	}
	router := executor.NewRouter()
	router.Register(session.ProviderClaude, fake)

	o := New(store, repos, router, NewCallbackClient(recorder.srv.URL, "test-secret", log), cfg, log)

	o.HandleTaskAssigned(context.Background(), taskEvent("task-9", "acme/widget"))

	events, bodies := recorder.recorded()
	require.Equal(t, []string{"task.started", "task.completed"}, events)
	assert.Equal(t, "fixed the login form", bodies[1].Summary)

	sess, err := store.Get(context.Background(), "task-9")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, "ps-1", sess.ProviderSessionID)
	assert.Equal(t, gitrepo.TaskBranch("task-9"), sess.Branch)
	assert.DirExists(t, sess.ProjectPath)
	assert.Equal(t, 1, fake.starts)
}

func TestOrchestrator_NoRepositoryRunsInDefaultWorkspace(t *testing.T) {
	fake := &fakeExecutor{
		result:  executor.Result{Raw: "ok"},
		outcome: executor.Outcome{Summary: "answered inline"},
	}
	o, store, recorder := setupOrchestrator(t, fake)

	evt := taskEvent("task-a", "")
	evt.MCP = v1.MCP{AccessToken: "tok-123"}
	o.HandleTaskAssigned(context.Background(), evt)

	events, bodies := recorder.recorded()
	require.Equal(t, []string{v1.CallbackTaskStarted, v1.CallbackTaskCompleted}, events)
	assert.Equal(t, "answered inline", bodies[1].Summary)

	sess, err := store.Get(context.Background(), "task-a")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Empty(t, sess.RepoFullName)
	assert.Empty(t, sess.Branch)
	assert.DirExists(t, sess.ProjectPath)
	assert.Equal(t, "l1", sess.Metadata["list_id"])
	assert.Equal(t, "tok-123", sess.Metadata["mcp_access_token"])

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.starts)
	assert.Contains(t, fake.lastReq.Env, "MCP_ACCESS_TOKEN=tok-123")
	assert.Equal(t, sess.ProjectPath, fake.lastReq.Workdir)
}

func TestOrchestrator_SettleOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		result     executor.Result
		outcome    executor.Outcome
		wantStatus session.Status
		wantEvent  string
	}{
		{
			name:       "completed",
			result:     executor.Result{Raw: "ok", ProviderSessionID: "ps-1"},
			outcome:    executor.Outcome{Summary: "all done", Files: []string{"a.go"}},
			wantStatus: session.StatusCompleted,
			wantEvent:  v1.CallbackTaskCompleted,
		},
		{
			name:       "failure",
			result:     executor.Result{Raw: "boom"},
			outcome:    executor.Outcome{Failed: true, ErrorDetail: "exit status 1"},
			wantStatus: session.StatusError,
			wantEvent:  v1.CallbackTaskFailed,
		},
		{
			name:       "needs input",
			result:     executor.Result{Raw: "q"},
			outcome:    executor.Outcome{NeedsInput: true, Question: "which db?"},
			wantStatus: session.StatusWaitingInput,
			wantEvent:  v1.CallbackTaskWaitingInput,
		},
		{
			name:       "timed out",
			result:     executor.Result{Raw: "", TimedOut: true, TimeoutReason: "no_initial_output"},
			outcome:    executor.Outcome{},
			wantStatus: session.StatusError,
			wantEvent:  v1.CallbackTaskFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeExecutor{result: tt.result, outcome: tt.outcome}
			o, store, recorder := setupOrchestrator(t, fake)
			ctx := context.Background()

			sess := &session.Session{TaskID: "task-1", Provider: session.ProviderClaude, Status: session.StatusRunning}
			require.NoError(t, store.Create(ctx, sess))

			res := tt.result
			o.settle(ctx, sess, fake, &res, t.TempDir())

			got, err := store.Get(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			// The counter tracks follow-up comments, not exchanges.
			assert.Equal(t, 0, got.MessageCount)

			events, bodies := recorder.recorded()
			require.Len(t, events, 1)
			assert.Equal(t, tt.wantEvent, events[0])
			assert.Equal(t, "task-1", bodies[0].TaskID)

			if tt.result.ProviderSessionID != "" {
				assert.Equal(t, tt.result.ProviderSessionID, got.ProviderSessionID)
			}
			if tt.outcome.Question != "" {
				assert.Equal(t, tt.outcome.Question, bodies[0].Question)
			}
			if tt.result.TimedOut {
				assert.Contains(t, bodies[0].Error, tt.result.TimeoutReason)
			}
		})
	}
}

func TestOrchestrator_DuplicateDeliveryDropped(t *testing.T) {
	fake := &fakeExecutor{outcome: executor.Outcome{Summary: "ok"}}
	o, _, _ := setupOrchestrator(t, fake)

	require.True(t, o.locks.TryAcquire("task-dup"))
	defer o.locks.Release("task-dup")

	o.HandleTaskAssigned(context.Background(), taskEvent("task-dup", "owner/repo"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Zero(t, fake.starts)
	assert.Zero(t, fake.resumes)
}

func TestOrchestrator_CommentResumesWaitingSession(t *testing.T) {
	fake := &fakeExecutor{
		result:  executor.Result{Raw: "resumed"},
		outcome: executor.Outcome{Summary: "done after clarification"},
	}
	o, store, recorder := setupOrchestrator(t, fake)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &session.Session{
		TaskID:      "task-c",
		Provider:    session.ProviderClaude,
		Status:      session.StatusWaitingInput,
		ProjectPath: t.TempDir(),
	}))

	evt := taskEvent("task-c", "owner/repo")
	evt.Comment = &v1.Comment{Content: "use postgres", Email: "human@example.com"}
	o.HandleCommentCreated(ctx, evt)

	fake.mu.Lock()
	resumes := fake.resumes
	fake.mu.Unlock()
	assert.Equal(t, 1, resumes)

	got, err := store.Get(ctx, "task-c")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
	// Exactly one bump per processed comment.
	assert.Equal(t, 1, got.MessageCount)

	events, _ := recorder.recorded()
	assert.Contains(t, events, v1.CallbackTaskCompleted)
}

func TestOrchestrator_AgentOwnCommentIgnored(t *testing.T) {
	fake := &fakeExecutor{}
	o, store, _ := setupOrchestrator(t, fake)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &session.Session{
		TaskID:      "task-e",
		Provider:    session.ProviderClaude,
		Status:      session.StatusWaitingInput,
		ProjectPath: t.TempDir(),
	}))

	evt := taskEvent("task-e", "owner/repo")
	evt.Comment = &v1.Comment{Content: "I opened a PR", Email: "Claude@Agents.Example.Com"}
	o.HandleCommentCreated(ctx, evt)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Zero(t, fake.resumes)
	assert.Zero(t, fake.starts)
}

func TestOrchestrator_CommentForUnknownTaskStartsFresh(t *testing.T) {
	fake := &fakeExecutor{
		result:  executor.Result{Raw: "ok"},
		outcome: executor.Outcome{Summary: "done"},
	}
	o, store, recorder := setupOrchestrator(t, fake)

	evt := taskEvent("task-missing", "")
	evt.Comment = &v1.Comment{Content: "hello?", Email: "human@example.com"}
	o.HandleCommentCreated(context.Background(), evt)

	// Without a session the comment behaves like a first assignment.
	fake.mu.Lock()
	starts := fake.starts
	fake.mu.Unlock()
	assert.Equal(t, 1, starts)

	sess, err := store.Get(context.Background(), "task-missing")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)

	events, _ := recorder.recorded()
	require.Equal(t, []string{v1.CallbackTaskStarted, v1.CallbackTaskCompleted}, events)
}

func TestOrchestrator_CommentOnCompletedSessionIgnored(t *testing.T) {
	fake := &fakeExecutor{}
	o, store, _ := setupOrchestrator(t, fake)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &session.Session{
		TaskID:   "task-f",
		Provider: session.ProviderClaude,
		Status:   session.StatusCompleted,
	}))

	evt := taskEvent("task-f", "owner/repo")
	evt.Comment = &v1.Comment{Content: "thanks!", Email: "human@example.com"}
	o.HandleCommentCreated(ctx, evt)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Zero(t, fake.resumes)
}

func TestOrchestrator_ResumeFallsBackToStart(t *testing.T) {
	fake := &fakeExecutor{
		resumeErr: executor.ErrCannotResume,
		result:    executor.Result{Raw: "ok"},
		outcome:   executor.Outcome{Summary: "fresh run"},
	}
	o, store, _ := setupOrchestrator(t, fake)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &session.Session{
		TaskID:      "task-g",
		Provider:    session.ProviderClaude,
		Status:      session.StatusWaitingInput,
		ProjectPath: t.TempDir(),
		Metadata:    map[string]any{metaLastSummary: "got halfway"},
	}))

	evt := taskEvent("task-g", "owner/repo")
	evt.Comment = &v1.Comment{Content: "continue", Email: "human@example.com"}
	o.HandleCommentCreated(ctx, evt)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.resumes)
	assert.Equal(t, 1, fake.starts)
}

func TestLockset(t *testing.T) {
	l := NewLockset()
	assert.True(t, l.TryAcquire("a"))
	assert.False(t, l.TryAcquire("a"))
	assert.True(t, l.Held("a"))
	assert.Equal(t, 1, l.Active())

	l.Release("a")
	assert.False(t, l.Held("a"))
	assert.True(t, l.TryAcquire("a"))

	// Releasing twice is harmless.
	l.Release("a")
	l.Release("a")
	assert.Zero(t, l.Active())
}

func TestProgressFunc_RateLimited(t *testing.T) {
	fake := &fakeExecutor{}
	o, _, recorder := setupOrchestrator(t, fake)

	progress := o.progressFunc("task-p", "claude")
	progress("step 1")
	progress("step 2")
	progress("step 3")

	// Synchronous sends; only the first can pass the rate limit.
	events, bodies := recorder.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, v1.CallbackTaskProgress, events[0])
	assert.Equal(t, "step 1", bodies[0].Message)
}

func TestCallbackClient_SignsRequests(t *testing.T) {
	var gotSig, gotTS, gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Astrid-Signature")
		gotTS = r.Header.Get("X-Astrid-Timestamp")
		gotEvent = r.Header.Get("X-Astrid-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCallbackClient(srv.URL, "secret", logger.Default())
	c.Send(context.Background(), v1.CallbackTaskStarted, v1.CallbackPayload{TaskID: "t", Status: "running"})

	assert.NotEmpty(t, gotSig)
	assert.True(t, len(gotTS) >= 10)
	assert.Equal(t, v1.CallbackTaskStarted, gotEvent)
}

func TestCallbackClient_RetriesOn5xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCallbackClient(srv.URL, "secret", logger.Default())
	c.Send(context.Background(), v1.CallbackTaskStarted, v1.CallbackPayload{TaskID: "t"})
	assert.Equal(t, 2, calls)
}

func TestCallbackClient_NoURLIsNoop(t *testing.T) {
	c := NewCallbackClient("", "secret", logger.Default())
	// Must not panic or block.
	c.Send(context.Background(), v1.CallbackTaskStarted, v1.CallbackPayload{TaskID: "t"})
}

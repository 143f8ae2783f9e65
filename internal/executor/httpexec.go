package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/gitrepo"
	"github.com/astridclaw/astrid-agents/internal/session"
)

// chatMessage is the provider-neutral conversation unit; backends
// translate it to their wire format.
type chatMessage struct {
	Role       string // "user", "assistant", "tool"
	Text       string
	ToolCalls  []toolCall
	ToolCallID string
	ToolName   string
}

type toolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// chatBackend completes one model turn.
type chatBackend interface {
	Complete(ctx context.Context, msgs []chatMessage, tools []ToolSpec) (*chatMessage, error)
	Name() string
}

// HTTPExecutor drives HTTP-API providers through a tool-call loop.
// These providers hold no server-side session usable across webhook
// deliveries, so resume starts a fresh conversation seeded with a
// summary of prior progress.
type HTTPExecutor struct {
	provider session.Provider
	cfg      config.HTTPProvider
	backend  chatBackend
	repos    *gitrepo.Manager
	logger   *logger.Logger
}

var _ Executor = (*HTTPExecutor)(nil)
var _ DiffCapturer = (*HTTPExecutor)(nil)

// NewHTTPExecutor wires a tool-loop executor over a chat backend.
func NewHTTPExecutor(provider session.Provider, cfg config.HTTPProvider, backend chatBackend, repos *gitrepo.Manager, log *logger.Logger) *HTTPExecutor {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	return &HTTPExecutor{
		provider: provider,
		cfg:      cfg,
		backend:  backend,
		repos:    repos,
		logger:   log.WithFields(zap.String("component", string(provider)+"-executor")),
	}
}

// StartSession begins a fresh conversation for the task.
func (e *HTTPExecutor) StartSession(ctx context.Context, sess *session.Session, req Request) (*Result, error) {
	return e.runLoop(ctx, sess, req)
}

// ResumeSession starts a new conversation; the prompt is expected to
// carry the folded prior context (see prompt.TaskContext.PriorSummary).
func (e *HTTPExecutor) ResumeSession(ctx context.Context, sess *session.Session, req Request) (*Result, error) {
	return e.runLoop(ctx, sess, req)
}

func (e *HTTPExecutor) runLoop(ctx context.Context, sess *session.Session, req Request) (*Result, error) {
	log := e.logger.WithTaskID(sess.TaskID)
	ws := NewWorkspace(req.Workdir, log)
	tools := workspaceTools()

	msgs := []chatMessage{
		{Role: "user", Text: req.Prompt},
	}

	var outcome Outcome
	settled := false
	nudged := false

loop:
	for i := 0; i < e.cfg.MaxIterations; i++ {
		reply, err := e.backend.Complete(ctx, msgs, tools)
		if err != nil {
			return nil, fmt.Errorf("%s completion failed: %w", e.backend.Name(), err)
		}
		msgs = append(msgs, *reply)

		if len(reply.ToolCalls) == 0 {
			if q, ok := detectQuestion(reply.Text); ok {
				outcome = Outcome{NeedsInput: true, Question: q, Summary: reply.Text}
				settled = true
				break loop
			}
			if nudged {
				// Second plain answer in a row: take it as the summary.
				outcome = Outcome{Summary: reply.Text}
				settled = true
				break loop
			}
			nudged = true
			msgs = append(msgs, chatMessage{
				Role: "user",
				Text: "If the task is finished, call the task_complete tool. Otherwise continue working with the tools.",
			})
			continue
		}

		for _, call := range reply.ToolCalls {
			if call.Name == taskCompleteTool {
				outcome = e.finish(ctx, ws, req, call.Args)
				settled = true
				break loop
			}

			if req.OnProgress != nil {
				req.OnProgress("running " + call.Name)
			}
			log.Debug("tool call", zap.String("tool", call.Name))

			msgs = append(msgs, chatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Text:       ws.Execute(ctx, call.Name, call.Args),
			})
		}
	}

	if !settled {
		outcome = Outcome{
			Failed:      true,
			ErrorDetail: fmt.Sprintf("gave up after %d iterations without task_complete", e.cfg.MaxIterations),
		}
	}

	raw, _ := json.Marshal(outcome)
	return &Result{
		Raw: string(raw),
		// No server-side session exists; a local id keeps resume
		// detection working upstream.
		ProviderSessionID: uuid.New().String(),
	}, nil
}

// finish handles task_complete: commit, push, PR.
func (e *HTTPExecutor) finish(ctx context.Context, ws *Workspace, req Request, args map[string]any) Outcome {
	outcome := Outcome{Summary: stringArg(args, "summary")}

	title := stringArg(args, "pr_title")
	if title == "" {
		title = truncate(outcome.Summary, 72)
	}
	body := stringArg(args, "pr_body")
	if body == "" {
		body = outcome.Summary
	}

	prURL, err := ws.CommitAndOpenPR(ctx, req.Branch, title, body)
	if err != nil {
		// The work itself may be fine; report the PR failure in the
		// outcome instead of failing the session.
		e.logger.Warn("commit/PR failed", zap.Error(err))
		outcome.ErrorDetail = gitrepo.Redact(err.Error())
	} else {
		outcome.PullRequestURL = prURL
	}

	if e.repos != nil {
		if stat, files, err := e.repos.Diff(ctx, req.Workdir); err == nil {
			outcome.DiffStat = stat
			outcome.Files = files
		}
	}
	return outcome
}

// ParseOutput unmarshals the outcome the loop serialized into Raw.
func (e *HTTPExecutor) ParseOutput(raw string) Outcome {
	var outcome Outcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		return Outcome{Failed: true, ErrorDetail: "unparseable executor output: " + truncate(raw, 512)}
	}
	return outcome
}

// CaptureDiff reports workspace changes after a run.
func (e *HTTPExecutor) CaptureDiff(ctx context.Context, workdir string) (string, []string, error) {
	return e.repos.Diff(ctx, workdir)
}

// CheckAvailable verifies an API key is configured.
func (e *HTTPExecutor) CheckAvailable(ctx context.Context) error {
	if e.cfg.APIKey == "" {
		return fmt.Errorf("%s api key not configured", e.provider)
	}
	return nil
}

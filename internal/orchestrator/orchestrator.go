// Package orchestrator coordinates webhook events end to end: session
// bookkeeping, workspace preparation, provider execution, and signed
// status callbacks.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/executor"
	"github.com/astridclaw/astrid-agents/internal/gitrepo"
	"github.com/astridclaw/astrid-agents/internal/session"
	v1 "github.com/astridclaw/astrid-agents/pkg/api/v1"
)

// progressInterval is the minimum spacing between progress callbacks.
const progressInterval = 5 * time.Second

// executionMargin pads the detached execution context beyond the
// longest provider timeout so supervision fires before the context.
const executionMargin = 15 * time.Minute

const metaLastSummary = "last_summary"

// Orchestrator is the single error boundary for task execution: every
// failure either moves the session to error and notifies the platform,
// or is logged and survived. Nothing here may take the process down
// for one task's sake.
type Orchestrator struct {
	store     *session.Store
	repos     *gitrepo.Manager
	router    *executor.Router
	callbacks *CallbackClient
	locks     *Lockset
	cfg       *config.Config
	logger    *logger.Logger

	group  *errgroup.Group
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store *session.Store, repos *gitrepo.Manager, router *executor.Router, callbacks *CallbackClient, cfg *config.Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		repos:     repos,
		router:    router,
		callbacks: callbacks,
		locks:     NewLockset(),
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Locks exposes the lockset for the operational endpoints.
func (o *Orchestrator) Locks() *Lockset { return o.locks }

// Start recovers persisted sessions and launches the cleanup loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	marked, err := o.store.RecoverOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("session recovery: %w", err)
	}
	for _, sess := range marked {
		o.logger.Info("session interrupted by restart",
			zap.String("task_id", sess.TaskID),
			zap.String("provider", string(sess.Provider)))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.group, loopCtx = errgroup.WithContext(loopCtx)
	o.group.Go(func() error {
		ticker := time.NewTicker(o.cfg.Sessions.CleanupIntervalDuration())
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return nil
			case <-ticker.C:
				removed := o.store.CleanupExpired(loopCtx, o.cfg.Sessions.MaxAge())
				if removed > 0 {
					o.logger.Info("cleaned up expired sessions", zap.Int("count", removed))
				}
			}
		}
	})
	return nil
}

// Stop cancels the cleanup loop and waits for in-flight executions.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
		_ = o.group.Wait()
	}
	o.wg.Wait()
}

// Dispatch acknowledges-then-executes: it returns immediately and runs
// the event in a goroutine detached from the request context, bounded
// by the hard provider ceiling plus margin.
func (o *Orchestrator) Dispatch(event string, evt *v1.WebhookEvent) {
	taskID := evt.Task.ID
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.executionDeadline())
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("panic during execution",
					zap.String("task_id", taskID),
					zap.Any("panic", r))
				o.locks.Release(taskID)
				o.failSession(ctx, taskID, fmt.Sprintf("internal error: %v", r))
			}
		}()

		switch event {
		case v1.EventTaskAssigned:
			o.HandleTaskAssigned(ctx, evt)
		case v1.EventCommentCreated:
			o.HandleCommentCreated(ctx, evt)
		default:
			o.logger.Warn("unhandled event", zap.String("event", event))
		}
	}()
}

func (o *Orchestrator) executionDeadline() time.Duration {
	return o.cfg.Providers.Claude.MaxTimeoutDuration() + executionMargin
}

// HandleTaskAssigned runs a newly assigned task to an outcome.
func (o *Orchestrator) HandleTaskAssigned(ctx context.Context, evt *v1.WebhookEvent) {
	taskID := evt.Task.ID
	log := o.logger.WithTaskID(taskID)

	if taskID == "" {
		o.logger.Warn("task.assigned without a task id, dropping")
		return
	}
	if !o.locks.TryAcquire(taskID) {
		log.Warn("task already executing, dropping duplicate delivery")
		return
	}
	defer o.locks.Release(taskID)

	provider, exec, err := o.router.ForAgent(evt.AIAgent.Email, evt.AIAgent.Type)
	if err != nil {
		log.Error("no executor for agent", zap.Error(err))
		o.callbacks.Send(ctx, v1.CallbackTaskFailed, v1.CallbackPayload{
			TaskID: taskID, Status: string(session.StatusError), Error: err.Error(),
		})
		return
	}
	log = log.WithProvider(string(provider))

	// An active session for the same provider continues; anything else
	// is abandoned and replaced.
	resume := false
	if existing, err := o.store.Get(ctx, taskID); err == nil {
		switch {
		case existing.Status.Active() && existing.Provider == provider && !o.isStale(existing):
			resume = true
		case existing.Status.Active():
			log.Info("abandoning stale or mismatched session",
				zap.String("status", string(existing.Status)),
				zap.String("previous_provider", string(existing.Provider)))
			o.setStatus(ctx, taskID, session.StatusInterrupted)
			fallthrough
		default:
			if err := o.store.Delete(ctx, taskID); err != nil {
				log.Warn("deleting prior session failed", zap.Error(err))
			}
		}
	}

	sess, workdir, err := o.prepare(ctx, evt, provider, resume)
	if err != nil {
		log.Error("workspace preparation failed", zap.Error(err))
		o.failSession(ctx, taskID, gitrepo.Redact(err.Error()))
		return
	}

	o.callbacks.Send(ctx, v1.CallbackTaskStarted, v1.CallbackPayload{
		TaskID:   taskID,
		Status:   string(session.StatusRunning),
		Provider: string(provider),
	})

	req := executor.Request{
		Prompt:       o.assemblePrompt(workdir, evt, ""),
		Workdir:      workdir,
		Model:        evt.AIAgent.Model,
		RepoFullName: sess.RepoFullName,
		Branch:       sess.Branch,
		Env:          executionEnv(evt),
		OnProgress:   o.progressFunc(taskID, string(provider)),
	}

	var res *executor.Result
	if resume {
		res, err = exec.ResumeSession(ctx, sess, req)
		if err == executor.ErrCannotResume {
			req.Prompt = o.assemblePrompt(workdir, evt, priorSummary(sess))
			res, err = exec.StartSession(ctx, sess, req)
		}
	} else {
		res, err = exec.StartSession(ctx, sess, req)
	}
	if err != nil {
		log.Error("execution failed", zap.Error(err))
		o.failSession(ctx, taskID, gitrepo.Redact(err.Error()))
		return
	}

	o.settle(ctx, sess, exec, res, workdir)
}

// HandleCommentCreated resumes a session waiting for user input.
func (o *Orchestrator) HandleCommentCreated(ctx context.Context, evt *v1.WebhookEvent) {
	taskID := evt.Task.ID
	log := o.logger.WithTaskID(taskID)

	if evt.Comment == nil || strings.TrimSpace(evt.Comment.Content) == "" {
		log.Debug("comment event without content, dropping")
		return
	}
	// The agent's own comments echo back through the webhook.
	if evt.AIAgent.Email != "" && strings.EqualFold(evt.Comment.Email, evt.AIAgent.Email) {
		log.Debug("ignoring agent-authored comment")
		return
	}

	sess, err := o.store.Get(ctx, taskID)
	if err != nil {
		// The envelope carries the full comment history, so a comment
		// on a task we never saw is just a late first assignment.
		log.Info("comment for task without a session, treating as fresh assignment")
		o.HandleTaskAssigned(ctx, evt)
		return
	}
	if sess.Status != session.StatusWaitingInput && !(sess.Status == session.StatusRunning && o.isStale(sess)) {
		log.Info("comment ignored for session state", zap.String("status", string(sess.Status)))
		return
	}

	if !o.locks.TryAcquire(taskID) {
		log.Warn("task already executing, dropping comment")
		return
	}
	defer o.locks.Release(taskID)

	provider := sess.Provider
	exec, err := o.router.For(provider)
	if err != nil {
		log.Error("stored session names an unknown provider", zap.Error(err))
		o.failSession(ctx, taskID, err.Error())
		return
	}
	log = log.WithProvider(string(provider))

	workdir := sess.ProjectPath
	if workdir == "" {
		log.Error("session has no workspace path")
		o.failSession(ctx, taskID, "session has no workspace to resume in")
		return
	}

	o.setStatus(ctx, taskID, session.StatusRunning)
	if err := o.store.IncrementMessageCount(ctx, taskID); err != nil {
		log.Warn("message count bump failed", zap.Error(err))
	}

	req := executor.Request{
		Prompt:       o.resumePrompt(workdir, evt, sess),
		Workdir:      workdir,
		Model:        evt.AIAgent.Model,
		RepoFullName: sess.RepoFullName,
		Branch:       sess.Branch,
		Env:          executionEnv(evt),
		OnProgress:   o.progressFunc(taskID, string(provider)),
	}

	res, err := exec.ResumeSession(ctx, sess, req)
	if err == executor.ErrCannotResume {
		res, err = exec.StartSession(ctx, sess, req)
	}
	if err != nil {
		log.Error("resume execution failed", zap.Error(err))
		o.failSession(ctx, taskID, gitrepo.Redact(err.Error()))
		return
	}

	o.settle(ctx, sess, exec, res, workdir)
}

// prepare ensures the checkout and the session record, returning the
// session in running state and the task workdir.
func (o *Orchestrator) prepare(ctx context.Context, evt *v1.WebhookEvent, provider session.Provider, resume bool) (*session.Session, string, error) {
	taskID := evt.Task.ID

	var projectPath, branch string
	repoFullName := evt.List.GithubRepositoryID
	if repoFullName == "" {
		// Lists without a repository still get executed, just in the
		// shared default workspace with no task branch.
		workdir, err := o.repos.DefaultWorkspace()
		if err != nil {
			return nil, "", err
		}
		projectPath = workdir
	} else {
		checkout, err := o.repos.Ensure(ctx, repoFullName)
		if err != nil {
			return nil, "", err
		}
		branch, err = o.repos.PrepareTaskBranch(ctx, checkout, taskID)
		if err != nil {
			return nil, "", err
		}
		projectPath = checkout.Path
	}

	if resume {
		sess, err := o.store.Update(ctx, taskID, session.Patch{
			Status:      statusPtr(session.StatusRunning),
			ProjectPath: &projectPath,
			Branch:      &branch,
		})
		return sess, projectPath, err
	}

	sess := &session.Session{
		TaskID:       taskID,
		Provider:     provider,
		Status:       session.StatusPending,
		RepoFullName: repoFullName,
		ProjectPath:  projectPath,
		Branch:       branch,
		Metadata:     eventMetadata(evt),
	}
	if err := o.store.Create(ctx, sess); err != nil {
		return nil, "", err
	}
	sess, err := o.store.Update(ctx, taskID, session.Patch{
		Status: statusPtr(session.StatusRunning),
	})
	return sess, projectPath, err
}

// eventMetadata carries the caller-supplied identifiers through the
// session uninterpreted. The access token lands here and in the CLI
// environment only; it is never logged or exposed over the API.
func eventMetadata(evt *v1.WebhookEvent) map[string]any {
	md := map[string]any{
		"title":   evt.Task.Title,
		"list_id": evt.List.ID,
	}
	if evt.List.GithubRepositoryID != "" {
		md["repository_id"] = evt.List.GithubRepositoryID
	}
	if evt.AIAgent.Model != "" {
		md["model"] = evt.AIAgent.Model
	}
	if evt.MCP.AccessToken != "" {
		md["mcp_access_token"] = evt.MCP.AccessToken
	}
	return md
}

// executionEnv builds the extra process environment for CLI providers.
func executionEnv(evt *v1.WebhookEvent) []string {
	if evt.MCP.AccessToken == "" {
		return nil
	}
	return []string{"MCP_ACCESS_TOKEN=" + evt.MCP.AccessToken}
}

// settle interprets the execution result, updates the session, and
// notifies the platform.
func (o *Orchestrator) settle(ctx context.Context, sess *session.Session, exec executor.Executor, res *executor.Result, workdir string) {
	taskID := sess.TaskID
	log := o.logger.WithTaskID(taskID).WithProvider(string(sess.Provider))

	if res.ProviderSessionID != "" {
		if err := o.store.SetProviderSessionID(ctx, taskID, res.ProviderSessionID); err != nil {
			log.Warn("recording provider session id failed", zap.Error(err))
		}
	}
	if res.TimedOut {
		log.Warn("execution timed out", zap.String("reason", res.TimeoutReason))
		o.setStatus(ctx, taskID, session.StatusError)
		o.callbacks.Send(ctx, v1.CallbackTaskFailed, v1.CallbackPayload{
			TaskID:   taskID,
			Status:   string(session.StatusError),
			Provider: string(sess.Provider),
			Error:    "execution timed out: " + res.TimeoutReason,
		})
		return
	}

	outcome := exec.ParseOutput(res.Raw)

	if outcome.DiffStat == "" && !outcome.Failed {
		if dc, ok := exec.(executor.DiffCapturer); ok {
			if stat, files, err := dc.CaptureDiff(ctx, workdir); err == nil {
				outcome.DiffStat = stat
				if len(outcome.Files) == 0 {
					outcome.Files = files
				}
			}
		}
	}

	switch {
	case outcome.Failed:
		log.Error("execution reported failure", zap.String("detail", outcome.ErrorDetail))
		o.setStatus(ctx, taskID, session.StatusError)
		o.callbacks.Send(ctx, v1.CallbackTaskFailed, v1.CallbackPayload{
			TaskID:   taskID,
			Status:   string(session.StatusError),
			Provider: string(sess.Provider),
			Error:    outcome.ErrorDetail,
		})

	case outcome.NeedsInput:
		log.Info("agent is waiting for input")
		o.updateWithSummary(ctx, taskID, session.StatusWaitingInput, outcome.Summary)
		o.callbacks.Send(ctx, v1.CallbackTaskWaitingInput, v1.CallbackPayload{
			TaskID:   taskID,
			Status:   string(session.StatusWaitingInput),
			Provider: string(sess.Provider),
			Question: outcome.Question,
		})

	default:
		log.Info("task completed",
			zap.String("pr_url", outcome.PullRequestURL),
			zap.Int("files", len(outcome.Files)))
		o.updateWithSummary(ctx, taskID, session.StatusCompleted, outcome.Summary)
		o.callbacks.Send(ctx, v1.CallbackTaskCompleted, v1.CallbackPayload{
			TaskID:         taskID,
			Status:         string(session.StatusCompleted),
			Provider:       string(sess.Provider),
			Summary:        outcome.Summary,
			Files:          outcome.Files,
			DiffStat:       outcome.DiffStat,
			PullRequestURL: outcome.PullRequestURL,
		})
	}
}

// progressFunc returns a rate-limited OnProgress callback relay.
func (o *Orchestrator) progressFunc(taskID, provider string) func(string) {
	var mu sync.Mutex
	var last time.Time
	return func(note string) {
		mu.Lock()
		if time.Since(last) < progressInterval {
			mu.Unlock()
			return
		}
		last = time.Now()
		mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		o.callbacks.Send(ctx, v1.CallbackTaskProgress, v1.CallbackPayload{
			TaskID:   taskID,
			Status:   string(session.StatusRunning),
			Provider: provider,
			Message:  note,
		})
	}
}

func (o *Orchestrator) assemblePrompt(workdir string, evt *v1.WebhookEvent, prior string) string {
	return executor.BuildPrompt(workdir, executor.TaskContext{
		Title:        evt.Task.Title,
		Description:  evt.Task.Description,
		Comments:     toPromptComments(evt.Comments),
		PriorSummary: prior,
	})
}

func (o *Orchestrator) resumePrompt(workdir string, evt *v1.WebhookEvent, sess *session.Session) string {
	return executor.BuildPrompt(workdir, executor.TaskContext{
		Title:        evt.Task.Title,
		Description:  evt.Task.Description,
		Comments:     toPromptComments(evt.Comments),
		FollowUp:     evt.Comment.Content,
		PriorSummary: priorSummary(sess),
	})
}

func toPromptComments(comments []v1.Comment) []executor.Comment {
	out := make([]executor.Comment, 0, len(comments))
	for _, c := range comments {
		out = append(out, executor.Comment{Author: c.Author, Body: c.Content})
	}
	return out
}

func priorSummary(sess *session.Session) string {
	if sess.Metadata == nil {
		return ""
	}
	if s, ok := sess.Metadata[metaLastSummary].(string); ok {
		return s
	}
	return ""
}

func (o *Orchestrator) setStatus(ctx context.Context, taskID string, status session.Status) {
	if _, err := o.store.Update(ctx, taskID, session.Patch{Status: &status}); err != nil {
		o.logger.WithTaskID(taskID).Warn("status update failed",
			zap.String("status", string(status)), zap.Error(err))
	}
}

func (o *Orchestrator) updateWithSummary(ctx context.Context, taskID string, status session.Status, summary string) {
	patch := session.Patch{Status: &status}
	if summary != "" {
		patch.Metadata = map[string]any{metaLastSummary: summary}
	}
	if _, err := o.store.Update(ctx, taskID, patch); err != nil {
		o.logger.WithTaskID(taskID).Warn("status update failed", zap.Error(err))
	}
}

// failSession moves the session to error and notifies the platform.
// Missing sessions are fine: failures before creation have nothing to
// update.
func (o *Orchestrator) failSession(ctx context.Context, taskID, detail string) {
	if _, err := o.store.Get(ctx, taskID); err == nil {
		o.setStatus(ctx, taskID, session.StatusError)
	}
	o.callbacks.Send(ctx, v1.CallbackTaskFailed, v1.CallbackPayload{
		TaskID: taskID,
		Status: string(session.StatusError),
		Error:  detail,
	})
}

func (o *Orchestrator) isStale(sess *session.Session) bool {
	return time.Since(sess.LastActivity) > o.cfg.Sessions.StaleAfter()
}

func statusPtr(s session.Status) *session.Status { return &s }

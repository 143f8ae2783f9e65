// Package executor runs agent providers against a task's working copy.
// One executor exists per provider; all satisfy the same contract so
// the orchestrator never branches on provider internals.
package executor

import (
	"context"
	"errors"

	"github.com/astridclaw/astrid-agents/internal/session"
)

// ErrCannotResume signals that a provider has no conversation to
// resume; the caller should start a fresh session with folded context.
var ErrCannotResume = errors.New("provider session cannot be resumed")

// Request carries everything an executor needs for one exchange.
type Request struct {
	// Prompt is the fully assembled instruction text.
	Prompt string
	// Workdir is the prepared checkout on the task branch.
	Workdir string
	// Model overrides the provider default when non-empty.
	Model string
	// RepoFullName is the "owner/repo" the work targets.
	RepoFullName string
	// Branch is the task branch to push and open PRs from.
	Branch string
	// Env holds extra KEY=VALUE pairs for CLI providers, on top of
	// the orchestrator's own environment.
	Env []string
	// OnProgress receives short human-readable progress notes.
	// May be nil. Implementations must not block on it.
	OnProgress func(note string)
}

// Result is the raw outcome of one provider exchange.
type Result struct {
	// Raw is the captured provider output, suitable for ParseOutput.
	Raw string
	// ProviderSessionID is the provider's own session identifier,
	// empty when the provider does not expose one.
	ProviderSessionID string
	// TimedOut is set when supervision killed the run.
	TimedOut bool
	// TimeoutReason describes which limit fired.
	TimeoutReason string
}

// Outcome is the interpreted result of a provider exchange.
type Outcome struct {
	Summary        string   `json:"summary,omitempty"`
	Files          []string `json:"files,omitempty"`
	DiffStat       string   `json:"diff_stat,omitempty"`
	PullRequestURL string   `json:"pull_request_url,omitempty"`
	// NeedsInput is set when the agent asked a question instead of
	// finishing; Question holds the text to relay.
	NeedsInput  bool   `json:"needs_input,omitempty"`
	Question    string `json:"question,omitempty"`
	Failed      bool   `json:"failed,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Executor is the uniform provider contract.
type Executor interface {
	// StartSession begins a new conversation for the task.
	StartSession(ctx context.Context, sess *session.Session, req Request) (*Result, error)

	// ResumeSession continues an existing conversation. Returns
	// ErrCannotResume when there is nothing to resume.
	ResumeSession(ctx context.Context, sess *session.Session, req Request) (*Result, error)

	// ParseOutput interprets captured provider output.
	ParseOutput(raw string) Outcome

	// CheckAvailable reports whether the provider is usable right now.
	CheckAvailable(ctx context.Context) error
}

// DiffCapturer is an optional capability for executors that can report
// workspace changes after a run. The orchestrator type-asserts for it.
type DiffCapturer interface {
	CaptureDiff(ctx context.Context, workdir string) (stat string, files []string, err error)
}

// Package v1 defines the wire types exchanged with the task platform:
// inbound webhook payloads, outbound callback payloads, and the
// session views served by the operational endpoints.
package v1

import "time"

// Webhook event names delivered via the X-Astrid-Event header.
const (
	EventTaskAssigned   = "task.assigned"
	EventCommentCreated = "comment.created"
)

// Callback event names sent back to the platform.
const (
	CallbackTaskStarted      = "task.started"
	CallbackTaskProgress     = "task.progress"
	CallbackTaskWaitingInput = "task.waiting_input"
	CallbackTaskCompleted    = "task.completed"
	CallbackTaskFailed       = "task.failed"
)

// Task describes the unit of work being assigned.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority,omitempty"`
}

// List is the board or project the task belongs to. The repository
// field names the GitHub repo the agent should work against.
type List struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	GithubRepositoryID string `json:"githubRepositoryId,omitempty"`
}

// AIAgent identifies which agent was assigned.
type AIAgent struct {
	Email string `json:"email,omitempty"`
	Type  string `json:"type,omitempty"`
	Model string `json:"model,omitempty"`
}

// Comment is one discussion entry on a task.
type Comment struct {
	ID        string    `json:"id,omitempty"`
	Author    string    `json:"author,omitempty"`
	Email     string    `json:"email,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// MCP carries per-delivery credentials. The access token is never
// logged.
type MCP struct {
	AccessToken string `json:"accessToken,omitempty"`
}

// WebhookEvent is the common envelope for task.assigned and
// comment.created deliveries. comment.created additionally populates
// Comment.
type WebhookEvent struct {
	Task     Task      `json:"task"`
	List     List      `json:"list"`
	AIAgent  AIAgent   `json:"aiAgent"`
	MCP      MCP       `json:"mcp"`
	Comments []Comment `json:"comments,omitempty"`
	Comment  *Comment  `json:"comment,omitempty"`
}

// WebhookAck is the immediate response to an accepted delivery.
type WebhookAck struct {
	Accepted bool   `json:"accepted"`
	Event    string `json:"event"`
	Message  string `json:"message,omitempty"`
}

// CallbackPayload is the body of every signed outbound callback.
// Fields beyond TaskID and Status are event-specific.
type CallbackPayload struct {
	TaskID         string   `json:"taskId"`
	Status         string   `json:"status"`
	Provider       string   `json:"provider,omitempty"`
	Message        string   `json:"message,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	Files          []string `json:"files,omitempty"`
	DiffStat       string   `json:"diffStat,omitempty"`
	PullRequestURL string   `json:"pullRequestUrl,omitempty"`
	Question       string   `json:"question,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// SessionView is the redacted session representation served by the
// operational endpoints. Metadata is omitted because it may carry
// provider internals.
type SessionView struct {
	TaskID            string    `json:"taskId"`
	Provider          string    `json:"provider"`
	Status            string    `json:"status"`
	ProviderSessionID string    `json:"providerSessionId,omitempty"`
	RepoFullName      string    `json:"repoFullName,omitempty"`
	Branch            string    `json:"branch,omitempty"`
	MessageCount      int       `json:"messageCount"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	LastActivity      time.Time `json:"lastActivity"`
}

// HealthResponse reports provider availability and load.
type HealthResponse struct {
	Status         string          `json:"status"`
	ActiveSessions int             `json:"activeSessions"`
	Providers      map[string]bool `json:"providers"`
}

// ResetStuckResponse lists the sessions flipped to interrupted.
type ResetStuckResponse struct {
	Reset   int      `json:"reset"`
	TaskIDs []string `json:"taskIds"`
}

// Package session tracks agent execution sessions, one per task.
package session

import (
	"errors"
	"time"
)

// Provider identifies which agent backend executes a session.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusInterrupted  Status = "interrupted"
)

// Active reports whether the status represents in-flight or resumable work.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusWaitingInput
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusInterrupted
}

var (
	// ErrNotFound is returned when no session exists for a task.
	ErrNotFound = errors.New("session not found")

	// ErrExists is returned when a session already exists for a task.
	ErrExists = errors.New("session already exists for task")
)

// Session is the unit of tracked agent work for a single task.
type Session struct {
	ID                string         `json:"id" db:"id"`
	TaskID            string         `json:"task_id" db:"task_id"`
	Provider          Provider       `json:"provider" db:"provider"`
	ProviderSessionID string         `json:"provider_session_id,omitempty" db:"provider_session_id"`
	Status            Status         `json:"status" db:"status"`
	RepoFullName      string         `json:"repo_full_name,omitempty" db:"repo_full_name"`
	ProjectPath       string         `json:"project_path,omitempty" db:"project_path"`
	Branch            string         `json:"branch,omitempty" db:"branch"`
	MessageCount      int            `json:"message_count" db:"message_count"`
	Metadata          map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
	LastActivity      time.Time      `json:"last_activity" db:"last_activity"`
}

// Clone returns a deep copy so callers never share mutable state with
// the store.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Patch describes a partial session update. Nil fields are left unchanged.
type Patch struct {
	Status            *Status
	ProviderSessionID *string
	ProjectPath       *string
	Branch            *string
	Metadata          map[string]any
}

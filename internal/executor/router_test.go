package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astridclaw/astrid-agents/internal/session"
)

func TestDetectProvider_AgentTypeWins(t *testing.T) {
	tests := []struct {
		email     string
		agentType string
		want      session.Provider
	}{
		{"codex@agents.example.com", "", session.ProviderOpenAI},
		{"openai-bot@agents.example.com", "", session.ProviderOpenAI},
		{"gemini@agents.example.com", "", session.ProviderGemini},
		{"google-agent@agents.example.com", "", session.ProviderGemini},
		{"claude@agents.example.com", "", session.ProviderClaude},
		{"somebody@example.com", "", session.ProviderClaude},
		{"somebody@example.com", "Codex", session.ProviderOpenAI},
		{"somebody@example.com", "GEMINI", session.ProviderGemini},
		{"codex@agents.example.com", "claude", session.ProviderClaude},
		// A domain-only hint classifies too.
		{"bot@openai.com", "", session.ProviderOpenAI},
		{"assistant@google.com", "", session.ProviderGemini},
	}
	for _, tt := range tests {
		got := DetectProvider(tt.email, tt.agentType)
		assert.Equal(t, tt.want, got, "email=%s agentType=%s", tt.email, tt.agentType)
	}
}

type stubExecutor struct{ name string }

func (s *stubExecutor) StartSession(ctx context.Context, sess *session.Session, req Request) (*Result, error) {
	return &Result{Raw: s.name}, nil
}

func (s *stubExecutor) ResumeSession(ctx context.Context, sess *session.Session, req Request) (*Result, error) {
	return &Result{Raw: s.name}, nil
}

func (s *stubExecutor) ParseOutput(raw string) Outcome {
	return Outcome{Summary: s.name}
}

func (s *stubExecutor) CheckAvailable(ctx context.Context) error { return nil }

func TestRouter_ForAgent(t *testing.T) {
	r := NewRouter()
	r.Register(session.ProviderClaude, &stubExecutor{name: "claude"})
	r.Register(session.ProviderOpenAI, &stubExecutor{name: "openai"})

	p, e, err := r.ForAgent("codex@agents.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, session.ProviderOpenAI, p)
	assert.Equal(t, "openai", e.(*stubExecutor).name)

	_, _, err = r.ForAgent("gemini@agents.example.com", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini")
}

func TestRouter_ForMissingProvider(t *testing.T) {
	r := NewRouter()
	_, err := r.For(session.ProviderClaude)
	require.Error(t, err)
}

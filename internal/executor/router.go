package executor

import (
	"fmt"
	"strings"

	"github.com/astridclaw/astrid-agents/internal/session"
)

// DetectProvider maps an agent identity from a webhook payload to a
// provider. agentType wins when set; otherwise the whole email address
// is inspected, so both codex@agents.example.com and bot@openai.com
// classify. Anything unrecognized falls back to claude.
func DetectProvider(email, agentType string) session.Provider {
	hint := strings.ToLower(strings.TrimSpace(agentType))
	if hint == "" {
		hint = strings.ToLower(email)
	}
	switch {
	case strings.Contains(hint, "codex"), strings.Contains(hint, "openai"):
		return session.ProviderOpenAI
	case strings.Contains(hint, "gemini"), strings.Contains(hint, "google"):
		return session.ProviderGemini
	default:
		return session.ProviderClaude
	}
}

// Router dispatches sessions to the executor registered for a provider.
type Router struct {
	executors map[session.Provider]Executor
}

func NewRouter() *Router {
	return &Router{executors: make(map[session.Provider]Executor)}
}

// Register binds an executor to a provider, replacing any previous one.
func (r *Router) Register(p session.Provider, e Executor) {
	r.executors[p] = e
}

// For returns the executor for a provider.
func (r *Router) For(p session.Provider) (Executor, error) {
	e, ok := r.executors[p]
	if !ok {
		return nil, fmt.Errorf("no executor registered for provider %q", p)
	}
	return e, nil
}

// ForAgent resolves the agent identity and returns the matching executor.
func (r *Router) ForAgent(email, agentType string) (session.Provider, Executor, error) {
	p := DetectProvider(email, agentType)
	e, err := r.For(p)
	return p, e, err
}

// Providers lists the registered providers.
func (r *Router) Providers() []session.Provider {
	out := make([]session.Provider, 0, len(r.executors))
	for p := range r.executors {
		out = append(out, p)
	}
	return out
}

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
)

// openAIBackend speaks the chat completions API with function tools.
type openAIBackend struct {
	cfg    config.HTTPProvider
	client *retryingClient
}

// NewOpenAIBackend creates the chat backend for the openai provider.
func NewOpenAIBackend(cfg config.HTTPProvider, log *logger.Logger) chatBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &openAIBackend{
		cfg:    cfg,
		client: newRetryingClient(cfg.MaxRetries, log),
	}
}

func (b *openAIBackend) Name() string { return "openai" }

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (b *openAIBackend) Complete(ctx context.Context, msgs []chatMessage, tools []ToolSpec) (*chatMessage, error) {
	wireMsgs := make([]oaiMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := oaiMessage{Role: m.Role, Content: m.Text}
		if m.Role == "tool" {
			wm.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			wtc := oaiToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(args)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wireMsgs = append(wireMsgs, wm)
	}

	wireTools := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		wireTools = append(wireTools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}

	body, err := json.Marshal(map[string]any{
		"model":    b.cfg.Model,
		"messages": wireMsgs,
		"tools":    wireTools,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(b.cfg.BaseURL, "/") + "/v1/chat/completions"
	respBody, err := b.client.do(ctx, url, map[string]string{
		"Authorization": "Bearer " + b.cfg.APIKey,
	}, body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Choices []struct {
			Message oaiMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion response contained no choices")
	}

	msg := resp.Choices[0].Message
	out := &chatMessage{Role: "assistant", Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, toolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out, nil
}

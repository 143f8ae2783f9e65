package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
)

// geminiBackend speaks the generateContent API with function declarations.
type geminiBackend struct {
	cfg    config.HTTPProvider
	client *retryingClient
}

// NewGeminiBackend creates the chat backend for the gemini provider.
func NewGeminiBackend(cfg config.HTTPProvider, log *logger.Logger) chatBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	return &geminiBackend{
		cfg:    cfg,
		client: newRetryingClient(cfg.MaxRetries, log),
	}
}

func (b *geminiBackend) Name() string { return "gemini" }

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

func (b *geminiBackend) Complete(ctx context.Context, msgs []chatMessage, tools []ToolSpec) (*chatMessage, error) {
	contents := make([]geminiContent, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			c := geminiContent{Role: "model"}
			if m.Text != "" {
				c.Parts = append(c.Parts, geminiPart{Text: m.Text})
			}
			for _, tc := range m.ToolCalls {
				c.Parts = append(c.Parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: tc.Name,
					Args: tc.Args,
				}})
			}
			contents = append(contents, c)
		case "tool":
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResp{
					Name:     m.ToolName,
					Response: map[string]any{"result": m.Text},
				}}},
			})
		default:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Text}},
			})
		}
	}

	decls := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}

	body, err := json.Marshal(map[string]any{
		"contents": contents,
		"tools":    []map[string]any{{"functionDeclarations": decls}},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimSuffix(b.cfg.BaseURL, "/"), b.cfg.Model)
	respBody, err := b.client.do(ctx, url, map[string]string{
		"x-goog-api-key": b.cfg.APIKey,
	}, body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Candidates []struct {
			Content geminiContent `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode generateContent response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("generateContent response contained no candidates")
	}

	out := &chatMessage{Role: "assistant"}
	var texts []string
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
		if p.FunctionCall != nil {
			// The API carries no call IDs; the name doubles as one.
			out.ToolCalls = append(out.ToolCalls, toolCall{
				ID:   p.FunctionCall.Name,
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			})
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out, nil
}

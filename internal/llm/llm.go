// Package llm implements the remote model client: a non-streaming,
// OpenAI-compatible chat/completions call, adapted from the teacher's
// streaming OpenAILLM with the SSE-delta parser dropped — the inference
// engine needs a turn's whole tool-call list at once, not incremental
// text.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/otusdev/otusd/internal/agentctx"
	"github.com/otusdev/otusd/internal/tools"
)

// Client calls an OpenAI-compatible chat/completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// Config configures a Client. BaseURL and Model are set at init time per
// spec.md §6 ("Authentication and base URL are configured at init").
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// New creates a chat/completions client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ToolCall is a model-issued call to one registry tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Response is the assistant turn returned by one chat call.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Chat sends messages and the tool registry's schema to the model and
// returns the assistant's reply, translating to and from the OpenAI wire
// shape.
func (c *Client) Chat(ctx context.Context, messages []agentctx.ChatMessage, registry []tools.Tool) (*Response, error) {
	body := map[string]interface{}{
		"model":       c.model,
		"max_tokens":  c.maxTokens,
		"messages":    toWireMessages(messages),
		"tool_choice": "auto",
	}
	if len(registry) > 0 {
		body["tools"] = toWireTools(registry)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat/completions: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat/completions %d: %s", resp.StatusCode, string(respBody))
	}

	return parseResponse(respBody)
}

func toWireMessages(messages []agentctx.ChatMessage) []map[string]interface{} {
	wire := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		msg := map[string]interface{}{"role": m.Role, "content": m.Content}
		if m.Role == "tool" {
			msg["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			var tcs []map[string]interface{}
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, map[string]interface{}{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      tc.Name,
						"arguments": tc.ArgumentsRaw,
					},
				})
			}
			msg["tool_calls"] = tcs
		}
		wire = append(wire, msg)
	}
	return wire
}

func toWireTools(registry []tools.Tool) []map[string]interface{} {
	wire := make([]map[string]interface{}, 0, len(registry))
	for _, t := range registry {
		wire = append(wire, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.InputSchema,
			},
		})
	}
	return wire
}

func parseResponse(data []byte) (*Response, error) {
	var payload struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return nil, fmt.Errorf("chat response had no choices")
	}

	msg := payload.Choices[0].Message
	resp := &Response{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return resp, nil
}

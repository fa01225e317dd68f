package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/draknorr/publisheriq/internal/llm"
)

const (
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Provider implements the Anthropic Messages API adapter.
type Provider struct {
	name    string
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewProvider constructs a Provider with sane defaults.
func NewProvider(name, baseURL, apiKey string, timeout time.Duration) *Provider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Provider{
		name:    name,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// Name returns provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Chat executes a non-streaming message call.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return llm.ChatResponse{}, err
	}
	if req.Model == "" {
		return llm.ChatResponse{}, fmt.Errorf("model is required")
	}

	res, err := p.post(ctx, p.buildPayload(req, false))
	if err != nil {
		return llm.ChatResponse{}, err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return llm.ChatResponse{}, fmt.Errorf("anthropic: status %d: %s", res.StatusCode, string(b))
	}

	var resp messageResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return llm.ChatResponse{}, fmt.Errorf("decode response: %w", err)
	}

	msg := llm.ChatMessage{Role: llm.RoleAssistant}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	msg.Content = text.String()

	return llm.ChatResponse{
		Message:      msg,
		FinishReason: resp.StopReason,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		ProviderName: p.name,
		Model:        req.Model,
	}, nil
}

// ChatStream executes a streaming message call over SSE. Anthropic delivers
// tool-call arguments as input_json_delta fragments per content block index;
// they are reassembled and completed on content_block_stop, with any block
// still open at message_stop flushed rather than dropped.
func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
	ch := make(chan llm.StreamChunk, 8)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(errCh)

		if err := req.Validate(); err != nil {
			errCh <- err
			return
		}
		if req.Model == "" {
			errCh <- fmt.Errorf("model is required")
			return
		}

		res, err := p.post(ctx, p.buildPayload(req, true))
		if err != nil {
			errCh <- err
			return
		}
		defer res.Body.Close()

		if res.StatusCode >= 300 {
			b, _ := io.ReadAll(res.Body)
			errCh <- fmt.Errorf("anthropic: status %d: %s", res.StatusCode, string(b))
			return
		}

		if err := p.consumeStream(ctx, res.Body, ch); err != nil {
			errCh <- err
		}
	}()

	return ch, errCh
}

func (p *Provider) consumeStream(ctx context.Context, body io.Reader, ch chan<- llm.StreamChunk) error {
	acc := llm.NewToolCallAccumulator()
	toolBlocks := make(map[int]bool)
	var usage llm.Usage
	finishReason := ""
	done := false

	// Guarded send: a consumer that stopped reading must not strand this
	// goroutine on a full channel past the response body's lifetime.
	send := func(c llm.StreamChunk) error {
		select {
		case ch <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var env streamEvent
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			// Malformed lines are noise, not fatal.
			continue
		}

		switch env.Type {
		case "message_start":
			if env.Message != nil {
				usage.PromptTokens = env.Message.Usage.InputTokens
			}
		case "content_block_start":
			if env.ContentBlock != nil && env.ContentBlock.Type == "tool_use" {
				toolBlocks[env.Index] = true
				acc.Start(env.Index, env.ContentBlock.ID, env.ContentBlock.Name)
				err := send(llm.StreamChunk{
					Kind:     llm.ChunkToolUseStart,
					Index:    env.Index,
					ToolCall: llm.ToolCall{ID: env.ContentBlock.ID, Name: env.ContentBlock.Name},
				})
				if err != nil {
					return err
				}
			}
		case "content_block_delta":
			if env.Delta == nil {
				continue
			}
			switch env.Delta.Type {
			case "text_delta":
				if env.Delta.Text != "" {
					if err := send(llm.StreamChunk{Kind: llm.ChunkText, Text: env.Delta.Text}); err != nil {
						return err
					}
				}
			case "input_json_delta":
				if env.Delta.PartialJSON != "" {
					acc.Append(env.Index, env.Delta.PartialJSON)
					err := send(llm.StreamChunk{
						Kind:         llm.ChunkToolUseDelta,
						Index:        env.Index,
						ArgumentText: env.Delta.PartialJSON,
					})
					if err != nil {
						return err
					}
				}
			}
		case "content_block_stop":
			if toolBlocks[env.Index] {
				delete(toolBlocks, env.Index)
				if tc, ok := acc.Finish(env.Index); ok {
					if err := send(llm.StreamChunk{Kind: llm.ChunkToolUseEnd, Index: env.Index, ToolCall: tc}); err != nil {
						return err
					}
				}
			}
		case "message_delta":
			if env.Delta != nil && env.Delta.StopReason != "" {
				finishReason = env.Delta.StopReason
			}
			if env.Usage != nil {
				usage.CompletionTokens = env.Usage.OutputTokens
			}
		case "message_stop":
			for _, tc := range acc.FlushAll() {
				if err := send(llm.StreamChunk{Kind: llm.ChunkToolUseEnd, ToolCall: tc}); err != nil {
					return err
				}
			}
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			if err := send(llm.StreamChunk{Kind: llm.ChunkUsage, Usage: usage}); err != nil {
				return err
			}
			if err := send(llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: finishReason}); err != nil {
				return err
			}
			done = true
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	if !done {
		for _, tc := range acc.FlushAll() {
			if err := send(llm.StreamChunk{Kind: llm.ChunkToolUseEnd, ToolCall: tc}); err != nil {
				return err
			}
		}
		return send(llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: finishReason})
	}
	return nil
}

func (p *Provider) buildPayload(req llm.ChatRequest, stream bool) messageRequest {
	system, msgs := toAnthropicMessages(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := messageRequest{
		Model:     req.Model,
		System:    system,
		Messages:  msgs,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if req.Temperature > 0 {
		payload.Temperature = &req.Temperature
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, toolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return payload
}

func (p *Provider) post(ctx context.Context, payload messageRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", apiVersion)
	if p.apiKey != "" {
		httpReq.Header.Set("x-api-key", p.apiKey)
	}

	res, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return res, nil
}

type messageRequest struct {
	Model       string         `json:"model"`
	System      string         `json:"system,omitempty"`
	Messages    []messageParam `json:"messages"`
	Tools       []toolDef      `json:"tools,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float64       `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

type messageParam struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type messageResponse struct {
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	Message      *messageResponse `json:"message,omitempty"`
	ContentBlock *contentBlock    `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
}

// toAnthropicMessages converts the internal conversation: system messages are
// lifted into the top-level system field, tool results become tool_result
// blocks on a user message, and assistant tool calls become tool_use blocks.
func toAnthropicMessages(msgs []llm.ChatMessage) (string, []messageParam) {
	var systemParts []string
	out := make([]messageParam, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
		case llm.RoleTool:
			block := contentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}
			// Adjacent tool results collapse into a single user message so
			// every tool_use is answered within the following turn.
			if n := len(out); n > 0 && out[n-1].Role == "user" && len(out[n-1].Content) > 0 && out[n-1].Content[0].Type == "tool_result" {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, messageParam{Role: "user", Content: []contentBlock{block}})
		case llm.RoleAssistant:
			blocks := make([]contentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, contentBlock{Type: "text", Text: ""})
			}
			out = append(out, messageParam{Role: "assistant", Content: blocks})
		default:
			out = append(out, messageParam{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	return strings.Join(systemParts, "\n\n"), out
}

package openai

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

// Provider implements an OpenAI-compatible chat provider with tool calling.
type Provider struct {
	name    string
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewProvider constructs a Provider with sane defaults.
func NewProvider(name, baseURL, apiKey string, timeout time.Duration) *Provider {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
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

// Chat executes a non-streaming chat completion.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return llm.ChatResponse{}, err
	}
	if req.Model == "" {
		return llm.ChatResponse{}, fmt.Errorf("model is required")
	}

	body := chatRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Tools:       toOpenAITools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      false,
	}

	res, err := p.post(ctx, body)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return llm.ChatResponse{}, fmt.Errorf("openai: status %d: %s", res.StatusCode, string(b))
	}

	var resp chatResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return llm.ChatResponse{}, fmt.Errorf("decode response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, fmt.Errorf("openai: empty choices")
	}

	choice := resp.Choices[0]
	return llm.ChatResponse{
		Message: llm.ChatMessage{
			Role:      llm.Role(choice.Message.Role),
			Content:   choice.Message.Content,
			ToolCalls: fromOpenAIToolCalls(choice.Message.ToolCalls),
		},
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		ProviderName: p.name,
		Model:        req.Model,
	}, nil
}

// ChatStream executes a streaming chat completion over SSE. Text and
// tool-call fragments are normalized into llm.StreamChunk values; tool-call
// argument text is concatenated per choice index and completed when the
// [DONE] sentinel confirms the stream is over.
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

		body := chatRequest{
			Model:         req.Model,
			Messages:      toOpenAIMessages(req.Messages),
			Tools:         toOpenAITools(req.Tools),
			MaxTokens:     req.MaxTokens,
			Temperature:   req.Temperature,
			Stream:        true,
			StreamOptions: &streamOptions{IncludeUsage: true},
		}

		res, err := p.post(ctx, body)
		if err != nil {
			errCh <- err
			return
		}
		defer res.Body.Close()

		if res.StatusCode >= 300 {
			b, _ := io.ReadAll(res.Body)
			errCh <- fmt.Errorf("openai: status %d: %s", res.StatusCode, string(b))
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
	started := make(map[int]bool)
	finishReason := ""

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

		if data == "[DONE]" {
			// Flush any call still accumulating rather than dropping it.
			for _, tc := range acc.FlushAll() {
				if err := send(llm.StreamChunk{Kind: llm.ChunkToolUseEnd, ToolCall: tc}); err != nil {
					return err
				}
			}
			return send(llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: finishReason})
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed lines are noise, not fatal.
			continue
		}

		if chunk.Usage != nil {
			err := send(llm.StreamChunk{Kind: llm.ChunkUsage, Usage: llm.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}})
			if err != nil {
				return err
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			if err := send(llm.StreamChunk{Kind: llm.ChunkText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			if !started[tc.Index] {
				started[tc.Index] = true
				acc.Start(tc.Index, tc.ID, tc.Function.Name)
				err := send(llm.StreamChunk{
					Kind:     llm.ChunkToolUseStart,
					Index:    tc.Index,
					ToolCall: llm.ToolCall{ID: tc.ID, Name: tc.Function.Name},
				})
				if err != nil {
					return err
				}
			} else {
				acc.Start(tc.Index, tc.ID, tc.Function.Name)
			}
			if tc.Function.Arguments != "" {
				acc.Append(tc.Index, tc.Function.Arguments)
				err := send(llm.StreamChunk{
					Kind:         llm.ChunkToolUseDelta,
					Index:        tc.Index,
					ArgumentText: tc.Function.Arguments,
				})
				if err != nil {
					return err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	// Connection ended without the sentinel; flush and terminate anyway so
	// the consumer never hangs on a half-open turn.
	for _, tc := range acc.FlushAll() {
		if err := send(llm.StreamChunk{Kind: llm.ChunkToolUseEnd, ToolCall: tc}); err != nil {
			return err
		}
	}
	return send(llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: finishReason})
}

func (p *Provider) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	res, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return res, nil
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	Tools         []toolDef      `json:"tools,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type toolDef struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Index        int     `json:"index"`
		FinishReason string  `json:"finish_reason"`
		Message      message `json:"message"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type toolCallDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type streamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string          `json:"role,omitempty"`
			Content   string          `json:"content,omitempty"`
			ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *usage `json:"usage,omitempty"`
}

func toOpenAIMessages(msgs []llm.ChatMessage) []message {
	out := make([]message, 0, len(msgs))
	for _, m := range msgs {
		om := message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, toolCall{
				ID:   tc.ID,
				Type: "function",
				Function: functionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []llm.Tool) []toolDef {
	if len(tools) == 0 {
		return nil
	}
	out := make([]toolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolDef{
			Type: "function",
			Function: functionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIToolCalls(calls []toolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		out = append(out, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}

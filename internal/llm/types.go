package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role is the message role used in chat exchanges.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage represents a single message exchanged with the model.
// ToolCallID is set only for RoleTool messages; ToolCalls only for
// RoleAssistant messages that requested tool invocations.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall describes a model-initiated tool invocation. The ID is assigned
// by the model backend and must be echoed back unchanged on the result.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Tool is a capability descriptor handed to the provider so the model knows
// what it may invoke. Parameters is a JSON Schema object.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is the input for chat providers.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Tools       []Tool
	MaxTokens   int
	Temperature float64
}

// Validate checks the request constraints shared by all providers.
func (r ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	seen := make(map[string]struct{}, len(r.Tools))
	for _, t := range r.Tools {
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate tool name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// Usage captures token accounting for one model turn.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add accumulates usage across model turns.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ChatResponse is the result of a non-streaming chat completion.
type ChatResponse struct {
	Message      ChatMessage
	FinishReason string
	Usage        Usage
	ProviderName string
	Model        string
}

// ChunkKind discriminates normalized stream chunks.
type ChunkKind string

const (
	ChunkText         ChunkKind = "text"
	ChunkToolUseStart ChunkKind = "tool_use_start"
	ChunkToolUseDelta ChunkKind = "tool_use_delta"
	ChunkToolUseEnd   ChunkKind = "tool_use_end"
	ChunkUsage        ChunkKind = "usage"
	ChunkDone         ChunkKind = "done"
)

// StreamChunk is a vendor-neutral fragment of a streamed model turn.
// For a given Index, exactly one tool_use_start precedes zero or more
// tool_use_delta fragments, followed by exactly one tool_use_end carrying
// the fully assembled call.
type StreamChunk struct {
	Kind  ChunkKind
	Text  string
	Index int
	// ToolCall holds ID and Name on tool_use_start and the complete parsed
	// call on tool_use_end.
	ToolCall ToolCall
	// ArgumentText is the raw argument fragment on tool_use_delta.
	ArgumentText string
	Usage        Usage
	FinishReason string
}

// Provider defines the contract for LLM vendor adapters. ChatStream yields a
// finite, non-restartable sequence terminated by a ChunkDone; the error
// channel carries at most one transport error.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error)
}

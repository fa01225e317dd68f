package chat

import (
	"github.com/draknorr/publisheriq/internal/credits"
	"github.com/draknorr/publisheriq/internal/tools"
)

// EventType tags outbound stream events.
type EventType string

const (
	EventTextDelta  EventType = "text_delta"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventMessageEnd EventType = "message_end"
	EventError      EventType = "error"
)

// Terminal states of the dispatch loop.
const (
	FinishText         = "text"
	FinishIterationCap = "iteration_cap"
)

// Timing is accumulated wall-clock spent in model inference vs tool
// execution. The phases may overlap bookkeeping across iterations, so
// TotalMs is not constrained to their sum.
type Timing struct {
	LLMMs   int64 `json:"llm_ms"`
	ToolsMs int64 `json:"tools_ms"`
	TotalMs int64 `json:"total_ms"`
}

// StreamEvent is one message of the outbound wire protocol. Every stream
// ends with exactly one message_end or error event, never both.
type StreamEvent struct {
	Type EventType `json:"type"`

	// text_delta
	Text string `json:"text,omitempty"`

	// tool_start / tool_result
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
	Result     *tools.Result `json:"result,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`

	// message_end
	FinishReason string                   `json:"finish_reason,omitempty"`
	Timing       *Timing                  `json:"timing,omitempty"`
	Iterations   int                      `json:"iterations,omitempty"`
	Credits      *credits.CreditBreakdown `json:"credits,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

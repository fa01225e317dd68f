package rpc

import (
	"github.com/draknorr/publisheriq/internal/llm"
)

// ChatMessage is the wire form of one prior conversation turn supplied by
// the caller. History persistence lives outside the core, so each request
// carries the full conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatStreamRequest starts one streamed chat turn.
type ChatStreamRequest struct {
	SessionID string        `json:"session_id,omitempty"`
	UserID    string        `json:"user_id"`
	Provider  string        `json:"provider,omitempty"`
	Model     string        `json:"model,omitempty"`
	History   []ChatMessage `json:"history,omitempty"`
	Message   string        `json:"message"`
}

// Messages assembles the request into the internal conversation form.
func (r ChatStreamRequest) Messages() []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(r.History)+1)
	for _, m := range r.History {
		out = append(out, llm.ChatMessage{Role: llm.Role(m.Role), Content: m.Content})
	}
	if r.Message != "" {
		out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: r.Message})
	}
	return out
}

// ChatStreamEnvelope is the bidirectional stream payload for Connect RPC.
// The first message must carry the chat request; subsequent messages can
// carry control signals.
type ChatStreamEnvelope struct {
	Chat      *ChatStreamRequest `json:"chat,omitempty"`
	Cancel    bool               `json:"cancel,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
}

package mock

import (
	"context"

	"github.com/draknorr/publisheriq/internal/llm"
)

// Provider is a test double implementing llm.Provider.
type Provider struct {
	NameValue string
	ChatFn    func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
	// StreamFn takes precedence over StreamChunks when set.
	StreamFn     func(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error)
	StreamChunks []llm.StreamChunk
	StreamErr    error
}

func (p *Provider) Name() string {
	if p.NameValue != "" {
		return p.NameValue
	}
	return "mock"
}

func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if p.ChatFn != nil {
		return p.ChatFn(ctx, req)
	}
	return llm.ChatResponse{
		Message: llm.ChatMessage{
			Role:    llm.RoleAssistant,
			Content: "mock",
		},
		FinishReason: "stop",
	}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
	if p.StreamFn != nil {
		return p.StreamFn(ctx, req)
	}
	ch := make(chan llm.StreamChunk, len(p.StreamChunks)+1)
	errCh := make(chan error, 1)
	go func() {
		defer close(ch)
		defer close(errCh)
		for _, c := range p.StreamChunks {
			ch <- c
		}
		if p.StreamErr != nil {
			errCh <- p.StreamErr
		}
	}()
	return ch, errCh
}

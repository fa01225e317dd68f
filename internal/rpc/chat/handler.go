package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/draknorr/publisheriq/internal/chat"
	"github.com/draknorr/publisheriq/internal/observability"
	"github.com/draknorr/publisheriq/internal/rpc"
)

// Runner executes one chat turn and yields streamed events.
type Runner interface {
	Run(ctx context.Context, req chat.Request) <-chan chat.StreamEvent
}

// Handler serves POST /chat as a Server-Sent Events stream. Each orchestrator
// event becomes one named SSE message, flushed as produced; the connection
// closes after the terminal event.
type Handler struct {
	runner  Runner
	metrics *observability.Metrics
}

// NewHandler constructs a handler instance.
func NewHandler(runner Runner, metrics *observability.Metrics) *Handler {
	return &Handler{runner: runner, metrics: metrics}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		if h.metrics != nil {
			h.metrics.RecordTransportError("sse", "method_not_allowed")
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpc.ChatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if h.metrics != nil {
			h.metrics.RecordTransportError("sse", "decode")
		}
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.IncActiveStreams("sse")
		defer h.metrics.DecActiveStreams("sse")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := h.runner.Run(r.Context(), chat.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Provider:  req.Provider,
		Model:     req.Model,
		Messages:  req.Messages(),
	})

	for ev := range events {
		if err := writeEvent(w, ev); err != nil {
			if h.metrics != nil {
				h.metrics.RecordTransportError("sse", "write")
			}
			return
		}
		flusher.Flush()
	}
}

// writeEvent frames one event as an SSE message.
func writeEvent(w http.ResponseWriter, ev chat.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/bufbuild/connect-go"
	"github.com/google/uuid"

	chatcore "github.com/draknorr/publisheriq/internal/chat"
	"github.com/draknorr/publisheriq/internal/observability"
	"github.com/draknorr/publisheriq/internal/rpc"
	"github.com/draknorr/publisheriq/internal/rpc/connectjson"
)

const ConnectChatProcedure = "/connect.chat.v1.ChatService/Stream"

// NewConnectHandler builds a Connect bidi stream handler for chat turns.
// The bidi shape exists so clients can send an explicit cancel message
// mid-stream instead of tearing down the connection.
func NewConnectHandler(runner Runner, metrics *observability.Metrics) (string, http.Handler) {
	h := &connectChatHandler{runner: runner, metrics: metrics}
	return ConnectChatProcedure, connect.NewBidiStreamHandler(ConnectChatProcedure, h.handle, connect.WithCodec(connectjson.Codec{}))
}

type connectChatHandler struct {
	runner  Runner
	metrics *observability.Metrics
}

func (h *connectChatHandler) handle(ctx context.Context, stream *connect.BidiStream[rpc.ChatStreamEnvelope, chatcore.StreamEvent]) error {
	if h.metrics != nil {
		h.metrics.IncActiveStreams("connect")
		defer h.metrics.DecActiveStreams("connect")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	first, err := stream.Receive()
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordTransportError("connect", "receive_first")
		}
		return err
	}
	if first == nil || first.Chat == nil {
		if h.metrics != nil {
			h.metrics.RecordTransportError("connect", "missing_chat")
		}
		return connect.NewError(connect.CodeInvalidArgument, errors.New("first message must include chat payload"))
	}

	req := *first.Chat
	if req.Message == "" || req.UserID == "" {
		return connect.NewError(connect.CodeInvalidArgument, errors.New("message and user_id are required"))
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	// Listen for cancellation messages from the client.
	go func() {
		for {
			msg, recvErr := stream.Receive()
			if recvErr != nil {
				if h.metrics != nil && !errors.Is(recvErr, context.Canceled) {
					h.metrics.RecordTransportError("connect", "receive_stream")
				}
				cancel()
				return
			}
			if msg != nil && msg.Cancel {
				cancel()
				return
			}
		}
	}()

	events := h.runner.Run(ctx, chatcore.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Provider:  req.Provider,
		Model:     req.Model,
		Messages:  req.Messages(),
	})

	for ev := range events {
		if err := stream.Send(&ev); err != nil {
			if h.metrics != nil {
				h.metrics.RecordTransportError("connect", "send")
			}
			return err
		}
	}
	return nil
}

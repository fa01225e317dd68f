package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/draknorr/publisheriq/internal/llm"
)

func TestChatSendsRequestAndParsesToolCalls(t *testing.T) {
	t.Parallel()

	p := NewProvider("openai", "http://mock", "key", 5*time.Second)
	p.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			require.Equal(t, "/v1/chat/completions", r.URL.Path)
			require.Equal(t, "Bearer key", r.Header.Get("Authorization"))

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			var reqBody map[string]interface{}
			require.NoError(t, json.Unmarshal(body, &reqBody))
			require.Equal(t, "gpt-4o-mini", reqBody["model"])
			tools, ok := reqBody["tools"].([]interface{})
			require.True(t, ok)
			require.Len(t, tools, 1)

			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     make(http.Header),
				Body: io.NopCloser(strings.NewReader(`{
					"choices": [{
						"index": 0,
						"finish_reason": "tool_calls",
						"message": {
							"role": "assistant",
							"content": "",
							"tool_calls": [{
								"id": "call_abc",
								"type": "function",
								"function": {"name": "search_games", "arguments": "{\"query\":\"rpg\"}"}
							}]
						}
					}],
					"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
				}`)),
			}, nil
		}),
	}

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []llm.ChatMessage{
			{Role: llm.RoleUser, Content: "find rpgs"},
		},
		Tools: []llm.Tool{{Name: "search_games", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.Message.ToolCalls, 1)
	require.Equal(t, "call_abc", resp.Message.ToolCalls[0].ID)
	require.Equal(t, "search_games", resp.Message.ToolCalls[0].Name)
	require.JSONEq(t, `{"query":"rpg"}`, string(resp.Message.ToolCalls[0].Arguments))
	require.Equal(t, 19, resp.Usage.TotalTokens)
}

func TestChatRoundTripsToolResultMessages(t *testing.T) {
	t.Parallel()

	p := NewProvider("openai", "http://mock", "", 0)
	p.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			var reqBody struct {
				Messages []map[string]interface{} `json:"messages"`
			}
			require.NoError(t, json.Unmarshal(body, &reqBody))
			require.Len(t, reqBody.Messages, 3)
			require.Equal(t, "tool", reqBody.Messages[2]["role"])
			require.Equal(t, "call_abc", reqBody.Messages[2]["tool_call_id"])

			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     make(http.Header),
				Body: io.NopCloser(strings.NewReader(`{
					"choices": [{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"done"}}],
					"usage": {"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}
				}`)),
			}, nil
		}),
	}

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []llm.ChatMessage{
			{Role: llm.RoleUser, Content: "q"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_abc", Name: "search_games", Arguments: json.RawMessage(`{}`)}}},
			{Role: llm.RoleTool, ToolCallID: "call_abc", Content: `{"success":true}`},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "done", resp.Message.Content)
}

const streamBody = `data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"Looking"}}]}

data: {"choices":[{"index":0,"delta":{"content":" it up."}}]}

this line is not valid SSE noise and must be skipped

data: {not valid json}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"search_games","arguments":""}}]}}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"metroidvania\"}"}}]},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}

data: {"choices":[],"usage":{"prompt_tokens":40,"completion_tokens":12,"total_tokens":52}}

data: [DONE]
`

func TestChatStreamNormalizesChunks(t *testing.T) {
	t.Parallel()

	p := NewProvider("openai", "http://mock", "", 0)
	p.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.Contains(t, string(body), `"stream":true`)

			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader(streamBody)),
			}, nil
		}),
	}

	ch, errCh := p.ChatStream(context.Background(), llm.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "find metroidvanias"}},
	})

	var chunks []llm.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.NoError(t, <-errCh)

	var kinds []llm.ChunkKind
	for _, c := range chunks {
		kinds = append(kinds, c.Kind)
	}
	require.Equal(t, []llm.ChunkKind{
		llm.ChunkText,
		llm.ChunkText,
		llm.ChunkToolUseStart,
		llm.ChunkToolUseDelta,
		llm.ChunkToolUseDelta,
		llm.ChunkUsage,
		llm.ChunkToolUseEnd,
		llm.ChunkDone,
	}, kinds)

	// Malformed lines were skipped and valid text still came through.
	require.Equal(t, "Looking", chunks[0].Text)
	require.Equal(t, " it up.", chunks[1].Text)

	require.Equal(t, "call_1", chunks[2].ToolCall.ID)
	require.Equal(t, "search_games", chunks[2].ToolCall.Name)

	end := chunks[6]
	require.Equal(t, "call_1", end.ToolCall.ID)
	require.JSONEq(t, `{"query":"metroidvania"}`, string(end.ToolCall.Arguments))

	require.Equal(t, 52, chunks[5].Usage.TotalTokens)
	require.Equal(t, "tool_calls", chunks[7].FinishReason)
}

func TestChatStreamFlushesMalformedArgumentsAsEmpty(t *testing.T) {
	t.Parallel()

	body := `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_x","function":{"name":"search_games","arguments":"{\"broken\":"}}]}}]}

data: [DONE]
`
	p := NewProvider("openai", "http://mock", "", 0)
	p.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader(body)),
			}, nil
		}),
	}

	ch, errCh := p.ChatStream(context.Background(), llm.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "q"}},
	})

	var end *llm.StreamChunk
	for c := range ch {
		if c.Kind == llm.ChunkToolUseEnd {
			cc := c
			end = &cc
		}
	}
	require.NoError(t, <-errCh)
	require.NotNil(t, end, "open call must be flushed at [DONE], not dropped")
	require.Equal(t, "call_x", end.ToolCall.ID)
	require.JSONEq(t, `{}`, string(end.ToolCall.Arguments))
}

func TestChatStreamSurfacesTransportError(t *testing.T) {
	t.Parallel()

	p := NewProvider("openai", "http://mock", "", 0)
	p.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadGateway,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader("upstream broke")),
			}, nil
		}),
	}

	ch, errCh := p.ChatStream(context.Background(), llm.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "q"}},
	})

	for range ch {
	}
	err := <-errCh
	require.ErrorContains(t, err, "status 502")
}

func TestChatStreamCancelReleasesAbandonedStream(t *testing.T) {
	t.Parallel()

	// Far more chunks than the channel buffers, so the producer would park on
	// a send if cancellation did not unblock it.
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString(`data: {"choices":[{"index":0,"delta":{"content":"x"}}]}` + "\n\n")
	}
	sb.WriteString("data: [DONE]\n")

	body := &trackedBody{Reader: strings.NewReader(sb.String())}
	p := NewProvider("openai", "http://mock", "", 0)
	p.client = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     make(http.Header),
				Body:       body,
			}, nil
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, errCh := p.ChatStream(ctx, llm.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "q"}},
	})

	// Read one chunk, then walk away without draining the rest.
	<-ch
	cancel()

	require.Eventually(t, body.isClosed, 2*time.Second, 10*time.Millisecond,
		"response body must close after the consumer abandons a cancelled stream")
	require.ErrorIs(t, <-errCh, context.Canceled)
}

type trackedBody struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (b *trackedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *trackedBody) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type roundTripFunc func(r *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

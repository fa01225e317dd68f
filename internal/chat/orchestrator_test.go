package chat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/draknorr/publisheriq/internal/credits"
	"github.com/draknorr/publisheriq/internal/llm"
	"github.com/draknorr/publisheriq/internal/llm/mock"
	"github.com/draknorr/publisheriq/internal/tools"
)

func newTestOrchestrator(t *testing.T, provider llm.Provider, exec tools.Executor, store *credits.MemoryStore, cfg Config) *Orchestrator {
	t.Helper()

	registry := llm.NewRegistry()
	registry.Register("mock", provider, true)

	ledger := credits.NewLedger(store, credits.DefaultPricing(), nil)
	toolReg := tools.NewRegistry(exec, time.Second)

	return New(registry, toolReg, ledger, cfg, nil)
}

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()

	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not terminate")
		}
	}
}

func terminalOf(t *testing.T, events []StreamEvent) StreamEvent {
	t.Helper()

	var terminals []StreamEvent
	for _, ev := range events {
		if ev.Type == EventMessageEnd || ev.Type == EventError {
			terminals = append(terminals, ev)
		}
	}
	require.Len(t, terminals, 1, "stream must end with exactly one terminal event")
	require.Equal(t, terminals[0], events[len(events)-1], "terminal event must be last")
	return terminals[0]
}

func streamOf(chunks ...llm.StreamChunk) func(context.Context, llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
	return func(context.Context, llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
		ch := make(chan llm.StreamChunk, len(chunks))
		errCh := make(chan error, 1)
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		close(errCh)
		return ch, errCh
	}
}

func TestRunTextOnlyTurn(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		StreamChunks: []llm.StreamChunk{
			{Kind: llm.ChunkText, Text: "Hello"},
			{Kind: llm.ChunkText, Text: " there."},
			{Kind: llm.ChunkUsage, Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}},
			{Kind: llm.ChunkDone, FinishReason: "stop"},
		},
	}

	store := credits.NewMemoryStore()
	store.Grant("u1", 100)

	o := newTestOrchestrator(t, provider, nil, store, Config{MaxIterations: 3})
	events := collect(t, o.Run(context.Background(), Request{UserID: "u1", SessionID: "s1", Messages: []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "hi"},
	}}))

	require.Equal(t, EventTextDelta, events[0].Type)
	require.Equal(t, "Hello", events[0].Text)
	require.Equal(t, " there.", events[1].Text)

	end := terminalOf(t, events)
	require.Equal(t, EventMessageEnd, end.Type)
	require.Equal(t, FinishText, end.FinishReason)
	require.Equal(t, 1, end.Iterations)
	require.NotNil(t, end.Timing)

	// 100 input + 50 output tokens round to 1 credit each side; the minimum
	// charge lifts the total to 4.
	require.NotNil(t, end.Credits)
	require.Equal(t, 4, end.Credits.Total)
	require.True(t, end.Credits.MinimumApplied)

	balance, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 96, balance)
}

func TestRunToolTurnThenText(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var secondTurnMessages []llm.ChatMessage

	provider := &mock.Provider{
		StreamFn: func(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
			if calls.Add(1) == 1 {
				return streamOf(
					llm.StreamChunk{Kind: llm.ChunkToolUseStart, Index: 0, ToolCall: llm.ToolCall{ID: "tc1", Name: "search_games"}},
					llm.StreamChunk{Kind: llm.ChunkToolUseEnd, Index: 0, ToolCall: llm.ToolCall{
						ID: "tc1", Name: "search_games", Arguments: json.RawMessage(`{"query":"roguelike"}`),
					}},
					llm.StreamChunk{Kind: llm.ChunkUsage, Usage: llm.Usage{PromptTokens: 200, CompletionTokens: 40}},
					llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: "tool_calls"},
				)(ctx, req)
			}
			secondTurnMessages = req.Messages
			return streamOf(
				llm.StreamChunk{Kind: llm.ChunkText, Text: "Found 2 roguelikes."},
				llm.StreamChunk{Kind: llm.ChunkUsage, Usage: llm.Usage{PromptTokens: 300, CompletionTokens: 60}},
				llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: "stop"},
			)(ctx, req)
		},
	}

	var gotName string
	var gotArgs map[string]interface{}
	exec := tools.ExecutorFunc(func(_ context.Context, name string, args map[string]interface{}) (tools.Result, error) {
		gotName = name
		gotArgs = args
		return tools.Result{
			Success: true,
			Results: []map[string]interface{}{
				{"app_id": 1942280, "name": "Brotato"},
				{"id": 77, "name": "Vampire Survivors"},
			},
			RowCount: 2,
		}, nil
	})

	store := credits.NewMemoryStore()
	store.Grant("u1", 500)

	o := newTestOrchestrator(t, provider, exec, store, Config{MaxIterations: 3})
	events := collect(t, o.Run(context.Background(), Request{UserID: "u1", SessionID: "s1", Messages: []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "find roguelikes"},
	}}))

	require.Equal(t, EventToolStart, events[0].Type)
	require.Equal(t, "tc1", events[0].ToolCallID)
	require.Equal(t, "search_games", events[0].ToolName)
	require.Equal(t, "search_games", gotName)
	require.Equal(t, "roguelike", gotArgs["query"])

	require.Equal(t, EventToolResult, events[1].Type)
	require.Equal(t, "tc1", events[1].ToolCallID)
	require.NotNil(t, events[1].Result)
	require.True(t, events[1].Result.Success)

	// Rows come back with entity reference markers: the known id/name pair,
	// and bare id/name rows typed by the tool's declared entity kind.
	require.Equal(t, "@[Brotato](game:1942280)", events[1].Result.Results[0]["name"])
	require.Equal(t, "@[Vampire Survivors](game:77)", events[1].Result.Results[1]["name"])

	require.Equal(t, EventTextDelta, events[2].Type)

	end := terminalOf(t, events)
	require.Equal(t, FinishText, end.FinishReason)
	require.Equal(t, 2, end.Iterations)

	// search_games=8 + input ceil(500*2/1000)=1 + output ceil(100*8/1000)=1.
	require.Equal(t, 10, end.Credits.Total)
	require.False(t, end.Credits.MinimumApplied)

	// The second model call sees the assistant tool-call message followed by
	// the tool result keyed to it.
	require.Len(t, secondTurnMessages, 3)
	require.Equal(t, llm.RoleAssistant, secondTurnMessages[1].Role)
	require.Len(t, secondTurnMessages[1].ToolCalls, 1)
	require.Equal(t, llm.RoleTool, secondTurnMessages[2].Role)
	require.Equal(t, "tc1", secondTurnMessages[2].ToolCallID)
	require.Contains(t, secondTurnMessages[2].Content, `"success":true`)
}

func TestRunIterationCapIsTerminalNotError(t *testing.T) {
	t.Parallel()

	// Every model turn requests another tool call; the loop must stop at the
	// cap with a message_end, not an error.
	var calls atomic.Int32
	provider := &mock.Provider{
		StreamFn: func(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
			n := calls.Add(1)
			id := "tc" + string(rune('0'+n))
			return streamOf(
				llm.StreamChunk{Kind: llm.ChunkToolUseStart, ToolCall: llm.ToolCall{ID: id, Name: "genre_breakdown"}},
				llm.StreamChunk{Kind: llm.ChunkToolUseEnd, ToolCall: llm.ToolCall{
					ID: id, Name: "genre_breakdown", Arguments: json.RawMessage(`{}`),
				}},
				llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: "tool_calls"},
			)(ctx, req)
		},
	}

	exec := tools.ExecutorFunc(func(context.Context, string, map[string]interface{}) (tools.Result, error) {
		return tools.Result{Success: true}, nil
	})

	store := credits.NewMemoryStore()
	store.Grant("u1", 500)

	o := newTestOrchestrator(t, provider, exec, store, Config{MaxIterations: 2})
	events := collect(t, o.Run(context.Background(), Request{UserID: "u1", Messages: []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "dig deeper forever"},
	}}))

	end := terminalOf(t, events)
	require.Equal(t, EventMessageEnd, end.Type)
	require.Equal(t, FinishIterationCap, end.FinishReason)
	require.Equal(t, 2, end.Iterations)
	require.Equal(t, int32(2), calls.Load())

	// Every announced tool call got its result, including the final iteration's.
	starts, results := 0, 0
	for _, ev := range events {
		switch ev.Type {
		case EventToolStart:
			starts++
		case EventToolResult:
			results++
		}
	}
	require.Equal(t, 2, starts)
	require.Equal(t, 2, results)
}

func TestRunSerializesResultsInDeclaredOrder(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var secondTurnMessages []llm.ChatMessage

	provider := &mock.Provider{
		StreamFn: func(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
			if calls.Add(1) == 1 {
				return streamOf(
					llm.StreamChunk{Kind: llm.ChunkToolUseStart, ToolCall: llm.ToolCall{ID: "slow", Name: "search_games"}},
					llm.StreamChunk{Kind: llm.ChunkToolUseStart, ToolCall: llm.ToolCall{ID: "fast", Name: "get_game_details"}},
					llm.StreamChunk{Kind: llm.ChunkToolUseEnd, ToolCall: llm.ToolCall{
						ID: "slow", Name: "search_games", Arguments: json.RawMessage(`{"query":"rts"}`),
					}},
					llm.StreamChunk{Kind: llm.ChunkToolUseEnd, ToolCall: llm.ToolCall{
						ID: "fast", Name: "get_game_details", Arguments: json.RawMessage(`{"app_id":620}`),
					}},
					llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: "tool_calls"},
				)(ctx, req)
			}
			secondTurnMessages = req.Messages
			return streamOf(
				llm.StreamChunk{Kind: llm.ChunkText, Text: "done"},
				llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: "stop"},
			)(ctx, req)
		},
	}

	exec := tools.ExecutorFunc(func(ctx context.Context, name string, _ map[string]interface{}) (tools.Result, error) {
		if name == "search_games" {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return tools.Result{}, ctx.Err()
			}
		}
		return tools.Result{Success: true, Data: map[string]interface{}{"tool": name}}, nil
	})

	store := credits.NewMemoryStore()
	store.Grant("u1", 500)

	o := newTestOrchestrator(t, provider, exec, store, Config{MaxIterations: 3})
	events := collect(t, o.Run(context.Background(), Request{UserID: "u1", Messages: []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "q"},
	}}))
	terminalOf(t, events)

	// tool_result events follow declared call order even though the second
	// call finished first.
	var resultIDs []string
	for _, ev := range events {
		if ev.Type == EventToolResult {
			resultIDs = append(resultIDs, ev.ToolCallID)
		}
	}
	require.Equal(t, []string{"slow", "fast"}, resultIDs)

	// Conversation messages follow the same order.
	require.Len(t, secondTurnMessages, 4)
	require.Equal(t, "slow", secondTurnMessages[2].ToolCallID)
	require.Equal(t, "fast", secondTurnMessages[3].ToolCallID)
}

func TestRunToolFailureFeedsBackAsResult(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	provider := &mock.Provider{
		StreamFn: func(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
			if calls.Add(1) == 1 {
				return streamOf(
					llm.StreamChunk{Kind: llm.ChunkToolUseStart, ToolCall: llm.ToolCall{ID: "tc1", Name: "get_game_details"}},
					llm.StreamChunk{Kind: llm.ChunkToolUseEnd, ToolCall: llm.ToolCall{
						ID: "tc1", Name: "get_game_details", Arguments: json.RawMessage(`{"app_id":999}`),
					}},
					llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: "tool_calls"},
				)(ctx, req)
			}
			return streamOf(
				llm.StreamChunk{Kind: llm.ChunkText, Text: "That game is unknown."},
				llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: "stop"},
			)(ctx, req)
		},
	}

	exec := tools.ExecutorFunc(func(context.Context, string, map[string]interface{}) (tools.Result, error) {
		return tools.Result{}, context.DeadlineExceeded
	})

	store := credits.NewMemoryStore()
	store.Grant("u1", 500)

	o := newTestOrchestrator(t, provider, exec, store, Config{MaxIterations: 3})
	events := collect(t, o.Run(context.Background(), Request{UserID: "u1", Messages: []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "q"},
	}}))

	end := terminalOf(t, events)
	require.Equal(t, EventMessageEnd, end.Type, "a failed tool is model feedback, not a stream error")

	var result *StreamEvent
	for i := range events {
		if events[i].Type == EventToolResult {
			result = &events[i]
		}
	}
	require.NotNil(t, result)
	require.False(t, result.Result.Success)
	require.NotEmpty(t, result.Result.Error)
}

func TestRunInsufficientBalanceGatesBeforeModelCall(t *testing.T) {
	t.Parallel()

	var modelCalled atomic.Bool
	provider := &mock.Provider{
		StreamFn: func(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
			modelCalled.Store(true)
			return streamOf(llm.StreamChunk{Kind: llm.ChunkDone})(ctx, req)
		},
	}

	store := credits.NewMemoryStore()
	store.Grant("u1", 3) // below the minimum charge of 4

	o := newTestOrchestrator(t, provider, nil, store, Config{MaxIterations: 3})
	events := collect(t, o.Run(context.Background(), Request{UserID: "u1", Messages: []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "q"},
	}}))

	end := terminalOf(t, events)
	require.Equal(t, EventError, end.Type)
	require.Contains(t, end.Error, "insufficient credits")
	require.False(t, modelCalled.Load(), "no model call may happen when the balance gate fails")

	// Nothing was charged or held.
	balance, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 3, balance)
}

type recordingMetrics struct {
	mu        sync.Mutex
	terminals []string
	credits   []int
}

func (m *recordingMetrics) RecordChatRun(terminal string, _ time.Duration, creditsCharged int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminals = append(m.terminals, terminal)
	m.credits = append(m.credits, creditsCharged)
}

func (m *recordingMetrics) RecordToolExecution(string, time.Duration, bool) {}
func (m *recordingMetrics) RecordLLMCall(string, time.Duration)             {}

func TestRunCancellationBeforeWorkReleasesHold(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	provider := &mock.Provider{
		StreamFn: func(ctx context.Context, _ llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
			ch := make(chan llm.StreamChunk, 2)
			errCh := make(chan error, 1)
			go func() {
				defer close(ch)
				defer close(errCh)
				ch <- llm.StreamChunk{Kind: llm.ChunkText, Text: "Working on"}
				cancel()
				<-ctx.Done()
				errCh <- ctx.Err()
			}()
			return ch, errCh
		},
	}

	store := credits.NewMemoryStore()
	store.Grant("u1", 500)

	metrics := &recordingMetrics{}
	o := newTestOrchestrator(t, provider, nil, store, Config{MaxIterations: 3})
	o.Metrics = metrics
	events := collect(t, o.Run(ctx, Request{UserID: "u1", Messages: []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "q"},
	}}))

	for _, ev := range events {
		require.NotEqual(t, EventMessageEnd, ev.Type, "a cancelled turn must not report success")
	}

	// No tools ran and no usage was reported: the hold comes back in full
	// despite the dead request context.
	balance, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 500, balance)

	require.Equal(t, []string{"cancelled"}, metrics.terminals)
	require.Equal(t, []int{0}, metrics.credits)
}

func TestRunCancellationAfterToolWorkSettlesCompleted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	provider := &mock.Provider{
		StreamFn: func(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, <-chan error) {
			if calls.Add(1) == 1 {
				return streamOf(
					llm.StreamChunk{Kind: llm.ChunkToolUseStart, ToolCall: llm.ToolCall{ID: "tc1", Name: "genre_breakdown"}},
					llm.StreamChunk{Kind: llm.ChunkToolUseEnd, ToolCall: llm.ToolCall{
						ID: "tc1", Name: "genre_breakdown", Arguments: json.RawMessage(`{}`),
					}},
					llm.StreamChunk{Kind: llm.ChunkUsage, Usage: llm.Usage{PromptTokens: 200, CompletionTokens: 40}},
					llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: "tool_calls"},
				)(ctx, req)
			}
			ch := make(chan llm.StreamChunk)
			errCh := make(chan error, 1)
			go func() {
				defer close(ch)
				defer close(errCh)
				cancel()
				<-ctx.Done()
				errCh <- ctx.Err()
			}()
			return ch, errCh
		},
	}

	exec := tools.ExecutorFunc(func(context.Context, string, map[string]interface{}) (tools.Result, error) {
		return tools.Result{Success: true}, nil
	})

	store := credits.NewMemoryStore()
	store.Grant("u1", 500)

	o := newTestOrchestrator(t, provider, exec, store, Config{MaxIterations: 3})
	events := collect(t, o.Run(ctx, Request{UserID: "u1", Messages: []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "q"},
	}}))

	for _, ev := range events {
		require.NotEqual(t, EventMessageEnd, ev.Type, "a cancelled turn must not report success")
	}

	// The completed first iteration is charged: genre_breakdown=4 plus
	// ceil(400/1000)=1 input and ceil(320/1000)=1 output. Nothing is charged
	// for the aborted second model call.
	balance, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 494, balance)
}

func TestSeedMessagesPrependsSystemPromptOnce(t *testing.T) {
	t.Parallel()

	o := &Orchestrator{cfg: Config{SystemPrompt: "be helpful"}}

	seeded := o.seedMessages([]llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}})
	require.Len(t, seeded, 2)
	require.Equal(t, llm.RoleSystem, seeded[0].Role)

	already := o.seedMessages([]llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "custom"},
		{Role: llm.RoleUser, Content: "hi"},
	})
	require.Len(t, already, 2)
	require.Equal(t, "custom", already[0].Content)
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/draknorr/publisheriq/internal/credits"
	"github.com/draknorr/publisheriq/internal/linker"
	"github.com/draknorr/publisheriq/internal/llm"
	"github.com/draknorr/publisheriq/internal/tools"
)

// Config holds orchestration loop parameters.
type Config struct {
	// MaxIterations bounds model-call re-entries per turn.
	MaxIterations int
	// SystemPrompt is prepended when the caller's history lacks one.
	SystemPrompt string
	// Model is the default model identifier passed to the provider.
	Model string
	// MaxTokens / Temperature are forwarded to the provider.
	MaxTokens   int
	Temperature float64
}

// Request is one chat turn: the conversation so far plus routing hints.
type Request struct {
	UserID    string
	SessionID string
	Provider  string
	Model     string
	Messages  []llm.ChatMessage
}

// Orchestrator drives the model-call / tool-execution loop for chat turns.
// It is safe for concurrent use; all loop state is request-scoped.
type Orchestrator struct {
	registry *llm.Registry
	tools    *tools.Registry
	ledger   *credits.Ledger
	cfg      Config
	logger   *zap.Logger
	Metrics  interface {
		RecordChatRun(terminal string, duration time.Duration, creditsCharged int)
		RecordToolExecution(name string, duration time.Duration, success bool)
		RecordLLMCall(provider string, duration time.Duration)
	}
}

// New creates an orchestrator.
func New(registry *llm.Registry, toolReg *tools.Registry, ledger *credits.Ledger, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: registry,
		tools:    toolReg,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger,
	}
}

// turnState is the request-scoped bookkeeping for one chat turn.
type turnState struct {
	messages  []llm.ChatMessage
	usage     llm.Usage
	toolNames []string
	timing    Timing
	start     time.Time
	llmMs     int64
	toolsMs   int64
}

// Run executes one chat turn, emitting stream events until a terminal
// message_end or error. The returned channel is closed after the terminal
// event; the caller owns ctx and may cancel to abort mid-stream.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		o.run(ctx, req, out)
	}()
	return out
}

// emit delivers an event unless the consumer is gone.
func emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) run(ctx context.Context, req Request, out chan<- StreamEvent) {
	logger := o.logger.With(zap.String("session_id", req.SessionID))
	start := time.Now()

	provider, err := o.registry.Resolve(req.Provider)
	if err != nil {
		emit(ctx, out, StreamEvent{Type: EventError, Error: err.Error()})
		return
	}

	// Eligibility is the sole gate before any billable work: no reservation
	// and no model call happen when the balance is below the minimum.
	if err := o.ledger.CheckEligibility(ctx, req.UserID); err != nil {
		emit(ctx, out, StreamEvent{Type: EventError, Error: err.Error()})
		return
	}

	reservation, err := o.ledger.Reserve(ctx, req.UserID, o.cfg.MaxIterations, o.cfg.MaxIterations-1)
	if err != nil {
		emit(ctx, out, StreamEvent{Type: EventError, Error: err.Error()})
		return
	}

	state := &turnState{messages: o.seedMessages(req.Messages), start: start}

	terminal, runErr := o.loop(ctx, provider, req, state, out)

	// Settlement covers only work actually completed, including after
	// cancellation or a transport error mid-turn. It must outlive the
	// request context so an aborted turn still reconciles its hold. A turn
	// that failed before any billable work releases the hold without charge.
	settleCtx := context.WithoutCancel(ctx)
	var breakdown credits.CreditBreakdown
	if runErr != nil && len(state.toolNames) == 0 && state.usage.PromptTokens == 0 && state.usage.CompletionTokens == 0 {
		if err := o.ledger.Release(settleCtx, reservation); err != nil {
			logger.Error("credit release failed", zap.Error(err))
		}
	} else {
		var settleErr error
		breakdown, settleErr = o.ledger.Settle(settleCtx, reservation, state.toolNames, state.usage.PromptTokens, state.usage.CompletionTokens)
		if settleErr != nil {
			logger.Error("credit settlement failed", zap.Error(settleErr))
		}
	}

	state.timing.LLMMs = state.llmMs
	state.timing.ToolsMs = state.toolsMs
	state.timing.TotalMs = time.Since(start).Milliseconds()

	if runErr != nil {
		emit(ctx, out, StreamEvent{Type: EventError, Error: runErr.Error()})
		label := "error"
		if IsCancellation(runErr) {
			label = "cancelled"
		}
		if o.Metrics != nil {
			o.Metrics.RecordChatRun(label, time.Since(start), breakdown.Total)
		}
		logger.Warn("chat turn aborted",
			zap.String("terminal", label),
			zap.Int("credits", breakdown.Total),
			zap.Error(runErr))
		return
	}

	emit(ctx, out, StreamEvent{
		Type:         EventMessageEnd,
		FinishReason: terminal.reason,
		Timing:       &state.timing,
		Iterations:   terminal.iterations,
		Credits:      &breakdown,
	})
	if o.Metrics != nil {
		o.Metrics.RecordChatRun(terminal.reason, time.Since(start), breakdown.Total)
	}
	logger.Info("chat turn finished",
		zap.String("terminal", terminal.reason),
		zap.Int("iterations", terminal.iterations),
		zap.Int("credits", breakdown.Total))
}

type terminalState struct {
	reason     string
	iterations int
}

// loop runs AWAITING_MODEL / EXECUTING_TOOLS transitions until a terminal
// state. A text-only model turn is the only success exit; reaching the
// iteration cap is a defined terminal, not an error.
func (o *Orchestrator) loop(ctx context.Context, provider llm.Provider, req Request, state *turnState, out chan<- StreamEvent) (terminalState, error) {
	model := req.Model
	if model == "" {
		model = o.cfg.Model
	}

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return terminalState{}, err
		}

		turn, err := o.modelTurn(ctx, provider, model, state, out)
		if err != nil {
			return terminalState{}, err
		}

		if len(turn.toolCalls) == 0 {
			return terminalState{reason: FinishText, iterations: iteration}, nil
		}

		// The assistant message recording the calls precedes every tool
		// result, preserving the conversation ordering invariant.
		state.messages = append(state.messages, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   turn.text,
			ToolCalls: turn.toolCalls,
		})

		if err := o.executeTools(ctx, turn.toolCalls, state, out); err != nil {
			return terminalState{}, err
		}
	}

	// Cap exceeded: the caller keeps whatever text was streamed.
	return terminalState{reason: FinishIterationCap, iterations: o.cfg.MaxIterations}, nil
}

// modelTurn drives one streaming provider call, relaying text deltas and
// tool starts while collecting the turn's completed tool calls.
type modelTurnResult struct {
	text      string
	toolCalls []llm.ToolCall
}

func (o *Orchestrator) modelTurn(ctx context.Context, provider llm.Provider, model string, state *turnState, out chan<- StreamEvent) (modelTurnResult, error) {
	llmStart := time.Now()
	defer func() {
		state.llmMs += time.Since(llmStart).Milliseconds()
		if o.Metrics != nil {
			o.Metrics.RecordLLMCall(provider.Name(), time.Since(llmStart))
		}
	}()

	chunks, errCh := provider.ChatStream(ctx, llm.ChatRequest{
		Model:       model,
		Messages:    state.messages,
		Tools:       o.tools.LLMTools(),
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})

	var turn modelTurnResult
	var text []byte
	for chunk := range chunks {
		switch chunk.Kind {
		case llm.ChunkText:
			text = append(text, chunk.Text...)
			if !emit(ctx, out, StreamEvent{Type: EventTextDelta, Text: chunk.Text}) {
				return modelTurnResult{}, ctx.Err()
			}
		case llm.ChunkToolUseStart:
			if !emit(ctx, out, StreamEvent{
				Type:       EventToolStart,
				ToolCallID: chunk.ToolCall.ID,
				ToolName:   chunk.ToolCall.Name,
			}) {
				return modelTurnResult{}, ctx.Err()
			}
		case llm.ChunkToolUseEnd:
			turn.toolCalls = append(turn.toolCalls, chunk.ToolCall)
		case llm.ChunkUsage:
			state.usage.Add(chunk.Usage)
		}
	}
	if err := <-errCh; err != nil {
		return modelTurnResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return modelTurnResult{}, err
	}

	turn.text = string(text)
	return turn, nil
}

// executeTools runs the turn's tool calls concurrently, then serializes the
// results back into the conversation and event stream in declared order.
func (o *Orchestrator) executeTools(ctx context.Context, calls []llm.ToolCall, state *turnState, out chan<- StreamEvent) error {
	toolsStart := time.Now()
	defer func() {
		state.toolsMs += time.Since(toolsStart).Milliseconds()
	}()

	type execOutcome struct {
		result   tools.Result
		duration time.Duration
	}
	outcomes := make([]execOutcome, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			callStart := time.Now()
			res, err := o.tools.Execute(gctx, call.Name, tools.DecodeArguments(call.Arguments))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// Execution failure feeds back to the model as a normal
				// result; the model decides the user-facing framing.
				res = tools.Result{Success: false, Error: err.Error()}
			}
			entityKind := ""
			if s, ok := o.tools.Schema(call.Name); ok {
				entityKind = s.EntityKind
			}
			outcomes[i] = execOutcome{
				result:   linker.FormatResult(res, entityKind),
				duration: time.Since(callStart),
			}
			if o.Metrics != nil {
				o.Metrics.RecordToolExecution(call.Name, time.Since(callStart), res.Success)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Ordering barrier: results join the conversation in declared call
	// order regardless of completion order.
	for i, call := range calls {
		state.toolNames = append(state.toolNames, call.Name)

		payload, err := json.Marshal(outcomes[i].result)
		if err != nil {
			payload = []byte(`{"success":false,"error":"result serialization failed"}`)
		}
		state.messages = append(state.messages, llm.ChatMessage{
			Role:       llm.RoleTool,
			Content:    string(payload),
			ToolCallID: call.ID,
		})

		res := outcomes[i].result
		if !emit(ctx, out, StreamEvent{
			Type:       EventToolResult,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Result:     &res,
			DurationMs: outcomes[i].duration.Milliseconds(),
		}) {
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) seedMessages(history []llm.ChatMessage) []llm.ChatMessage {
	msgs := make([]llm.ChatMessage, 0, len(history)+1)
	if o.cfg.SystemPrompt != "" && (len(history) == 0 || history[0].Role != llm.RoleSystem) {
		msgs = append(msgs, llm.ChatMessage{Role: llm.RoleSystem, Content: o.cfg.SystemPrompt})
	}
	return append(msgs, history...)
}

// IsCancellation reports whether err is a caller-initiated abort.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Result is the outcome of one tool execution as returned by the external
// tool collaborator. Data carries a single-object result, Results a row set;
// either may be nil.
type Result struct {
	Success  bool                     `json:"success"`
	Data     map[string]interface{}   `json:"data,omitempty"`
	Results  []map[string]interface{} `json:"results,omitempty"`
	Error    string                   `json:"error,omitempty"`
	RowCount int                      `json:"row_count,omitempty"`
	Debug    map[string]interface{}   `json:"debug,omitempty"`
}

// Executor runs a named tool with structured arguments. Implementations are
// external collaborators (database/semantic query backends) and must respect
// ctx for the registry's per-call timeout.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (Result, error)
}

// Registry declares the available analytics tools and dispatches calls to
// the executor with validation and a bounded timeout.
type Registry struct {
	executor Executor
	timeout  time.Duration
	schemas  []Schema
}

// NewRegistry constructs a registry over the given executor. A zero timeout
// defaults to 30s.
func NewRegistry(executor Executor, timeout time.Duration) *Registry {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		executor: executor,
		timeout:  timeout,
		schemas:  analyticsSchemas(),
	}
}

// Schemas returns descriptors for all registered tools.
func (r *Registry) Schemas() []Schema {
	return r.schemas
}

// Schema looks up a single tool descriptor by name.
func (r *Registry) Schema(name string) (Schema, bool) {
	for _, s := range r.schemas {
		if s.Name == name {
			return s, true
		}
	}
	return Schema{}, false
}

// Execute validates and runs one tool call. Execution failures are returned
// as errors; the caller decides how to surface them to the model.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	if r.executor == nil {
		return Result{}, fmt.Errorf("tool executor unavailable")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := r.ValidateCall(name, args); err != nil {
		return Result{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.executor.Execute(callCtx, name, args)
	if err != nil {
		return Result{}, fmt.Errorf("execute %s: %w", name, err)
	}
	return res, nil
}

// DecodeArguments unmarshals raw tool-call argument JSON into the map form
// the executor consumes. Empty or malformed argument text yields an empty
// map rather than an error.
func DecodeArguments(raw json.RawMessage) map[string]interface{} {
	args := make(map[string]interface{})
	if len(raw) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return make(map[string]interface{})
	}
	return args
}

package llm

import (
	"encoding/json"
	"sort"
	"strings"
)

// partialCall is the mutable build state for one in-flight tool call.
type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// ToolCallAccumulator reassembles tool-call arguments from an arbitrarily
// chunked stream, keyed by the vendor's per-call stream index. It is
// request-scoped and not safe for concurrent use; one accumulator lives for
// the duration of a single streamed model turn.
type ToolCallAccumulator struct {
	calls map[int]*partialCall
}

// NewToolCallAccumulator creates an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[int]*partialCall)}
}

// Start registers a new call at the given index. Repeated starts for the same
// index fill in id/name fields that arrived late rather than resetting
// accumulated argument text.
func (a *ToolCallAccumulator) Start(index int, id, name string) {
	c, ok := a.calls[index]
	if !ok {
		c = &partialCall{}
		a.calls[index] = c
	}
	if id != "" {
		c.id = id
	}
	if name != "" {
		c.name = name
	}
}

// Append adds an argument text fragment to the call at index, implicitly
// starting it if the vendor never sent a distinct start marker.
func (a *ToolCallAccumulator) Append(index int, fragment string) {
	c, ok := a.calls[index]
	if !ok {
		c = &partialCall{}
		a.calls[index] = c
	}
	c.args.WriteString(fragment)
}

// Open reports whether a call is still accumulating at index.
func (a *ToolCallAccumulator) Open(index int) bool {
	_, ok := a.calls[index]
	return ok
}

// Finish completes the call at index, parsing the accumulated argument text.
// Text that fails to parse as a JSON object is replaced with empty arguments
// so a malformed tool call cannot kill the stream. The build state for the
// index is discarded.
func (a *ToolCallAccumulator) Finish(index int) (ToolCall, bool) {
	c, ok := a.calls[index]
	if !ok {
		return ToolCall{}, false
	}
	delete(a.calls, index)

	raw := strings.TrimSpace(c.args.String())
	if raw == "" {
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		raw = "{}"
	}
	return ToolCall{ID: c.id, Name: c.name, Arguments: json.RawMessage(raw)}, true
}

// FlushAll finishes every call still open, in ascending index order. It is
// called when the stream's terminal marker confirms no further fragments will
// arrive, so partially accumulated calls are emitted rather than dropped.
func (a *ToolCallAccumulator) FlushAll() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indices := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]ToolCall, 0, len(indices))
	for _, i := range indices {
		if tc, ok := a.Finish(i); ok {
			out = append(out, tc)
		}
	}
	return out
}

// Len returns the number of calls still accumulating.
func (a *ToolCallAccumulator) Len() int {
	return len(a.calls)
}

// Package producer turns merged conversation history plus a state handle
// into new model output. The run coordinator treats it as an opaque event
// source that ends in a terminal result or an error.
package producer

import (
	"context"
	"encoding/json"

	"github.com/tracklab/tracklab-agent/internal/agui"
	"github.com/tracklab/tracklab-agent/internal/thread"
)

// Request is one generation request.
type Request struct {
	ThreadID string
	RunID    string

	// History is the merged history (stored history followed by the new
	// client messages already translated into the stored representation).
	History []thread.Message
	// State is the loaded state snapshot; the producer owns its schema.
	State json.RawMessage
	// Input holds only the client messages new to this run. History already
	// contains them; Input exists so the producer knows what triggered the
	// run without diffing.
	Input []agui.Message
}

// Result is the terminal outcome of a successful run.
type Result struct {
	// FinalHistory is the complete history to persist, replacing the stored
	// log wholesale.
	FinalHistory []thread.Message
	// FinalState is the state snapshot to persist.
	FinalState json.RawMessage
}

// Producer generates output for one run, forwarding incremental events
// through emit as they are produced. A non-nil error from emit (typically a
// disconnected caller) must abort generation.
type Producer interface {
	Run(ctx context.Context, req Request, emit func(agui.Event) error) (Result, error)
}

// Stream event types emitted by providers while a turn is in flight.
const (
	StreamEventTextDelta     = "text_delta"
	StreamEventToolCallStart = "tool_call_start"
	StreamEventToolCallDelta = "tool_call_delta"
	StreamEventToolCallEnd   = "tool_call_end"
)

// PartialToolCall carries incremental tool-call information during a turn.
// ArgumentsDelta is the newly received fragment, not the accumulated string.
type PartialToolCall struct {
	ID             string
	Name           string
	ArgumentsDelta string
}

// StreamEvent is one incremental provider event.
type StreamEvent struct {
	Type     string
	Text     string
	ToolCall *PartialToolCall
}

// ToolCall is a completed tool invocation requested by the model.
type ToolCall struct {
	ID       string
	Name     string
	ArgsJSON json.RawMessage
}

// TurnRequest is the input to a single model turn.
type TurnRequest struct {
	Model           string
	System          string
	History         []thread.Message
	Tools           []ToolDef
	MaxOutputTokens int
}

// ToolDef describes one callable tool in provider-neutral form.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// TurnResult is the outcome of a single model turn.
type TurnResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
}

// Provider streams one model turn. Implementations must call onEvent from a
// single goroutine, in production order.
type Provider interface {
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error)
}

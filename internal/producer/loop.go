package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tracklab/tracklab-agent/internal/agui"
	"github.com/tracklab/tracklab-agent/internal/board"
	"github.com/tracklab/tracklab-agent/internal/thread"
)

const (
	defaultMaxSteps        = 12
	defaultMaxOutputTokens = 4096
)

// Options configures the Agent producer.
type Options struct {
	Log      *slog.Logger
	Provider Provider
	Model    string
	// MaxSteps bounds the tool loop. Zero means the default.
	MaxSteps int
}

// Agent is the tool-loop producer: it repeatedly asks the provider for a
// turn, executes requested tools against the board state, and stops when a
// turn produces no tool calls.
type Agent struct {
	log      *slog.Logger
	provider Provider
	model    string
	maxSteps int
}

func NewAgent(opts Options) (*Agent, error) {
	if opts.Provider == nil {
		return nil, errors.New("missing Provider")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing Model")
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Agent{
		log:      log,
		provider: opts.Provider,
		model:    strings.TrimSpace(opts.Model),
		maxSteps: maxSteps,
	}, nil
}

func (a *Agent) Run(ctx context.Context, req Request, emit func(agui.Event) error) (Result, error) {
	if a == nil {
		return Result{}, errors.New("nil agent")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if emit == nil {
		emit = func(agui.Event) error { return nil }
	}

	st, err := board.Parse(req.State)
	if err != nil {
		return Result{}, err
	}

	history := make([]thread.Message, 0, len(req.History)+2)
	history = append(history, req.History...)

	tools := make([]ToolDef, 0, len(board.Tools()))
	for _, def := range board.Tools() {
		tools = append(tools, ToolDef{Name: def.Name, Description: def.Description, InputSchema: def.InputSchema})
	}

	for step := 0; step < a.maxSteps; step++ {
		turn, err := a.streamOneTurn(ctx, history, tools, emit)
		if err != nil {
			return Result{}, err
		}

		resp := thread.Message{Kind: thread.KindResponse}
		if strings.TrimSpace(turn.Text) != "" {
			resp.Parts = append(resp.Parts, thread.Part{Type: thread.PartText, Content: turn.Text})
		}
		for _, call := range turn.ToolCalls {
			resp.Parts = append(resp.Parts, thread.Part{
				Type:       thread.PartToolCall,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Args:       call.ArgsJSON,
			})
		}
		if len(resp.Parts) > 0 {
			history = append(history, resp)
		}

		if len(turn.ToolCalls) == 0 {
			break
		}

		returns := thread.Message{Kind: thread.KindRequest}
		for _, call := range turn.ToolCalls {
			resultJSON, snapshot := a.execTool(&st, call)
			returns.Parts = append(returns.Parts, thread.Part{
				Type:       thread.PartToolReturn,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				Result:     resultJSON,
			})
			if err := emit(agui.NewToolCallResult(uuid.NewString(), call.ID, string(resultJSON))); err != nil {
				return Result{}, err
			}
			if snapshot != nil {
				if err := emit(agui.NewStateSnapshot(snapshot)); err != nil {
					return Result{}, err
				}
			}
		}
		history = append(history, returns)
	}

	finalState, err := st.MarshalJSONSnapshot()
	if err != nil {
		return Result{}, err
	}
	return Result{FinalHistory: history, FinalState: finalState}, nil
}

// execTool runs one tool call against the state handle. Tool failures are
// reported back to the model as an error payload instead of aborting the
// run, so the model can correct itself on the next turn.
func (a *Agent) execTool(st *board.State, call ToolCall) (json.RawMessage, json.RawMessage) {
	out, err := st.Call(call.Name, call.ArgsJSON)
	if err != nil {
		a.log.Warn("tool call failed", "tool", call.Name, "error", err)
		b, _ := json.Marshal(map[string]string{"error": err.Error()})
		return b, nil
	}
	return out.ResultJSON, out.Snapshot
}

// streamOneTurn drives a single provider turn, translating provider stream
// events into wire events. A failed emit cancels the in-flight turn.
func (a *Agent) streamOneTurn(ctx context.Context, history []thread.Message, tools []ToolDef, emit func(agui.Event) error) (TurnResult, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgID := uuid.NewString()
	textStarted := false
	var emitErr error

	forward := func(ev agui.Event) {
		if emitErr != nil {
			return
		}
		if err := emit(ev); err != nil {
			emitErr = err
			cancel()
		}
	}

	onEvent := func(ev StreamEvent) {
		switch ev.Type {
		case StreamEventTextDelta:
			if ev.Text == "" {
				return
			}
			if !textStarted {
				textStarted = true
				forward(agui.NewTextMessageStart(msgID))
			}
			forward(agui.NewTextMessageContent(msgID, ev.Text))
		case StreamEventToolCallStart:
			if ev.ToolCall != nil {
				forward(agui.NewToolCallStart(ev.ToolCall.ID, ev.ToolCall.Name))
			}
		case StreamEventToolCallDelta:
			if ev.ToolCall != nil && ev.ToolCall.ArgumentsDelta != "" {
				forward(agui.NewToolCallArgs(ev.ToolCall.ID, ev.ToolCall.ArgumentsDelta))
			}
		case StreamEventToolCallEnd:
			if ev.ToolCall != nil {
				forward(agui.NewToolCallEnd(ev.ToolCall.ID))
			}
		}
	}

	turn, err := a.provider.StreamTurn(turnCtx, TurnRequest{
		Model:           a.model,
		System:          board.SystemPrompt(),
		History:         history,
		Tools:           tools,
		MaxOutputTokens: defaultMaxOutputTokens,
	}, onEvent)
	if emitErr != nil {
		return TurnResult{}, fmt.Errorf("forward event: %w", emitErr)
	}
	if err != nil {
		return TurnResult{}, err
	}
	if textStarted {
		if err := emit(agui.NewTextMessageEnd(msgID)); err != nil {
			return TurnResult{}, err
		}
	}
	return turn, nil
}

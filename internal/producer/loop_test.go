package producer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tracklab/tracklab-agent/internal/agui"
	"github.com/tracklab/tracklab-agent/internal/thread"
)

// scriptedProvider replays a fixed sequence of turns, emitting the stream
// events a real provider would produce for each.
type scriptedProvider struct {
	turns []TurnResult
	calls int

	lastReq TurnRequest
}

func (p *scriptedProvider) StreamTurn(_ context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	p.lastReq = req
	if p.calls >= len(p.turns) {
		return TurnResult{}, errors.New("no scripted turn left")
	}
	turn := p.turns[p.calls]
	p.calls++

	if turn.Text != "" && onEvent != nil {
		for _, chunk := range splitInTwo(turn.Text) {
			onEvent(StreamEvent{Type: StreamEventTextDelta, Text: chunk})
		}
	}
	for _, call := range turn.ToolCalls {
		if onEvent == nil {
			continue
		}
		onEvent(StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: call.ID, Name: call.Name}})
		onEvent(StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: call.ID, Name: call.Name, ArgumentsDelta: string(call.ArgsJSON)}})
		onEvent(StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: call.ID, Name: call.Name}})
	}
	return turn, nil
}

func splitInTwo(s string) []string {
	if len(s) < 2 {
		return []string{s}
	}
	mid := len(s) / 2
	return []string{s[:mid], s[mid:]}
}

func collectEvents(t *testing.T, agent *Agent, req Request) ([]agui.Event, Result) {
	t.Helper()
	var events []agui.Event
	res, err := agent.Run(context.Background(), req, func(ev agui.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return events, res
}

func eventTypes(events []agui.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType())
	}
	return out
}

func TestAgentRun_TextOnlyTurn(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{turns: []TurnResult{{Text: "hello there", FinishReason: "stop"}}}
	agent, err := NewAgent(Options{Provider: provider, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	req := Request{
		ThreadID: "t-1",
		RunID:    "r-1",
		History:  []thread.Message{thread.NewUserPrompt("hi")},
	}
	events, res := collectEvents(t, agent, req)

	got := eventTypes(events)
	want := []string{agui.EventTextMessageStart, agui.EventTextMessageContent, agui.EventTextMessageContent, agui.EventTextMessageEnd}
	if len(got) != len(want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v, want %v", got, want)
		}
	}

	if len(res.FinalHistory) != 2 {
		t.Fatalf("FinalHistory has %d messages, want 2", len(res.FinalHistory))
	}
	last := res.FinalHistory[1]
	if last.Kind != thread.KindResponse || len(last.Parts) != 1 || last.Parts[0].Content != "hello there" {
		t.Fatalf("last message=%+v", last)
	}
	if provider.calls != 1 {
		t.Fatalf("provider called %d times, want 1", provider.calls)
	}
}

func TestAgentRun_ToolTurnMutatesState(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{turns: []TurnResult{
		{
			ToolCalls:    []ToolCall{{ID: "call_1", Name: "add_tasks", ArgsJSON: json.RawMessage(`{"tasks":[{"name":"T1"}]}`)}},
			FinishReason: "tool_calls",
		},
		{Text: "added", FinishReason: "stop"},
	}}
	agent, err := NewAgent(Options{Provider: provider, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	events, res := collectEvents(t, agent, Request{History: []thread.Message{thread.NewUserPrompt("add T1")}})

	var sawResult, sawSnapshot bool
	for _, ev := range events {
		switch v := ev.(type) {
		case agui.ToolCallResult:
			sawResult = true
			if v.ToolCallID != "call_1" {
				t.Fatalf("ToolCallID=%q", v.ToolCallID)
			}
		case agui.StateSnapshot:
			sawSnapshot = true
			if !strings.Contains(string(v.Snapshot), `"T1"`) {
				t.Fatalf("Snapshot=%s", v.Snapshot)
			}
		}
	}
	if !sawResult || !sawSnapshot {
		t.Fatalf("missing tool result or snapshot in %v", eventTypes(events))
	}

	if !strings.Contains(string(res.FinalState), `"T1"`) {
		t.Fatalf("FinalState=%s", res.FinalState)
	}
	// user prompt, tool-call response, tool returns, final text response
	if len(res.FinalHistory) != 4 {
		t.Fatalf("FinalHistory has %d messages, want 4", len(res.FinalHistory))
	}
	if res.FinalHistory[2].Kind != thread.KindRequest || res.FinalHistory[2].Parts[0].Type != thread.PartToolReturn {
		t.Fatalf("third message=%+v", res.FinalHistory[2])
	}
}

func TestAgentRun_EmitFailureAborts(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{turns: []TurnResult{{Text: "hello", FinishReason: "stop"}}}
	agent, err := NewAgent(Options{Provider: provider, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	sentinel := errors.New("client gone")
	_, runErr := agent.Run(context.Background(), Request{}, func(agui.Event) error { return sentinel })
	if runErr == nil || !errors.Is(runErr, sentinel) {
		t.Fatalf("Run error=%v, want wrapped %v", runErr, sentinel)
	}
}

func TestAgentRun_ToolFailureFeedsErrorBack(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{turns: []TurnResult{
		{
			ToolCalls:    []ToolCall{{ID: "call_1", Name: "no_such_tool", ArgsJSON: json.RawMessage(`{}`)}},
			FinishReason: "tool_calls",
		},
		{Text: "sorry", FinishReason: "stop"},
	}}
	agent, err := NewAgent(Options{Provider: provider, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	_, res := collectEvents(t, agent, Request{})
	returns := res.FinalHistory[1]
	if returns.Kind != thread.KindRequest {
		t.Fatalf("second message=%+v", returns)
	}
	if !strings.Contains(string(returns.Parts[0].Result), "error") {
		t.Fatalf("Result=%s", returns.Parts[0].Result)
	}
}

func TestAgentRun_StepLimitStopsLoop(t *testing.T) {
	t.Parallel()

	turns := make([]TurnResult, 0, 8)
	for i := 0; i < 8; i++ {
		turns = append(turns, TurnResult{
			ToolCalls:    []ToolCall{{ID: "call", Name: "get_tasks", ArgsJSON: json.RawMessage(`{}`)}},
			FinishReason: "tool_calls",
		})
	}
	provider := &scriptedProvider{turns: turns}
	agent, err := NewAgent(Options{Provider: provider, Model: "test-model", MaxSteps: 3})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	if _, err := agent.Run(context.Background(), Request{}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("provider called %d times, want 3", provider.calls)
	}
}

func TestAgentRun_SendsBoardTools(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{turns: []TurnResult{{Text: "ok", FinishReason: "stop"}}}
	agent, err := NewAgent(Options{Provider: provider, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	collectEvents(t, agent, Request{})

	names := map[string]bool{}
	for _, def := range provider.lastReq.Tools {
		names[def.Name] = true
	}
	for _, want := range []string{"get_tasks", "add_tasks", "set_tasks", "get_datasets", "add_datasets", "set_datasets", "get_weather"} {
		if !names[want] {
			t.Fatalf("tool %q not sent to provider (got %v)", want, names)
		}
	}
	if strings.TrimSpace(provider.lastReq.System) == "" {
		t.Fatalf("system prompt not sent")
	}
}

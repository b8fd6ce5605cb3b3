package agui

import "encoding/json"

// Event type tags on the output stream.
const (
	EventRunStarted         = "RUN_STARTED"
	EventRunFinished        = "RUN_FINISHED"
	EventRunError           = "RUN_ERROR"
	EventTextMessageStart   = "TEXT_MESSAGE_START"
	EventTextMessageContent = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     = "TEXT_MESSAGE_END"
	EventToolCallStart      = "TOOL_CALL_START"
	EventToolCallArgs       = "TOOL_CALL_ARGS"
	EventToolCallEnd        = "TOOL_CALL_END"
	EventToolCallResult     = "TOOL_CALL_RESULT"
	EventStateSnapshot      = "STATE_SNAPSHOT"
)

// Event is one item on the output stream. Every concrete event carries its
// type tag in the serialized form.
type Event interface {
	EventType() string
}

type RunStarted struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
}

func NewRunStarted(threadID, runID string) RunStarted {
	return RunStarted{Type: EventRunStarted, ThreadID: threadID, RunID: runID}
}

func (e RunStarted) EventType() string { return EventRunStarted }

type RunFinished struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
}

func NewRunFinished(threadID, runID string) RunFinished {
	return RunFinished{Type: EventRunFinished, ThreadID: threadID, RunID: runID}
}

func (e RunFinished) EventType() string { return EventRunFinished }

type RunError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func NewRunError(message, code string) RunError {
	return RunError{Type: EventRunError, Message: message, Code: code}
}

func (e RunError) EventType() string { return EventRunError }

type TextMessageStart struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
}

func NewTextMessageStart(messageID string) TextMessageStart {
	return TextMessageStart{Type: EventTextMessageStart, MessageID: messageID, Role: RoleAssistant}
}

func (e TextMessageStart) EventType() string { return EventTextMessageStart }

type TextMessageContent struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

func NewTextMessageContent(messageID, delta string) TextMessageContent {
	return TextMessageContent{Type: EventTextMessageContent, MessageID: messageID, Delta: delta}
}

func (e TextMessageContent) EventType() string { return EventTextMessageContent }

type TextMessageEnd struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

func NewTextMessageEnd(messageID string) TextMessageEnd {
	return TextMessageEnd{Type: EventTextMessageEnd, MessageID: messageID}
}

func (e TextMessageEnd) EventType() string { return EventTextMessageEnd }

type ToolCallStart struct {
	Type         string `json:"type"`
	ToolCallID   string `json:"toolCallId"`
	ToolCallName string `json:"toolCallName"`
}

func NewToolCallStart(callID, name string) ToolCallStart {
	return ToolCallStart{Type: EventToolCallStart, ToolCallID: callID, ToolCallName: name}
}

func (e ToolCallStart) EventType() string { return EventToolCallStart }

type ToolCallArgs struct {
	Type       string `json:"type"`
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

func NewToolCallArgs(callID, delta string) ToolCallArgs {
	return ToolCallArgs{Type: EventToolCallArgs, ToolCallID: callID, Delta: delta}
}

func (e ToolCallArgs) EventType() string { return EventToolCallArgs }

type ToolCallEnd struct {
	Type       string `json:"type"`
	ToolCallID string `json:"toolCallId"`
}

func NewToolCallEnd(callID string) ToolCallEnd {
	return ToolCallEnd{Type: EventToolCallEnd, ToolCallID: callID}
}

func (e ToolCallEnd) EventType() string { return EventToolCallEnd }

type ToolCallResult struct {
	Type       string `json:"type"`
	MessageID  string `json:"messageId"`
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
}

func NewToolCallResult(messageID, callID, content string) ToolCallResult {
	return ToolCallResult{Type: EventToolCallResult, MessageID: messageID, ToolCallID: callID, Content: content}
}

func (e ToolCallResult) EventType() string { return EventToolCallResult }

type StateSnapshot struct {
	Type     string          `json:"type"`
	Snapshot json.RawMessage `json:"snapshot"`
}

func NewStateSnapshot(snapshot json.RawMessage) StateSnapshot {
	return StateSnapshot{Type: EventStateSnapshot, Snapshot: snapshot}
}

func (e StateSnapshot) EventType() string { return EventStateSnapshot }

package thread

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tracklab/tracklab-agent/internal/agui"
)

// Message kinds. A request carries input to the model (user prompts, tool
// returns); a response carries model output (text, tool calls).
const (
	KindRequest  = "request"
	KindResponse = "response"
)

// Part type tags. The stored payload is a tagged variant, not a duck-typed
// blob: readers switch on Type instead of sniffing field shapes.
const (
	PartUserPrompt = "user_prompt"
	PartText       = "text"
	PartToolCall   = "tool_call"
	PartToolReturn = "tool_return"
)

// Part is one structural element of a stored message.
type Part struct {
	Type       string          `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Message is the stored, serialized conversation record. Within a thread,
// read-back order equals append order; the slice index is the only position.
type Message struct {
	Kind  string `json:"kind"`
	Parts []Part `json:"parts"`
}

func NewUserPrompt(content string) Message {
	return Message{Kind: KindRequest, Parts: []Part{{Type: PartUserPrompt, Content: content}}}
}

func NewAssistantText(content string) Message {
	return Message{Kind: KindResponse, Parts: []Part{{Type: PartText, Content: content}}}
}

// FromClient translates a client message into the stored representation.
func FromClient(m agui.Message) Message {
	if strings.TrimSpace(m.Role) == agui.RoleAssistant {
		return NewAssistantText(m.Content)
	}
	return NewUserPrompt(m.Content)
}

// ChatMessage is the read-side projection exposed on the HTTP surface.
type ChatMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProjectChat flattens stored history into the chat view: the first user
// prompt of each request and the first non-empty text of each response.
// Messages with neither (pure tool traffic) are skipped. The external id
// keeps projected ids stable across requests.
func ProjectChat(externalID string, history []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for i, msg := range history {
		id := fmt.Sprintf("%s-history-%d", externalID, i)
		switch msg.Kind {
		case KindRequest:
			for _, part := range msg.Parts {
				if part.Type != PartUserPrompt {
					continue
				}
				out = append(out, ChatMessage{ID: id, Role: agui.RoleUser, Content: part.Content})
				break
			}
		case KindResponse:
			for _, part := range msg.Parts {
				if part.Type != PartText || strings.TrimSpace(part.Content) == "" {
					continue
				}
				out = append(out, ChatMessage{ID: id, Role: agui.RoleAssistant, Content: part.Content})
				break
			}
		}
	}
	return out
}

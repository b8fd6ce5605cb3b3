// Package agui implements the wire protocol spoken with the chat UI:
// the run request body and the incremental event stream it answers with.
//
// The shapes follow the AG-UI convention (camelCase JSON, SCREAMING_SNAKE
// event type tags) so existing frontends work unchanged.
package agui

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a client-submitted chat message. The id is assigned by the
// client and is the sole key used for server-side deduplication.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunAgentInput is the body of POST /agent. Clients may resend the entire
// conversation on every call; the server reconciles by message id.
type RunAgentInput struct {
	ThreadID string          `json:"threadId"`
	RunID    string          `json:"runId,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Messages []Message       `json:"messages"`
}

// Validate rejects malformed run requests before any storage access.
func (in *RunAgentInput) Validate() error {
	if in == nil {
		return errors.New("nil input")
	}
	if strings.TrimSpace(in.ThreadID) == "" {
		return errors.New("missing threadId")
	}
	if len(in.State) > 0 && !json.Valid(in.State) {
		return errors.New("invalid state")
	}
	for i, m := range in.Messages {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("message %d: missing id", i)
		}
		switch strings.TrimSpace(m.Role) {
		case RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
	}
	return nil
}

package thread

import (
	"encoding/json"
	"testing"

	"github.com/tracklab/tracklab-agent/internal/agui"
)

func TestProjectChat(t *testing.T) {
	t.Parallel()

	history := []Message{
		NewUserPrompt("Add a task named T1."),
		{
			Kind: KindResponse,
			Parts: []Part{
				{Type: PartToolCall, ToolName: "add_tasks", ToolCallID: "c1", Args: json.RawMessage(`{"tasks":[{"name":"T1"}]}`)},
			},
		},
		{
			Kind: KindRequest,
			Parts: []Part{
				{Type: PartToolReturn, ToolName: "add_tasks", ToolCallID: "c1", Result: json.RawMessage(`{"ok":true}`)},
			},
		},
		{
			Kind: KindResponse,
			Parts: []Part{
				{Type: PartText, Content: ""},
				{Type: PartText, Content: "Added T1."},
			},
		},
	}

	got := ProjectChat("t-9", history)
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (tool traffic skipped): %+v", len(got), got)
	}
	if got[0].ID != "t-9-history-0" || got[0].Role != "user" || got[0].Content != "Add a task named T1." {
		t.Fatalf("got[0]=%+v", got[0])
	}
	if got[1].ID != "t-9-history-3" || got[1].Role != "assistant" || got[1].Content != "Added T1." {
		t.Fatalf("got[1]=%+v", got[1])
	}
}

func TestProjectChat_FirstUserPartOnly(t *testing.T) {
	t.Parallel()

	history := []Message{
		{
			Kind: KindRequest,
			Parts: []Part{
				{Type: PartUserPrompt, Content: "first"},
				{Type: PartUserPrompt, Content: "second"},
			},
		},
	}
	got := ProjectChat("t", history)
	if len(got) != 1 || got[0].Content != "first" {
		t.Fatalf("got=%+v, want single entry with first part", got)
	}
}

func TestFromClient(t *testing.T) {
	t.Parallel()

	u := FromClient(agui.Message{ID: "u1", Role: agui.RoleUser, Content: "hi"})
	if u.Kind != KindRequest || u.Parts[0].Type != PartUserPrompt || u.Parts[0].Content != "hi" {
		t.Fatalf("user translation=%+v", u)
	}
	a := FromClient(agui.Message{ID: "a1", Role: agui.RoleAssistant, Content: "hello"})
	if a.Kind != KindResponse || a.Parts[0].Type != PartText || a.Parts[0].Content != "hello" {
		t.Fatalf("assistant translation=%+v", a)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	in := Message{
		Kind: KindResponse,
		Parts: []Part{
			{Type: PartText, Content: "done"},
			{Type: PartToolCall, ToolName: "set_tasks", ToolCallID: "c2", Args: json.RawMessage(`{"tasks":[]}`)},
		},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Message
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != in.Kind || len(out.Parts) != 2 || out.Parts[1].ToolName != "set_tasks" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestMetadataKnows(t *testing.T) {
	t.Parallel()

	m := Metadata{KnownMessageIDs: []string{"u1", "a1"}}
	if !m.Knows("u1") || !m.Knows(" a1 ") {
		t.Fatalf("Knows should match stored ids")
	}
	if m.Knows("u2") {
		t.Fatalf("Knows matched unknown id")
	}
}

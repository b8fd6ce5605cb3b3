package threadstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tracklab/tracklab-agent/internal/thread"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "threads.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_GetThreadMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	got, err := s.GetThread(context.Background(), "local", "t-missing")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got != nil {
		t.Fatalf("GetThread returned %+v for missing thread", got)
	}
}

func TestStore_CreateAndGetThread(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	in := thread.Thread{
		ID:    "t-1",
		Owner: "local",
		Title: "Thread t-1",
		Metadata: thread.Metadata{
			KnownMessageIDs: []string{"u1"},
			Source:          "test",
		},
	}
	if err := s.CreateThread(ctx, in); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	got, err := s.GetThread(ctx, "local", "t-1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got == nil {
		t.Fatalf("GetThread returned nil")
	}
	if got.Title != "Thread t-1" || got.Owner != "local" {
		t.Fatalf("thread=%+v", got)
	}
	if !got.Metadata.Knows("u1") {
		t.Fatalf("metadata lost known ids: %+v", got.Metadata)
	}
	if got.CreatedAtUnixMs <= 0 || got.UpdatedAtUnixMs <= 0 {
		t.Fatalf("timestamps not set: %+v", got)
	}

	// Threads are owner-scoped.
	other, err := s.GetThread(ctx, "someone-else", "t-1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if other != nil {
		t.Fatalf("thread leaked across owners: %+v", other)
	}
}

func TestStore_UpdateThreadMetadata(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateThread(ctx, thread.Thread{ID: "t-1", Owner: "local"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	md := thread.Metadata{KnownMessageIDs: []string{"u1", "a1", "u2"}}
	if err := s.UpdateThreadMetadata(ctx, "local", "t-1", md); err != nil {
		t.Fatalf("UpdateThreadMetadata: %v", err)
	}

	got, err := s.GetThread(ctx, "local", "t-1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(got.Metadata.KnownMessageIDs) != 3 {
		t.Fatalf("KnownMessageIDs=%v", got.Metadata.KnownMessageIDs)
	}

	if err := s.UpdateThreadMetadata(ctx, "local", "t-missing", md); err == nil {
		t.Fatalf("update of missing thread did not error")
	}
}

func TestStore_ReplaceRunRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateThread(ctx, thread.Thread{ID: "t-1", Owner: "local"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	history := []thread.Message{
		thread.NewUserPrompt("hello"),
		thread.NewAssistantText("hi"),
	}
	state := json.RawMessage(`{"tasks":[{"name":"T1","status":"pending"}],"datasets":[]}`)
	if err := s.ReplaceRun(ctx, "local", "t-1", history, state); err != nil {
		t.Fatalf("ReplaceRun: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "local", "t-1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Kind != thread.KindRequest || msgs[1].Kind != thread.KindResponse {
		t.Fatalf("order lost: %+v", msgs)
	}

	gotState, err := s.GetState(ctx, "local", "t-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(gotState) != string(state) {
		t.Fatalf("state=%s, want %s", gotState, state)
	}

	// Second run replaces wholesale.
	history = append(history, thread.NewUserPrompt("again"))
	if err := s.ReplaceRun(ctx, "local", "t-1", history, json.RawMessage(`{"tasks":[],"datasets":[]}`)); err != nil {
		t.Fatalf("ReplaceRun: %v", err)
	}
	msgs, err = s.ListMessages(ctx, "local", "t-1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages after replace, want 3", len(msgs))
	}
}

func TestStore_ReplaceRunMissingThread(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.ReplaceRun(context.Background(), "local", "t-missing", nil, json.RawMessage(`{}`))
	if err == nil {
		t.Fatalf("ReplaceRun on missing thread did not error")
	}
}

func TestStore_GetStateMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateThread(ctx, thread.Thread{ID: "t-1", Owner: "local"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	st, err := s.GetState(ctx, "local", "t-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st != nil {
		t.Fatalf("GetState=%s for thread with no snapshot", st)
	}
}

func TestStore_UpsertState(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateThread(ctx, thread.Thread{ID: "t-1", Owner: "local"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := s.UpsertState(ctx, "local", "t-1", json.RawMessage(`{"tasks":[],"datasets":[]}`)); err != nil {
		t.Fatalf("UpsertState: %v", err)
	}
	if err := s.UpsertState(ctx, "local", "t-1", json.RawMessage(`{"tasks":[{"name":"T1"}]}`)); err != nil {
		t.Fatalf("UpsertState overwrite: %v", err)
	}
	st, err := s.GetState(ctx, "local", "t-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(st) != `{"tasks":[{"name":"T1"}]}` {
		t.Fatalf("state=%s", st)
	}

	if err := s.UpsertState(ctx, "local", "t-1", json.RawMessage(`not json`)); err == nil {
		t.Fatalf("invalid payload accepted")
	}
}

func TestStore_ListThreads(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, spec := range []struct {
		id    string
		title string
		upd   int64
	}{
		{"t-old", "Old", 1000},
		{"t-new", "New", 2000},
	} {
		err := s.CreateThread(ctx, thread.Thread{
			ID: spec.id, Owner: "local", Title: spec.title,
			CreatedAtUnixMs: spec.upd, UpdatedAtUnixMs: spec.upd,
		})
		if err != nil {
			t.Fatalf("CreateThread(%s): %v", spec.id, err)
		}
	}
	if err := s.ReplaceRun(ctx, "local", "t-old", []thread.Message{thread.NewUserPrompt("x")}, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("ReplaceRun: %v", err)
	}

	out, err := s.ListThreads(ctx, "local", 0)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d threads, want 2", len(out))
	}
	// t-old was just touched by ReplaceRun, so it sorts first.
	if out[0].ID != "t-old" || out[0].MessageCount != 1 {
		t.Fatalf("out[0]=%+v", out[0])
	}
	if out[1].ID != "t-new" || out[1].MessageCount != 0 {
		t.Fatalf("out[1]=%+v", out[1])
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "threads.sqlite")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.CreateThread(ctx, thread.Thread{ID: "t-1", Owner: "local", Title: "keep"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetThread(ctx, "local", "t-1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got == nil || got.Title != "keep" {
		t.Fatalf("thread=%+v", got)
	}
}

func TestMemory_ReplaceRunFailPoint(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if err := m.CreateThread(ctx, thread.Thread{ID: "t-1", Owner: "local"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	seed := []thread.Message{thread.NewUserPrompt("first")}
	if err := m.ReplaceRun(ctx, "local", "t-1", seed, json.RawMessage(`{"tasks":[],"datasets":[]}`)); err != nil {
		t.Fatalf("ReplaceRun: %v", err)
	}

	sentinel := errors.New("disk full")
	m.CommitErr = sentinel
	err := m.ReplaceRun(ctx, "local", "t-1", []thread.Message{thread.NewUserPrompt("second")}, json.RawMessage(`{"tasks":[{"name":"T"}]}`))
	if !errors.Is(err, sentinel) {
		t.Fatalf("err=%v, want %v", err, sentinel)
	}

	// The failed commit must leave both history and state untouched.
	msgs, err := m.ListMessages(ctx, "local", "t-1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Parts[0].Content != "first" {
		t.Fatalf("history mutated by failed commit: %+v", msgs)
	}
	st, err := m.GetState(ctx, "local", "t-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if string(st) != `{"tasks":[],"datasets":[]}` {
		t.Fatalf("state mutated by failed commit: %s", st)
	}
}

// Package run coordinates one agent run end to end: thread resolution,
// history reconciliation, producer invocation, and the terminal commit.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tracklab/tracklab-agent/internal/agui"
	"github.com/tracklab/tracklab-agent/internal/board"
	"github.com/tracklab/tracklab-agent/internal/producer"
	"github.com/tracklab/tracklab-agent/internal/thread"
)

// Store is the persistence contract the coordinator consumes.
type Store interface {
	GetThread(ctx context.Context, owner string, threadID string) (*thread.Thread, error)
	CreateThread(ctx context.Context, t thread.Thread) error
	UpdateThreadMetadata(ctx context.Context, owner string, threadID string, md thread.Metadata) error
	ListThreads(ctx context.Context, owner string, limit int) ([]thread.Summary, error)
	ListMessages(ctx context.Context, owner string, threadID string) ([]thread.Message, error)
	GetState(ctx context.Context, owner string, threadID string) (json.RawMessage, error)
	UpsertState(ctx context.Context, owner string, threadID string, state json.RawMessage) error
	ReplaceRun(ctx context.Context, owner string, threadID string, history []thread.Message, state json.RawMessage) error
}

// Error codes carried on RUN_ERROR events.
const (
	CodeInvalidInput  = "invalid_input"
	CodeStorageError  = "storage_error"
	CodeProducerError = "producer_error"
)

// ErrInvalidInput marks request payloads rejected before any storage access.
var ErrInvalidInput = errors.New("invalid run input")

// threadNamespace seeds deterministic thread id derivation for external ids
// that are not RFC 4122 UUIDs. Changing it would re-home every derived thread.
var threadNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://tracklab.dev/threads"))

// ResolveThreadID maps a client-supplied thread id to the canonical internal
// id: valid UUIDs pass through in canonical form, anything else derives a
// stable version-5 UUID. The same external id always resolves the same way.
func ResolveThreadID(externalID string) (string, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", fmt.Errorf("%w: missing threadId", ErrInvalidInput)
	}
	if parsed, err := uuid.Parse(externalID); err == nil {
		return parsed.String(), nil
	}
	return uuid.NewSHA1(threadNamespace, []byte(externalID)).String(), nil
}

// Options configures a Coordinator.
type Options struct {
	Log      *slog.Logger
	Store    Store
	Producer producer.Producer
	// Owner scopes all thread rows written by this process.
	Owner string
}

// Coordinator owns the run lifecycle and the read-side projections that the
// HTTP layer serves.
type Coordinator struct {
	log      *slog.Logger
	store    Store
	producer producer.Producer
	owner    string
	gate     *gate
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Producer == nil {
		return nil, errors.New("missing Producer")
	}
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		return nil, errors.New("missing Owner")
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &Coordinator{
		log:      log,
		store:    opts.Store,
		producer: opts.Producer,
		owner:    owner,
		gate:     newGate(),
	}, nil
}

// ThreadView is the read projection for a single thread.
type ThreadView struct {
	ThreadID string          `json:"thread_id"`
	Title    string          `json:"title"`
	State    json.RawMessage `json:"state"`
}

// GetThreadView never 404s: an unknown thread reads as a fresh one with the
// default state, matching what a first run against it would see.
func (c *Coordinator) GetThreadView(ctx context.Context, externalID string) (ThreadView, error) {
	if c == nil {
		return ThreadView{}, errors.New("nil coordinator")
	}
	threadID, err := ResolveThreadID(externalID)
	if err != nil {
		return ThreadView{}, err
	}

	view := ThreadView{ThreadID: strings.TrimSpace(externalID), Title: "New thread"}

	t, err := c.store.GetThread(ctx, c.owner, threadID)
	if err != nil {
		return ThreadView{}, err
	}
	if t == nil {
		view.State = board.DefaultJSON()
		return view, nil
	}
	if strings.TrimSpace(t.Title) != "" {
		view.Title = strings.TrimSpace(t.Title)
	}

	state, err := c.store.GetState(ctx, c.owner, threadID)
	if err != nil {
		return ThreadView{}, err
	}
	if len(state) == 0 {
		state = board.DefaultJSON()
	}
	view.State = state
	return view, nil
}

// ListThreadMessages returns the chat projection of the stored history.
// Unknown threads yield an empty list.
func (c *Coordinator) ListThreadMessages(ctx context.Context, externalID string) ([]thread.ChatMessage, error) {
	if c == nil {
		return nil, errors.New("nil coordinator")
	}
	threadID, err := ResolveThreadID(externalID)
	if err != nil {
		return nil, err
	}
	history, err := c.store.ListMessages(ctx, c.owner, threadID)
	if err != nil {
		return nil, err
	}
	return thread.ProjectChat(strings.TrimSpace(externalID), history), nil
}

func (c *Coordinator) ListThreads(ctx context.Context, limit int) ([]thread.Summary, error) {
	if c == nil {
		return nil, errors.New("nil coordinator")
	}
	return c.store.ListThreads(ctx, c.owner, limit)
}

// Run executes one agent run, streaming events through emit. Any error after
// RUN_STARTED is reported on the stream as RUN_ERROR (best effort) as well
// as returned. Nothing from a failed run is persisted beyond the known-id
// bookkeeping that precedes the producer.
func (c *Coordinator) Run(ctx context.Context, input agui.RunAgentInput, emit func(agui.Event) error) error {
	if c == nil {
		return errors.New("nil coordinator")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if emit == nil {
		emit = func(agui.Event) error { return nil }
	}
	if err := input.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	externalID := strings.TrimSpace(input.ThreadID)
	threadID, err := ResolveThreadID(externalID)
	if err != nil {
		return err
	}
	runID := strings.TrimSpace(input.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}

	release, err := c.gate.acquire(ctx, threadID)
	if err != nil {
		return err
	}
	defer release()

	log := c.log.With("thread_id", threadID, "run_id", runID)
	started := time.Now()

	fail := func(code string, err error) error {
		log.Error("run failed", "code", code, "error", err)
		if emitErr := emit(agui.NewRunError(err.Error(), code)); emitErr != nil {
			log.Warn("emit RUN_ERROR failed", "error", emitErr)
		}
		return err
	}

	t, err := c.store.GetThread(ctx, c.owner, threadID)
	if err != nil {
		return fail(CodeStorageError, err)
	}
	if t == nil {
		t = &thread.Thread{
			ID:    threadID,
			Owner: c.owner,
			Title: "Thread " + externalID,
		}
		if err := c.store.CreateThread(ctx, *t); err != nil {
			return fail(CodeStorageError, err)
		}
		// A client-provided state seeds the snapshot only at creation;
		// afterwards the stored snapshot is authoritative.
		if len(input.State) > 0 && json.Valid(input.State) && string(input.State) != "null" {
			if err := c.store.UpsertState(ctx, c.owner, threadID, input.State); err != nil {
				return fail(CodeStorageError, err)
			}
		}
		log.Info("thread created", "external_id", externalID)
	}

	history, err := c.store.ListMessages(ctx, c.owner, threadID)
	if err != nil {
		return fail(CodeStorageError, err)
	}
	state, err := c.store.GetState(ctx, c.owner, threadID)
	if err != nil {
		return fail(CodeStorageError, err)
	}
	if len(state) == 0 {
		state = board.DefaultJSON()
	}

	rec := thread.Reconcile(history, t.Metadata.KnownMessageIDs, input.Messages)
	if rec.Grew {
		md := t.Metadata
		md.KnownMessageIDs = rec.KnownIDs
		if err := c.store.UpdateThreadMetadata(ctx, c.owner, threadID, md); err != nil {
			return fail(CodeStorageError, err)
		}
	}
	log.Info("run starting",
		"new_messages", len(rec.NewMessages),
		"history_len", len(rec.Merged),
	)

	if err := emit(agui.NewRunStarted(externalID, runID)); err != nil {
		return err
	}

	result, err := c.producer.Run(ctx, producer.Request{
		ThreadID: threadID,
		RunID:    runID,
		History:  rec.Merged,
		State:    state,
		Input:    rec.NewMessages,
	}, emit)
	if err != nil {
		return fail(CodeProducerError, err)
	}
	if err := ctx.Err(); err != nil {
		// Caller is gone: drop the result rather than persist a run nobody
		// received the end of.
		log.Warn("run abandoned before commit", "error", err)
		return err
	}

	finalState := result.FinalState
	if len(finalState) == 0 || !json.Valid(finalState) {
		finalState = board.DefaultJSON()
	}
	if err := c.store.ReplaceRun(ctx, c.owner, threadID, result.FinalHistory, finalState); err != nil {
		return fail(CodeStorageError, err)
	}

	if err := emit(agui.NewRunFinished(externalID, runID)); err != nil {
		return err
	}
	log.Info("run finished",
		"duration_ms", time.Since(started).Milliseconds(),
		"final_history_len", len(result.FinalHistory),
	)
	return nil
}

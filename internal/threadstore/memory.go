package threadstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tracklab/tracklab-agent/internal/thread"
)

// Memory is an in-process store with the same contract as Store. It backs
// tests that need to fail a commit deterministically; SQLite offers no such
// fail-point.
type Memory struct {
	mu sync.Mutex

	threads  map[string]thread.Thread
	messages map[string][]thread.Message
	states   map[string]json.RawMessage

	// CommitErr, when set, makes the next ReplaceRun fail before writing.
	CommitErr error
}

func NewMemory() *Memory {
	return &Memory{
		threads:  map[string]thread.Thread{},
		messages: map[string][]thread.Message{},
		states:   map[string]json.RawMessage{},
	}
}

func (m *Memory) GetThread(_ context.Context, owner string, threadID string) (*thread.Thread, error) {
	if m == nil {
		return nil, errors.New("store not initialized")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[strings.TrimSpace(threadID)]
	if !ok || t.Owner != strings.TrimSpace(owner) {
		return nil, nil
	}
	out := cloneThread(t)
	return &out, nil
}

func (m *Memory) CreateThread(_ context.Context, t thread.Thread) error {
	if m == nil {
		return errors.New("store not initialized")
	}
	t.ID = strings.TrimSpace(t.ID)
	t.Owner = strings.TrimSpace(t.Owner)
	if t.ID == "" || t.Owner == "" {
		return errors.New("invalid thread")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.threads[t.ID]; exists {
		return errors.New("thread already exists")
	}
	now := time.Now().UnixMilli()
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = now
	}
	if t.UpdatedAtUnixMs <= 0 {
		t.UpdatedAtUnixMs = t.CreatedAtUnixMs
	}
	m.threads[t.ID] = cloneThread(t)
	return nil
}

func (m *Memory) UpdateThreadMetadata(_ context.Context, owner string, threadID string, md thread.Metadata) error {
	if m == nil {
		return errors.New("store not initialized")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[strings.TrimSpace(threadID)]
	if !ok || t.Owner != strings.TrimSpace(owner) {
		return sql.ErrNoRows
	}
	t.Metadata = cloneMetadata(md)
	t.UpdatedAtUnixMs = time.Now().UnixMilli()
	m.threads[t.ID] = t
	return nil
}

func (m *Memory) ListThreads(_ context.Context, owner string, limit int) ([]thread.Summary, error) {
	if m == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	owner = strings.TrimSpace(owner)
	out := make([]thread.Summary, 0, len(m.threads))
	for _, t := range m.threads {
		if t.Owner != owner {
			continue
		}
		out = append(out, thread.Summary{
			ID:              t.ID,
			Title:           t.Title,
			MessageCount:    len(m.messages[t.ID]),
			UpdatedAtUnixMs: t.UpdatedAtUnixMs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAtUnixMs == out[j].UpdatedAtUnixMs {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAtUnixMs > out[j].UpdatedAtUnixMs
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListMessages(_ context.Context, owner string, threadID string) ([]thread.Message, error) {
	if m == nil {
		return nil, errors.New("store not initialized")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[strings.TrimSpace(threadID)]
	if !ok || t.Owner != strings.TrimSpace(owner) {
		return nil, nil
	}
	stored := m.messages[t.ID]
	out := make([]thread.Message, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *Memory) GetState(_ context.Context, owner string, threadID string) (json.RawMessage, error) {
	if m == nil {
		return nil, errors.New("store not initialized")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[strings.TrimSpace(threadID)]
	if !ok || t.Owner != strings.TrimSpace(owner) {
		return nil, nil
	}
	st, ok := m.states[t.ID]
	if !ok {
		return nil, nil
	}
	out := make(json.RawMessage, len(st))
	copy(out, st)
	return out, nil
}

func (m *Memory) UpsertState(_ context.Context, owner string, threadID string, state json.RawMessage) error {
	if m == nil {
		return errors.New("store not initialized")
	}
	if len(state) == 0 || !json.Valid(state) {
		return errors.New("invalid state payload")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[strings.TrimSpace(threadID)]
	if !ok || t.Owner != strings.TrimSpace(owner) {
		return sql.ErrNoRows
	}
	buf := make(json.RawMessage, len(state))
	copy(buf, state)
	m.states[t.ID] = buf
	return nil
}

func (m *Memory) ReplaceRun(_ context.Context, owner string, threadID string, history []thread.Message, state json.RawMessage) error {
	if m == nil {
		return errors.New("store not initialized")
	}
	if len(state) == 0 || !json.Valid(state) {
		return errors.New("invalid state payload")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CommitErr != nil {
		err := m.CommitErr
		m.CommitErr = nil
		return err
	}

	t, ok := m.threads[strings.TrimSpace(threadID)]
	if !ok || t.Owner != strings.TrimSpace(owner) {
		return sql.ErrNoRows
	}

	msgs := make([]thread.Message, len(history))
	copy(msgs, history)
	m.messages[t.ID] = msgs

	buf := make(json.RawMessage, len(state))
	copy(buf, state)
	m.states[t.ID] = buf

	t.UpdatedAtUnixMs = time.Now().UnixMilli()
	m.threads[t.ID] = t
	return nil
}

func cloneThread(t thread.Thread) thread.Thread {
	t.Metadata = cloneMetadata(t.Metadata)
	return t
}

func cloneMetadata(md thread.Metadata) thread.Metadata {
	if md.KnownMessageIDs != nil {
		ids := make([]string, len(md.KnownMessageIDs))
		copy(ids, md.KnownMessageIDs)
		md.KnownMessageIDs = ids
	}
	if md.Tags != nil {
		tags := make([]string, len(md.Tags))
		copy(tags, md.Tags)
		md.Tags = tags
	}
	if md.CustomData != nil {
		data := make(map[string]any, len(md.CustomData))
		for k, v := range md.CustomData {
			data[k] = v
		}
		md.CustomData = data
	}
	return md
}

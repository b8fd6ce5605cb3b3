// Package seed loads demo threads from a YAML file into the store. It is a
// development convenience for populating a fresh database.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tracklab/tracklab-agent/internal/agui"
	"github.com/tracklab/tracklab-agent/internal/board"
	"github.com/tracklab/tracklab-agent/internal/run"
	"github.com/tracklab/tracklab-agent/internal/thread"
)

// File is the on-disk seed format.
type File struct {
	Threads []Thread `yaml:"threads"`
}

type Thread struct {
	// ID is the external thread id, resolved the same way the run endpoint
	// resolves it.
	ID    string `yaml:"id"`
	Title string `yaml:"title,omitempty"`
	// State is the board snapshot; omitted means the empty default.
	State map[string]any `yaml:"state,omitempty"`

	Messages []Message `yaml:"messages"`
}

type Message struct {
	// ID is optional for assistant messages; user messages need one so
	// later client replays deduplicate against the seeded history.
	ID      string `yaml:"id,omitempty"`
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func (f *File) Validate() error {
	if f == nil {
		return errors.New("nil seed file")
	}
	if len(f.Threads) == 0 {
		return errors.New("seed file has no threads")
	}
	for i, t := range f.Threads {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("threads[%d]: missing id", i)
		}
		for j, m := range t.Messages {
			role := strings.TrimSpace(strings.ToLower(m.Role))
			if role != agui.RoleUser && role != agui.RoleAssistant {
				return fmt.Errorf("threads[%d].messages[%d]: unsupported role %q", i, j, m.Role)
			}
			if role == agui.RoleUser && strings.TrimSpace(m.ID) == "" {
				return fmt.Errorf("threads[%d].messages[%d]: user message needs an id", i, j)
			}
			if strings.TrimSpace(m.Content) == "" {
				return fmt.Errorf("threads[%d].messages[%d]: missing content", i, j)
			}
		}
	}
	return nil
}

// Apply writes the seed threads through the same store contracts the run
// coordinator uses. Existing threads are skipped, not overwritten.
func Apply(ctx context.Context, log *slog.Logger, store run.Store, owner string, f *File) error {
	if store == nil {
		return errors.New("missing store")
	}
	if f == nil {
		return errors.New("nil seed file")
	}
	if log == nil {
		log = slog.Default()
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return errors.New("missing owner")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for _, st := range f.Threads {
		externalID := strings.TrimSpace(st.ID)
		threadID, err := run.ResolveThreadID(externalID)
		if err != nil {
			return err
		}

		existing, err := store.GetThread(ctx, owner, threadID)
		if err != nil {
			return err
		}
		if existing != nil {
			log.Info("seed: thread exists, skipping", "external_id", externalID)
			continue
		}

		title := strings.TrimSpace(st.Title)
		if title == "" {
			title = "Thread " + externalID
		}

		history := make([]thread.Message, 0, len(st.Messages))
		knownIDs := make([]string, 0, len(st.Messages))
		for _, m := range st.Messages {
			switch strings.TrimSpace(strings.ToLower(m.Role)) {
			case agui.RoleUser:
				history = append(history, thread.NewUserPrompt(m.Content))
				knownIDs = append(knownIDs, strings.TrimSpace(m.ID))
			case agui.RoleAssistant:
				history = append(history, thread.NewAssistantText(m.Content))
			}
		}

		state, err := stateJSON(st.State)
		if err != nil {
			return fmt.Errorf("thread %s: %w", externalID, err)
		}

		if err := store.CreateThread(ctx, thread.Thread{
			ID:       threadID,
			Owner:    owner,
			Title:    title,
			Metadata: thread.Metadata{KnownMessageIDs: knownIDs, Source: "seed"},
		}); err != nil {
			return err
		}
		if err := store.ReplaceRun(ctx, owner, threadID, history, state); err != nil {
			return err
		}
		log.Info("seed: thread created", "external_id", externalID, "messages", len(history))
	}
	return nil
}

func stateJSON(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return board.DefaultJSON(), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	st, err := board.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}
	return st.MarshalJSONSnapshot()
}

// Package board defines the application state tracked alongside each
// thread: ML tasks and datasets with statuses, plus the tools the model
// uses to inspect and mutate them. The conversation core treats this state
// as an opaque blob; only this package knows its schema.
package board

import (
	"encoding/json"
	"fmt"
	"strings"
)

const StatusPending = "pending"

// Task is one tracked ML task.
type Task struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Dataset is one tracked dataset.
type Dataset struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// State is the per-thread application state snapshot.
type State struct {
	Tasks    []Task    `json:"tasks"`
	Datasets []Dataset `json:"datasets"`
}

func Default() State {
	return State{Tasks: []Task{}, Datasets: []Dataset{}}
}

// DefaultJSON is the empty snapshot stored for freshly created threads.
func DefaultJSON() json.RawMessage {
	b, _ := json.Marshal(Default())
	return b
}

// Parse decodes a stored snapshot. Empty input yields the default state;
// missing fields are normalized so callers never see nil slices.
func Parse(raw json.RawMessage) (State, error) {
	if len(raw) == 0 {
		return Default(), nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("invalid state: %w", err)
	}
	st.normalize()
	return st, nil
}

func (s *State) normalize() {
	if s.Tasks == nil {
		s.Tasks = []Task{}
	}
	if s.Datasets == nil {
		s.Datasets = []Dataset{}
	}
	for i := range s.Tasks {
		if strings.TrimSpace(s.Tasks[i].Status) == "" {
			s.Tasks[i].Status = StatusPending
		}
	}
	for i := range s.Datasets {
		if strings.TrimSpace(s.Datasets[i].Status) == "" {
			s.Datasets[i].Status = StatusPending
		}
	}
}

// MarshalJSONSnapshot serializes the current state for persistence and for
// STATE_SNAPSHOT events.
func (s *State) MarshalJSONSnapshot() (json.RawMessage, error) {
	if s == nil {
		return DefaultJSON(), nil
	}
	s.normalize()
	return json.Marshal(s)
}

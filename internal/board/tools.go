package board

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolDef describes one callable tool in provider-neutral form.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CallOutcome is the result of executing a tool against the state handle.
type CallOutcome struct {
	// ResultJSON is fed back to the model as the tool return value.
	ResultJSON json.RawMessage
	// Snapshot is non-nil when the call mutated the state; the caller is
	// expected to surface it as a STATE_SNAPSHOT event.
	Snapshot json.RawMessage
}

const (
	taskListSchema = `{
  "type": "object",
  "properties": {
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "status": {"type": "string"}
        },
        "required": ["name"]
      }
    }
  },
  "required": ["tasks"]
}`
	datasetListSchema = `{
  "type": "object",
  "properties": {
    "datasets": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "status": {"type": "string"}
        },
        "required": ["name"]
      }
    }
  },
  "required": ["datasets"]
}`
	emptySchema    = `{"type": "object", "properties": {}}`
	locationSchema = `{
  "type": "object",
  "properties": {
    "location": {"type": "string"}
  },
  "required": ["location"]
}`
)

// Tools lists everything the model may call during a run.
func Tools() []ToolDef {
	return []ToolDef{
		{Name: "get_tasks", Description: "Get the current list of ML tasks.", InputSchema: json.RawMessage(emptySchema)},
		{Name: "add_tasks", Description: "Append tasks to the tracked ML task list.", InputSchema: json.RawMessage(taskListSchema)},
		{Name: "set_tasks", Description: "Replace the tracked ML task list.", InputSchema: json.RawMessage(taskListSchema)},
		{Name: "get_datasets", Description: "Get the current list of datasets.", InputSchema: json.RawMessage(emptySchema)},
		{Name: "add_datasets", Description: "Append datasets to the tracked dataset list.", InputSchema: json.RawMessage(datasetListSchema)},
		{Name: "set_datasets", Description: "Replace the tracked dataset list.", InputSchema: json.RawMessage(datasetListSchema)},
		{Name: "get_weather", Description: "Get the weather for a given location. Ensure location is fully spelled out.", InputSchema: json.RawMessage(locationSchema)},
	}
}

// SystemPrompt is the instruction set given to the model on every run.
func SystemPrompt() string {
	return strings.TrimSpace(`
You are a helpful assistant that helps manage machine learning tasks and datasets.

The user tracks tasks and datasets with statuses. Use the tools to list or update
tasks and datasets before referencing them in your response.
`)
}

type taskArgs struct {
	Tasks []Task `json:"tasks"`
}

type datasetArgs struct {
	Datasets []Dataset `json:"datasets"`
}

type weatherArgs struct {
	Location string `json:"location"`
}

// Call executes a tool against the state handle.
func (s *State) Call(name string, args json.RawMessage) (CallOutcome, error) {
	if s == nil {
		return CallOutcome{}, fmt.Errorf("nil state")
	}
	s.normalize()
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	switch strings.TrimSpace(name) {
	case "get_tasks":
		return s.resultOnly(s.Tasks)
	case "add_tasks":
		var in taskArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return CallOutcome{}, fmt.Errorf("add_tasks: %w", err)
		}
		s.Tasks = append(s.Tasks, in.Tasks...)
		return s.withSnapshot()
	case "set_tasks":
		var in taskArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return CallOutcome{}, fmt.Errorf("set_tasks: %w", err)
		}
		s.Tasks = in.Tasks
		return s.withSnapshot()
	case "get_datasets":
		return s.resultOnly(s.Datasets)
	case "add_datasets":
		var in datasetArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return CallOutcome{}, fmt.Errorf("add_datasets: %w", err)
		}
		s.Datasets = append(s.Datasets, in.Datasets...)
		return s.withSnapshot()
	case "set_datasets":
		var in datasetArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return CallOutcome{}, fmt.Errorf("set_datasets: %w", err)
		}
		s.Datasets = in.Datasets
		return s.withSnapshot()
	case "get_weather":
		var in weatherArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return CallOutcome{}, fmt.Errorf("get_weather: %w", err)
		}
		loc := strings.TrimSpace(in.Location)
		if loc == "" {
			loc = "the requested location"
		}
		return s.resultOnly(fmt.Sprintf("The weather in %s is sunny.", loc))
	default:
		return CallOutcome{}, fmt.Errorf("unknown tool %q", name)
	}
}

func (s *State) resultOnly(v any) (CallOutcome, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return CallOutcome{}, err
	}
	return CallOutcome{ResultJSON: b}, nil
}

func (s *State) withSnapshot() (CallOutcome, error) {
	snap, err := s.MarshalJSONSnapshot()
	if err != nil {
		return CallOutcome{}, err
	}
	return CallOutcome{ResultJSON: snap, Snapshot: snap}, nil
}

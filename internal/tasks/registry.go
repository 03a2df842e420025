package tasks

import (
	"context"
	"encoding/json"
)

// Parameter types exposed to schedule editors.
const (
	ParamBoolean     = "boolean"
	ParamNumber      = "number"
	ParamNumberArray = "number_array"
	ParamString      = "string"
)

// Param describes one task parameter for UI-driven schedule editing.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Default     any      `json:"default,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Source      string   `json:"source,omitempty"`
}

// Definition is the in-memory registration record for a task.
type Definition struct {
	TaskID      string  `json:"task_id"`
	TaskName    string  `json:"task_name"`
	Description string  `json:"description"`
	Parameters  []Param `json:"parameter_schema"`
}

// Progress is the latest published state of a running task.
type Progress struct {
	Status       string `json:"status,omitempty"`
	Total        *int   `json:"total,omitempty"`
	SuccessCount *int   `json:"success_count,omitempty"`
	ErrorCount   *int   `json:"error_count,omitempty"`
	CurrentItem  string `json:"current_item,omitempty"`
}

// Result is what a task run returns. Status must be success, warning, or
// error; the engine handles cancellation itself.
type Result struct {
	Status  string
	Message string
	Details json.RawMessage
	Total   *int
	Success *int
	Errors  *int
}

// RunContext is handed to each run. Publish stores the latest progress
// snapshot; the engine exposes it through task status queries.
type RunContext struct {
	Params  json.RawMessage
	Publish func(Progress)
}

// RunFunc is the body of a task. It must honor ctx cancellation at every
// suspension point.
type RunFunc func(ctx context.Context, rc *RunContext) (Result, error)

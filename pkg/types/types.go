package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Priority bounds. Lower value means earlier dispatch.
const (
	PriorityHighest = 0
	PriorityLowest  = 3
	PriorityDefault = 2
)

// Dependency is an edge from a task to one of its prerequisites
type Dependency struct {
	ID       string `json:"id"`
	Required bool   `json:"required"`
}

// UnmarshalJSON accepts either a plain task id or the {id, required}
// object form. Required defaults to true when omitted.
func (d *Dependency) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		d.ID = id
		d.Required = true
		return nil
	}

	var obj struct {
		ID       string `json:"id"`
		Required *bool  `json:"required"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid dependency: %w", err)
	}
	d.ID = obj.ID
	d.Required = true
	if obj.Required != nil {
		d.Required = *obj.Required
	}
	return nil
}

// Task is a single node in a task tree
type Task struct {
	ID              string         `json:"id"`
	ParentID        string         `json:"parent_id,omitempty"`
	UserID          string         `json:"user_id"`
	Name            string         `json:"name"`
	Schemas         map[string]any `json:"schemas,omitempty"`
	Priority        int            `json:"priority"`
	Dependencies    []Dependency   `json:"dependencies,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	Status          TaskStatus     `json:"status"`
	Progress        float64        `json:"progress"`
	Result          any            `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	OriginalTaskID  string         `json:"original_task_id,omitempty"`
	HasCopy         bool           `json:"has_copy,omitempty"`
	SubmissionOrder int64          `json:"submission_order"`
}

// UnmarshalJSON decodes a task, defaulting Priority to PriorityDefault
// when the field is absent. 0 is a valid (highest) priority, so absence
// cannot be detected from the zero value.
func (t *Task) UnmarshalJSON(data []byte) error {
	type alias Task
	aux := struct {
		Priority *int `json:"priority"`
		*alias
	}{alias: (*alias)(t)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Priority == nil {
		t.Priority = PriorityDefault
	} else {
		t.Priority = *aux.Priority
	}
	return nil
}

// ExecutorID returns the executor selector for the task: an explicit
// schemas.method entry wins, otherwise the task name is the selector.
func (t *Task) ExecutorID() string {
	if t.Schemas != nil {
		if m, ok := t.Schemas["method"].(string); ok && m != "" {
			return m
		}
	}
	return t.Name
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == ""
}

// DependsOn reports whether the task declares a dependency on id.
func (t *Task) DependsOn(id string) bool {
	for _, d := range t.Dependencies {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task. Map and slice state is
// duplicated so callers can mutate the copy freely.
func (t *Task) Clone() *Task {
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = make([]Dependency, len(t.Dependencies))
		copy(c.Dependencies, t.Dependencies)
	}
	c.Schemas = cloneMap(t.Schemas)
	c.Inputs = cloneMap(t.Inputs)
	c.Params = cloneMap(t.Params)
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// TaskDelta is a selective update applied to a persisted task. Nil
// pointer fields are left untouched. ParentID and UserID are present
// only so that attempts to change them can be rejected.
type TaskDelta struct {
	Name         *string         `json:"name,omitempty"`
	Priority     *int            `json:"priority,omitempty"`
	Dependencies *[]Dependency   `json:"dependencies,omitempty"`
	Inputs       *map[string]any `json:"inputs,omitempty"`
	Params       *map[string]any `json:"params,omitempty"`
	Schemas      *map[string]any `json:"schemas,omitempty"`
	Status       *TaskStatus     `json:"status,omitempty"`
	Progress     *float64        `json:"progress,omitempty"`
	Result       any             `json:"result,omitempty"`
	ResultSet    bool            `json:"-"`
	Error        *string         `json:"error,omitempty"`
	ParentID     *string         `json:"parent_id,omitempty"`
	UserID       *string         `json:"user_id,omitempty"`

	// ExpectedUpdatedAt enables optimistic concurrency: when set, the
	// update is rejected unless it matches the stored timestamp.
	ExpectedUpdatedAt *time.Time `json:"-"`

	// ForceRestart permits the pending/in_progress transition on a
	// terminal task during re-execution. Never set from API input.
	ForceRestart bool `json:"-"`
}

// TaskFilter selects tasks for list queries
type TaskFilter struct {
	UserID string
	Status TaskStatus
	Limit  int
	Offset int
}

// Principal is the authenticated caller
type Principal struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// CanAccess reports whether the principal may touch a task owned by
// userID.
func (p Principal) CanAccess(userID string) bool {
	return p.IsAdmin() || p.UserID == userID
}

// EventType identifies a progress event
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskProgress  EventType = "task.progress"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
	EventRunFinal      EventType = "run.final"
	EventStreamEnd     EventType = "stream.end"
)

// Event is a progress notification published on a root task's topic
type Event struct {
	Type       EventType  `json:"type"`
	TaskID     string     `json:"task_id,omitempty"`
	RootTaskID string     `json:"root_task_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Status     TaskStatus `json:"status,omitempty"`
	Progress   float64    `json:"progress"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// RunStatus is the aggregate outcome of one scheduler run
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// PushConfig configures HTTP push delivery of events for one run
type PushConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Token   string            `json:"token,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

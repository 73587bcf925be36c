package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yitercel/taskflow/pkg/taskerr"
	"github.com/yitercel/taskflow/pkg/types"
)

// Executor is the capability set the scheduler sees. Concrete
// implementations (HTTP, shell, anything else) live behind it; the core
// never learns their kind.
type Executor interface {
	ID() string
	Name() string
	Description() string

	// InputSchema returns a JSON-Schema mapping describing the inputs.
	// Defaults declared under properties.<field>.default participate in
	// input resolution; the required list is validated before Execute.
	InputSchema() map[string]any

	// Execute performs the task's work. It must observe ctx
	// cancellation and always returns a terminal Outcome; it never
	// panics across this boundary (the adapter recovers just in case).
	Execute(ctx context.Context, inputs map[string]any) Outcome
}

// Canceler is an optional capability: executors that can abort work in
// flight implement it and are invoked on cancellation.
type Canceler interface {
	Cancel()
}

// PartialResulter is an optional capability: executors that can report
// a partial result after cancellation implement it.
type PartialResulter interface {
	PartialResult() any
}

// ProgressFunc receives intermediate progress in [0,1] plus an optional
// status message.
type ProgressFunc func(progress float64, message string)

// ProgressAware is an optional capability: executors that report
// intermediate progress receive a sink before Execute is called.
type ProgressAware interface {
	OnProgress(ProgressFunc)
}

// Outcome is the discriminated result of one execution. The scheduler
// branches on Status instead of catching raised errors.
type Outcome struct {
	Status types.TaskStatus
	Result any
	Error  string
}

// Completed builds a successful outcome.
func Completed(result any) Outcome {
	return Outcome{Status: types.TaskStatusCompleted, Result: result}
}

// Failed builds a failed outcome.
func Failed(err error) Outcome {
	return Outcome{Status: types.TaskStatusFailed, Error: err.Error()}
}

// Failedf builds a failed outcome from a format string.
func Failedf(format string, args ...any) Outcome {
	return Outcome{Status: types.TaskStatusFailed, Error: fmt.Sprintf(format, args...)}
}

// Cancelled builds a cancelled outcome carrying any partial result.
func Cancelled(partial any) Outcome {
	return Outcome{Status: types.TaskStatusCancelled, Result: partial}
}

// Factory constructs an executor instance from a task's params.
type Factory func(params map[string]any) (Executor, error)

// Skill describes one registered executor for the agent card.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// Registry resolves executor selectors to factories. Registration
// happens at process start; resolution is read-heavy afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	skills    map[string]Skill
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		skills:    make(map[string]Skill),
	}
}

// Register adds an executor factory under its id.
func (r *Registry) Register(skill Skill, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[skill.ID] = f
	r.skills[skill.ID] = skill
}

// Resolve builds the executor for a task. The selector is
// schemas.method when present, else the task name.
func (r *Registry) Resolve(task *types.Task) (Executor, error) {
	id := task.ExecutorID()
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, taskerr.New(taskerr.CodeUnknownRef,
			"no executor registered for %q", id).WithTask(task.ID)
	}
	exec, err := f(task.Params)
	if err != nil {
		return nil, taskerr.New(taskerr.CodeExecutor,
			"executor %q construction failed: %v", id, err).WithTask(task.ID)
	}
	return exec, nil
}

// Has reports whether an executor is registered under id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// Skills lists the registered executors, sorted by id.
func (r *Registry) Skills() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

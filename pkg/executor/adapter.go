package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yitercel/taskflow/pkg/log"
	"github.com/yitercel/taskflow/pkg/metrics"
	"github.com/yitercel/taskflow/pkg/taskerr"
	"github.com/yitercel/taskflow/pkg/types"
)

// PreHook runs before execution and may mutate task.Inputs in place.
type PreHook func(task *types.Task) error

// PostHook runs after the executor returns.
type PostHook func(task *types.Task, inputs map[string]any, outcome Outcome) error

// Adapter bridges the scheduler to executors: it resolves the effective
// inputs, runs the hook chains, and converts panics and context
// cancellation into terminal outcomes.
type Adapter struct {
	registry   *Registry
	preHooks   []PreHook
	postHooks  []PostHook
	hooksFatal bool
	logger     zerolog.Logger
}

// NewAdapter creates an adapter over a registry. When hooksFatal is set
// a failing hook fails the task instead of just being logged.
func NewAdapter(registry *Registry, hooksFatal bool) *Adapter {
	return &Adapter{
		registry:   registry,
		hooksFatal: hooksFatal,
		logger:     log.WithComponent("executor"),
	}
}

// RegisterPreHook appends a pre-hook. Pre-hooks run in registration
// order.
func (a *Adapter) RegisterPreHook(h PreHook) {
	a.preHooks = append(a.preHooks, h)
}

// RegisterPostHook appends a post-hook. Post-hooks run in reverse
// registration order.
func (a *Adapter) RegisterPostHook(h PostHook) {
	a.postHooks = append(a.postHooks, h)
}

// Run executes one task. depResults maps required dependency ids to
// their results; the projection into inputs follows the task's
// dependency declaration order. onProgress, when non-nil, receives
// intermediate progress from executors that report it.
func (a *Adapter) Run(ctx context.Context, task *types.Task, depResults map[string]any, onProgress ProgressFunc) Outcome {
	exec, err := a.registry.Resolve(task)
	if err != nil {
		return Outcome{Status: types.TaskStatusFailed, Error: err.Error()}
	}

	inputs, err := a.ResolveInputs(task, exec.InputSchema(), depResults)
	if err != nil {
		return Outcome{Status: types.TaskStatusFailed, Error: err.Error()}
	}

	if pa, ok := exec.(ProgressAware); ok && onProgress != nil {
		pa.OnProgress(onProgress)
	}

	// Cancel capability: when the context ends first, give the executor
	// its cancel signal.
	if c, ok := exec.(Canceler); ok {
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				c.Cancel()
			case <-watchDone:
			}
		}()
	}

	started := time.Now()
	outcome := a.safeExecute(ctx, exec, inputs)
	metrics.ExecutorDuration.WithLabelValues(exec.ID()).Observe(time.Since(started).Seconds())

	if ctx.Err() != nil && outcome.Status != types.TaskStatusCompleted {
		// Context cancellation wins over whatever error the executor
		// reported on its way out.
		partial := outcome.Result
		if p, ok := exec.(PartialResulter); ok && partial == nil {
			partial = p.PartialResult()
		}
		outcome = Cancelled(partial)
	}

	a.runPostHooks(task, inputs, &outcome)
	return outcome
}

// safeExecute invokes the executor with panic recovery: a panicking
// executor yields a failed outcome, never a crashed scheduler worker.
func (a *Adapter) safeExecute(ctx context.Context, exec Executor, inputs map[string]any) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("executor", exec.ID()).
				Interface("panic", r).
				Msg("executor panicked")
			outcome = Failedf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, inputs)
}

// ResolveInputs composes the effective inputs, lowest to highest
// priority: schema defaults, persisted inputs, required dependency
// results under their declared binding, then pre-hooks. Missing
// schema-required fields fail resolution.
func (a *Adapter) ResolveInputs(task *types.Task, schema map[string]any, depResults map[string]any) (map[string]any, error) {
	merged := make(map[string]any)

	for field, def := range schemaDefaults(schema) {
		merged[field] = def
	}
	for k, v := range task.Inputs {
		merged[k] = v
	}

	// Project dependency results in declaration order. A binding maps a
	// dependency id to the input field its result lands in; unbound
	// results are grouped under the reserved "dependencies" key.
	bindings := depBindings(task)
	unbound := make(map[string]any)
	for _, d := range task.Dependencies {
		if !d.Required {
			continue
		}
		result, ok := depResults[d.ID]
		if !ok {
			continue
		}
		if field, bound := bindings[d.ID]; bound {
			merged[field] = result
		} else {
			unbound[d.ID] = result
		}
	}
	if len(unbound) > 0 {
		merged["dependencies"] = unbound
	}

	// Pre-hooks are the highest-priority layer. They see and mutate the
	// resolved inputs through the task.
	work := task.Clone()
	work.Inputs = merged
	for _, h := range a.preHooks {
		if err := h(work); err != nil {
			if a.hooksFatal {
				return nil, taskerr.New(taskerr.CodeExecutor,
					"pre-hook failed: %v", err).WithTask(task.ID)
			}
			a.logger.Warn().Err(err).Str("task_id", task.ID).Msg("pre-hook failed")
		}
	}
	merged = work.Inputs

	if missing := missingRequired(schema, merged); len(missing) > 0 {
		return nil, taskerr.New(taskerr.CodeInputResolution,
			"required inputs unbound after resolution").
			WithTask(task.ID).
			WithDetail("missing", missing)
	}
	return merged, nil
}

func (a *Adapter) runPostHooks(task *types.Task, inputs map[string]any, outcome *Outcome) {
	for i := len(a.postHooks) - 1; i >= 0; i-- {
		if err := a.postHooks[i](task, inputs, *outcome); err != nil {
			if a.hooksFatal {
				*outcome = Failedf("post-hook failed: %v", err)
				return
			}
			a.logger.Warn().Err(err).Str("task_id", task.ID).Msg("post-hook failed")
		}
	}
}

// schemaDefaults extracts properties.<field>.default values.
func schemaDefaults(schema map[string]any) map[string]any {
	out := make(map[string]any)
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return out
	}
	for field, raw := range props {
		spec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if def, ok := spec["default"]; ok {
			out[field] = def
		}
	}
	return out
}

// missingRequired returns schema-required fields absent from inputs.
func missingRequired(schema map[string]any, inputs map[string]any) []string {
	var missing []string
	required, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	for _, raw := range required {
		field, ok := raw.(string)
		if !ok {
			continue
		}
		if _, present := inputs[field]; !present {
			missing = append(missing, field)
		}
	}
	return missing
}

// depBindings reads schemas.bindings, a mapping of dependency id to
// input field name.
func depBindings(task *types.Task) map[string]string {
	out := make(map[string]string)
	if task.Schemas == nil {
		return out
	}
	raw, ok := task.Schemas["bindings"].(map[string]any)
	if !ok {
		return out
	}
	for depID, v := range raw {
		if field, ok := v.(string); ok {
			out[depID] = field
		}
	}
	return out
}

// Describe returns a short human-readable identity for logs.
func Describe(e Executor) string {
	return fmt.Sprintf("%s (%s)", e.ID(), e.Name())
}

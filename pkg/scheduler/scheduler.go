package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yitercel/taskflow/pkg/events"
	"github.com/yitercel/taskflow/pkg/executor"
	"github.com/yitercel/taskflow/pkg/graph"
	"github.com/yitercel/taskflow/pkg/log"
	"github.com/yitercel/taskflow/pkg/metrics"
	"github.com/yitercel/taskflow/pkg/storage"
	"github.com/yitercel/taskflow/pkg/taskerr"
	"github.com/yitercel/taskflow/pkg/types"
)

// Options configures the scheduler.
type Options struct {
	// WorkerPoolSize bounds concurrent task executions across all runs.
	WorkerPoolSize int

	// CancelGrace is how long a cancelled executor gets to return before
	// its result is abandoned.
	CancelGrace time.Duration
}

// Scheduler drives task-tree runs: it resolves the execute set for a
// target, dispatches ready tasks through a shared worker pool in
// dependency order, and publishes progress on the tree's event topic.
// At most one run per tree is in flight at a time.
type Scheduler struct {
	store   storage.Store
	adapter *executor.Adapter
	bus     *events.Bus
	slots   chan struct{}
	grace   time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	runs    map[string]*run   // keyed by root task id
	byTask  map[string]string // execute-set member -> root task id
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler over the given store, adapter and event bus.
func New(store storage.Store, adapter *executor.Adapter, bus *events.Bus, opts Options) *Scheduler {
	if opts.WorkerPoolSize < 1 {
		opts.WorkerPoolSize = 1
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 5 * time.Second
	}
	return &Scheduler{
		store:   store,
		adapter: adapter,
		bus:     bus,
		slots:   make(chan struct{}, opts.WorkerPoolSize),
		grace:   opts.CancelGrace,
		logger:  log.WithComponent("scheduler"),
		runs:    make(map[string]*run),
		byTask:  make(map[string]string),
	}
}

// Handle tracks one run started asynchronously.
type Handle struct {
	RunID      string
	RootTaskID string
	TargetID   string

	done   chan struct{}
	result *RunResult
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the aggregate outcome, or nil while the run is still
// in flight.
func (h *Handle) Result() *RunResult {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

// RunResult is the aggregate outcome of one finished run.
type RunResult struct {
	RunID      string          `json:"run_id"`
	RootTaskID string          `json:"root_task_id"`
	TargetID   string          `json:"target_task_id"`
	Status     types.RunStatus `json:"status"`
	Completed  int             `json:"completed"`
	Failed     int             `json:"failed"`
	Cancelled  int             `json:"cancelled"`
	Result     any             `json:"result,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// RunInfo is a point-in-time snapshot of an active run.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	RootTaskID string    `json:"root_task_id"`
	TargetID   string    `json:"target_task_id"`
	StartedAt  time.Time `json:"started_at"`
	Total      int       `json:"total"`
	Pending    int       `json:"pending"`
	Running    []string  `json:"running,omitempty"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Cancelled  int       `json:"cancelled"`
}

// Start begins executing the subtree rooted at taskID and returns
// immediately. A terminal target re-runs together with everything it
// transitively depends on. At most one run per tree may be active;
// starting a second returns ALREADY_RUNNING.
func (s *Scheduler) Start(taskID string) (*Handle, error) {
	target, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	root, err := s.store.GetRoot(taskID)
	if err != nil {
		return nil, err
	}
	tree, err := s.store.GetTree(root.ID)
	if err != nil {
		return nil, err
	}

	r, err := s.newRun(graph.Build(tree), root, target)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		r.cancel()
		return nil, taskerr.New(taskerr.CodeState, "scheduler is shutting down")
	}
	if existing, ok := s.runs[root.ID]; ok {
		s.mu.Unlock()
		r.cancel()
		return nil, taskerr.New(taskerr.CodeAlreadyRunning,
			"tree is already executing (run %s)", existing.id).WithTask(root.ID)
	}
	s.runs[root.ID] = r
	for id := range r.executeSet {
		s.byTask[id] = root.ID
	}
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.RunsActive.Inc()
	r.logger.Info().
		Str("target_id", target.ID).
		Int("tasks", len(r.executeSet)).
		Msg("run started")
	go r.loop()
	return r.handle, nil
}

// Execute runs the subtree rooted at taskID and blocks until it
// finishes. When ctx ends first the run is cancelled and the partial
// aggregate is returned together with the context error.
func (s *Scheduler) Execute(ctx context.Context, taskID string) (*RunResult, error) {
	h, err := s.Start(taskID)
	if err != nil {
		return nil, err
	}
	select {
	case <-h.Done():
		return h.Result(), nil
	case <-ctx.Done():
		s.CancelRun(h.RootTaskID)
		<-h.Done()
		return h.Result(), ctx.Err()
	}
}

// Cancel cancels a single task. A running task gets its context
// cancelled and the configured grace period; a queued task is removed
// from the ready queue. Cancelling the root or target of an active run
// cancels the whole run. Outside any run, a pending or stale
// in-progress task is marked cancelled directly.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	var r *run
	if rootID, ok := s.byTask[taskID]; ok {
		r = s.runs[rootID]
	}
	if r == nil {
		r = s.runs[taskID]
	}
	s.mu.Unlock()

	if r != nil {
		if taskID == r.rootID || taskID == r.targetID {
			r.cancelAll("cancelled by request")
			return nil
		}
		return r.cancelTask(taskID)
	}
	return s.cancelIdle(taskID)
}

// CancelRun cancels the active run for a root task id. Cancelling an
// unknown root is a no-op.
func (s *Scheduler) CancelRun(rootID string) {
	s.mu.Lock()
	r := s.runs[rootID]
	s.mu.Unlock()
	if r != nil {
		r.cancelAll("cancelled by request")
	}
}

// cancelIdle marks a task cancelled when no run owns it. An
// in-progress task here is stale state from an interrupted process.
func (s *Scheduler) cancelIdle(taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case types.TaskStatusPending, types.TaskStatusInProgress:
		st := types.TaskStatusCancelled
		msg := "cancelled by request"
		if _, err := s.store.UpdateTask(taskID, &types.TaskDelta{Status: &st, Error: &msg}); err != nil {
			return err
		}
		// Only an already-open topic (a subscriber waiting on a run that
		// never started) hears about this; a one-off cancel must not
		// create a topic nothing will ever close.
		if root, rerr := s.store.GetRoot(taskID); rerr == nil {
			s.bus.PublishIfOpen(root.ID, &types.Event{
				Type:   types.EventTaskCancelled,
				TaskID: taskID,
				Status: types.TaskStatusCancelled,
				Error:  msg,
			})
		}
		return nil
	default:
		return taskerr.State(taskID, "task is %s and cannot be cancelled", task.Status)
	}
}

// Running returns a snapshot of every active run, ordered by root id.
func (s *Scheduler) Running() []RunInfo {
	s.mu.Lock()
	active := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		active = append(active, r)
	}
	s.mu.Unlock()

	out := make([]RunInfo, 0, len(active))
	for _, r := range active {
		out = append(out, r.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RootTaskID < out[j].RootTaskID })
	return out
}

// RunningStatus returns the snapshot for one active run.
func (s *Scheduler) RunningStatus(rootID string) (*RunInfo, error) {
	s.mu.Lock()
	r := s.runs[rootID]
	s.mu.Unlock()
	if r == nil {
		return nil, taskerr.New(taskerr.CodeNotFound, "no active run for tree").WithTask(rootID)
	}
	info := r.info()
	return &info, nil
}

// RunningCount returns the number of active runs.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Stop cancels every active run, refuses new ones, and blocks until the
// in-flight work has drained.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	active := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		active = append(active, r)
	}
	s.mu.Unlock()

	for _, r := range active {
		r.cancelAll("server shutting down")
	}
	s.wg.Wait()
}

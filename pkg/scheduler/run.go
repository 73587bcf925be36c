package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yitercel/taskflow/pkg/executor"
	"github.com/yitercel/taskflow/pkg/graph"
	"github.com/yitercel/taskflow/pkg/metrics"
	"github.com/yitercel/taskflow/pkg/taskerr"
	"github.com/yitercel/taskflow/pkg/types"
)

// run is the execution state for one tree. All fields behind mu are the
// in-memory truth for the duration of the run; the store is updated on
// every status edge so observers see consistent rows.
type run struct {
	s        *Scheduler
	id       string
	rootID   string
	targetID string
	handle   *Handle
	logger   zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	mu         sync.Mutex
	tasks      map[string]*types.Task
	state      map[string]types.TaskStatus
	executeSet map[string]bool
	waiters    map[string][]string // dependency id -> execute-set members waiting on it
	results    map[string]any      // completed results, including pre-run ones
	ready      *readyQueue
	queued     map[string]bool
	running    map[string]*inflight
	counts     struct{ completed, failed, cancelled int }
	cancelMsg  string

	wake chan struct{}
}

// inflight tracks one dispatched task.
type inflight struct {
	cancel    context.CancelFunc
	requested bool
}

// newRun resolves the execute set for a target and builds the run
// state. The execute set is the pending part of the target's subtree
// plus the pending part of each member's dependency closure; a terminal
// target additionally re-runs its whole dependency closure regardless
// of prior status.
func (s *Scheduler) newRun(idx *graph.Indexes, root, target *types.Task) (*run, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		s:          s,
		id:         uuid.NewString(),
		rootID:     root.ID,
		targetID:   target.ID,
		ctx:        ctx,
		cancel:     cancel,
		startedAt:  time.Now().UTC(),
		tasks:      make(map[string]*types.Task, len(idx.Tasks)),
		state:      make(map[string]types.TaskStatus, len(idx.Tasks)),
		executeSet: make(map[string]bool),
		waiters:    make(map[string][]string),
		results:    make(map[string]any),
		ready:      newReadyQueue(),
		queued:     make(map[string]bool),
		running:    make(map[string]*inflight),
		wake:       make(chan struct{}, 1),
	}
	r.logger = s.logger.With().Str("run_id", r.id).Str("root_id", root.ID).Logger()
	r.handle = &Handle{
		RunID:      r.id,
		RootTaskID: root.ID,
		TargetID:   target.ID,
		done:       make(chan struct{}),
	}

	for id, t := range idx.Tasks {
		r.tasks[id] = t.Clone()
		r.state[id] = t.Status
	}

	scope := map[string]bool{target.ID: true}
	for _, d := range idx.Descendants(target.ID) {
		scope[d] = true
	}
	for id := range scope {
		for dep := range idx.DependencyClosure(id) {
			switch r.state[dep] {
			case types.TaskStatusPending, types.TaskStatusInProgress:
				// in_progress here is stale state from an interrupted
				// process; the task restarts.
				r.executeSet[dep] = true
			}
		}
	}
	if target.Status.Terminal() {
		for dep := range idx.DependencyClosure(target.ID) {
			r.executeSet[dep] = true
		}
	}
	if len(r.executeSet) == 0 {
		cancel()
		return nil, taskerr.State(target.ID, "nothing to execute: task is %s", target.Status)
	}

	// In-memory reset for re-execution. The store keeps the old terminal
	// rows until each task actually restarts, so an interrupted run never
	// loses settled results.
	for id := range r.executeSet {
		r.state[id] = types.TaskStatusPending
	}

	for id, st := range r.state {
		if st == types.TaskStatusCompleted {
			r.results[id] = r.tasks[id].Result
		}
	}

	// Tree copies keep dependency references into the source tree; those
	// externals are settled, so resolve them once up front.
	for id := range r.executeSet {
		for _, d := range r.tasks[id].Dependencies {
			if _, known := r.state[d.ID]; known {
				continue
			}
			ext, err := s.store.GetTask(d.ID)
			if err != nil {
				r.state[d.ID] = types.TaskStatusFailed
				r.logger.Warn().
					Str("task_id", id).
					Str("dep_id", d.ID).
					Msg("external dependency not found, treating as failed")
				continue
			}
			r.state[d.ID] = ext.Status
			if ext.Status == types.TaskStatusCompleted {
				r.results[d.ID] = ext.Result
			}
		}
	}

	for id := range r.executeSet {
		for _, d := range r.tasks[id].Dependencies {
			r.waiters[d.ID] = append(r.waiters[d.ID], id)
		}
	}
	return r, nil
}

// loop is the dispatch cycle: seed the ready queue, then pair ready
// tasks with worker slots until every execute-set member is settled.
func (r *run) loop() {
	defer r.s.wg.Done()

	r.mu.Lock()
	for id := range r.executeSet {
		r.maybeEnqueueLocked(id)
	}
	r.mu.Unlock()

	for {
		r.mu.Lock()
		if r.ctx.Err() != nil {
			r.drainCancelledLocked()
		}
		if r.ready.Len() == 0 {
			if len(r.running) == 0 {
				r.resolveStalledLocked()
				if r.ready.Len() == 0 {
					r.mu.Unlock()
					break
				}
			} else {
				r.mu.Unlock()
				r.wait()
				continue
			}
		}
		r.mu.Unlock()

		// A slot gates dispatch across every run sharing the pool.
		select {
		case r.s.slots <- struct{}{}:
		case <-r.ctx.Done():
			continue
		}

		r.mu.Lock()
		item, ok := r.popLocked()
		if !ok {
			r.mu.Unlock()
			<-r.s.slots
			continue
		}
		taskCtx, cancelTask := context.WithCancel(r.ctx)
		r.running[item.id] = &inflight{cancel: cancelTask}
		r.state[item.id] = types.TaskStatusInProgress
		r.mu.Unlock()

		metrics.WorkersBusy.Inc()
		go r.execute(taskCtx, item.id)
	}
	r.finish()
}

// execute runs one task on a worker slot and settles its outcome.
func (r *run) execute(taskCtx context.Context, id string) {
	defer func() {
		metrics.WorkersBusy.Dec()
		<-r.s.slots
	}()

	r.mu.Lock()
	task := r.tasks[id].Clone()
	depResults := r.collectDepResultsLocked(id)
	r.mu.Unlock()

	st := types.TaskStatusInProgress
	updated, err := r.s.store.UpdateTask(id, &types.TaskDelta{Status: &st, ForceRestart: true})
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", id).Msg("failed to mark task in progress")
		r.settle(id, executor.Failedf("could not start: %v", err))
		return
	}
	r.mu.Lock()
	r.tasks[id] = updated
	r.mu.Unlock()
	task = updated.Clone()

	r.s.bus.Publish(r.rootID, &types.Event{
		Type:   types.EventTaskStarted,
		TaskID: id,
		Status: types.TaskStatusInProgress,
	})

	onProgress := func(p float64, msg string) { r.reportProgress(id, p, msg) }

	outCh := make(chan executor.Outcome, 1)
	go func() { outCh <- r.s.adapter.Run(taskCtx, task, depResults, onProgress) }()

	var out executor.Outcome
	select {
	case out = <-outCh:
	case <-taskCtx.Done():
		// Grace period for a cooperative shutdown; after that the result
		// is abandoned (the buffered channel absorbs a late send).
		select {
		case out = <-outCh:
		case <-time.After(r.s.grace):
			r.logger.Warn().
				Str("task_id", id).
				Dur("grace", r.s.grace).
				Msg("executor ignored cancellation, abandoning")
			out = executor.Cancelled(nil)
		}
	}
	r.settle(id, out)
}

// settle persists a task's terminal outcome, publishes its event, and
// wakes dependents.
func (r *run) settle(id string, out executor.Outcome) {
	status := out.Status
	if !status.Terminal() {
		if out.Error == "" {
			out.Error = fmt.Sprintf("executor returned non-terminal status %q", out.Status)
		}
		status = types.TaskStatusFailed
	}

	delta := &types.TaskDelta{Status: &status, ForceRestart: true}
	if out.Result != nil || status == types.TaskStatusCompleted {
		delta.Result = out.Result
		delta.ResultSet = true
	}
	if out.Error != "" {
		delta.Error = &out.Error
	}
	updated, err := r.s.store.UpdateTask(id, delta)

	r.mu.Lock()
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", id).Msg("failed to persist outcome")
	} else {
		r.tasks[id] = updated
	}
	r.state[id] = status
	delete(r.running, id)

	ev := &types.Event{TaskID: id, Status: status, Error: out.Error}
	switch status {
	case types.TaskStatusCompleted:
		r.counts.completed++
		r.results[id] = out.Result
		ev.Type = types.EventTaskCompleted
		ev.Progress = 1
		ev.Result = out.Result
	case types.TaskStatusFailed:
		r.counts.failed++
		ev.Type = types.EventTaskFailed
		ev.Progress = r.tasks[id].Progress
	case types.TaskStatusCancelled:
		r.counts.cancelled++
		ev.Type = types.EventTaskCancelled
		ev.Progress = r.tasks[id].Progress
		ev.Result = out.Result // partial result, when the executor gave one
	}
	metrics.TasksExecuted.WithLabelValues(string(status)).Inc()

	// Publish before waking dependents so a task's terminal event always
	// precedes its dependents' events on the topic.
	r.s.bus.Publish(r.rootID, ev)
	r.notifyLocked(id)
	r.mu.Unlock()
	r.signal()
}

// reportProgress persists and publishes executor-reported progress.
// Publishing under the run lock keeps progress ordered against settle:
// once a task has settled, a late report from an abandoned executor is
// dropped instead of reopening the row or the topic.
func (r *run) reportProgress(id string, p float64, msg string) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state[id] != types.TaskStatusInProgress {
		return
	}
	if updated, err := r.s.store.UpdateTask(id, &types.TaskDelta{Progress: &p}); err == nil {
		r.tasks[id] = updated
	}
	r.s.bus.Publish(r.rootID, &types.Event{
		Type:     types.EventTaskProgress,
		TaskID:   id,
		Status:   types.TaskStatusInProgress,
		Progress: p,
		Message:  msg,
	})
}

// maybeEnqueueLocked evaluates a pending task's dependencies: ready
// tasks join the queue, tasks with a failed or cancelled required
// dependency fail fast.
func (r *run) maybeEnqueueLocked(id string) {
	if r.state[id] != types.TaskStatusPending || r.queued[id] {
		return
	}
	ready, badDep := r.evalLocked(id)
	if badDep != "" {
		r.failLocked(id, taskerr.DependencyUnsatisfiedMessage(badDep))
		return
	}
	if !ready {
		return
	}
	t := r.tasks[id]
	r.ready.push(readyItem{id: id, priority: t.Priority, order: t.SubmissionOrder})
	r.queued[id] = true
	r.signal()
}

// evalLocked reports whether id's dependencies are satisfied. badDep
// names a required dependency that ended failed or cancelled.
func (r *run) evalLocked(id string) (ready bool, badDep string) {
	for _, d := range r.tasks[id].Dependencies {
		st := r.state[d.ID]
		if d.Required {
			switch st {
			case types.TaskStatusCompleted:
			case types.TaskStatusFailed, types.TaskStatusCancelled:
				return false, d.ID
			default:
				return false, ""
			}
		} else if !st.Terminal() {
			return false, ""
		}
	}
	return true, ""
}

// failLocked settles a task as failed without executing it. Used for
// the dependency-unsatisfied cascade.
func (r *run) failLocked(id, msg string) {
	st := types.TaskStatusFailed
	updated, err := r.s.store.UpdateTask(id, &types.TaskDelta{Status: &st, Error: &msg, ForceRestart: true})
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", id).Msg("failed to persist cascade failure")
	} else {
		r.tasks[id] = updated
	}
	r.state[id] = types.TaskStatusFailed
	r.counts.failed++
	r.s.bus.Publish(r.rootID, &types.Event{
		Type:   types.EventTaskFailed,
		TaskID: id,
		Status: types.TaskStatusFailed,
		Error:  msg,
	})
	r.notifyLocked(id)
}

// cancelPendingLocked settles a never-started task as cancelled. A
// re-execution member whose stored row is still terminal is left
// untouched in the store: it never restarted, so the old result stands.
func (r *run) cancelPendingLocked(id, msg string) {
	switch r.tasks[id].Status {
	case types.TaskStatusPending, types.TaskStatusInProgress:
		st := types.TaskStatusCancelled
		updated, err := r.s.store.UpdateTask(id, &types.TaskDelta{Status: &st, Error: &msg, ForceRestart: true})
		if err != nil {
			r.logger.Error().Err(err).Str("task_id", id).Msg("failed to persist cancellation")
		} else {
			r.tasks[id] = updated
		}
	default:
		r.logger.Debug().
			Str("task_id", id).
			Str("stored_status", string(r.tasks[id].Status)).
			Msg("re-execution member never restarted, keeping stored row")
	}
	r.state[id] = types.TaskStatusCancelled
	r.counts.cancelled++
	r.s.bus.Publish(r.rootID, &types.Event{
		Type:   types.EventTaskCancelled,
		TaskID: id,
		Status: types.TaskStatusCancelled,
		Error:  msg,
	})
	r.notifyLocked(id)
}

// notifyLocked re-evaluates every execute-set member waiting on id.
func (r *run) notifyLocked(id string) {
	for _, w := range r.waiters[id] {
		r.maybeEnqueueLocked(w)
	}
}

// drainCancelledLocked settles every not-yet-started member as
// cancelled once the run context has ended.
func (r *run) drainCancelledLocked() {
	for id := range r.executeSet {
		if r.state[id] == types.TaskStatusPending {
			r.cancelPendingLocked(id, r.cancelReasonLocked())
		}
	}
}

// resolveStalledLocked is the deadlock backstop: with nothing running
// and nothing ready, a still-pending member can never be dispatched, so
// it fails against its first unsettled dependency. A correct execute
// set never reaches this.
func (r *run) resolveStalledLocked() {
	for id := range r.executeSet {
		if r.state[id] != types.TaskStatusPending || r.queued[id] {
			continue
		}
		ready, badDep := r.evalLocked(id)
		if ready {
			r.maybeEnqueueLocked(id)
			continue
		}
		if badDep == "" {
			badDep = r.firstUnsettledDepLocked(id)
		}
		r.logger.Warn().
			Str("task_id", id).
			Str("dep_id", badDep).
			Msg("task stalled on a dependency that can never settle")
		r.failLocked(id, taskerr.DependencyUnsatisfiedMessage(badDep))
	}
}

func (r *run) firstUnsettledDepLocked(id string) string {
	for _, d := range r.tasks[id].Dependencies {
		if !r.state[d.ID].Terminal() {
			return d.ID
		}
	}
	return id
}

// popLocked pops the next dispatchable task, skipping entries settled
// while queued.
func (r *run) popLocked() (readyItem, bool) {
	for r.ready.Len() > 0 {
		item := r.ready.pop()
		delete(r.queued, item.id)
		if r.state[item.id] == types.TaskStatusPending {
			return item, true
		}
	}
	return readyItem{}, false
}

// cancelTask cancels one member of this run.
func (r *run) cancelTask(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fl, ok := r.running[id]; ok {
		fl.requested = true
		fl.cancel()
		return nil
	}
	if r.state[id] == types.TaskStatusPending {
		r.cancelPendingLocked(id, "cancelled by request")
		r.signal()
		return nil
	}
	return taskerr.State(id, "task is %s and cannot be cancelled", r.state[id])
}

// cancelAll cancels the whole run.
func (r *run) cancelAll(msg string) {
	r.mu.Lock()
	if r.cancelMsg == "" {
		r.cancelMsg = msg
	}
	r.mu.Unlock()
	r.cancel()
	r.signal()
}

func (r *run) cancelReasonLocked() string {
	if r.cancelMsg != "" {
		return r.cancelMsg
	}
	return "run cancelled"
}

// collectDepResultsLocked snapshots the settled results id's
// dependencies produced.
func (r *run) collectDepResultsLocked(id string) map[string]any {
	out := make(map[string]any)
	for _, d := range r.tasks[id].Dependencies {
		if res, ok := r.results[d.ID]; ok {
			out[d.ID] = res
		}
	}
	return out
}

// finish computes the aggregate, publishes the final events, tears the
// topic down and releases the run slot for this tree.
func (r *run) finish() {
	r.mu.Lock()
	status := types.RunStatusCompleted
	switch {
	case r.counts.failed > 0:
		status = types.RunStatusFailed
	case r.counts.cancelled > 0:
		status = types.RunStatusCancelled
	}
	result := &RunResult{
		RunID:      r.id,
		RootTaskID: r.rootID,
		TargetID:   r.targetID,
		Status:     status,
		Completed:  r.counts.completed,
		Failed:     r.counts.failed,
		Cancelled:  r.counts.cancelled,
		Result:     r.results[r.targetID],
		StartedAt:  r.startedAt,
		FinishedAt: time.Now().UTC(),
	}
	r.mu.Unlock()

	r.s.bus.Publish(r.rootID, &types.Event{
		Type:     types.EventRunFinal,
		TaskID:   r.targetID,
		Status:   types.TaskStatus(status),
		Progress: 1,
		Result:   result.Result,
		Message: fmt.Sprintf("completed %d, failed %d, cancelled %d",
			result.Completed, result.Failed, result.Cancelled),
	})
	r.s.bus.Publish(r.rootID, &types.Event{
		Type:    types.EventStreamEnd,
		Message: "run finished",
	})
	r.s.bus.CloseTopic(r.rootID)

	r.s.mu.Lock()
	delete(r.s.runs, r.rootID)
	for id := range r.executeSet {
		delete(r.s.byTask, id)
	}
	r.s.mu.Unlock()

	metrics.RunsActive.Dec()
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	r.cancel()
	r.logger.Info().
		Str("status", string(status)).
		Int("completed", result.Completed).
		Int("failed", result.Failed).
		Int("cancelled", result.Cancelled).
		Dur("took", result.FinishedAt.Sub(result.StartedAt)).
		Msg("run finished")

	r.handle.result = result
	close(r.handle.done)
}

// info snapshots the run for the running.* queries.
func (r *run) info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := RunInfo{
		RunID:      r.id,
		RootTaskID: r.rootID,
		TargetID:   r.targetID,
		StartedAt:  r.startedAt,
		Total:      len(r.executeSet),
		Completed:  r.counts.completed,
		Failed:     r.counts.failed,
		Cancelled:  r.counts.cancelled,
	}
	for id := range r.running {
		info.Running = append(info.Running, id)
	}
	sort.Strings(info.Running)
	for id := range r.executeSet {
		if r.state[id] == types.TaskStatusPending {
			info.Pending++
		}
	}
	return info
}

// signal nudges the dispatch loop; a buffered channel coalesces bursts.
func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// wait blocks until something changes. The tick bounds the window of a
// coalesced-away wakeup.
func (r *run) wait() {
	select {
	case <-r.wake:
	case <-time.After(250 * time.Millisecond):
	}
}

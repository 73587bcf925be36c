/*
Package scheduler executes task trees in dependency order.

The scheduler package is the run engine of flowd. Given the root of a
persisted task tree it computes the execute set, dispatches ready tasks
onto a shared worker pool in priority order, propagates dependency
results, cascades failures, and publishes progress events until the run
reaches a terminal aggregate status.

# Architecture

One Scheduler owns a fixed worker pool shared by every run. Each Start
call spawns one run loop that feeds the pool:

	┌──────────────────── SCHEDULER ───────────────────────────┐
	│                                                           │
	│  ┌─────────────────────────────────────────────┐         │
	│  │              Scheduler                       │         │
	│  │  - runs: one per root task id                │         │
	│  │  - slots: shared worker pool (buffered chan) │         │
	│  │  - byTask: member id → owning run            │         │
	│  └──────────────────┬──────────────────────────┘         │
	│                     │ Start(taskID)                       │
	│  ┌──────────────────▼──────────────────────────┐         │
	│  │              Run Loop                        │         │
	│  │                                              │         │
	│  │  ready queue (min-heap):                     │         │
	│  │    priority asc, submission order asc        │         │
	│  │       ↓ acquire slot                         │         │
	│  │  execute goroutine per task                  │         │
	│  │       ↓ outcome                              │         │
	│  │  settle: persist, publish, unblock waiters   │         │
	│  └──────────────────┬──────────────────────────┘         │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────────┐         │
	│  │          Terminal Handling                   │         │
	│  │                                              │         │
	│  │  completed → result recorded for dependents  │         │
	│  │  failed    → required dependents cascade to  │         │
	│  │              DEPENDENCY_UNSATISFIED          │         │
	│  │  cancelled → pending members cancelled       │         │
	│  └─────────────────────────────────────────────┘         │
	└──────────────────────────────────────────────────────────┘

# Execute Set

A run targets one task. The execute set is the pending part of the
target's subtree plus the pending part of each member's dependency
closure. Executing an already-terminal target re-runs its whole closure:
terminal members are reset in memory and the reset is persisted lazily,
on each member's transition to in_progress. Members whose turn never
comes keep their stored rows untouched.

Dependencies that point outside the tree (left behind by tree copies)
are resolved against the store once, at run construction. A completed
external dependency contributes its stored result; anything else counts
as unsatisfied.

# Dispatch Order

A task becomes ready when every required dependency has completed and
every optional dependency is terminal. Ready tasks queue behind a
min-heap ordered by priority (0 highest) with submission order as the
tie-break, then wait for a pool slot. The pool is shared across runs, so
concurrent trees compete for the same workers.

# Cancellation

Cancel on a run's root or target cancels the whole run: queued members
go straight to cancelled, running members get their context cancelled
and a grace period to return a partial result before the run abandons
them. Cancel on a single member cancels only that task. Cancel on an
idle tree (no active run) updates the stored rows directly.

# Events

The run publishes task.started, task.progress and one terminal event per
member on the root's topic, then exactly one run.final followed by
stream.end, and closes the topic. Event order follows settle order;
a task's terminal event always precedes its dependents' cascade events.

# Usage

	sched := scheduler.New(store, adapter, bus, scheduler.Options{
		WorkerPoolSize: 8,
		CancelGrace:    5 * time.Second,
	})
	defer sched.Stop()

	// Fire and forget:
	handle, err := sched.Start(rootID)
	...
	result := handle.Result() // blocks until the run ends

	// Or bounded by a context:
	result, err := sched.Execute(ctx, rootID)

A second Start on a tree with a live run fails with ALREADY_RUNNING.
RunningStatus reports live counts for dashboards; Stop cancels every
run and waits for the loops to drain.
*/
package scheduler

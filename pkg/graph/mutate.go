package graph

import (
	"time"

	"github.com/yitercel/taskflow/pkg/taskerr"
	"github.com/yitercel/taskflow/pkg/types"
)

// ApplyUpdate validates delta against the update rules and, when legal,
// returns the mutated copy of task. tree holds every task of the
// target's tree (used to re-check dependency invariants), dependents
// the tasks that declare a dependency on the target. The stored row is
// never mutated in place.
func ApplyUpdate(task *types.Task, delta *types.TaskDelta, tree []*types.Task, dependents []*types.Task) (*types.Task, error) {
	verr := &taskerr.ValidationErrors{}

	if delta.ParentID != nil && *delta.ParentID != task.ParentID {
		verr.Add(taskerr.New(taskerr.CodePermanentField, "parent_id is immutable").WithTask(task.ID))
	}
	if delta.UserID != nil && *delta.UserID != task.UserID {
		verr.Add(taskerr.New(taskerr.CodePermanentField, "user_id is immutable").WithTask(task.ID))
	}

	if delta.Dependencies != nil {
		checkDepsMutable(task, *delta.Dependencies, tree, dependents, verr)
	}

	if delta.Status != nil {
		checkStatusTransition(task, *delta.Status, delta.ForceRestart, verr)
	}

	if delta.Priority != nil &&
		(*delta.Priority < types.PriorityHighest || *delta.Priority > types.PriorityLowest) {
		verr.Add(taskerr.New(taskerr.CodeInvalidPriority,
			"priority %d out of range", *delta.Priority).WithTask(task.ID))
	}

	if delta.Progress != nil && (*delta.Progress < 0 || *delta.Progress > 1) {
		verr.Add(taskerr.New(taskerr.CodeState,
			"progress %v out of range [0,1]", *delta.Progress).WithTask(task.ID))
	}
	// Progress is frozen on terminal rows; only a status change (or the
	// scheduler's restart path) may move it again.
	if delta.Progress != nil && delta.Status == nil && !delta.ForceRestart && task.Status.Terminal() {
		verr.Add(taskerr.New(taskerr.CodeState,
			"progress frozen: task is %s", task.Status).WithTask(task.ID))
	}

	if !verr.Empty() {
		return nil, verr
	}

	updated := task.Clone()
	now := time.Now().UTC()

	if delta.Name != nil {
		updated.Name = *delta.Name
	}
	if delta.Priority != nil {
		updated.Priority = *delta.Priority
	}
	if delta.Dependencies != nil {
		updated.Dependencies = *delta.Dependencies
	}
	if delta.Inputs != nil {
		updated.Inputs = *delta.Inputs
	}
	if delta.Params != nil {
		updated.Params = *delta.Params
	}
	if delta.Schemas != nil {
		updated.Schemas = *delta.Schemas
	}
	if delta.ResultSet {
		updated.Result = delta.Result
	}
	if delta.Error != nil {
		updated.Error = *delta.Error
	}
	if delta.Progress != nil {
		updated.Progress = *delta.Progress
	}
	if delta.Status != nil {
		applyStatus(updated, *delta.Status, now)
	}

	updated.UpdatedAt = now
	return updated, nil
}

// checkDepsMutable enforces the DEPS_LOCKED rules: dependencies change
// only on pending tasks, must keep the tree acyclic and closed, and are
// frozen while any dependent is in progress. Every reason is
// enumerated.
func checkDepsMutable(task *types.Task, next []types.Dependency, tree []*types.Task, dependents []*types.Task, verr *taskerr.ValidationErrors) {
	if task.Status != types.TaskStatusPending {
		verr.Add(taskerr.New(taskerr.CodeDepsLocked,
			"dependencies frozen: task is %s", task.Status).WithTask(task.ID))
	}
	for _, dep := range dependents {
		if dep.Status == types.TaskStatusInProgress {
			verr.Add(taskerr.New(taskerr.CodeDepsLocked,
				"dependencies frozen: dependent %s is in progress", dep.ID).WithTask(task.ID))
		}
	}

	seen := make(map[string]bool, len(next))
	for _, d := range next {
		if seen[d.ID] {
			verr.Add(taskerr.New(taskerr.CodeDuplicateDep,
				"duplicate dependency %s", d.ID).WithTask(task.ID))
		}
		seen[d.ID] = true
	}

	// Re-run I3 and I4 against a copy of the tree with the proposed
	// dependency set swapped in.
	known := make(map[string]bool, len(tree))
	proposed := make([]*types.Task, 0, len(tree))
	for _, t := range tree {
		known[t.ID] = true
		if t.ID == task.ID {
			c := t.Clone()
			c.Dependencies = next
			proposed = append(proposed, c)
		} else {
			proposed = append(proposed, t)
		}
	}
	for _, d := range next {
		if !known[d.ID] {
			verr.Add(taskerr.New(taskerr.CodeUnknownRef,
				"dependency %s does not exist in tree", d.ID).WithTask(task.ID))
		}
	}

	byID := make(map[string]*types.Task, len(proposed))
	for _, t := range proposed {
		byID[t.ID] = t
	}
	if err := checkAcyclic(nil, byID); err != nil {
		verr.Add(taskerr.New(taskerr.CodeCircularDep,
			"proposed dependencies introduce a cycle").WithTask(task.ID))
	}
}

// checkStatusTransition enforces terminal monotonicity (I6): completed
// and cancelled are left only via tree copy, failed may restart.
// forceRestart is the scheduler's re-execution escape hatch.
func checkStatusTransition(task *types.Task, next types.TaskStatus, forceRestart bool, verr *taskerr.ValidationErrors) {
	if !next.Valid() {
		verr.Add(taskerr.New(taskerr.CodeState, "unknown status %q", next).WithTask(task.ID))
		return
	}
	if task.Status == next || forceRestart {
		return
	}
	switch task.Status {
	case types.TaskStatusCompleted, types.TaskStatusCancelled:
		verr.Add(taskerr.New(taskerr.CodeState,
			"task is %s; only tree copy can reset it", task.Status).WithTask(task.ID))
	case types.TaskStatusFailed:
		if next != types.TaskStatusInProgress && next != types.TaskStatusPending {
			verr.Add(taskerr.New(taskerr.CodeState,
				"failed task can only be re-executed, not set to %s", next).WithTask(task.ID))
		}
	}
}

// applyStatus sets the status and the coupled timestamps and progress
// (I7): completion pins progress at 1, failed/cancelled freeze it.
func applyStatus(t *types.Task, next types.TaskStatus, now time.Time) {
	prev := t.Status
	t.Status = next
	switch next {
	case types.TaskStatusInProgress:
		if t.StartedAt == nil || prev.Terminal() {
			at := now
			t.StartedAt = &at
		}
		t.CompletedAt = nil
		t.Error = ""
	case types.TaskStatusCompleted:
		at := now
		t.CompletedAt = &at
		t.Progress = 1.0
	case types.TaskStatusFailed, types.TaskStatusCancelled:
		at := now
		t.CompletedAt = &at
	case types.TaskStatusPending:
		t.StartedAt = nil
		t.CompletedAt = nil
		t.Progress = 0
	}
}

// CheckDelete enforces the physical delete rules: every task of the
// subtree must be pending and no task outside the subtree may depend
// into it. Violations carry the precise blocking lists.
func CheckDelete(subtree []*types.Task, externalDependents []*types.Task) error {
	var blockedTasks []string
	for _, t := range subtree {
		if t.Status != types.TaskStatusPending {
			blockedTasks = append(blockedTasks, t.ID)
		}
	}
	var blockingDeps []string
	for _, t := range externalDependents {
		blockingDeps = append(blockingDeps, t.ID)
	}

	if len(blockedTasks) == 0 && len(blockingDeps) == 0 {
		return nil
	}
	e := taskerr.New(taskerr.CodeDeleteBlocked, "subtree cannot be deleted")
	if len(blockedTasks) > 0 {
		e.WithDetail("non_pending_descendants", blockedTasks)
	}
	if len(blockingDeps) > 0 {
		e.WithDetail("external_dependents", blockingDeps)
	}
	return e
}

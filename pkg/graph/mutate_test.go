package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitercel/taskflow/pkg/taskerr"
	"github.com/yitercel/taskflow/pkg/types"
)

func strPtr(s string) *string                        { return &s }
func intPtr(i int) *int                              { return &i }
func f64Ptr(f float64) *float64                      { return &f }
func statusPtr(s types.TaskStatus) *types.TaskStatus { return &s }

func TestApplyUpdateDoesNotMutateStoredRow(t *testing.T) {
	stored := task("a", "")
	updated, err := ApplyUpdate(stored, &types.TaskDelta{Name: strPtr("renamed")}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "echo", stored.Name)
	assert.True(t, updated.UpdatedAt.After(stored.UpdatedAt))
}

func TestApplyUpdateRejectsImmutableFields(t *testing.T) {
	stored := task("a", "p")

	_, err := ApplyUpdate(stored, &types.TaskDelta{ParentID: strPtr("other")}, nil, nil)
	verr := asValidation(t, err)
	assert.True(t, verr.HasCode(taskerr.CodePermanentField))

	_, err = ApplyUpdate(stored, &types.TaskDelta{UserID: strPtr("other")}, nil, nil)
	verr = asValidation(t, err)
	assert.True(t, verr.HasCode(taskerr.CodePermanentField))

	// Echoing the current values back is a no-op, not a violation.
	_, err = ApplyUpdate(stored, &types.TaskDelta{ParentID: strPtr("p"), UserID: strPtr("u")}, nil, nil)
	assert.NoError(t, err)
}

func TestApplyUpdateTerminalStatusesAreSticky(t *testing.T) {
	for _, from := range []types.TaskStatus{types.TaskStatusCompleted, types.TaskStatusCancelled} {
		stored := task("a", "")
		stored.Status = from
		_, err := ApplyUpdate(stored, &types.TaskDelta{Status: statusPtr(types.TaskStatusPending)}, nil, nil)
		verr := asValidation(t, err)
		assert.True(t, verr.HasCode(taskerr.CodeState), "from %s", from)
	}
}

func TestApplyUpdateFailedMayOnlyRestart(t *testing.T) {
	stored := task("a", "")
	stored.Status = types.TaskStatusFailed

	_, err := ApplyUpdate(stored, &types.TaskDelta{Status: statusPtr(types.TaskStatusPending)}, nil, nil)
	assert.NoError(t, err)
	_, err = ApplyUpdate(stored, &types.TaskDelta{Status: statusPtr(types.TaskStatusInProgress)}, nil, nil)
	assert.NoError(t, err)

	_, err = ApplyUpdate(stored, &types.TaskDelta{Status: statusPtr(types.TaskStatusCompleted)}, nil, nil)
	verr := asValidation(t, err)
	assert.True(t, verr.HasCode(taskerr.CodeState))
}

func TestApplyUpdateForceRestartBypassesGating(t *testing.T) {
	stored := task("a", "")
	stored.Status = types.TaskStatusCompleted
	stored.Progress = 1

	updated, err := ApplyUpdate(stored, &types.TaskDelta{
		Status:       statusPtr(types.TaskStatusInProgress),
		ForceRestart: true,
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, updated.Status)
	require.NotNil(t, updated.StartedAt)
	assert.Nil(t, updated.CompletedAt)
}

func TestApplyUpdateRejectsUnknownStatus(t *testing.T) {
	stored := task("a", "")
	_, err := ApplyUpdate(stored, &types.TaskDelta{Status: statusPtr(types.TaskStatus("bogus"))}, nil, nil)
	verr := asValidation(t, err)
	assert.True(t, verr.HasCode(taskerr.CodeState))
}

func TestApplyUpdateDependenciesLockedOffPending(t *testing.T) {
	stored := task("a", "")
	stored.Status = types.TaskStatusInProgress
	deps := []types.Dependency{req("b")}
	tree := []*types.Task{stored, task("b", "a")}

	_, err := ApplyUpdate(stored, &types.TaskDelta{Dependencies: &deps}, tree, nil)
	verr := asValidation(t, err)
	assert.True(t, verr.HasCode(taskerr.CodeDepsLocked))
}

func TestApplyUpdateDependenciesLockedByRunningDependent(t *testing.T) {
	stored := task("b", "a")
	dependent := task("c", "a", req("b"))
	dependent.Status = types.TaskStatusInProgress
	tree := []*types.Task{task("a", ""), stored, dependent}
	deps := []types.Dependency{req("a")}

	_, err := ApplyUpdate(stored, &types.TaskDelta{Dependencies: &deps}, tree, []*types.Task{dependent})
	verr := asValidation(t, err)
	assert.True(t, verr.HasCode(taskerr.CodeDepsLocked))
}

func TestApplyUpdateDependencyCycleRejected(t *testing.T) {
	a := task("a", "")
	b := task("b", "a", req("a"))
	tree := []*types.Task{a, b}
	deps := []types.Dependency{req("b")}

	_, err := ApplyUpdate(a, &types.TaskDelta{Dependencies: &deps}, tree, nil)
	verr := asValidation(t, err)
	assert.True(t, verr.HasCode(taskerr.CodeCircularDep))
}

func TestApplyUpdateDependencyMustExistInTree(t *testing.T) {
	a := task("a", "")
	b := task("b", "a")
	deps := []types.Dependency{req("ghost")}

	_, err := ApplyUpdate(b, &types.TaskDelta{Dependencies: &deps}, []*types.Task{a, b}, nil)
	verr := asValidation(t, err)
	assert.True(t, verr.HasCode(taskerr.CodeUnknownRef))
}

func TestApplyUpdateProgressBounds(t *testing.T) {
	stored := task("a", "")
	_, err := ApplyUpdate(stored, &types.TaskDelta{Progress: f64Ptr(1.5)}, nil, nil)
	verr := asValidation(t, err)
	assert.True(t, verr.HasCode(taskerr.CodeState))

	updated, err := ApplyUpdate(stored, &types.TaskDelta{Progress: f64Ptr(0.5)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.5, updated.Progress)
}

func TestApplyUpdateProgressFrozenOnTerminalRows(t *testing.T) {
	for _, status := range []types.TaskStatus{
		types.TaskStatusCompleted,
		types.TaskStatusFailed,
		types.TaskStatusCancelled,
	} {
		stored := task("a", "")
		stored.Status = status
		stored.Progress = 0.4

		_, err := ApplyUpdate(stored, &types.TaskDelta{Progress: f64Ptr(0.9)}, nil, nil)
		verr := asValidation(t, err)
		assert.True(t, verr.HasCode(taskerr.CodeState), "bare progress on %s row", status)
	}

	// A status change away from terminal may move progress again.
	stored := task("a", "")
	stored.Status = types.TaskStatusFailed
	stored.Progress = 0.4
	updated, err := ApplyUpdate(stored, &types.TaskDelta{
		Status:       statusPtr(types.TaskStatusPending),
		ForceRestart: true,
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, updated.Progress)
}

func TestApplyUpdatePriorityBounds(t *testing.T) {
	stored := task("a", "")
	_, err := ApplyUpdate(stored, &types.TaskDelta{Priority: intPtr(4)}, nil, nil)
	verr := asValidation(t, err)
	assert.True(t, verr.HasCode(taskerr.CodeInvalidPriority))
}

func TestStatusTimestampCoupling(t *testing.T) {
	stored := task("a", "")
	stored.Status = types.TaskStatusInProgress
	at := time.Now().Add(-time.Minute)
	stored.StartedAt = &at
	stored.Progress = 0.4

	done, err := ApplyUpdate(stored, &types.TaskDelta{Status: statusPtr(types.TaskStatusCompleted)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, done.Progress)
	require.NotNil(t, done.CompletedAt)

	failed, err := ApplyUpdate(stored, &types.TaskDelta{
		Status: statusPtr(types.TaskStatusFailed),
		Error:  strPtr("boom"),
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.4, failed.Progress, "failure freezes progress")
	require.NotNil(t, failed.CompletedAt)
	assert.Equal(t, "boom", failed.Error)

	reset, err := ApplyUpdate(stored, &types.TaskDelta{
		Status:       statusPtr(types.TaskStatusPending),
		ForceRestart: true,
	}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, reset.StartedAt)
	assert.Nil(t, reset.CompletedAt)
	assert.Equal(t, 0.0, reset.Progress)
}

func TestApplyUpdateResultSet(t *testing.T) {
	stored := task("a", "")
	stored.Result = map[string]any{"old": true}

	updated, err := ApplyUpdate(stored, &types.TaskDelta{ResultSet: true, Result: nil}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, updated.Result, "ResultSet with nil clears the result")

	untouched, err := ApplyUpdate(stored, &types.TaskDelta{Name: strPtr("x")}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, stored.Result, untouched.Result)
}

func TestCheckDelete(t *testing.T) {
	pendingTree := []*types.Task{task("a", ""), task("b", "a")}
	assert.NoError(t, CheckDelete(pendingTree, nil))

	running := task("b", "a")
	running.Status = types.TaskStatusInProgress
	err := CheckDelete([]*types.Task{task("a", ""), running}, nil)
	require.Error(t, err)
	te := err.(*taskerr.Error)
	assert.Equal(t, taskerr.CodeDeleteBlocked, te.Code)
	assert.Equal(t, []string{"b"}, te.Details["non_pending_descendants"])

	err = CheckDelete(pendingTree, []*types.Task{task("x", "other", req("b"))})
	require.Error(t, err)
	te = err.(*taskerr.Error)
	assert.Equal(t, []string{"x"}, te.Details["external_dependents"])
}

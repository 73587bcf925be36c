package treecopy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitercel/taskflow/pkg/storage"
	"github.com/yitercel/taskflow/pkg/types"
)

func newEngine(t *testing.T) (*Engine, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewEngine(store), store
}

func task(id, parent string, status types.TaskStatus, deps ...types.Dependency) *types.Task {
	return &types.Task{
		ID:           id,
		ParentID:     parent,
		UserID:       "u",
		Name:         id,
		Priority:     types.PriorityDefault,
		Status:       status,
		Dependencies: deps,
	}
}

func req(id string) types.Dependency { return types.Dependency{ID: id, Required: true} }

func seed(t *testing.T, store *storage.BoltStore, tasks ...*types.Task) {
	t.Helper()
	_, err := store.CreateTasks(tasks)
	require.NoError(t, err)
}

// byName maps the copied tree by the original task names (the helper
// above names each task after its id).
func byName(t *testing.T, store *storage.BoltStore, rootID string) map[string]*types.Task {
	t.Helper()
	tree, err := store.GetTree(rootID)
	require.NoError(t, err)
	out := make(map[string]*types.Task, len(tree))
	for _, tk := range tree {
		out[tk.Name] = tk
	}
	return out
}

func TestCopyResetsStateAndRemapsEdges(t *testing.T) {
	engine, store := newEngine(t)
	done := task("a", "root", types.TaskStatusCompleted)
	done.Result = map[string]any{"n": 1}
	done.Progress = 1
	failed := task("b", "root", types.TaskStatusFailed, req("a"))
	failed.Error = "boom"
	seed(t, store, task("root", "", types.TaskStatusFailed), done, failed)

	copyRoot, err := engine.Copy("root", false)
	require.NoError(t, err)
	assert.NotEqual(t, "root", copyRoot.ID)
	assert.True(t, copyRoot.IsRoot())

	copies := byName(t, store, copyRoot.ID)
	require.Len(t, copies, 3)
	for name, c := range copies {
		assert.Equal(t, "root", c.OriginalTaskID, name)
		assert.Equal(t, types.TaskStatusPending, c.Status, name)
		assert.Zero(t, c.Progress)
		assert.Nil(t, c.Result)
		assert.Empty(t, c.Error)
		assert.Nil(t, c.StartedAt)
		assert.Nil(t, c.CompletedAt)
		assert.False(t, c.HasCopy)
	}

	// The a->b dependency edge points at the copy, not the original.
	require.Len(t, copies["b"].Dependencies, 1)
	assert.Equal(t, copies["a"].ID, copies["b"].Dependencies[0].ID)
	assert.Equal(t, copyRoot.ID, copies["a"].ParentID)

	// Originals are flagged.
	orig, err := store.GetTask("root")
	require.NoError(t, err)
	assert.True(t, orig.HasCopy)
}

func TestCopySubtreePullsInDependents(t *testing.T) {
	engine, store := newEngine(t)
	seed(t, store,
		task("root", "", types.TaskStatusFailed),
		task("a", "root", types.TaskStatusFailed),
		task("a1", "a", types.TaskStatusFailed),
		task("sibling", "root", types.TaskStatusFailed, req("a1")),
		task("unrelated", "root", types.TaskStatusCompleted),
	)

	copyRoot, err := engine.Copy("a", false)
	require.NoError(t, err)
	copies := byName(t, store, copyRoot.ID)

	// a, its descendant, and the transitive dependent; not the bystander.
	require.Len(t, copies, 3)
	assert.Contains(t, copies, "a")
	assert.Contains(t, copies, "a1")
	assert.Contains(t, copies, "sibling")

	// Provenance on every member is the copied subtree's source, even
	// for pulled-in dependents.
	for name, c := range copies {
		assert.Equal(t, "a", c.OriginalTaskID, name)
	}

	// sibling's parent was outside the copy set: re-rooted under the new root.
	assert.Equal(t, copyRoot.ID, copies["sibling"].ParentID)
}

func TestCopyKeepsExternalDependencyReferences(t *testing.T) {
	engine, store := newEngine(t)
	seed(t, store,
		task("root", "", types.TaskStatusFailed),
		task("done", "root", types.TaskStatusCompleted),
		task("a", "root", types.TaskStatusFailed, req("done")),
	)

	copyRoot, err := engine.Copy("a", false)
	require.NoError(t, err)
	copies := byName(t, store, copyRoot.ID)
	require.Len(t, copies, 1)

	// done was not copied; the edge still references the original so its
	// completed result feeds the re-run.
	require.Len(t, copies["a"].Dependencies, 1)
	assert.Equal(t, "done", copies["a"].Dependencies[0].ID)
}

func TestCopyPrunesNeverStartedDependents(t *testing.T) {
	engine, store := newEngine(t)
	seed(t, store,
		task("root", "", types.TaskStatusFailed),
		task("leaf", "root", types.TaskStatusFailed),
		task("never", "root", types.TaskStatusPending, req("leaf")),
	)

	copyRoot, err := engine.Copy("leaf", false)
	require.NoError(t, err)
	copies := byName(t, store, copyRoot.ID)
	require.Len(t, copies, 1)
	assert.NotContains(t, copies, "never")
}

func TestCopyIncludeChildrenExpandsClosure(t *testing.T) {
	engine, store := newEngine(t)
	seed(t, store,
		task("root", "", types.TaskStatusFailed),
		task("child", "root", types.TaskStatusCompleted),
		task("watcher", "root", types.TaskStatusCompleted, req("child")),
	)

	shallow, err := engine.Copy("root", false)
	require.NoError(t, err)
	// Everything already hangs off root, so include_children adds nothing
	// here; it matters when copying a mid-tree node.
	require.Len(t, byName(t, store, shallow.ID), 3)

	midShallow, err := engine.Copy("child", false)
	require.NoError(t, err)
	// child plus its dependent watcher.
	require.Len(t, byName(t, store, midShallow.ID), 2)
}

func TestCopyMissingSource(t *testing.T) {
	engine, _ := newEngine(t)
	_, err := engine.Copy("missing", false)
	assert.Error(t, err)
}

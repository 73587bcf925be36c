package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitercel/taskflow/pkg/config"
	"github.com/yitercel/taskflow/pkg/events"
	"github.com/yitercel/taskflow/pkg/executor"
	"github.com/yitercel/taskflow/pkg/rpc"
	"github.com/yitercel/taskflow/pkg/scheduler"
	"github.com/yitercel/taskflow/pkg/storage"
	"github.com/yitercel/taskflow/pkg/treecopy"
	"github.com/yitercel/taskflow/pkg/types"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	reg := executor.NewRegistry()
	executor.RegisterBuiltins(reg)
	adapter := executor.NewAdapter(reg, false)
	bus := events.NewBus(64)
	sched := scheduler.New(store, adapter, bus, scheduler.Options{
		WorkerPoolSize: 4,
		CancelGrace:    200 * time.Millisecond,
	})
	copier := treecopy.NewEngine(store)
	svc := rpc.NewService(store, sched, copier, bus, reg, config.Default())
	server := rpc.NewServer(svc, &rpc.TokenAuthenticator{DefaultUserID: "default"})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		ts.Close()
		sched.Stop()
		bus.Close()
		store.Close()
	})
	return New(ts.URL)
}

func echoTask(id, parent string, deps ...string) *types.Task {
	t := &types.Task{ID: id, ParentID: parent, Name: "echo", Priority: types.PriorityDefault}
	for _, d := range deps {
		t.Dependencies = append(t.Dependencies, types.Dependency{ID: d, Required: true})
	}
	return t
}

func TestCreateGetAndTree(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	created, err := c.CreateTasks(ctx, []*types.Task{
		echoTask("root", ""),
		echoTask("child", "root", "root"),
	})
	require.NoError(t, err)
	assert.Equal(t, "root", created.RootTaskID)
	require.Len(t, created.Tasks, 2)

	task, err := c.GetTask(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, "default", task.UserID)

	tree, err := c.Tree(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "root", tree.Task.ID)
	assert.Equal(t, 2, tree.Count())
}

func TestExecuteAndList(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateTasks(ctx, []*types.Task{echoTask("root", "")})
	require.NoError(t, err)

	res, err := c.Execute(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 1, res.Run.Completed)
	require.NotNil(t, res.Task)
	assert.Equal(t, types.TaskStatusCompleted, res.Task.Status)

	tasks, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestUpdateAndDelete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateTasks(ctx, []*types.Task{echoTask("root", "")})
	require.NoError(t, err)

	updated, err := c.UpdateTask(ctx, "root", map[string]any{"name": "echo", "priority": 0})
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHighest, updated.Priority)

	require.NoError(t, c.DeleteTask(ctx, "root"))
	_, err = c.GetTask(ctx, "root")
	require.Error(t, err)
}

func TestServerErrorsSurfaceAsRPCError(t *testing.T) {
	c := newTestClient(t)
	_, err := c.GetTask(context.Background(), "missing")
	require.Error(t, err)

	var rpcErr *rpc.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32000, rpcErr.Code)
}

func TestCopyReturnsFreshRoot(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateTasks(ctx, []*types.Task{echoTask("root", "")})
	require.NoError(t, err)
	_, err = c.Execute(ctx, "root")
	require.NoError(t, err)

	copyRoot, err := c.Copy(ctx, "root", false)
	require.NoError(t, err)
	assert.NotEqual(t, "root", copyRoot.ID)
	assert.Equal(t, "root", copyRoot.OriginalTaskID)
	assert.Equal(t, types.TaskStatusPending, copyRoot.Status)
}

func TestSubscribeStreamsRunEvents(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateTasks(ctx, []*types.Task{echoTask("root", "")})
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, "root")
	require.NoError(t, err)
	defer sub.Close()

	_, err = c.Execute(ctx, "root")
	require.NoError(t, err)

	var seen []types.EventType
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				require.NotEmpty(t, seen)
				assert.Equal(t, types.EventStreamEnd, seen[len(seen)-1])
				assert.Contains(t, seen, types.EventTaskStarted)
				assert.Contains(t, seen, types.EventRunFinal)
				return
			}
			seen = append(seen, ev.Type)
		case <-deadline:
			t.Fatalf("timed out; saw %v", seen)
		}
	}
}

func TestHealth(t *testing.T) {
	c := newTestClient(t)
	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])
}

func TestSubscribeRejectsMissingTask(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Subscribe(context.Background(), "missing")
	assert.Error(t, err)
}

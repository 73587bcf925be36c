package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitercel/taskflow/pkg/types"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	RegisterBuiltins(reg)
	return reg
}

func resolve(t *testing.T, reg *Registry, name string, params map[string]any) Executor {
	t.Helper()
	exec, err := reg.Resolve(&types.Task{ID: "t", Name: name, Params: params})
	require.NoError(t, err)
	return exec
}

func TestBuiltinsRegistered(t *testing.T) {
	reg := builtinRegistry(t)
	for _, id := range []string{"echo", "sleep", "shell", "http_request"} {
		assert.True(t, reg.Has(id), id)
	}
	skills := reg.Skills()
	require.Len(t, skills, 4)
	assert.Equal(t, "echo", skills[0].ID, "sorted by id")
}

func TestEchoReturnsInputs(t *testing.T) {
	exec := resolve(t, builtinRegistry(t), "echo", nil)
	out := exec.Execute(context.Background(), map[string]any{"k": "v"})
	require.Equal(t, types.TaskStatusCompleted, out.Status)
	assert.Equal(t, map[string]any{"k": "v"}, out.Result)
}

func TestSleepHonoursCancellation(t *testing.T) {
	exec := resolve(t, builtinRegistry(t), "sleep", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	out := exec.Execute(ctx, map[string]any{"duration": "10s"})
	assert.Equal(t, types.TaskStatusCancelled, out.Status)

	out = exec.Execute(context.Background(), map[string]any{"duration": "1ms"})
	assert.Equal(t, types.TaskStatusCompleted, out.Status)

	out = exec.Execute(context.Background(), map[string]any{"duration": "not-a-duration"})
	assert.Equal(t, types.TaskStatusFailed, out.Status)
}

func TestShellCapturesOutputAndExitCode(t *testing.T) {
	exec := resolve(t, builtinRegistry(t), "shell", nil)

	out := exec.Execute(context.Background(), map[string]any{"command": "printf ok"})
	require.Equal(t, types.TaskStatusCompleted, out.Status)
	result := out.Result.(map[string]any)
	assert.Equal(t, "ok", result["stdout"])
	assert.Equal(t, 0, result["exit_code"])

	out = exec.Execute(context.Background(), map[string]any{"command": "exit 3"})
	require.Equal(t, types.TaskStatusFailed, out.Status)
	result = out.Result.(map[string]any)
	assert.Equal(t, 3, result["exit_code"])
}

func TestHTTPRequestExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "yes", r.Header.Get("X-Check"))
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	exec := resolve(t, builtinRegistry(t), "http_request", nil)
	out := exec.Execute(context.Background(), map[string]any{
		"method":  http.MethodGet,
		"url":     srv.URL,
		"headers": map[string]any{"X-Check": "yes"},
	})
	require.Equal(t, types.TaskStatusCompleted, out.Status)
	result := out.Result.(map[string]any)
	assert.Equal(t, http.StatusOK, result["status"])
	assert.Equal(t, "hello", result["body"])

	out = exec.Execute(context.Background(), map[string]any{"url": srv.URL + "/fail"})
	assert.Equal(t, types.TaskStatusFailed, out.Status)

	_, err := builtinRegistry(t).Resolve(&types.Task{
		Name:   "http_request",
		Params: map[string]any{"timeout": "bogus"},
	})
	assert.Error(t, err)
}

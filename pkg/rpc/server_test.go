package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yitercel/taskflow/pkg/config"
	"github.com/yitercel/taskflow/pkg/events"
	"github.com/yitercel/taskflow/pkg/executor"
	"github.com/yitercel/taskflow/pkg/scheduler"
	"github.com/yitercel/taskflow/pkg/storage"
	"github.com/yitercel/taskflow/pkg/treecopy"
	"github.com/yitercel/taskflow/pkg/types"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	reg := executor.NewRegistry()
	executor.RegisterBuiltins(reg)
	adapter := executor.NewAdapter(reg, false)
	bus := events.NewBus(64)
	cfg := config.Default()
	cfg.CallbackBaseBackoff = time.Millisecond
	sched := scheduler.New(store, adapter, bus, scheduler.Options{
		WorkerPoolSize: 4,
		CancelGrace:    200 * time.Millisecond,
	})
	copier := treecopy.NewEngine(store)

	svc := NewService(store, sched, copier, bus, reg, cfg)
	srv := NewServer(svc, &TokenAuthenticator{DefaultUserID: "default"})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		sched.Stop()
		bus.Close()
		store.Close()
	})
	return ts, svc
}

type testRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

type testResponse struct {
	JSONRPC  string          `json:"jsonrpc"`
	Protocol string          `json:"protocol"`
	Result   json.RawMessage `json:"result"`
	Error    *testRPCError   `json:"error"`
}

func doRPC(t *testing.T, url, method string, params any, token string) testResponse {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out testResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	seg := base64.RawURLEncoding.EncodeToString
	return seg([]byte(`{"alg":"none","typ":"JWT"}`)) + "." + seg(payload) + "." + seg([]byte("sig"))
}

func createTree(t *testing.T, url string, token string) (rootID string) {
	t.Helper()
	resp := doRPC(t, url, "tasks.create", map[string]any{
		"tasks": []map[string]any{
			{"id": "", "name": "echo", "inputs": map[string]any{"stage": "root"}},
		},
	}, token)
	require.Nil(t, resp.Error, "create failed: %+v", resp.Error)

	var result struct {
		RootTaskID string        `json:"root_task_id"`
		Tasks      []*types.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.NotEmpty(t, result.RootTaskID)
	return result.RootTaskID
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	rootID := createTree(t, ts.URL+"/tasks", "")

	resp := doRPC(t, ts.URL+"/tasks", "tasks.get", map[string]any{"task_id": rootID}, "")
	require.Nil(t, resp.Error)
	assert.Equal(t, "jsonrpc", resp.Protocol)

	var task types.Task
	require.NoError(t, json.Unmarshal(resp.Result, &task))
	assert.Equal(t, rootID, task.ID)
	assert.Equal(t, "default", task.UserID)
	assert.Equal(t, types.TaskStatusPending, task.Status)
}

func TestProtocolTagPerEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	agent := doRPC(t, ts.URL+"/", "system.health", nil, "")
	require.Nil(t, agent.Error)
	assert.Equal(t, "a2a", agent.Protocol)

	tasks := doRPC(t, ts.URL+"/tasks", "system.health", nil, "")
	require.Nil(t, tasks.Error)
	assert.Equal(t, "jsonrpc", tasks.Protocol)
}

func TestMethodNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRPC(t, ts.URL+"/tasks", "tasks.nope", nil, "")
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/tasks", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out testResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, codeParse, out.Error.Code)
}

func TestCycleRejectedAsInvalidParams(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRPC(t, ts.URL+"/tasks", "tasks.create", map[string]any{
		"tasks": []map[string]any{
			{"id": "a", "name": "echo", "dependencies": []string{"b"}},
			{"id": "b", "name": "echo", "parent_id": "a", "dependencies": []string{"a"}},
		},
	}, "")
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestExecuteSyncReturnsAggregate(t *testing.T) {
	ts, _ := newTestServer(t)
	rootID := createTree(t, ts.URL+"/tasks", "")

	resp := doRPC(t, ts.URL+"/tasks", "tasks.execute", map[string]any{"task_id": rootID}, "")
	require.Nil(t, resp.Error)

	var result struct {
		Status string `json:"status"`
		Run    struct {
			RootTaskID string `json:"root_task_id"`
			Completed  int    `json:"completed"`
		} `json:"run"`
		Task *types.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, rootID, result.Run.RootTaskID)
	assert.Equal(t, 1, result.Run.Completed)
	require.NotNil(t, result.Task)
	assert.Equal(t, types.TaskStatusCompleted, result.Task.Status)
	assert.Equal(t, 1.0, result.Task.Progress)
}

func TestExecuteWithEmbeddedSubmission(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRPC(t, ts.URL+"/", "execute_task_tree", map[string]any{
		"tasks": []map[string]any{
			{"id": "r", "name": "echo"},
			{"id": "c", "name": "echo", "parent_id": "r", "dependencies": []string{"r"}},
		},
	}, "")
	require.Nil(t, resp.Error)
	assert.Equal(t, "a2a", resp.Protocol)

	var result struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "completed", result.Status)
}

func TestOwnershipForbidden(t *testing.T) {
	ts, _ := newTestServer(t)
	rootID := createTree(t, ts.URL+"/tasks", "")

	other := makeToken(t, map[string]any{"user_id": "intruder"})
	resp := doRPC(t, ts.URL+"/tasks", "tasks.get", map[string]any{"task_id": rootID}, other)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeForbidden, resp.Error.Code)

	admin := makeToken(t, map[string]any{"user_id": "boss", "roles": []string{"admin"}})
	resp = doRPC(t, ts.URL+"/tasks", "tasks.get", map[string]any{"task_id": rootID}, admin)
	assert.Nil(t, resp.Error, "admin must see every task")
}

func TestListScopedToPrincipal(t *testing.T) {
	ts, _ := newTestServer(t)
	createTree(t, ts.URL+"/tasks", "")
	mine := makeToken(t, map[string]any{"user_id": "mine"})
	createTree(t, ts.URL+"/tasks", mine)

	resp := doRPC(t, ts.URL+"/tasks", "tasks.list", nil, mine)
	require.Nil(t, resp.Error)
	var tasks []*types.Task
	require.NoError(t, json.Unmarshal(resp.Result, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "mine", tasks[0].UserID)
}

func TestNormalizeMethod(t *testing.T) {
	_, svc := newTestServer(t)
	tests := []struct {
		in   string
		want string
	}{
		{"execute_task_tree", "tasks.execute"},
		{"running.cancel", "tasks.cancel"},
		{"tasks.running.cancel", "tasks.cancel"},
		{"running.list", "tasks.running.list"},
		{"get", "tasks.get"},
		{"execute", "tasks.execute"},
		{"tasks.copy", "tasks.copy"},
		{"system.health", "system.health"},
		{"unknown.method", "unknown.method"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, svc.NormalizeMethod(tt.in), tt.in)
	}
}

func TestCancelIDResolutionOrder(t *testing.T) {
	var cp cancelParams
	require.NoError(t, json.Unmarshal([]byte(`{
		"context_id": "ctx",
		"metadata": {"task_id": "meta"}
	}`), &cp))
	assert.Equal(t, []string{"ctx"}, cp.cancelIDs())

	cp = cancelParams{}
	require.NoError(t, json.Unmarshal([]byte(`{"task_ids": ["a", "b"], "task_id": "x"}`), &cp))
	assert.Equal(t, []string{"a", "b"}, cp.cancelIDs())

	cp = cancelParams{}
	require.NoError(t, json.Unmarshal([]byte(`{"metadata": {"context_id": "mc"}}`), &cp))
	assert.Equal(t, []string{"mc"}, cp.cancelIDs())
}

func TestGenerateNotImplemented(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRPC(t, ts.URL+"/tasks", "tasks.generate", map[string]any{"prompt": "do things"}, "")
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeServer, resp.Error.Code)
	assert.Equal(t, "NOT_IMPLEMENTED", resp.Error.Data["code"])
}

func TestLLMKeyRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doRPC(t, ts.URL+"/tasks", "config.llm_key.set",
		map[string]any{"provider": "acme", "key": "sk-test"}, "")
	require.Nil(t, resp.Error)

	resp = doRPC(t, ts.URL+"/tasks", "config.llm_key.get", map[string]any{"provider": "acme"}, "")
	require.Nil(t, resp.Error)
	var got map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	assert.Equal(t, "sk-test", got["key"])

	resp = doRPC(t, ts.URL+"/tasks", "config.llm_key.delete", map[string]any{"provider": "acme"}, "")
	require.Nil(t, resp.Error)

	resp = doRPC(t, ts.URL+"/tasks", "config.llm_key.get", map[string]any{"provider": "acme"}, "")
	require.NotNil(t, resp.Error)
}

func TestExamplesInitAndStatus(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doRPC(t, ts.URL+"/tasks", "examples.status", nil, "")
	require.Nil(t, resp.Error)
	var status map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &status))
	assert.Equal(t, false, status["initialized"])

	resp = doRPC(t, ts.URL+"/tasks", "examples.init", nil, "")
	require.Nil(t, resp.Error)
	var created map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	assert.Equal(t, true, created["created"])

	// Idempotent: a second init reuses the existing tree.
	resp = doRPC(t, ts.URL+"/tasks", "examples.init", nil, "")
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	assert.Equal(t, false, created["created"])
}

func TestAgentCardIsPublic(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/.well-known/agent-card")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var card AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	assert.Equal(t, "taskflow", card.Name)
	assert.True(t, card.Capabilities.Streaming)
	assert.True(t, card.Capabilities.PushNotifications)
	assert.NotEmpty(t, card.Skills)
}

func TestExecuteSSEStreamsEvents(t *testing.T) {
	ts, _ := newTestServer(t)
	rootID := createTree(t, ts.URL+"/tasks", "")

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  "tasks.execute",
		"params": map[string]any{
			"task_id":  rootID,
			"metadata": map[string]any{"stream": true},
		},
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := parseSSE(t, string(raw))
	require.GreaterOrEqual(t, len(frames), 4)

	// First frame is the JSON-RPC envelope confirming the start.
	var envelope testResponse
	require.NoError(t, json.Unmarshal(frames[0], &envelope))
	require.Nil(t, envelope.Error)
	assert.Equal(t, "a2a", envelope.Protocol)
	var started map[string]any
	require.NoError(t, json.Unmarshal(envelope.Result, &started))
	assert.Equal(t, "started", started["status"])

	var last types.Event
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &last))
	assert.Equal(t, types.EventStreamEnd, last.Type)
	var final types.Event
	require.NoError(t, json.Unmarshal(frames[len(frames)-2], &final))
	assert.Equal(t, types.EventRunFinal, final.Type)
}

func parseSSE(t *testing.T, raw string) []json.RawMessage {
	t.Helper()
	var frames []json.RawMessage
	for _, line := range strings.Split(raw, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, json.RawMessage(data))
		}
	}
	return frames
}

func TestExecuteCallbackMode(t *testing.T) {
	var (
		mu        sync.Mutex
		finals    int
		total     int
		protocols []string
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Final  bool `json:"final"`
			Status struct {
				Message struct {
					Parts []struct {
						Data map[string]any `json:"data"`
					} `json:"parts"`
				} `json:"message"`
			} `json:"status"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		total++
		if body.Final {
			finals++
		}
		for _, part := range body.Status.Message.Parts {
			if p, ok := part.Data["protocol"].(string); ok {
				protocols = append(protocols, p)
			}
		}
		mu.Unlock()
	}))
	defer sink.Close()

	ts, _ := newTestServer(t)
	rootID := createTree(t, ts.URL+"/tasks", "")

	resp := doRPC(t, ts.URL+"/", "tasks.execute", map[string]any{
		"task_id": rootID,
		"configuration": map[string]any{
			"push_notification_config": map[string]any{"url": sink.URL},
		},
	}, "")
	require.Nil(t, resp.Error)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "started", result["status"])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return finals == 1
	}, 3*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.GreaterOrEqual(t, total, 3, "started, completed and final at minimum")
	require.NotEmpty(t, protocols)
	for _, p := range protocols {
		assert.Equal(t, "a2a", p, "pushes carry the tag of the endpoint that started the run")
	}
	mu.Unlock()
}

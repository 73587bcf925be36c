package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yitercel/taskflow/pkg/rpc"
	"github.com/yitercel/taskflow/pkg/types"
)

// Client talks to a flowd server over JSON-RPC. It is safe for
// concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	nextID  atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the server at baseURL, e.g.
// "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope mirrors the server response with the result left raw so
// callers decode into their own types.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpc.RPCError   `json:"error"`
}

// Call performs one JSON-RPC method call. A non-nil result receives the
// decoded result object. Server-side failures come back as *rpc.RPCError.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	body, err := json.Marshal(rpc.Request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Error != nil {
		return env.Error
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// CreateResult is the response of tasks.create.
type CreateResult struct {
	Tasks      []*types.Task `json:"tasks"`
	RootTaskID string        `json:"root_task_id"`
}

// CreateTasks submits a task tree for persistence.
func (c *Client) CreateTasks(ctx context.Context, tasks []*types.Task) (*CreateResult, error) {
	var out CreateResult
	err := c.Call(ctx, "tasks.create", map[string]any{"tasks": tasks}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var out types.Task
	if err := c.Call(ctx, "tasks.get", map[string]any{"task_id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTask applies a partial update. fields carries the delta keys
// (name, priority, status, inputs, ...).
func (c *Client) UpdateTask(ctx context.Context, id string, fields map[string]any) (*types.Task, error) {
	params := map[string]any{"task_id": id}
	for k, v := range fields {
		params[k] = v
	}
	var out types.Task
	if err := c.Call(ctx, "tasks.update", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTask removes the subtree rooted at id.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.Call(ctx, "tasks.delete", map[string]any{"task_id": id}, nil)
}

// Tree fetches the whole tree containing id, rooted at its root.
func (c *Client) Tree(ctx context.Context, id string) (*types.TaskNode, error) {
	var out types.TaskNode
	if err := c.Call(ctx, "tasks.tree", map[string]any{"task_id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List fetches the caller's tasks, newest first.
func (c *Client) List(ctx context.Context) ([]*types.Task, error) {
	var out []*types.Task
	if err := c.Call(ctx, "tasks.list", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunSummary is the aggregate of one finished run.
type RunSummary struct {
	RunID      string `json:"run_id"`
	RootTaskID string `json:"root_task_id"`
	TargetID   string `json:"target_task_id"`
	Status     string `json:"status"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
	Result     any    `json:"result,omitempty"`
}

// ExecuteResult is the response of a synchronous tasks.execute.
type ExecuteResult struct {
	Status string      `json:"status"`
	Run    RunSummary  `json:"run"`
	Task   *types.Task `json:"task"`
}

// Execute runs the subtree rooted at id and blocks until the run ends
// or ctx is cancelled.
func (c *Client) Execute(ctx context.Context, id string) (*ExecuteResult, error) {
	var out ExecuteResult
	if err := c.Call(ctx, "tasks.execute", map[string]any{"task_id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel requests cancellation for the given task ids.
func (c *Client) Cancel(ctx context.Context, ids ...string) error {
	return c.Call(ctx, "tasks.cancel", map[string]any{"task_ids": ids}, nil)
}

// Copy clones the subtree rooted at id for re-execution and returns the
// new root.
func (c *Client) Copy(ctx context.Context, id string, includeChildren bool) (*types.Task, error) {
	var out types.Task
	err := c.Call(ctx, "tasks.copy", map[string]any{
		"task_id":  id,
		"children": includeChildren,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches the server health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.Call(ctx, "system.health", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscription is a live event feed for one task tree.
type Subscription struct {
	conn   *websocket.Conn
	events chan *types.Event
	done   chan struct{}
}

// Events returns the receive channel. It closes when the server ends
// the stream or Close is called.
func (s *Subscription) Events() <-chan *types.Event { return s.events }

// Close tears the subscription down.
func (s *Subscription) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		_ = s.conn.Close()
	}
}

// Subscribe opens a websocket subscription for the tree containing
// taskID. Events flow from the moment the server confirms.
func (c *Client) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	wsURL, err := c.websocketURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if err := conn.WriteJSON(map[string]string{"action": "subscribe", "task_id": taskID}); err != nil {
		conn.Close()
		return nil, err
	}
	var ack struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Type != "subscribed" {
		conn.Close()
		return nil, fmt.Errorf("subscribe rejected: %s", ack.Error)
	}

	sub := &Subscription{
		conn:   conn,
		events: make(chan *types.Event, 16),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (s *Subscription) pump() {
	defer close(s.events)
	for {
		var msg struct {
			Type  string       `json:"type"`
			Event *types.Event `json:"event"`
		}
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "event" || msg.Event == nil {
			continue
		}
		select {
		case s.events <- msg.Event:
		case <-s.done:
			return
		}
		if msg.Event.Type == types.EventStreamEnd {
			return
		}
	}
}

func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

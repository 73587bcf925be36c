package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yitercel/taskflow/pkg/callback"
	"github.com/yitercel/taskflow/pkg/config"
	"github.com/yitercel/taskflow/pkg/events"
	"github.com/yitercel/taskflow/pkg/executor"
	"github.com/yitercel/taskflow/pkg/graph"
	"github.com/yitercel/taskflow/pkg/log"
	"github.com/yitercel/taskflow/pkg/scheduler"
	"github.com/yitercel/taskflow/pkg/storage"
	"github.com/yitercel/taskflow/pkg/taskerr"
	"github.com/yitercel/taskflow/pkg/treecopy"
	"github.com/yitercel/taskflow/pkg/types"
)

// handlerFunc executes one RPC method for an authenticated principal.
type handlerFunc func(ctx context.Context, p types.Principal, params json.RawMessage) (any, error)

// Service maps JSON-RPC methods onto the core: repository, scheduler,
// copy engine and event bus. Transport concerns (HTTP, SSE, WS) live in
// Server; Service is transport-agnostic and directly testable.
type Service struct {
	store    storage.Store
	sched    *scheduler.Scheduler
	copier   *treecopy.Engine
	bus      *events.Bus
	registry *executor.Registry
	cfg      config.Config
	logger   zerolog.Logger
	methods  map[string]handlerFunc
}

// NewService wires the dispatcher.
func NewService(store storage.Store, sched *scheduler.Scheduler, copier *treecopy.Engine, bus *events.Bus, registry *executor.Registry, cfg config.Config) *Service {
	s := &Service{
		store:    store,
		sched:    sched,
		copier:   copier,
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		logger:   log.WithComponent("rpc"),
	}
	s.methods = map[string]handlerFunc{
		"tasks.execute":         s.tasksExecute,
		"tasks.create":          s.tasksCreate,
		"tasks.get":             s.tasksGet,
		"tasks.update":          s.tasksUpdate,
		"tasks.delete":          s.tasksDelete,
		"tasks.detail":          s.tasksDetail,
		"tasks.tree":            s.tasksTree,
		"tasks.children":        s.tasksChildren,
		"tasks.list":            s.tasksList,
		"tasks.running.list":    s.runningList,
		"tasks.running.status":  s.runningStatus,
		"tasks.running.count":   s.runningCount,
		"tasks.cancel":          s.tasksCancel,
		"tasks.copy":            s.tasksCopy,
		"tasks.generate":        s.tasksGenerate,
		"system.health":         s.systemHealth,
		"config.llm_key.set":    s.llmKeySet,
		"config.llm_key.get":    s.llmKeyGet,
		"config.llm_key.delete": s.llmKeyDelete,
		"examples.init":         s.examplesInit,
		"examples.status":       s.examplesStatus,
	}
	return s
}

// aliases maps legacy method names onto the canonical surface.
var aliases = map[string]string{
	"execute_task_tree":    "tasks.execute",
	"running.cancel":       "tasks.cancel",
	"tasks.running.cancel": "tasks.cancel",
	"cancel_task":          "tasks.cancel",
	"running.list":         "tasks.running.list",
	"running.status":       "tasks.running.status",
	"running.count":        "tasks.running.count",
}

// NormalizeMethod resolves aliases and legacy un-dotted names.
func (s *Service) NormalizeMethod(method string) string {
	if canonical, ok := aliases[method]; ok {
		return canonical
	}
	if _, ok := s.methods[method]; ok {
		return method
	}
	if !strings.Contains(method, ".") {
		if dotted := "tasks." + method; s.methods[dotted] != nil {
			return dotted
		}
	}
	return method
}

// Dispatch runs one method. The method name must already be normalized.
func (s *Service) Dispatch(ctx context.Context, p types.Principal, method string, params json.RawMessage) (any, error) {
	h, ok := s.methods[method]
	if !ok {
		return nil, methodNotFound(method)
	}
	return h(ctx, p, params)
}

// --- parameter shapes ---

type idParams struct {
	TaskID    string `json:"task_id"`
	ID        string `json:"id"`
	ContextID string `json:"context_id"`
}

func (p idParams) taskID() string {
	switch {
	case p.TaskID != "":
		return p.TaskID
	case p.ID != "":
		return p.ID
	default:
		return p.ContextID
	}
}

func decodeID(params json.RawMessage) (string, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", invalidParams("invalid params: " + err.Error())
	}
	if p.taskID() == "" {
		return "", invalidParams("task_id is required")
	}
	return p.taskID(), nil
}

// authorize loads a task and enforces ownership.
func (s *Service) authorize(p types.Principal, taskID string) (*types.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if !p.CanAccess(task.UserID) {
		return nil, taskerr.Forbidden(p.UserID, taskID)
	}
	return task, nil
}

// createTasks validates and persists a submission on behalf of the
// principal. Attaching under an existing parent pulls that tree in as
// validation context.
func (s *Service) createTasks(p types.Principal, tasks []*types.Task) ([]*types.Task, error) {
	if len(tasks) == 0 {
		return nil, invalidParams("tasks must not be empty")
	}
	for _, t := range tasks {
		if t.UserID == "" {
			t.UserID = p.UserID
		}
		if !p.CanAccess(t.UserID) {
			return nil, taskerr.Forbidden(p.UserID, t.ID)
		}
	}
	graph.AssignIDs(tasks)

	submitted := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		submitted[t.ID] = true
	}
	var existing map[string]*types.Task
	for _, t := range tasks {
		if t.ParentID == "" || submitted[t.ParentID] {
			continue
		}
		tree, err := s.store.GetTree(t.ParentID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			existing = make(map[string]*types.Task)
		}
		for _, et := range tree {
			if !p.CanAccess(et.UserID) {
				return nil, taskerr.Forbidden(p.UserID, et.ID)
			}
			existing[et.ID] = et
		}
	}

	if err := graph.Validate(tasks, existing); err != nil {
		return nil, err
	}
	return s.store.CreateTasks(tasks)
}

// --- task CRUD ---

type createParams struct {
	Tasks []*types.Task `json:"tasks"`
	Task  *types.Task   `json:"task"`
}

func (s *Service) tasksCreate(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	var cp createParams
	if err := json.Unmarshal(params, &cp); err != nil {
		return nil, invalidParams("invalid params: " + err.Error())
	}
	tasks := cp.Tasks
	if cp.Task != nil {
		tasks = append(tasks, cp.Task)
	}
	created, err := s.createTasks(p, tasks)
	if err != nil {
		return nil, err
	}
	root, err := graph.FindRoot(created)
	if err != nil {
		// Attach mode: the submission has no root of its own.
		return map[string]any{"tasks": created}, nil
	}
	return map[string]any{"tasks": created, "root_task_id": root.ID}, nil
}

func (s *Service) tasksGet(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	return s.authorize(p, id)
}

type updateParams struct {
	idParams
	types.TaskDelta
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at"`
}

func (s *Service) tasksUpdate(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	var up updateParams
	if err := json.Unmarshal(params, &up); err != nil {
		return nil, invalidParams("invalid params: " + err.Error())
	}
	id := up.taskID()
	if id == "" {
		return nil, invalidParams("task_id is required")
	}
	if _, err := s.authorize(p, id); err != nil {
		return nil, err
	}

	delta := up.TaskDelta
	delta.ForceRestart = false
	delta.ExpectedUpdatedAt = up.ExpectedUpdatedAt

	// Result needs presence detection: null is a legal result value.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(params, &raw); err == nil {
		if _, ok := raw["result"]; ok {
			delta.ResultSet = true
		}
	}
	return s.store.UpdateTask(id, &delta)
}

func (s *Service) tasksDelete(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(p, id); err != nil {
		return nil, err
	}
	if err := s.store.DeleteSubtree(id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "task_id": id}, nil
}

func (s *Service) tasksDetail(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	task, err := s.authorize(p, id)
	if err != nil {
		return nil, err
	}
	node, err := s.store.BuildSubtree(id)
	if err != nil {
		return nil, err
	}
	children := make([]*types.Task, 0, len(node.Children))
	for _, c := range node.Children {
		children = append(children, c.Task)
	}
	deps := make([]*types.Task, 0, len(task.Dependencies))
	for _, d := range task.Dependencies {
		dep, err := s.store.GetTask(d.ID)
		if err != nil {
			continue
		}
		deps = append(deps, dep)
	}
	return map[string]any{
		"task":         task,
		"children":     children,
		"dependencies": deps,
	}, nil
}

func (s *Service) tasksTree(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(p, id); err != nil {
		return nil, err
	}
	root, err := s.store.GetRoot(id)
	if err != nil {
		return nil, err
	}
	return s.store.BuildSubtree(root.ID)
}

func (s *Service) tasksChildren(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(p, id); err != nil {
		return nil, err
	}
	node, err := s.store.BuildSubtree(id)
	if err != nil {
		return nil, err
	}
	children := make([]*types.Task, 0, len(node.Children))
	for _, c := range node.Children {
		children = append(children, c.Task)
	}
	return children, nil
}

type listParams struct {
	UserID string           `json:"user_id"`
	Status types.TaskStatus `json:"status"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (s *Service) tasksList(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	var lp listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &lp); err != nil {
			return nil, invalidParams("invalid params: " + err.Error())
		}
	}
	userID := lp.UserID
	if !p.IsAdmin() {
		// Non-admins only ever see their own tasks.
		userID = p.UserID
	}
	return s.store.ListTasks(types.TaskFilter{
		UserID: userID,
		Status: lp.Status,
		Limit:  lp.Limit,
		Offset: lp.Offset,
	})
}

// --- execution control ---

func (s *Service) tasksExecute(ctx context.Context, p types.Principal, params json.RawMessage) (any, error) {
	target, err := s.ResolveExecuteTarget(p, params)
	if err != nil {
		return nil, err
	}
	res, err := s.sched.Execute(ctx, target)
	if err != nil {
		return nil, err
	}
	task, gerr := s.store.GetTask(target)
	if gerr != nil {
		return map[string]any{"status": res.Status, "run": res}, nil
	}
	return map[string]any{"status": res.Status, "run": res, "task": task}, nil
}

// executeParams accepts both execution shapes: an existing task id, or
// an embedded submission created on the fly.
type executeParams struct {
	idParams
	Tasks         []*types.Task   `json:"tasks"`
	Metadata      executeMetadata `json:"metadata"`
	Configuration *executeConfig  `json:"configuration"`
}

type executeMetadata struct {
	Stream    bool   `json:"stream"`
	TaskID    string `json:"task_id"`
	ContextID string `json:"context_id"`
}

type executeConfig struct {
	PushNotificationConfig *types.PushConfig `json:"push_notification_config"`
}

// ResolveExecuteTarget normalizes the two execute shapes to a target
// task id, creating the embedded submission when present.
func (s *Service) ResolveExecuteTarget(p types.Principal, params json.RawMessage) (string, error) {
	var ep executeParams
	if err := json.Unmarshal(params, &ep); err != nil {
		return "", invalidParams("invalid params: " + err.Error())
	}
	if len(ep.Tasks) > 0 {
		created, err := s.createTasks(p, ep.Tasks)
		if err != nil {
			return "", err
		}
		root, err := graph.FindRoot(created)
		if err != nil {
			return "", err
		}
		return root.ID, nil
	}

	id := ep.taskID()
	if id == "" {
		id = ep.Metadata.TaskID
	}
	if id == "" {
		id = ep.Metadata.ContextID
	}
	if id == "" {
		return "", invalidParams("task_id or tasks is required")
	}
	if _, err := s.authorize(p, id); err != nil {
		return "", err
	}
	return id, nil
}

type cancelParams struct {
	idParams
	TaskIDs  []string `json:"task_ids"`
	Metadata struct {
		TaskID    string `json:"task_id"`
		ContextID string `json:"context_id"`
	} `json:"metadata"`
}

// cancelIDs resolves the cancel targets: the task_ids list, else the
// first of task_id, context_id, metadata.task_id, metadata.context_id.
func (cp cancelParams) cancelIDs() []string {
	if len(cp.TaskIDs) > 0 {
		return cp.TaskIDs
	}
	for _, id := range []string{cp.TaskID, cp.ContextID, cp.Metadata.TaskID, cp.Metadata.ContextID} {
		if id != "" {
			return []string{id}
		}
	}
	return nil
}

func (s *Service) tasksCancel(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	var cp cancelParams
	if err := json.Unmarshal(params, &cp); err != nil {
		return nil, invalidParams("invalid params: " + err.Error())
	}
	ids := cp.cancelIDs()
	if len(ids) == 0 {
		return nil, invalidParams("task_id is required")
	}
	for _, id := range ids {
		if _, err := s.authorize(p, id); err != nil {
			return nil, err
		}
		if err := s.sched.Cancel(id); err != nil {
			return nil, err
		}
	}
	return map[string]any{"cancelled": ids}, nil
}

type copyParams struct {
	idParams
	Children        bool `json:"children"`
	IncludeChildren bool `json:"include_children"`
}

func (s *Service) tasksCopy(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	var cp copyParams
	if err := json.Unmarshal(params, &cp); err != nil {
		return nil, invalidParams("invalid params: " + err.Error())
	}
	id := cp.taskID()
	if id == "" {
		return nil, invalidParams("task_id is required")
	}
	if _, err := s.authorize(p, id); err != nil {
		return nil, err
	}
	return s.copier.Copy(id, cp.Children || cp.IncludeChildren)
}

func (s *Service) tasksGenerate(context.Context, types.Principal, json.RawMessage) (any, error) {
	return nil, taskerr.New(taskerr.CodeNotImplemented,
		"tasks.generate requires the generation service, which is not deployed")
}

// --- running runs ---

func (s *Service) ownsRun(p types.Principal, rootID string) bool {
	if p.IsAdmin() {
		return true
	}
	task, err := s.store.GetTask(rootID)
	return err == nil && task.UserID == p.UserID
}

func (s *Service) runningList(_ context.Context, p types.Principal, _ json.RawMessage) (any, error) {
	all := s.sched.Running()
	out := make([]scheduler.RunInfo, 0, len(all))
	for _, info := range all {
		if s.ownsRun(p, info.RootTaskID) {
			out = append(out, info)
		}
	}
	return out, nil
}

func (s *Service) runningStatus(_ context.Context, p types.Principal, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(p, id); err != nil {
		return nil, err
	}
	root, err := s.store.GetRoot(id)
	if err != nil {
		return nil, err
	}
	return s.sched.RunningStatus(root.ID)
}

func (s *Service) runningCount(_ context.Context, p types.Principal, _ json.RawMessage) (any, error) {
	if p.IsAdmin() {
		return map[string]any{"count": s.sched.RunningCount()}, nil
	}
	count := 0
	for _, info := range s.sched.Running() {
		if s.ownsRun(p, info.RootTaskID) {
			count++
		}
	}
	return map[string]any{"count": count}, nil
}

// --- system and config ---

func (s *Service) systemHealth(context.Context, types.Principal, json.RawMessage) (any, error) {
	return map[string]any{
		"status":      "ok",
		"version":     Version,
		"runs_active": s.sched.RunningCount(),
		"subscribers": s.bus.SubscriberCount(),
	}, nil
}

type llmKeyParams struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

func (s *Service) llmKeySet(_ context.Context, _ types.Principal, params json.RawMessage) (any, error) {
	var kp llmKeyParams
	if err := json.Unmarshal(params, &kp); err != nil {
		return nil, invalidParams("invalid params: " + err.Error())
	}
	if kp.Provider == "" || kp.Key == "" {
		return nil, invalidParams("provider and key are required")
	}
	if err := s.store.SetLLMKey(kp.Provider, kp.Key); err != nil {
		return nil, err
	}
	return map[string]any{"provider": kp.Provider, "stored": true}, nil
}

func (s *Service) llmKeyGet(_ context.Context, _ types.Principal, params json.RawMessage) (any, error) {
	var kp llmKeyParams
	if err := json.Unmarshal(params, &kp); err != nil {
		return nil, invalidParams("invalid params: " + err.Error())
	}
	if kp.Provider == "" {
		return nil, invalidParams("provider is required")
	}
	key, err := s.store.GetLLMKey(kp.Provider)
	if err != nil {
		return nil, err
	}
	return map[string]any{"provider": kp.Provider, "key": key}, nil
}

func (s *Service) llmKeyDelete(_ context.Context, _ types.Principal, params json.RawMessage) (any, error) {
	var kp llmKeyParams
	if err := json.Unmarshal(params, &kp); err != nil {
		return nil, invalidParams("invalid params: " + err.Error())
	}
	if kp.Provider == "" {
		return nil, invalidParams("provider is required")
	}
	if err := s.store.DeleteLLMKey(kp.Provider); err != nil {
		return nil, err
	}
	return map[string]any{"provider": kp.Provider, "deleted": true}, nil
}

// --- examples ---

// examplesInit seeds a small demo tree over the builtin executors so a
// fresh install has something to execute.
func (s *Service) examplesInit(_ context.Context, p types.Principal, _ json.RawMessage) (any, error) {
	if existing := s.findExampleRoot(p.UserID); existing != nil {
		return map[string]any{"initialized": true, "root_task_id": existing.ID, "created": false}, nil
	}

	root := &types.Task{
		Name:     "echo",
		UserID:   p.UserID,
		Priority: types.PriorityDefault,
		Inputs:   map[string]any{"message": "example pipeline"},
		Params:   map[string]any{"example": true},
	}
	graph.AssignIDs([]*types.Task{root})
	warm := &types.Task{
		Name:     "sleep",
		UserID:   p.UserID,
		ParentID: root.ID,
		Priority: types.PriorityHighest,
		Inputs:   map[string]any{"duration": "10ms"},
	}
	graph.AssignIDs([]*types.Task{warm})
	report := &types.Task{
		Name:         "echo",
		UserID:       p.UserID,
		ParentID:     root.ID,
		Priority:     types.PriorityDefault,
		Inputs:       map[string]any{"stage": "report"},
		Dependencies: []types.Dependency{{ID: warm.ID, Required: true}},
	}

	created, err := s.createTasks(p, []*types.Task{root, warm, report})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"initialized":  true,
		"created":      true,
		"root_task_id": root.ID,
		"tasks":        len(created),
	}, nil
}

func (s *Service) examplesStatus(_ context.Context, p types.Principal, _ json.RawMessage) (any, error) {
	if existing := s.findExampleRoot(p.UserID); existing != nil {
		return map[string]any{"initialized": true, "root_task_id": existing.ID}, nil
	}
	return map[string]any{"initialized": false}, nil
}

func (s *Service) findExampleRoot(userID string) *types.Task {
	tasks, err := s.store.ListTasks(types.TaskFilter{UserID: userID})
	if err != nil {
		return nil
	}
	for _, t := range tasks {
		if !t.IsRoot() {
			continue
		}
		if flagged, ok := t.Params["example"].(bool); ok && flagged {
			return t
		}
	}
	return nil
}

// pushOptions builds the delivery policy for callback mode.
func (s *Service) pushOptions() callback.Options {
	return callback.Options{
		MaxRetries:  s.cfg.CallbackMaxRetries,
		BaseBackoff: s.cfg.CallbackBaseBackoff,
	}
}

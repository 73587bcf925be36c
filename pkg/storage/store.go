package storage

import (
	"github.com/yitercel/taskflow/pkg/types"
)

// Store defines the persistence contract the core consumes. Any
// backend that keeps the mutating operations atomic and the multi-row
// reads consistent satisfies it.
type Store interface {
	// CreateTasks persists a validated submission in one transaction
	// and returns the rows with submission order assigned.
	CreateTasks(tasks []*types.Task) ([]*types.Task, error)

	GetTask(id string) (*types.Task, error)

	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(filter types.TaskFilter) ([]*types.Task, error)

	// GetRoot walks parent edges from id to the tree root.
	GetRoot(id string) (*types.Task, error)

	// BuildSubtree returns id's task with all descendants materialised,
	// children in insertion order, read at a single point in time.
	BuildSubtree(id string) (*types.TaskNode, error)

	// GetTree returns every task of the tree containing id.
	GetTree(id string) ([]*types.Task, error)

	// GetAllDescendants returns the transitive children of id.
	GetAllDescendants(id string) ([]*types.Task, error)

	// FindDependents returns the tasks of the same tree whose
	// dependency list references id.
	FindDependents(id string) ([]*types.Task, error)

	// TransitiveDependents returns the closure of tasks depending on
	// any of ids, excluding ids themselves.
	TransitiveDependents(ids []string) ([]*types.Task, error)

	// UpdateTask applies a partial update atomically, enforcing the
	// model invariants and optimistic concurrency on updated_at.
	UpdateTask(id string, delta *types.TaskDelta) (*types.Task, error)

	// DeleteSubtree physically removes id and its descendants when the
	// delete rules allow it; all-or-nothing.
	DeleteSubtree(id string) error

	// ApplyCopy persists a tree copy in one transaction: inserts the
	// copied rows and flags every originated row with has_copy.
	ApplyCopy(copies []*types.Task, originalIDs []string) error

	// LLM provider key storage for the config.llm_key RPC methods.
	SetLLMKey(provider, key string) error
	GetLLMKey(provider string) (string, error)
	DeleteLLMKey(provider string) error

	Close() error
}

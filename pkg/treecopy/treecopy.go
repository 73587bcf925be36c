package treecopy

import (
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yitercel/taskflow/pkg/graph"
	"github.com/yitercel/taskflow/pkg/log"
	"github.com/yitercel/taskflow/pkg/types"
)

// Store is the slice of the repository the copy engine consumes.
type Store interface {
	GetTask(id string) (*types.Task, error)
	GetTree(id string) ([]*types.Task, error)
	ApplyCopy(copies []*types.Task, originalIDs []string) error
}

// Engine clones subtrees for fresh execution while keeping the
// originals' history intact.
type Engine struct {
	store  Store
	logger zerolog.Logger
}

// NewEngine creates a copy engine over the repository.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:  store,
		logger: log.WithComponent("treecopy"),
	}
}

// Copy clones the subtree rooted at sourceID. The copy set is the
// source plus its descendants, plus every task anywhere in the tree
// that transitively depends on a member; includeChildren additionally
// pulls in each direct child's own closure. Every copied row gets a
// fresh id and reset run state; originals are flagged has_copy. The
// whole result persists in one transaction and the new root is
// returned.
func (e *Engine) Copy(sourceID string, includeChildren bool) (*types.Task, error) {
	source, err := e.store.GetTask(sourceID)
	if err != nil {
		return nil, err
	}
	tree, err := e.store.GetTree(sourceID)
	if err != nil {
		return nil, err
	}
	idx := graph.Build(tree)

	copySet := e.collectCopySet(idx, source.ID, includeChildren)
	e.pruneNeverStarted(idx, copySet)

	copies, originals := e.rewrite(idx, copySet, source.ID)
	if err := e.store.ApplyCopy(copies, originals); err != nil {
		return nil, err
	}

	for _, c := range copies {
		if c.IsRoot() {
			e.logger.Info().
				Str("source_id", source.ID).
				Str("copy_id", c.ID).
				Int("tasks", len(copies)).
				Msg("subtree copied")
			return c, nil
		}
	}
	// Unreachable when the copy set is non-empty; the source is always
	// a member and becomes the copy root.
	return nil, taskNotCopied(source.ID)
}

// collectCopySet gathers the core set (source plus descendants), the
// transitive dependents of every member, and optionally the closure of
// each direct child.
func (e *Engine) collectCopySet(idx *graph.Indexes, sourceID string, includeChildren bool) map[string]bool {
	copySet := make(map[string]bool)

	addClosure := func(rootID string) {
		seed := []string{rootID}
		copySet[rootID] = true
		for _, d := range idx.Descendants(rootID) {
			copySet[d] = true
			seed = append(seed, d)
		}
		for dep := range idx.TransitiveDependents(seed) {
			copySet[dep] = true
		}
	}

	addClosure(sourceID)
	if includeChildren {
		for _, child := range idx.ChildrenOf[sourceID] {
			addClosure(child)
		}
	}
	return copySet
}

// pruneNeverStarted drops pending dependents hanging off failed leaves:
// tasks that never started gain nothing from being duplicated.
func (e *Engine) pruneNeverStarted(idx *graph.Indexes, copySet map[string]bool) {
	for id := range copySet {
		t := idx.Tasks[id]
		if t.Status != types.TaskStatusFailed || len(idx.ChildrenOf[id]) > 0 {
			continue
		}
		dependents := idx.DependentsOf[id]
		allPending := len(dependents) > 0
		for _, dep := range dependents {
			if idx.Tasks[dep].Status != types.TaskStatusPending {
				allPending = false
				break
			}
		}
		if !allPending {
			continue
		}
		for _, dep := range dependents {
			if copySet[dep] {
				delete(copySet, dep)
				e.logger.Debug().
					Str("task_id", dep).
					Str("failed_dep", id).
					Msg("excluding never-started dependent from copy")
			}
		}
	}
}

// rewrite materialises the copies: fresh ids, remapped parent and
// dependency edges, reset run state. Edges pointing outside the copy
// set are dropped for parents (the node is re-rooted under the new
// root) and kept as references to the originals for dependencies, so
// completed external work stays usable as input.
func (e *Engine) rewrite(idx *graph.Indexes, copySet map[string]bool, sourceID string) ([]*types.Task, []string) {
	// Preserve the originals' relative creation order so priority
	// tie-breaks behave the same on the copy.
	ordered := make([]string, 0, len(copySet))
	for id := range copySet {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return idx.Tasks[ordered[i]].SubmissionOrder < idx.Tasks[ordered[j]].SubmissionOrder
	})

	idMap := make(map[string]string, len(copySet))
	originals := make([]string, 0, len(copySet))
	for _, id := range ordered {
		idMap[id] = uuid.NewString()
		originals = append(originals, id)
	}

	copies := make([]*types.Task, 0, len(copySet))
	newRootID := idMap[sourceID]

	for _, id := range ordered {
		orig := idx.Tasks[id]
		c := orig.Clone()
		c.ID = idMap[id]
		// Provenance points at the source root for every member, not at
		// the member's own original row.
		c.OriginalTaskID = sourceID
		c.HasCopy = false
		c.Status = types.TaskStatusPending
		c.Progress = 0
		c.Result = nil
		c.Error = ""
		c.StartedAt = nil
		c.CompletedAt = nil

		switch {
		case id == sourceID:
			c.ParentID = "" // the copy is a fresh root
		case copySet[orig.ParentID]:
			c.ParentID = idMap[orig.ParentID]
		default:
			e.logger.Debug().
				Str("task_id", id).
				Str("stale_parent", orig.ParentID).
				Msg("parent outside copy set, re-rooting under copy root")
			c.ParentID = newRootID
		}

		deps := make([]types.Dependency, 0, len(orig.Dependencies))
		for _, d := range orig.Dependencies {
			if mapped, ok := idMap[d.ID]; ok {
				deps = append(deps, types.Dependency{ID: mapped, Required: d.Required})
				continue
			}
			if _, exists := idx.Tasks[d.ID]; !exists {
				e.logger.Warn().
					Str("task_id", id).
					Str("stale_dep", d.ID).
					Msg("dropping dangling dependency edge")
				continue
			}
			// External dependency: keep the reference to the original
			// so its completed result is inherited.
			deps = append(deps, d)
		}
		if len(deps) == 0 {
			deps = nil
		}
		c.Dependencies = deps
		copies = append(copies, c)
	}
	return copies, originals
}

func taskNotCopied(id string) error {
	return &copyError{id: id}
}

type copyError struct{ id string }

func (e *copyError) Error() string {
	return "copy produced no root for task " + e.id
}

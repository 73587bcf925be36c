package graph

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/yitercel/taskflow/pkg/taskerr"
	"github.com/yitercel/taskflow/pkg/types"
)

// Validate checks a create submission against the tree invariants:
// single user, single root, closed dependencies, acyclic dependency
// graph, and parent reachability. existing holds already-persisted
// tasks of the tree the submission may reference; it may be nil for a
// standalone tree. Violations of each check aggregate into one
// ValidationErrors value.
func Validate(submission []*types.Task, existing map[string]*types.Task) error {
	if len(submission) == 0 {
		verr := &taskerr.ValidationErrors{}
		verr.Add(taskerr.New(taskerr.CodeMultiRoot, "submission is empty"))
		return verr
	}

	if err := checkShape(submission); err != nil {
		return err
	}
	if err := checkSingleUser(submission, existing); err != nil {
		return err
	}
	if err := checkSingleRoot(submission, existing); err != nil {
		return err
	}
	if err := checkClosedDeps(submission, existing); err != nil {
		return err
	}
	if err := checkAcyclic(submission, existing); err != nil {
		return err
	}
	return checkParents(submission, existing)
}

// checkShape validates per-task fields: priority range and duplicate
// dependency ids.
func checkShape(submission []*types.Task) error {
	verr := &taskerr.ValidationErrors{}
	for _, t := range submission {
		if t.Priority < types.PriorityHighest || t.Priority > types.PriorityLowest {
			verr.Add(taskerr.New(taskerr.CodeInvalidPriority,
				"priority %d out of range [%d,%d]",
				t.Priority, types.PriorityHighest, types.PriorityLowest).WithTask(t.ID))
		}
		seen := make(map[string]bool, len(t.Dependencies))
		for _, d := range t.Dependencies {
			if d.ID == "" {
				verr.Add(taskerr.New(taskerr.CodeUnknownRef, "dependency with empty id").WithTask(t.ID))
				continue
			}
			if seen[d.ID] {
				verr.Add(taskerr.New(taskerr.CodeDuplicateDep,
					"duplicate dependency %s", d.ID).WithTask(t.ID))
			}
			seen[d.ID] = true
		}
	}
	return verr.OrNil()
}

// checkSingleUser enforces user uniformity across the submission and
// the existing tree.
func checkSingleUser(submission []*types.Task, existing map[string]*types.Task) error {
	verr := &taskerr.ValidationErrors{}
	user := submission[0].UserID
	for _, t := range existing {
		user = t.UserID
		break
	}
	for _, t := range submission {
		if t.UserID != user {
			verr.Add(taskerr.New(taskerr.CodeUserMismatch,
				"task user %q differs from tree user %q", t.UserID, user).WithTask(t.ID))
		}
	}
	return verr.OrNil()
}

// checkSingleRoot enforces at most one parentless task per submission
// and an anchor for every submitted task: either the submission's own
// root or, in attach mode, an already-persisted task of the tree.
// Mixing both anchors in one submission would span two trees and is
// rejected.
func checkSingleRoot(submission []*types.Task, existing map[string]*types.Task) error {
	verr := &taskerr.ValidationErrors{}

	byID := make(map[string]*types.Task, len(submission))
	var roots []*types.Task
	for _, t := range submission {
		if t.ID != "" {
			byID[t.ID] = t
		}
		if t.IsRoot() {
			roots = append(roots, t)
		}
	}

	switch len(roots) {
	case 0:
		if len(existing) == 0 {
			verr.Add(taskerr.New(taskerr.CodeMultiRoot, "submission has no root task"))
			return verr
		}
	case 1:
	default:
		ids := make([]string, len(roots))
		for i, r := range roots {
			ids[i] = r.ID
		}
		verr.Add(taskerr.New(taskerr.CodeMultiRoot,
			"submission has %d root tasks", len(roots)).WithDetail("roots", ids))
		return verr
	}

	// Walk each task's parent chain inside the submission until it
	// reaches an anchor or falls off an unknown parent.
	var root *types.Task
	if len(roots) == 1 {
		root = roots[0]
	}
	for _, t := range submission {
		if t == root {
			continue
		}
		cur := t
		steps := 0
		for {
			if steps++; steps > len(submission) {
				verr.Add(taskerr.New(taskerr.CodeCircularDep,
					"parent loop inside submission").WithTask(t.ID))
				break
			}
			parent, ok := byID[cur.ParentID]
			if !ok {
				if _, inTree := existing[cur.ParentID]; inTree {
					if root != nil {
						// Submission carries its own root yet this task
						// hangs off another, persisted tree.
						verr.Add(taskerr.New(taskerr.CodeMultiRoot,
							"task attaches outside the submission root").WithTask(t.ID))
					}
				} else {
					verr.Add(taskerr.New(taskerr.CodeUnknownRef,
						"parent %s not part of submission", cur.ParentID).WithTask(t.ID))
				}
				break
			}
			if parent == root {
				break
			}
			cur = parent
		}
	}
	return verr.OrNil()
}

// checkClosedDeps enforces that every dependency id resolves inside the
// submission or the existing tree.
func checkClosedDeps(submission []*types.Task, existing map[string]*types.Task) error {
	verr := &taskerr.ValidationErrors{}
	known := make(map[string]bool, len(submission)+len(existing))
	for _, t := range submission {
		if t.ID != "" {
			known[t.ID] = true
		}
	}
	for id := range existing {
		known[id] = true
	}
	for _, t := range submission {
		for _, d := range t.Dependencies {
			if !known[d.ID] {
				verr.Add(taskerr.New(taskerr.CodeUnknownRef,
					"dependency %s does not exist in tree or submission", d.ID).WithTask(t.ID))
			}
		}
	}
	return verr.OrNil()
}

// checkAcyclic runs a DFS over the union of submitted and existing
// dependency edges, recording the cycle path for diagnostics.
func checkAcyclic(submission []*types.Task, existing map[string]*types.Task) error {
	deps := make(map[string][]string)
	for _, t := range existing {
		for _, d := range t.Dependencies {
			deps[t.ID] = append(deps[t.ID], d.ID)
		}
	}
	for _, t := range submission {
		if t.ID == "" {
			continue // no one can reference it yet
		}
		deps[t.ID] = nil
		for _, d := range t.Dependencies {
			deps[t.ID] = append(deps[t.ID], d.ID)
		}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(deps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range deps[id] {
			switch color[next] {
			case gray:
				// extract the cycle slice from the stack
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
				cycle = []string{id, next, id}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for id := range deps {
		if color[id] == white && visit(id) {
			verr := &taskerr.ValidationErrors{}
			verr.Add(taskerr.New(taskerr.CodeCircularDep,
				"dependency cycle detected").WithDetail("cycle", cycle))
			return verr
		}
	}
	return nil
}

// checkParents enforces I1: parents exist, share the tree's user, and
// parent chains terminate at a root in finite steps.
func checkParents(submission []*types.Task, existing map[string]*types.Task) error {
	verr := &taskerr.ValidationErrors{}
	all := make(map[string]*types.Task, len(submission)+len(existing))
	for id, t := range existing {
		all[id] = t
	}
	for _, t := range submission {
		if t.ID != "" {
			all[t.ID] = t
		}
	}

	for _, t := range submission {
		if t.IsRoot() {
			continue
		}
		parent, ok := all[t.ParentID]
		if !ok {
			continue // already reported by checkSingleRoot
		}
		if parent.UserID != t.UserID {
			verr.Add(taskerr.New(taskerr.CodeUserMismatch,
				"parent %s belongs to user %q", parent.ID, parent.UserID).WithTask(t.ID))
		}
		cur := parent
		for steps := 0; ; steps++ {
			if steps > len(all) {
				verr.Add(taskerr.New(taskerr.CodeCircularDep,
					"parent chain does not reach a root").WithTask(t.ID))
				break
			}
			if cur.IsRoot() {
				break
			}
			next, ok := all[cur.ParentID]
			if !ok {
				break
			}
			cur = next
		}
	}
	return verr.OrNil()
}

// AssignIDs fills in missing task ids with fresh UUIDs. Ids supplied by
// the client are kept so that intra-submission dependency references
// stay valid.
func AssignIDs(submission []*types.Task) {
	for _, t := range submission {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
	}
}

// FindRoot returns the single parentless task of the submission. It
// assumes Validate has passed.
func FindRoot(submission []*types.Task) (*types.Task, error) {
	for _, t := range submission {
		if t.IsRoot() {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no root task in submission")
}

package graph

import (
	"sort"

	"github.com/yitercel/taskflow/pkg/types"
)

// Indexes holds the adjacency maps for one tree: the parent/child tree
// overlay and the dependency DAG with its reverse index. All walks are
// bounded by the tasks passed to Build; nothing is shared across
// requests.
type Indexes struct {
	Tasks        map[string]*types.Task
	ChildrenOf   map[string][]string
	DepsOf       map[string][]types.Dependency
	DependentsOf map[string][]string
}

// Build constructs the indexes for a set of tasks. Children are ordered
// by submission order so tree walks are deterministic.
func Build(tasks []*types.Task) *Indexes {
	idx := &Indexes{
		Tasks:        make(map[string]*types.Task, len(tasks)),
		ChildrenOf:   make(map[string][]string),
		DepsOf:       make(map[string][]types.Dependency),
		DependentsOf: make(map[string][]string),
	}
	for _, t := range tasks {
		idx.Tasks[t.ID] = t
	}
	for _, t := range tasks {
		if t.ParentID != "" {
			idx.ChildrenOf[t.ParentID] = append(idx.ChildrenOf[t.ParentID], t.ID)
		}
		if len(t.Dependencies) > 0 {
			idx.DepsOf[t.ID] = t.Dependencies
		}
		for _, d := range t.Dependencies {
			idx.DependentsOf[d.ID] = append(idx.DependentsOf[d.ID], t.ID)
		}
	}
	for parent, children := range idx.ChildrenOf {
		sort.Slice(children, func(i, j int) bool {
			return idx.Tasks[children[i]].SubmissionOrder < idx.Tasks[children[j]].SubmissionOrder
		})
		idx.ChildrenOf[parent] = children
	}
	return idx
}

// Descendants returns the transitive children of id, not including id
// itself, in breadth-first submission order.
func (idx *Indexes) Descendants(id string) []string {
	var out []string
	queue := append([]string{}, idx.ChildrenOf[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		queue = append(queue, idx.ChildrenOf[cur]...)
	}
	return out
}

// DependencyClosure returns id plus every task it transitively depends
// on.
func (idx *Indexes) DependencyClosure(id string) map[string]bool {
	closure := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		if closure[cur] {
			return
		}
		closure[cur] = true
		for _, d := range idx.DepsOf[cur] {
			if _, ok := idx.Tasks[d.ID]; ok {
				walk(d.ID)
			}
		}
	}
	walk(id)
	return closure
}

// TransitiveDependents returns every task that directly or indirectly
// depends on any id in seed, excluding the seed tasks themselves.
func (idx *Indexes) TransitiveDependents(seed []string) map[string]bool {
	out := make(map[string]bool)
	queue := append([]string{}, seed...)
	seen := make(map[string]bool, len(seed))
	for _, id := range seed {
		seen[id] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range idx.DependentsOf[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out[dep] = true
			queue = append(queue, dep)
		}
	}
	return out
}

// Root walks parent edges from id to the tree root.
func (idx *Indexes) Root(id string) *types.Task {
	cur := idx.Tasks[id]
	for cur != nil && cur.ParentID != "" {
		next, ok := idx.Tasks[cur.ParentID]
		if !ok {
			break
		}
		cur = next
	}
	return cur
}

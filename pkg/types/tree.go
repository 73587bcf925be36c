package types

// TaskNode is a task with its children materialised, as returned by
// subtree queries. Children appear in insertion order.
type TaskNode struct {
	Task     *Task       `json:"task"`
	Children []*TaskNode `json:"children,omitempty"`
}

// Flatten returns the node and all descendants in depth-first order.
func (n *TaskNode) Flatten() []*Task {
	out := []*Task{n.Task}
	for _, c := range n.Children {
		out = append(out, c.Flatten()...)
	}
	return out
}

// Count returns the number of tasks in the subtree.
func (n *TaskNode) Count() int {
	total := 1
	for _, c := range n.Children {
		total += c.Count()
	}
	return total
}

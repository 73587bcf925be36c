package scheduler

import "container/heap"

// readyItem is one dispatchable task in the ready queue.
type readyItem struct {
	id       string
	priority int
	order    int64
}

// readyQueue is a min-heap keyed by (priority, submission order).
// Priority breaks ties among simultaneously ready tasks; it never
// overrides a dependency.
type readyQueue struct {
	items []readyItem
}

func newReadyQueue() *readyQueue {
	return &readyQueue{}
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.order < b.order
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *readyQueue) Push(x any) {
	q.items = append(q.items, x.(readyItem))
}

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// push adds a task to the queue.
func (q *readyQueue) push(item readyItem) {
	heap.Push(q, item)
}

// pop removes and returns the highest-priority task.
func (q *readyQueue) pop() readyItem {
	return heap.Pop(q).(readyItem)
}

package workflow

import (
	"container/heap"

	"github.com/duorou/mcs/pkg/task"
)

// taskHeap orders task.Task entries strictly by Priority descending, ties
// broken by CreatedTime ascending (FIFO within a priority class) —
// mirrors the source's TaskComparator.
type taskHeap []task.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority() != h[j].Priority() {
		return h[i].Priority() > h[j].Priority()
	}
	return h[i].CreatedTime().Before(h[j].CreatedTime())
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(task.Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// priorityQueue wraps container/heap with the typed push/pop the engine
// uses internally.
type priorityQueue struct {
	h taskHeap
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{}
	heap.Init(&pq.h)
	return pq
}

func (pq *priorityQueue) push(t task.Task) { heap.Push(&pq.h, t) }

func (pq *priorityQueue) pop() task.Task {
	if pq.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&pq.h).(task.Task)
}

func (pq *priorityQueue) len() int { return pq.h.Len() }

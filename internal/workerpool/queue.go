package workerpool

import (
	"container/heap"
	"sync"
)

// taskHeap orders tasks by ascending priority, FIFO within a priority class.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

// taskQueue is a bounded, priority-ordered blocking queue. Capacity is the
// pool's primary backpressure mechanism.
type taskQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    taskHeap
	capacity int
	closed   bool
}

func newTaskQueue(capacity int) *taskQueue {
	q := &taskQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// put blocks while the queue is full. It returns false when the queue closed.
func (q *taskQueue) put(task *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	heap.Push(&q.items, task)
	q.notEmpty.Signal()
	return true
}

// tryPut enqueues without blocking. It returns ErrQueueFull when saturated.
func (q *taskQueue) tryPut(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrNotRunning
	}
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	heap.Push(&q.items, task)
	q.notEmpty.Signal()
	return nil
}

// get blocks until a task is available. It returns (nil, false) once the
// queue is closed and drained.
func (q *taskQueue) get() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	task := heap.Pop(&q.items).(*Task)
	q.notFull.Signal()
	return task, true
}

func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

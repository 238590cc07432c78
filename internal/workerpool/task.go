// Package workerpool executes enrichment tasks on a fixed set of workers with
// priorities, bounded retries, one-shot futures and liveness monitoring.
package workerpool

import (
	"context"
	"time"
)

// Task is one unit of work. The payload is owned by the submitter until
// Submit returns, then by the pool until the matching future resolves.
type Task struct {
	ID        string
	Type      string
	Payload   map[string]any
	Priority  int // lower value = served first
	CreatedAt time.Time

	seq uint64 // FIFO tie-break within a priority class
}

// Result is the outcome of a Task. Exactly one Result is published per task.
type Result struct {
	TaskID        string
	Success       bool
	Value         map[string]any
	Error         string
	ExecutionTime time.Duration
}

// Handler executes one task. The pool calls Handle from worker goroutines;
// implementations must be safe for concurrent use.
type Handler interface {
	Handle(ctx context.Context, task *Task) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task) (map[string]any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task *Task) (map[string]any, error) {
	return f(ctx, task)
}

// WorkerStatus is the lifecycle state of one execution slot.
type WorkerStatus string

const (
	WorkerIdle  WorkerStatus = "IDLE"
	WorkerBusy  WorkerStatus = "BUSY"
	WorkerError WorkerStatus = "ERROR"
)

// WorkerInfo is a point-in-time snapshot of one worker.
type WorkerInfo struct {
	ID          string
	Status      WorkerStatus
	CurrentTask string
	TaskCount   int
	ErrorCount  int
}

// Stats aggregates pool throughput.
type Stats struct {
	TotalTasks       int
	CompletedTasks   int
	FailedTasks      int
	AvgExecutionTime float64 // seconds
}

// Status is a point-in-time snapshot of the whole pool.
type Status struct {
	TotalWorkers  int
	ActiveWorkers int
	IdleWorkers   int
	ErrorWorkers  int
	QueueDepth    int
	Stats         Stats
	Workers       []WorkerInfo
}

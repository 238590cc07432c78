package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	perrors "optimus/internal/errors"
	"optimus/internal/logging"
	"optimus/internal/metrics"
)

var (
	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("worker pool is not running")
	// ErrQueueFull is returned by non-blocking Submit on a saturated queue.
	ErrQueueFull = errors.New("task queue is full")
	// ErrTaskTimeout is returned by AwaitResult when the deadline expires.
	// The task may still complete and publish its result afterwards.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrUnknownTask is returned by AwaitResult for an id the pool never saw.
	ErrUnknownTask = errors.New("unknown task id")
)

const (
	defaultWorkers         = 4
	defaultQueueSize       = 100
	defaultRetryAttempts   = 3
	defaultBackoffBase     = time.Second
	defaultBackoffMax      = 30 * time.Second
	defaultResultTTL       = time.Hour
	defaultHealthInterval  = 10 * time.Second
	defaultStuckThreshold  = 5 * time.Minute
	defaultResultCacheSize = 4096
)

// Config sizes and tunes the pool.
type Config struct {
	Workers           int
	QueueSize         int
	RetryAttempts     int           // per-task retries inside the worker
	BackoffBase       time.Duration // retry delay = min(base*2^attempt, BackoffMax)
	BackoffMax        time.Duration
	NonBlockingSubmit bool // fail with ErrQueueFull instead of blocking
	ResultTTL         time.Duration // eviction age, measured from publish time
	HealthInterval    time.Duration
	StuckThreshold    time.Duration
	ResultCacheSize   int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = defaultResultTTL
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = defaultStuckThreshold
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = defaultResultCacheSize
	}
	return c
}

// future resolves exactly once: result is set, then done is closed.
type future struct {
	done   chan struct{}
	result *Result
}

type resultEntry struct {
	result      *Result
	publishedAt time.Time
}

// worker is one execution slot. Status is written by the owning goroutine;
// the health monitor only performs the ERROR→IDLE and stuck resets.
type worker struct {
	id string

	mu          sync.Mutex
	status      WorkerStatus
	currentTask *Task
	busySince   time.Time
	taskCount   int
	errorCount  int
}

func (w *worker) setBusy(task *Task) {
	w.mu.Lock()
	w.status = WorkerBusy
	w.currentTask = task
	w.busySince = time.Now()
	w.mu.Unlock()
}

// setIdle transitions BUSY→IDLE. An ERROR state set by a panic is left for
// the health monitor to clear.
func (w *worker) setIdle() {
	w.mu.Lock()
	if w.status == WorkerBusy {
		w.status = WorkerIdle
	}
	w.currentTask = nil
	w.mu.Unlock()
}

func (w *worker) markError() {
	w.mu.Lock()
	w.status = WorkerError
	w.errorCount++
	w.mu.Unlock()
}

func (w *worker) snapshot() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := WorkerInfo{
		ID:         w.id,
		Status:     w.status,
		TaskCount:  w.taskCount,
		ErrorCount: w.errorCount,
	}
	if w.currentTask != nil {
		info.CurrentTask = w.currentTask.ID
	}
	return info
}

// Pool executes tasks with bounded parallelism. Create with New, then Start.
type Pool struct {
	config  Config
	handler Handler
	logger  logging.Logger
	metrics *metrics.Pipeline

	queue   *taskQueue
	workers []*worker

	mu      sync.Mutex
	futures map[string]*future
	results *lru.Cache[string, resultEntry]
	stats   Stats
	sumExec float64 // seconds, for the running average
	running bool

	seq        atomic.Uint64
	inflight   sync.WaitGroup
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	healthDone chan struct{}
}

// New creates a Pool. The handler is invoked from worker goroutines and must
// be safe for concurrent use. metrics may be nil.
func New(config Config, handler Handler, m *metrics.Pipeline, logger logging.Logger) (*Pool, error) {
	if handler == nil {
		return nil, errors.New("worker pool requires a handler")
	}
	config = config.withDefaults()
	results, err := lru.New[string, resultEntry](config.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create results cache: %w", err)
	}
	return &Pool{
		config:  config,
		handler: handler,
		logger:  logging.OrNop(logger),
		metrics: m,
		queue:   newTaskQueue(config.QueueSize),
		futures: make(map[string]*future),
		results: results,
	}, nil
}

// Start spawns the workers and the health monitor.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("worker pool already started")
	}
	p.running = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.config.Workers; i++ {
		w := &worker{id: fmt.Sprintf("worker_%d", i+1), status: WorkerIdle}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.workerLoop(ctx, w)
	}

	p.healthDone = make(chan struct{})
	go p.healthLoop()

	p.logger.Info("worker pool started with %d workers (queue capacity %d)", p.config.Workers, p.config.QueueSize)
	return nil
}

// Stop drains the queue: it waits for every submitted task to publish its
// result, then shuts the workers down. Running tasks are not cancelled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.inflight.Wait()
	p.queue.close()
	p.wg.Wait()
	close(p.healthDone)
	p.cancel()
	p.logger.Info("worker pool stopped")
}

// Submit enqueues one task and returns its id. Lower priority values are
// served first. With NonBlockingSubmit it fails fast with ErrQueueFull;
// otherwise it blocks until the queue has room.
func (p *Pool) Submit(taskType string, payload map[string]any, priority int) (string, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return "", ErrNotRunning
	}
	task := &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now(),
		seq:       p.seq.Add(1),
	}
	p.futures[task.ID] = &future{done: make(chan struct{})}
	p.stats.TotalTasks++
	p.inflight.Add(1)
	p.mu.Unlock()

	var err error
	if p.config.NonBlockingSubmit {
		err = p.queue.tryPut(task)
	} else if !p.queue.put(task) {
		err = ErrNotRunning
	}
	if err != nil {
		p.mu.Lock()
		delete(p.futures, task.ID)
		p.stats.TotalTasks--
		p.mu.Unlock()
		p.inflight.Done()
		return "", err
	}

	p.metrics.SetQueueDepth(p.queue.depth())
	p.logger.Debug("submitted task %s (type=%s priority=%d)", task.ID, taskType, priority)
	return task.ID, nil
}

// AwaitResult waits for the one-shot future of a task. Both success and
// failure Results are returned. A zero timeout waits indefinitely. Once
// published, a result stays serviceable from the cache until TTL eviction.
func (p *Pool) AwaitResult(taskID string, timeout time.Duration) (*Result, error) {
	p.mu.Lock()
	if entry, ok := p.results.Get(taskID); ok {
		p.mu.Unlock()
		return entry.result, nil
	}
	fut, ok := p.futures[taskID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTask
	}

	if timeout <= 0 {
		<-fut.done
		return fut.result, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-fut.done:
		return fut.result, nil
	case <-timer.C:
		return nil, ErrTaskTimeout
	}
}

// Status returns a snapshot of workers, queue depth and aggregate stats.
func (p *Pool) Status() Status {
	status := Status{TotalWorkers: len(p.workers), QueueDepth: p.queue.depth()}
	for _, w := range p.workers {
		info := w.snapshot()
		status.Workers = append(status.Workers, info)
		switch info.Status {
		case WorkerBusy:
			status.ActiveWorkers++
		case WorkerError:
			status.ErrorWorkers++
		default:
			status.IdleWorkers++
		}
	}

	p.mu.Lock()
	status.Stats = p.stats
	finished := p.stats.CompletedTasks + p.stats.FailedTasks
	if finished > 0 {
		status.Stats.AvgExecutionTime = p.sumExec / float64(finished)
	}
	p.mu.Unlock()
	return status
}

func (p *Pool) workerLoop(ctx context.Context, w *worker) {
	defer p.wg.Done()
	for {
		task, ok := p.queue.get()
		if !ok {
			return
		}
		p.metrics.SetQueueDepth(p.queue.depth())

		w.setBusy(task)
		p.metrics.AddBusyWorkers(1)
		result := p.runTask(ctx, w, task)
		p.publish(task.ID, result)
		w.setIdle()
		p.metrics.AddBusyWorkers(-1)
		p.inflight.Done()
	}
}

// runTask dispatches with per-task retries and exponential backoff. Only
// transient failures (network faults, retryable upstream statuses) are
// retried; anything classified permanent fails the task on the spot.
func (p *Pool) runTask(ctx context.Context, w *worker, task *Task) *Result {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= p.config.RetryAttempts; attempt++ {
		value, err := p.dispatch(ctx, w, task)
		if err == nil {
			w.mu.Lock()
			w.taskCount++
			w.mu.Unlock()
			return &Result{
				TaskID:        task.ID,
				Success:       true,
				Value:         value,
				ExecutionTime: time.Since(start),
			}
		}
		lastErr = err
		p.logger.Warn("worker %s attempt %d/%d failed for task %s: %v",
			w.id, attempt+1, p.config.RetryAttempts+1, task.ID, err)
		if !perrors.IsTransient(err) {
			p.logger.Warn("worker %s giving up on task %s: not retryable", w.id, task.ID)
			break
		}
		if attempt < p.config.RetryAttempts {
			delay := perrors.Backoff(attempt, p.config.BackoffBase, p.config.BackoffMax)
			if err := perrors.Sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	return &Result{
		TaskID:        task.ID,
		Success:       false,
		Error:         lastErr.Error(),
		ExecutionTime: time.Since(start),
	}
}

func (p *Pool) dispatch(ctx context.Context, w *worker, task *Task) (value map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.markError()
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, task)
}

// publish makes the result visible: cache insert first, then future
// resolution, so AwaitResult is serviceable from the cache the moment the
// future fires.
func (p *Pool) publish(taskID string, result *Result) {
	p.mu.Lock()
	p.results.Add(taskID, resultEntry{result: result, publishedAt: time.Now()})
	fut := p.futures[taskID]
	delete(p.futures, taskID)
	if result.Success {
		p.stats.CompletedTasks++
	} else {
		p.stats.FailedTasks++
	}
	p.sumExec += result.ExecutionTime.Seconds()
	p.mu.Unlock()

	if fut != nil {
		fut.result = result
		close(fut.done)
	}
	p.metrics.ObserveTask(result.Success, result.ExecutionTime.Seconds())
}

func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.config.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.healthCheck()
		case <-p.healthDone:
			return
		}
	}
}

// healthCheck evicts expired results and recovers wedged workers.
func (p *Pool) healthCheck() {
	now := time.Now()

	p.mu.Lock()
	for _, key := range p.results.Keys() {
		if entry, ok := p.results.Peek(key); ok && now.Sub(entry.publishedAt) > p.config.ResultTTL {
			p.results.Remove(key)
		}
	}
	p.mu.Unlock()

	for _, w := range p.workers {
		w.mu.Lock()
		switch {
		case w.status == WorkerError:
			p.logger.Warn("worker %s is in error state, resetting", w.id)
			w.status = WorkerIdle
			w.errorCount = 0
		case w.status == WorkerBusy && w.currentTask != nil && now.Sub(w.busySince) > p.config.StuckThreshold:
			p.logger.Warn("worker %s appears stuck on task %s, resetting", w.id, w.currentTask.ID)
			w.status = WorkerIdle
			w.currentTask = nil
		}
		w.mu.Unlock()
	}
}

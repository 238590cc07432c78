package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optimus/internal/broadcast"
	"optimus/internal/catalog"
	"optimus/internal/workerpool"
)

// memoryStore is an in-memory catalog.Store for coordinator tests.
type memoryStore struct {
	mu       sync.Mutex
	products map[int64]*catalog.Product
	changes  []catalog.ChangeEntry
	runs     map[int64]*catalog.PipelineRun
	nextRun  int64
}

func newMemoryStore(products ...catalog.Product) *memoryStore {
	s := &memoryStore{
		products: make(map[int64]*catalog.Product),
		runs:     make(map[int64]*catalog.PipelineRun),
	}
	for i := range products {
		p := products[i]
		s.products[p.ID] = &p
	}
	return s
}

func (s *memoryStore) GetProduct(ctx context.Context, id int64) (*catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	copied := *p
	copied.Tags = append([]string(nil), p.Tags...)
	return &copied, nil
}

func (s *memoryStore) UpdateProduct(ctx context.Context, id int64, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return catalog.ErrNotFound
	}
	for column, value := range fields {
		switch column {
		case "title":
			p.Title = value.(string)
		case "body_html":
			p.BodyHTML = value.(string)
		case "normalized_category":
			p.NormalizedCategory = value.(string)
		case "category_confidence":
			p.CategoryConfidence = value.(float64)
		}
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (s *memoryStore) ReplaceProductTags(ctx context.Context, id int64, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return catalog.ErrNotFound
	}
	p.Tags = append([]string(nil), tags...)
	return nil
}

func (s *memoryStore) AppendChange(ctx context.Context, entry catalog.ChangeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = int64(len(s.changes) + 1)
	s.changes = append(s.changes, entry)
	return nil
}

func (s *memoryStore) RecentChanges(ctx context.Context, limit int) ([]catalog.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]catalog.ChangeEntry(nil), s.changes...)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memoryStore) MarkReviewed(ctx context.Context, productID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.changes {
		if s.changes[i].ProductID == productID {
			s.changes[i].Reviewed = true
		}
	}
	return nil
}

func (s *memoryStore) CreatePipelineRun(ctx context.Context, taskType string, total int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRun++
	s.runs[s.nextRun] = &catalog.PipelineRun{
		ID:        s.nextRun,
		TaskType:  taskType,
		Status:    catalog.RunRunning,
		StartTime: time.Now(),
		Total:     total,
	}
	return s.nextRun, nil
}

func (s *memoryStore) UpdatePipelineRun(ctx context.Context, id int64, update catalog.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return catalog.ErrNotFound
	}
	if update.Processed != nil {
		run.Processed = *update.Processed
	}
	if update.Failed != nil {
		run.Failed = *update.Failed
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	return nil
}

func (s *memoryStore) CompletePipelineRun(ctx context.Context, id int64, status catalog.RunStatus, processed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return catalog.ErrNotFound
	}
	now := time.Now()
	run.Status = status
	run.Processed = processed
	run.Failed = failed
	run.EndTime = &now
	return nil
}

func (s *memoryStore) RecentPipelineRuns(ctx context.Context, limit int) ([]catalog.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []catalog.PipelineRun
	for id := s.nextRun; id > 0 && len(runs) < limit; id-- {
		if run, ok := s.runs[id]; ok {
			runs = append(runs, *run)
		}
	}
	return runs, nil
}

func (s *memoryStore) ProductsWithoutNormalizedCategory(ctx context.Context, limit int) ([]catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Product
	for _, p := range s.products {
		if p.NormalizedCategory == "" && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memoryStore) product(id int64) catalog.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.products[id]
}

func (s *memoryStore) changeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes)
}

func (s *memoryStore) run(id int64) catalog.PipelineRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

func testProducts(n int) []catalog.Product {
	products := make([]catalog.Product, 0, n)
	for i := 1; i <= n; i++ {
		products = append(products, catalog.Product{
			ID:       int64(i),
			Title:    fmt.Sprintf("Product %d", i),
			BodyHTML: "<p>desc</p>",
			Category: "lighting",
			Tags:     []string{"old"},
		})
	}
	return products
}

func startTestCoordinator(t *testing.T, store catalog.Store, handler workerpool.Handler, awaitTimeout time.Duration, broadcaster *broadcast.Broadcaster) *Coordinator {
	t.Helper()
	pool, err := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 50, RetryAttempts: 0}, handler, nil, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Stop)
	return NewCoordinator(store, pool, broadcaster, nil, nil, awaitTimeout, nil)
}

func metaHandler() workerpool.Handler {
	return workerpool.HandlerFunc(func(ctx context.Context, task *workerpool.Task) (map[string]any, error) {
		return map[string]any{
			"meta_title":       fmt.Sprintf("New Title %v", task.Payload["id"]),
			"meta_description": "desc",
			"seo_keywords":     "a, b",
			"model_used":       "llama3",
		}, nil
	})
}

func TestRunHappyPath(t *testing.T) {
	store := newMemoryStore(testProducts(3)...)
	c := startTestCoordinator(t, store, metaHandler(), time.Second, nil)

	outcomes, err := c.Run(context.Background(), []int64{1, 2, 3}, catalog.TaskMetaOptimization, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	// outcomes come back in submission order
	for i, outcome := range outcomes {
		assert.Equal(t, int64(i+1), outcome.ProductID)
		assert.Equal(t, "success", outcome.Status)
	}

	assert.Equal(t, "New Title 1", store.product(1).Title)
	assert.Equal(t, 3, store.changeCount())

	run := store.run(1)
	assert.Equal(t, catalog.RunCompleted, run.Status)
	assert.Equal(t, 3, run.Processed)
	assert.Zero(t, run.Failed)
	assert.NotNil(t, run.EndTime)
}

func TestRunAuditTrail(t *testing.T) {
	store := newMemoryStore(testProducts(1)...)
	c := startTestCoordinator(t, store, metaHandler(), time.Second, nil)

	_, err := c.Run(context.Background(), []int64{1}, catalog.TaskMetaOptimization, false)
	require.NoError(t, err)

	changes, err := store.RecentChanges(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)

	entry := changes[0]
	assert.Equal(t, int64(1), entry.ProductID)
	assert.Equal(t, "meta_optimization", entry.Field)
	assert.Equal(t, "llama3", entry.Source)
	// Old holds the snapshot taken before the write
	assert.Equal(t, "Product 1", entry.Old["title"])
	assert.Equal(t, "New Title 1", entry.New["meta_title"])
	assert.False(t, entry.Reviewed)
}

func TestRunFallbackSourceIsWorkerPool(t *testing.T) {
	handler := workerpool.HandlerFunc(func(ctx context.Context, task *workerpool.Task) (map[string]any, error) {
		return map[string]any{"meta_title": "X", "fallback_used": true}, nil
	})
	store := newMemoryStore(testProducts(1)...)
	c := startTestCoordinator(t, store, handler, time.Second, nil)

	_, err := c.Run(context.Background(), []int64{1}, catalog.TaskMetaOptimization, false)
	require.NoError(t, err)

	changes, _ := store.RecentChanges(context.Background(), 10)
	require.Len(t, changes, 1)
	assert.Equal(t, "worker_pool", changes[0].Source)
}

func TestRunPartialFailureMarksRunFailed(t *testing.T) {
	handler := workerpool.HandlerFunc(func(ctx context.Context, task *workerpool.Task) (map[string]any, error) {
		if task.Payload["id"] == int64(2) {
			return nil, errors.New("model exploded")
		}
		return map[string]any{"meta_title": "ok", "model_used": "llama3"}, nil
	})
	store := newMemoryStore(testProducts(3)...)
	c := startTestCoordinator(t, store, handler, time.Second, nil)

	outcomes, err := c.Run(context.Background(), []int64{1, 2, 3}, catalog.TaskMetaOptimization, false)
	require.NoError(t, err)

	assert.Equal(t, "success", outcomes[0].Status)
	assert.Equal(t, "error", outcomes[1].Status)
	assert.Contains(t, outcomes[1].Error, "model exploded")
	assert.Equal(t, "success", outcomes[2].Status)

	run := store.run(1)
	assert.Equal(t, catalog.RunFailed, run.Status)
	assert.Equal(t, 2, run.Processed)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, run.Total, run.Processed+run.Failed)
}

func TestRunMissingProductFails(t *testing.T) {
	store := newMemoryStore(testProducts(1)...)
	c := startTestCoordinator(t, store, metaHandler(), time.Second, nil)

	outcomes, err := c.Run(context.Background(), []int64{1, 999}, catalog.TaskMetaOptimization, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byID := map[int64]ProductOutcome{}
	for _, o := range outcomes {
		byID[o.ProductID] = o
	}
	assert.Equal(t, "error", byID[999].Status)
	assert.Contains(t, byID[999].Error, "load product")
	assert.Equal(t, "success", byID[1].Status)

	run := store.run(1)
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, 1, run.Failed)
}

func TestRunTimeoutOutcome(t *testing.T) {
	handler := workerpool.HandlerFunc(func(ctx context.Context, task *workerpool.Task) (map[string]any, error) {
		time.Sleep(200 * time.Millisecond)
		return map[string]any{"meta_title": "late"}, nil
	})
	store := newMemoryStore(testProducts(1)...)
	c := startTestCoordinator(t, store, handler, 20*time.Millisecond, nil)

	outcomes, err := c.Run(context.Background(), []int64{1}, catalog.TaskMetaOptimization, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "timeout", outcomes[0].Status)
	assert.Equal(t, "Task timed out", outcomes[0].Error)
	assert.Equal(t, catalog.RunFailed, store.run(1).Status)
}

func TestRunStoppedPoolAbortsBatch(t *testing.T) {
	store := newMemoryStore(testProducts(3)...)
	pool, err := workerpool.New(workerpool.Config{Workers: 1}, metaHandler(), nil, nil)
	require.NoError(t, err)
	// never started: every Submit fails
	c := NewCoordinator(store, pool, nil, nil, nil, time.Second, nil)

	outcomes, err := c.Run(context.Background(), []int64{1, 2, 3}, catalog.TaskMetaOptimization, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, outcome := range outcomes {
		assert.Equal(t, "error", outcome.Status)
	}
	run := store.run(1)
	assert.Equal(t, catalog.RunFailed, run.Status)
	assert.Equal(t, 3, run.Failed)
}

func TestRunReplacesTags(t *testing.T) {
	handler := workerpool.HandlerFunc(func(ctx context.Context, task *workerpool.Task) (map[string]any, error) {
		return map[string]any{
			"optimized_tags": "brass, lamp , warm",
			"removed_tags":   []any{"old"},
			"added_tags":     []any{"brass"},
			"model_used":     "llama3",
		}, nil
	})
	store := newMemoryStore(testProducts(1)...)
	c := startTestCoordinator(t, store, handler, time.Second, nil)

	_, err := c.Run(context.Background(), []int64{1}, catalog.TaskTagOptimization, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"brass", "lamp", "warm"}, store.product(1).Tags)
}

// countingStore records how often the run counters are written.
type countingStore struct {
	*memoryStore
	runUpdates atomic.Int32
}

func (s *countingStore) UpdatePipelineRun(ctx context.Context, id int64, update catalog.RunUpdate) error {
	s.runUpdates.Add(1)
	return s.memoryStore.UpdatePipelineRun(ctx, id, update)
}

func TestRunUpdatesCountersAfterEveryCompletion(t *testing.T) {
	store := &countingStore{memoryStore: newMemoryStore(testProducts(3)...)}
	c := startTestCoordinator(t, store, metaHandler(), time.Second, nil)

	_, err := c.Run(context.Background(), []int64{1, 2, 3}, catalog.TaskMetaOptimization, false)
	require.NoError(t, err)

	assert.Equal(t, int32(3), store.runUpdates.Load())
}

func TestRunBroadcastsProgress(t *testing.T) {
	broadcaster := broadcast.New(nil)
	sub := &recordingSubscriber{}
	broadcaster.Subscribe(broadcast.ChannelPipelineProgress, sub)

	store := newMemoryStore(testProducts(7)...)
	c := startTestCoordinator(t, store, metaHandler(), time.Second, broadcaster)

	_, err := c.Run(context.Background(), []int64{1, 2, 3, 4, 5, 6, 7}, catalog.TaskMetaOptimization, false)
	require.NoError(t, err)

	events := sub.snapshot()
	// one at 5 completions, one at batch end, one after finalization
	require.GreaterOrEqual(t, len(events), 2)
	for _, event := range events {
		assert.Equal(t, "pipeline_progress_update", event["type"])
	}

	last := events[len(events)-1]
	current := last["current_run"].(map[string]any)
	assert.Equal(t, 7, current["processed"])
	assert.Equal(t, 7, current["total"])
	assert.Equal(t, 100.0, current["percentage"])
	assert.NotEmpty(t, last["pipeline_runs"])
}

type recordingSubscriber struct {
	mu     sync.Mutex
	events []map[string]any
}

func (r *recordingSubscriber) Send(message map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, message)
	return nil
}

func (r *recordingSubscriber) snapshot() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.events...)
}

type fixedMatcher struct{}

func (fixedMatcher) FindBestCategory(raw string) (string, float64) {
	if raw == "lighting" {
		return "Home & Garden > Lighting", 0.8
	}
	return "Uncategorized", 0.0
}

func TestNormalizeOffline(t *testing.T) {
	products := testProducts(2)
	products[1].NormalizedCategory = "Already > Done"
	store := newMemoryStore(products...)

	c := NewCoordinator(store, nil, nil, nil, fixedMatcher{}, time.Second, nil)
	updated, err := c.NormalizeOffline(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	p := store.product(1)
	assert.Equal(t, "Home & Garden > Lighting", p.NormalizedCategory)
	assert.Equal(t, 0.8, p.CategoryConfidence)
	assert.Equal(t, 1, store.changeCount())
}

func TestNormalizeOfflineRequiresMatcher(t *testing.T) {
	c := NewCoordinator(newMemoryStore(), nil, nil, nil, nil, time.Second, nil)
	_, err := c.NormalizeOffline(context.Background(), 10)
	assert.Error(t, err)
}

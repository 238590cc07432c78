package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"optimus/internal/broadcast"
	"optimus/internal/catalog"
	"optimus/internal/logging"
	"optimus/internal/metrics"
	"optimus/internal/workerpool"
)

// progressEvery is how many finished products separate progress broadcasts.
const progressEvery = 5

// ProductOutcome is the per-product verdict of a batch run.
type ProductOutcome struct {
	ProductID int64          `json:"product_id"`
	Status    string         `json:"status"` // "success", "error" or "timeout"
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Coordinator drives a batch: it creates the run record, submits one task per
// product, consumes results in submission order, applies replies to the store
// with an audit entry each, and finalizes the run.
type Coordinator struct {
	store        catalog.Store
	pool         *workerpool.Pool
	broadcaster  *broadcast.Broadcaster
	metrics      *metrics.Pipeline
	matcher      CategoryMatcher
	awaitTimeout time.Duration
	logger       logging.Logger
}

// CategoryMatcher is the slice of the taxonomy matcher the offline
// normalization batch needs.
type CategoryMatcher interface {
	FindBestCategory(raw string) (string, float64)
}

// NewCoordinator wires a Coordinator. broadcaster, m and matcher may be nil;
// a non-positive awaitTimeout means per-result waits never expire.
func NewCoordinator(store catalog.Store, pool *workerpool.Pool, broadcaster *broadcast.Broadcaster, m *metrics.Pipeline, matcher CategoryMatcher, awaitTimeout time.Duration, logger logging.Logger) *Coordinator {
	return &Coordinator{
		store:        store,
		pool:         pool,
		broadcaster:  broadcaster,
		metrics:      m,
		matcher:      matcher,
		awaitTimeout: awaitTimeout,
		logger:       logging.OrNop(logger),
	}
}

type submission struct {
	productID int64
	taskID    string
}

// Run processes productIDs with taskType. Every product ends in exactly one
// outcome; processed+failed equals len(productIDs) when the run record is
// finalized. The run completes COMPLETED only when no product failed.
func (c *Coordinator) Run(ctx context.Context, productIDs []int64, taskType catalog.TaskType, quantize bool) ([]ProductOutcome, error) {
	runID, err := c.store.CreatePipelineRun(ctx, string(taskType), len(productIDs))
	if err != nil {
		return nil, fmt.Errorf("create pipeline run: %w", err)
	}
	c.logger.Info("pipeline run %d started: %s over %d products", runID, taskType, len(productIDs))

	total := len(productIDs)
	outcomes := make([]ProductOutcome, 0, total)
	var submissions []submission
	processed, failed := 0, 0

	for i, productID := range productIDs {
		product, err := c.store.GetProduct(ctx, productID)
		if err != nil {
			failed++
			outcomes = append(outcomes, ProductOutcome{
				ProductID: productID,
				Status:    "error",
				Error:     fmt.Sprintf("load product: %v", err),
			})
			continue
		}

		payload := map[string]any{
			"id":           product.ID,
			"title":        product.Title,
			"body_html":    product.BodyHTML,
			"product_type": product.Category,
			"tags":         strings.Join(product.Tags, ", "),
			"task_type":    string(taskType),
			"quantize":     quantize,
		}
		taskID, err := c.pool.Submit(string(taskType), payload, 1)
		if err != nil {
			// A saturated or stopped pool fails the whole remainder of the
			// batch rather than silently shrinking it.
			failed++
			outcomes = append(outcomes, ProductOutcome{
				ProductID: productID,
				Status:    "error",
				Error:     fmt.Sprintf("submit task: %v", err),
			})
			for _, rest := range productIDs[i+1:] {
				failed++
				outcomes = append(outcomes, ProductOutcome{
					ProductID: rest,
					Status:    "error",
					Error:     fmt.Sprintf("batch aborted: %v", err),
				})
			}
			break
		}
		submissions = append(submissions, submission{productID: productID, taskID: taskID})
	}

	// Results are consumed in submission order; the pool may finish them in
	// any order and the cache bridges the gap.
	for _, sub := range submissions {
		outcome := c.collect(ctx, sub, taskType)
		if outcome.Status == "success" {
			processed++
		} else {
			failed++
		}
		outcomes = append(outcomes, outcome)

		// Counters are persisted after every completion; only the broadcast
		// is sampled.
		c.updateRun(ctx, runID, processed, failed)
		done := processed + failed
		if done%progressEvery == 0 || done == total {
			c.broadcastProgress(ctx, runID, taskType, processed, failed, total)
		}
	}

	status := catalog.RunCompleted
	if failed > 0 {
		status = catalog.RunFailed
	}
	if err := c.store.CompletePipelineRun(ctx, runID, status, processed, failed); err != nil {
		c.logger.Error("finalize pipeline run %d: %v", runID, err)
	}
	c.metrics.ObserveRun(string(status))
	c.broadcastProgress(ctx, runID, taskType, processed, failed, total)

	c.logger.Info("pipeline run %d finished: %d processed, %d failed of %d", runID, processed, failed, total)
	return outcomes, nil
}

// collect awaits one result and applies it.
func (c *Coordinator) collect(ctx context.Context, sub submission, taskType catalog.TaskType) ProductOutcome {
	result, err := c.pool.AwaitResult(sub.taskID, c.awaitTimeout)
	if err != nil {
		status := "error"
		message := err.Error()
		if errors.Is(err, workerpool.ErrTaskTimeout) {
			status = "timeout"
			message = "Task timed out"
		}
		return ProductOutcome{ProductID: sub.productID, Status: status, Error: message}
	}
	if !result.Success {
		return ProductOutcome{ProductID: sub.productID, Status: "error", Error: result.Error}
	}

	if err := c.applyReply(ctx, sub.productID, taskType, result.Value); err != nil {
		c.logger.Error("apply %s reply to product %d: %v", taskType, sub.productID, err)
		return ProductOutcome{ProductID: sub.productID, Status: "error", Error: err.Error()}
	}
	return ProductOutcome{ProductID: sub.productID, Status: "success", Data: result.Value}
}

// applyReply writes the reply's product mutations and the audit entry. The
// audit snapshot is taken before any write so Old always shows the prior
// state.
func (c *Coordinator) applyReply(ctx context.Context, productID int64, taskType catalog.TaskType, reply map[string]any) error {
	product, err := c.store.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("reload product: %w", err)
	}
	snapshot := productSnapshot(product)

	fields := updateFields(reply)
	if len(fields) > 0 {
		if err := c.store.UpdateProduct(ctx, productID, fields); err != nil {
			return fmt.Errorf("update product: %w", err)
		}
	}

	if raw, ok := reply["optimized_tags"]; ok {
		tags := normalizeTagList(raw)
		if err := c.store.ReplaceProductTags(ctx, productID, tags); err != nil {
			return fmt.Errorf("replace tags: %w", err)
		}
	}

	source := "worker_pool"
	if model, ok := reply["model_used"].(string); ok && model != "" {
		source = model
	}
	entry := catalog.ChangeEntry{
		ProductID: productID,
		Field:     string(taskType),
		Old:       snapshot,
		New:       reply,
		Source:    source,
		CreatedAt: time.Now(),
	}
	if err := c.store.AppendChange(ctx, entry); err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// NormalizeOffline runs the taxonomy matcher directly over products whose
// normalized category is still unset, without touching the LLM. It returns
// the number of products updated.
func (c *Coordinator) NormalizeOffline(ctx context.Context, limit int) (int, error) {
	if c.matcher == nil {
		return 0, errors.New("no category matcher configured")
	}
	products, err := c.store.ProductsWithoutNormalizedCategory(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unnormalized products: %w", err)
	}

	updated := 0
	for _, product := range products {
		category, confidence := c.matcher.FindBestCategory(product.Category)
		fields := map[string]any{
			"normalized_category": category,
			"category_confidence": confidence,
		}
		if err := c.store.UpdateProduct(ctx, product.ID, fields); err != nil {
			c.logger.Error("normalize product %d: %v", product.ID, err)
			continue
		}
		entry := catalog.ChangeEntry{
			ProductID: product.ID,
			Field:     string(catalog.TaskCategoryNormalization),
			Old:       productSnapshot(&product),
			New:       fields,
			Source:    "worker_pool",
			CreatedAt: time.Now(),
		}
		if err := c.store.AppendChange(ctx, entry); err != nil {
			c.logger.Error("audit normalize for product %d: %v", product.ID, err)
		}
		updated++
	}
	return updated, nil
}

func (c *Coordinator) updateRun(ctx context.Context, runID int64, processed, failed int) {
	update := catalog.RunUpdate{Processed: &processed, Failed: &failed}
	if err := c.store.UpdatePipelineRun(ctx, runID, update); err != nil {
		c.logger.Error("update pipeline run %d: %v", runID, err)
	}
}

// broadcastProgress pushes a pipeline_progress_update event with the current
// run's counters and a recent-runs snapshot.
func (c *Coordinator) broadcastProgress(ctx context.Context, runID int64, taskType catalog.TaskType, processed, failed, total int) {
	if c.broadcaster == nil {
		return
	}

	percentage := 0.0
	if total > 0 {
		percentage = math.Round(float64(processed)/float64(total)*10000) / 100
	}

	var recent []map[string]any
	if runs, err := c.store.RecentPipelineRuns(ctx, 10); err == nil {
		for _, run := range runs {
			recent = append(recent, runAsMap(run))
		}
	}

	c.broadcaster.Broadcast(broadcast.ChannelPipelineProgress, map[string]any{
		"type":          "pipeline_progress_update",
		"pipeline_runs": recent,
		"current_run": map[string]any{
			"id":         runID,
			"task_type":  string(taskType),
			"processed":  processed,
			"failed":     failed,
			"total":      total,
			"percentage": percentage,
		},
	})
}

func runAsMap(run catalog.PipelineRun) map[string]any {
	m := map[string]any{
		"id":         run.ID,
		"task_type":  run.TaskType,
		"status":     string(run.Status),
		"start_time": run.StartTime,
		"total":      run.Total,
		"processed":  run.Processed,
		"failed":     run.Failed,
	}
	if run.EndTime != nil {
		m["end_time"] = *run.EndTime
	}
	return m
}

// updateFields maps reply keys onto product columns.
func updateFields(reply map[string]any) map[string]any {
	fields := make(map[string]any)
	if v, ok := reply["meta_title"].(string); ok && v != "" {
		fields["title"] = v
	}
	if v, ok := reply["optimized_title"].(string); ok && v != "" {
		fields["title"] = v
	}
	if v, ok := reply["optimized_description"].(string); ok && v != "" {
		fields["body_html"] = v
	}
	if v, ok := reply["normalized_category"].(string); ok && v != "" {
		fields["normalized_category"] = v
	}
	if v, ok := reply["category_confidence"]; ok {
		if f, ok := asFloat(v); ok {
			fields["category_confidence"] = f
		}
	}
	return fields
}

// normalizeTagList accepts the two shapes models produce: a comma-separated
// string or a JSON array.
func normalizeTagList(raw any) []string {
	var tags []string
	switch v := raw.(type) {
	case string:
		for _, tag := range strings.Split(v, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					tags = append(tags, s)
				}
			}
		}
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				tags = append(tags, s)
			}
		}
	}
	return tags
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func productSnapshot(p *catalog.Product) map[string]any {
	return map[string]any{
		"id":                  p.ID,
		"title":               p.Title,
		"body_html":           p.BodyHTML,
		"category":            p.Category,
		"normalized_category": p.NormalizedCategory,
		"category_confidence": p.CategoryConfidence,
		"tags":                append([]string(nil), p.Tags...),
	}
}

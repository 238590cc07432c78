// Package catalog defines the product data model shared by the pipeline
// engine and its persistence layer: products, audit entries, pipeline runs and
// the enrichment task types.
package catalog

import "time"

// TaskType identifies one of the enrichment operations.
type TaskType string

const (
	TaskMetaOptimization      TaskType = "meta_optimization"
	TaskContentRewriting      TaskType = "content_rewriting"
	TaskKeywordAnalysis       TaskType = "keyword_analysis"
	TaskTagOptimization       TaskType = "tag_optimization"
	TaskCategoryNormalization TaskType = "category_normalization"
	TaskSchemaAnalysis        TaskType = "schema_analysis"
)

// TaskTypes lists every enrichment operation.
func TaskTypes() []TaskType {
	return []TaskType{
		TaskMetaOptimization,
		TaskContentRewriting,
		TaskKeywordAnalysis,
		TaskTagOptimization,
		TaskCategoryNormalization,
		TaskSchemaAnalysis,
	}
}

// ParseTaskType validates a task type string.
func ParseTaskType(s string) (TaskType, bool) {
	for _, tt := range TaskTypes() {
		if string(tt) == s {
			return tt, true
		}
	}
	return "", false
}

// RequiredFields returns the reply fields a model must produce for this task
// type. Category normalization has none; its output comes from the taxonomy
// matcher.
func (t TaskType) RequiredFields() []string {
	switch t {
	case TaskMetaOptimization:
		return []string{"meta_title", "meta_description", "seo_keywords"}
	case TaskContentRewriting:
		return []string{"optimized_title", "optimized_description"}
	case TaskKeywordAnalysis:
		return []string{"primary_keywords", "long_tail_keywords"}
	case TaskTagOptimization:
		return []string{"optimized_tags", "removed_tags", "added_tags"}
	case TaskSchemaAnalysis:
		return []string{"schema_compliance", "issues"}
	default:
		return nil
	}
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Product is one catalog record as the pipeline sees it.
type Product struct {
	ID                 int64
	Title              string
	BodyHTML           string
	Category           string
	NormalizedCategory string
	CategoryConfidence float64
	Tags               []string
	UpdatedAt          time.Time
}

// ChangeEntry is one append-only audit record of a field transformation.
// Only the Reviewed flag mutates after write.
type ChangeEntry struct {
	ID        int64
	ProductID int64
	Field     string         // task type value
	Old       map[string]any // prior product snapshot
	New       map[string]any // reply that was applied
	Source    string         // model name, "worker_pool" or "api_update"
	CreatedAt time.Time
	Reviewed  bool
}

// PipelineRun is the bookkeeping record for one batch invocation.
type PipelineRun struct {
	ID        int64
	TaskType  string
	Status    RunStatus
	StartTime time.Time
	EndTime   *time.Time
	Total     int
	Processed int
	Failed    int
}

// RunUpdate carries partial pipeline-run mutations.
type RunUpdate struct {
	Processed *int
	Failed    *int
	Status    *RunStatus
}

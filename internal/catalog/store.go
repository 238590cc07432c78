package catalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups for missing records.
var ErrNotFound = errors.New("catalog: not found")

// Store is the persistence contract the pipeline engine depends on.
//
// Implementations must make AppendChange append-only and
// ReplaceProductTags idempotent. None of the calls are expected to be
// transactional across each other; the coordinator's compensating semantics
// rely on the audit trail, not on rollback.
type Store interface {
	GetProduct(ctx context.Context, id int64) (*Product, error)
	UpdateProduct(ctx context.Context, id int64, fields map[string]any) error
	ReplaceProductTags(ctx context.Context, id int64, tags []string) error

	AppendChange(ctx context.Context, entry ChangeEntry) error
	RecentChanges(ctx context.Context, limit int) ([]ChangeEntry, error)
	MarkReviewed(ctx context.Context, productID int64) error

	CreatePipelineRun(ctx context.Context, taskType string, total int) (int64, error)
	UpdatePipelineRun(ctx context.Context, id int64, update RunUpdate) error
	CompletePipelineRun(ctx context.Context, id int64, status RunStatus, processed, failed int) error
	RecentPipelineRuns(ctx context.Context, limit int) ([]PipelineRun, error)

	// ProductsWithoutNormalizedCategory feeds the offline normalization batch.
	ProductsWithoutNormalizedCategory(ctx context.Context, limit int) ([]Product, error)
}

// Package gormstore is the SQL implementation of catalog.Store, backed by
// GORM over SQLite.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"optimus/internal/catalog"
	"optimus/internal/config"
)

type productRow struct {
	ID                 int64  `gorm:"primaryKey"`
	Title              string `gorm:"size:512"`
	BodyHTML           string `gorm:"column:body_html"`
	Category           string `gorm:"size:256;index"`
	NormalizedCategory string `gorm:"size:256;index"`
	CategoryConfidence float64
	Tags               []tagRow `gorm:"many2many:product_tags"`
	UpdatedAt          time.Time
}

func (productRow) TableName() string { return "products" }

type tagRow struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"size:128;uniqueIndex"`
}

func (tagRow) TableName() string { return "tags" }

type changeRow struct {
	ID        int64  `gorm:"primaryKey"`
	ProductID int64  `gorm:"index"`
	Field     string `gorm:"size:64"`
	OldValue  string `gorm:"column:old_value"`
	NewValue  string `gorm:"column:new_value"`
	Source    string `gorm:"size:128"`
	CreatedAt time.Time
	Reviewed  bool `gorm:"default:false"`
}

func (changeRow) TableName() string { return "changes_log" }

type runRow struct {
	ID        int64  `gorm:"primaryKey"`
	TaskType  string `gorm:"size:64"`
	Status    string `gorm:"size:16"`
	StartTime time.Time
	EndTime   *time.Time
	Total     int
	Processed int
	Failed    int
}

func (runRow) TableName() string { return "pipeline_runs" }

// Store implements catalog.Store on a GORM database handle.
type Store struct {
	db *gorm.DB
}

var _ catalog.Store = (*Store)(nil)

// Open connects per the database configuration and migrates the schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	if cfg.Driver != "" && cfg.Driver != "sqlite" {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "optimus.sqlite"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an existing handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&productRow{}, &tagRow{}, &changeRow{}, &runRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// allowed product columns for partial updates
var productColumns = map[string]struct{}{
	"title":               {},
	"body_html":           {},
	"category":            {},
	"normalized_category": {},
	"category_confidence": {},
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*catalog.Product, error) {
	var row productRow
	err := s.db.WithContext(ctx).Preload("Tags").First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return row.toProduct(), nil
}

func (s *Store) UpdateProduct(ctx context.Context, id int64, fields map[string]any) error {
	updates := make(map[string]any, len(fields))
	for column, value := range fields {
		if _, ok := productColumns[column]; ok {
			updates[column] = value
		}
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()

	result := s.db.WithContext(ctx).Model(&productRow{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update product %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) ReplaceProductTags(ctx context.Context, id int64, tags []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row productRow
		if err := tx.First(&row, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return catalog.ErrNotFound
			}
			return err
		}

		rows := make([]tagRow, 0, len(tags))
		for _, name := range tags {
			var tag tagRow
			if err := tx.Where(tagRow{Name: name}).FirstOrCreate(&tag).Error; err != nil {
				return fmt.Errorf("ensure tag %q: %w", name, err)
			}
			rows = append(rows, tag)
		}

		if err := tx.Model(&row).Association("Tags").Replace(rows); err != nil {
			return fmt.Errorf("replace tags for product %d: %w", id, err)
		}
		return tx.Model(&productRow{}).Where("id = ?", id).
			Update("updated_at", time.Now()).Error
	})
}

func (s *Store) AppendChange(ctx context.Context, entry catalog.ChangeEntry) error {
	oldJSON, err := json.Marshal(entry.Old)
	if err != nil {
		return fmt.Errorf("marshal old snapshot: %w", err)
	}
	newJSON, err := json.Marshal(entry.New)
	if err != nil {
		return fmt.Errorf("marshal new value: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	row := changeRow{
		ProductID: entry.ProductID,
		Field:     entry.Field,
		OldValue:  string(oldJSON),
		NewValue:  string(newJSON),
		Source:    entry.Source,
		CreatedAt: createdAt,
		Reviewed:  entry.Reviewed,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

func (s *Store) RecentChanges(ctx context.Context, limit int) ([]catalog.ChangeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []changeRow
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list recent changes: %w", err)
	}

	entries := make([]catalog.ChangeEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toEntry())
	}
	return entries, nil
}

func (s *Store) MarkReviewed(ctx context.Context, productID int64) error {
	result := s.db.WithContext(ctx).Model(&changeRow{}).
		Where("product_id = ? AND reviewed = ?", productID, false).
		Update("reviewed", true)
	if result.Error != nil {
		return fmt.Errorf("mark reviewed for product %d: %w", productID, result.Error)
	}
	return nil
}

func (s *Store) CreatePipelineRun(ctx context.Context, taskType string, total int) (int64, error) {
	row := runRow{
		TaskType:  taskType,
		Status:    string(catalog.RunRunning),
		StartTime: time.Now(),
		Total:     total,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("create pipeline run: %w", err)
	}
	return row.ID, nil
}

func (s *Store) UpdatePipelineRun(ctx context.Context, id int64, update catalog.RunUpdate) error {
	updates := make(map[string]any)
	if update.Processed != nil {
		updates["processed"] = *update.Processed
	}
	if update.Failed != nil {
		updates["failed"] = *update.Failed
	}
	if update.Status != nil {
		updates["status"] = string(*update.Status)
	}
	if len(updates) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&runRow{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update pipeline run %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) CompletePipelineRun(ctx context.Context, id int64, status catalog.RunStatus, processed, failed int) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&runRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":    string(status),
		"processed": processed,
		"failed":    failed,
		"end_time":  &now,
	})
	if result.Error != nil {
		return fmt.Errorf("complete pipeline run %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) RecentPipelineRuns(ctx context.Context, limit int) ([]catalog.PipelineRun, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []runRow
	err := s.db.WithContext(ctx).
		Order("start_time DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}

	runs := make([]catalog.PipelineRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, catalog.PipelineRun{
			ID:        row.ID,
			TaskType:  row.TaskType,
			Status:    catalog.RunStatus(row.Status),
			StartTime: row.StartTime,
			EndTime:   row.EndTime,
			Total:     row.Total,
			Processed: row.Processed,
			Failed:    row.Failed,
		})
	}
	return runs, nil
}

func (s *Store) ProductsWithoutNormalizedCategory(ctx context.Context, limit int) ([]catalog.Product, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []productRow
	err := s.db.WithContext(ctx).Preload("Tags").
		Where("normalized_category IS NULL OR normalized_category = ''").
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list unnormalized products: %w", err)
	}

	products := make([]catalog.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, *row.toProduct())
	}
	return products, nil
}

// SeedProduct inserts or updates a full product record. It backs imports and
// test fixtures rather than the pipeline itself.
func (s *Store) SeedProduct(ctx context.Context, product catalog.Product) error {
	row := productRow{
		ID:                 product.ID,
		Title:              product.Title,
		BodyHTML:           product.BodyHTML,
		Category:           product.Category,
		NormalizedCategory: product.NormalizedCategory,
		CategoryConfidence: product.CategoryConfidence,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("seed product %d: %w", product.ID, err)
	}
	if len(product.Tags) > 0 {
		return s.ReplaceProductTags(ctx, product.ID, product.Tags)
	}
	return nil
}

func (r *productRow) toProduct() *catalog.Product {
	tags := make([]string, 0, len(r.Tags))
	for _, tag := range r.Tags {
		tags = append(tags, tag.Name)
	}
	return &catalog.Product{
		ID:                 r.ID,
		Title:              r.Title,
		BodyHTML:           r.BodyHTML,
		Category:           r.Category,
		NormalizedCategory: r.NormalizedCategory,
		CategoryConfidence: r.CategoryConfidence,
		Tags:               tags,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (r *changeRow) toEntry() catalog.ChangeEntry {
	entry := catalog.ChangeEntry{
		ID:        r.ID,
		ProductID: r.ProductID,
		Field:     r.Field,
		Source:    r.Source,
		CreatedAt: r.CreatedAt,
		Reviewed:  r.Reviewed,
	}
	_ = json.Unmarshal([]byte(r.OldValue), &entry.Old)
	_ = json.Unmarshal([]byte(r.NewValue), &entry.New)
	return entry
}

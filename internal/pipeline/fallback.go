package pipeline

import "optimus/internal/catalog"

// ruleBasedFallback produces a deterministic reply when every model attempt
// was exhausted. Category normalization is handled by the executor with the
// taxonomy matcher; it never reaches this table.
func ruleBasedFallback(taskType catalog.TaskType, payload map[string]any) map[string]any {
	title, _ := payload["title"].(string)
	if title == "" {
		title = "Product"
	}

	switch taskType {
	case catalog.TaskMetaOptimization:
		return map[string]any{
			"meta_title":       "Optimized Product",
			"meta_description": "High-quality product available now.",
			"seo_keywords":     "product, quality, buy",
			"fallback_used":    true,
		}
	case catalog.TaskContentRewriting:
		return map[string]any{
			"optimized_title":       title,
			"optimized_description": "Product description optimized for better readability.",
			"content_score":         0.5,
			"improvements":          []any{"readability"},
			"fallback_used":         true,
		}
	case catalog.TaskKeywordAnalysis:
		return map[string]any{
			"primary_keywords":    []any{"product", "features"},
			"long_tail_keywords":  []any{"quality product features"},
			"competitor_terms":    []any{},
			"difficulty_estimate": "medium",
			"fallback_used":       true,
		}
	case catalog.TaskTagOptimization:
		tags, _ := payload["tags"].(string)
		return map[string]any{
			"optimized_tags": tags,
			"removed_tags":   []any{},
			"added_tags":     []any{},
			"tag_analysis":   "tags kept unchanged",
			"fallback_used":  true,
		}
	case catalog.TaskSchemaAnalysis:
		return map[string]any{
			"schema_compliance": false,
			"issues":            []any{"analysis unavailable"},
			"fallback_used":     true,
		}
	default:
		return map[string]any{"fallback_used": true}
	}
}

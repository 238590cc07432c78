// Package prompts renders the per-task prompt templates and prepares product
// text for them (HTML stripping, token-budget truncation).
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"optimus/internal/catalog"
	"optimus/internal/logging"
)

// Data is the payload a prompt template renders against.
type Data struct {
	Product          map[string]any
	Content          string // cleaned, truncated body text
	SampleCategories string // taxonomy excerpt, category normalization only
}

// Store holds one parsed template per task type. Templates are loaded from
// <dir>/<task_type>.tmpl; tasks without a file use the builtin default.
type Store struct {
	templates map[catalog.TaskType]*template.Template
}

// NewStore loads task templates from dir. A missing or empty dir is fine;
// every task then renders its builtin prompt.
func NewStore(dir string, logger logging.Logger) (*Store, error) {
	logger = logging.OrNop(logger)
	templates := make(map[catalog.TaskType]*template.Template, len(catalog.TaskTypes()))

	for _, tt := range catalog.TaskTypes() {
		text := defaultTemplates[tt]
		if dir != "" {
			path := filepath.Join(dir, string(tt)+".tmpl")
			if data, err := os.ReadFile(path); err == nil {
				text = string(data)
			} else if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read prompt template %s: %w", path, err)
			}
		}
		tmpl, err := template.New(string(tt)).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse prompt template %s: %w", tt, err)
		}
		templates[tt] = tmpl
	}

	logger.Debug("loaded %d prompt templates (dir=%q)", len(templates), dir)
	return &Store{templates: templates}, nil
}

// Render produces the prompt for a task type.
func (s *Store) Render(taskType catalog.TaskType, data Data) (string, error) {
	tmpl, ok := s.templates[taskType]
	if !ok {
		return "", fmt.Errorf("no prompt template for task type %s", taskType)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", taskType, err)
	}
	return b.String(), nil
}

const jsonOnly = "Respond with ONLY valid JSON. Start with { and end with }."

var defaultTemplates = map[catalog.TaskType]string{
	catalog.TaskMetaOptimization: `You are an SEO specialist for an e-commerce catalog.
Product title: {{.Product.title}}
Product type: {{.Product.product_type}}
Description: {{.Content}}

Write optimized meta tags for this product. ` + jsonOnly + `
Required keys: "meta_title" (max 60 chars), "meta_description" (max 155 chars), "seo_keywords" (comma-separated).`,

	catalog.TaskContentRewriting: `You are a copywriter improving an e-commerce product page.
Product title: {{.Product.title}}
Current description: {{.Content}}

Rewrite the title and description to be clearer and more engaging. ` + jsonOnly + `
Required keys: "optimized_title", "optimized_description" (HTML allowed), "content_score" (0-1), "improvements" (list).`,

	catalog.TaskKeywordAnalysis: `You are an SEO keyword analyst.
Product title: {{.Product.title}}
Product type: {{.Product.product_type}}
Tags: {{.Product.tags}}
Description: {{.Content}}

Extract search keywords for this product. ` + jsonOnly + `
Required keys: "primary_keywords" (list), "long_tail_keywords" (list), "competitor_terms" (list), "difficulty_estimate".`,

	catalog.TaskTagOptimization: `You are optimizing the tag set of an e-commerce product.
Product title: {{.Product.title}}
Current tags: {{.Product.tags}}
Description: {{.Content}}

Propose a better tag set. ` + jsonOnly + `
Required keys: "optimized_tags" (comma-separated), "removed_tags" (list), "added_tags" (list), "tag_analysis".`,

	catalog.TaskSchemaAnalysis: `You are auditing a product record for schema.org Product compliance.
Product title: {{.Product.title}}
Product type: {{.Product.product_type}}
Description: {{.Content}}

Report compliance problems. ` + jsonOnly + `
Required keys: "schema_compliance" (boolean), "issues" (list of strings).`,

	catalog.TaskCategoryNormalization: `You classify products into a fixed category taxonomy.
Product title: {{.Product.title}}
Current category: {{.Product.product_type}}
Description: {{.Content}}

Sample taxonomy paths:
{{.SampleCategories}}

Pick the single best matching taxonomy path. ` + jsonOnly + `
Required key: "category" (one taxonomy path, e.g. "Home & Garden > Lighting > Lamps").`,
}

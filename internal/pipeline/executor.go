package pipeline

import (
	"context"
	"fmt"
	"strings"

	"optimus/internal/catalog"
	"optimus/internal/llm"
	"optimus/internal/logging"
	"optimus/internal/prompts"
	"optimus/internal/taxonomy"
	"optimus/internal/workerpool"
)

// sampleCategoryCount bounds the taxonomy excerpt embedded in the
// category-normalization prompt.
const sampleCategoryCount = 40

// GenerateClient is the slice of the LLM client the executor needs.
type GenerateClient interface {
	Generate(ctx context.Context, model, prompt string, opts llm.GenerateOptions) (map[string]any, error)
}

// contentBudgets caps the cleaned body text per task type, in tokens.
var contentBudgets = map[catalog.TaskType]int{
	catalog.TaskMetaOptimization:      500,
	catalog.TaskContentRewriting:      1500,
	catalog.TaskKeywordAnalysis:       800,
	catalog.TaskTagOptimization:       500,
	catalog.TaskSchemaAnalysis:        800,
	catalog.TaskCategoryNormalization: 300,
}

// Executor runs one enrichment task end to end: model selection, prompt
// rendering, generation with model rotation, and the rule-based fallback once
// every attempt is spent. It is the pool's Handler.
type Executor struct {
	selector   *Selector
	client     GenerateClient
	prompts    *prompts.Store
	matcher    *taxonomy.Matcher
	sample     string
	quantized  map[string]string
	maxRetries int
	logger     logging.Logger
}

var _ workerpool.Handler = (*Executor)(nil)

// NewExecutor wires an Executor. taxonomyPaths feeds both the matcher and the
// sample excerpt in the category prompt; quantized maps a model name to its
// quantized variant for quantize-flagged batches.
func NewExecutor(selector *Selector, client GenerateClient, promptStore *prompts.Store, taxonomyPaths []string, quantized map[string]string, maxRetries int, logger logging.Logger) *Executor {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	sample := taxonomyPaths
	if len(sample) > sampleCategoryCount {
		sample = sample[:sampleCategoryCount]
	}
	return &Executor{
		selector:   selector,
		client:     client,
		prompts:    promptStore,
		matcher:    taxonomy.NewMatcher(taxonomyPaths, taxonomy.DefaultCutoff),
		sample:     strings.Join(sample, "\n"),
		quantized:  quantized,
		maxRetries: maxRetries,
		logger:     logging.OrNop(logger),
	}
}

// Handle executes one pool task. The returned map is the reply that the
// coordinator applies to the product; fallback replies carry
// "fallback_used": true.
func (e *Executor) Handle(ctx context.Context, task *workerpool.Task) (map[string]any, error) {
	taskType, ok := catalog.ParseTaskType(task.Type)
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", task.Type)
	}
	return e.Execute(ctx, taskType, task.Payload)
}

// Execute runs taskType against payload. A model is tried up to maxRetries
// times, rotating to a different model after each failed attempt; the same
// model is never used twice in a row. Exhaustion yields the rule-based
// fallback reply, never an error, so only infrastructure problems fail a task.
func (e *Executor) Execute(ctx context.Context, taskType catalog.TaskType, payload map[string]any) (map[string]any, error) {
	model, err := e.selector.Select(ctx, taskType)
	if err != nil {
		return nil, err
	}

	prompt, err := e.renderPrompt(taskType, payload)
	if err != nil {
		return nil, err
	}

	quantize, _ := payload["quantize"].(bool)

	for attempt := 0; attempt < e.maxRetries; attempt++ {
		effective := e.effectiveModel(model, quantize)
		opts := llm.GenerateOptions{}
		if capability, ok := e.selector.Capability(model); ok {
			opts.MaxTokens = capability.MaxTokens
		}

		reply, genErr := e.client.Generate(ctx, effective, prompt, opts)
		if genErr == nil {
			if taskType == catalog.TaskCategoryNormalization {
				return e.normalizeCategory(reply, payload, effective), nil
			}
			if llm.ValidateReply(reply, taskType.RequiredFields()) {
				reply["model_used"] = effective
				return reply, nil
			}
			e.logger.Warn("model %s returned incomplete %s reply (attempt %d)", effective, taskType, attempt+1)
		} else {
			if ctx.Err() != nil {
				return nil, genErr
			}
			e.logger.Warn("model %s failed %s (attempt %d): %v", effective, taskType, attempt+1, genErr)
		}

		model = e.selector.NextFallback(model)
	}

	e.logger.Warn("all model attempts exhausted for %s, using rule-based fallback", taskType)
	if taskType == catalog.TaskCategoryNormalization {
		reply := e.matchCategory(originalCategory(payload))
		reply["fallback_used"] = true
		return reply, nil
	}
	return ruleBasedFallback(taskType, payload), nil
}

func (e *Executor) renderPrompt(taskType catalog.TaskType, payload map[string]any) (string, error) {
	body, _ := payload["body_html"].(string)
	budget := contentBudgets[taskType]
	if budget == 0 {
		budget = 1000
	}
	content := prompts.Truncate(prompts.CleanHTML(body), budget)

	return e.prompts.Render(taskType, prompts.Data{
		Product:          payload,
		Content:          content,
		SampleCategories: e.sample,
	})
}

// effectiveModel substitutes the quantized variant when the batch asked for it.
func (e *Executor) effectiveModel(model string, quantize bool) string {
	if quantize {
		if q, ok := e.quantized[model]; ok && q != "" {
			return q
		}
	}
	return model
}

// normalizeCategory applies the taxonomy policy to a model reply: the proposed
// category is matched only when it passes the candidate gate, otherwise the
// product's original category is matched instead.
func (e *Executor) normalizeCategory(reply map[string]any, payload map[string]any, model string) map[string]any {
	candidate, _ := reply["category"].(string)
	if candidate == "" {
		candidate, _ = reply["normalized_category"].(string)
	}

	source := candidate
	if !taxonomy.IsValidCandidate(candidate) {
		e.logger.Debug("rejected category candidate %q, matching original category", candidate)
		source = originalCategory(payload)
	}

	matched := e.matchCategory(source)
	for k, v := range matched {
		reply[k] = v
	}
	reply["model_used"] = model
	return reply
}

func (e *Executor) matchCategory(raw string) map[string]any {
	category, confidence := e.matcher.FindBestCategory(raw)
	return map[string]any{
		"normalized_category": category,
		"category_confidence": confidence,
	}
}

func originalCategory(payload map[string]any) string {
	category, _ := payload["product_type"].(string)
	return category
}

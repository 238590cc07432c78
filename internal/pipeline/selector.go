// Package pipeline contains the enrichment engine: model selection, per-task
// execution with fallbacks, and the batch coordinator.
package pipeline

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"optimus/internal/catalog"
	"optimus/internal/config"
	"optimus/internal/logging"
)

// ErrNoModelAvailable is returned when neither the capability declarations
// nor the fallback order yield a reachable model.
var ErrNoModelAvailable = errors.New("no model available")

const availabilityCacheTTL = 30 * time.Second

// AvailabilityProber answers whether a model can currently serve requests.
type AvailabilityProber interface {
	IsAvailable(ctx context.Context, model string) bool
}

type availEntry struct {
	available bool
	checkedAt time.Time
}

// Selector picks the best available model for a task type: capability
// declarations in order, then the configured fallback order. Probe results
// are cached for a short window and deduplicated across goroutines.
type Selector struct {
	capabilities  []config.ModelCapability
	fallbackOrder []string
	prober        AvailabilityProber
	cache         *lru.Cache[string, availEntry]
	cacheTTL      time.Duration
	group         singleflight.Group
	logger        logging.Logger
}

// NewSelector builds a Selector from the capability configuration.
func NewSelector(caps config.ModelCapabilitiesConfig, prober AvailabilityProber, logger logging.Logger) *Selector {
	cache, _ := lru.New[string, availEntry](64)
	return &Selector{
		capabilities:  caps.Capabilities,
		fallbackOrder: caps.FallbackOrder,
		prober:        prober,
		cache:         cache,
		cacheTTL:      availabilityCacheTTL,
		logger:        logging.OrNop(logger),
	}
}

// Select returns the first declared-capable available model for taskType,
// falling back to the configured fallback order.
func (s *Selector) Select(ctx context.Context, taskType catalog.TaskType) (string, error) {
	for _, capability := range s.capabilities {
		if !supportsTask(capability, taskType) {
			continue
		}
		if s.available(ctx, capability.Model) {
			return capability.Model, nil
		}
	}
	for _, model := range s.fallbackOrder {
		if s.available(ctx, model) {
			return model, nil
		}
	}
	return "", ErrNoModelAvailable
}

// NextFallback returns the first fallback model that differs from current,
// starting after current's own position so consecutive retries rotate through
// the order. It returns current when no alternative exists.
func (s *Selector) NextFallback(current string) string {
	if len(s.fallbackOrder) == 0 {
		return current
	}
	start := 0
	for i, model := range s.fallbackOrder {
		if model == current {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(s.fallbackOrder); i++ {
		model := s.fallbackOrder[(start+i)%len(s.fallbackOrder)]
		if model != current {
			return model
		}
	}
	return current
}

// Capability returns the declaration for model, if any.
func (s *Selector) Capability(model string) (config.ModelCapability, bool) {
	for _, capability := range s.capabilities {
		if capability.Model == model {
			return capability, true
		}
	}
	return config.ModelCapability{}, false
}

// available consults the probe cache; misses go through singleflight so a
// burst of selections triggers at most one probe per model.
func (s *Selector) available(ctx context.Context, model string) bool {
	if entry, ok := s.cache.Get(model); ok && time.Since(entry.checkedAt) < s.cacheTTL {
		return entry.available
	}
	v, _, _ := s.group.Do(model, func() (any, error) {
		ok := s.prober.IsAvailable(ctx, model)
		s.cache.Add(model, availEntry{available: ok, checkedAt: time.Now()})
		if !ok {
			s.logger.Debug("model %s unavailable", model)
		}
		return ok, nil
	})
	available, _ := v.(bool)
	return available
}

func supportsTask(capability config.ModelCapability, taskType catalog.TaskType) bool {
	for _, task := range capability.Tasks {
		if task == string(taskType) {
			return true
		}
	}
	return false
}

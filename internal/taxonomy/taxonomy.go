// Package taxonomy maps free-form category strings to canonical
// "A > B > C" paths from a newline-delimited taxonomy list.
package taxonomy

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"optimus/internal/logging"
)

const (
	// DefaultCutoff is the minimum similarity for a match; below it the
	// matcher returns Uncategorized.
	DefaultCutoff = 0.30

	// Uncategorized is returned when no taxonomy path clears the cutoff.
	Uncategorized = "Uncategorized"

	snapshotName = "taxonomy.cache.json"
)

// LoadDir reads every regular file under dir in name order, except the JSON
// snapshot. Each non-blank, non-comment line is one taxonomy path.
func LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list taxonomy dir %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == snapshotName {
			continue
		}
		file := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read taxonomy file %s: %w", file, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// Load returns the taxonomy paths for dir, preferring a JSON snapshot written
// alongside the source files. On a snapshot miss the source files are parsed
// and the snapshot rewritten best-effort.
func Load(dir string, logger logging.Logger) ([]string, error) {
	logger = logging.OrNop(logger)
	snapshot := filepath.Join(dir, snapshotName)

	if data, err := os.ReadFile(snapshot); err == nil {
		var paths []string
		if err := json.Unmarshal(data, &paths); err == nil && len(paths) > 0 {
			return paths, nil
		}
		logger.Warn("taxonomy snapshot %s unreadable, reparsing source files", snapshot)
	}

	paths, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		if data, err := json.Marshal(paths); err == nil {
			if err := os.WriteFile(snapshot, data, 0o644); err != nil {
				logger.Debug("could not write taxonomy snapshot: %v", err)
			}
		}
	}
	return paths, nil
}

// Matcher scores raw category strings against a fixed taxonomy. The path list
// is immutable after construction and safe for concurrent use.
type Matcher struct {
	paths   []string
	lowered []string
	cutoff  float64
}

// NewMatcher builds a Matcher over paths. A non-positive cutoff falls back to
// DefaultCutoff.
func NewMatcher(paths []string, cutoff float64) *Matcher {
	if cutoff <= 0 {
		cutoff = DefaultCutoff
	}
	lowered := make([]string, len(paths))
	for i, p := range paths {
		lowered[i] = strings.ToLower(p)
	}
	return &Matcher{paths: paths, lowered: lowered, cutoff: cutoff}
}

// Len returns the number of taxonomy paths.
func (m *Matcher) Len() int { return len(m.paths) }

// FindBestCategory returns the closest taxonomy path and its confidence,
// rounded to three decimals. Below the cutoff it returns (Uncategorized, 0).
func (m *Matcher) FindBestCategory(raw string) (string, float64) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(m.paths) == 0 {
		return Uncategorized, 0.0
	}

	needle := strings.ToLower(raw)
	best := -1
	bestScore := 0.0
	for i, candidate := range m.lowered {
		if UpperBound(needle, candidate) <= bestScore {
			continue
		}
		score := Ratio(needle, candidate)
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if best < 0 || bestScore < m.cutoff {
		return Uncategorized, 0.0
	}
	return m.paths[best], math.Round(bestScore*1000) / 1000
}

// conversational openers that mark a model reply as prose, not a path
var invalidPrefixes = []string{"i'm", "i am", "sure", "happy", "here"}

// IsValidCandidate reports whether a model-proposed category string looks like
// a taxonomy path at all. Rejections fall back to matching the product's
// original category.
func IsValidCandidate(candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return false
	}
	if len(strings.Fields(candidate)) > 10 {
		return false
	}
	if len(candidate) < 3 || len(candidate) > 200 {
		return false
	}
	lower := strings.ToLower(candidate)
	for _, prefix := range invalidPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	return true
}

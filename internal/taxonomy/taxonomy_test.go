package taxonomy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPaths = []string{
	"Home & Garden > Lighting > Lamps > Floor Lamps",
	"Home & Garden > Lighting > Lamps > Table Lamps",
	"Home & Garden > Kitchen & Dining > Cookware",
	"Electronics > Audio > Headphones",
	"Apparel & Accessories > Shoes",
}

func TestFindBestCategoryMatchesDespiteCase(t *testing.T) {
	m := NewMatcher(testPaths, DefaultCutoff)

	category, confidence := m.FindBestCategory("home lighting > floor lamps")
	assert.Equal(t, "Home & Garden > Lighting > Lamps > Floor Lamps", category)
	assert.Greater(t, confidence, DefaultCutoff)
}

func TestFindBestCategoryExactMatch(t *testing.T) {
	m := NewMatcher(testPaths, DefaultCutoff)

	category, confidence := m.FindBestCategory("Electronics > Audio > Headphones")
	assert.Equal(t, "Electronics > Audio > Headphones", category)
	assert.Equal(t, 1.0, confidence)
}

func TestFindBestCategoryBelowCutoff(t *testing.T) {
	m := NewMatcher(testPaths, DefaultCutoff)

	category, confidence := m.FindBestCategory("zzzz qqqq xxxx")
	assert.Equal(t, Uncategorized, category)
	assert.Zero(t, confidence)
}

func TestFindBestCategoryEmptyInputs(t *testing.T) {
	m := NewMatcher(testPaths, DefaultCutoff)
	category, confidence := m.FindBestCategory("   ")
	assert.Equal(t, Uncategorized, category)
	assert.Zero(t, confidence)

	empty := NewMatcher(nil, DefaultCutoff)
	category, confidence = empty.FindBestCategory("Electronics")
	assert.Equal(t, Uncategorized, category)
	assert.Zero(t, confidence)
}

func TestFindBestCategoryDeterministic(t *testing.T) {
	m := NewMatcher(testPaths, DefaultCutoff)

	first, firstScore := m.FindBestCategory("kitchen cookware")
	for i := 0; i < 20; i++ {
		category, score := m.FindBestCategory("kitchen cookware")
		require.Equal(t, first, category)
		require.Equal(t, firstScore, score)
	}
}

func TestIsValidCandidate(t *testing.T) {
	assert.True(t, IsValidCandidate("Home & Garden > Lighting"))
	assert.True(t, IsValidCandidate("Electronics"))

	assert.False(t, IsValidCandidate(""))
	assert.False(t, IsValidCandidate("ab"))
	assert.False(t, IsValidCandidate("I'm happy to help you categorize this product"))
	assert.False(t, IsValidCandidate("Sure, the category is Lighting"))
	assert.False(t, IsValidCandidate("Here is the category you asked for"))
	assert.False(t, IsValidCandidate("one two three four five six seven eight nine ten eleven"))
}

func TestLoadDirParsesAllFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"),
		[]byte("Electronics > Audio\n\n# comment\nElectronics > Video\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"),
		[]byte("Apparel > Shoes\n"), 0o644))
	// extensionless taxonomy files count too
	require.NoError(t, os.WriteFile(filepath.Join(dir, "categories"),
		[]byte("Home & Garden > Lighting\n"), 0o644))

	paths, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Apparel > Shoes",
		"Electronics > Audio",
		"Electronics > Video",
		"Home & Garden > Lighting",
	}, paths)
}

func TestLoadDirSkipsSnapshotAndSubdirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tax.txt"),
		[]byte("Electronics > Audio\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotName),
		[]byte(`["Stale > Snapshot"]`), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	paths, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Electronics > Audio"}, paths)
}

func TestLoadWritesAndPrefersSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tax.txt"),
		[]byte("Electronics > Audio\n"), 0o644))

	paths, err := Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Electronics > Audio"}, paths)

	// Snapshot now exists and wins over the source files.
	snapshot := filepath.Join(dir, snapshotName)
	data, err := os.ReadFile(snapshot)
	require.NoError(t, err)
	var cached []string
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, paths, cached)

	require.NoError(t, os.WriteFile(snapshot, []byte(`["From Snapshot"]`), 0o644))
	paths, err = Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"From Snapshot"}, paths)
}

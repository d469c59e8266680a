package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aretw0/conductor/internal/catalog"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const travelDoc = `
schema_version: "1"
solution: { id: travel }
entry_agent: planner
agents:
  - name: planner
`

func TestLoader_LoadsIndexedDocuments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "catalog.yaml"), `
schema_version: "1"
solutions:
  travel: solutions/travel.yaml
  json: solutions/other.json
`)
	writeFile(t, filepath.Join(dir, "solutions", "travel.yaml"), travelDoc)
	writeFile(t, filepath.Join(dir, "solutions", "other.json"), `{"schema_version":"1","entry_agent":"a","agents":[{"name":"a"}]}`)

	cat, err := catalog.NewLoader(catalog.WithPaths(dir)).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"json", "travel"}, cat.SolutionIDs())
	require.Len(t, cat.Documents, 2)
	assert.Equal(t, "json", cat.Documents[0].SolutionID)
	assert.Equal(t, "planner", cat.Documents[1].Data["entry_agent"])
	assert.Empty(t, cat.Errors)
	assert.Len(t, cat.Files(), 3)
}

func TestLoader_FirstRootWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeFile(t, filepath.Join(first, "catalog.yaml"), "solutions:\n  travel: travel.yaml\n")
	writeFile(t, filepath.Join(first, "travel.yaml"), travelDoc)
	writeFile(t, filepath.Join(second, "catalog.yaml"), "solutions:\n  travel: elsewhere.yaml\n  extra: extra.yaml\n")
	writeFile(t, filepath.Join(second, "extra.yaml"), travelDoc)

	cat, err := catalog.NewLoader(catalog.WithPaths(first, second)).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(first, "travel.yaml"), cat.Index["travel"])
	assert.Contains(t, cat.Index, "extra")
	assert.Len(t, cat.Roots, 2)
}

func TestLoader_Errors(t *testing.T) {
	t.Run("no root anywhere", func(t *testing.T) {
		_, err := catalog.NewLoader(catalog.WithPaths(t.TempDir())).Load(context.Background())
		assert.ErrorIs(t, err, domain.ErrCatalogNotFound)
	})

	t.Run("malformed root", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "catalog.yaml"), "solutions: [unclosed")
		_, err := catalog.NewLoader(catalog.WithPaths(dir)).Load(context.Background())
		var parseErr *domain.CatalogParseError
		assert.ErrorAs(t, err, &parseErr)
	})

	t.Run("per document failures are isolated", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "catalog.yaml"), `
solutions:
  good: good.yaml
  missing: missing.yaml
  broken: broken.json
`)
		writeFile(t, filepath.Join(dir, "good.yaml"), travelDoc)
		writeFile(t, filepath.Join(dir, "broken.json"), `{"schema_version": `)

		cat, err := catalog.NewLoader(catalog.WithPaths(dir)).Load(context.Background())
		require.NoError(t, err)
		require.Len(t, cat.Documents, 1)
		assert.Equal(t, "good", cat.Documents[0].SolutionID)
		assert.ErrorIs(t, cat.Errors["missing"], domain.ErrCatalogNotFound)
		assert.ErrorIs(t, cat.Errors["broken"], domain.ErrCatalogParse)
	})

	t.Run("unsupported root version", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "catalog.yaml"), "schema_version: \"9\"\nsolutions: {}\n")
		_, err := catalog.NewLoader(catalog.WithPaths(dir)).Load(context.Background())
		assert.ErrorIs(t, err, domain.ErrUnsupportedSchema)
	})

	t.Run("broken root does not hide other roots", func(t *testing.T) {
		malformed, unsupported, good := t.TempDir(), t.TempDir(), t.TempDir()
		writeFile(t, filepath.Join(malformed, "catalog.yaml"), "solutions: [unclosed")
		writeFile(t, filepath.Join(unsupported, "catalog.yaml"), "schema_version: \"9\"\nsolutions: {}\n")
		writeFile(t, filepath.Join(good, "catalog.yaml"), "solutions:\n  travel: travel.yaml\n")
		writeFile(t, filepath.Join(good, "travel.yaml"), travelDoc)

		cat, err := catalog.NewLoader(catalog.WithPaths(malformed, unsupported, good)).Load(context.Background())
		require.NoError(t, err)
		require.Len(t, cat.Documents, 1)
		assert.Equal(t, "travel", cat.Documents[0].SolutionID)
		assert.Equal(t, []string{filepath.Join(good, "catalog.yaml")}, cat.Roots)
		assert.ErrorIs(t, cat.RootErrors[filepath.Join(malformed, "catalog.yaml")], domain.ErrCatalogParse)
		assert.ErrorIs(t, cat.RootErrors[filepath.Join(unsupported, "catalog.yaml")], domain.ErrUnsupportedSchema)
		assert.Contains(t, cat.Files(), filepath.Join(malformed, "catalog.yaml"))
	})
}

func TestLoader_RootFilePath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "custom.yml"), "solutions:\n  travel: travel.yaml\n")
	writeFile(t, filepath.Join(dir, "travel.yaml"), travelDoc)

	cat, err := catalog.NewLoader(catalog.WithPaths(filepath.Join(dir, "custom.yml"))).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"travel"}, cat.SolutionIDs())
}

func TestWatcher_SignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "travel.yaml")
	writeFile(t, doc, travelDoc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := catalog.NewWatcher([]string{doc}, catalog.WithDebounce(20*time.Millisecond))
	ch, err := w.Watch(ctx)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "unrelated.txt"), "ignored")
	writeFile(t, doc, travelDoc+"\n# touched\n")

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a reload signal")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}

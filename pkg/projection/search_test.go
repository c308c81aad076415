package projection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

func searchState(t *testing.T) *State {
	t.Helper()
	state := NewState()
	paths := []string{
		"cmd/lighthouse/main.go",
		"docs/guide.md",
		"pkg/auth/registry.go",
		"pkg/auth/registry_test.go",
		"pkg/store/store.go",
		"README.md",
	}
	for i, path := range paths {
		require.NoError(t, state.Apply(writeEvent(t, uint64(i+1), path, fmt.Sprintf("h%d", i+1))))
	}
	require.NoError(t, state.Apply(annotateEvent(t, uint64(len(paths)+1), "pkg/store/store.go", 88, "fsync ordering")))
	return state
}

func TestSearchPathContains(t *testing.T) {
	page, err := searchState(t).Search(Query{PathContains: "auth"}, 0)
	require.NoError(t, err)
	require.Len(t, page.Results, 2)
	assert.Equal(t, "pkg/auth/registry.go", page.Results[0].Path)
	assert.Equal(t, "pkg/auth/registry_test.go", page.Results[1].Path)
	assert.False(t, page.Truncated)
}

func TestSearchGlob(t *testing.T) {
	page, err := searchState(t).Search(Query{PathGlob: "pkg/**/*.go"}, 0)
	require.NoError(t, err)
	require.Len(t, page.Results, 3)
	for _, r := range page.Results {
		assert.Contains(t, r.Path, "pkg/")
	}
}

func TestSearchExtensionNormalized(t *testing.T) {
	for _, ext := range []string{"md", ".md", "MD"} {
		page, err := searchState(t).Search(Query{Extension: ext}, 0)
		require.NoError(t, err)
		require.Len(t, page.Results, 2, "extension %q", ext)
	}
}

func TestSearchAnnotatedOnly(t *testing.T) {
	page, err := searchState(t).Search(Query{AnnotatedOnly: true}, 0)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "pkg/store/store.go", page.Results[0].Path)
	assert.Equal(t, 1, page.Results[0].Annotations)
}

func TestSearchRejectsBadGlob(t *testing.T) {
	_, err := searchState(t).Search(Query{PathGlob: "[!"}, 0)
	require.ErrorIs(t, err, models.ErrSchemaInvalid)
}

func TestSearchStopsAtPageBound(t *testing.T) {
	state := NewState()
	for i := 1; i <= 60; i++ {
		path := fmt.Sprintf("gen/file_%03d.go", i)
		require.NoError(t, state.Apply(writeEvent(t, uint64(i), path, fmt.Sprintf("h%d", i))))
	}

	page, err := state.Search(Query{}, 0)
	require.NoError(t, err)
	assert.Len(t, page.Results, DefaultPageSize)
	assert.True(t, page.Truncated)
	assert.Equal(t, "gen/file_001.go", page.Results[0].Path, "walk is in sorted path order")

	small, err := state.Search(Query{}, 10)
	require.NoError(t, err)
	assert.Len(t, small.Results, 10)
	assert.True(t, small.Truncated)
}

func TestSearchExactPageIsNotTruncated(t *testing.T) {
	state := NewState()
	for i := 1; i <= 10; i++ {
		require.NoError(t, state.Apply(writeEvent(t, uint64(i), fmt.Sprintf("f%02d.go", i), "h")))
	}
	page, err := state.Search(Query{}, 10)
	require.NoError(t, err)
	assert.Len(t, page.Results, 10)
	assert.False(t, page.Truncated)
}

func TestAggregateSearchSeesLiveFold(t *testing.T) {
	source := &memorySource{}
	aggregate := NewAggregate(source, nil, nil)
	aggregate.Apply(writeEvent(t, 1, "a.go", "h1"))

	page, err := aggregate.Search(Query{Extension: "go"}, 0)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, uint64(1), page.Results[0].LatestSequence)
}

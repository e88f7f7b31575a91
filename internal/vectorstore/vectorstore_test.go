package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmind-ai/rag-core/internal/ragerr"
)

func unit(x, y float32) []float32 {
	return []float32{x, y}
}

func TestAddAndSearchOrdering(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Add([]AddItem{
		{ChunkID: -1, Embedding: unit(1, 0), Text: "a", Metadata: Metadata{DocID: 1}},
		{ChunkID: -1, Embedding: unit(0, 1), Text: "b", Metadata: Metadata{DocID: 1}},
		{ChunkID: -1, Embedding: unit(0.9, 0.1), Text: "c", Metadata: Metadata{DocID: 2}},
	})
	require.NoError(t, err)

	results, err := s.Search(unit(1, 0), 3, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	assert.Equal(t, "a", results[0].Text)
}

func TestSearchRespectsK(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Add([]AddItem{
		{ChunkID: -1, Embedding: unit(1, 0), Text: "a", Metadata: Metadata{DocID: 1}},
		{ChunkID: -1, Embedding: unit(0, 1), Text: "b", Metadata: Metadata{DocID: 1}},
		{ChunkID: -1, Embedding: unit(0.5, 0.5), Text: "c", Metadata: Metadata{DocID: 1}},
	})
	require.NoError(t, err)

	results, err := s.Search(unit(1, 0), 2, nil, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 2)
}

func TestSearchDocFilter(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Add([]AddItem{
		{ChunkID: -1, Embedding: unit(1, 0), Text: "a", Metadata: Metadata{DocID: 1}},
		{ChunkID: -1, Embedding: unit(0.99, 0.1), Text: "b", Metadata: Metadata{DocID: 2}},
	})
	require.NoError(t, err)

	results, err := s.Search(unit(1, 0), 5, []int{2}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].DocID)
}

func TestSearchEmptyNonNilFilterMatchesNothing(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Add([]AddItem{
		{ChunkID: -1, Embedding: unit(1, 0), Text: "a", Metadata: Metadata{DocID: 1}},
	})
	require.NoError(t, err)

	results, err := s.Search(unit(1, 0), 5, []int{}, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDimensionMismatchRejected(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Add([]AddItem{{ChunkID: -1, Embedding: unit(1, 0), Text: "a"}})
	require.NoError(t, err)

	_, err = s.Add([]AddItem{{ChunkID: -1, Embedding: []float32{1, 0, 0}, Text: "b"}})
	require.Error(t, err)
	assert.Equal(t, "dimension_mismatch", string(ragerr.KindOf(err)))
}

func TestDeleteByDocRemovesOnlyThatDoc(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Add([]AddItem{
		{ChunkID: -1, Embedding: unit(1, 0), Text: "a", Metadata: Metadata{DocID: 1}},
		{ChunkID: -1, Embedding: unit(0, 1), Text: "b", Metadata: Metadata{DocID: 2}},
	})
	require.NoError(t, err)

	s.DeleteByDoc(1)

	assert.Equal(t, 0, s.CountForDoc(1))
	assert.Equal(t, 1, s.CountForDoc(2))
	assert.Equal(t, 1, s.Count())
}

func TestPersistLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ids, err := s.Add([]AddItem{
		{ChunkID: -1, Embedding: unit(1, 0), Text: "a", Metadata: Metadata{DocID: 1, SectionTitle: "Intro"}},
		{ChunkID: -1, Embedding: unit(0, 1), Text: "b", Metadata: Metadata{DocID: 2, SectionTitle: "Body"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.Persist())

	loaded := New(dir)
	require.NoError(t, loaded.Load())

	assert.Equal(t, s.Count(), loaded.Count())

	results, err := loaded.Search(unit(1, 0), 1, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ids[0], results[0].ChunkID)
	assert.Equal(t, "a", results[0].Text)
}

func TestClearRemovesPersistedFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	_, err := s.Add([]AddItem{{ChunkID: -1, Embedding: unit(1, 0), Text: "a"}})
	require.NoError(t, err)
	require.NoError(t, s.Persist())

	require.NoError(t, s.Clear())
	assert.Equal(t, 0, s.Count())

	fresh := New(dir)
	require.NoError(t, fresh.Load())
	assert.Equal(t, 0, fresh.Count())
}

func TestSearchEmptyStoreReturnsNil(t *testing.T) {
	s := New(t.TempDir())
	results, err := s.Search(unit(1, 0), 5, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

package queryprocessor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	lastQuery string
}

func (f *fakeEmbedder) EmbedPassage(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (f *fakeEmbedder) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.lastQuery = text
	return []float32{0, 1}, nil
}
func (f *fakeEmbedder) Dimension(ctx context.Context) (int, error) { return 2, nil }

func TestCleanQueryStripsFillerAndWhitespace(t *testing.T) {
	p := New(nil)

	got := p.CleanQuery("  Please   summarize  the report  ")
	assert.Equal(t, "summarize the report", got)

	// Each filler group strips at most one leading match, so stacked
	// filler survives past the first phrase of its group.
	got = p.CleanQuery("Hey, can you tell me about the report")
	assert.Equal(t, "can you tell me about the report", got)

	got = p.CleanQuery("tell me about the report")
	assert.Equal(t, "about the report", got)
}

func TestDetectIntentPriorityOrder(t *testing.T) {
	p := New(nil)

	cases := []struct {
		query string
		want  Intent
	}{
		{"summarize this document", IntentSummary},
		{"explain how the algorithm works", IntentExplain},
		{"compare the two approaches", IntentCompare},
		{"find the section about pricing", IntentFind},
		{"list all the requirements", IntentList},
		{"why does this happen", IntentQuestion},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, p.DetectIntent(c.query), c.query)
	}
}

func TestDetectIntentSummaryBeatsCompareWhenBothMatch(t *testing.T) {
	p := New(nil)
	assert.Equal(t, IntentSummary, p.DetectIntent("give me a summary comparing the two"))
}

func TestExtractKeywordsDropsStopwordsAndDedupes(t *testing.T) {
	p := New(nil)
	got := p.ExtractKeywords("What is the difference between the invoice and the receipt")
	assert.Equal(t, []string{"difference", "between", "invoice", "receipt"}, got)
}

func TestDetermineKAdjustsForLengthAndClamps(t *testing.T) {
	p := New(nil)

	assert.Equal(t, 3, p.DetermineK(IntentQuestion, "a short query here"))
	assert.Equal(t, 3, p.DetermineK(IntentFind, "a"))
	assert.Equal(t, 13, p.DetermineK(IntentList, "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen twenty twentyone"))
}

func TestProcessPipelineWithoutEmbedding(t *testing.T) {
	p := New(nil)
	result, err := p.Process(context.Background(), "Please explain what is the onboarding process", false)
	require.NoError(t, err)

	assert.Equal(t, IntentExplain, result.Intent)
	assert.NotEmpty(t, result.Keywords)
	assert.Greater(t, result.SuggestedK, 0)
	assert.Equal(t, "Please explain what is the onboarding process", result.OriginalQuery)
	assert.Nil(t, result.Embedding)
}

func TestProcessPipelineEmbedsWhenRequested(t *testing.T) {
	fe := &fakeEmbedder{}
	p := New(fe)
	result, err := p.Process(context.Background(), "explain the pricing model", true)
	require.NoError(t, err)

	assert.Equal(t, []float32{0, 1}, result.Embedding)
	assert.Equal(t, "explain the pricing model", fe.lastQuery)
}

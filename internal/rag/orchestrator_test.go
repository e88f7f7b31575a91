package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmind-ai/rag-core/internal/chunker"
	"github.com/docmind-ai/rag-core/internal/contextassembler"
	"github.com/docmind-ai/rag-core/internal/queryprocessor"
	"github.com/docmind-ai/rag-core/internal/sessionmemory"
	"github.com/docmind-ai/rag-core/internal/tokenizer"
	"github.com/docmind-ai/rag-core/internal/vectorstore"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) EmbedPassage(ctx context.Context, text string) ([]float32, error) {
	return f.vec(text), nil
}
func (f *fakeEmbedder) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vec(t)
	}
	return out, nil
}
func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f.vec(text), nil
}
func (f *fakeEmbedder) Dimension(ctx context.Context) (int, error) { return f.dim, nil }

// vec produces a deterministic vector from whether the text mentions
// "pricing" or "security", so queries that share that vocabulary with a
// chunk score higher than unrelated chunks.
func (f *fakeEmbedder) vec(text string) []float32 {
	v := make([]float32, f.dim)
	lower := strings.ToLower(text)
	if strings.Contains(lower, "pricing") {
		v[0] = 1
	}
	if strings.Contains(lower, "security") {
		v[1] = 1
	}
	return v
}

type fakeLLM struct {
	response string
	lastSys  string
	lastUser string
}

func (f *fakeLLM) Generate(ctx context.Context, systemPrompt, prompt string, stream bool, out chan<- string) error {
	f.lastSys = systemPrompt
	f.lastUser = prompt
	defer close(out)
	out <- f.response
	return nil
}
func (f *fakeLLM) Model() string { return "fake-model" }

type fakeDocs struct{}

func (fakeDocs) Title(ctx context.Context, docID int) (string, error) {
	return "Doc Title", nil
}

type fakeRecorder struct{ calls int }

func (f *fakeRecorder) ReplaceChunks(ctx context.Context, docID int, chunks []chunker.Chunk) error {
	f.calls++
	return nil
}

type fakeStatus struct {
	embeddedDocID int
	failedDocID   int
	failedMsg     string
}

func (f *fakeStatus) MarkEmbedded(ctx context.Context, docID int, chunkCount int) error {
	f.embeddedDocID = docID
	return nil
}
func (f *fakeStatus) MarkFailed(ctx context.Context, docID int, errMsg string) error {
	f.failedDocID = docID
	f.failedMsg = errMsg
	return nil
}

func buildOrchestrator(t *testing.T) (*Orchestrator, *fakeLLM, *fakeStatus, *fakeRecorder) {
	t.Helper()
	counter := tokenizer.New()
	c := chunker.New(chunker.Options{MinTokens: 10, MaxTokens: 100, OverlapPercent: 0.15}, counter)
	store := vectorstore.New(t.TempDir())
	embedder := &fakeEmbedder{dim: 2}
	llmClient := &fakeLLM{response: "the answer [Source 1]"}
	status := &fakeStatus{}
	recorder := &fakeRecorder{}

	o := New(Deps{
		Chunker:        c,
		Embedder:       embedder,
		Store:          store,
		QueryProcessor: queryprocessor.New(embedder),
		Assembler:      contextassembler.New(2000, counter),
		Sessions:       sessionmemory.New(),
		LLMClient:      llmClient,
		Docs:           fakeDocs{},
		ChunkRecorder:  recorder,
		StatusUpdater:  status,
		EmbedBatchSize: 4,
	})
	return o, llmClient, status, recorder
}

func TestIngestAddsChunksAndMarksEmbedded(t *testing.T) {
	o, _, status, recorder := buildOrchestrator(t)

	n, err := o.Ingest(context.Background(), Document{
		ID:    1,
		Title: "Pricing Guide",
		Text:  "Our pricing model is tiered by usage. Security practices are documented separately.",
	})
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Equal(t, 1, status.embeddedDocID)
	assert.Equal(t, 1, recorder.calls)
	assert.Equal(t, n, o.store.CountForDoc(1))
}

func TestIngestEmptyDocumentReturnsInvalidInput(t *testing.T) {
	o, _, _, _ := buildOrchestrator(t)
	_, err := o.Ingest(context.Background(), Document{ID: 1, Text: "   "})
	require.Error(t, err)
}

func TestQueryReturnsAnswerAndCitations(t *testing.T) {
	o, llm, _, _ := buildOrchestrator(t)

	_, err := o.Ingest(context.Background(), Document{
		ID:   1,
		Text: "Our pricing model is tiered by usage and reviewed quarterly.",
	})
	require.NoError(t, err)

	resp, err := o.Query(context.Background(), QueryRequest{
		ConversationID: "conv-1",
		Question:       "What is the pricing model?",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "the answer [Source 1]", resp.Answer)
	assert.NotEmpty(t, resp.Citations)
	assert.Contains(t, llm.lastSys, "CRITICAL RULES")
	assert.Contains(t, llm.lastUser, "Question: What is the pricing model?")
}

func TestQueryWithNoMatchingChunksReturnsFallbackAnswer(t *testing.T) {
	o, _, _, _ := buildOrchestrator(t)

	resp, err := o.Query(context.Background(), QueryRequest{
		ConversationID: "conv-2",
		Question:       "What is the pricing model?",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, noContextAnswer, resp.Answer)
}

func TestQueryStreamsDeltasToOutChannel(t *testing.T) {
	o, _, _, _ := buildOrchestrator(t)
	_, err := o.Ingest(context.Background(), Document{
		ID:   1,
		Text: "Security practices include encryption at rest and in transit.",
	})
	require.NoError(t, err)

	out := make(chan string, 8)
	resp, err := o.Query(context.Background(), QueryRequest{
		Question: "Tell me about security",
	}, out)
	require.NoError(t, err)

	var got string
	for d := range out {
		got += d
	}
	assert.Equal(t, resp.Answer, got)
}

func TestIngestRollsBackOnStoreFailureDimensionMismatch(t *testing.T) {
	o, _, status, _ := buildOrchestrator(t)

	_, err := o.Ingest(context.Background(), Document{
		ID:   1,
		Text: "First document establishes the store's embedding dimension here.",
	})
	require.NoError(t, err)

	o.embedder = &fakeEmbedder{dim: 5}
	_, err = o.Ingest(context.Background(), Document{
		ID:   2,
		Text: "Second document uses a different embedder dimension entirely.",
	})
	require.Error(t, err)
	assert.Equal(t, 2, status.failedDocID)
	assert.Equal(t, 0, o.store.CountForDoc(2))
}

func TestRemoveDocumentClearsChunks(t *testing.T) {
	o, _, _, _ := buildOrchestrator(t)
	_, err := o.Ingest(context.Background(), Document{ID: 1, Text: "Some content about pricing and security both."})
	require.NoError(t, err)

	require.NoError(t, o.RemoveDocument(1))
	assert.Equal(t, 0, o.store.CountForDoc(1))
}

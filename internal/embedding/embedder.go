// Package embedding maps text to unit-L2 vectors. The backing model is
// loaded lazily on first use and reused thereafter, guarded by a
// one-shot latch.
package embedding

import (
	"context"
	"math"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/docmind-ai/rag-core/internal/ragerr"
)

// Embedder is the contract the rest of the core depends on
//: embed_passage, embed_query, dimension.
type Embedder interface {
	EmbedPassage(ctx context.Context, text string) ([]float32, error)
	EmbedPassages(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension(ctx context.Context) (int, error)
}

// queryPrefix and passagePrefix are applied the way e5-family models
// expect; harmless no-ops for models that ignore them.
const (
	queryPrefix   = "query: "
	passagePrefix = "passage: "
)

// LangChainEmbedder wraps langchaingo's OpenAI-compatible embedder,
// adding the unit-L2 normalization, model-form prefixing, and lazy
// dimension discovery the retrieval core's contract requires.
type LangChainEmbedder struct {
	model  string
	apiKey string

	initOnce sync.Once
	initErr  error
	inner    *embeddings.EmbedderImpl

	dimMu sync.Mutex
	dim   int
}

// NewLangChainEmbedder configures (without loading) an embedder for the
// given model. The underlying client is constructed lazily on first
// EmbedPassage/EmbedQuery/Dimension call.
func NewLangChainEmbedder(apiKey, model string) *LangChainEmbedder {
	return &LangChainEmbedder{apiKey: apiKey, model: model}
}

func (e *LangChainEmbedder) ensureLoaded() error {
	e.initOnce.Do(func() {
		llm, err := lcopenai.New(
			lcopenai.WithToken(e.apiKey),
			lcopenai.WithEmbeddingModel(e.model),
		)
		if err != nil {
			e.initErr = ragerr.Wrap(ragerr.EmbeddingUnavailable, "loading embedding model", err)
			return
		}

		inner, err := embeddings.NewEmbedder(llm)
		if err != nil {
			e.initErr = ragerr.Wrap(ragerr.EmbeddingUnavailable, "constructing embedder", err)
			return
		}
		e.inner = inner
	})
	return e.initErr
}

// EmbedPassage embeds a single chunk of document text.
func (e *LangChainEmbedder) EmbedPassage(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedPassages(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedPassages batch-embeds passages, applying the passage-form prefix.
// Batch encoding yields the same vector per input as single encoding;
// EmbedDocuments encodes each input independently.
func (e *LangChainEmbedder) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}

	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = passagePrefix + t
	}

	raw, err := e.inner.EmbedDocuments(ctx, prefixed)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.EmbeddingUnavailable, "embedding passages", err)
	}

	vecs := make([][]float32, len(raw))
	for i, v := range raw {
		vecs[i] = normalize(v)
	}
	e.recordDimension(vecs)
	return vecs, nil
}

// EmbedQuery embeds a query string with the query-form prefix.
func (e *LangChainEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}

	raw, err := e.inner.EmbedQuery(ctx, queryPrefix+text)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.EmbeddingUnavailable, "embedding query", err)
	}

	vec := normalize(raw)
	e.recordDimension([][]float32{vec})
	return vec, nil
}

// Dimension returns d, loading the model and embedding a probe string
// if it hasn't been observed yet. Once observed it is fixed for the
// process lifetime.
func (e *LangChainEmbedder) Dimension(ctx context.Context) (int, error) {
	e.dimMu.Lock()
	d := e.dim
	e.dimMu.Unlock()
	if d > 0 {
		return d, nil
	}

	if _, err := e.EmbedQuery(ctx, "dimension probe"); err != nil {
		return 0, err
	}

	e.dimMu.Lock()
	defer e.dimMu.Unlock()
	return e.dim, nil
}

func (e *LangChainEmbedder) recordDimension(vecs [][]float32) {
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return
	}
	e.dimMu.Lock()
	if e.dim == 0 {
		e.dim = len(vecs[0])
	}
	e.dimMu.Unlock()
}

// normalize scales v to unit L2 length so inner product equals cosine
// similarity downstream. A zero vector is returned
// unchanged rather than dividing by zero.
func normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return v
	}

	norm := float32(math.Sqrt(sumSquares))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

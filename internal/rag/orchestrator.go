// Package rag wires the retrieval core's components into the two
// workflows a caller actually drives: ingest and query. There are no
// lazy singletons; a single Orchestrator is built once and held by the
// caller.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/docmind-ai/rag-core/internal/chunker"
	"github.com/docmind-ai/rag-core/internal/contextassembler"
	"github.com/docmind-ai/rag-core/internal/embedding"
	"github.com/docmind-ai/rag-core/internal/queryprocessor"
	"github.com/docmind-ai/rag-core/internal/ragerr"
	"github.com/docmind-ai/rag-core/internal/ragmodel"
	"github.com/docmind-ai/rag-core/internal/sessionmemory"
	"github.com/docmind-ai/rag-core/internal/vectorstore"
)

// groundedSystemPrompt forbids outside knowledge, requires the "cannot
// find this information" fallback, forbids naming source formats, and
// requires [Source N] citations.
const groundedSystemPrompt = `You are a helpful AI assistant that answers questions based ONLY on the provided source documents.

CRITICAL RULES:
1. Answer based ONLY on the context provided below. NEVER use external knowledge or assumptions.
2. If the information is not explicitly stated in the sources, say "I cannot find this information in the provided documents."
3. NEVER mention document types (like PowerPoint, PPT, slides) unless explicitly shown in the source text.
4. When citing information, use the exact source reference format [Source X].
5. Keep answers factual, accurate, and based strictly on what the sources say.
6. If you're uncertain about something, acknowledge the uncertainty rather than guessing.
7. Do not embellish, paraphrase excessively, or add information not found in the sources.`

const noContextAnswer = "I couldn't find relevant information in the provided documents to answer your question."

// followUpK is the retrieval depth the orchestrator biases toward when a
// query is judged a follow-up.
const followUpK = 10

// DocumentLookup resolves a doc_id to its display title, so the
// assembler can render "From: <doc_title>" without the VectorStore
// itself needing to know about titles.
type DocumentLookup interface {
	Title(ctx context.Context, docID int) (string, error)
}

// ChunkRecorder persists the external DocumentChunk rows the core treats
// as out-of-scope bookkeeping.
type ChunkRecorder interface {
	ReplaceChunks(ctx context.Context, docID int, chunks []chunker.Chunk) error
}

// StatusUpdater marks a document embedded, or failed with the error
// message stored.
type StatusUpdater interface {
	MarkEmbedded(ctx context.Context, docID int, chunkCount int) error
	MarkFailed(ctx context.Context, docID int, errMsg string) error
}

// LLMClient is the subset of internal/llm.Client the orchestrator
// dispatches through; an interface so tests can fake it.
type LLMClient interface {
	Generate(ctx context.Context, systemPrompt, prompt string, stream bool, out chan<- string) error
	Model() string
}

// Document is the minimal input Ingest needs from the external document
// record.
type Document struct {
	ID    int
	Title string
	Text  string
}

// Response is what a Query call returns.
type Response struct {
	Answer          string
	Citations       []ragmodel.Citation
	SourceDocuments []int
	ContextTokens   int
	Model           string
}

// QueryRequest carries the per-call knobs Query accepts. OnAssembled,
// when set, is invoked with the citations and source documents after
// context assembly but before LLM dispatch, so a streaming caller can
// send them ahead of the first content delta.
type QueryRequest struct {
	ConversationID string
	Question       string
	DocFilter      []int
	K              int // 0 means "use the suggested K"
	Stream         bool
	OnAssembled    func(citations []ragmodel.Citation, sourceDocs []int)
}

// Orchestrator owns every retrieval component and drives the ingest
// and query workflows. It holds no package-level mutable state; every
// dependency is passed in at construction.
type Orchestrator struct {
	chunker        *chunker.Chunker
	embedder       embedding.Embedder
	store          *vectorstore.Store
	queryProc      *queryprocessor.Processor
	assembler      *contextassembler.Assembler
	sessions       *sessionmemory.Memory
	llmClient      LLMClient
	docs           DocumentLookup
	chunkRecorder  ChunkRecorder
	statusUpdater  StatusUpdater
	embedBatchSize int
	logger         *slog.Logger
}

// Deps bundles the components and external collaborators an
// Orchestrator needs.
type Deps struct {
	Chunker        *chunker.Chunker
	Embedder       embedding.Embedder
	Store          *vectorstore.Store
	QueryProcessor *queryprocessor.Processor
	Assembler      *contextassembler.Assembler
	Sessions       *sessionmemory.Memory
	LLMClient      LLMClient
	Docs           DocumentLookup
	ChunkRecorder  ChunkRecorder
	StatusUpdater  StatusUpdater
	EmbedBatchSize int
	Logger         *slog.Logger
}

// New builds an Orchestrator from its components.
func New(d Deps) *Orchestrator {
	batchSize := d.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		chunker:        d.Chunker,
		embedder:       d.Embedder,
		store:          d.Store,
		queryProc:      d.QueryProcessor,
		assembler:      d.Assembler,
		sessions:       d.Sessions,
		llmClient:      d.LLMClient,
		docs:           d.Docs,
		chunkRecorder:  d.ChunkRecorder,
		statusUpdater:  d.StatusUpdater,
		embedBatchSize: batchSize,
		logger:         logger,
	}
}

// Ingest runs the chunk -> embed -> store pipeline for one document.
// Ingestion is transactional at the document level: on any failure
// after chunking, the document's chunks are rolled back via DeleteByDoc
// and the failure is recorded through StatusUpdater.
func (o *Orchestrator) Ingest(ctx context.Context, doc Document) (int, error) {
	chunks := o.chunker.Chunk(doc.Text)
	if len(chunks) == 0 {
		return 0, ragerr.New(ragerr.InvalidInput, "document produced no chunks")
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	embeddings, err := o.embedBatches(ctx, texts)
	if err != nil {
		o.rollback(ctx, doc.ID, err)
		return 0, err
	}

	items := make([]vectorstore.AddItem, len(chunks))
	for i, c := range chunks {
		var page *int
		if c.PageNumber != nil {
			p := *c.PageNumber
			page = &p
		}
		items[i] = vectorstore.AddItem{
			ChunkID:   -1,
			Embedding: embeddings[i],
			Text:      c.Text,
			Metadata: vectorstore.Metadata{
				DocID:        doc.ID,
				ChunkIndex:   c.ChunkIndex,
				PageNumber:   page,
				ChunkType:    string(c.ChunkType),
				SectionTitle: c.SectionTitle,
				TokenCount:   c.TokenCount,
			},
		}
	}

	if _, err := o.store.Add(items); err != nil {
		o.rollback(ctx, doc.ID, err)
		return 0, err
	}

	if o.chunkRecorder != nil {
		if err := o.chunkRecorder.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
			o.rollback(ctx, doc.ID, err)
			return 0, err
		}
	}

	if o.statusUpdater != nil {
		if err := o.statusUpdater.MarkEmbedded(ctx, doc.ID, len(chunks)); err != nil {
			o.logger.Error("failed to mark document embedded", "doc_id", doc.ID, "error", err)
		}
	}

	if err := o.store.Persist(); err != nil {
		o.logger.Error("vector store persist failed", "doc_id", doc.ID, "error", err)
	}

	return len(chunks), nil
}

// rollback restores the pre-ingest state for doc_id and records the
// failure.
func (o *Orchestrator) rollback(ctx context.Context, docID int, cause error) {
	o.store.DeleteByDoc(docID)
	if o.statusUpdater != nil {
		if err := o.statusUpdater.MarkFailed(ctx, docID, cause.Error()); err != nil {
			o.logger.Error("failed to mark document failed", "doc_id", docID, "error", err)
		}
	}
}

// embedBatches splits texts into embedBatchSize-sized groups and embeds
// them concurrently via errgroup, so a batch is CPU-bound for at most
// one group's worth of work and cancellation propagates promptly.
func (o *Orchestrator) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	type batch struct {
		start int
		texts []string
	}

	var batches []batch
	for start := 0; start < len(texts); start += o.embedBatchSize {
		end := start + o.embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, batch{start: start, texts: texts[start:end]})
	}

	results := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			vecs, err := o.embedder.EmbedPassages(gctx, b.texts)
			if err != nil {
				return err
			}
			for i, v := range vecs {
				results[b.start+i] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, ragerr.Wrap(ragerr.EmbeddingUnavailable, "embedding document batches", err)
	}
	return results, nil
}

// Query runs the retrieve -> assemble -> generate workflow. The
// IsFollowUp check and SessionMemory's Update both run synchronously
// inside this call, so when a caller issues turns one after another,
// turn N's Update happens-before turn N+1's IsFollowUp check. Query
// takes no per-conversation lock: concurrent calls for the same
// conversation are not serialized and may interleave.
func (o *Orchestrator) Query(ctx context.Context, req QueryRequest, out chan<- string) (Response, error) {
	// out must close on every return path or a streaming caller ranging
	// over it would block forever.
	closeOut := func() {}
	if out != nil {
		var once sync.Once
		closeOut = func() { once.Do(func() { close(out) }) }
		defer closeOut()
	}

	processed, err := o.queryProc.Process(ctx, req.Question, true)
	if err != nil {
		return Response{}, err
	}

	k := req.K
	if k <= 0 {
		k = processed.SuggestedK
	}

	isFollowUp := false
	if req.ConversationID != "" {
		isFollowUp = o.sessions.IsFollowUp(req.ConversationID, req.Question)
		if isFollowUp && k < followUpK {
			k = followUpK
		}
	}

	results, err := o.store.Search(processed.Embedding, k, req.DocFilter, 0)
	if err != nil {
		return Response{}, err
	}

	newChunks := o.enrich(ctx, results)

	var assembled contextassembler.Assembled
	if isFollowUp {
		previous := o.sessions.PreviousChunks(req.ConversationID)
		assembled = o.assembler.AssembleFollowUp(newChunks, previous)
	} else {
		assembled = o.assembler.Assemble(newChunks)
	}

	if req.OnAssembled != nil {
		req.OnAssembled(assembled.Citations, assembled.SourceDocuments)
	}

	if len(newChunks) == 0 {
		if req.ConversationID != "" {
			o.sessions.Update(req.ConversationID, req.Question, newChunks, processed.Keywords)
		}
		if out != nil {
			select {
			case out <- noContextAnswer:
			case <-ctx.Done():
			}
			closeOut()
		}
		return Response{
			Answer: noContextAnswer,
			Model:  o.llmClient.Model(),
		}, nil
	}

	prompt := fmt.Sprintf("Context from documents:\n\n%s\n\n---\n\nQuestion: %s\n\nPlease provide a comprehensive answer based on the sources above.",
		assembled.ContextText, req.Question)

	var answer string
	if out != nil {
		deltas := make(chan string)
		errCh := make(chan error, 1)
		go func() {
			errCh <- o.llmClient.Generate(ctx, groundedSystemPrompt, prompt, req.Stream, deltas)
		}()
		for d := range deltas {
			answer += d
			select {
			case out <- d:
			case <-ctx.Done():
			}
		}
		closeOut()
		if err := <-errCh; err != nil {
			return Response{}, err
		}
	} else {
		deltas := make(chan string)
		errCh := make(chan error, 1)
		go func() {
			errCh <- o.llmClient.Generate(ctx, groundedSystemPrompt, prompt, false, deltas)
		}()
		for d := range deltas {
			answer += d
		}
		if err := <-errCh; err != nil {
			return Response{}, err
		}
	}

	if req.ConversationID != "" {
		o.sessions.Update(req.ConversationID, req.Question, newChunks, processed.Keywords)
	}

	return Response{
		Answer:          answer,
		Citations:       assembled.Citations,
		SourceDocuments: assembled.SourceDocuments,
		ContextTokens:   assembled.TotalTokens,
		Model:           o.llmClient.Model(),
	}, nil
}

// enrich converts raw store hits into RetrievedChunks, attaching the
// document title via DocumentLookup.
func (o *Orchestrator) enrich(ctx context.Context, results []vectorstore.Result) []ragmodel.RetrievedChunk {
	out := make([]ragmodel.RetrievedChunk, len(results))
	for i, r := range results {
		title := fmt.Sprintf("Document %d", r.DocID)
		if o.docs != nil {
			if t, err := o.docs.Title(ctx, r.DocID); err == nil && t != "" {
				title = t
			}
		}
		out[i] = ragmodel.RetrievedChunk{
			ChunkID:      r.ChunkID,
			DocID:        r.DocID,
			DocTitle:     title,
			Text:         r.Text,
			Score:        r.Score,
			PageNumber:   r.Metadata.PageNumber,
			ChunkIndex:   r.Metadata.ChunkIndex,
			ChunkType:    r.Metadata.ChunkType,
			SectionTitle: r.Metadata.SectionTitle,
		}
	}
	return out
}

// RemoveDocument deletes a document's chunks from the store and
// persists the result.
func (o *Orchestrator) RemoveDocument(docID int) error {
	o.store.DeleteByDoc(docID)
	return o.store.Persist()
}

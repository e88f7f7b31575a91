// Package document owns the org-scoped Document record and its async
// ingestion pipeline: uploads are persisted immediately and embedded by
// a fixed pool of workers consuming a buffered job channel.
package document

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docmind-ai/rag-core/internal/chunker"
	"github.com/docmind-ai/rag-core/internal/rag"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Document is the org-scoped record the core treats as opaque.
type Document struct {
	ID         int       `json:"id"`
	OrgID      string    `json:"org_id"`
	Name       string    `json:"name"`
	Content    string    `json:"-"` // raw text, not exposed in listings
	Status     Status    `json:"status"`
	ChunkCount int       `json:"chunk_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Repository is the Postgres-backed store for Document rows and their
// exploded DocumentChunk rows.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, doc *Document) error {
	return r.db.QueryRow(ctx,
		`INSERT INTO documents (org_id, name, content, status, chunk_count, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		doc.OrgID, doc.Name, doc.Content, doc.Status, doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt,
	).Scan(&doc.ID)
}

func (r *Repository) ListByOrg(ctx context.Context, orgID string) ([]*Document, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, org_id, name, status, chunk_count, error, created_at, updated_at
		 FROM documents WHERE org_id=$1 ORDER BY created_at DESC`,
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d := &Document{}
		if err := rows.Scan(&d.ID, &d.OrgID, &d.Name, &d.Status,
			&d.ChunkCount, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// IDsByOrg returns the ids of every document owned by orgID, used to
// scope vector search to the caller's organization.
func (r *Repository) IDsByOrg(ctx context.Context, orgID string) ([]int, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM documents WHERE org_id=$1`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) Delete(ctx context.Context, id int, orgID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM documents WHERE id=$1 AND org_id=$2`, id, orgID)
	return err
}

// Title implements rag.DocumentLookup.
func (r *Repository) Title(ctx context.Context, docID int) (string, error) {
	var name string
	err := r.db.QueryRow(ctx, `SELECT name FROM documents WHERE id=$1`, docID).Scan(&name)
	return name, err
}

func (r *Repository) markProcessing(ctx context.Context, docID int) error {
	_, err := r.db.Exec(ctx, `UPDATE documents SET status=$1, updated_at=$2 WHERE id=$3`, StatusProcessing, time.Now(), docID)
	return err
}

// MarkEmbedded implements rag.StatusUpdater.
func (r *Repository) MarkEmbedded(ctx context.Context, docID int, chunkCount int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE documents SET status=$1, chunk_count=$2, error='', updated_at=$3 WHERE id=$4`,
		StatusReady, chunkCount, time.Now(), docID,
	)
	return err
}

// MarkFailed implements rag.StatusUpdater.
func (r *Repository) MarkFailed(ctx context.Context, docID int, errMsg string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE documents SET status=$1, chunk_count=0, error=$2, updated_at=$3 WHERE id=$4`,
		StatusFailed, errMsg, time.Now(), docID,
	)
	return err
}

// ReplaceChunks implements rag.ChunkRecorder: the external bookkeeping
// of DocumentChunk rows that mirror what's indexed in the vector store.
func (r *Repository) ReplaceChunks(ctx context.Context, docID int, chunks []chunker.Chunk) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id=$1`, docID); err != nil {
		return err
	}

	rows := make([][]any, len(chunks))
	for i, c := range chunks {
		rows[i] = []any{docID, c.ChunkIndex, c.Text, c.StartChar, c.EndChar, c.PageNumber, string(c.ChunkType), c.SectionTitle, c.TokenCount}
	}
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"document_chunks"},
			[]string{"document_id", "chunk_index", "text", "start_char", "end_char", "page_number", "chunk_type", "section_title", "token_count"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Service owns the upload/list/delete surface and the async ingestion
// queue: a fixed set of goroutines consuming a buffered job channel.
type Service struct {
	repo         *Repository
	orchestrator *rag.Orchestrator
	jobs         chan ingestJob
}

type ingestJob struct {
	doc *Document
}

// NewService starts the fixed pool of ingestion workers. In production
// replace the in-process channel with Redis Streams / SQS / NATS.
func NewService(repo *Repository, orchestrator *rag.Orchestrator) *Service {
	s := &Service{
		repo:         repo,
		orchestrator: orchestrator,
		jobs:         make(chan ingestJob, 256),
	}
	for i := 0; i < 4; i++ {
		go s.worker(i)
	}
	return s
}

type UploadRequest struct {
	OrgID   string
	Name    string
	Content string
}

// Upload persists the document metadata and enqueues async embedding.
// Returns immediately with status="pending" so the HTTP caller isn't
// blocked on ingestion.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*Document, error) {
	doc := &Document{
		OrgID:     req.OrgID,
		Name:      req.Name,
		Content:   req.Content,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := s.repo.Create(ctx, doc); err != nil {
		return nil, err
	}

	select {
	case s.jobs <- ingestJob{doc: doc}:
	default:
		slog.Warn("ingestion queue full, document left pending and not enqueued", "doc_id", doc.ID)
	}

	return doc, nil
}

func (s *Service) List(ctx context.Context, orgID string) ([]*Document, error) {
	return s.repo.ListByOrg(ctx, orgID)
}

func (s *Service) DocIDs(ctx context.Context, orgID string) ([]int, error) {
	return s.repo.IDsByOrg(ctx, orgID)
}

func (s *Service) Delete(ctx context.Context, id int, orgID string) error {
	// Only touch the vector store for a document the org owns.
	ids, err := s.repo.IDsByOrg(ctx, orgID)
	if err != nil {
		return err
	}
	owned := false
	for _, docID := range ids {
		if docID == id {
			owned = true
			break
		}
	}
	if !owned {
		return nil
	}
	if err := s.orchestrator.RemoveDocument(id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id, orgID)
}

func (s *Service) worker(id int) {
	slog.Info("ingestion worker started", "worker_id", id)
	for job := range s.jobs {
		s.ingest(job.doc)
	}
}

// ingest runs the chunk -> embed -> index pipeline for one document via
// the shared Orchestrator, marking the document
// processing beforehand and relying on the Orchestrator's own
// transactional rollback on failure.
func (s *Service) ingest(doc *Document) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := s.repo.markProcessing(ctx, doc.ID); err != nil {
		slog.Error("status update to processing failed", "doc_id", doc.ID, "error", err)
		return
	}

	chunkCount, err := s.orchestrator.Ingest(ctx, rag.Document{
		ID:    doc.ID,
		Title: doc.Name,
		Text:  doc.Content,
	})
	if err != nil {
		slog.Error("ingestion failed", "doc_id", doc.ID, "error", err)
		return
	}

	slog.Info("document ingested", "doc_id", doc.ID, "chunks", chunkCount)
}

// Package api is the multi-tenant REST surface over the retrieval core.
// Query responses stream as Server-Sent Events: the first frame carries
// the citations, subsequent frames carry content deltas, and the
// terminal frame carries done=true.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docmind-ai/rag-core/internal/auth"
	"github.com/docmind-ai/rag-core/internal/document"
	"github.com/docmind-ai/rag-core/internal/rag"
	"github.com/docmind-ai/rag-core/internal/ragerr"
	"github.com/docmind-ai/rag-core/internal/ragmodel"
	"github.com/docmind-ai/rag-core/internal/tenant"
)

type contextKey string

const claimsKey contextKey = "claims"

// TenantService is the account surface the router exposes.
type TenantService interface {
	Register(ctx context.Context, req tenant.RegisterRequest) (*tenant.AuthResponse, error)
	Login(ctx context.Context, req tenant.LoginRequest) (*tenant.AuthResponse, error)
}

// DocumentService is the document lifecycle surface the router exposes.
type DocumentService interface {
	List(ctx context.Context, orgID string) ([]*document.Document, error)
	Upload(ctx context.Context, req document.UploadRequest) (*document.Document, error)
	Delete(ctx context.Context, id int, orgID string) error
	DocIDs(ctx context.Context, orgID string) ([]int, error)
}

// QueryEngine is the retrieval workflow the query handlers drive.
type QueryEngine interface {
	Query(ctx context.Context, req rag.QueryRequest, out chan<- string) (rag.Response, error)
}

// LLMHealth is the liveness surface of the LLM backend.
type LLMHealth interface {
	Health(ctx context.Context) error
	ListModels(ctx context.Context) ([]string, error)
}

type RouterDeps struct {
	TenantService   TenantService
	DocumentService DocumentService
	Orchestrator    QueryEngine
	LLMClient       LLMHealth
	JWTManager      *auth.Manager
	Logger          *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	h := &handlers{deps: deps}

	// Public routes
	mux.HandleFunc("POST /api/v1/auth/register", h.register)
	mux.HandleFunc("POST /api/v1/auth/login", h.login)
	mux.HandleFunc("GET /api/v1/health", h.health)

	// Protected routes (wrapped with auth middleware)
	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/documents", h.listDocuments)
	protected.HandleFunc("POST /api/v1/documents", h.uploadDocument)
	protected.HandleFunc("DELETE /api/v1/documents/{id}", h.deleteDocument)
	protected.HandleFunc("POST /api/v1/query", h.query)          // SSE streaming
	protected.HandleFunc("POST /api/v1/query/sync", h.querySync) // one-shot

	mux.Handle("/api/v1/", h.authMiddleware(protected))

	return h.loggingMiddleware(mux)
}

// Handlers

type handlers struct {
	deps RouterDeps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}

	if err := h.deps.LLMClient.Health(r.Context()); err != nil {
		resp["llm"] = "unavailable"
	} else {
		resp["llm"] = "ok"
		if models, err := h.deps.LLMClient.ListModels(r.Context()); err == nil {
			resp["models"] = models
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req tenant.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.deps.TenantService.Register(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req tenant.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.deps.TenantService.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) listDocuments(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	docs, err := h.deps.DocumentService.List(r.Context(), claims.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (h *handlers) uploadDocument(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	var body struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" || body.Content == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}

	doc, err := h.deps.DocumentService.Upload(r.Context(), document.UploadRequest{
		OrgID:   claims.OrgID,
		Name:    body.Name,
		Content: body.Content,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to upload document")
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (h *handlers) deleteDocument(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	docID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	if err := h.deps.DocumentService.Delete(r.Context(), docID, claims.OrgID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryBody struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id"`
	DocumentIDs    []int  `json:"document_ids"`
	TopK           int    `json:"top_k"`
}

// docFilterForOrg restricts retrieval to documents the caller's org
// owns, intersected with any document_ids the request named. The
// result is always non-nil: an org with no documents gets an empty
// filter that matches nothing, never an unscoped search.
func (h *handlers) docFilterForOrg(ctx context.Context, orgID string, requested []int) ([]int, error) {
	orgDocs, err := h.deps.DocumentService.DocIDs(ctx, orgID)
	if err != nil {
		return nil, err
	}

	owned := make(map[int]bool, len(orgDocs))
	for _, id := range orgDocs {
		owned[id] = true
	}

	if len(requested) == 0 {
		filter := make([]int, 0, len(orgDocs))
		return append(filter, orgDocs...), nil
	}

	filter := make([]int, 0, len(requested))
	for _, id := range requested {
		if owned[id] {
			filter = append(filter, id)
		}
	}
	return filter, nil
}

// query streams a RAG answer over SSE. The first frame carries the
// citations, subsequent frames carry {"content": "<delta>"}, and the
// terminal frame carries {"done": true}. Errors are emitted as
// {"error": "<message>"} and close the stream.
func (h *handlers) query(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	var body queryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	docFilter, err := h.docFilterForOrg(r.Context(), claims.OrgID, body.DocumentIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve document filter")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable Nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	out := make(chan string, 64)
	errCh := make(chan error, 1)

	go func() {
		_, err := h.deps.Orchestrator.Query(r.Context(), rag.QueryRequest{
			ConversationID: body.ConversationID,
			Question:       body.Question,
			DocFilter:      docFilter,
			K:              body.TopK,
			Stream:         true,
			OnAssembled: func(citations []ragmodel.Citation, sourceDocs []int) {
				if citations == nil {
					citations = []ragmodel.Citation{}
				}
				writeSSE(w, flusher, map[string]any{"citations": citations})
			},
		}, out)
		errCh <- err
	}()

	for delta := range out {
		writeSSE(w, flusher, map[string]any{"content": delta})
	}

	if err := <-errCh; err != nil {
		// Client disconnects surface as Cancelled; nothing left to write.
		if !ragerr.Is(err, ragerr.Cancelled) && r.Context().Err() == nil {
			h.deps.Logger.Error("query failed", "error", err)
			writeSSE(w, flusher, map[string]any{"error": err.Error()})
		}
		return
	}

	writeSSE(w, flusher, map[string]any{"done": true})
}

// querySync is the non-streaming endpoint: the full answer plus
// citations in one JSON response.
func (h *handlers) querySync(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	var body queryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	docFilter, err := h.docFilterForOrg(r.Context(), claims.OrgID, body.DocumentIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve document filter")
		return
	}

	resp, err := h.deps.Orchestrator.Query(r.Context(), rag.QueryRequest{
		ConversationID: body.ConversationID,
		Question:       body.Question,
		DocFilter:      docFilter,
		K:              body.TopK,
	}, nil)
	if err != nil {
		writeError(w, statusForErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"answer":           resp.Answer,
		"citations":        resp.Citations,
		"source_documents": resp.SourceDocuments,
		"context_tokens":   resp.ContextTokens,
		"model":            resp.Model,
	})
}

// Middleware

func (h *handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := h.deps.JWTManager.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *handlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.deps.Logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// Helpers

// writeSSE emits one "data: {json}\n\n" frame and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusForErr(err error) int {
	switch ragerr.KindOf(err) {
	case ragerr.InvalidInput:
		return http.StatusBadRequest
	case ragerr.NotFound:
		return http.StatusNotFound
	case ragerr.UpstreamUnavailable, ragerr.EmbeddingUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func claimsFromCtx(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Flush passes through to the underlying writer so SSE works behind the
// logging middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmind-ai/rag-core/internal/auth"
	"github.com/docmind-ai/rag-core/internal/document"
	"github.com/docmind-ai/rag-core/internal/rag"
	"github.com/docmind-ai/rag-core/internal/ragmodel"
	"github.com/docmind-ai/rag-core/internal/tenant"
)

type fakeTenants struct{}

func (fakeTenants) Register(ctx context.Context, req tenant.RegisterRequest) (*tenant.AuthResponse, error) {
	return &tenant.AuthResponse{Token: "tok"}, nil
}
func (fakeTenants) Login(ctx context.Context, req tenant.LoginRequest) (*tenant.AuthResponse, error) {
	return &tenant.AuthResponse{Token: "tok"}, nil
}

type fakeDocuments struct {
	docIDs []int
}

func (f *fakeDocuments) List(ctx context.Context, orgID string) ([]*document.Document, error) {
	return nil, nil
}
func (f *fakeDocuments) Upload(ctx context.Context, req document.UploadRequest) (*document.Document, error) {
	return &document.Document{ID: 1, Name: req.Name, Status: document.StatusPending}, nil
}
func (f *fakeDocuments) Delete(ctx context.Context, id int, orgID string) error { return nil }
func (f *fakeDocuments) DocIDs(ctx context.Context, orgID string) ([]int, error) {
	return f.docIDs, nil
}

type fakeEngine struct {
	deltas    []string
	citations []ragmodel.Citation
	docFilter []int
}

func (f *fakeEngine) Query(ctx context.Context, req rag.QueryRequest, out chan<- string) (rag.Response, error) {
	f.docFilter = req.DocFilter
	if req.OnAssembled != nil {
		req.OnAssembled(f.citations, []int{1})
	}
	answer := strings.Join(f.deltas, "")
	if out != nil {
		for _, d := range f.deltas {
			out <- d
		}
		close(out)
	}
	return rag.Response{
		Answer:          answer,
		Citations:       f.citations,
		SourceDocuments: []int{1},
		ContextTokens:   42,
		Model:           "phi3:mini",
	}, nil
}

type fakeLLMHealth struct{ healthy bool }

func (f fakeLLMHealth) Health(ctx context.Context) error {
	if !f.healthy {
		return assert.AnError
	}
	return nil
}
func (f fakeLLMHealth) ListModels(ctx context.Context) ([]string, error) {
	return []string{"phi3:mini"}, nil
}

func newTestRouter(t *testing.T, engine *fakeEngine) (http.Handler, string) {
	t.Helper()
	jwt := auth.NewManager("test-secret", time.Hour)
	token, err := jwt.Issue("org-1", "user-1", "a@b.com", "admin")
	require.NoError(t, err)

	router := NewRouter(RouterDeps{
		TenantService:   fakeTenants{},
		DocumentService: &fakeDocuments{docIDs: []int{1, 2}},
		Orchestrator:    engine,
		LLMClient:       fakeLLMHealth{healthy: true},
		JWTManager:      jwt,
		Logger:          slog.Default(),
	})
	return router, token
}

func TestQueryRequiresAuth(t *testing.T) {
	router, _ := newTestRouter(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"question":"q"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueryStreamsCitationsThenContentThenDone(t *testing.T) {
	engine := &fakeEngine{
		deltas: []string{"hel", "lo"},
		citations: []ragmodel.Citation{
			{Index: 1, ChunkID: 7, DocID: 1, DocTitle: "Report", Preview: "..."},
		},
	}
	router, token := newTestRouter(t, engine)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query",
		strings.NewReader(`{"question":"what is in the report?","conversation_id":"c1"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var frames []map[string]any
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}

	require.GreaterOrEqual(t, len(frames), 4)
	assert.Contains(t, frames[0], "citations")
	assert.Equal(t, "hel", frames[1]["content"])
	assert.Equal(t, "lo", frames[2]["content"])
	assert.Equal(t, true, frames[len(frames)-1]["done"])
}

func TestQueryScopesDocFilterToOrgDocuments(t *testing.T) {
	engine := &fakeEngine{deltas: []string{"ok"}}
	router, token := newTestRouter(t, engine)

	// doc 3 is not owned by the org, so only doc 2 survives the filter.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query/sync",
		strings.NewReader(`{"question":"q","document_ids":[2,3]}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{2}, engine.docFilter)
}

func TestQuerySyncReturnsAnswerAndCitations(t *testing.T) {
	engine := &fakeEngine{
		deltas:    []string{"the answer"},
		citations: []ragmodel.Citation{{Index: 1, ChunkID: 7, DocID: 1}},
	}
	router, token := newTestRouter(t, engine)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query/sync",
		strings.NewReader(`{"question":"q"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Answer        string              `json:"answer"`
		Citations     []ragmodel.Citation `json:"citations"`
		ContextTokens int                 `json:"context_tokens"`
		Model         string              `json:"model"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "the answer", body.Answer)
	require.Len(t, body.Citations, 1)
	assert.Equal(t, 42, body.ContextTokens)
	assert.Equal(t, "phi3:mini", body.Model)
}

func TestHealthReportsLLMStatus(t *testing.T) {
	router, _ := newTestRouter(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["llm"])
}

func TestUploadRejectsMissingFields(t *testing.T) {
	router, token := newTestRouter(t, &fakeEngine{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents",
		strings.NewReader(`{"name":"doc.md"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

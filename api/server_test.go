package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/thesis-rag/chat"
	"github.com/fabfab/thesis-rag/knowledge"
	"github.com/fabfab/thesis-rag/search"
	"github.com/fabfab/thesis-rag/thesis"
)

type fakeSearcher struct {
	lastQuery string
	lastOpts  search.SearchOptions
	lastTag   string
	lastSkip  int
	lastLimit int
	err       error
}

var sampleDoc = thesis.Document{ID: "t1", Title: "Graph Databases", Abstract: "Property graphs.", Tags: []string{"graphs", "databases", "neo4j"}}

func (f *fakeSearcher) SearchText(_ context.Context, query string, opts search.SearchOptions) ([]thesis.ScoredDocument, error) {
	f.lastQuery, f.lastOpts = query, opts
	if f.err != nil {
		return nil, f.err
	}
	return []thesis.ScoredDocument{{Document: sampleDoc, Score: 0.82}}, nil
}

func (f *fakeSearcher) DefaultSearchOptions() search.SearchOptions {
	return search.SearchOptions{Limit: 10, Threshold: 0.5}
}

func (f *fakeSearcher) Get(_ context.Context, id string) (thesis.Document, error) {
	if id != sampleDoc.ID {
		return thesis.Document{}, fmt.Errorf("%w: %s", thesis.ErrNotFound, id)
	}
	return sampleDoc, nil
}

func (f *fakeSearcher) FindSimilar(_ context.Context, id string, limit int) ([]thesis.ScoredDocument, error) {
	f.lastLimit = limit
	if id != sampleDoc.ID {
		return nil, fmt.Errorf("%w: %s", thesis.ErrNotFound, id)
	}
	return []thesis.ScoredDocument{}, nil
}

func (f *fakeSearcher) SearchByTag(_ context.Context, tag string, skip, limit int) ([]thesis.Document, error) {
	f.lastTag, f.lastSkip, f.lastLimit = tag, skip, limit
	return nil, nil
}

func (f *fakeSearcher) Tags(context.Context) ([]string, error) {
	return []string{"databases", "graphs"}, f.err
}

type fakeAssistant struct {
	lastMessage string
	lastHistory thesis.History
	err         error
}

func (f *fakeAssistant) ProcessMessage(_ context.Context, message string, history thesis.History) (thesis.ChatResult, error) {
	f.lastMessage, f.lastHistory = message, history
	if f.err != nil {
		return thesis.ChatResult{}, f.err
	}
	return thesis.ChatResult{
		Answer:  "See [1].",
		Sources: []thesis.Source{{ID: "t1", Title: "Graph Databases", Score: 0.8}},
		History: history.Append(thesis.Turn{Role: thesis.RoleUser, Content: message}, thesis.Turn{Role: thesis.RoleAssistant, Content: "See [1]."}),
	}, nil
}

func (f *fakeAssistant) SuggestedQuestions(context.Context) []string {
	return []string{"Which theses explore graphs?"}
}

func (f *fakeAssistant) Summarize(_ context.Context, id string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "A short summary.", nil
}

type fakeRelated struct{}

func (fakeRelated) Related(_ context.Context, id string, limit int) ([]knowledge.Related, error) {
	return []knowledge.Related{{ID: "t2", Title: "Knowledge Graphs", SharedTags: []string{"graphs"}}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv := New(&fakeSearcher{}, &fakeAssistant{}, nil, nil)

	rec := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[messageResponse](t, rec).Message)

	rec = do(t, srv, http.MethodGet, "/openapi.yaml", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/v1/search")

	rec = do(t, srv, http.MethodPost, "/healthz", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSearchEndpoint(t *testing.T) {
	searcher := &fakeSearcher{}
	srv := New(searcher, &fakeAssistant{}, nil, nil)

	rec := do(t, srv, http.MethodPost, "/v1/search", `{"query":"graph storage"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[searchResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 0.82, resp.Results[0].Score)
	assert.Equal(t, search.SearchOptions{Limit: 10, Threshold: 0.5}, searcher.lastOpts)

	rec = do(t, srv, http.MethodPost, "/v1/search", `{"query":"graph storage","limit":500,"threshold":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, search.SearchOptions{Limit: maxPageSize, Threshold: 0}, searcher.lastOpts)

	rec = do(t, srv, http.MethodPost, "/v1/search", `{"query":"x","unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: query cannot be empty", thesis.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: ollama down", thesis.ErrEmbeddingService), http.StatusBadGateway},
		{fmt.Errorf("%w: both paths failed", thesis.ErrRetrievalFailure), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w", thesis.ErrEmbeddingService, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := New(&fakeSearcher{err: tc.err}, &fakeAssistant{}, nil, nil)
		rec := do(t, srv, http.MethodPost, "/v1/search", `{"query":"q"}`)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
		assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
	}
}

func TestDocumentEndpoints(t *testing.T) {
	searcher := &fakeSearcher{}
	srv := New(searcher, &fakeAssistant{}, fakeRelated{}, nil)

	rec := do(t, srv, http.MethodGet, "/v1/documents/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Graph Databases", decode[thesis.Document](t, rec).Title)

	rec = do(t, srv, http.MethodGet, "/v1/documents/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/documents/t1/similar?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, searcher.lastLimit)
	assert.Contains(t, rec.Body.String(), `"results":[]`)

	rec = do(t, srv, http.MethodGet, "/v1/documents/missing/similar", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/documents/t1/similar?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/documents/t1/related", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"graphs"}, decode[relatedResponse](t, rec).Related[0].SharedTags)

	rec = do(t, srv, http.MethodGet, "/v1/documents/t1/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, summaryResponse{ID: "t1", Summary: "A short summary."}, decode[summaryResponse](t, rec))
}

func TestRelatedWithoutGraph(t *testing.T) {
	srv := New(&fakeSearcher{}, &fakeAssistant{}, nil, nil)
	rec := do(t, srv, http.MethodGet, "/v1/documents/t1/related", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestTagEndpoints(t *testing.T) {
	searcher := &fakeSearcher{}
	srv := New(searcher, &fakeAssistant{}, nil, nil)

	rec := do(t, srv, http.MethodGet, "/v1/tags", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"databases", "graphs"}, decode[tagsResponse](t, rec).Tags)

	rec = do(t, srv, http.MethodGet, "/v1/tags/machine%20learning/documents?skip=20&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "machine learning", searcher.lastTag)
	assert.Equal(t, 20, searcher.lastSkip)
	assert.Equal(t, 10, searcher.lastLimit)
	assert.Contains(t, rec.Body.String(), `"documents":[]`)

	rec = do(t, srv, http.MethodGet, "/v1/tags/ai/documents?skip=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatEndpoint(t *testing.T) {
	assistant := &fakeAssistant{}
	srv := New(&fakeSearcher{}, assistant, nil, nil)

	body := `{"message":" and in healthcare? ","history":[{"role":"user","content":"AI papers?"},{"role":"assistant","content":"Several."}]}`
	rec := do(t, srv, http.MethodPost, "/v1/chat", body)
	require.Equal(t, http.StatusOK, rec.Code)

	result := decode[thesis.ChatResult](t, rec)
	assert.Equal(t, "See [1].", result.Answer)
	assert.Len(t, result.History, 4)
	assert.Equal(t, "and in healthcare?", assistant.lastMessage)
	assert.Len(t, assistant.lastHistory, 2)

	rec = do(t, srv, http.MethodPost, "/v1/chat", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/chat", `{"message":"hi","history":[{"role":"system","content":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	failing := New(&fakeSearcher{}, &fakeAssistant{err: fmt.Errorf("%w: %w", thesis.ErrChatProcessingFailed, thesis.ErrGenerationService)}, nil, nil)
	rec = do(t, failing, http.MethodPost, "/v1/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/chat/suggestions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Which theses explore graphs?"}, decode[suggestionsResponse](t, rec).Questions)
}

type staticRetriever struct{}

func (staticRetriever) Search(context.Context, []float32, search.SearchOptions) ([]thesis.ScoredDocument, error) {
	return []thesis.ScoredDocument{{Document: sampleDoc, Score: 0.9}}, nil
}

func (staticRetriever) Get(_ context.Context, id string) (thesis.Document, error) {
	if id != sampleDoc.ID {
		return thesis.Document{}, fmt.Errorf("%w: %s", thesis.ErrNotFound, id)
	}
	return sampleDoc, nil
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type staticTags struct{}

func (staticTags) TopTags(context.Context, int) ([]thesis.TagCount, error) {
	return []thesis.TagCount{{Tag: "graphs", Count: 3}}, nil
}

func TestChatRoutesWithoutLanguageModel(t *testing.T) {
	assistant := chat.NewService(staticRetriever{}, staticEmbedder{}, chat.NewRewriter(nil, 0, nil), nil, staticTags{}, chat.Config{}, nil)
	srv := New(&fakeSearcher{}, assistant, nil, nil)

	rec := do(t, srv, http.MethodGet, "/v1/chat/suggestions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	questions := decode[suggestionsResponse](t, rec).Questions
	require.Len(t, questions, 4)
	assert.Contains(t, questions[0], "graphs")

	rec = do(t, srv, http.MethodPost, "/v1/chat", `{"message":"graph storage?"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/documents/t1/summary", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

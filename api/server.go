package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/fabfab/thesis-rag/knowledge"
	"github.com/fabfab/thesis-rag/logging"
	"github.com/fabfab/thesis-rag/search"
	"github.com/fabfab/thesis-rag/thesis"
)

const (
	defaultSimilarLimit = 5
	defaultTagPageSize  = 20
	maxPageSize         = 100
)

// Searcher is the retrieval surface the API exposes.
type Searcher interface {
	SearchText(ctx context.Context, query string, opts search.SearchOptions) ([]thesis.ScoredDocument, error)
	DefaultSearchOptions() search.SearchOptions
	Get(ctx context.Context, id string) (thesis.Document, error)
	FindSimilar(ctx context.Context, id string, limit int) ([]thesis.ScoredDocument, error)
	SearchByTag(ctx context.Context, tag string, skip, limit int) ([]thesis.Document, error)
	Tags(ctx context.Context) ([]string, error)
}

// Assistant is the chat surface the API exposes.
type Assistant interface {
	ProcessMessage(ctx context.Context, message string, history thesis.History) (thesis.ChatResult, error)
	SuggestedQuestions(ctx context.Context) []string
	Summarize(ctx context.Context, id string) (string, error)
}

// RelatedFinder lists theses that share tags in the knowledge graph.
type RelatedFinder interface {
	Related(ctx context.Context, id string, limit int) ([]knowledge.Related, error)
}

// Server exposes HTTP handlers for search, chat and browsing.
type Server struct {
	searcher  Searcher
	assistant Assistant
	related   RelatedFinder
	logger    logging.Logger
	handler   http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type searchRequest struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit"`
	Threshold *float64 `json:"threshold"`
}

type searchResponse struct {
	Results []thesis.ScoredDocument `json:"results"`
}

type documentsResponse struct {
	Documents []thesis.Document `json:"documents"`
}

type tagsResponse struct {
	Tags []string `json:"tags"`
}

type relatedResponse struct {
	Related []knowledge.Related `json:"related"`
}

type chatRequest struct {
	Message string         `json:"message"`
	History thesis.History `json:"history"`
}

type suggestionsResponse struct {
	Questions []string `json:"questions"`
}

type summaryResponse struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// New constructs a Server. related may be nil when the knowledge graph is disabled.
func New(searcher Searcher, assistant Assistant, related RelatedFinder, logger logging.Logger) *Server {
	s := &Server{
		searcher:  searcher,
		assistant: assistant,
		related:   related,
		logger:    logging.OrDiscard(logger),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /openapi.yaml", s.handleOpenAPI)
	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("GET /v1/documents/{id}", s.handleDocument)
	mux.HandleFunc("GET /v1/documents/{id}/similar", s.handleSimilar)
	mux.HandleFunc("GET /v1/documents/{id}/related", s.handleRelated)
	mux.HandleFunc("GET /v1/documents/{id}/summary", s.handleSummary)
	mux.HandleFunc("GET /v1/tags", s.handleTags)
	mux.HandleFunc("GET /v1/tags/{tag}/documents", s.handleTagDocuments)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat/suggestions", s.handleSuggestions)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	opts := s.searcher.DefaultSearchOptions()
	if req.Limit > 0 {
		opts.Limit = min(req.Limit, maxPageSize)
	}
	if req.Threshold != nil {
		opts.Threshold = *req.Threshold
	}

	results, err := s.searcher.SearchText(r.Context(), req.Query, opts)
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("search: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.searcher.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultSimilarLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	results, err := s.searcher.FindSimilar(r.Context(), r.PathValue("id"), min(limit, maxPageSize))
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("find similar: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	if s.related == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("knowledge graph is disabled"))
		return
	}
	limit, err := queryInt(r, "limit", defaultSimilarLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	related, err := s.related.Related(r.Context(), r.PathValue("id"), min(limit, maxPageSize))
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("related theses: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, relatedResponse{Related: related})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, err := s.assistant.Summarize(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaryResponse{ID: id, Summary: summary})
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.searcher.Tags(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	s.writeJSON(w, http.StatusOK, tagsResponse{Tags: tags})
}

func (s *Server) handleTagDocuments(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultTagPageSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	docs, err := s.searcher.SearchByTag(r.Context(), r.PathValue("tag"), skip, min(limit, maxPageSize))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if docs == nil {
		docs = []thesis.Document{}
	}
	s.writeJSON(w, http.StatusOK, documentsResponse{Documents: docs})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	for _, turn := range req.History {
		if turn.Role != thesis.RoleUser && turn.Role != thesis.RoleAssistant {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid history role %q", turn.Role))
			return
		}
	}

	result, err := s.assistant.ProcessMessage(r.Context(), req.Message, req.History)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, suggestionsResponse{Questions: s.assistant.SuggestedQuestions(r.Context())})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, thesis.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, thesis.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, thesis.ErrEmbeddingService), errors.Is(err, thesis.ErrGenerationService):
		return http.StatusBadGateway
	case errors.Is(err, thesis.ErrRetrievalFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("api error (%d): %v", status, err)
	} else {
		s.logger.Debug("api error (%d): %v", status, err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// Package search ranks stored theses against a query vector.
//
// Search first asks the store's vector index for a candidate pool and falls back to
// an exhaustive scan when the index fails or finds nothing above the threshold.
// Stored vectors are unit length, so the dot product used by the scan equals the
// cosine similarity the index computes.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fabfab/thesis-rag/logging"
	"github.com/fabfab/thesis-rag/thesis"
	"github.com/fabfab/thesis-rag/vectormath"
)

// DocumentStore is the storage the engine reads from.
type DocumentStore interface {
	// IndexedVectorSearch returns at most limit hits ordered by descending score,
	// letting the index explore candidates entries.
	IndexedVectorSearch(ctx context.Context, query []float32, candidates, limit int) ([]thesis.ScoredDocument, error)
	// AllDocuments returns every document with its vector in a stable order.
	AllDocuments(ctx context.Context) ([]thesis.Document, error)
	// FindByID returns nil, nil when the document does not exist.
	FindByID(ctx context.Context, id string) (*thesis.Document, error)
	FindByTag(ctx context.Context, tag string, skip, limit int) ([]thesis.Document, error)
	DistinctTags(ctx context.Context) ([]string, error)
}

// TextEmbedder turns a query string into a vector.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	Dimension           int
	DefaultLimit        int
	DefaultThreshold    float64
	CandidateMultiplier int
	StoreTimeout        time.Duration
}

type SearchOptions struct {
	Limit     int
	Threshold float64
}

type Engine struct {
	store    DocumentStore
	embedder TextEmbedder
	cfg      Config
	logger   logging.Logger
}

func NewEngine(store DocumentStore, embedder TextEmbedder, cfg Config, logger logging.Logger) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = 10
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logging.OrDiscard(logger),
	}
}

func (e *Engine) DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		Limit:     e.cfg.DefaultLimit,
		Threshold: e.cfg.DefaultThreshold,
	}
}

// SearchText embeds query and runs Search. Embedding failures are returned unchanged.
func (e *Engine) SearchText(ctx context.Context, query string, opts SearchOptions) ([]thesis.ScoredDocument, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", thesis.ErrInvalidInput)
	}
	if e.embedder == nil {
		return nil, fmt.Errorf("%w: embedder is not configured", thesis.ErrEmbeddingService)
	}
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return e.Search(ctx, vec, opts)
}

// Search returns at most opts.Limit documents scoring at least opts.Threshold,
// best first. A non-positive limit means the configured default.
func (e *Engine) Search(ctx context.Context, query []float32, opts SearchOptions) ([]thesis.ScoredDocument, error) {
	if e.cfg.Dimension > 0 && len(query) != e.cfg.Dimension {
		return nil, fmt.Errorf("query vector: %w: expected %d, got %d", vectormath.ErrDimensionMismatch, e.cfg.Dimension, len(query))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	indexed, indexErr := e.indexedSearch(ctx, query, limit, opts.Threshold)
	if indexErr == nil && len(indexed) > 0 {
		return indexed, nil
	}
	if indexErr != nil {
		e.logger.Warn("indexed search unavailable, scanning all documents: %v", indexErr)
	} else {
		e.logger.Debug("indexed search found nothing above %.2f, scanning all documents", opts.Threshold)
	}

	manual, err := e.manualSearch(ctx, query, limit, opts.Threshold)
	if err != nil {
		if indexErr != nil {
			return nil, fmt.Errorf("%w: indexed: %w; manual: %w", thesis.ErrRetrievalFailure, indexErr, err)
		}
		return nil, fmt.Errorf("%w: %w", thesis.ErrRetrievalFailure, err)
	}
	return manual, nil
}

func (e *Engine) indexedSearch(ctx context.Context, query []float32, limit int, threshold float64) ([]thesis.ScoredDocument, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	candidates := limit * e.cfg.CandidateMultiplier
	if candidates < limit {
		candidates = limit
	}
	hits, err := e.store.IndexedVectorSearch(ctx, query, candidates, limit)
	if err != nil {
		return nil, err
	}

	results := make([]thesis.ScoredDocument, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < threshold {
			continue
		}
		hit.Document = hit.WithoutVector()
		results = append(results, hit)
	}
	return rank(results, limit), nil
}

func (e *Engine) manualSearch(ctx context.Context, query []float32, limit int, threshold float64) ([]thesis.ScoredDocument, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	docs, err := e.store.AllDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	results := make([]thesis.ScoredDocument, 0, len(docs))
	for _, doc := range docs {
		score, err := vectormath.DotProduct(query, doc.Vector)
		if err != nil {
			return nil, fmt.Errorf("score document %s: %w", doc.ID, err)
		}
		if score < threshold {
			continue
		}
		results = append(results, thesis.ScoredDocument{Document: doc.WithoutVector(), Score: score})
	}
	return rank(results, limit), nil
}

// FindSimilar ranks every other document by cosine similarity to id's vector.
// No threshold is applied.
func (e *Engine) FindSimilar(ctx context.Context, id string, limit int) ([]thesis.ScoredDocument, error) {
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	ref, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: load document %s: %w", thesis.ErrRetrievalFailure, id, err)
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: %s", thesis.ErrNotFound, id)
	}

	docs, err := e.store.AllDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load documents: %w", thesis.ErrRetrievalFailure, err)
	}

	results := make([]thesis.ScoredDocument, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == ref.ID {
			continue
		}
		score, err := vectormath.CosineSimilarity(ref.Vector, doc.Vector)
		if err != nil {
			return nil, fmt.Errorf("%w: score document %s: %w", thesis.ErrRetrievalFailure, doc.ID, err)
		}
		results = append(results, thesis.ScoredDocument{Document: doc.WithoutVector(), Score: score})
	}
	return rank(results, limit), nil
}

// SearchByTag pages through documents whose tags contain tag, newest first.
func (e *Engine) SearchByTag(ctx context.Context, tag string, skip, limit int) ([]thesis.Document, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return nil, fmt.Errorf("%w: tag cannot be empty", thesis.ErrInvalidInput)
	}
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	docs, err := e.store.FindByTag(ctx, tag, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", thesis.ErrRetrievalFailure, err)
	}
	out := make([]thesis.Document, len(docs))
	for i, doc := range docs {
		out[i] = doc.WithoutVector()
	}
	return out, nil
}

// Get returns a single document without its vector.
func (e *Engine) Get(ctx context.Context, id string) (thesis.Document, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	doc, err := e.store.FindByID(ctx, id)
	if err != nil {
		return thesis.Document{}, fmt.Errorf("%w: load document %s: %w", thesis.ErrRetrievalFailure, id, err)
	}
	if doc == nil {
		return thesis.Document{}, fmt.Errorf("%w: %s", thesis.ErrNotFound, id)
	}
	return doc.WithoutVector(), nil
}

func (e *Engine) Tags(ctx context.Context) ([]string, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	tags, err := e.store.DistinctTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", thesis.ErrRetrievalFailure, err)
	}
	return tags, nil
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StoreTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

// rank sorts by descending score, keeping input order for ties, and truncates.
func rank(results []thesis.ScoredDocument, limit int) []thesis.ScoredDocument {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/fabfab/thesis-rag/thesis"
)

// DBPool is the subset of *pgxpool.Pool the store needs, so tests can swap in pgxmock.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps theses in Postgres with a pgvector HNSW index over
// inner product. Stored vectors are unit length, so the score equals cosine.
type PostgresStore struct {
	pool DBPool
}

func NewPostgresStore(pool DBPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const thesisColumns = "id::text, title, abstract, tags, created_at, updated_at"

// maxEFSearch is the largest hnsw.ef_search pgvector accepts.
const maxEFSearch = 1000

// IndexedVectorSearch asks the HNSW index for the best limit matches while letting
// it explore candidates entries. Failures are reported as thesis.ErrIndexUnavailable.
func (s *PostgresStore) IndexedVectorSearch(ctx context.Context, query []float32, candidates, limit int) (results []thesis.ScoredDocument, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", thesis.ErrIndexUnavailable, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", min(candidates, maxEFSearch))); err != nil {
		return nil, fmt.Errorf("%w: set hnsw.ef_search: %w", thesis.ErrIndexUnavailable, err)
	}

	rows, err := tx.Query(ctx, `
		SELECT `+thesisColumns+`, (embedding <#> $1::vector) * -1 AS score
		FROM theses
		ORDER BY embedding <#> $1::vector
		LIMIT $2`,
		pgvector.NewVector(query), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query vector index: %w", thesis.ErrIndexUnavailable, err)
	}

	for rows.Next() {
		var hit thesis.ScoredDocument
		if err = rows.Scan(&hit.ID, &hit.Title, &hit.Abstract, &hit.Tags, &hit.CreatedAt, &hit.UpdatedAt, &hit.Score); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan vector result: %w", thesis.ErrIndexUnavailable, err)
		}
		results = append(results, hit)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate vector results: %w", thesis.ErrIndexUnavailable, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", thesis.ErrIndexUnavailable, err)
	}
	return results, nil
}

// AllDocuments returns every thesis with its vector in insertion order.
func (s *PostgresStore) AllDocuments(ctx context.Context) ([]thesis.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, title, abstract, tags, embedding, created_at, updated_at
		FROM theses
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query theses: %w", err)
	}
	defer rows.Close()

	var docs []thesis.Document
	for rows.Next() {
		doc, err := scanFullDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate theses: %w", err)
	}
	return docs, nil
}

// FindByID returns nil without error when the thesis does not exist.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*thesis.Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id::text, title, abstract, tags, embedding, created_at, updated_at
		FROM theses
		WHERE id = $1`, id)
	doc, err := scanFullDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByTag matches tags case-insensitively by substring, newest first.
func (s *PostgresStore) FindByTag(ctx context.Context, tag string, skip, limit int) ([]thesis.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+thesisColumns+`
		FROM theses
		WHERE EXISTS (SELECT 1 FROM unnest(tags) AS t(tag) WHERE t.tag ILIKE '%' || $1 || '%')
		ORDER BY created_at DESC, id
		OFFSET $2 LIMIT $3`,
		escapeLike(tag), skip, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query theses by tag: %w", err)
	}
	defer rows.Close()

	var docs []thesis.Document
	for rows.Next() {
		var doc thesis.Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Abstract, &doc.Tags, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thesis: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate theses: %w", err)
	}
	return docs, nil
}

func (s *PostgresStore) DistinctTags(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT unnest(tags) AS tag FROM theses ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *PostgresStore) TopTags(ctx context.Context, limit int) ([]thesis.TagCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tag, COUNT(*) AS uses
		FROM theses, unnest(tags) AS tag
		GROUP BY tag
		ORDER BY uses DESC, tag
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top tags: %w", err)
	}
	defer rows.Close()

	var counts []thesis.TagCount
	for rows.Next() {
		var (
			tag  string
			uses int64
		)
		if err := rows.Scan(&tag, &uses); err != nil {
			return nil, fmt.Errorf("scan tag count: %w", err)
		}
		counts = append(counts, thesis.TagCount{Tag: tag, Count: int(uses)})
	}
	return counts, rows.Err()
}

// Upsert inserts the thesis or replaces its content, keeping the original created_at.
func (s *PostgresStore) Upsert(ctx context.Context, doc thesis.Document) error {
	if _, err := uuid.Parse(doc.ID); err != nil {
		return fmt.Errorf("%w: thesis id %q is not a uuid", thesis.ErrInvalidInput, doc.ID)
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO theses (id, title, abstract, tags, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
			abstract = EXCLUDED.abstract,
			tags = EXCLUDED.tags,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()`,
		doc.ID, doc.Title, doc.Abstract, doc.Tags, pgvector.NewVector(doc.Vector), createdAt,
	)
	if err != nil {
		return fmt.Errorf("upsert thesis: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return thesis.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM theses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete thesis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return thesis.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE theses`); err != nil {
		return fmt.Errorf("truncate theses: %w", err)
	}
	return nil
}

func scanFullDocument(row pgx.Row) (thesis.Document, error) {
	var (
		doc thesis.Document
		vec pgvector.Vector
	)
	if err := row.Scan(&doc.ID, &doc.Title, &doc.Abstract, &doc.Tags, &vec, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return doc, err
		}
		return doc, fmt.Errorf("scan thesis: %w", err)
	}
	doc.Vector = vec.Slice()
	return doc, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

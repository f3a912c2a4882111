package database

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fabfab/thesis-rag/thesis"
)

// SQLiteStore keeps theses in a single SQLite file. It has no vector index, so
// searches always go through the engine's full-scan path.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) IndexedVectorSearch(context.Context, []float32, int, int) ([]thesis.ScoredDocument, error) {
	return nil, fmt.Errorf("%w: sqlite backend has no vector index", thesis.ErrIndexUnavailable)
}

func (s *SQLiteStore) AllDocuments(ctx context.Context) ([]thesis.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, abstract, tags, embedding, created_at, updated_at
		FROM theses
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query theses: %w", err)
	}
	defer rows.Close()

	var docs []thesis.Document
	for rows.Next() {
		doc, err := scanSQLiteDocument(rows, true)
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
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*thesis.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, abstract, tags, embedding, created_at, updated_at
		FROM theses
		WHERE id = ?`, id)
	doc, err := scanSQLiteDocument(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *SQLiteStore) FindByTag(ctx context.Context, tag string, skip, limit int) ([]thesis.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, abstract, tags, x'', created_at, updated_at
		FROM theses
		WHERE EXISTS (
			SELECT 1 FROM json_each(theses.tags)
			WHERE lower(json_each.value) LIKE '%' || ? || '%' ESCAPE '\'
		)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`,
		escapeLike(strings.ToLower(tag)), limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("query theses by tag: %w", err)
	}
	defer rows.Close()

	var docs []thesis.Document
	for rows.Next() {
		doc, err := scanSQLiteDocument(rows, false)
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

func (s *SQLiteStore) DistinctTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT json_each.value AS tag
		FROM theses, json_each(theses.tags)
		ORDER BY tag`)
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

func (s *SQLiteStore) TopTags(ctx context.Context, limit int) ([]thesis.TagCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT json_each.value AS tag, COUNT(*) AS uses
		FROM theses, json_each(theses.tags)
		GROUP BY tag
		ORDER BY uses DESC, tag
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top tags: %w", err)
	}
	defer rows.Close()

	var counts []thesis.TagCount
	for rows.Next() {
		var tc thesis.TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan tag count: %w", err)
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) Upsert(ctx context.Context, doc thesis.Document) error {
	tags, err := json.Marshal(doc.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	now := time.Now().UTC()
	createdAt := doc.CreatedAt.UTC()
	if doc.CreatedAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO theses (id, title, abstract, tags, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			abstract = excluded.abstract,
			tags = excluded.tags,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Title, doc.Abstract, string(tags), encodeVector(doc.Vector), createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert thesis: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM theses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thesis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete thesis: %w", err)
	}
	if n == 0 {
		return thesis.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM theses`); err != nil {
		return fmt.Errorf("clear theses: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDocument(row rowScanner, withVector bool) (thesis.Document, error) {
	var (
		doc       thesis.Document
		tags      string
		embedding []byte
	)
	if err := row.Scan(&doc.ID, &doc.Title, &doc.Abstract, &tags, &embedding, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return doc, err
		}
		return doc, fmt.Errorf("scan thesis: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return doc, fmt.Errorf("decode tags for %s: %w", doc.ID, err)
	}
	if withVector {
		vec, err := decodeVector(embedding)
		if err != nil {
			return doc, fmt.Errorf("decode embedding for %s: %w", doc.ID, err)
		}
		doc.Vector = vec
	}
	return doc, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

package thesis

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTitleLength    = 300
	MaxAbstractLength = 5000
	MinTags           = 3
	MaxTags           = 5
	MaxTagLength      = 40
)

// Document is a stored thesis with its embedding.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Abstract  string    `json:"abstract"`
	Vector    []float32 `json:"vector,omitempty"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ScoredDocument is a search hit. Vector is always empty.
type ScoredDocument struct {
	Document
	Score float64 `json:"score"`
}

// Source is the citation attached to a chat answer.
type Source struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
	Score float64  `json:"score"`
}

type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// EmbeddingText is the text that gets embedded for a document.
func (d Document) EmbeddingText() string {
	return strings.TrimSpace(d.Title) + "\n\n" + strings.TrimSpace(d.Abstract)
}

func (d Document) WithoutVector() Document {
	d.Vector = nil
	return d
}

// Validate checks the rules every stored document must satisfy. A dimension of zero skips the
// vector length check.
func (d Document) Validate(dimension int) error {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleLength {
		return fmt.Errorf("%w: title has %d characters, max %d", ErrInvalidInput, n, MaxTitleLength)
	}
	abstract := strings.TrimSpace(d.Abstract)
	if abstract == "" {
		return fmt.Errorf("%w: abstract is required", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(abstract); n > MaxAbstractLength {
		return fmt.Errorf("%w: abstract has %d characters, max %d", ErrInvalidInput, n, MaxAbstractLength)
	}
	if len(d.Tags) < MinTags || len(d.Tags) > MaxTags {
		return fmt.Errorf("%w: expected %d-%d tags, got %d", ErrInvalidInput, MinTags, MaxTags, len(d.Tags))
	}
	for _, tag := range d.Tags {
		if tag == "" || utf8.RuneCountInString(tag) > MaxTagLength {
			return fmt.Errorf("%w: invalid tag %q", ErrInvalidInput, tag)
		}
		if tag != strings.ToLower(tag) {
			return fmt.Errorf("%w: tag %q is not lowercase", ErrInvalidInput, tag)
		}
	}
	if dimension > 0 && len(d.Vector) != dimension {
		return fmt.Errorf("%w: vector has %d dimensions, expected %d", ErrInvalidInput, len(d.Vector), dimension)
	}
	return nil
}

// NormalizeTags lowercases, trims, and deduplicates tags while keeping their order.
// Empty and over-long tags are dropped.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.Join(strings.Fields(tag), " "))
		tag = strings.Trim(tag, "#.,;:\"'`")
		if tag == "" || utf8.RuneCountInString(tag) > MaxTagLength {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// SourceFrom builds the citation for a search hit.
func SourceFrom(doc ScoredDocument) Source {
	tags := make([]string, len(doc.Tags))
	copy(tags, doc.Tags)
	return Source{
		ID:    doc.ID,
		Title: doc.Title,
		Tags:  tags,
		Score: doc.Score,
	}
}

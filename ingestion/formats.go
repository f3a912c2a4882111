// Package ingestion loads thesis records from files, tags and embeds them, and
// persists them to the document store and the knowledge graph.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported source file formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatJSON is a single record object or an array of records.
	FormatJSON DocumentFormat = "json"
	// FormatJSONL holds one record object per line.
	FormatJSONL DocumentFormat = "jsonl"
	// FormatCSV has a header row naming title, abstract and optionally tags.
	FormatCSV DocumentFormat = "csv"
	// FormatPDF is a single thesis document.
	FormatPDF DocumentFormat = "pdf"
)

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".csv":
		return FormatCSV
	case ".pdf":
		return FormatPDF
	default:
		return FormatUnknown
	}
}

// Record is a thesis as read from a source file, before tagging and embedding.
type Record struct {
	Title    string   `json:"title"`
	Abstract string   `json:"abstract"`
	Tags     []string `json:"tags,omitempty"`
	// Source is the file the record came from, for logging.
	Source string `json:"-"`
}

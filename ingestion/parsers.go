package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/fabfab/thesis-rag/thesis"
)

// LoadFile reads every record in path according to its extension.
func LoadFile(path string) ([]Record, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unsupported file format: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var records []Record
	switch format {
	case FormatJSON:
		records, err = parseJSON(data)
	case FormatJSONL:
		records, err = parseJSONL(data)
	case FormatCSV:
		records, err = parseCSV(data)
	case FormatPDF:
		var rec Record
		rec, err = parsePDF(data, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		records = []Record{rec}
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i := range records {
		records[i].Source = path
	}
	return records, nil
}

func parseJSON(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var records []Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode json array: %w", err)
		}
		return records, nil
	}
	var rec Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	return []Record{rec}, nil
}

func parseJSONL(data []byte) ([]Record, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var records []Record
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}
	return records, nil
}

func parseCSV(data []byte) ([]Record, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	columns := map[string]int{}
	for i, header := range rows[0] {
		columns[strings.ToLower(strings.TrimSpace(header))] = i
	}
	titleCol, ok := columns["title"]
	if !ok {
		return nil, fmt.Errorf("csv header has no title column")
	}
	abstractCol, ok := columns["abstract"]
	if !ok {
		return nil, fmt.Errorf("csv header has no abstract column")
	}
	tagsCol, hasTags := columns["tags"]

	records := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := Record{
			Title:    cell(row, titleCol),
			Abstract: cell(row, abstractCol),
		}
		if hasTags {
			for _, tag := range strings.Split(cell(row, tagsCol), ";") {
				if tag = strings.TrimSpace(tag); tag != "" {
					rec.Tags = append(rec.Tags, tag)
				}
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func cell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parsePDF(data []byte, fallbackTitle string) (Record, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Record{}, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return Record{}, fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return Record{}, fmt.Errorf("read pdf text: %w", err)
	}

	return recordFromText(buf.String(), fallbackTitle), nil
}

// recordFromText takes the first non-empty line as the title and the text after an
// "Abstract" heading as the abstract, falling back to the first paragraph.
func recordFromText(content, fallbackTitle string) Record {
	content = normalizePlainText(content)

	title := firstNonEmptyLine(content)
	if title == "" {
		title = fallbackTitle
	}

	abstract := abstractSection(content)
	if abstract == "" {
		abstract = leadingParagraph(content, title)
	}

	return Record{Title: title, Abstract: abstract}
}

func abstractSection(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if !isAbstractHeading(lower) {
			continue
		}
		rest := strings.TrimLeft(trimmed[len("abstract"):], " :.-")

		var body []string
		if rest != "" {
			body = append(body, rest)
		}
		for _, next := range lines[i+1:] {
			next = strings.TrimSpace(next)
			if next == "" {
				if len(body) > 0 {
					break
				}
				continue
			}
			body = append(body, next)
		}
		return clip(strings.Join(body, " "))
	}
	return ""
}

func isAbstractHeading(line string) bool {
	const heading = "abstract"
	if !strings.HasPrefix(line, heading) {
		return false
	}
	return len(line) == len(heading) || !unicode.IsLetter(rune(line[len(heading)]))
}

func leadingParagraph(content, title string) string {
	for _, paragraph := range strings.Split(content, "\n\n") {
		p := strings.Join(strings.Fields(paragraph), " ")
		if p == "" || p == title {
			continue
		}
		p = strings.TrimSpace(strings.TrimPrefix(p, title))
		if p != "" {
			return clip(p)
		}
	}
	return ""
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= thesis.MaxAbstractLength {
		return s
	}
	return string(r[:thesis.MaxAbstractLength])
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

package ingestion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/fabfab/thesis-rag/llm"
	"github.com/fabfab/thesis-rag/logging"
	"github.com/fabfab/thesis-rag/thesis"
)

const (
	tagTemperature = 0.2
	tagMaxTokens   = 64
	minKeywordLen  = 4
)

// fallbackTags pad the list when a thesis is too short to yield enough keywords.
var fallbackTags = []string{"research", "thesis", "academic"}

var stopwords = map[string]struct{}{
	"about": {}, "above": {}, "after": {}, "also": {}, "among": {}, "analysis": {},
	"approach": {}, "based": {}, "been": {}, "being": {}, "between": {}, "both": {},
	"could": {}, "does": {}, "during": {}, "each": {}, "from": {}, "have": {},
	"into": {}, "more": {}, "most": {}, "only": {}, "other": {}, "over": {},
	"paper": {}, "present": {}, "results": {}, "show": {}, "shows": {}, "some": {},
	"study": {}, "such": {}, "than": {}, "that": {}, "their": {}, "them": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "those": {},
	"through": {}, "thesis": {}, "under": {}, "using": {}, "very": {}, "well": {},
	"were": {}, "what": {}, "when": {}, "where": {}, "which": {}, "while": {},
	"with": {}, "within": {}, "work": {}, "would": {},
}

// Tagger proposes 3 to 5 lowercase topic tags for a thesis.
type Tagger struct {
	client llm.Client
	logger logging.Logger
}

// NewTagger builds a tagger. A nil client means tags come from keyword frequency only.
func NewTagger(client llm.Client, timeout time.Duration, logger logging.Logger) *Tagger {
	t := &Tagger{logger: logging.OrDiscard(logger)}
	if client != nil {
		t.client = llm.Guard(client, timeout)
	}
	return t
}

// Tags never fails: model problems are logged and keyword extraction fills in.
func (t *Tagger) Tags(ctx context.Context, title, abstract string) []string {
	var tags []string
	if t.client != nil {
		out, err := t.client.Generate(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: "You label academic theses with short topic tags."},
			{Role: llm.RoleUser, Content: tagPrompt(title, abstract)},
		}, llm.GenerateOptions{Temperature: tagTemperature, MaxTokens: tagMaxTokens})
		if err != nil {
			t.logger.Warn("tag generation failed for %q, using keywords: %v", title, err)
		} else {
			tags = parseTagList(out)
		}
	}

	if len(tags) > thesis.MaxTags {
		tags = tags[:thesis.MaxTags]
	}
	if len(tags) < thesis.MinTags {
		tags = pad(tags, keywords(title+" "+abstract))
	}
	if len(tags) < thesis.MinTags {
		tags = pad(tags, fallbackTags)
	}
	return tags
}

func tagPrompt(title, abstract string) string {
	return fmt.Sprintf("Give between %d and %d lowercase topic tags for this thesis, "+
		"separated by commas, with no numbering or explanation.\n\nTitle: %s\nAbstract: %s\n\nTags:",
		thesis.MinTags, thesis.MaxTags, strings.TrimSpace(title), strings.TrimSpace(abstract))
}

func parseTagList(out string) []string {
	out = strings.TrimSpace(out)
	if idx := strings.Index(strings.ToLower(out), "tags:"); idx >= 0 {
		out = out[idx+len("tags:"):]
	}
	parts := strings.FieldsFunc(out, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	})
	for i, p := range parts {
		parts[i] = strings.TrimLeft(strings.TrimSpace(p), "-*0123456789. ")
	}
	return thesis.NormalizeTags(parts)
}

// pad appends candidates not already present until the list reaches MinTags.
func pad(tags, candidates []string) []string {
	out := thesis.NormalizeTags(tags)
	for _, c := range candidates {
		if len(out) >= thesis.MinTags {
			break
		}
		out = thesis.NormalizeTags(append(out, c))
	}
	return out
}

// keywords ranks content words by frequency, breaking ties by first appearance.
func keywords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})

	counts := map[string]int{}
	first := map[string]int{}
	for i, w := range words {
		w = strings.Trim(w, "-")
		if len([]rune(w)) < minKeywordLen {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, seen := first[w]; !seen {
			first[w] = i
		}
		counts[w]++
	}

	ranked := make([]string, 0, len(counts))
	for w := range counts {
		ranked = append(ranked, w)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if counts[ranked[i]] != counts[ranked[j]] {
			return counts[ranked[i]] > counts[ranked[j]]
		}
		return first[ranked[i]] < first[ranked[j]]
	})
	return ranked
}

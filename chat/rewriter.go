package chat

import (
	"context"
	"strings"
	"time"

	"github.com/fabfab/thesis-rag/llm"
	"github.com/fabfab/thesis-rag/logging"
	"github.com/fabfab/thesis-rag/thesis"
)

const (
	rewriteHistoryTurns = 3
	rewriteTemperature  = 0.2
	rewriteMaxTokens    = 64
	minRewriteLength    = 3
)

// Rewriter turns a conversational message into a standalone search query.
// It never fails: any problem yields the original message.
type Rewriter struct {
	client llm.Client
	logger logging.Logger
}

// NewRewriter builds a rewriter; a nil client disables rewriting.
func NewRewriter(client llm.Client, timeout time.Duration, logger logging.Logger) *Rewriter {
	r := &Rewriter{logger: logging.OrDiscard(logger)}
	if client != nil {
		r.client = llm.Guard(client, timeout)
	}
	return r
}

func (r *Rewriter) Rewrite(ctx context.Context, utterance string, history thesis.History) string {
	if r == nil || r.client == nil {
		return utterance
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: rewriteSystemPrompt()},
		{Role: llm.RoleUser, Content: formatRewritePrompt(utterance, history.Last(rewriteHistoryTurns))},
	}
	out, err := r.client.Generate(ctx, messages, llm.GenerateOptions{
		Temperature: rewriteTemperature,
		MaxTokens:   rewriteMaxTokens,
	})
	if err != nil {
		r.logger.Warn("query rewrite failed, using original message: %v", err)
		return utterance
	}

	query := cleanQuery(out)
	if len([]rune(query)) < minRewriteLength {
		r.logger.Warn("query rewrite too short (%q), using original message", query)
		return utterance
	}
	r.logger.Debug("rewrote %q as %q", utterance, query)
	return query
}

var queryLabels = []string{"standalone search query:", "search query:", "rewritten query:", "query:"}

func cleanQuery(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	lower := strings.ToLower(s)
	for _, label := range queryLabels {
		if strings.HasPrefix(lower, label) {
			s = strings.TrimSpace(s[len(label):])
			break
		}
	}
	for {
		trimmed := trimQuotes(s)
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

var quotePairs = [][2]string{{`"`, `"`}, {`'`, `'`}, {"`", "`"}, {"“", "”"}, {"‘", "’"}, {"«", "»"}}

func trimQuotes(s string) string {
	for _, q := range quotePairs {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			return strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
		}
	}
	return s
}

package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fabfab/thesis-rag/llm"
	"github.com/fabfab/thesis-rag/logging"
	"github.com/fabfab/thesis-rag/search"
	"github.com/fabfab/thesis-rag/thesis"
)

// Retriever is the part of search.Engine the chat service uses.
type Retriever interface {
	Search(ctx context.Context, query []float32, opts search.SearchOptions) ([]thesis.ScoredDocument, error)
	Get(ctx context.Context, id string) (thesis.Document, error)
}

type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TagCounter reports the most used tags. Stores and the knowledge graph implement it.
type TagCounter interface {
	TopTags(ctx context.Context, limit int) ([]thesis.TagCount, error)
}

type Config struct {
	TopK         int
	Threshold    float64
	HistoryTurns int

	AnswerTemperature float64
	AnswerMaxTokens   int
	SummaryMaxTokens  int
	SuggestionCount   int

	GenerationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 10
	}
	if c.AnswerTemperature == 0 {
		c.AnswerTemperature = 0.7
	}
	if c.AnswerMaxTokens <= 0 {
		c.AnswerMaxTokens = 1024
	}
	if c.SummaryMaxTokens <= 0 {
		c.SummaryMaxTokens = 256
	}
	if c.SuggestionCount <= 0 {
		c.SuggestionCount = 4
	}
	return c
}

// Service answers chat messages from retrieved theses. Without a language model it
// still serves suggestions; answers and summaries fail with thesis.ErrGenerationService.
type Service struct {
	retriever Retriever
	embedder  QueryEmbedder
	rewriter  *Rewriter
	llm       llm.Client
	tags      TagCounter
	cfg       Config
	logger    logging.Logger
}

func NewService(
	retriever Retriever,
	embedder QueryEmbedder,
	rewriter *Rewriter,
	llmClient llm.Client,
	tags TagCounter,
	cfg Config,
	logger logging.Logger,
) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		retriever: retriever,
		embedder:  embedder,
		rewriter:  rewriter,
		tags:      tags,
		cfg:       cfg,
		logger:    logging.OrDiscard(logger),
	}
	if llmClient != nil {
		s.llm = llm.Guard(llmClient, cfg.GenerationTimeout)
	}
	return s
}

// errNoModel is returned by generation steps when the service was built without a client.
var errNoModel = fmt.Errorf("%w: no language model configured", thesis.ErrGenerationService)

func (s *Service) generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	if s.llm == nil {
		return "", errNoModel
	}
	return s.llm.Generate(ctx, messages, opts)
}

// ProcessMessage runs one chat turn: rewrite, retrieve, build context, generate.
// The returned history is a new value; the one passed in is left untouched.
func (s *Service) ProcessMessage(ctx context.Context, message string, history thesis.History) (thesis.ChatResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return thesis.ChatResult{}, fmt.Errorf("%w: message cannot be empty", thesis.ErrInvalidInput)
	}

	query := s.rewriter.Rewrite(ctx, message, history)

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return thesis.ChatResult{}, fmt.Errorf("%w: embed query: %w", thesis.ErrChatProcessingFailed, err)
	}

	docs, err := s.retriever.Search(ctx, vec, search.SearchOptions{
		Limit:     s.cfg.TopK,
		Threshold: s.cfg.Threshold,
	})
	if err != nil {
		return thesis.ChatResult{}, fmt.Errorf("%w: retrieve theses: %w", thesis.ErrChatProcessingFailed, err)
	}

	userTurn := thesis.Turn{Role: thesis.RoleUser, Content: message}
	if len(docs) == 0 {
		s.logger.Info("no theses above %.2f for %q, returning canned answer", s.cfg.Threshold, query)
		return thesis.ChatResult{
			Answer:  NoResultsAnswer,
			Sources: []thesis.Source{},
			History: history.Append(userTurn),
		}, nil
	}

	answer, err := s.generate(ctx, s.buildMessages(message, history, docs), llm.GenerateOptions{
		Temperature: s.cfg.AnswerTemperature,
		MaxTokens:   s.cfg.AnswerMaxTokens,
	})
	if err != nil {
		return thesis.ChatResult{}, fmt.Errorf("%w: generate answer: %w", thesis.ErrChatProcessingFailed, err)
	}

	sources := make([]thesis.Source, len(docs))
	for i, doc := range docs {
		sources[i] = thesis.SourceFrom(doc)
	}

	return thesis.ChatResult{
		Answer:  answer,
		Sources: sources,
		History: history.Append(userTurn, thesis.Turn{Role: thesis.RoleAssistant, Content: answer}),
	}, nil
}

func (s *Service) buildMessages(message string, history thesis.History, docs []thesis.ScoredDocument) []llm.Message {
	prior := history.Last(s.cfg.HistoryTurns)
	messages := make([]llm.Message, 0, len(prior)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt()})
	for _, turn := range prior {
		role := llm.RoleUser
		if turn.Role == thesis.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: formatUserPrompt(message, buildContextPrompt(docs)),
	})
	return messages
}

// SuggestedQuestions proposes starter questions built from the most used tags.
// It always returns a full list, falling back to generic questions.
func (s *Service) SuggestedQuestions(ctx context.Context) []string {
	n := s.cfg.SuggestionCount
	out := make([]string, 0, n)

	if s.tags != nil {
		counts, err := s.tags.TopTags(ctx, n)
		if err != nil {
			s.logger.Warn("load top tags for suggestions: %v", err)
		}
		for i, tc := range counts {
			if len(out) == n {
				break
			}
			out = append(out, fmt.Sprintf(suggestionTemplates[i%len(suggestionTemplates)], tc.Tag))
		}
	}

	for _, q := range genericSuggestions {
		if len(out) == n {
			break
		}
		out = append(out, q)
	}
	return out
}

// Summarize writes a short plain-language summary of one thesis.
func (s *Service) Summarize(ctx context.Context, id string) (string, error) {
	doc, err := s.retriever.Get(ctx, id)
	if err != nil {
		return "", err
	}

	summary, err := s.generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: summaryPrompt(doc)},
	}, llm.GenerateOptions{
		Temperature: 0.3,
		MaxTokens:   s.cfg.SummaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", id, err)
	}
	return summary, nil
}

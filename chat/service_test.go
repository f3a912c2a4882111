package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fabfab/thesis-rag/llm"
	"github.com/fabfab/thesis-rag/search"
	"github.com/fabfab/thesis-rag/thesis"
)

type stubRetriever struct {
	docs     []thesis.ScoredDocument
	err      error
	lastOpts search.SearchOptions
	byID     map[string]thesis.Document
}

func (s *stubRetriever) Search(ctx context.Context, query []float32, opts search.SearchOptions) ([]thesis.ScoredDocument, error) {
	s.lastOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return s.docs, nil
}

func (s *stubRetriever) Get(ctx context.Context, id string) (thesis.Document, error) {
	doc, ok := s.byID[id]
	if !ok {
		return thesis.Document{}, thesis.ErrNotFound
	}
	return doc, nil
}

var _ Retriever = (*stubRetriever)(nil)

type stubEmbedder struct {
	texts []string
	err   error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.texts = append(s.texts, text)
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0, 0}, nil
}

// scriptedLLM answers rewrite prompts and answer prompts separately.
type scriptedLLM struct {
	rewrite    string
	rewriteErr error
	answer     string
	answerErr  error

	rewriteCalls int
	answerCalls  int
	lastAnswer   []llm.Message
	lastOpts     llm.GenerateOptions
}

func (s *scriptedLLM) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("no messages provided")
	}
	if messages[0].Role == llm.RoleSystem && strings.Contains(messages[0].Content, "standalone search queries") {
		s.rewriteCalls++
		return s.rewrite, s.rewriteErr
	}
	s.answerCalls++
	s.lastAnswer = messages
	s.lastOpts = opts
	return s.answer, s.answerErr
}

var _ llm.Client = (*scriptedLLM)(nil)

type stubTags struct {
	counts []thesis.TagCount
	err    error
}

func (s *stubTags) TopTags(ctx context.Context, limit int) ([]thesis.TagCount, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.counts) > limit {
		return s.counts[:limit], nil
	}
	return s.counts, nil
}

func sampleDocs() []thesis.ScoredDocument {
	return []thesis.ScoredDocument{
		{Document: thesis.Document{ID: "d1", Title: "Deep Learning in Healthcare", Abstract: "CNNs for radiology.", Tags: []string{"healthcare", "deep learning", "radiology"}}, Score: 0.91},
		{Document: thesis.Document{ID: "d2", Title: "AI Triage Systems", Abstract: "Emergency triage with ML.", Tags: []string{"healthcare", "triage", "ai"}}, Score: 0.74},
	}
}

func newTestService(retriever *stubRetriever, embedder *stubEmbedder, client *scriptedLLM, tags TagCounter) *Service {
	return NewService(retriever, embedder, NewRewriter(client, 0, nil), client, tags, Config{TopK: 5, Threshold: 0.3}, nil)
}

func TestProcessMessageAnswersWithSources(t *testing.T) {
	retriever := &stubRetriever{docs: sampleDocs()}
	embedder := &stubEmbedder{}
	client := &scriptedLLM{rewrite: "AI applications in healthcare", answer: "Two theses cover this [1][2]."}
	svc := newTestService(retriever, embedder, client, nil)

	history := thesis.History{}.Append(
		thesis.Turn{Role: thesis.RoleUser, Content: "hi"},
		thesis.Turn{Role: thesis.RoleAssistant, Content: "hello"},
	)
	result, err := svc.ProcessMessage(context.Background(), "  what about AI in hospitals? ", history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Answer != "Two theses cover this [1][2]." {
		t.Fatalf("unexpected answer: %q", result.Answer)
	}
	if len(result.Sources) != 2 || result.Sources[0].ID != "d1" || result.Sources[1].ID != "d2" {
		t.Fatalf("sources should mirror retrieval order, got %+v", result.Sources)
	}
	if result.Sources[0].Score != 0.91 {
		t.Fatalf("expected score 0.91, got %v", result.Sources[0].Score)
	}
	if len(result.History) != 4 || result.History[2].Content != "what about AI in hospitals?" || result.History[3].Role != thesis.RoleAssistant {
		t.Fatalf("unexpected history: %+v", result.History)
	}
	if len(history) != 2 {
		t.Fatalf("input history was mutated: %+v", history)
	}

	if len(embedder.texts) != 1 || embedder.texts[0] != "AI applications in healthcare" {
		t.Fatalf("retrieval should use the rewritten query, got %v", embedder.texts)
	}
	if retriever.lastOpts.Limit != 5 || retriever.lastOpts.Threshold != 0.3 {
		t.Fatalf("unexpected retrieval options: %+v", retriever.lastOpts)
	}

	msgs := client.lastAnswer
	if msgs[0].Role != llm.RoleSystem {
		t.Fatalf("first message should be the system prompt")
	}
	if len(msgs) != 4 || msgs[1].Content != "hi" || msgs[2].Role != llm.RoleAssistant {
		t.Fatalf("prior turns missing from prompt: %+v", msgs)
	}
	final := msgs[len(msgs)-1].Content
	if !strings.Contains(final, "what about AI in hospitals?") {
		t.Fatalf("answer prompt should carry the original message, got %q", final)
	}
	if strings.Contains(final, "AI applications in healthcare") {
		t.Fatalf("answer prompt should not carry the rewritten query")
	}
	if !strings.Contains(final, "[1] Title: Deep Learning in Healthcare") || !strings.Contains(final, "[2] Title: AI Triage Systems") {
		t.Fatalf("context block should number documents in order, got %q", final)
	}
	if client.lastOpts.Temperature != 0.7 || client.lastOpts.MaxTokens != 1024 {
		t.Fatalf("unexpected generation options: %+v", client.lastOpts)
	}
}

func TestProcessMessageEmptyRetrieval(t *testing.T) {
	client := &scriptedLLM{rewrite: "quantum computing research", answer: "should not be used"}
	svc := newTestService(&stubRetriever{}, &stubEmbedder{}, client, nil)

	result, err := svc.ProcessMessage(context.Background(), "tell me about quantum stuff", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer == "" || result.Answer != NoResultsAnswer {
		t.Fatalf("expected canned answer, got %q", result.Answer)
	}
	if result.Sources == nil || len(result.Sources) != 0 {
		t.Fatalf("expected empty, non-nil sources, got %#v", result.Sources)
	}
	if client.answerCalls != 0 {
		t.Fatalf("generation should not run on empty retrieval, got %d calls", client.answerCalls)
	}
	if len(result.History) != 1 || result.History[0].Role != thesis.RoleUser {
		t.Fatalf("only the user turn should be appended, got %+v", result.History)
	}
}

func TestProcessMessageRewriteFailureUsesOriginal(t *testing.T) {
	embedder := &stubEmbedder{}
	client := &scriptedLLM{rewriteErr: errors.New("upstream outage"), answer: "answer"}
	svc := newTestService(&stubRetriever{docs: sampleDocs()}, embedder, client, nil)

	if _, err := svc.ProcessMessage(context.Background(), "AI healthcare", thesis.History{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(embedder.texts) != 1 || embedder.texts[0] != "AI healthcare" {
		t.Fatalf("expected literal message as embedding input, got %v", embedder.texts)
	}
	if client.rewriteCalls != 1 {
		t.Fatalf("expected one rewrite attempt, got %d", client.rewriteCalls)
	}
}

func TestProcessMessageFailures(t *testing.T) {
	ctx := context.Background()

	svc := newTestService(&stubRetriever{}, &stubEmbedder{}, &scriptedLLM{}, nil)
	if _, err := svc.ProcessMessage(ctx, "   ", nil); !errors.Is(err, thesis.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	svc = newTestService(&stubRetriever{}, &stubEmbedder{err: thesis.ErrEmbeddingService}, &scriptedLLM{rewrite: "q q q"}, nil)
	_, err := svc.ProcessMessage(ctx, "question", nil)
	if !errors.Is(err, thesis.ErrChatProcessingFailed) || !errors.Is(err, thesis.ErrEmbeddingService) {
		t.Fatalf("expected wrapped embedding failure, got %v", err)
	}

	svc = newTestService(&stubRetriever{err: thesis.ErrRetrievalFailure}, &stubEmbedder{}, &scriptedLLM{rewrite: "q q q"}, nil)
	_, err = svc.ProcessMessage(ctx, "question", nil)
	if !errors.Is(err, thesis.ErrChatProcessingFailed) || !errors.Is(err, thesis.ErrRetrievalFailure) {
		t.Fatalf("expected wrapped retrieval failure, got %v", err)
	}

	svc = newTestService(&stubRetriever{docs: sampleDocs()}, &stubEmbedder{}, &scriptedLLM{rewrite: "q q q", answerErr: errors.New("503")}, nil)
	_, err = svc.ProcessMessage(ctx, "question", nil)
	if !errors.Is(err, thesis.ErrChatProcessingFailed) || !errors.Is(err, thesis.ErrGenerationService) {
		t.Fatalf("expected wrapped generation failure, got %v", err)
	}
}

func TestSuggestedQuestions(t *testing.T) {
	svc := newTestService(&stubRetriever{}, &stubEmbedder{}, &scriptedLLM{}, &stubTags{counts: []thesis.TagCount{
		{Tag: "machine learning", Count: 9},
		{Tag: "sustainability", Count: 4},
	}})

	got := svc.SuggestedQuestions(context.Background())
	if len(got) != 4 {
		t.Fatalf("expected 4 suggestions, got %d", len(got))
	}
	if got[0] != "What research has been done on machine learning?" || got[1] != "Which theses explore sustainability?" {
		t.Fatalf("unexpected tag suggestions: %v", got)
	}
	if got[2] != genericSuggestions[0] {
		t.Fatalf("expected generic padding, got %q", got[2])
	}

	failing := newTestService(&stubRetriever{}, &stubEmbedder{}, &scriptedLLM{}, &stubTags{err: errors.New("down")})
	if got := failing.SuggestedQuestions(context.Background()); len(got) != 4 || got[0] != genericSuggestions[0] {
		t.Fatalf("expected generic suggestions on error, got %v", got)
	}
}

func TestSummarize(t *testing.T) {
	retriever := &stubRetriever{byID: map[string]thesis.Document{
		"d1": {ID: "d1", Title: "Deep Learning in Healthcare", Abstract: "CNNs for radiology.", Tags: []string{"healthcare"}},
	}}
	client := &scriptedLLM{answer: "  A thesis about radiology models.  "}
	svc := newTestService(retriever, &stubEmbedder{}, client, nil)

	summary, err := svc.Summarize(context.Background(), "d1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != "A thesis about radiology models." {
		t.Fatalf("unexpected summary %q", summary)
	}
	if !strings.Contains(client.lastAnswer[0].Content, "CNNs for radiology.") {
		t.Fatalf("summary prompt should include the abstract")
	}

	if _, err := svc.Summarize(context.Background(), "missing"); !errors.Is(err, thesis.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	client.answerErr = errors.New("timeout")
	if _, err := svc.Summarize(context.Background(), "d1"); !errors.Is(err, thesis.ErrGenerationService) {
		t.Fatalf("expected generation error, got %v", err)
	}
}

func TestServiceWithoutLanguageModel(t *testing.T) {
	retriever := &stubRetriever{docs: sampleDocs(), byID: map[string]thesis.Document{
		"d1": {ID: "d1", Title: "Deep Learning in Healthcare", Abstract: "CNNs for radiology.", Tags: []string{"healthcare"}},
	}}
	tags := &stubTags{counts: []thesis.TagCount{{Tag: "robotics", Count: 2}}}
	svc := NewService(retriever, &stubEmbedder{}, NewRewriter(nil, 0, nil), nil, tags, Config{}, nil)

	got := svc.SuggestedQuestions(context.Background())
	if len(got) != 4 || got[0] != "What research has been done on robotics?" {
		t.Fatalf("expected tag suggestions without a model, got %v", got)
	}

	if _, err := svc.Summarize(context.Background(), "d1"); !errors.Is(err, thesis.ErrGenerationService) {
		t.Fatalf("expected generation error, got %v", err)
	}

	_, err := svc.ProcessMessage(context.Background(), "robot grasping", nil)
	if !errors.Is(err, thesis.ErrChatProcessingFailed) || !errors.Is(err, thesis.ErrGenerationService) {
		t.Fatalf("expected wrapped generation error, got %v", err)
	}
}

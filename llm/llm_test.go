package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fabfab/thesis-rag/config"
	"github.com/fabfab/thesis-rag/thesis"
)

func TestNewClientDefaults(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOllama,
			Model:    "llama3.1:8b",
		},
		OllamaHost: "http://localhost:11434",
	}

	client, err := NewClient(cfg)
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestNewClientRequiresAPIKeys(t *testing.T) {
	for _, provider := range []string{config.ProviderOpenAI, config.ProviderGroq, config.ProviderAnthropic} {
		cfg := config.Config{LLM: config.LLMConfig{Provider: provider, Model: "m"}}
		_, err := NewClient(cfg)
		assert.Error(t, err, provider)
	}
}

func TestNewClientHostedProviders(t *testing.T) {
	cfg := config.Config{
		LLM:             config.LLMConfig{Provider: config.ProviderGroq, Model: "llama-3.1-8b-instant"},
		GroqAPIKey:      "gsk_test",
		AnthropicAPIKey: "sk-ant-test",
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	assert.IsType(t, &openAIClient{}, client)

	cfg.LLM = config.LLMConfig{Provider: config.ProviderAnthropic, Model: "claude-3-5-haiku-latest"}
	client, err = NewClient(cfg)
	require.NoError(t, err)
	assert.IsType(t, &langChainClient{}, client)
}

func TestOllamaClientSendsOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.NotNil(t, req.Options)
		require.NotNil(t, req.Options.Temperature)
		assert.InDelta(t, 0.2, *req.Options.Temperature, 1e-9)
		assert.Equal(t, 64, req.Options.NumPredict)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaChatMessage{Role: RoleAssistant, Content: "graph neural networks"},
			Done:    true,
		})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL, Model: "llama3.1:8b"})
	out, err := client.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "rewrite"},
		{Role: RoleUser, Content: "gnn stuff"},
	}, GenerateOptions{Temperature: 0.2, MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "graph neural networks", out)
}

func TestOllamaClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not loaded"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL, Model: "x"})
	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestOpenAIClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req["model"])
		assert.EqualValues(t, 200, req["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "A short summary."}, "finish_reason": "stop"}]
		}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(Options{Model: "gpt-4o-mini", OpenAIAPIKey: "test", OpenAIBaseURL: srv.URL + "/v1"})
	out, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "summarize"}}, GenerateOptions{Temperature: 0.3, MaxTokens: 200})
	require.NoError(t, err)
	assert.Equal(t, "A short summary.", out)
}

type mockModel struct {
	messages []llms.MessageContent
	opts     llms.CallOptions
	response string
	err      error
}

func (m *mockModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, opt := range options {
		opt(&m.opts)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.response}}}, nil
}

func (m *mockModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestLangChainClientMapsRoles(t *testing.T) {
	model := &mockModel{response: "answer"}
	client := NewLangChainClient(model)

	out, err := client.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "question"},
		{Role: RoleAssistant, Content: "earlier answer"},
	}, GenerateOptions{Temperature: 0.7, MaxTokens: 1024})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)

	require.Len(t, model.messages, 3)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.messages[2].Role)
	assert.InDelta(t, 0.7, model.opts.Temperature, 1e-9)
	assert.Equal(t, 1024, model.opts.MaxTokens)
}

type stubClient struct {
	out   string
	err   error
	block bool
}

func (s *stubClient) Generate(ctx context.Context, _ []Message, _ GenerateOptions) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.out, s.err
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	msgs := []Message{{Role: RoleUser, Content: "hi"}}

	out, err := Guard(&stubClient{out: "  hello \n"}, time.Second).Generate(ctx, msgs, GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = Guard(&stubClient{err: errors.New("503")}, time.Second).Generate(ctx, msgs, GenerateOptions{})
	assert.True(t, errors.Is(err, thesis.ErrGenerationService))

	_, err = Guard(&stubClient{out: "   "}, time.Second).Generate(ctx, msgs, GenerateOptions{})
	assert.True(t, errors.Is(err, thesis.ErrGenerationService))

	_, err = Guard(&stubClient{block: true}, 10*time.Millisecond).Generate(ctx, msgs, GenerateOptions{})
	assert.True(t, errors.Is(err, thesis.ErrGenerationService))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms/anthropic"

	"github.com/fabfab/thesis-rag/config"
	"github.com/fabfab/thesis-rag/thesis"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

type Message struct {
	Role    string
	Content string
}

// GenerateOptions tunes a single completion. Zero values leave the provider default.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

type Client interface {
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)
}

type Options struct {
	Provider string
	Model    string

	OllamaHost      string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GroqAPIKey      string
	AnthropicAPIKey string
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		OllamaHost:      cfg.OllamaHost,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		GroqAPIKey:      cfg.GroqAPIKey,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	case config.ProviderGroq:
		if opts.GroqAPIKey == "" {
			return nil, fmt.Errorf("groq provider selected but GROQ_API_KEY not set")
		}
		return NewOpenAIClient(Options{
			Model:         opts.Model,
			OpenAIAPIKey:  opts.GroqAPIKey,
			OpenAIBaseURL: groqBaseURL,
		}), nil
	case config.ProviderAnthropic:
		if opts.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic provider selected but ANTHROPIC_API_KEY not set")
		}
		model, err := anthropic.New(
			anthropic.WithToken(opts.AnthropicAPIKey),
			anthropic.WithModel(opts.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic client: %w", err)
		}
		return NewLangChainClient(model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}

type guardedClient struct {
	next    Client
	timeout time.Duration
}

// Guard bounds every call with timeout and reports failures, including empty
// completions, as thesis.ErrGenerationService.
func Guard(next Client, timeout time.Duration) Client {
	return &guardedClient{next: next, timeout: timeout}
}

func (c *guardedClient) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.next.Generate(ctx, messages, opts)
	if err != nil {
		return "", fmt.Errorf("%w: %w", thesis.ErrGenerationService, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%w: empty completion", thesis.ErrGenerationService)
	}
	return out, nil
}

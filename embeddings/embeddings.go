package embeddings

import (
	"context"
	"fmt"

	"github.com/fabfab/thesis-rag/config"
)

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NativeCapability is implemented by embedders that can report whether they call a
// real embedding model.
type NativeCapability interface {
	SupportsNativeEmbeddings() bool
}

type Options struct {
	Provider string
	Model    string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	case config.ProviderGroq, config.ProviderAnthropic:
		return nil, fmt.Errorf("%s has no embedding endpoint; set EMBEDDING_PROVIDER to ollama or openai", opts.Provider)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

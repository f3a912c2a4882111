package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderGroq      = "groq"
	ProviderAnthropic = "anthropic"

	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	StoreBackend string `yaml:"store_backend"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	SQLitePath   string `yaml:"sqlite_path"`

	Neo4jEnabled bool   `yaml:"neo4j_enabled"`
	Neo4jURI     string `yaml:"neo4j_uri"`
	Neo4jUser    string `yaml:"neo4j_username"`
	Neo4jPass    string `yaml:"neo4j_password"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	CacheTTL      time.Duration `yaml:"embedding_cache_ttl"`

	Embeddings EmbeddingConfig `yaml:"embeddings"`
	LLM        LLMConfig       `yaml:"llm"`

	OllamaHost      string `yaml:"ollama_host"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	GroqAPIKey      string `yaml:"groq_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	Search   SearchConfig  `yaml:"search"`
	RAG      RAGConfig     `yaml:"rag"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Ingest   IngestConfig  `yaml:"ingest"`

	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// SearchConfig holds the defaults for standalone semantic search.
type SearchConfig struct {
	Limit               int     `yaml:"limit"`
	Threshold           float64 `yaml:"threshold"`
	CandidateMultiplier int     `yaml:"candidate_multiplier"`
}

// RAGConfig holds the retrieval knobs used by chat. Its threshold is tuned
// separately from SearchConfig.Threshold.
type RAGConfig struct {
	TopK         int     `yaml:"top_k"`
	Threshold    float64 `yaml:"threshold"`
	HistoryTurns int     `yaml:"history_turns"`
}

type TimeoutConfig struct {
	Embedding  time.Duration `yaml:"embedding"`
	Generation time.Duration `yaml:"generation"`
	Store      time.Duration `yaml:"store"`
}

type IngestConfig struct {
	Concurrency int     `yaml:"concurrency"`
	RatePerSec  float64 `yaml:"rate"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		StoreBackend: BackendPostgres,
		PostgresDSN:  "postgres://localhost:5432/thesis_rag?sslmode=disable",
		SQLitePath:   "thesis.db",
		Neo4jURI:     "neo4j://localhost:7687",
		Neo4jUser:    "neo4j",
		Neo4jPass:    "password",
		CacheTTL:     24 * time.Hour,
		Embeddings: EmbeddingConfig{
			Provider:  ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		LLM: LLMConfig{
			Provider: ProviderOllama,
			Model:    "llama3.1:8b",
		},
		OllamaHost: "http://localhost:11434",
		Search: SearchConfig{
			Limit:               10,
			Threshold:           0.5,
			CandidateMultiplier: 10,
		},
		RAG: RAGConfig{
			TopK:         5,
			Threshold:    0.3,
			HistoryTurns: 10,
		},
		Timeouts: TimeoutConfig{
			Embedding:  30 * time.Second,
			Generation: 60 * time.Second,
			Store:      10 * time.Second,
		},
		Ingest: IngestConfig{
			Concurrency: 4,
			RatePerSec:  5,
		},
		HTTPAddr: ":8080",
		LogLevel: "info",
	}
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE (if set),
// then environment variables, each layer overriding the previous one.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", c.StoreBackend))
	c.PostgresDSN = getEnv("POSTGRES_DSN", c.PostgresDSN)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.Neo4jURI = getEnv("NEO4J_URI", c.Neo4jURI)
	c.Neo4jUser = getEnv("NEO4J_USERNAME", c.Neo4jUser)
	c.Neo4jPass = getEnv("NEO4J_PASSWORD", c.Neo4jPass)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.Embeddings.Provider = strings.ToLower(getEnv("EMBEDDING_PROVIDER", c.Embeddings.Provider))
	c.Embeddings.Model = getEnv("EMBEDDING_MODEL", c.Embeddings.Model)
	c.LLM.Provider = strings.ToLower(getEnv("LLM_PROVIDER", c.LLM.Provider))
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.OllamaHost = getEnv("OLLAMA_HOST", c.OllamaHost)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.GroqAPIKey = getEnv("GROQ_API_KEY", c.GroqAPIKey)
	c.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(envBool("NEO4J_ENABLED", &c.Neo4jEnabled))
	collect(envInt("REDIS_DB", &c.RedisDB))
	collect(envDuration("EMBEDDING_CACHE_TTL", &c.CacheTTL))
	collect(envInt("EMBEDDING_DIMENSION", &c.Embeddings.Dimension))
	collect(envInt("SEARCH_LIMIT", &c.Search.Limit))
	collect(envFloat("SEARCH_THRESHOLD", &c.Search.Threshold))
	collect(envInt("CANDIDATE_MULTIPLIER", &c.Search.CandidateMultiplier))
	collect(envInt("RAG_TOP_K", &c.RAG.TopK))
	collect(envFloat("RAG_THRESHOLD", &c.RAG.Threshold))
	collect(envInt("RAG_HISTORY_TURNS", &c.RAG.HistoryTurns))
	collect(envDuration("EMBEDDING_TIMEOUT", &c.Timeouts.Embedding))
	collect(envDuration("GENERATION_TIMEOUT", &c.Timeouts.Generation))
	collect(envDuration("STORE_TIMEOUT", &c.Timeouts.Store))
	collect(envInt("INGEST_CONCURRENCY", &c.Ingest.Concurrency))
	collect(envFloat("INGEST_RATE", &c.Ingest.RatePerSec))
	return errors.Join(errs...)
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres, BackendSQLite:
	default:
		return fmt.Errorf("unsupported store backend %q", c.StoreBackend)
	}
	switch c.Embeddings.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("unsupported embedding provider %q", c.Embeddings.Provider)
	}
	switch c.LLM.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderGroq, ProviderAnthropic:
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	if c.Search.Limit <= 0 || c.RAG.TopK <= 0 {
		return fmt.Errorf("search limit and rag top_k must be positive")
	}
	if c.Search.CandidateMultiplier <= 0 {
		return fmt.Errorf("candidate multiplier must be positive, got %d", c.Search.CandidateMultiplier)
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest concurrency must be positive, got %d", c.Ingest.Concurrency)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func envInt(key string, dst *int) error {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envFloat(key string, dst *float64) error {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envBool(key string, dst *bool) error {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

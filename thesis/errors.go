package thesis

import "errors"

var (
	// ErrEmbeddingService is returned when the embedding provider fails or times out.
	ErrEmbeddingService = errors.New("embedding service error")
	// ErrGenerationService is returned when the text-generation provider fails or times out.
	ErrGenerationService = errors.New("generation service error")
	// ErrIndexUnavailable signals that the store's vector index cannot serve a query.
	ErrIndexUnavailable = errors.New("vector index unavailable")
	// ErrRetrievalFailure is returned when neither the indexed nor the manual search path succeeds.
	ErrRetrievalFailure = errors.New("retrieval failed")
	ErrNotFound         = errors.New("document not found")
	// ErrChatProcessingFailed wraps a fatal failure inside the chat pipeline.
	ErrChatProcessingFailed = errors.New("chat processing failed")
	ErrInvalidInput         = errors.New("invalid input")
)

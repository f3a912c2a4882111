package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// langChainClient adapts any langchaingo model, used for providers without an
// OpenAI-compatible endpoint.
type langChainClient struct {
	model llms.Model
}

func NewLangChainClient(model llms.Model) Client {
	return &langChainClient{model: model}
}

func (c *langChainClient) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		content = append(content, llms.TextParts(chatMessageType(msg.Role), msg.Content))
	}

	var callOpts []llms.CallOption
	if opts.Temperature != 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	resp, err := c.model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}

func chatMessageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

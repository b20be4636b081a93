// DeepSeek Provider implementation using go-openai library.
//
// Information Hiding:
// - Uses OpenAI-compatible API with different base URL
// - Supports deepseek-chat and deepseek-reasoner models
// - JSON schema requests downgraded to JSON object mode

package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// DeepSeekProvider implements the Provider interface for DeepSeek.
type DeepSeekProvider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewDeepSeekProvider creates a new DeepSeek provider.
func NewDeepSeekProvider(apiKey, model string, maxTokens uint32, temperature float32) *DeepSeekProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = deepseekBaseURL

	return &DeepSeekProvider{
		client:      openai.NewClientWithConfig(config),
		model:       model,
		maxTokens:   int(maxTokens),
		temperature: temperature,
	}
}

// Name returns the provider name.
func (p *DeepSeekProvider) Name() string {
	return "deepseek"
}

// Model returns the current model.
func (p *DeepSeekProvider) Model() string {
	return p.model
}

// Complete sends a chat completion request with optional response format.
func (p *DeepSeekProvider) Complete(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (LLMResponse, error) {
	// DeepSeek only knows json_object; the word "json" must appear in the prompt.
	if format != nil && format.Type == ResponseFormatJSONSchema {
		format = NewJSONObjectFormat()
	}
	if format.IsJSON() {
		messages = append([]ChatMessage{SystemMessage(jsonOnlyInstruction)}, messages...)
	}

	req := openai.ChatCompletionRequest{
		Model:               p.model,
		Messages:            convertToOpenAIMessages(messages),
		MaxCompletionTokens: p.maxTokens,
		Temperature:         p.temperature,
		ResponseFormat:      convertToOpenAIFormat(format),
	}
	return createOpenAICompletion(ctx, p.client, req)
}

// Verify DeepSeekProvider implements Provider
var _ Provider = (*DeepSeekProvider)(nil)

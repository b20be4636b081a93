// LLMClient - Simple wrapper around providers.

package llm

import (
	"context"
	"fmt"

	ijson "github.com/richinex/urlverify/internal/json"
)

// Client wraps a Provider with a simple interface.
type Client struct {
	provider Provider
}

// NewClient creates a new LLM client from a provider.
func NewClient(provider Provider) *Client {
	return &Client{provider: provider}
}

// Ask sends prompt as a single user message and decodes the JSON object
// in the answer. Fields beyond those the caller reads are ignored.
func (c *Client) Ask(ctx context.Context, prompt string, format *ResponseFormat) (map[string]any, error) {
	if format == nil {
		format = NewJSONObjectFormat()
	}
	response, err := c.provider.Complete(ctx, []ChatMessage{UserMessage(prompt)}, format)
	if err != nil {
		return nil, err
	}

	answer, err := ijson.ExtractObject(response.Content)
	if err != nil {
		return nil, fmt.Errorf("%s answer: %w", c.provider.Name(), err)
	}
	return answer, nil
}

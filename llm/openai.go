// ABOUTME: Chat Completions client with base URL support for OpenAI-compatible providers.
// ABOUTME: Uses /v1/chat/completions, the endpoint every compatible gateway actually serves.
package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements Client over the OpenAI Chat Completions API.
// A custom base URL points it at compatible providers (Cerebras, OpenRouter,
// Cloudflare AI Gateway, etc.).
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a Chat Completions client. An empty model selects
// a sensible default; an empty baseURL uses the OpenAI endpoint.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	if model == "" {
		model = "gpt-5.2"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// GenerateText sends one completion request and returns the text of the
// first choice.
func (c *OpenAIClient) GenerateText(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := openai.ChatCompletionNewParams{
		Model:               c.model,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))
	params.Messages = messages

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Client = (*OpenAIClient)(nil)

// Package llm is the minimal chat-completion client used for summarization.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rcliao/agent-context/internal/model"
)

// Params tunes one invocation.
type Params struct {
	MaxTokens   int
	Temperature *float32
}

// Usage is the provider-reported token accounting, including prompt cache
// reads and writes when the provider reports them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Response is the result of one invocation.
type Response struct {
	Content string
	Usage   Usage
}

// Client invokes a chat model.
type Client interface {
	Invoke(ctx context.Context, messages []model.Message, p Params) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, messages []model.Message, p Params) (*Response, error)

func (f ClientFunc) Invoke(ctx context.Context, messages []model.Message, p Params) (*Response, error) {
	return f(ctx, messages, p)
}

// OpenAIClient calls any OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIClient creates a client. An empty baseURL uses the OpenAI default.
func NewOpenAIClient(baseURL, apiKey, modelName string, logger *slog.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if modelName == "" {
		modelName = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: modelName, logger: logger}
}

func (c *OpenAIClient) Invoke(ctx context.Context, messages []model.Message, p Params) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Name: m.Name, Content: m.Content})
	}
	if p.MaxTokens > 0 {
		req.MaxCompletionTokens = p.MaxTokens
	}
	if p.Temperature != nil {
		req.Temperature = *p.Temperature
	}

	c.logger.Debug("invoking chat model", "model", c.model, "messages", len(messages))
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	out := &Response{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	if d := resp.Usage.PromptTokensDetails; d != nil {
		out.Usage.CacheReadTokens = d.CachedTokens
	}
	return out, nil
}

// New builds a client for provider ("openai"). "none" or empty returns nil.
func New(provider, baseURL, modelName, apiKeyEnv string, logger *slog.Logger) (Client, error) {
	switch provider {
	case "", "none":
		return nil, nil
	case "openai":
		key := os.Getenv(apiKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%s is not set", apiKeyEnv)
		}
		return NewOpenAIClient(baseURL, key, modelName, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

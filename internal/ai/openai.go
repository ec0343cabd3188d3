package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

// Client is the structured completion capability the engine consumes.
type Client interface {
	// Complete sends the request and decodes the model's JSON output into
	// out. A response that does not decode returns ErrMalformedOutput.
	Complete(ctx context.Context, req Request, out interface{}) error
	// Usage returns accumulated token accounting.
	Usage() Usage
}

// Config holds LLM provider settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// OpenAI implements Client against the OpenAI chat completions API in JSON
// mode.
type OpenAI struct {
	client *openai.Client
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	usage Usage
}

// NewOpenAI creates a new OpenAI-backed client
func NewOpenAI(cfg Config, logger zerolog.Logger) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With().Str("component", "ai").Logger(),
	}
}

// Complete sends one JSON-mode chat completion and decodes the result.
func (c *OpenAI) Complete(ctx context.Context, req Request, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: c.cfg.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion failed: %w", err)
	}

	c.mu.Lock()
	c.usage.Calls++
	c.usage.InputTokens += int64(resp.Usage.PromptTokens)
	c.usage.OutputTokens += int64(resp.Usage.CompletionTokens)
	c.mu.Unlock()

	c.logger.Debug().
		Str("model", c.cfg.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("Completion finished")

	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: empty choices", ErrMalformedOutput)
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		c.logger.Warn().Err(err).Str("content", content).Msg("Model output did not decode")
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	return nil
}

// Usage returns accumulated token accounting
func (c *OpenAI) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

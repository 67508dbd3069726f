// Package genai wraps the OpenAI chat completion API for reading free-text
// end-of-day reports.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

var (
	// ErrNoChoicesReturned is returned when the API answers with no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNoHours is returned when the report does not state hours worked.
	ErrNoHours = errors.New("no hours found in report")
	// ErrMissingAPIKey is returned by NewClient without an API key.
	ErrMissingAPIKey = errors.New("openai api key not set")
)

const hoursSystemPrompt = `You read end-of-day work reports. Reply with only the total number of hours the author says they worked today, as a decimal number such as 7.5. If the report does not state it, reply with 0.`

var firstNumber = regexp.MustCompile(`\d+(\.\d+)?`)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts configures a Client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the Client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model string
}

// NewClient creates a client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// Complete sends a system and user prompt and returns the first choice.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// ExtractHours asks the model for the hours stated in report.
func (c *Client) ExtractHours(ctx context.Context, report string) (float64, error) {
	out, err := c.Complete(ctx, hoursSystemPrompt, report)
	if err != nil {
		return 0, err
	}
	match := firstNumber.FindString(strings.TrimSpace(out))
	if match == "" {
		slog.Debug("Client.ExtractHours: no number in reply", "reply", out)
		return 0, ErrNoHours
	}
	hours, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hours %q: %w", match, err)
	}
	if hours == 0 {
		return 0, ErrNoHours
	}
	return hours, nil
}

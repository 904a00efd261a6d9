// Package llm is Kioku's generative text backend: an OpenAI-compatible chat
// completions client used both to answer users and to summarize evicted
// conversation turns.
//
// Any endpoint speaking the chat completions protocol works. The default
// target is Gemini's OpenAI-compatible endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/common/retry"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultModel   = "gemini-2.5-flash"
	DefaultTimeout = 60 * time.Second

	// DefaultSystem keeps replies inside one chat message on most platforms.
	DefaultSystem = "Limit response 2000 chars"

	defaultMaxRetries = 2
)

// ErrEmptyResponse is returned when the backend answers with no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Config configures the backend client.
type Config struct {
	// APIKey is the bearer token sent with every request.
	APIKey string

	// BaseURL is the OpenAI-compatible API root. Defaults to DefaultBaseURL.
	BaseURL string

	// Model is the chat model name. Defaults to DefaultModel.
	Model string

	// System is the system instruction used by Respond when the caller
	// passes none. Defaults to DefaultSystem.
	System string

	// Timeout bounds each attempt. Defaults to DefaultTimeout.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt for
	// transient failures. Negative disables retries.
	MaxRetries int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client answers prompts and summarizes transcripts. It is safe for
// concurrent use.
type Client struct {
	api    openai.Client
	cfg    Config
	retry  retry.Config
	logger *slog.Logger
}

// New creates a Client. If logger is nil, the default slog logger is used.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.System == "" {
		cfg.System = DefaultSystem
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		// Retries are handled here so they share one backoff policy.
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	rc := retry.DefaultConfig
	rc.MaxAttempts = max(cfg.MaxRetries, 0) + 1

	return &Client{
		api:    openai.NewClient(opts...),
		cfg:    cfg,
		retry:  rc,
		logger: logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Respond answers prompt under the given system instruction, or the
// configured default when system is empty.
func (c *Client) Respond(ctx context.Context, prompt, system string) (string, error) {
	if system == "" {
		system = c.cfg.System
	}
	out, err := c.complete(ctx, system, prompt)
	if err != nil {
		return "", fmt.Errorf("llm: respond: %w", err)
	}
	return out, nil
}

// Summarize condenses text into factual notes of at most limit characters.
func (c *Client) Summarize(ctx context.Context, text string, limit int) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following conversation into factual, compact notes (<= %d characters). "+
			"Keep user goals/preferences and unresolved tasks.\n\n%s", limit, text)
	out, err := c.complete(ctx, "", prompt)
	if err != nil {
		return "", fmt.Errorf("llm: summarize: %w", err)
	}
	return truncate(out, limit), nil
}

func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.cfg.Model),
		Messages: messages,
	}

	var text string
	start := time.Now()
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		completion, err := c.api.Chat.Completions.New(attemptCtx, params)
		if err != nil {
			c.logger.Debug("llm call failed",
				"model", c.cfg.Model,
				"err", redact.String(err.Error(), c.cfg.APIKey),
			)
			if !retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if len(completion.Choices) == 0 {
			return retry.Permanent(ErrEmptyResponse)
		}
		text = strings.TrimSpace(completion.Choices[0].Message.Content)
		if text == "" {
			return retry.Permanent(ErrEmptyResponse)
		}
		return nil
	})
	if err != nil {
		if c.cfg.APIKey != "" && strings.Contains(err.Error(), c.cfg.APIKey) {
			return "", errors.New(redact.String(err.Error(), c.cfg.APIKey))
		}
		return "", err
	}

	c.logger.Debug("llm call complete",
		"model", c.cfg.Model,
		"prompt_chars", utf8.RuneCountInString(prompt),
		"response_chars", utf8.RuneCountInString(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// retryable reports whether err is worth another attempt: network errors,
// timeouts, rate limits and server errors are; client errors are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return true
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

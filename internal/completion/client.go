// Package completion talks to an OpenAI-compatible text-completion service
// (Ollama's /v1 endpoint by default) and retries transient failures.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PromptKind names the pipeline step a request serves.
type PromptKind string

const (
	KindGenerate PromptKind = "generate"
	KindRefine   PromptKind = "refine"
	KindRepair   PromptKind = "repair"
)

// Request is one completion request.
type Request struct {
	Kind   PromptKind
	Unit   string
	Prompt string
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration // per HTTP request
	MaxRetries        int           // retries after the first try
	RetryDelay        time.Duration // first backoff; doubles per retry
	MaxRetryDelay     time.Duration
	RequestsPerSecond float64 // 0 disables client-side limiting
	Temperature       float32
	MaxTokens         int
	SystemPrompt      string
}

// DefaultSystemPrompt frames every request.
const DefaultSystemPrompt = "You are an expert C++ engineer who writes GoogleTest unit tests. Answer with a single C++ code block."

// chatAPI is the subset of *openai.Client the Client uses.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client requests completions with bounded retries.
type Client struct {
	api     chatAPI
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Client for opts.
func New(opts Options, logger *zap.Logger) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	cfg.HTTPClient = &http.Client{}
	return newClient(openai.NewClientWithConfig(cfg), opts, logger)
}

func newClient(api chatAPI, opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 30 * time.Second
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{api: api, opts: opts, logger: logger, sleep: sleepCtx}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

// Complete sends req and returns the raw completion text. Transient failures
// (timeouts, connection errors, 429 and 5xx) are retried up to MaxRetries
// times; when they persist, or the service rejects the request, the error is
// an *Error. An empty completion is returned as "" with a nil error.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	log := c.logger.With(zap.String("unit", req.Unit), zap.String("kind", string(req.Kind)))
	delay := c.opts.RetryDelay
	var last error

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn("completion failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", c.opts.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(last))
			if err := c.sleep(ctx, delay); err != nil {
				return "", &Error{Kind: Transient, Attempts: attempt, Err: err}
			}
			delay *= 2
			if delay > c.opts.MaxRetryDelay {
				delay = c.opts.MaxRetryDelay
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", &Error{Kind: Transient, Attempts: attempt, Err: err}
			}
		}

		text, err := c.once(ctx, req)
		if err == nil {
			log.Debug("completion received", zap.Int("attempt", attempt+1), zap.Int("bytes", len(text)))
			return text, nil
		}

		var cerr *Error
		if !errors.As(err, &cerr) {
			return "", err
		}
		cerr.Attempts = attempt + 1
		if cerr.Kind == Rejected {
			return "", cerr
		}
		last = cerr
		if ctx.Err() != nil {
			return "", cerr
		}
	}
	return "", last
}

func (c *Client) once(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	chat := openai.ChatCompletionRequest{
		Model: c.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.opts.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: c.opts.Temperature,
	}
	if c.opts.MaxTokens > 0 {
		chat.MaxTokens = c.opts.MaxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, chat)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// classify wraps service failures in *Error. Errors it does not recognise
// are returned unchanged.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: kindForStatus(apiErr.HTTPStatusCode), Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 0 {
			return &Error{Kind: Transient, Err: err}
		}
		return &Error{Kind: kindForStatus(reqErr.HTTPStatusCode), Status: reqErr.HTTPStatusCode, Err: err}
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr):
		return &Error{Kind: Transient, Err: err}
	}
	return fmt.Errorf("completion request: %w", err)
}

func kindForStatus(status int) ErrorKind {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 || status == 0 {
		return Transient
	}
	return Rejected
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/sitrep/config"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
)

var (
	// ErrMissingAPIKey is returned when a provider is used without credentials.
	ErrMissingAPIKey = errors.New("api key not configured")
	// ErrAllModelsFailed wraps the last error once every model in a chain failed.
	ErrAllModelsFailed = errors.New("all models in chain failed")
	// ErrEmptyCompletion is returned when a model answers with no text.
	ErrEmptyCompletion = errors.New("empty completion")
	// ErrAttemptTimeout marks one model attempt that outlived its own
	// deadline while the caller's context was still live.
	ErrAttemptTimeout = errors.New("model attempt timed out")
)

// DefaultAttemptTimeout bounds a single model call when the chain is not
// configured otherwise.
const DefaultAttemptTimeout = 60 * time.Second

// DefaultFallbackModels are tried after the caller's primary and fallback.
var DefaultFallbackModels = []string{"gpt-4o-mini", "gpt-4.1-mini", "o1-mini"}

// Prompt is one chat completion request.
type Prompt struct {
	System string
	User   string
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// LLMProvider completes a prompt against a named model.
type LLMProvider interface {
	Generate(ctx context.Context, model string, prompt Prompt) (string, error)
}

// CallObserver receives one event per model attempt.
type CallObserver func(model, outcome string, took time.Duration)

// OpenAIProvider talks to the chat completions API through a circuit breaker.
type OpenAIProvider struct {
	client  *openai.Client
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

// NewOpenAIProvider builds a provider from config. It fails fast when the
// key is missing so callers can surface a configuration error.
func NewOpenAIProvider(cfg config.OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	logger := log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Caller cancellations and unknown models say nothing about
		// provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || isModelUnavailable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("circuit %s: %s -> %s", name, from, to)
		},
	})
	return &OpenAIProvider{client: openai.NewClientWithConfig(oc), breaker: breaker, logger: logger}, nil
}

// isReasoningModel matches the o-series, which reject system messages,
// temperature and response_format.
func isReasoningModel(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	return len(m) >= 2 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9'
}

func (p *OpenAIProvider) Generate(ctx context.Context, model string, prompt Prompt) (string, error) {
	req := openai.ChatCompletionRequest{Model: model}
	if isReasoningModel(model) {
		content := prompt.User
		if prompt.System != "" {
			content = prompt.System + "\n\n" + prompt.User
		}
		req.Messages = []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: content}}
	} else {
		if prompt.System != "" {
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt.System})
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt.User})
		req.Temperature = 0.2
		if prompt.JSON {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
		}
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return nil, ErrEmptyCompletion
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// BuildModelChain orders primary, fallback and the generic fallbacks,
// dropping blanks and duplicates.
func BuildModelChain(primary, fallback string) []string {
	candidates := append([]string{primary, fallback}, DefaultFallbackModels...)
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, m := range candidates {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// ModelChain tries models in order and stops at the first success.
type ModelChain struct {
	provider LLMProvider
	models   []string
	logger   *log.Logger
	observe  CallObserver
	timeout  time.Duration
}

// NewModelChain builds a chain over BuildModelChain(primary, fallback).
func NewModelChain(provider LLMProvider, primary, fallback string, observe CallObserver) *ModelChain {
	return &ModelChain{
		provider: provider,
		models:   BuildModelChain(primary, fallback),
		logger:   log.New(log.Writer(), "[LLM] ", log.LstdFlags),
		observe:  observe,
		timeout:  DefaultAttemptTimeout,
	}
}

// WithAttemptTimeout sets the deadline applied to each model attempt.
// Non-positive values keep the current one.
func (c *ModelChain) WithAttemptTimeout(d time.Duration) *ModelChain {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Models returns the resolved model order.
func (c *ModelChain) Models() []string {
	return append([]string(nil), c.models...)
}

// Complete returns the first successful completion. Fatal errors stop the
// chain immediately; retryable ones move on to the next model.
func (c *ModelChain) Complete(ctx context.Context, prompt Prompt) (string, string, error) {
	if c == nil || c.provider == nil {
		return "", "", ErrMissingAPIKey
	}
	var lastErr error
	for _, model := range c.models {
		start := time.Now()
		text, err := c.attempt(ctx, model, prompt)
		if err == nil && strings.TrimSpace(text) == "" {
			err = ErrEmptyCompletion
		}
		if err == nil {
			c.record(model, "ok", start)
			return text, model, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			c.record(model, "fatal", start)
			return "", model, fmt.Errorf("model %s: %w", model, err)
		}
		c.record(model, "retry", start)
		c.logger.Printf("model %s failed, trying next: %v", model, err)
	}
	if lastErr == nil {
		lastErr = errors.New("no models configured")
	}
	return "", "", fmt.Errorf("%w: %w", ErrAllModelsFailed, lastErr)
}

// attempt runs one model call under the per-attempt deadline. A timeout of
// the attempt alone is reported as ErrAttemptTimeout so the chain moves on;
// expiry of ctx itself is passed through unchanged.
func (c *ModelChain) attempt(ctx context.Context, model string, prompt Prompt) (string, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	text, err := c.provider.Generate(actx, model, prompt)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s", ErrAttemptTimeout, c.timeout)
	}
	return text, err
}

func (c *ModelChain) record(model, outcome string, start time.Time) {
	if c.observe != nil {
		c.observe(model, outcome, time.Since(start))
	}
}

// IsRetryable classifies a model error. Caller cancellation, rejected
// credentials and an open breaker are fatal; everything else, including
// unknown models, rate limits, 5xx and transport failures, moves on.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrMissingAPIKey) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if status := httpStatus(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
		return false
	}
	return true
}

func httpStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// isModelUnavailable reports the "model not found / no access" class.
func isModelUnavailable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == "model_not_found" {
			return true
		}
		if apiErr.HTTPStatusCode == http.StatusNotFound {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "model") && (strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"))
}

// Package llm implements the conversation collaborators (intent
// classification, plan generation and content generation) over a
// langchaingo model, plus offline heuristic versions used when no model is
// configured.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/agentd/internal/llm")

const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.2
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second

	// 50 requests per minute.
	defaultRequestsPerMinute = 50.0
	defaultBurst             = 5
)

// Redactor masks secrets in text before it leaves the process.
type Redactor interface {
	Redact(content string) string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	MaxTokens         int
	Temperature       float64
	RequestsPerMinute float64
	MaxRetries        int
	BaseBackoff       time.Duration

	// SinglePrompt folds the system prompt into the user message for
	// models that only read the first message.
	SinglePrompt bool
}

// Client sends prompts to a model with rate limiting, retries and secret
// redaction.
type Client struct {
	model       llms.Model
	limiter     *rate.Limiter
	redactor    Redactor
	logger      *zap.Logger
	maxTokens   int
	temperature float64
	maxRetries  int
	backoff     time.Duration
	single      bool
}

// NewClient wraps model. A nil redactor sends prompts unchanged.
func NewClient(model llms.Model, cfg ClientConfig, redactor Redactor, logger *zap.Logger) (*Client, error) {
	if model == nil {
		return nil, errors.New("llm: model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}

	return &Client{
		model:       model,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), defaultBurst),
		redactor:    redactor,
		logger:      logger.Named("llm"),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.BaseBackoff,
		single:      cfg.SinglePrompt,
	}, nil
}

// Complete sends a system and user prompt and returns the model's text.
func (c *Client) Complete(ctx context.Context, op, system, user string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm."+op)
	defer span.End()

	if c.redactor != nil {
		user = c.redactor.Redact(user)
	}
	msgs := c.messages(system, user)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}

		start := time.Now()
		resp, err := c.model.GenerateContent(ctx, msgs,
			llms.WithMaxTokens(c.maxTokens),
			llms.WithTemperature(c.temperature))
		if err == nil {
			text, err := firstChoice(resp)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return "", err
			}
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			c.logger.Debug("completion received",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("duration", time.Since(start)))
			return text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn("completion failed",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	err := fmt.Errorf("%s: max retries exceeded: %w", op, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return "", err
}

func (c *Client) messages(system, user string) []llms.MessageContent {
	if c.single {
		return []llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeHuman, system+"\n\n"+user),
		}
	}
	return []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, user),
	}
}

func firstChoice(resp *llms.ContentResponse) (string, error) {
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", errors.New("empty response from model")
	}
	return resp.Choices[0].Content, nil
}

// stripFences removes a markdown code fence wrapping the whole response.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	if nl := strings.IndexByte(content, '\n'); nl >= 0 {
		content = content[nl+1:]
	} else {
		content = strings.TrimPrefix(content, "```")
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return content
}

// decodeJSON parses a model response that should hold one JSON object.
func decodeJSON(content string, v any) error {
	content = stripFences(content)
	if start, end := strings.IndexByte(content, '{'), strings.LastIndexByte(content, '}'); start >= 0 && end > start {
		content = content[start : end+1]
	}
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("model returned invalid JSON: %w", err)
	}
	return nil
}

package ai

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"

	"noesis/internal/adapters/config"
	"noesis/internal/metrics"
	"noesis/pkg/errors"
	"noesis/pkg/logger"
)

// Ensure OpenAIClient implements CompletionClient
var _ CompletionClient = (*OpenAIClient)(nil)

// OpenAIClient implements CompletionClient using the official OpenAI Go SDK.
// Works against any OpenAI-compatible backend via OPENAI_BASE_URL.
type OpenAIClient struct {
	client  openai.Client
	cfg     config.AIConfig
	limiter *rate.Limiter

	// Models confirmed available on the backend
	readyMu sync.RWMutex
	ready   map[string]bool

	log *logger.Logger
}

// NewOpenAIClient creates a new completion client
func NewOpenAIClient(cfg config.AIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "openai API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMin/60.0), burst),
		ready:   make(map[string]bool),
		log:     logger.Get().With("component", "completion_client", "model", cfg.Model),
	}, nil
}

// Complete requests one text completion with bounded retries and
// exponential backoff. A model-not-ready condition triggers an explicit
// availability check before the next attempt. Exhausting all attempts
// surfaces as ErrModel, never as a panic or crash.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	attempts := c.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := c.cfg.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.completeOnce(ctx, model, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, errors.ErrModelNotReady) {
			// Backend knows the model but has not loaded it yet; an
			// availability probe asks it to load before we retry.
			c.log.Warnf("Model %s not ready, probing availability (attempt %d/%d)", model, attempt, attempts)
			if probeErr := c.ensureModel(ctx, model); probeErr != nil {
				c.log.Warnf("Model availability probe failed: %v", probeErr)
			}
		}

		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrModel, ctx.Err().Error())
		}

		if attempt < attempts {
			c.log.Warnf("Completion attempt %d/%d failed: %v, retrying in %s", attempt, attempts, err, backoff)
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(errors.ErrModel, ctx.Err().Error())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	metrics.CompletionCalls.WithLabelValues(model, "error").Inc()
	return nil, errors.Wrapf(errors.ErrModel, "completion failed after %d attempts: %v", attempts, lastErr)
}

// completeOnce performs a single completion attempt
func (c *OpenAIClient) completeOnce(ctx context.Context, model string, req CompletionRequest) (*Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(errors.ErrModel, "rate limiter interrupted")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
		MaxTokens:   openai.Int(int64(maxTokens)),
	})
	duration := time.Since(start)
	metrics.CompletionLatency.WithLabelValues(model).Observe(duration.Seconds())

	if err != nil {
		if isModelNotReady(err) {
			return nil, errors.Wrapf(errors.ErrModelNotReady, "model %s: %v", model, err)
		}
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(errors.ErrModel, "completion timed out after %s", c.cfg.RequestTimeout)
		}
		return nil, errors.Wrap(errors.ErrModel, err.Error())
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, errors.Wrap(errors.ErrModel, "empty completion response")
	}

	metrics.CompletionCalls.WithLabelValues(model, "success").Inc()
	metrics.CompletionTokens.WithLabelValues(model).Add(float64(resp.Usage.TotalTokens))

	return &Completion{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		Duration: duration,
	}, nil
}

// CompleteStructured requests a JSON-shaped answer and parses it
// defensively. The raw text is always returned; ParseOK reports whether a
// JSON object could be extracted.
func (c *OpenAIClient) CompleteStructured(ctx context.Context, req CompletionRequest) (*StructuredCompletion, error) {
	sys := req.SystemPrompt
	if sys != "" {
		sys += "\n\n"
	}
	sys += "Respond with a single valid JSON object and nothing else."
	req.SystemPrompt = sys

	completion, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	parsed, ok := ExtractJSON(completion.Text)
	if !ok {
		c.log.Debugf("Structured completion parse failed, returning raw text")
	}

	return &StructuredCompletion{
		Completion: *completion,
		Parsed:     parsed,
		ParseOK:    ok,
	}, nil
}

// Health verifies the backend is reachable and the default model is available
func (c *OpenAIClient) Health(ctx context.Context) error {
	return c.ensureModel(ctx, c.cfg.Model)
}

// ensureModel probes the backend for the model. On OpenAI-compatible local
// backends this also asks the server to load the model.
func (c *OpenAIClient) ensureModel(ctx context.Context, model string) error {
	c.readyMu.RLock()
	if c.ready[model] {
		c.readyMu.RUnlock()
		return nil
	}
	c.readyMu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if _, err := c.client.Models.Get(probeCtx, model); err != nil {
		return errors.Wrapf(errors.ErrModelNotReady, "model %s unavailable: %v", model, err)
	}

	c.readyMu.Lock()
	c.ready[model] = true
	c.readyMu.Unlock()
	return nil
}

// isModelNotReady recognizes backend responses for an unloaded model
func isModelNotReady(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "model_not_found") ||
		strings.Contains(msg, "is not found") ||
		strings.Contains(msg, "loading") ||
		strings.Contains(msg, "not ready")
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/circuitbreaker"
	"github.com/vet-kb/backend/pkg/logger"
	"github.com/vet-kb/backend/pkg/retry"
)

const (
	embedBatchSize = 100

	systemPrompt = `You are a veterinary pharmacology reference assistant.

Your answers must:
1. Use ONLY the numbered reference passages provided
2. Cite passages with [n] notation
3. Quote doses, routes and frequencies exactly as written, with the species they apply to
4. Say plainly when the passages do not contain the answer

Never invent a dose. Be concise.`
)

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	embeddingDim   int
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
	Temperature    float32
	MaxTokens      int
}

func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
		OnStateChange:    metrics.BreakerStateChanged,
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Classify:       models.IsRetryable,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", opts.Model),
		zap.String("embedding_model", opts.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(cfg),
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
		embeddingDim:   opts.EmbeddingDim,
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Dimension() int { return c.embeddingDim }

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += embedBatchSize {
		end := i + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		err := c.call(ctx, "embed", func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: batch,
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return err
			}
			if len(resp.Data) != len(batch) {
				return retry.Permanent(fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(batch)))
			}
			for _, data := range resp.Data {
				embeddings = append(embeddings, append([]float32(nil), data.Embedding...))
			}
			metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "embedding").Add(float64(resp.Usage.TotalTokens))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

// Generate answers prompt from the numbered passages in texts. An empty
// completion is reported as models.ErrEmptyAnswer.
func (c *Client) Generate(ctx context.Context, prompt string, texts []string) (string, error) {
	var b strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, t)
	}
	userPrompt := fmt.Sprintf(`Question: %s

Reference passages:
%s
Answer the question from these passages only.`, prompt, b.String())

	var content string
	err := c.call(ctx, "generate", func() error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return retry.Permanent(models.ErrEmptyAnswer)
		}

		metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))
		logger.Debug("LLM completion generated",
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)

		content = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", models.ErrEmptyAnswer
	}
	return content, nil
}

// call runs fn behind the breaker and retry policy, classifying failures as
// ExternalServiceErrors.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := fn(); err != nil {
				return classify(ctx, op, err)
			}
			return nil
		})
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ExternalCalls.WithLabelValues("openai", op, status).Inc()

	if err != nil && !errors.Is(err, models.ErrEmptyAnswer) {
		var ext *models.ExternalServiceError
		if !errors.As(err, &ext) {
			err = &models.ExternalServiceError{Service: "openai", Op: op, Cause: err}
		}
	}
	return err
}

func classify(ctx context.Context, op string, err error) error {
	if errors.Is(err, models.ErrEmptyAnswer) {
		return err
	}
	retryable := ctx.Err() == nil
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		retryable = apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		retryable = reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return &models.ExternalServiceError{Service: "openai", Op: op, Retryable: retryable, Cause: err}
}

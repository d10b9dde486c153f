package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/pkg/circuitbreaker"
	"github.com/talentgraph/backend/pkg/logger"
	"github.com/talentgraph/backend/pkg/retry"
)

// Client wraps the embedding and generation backend. Every call is treated as
// untrusted: bounded by context timeouts, retried on transient failure, and cut
// off by a circuit breaker when the backend degrades.
type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(apiKey, model, embeddingModel string, temperature float32, maxTokens int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)

			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return embedding, nil
}

// GenerateBatchEmbeddings embeds texts in batches of 100. A failed batch fails
// only that batch's positions; the caller decides whether partial coverage is
// acceptable.
func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var embeddings [][]float32

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[i:end]

		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(
					ctx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(c.embeddingModel),
					},
				)

				if err != nil {
					return fmt.Errorf("failed to generate batch embeddings: %w", err)
				}

				for _, data := range resp.Data {
					embedding := make([]float32, len(data.Embedding))
					copy(embedding, data.Embedding)
					embeddings = append(embeddings, embedding)
				}

				return nil
			})
		})

		if err != nil {
			return embeddings, err
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

// ComposeNarrative turns resolved structured facts into profile prose. It is a
// formatting pass only: the facts passed in are already the winners of conflict
// resolution and the narrative must not introduce claims beyond them.
func (c *Client) ComposeNarrative(ctx context.Context, facts map[string]models.NormalizedFact, maxTokens int) (string, error) {
	systemPrompt := `You write professional profile summaries. Compose a short third-person narrative strictly from the facts given.
Rules:
1. Use ONLY the provided facts. Do not invent employers, dates, or skills.
2. 2-4 sentences, plain prose, no headings or lists.
3. Skip facts that do not fit naturally rather than forcing them in.`

	fields := make([]string, 0, len(facts))
	for field := range facts {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	for _, field := range fields {
		fmt.Fprintf(&b, "%s: %s\n", field, facts[field].Value)
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   "Facts:\n" + b.String(),
		Temperature:  0.3,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to compose narrative: %w", err)
	}

	return strings.TrimSpace(resp.Content), nil
}

// RewriteQuery expands a search query with synonyms and intent terms to improve
// recall. Callers fall back to the original query on any failure.
func (c *Client) RewriteQuery(ctx context.Context, query string) (string, error) {
	systemPrompt := `You rewrite people-search queries to improve retrieval recall.
Add synonyms and closely related terms for the skills and roles mentioned.
Keep the rewritten query under 40 words. Return ONLY the rewritten query.`

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   query,
		Temperature:  0.1,
		MaxTokens:    100,
	})
	if err != nil {
		return "", fmt.Errorf("failed to rewrite query: %w", err)
	}

	rewritten := strings.TrimSpace(resp.Content)
	logger.Debug("Query rewritten", zap.String("original", query), zap.String("rewritten", rewritten))

	return rewritten, nil
}

// SynthesizeAnswer composes the cited answer from retrieved chunks. Chunks are
// numbered so the grounding pass can trace each claim back to its source.
func (c *Client) SynthesizeAnswer(ctx context.Context, query string, chunks []string) (string, error) {
	systemPrompt := `You answer people-search queries from profile excerpts.
Your answer must:
1. Be based ONLY on the numbered excerpts provided.
2. Cite excerpts using [N] notation after each claim.
3. Omit anything the excerpts do not support. Never speculate.
4. Say so plainly when the excerpts do not answer the query.`

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nExcerpts:\n", query)
	for i, chunk := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, chunk)
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   b.String(),
		Temperature:  0.2,
	})
	if err != nil {
		return "", fmt.Errorf("failed to synthesize answer: %w", err)
	}

	return strings.TrimSpace(resp.Content), nil
}

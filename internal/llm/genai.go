package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"codeforge/internal/logging"
	"codeforge/internal/types"
)

// =============================================================================
// GOOGLE GENAI CLIENT
// =============================================================================

// GenAIClient implements Client using Google's Gemini API.
type GenAIClient struct {
	client     *genai.Client
	router     *Router
	maxRetries int
}

// NewGenAIClient creates a Gemini-backed LLM client.
func NewGenAIClient(ctx context.Context, apiKey string, models map[string]string, maxRetries int) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &GenAIClient{
		client:     client,
		router:     NewRouter(models),
		maxRetries: maxRetries,
	}, nil
}

// Generate implements Client.
func (c *GenAIClient) Generate(ctx context.Context, role types.Role, tier types.Tier, prompt string, opts Options) (string, error) {
	model, err := c.router.Resolve(role, tier)
	if err != nil {
		return "", err
	}
	timer := logging.StartTimer(logging.CategoryAPI, fmt.Sprintf("generate role=%s model=%s", role, model))
	defer timer.Stop()

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(opts.Temperature)),
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}

	return retryBackoff(ctx, c.maxRetries, func() (string, error) {
		result, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
		if err != nil {
			return "", fmt.Errorf("GenAI generate failed: %w", err)
		}
		text := result.Text()
		if text == "" {
			return "", fmt.Errorf("GenAI returned empty response")
		}
		return text, nil
	})
}

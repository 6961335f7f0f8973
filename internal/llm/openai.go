package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"codeforge/internal/logging"
	"codeforge/internal/types"
)

// =============================================================================
// OPENAI-COMPATIBLE HTTP CLIENT
// =============================================================================

// OpenAIClient implements Client against any OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	router     *Router
	httpClient *http.Client
	maxRetries int

	mu          sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

// OpenAIConfig holds configuration for the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Models     map[string]string
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		router:      NewRouter(cfg.Models),
		maxRetries:  maxRetries,
		minInterval: 100 * time.Millisecond,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate implements Client.
func (c *OpenAIClient) Generate(ctx context.Context, role types.Role, tier types.Tier, prompt string, opts Options) (string, error) {
	model, err := c.router.Resolve(role, tier)
	if err != nil {
		return "", err
	}
	timer := logging.StartTimer(logging.CategoryAPI, fmt.Sprintf("generate role=%s model=%s", role, model))
	defer timer.Stop()

	return retryBackoff(ctx, c.maxRetries, func() (string, error) {
		return c.complete(ctx, model, prompt, opts)
	})
}

func (c *OpenAIClient) complete(ctx context.Context, model, prompt string, opts Options) (string, error) {
	c.pace()

	reqBody := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llm returned status %d: %s", resp.StatusCode, string(body))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("llm error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}

	logging.Get(logging.CategoryAPI).Debug("model=%s prompt_tokens=%d completion_tokens=%d",
		model, out.Usage.PromptTokens, out.Usage.CompletionTokens)
	return out.Choices[0].Message.Content, nil
}

// pace enforces a minimal gap between requests to stay under provider
// rate limits. Each caller claims the next send slot under the lock and
// sleeps outside it, so concurrent requests wait in parallel instead of
// queueing behind one sleeper.
func (c *OpenAIClient) pace() {
	c.mu.Lock()
	slot := c.lastRequest.Add(c.minInterval)
	if now := time.Now(); slot.Before(now) {
		slot = now
	}
	c.lastRequest = slot
	c.mu.Unlock()
	time.Sleep(time.Until(slot))
}

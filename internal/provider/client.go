// Package provider talks to an OpenAI-compatible model endpoint.
// Works with OpenAI, Azure OpenAI, Together AI, local Ollama /v1, etc.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bidforge-engine/internal/config"
	"bidforge-engine/internal/models"
)

// Completion is one chat completion
type Completion struct {
	Content string
	Tokens  int
}

// Client is an OpenAI-compatible chat and embeddings client
type Client struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	embed   string
	logger  *slog.Logger
}

// NewClient creates a client for cfg. A zero timeout means 60s.
func NewClient(cfg config.ProviderConfig, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	embed := cfg.EmbeddingModel
	if embed == "" {
		embed = "text-embedding-3-small"
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		embed:   embed,
		logger:  logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends a system and user message and returns the first choice
func (c *Client) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := c.post(ctx, "/chat/completions", map[string]any{
		"model":    c.model,
		"messages": messages,
	}, &result); err != nil {
		return Completion{}, err
	}
	if len(result.Choices) == 0 {
		return Completion{}, models.Transient(errors.New("no choices in response"))
	}
	return Completion{Content: result.Choices[0].Message.Content, Tokens: result.Usage.TotalTokens}, nil
}

// Embed returns the embedding vector for text
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", map[string]any{
		"model": c.embed,
		"input": text,
	}, &result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, models.Transient(errors.New("no embedding in response"))
	}
	return result.Data[0].Embedding, nil
}

// post classifies failures: network errors, 429 and 5xx are transient, any
// other non-2xx is a validation error. Context errors pass through.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return models.Validation(fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return models.Transient(fmt.Errorf("failed to call API: %w", err))
	}
	defer resp.Body.Close()
	c.logger.Debug("provider call", "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return models.Transient(err)
		}
		return &models.Error{Kind: models.KindValidation, Op: path, Err: err}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.Transient(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

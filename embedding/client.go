// Package embedding provides a client for generating text embeddings used by
// template matching and reasoning memory retrieval.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/taskmend/taskmend/config"
	"github.com/taskmend/taskmend/llm"
)

// TaskType hints the embedding API how the vector will be used.
// Document embeddings index stored entities; query embeddings search them.
type TaskType string

const (
	TaskTypeDocument TaskType = "RETRIEVAL_DOCUMENT"
	TaskTypeQuery    TaskType = "RETRIEVAL_QUERY"
)

// maxEmbedResponseSize caps the embedding response body.
const maxEmbedResponseSize = 4 * 1024 * 1024 // 4MB

// Client generates embeddings via the Gemini embedContent API.
type Client struct {
	endpoint   string
	model      string
	dimension  int
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string][]float32
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates an embedding client from configuration.
func NewClient(cfg config.EmbeddingConfig, opts ...ClientOption) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com"
	}

	c := &Client{
		endpoint:  strings.TrimSuffix(endpoint, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
		cache:  make(map[string][]float32),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Dimension returns the configured embedding dimension.
func (c *Client) Dimension() int {
	return c.dimension
}

type embedRequest struct {
	Model                string       `json:"model"`
	Content              embedContent `json:"content"`
	TaskType             TaskType     `json:"taskType,omitempty"`
	OutputDimensionality int          `json:"outputDimensionality,omitempty"`
}

type embedContent struct {
	Parts []embedPart `json:"parts"`
}

type embedPart struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// Embed generates an embedding vector for the given text.
// Results are cached per (text, taskType) pair since template embeddings are
// requested repeatedly during matching.
func (c *Client) Embed(ctx context.Context, text string, taskType TaskType) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}

	cacheKey := c.cacheKey(text, taskType)

	c.mu.Lock()
	if vec, ok := c.cache[cacheKey]; ok {
		c.mu.Unlock()
		return vec, nil
	}
	c.mu.Unlock()

	vec, err := c.doEmbed(ctx, text, taskType)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Unbounded growth is fine here: the cache holds at most one vector per
	// distinct template field plus recent queries, and resets on restart.
	c.cache[cacheKey] = vec
	c.mu.Unlock()

	return vec, nil
}

func (c *Client) cacheKey(text string, taskType TaskType) string {
	sum := sha256.Sum256([]byte(string(taskType) + "\x00" + text))
	return fmt.Sprintf("%x", sum)
}

func (c *Client) doEmbed(ctx context.Context, text string, taskType TaskType) ([]float32, error) {
	reqBody := embedRequest{
		Model:                "models/" + c.model,
		Content:              embedContent{Parts: []embedPart{{Text: text}}},
		TaskType:             taskType,
		OutputDimensionality: c.dimension,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:embedContent", c.endpoint, c.model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		httpReq.Header.Set("x-goog-api-key", apiKey)
	}

	c.logger.Debug("Sending embedding request",
		"model", c.model,
		"task_type", taskType,
		"text_len", len(text))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("embedding request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxEmbedResponseSize))
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("read embedding response: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		bodyStr := string(respBody)
		if len(bodyStr) > 200 {
			bodyStr = bodyStr[:200] + "..."
		}
		apiErr := fmt.Errorf("embedding API error (status %d): %s", httpResp.StatusCode, bodyStr)

		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			return nil, llm.NewTransientError(apiErr)
		}
		return nil, llm.NewFatalError(apiErr)
	}

	var resp embedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}

	if len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding in response")
	}

	return resp.Embedding.Values, nil
}

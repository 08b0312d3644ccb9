// Package embedding provides the batch embedding client.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaspalytics/social-indexer/internal/indexing"
	"github.com/kaspalytics/social-indexer/internal/metrics"
)

// Config configures the embedding endpoint. The endpoint speaks the OpenAI
// /v1/embeddings format, which covers vLLM, Ollama and OpenAI itself.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client implements indexing.Embedder over HTTP. One Embed call issues
// exactly one backend request.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient constructs a Client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed sends the whole batch in one request and returns vectors in input
// order. A vector count mismatch is an error, not a partial result.
func (c *Client) Embed(ctx context.Context, texts []string) (indexing.EmbedResult, error) {
	if len(texts) == 0 {
		return indexing.EmbedResult{}, nil
	}
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return indexing.EmbedResult{}, fmt.Errorf("marshal embed request: %w", err)
	}

	url := c.baseURL + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return indexing.EmbedResult{}, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return indexing.EmbedResult{}, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	metrics.ObserveEmbed(time.Since(start))

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return indexing.EmbedResult{}, fmt.Errorf("embed endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return indexing.EmbedResult{}, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return indexing.EmbedResult{}, fmt.Errorf("embed endpoint returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return indexing.EmbedResult{}, fmt.Errorf("embed response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return indexing.EmbedResult{Vectors: vectors}, nil
}

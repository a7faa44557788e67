package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/apperrors"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/cache"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/retry"
)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

// EmbeddingClient calls an OpenAI-compatible /embeddings endpoint. When a
// cache is attached, single-text embeddings are memoized.
type EmbeddingClient struct {
	cfg        config.EmbeddingSettings
	httpClient *http.Client
	retryCfg   retry.Config

	embedOne func(context.Context, string) ([]float32, error)
}

// NewEmbeddingClient builds the client. cacheStore may be nil to disable
// memoization.
func NewEmbeddingClient(cfg config.EmbeddingSettings, cacheStore *cache.Cache) *EmbeddingClient {
	c := &EmbeddingClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		retryCfg: retry.DefaultConfig(),
	}

	c.embedOne = c.embedOneDirect
	if cacheStore != nil {
		c.embedOne = cache.Cached(cacheStore, "emb", "embed_query", time.Hour, c.embedOneDirect)
	}
	return c
}

// Dimension returns the configured vector width.
func (c *EmbeddingClient) Dimension() int { return c.cfg.Dimension }

// EmbedQuery embeds a single text, served from cache when possible.
func (c *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.embedOne(ctx, text)
}

// Embed embeds a batch of texts. Order is preserved.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	return retry.Do(ctx, c.retryCfg, "embedding.embed", func(ctx context.Context) ([][]float32, error) {
		return c.makeRequest(ctx, texts)
	})
}

func (c *EmbeddingClient) embedOneDirect(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperrors.New(apperrors.KindEmbedding, "embed_query",
			fmt.Errorf("empty embedding response"))
	}
	return vectors[0], nil
}

func (c *EmbeddingClient) makeRequest(ctx context.Context, texts []string) ([][]float32, error) {
	requestBody, err := json.Marshal(embeddingRequest{Model: c.cfg.ModelName, Input: texts})
	if err != nil {
		return nil, apperrors.New(apperrors.KindEmbedding, "marshal request", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, apperrors.New(apperrors.KindEmbedding, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient(apperrors.KindEmbedding, "http request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transient(apperrors.KindEmbedding, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("embedding request failed with status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 {
			return nil, apperrors.Transient(apperrors.KindEmbedding, "http status", err)
		}
		return nil, apperrors.New(apperrors.KindEmbedding, "http status", err)
	}

	var response embeddingResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, apperrors.New(apperrors.KindEmbedding, "decode response", err)
	}
	if response.Error != nil {
		return nil, apperrors.New(apperrors.KindEmbedding, "embed",
			fmt.Errorf("API error: %s", response.Error.Message))
	}
	if len(response.Data) != len(texts) {
		return nil, apperrors.New(apperrors.KindEmbedding, "embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data)))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, apperrors.New(apperrors.KindEmbedding, "embed",
				fmt.Errorf("embedding index %d out of range", item.Index))
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// Package clients holds the adapters to every external service: the
// OpenAI-compatible LLM endpoint, the embedding service, Elasticsearch,
// Neo4j, MySQL and Redis. Each adapter exposes a narrow operation set and
// takes a context on every call.
package clients

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/apperrors"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/retry"
)

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is one delta of a streaming completion. A non-nil Err is
// terminal; the channel closes right after it.
type StreamChunk struct {
	Content string
	Err     error
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// LLMClient talks to an OpenAI-compatible /chat/completions endpoint.
type LLMClient struct {
	cfg        config.LLMSettings
	httpClient *http.Client
	retryCfg   retry.Config
}

// NewLLMClient builds a client from settings. The HTTP timeout covers the
// whole call including streaming reads.
func NewLLMClient(cfg config.LLMSettings) *LLMClient {
	return &LLMClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		retryCfg: retry.Config{
			MaxAttempts:  cfg.MaxRetries,
			InitialDelay: time.Second,
			Backoff:      2.0,
		},
	}
}

// Complete performs a synchronous chat completion with transient-error
// retry.
func (c *LLMClient) Complete(ctx context.Context, messages []ChatMessage, params config.ModelParams) (string, error) {
	request := c.buildRequest(messages, params, false)

	return retry.Do(ctx, c.retryCfg, "llm.complete", func(ctx context.Context) (string, error) {
		response, err := c.makeRequest(ctx, request)
		if err != nil {
			return "", err
		}
		if response.Error != nil {
			return "", apperrors.New(apperrors.KindLLM, "complete",
				fmt.Errorf("API error: %s", response.Error.Message))
		}
		if len(response.Choices) == 0 {
			return "", apperrors.New(apperrors.KindLLM, "complete",
				fmt.Errorf("no response choices returned"))
		}
		return response.Choices[0].Message.Content, nil
	})
}

// StreamChat starts a streaming completion and returns the delta channel.
// Cancelling ctx closes the underlying response body and ends the stream.
func (c *LLMClient) StreamChat(ctx context.Context, messages []ChatMessage, params config.ModelParams) (<-chan StreamChunk, error) {
	request := c.buildRequest(messages, params, true)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := c.makeStreamingRequest(ctx, request, outputCh); err != nil {
			select {
			case outputCh <- StreamChunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return outputCh, nil
}

func (c *LLMClient) buildRequest(messages []ChatMessage, params config.ModelParams, stream bool) chatRequest {
	model := params.Model
	if model == "" {
		model = c.cfg.ModelName
	}

	request := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: params.Temperature,
		Stream:      stream,
	}
	if params.MaxTokens > 0 {
		maxTokens := params.MaxTokens
		request.MaxTokens = &maxTokens
	}
	return request
}

func (c *LLMClient) makeRequest(ctx context.Context, request chatRequest) (*chatResponse, error) {
	resp, err := c.postJSON(ctx, request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transient(apperrors.KindLLM, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, apperrors.New(apperrors.KindLLM, "decode response", err)
	}
	return &response, nil
}

func (c *LLMClient) makeStreamingRequest(ctx context.Context, request chatRequest, outputCh chan<- StreamChunk) error {
	resp, err := c.postJSON(ctx, request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, body)
	}

	reader := bufio.NewReader(resp.Body)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperrors.Transient(apperrors.KindLLM, "read stream", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		data := bytes.TrimPrefix(line, []byte("data: "))
		if string(data) == "[DONE]" {
			return nil
		}

		var chunk chatStreamResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Malformed keep-alive noise; skip the record.
			continue
		}
		if chunk.Error != nil {
			return apperrors.New(apperrors.KindLLM, "stream",
				fmt.Errorf("API error: %s", chunk.Error.Message))
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			select {
			case outputCh <- StreamChunk{Content: choice.Delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *LLMClient) postJSON(ctx context.Context, request chatRequest) (*http.Response, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, apperrors.New(apperrors.KindLLM, "marshal request", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, apperrors.New(apperrors.KindLLM, "build request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient(apperrors.KindLLM, "http request", err)
	}
	return resp, nil
}

func statusError(status int, body []byte) error {
	var envelope struct {
		Error *apiError `json:"error"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		msg = envelope.Error.Message
	}

	err := fmt.Errorf("API request failed with status %d: %s", status, msg)
	if status == http.StatusTooManyRequests || status >= 500 {
		return apperrors.Transient(apperrors.KindLLM, "http status", err)
	}
	return apperrors.New(apperrors.KindLLM, "http status", err)
}

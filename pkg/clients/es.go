package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/apperrors"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/retry"
)

// Hit is one search result from the text index.
type Hit struct {
	ID     string
	Score  float64
	Source map[string]any
}

// ESClient wraps the Elasticsearch index used for knowledge passages,
// conversation history and the query-example store.
type ESClient struct {
	es       *elasticsearch.Client
	timeout  time.Duration
	retryCfg retry.Config
}

// NewESClient connects to the configured cluster. The transport carries no
// proxy so in-cluster endpoints are reached directly regardless of
// HTTP_PROXY settings in the environment.
func NewESClient(cfg config.ESSettings) (*ESClient, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL()},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{Proxy: nil},
	})
	if err != nil {
		return nil, apperrors.New(apperrors.KindTextIndex, "connect", err)
	}
	return &ESClient{
		es:       client,
		timeout:  time.Duration(cfg.Timeout) * time.Second,
		retryCfg: retry.DefaultConfig(),
	}, nil
}

// Ping checks cluster reachability.
func (c *ESClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := esapi.PingRequest{}.Do(ctx, c.es)
	if err != nil {
		return apperrors.Transient(apperrors.KindTextIndex, "ping", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return apperrors.New(apperrors.KindTextIndex, "ping",
			fmt.Errorf("status %s", res.Status()))
	}
	return nil
}

// Search runs an arbitrary query DSL body against index and returns up to
// size hits.
func (c *ESClient) Search(ctx context.Context, index string, query map[string]any, size int) ([]Hit, error) {
	body := map[string]any{"query": query, "size": size}
	return c.search(ctx, index, body)
}

// SearchBody runs a caller-assembled request body (sort, source filtering
// and similar) against index.
func (c *ESClient) SearchBody(ctx context.Context, index string, body map[string]any) ([]Hit, error) {
	return c.search(ctx, index, body)
}

// KNN runs a dense-vector nearest-neighbour search on field.
func (c *ESClient) KNN(ctx context.Context, index, field string, vector []float32, k int) ([]Hit, error) {
	body := map[string]any{
		"knn": map[string]any{
			"field":          field,
			"query_vector":   vector,
			"k":              k,
			"num_candidates": k * 10,
		},
		"size": k,
	}
	return c.search(ctx, index, body)
}

// IndexDoc writes doc under id; a blank id lets the cluster assign one.
func (c *ESClient) IndexDoc(ctx context.Context, index string, doc map[string]any, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(doc)
	if err != nil {
		return apperrors.New(apperrors.KindTextIndex, "marshal doc", err)
	}

	req := esapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(payload),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return apperrors.Transient(apperrors.KindTextIndex, "index doc", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return apperrors.New(apperrors.KindTextIndex, "index doc",
			fmt.Errorf("status %s", res.Status()))
	}
	return nil
}

// DeleteDoc removes one document; a missing document is not an error.
func (c *ESClient) DeleteDoc(ctx context.Context, index, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := esapi.DeleteRequest{Index: index, DocumentID: id}.Do(ctx, c.es)
	if err != nil {
		return apperrors.Transient(apperrors.KindTextIndex, "delete doc", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return apperrors.New(apperrors.KindTextIndex, "delete doc",
			fmt.Errorf("status %s", res.Status()))
	}
	return nil
}

// DeleteByQuery removes every document matching query.
func (c *ESClient) DeleteByQuery(ctx context.Context, index string, query map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return apperrors.New(apperrors.KindTextIndex, "marshal query", err)
	}

	res, err := esapi.DeleteByQueryRequest{
		Index: []string{index},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, c.es)
	if err != nil {
		return apperrors.Transient(apperrors.KindTextIndex, "delete by query", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return apperrors.New(apperrors.KindTextIndex, "delete by query",
			fmt.Errorf("status %s", res.Status()))
	}
	return nil
}

// search retries transport failures and 5xx responses with the shared
// backoff policy; each attempt carries its own timeout.
func (c *ESClient) search(ctx context.Context, index string, body map[string]any) ([]Hit, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.New(apperrors.KindTextIndex, "marshal query", err)
	}
	return retry.Do(ctx, c.retryCfg, "es search", func(ctx context.Context) ([]Hit, error) {
		return c.searchOnce(ctx, index, payload)
	})
}

func (c *ESClient) searchOnce(ctx context.Context, index string, payload []byte) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := esapi.SearchRequest{
		Index: []string{index},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, c.es)
	if err != nil {
		return nil, apperrors.Transient(apperrors.KindTextIndex, "search", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		statusErr := fmt.Errorf("status %s: %s", res.Status(), string(raw))
		if res.StatusCode >= http.StatusInternalServerError {
			return nil, apperrors.Transient(apperrors.KindTextIndex, "search", statusErr)
		}
		return nil, apperrors.New(apperrors.KindTextIndex, "search", statusErr)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID     string         `json:"_id"`
				Score  float64        `json:"_score"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, apperrors.New(apperrors.KindTextIndex, "decode response", err)
	}

	hits := make([]Hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score, Source: h.Source})
	}
	return hits, nil
}

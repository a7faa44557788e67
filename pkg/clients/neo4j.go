package clients

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/apperrors"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/retry"
)

// Cypher result sets are capped so a runaway generated query cannot flood
// the summarizing LLM.
const graphRowCap = 100

const graphQueryTimeout = 15 * time.Second

// GraphClient executes generated Cypher against Neo4j.
type GraphClient struct {
	driver   neo4j.DriverWithContext
	retryCfg retry.Config

	// run performs one query attempt; tests swap it out.
	run func(ctx context.Context, stmt string, params map[string]any) (*neo4j.EagerResult, error)
}

// NewGraphClient connects with basic auth. Call Close on shutdown.
func NewGraphClient(cfg config.Neo4jSettings) (*GraphClient, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, apperrors.New(apperrors.KindGraphEngine, "connect", err)
	}
	c := &GraphClient{driver: driver, retryCfg: retry.DefaultConfig()}
	c.run = func(ctx context.Context, stmt string, params map[string]any) (*neo4j.EagerResult, error) {
		return neo4j.ExecuteQuery(ctx, c.driver, stmt, params, neo4j.EagerResultTransformer)
	}
	return c, nil
}

// Ping verifies connectivity.
func (c *GraphClient) Ping(ctx context.Context) error {
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return apperrors.Transient(apperrors.KindGraphEngine, "ping", err)
	}
	return nil
}

// Execute runs stmt with params and returns at most graphRowCap rows, each
// a map of result column to value. Failed attempts are retried with the
// shared backoff policy; the per-attempt timeout is fixed at 15s.
func (c *GraphClient) Execute(ctx context.Context, stmt string, params map[string]any) ([]map[string]any, error) {
	return retry.Do(ctx, c.retryCfg, "cypher execute", func(ctx context.Context) ([]map[string]any, error) {
		return c.executeOnce(ctx, stmt, params)
	})
}

func (c *GraphClient) executeOnce(ctx context.Context, stmt string, params map[string]any) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, graphQueryTimeout)
	defer cancel()

	result, err := c.run(ctx, stmt, params)
	if err != nil {
		return nil, apperrors.Transient(apperrors.KindGraphEngine, "execute", err)
	}

	rows := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		if len(rows) >= graphRowCap {
			break
		}
		row := make(map[string]any, len(record.Keys))
		for _, key := range record.Keys {
			value, _ := record.Get(key)
			row[key] = value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Close releases the driver.
func (c *GraphClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

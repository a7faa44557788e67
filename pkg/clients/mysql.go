package clients

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/apperrors"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
)

const rowStoreTimeout = 5 * time.Second

// MySQLClient is the row-store adapter. The pool runs in autocommit mode;
// nothing in the hot path opens a transaction.
type MySQLClient struct {
	db *sql.DB
}

// NewMySQLClient opens the pool. The connection is verified lazily; use
// Ping for an eager check.
func NewMySQLClient(cfg config.MySQLSettings) (*MySQLClient, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, apperrors.New(apperrors.KindRowStore, "open", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &MySQLClient{db: db}, nil
}

// Ping verifies the pool can reach the server.
func (c *MySQLClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, rowStoreTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return apperrors.Transient(apperrors.KindRowStore, "ping", err)
	}
	return nil
}

// Query runs a SELECT and returns dict-shaped rows keyed by column name.
func (c *MySQLClient) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, rowStoreTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Transient(apperrors.KindRowStore, "query", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, apperrors.New(apperrors.KindRowStore, "columns", err)
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, apperrors.New(apperrors.KindRowStore, "scan", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			// the mysql driver returns []byte for text columns
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Transient(apperrors.KindRowStore, "rows", err)
	}
	return results, nil
}

// Exec runs an INSERT/UPDATE/DELETE and returns the affected row count.
func (c *MySQLClient) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, rowStoreTimeout)
	defer cancel()

	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Transient(apperrors.KindRowStore, "exec", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.New(apperrors.KindRowStore, "rows affected", err)
	}
	return affected, nil
}

// Close drains the pool.
func (c *MySQLClient) Close() error {
	return c.db.Close()
}

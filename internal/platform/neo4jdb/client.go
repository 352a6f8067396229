package neo4jdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	types "github.com/gowthamrao/neo-umls-syncer/internal/domain"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
)

// iterateQuery drives every batched write. The outer and inner statements are
// handed to APOC as strings; the procedure manages its own transactions, so it
// must run in an auto-commit session rather than a managed one.
const iterateQuery = `CALL apoc.periodic.iterate($outer, $inner, {batchSize: $batchSize, parallel: false, params: $params})
YIELD batches, total, committedOperations, failedOperations, failedBatches, errorMessages
RETURN batches, total, committedOperations, failedOperations, failedBatches, errorMessages`

type Config struct {
	URI      string
	User     string
	Password string
	Database string

	ConnectTimeout time.Duration
	MaxPoolSize    int
	TxTimeout      time.Duration
	MaxRetries     int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.User) == "" {
		c.User = "neo4j"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 50
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

type Client struct {
	driver   neo4j.DriverWithContext
	database string
	cfg      Config
	log      *logger.Logger
}

func New(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("neo4jdb: logger required")
	}
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("neo4jdb: uri required")
	}
	cfg = cfg.withDefaults()

	auth := neo4j.BasicAuth(cfg.User, cfg.Password, "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = cfg.MaxPoolSize
		c.SocketConnectTimeout = cfg.ConnectTimeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4jdb: init driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4jdb: verify connectivity: %w", err)
	}

	return &Client{
		driver:   driver,
		database: cfg.Database,
		cfg:      cfg,
		log:      log.With("client", "Neo4jDB"),
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.driver == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := c.driver.Close(ctx)
	c.driver = nil
	return err
}

// Ping verifies reachability and that APOC core is installed. The batched
// sync path is built entirely on apoc.periodic.iterate, so a server without
// the plugin must be rejected before any phase runs.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4jdb: verify connectivity: %w", err)
	}
	rows, err := c.ExecuteSingle(ctx, "RETURN apoc.version() AS version", nil)
	if err != nil {
		return fmt.Errorf("neo4jdb: apoc core not available (install the APOC plugin): %w", err)
	}
	if len(rows) > 0 {
		c.log.Info("graph reachable", "apoc_version", rows[0]["version"])
	}
	return nil
}

// ExecuteSingle runs one Cypher statement in a managed write transaction and
// returns the collected records as maps.
func (c *Client) ExecuteSingle(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	var rows []map[string]any
	err := c.withRetry(ctx, "execute_single", func() error {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{
			AccessMode:   neo4j.AccessModeWrite,
			DatabaseName: c.database,
		})
		defer session.Close(ctx)

		out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, cypher, params)
			if err != nil {
				return nil, err
			}
			records, err := res.Collect(ctx)
			if err != nil {
				return nil, err
			}
			collected := make([]map[string]any, 0, len(records))
			for _, rec := range records {
				collected = append(collected, rec.AsMap())
			}
			return collected, nil
		}, neo4j.WithTxTimeout(c.cfg.TxTimeout))
		if err != nil {
			return err
		}
		rows = out.([]map[string]any)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("neo4jdb: execute single: %w", err)
	}
	return rows, nil
}

// ExecuteBatched streams the rows produced by outer through inner in
// server-side transaction batches via apoc.periodic.iterate. Individual batch
// failures do not abort the call; they come back in the BatchResult so the
// caller can decide how loud to be.
func (c *Client) ExecuteBatched(ctx context.Context, outer, inner string, params map[string]any, batchSize int) (types.BatchResult, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}
	if params == nil {
		params = map[string]any{}
	}
	args := map[string]any{
		"outer":     outer,
		"inner":     inner,
		"batchSize": batchSize,
		"params":    params,
	}

	var result types.BatchResult
	err := c.withRetry(ctx, "execute_batched", func() error {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{
			AccessMode:   neo4j.AccessModeWrite,
			DatabaseName: c.database,
		})
		defer session.Close(ctx)

		res, err := session.Run(ctx, iterateQuery, args)
		if err != nil {
			return err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return err
		}
		result = batchResultFromRow(record.AsMap())
		return nil
	})
	if err != nil {
		return types.BatchResult{}, fmt.Errorf("neo4jdb: execute batched: %w", err)
	}
	if result.Failed > 0 {
		c.log.Warn("batched write reported failures",
			"batches", result.Batches,
			"failed_operations", result.Failed,
			"errors", strings.Join(result.Errors, "; "))
	}
	return result, nil
}

// withRetry retries transient failures (leader switches, connection drops)
// with exponential backoff. Permanent errors fail on the first attempt.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !neo4j.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn("transient graph error, retrying", "op", op, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx))
}

func batchResultFromRow(row map[string]any) types.BatchResult {
	br := types.BatchResult{
		Batches:       asInt64(row["batches"]),
		Committed:     asInt64(row["committedOperations"]),
		Failed:        asInt64(row["failedOperations"]),
		FailedBatches: asInt64(row["failedBatches"]),
	}
	if msgs, ok := row["errorMessages"].(map[string]any); ok {
		for msg, count := range msgs {
			br.Errors = append(br.Errors, fmt.Sprintf("%s (x%v)", msg, count))
		}
		sort.Strings(br.Errors)
	}
	return br
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

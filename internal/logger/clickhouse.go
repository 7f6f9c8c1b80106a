package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig configures the analytics sink. Addr is a list of
// host:port pairs for failover across a cluster.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string
}

func (c ClickHouseConfig) table() string {
	if c.Table == "" {
		return "request_logs"
	}
	return c.Table
}

// ClickHouseSink batches RequestLog rows into ClickHouse for analytics.
// This gives the "not wired in the open-source build" request-logger
// comment a real backend: every flushed batch is inserted as one
// server-side prepared batch insert.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink opens a connection pool and verifies reachability with
// Ping before returning.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: cfg.table()}, nil
}

// WriteBatch inserts entries as one ClickHouse batch insert.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []RequestLog) error {
	if len(entries) == 0 {
		return nil
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (id, provider, model, input_tokens, output_tokens, latency_ms, status, cached, created_at)",
		s.table,
	)
	batch, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.Provider,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Cached,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("logger: append row: %w", err)
		}
	}

	return batch.Send()
}

// Close releases the underlying connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client hands out connections to a single ClickHouse database.
type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Database() string
	Close() error
}

// Connection is the subset of the native driver used by the loader.
// Close releases the connection back to the client; it does not close the pool.
type Connection interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

type client struct {
	log      *slog.Logger
	conn     driver.Conn
	database string
}

type connection struct {
	driver.Conn
}

func (c *connection) Close() error { return nil }

func NewClient(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) (Client, error) {
	return open(ctx, log, clientOptions(addr, database, username, password, secure))
}

// NewHTTPClient connects over the HTTP interface. ClickHouse keeps running a
// non-readonly HTTP query after its client disconnects, so statements sent
// this way outlive the process that sent them.
func NewHTTPClient(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) (Client, error) {
	opts := clientOptions(addr, database, username, password, secure)
	opts.Protocol = clickhouse.HTTP
	opts.ReadTimeout = 24 * time.Hour
	return open(ctx, log, opts)
}

func clientOptions(addr, database, username, password string, secure bool) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
	if secure {
		opts.TLS = &tls.Config{}
	}
	return opts
}

func open(ctx context.Context, log *slog.Logger, opts *clickhouse.Options) (Client, error) {
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if err := conn.Ping(ctx); err != nil {
			if attempt < 3 {
				time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
				continue
			}
			conn.Close()
			return nil, fmt.Errorf("failed to ping ClickHouse after retries: %w", err)
		}
		break
	}

	log.Debug("clickhouse: connected", "addr", opts.Addr[0], "database", opts.Auth.Database, "http", opts.Protocol == clickhouse.HTTP, "secure", opts.TLS != nil)
	return &client{log: log, conn: conn, database: opts.Auth.Database}, nil
}

func (c *client) Conn(ctx context.Context) (Connection, error) {
	return &connection{Conn: c.conn}, nil
}

func (c *client) Database() string {
	return c.database
}

func (c *client) Close() error {
	return c.conn.Close()
}

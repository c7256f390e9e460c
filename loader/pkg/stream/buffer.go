package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
)

// BufferConfig configures streams backed by ClickHouse Buffer tables.
type BufferConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client

	// FlushInterval is the longest a record may sit in the buffer before it
	// is written to the staging table.
	FlushInterval time.Duration
	Layers        int
	MinRows       int
	MaxRows       int
	MinBytes      int
	MaxBytes      int
}

func (cfg *BufferConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}
	if cfg.Layers <= 0 {
		cfg.Layers = 16
	}
	if cfg.MinRows <= 0 {
		cfg.MinRows = 10_000
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1_000_000
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 10 << 20
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 100 << 20
	}
	return nil
}

// BufferProvisioner places a Buffer table in front of each staging table.
// Writers insert into the stream table; ClickHouse flushes it into staging.
type BufferProvisioner struct {
	log *slog.Logger
	cfg BufferConfig
}

func NewBufferProvisioner(cfg BufferConfig) (*BufferProvisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BufferProvisioner{log: cfg.Logger, cfg: cfg}, nil
}

func (p *BufferProvisioner) createSQL(name, stagingTable string) string {
	maxTime := int(p.cfg.FlushInterval.Seconds())
	minTime := min(10, maxTime)
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s AS %s ENGINE = Buffer(currentDatabase(), %s, %d, %d, %d, %d, %d, %d, %d)",
		clickhouse.QuoteIdent(name), clickhouse.QuoteIdent(stagingTable), clickhouse.QuoteString(stagingTable),
		p.cfg.Layers, minTime, maxTime, p.cfg.MinRows, p.cfg.MaxRows, p.cfg.MinBytes, p.cfg.MaxBytes,
	)
}

func (p *BufferProvisioner) CreateStream(ctx context.Context, name, stagingTable string) error {
	conn, err := p.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	if err := conn.Exec(ctx, p.createSQL(name, stagingTable)); err != nil {
		return fmt.Errorf("failed to create buffer table %s: %w", name, err)
	}
	p.log.Info("stream/buffer: created stream", "stream", name, "staging_table", stagingTable)
	return nil
}

func (p *BufferProvisioner) StreamIsActive(ctx context.Context, name string) (bool, error) {
	conn, err := p.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	var count uint64
	if err := conn.QueryRow(ctx,
		"SELECT count() FROM system.tables WHERE database = currentDatabase() AND name = ? AND engine = 'Buffer'", name,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query buffer table %s: %w", name, err)
	}
	return count > 0, nil
}

// DeleteStream drops the Buffer table, which flushes any buffered rows first.
func (p *BufferProvisioner) DeleteStream(ctx context.Context, name string) error {
	conn, err := p.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	if err := conn.Exec(ctx, clickhouse.DropTableSQL(name)); err != nil {
		return fmt.Errorf("failed to drop buffer table %s: %w", name, err)
	}
	p.log.Info("stream/buffer: deleted stream", "stream", name)
	return nil
}

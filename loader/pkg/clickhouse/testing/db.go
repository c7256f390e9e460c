package clickhousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
)

// goose keeps its dialect and filesystem in package globals.
var migrateMu sync.Mutex

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

// DB is a ClickHouse test container shared by the tests of a package.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	httpAddr  string
	container *tcch.ClickHouseContainer
}

// Addr returns the native protocol address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

// HTTPAddr returns the HTTP interface address (host:port).
func (db *DB) HTTPAddr() string {
	return db.httpAddr
}

func (db *DB) Username() string {
	return db.cfg.Username
}

func (db *DB) Password() string {
	return db.cfg.Password
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := testcontainers.TerminateContainer(db.container, testcontainers.StopContext(terminateCtx)); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ClickHouse DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%s/tcp", cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}
	mappedHTTPPort, err := container.MappedPort(ctx, nat.Port("8123/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container HTTP port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		httpAddr:  fmt.Sprintf("%s:%s", host, mappedHTTPPort.Port()),
		container: container,
	}, nil
}

// NewTestClient creates a database unique to the test, runs the production
// table migrations in it and returns a client bound to it. The database is
// dropped on cleanup.
func NewTestClient(t *testing.T, db *DB) clickhouse.Client {
	ctx := t.Context()
	log := db.log

	databaseName := fmt.Sprintf("test_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))

	adminClient, err := clickhouse.NewClient(ctx, log, db.addr, db.cfg.Database, db.cfg.Username, db.cfg.Password, false)
	require.NoError(t, err, "failed to create ClickHouse admin client")
	adminConn, err := adminClient.Conn(ctx)
	require.NoError(t, err)
	require.NoError(t, clickhouse.CreateDatabase(ctx, log, adminConn, databaseName))

	migrateMu.Lock()
	err = clickhouse.RunMigrations(ctx, log, clickhouse.MigrationConfig{
		Addr:     db.addr,
		Database: databaseName,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	})
	migrateMu.Unlock()
	require.NoError(t, err, "failed to run ClickHouse migrations")

	client, err := clickhouse.NewClient(ctx, log, db.addr, databaseName, db.cfg.Username, db.cfg.Password, false)
	require.NoError(t, err, "failed to create ClickHouse test client")

	t.Cleanup(func() {
		client.Close()
		_ = adminConn.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", databaseName))
		adminConn.Close()
		adminClient.Close()
	})
	return client
}

// NewTestHTTPClient returns an HTTP protocol client for a database created by
// NewTestClient. It is closed on cleanup unless the test closes it first.
func NewTestHTTPClient(t *testing.T, db *DB, database string) clickhouse.Client {
	client, err := clickhouse.NewHTTPClient(t.Context(), db.log, db.httpAddr, database, db.cfg.Username, db.cfg.Password, false)
	require.NoError(t, err, "failed to create ClickHouse HTTP test client")
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}

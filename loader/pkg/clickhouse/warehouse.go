package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// HandleStatus is the outcome of the statement dispatched under one handle
// as recorded in system.query_log.
type HandleStatus struct {
	IsComplete bool
	HadErrors  bool
	// Seen is set once the server has logged the statement at all.
	Seen       bool
	FinishedAt *time.Time
	Error      string
}

type TableStats struct {
	Rows    int64
	MinDate *time.Time
	MaxDate *time.Time
}

type WarehouseConfig struct {
	Logger     *slog.Logger
	ClickHouse Client
	// Async carries ExecuteAsync statements. It should be an HTTP client
	// (NewHTTPClient) so dispatched statements survive this process exiting.
	// Defaults to ClickHouse.
	Async Client

	// QueueCapacities overrides the server's max_concurrent_queries per queue.
	QueueCapacities map[string]int

	// FlushLogs issues SYSTEM FLUSH LOGS before reading system.query_log.
	FlushLogs bool

	// AcceptTimeout bounds how long ExecuteAsync waits for the server to pick
	// up a statement.
	AcceptTimeout      time.Duration
	AcceptPollInterval time.Duration
}

func (cfg *WarehouseConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Async == nil {
		cfg.Async = cfg.ClickHouse
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 10 * time.Second
	}
	if cfg.AcceptPollInterval <= 0 {
		cfg.AcceptPollInterval = 100 * time.Millisecond
	}
	return nil
}

// Warehouse runs loader statements against ClickHouse. An async statement
// runs under its handle as query id, so any later invocation can read its
// outcome back from system tables.
type Warehouse struct {
	log *slog.Logger
	cfg WarehouseConfig

	mu      sync.Mutex
	running map[string]struct{}
	failed  map[string]string
}

func NewWarehouse(cfg WarehouseConfig) (*Warehouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Warehouse{
		log:     cfg.Logger,
		cfg:     cfg,
		running: make(map[string]struct{}),
		failed:  make(map[string]string),
	}, nil
}

// Exec runs statements synchronously in order.
func (w *Warehouse) Exec(ctx context.Context, statements ...string) error {
	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	for _, stmt := range statements {
		w.log.Debug("clickhouse: exec", "sql", stmt)
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	return nil
}

// ExecuteSync runs a query and returns every row as a slice of column values.
func (w *Warehouse) ExecuteSync(ctx context.Context, query string, args ...any) ([][]any, error) {
	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	var result [][]any
	for rows.Next() {
		dest := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]any, len(dest))
		for i, d := range dest {
			row[i] = reflect.ValueOf(d).Elem().Interface()
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return result, nil
}

// ExecuteAsync sends statement under handle and returns once the server has
// picked it up, without waiting for it to finish. An error means the
// statement never reached the server.
func (w *Warehouse) ExecuteAsync(ctx context.Context, handle, statement string) error {
	if handle == "" {
		return errors.New("handle is required")
	}
	if statement == "" {
		return errors.New("statement is required")
	}

	conn, err := w.cfg.Async.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}

	w.mu.Lock()
	w.running[handle] = struct{}{}
	delete(w.failed, handle)
	w.mu.Unlock()

	done := make(chan error, 1)
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer conn.Close()
		defer func() {
			w.mu.Lock()
			delete(w.running, handle)
			w.mu.Unlock()
		}()

		start := time.Now()
		err := conn.Exec(clickhouse.Context(runCtx, clickhouse.WithQueryID(handle)), statement)
		var exception *clickhouse.Exception
		switch {
		case err == nil:
			w.log.Debug("clickhouse: async statement finished", "handle", handle, "duration", time.Since(start))
		case errors.As(err, &exception):
			w.log.Error("clickhouse: async statement failed", "handle", handle, "error", err)
			w.mu.Lock()
			w.failed[handle] = err.Error()
			w.mu.Unlock()
		default:
			// The server outcome is read back from query_log.
			w.log.Warn("clickhouse: lost async statement response", "handle", handle, "error", err)
		}
		done <- err
	}()

	if err := w.awaitAccepted(ctx, handle, done); err != nil {
		return err
	}
	w.log.Debug("clickhouse: dispatched async statement", "handle", handle)
	return nil
}

// awaitAccepted waits until the statement under handle shows up in
// system.processes or returns. A transport error before the server saw the
// statement is returned; anything else is left to HandleStatus.
func (w *Warehouse) awaitAccepted(ctx context.Context, handle string, done <-chan error) error {
	ctx = context.WithoutCancel(ctx)
	deadline := time.Now().Add(w.cfg.AcceptTimeout)
	ticker := time.NewTicker(w.cfg.AcceptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			var exception *clickhouse.Exception
			if err == nil || errors.As(err, &exception) {
				return nil
			}
			if seen, serr := w.seenByServer(ctx, handle); serr == nil && seen {
				return nil
			}
			return fmt.Errorf("failed to send statement %s: %w", handle, err)
		case <-ticker.C:
			running, err := w.serverRunning(ctx, handle)
			if err == nil && running {
				return nil
			}
			if time.Now().After(deadline) {
				w.log.Warn("clickhouse: async statement not yet visible on server", "handle", handle, "timeout", w.cfg.AcceptTimeout)
				return nil
			}
		}
	}
}

func (w *Warehouse) serverRunning(ctx context.Context, handle string) (bool, error) {
	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	var count uint64
	if err := conn.QueryRow(ctx, "SELECT count() FROM system.processes WHERE query_id = ?", handle).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query processes: %w", err)
	}
	return count > 0, nil
}

// seenByServer reports whether the server ran or is running the statement
// under handle.
func (w *Warehouse) seenByServer(ctx context.Context, handle string) (bool, error) {
	if running, err := w.serverRunning(ctx, handle); err != nil || running {
		return running, err
	}
	status, err := w.HandleStatus(ctx, handle)
	if err != nil {
		return false, err
	}
	return status.Seen, nil
}

// HandleStatus reads the outcome of the statement under handle from
// system.query_log, merged with any failure this process saw.
func (w *Warehouse) HandleStatus(ctx context.Context, handle string) (HandleStatus, error) {
	w.mu.Lock()
	localErr, failedLocally := w.failed[handle]
	w.mu.Unlock()

	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return HandleStatus{}, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	if w.cfg.FlushLogs {
		if err := conn.Exec(ctx, "SYSTEM FLUSH LOGS"); err != nil {
			return HandleStatus{}, fmt.Errorf("failed to flush logs: %w", err)
		}
	}

	var (
		started   uint64
		finished  uint64
		errored   uint64
		lastEvent time.Time
		exception string
	)
	row := conn.QueryRow(ctx, `
		SELECT
			countIf(type = 'QueryStart'),
			countIf(type = 'QueryFinish'),
			countIf(type IN ('ExceptionBeforeStart', 'ExceptionWhileProcessing')),
			maxIf(event_time, type != 'QueryStart'),
			anyIf(exception, exception != '')
		FROM system.query_log
		WHERE query_id = ?
	`, handle)
	if err := row.Scan(&started, &finished, &errored, &lastEvent, &exception); err != nil {
		return HandleStatus{}, fmt.Errorf("failed to query handle status: %w", err)
	}

	status := HandleStatus{
		HadErrors: errored > 0 || failedLocally,
		Error:     exception,
		Seen:      started+finished+errored > 0 || failedLocally,
	}
	if status.Error == "" && failedLocally {
		status.Error = localErr
	}
	if finished+errored > 0 && lastEvent.Unix() > 0 {
		t := lastEvent.UTC()
		status.FinishedAt = &t
	}
	status.IsComplete = status.HadErrors || finished > 0
	return status, nil
}

// IsInFlight reports whether the statement under handle is still running,
// either on the server or awaiting its response in this process.
func (w *Warehouse) IsInFlight(ctx context.Context, handle string) (bool, error) {
	w.mu.Lock()
	_, local := w.running[handle]
	w.mu.Unlock()
	if local {
		return true, nil
	}
	return w.serverRunning(ctx, handle)
}

// QueueCapacity returns the concurrency ceiling of a queue. Unconfigured
// queues use the server's max_concurrent_queries, where 0 means unlimited.
func (w *Warehouse) QueueCapacity(ctx context.Context, queue string) (int, error) {
	if c, ok := w.cfg.QueueCapacities[queue]; ok {
		return c, nil
	}

	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	var value string
	if err := conn.QueryRow(ctx, "SELECT value FROM system.server_settings WHERE name = 'max_concurrent_queries'").Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to query max_concurrent_queries: %w", err)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse max_concurrent_queries %q: %w", value, err)
	}
	if n == 0 {
		return math.MaxInt32, nil
	}
	return n, nil
}

// InFlightCount counts running queries for user, or for all users when user
// is empty. The counting query itself is excluded.
func (w *Warehouse) InFlightCount(ctx context.Context, user string) (int, error) {
	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	var count uint64
	if err := conn.QueryRow(ctx,
		"SELECT count() FROM system.processes WHERE (? = '' OR user = ?) AND query_id != queryID()",
		user, user,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to query processes: %w", err)
	}
	return int(count), nil
}

func (w *Warehouse) TableStats(ctx context.Context, table, dateColumn string) (TableStats, error) {
	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return TableStats{}, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	var (
		rows             uint64
		minDate, maxDate time.Time
	)
	query := fmt.Sprintf("SELECT count(), min(%[1]s), max(%[1]s) FROM %[2]s", QuoteIdent(dateColumn), QuoteIdent(table))
	if err := conn.QueryRow(ctx, query).Scan(&rows, &minDate, &maxDate); err != nil {
		return TableStats{}, fmt.Errorf("failed to query stats for %s: %w", table, err)
	}

	stats := TableStats{Rows: int64(rows)}
	// ClickHouse returns the zero date rather than NULL for an empty table.
	if rows > 0 {
		minDate, maxDate = minDate.UTC(), maxDate.UTC()
		stats.MinDate = &minDate
		stats.MaxDate = &maxDate
	}
	return stats, nil
}

// UnsortedPercent is the share of the table's active rows still in unmerged
// level-0 parts.
func (w *Warehouse) UnsortedPercent(ctx context.Context, table string) (float64, error) {
	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	var unmerged, total uint64
	if err := conn.QueryRow(ctx, `
		SELECT sumIf(rows, level = 0), sum(rows)
		FROM system.parts
		WHERE database = currentDatabase() AND table = ? AND active
	`, table).Scan(&unmerged, &total); err != nil {
		return 0, fmt.Errorf("failed to query parts for %s: %w", table, err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(unmerged) / float64(total) * 100, nil
}

func (w *Warehouse) TableExists(ctx context.Context, table string) (bool, error) {
	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	var count uint64
	if err := conn.QueryRow(ctx,
		"SELECT count() FROM system.tables WHERE database = currentDatabase() AND name = ?", table,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query tables: %w", err)
	}
	return count > 0, nil
}

// Close does not wait for async statements: the server finishes them on its
// own and later invocations read their outcome from system.query_log.
func (w *Warehouse) Close() error {
	w.mu.Lock()
	pending := len(w.running)
	w.mu.Unlock()
	if pending > 0 {
		w.log.Info("clickhouse: leaving async statements to the server", "pending", pending)
	}
	return nil
}

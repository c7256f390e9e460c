package clickhouse_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/lakeetl/loader/pkg/clickhouse/testing"
	laketesting "github.com/malbeclabs/lakeetl/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestLake_Warehouse_NewWarehouse(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		wh, err := clickhouse.NewWarehouse(clickhouse.WarehouseConfig{})
		require.Error(t, err)
		require.Nil(t, wh)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing clickhouse", func(t *testing.T) {
		t.Parallel()
		wh, err := clickhouse.NewWarehouse(clickhouse.WarehouseConfig{Logger: laketesting.NewLogger()})
		require.Error(t, err)
		require.Nil(t, wh)
		require.Contains(t, err.Error(), "clickhouse connection is required")
	})
}

func TestLake_Warehouse_DedupAndInsert(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	wh, _ := testWarehouse(t)

	const (
		staging  = "stg_test_game_summaries"
		premerge = "pre_test_game_summaries"
		target   = "game_summaries"
	)
	require.NoError(t, wh.Exec(ctx, clickhouse.CreateStagingTableSQL(staging, target)))

	// 1000 rows where the last 50 repeat the game ids of the first 50 with higher ids.
	require.NoError(t, wh.Exec(ctx, `
		INSERT INTO stg_test_game_summaries
		SELECT
			number + 1,
			if(number < 950, number + 1, number - 949),
			toDate('2024-03-01') + (number % 3),
			1, 'standard', 0, 10, 600, now64(3)
		FROM numbers(1000)
	`))

	runAndWait(t, wh, "gather", clickhouse.GatherStatsSQL(staging))

	stats, err := wh.TableStats(ctx, staging, "game_date")
	require.NoError(t, err)
	require.Equal(t, int64(1000), stats.Rows)
	require.NotNil(t, stats.MinDate)
	require.NotNil(t, stats.MaxDate)
	require.Equal(t, "2024-03-01", stats.MinDate.Format(time.DateOnly))
	require.Equal(t, "2024-03-03", stats.MaxDate.Format(time.DateOnly))

	require.NoError(t, wh.Exec(ctx, clickhouse.PrepareDedupSQL(staging, premerge)...))
	runAndWait(t, wh, "dedup", clickhouse.DedupSQL(staging, premerge, []string{"game_id"}, "id"))

	rows, err := wh.ExecuteSync(ctx, "SELECT count(), uniqExact(game_id), countIf(id > 950) FROM pre_test_game_summaries")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, uint64(950), rows[0][0])
	require.Equal(t, uint64(950), rows[0][1])
	require.Equal(t, uint64(0), rows[0][2], "dedup must keep the lowest id per key")

	insert := clickhouse.InsertSQL(premerge, target, []string{"game_id"}, "game_date", *stats.MinDate, *stats.MaxDate)
	runAndWait(t, wh, "insert", insert)
	requireCount(t, wh, target, 950)

	runAndWait(t, wh, "insert-again", insert)
	requireCount(t, wh, target, 950)

	unsorted, err := wh.UnsortedPercent(ctx, target)
	require.NoError(t, err)
	require.Greater(t, unsorted, 0.0)

	require.NoError(t, wh.Exec(ctx, clickhouse.VacuumSQL(target)))
	unsorted, err = wh.UnsortedPercent(ctx, target)
	require.NoError(t, err)
	require.Equal(t, 0.0, unsorted)

	require.NoError(t, wh.Exec(ctx, clickhouse.DropTableSQL(premerge), clickhouse.DropTableSQL(staging)))
	exists, err := wh.TableExists(ctx, staging)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestLake_Warehouse_RefreshView(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	wh, _ := testWarehouse(t)

	require.NoError(t, wh.Exec(ctx, `
		INSERT INTO player_decks
		SELECT number + 1, intDiv(number, 2) + 1, number % 2, toDate('2024-03-01'), 1, toInt32(number % 3), 1, number % 2, now64(3)
		FROM numbers(12)
	`))

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	sel := "SELECT game_date, archetype_id, count() AS games, sum(won) AS wins FROM player_decks WHERE game_date BETWEEN toDate('2024-03-01') AND toDate('2024-03-01') GROUP BY game_date, archetype_id"
	clearRange := clickhouse.ClearViewRangeSQL("mv_daily_archetype_stats", "game_date", day, day)
	refresh := clickhouse.RefreshViewSQL("mv_daily_archetype_stats", sel)

	for _, phase := range []string{"refresh", "refresh-again"} {
		require.NoError(t, wh.Exec(ctx, clearRange))
		runAndWait(t, wh, phase, refresh)
	}

	rows, err := wh.ExecuteSync(ctx, "SELECT sum(games) FROM mv_daily_archetype_stats")
	require.NoError(t, err)
	require.Equal(t, uint64(12), rows[0][0], "refresh must replace the date range rather than append")
}

func TestLake_Warehouse_HandleStatus(t *testing.T) {
	t.Parallel()

	t.Run("unknown handle is incomplete", func(t *testing.T) {
		t.Parallel()
		wh, _ := testWarehouse(t)

		status, err := wh.HandleStatus(t.Context(), "never-dispatched")
		require.NoError(t, err)
		require.False(t, status.IsComplete)
		require.False(t, status.HadErrors)
		require.False(t, status.Seen)
		require.Nil(t, status.FinishedAt)
	})

	t.Run("failing statement reports errors", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		wh, _ := testWarehouse(t)

		handle := "fail-" + uuid.NewString()
		require.NoError(t, wh.ExecuteAsync(ctx, handle, "SELECT * FROM table_that_does_not_exist"))

		require.Eventually(t, func() bool {
			status, err := wh.HandleStatus(ctx, handle)
			return err == nil && status.IsComplete && status.HadErrors && status.Seen
		}, 30*time.Second, 250*time.Millisecond)
	})

	t.Run("requires a handle and a statement", func(t *testing.T) {
		t.Parallel()
		wh, _ := testWarehouse(t)
		require.Error(t, wh.ExecuteAsync(t.Context(), "", "SELECT 1"))
		require.Error(t, wh.ExecuteAsync(t.Context(), "h", ""))
	})
}

func TestLake_Warehouse_Slots(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	_, client := testWarehouse(t)

	wh, err := clickhouse.NewWarehouse(clickhouse.WarehouseConfig{
		Logger:          laketesting.NewLogger(),
		ClickHouse:      client,
		QueueCapacities: map[string]int{"etl": 4},
	})
	require.NoError(t, err)

	capacity, err := wh.QueueCapacity(ctx, "etl")
	require.NoError(t, err)
	require.Equal(t, 4, capacity)

	capacity, err = wh.QueueCapacity(ctx, "default")
	require.NoError(t, err)
	require.Positive(t, capacity)

	inFlight, err := wh.InFlightCount(ctx, "default")
	require.NoError(t, err)
	require.GreaterOrEqual(t, inFlight, 0)
}

func TestLake_Warehouse_AsyncOutlivesClose(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	setup, client := testWarehouse(t)
	require.NoError(t, setup.Exec(ctx, "CREATE TABLE survivors (n UInt64) ENGINE = MergeTree ORDER BY n"))

	httpClient := clickhousetesting.NewTestHTTPClient(t, sharedDB, client.Database())
	dispatcher, err := clickhouse.NewWarehouse(clickhouse.WarehouseConfig{
		Logger:     laketesting.NewLogger(),
		ClickHouse: client,
		Async:      httpClient,
	})
	require.NoError(t, err)

	handle := "survive-" + uuid.NewString()
	require.NoError(t, dispatcher.ExecuteAsync(ctx, handle, "INSERT INTO survivors SELECT number FROM numbers(4) WHERE sleepEachRow(0.5) = 0"))
	require.NoError(t, dispatcher.Close())
	require.NoError(t, httpClient.Close())

	// A later run reads the outcome through its own warehouse.
	wh := newWarehouse(t, client)
	var status clickhouse.HandleStatus
	require.Eventually(t, func() bool {
		status, err = wh.HandleStatus(ctx, handle)
		return err == nil && status.IsComplete
	}, 60*time.Second, 250*time.Millisecond)
	require.False(t, status.HadErrors, status.Error)
	requireCount(t, wh, "survivors", 4)
}

func runAndWait(t *testing.T, wh *clickhouse.Warehouse, phase string, statement string) {
	t.Helper()
	ctx := context.Background()
	handle := phase + "-" + uuid.NewString()
	require.NoError(t, wh.ExecuteAsync(ctx, handle, statement))

	var status clickhouse.HandleStatus
	require.Eventually(t, func() bool {
		inFlight, err := wh.IsInFlight(ctx, handle)
		if err != nil || inFlight {
			return false
		}
		status, err = wh.HandleStatus(ctx, handle)
		return err == nil && status.IsComplete
	}, 60*time.Second, 250*time.Millisecond)
	require.False(t, status.HadErrors, status.Error)
	require.True(t, status.Seen)
	require.NotNil(t, status.FinishedAt)
}

func requireCount(t *testing.T, wh *clickhouse.Warehouse, table string, want uint64) {
	t.Helper()
	rows, err := wh.ExecuteSync(context.Background(), "SELECT count() FROM "+clickhouse.QuoteIdent(table))
	require.NoError(t, err)
	require.Equal(t, want, rows[0][0])
}

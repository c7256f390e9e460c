package admin_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/malbeclabs/lakeetl/admin/internal/admin"
	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
	"github.com/malbeclabs/lakeetl/loader/pkg/orchestrator"
	"github.com/malbeclabs/lakeetl/loader/pkg/track"
	laketesting "github.com/malbeclabs/lakeetl/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seedTrack(t *testing.T, store *track.MemoryStore, created time.Time) *track.Track {
	t.Helper()
	tr := &track.Track{Prefix: track.NewPrefix(created), Stage: track.StageActive, CreatedAt: created}
	tables := []*track.Table{
		{
			TargetTable:  "game_summaries",
			StagingTable: track.StagingTableName(tr.Prefix, "game_summaries"),
			StreamName:   track.StreamName(tr.Prefix, "game_summaries"),
			Stage:        track.StageActive,
		},
		{TargetTable: "mv_daily_archetype_stats", IsMaterializedView: true, Stage: track.StageActive},
	}
	require.NoError(t, store.CreateTrack(t.Context(), tr, tables))
	return tr
}

func TestLake_Admin_FindOrphans(t *testing.T) {
	t.Parallel()

	store := track.NewMemoryStore()
	live := seedTrack(t, store, now)
	gone := track.NewPrefix(now.Add(-24 * time.Hour))

	wh := clickhouse.NewFakeWarehouse()
	wh.SetQueryResult("FROM system.tables", [][]any{
		{track.StagingTableName(live.Prefix, "game_summaries")},
		{track.StreamName(live.Prefix, "game_summaries")},
		{track.PremergeTableName(live.Prefix, "game_summaries")},
		{track.StagingTableName(gone, "card_plays")},
		{track.StreamName(gone, "card_plays")},
	})

	orphans, err := admin.FindOrphans(t.Context(), wh, store)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		track.StagingTableName(gone, "card_plays"),
		track.StreamName(gone, "card_plays"),
	}, orphans)
}

func TestLake_Admin_DropOrphans(t *testing.T) {
	t.Parallel()

	store := track.NewMemoryStore()
	gone := track.NewPrefix(now.Add(-24 * time.Hour))
	staging := track.StagingTableName(gone, "card_plays")
	streamTable := track.StreamName(gone, "card_plays")

	t.Run("dry run drops nothing", func(t *testing.T) {
		t.Parallel()
		wh := clickhouse.NewFakeWarehouse()
		wh.SetQueryResult("FROM system.tables", [][]any{{staging}, {streamTable}})

		orphans, err := admin.DropOrphans(t.Context(), laketesting.NewLogger(), wh, store, true)
		require.NoError(t, err)
		require.Len(t, orphans, 2)
		for _, stmt := range wh.Execs() {
			require.NotContains(t, stmt, "DROP")
		}
	})

	t.Run("streams are dropped first", func(t *testing.T) {
		t.Parallel()
		wh := clickhouse.NewFakeWarehouse()
		wh.SetQueryResult("FROM system.tables", [][]any{{staging}, {streamTable}})

		_, err := admin.DropOrphans(t.Context(), laketesting.NewLogger(), wh, store, false)
		require.NoError(t, err)

		var drops []string
		for _, stmt := range wh.Execs() {
			if strings.HasPrefix(stmt, "DROP") {
				drops = append(drops, stmt)
			}
		}
		require.Equal(t, []string{
			clickhouse.DropTableSQL(streamTable),
			clickhouse.DropTableSQL(staging),
		}, drops)
	})
}

func TestLake_Admin_PrintStatus(t *testing.T) {
	t.Parallel()

	active := now.Add(-90 * time.Minute)
	rows := int64(42)
	day := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	tracks := []track.TrackStatus{{
		Track: &track.Track{ID: 7, Prefix: "t20240301t1030_abcdef", Stage: track.StageActive, ActiveAt: &active, CloseRequested: true},
		Tables: []*track.Table{
			{TargetTable: "game_summaries", Stage: track.StageActive, FinalStagingTableSize: &rows, MinGameDate: &day, MaxGameDate: &day},
			{TargetTable: "mv_daily_archetype_stats", Stage: track.StageError, IsMaterializedView: true, ErrorMessage: "boom"},
		},
	}}

	var buf bytes.Buffer
	require.NoError(t, admin.PrintStatus(&buf, tracks, now))
	out := buf.String()
	require.Contains(t, out, "TRACK 7")
	require.Contains(t, out, "1h30m0s")
	require.Contains(t, out, "current, close requested")
	require.Contains(t, out, "42 rows")
	require.Contains(t, out, "2024-02-29..2024-02-29")
	require.Contains(t, out, "ERROR")
	require.Contains(t, out, "boom")
}

func TestLake_Admin_WithMaintenanceLock(t *testing.T) {
	t.Parallel()

	t.Run("refuses while a run holds the lock", func(t *testing.T) {
		t.Parallel()
		lock := orchestrator.NewMemoryLock()
		ok, err := lock.TryAcquire(t.Context(), admin.LockNamespace, admin.LockID)
		require.NoError(t, err)
		require.True(t, ok)

		store := track.NewMemoryStore()
		tr := seedTrack(t, store, now)
		called := false
		err = admin.WithMaintenanceLock(t.Context(), laketesting.NewLogger(), lock, func(context.Context) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, admin.ErrLocked)
		require.False(t, called)

		stored, err := store.GetTrack(t.Context(), tr.ID)
		require.NoError(t, err)
		require.False(t, stored.CloseRequested)
	})

	t.Run("holds the lock for the change and releases it", func(t *testing.T) {
		t.Parallel()
		lock := orchestrator.NewMemoryLock()
		err := admin.WithMaintenanceLock(t.Context(), laketesting.NewLogger(), lock, func(ctx context.Context) error {
			ok, err := lock.TryAcquire(ctx, admin.LockNamespace, admin.LockID)
			require.NoError(t, err)
			require.False(t, ok, "a run starting mid-change must skip")
			return errors.New("boom")
		})
		require.EqualError(t, err, "boom")

		ok, err := lock.TryAcquire(t.Context(), admin.LockNamespace, admin.LockID)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

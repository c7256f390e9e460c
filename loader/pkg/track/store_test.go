package track_test

import (
	"testing"
	"time"

	postgrestesting "github.com/malbeclabs/lakeetl/loader/pkg/postgres/testing"
	"github.com/malbeclabs/lakeetl/loader/pkg/track"
	laketesting "github.com/malbeclabs/lakeetl/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestLake_Track_Store(t *testing.T) {
	t.Parallel()

	stores := map[string]func(t *testing.T) track.Store{
		"memory": func(t *testing.T) track.Store {
			return track.NewMemoryStore()
		},
		"postgres": func(t *testing.T) track.Store {
			return track.NewPGStore(laketesting.NewLogger(), postgrestesting.NewTestPool(t, sharedDB))
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			testStore(t, newStore)
		})
	}
}

func newStoredTrack(prefix string, pred *track.Track) (*track.Track, []*track.Table) {
	tr := &track.Track{Prefix: prefix, Stage: track.StageCreated, CreatedAt: testStart}
	if pred != nil {
		tr.PredecessorID = &pred.ID
	}
	tables := []*track.Table{
		{
			TargetTable:  "game_summaries",
			StagingTable: track.StagingTableName(prefix, "game_summaries"),
			StreamName:   track.StreamName(prefix, "game_summaries"),
			Stage:        track.StageCreated,
		},
		{TargetTable: "mv_daily_card_stats", IsMaterializedView: true, Stage: track.StageCreated},
	}
	return tr, tables
}

func testStore(t *testing.T, newStore func(t *testing.T) track.Store) {
	t.Run("create and read back", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		first, firstTables := newStoredTrack("t_first", nil)
		require.NoError(t, store.CreateTrack(ctx, first, firstTables))
		require.NotZero(t, first.ID)
		for _, tt := range firstTables {
			require.NotZero(t, tt.ID)
			require.Equal(t, first.ID, tt.TrackID)
		}

		second, secondTables := newStoredTrack("t_second", first)
		require.NoError(t, store.CreateTrack(ctx, second, secondTables))

		got, err := store.GetTrack(ctx, first.ID)
		require.NoError(t, err)
		require.Equal(t, "t_first", got.Prefix)
		require.Equal(t, track.StageCreated, got.Stage)
		require.NotNil(t, got.SuccessorID)
		require.Equal(t, second.ID, *got.SuccessorID)

		tables, err := store.TablesForTrack(ctx, second.ID)
		require.NoError(t, err)
		require.Len(t, tables, 2)
		require.Equal(t, "game_summaries", tables[0].TargetTable)
		require.Equal(t, track.StagingTableName("t_second", "game_summaries"), tables[0].StagingTable)
		require.True(t, tables[1].IsMaterializedView)

		_, err = store.GetTrack(ctx, 12345)
		require.ErrorIs(t, err, track.ErrNotFound)

		missing := int64(12345)
		orphan, orphanTables := newStoredTrack("t_orphan", nil)
		orphan.PredecessorID = &missing
		require.Error(t, store.CreateTrack(ctx, orphan, orphanTables))
	})

	t.Run("table state round trips", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		tr, tables := newStoredTrack("t_state", nil)
		require.NoError(t, store.CreateTrack(ctx, tr, tables))

		day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		started := testStart.Add(time.Minute)
		size := int64(950)
		tt := tables[0]
		tt.Stage = track.StageDeduplicating
		tt.DedupHandle = "t_state-game_summaries-dedup-1"
		tt.FinalStagingTableSize = &size
		tt.MinGameDate, tt.MaxGameDate = &day, &day
		tt.Timings.Deduplicating.StartedAt = &started
		track.RecomputeStage(tr, tables, started)
		require.NoError(t, store.SaveAll(ctx, []*track.Track{tr}, []*track.Table{tt}))

		got, err := store.TablesForTrack(ctx, tr.ID)
		require.NoError(t, err)
		require.Equal(t, track.StageDeduplicating, got[0].Stage)
		require.Equal(t, "t_state-game_summaries-dedup-1", got[0].DedupHandle)
		require.Equal(t, int64(950), *got[0].FinalStagingTableSize)
		require.Nil(t, got[0].DedupedTableSize)
		require.True(t, day.Equal(*got[0].MinGameDate))
		require.True(t, started.Equal(*got[0].Timings.Deduplicating.StartedAt))
		require.Nil(t, got[0].Timings.Deduplicating.EndedAt)

		storedTrack, err := store.GetTrack(ctx, tr.ID)
		require.NoError(t, err)
		require.Equal(t, track.StageCreated, storedTrack.Stage, "the view is still CREATED")

		require.ErrorIs(t, store.UpdateTable(ctx, &track.Table{ID: 999, Stage: track.StageCreated}), track.ErrNotFound)
	})

	t.Run("at most one current track", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		_, err := store.CurrentTrack(ctx)
		require.ErrorIs(t, err, track.ErrNotFound)

		first, firstTables := newStoredTrack("t_one", nil)
		require.NoError(t, store.CreateTrack(ctx, first, firstTables))
		second, secondTables := newStoredTrack("t_two", first)
		require.NoError(t, store.CreateTrack(ctx, second, secondTables))

		activeAt := testStart
		first.ActiveAt = &activeAt
		first.Stage = track.StageActive
		require.NoError(t, store.SaveAll(ctx, []*track.Track{first}, nil))

		current, err := store.CurrentTrack(ctx)
		require.NoError(t, err)
		require.Equal(t, first.ID, current.ID)

		second.ActiveAt = &activeAt
		second.Stage = track.StageActive
		secondTables[0].Stage = track.StageActive
		require.Error(t, store.SaveAll(ctx, []*track.Track{second}, []*track.Table{secondTables[0]}))

		unchanged, err := store.TablesForTrack(ctx, second.ID)
		require.NoError(t, err)
		require.Equal(t, track.StageCreated, unchanged[0].Stage, "failed save applies nothing")
		got, err := store.GetTrack(ctx, second.ID)
		require.NoError(t, err)
		require.Nil(t, got.ActiveAt)

		closedAt := testStart.Add(time.Hour)
		first.ClosedAt = &closedAt
		first.Stage = track.StageInQuiescence
		require.NoError(t, store.SaveAll(ctx, []*track.Track{first, second}, []*track.Table{secondTables[0]}))

		current, err = store.CurrentTrack(ctx)
		require.NoError(t, err)
		require.Equal(t, second.ID, current.ID)
	})

	t.Run("listing and error scan", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		var prev *track.Track
		var created []*track.Track
		for _, prefix := range []string{"t_a", "t_b", "t_c"} {
			tr, tables := newStoredTrack(prefix, prev)
			require.NoError(t, store.CreateTrack(ctx, tr, tables))
			created = append(created, tr)
			prev = tr
		}

		created[0].Stage = track.StageFinished
		require.NoError(t, store.UpdateTrack(ctx, created[0]))

		unfinished, err := store.ListUnfinishedTracks(ctx)
		require.NoError(t, err)
		require.Len(t, unfinished, 2)
		require.Equal(t, "t_b", unfinished[0].Prefix)
		require.Equal(t, "t_c", unfinished[1].Prefix)

		n, err := store.CountUnfinishedTracks(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		latest, err := store.ListTracks(ctx, 2)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		require.Equal(t, "t_c", latest[0].Prefix)
		require.Equal(t, "t_b", latest[1].Prefix)

		hasErr, err := store.HasErrorState(ctx)
		require.NoError(t, err)
		require.False(t, hasErr)

		tables, err := store.TablesForTrack(ctx, created[2].ID)
		require.NoError(t, err)
		tables[0].Stage = track.StageError
		tables[0].ErrorMessage = "boom"
		require.NoError(t, store.UpdateTable(ctx, tables[0]))

		hasErr, err = store.HasErrorState(ctx)
		require.NoError(t, err)
		require.True(t, hasErr)
	})
}

package track_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/lakeetl/loader/pkg/catalog"
	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
	"github.com/malbeclabs/lakeetl/loader/pkg/metrics"
	"github.com/malbeclabs/lakeetl/loader/pkg/stream"
	"github.com/malbeclabs/lakeetl/loader/pkg/track"
	laketesting "github.com/malbeclabs/lakeetl/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	clock   *clockwork.FakeClock
	store   *track.MemoryStore
	wh      *clickhouse.FakeWarehouse
	streams *stream.MockProvisioner
	sink    *metrics.RecordingSink
	catalog *catalog.Catalog
	mgr     *track.Manager
}

func newHarness(t *testing.T, configure ...func(*track.Config)) *harness {
	t.Helper()

	cat, err := catalog.Default()
	require.NoError(t, err)

	log := laketesting.NewLogger()
	h := &harness{
		clock:   clockwork.NewFakeClockAt(testStart),
		store:   track.NewMemoryStore(),
		wh:      clickhouse.NewFakeWarehouse(),
		streams: stream.NewMockProvisioner(),
		sink:    &metrics.RecordingSink{},
		catalog: cat,
	}
	cfg := track.Config{
		Logger:    log,
		Clock:     h.clock,
		Store:     h.store,
		Warehouse: h.wh,
		Streams:   h.streams,
		Catalog:   cat,
		Metrics:   metrics.NewEmitter(log, h.sink),
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	h.mgr, err = track.NewManager(cfg)
	require.NoError(t, err)
	return h
}

// maintain runs one poll and executes every generated task, failing the
// test on any error other than a deferral.
func (h *harness) maintain(t *testing.T) []track.Task {
	t.Helper()
	ctx := t.Context()

	snap, err := h.mgr.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mgr.Poll(ctx, snap))

	tasks := h.mgr.GenerateTasks(snap)
	for _, task := range tasks {
		if err := task.Run(ctx); err != nil && !errors.Is(err, track.ErrDeferred) {
			require.NoError(t, err, task.Name)
		}
	}
	return tasks
}

func (h *harness) track(t *testing.T, id int64) *track.Track {
	t.Helper()
	tr, err := h.store.GetTrack(t.Context(), id)
	require.NoError(t, err)
	return tr
}

func (h *harness) tables(t *testing.T, id int64) map[string]*track.Table {
	t.Helper()
	tables, err := h.store.TablesForTrack(t.Context(), id)
	require.NoError(t, err)
	out := make(map[string]*track.Table, len(tables))
	for _, tt := range tables {
		out[tt.TargetTable] = tt
	}
	return out
}

// seedTrack stores a closed track whose tables sit at the given stages,
// created in catalog order.
func (h *harness) seedTrack(t *testing.T, pred *track.Track, stages map[string]track.Stage) *track.Track {
	t.Helper()
	ctx := t.Context()

	now := h.clock.Now().UTC()
	tr := &track.Track{Prefix: track.NewPrefix(now), Stage: track.StageCreated, CreatedAt: now}
	if pred != nil {
		tr.PredecessorID = &pred.ID
	}
	var tables []*track.Table
	for _, name := range h.catalog.Targets() {
		stage, ok := stages[name]
		if !ok {
			continue
		}
		_, isView := h.catalog.View(name)
		tt := &track.Table{TargetTable: name, Stage: stage, IsMaterializedView: isView}
		if !isView {
			tt.StagingTable = track.StagingTableName(tr.Prefix, name)
			tt.StreamName = track.StreamName(tr.Prefix, name)
		}
		tables = append(tables, tt)
	}
	require.NoError(t, h.store.CreateTrack(ctx, tr, tables))

	active := now.Add(-2 * time.Hour)
	closed := now.Add(-time.Hour)
	tr.ActiveAt, tr.ClosedAt = &active, &closed
	track.RecomputeStage(tr, tables, now)
	require.NoError(t, h.store.SaveAll(ctx, []*track.Track{tr}, nil))
	return tr
}

func taskNames(tasks []track.Task) []string {
	names := make([]string, 0, len(tasks))
	for _, task := range tasks {
		names = append(names, string(task.Kind)+":"+task.Table)
	}
	return names
}

// stubSlots is a SlotWaiter with a fixed answer.
type stubSlots struct {
	free  bool
	calls int
}

func (s *stubSlots) WaitForSlot(context.Context) (bool, error) {
	s.calls++
	return s.free, nil
}

// failingStore fails SaveAll while fail is set.
type failingStore struct {
	*track.MemoryStore
	fail bool
}

func (s *failingStore) SaveAll(ctx context.Context, tracks []*track.Track, tables []*track.Table) error {
	if s.fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.SaveAll(ctx, tracks, tables)
}

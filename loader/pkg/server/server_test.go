package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/lakeetl/loader/pkg/catalog"
	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
	"github.com/malbeclabs/lakeetl/loader/pkg/metrics"
	"github.com/malbeclabs/lakeetl/loader/pkg/server"
	"github.com/malbeclabs/lakeetl/loader/pkg/stream"
	"github.com/malbeclabs/lakeetl/loader/pkg/track"
	laketesting "github.com/malbeclabs/lakeetl/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type stubMaintainer struct {
	lastSuccess time.Time
	mgr         *track.Manager
}

func (s *stubMaintainer) LastSuccess() time.Time { return s.lastSuccess }
func (s *stubMaintainer) Interval() time.Duration { return time.Minute }
func (s *stubMaintainer) Manager() *track.Manager { return s.mgr }

func newTestServer(t *testing.T) (*server.Server, *stubMaintainer, *clockwork.FakeClock, *track.MemoryStore) {
	t.Helper()

	log := laketesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	cat, err := catalog.Default()
	require.NoError(t, err)
	store := track.NewMemoryStore()
	mgr, err := track.NewManager(track.Config{
		Logger:    log,
		Clock:     clock,
		Store:     store,
		Warehouse: clickhouse.NewFakeWarehouse(),
		Streams:   stream.NewMockProvisioner(),
		Catalog:   cat,
		Metrics:   metrics.NewEmitter(log, metrics.NopSink{}),
	})
	require.NoError(t, err)

	m := &stubMaintainer{mgr: mgr}
	srv, err := server.New(server.Config{Logger: log, Clock: clock, Maintainer: m})
	require.NoError(t, err)
	return srv, m, clock, store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLake_Server_Health(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "lake_loader_maintenance_runs_total")
}

func TestLake_Server_Readiness(t *testing.T) {
	t.Parallel()

	srv, m, clock, _ := newTestServer(t)

	rec := get(t, srv.Handler(), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before the first run")

	m.lastSuccess = clock.Now()
	clock.Advance(2 * time.Minute)
	rec = get(t, srv.Handler(), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	clock.Advance(2 * time.Minute)
	rec = get(t, srv.Handler(), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "4m0s ago")
}

func TestLake_Server_Tracks(t *testing.T) {
	t.Parallel()

	srv, _, clock, store := newTestServer(t)
	ctx := t.Context()

	for i := range 3 {
		now := clock.Now().Add(time.Duration(i) * time.Hour)
		tr := &track.Track{Prefix: track.NewPrefix(now), Stage: track.StageCreated, CreatedAt: now}
		require.NoError(t, store.CreateTrack(ctx, tr, []*track.Table{
			{TargetTable: "game_summaries", Stage: track.StageCreated},
		}))
	}

	rec := get(t, srv.Handler(), "/api/tracks?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Tracks []struct {
			ID     int64  `json:"id"`
			Stage  string `json:"stage"`
			Tables []struct {
				TargetTable string `json:"target_table"`
				Stage       string `json:"stage"`
			} `json:"tables"`
		} `json:"tracks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tracks, 2)
	require.Equal(t, int64(3), body.Tracks[0].ID)
	require.Equal(t, "CREATED", body.Tracks[0].Stage)
	require.Len(t, body.Tracks[0].Tables, 1)
	require.Equal(t, "game_summaries", body.Tracks[0].Tables[0].TargetTable)
}

package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/lakeetl/loader/pkg/catalog"
	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
	"github.com/malbeclabs/lakeetl/loader/pkg/metrics"
	"github.com/malbeclabs/lakeetl/loader/pkg/stream"
)

// Warehouse is the subset of the warehouse client the pipeline drives.
type Warehouse interface {
	Exec(ctx context.Context, statements ...string) error
	ExecuteAsync(ctx context.Context, handle, statement string) error
	HandleStatus(ctx context.Context, handle string) (clickhouse.HandleStatus, error)
	IsInFlight(ctx context.Context, handle string) (bool, error)
	TableStats(ctx context.Context, table, dateColumn string) (clickhouse.TableStats, error)
	UnsortedPercent(ctx context.Context, table string) (float64, error)
}

// SlotWaiter blocks until the warehouse has room for a heavy statement. It
// returns false when no slot freed up in time.
type SlotWaiter interface {
	WaitForSlot(ctx context.Context) (bool, error)
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     Store
	Warehouse Warehouse
	Streams   stream.Provisioner
	Catalog   *catalog.Catalog
	Metrics   *metrics.Emitter
	// Slots gates vacuum dispatch. Nil dispatches without checking.
	Slots SlotWaiter

	TargetDuration      time.Duration
	QuiescenceDuration  time.Duration
	StreamFlushInterval time.Duration

	ActivationTimeout      time.Duration
	ActivationPollInterval time.Duration

	// HandleTimeout is how long a handle may go without progress, while
	// nothing runs under it, before the table is marked as failed.
	HandleTimeout time.Duration

	MaxConcurrentTracks        int
	VacuumUnsortedTolerancePct float64
	StreamConcurrency          int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Warehouse == nil {
		return errors.New("warehouse is required")
	}
	if cfg.Streams == nil {
		return errors.New("stream provisioner is required")
	}
	if cfg.Catalog == nil {
		return errors.New("catalog is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TargetDuration <= 0 {
		cfg.TargetDuration = 60 * time.Minute
	}
	if cfg.StreamFlushInterval <= 0 {
		cfg.StreamFlushInterval = 5 * time.Minute
	}
	if cfg.QuiescenceDuration <= 0 {
		cfg.QuiescenceDuration = 15 * time.Minute
	}
	if cfg.QuiescenceDuration <= cfg.StreamFlushInterval {
		return fmt.Errorf("quiescence duration %s must exceed the stream flush interval %s", cfg.QuiescenceDuration, cfg.StreamFlushInterval)
	}
	if cfg.ActivationTimeout <= 0 {
		cfg.ActivationTimeout = 30 * time.Second
	}
	if cfg.ActivationPollInterval <= 0 {
		cfg.ActivationPollInterval = 2 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Minute
	}
	if cfg.MaxConcurrentTracks <= 0 {
		cfg.MaxConcurrentTracks = 2
	}
	if cfg.VacuumUnsortedTolerancePct < 0 {
		return errors.New("vacuum unsorted tolerance must not be negative")
	}
	if cfg.VacuumUnsortedTolerancePct == 0 {
		cfg.VacuumUnsortedTolerancePct = 5
	}
	if cfg.StreamConcurrency <= 0 {
		cfg.StreamConcurrency = 4
	}
	return nil
}

// Manager drives tracks and their tables through the load pipeline. All
// state lives in the Store; a Manager holds nothing between runs.
type Manager struct {
	log *slog.Logger
	cfg Config
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{log: cfg.Logger, cfg: cfg}, nil
}

func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) now() time.Time {
	return m.cfg.Clock.Now().UTC()
}

// Snapshot is the persisted state a maintenance run works from. Tasks
// mutate its tracks and tables in place as they save them.
type Snapshot struct {
	Now time.Time
	// Current is the track receiving records, if any.
	Current *Track
	// Unfinished holds every track not yet FINISHED, oldest first.
	Unfinished []*Track
	// Latest is the newest track, finished or not.
	Latest *Track
	Tracks map[int64]*Track
	Tables map[int64][]*Table
	// PollFailures lists the tracks Poll could not advance.
	PollFailures []PollFailure

	stale bool
}

type PollFailure struct {
	Track *Track
	Err   error
}

func (s *Snapshot) pollFailed(tr *Track) bool {
	for _, f := range s.PollFailures {
		if f.Track == tr {
			return true
		}
	}
	return false
}

func (s *Snapshot) Track(id *int64) *Track {
	if id == nil {
		return nil
	}
	return s.Tracks[*id]
}

func (s *Snapshot) Predecessor(tr *Track) *Track {
	return s.Track(tr.PredecessorID)
}

func (s *Snapshot) Successor(tr *Track) *Track {
	return s.Track(tr.SuccessorID)
}

// Stale reports whether a save failed after the snapshot was loaded, in
// which case its in-memory state no longer matches the store.
func (s *Snapshot) Stale() bool {
	return s.stale
}

func (s *Snapshot) add(tr *Track, tables []*Table) {
	s.Tracks[tr.ID] = tr
	s.Tables[tr.ID] = tables
	s.Unfinished = append(s.Unfinished, tr)
	s.Latest = tr
}

func (m *Manager) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	unfinished, err := m.cfg.Store.ListUnfinishedTracks(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Now:        m.now(),
		Unfinished: unfinished,
		Tracks:     make(map[int64]*Track, len(unfinished)),
		Tables:     make(map[int64][]*Table, len(unfinished)),
	}
	for _, tr := range unfinished {
		snap.Tracks[tr.ID] = tr
		if tr.IsCurrent() {
			snap.Current = tr
		}
		tables, err := m.cfg.Store.TablesForTrack(ctx, tr.ID)
		if err != nil {
			return nil, err
		}
		snap.Tables[tr.ID] = tables
	}
	for _, tr := range unfinished {
		if tr.PredecessorID == nil || snap.Tracks[*tr.PredecessorID] != nil {
			continue
		}
		pred, err := m.cfg.Store.GetTrack(ctx, *tr.PredecessorID)
		if err != nil {
			return nil, fmt.Errorf("failed to load predecessor of track %s: %w", tr.Prefix, err)
		}
		snap.Tracks[pred.ID] = pred
	}

	latest, err := m.cfg.Store.ListTracks(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(latest) > 0 {
		if tr, ok := snap.Tracks[latest[0].ID]; ok {
			snap.Latest = tr
		} else {
			snap.Latest = latest[0]
		}
	}
	return snap, nil
}

type change struct {
	table *Table
	from  Stage
}

// commit recomputes the track's stage, saves the track and the changed
// tables together, and reports the stage transitions.
func (m *Manager) commit(ctx context.Context, snap *Snapshot, tr *Track, now time.Time, changes ...change) error {
	RecomputeStage(tr, snap.Tables[tr.ID], now)
	tables := make([]*Table, 0, len(changes))
	for _, c := range changes {
		tables = append(tables, c.table)
	}
	if err := m.cfg.Store.SaveAll(ctx, []*Track{tr}, tables); err != nil {
		snap.stale = true
		return fmt.Errorf("failed to save track %s: %w", tr.Prefix, err)
	}
	for _, c := range changes {
		m.emitTransition(ctx, tr, c.table, c.from, now)
	}
	return nil
}

func (m *Manager) emitTransition(ctx context.Context, tr *Track, t *Table, from Stage, now time.Time) {
	if t.Stage == from {
		return
	}
	var d time.Duration
	if p, ok := phaseRunningAt(from); ok {
		d = t.Timings.Span(p).Duration()
	}
	m.log.Info("track: stage transition",
		"track", tr.Prefix, "table", t.TargetTable, "from", from.String(), "to", t.Stage.String())
	metrics.StageTransitionsTotal.WithLabelValues(t.Stage.String()).Inc()
	m.cfg.Metrics.Emit(ctx, metrics.StageTransition{
		TrackPrefix: tr.Prefix,
		TrackID:     tr.ID,
		Table:       t.TargetTable,
		From:        from.String(),
		To:          t.Stage.String(),
		Duration:    d,
		At:          now,
	})
}

// TrackStatus is a track with its tables, for status reporting.
type TrackStatus struct {
	*Track
	Tables []*Table `json:"tables"`
}

// Status returns up to limit tracks, newest first, with their tables.
func (m *Manager) Status(ctx context.Context, limit int) ([]TrackStatus, error) {
	tracks, err := m.cfg.Store.ListTracks(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TrackStatus, 0, len(tracks))
	for _, tr := range tracks {
		tables, err := m.cfg.Store.TablesForTrack(ctx, tr.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, TrackStatus{Track: tr, Tables: tables})
	}
	return out, nil
}

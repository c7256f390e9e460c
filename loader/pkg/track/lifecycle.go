package track

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
)

// TrackShouldClose reports whether the active track has run long enough,
// or an operator asked for it to close.
func (m *Manager) TrackShouldClose(tr *Track, now time.Time) bool {
	if tr == nil || !tr.IsCurrent() {
		return false
	}
	return tr.CloseRequested || tr.ActiveDuration(now) >= m.cfg.TargetDuration
}

// IsAbleToClose reports whether a track with the given predecessor may
// close. The predecessor must have finished its pipeline so that no two
// tracks load into production at the same time.
func IsAbleToClose(pred *Track) bool {
	return pred == nil || pred.Stage == StageFinished
}

func (m *Manager) newTables(prefix string) []*Table {
	var tables []*Table
	for _, def := range m.cfg.Catalog.Tables {
		tables = append(tables, &Table{
			TargetTable:  def.Name,
			StagingTable: StagingTableName(prefix, def.Name),
			StreamName:   StreamName(prefix, def.Name),
			Stage:        StageCreated,
		})
	}
	for _, v := range m.cfg.Catalog.Views {
		tables = append(tables, &Table{
			TargetTable:        v.Name,
			IsMaterializedView: true,
			Stage:              StageCreated,
		})
	}
	return tables
}

// CreateTrack persists a new track, with one table per catalog entry,
// following pred.
func (m *Manager) CreateTrack(ctx context.Context, snap *Snapshot, pred *Track) (*Track, error) {
	now := m.now()
	tr := &Track{
		Prefix:    NewPrefix(now),
		Stage:     StageCreated,
		CreatedAt: now,
	}
	if pred != nil {
		id := pred.ID
		tr.PredecessorID = &id
	}
	tables := m.newTables(tr.Prefix)
	if err := m.cfg.Store.CreateTrack(ctx, tr, tables); err != nil {
		return nil, fmt.Errorf("failed to create track: %w", err)
	}
	if pred != nil {
		id := tr.ID
		pred.SuccessorID = &id
	}
	snap.add(tr, tables)
	m.log.Info("track: created", "track", tr.Prefix, "id", tr.ID, "tables", len(tables))
	return tr, nil
}

// InitializeSuccessor creates the track that will replace current and
// provisions its staging tables and streams.
func (m *Manager) InitializeSuccessor(ctx context.Context, snap *Snapshot, current *Track) (*Track, error) {
	succ, err := m.CreateTrack(ctx, snap, current)
	if err != nil {
		return nil, err
	}
	if err := m.Initialize(ctx, snap, succ); err != nil {
		return succ, err
	}
	return succ, nil
}

// Initialize creates the track's staging tables and delivery streams. Both
// steps tolerate existing objects, so a failed initialization is retried
// from the start.
func (m *Manager) Initialize(ctx context.Context, snap *Snapshot, tr *Track) error {
	tables := snap.Tables[tr.ID]

	var changes []change
	for _, t := range tables {
		if t.Stage < StageInitializing {
			changes = append(changes, change{t, t.Stage})
			t.Stage = StageInitializing
		}
	}
	if len(changes) > 0 {
		if err := m.commit(ctx, snap, tr, m.now(), changes...); err != nil {
			return err
		}
	}

	var statements []string
	for _, t := range tables {
		if !t.IsMaterializedView {
			statements = append(statements, clickhouse.CreateStagingTableSQL(t.StagingTable, t.TargetTable))
		}
	}
	if err := m.cfg.Warehouse.Exec(ctx, statements...); err != nil {
		return fmt.Errorf("failed to create staging tables for track %s: %w", tr.Prefix, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.StreamConcurrency)
	for _, t := range tables {
		if t.IsMaterializedView {
			continue
		}
		g.Go(func() error {
			if err := m.cfg.Streams.CreateStream(gctx, t.StreamName, t.StagingTable); err != nil {
				return fmt.Errorf("failed to create stream %s: %w", t.StreamName, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	changes = changes[:0]
	for _, t := range tables {
		if t.Stage == StageInitializing {
			changes = append(changes, change{t, t.Stage})
			t.Stage = StageInitialized
		}
	}
	if err := m.commit(ctx, snap, tr, m.now(), changes...); err != nil {
		return err
	}
	m.log.Info("track: initialized", "track", tr.Prefix)
	return nil
}

// StreamsAreActive reports whether every stream of the tables is healthy.
func (m *Manager) StreamsAreActive(ctx context.Context, tables []*Table) (bool, error) {
	var inactive atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.StreamConcurrency)
	for _, t := range tables {
		if t.IsMaterializedView {
			continue
		}
		g.Go(func() error {
			ok, err := m.cfg.Streams.StreamIsActive(gctx, t.StreamName)
			if err != nil {
				return fmt.Errorf("failed to check stream %s: %w", t.StreamName, err)
			}
			if !ok {
				inactive.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return inactive.Load() == 0, nil
}

// MakeActive switches ingestion from current to succ once succ's streams
// are healthy. In one save it stamps succ.ActiveAt and marks succ and its
// tables ACTIVE, and stamps current.ClosedAt and marks current and its
// tables IN_QUIESCENCE. current is nil when bootstrapping. If the streams
// stay unhealthy for the activation timeout it returns ErrDeferred.
func (m *Manager) MakeActive(ctx context.Context, snap *Snapshot, current, succ *Track) error {
	deadline := m.cfg.Clock.Now().Add(m.cfg.ActivationTimeout)
	for {
		active, err := m.StreamsAreActive(ctx, snap.Tables[succ.ID])
		if err != nil {
			return err
		}
		if active {
			break
		}
		if !m.cfg.Clock.Now().Before(deadline) {
			return fmt.Errorf("streams of track %s not active after %s: %w", succ.Prefix, m.cfg.ActivationTimeout, ErrDeferred)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.cfg.Clock.After(m.cfg.ActivationPollInterval):
		}
	}

	now := m.now()
	var (
		tracks  []*Track
		changes []change
	)
	if current != nil {
		current.ClosedAt = &now
		for _, t := range snap.Tables[current.ID] {
			if t.Stage != StageError && t.Stage < StageInQuiescence {
				changes = append(changes, change{t, t.Stage})
				t.Stage = StageInQuiescence
			}
		}
		RecomputeStage(current, snap.Tables[current.ID], now)
		tracks = append(tracks, current)
	}
	succ.ActiveAt = &now
	for _, t := range snap.Tables[succ.ID] {
		if t.Stage < StageActive {
			changes = append(changes, change{t, t.Stage})
			t.Stage = StageActive
		}
	}
	RecomputeStage(succ, snap.Tables[succ.ID], now)
	tracks = append(tracks, succ)

	tables := make([]*Table, 0, len(changes))
	for _, c := range changes {
		tables = append(tables, c.table)
	}
	// The current track is saved first so that at no point two tracks are open.
	if err := m.cfg.Store.SaveAll(ctx, tracks, tables); err != nil {
		snap.stale = true
		return fmt.Errorf("failed to activate track %s: %w", succ.Prefix, err)
	}
	snap.Current = succ

	for _, c := range changes {
		owner := succ
		if c.table.TrackID != succ.ID {
			owner = current
		}
		m.emitTransition(ctx, owner, c.table, c.from, now)
	}
	if current != nil {
		m.log.Info("track: activated successor", "track", succ.Prefix, "closed", current.Prefix)
	} else {
		m.log.Info("track: activated", "track", succ.Prefix)
	}
	return nil
}

// Bootstrap brings up a track when none is receiving records: it resumes a
// created but not yet active track, or creates one after the newest track.
func (m *Manager) Bootstrap(ctx context.Context, snap *Snapshot) error {
	tr := pendingTrack(snap)
	if tr == nil {
		var err error
		tr, err = m.CreateTrack(ctx, snap, snap.Latest)
		if err != nil {
			return err
		}
	}
	if tr.Stage < StageInitialized {
		if err := m.Initialize(ctx, snap, tr); err != nil {
			return err
		}
	}
	return m.MakeActive(ctx, snap, nil, tr)
}

// pendingTrack returns the oldest unfinished track that was never activated.
func pendingTrack(snap *Snapshot) *Track {
	for _, tr := range snap.Unfinished {
		if tr.ActiveAt == nil && tr.Stage != StageError {
			return tr
		}
	}
	return nil
}

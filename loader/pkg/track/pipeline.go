package track

import (
	"context"
	"fmt"

	"github.com/malbeclabs/lakeetl/loader/pkg/catalog"
	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
)

func (m *Manager) tableDef(t *Table) (catalog.Table, error) {
	def, ok := m.cfg.Catalog.Table(t.TargetTable)
	if !ok {
		return catalog.Table{}, fmt.Errorf("table %s is not in the catalog", t.TargetTable)
	}
	return def, nil
}

// dispatch moves the table into the phase's running stage under a fresh
// handle and saves it before statement is sent, so a later run never sends
// a second statement while the first may still be running. prepare runs
// synchronously between the save and the send.
func (m *Manager) dispatch(ctx context.Context, snap *Snapshot, tr *Track, t *Table, phase Phase, statement string, prepare ...string) error {
	handle := NewHandle(tr.Prefix, t.TargetTable, phase)
	now := m.now()
	from := t.Stage
	*t.Handle(phase) = handle
	t.Timings.start(phase, now)
	t.Stage = phaseSpecs[phase].running
	if err := m.commit(ctx, snap, tr, now, change{t, from}); err != nil {
		return err
	}

	if len(prepare) > 0 {
		if err := m.cfg.Warehouse.Exec(ctx, prepare...); err != nil {
			err = fmt.Errorf("failed to prepare %s for %s: %w", phase, t.TargetTable, err)
			if rerr := m.release(ctx, snap, tr, t, phase); rerr != nil {
				m.log.Error("track: failed to release handle", "track", tr.Prefix, "table", t.TargetTable, "handle", handle, "error", rerr)
			}
			return err
		}
	}
	// On error the handle stays saved; Poll releases it once the handle
	// timeout shows the server never saw the statement.
	if err := m.cfg.Warehouse.ExecuteAsync(ctx, handle, statement); err != nil {
		return fmt.Errorf("failed to dispatch %s for %s: %w", phase, t.TargetTable, err)
	}
	m.log.Info("track: dispatched", "track", tr.Prefix, "table", t.TargetTable, "phase", phase, "handle", handle)
	return nil
}

// release returns a table whose phase statement was never sent to the
// stage it was dispatched from.
func (m *Manager) release(ctx context.Context, snap *Snapshot, tr *Track, t *Table, phase Phase) error {
	from := t.Stage
	*t.Handle(phase) = ""
	*t.Timings.Span(phase) = Span{}
	t.Stage = phaseSpecs[phase].ready
	return m.commit(ctx, snap, tr, m.now(), change{t, from})
}

// skipTo fast-forwards the table to stage without running anything.
func (m *Manager) skipTo(ctx context.Context, snap *Snapshot, tr *Track, t *Table, stage Stage) error {
	now := m.now()
	from := t.Stage
	t.Stage = stage
	m.log.Info("track: fast-forwarding", "track", tr.Prefix, "table", t.TargetTable, "from", from.String(), "to", stage.String())
	return m.commit(ctx, snap, tr, now, change{t, from})
}

// GatherStats records the staging table's size and date range, then merges
// its parts. An empty staging table has nothing to load and goes straight to
// ANALYZE_COMPLETE with the track's date range.
func (m *Manager) GatherStats(ctx context.Context, snap *Snapshot, tr *Track, t *Table) error {
	def, err := m.tableDef(t)
	if err != nil {
		return err
	}
	stats, err := m.cfg.Warehouse.TableStats(ctx, t.StagingTable, def.DateColumn)
	if err != nil {
		return fmt.Errorf("failed to gather stats for %s: %w", t.StagingTable, err)
	}
	t.FinalStagingTableSize = int64Ptr(stats.Rows)
	t.MinGameDate, t.MaxGameDate = stats.MinDate, stats.MaxDate

	if stats.Rows == 0 {
		t.MinGameDate, t.MaxGameDate = DateRange(snap.Tables[tr.ID])
		return m.skipTo(ctx, snap, tr, t, StageAnalyzeComplete)
	}
	return m.dispatch(ctx, snap, tr, t, PhaseGatheringStats, clickhouse.GatherStatsSQL(t.StagingTable))
}

// Deduplicate builds the premerge table holding one row per natural key.
func (m *Manager) Deduplicate(ctx context.Context, snap *Snapshot, tr *Track, t *Table) error {
	def, err := m.tableDef(t)
	if err != nil {
		return err
	}
	premerge := PremergeTableName(tr.Prefix, t.TargetTable)
	return m.dispatch(ctx, snap, tr, t, PhaseDeduplicating,
		clickhouse.DedupSQL(t.StagingTable, premerge, def.KeyColumns, def.IDColumn),
		clickhouse.PrepareDedupSQL(t.StagingTable, premerge)...)
}

// Insert merges the premerge table into production over the track's date range.
func (m *Manager) Insert(ctx context.Context, snap *Snapshot, tr *Track, t *Table) error {
	def, err := m.tableDef(t)
	if err != nil {
		return err
	}
	minDate, maxDate := DateRange(snap.Tables[tr.ID])
	if minDate == nil || maxDate == nil {
		return fmt.Errorf("track %s has no date range for %s: %w", tr.Prefix, t.TargetTable, ErrPrecondition)
	}

	premerge := PremergeTableName(tr.Prefix, t.TargetTable)
	deduped, err := m.cfg.Warehouse.TableStats(ctx, premerge, def.DateColumn)
	if err != nil {
		return fmt.Errorf("failed to read size of %s: %w", premerge, err)
	}
	target, err := m.cfg.Warehouse.TableStats(ctx, t.TargetTable, def.DateColumn)
	if err != nil {
		return fmt.Errorf("failed to read size of %s: %w", t.TargetTable, err)
	}
	t.DedupedTableSize = int64Ptr(deduped.Rows)
	t.PreInsertTableSize = int64Ptr(target.Rows)

	return m.dispatch(ctx, snap, tr, t, PhaseInserting,
		clickhouse.InsertSQL(premerge, t.TargetTable, def.KeyColumns, def.DateColumn, *minDate, *maxDate))
}

// RefreshView rebuilds the view's rows for the track's date range. A track
// that loaded no rows at all has no range and nothing to refresh.
func (m *Manager) RefreshView(ctx context.Context, snap *Snapshot, tr *Track, t *Table) error {
	view, ok := m.cfg.Catalog.View(t.TargetTable)
	if !ok {
		return fmt.Errorf("view %s is not in the catalog", t.TargetTable)
	}
	minDate, maxDate := DateRange(snap.Tables[tr.ID])
	if minDate == nil || maxDate == nil {
		return m.skipTo(ctx, snap, tr, t, StageAnalyzeComplete)
	}
	t.MinGameDate, t.MaxGameDate = minDate, maxDate
	return m.dispatch(ctx, snap, tr, t, PhaseRefreshingViews,
		clickhouse.RefreshViewSQL(view.Name, view.RenderSelect(*minDate, *maxDate)),
		clickhouse.ClearViewRangeSQL(view.Name, view.DateColumn, *minDate, *maxDate))
}

// Vacuum fully merges the target table, unless it is already mostly sorted.
// When the warehouse has no free slot it returns ErrDeferred without
// touching the table.
func (m *Manager) Vacuum(ctx context.Context, snap *Snapshot, tr *Track, t *Table) error {
	pct, err := m.cfg.Warehouse.UnsortedPercent(ctx, t.TargetTable)
	if err != nil {
		return fmt.Errorf("failed to read unsorted share of %s: %w", t.TargetTable, err)
	}
	if pct < m.cfg.VacuumUnsortedTolerancePct {
		m.log.Debug("track: vacuum not needed", "table", t.TargetTable, "unsorted_pct", pct)
		t.Timings.start(PhaseVacuuming, m.now())
		t.Timings.end(PhaseVacuuming, m.now())
		return m.skipTo(ctx, snap, tr, t, StageVacuumComplete)
	}

	if m.cfg.Slots != nil {
		ok, err := m.cfg.Slots.WaitForSlot(ctx)
		if err != nil {
			return err
		}
		if !ok {
			m.log.Warn("track: no free warehouse slot for vacuum", "track", tr.Prefix, "table", t.TargetTable)
			return fmt.Errorf("vacuum of %s: %w", t.TargetTable, ErrDeferred)
		}
	}
	return m.dispatch(ctx, snap, tr, t, PhaseVacuuming, clickhouse.VacuumSQL(t.TargetTable))
}

func (m *Manager) Analyze(ctx context.Context, snap *Snapshot, tr *Track, t *Table) error {
	return m.dispatch(ctx, snap, tr, t, PhaseAnalyzing, clickhouse.AnalyzeSQL(t.TargetTable))
}

// Cleanup removes the table's stream, staging and premerge tables. It runs
// synchronously; a table left in CLEANING_UP by a failed run is cleaned again.
func (m *Manager) Cleanup(ctx context.Context, snap *Snapshot, tr *Track, t *Table) error {
	if t.Stage != StageCleaningUp {
		now := m.now()
		from := t.Stage
		t.Stage = StageCleaningUp
		t.Timings.start(PhaseCleanup, now)
		if err := m.commit(ctx, snap, tr, now, change{t, from}); err != nil {
			return err
		}
	}

	if !t.IsMaterializedView {
		if t.StreamName != "" {
			if err := m.cfg.Streams.DeleteStream(ctx, t.StreamName); err != nil {
				return fmt.Errorf("failed to delete stream %s: %w", t.StreamName, err)
			}
		}
		err := m.cfg.Warehouse.Exec(ctx,
			clickhouse.DropTableSQL(PremergeTableName(tr.Prefix, t.TargetTable)),
			clickhouse.DropTableSQL(t.StagingTable),
		)
		if err != nil {
			return fmt.Errorf("failed to drop staging tables of %s: %w", t.TargetTable, err)
		}
	}

	now := m.now()
	t.Stage = StageFinished
	t.Timings.end(PhaseCleanup, now)
	return m.commit(ctx, snap, tr, now, change{t, StageCleaningUp})
}

package track

import (
	"context"
	"fmt"
)

// ResetToStage rewinds a closed track's tables to stage so the pipeline
// redoes the work after it. Handles, timings and sizes of the phases being
// redone are cleared, as are error messages. A running stage is treated as
// the stage before it so that its statements are dispatched again. When
// table is empty every table of the track is reset.
func (m *Manager) ResetToStage(ctx context.Context, trackID int64, table string, stage Stage) error {
	if _, ok := phaseRunningAt(stage); ok {
		stage--
	}
	if stage < StageReadyToLoad || stage > StageAnalyzeComplete {
		return fmt.Errorf("cannot reset to %s: stage must be between %s and %s", stage, StageReadyToLoad, StageAnalyzeComplete)
	}

	tr, err := m.cfg.Store.GetTrack(ctx, trackID)
	if err != nil {
		return err
	}
	if tr.ClosedAt == nil {
		return fmt.Errorf("track %s has not closed", tr.Prefix)
	}
	tables, err := m.cfg.Store.TablesForTrack(ctx, trackID)
	if err != nil {
		return err
	}

	var (
		changed []*Table
		found   bool
	)
	for _, t := range tables {
		if table != "" && t.TargetTable != table {
			continue
		}
		found = true
		if t.Stage <= stage && t.Stage != StageError {
			continue
		}
		for _, p := range Phases {
			if phaseSpecs[p].running <= stage {
				continue
			}
			if h := t.Handle(p); h != nil {
				*h = ""
			}
			*t.Timings.Span(p) = Span{}
			clearPhaseResults(t, p)
		}
		t.ErrorMessage = ""
		t.Stage = stage
		changed = append(changed, t)
	}
	if !found {
		return fmt.Errorf("table %s of track %s: %w", table, tr.Prefix, ErrNotFound)
	}

	for _, p := range Phases {
		if phaseSpecs[p].running > stage {
			*tr.Timings.Span(p) = Span{}
		}
	}
	RecomputeStage(tr, tables, m.now())
	if err := m.cfg.Store.SaveAll(ctx, []*Track{tr}, changed); err != nil {
		return fmt.Errorf("failed to reset track %s: %w", tr.Prefix, err)
	}
	m.log.Info("track: reset", "track", tr.Prefix, "table", table, "stage", stage.String(), "tables", len(changed))
	return nil
}

func clearPhaseResults(t *Table, p Phase) {
	switch p {
	case PhaseGatheringStats:
		t.FinalStagingTableSize = nil
		if !t.IsMaterializedView {
			t.MinGameDate, t.MaxGameDate = nil, nil
		}
	case PhaseInserting:
		t.DedupedTableSize = nil
		t.PreInsertTableSize = nil
		t.PostInsertTableSize = nil
	case PhaseRefreshingViews:
		if t.IsMaterializedView {
			t.MinGameDate, t.MaxGameDate = nil, nil
		}
	}
}

// RequestClose asks for the current track to close at the next run,
// regardless of how long it has been active.
func (m *Manager) RequestClose(ctx context.Context) (*Track, error) {
	tr, err := m.cfg.Store.CurrentTrack(ctx)
	if err != nil {
		return nil, err
	}
	tr.CloseRequested = true
	if err := m.cfg.Store.UpdateTrack(ctx, tr); err != nil {
		return nil, err
	}
	m.log.Info("track: close requested", "track", tr.Prefix)
	return tr, nil
}

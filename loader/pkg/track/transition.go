package track

import (
	"context"
	"errors"
	"fmt"
	"time"
)

func phaseCompletingAt(s Stage) (Phase, bool) {
	for _, p := range Phases {
		if phaseSpecs[p].complete == s {
			return p, true
		}
	}
	return "", false
}

// AttemptUpdateStatusToStage moves t to target once the statement under
// handle has finished, or to ERROR if it failed. It does nothing when t is
// already at or past target, or while the statement is still running, so it
// is safe to call on every poll. It reports whether t moved.
func (m *Manager) AttemptUpdateStatusToStage(ctx context.Context, snap *Snapshot, tr *Track, t *Table, target Stage, handle string) (bool, error) {
	if t.Stage >= target || t.Stage == StageError {
		return false, nil
	}
	if handle == "" {
		return false, fmt.Errorf("table %s of track %s has no handle for %s: %w", t.TargetTable, tr.Prefix, target, ErrPrecondition)
	}
	phase, ok := phaseCompletingAt(target)
	if !ok {
		return false, fmt.Errorf("stage %s does not complete a phase", target)
	}

	inFlight, err := m.cfg.Warehouse.IsInFlight(ctx, handle)
	if err != nil {
		return false, fmt.Errorf("failed to check handle %s: %w", handle, err)
	}
	if inFlight {
		m.log.Debug("track: handle in flight", "track", tr.Prefix, "table", t.TargetTable, "handle", handle)
		return false, nil
	}

	status, err := m.cfg.Warehouse.HandleStatus(ctx, handle)
	if err != nil {
		return false, fmt.Errorf("failed to read status of handle %s: %w", handle, err)
	}

	now := m.now()
	from := t.Stage
	switch {
	case status.HadErrors:
		t.Stage = StageError
		t.ErrorMessage = status.Error
		if t.ErrorMessage == "" {
			t.ErrorMessage = fmt.Sprintf("statement under handle %s failed", handle)
		}
		m.log.Error("track: statement failed", "track", tr.Prefix, "table", t.TargetTable, "handle", handle, "error", t.ErrorMessage)
	case status.IsComplete:
		t.Stage = target
		*t.Handle(phase) = ""
	case !m.abandoned(t.Timings.Span(phase), status.FinishedAt, now):
		return false, nil
	case !status.Seen:
		m.log.Warn("track: statement never reached the warehouse, releasing handle", "track", tr.Prefix, "table", t.TargetTable, "handle", handle)
		if err := m.release(ctx, snap, tr, t, phase); err != nil {
			return false, err
		}
		return true, nil
	default:
		t.Stage = StageError
		t.ErrorMessage = fmt.Sprintf("handle %s stopped without finishing", handle)
		m.log.Error("track: handle abandoned", "track", tr.Prefix, "table", t.TargetTable, "handle", handle)
	}
	t.Timings.end(phase, now)

	if err := m.commit(ctx, snap, tr, now, change{t, from}); err != nil {
		return false, err
	}
	return true, nil
}

// abandoned reports whether a handle with nothing running has made no
// progress for longer than the handle timeout. This happens when the server
// lost the statement or never received it.
func (m *Manager) abandoned(span *Span, lastFinished *time.Time, now time.Time) bool {
	var last time.Time
	if span.StartedAt != nil {
		last = *span.StartedAt
	}
	if lastFinished != nil && lastFinished.After(last) {
		last = *lastFinished
	}
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > m.cfg.HandleTimeout
}

// Poll advances every unfinished track as far as persisted state and the
// warehouse allow without dispatching new statements. A track that fails to
// poll is recorded in the snapshot and gets no table tasks this run; only
// precondition violations and cancellation stop the poll.
func (m *Manager) Poll(ctx context.Context, snap *Snapshot) error {
	for _, tr := range snap.Unfinished {
		err := m.pollTrack(ctx, snap, tr)
		switch {
		case err == nil:
		case errors.Is(err, ErrPrecondition), ctx.Err() != nil:
			return err
		default:
			m.log.Error("track: poll failed", "track", tr.Prefix, "error", err)
			snap.PollFailures = append(snap.PollFailures, PollFailure{Track: tr, Err: err})
		}
	}
	return nil
}

func (m *Manager) pollTrack(ctx context.Context, snap *Snapshot, tr *Track) error {
	tables := snap.Tables[tr.ID]
	for _, t := range tables {
		p, ok := phaseRunningAt(t.Stage)
		if !ok || p == PhaseCleanup {
			continue
		}
		spec := phaseSpecs[p]
		moved, err := m.AttemptUpdateStatusToStage(ctx, snap, tr, t, spec.complete, *t.Handle(p))
		if err != nil {
			return err
		}
		if moved && t.Stage == StageInsertComplete && !t.IsMaterializedView {
			m.recordPostInsertSize(ctx, snap, tr, t)
		}
	}

	now := m.now()
	var changes []change
	for _, t := range tables {
		from := t.Stage
		if t.Stage == StageInQuiescence && tr.ClosedAt != nil && !now.Before(tr.ClosedAt.Add(m.cfg.QuiescenceDuration)) {
			t.Stage = StageReadyToLoad
		}
		// Views are only refreshed, and tables have nothing to refresh.
		if t.IsMaterializedView && t.Stage == StageReadyToLoad {
			t.Stage = StageInsertComplete
		}
		if !t.IsMaterializedView && t.Stage == StageInsertComplete {
			t.Stage = StageRefreshingViewsComplete
		}
		if t.Stage != from {
			changes = append(changes, change{t, from})
		}
	}

	minDate, maxDate := DateRange(tables)
	for _, t := range tables {
		if t.IsMaterializedView || t.FinalStagingTableSize == nil || *t.FinalStagingTableSize != 0 {
			continue
		}
		if t.MinGameDate == nil && minDate != nil {
			t.MinGameDate, t.MaxGameDate = cloneTime(minDate), cloneTime(maxDate)
			changes = appendChange(changes, t)
		}
	}

	before := tr.Stage
	if len(changes) == 0 && !RecomputeStage(tr.Clone(), tables, now) {
		return nil
	}
	if err := m.commit(ctx, snap, tr, now, changes...); err != nil {
		return err
	}
	if tr.Stage != before {
		m.log.Info("track: stage changed", "track", tr.Prefix, "from", before.String(), "to", tr.Stage.String())
	}
	return nil
}

func appendChange(changes []change, t *Table) []change {
	for _, c := range changes {
		if c.table == t {
			return changes
		}
	}
	return append(changes, change{t, t.Stage})
}

func (m *Manager) recordPostInsertSize(ctx context.Context, snap *Snapshot, tr *Track, t *Table) {
	def, ok := m.cfg.Catalog.Table(t.TargetTable)
	if !ok {
		return
	}
	stats, err := m.cfg.Warehouse.TableStats(ctx, t.TargetTable, def.DateColumn)
	if err != nil {
		m.log.Warn("track: failed to read post-insert size", "track", tr.Prefix, "table", t.TargetTable, "error", err)
		return
	}
	t.PostInsertTableSize = int64Ptr(stats.Rows)
	if err := m.commit(ctx, snap, tr, m.now(), change{t, t.Stage}); err != nil {
		m.log.Warn("track: failed to save post-insert size", "track", tr.Prefix, "table", t.TargetTable, "error", err)
	}
}

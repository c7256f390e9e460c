package track

import (
	"context"
	"fmt"
)

type TaskKind string

const (
	TaskCleanup             TaskKind = "cleanup"
	TaskAnalyze             TaskKind = "analyze"
	TaskVacuum              TaskKind = "vacuum"
	TaskRefreshView         TaskKind = "refresh_view"
	TaskInsert              TaskKind = "insert"
	TaskDedup               TaskKind = "dedup"
	TaskGatherStats         TaskKind = "gather_stats"
	TaskBootstrap           TaskKind = "bootstrap"
	TaskInitializeSuccessor TaskKind = "initialize_successor"
	TaskInitialize          TaskKind = "initialize"
	TaskActivate            TaskKind = "activate"
)

// Task is one named unit of maintenance work.
type Task struct {
	Name    string
	Kind    TaskKind
	TrackID int64
	Table   string
	Run     func(ctx context.Context) error
}

type tableStep struct {
	kind  TaskKind
	ready func(snap *Snapshot, tr *Track, t *Table) bool
	run   func(m *Manager, ctx context.Context, snap *Snapshot, tr *Track, t *Table) error
}

// tableSteps lists per-table work in reverse pipeline order so that tracks
// further along drain before new work starts.
var tableSteps = []tableStep{
	{
		kind: TaskCleanup,
		ready: func(_ *Snapshot, _ *Track, t *Table) bool {
			return t.Stage == StageAnalyzeComplete || t.Stage == StageCleaningUp
		},
		run: (*Manager).Cleanup,
	},
	{
		kind:  TaskAnalyze,
		ready: atStage(StageVacuumComplete),
		run:   (*Manager).Analyze,
	},
	{
		kind:  TaskVacuum,
		ready: atStage(StageRefreshingViewsComplete),
		run:   (*Manager).Vacuum,
	},
	{
		kind:  TaskRefreshView,
		ready: viewIsRefreshable,
		run:   (*Manager).RefreshView,
	},
	{
		kind:  TaskInsert,
		ready: atStage(StageDeduplicationComplete),
		run:   (*Manager).Insert,
	},
	{
		kind:  TaskDedup,
		ready: atStage(StageGatheringStatsComplete),
		run:   (*Manager).Deduplicate,
	},
	{
		kind: TaskGatherStats,
		ready: func(_ *Snapshot, _ *Track, t *Table) bool {
			return !t.IsMaterializedView && t.Stage == StageReadyToLoad
		},
		run: (*Manager).GatherStats,
	},
}

func atStage(s Stage) func(*Snapshot, *Track, *Table) bool {
	return func(_ *Snapshot, _ *Track, t *Table) bool {
		return t.Stage == s
	}
}

// viewIsRefreshable holds once every table of the track is inserted and
// every view t depends on is refreshed.
func viewIsRefreshable(snap *Snapshot, tr *Track, t *Table) bool {
	if !t.IsMaterializedView || t.Stage != StageInsertComplete {
		return false
	}
	for _, other := range snap.Tables[tr.ID] {
		if !other.IsMaterializedView && other.Stage < StageInsertComplete {
			return false
		}
	}
	return true
}

// GenerateTasks lists the work the snapshot calls for. It has no side
// effects; the tasks act when run.
func (m *Manager) GenerateTasks(snap *Snapshot) []Task {
	var tasks []Task
	for _, step := range tableSteps {
		for _, tr := range snap.Unfinished {
			if snap.pollFailed(tr) {
				continue
			}
			for _, t := range snap.Tables[tr.ID] {
				if !step.ready(snap, tr, t) {
					continue
				}
				if step.kind == TaskRefreshView && !m.dependenciesRefreshed(snap, tr, t) {
					continue
				}
				run := step.run
				tasks = append(tasks, m.task(snap, step.kind, tr, t.TargetTable, func(ctx context.Context) error {
					return run(m, ctx, snap, tr, t)
				}))
			}
		}
	}
	return append(tasks, m.lifecycleTasks(snap)...)
}

func (m *Manager) dependenciesRefreshed(snap *Snapshot, tr *Track, t *Table) bool {
	view, ok := m.cfg.Catalog.View(t.TargetTable)
	if !ok {
		return true
	}
	for _, other := range snap.Tables[tr.ID] {
		if view.DependsOnView(other.TargetTable) && other.Stage < StageRefreshingViewsComplete {
			return false
		}
	}
	return true
}

func (m *Manager) lifecycleTasks(snap *Snapshot) []Task {
	current := snap.Current
	if current == nil {
		return []Task{m.task(snap, TaskBootstrap, nil, "", func(ctx context.Context) error {
			return m.Bootstrap(ctx, snap)
		})}
	}

	succ := snap.Successor(current)
	switch {
	case succ != nil && succ.Stage == StageError:
		return nil
	case succ != nil && succ.Stage < StageInitialized:
		return []Task{m.task(snap, TaskInitialize, succ, "", func(ctx context.Context) error {
			return m.Initialize(ctx, snap, succ)
		})}
	case succ == nil && m.TrackShouldClose(current, snap.Now) && len(snap.Unfinished) < m.cfg.MaxConcurrentTracks:
		return []Task{m.task(snap, TaskInitializeSuccessor, current, "", func(ctx context.Context) error {
			_, err := m.InitializeSuccessor(ctx, snap, current)
			return err
		})}
	case succ != nil && succ.Stage == StageInitialized &&
		m.TrackShouldClose(current, snap.Now) && IsAbleToClose(snap.Predecessor(current)):
		return []Task{m.task(snap, TaskActivate, succ, "", func(ctx context.Context) error {
			return m.MakeActive(ctx, snap, current, succ)
		})}
	}
	return nil
}

func (m *Manager) task(snap *Snapshot, kind TaskKind, tr *Track, table string, run func(ctx context.Context) error) Task {
	task := Task{Kind: kind, Table: table}
	name := string(kind)
	if tr != nil {
		task.TrackID = tr.ID
		name += " " + tr.Prefix
	}
	if table != "" {
		name += "/" + table
	}
	task.Name = name
	task.Run = func(ctx context.Context) error {
		if snap.Stale() {
			return fmt.Errorf("%s skipped after a failed save: %w", name, ErrDeferred)
		}
		return run(ctx)
	}
	return task
}

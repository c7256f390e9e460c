package track

import (
	"time"
)

// Phase is a pipeline step driven by warehouse statements.
type Phase string

const (
	PhaseGatheringStats  Phase = "gather"
	PhaseDeduplicating   Phase = "dedup"
	PhaseInserting       Phase = "insert"
	PhaseRefreshingViews Phase = "refresh"
	PhaseVacuuming       Phase = "vacuum"
	PhaseAnalyzing       Phase = "analyze"
	PhaseCleanup         Phase = "cleanup"
)

type phaseSpec struct {
	// ready is the stage a table waits in before the phase is dispatched.
	ready    Stage
	running  Stage
	complete Stage
}

var phaseSpecs = map[Phase]phaseSpec{
	PhaseGatheringStats:  {StageReadyToLoad, StageGatheringStats, StageGatheringStatsComplete},
	PhaseDeduplicating:   {StageGatheringStatsComplete, StageDeduplicating, StageDeduplicationComplete},
	PhaseInserting:       {StageDeduplicationComplete, StageInserting, StageInsertComplete},
	PhaseRefreshingViews: {StageInsertComplete, StageRefreshingViews, StageRefreshingViewsComplete},
	PhaseVacuuming:       {StageRefreshingViewsComplete, StageVacuuming, StageVacuumComplete},
	PhaseAnalyzing:       {StageVacuumComplete, StageAnalyzing, StageAnalyzeComplete},
	PhaseCleanup:         {StageAnalyzeComplete, StageCleaningUp, StageFinished},
}

// Phases lists the phases in pipeline order.
var Phases = []Phase{
	PhaseGatheringStats,
	PhaseDeduplicating,
	PhaseInserting,
	PhaseRefreshingViews,
	PhaseVacuuming,
	PhaseAnalyzing,
	PhaseCleanup,
}

// phaseRunningAt returns the phase whose running stage is s.
func phaseRunningAt(s Stage) (Phase, bool) {
	for _, p := range Phases {
		if phaseSpecs[p].running == s {
			return p, true
		}
	}
	return "", false
}

type Span struct {
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (s Span) Duration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}

// Timings holds the start and end of every phase. Persisted as JSON.
type Timings struct {
	GatheringStats  Span `json:"gathering_stats"`
	Deduplicating   Span `json:"deduplicating"`
	Inserting       Span `json:"inserting"`
	RefreshingViews Span `json:"refreshing_views"`
	Vacuuming       Span `json:"vacuuming"`
	Analyzing       Span `json:"analyzing"`
	Cleanup         Span `json:"cleanup"`
}

func (t *Timings) Span(p Phase) *Span {
	switch p {
	case PhaseGatheringStats:
		return &t.GatheringStats
	case PhaseDeduplicating:
		return &t.Deduplicating
	case PhaseInserting:
		return &t.Inserting
	case PhaseRefreshingViews:
		return &t.RefreshingViews
	case PhaseVacuuming:
		return &t.Vacuuming
	case PhaseAnalyzing:
		return &t.Analyzing
	case PhaseCleanup:
		return &t.Cleanup
	}
	return nil
}

func (t *Timings) start(p Phase, now time.Time) {
	s := t.Span(p)
	s.StartedAt = &now
	s.EndedAt = nil
}

func (t *Timings) end(p Phase, now time.Time) {
	s := t.Span(p)
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	s.EndedAt = &now
}

// Track is one double-buffering epoch: a generation of staging tables that
// receive records while the track is active and are merged into production
// after it closes.
type Track struct {
	ID             int64      `json:"id"`
	Prefix         string     `json:"prefix"`
	PredecessorID  *int64     `json:"predecessor_id,omitempty"`
	SuccessorID    *int64     `json:"successor_id,omitempty"`
	Stage          Stage      `json:"stage"`
	CloseRequested bool       `json:"close_requested"`
	CreatedAt      time.Time  `json:"created_at"`
	ActiveAt       *time.Time `json:"active_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	Timings        Timings    `json:"timings"`
}

// IsCurrent reports whether the track is the one receiving records.
func (t *Track) IsCurrent() bool {
	return t.ActiveAt != nil && t.ClosedAt == nil
}

// ActiveDuration is how long the track has been receiving records.
func (t *Track) ActiveDuration(now time.Time) time.Duration {
	if t.ActiveAt == nil {
		return 0
	}
	end := now
	if t.ClosedAt != nil {
		end = *t.ClosedAt
	}
	return end.Sub(*t.ActiveAt)
}

// ActiveMinutes reports ActiveDuration in whole minutes, rounded down.
func (t *Track) ActiveMinutes(now time.Time) int {
	return int(t.ActiveDuration(now) / time.Minute)
}

func (t *Track) Clone() *Track {
	c := *t
	c.PredecessorID = cloneInt64(t.PredecessorID)
	c.SuccessorID = cloneInt64(t.SuccessorID)
	c.ActiveAt = cloneTime(t.ActiveAt)
	c.ClosedAt = cloneTime(t.ClosedAt)
	return &c
}

// Table is the staging and merge unit for one production table or
// materialized view within a track.
type Table struct {
	ID                 int64  `json:"id"`
	TrackID            int64  `json:"track_id"`
	TargetTable        string `json:"target_table"`
	StagingTable       string `json:"staging_table,omitempty"`
	StreamName         string `json:"stream_name,omitempty"`
	IsMaterializedView bool   `json:"is_materialized_view"`
	Stage              Stage  `json:"stage"`

	FinalStagingTableSize *int64     `json:"final_staging_table_size,omitempty"`
	DedupedTableSize      *int64     `json:"deduped_table_size,omitempty"`
	PreInsertTableSize    *int64     `json:"pre_insert_table_size,omitempty"`
	PostInsertTableSize   *int64     `json:"post_insert_table_size,omitempty"`
	MinGameDate           *time.Time `json:"min_game_date,omitempty"`
	MaxGameDate           *time.Time `json:"max_game_date,omitempty"`

	GatheringStatsHandle string `json:"gathering_stats_handle,omitempty"`
	DedupHandle          string `json:"dedup_handle,omitempty"`
	InsertHandle         string `json:"insert_handle,omitempty"`
	RefreshViewHandle    string `json:"refresh_view_handle,omitempty"`
	VacuumHandle         string `json:"vacuum_handle,omitempty"`
	AnalyzeHandle        string `json:"analyze_handle,omitempty"`

	ErrorMessage string  `json:"error_message,omitempty"`
	Timings      Timings `json:"timings"`
}

// Handle returns the handle field for p, or nil for phases without one.
func (t *Table) Handle(p Phase) *string {
	switch p {
	case PhaseGatheringStats:
		return &t.GatheringStatsHandle
	case PhaseDeduplicating:
		return &t.DedupHandle
	case PhaseInserting:
		return &t.InsertHandle
	case PhaseRefreshingViews:
		return &t.RefreshViewHandle
	case PhaseVacuuming:
		return &t.VacuumHandle
	case PhaseAnalyzing:
		return &t.AnalyzeHandle
	}
	return nil
}

// OutstandingHandle returns the phase and handle of the statement the table
// is waiting on. At most one handle is set at a time.
func (t *Table) OutstandingHandle() (Phase, string) {
	for _, p := range Phases {
		if h := t.Handle(p); h != nil && *h != "" {
			return p, *h
		}
	}
	return "", ""
}

func (t *Table) Clone() *Table {
	c := *t
	c.FinalStagingTableSize = cloneInt64(t.FinalStagingTableSize)
	c.DedupedTableSize = cloneInt64(t.DedupedTableSize)
	c.PreInsertTableSize = cloneInt64(t.PreInsertTableSize)
	c.PostInsertTableSize = cloneInt64(t.PostInsertTableSize)
	c.MinGameDate = cloneTime(t.MinGameDate)
	c.MaxGameDate = cloneTime(t.MaxGameDate)
	return &c
}

// DateRange is the min and max game date across tables. Nil when no table
// has a date range yet.
func DateRange(tables []*Table) (minDate, maxDate *time.Time) {
	for _, t := range tables {
		if t.MinGameDate != nil && (minDate == nil || t.MinGameDate.Before(*minDate)) {
			d := *t.MinGameDate
			minDate = &d
		}
		if t.MaxGameDate != nil && (maxDate == nil || t.MaxGameDate.After(*maxDate)) {
			d := *t.MaxGameDate
			maxDate = &d
		}
	}
	return minDate, maxDate
}

// AggregateStage is the least advanced stage among the tables that are not
// finished, or FINISHED when all are.
func AggregateStage(tables []*Table) Stage {
	stage := StageFinished
	for _, t := range tables {
		if t.Stage != StageFinished && t.Stage < stage {
			stage = t.Stage
		}
	}
	return stage
}

// RecomputeStage sets the track's stage from its tables and stamps the
// track's phase timings as it enters and leaves phases. It reports whether
// anything changed.
func RecomputeStage(tr *Track, tables []*Table, now time.Time) bool {
	if len(tables) == 0 {
		return false
	}
	before := tr.Clone()
	tr.Stage = AggregateStage(tables)
	if tr.Stage != StageError {
		for _, p := range Phases {
			spec := phaseSpecs[p]
			span := tr.Timings.Span(p)
			if tr.Stage >= spec.running && span.StartedAt == nil {
				t := now
				span.StartedAt = &t
			}
			if tr.Stage >= spec.complete && span.EndedAt == nil {
				t := now
				span.EndedAt = &t
			}
		}
	}
	return tr.Stage != before.Stage || tr.Timings != before.Timings
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func int64Ptr(v int64) *int64 {
	return &v
}

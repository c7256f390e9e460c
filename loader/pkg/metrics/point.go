package metrics

import (
	"strconv"
	"time"
)

// Point is a single measurement written to a Sink.
type Point interface {
	Measurement() string
	Tags() map[string]string
	Fields() map[string]any
	Time() time.Time
}

// StageTransition is emitted whenever a track table changes stage.
type StageTransition struct {
	TrackPrefix string
	TrackID     int64
	Table       string
	From        string
	To          string
	// Duration is how long the table spent in the stage it left, when known.
	Duration time.Duration
	At       time.Time
}

func (p StageTransition) Measurement() string { return "stage_transition" }

func (p StageTransition) Tags() map[string]string {
	return map[string]string{
		"track": p.TrackPrefix,
		"table": p.Table,
		"from":  p.From,
		"to":    p.To,
	}
}

func (p StageTransition) Fields() map[string]any {
	return map[string]any{
		"track_id":         p.TrackID,
		"duration_seconds": p.Duration.Seconds(),
	}
}

func (p StageTransition) Time() time.Time { return p.At }

// Heartbeat is emitted once per maintenance run.
type Heartbeat struct {
	Skipped         bool
	Failed          bool
	TasksGenerated  int
	TasksExecuted   int
	TasksFailed     int
	TasksDeferred   int
	ActiveTrack     string
	ActiveMinutes   int
	UnfinishedCount int
	Duration        time.Duration
	At              time.Time
}

func (p Heartbeat) Measurement() string { return "loader_heartbeat" }

func (p Heartbeat) Tags() map[string]string {
	return map[string]string{
		"skipped": strconv.FormatBool(p.Skipped),
		"failed":  strconv.FormatBool(p.Failed),
	}
}

func (p Heartbeat) Fields() map[string]any {
	return map[string]any{
		"tasks_generated":   p.TasksGenerated,
		"tasks_executed":    p.TasksExecuted,
		"tasks_failed":      p.TasksFailed,
		"tasks_deferred":    p.TasksDeferred,
		"active_track":      p.ActiveTrack,
		"active_minutes":    p.ActiveMinutes,
		"unfinished_tracks": p.UnfinishedCount,
		"duration_seconds":  p.Duration.Seconds(),
	}
}

func (p Heartbeat) Time() time.Time { return p.At }

// TaskExecution is emitted after each maintenance task runs.
type TaskExecution struct {
	Name     string
	Kind     string
	Status   string
	Duration time.Duration
	Error    string
	At       time.Time
}

func (p TaskExecution) Measurement() string { return "task_execution" }

func (p TaskExecution) Tags() map[string]string {
	return map[string]string{
		"kind":   p.Kind,
		"status": p.Status,
	}
}

func (p TaskExecution) Fields() map[string]any {
	return map[string]any{
		"name":             p.Name,
		"duration_seconds": p.Duration.Seconds(),
		"error":            p.Error,
	}
}

func (p TaskExecution) Time() time.Time { return p.At }

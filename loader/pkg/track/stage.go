package track

import "fmt"

// Stage is the position of a track or track table in the load pipeline.
// Stages are totally ordered; ERROR sorts first so a track holding an
// errored table aggregates to ERROR.
type Stage int

const (
	StageError Stage = iota
	StageCreated
	StageInitializing
	StageInitialized
	StageActive
	StageInQuiescence
	StageReadyToLoad
	StageGatheringStats
	StageGatheringStatsComplete
	StageDeduplicating
	StageDeduplicationComplete
	StageInserting
	StageInsertComplete
	StageRefreshingViews
	StageRefreshingViewsComplete
	StageVacuuming
	StageVacuumComplete
	StageAnalyzing
	StageAnalyzeComplete
	StageCleaningUp
	StageFinished
)

var stageNames = [...]string{
	StageError:                   "ERROR",
	StageCreated:                 "CREATED",
	StageInitializing:            "INITIALIZING",
	StageInitialized:             "INITIALIZED",
	StageActive:                  "ACTIVE",
	StageInQuiescence:            "IN_QUIESCENCE",
	StageReadyToLoad:             "READY_TO_LOAD",
	StageGatheringStats:          "GATHERING_STATS",
	StageGatheringStatsComplete:  "GATHERING_STATS_COMPLETE",
	StageDeduplicating:           "DEDUPLICATING",
	StageDeduplicationComplete:   "DEDUPLICATION_COMPLETE",
	StageInserting:               "INSERTING",
	StageInsertComplete:          "INSERT_COMPLETE",
	StageRefreshingViews:         "REFRESHING_VIEWS",
	StageRefreshingViewsComplete: "REFRESHING_VIEWS_COMPLETE",
	StageVacuuming:               "VACUUMING",
	StageVacuumComplete:          "VACUUM_COMPLETE",
	StageAnalyzing:               "ANALYZING",
	StageAnalyzeComplete:         "ANALYZE_COMPLETE",
	StageCleaningUp:              "CLEANING_UP",
	StageFinished:                "FINISHED",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return StageError, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// AtLeast reports whether s is at or past other.
func (s Stage) AtLeast(other Stage) bool {
	return s >= other
}

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, len(stageNames))
	for i := range stageNames {
		out[i] = Stage(i)
	}
	return out
}

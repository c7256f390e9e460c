package admin

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/lakeetl/loader/pkg/track"
)

// PrintStatus writes one block per track: the track's own row followed by
// a row per table.
func PrintStatus(w io.Writer, tracks []track.TrackStatus, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, ts := range tracks {
		fmt.Fprintf(tw, "TRACK %d\t%s\t%s\tactive %s\t%s\n",
			ts.ID, ts.Prefix, ts.Stage, formatActive(ts.Track, now), flags(ts.Track))
		for _, t := range ts.Tables {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
				t.TargetTable, t.Stage, formatRows(t), formatRange(t), t.ErrorMessage)
		}
	}
	return tw.Flush()
}

func formatActive(tr *track.Track, now time.Time) string {
	if tr.ActiveAt == nil {
		return "-"
	}
	return tr.ActiveDuration(now).Truncate(time.Second).String()
}

func flags(tr *track.Track) string {
	switch {
	case tr.IsCurrent() && tr.CloseRequested:
		return "current, close requested"
	case tr.IsCurrent():
		return "current"
	}
	return ""
}

func formatRows(t *track.Table) string {
	if t.IsMaterializedView {
		return "view"
	}
	if t.FinalStagingTableSize == nil {
		return "-"
	}
	return fmt.Sprintf("%d rows", *t.FinalStagingTableSize)
}

func formatRange(t *track.Table) string {
	if t.MinGameDate == nil || t.MaxGameDate == nil {
		return "-"
	}
	return t.MinGameDate.Format(time.DateOnly) + ".." + t.MaxGameDate.Format(time.DateOnly)
}

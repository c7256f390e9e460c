package track

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewPrefix returns a unique prefix for a track created at now.
func NewPrefix(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("t%s_%s", now.UTC().Format("20060102t1504"), id[:6])
}

func StagingTableName(prefix, target string) string {
	return fmt.Sprintf("stg_%s_%s", prefix, target)
}

func PremergeTableName(prefix, target string) string {
	return fmt.Sprintf("pre_%s_%s", prefix, target)
}

func StreamName(prefix, target string) string {
	return fmt.Sprintf("%s_%s_stream", prefix, target)
}

// NewHandle returns a fresh handle for statements of phase on a table.
func NewHandle(prefix, target string, phase Phase) string {
	return fmt.Sprintf("%s-%s-%s-%s", prefix, target, phase, uuid.NewString())
}

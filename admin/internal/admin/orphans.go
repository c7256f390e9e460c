package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
	"github.com/malbeclabs/lakeetl/loader/pkg/track"
)

// Warehouse is the subset of the warehouse the orphan sweep needs.
type Warehouse interface {
	ExecuteSync(ctx context.Context, query string, args ...any) ([][]any, error)
	Exec(ctx context.Context, statements ...string) error
}

// loaderObjectsQuery lists every table the loader could have created:
// staging and premerge tables and Buffer stream tables.
const loaderObjectsQuery = `
SELECT name
FROM system.tables
WHERE database = currentDatabase()
  AND (
    startsWith(name, 'stg_t')
    OR startsWith(name, 'pre_t')
    OR match(name, '^t[0-9]{8}t[0-9]{4}_[0-9a-f]{6}_.+_stream$')
  )
ORDER BY name`

// FindOrphans returns loader-created tables that no unfinished track refers
// to. They are left behind when cleanup partially failed before a track was
// finished by hand.
func FindOrphans(ctx context.Context, wh Warehouse, store track.Store) ([]string, error) {
	known := make(map[string]bool)
	unfinished, err := store.ListUnfinishedTracks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished tracks: %w", err)
	}
	for _, tr := range unfinished {
		tables, err := store.TablesForTrack(ctx, tr.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables of track %s: %w", tr.Prefix, err)
		}
		for _, t := range tables {
			if t.IsMaterializedView {
				continue
			}
			known[t.StagingTable] = true
			known[t.StreamName] = true
			known[track.PremergeTableName(tr.Prefix, t.TargetTable)] = true
		}
	}

	rows, err := wh.ExecuteSync(ctx, loaderObjectsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list loader tables: %w", err)
	}
	var orphans []string
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		name, ok := row[0].(string)
		if !ok || known[name] {
			continue
		}
		orphans = append(orphans, name)
	}
	sort.Strings(orphans)
	return orphans, nil
}

// DropOrphans drops what FindOrphans returns. Stream tables are dropped
// before the staging tables they flush into.
func DropOrphans(ctx context.Context, log *slog.Logger, wh Warehouse, store track.Store, dryRun bool) ([]string, error) {
	orphans, err := FindOrphans(ctx, wh, store)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(orphans, func(i, j int) bool {
		return strings.HasSuffix(orphans[i], "_stream") && !strings.HasSuffix(orphans[j], "_stream")
	})
	for _, name := range orphans {
		if dryRun {
			log.Info("admin: would drop orphaned table", "table", name)
			continue
		}
		log.Info("admin: dropping orphaned table", "table", name)
		if err := wh.Exec(ctx, clickhouse.DropTableSQL(name)); err != nil {
			return nil, fmt.Errorf("failed to drop %s: %w", name, err)
		}
	}
	return orphans, nil
}

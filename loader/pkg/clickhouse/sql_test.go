package clickhouse

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLake_SQL_QuoteIdent(t *testing.T) {
	t.Parallel()

	require.Equal(t, "`events`", QuoteIdent("events"))
	require.Equal(t, "`we``ird`", QuoteIdent("we`ird"))
	require.Equal(t, `'it\'s'`, QuoteString("it's"))
}

func TestLake_SQL_Dedup(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"DROP TABLE IF EXISTS `pre`", "CREATE TABLE `pre` AS `stg`"}, PrepareDedupSQL("stg", "pre"))
	stmt := DedupSQL("stg", "pre", []string{"game_id", "player_id"}, "id")
	require.True(t, strings.HasPrefix(stmt, "INSERT INTO `pre` "))
	require.Contains(t, stmt, "PARTITION BY `game_id`, `player_id` ORDER BY `id`")
	require.Contains(t, stmt, "WHERE __rn = 1")
}

func TestLake_SQL_Insert(t *testing.T) {
	t.Parallel()

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	require.Equal(t,
		"INSERT INTO `events` SELECT p.* FROM `pre` AS p LEFT ANTI JOIN (SELECT `game_id` FROM `events` WHERE `game_date` BETWEEN toDate('2024-03-01') AND toDate('2024-03-03')) AS t USING (`game_id`)",
		InsertSQL("pre", "events", []string{"game_id"}, "game_date", from, to),
	)
}

func TestLake_SQL_Maintenance(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t,
		"ALTER TABLE `v` DELETE WHERE `d` BETWEEN toDate('2024-03-01') AND toDate('2024-03-01') SETTINGS mutations_sync = 2",
		ClearViewRangeSQL("v", "d", day, day),
	)
	require.Equal(t, "INSERT INTO `v` SELECT 1", RefreshViewSQL("v", "SELECT 1"))
	require.Equal(t, "OPTIMIZE TABLE `t` FINAL", VacuumSQL("t"))
	require.Equal(t, "ALTER TABLE `t` MATERIALIZE STATISTICS ALL", AnalyzeSQL("t"))
}

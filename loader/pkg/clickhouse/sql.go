package clickhouse

import (
	"fmt"
	"strings"
	"time"
)

// QuoteIdent quotes a ClickHouse identifier with backticks.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// QuoteString quotes a ClickHouse string literal.
func QuoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

func dateLiteral(t time.Time) string {
	return fmt.Sprintf("toDate('%s')", t.UTC().Format(time.DateOnly))
}

// CreateStagingTableSQL creates a staging table with the target's schema.
func CreateStagingTableSQL(staging, target string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS %s", QuoteIdent(staging), QuoteIdent(target))
}

// GatherStatsSQL merges the staging table's parts so row counts and date
// bounds read afterwards reflect everything the stream delivered.
func GatherStatsSQL(staging string) string {
	return fmt.Sprintf("OPTIMIZE TABLE %s", QuoteIdent(staging))
}

// PrepareDedupSQL recreates an empty premerge table with the staging schema.
func PrepareDedupSQL(staging, premerge string) []string {
	return []string{
		DropTableSQL(premerge),
		fmt.Sprintf("CREATE TABLE %s AS %s", QuoteIdent(premerge), QuoteIdent(staging)),
	}
}

// DedupSQL fills the premerge table with one row per key, the one with the lowest id.
func DedupSQL(staging, premerge string, keyColumns []string, idColumn string) string {
	return fmt.Sprintf(
		"INSERT INTO %s SELECT * EXCEPT (__rn) FROM (SELECT *, row_number() OVER (PARTITION BY %s ORDER BY %s) AS __rn FROM %s) WHERE __rn = 1",
		QuoteIdent(premerge), quoteIdents(keyColumns), QuoteIdent(idColumn), QuoteIdent(staging),
	)
}

// InsertSQL copies premerge rows whose keys are not already present in the
// target within the date range. Re-running it inserts nothing new.
func InsertSQL(premerge, target string, keyColumns []string, dateColumn string, minDate, maxDate time.Time) string {
	keys := quoteIdents(keyColumns)
	return fmt.Sprintf(
		"INSERT INTO %s SELECT p.* FROM %s AS p LEFT ANTI JOIN (SELECT %s FROM %s WHERE %s BETWEEN %s AND %s) AS t USING (%s)",
		QuoteIdent(target), QuoteIdent(premerge),
		keys, QuoteIdent(target), QuoteIdent(dateColumn), dateLiteral(minDate), dateLiteral(maxDate),
		keys,
	)
}

// ClearViewRangeSQL deletes the view table's rows for the date range and
// returns once the mutation has been applied.
func ClearViewRangeSQL(view, dateColumn string, minDate, maxDate time.Time) string {
	return fmt.Sprintf(
		"ALTER TABLE %s DELETE WHERE %s BETWEEN %s AND %s SETTINGS mutations_sync = 2",
		QuoteIdent(view), QuoteIdent(dateColumn), dateLiteral(minDate), dateLiteral(maxDate),
	)
}

// RefreshViewSQL inserts the rendered select into the view table. Run it
// after ClearViewRangeSQL for the same range.
func RefreshViewSQL(view, renderedSelect string) string {
	return fmt.Sprintf("INSERT INTO %s %s", QuoteIdent(view), renderedSelect)
}

func VacuumSQL(target string) string {
	return fmt.Sprintf("OPTIMIZE TABLE %s FINAL", QuoteIdent(target))
}

func AnalyzeSQL(target string) string {
	return fmt.Sprintf("ALTER TABLE %s MATERIALIZE STATISTICS ALL", QuoteIdent(target))
}

func DropTableSQL(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", QuoteIdent(table))
}

package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	trackColumns = `id, track_prefix, predecessor_id, successor_id, stage, close_requested,
		created_at, active_at, closed_at, timings`
	tableColumns = `id, track_id, target_table, staging_table, stream_name, is_materialized_view, stage,
		final_staging_table_size, deduped_table_size, pre_insert_table_size, post_insert_table_size,
		min_game_date, max_game_date,
		gathering_stats_handle, dedup_handle, insert_handle, refresh_view_handle, vacuum_handle, analyze_handle,
		error_message, timings`
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore persists tracks in Postgres.
type PGStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPGStore(log *slog.Logger, pool *pgxpool.Pool) *PGStore {
	return &PGStore{log: log, pool: pool}
}

func scanTrack(row pgx.Row) (*Track, error) {
	var (
		tr    Track
		stage string
	)
	if err := row.Scan(
		&tr.ID, &tr.Prefix, &tr.PredecessorID, &tr.SuccessorID, &stage, &tr.CloseRequested,
		&tr.CreatedAt, &tr.ActiveAt, &tr.ClosedAt, &tr.Timings,
	); err != nil {
		return nil, err
	}
	s, err := ParseStage(stage)
	if err != nil {
		return nil, err
	}
	tr.Stage = s
	return &tr, nil
}

func scanTable(row pgx.Row) (*Table, error) {
	var (
		t     Table
		stage string
	)
	if err := row.Scan(
		&t.ID, &t.TrackID, &t.TargetTable, &t.StagingTable, &t.StreamName, &t.IsMaterializedView, &stage,
		&t.FinalStagingTableSize, &t.DedupedTableSize, &t.PreInsertTableSize, &t.PostInsertTableSize,
		&t.MinGameDate, &t.MaxGameDate,
		&t.GatheringStatsHandle, &t.DedupHandle, &t.InsertHandle, &t.RefreshViewHandle, &t.VacuumHandle, &t.AnalyzeHandle,
		&t.ErrorMessage, &t.Timings,
	); err != nil {
		return nil, err
	}
	s, err := ParseStage(stage)
	if err != nil {
		return nil, err
	}
	t.Stage = s
	return &t, nil
}

func (s *PGStore) queryTracks(ctx context.Context, query string, args ...any) ([]*Track, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	var out []*Track
	for rows.Next() {
		tr, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tracks: %w", err)
	}
	return out, nil
}

func (s *PGStore) CreateTrack(ctx context.Context, tr *Track, tables []*Table) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO tracks (track_prefix, predecessor_id, stage, close_requested, created_at, active_at, closed_at, timings)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, tr.Prefix, tr.PredecessorID, tr.Stage.String(), tr.CloseRequested, tr.CreatedAt, tr.ActiveAt, tr.ClosedAt, tr.Timings,
		).Scan(&tr.ID)
		if err != nil {
			return fmt.Errorf("failed to insert track: %w", err)
		}

		for _, t := range tables {
			t.TrackID = tr.ID
			err := tx.QueryRow(ctx, `
				INSERT INTO track_tables (track_id, target_table, staging_table, stream_name, is_materialized_view, stage, timings)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id
			`, t.TrackID, t.TargetTable, t.StagingTable, t.StreamName, t.IsMaterializedView, t.Stage.String(), t.Timings,
			).Scan(&t.ID)
			if err != nil {
				return fmt.Errorf("failed to insert track table %s: %w", t.TargetTable, err)
			}
		}

		if tr.PredecessorID != nil {
			tag, err := tx.Exec(ctx, `UPDATE tracks SET successor_id = $1 WHERE id = $2`, tr.ID, *tr.PredecessorID)
			if err != nil {
				return fmt.Errorf("failed to link predecessor: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("predecessor %d: %w", *tr.PredecessorID, ErrNotFound)
			}
		}
		return nil
	})
}

func (s *PGStore) GetTrack(ctx context.Context, id int64) (*Track, error) {
	tr, err := scanTrack(s.pool.QueryRow(ctx, `SELECT `+trackColumns+` FROM tracks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("track %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track %d: %w", id, err)
	}
	return tr, nil
}

func (s *PGStore) CurrentTrack(ctx context.Context) (*Track, error) {
	tr, err := scanTrack(s.pool.QueryRow(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE active_at IS NOT NULL AND closed_at IS NULL`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("current track: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current track: %w", err)
	}
	return tr, nil
}

func (s *PGStore) ListUnfinishedTracks(ctx context.Context) ([]*Track, error) {
	return s.queryTracks(ctx, `SELECT `+trackColumns+` FROM tracks WHERE stage <> $1 ORDER BY id`, StageFinished.String())
}

func (s *PGStore) ListTracks(ctx context.Context, limit int) ([]*Track, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTracks(ctx, `SELECT `+trackColumns+` FROM tracks ORDER BY id DESC LIMIT $1`, limit)
}

func (s *PGStore) TablesForTrack(ctx context.Context, trackID int64) ([]*Table, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tableColumns+` FROM track_tables WHERE track_id = $1 ORDER BY id`, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to query track tables: %w", err)
	}
	defer rows.Close()

	var out []*Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track table: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate track tables: %w", err)
	}
	return out, nil
}

func updateTrack(ctx context.Context, db execer, tr *Track) error {
	tag, err := db.Exec(ctx, `
		UPDATE tracks SET
			predecessor_id = $2, successor_id = $3, stage = $4, close_requested = $5,
			active_at = $6, closed_at = $7, timings = $8
		WHERE id = $1
	`, tr.ID, tr.PredecessorID, tr.SuccessorID, tr.Stage.String(), tr.CloseRequested, tr.ActiveAt, tr.ClosedAt, tr.Timings)
	if err != nil {
		return fmt.Errorf("failed to update track %d: %w", tr.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("track %d: %w", tr.ID, ErrNotFound)
	}
	return nil
}

func updateTable(ctx context.Context, db execer, t *Table) error {
	tag, err := db.Exec(ctx, `
		UPDATE track_tables SET
			stage = $2,
			final_staging_table_size = $3, deduped_table_size = $4, pre_insert_table_size = $5, post_insert_table_size = $6,
			min_game_date = $7, max_game_date = $8,
			gathering_stats_handle = $9, dedup_handle = $10, insert_handle = $11,
			refresh_view_handle = $12, vacuum_handle = $13, analyze_handle = $14,
			error_message = $15, timings = $16
		WHERE id = $1
	`, t.ID, t.Stage.String(),
		t.FinalStagingTableSize, t.DedupedTableSize, t.PreInsertTableSize, t.PostInsertTableSize,
		t.MinGameDate, t.MaxGameDate,
		t.GatheringStatsHandle, t.DedupHandle, t.InsertHandle,
		t.RefreshViewHandle, t.VacuumHandle, t.AnalyzeHandle,
		t.ErrorMessage, t.Timings)
	if err != nil {
		return fmt.Errorf("failed to update track table %d: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("track table %d: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (s *PGStore) UpdateTrack(ctx context.Context, tr *Track) error {
	return updateTrack(ctx, s.pool, tr)
}

func (s *PGStore) UpdateTable(ctx context.Context, t *Table) error {
	return updateTable(ctx, s.pool, t)
}

func (s *PGStore) SaveAll(ctx context.Context, tracks []*Track, tables []*Table) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, tr := range tracks {
			if err := updateTrack(ctx, tx, tr); err != nil {
				return err
			}
		}
		for _, t := range tables {
			if err := updateTable(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PGStore) CountUnfinishedTracks(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tracks WHERE stage <> $1`, StageFinished.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unfinished tracks: %w", err)
	}
	return n, nil
}

func (s *PGStore) HasErrorState(ctx context.Context) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tracks WHERE stage = $1)
			OR EXISTS (SELECT 1 FROM track_tables WHERE stage = $1)
	`, StageError.String()).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to check for error states: %w", err)
	}
	return found, nil
}

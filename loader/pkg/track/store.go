package track

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrErrorState is returned when any track or table is in ERROR. All
	// automatic progress stops until an operator resets the stage.
	ErrErrorState = errors.New("track state contains ERROR stages")
	// ErrPrecondition marks persisted state that the pipeline cannot
	// continue from, such as a running stage without a handle.
	ErrPrecondition = errors.New("orchestration precondition violated")
	// ErrDeferred is returned by tasks that could not run now and should be
	// retried on a later run.
	ErrDeferred = errors.New("deferred")
)

// Store persists tracks and their tables.
type Store interface {
	// CreateTrack inserts the track and its tables, assigning their ids, and
	// links the predecessor's successor_id, all in one transaction.
	CreateTrack(ctx context.Context, tr *Track, tables []*Table) error
	GetTrack(ctx context.Context, id int64) (*Track, error)
	// CurrentTrack returns the activated, unclosed track, or ErrNotFound.
	CurrentTrack(ctx context.Context) (*Track, error)
	// ListUnfinishedTracks returns tracks not yet FINISHED, oldest first.
	ListUnfinishedTracks(ctx context.Context) ([]*Track, error)
	// ListTracks returns up to limit tracks, newest first.
	ListTracks(ctx context.Context, limit int) ([]*Track, error)
	TablesForTrack(ctx context.Context, trackID int64) ([]*Table, error)
	UpdateTrack(ctx context.Context, tr *Track) error
	UpdateTable(ctx context.Context, t *Table) error
	// SaveAll updates the tracks, in order, then the tables in one
	// transaction. Either every row is written or none is.
	SaveAll(ctx context.Context, tracks []*Track, tables []*Table) error
	CountUnfinishedTracks(ctx context.Context) (int, error)
	HasErrorState(ctx context.Context) (bool, error)
}

package track

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Values are copied in and out so callers
// only observe changes they save.
type MemoryStore struct {
	mu          sync.Mutex
	nextTrackID int64
	nextTableID int64
	tracks      map[int64]*Track
	tables      map[int64]*Table
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tracks: make(map[int64]*Track),
		tables: make(map[int64]*Table),
	}
}

func (s *MemoryStore) CreateTrack(ctx context.Context, tr *Track, tables []*Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tr.PredecessorID != nil {
		if _, ok := s.tracks[*tr.PredecessorID]; !ok {
			return fmt.Errorf("predecessor %d: %w", *tr.PredecessorID, ErrNotFound)
		}
	}
	for _, existing := range s.tracks {
		if existing.Prefix == tr.Prefix {
			return fmt.Errorf("track prefix %q already exists", tr.Prefix)
		}
	}

	s.nextTrackID++
	tr.ID = s.nextTrackID
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	s.tracks[tr.ID] = tr.Clone()
	for _, t := range tables {
		s.nextTableID++
		t.ID = s.nextTableID
		t.TrackID = tr.ID
		s.tables[t.ID] = t.Clone()
	}
	if tr.PredecessorID != nil {
		id := tr.ID
		s.tracks[*tr.PredecessorID].SuccessorID = &id
	}
	return nil
}

func (s *MemoryStore) GetTrack(ctx context.Context, id int64) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.tracks[id]
	if !ok {
		return nil, fmt.Errorf("track %d: %w", id, ErrNotFound)
	}
	return tr.Clone(), nil
}

func (s *MemoryStore) CurrentTrack(ctx context.Context) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.tracks {
		if tr.IsCurrent() {
			return tr.Clone(), nil
		}
	}
	return nil, fmt.Errorf("current track: %w", ErrNotFound)
}

func (s *MemoryStore) sortedTracks() []*Track {
	out := make([]*Track, 0, len(s.tracks))
	for _, tr := range s.tracks {
		out = append(out, tr)
	}
	slices.SortFunc(out, func(a, b *Track) int { return int(a.ID - b.ID) })
	return out
}

func (s *MemoryStore) ListUnfinishedTracks(ctx context.Context) ([]*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Track
	for _, tr := range s.sortedTracks() {
		if tr.Stage != StageFinished {
			out = append(out, tr.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTracks(ctx context.Context, limit int) ([]*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := s.sortedTracks()
	slices.Reverse(sorted)
	var out []*Track
	for _, tr := range sorted {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, tr.Clone())
	}
	return out, nil
}

func (s *MemoryStore) TablesForTrack(ctx context.Context, trackID int64) ([]*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Table
	for _, t := range s.tables {
		if t.TrackID == trackID {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Table) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *MemoryStore) UpdateTrack(ctx context.Context, tr *Track) error {
	return s.SaveAll(ctx, []*Track{tr}, nil)
}

func (s *MemoryStore) UpdateTable(ctx context.Context, t *Table) error {
	return s.SaveAll(ctx, nil, []*Table{t})
}

func (s *MemoryStore) SaveAll(ctx context.Context, tracks []*Track, tables []*Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tr := range tracks {
		if _, ok := s.tracks[tr.ID]; !ok {
			return fmt.Errorf("track %d: %w", tr.ID, ErrNotFound)
		}
	}
	for _, t := range tables {
		if _, ok := s.tables[t.ID]; !ok {
			return fmt.Errorf("table %d: %w", t.ID, ErrNotFound)
		}
	}

	current := 0
	for id, existing := range s.tracks {
		tr := existing
		for _, updated := range tracks {
			if updated.ID == id {
				tr = updated
			}
		}
		if tr.IsCurrent() {
			current++
		}
	}
	if current > 1 {
		return errors.New("at most one track may be current")
	}

	for _, tr := range tracks {
		s.tracks[tr.ID] = tr.Clone()
	}
	for _, t := range tables {
		s.tables[t.ID] = t.Clone()
	}
	return nil
}

func (s *MemoryStore) CountUnfinishedTracks(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tr := range s.tracks {
		if tr.Stage != StageFinished {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) HasErrorState(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.tracks {
		if tr.Stage == StageError {
			return true, nil
		}
	}
	for _, t := range s.tables {
		if t.Stage == StageError {
			return true, nil
		}
	}
	return false, nil
}

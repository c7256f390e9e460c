package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// AsyncCall records one ExecuteAsync invocation on a FakeWarehouse.
type AsyncCall struct {
	Handle    string
	Statement string
}

type fakeHandle struct {
	finished   bool
	failed     bool
	inFlight   bool
	err        string
	finishedAt time.Time
}

// FakeWarehouse is an in-memory warehouse for tests. Handles stay pending
// until the test completes or fails them, unless AutoComplete is set.
type FakeWarehouse struct {
	mu sync.Mutex

	AutoComplete bool
	// ExecErr, when set, is returned by every synchronous Exec.
	ExecErr error
	// AsyncErr, when set, makes ExecuteAsync fail as if the statement never
	// reached the server.
	AsyncErr error

	execs    []string
	async    []AsyncCall
	handles  map[string]*fakeHandle
	stats    map[string]TableStats
	unsorted map[string]float64
	capacity int
	inFlight int
	tables   map[string]bool
	results  map[string][][]any
}

func NewFakeWarehouse() *FakeWarehouse {
	return &FakeWarehouse{
		handles:  make(map[string]*fakeHandle),
		stats:    make(map[string]TableStats),
		unsorted: make(map[string]float64),
		tables:   make(map[string]bool),
		results:  make(map[string][][]any),
		capacity: 10,
	}
}

func (f *FakeWarehouse) Exec(ctx context.Context, statements ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExecErr != nil {
		return f.ExecErr
	}
	f.execs = append(f.execs, statements...)
	return nil
}

func (f *FakeWarehouse) ExecuteSync(ctx context.Context, query string, args ...any) ([][]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, query)
	for substr, rows := range f.results {
		if strings.Contains(query, substr) {
			return rows, nil
		}
	}
	return nil, nil
}

func (f *FakeWarehouse) ExecuteAsync(ctx context.Context, handle, statement string) error {
	if handle == "" {
		return fmt.Errorf("handle is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AsyncErr != nil {
		return f.AsyncErr
	}
	f.async = append(f.async, AsyncCall{Handle: handle, Statement: statement})
	h := &fakeHandle{}
	if f.AutoComplete {
		h.finished = true
		h.finishedAt = time.Now().UTC()
	}
	f.handles[handle] = h
	return nil
}

func (f *FakeWarehouse) HandleStatus(ctx context.Context, handle string) (HandleStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[handle]
	if !ok {
		return HandleStatus{}, nil
	}
	status := HandleStatus{
		HadErrors:  h.failed,
		Seen:       true,
		Error:      h.err,
		IsComplete: h.failed || h.finished,
	}
	if !h.finishedAt.IsZero() {
		t := h.finishedAt
		status.FinishedAt = &t
	}
	return status, nil
}

func (f *FakeWarehouse) IsInFlight(ctx context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[handle]
	return ok && h.inFlight, nil
}

func (f *FakeWarehouse) QueueCapacity(ctx context.Context, queue string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity, nil
}

func (f *FakeWarehouse) InFlightCount(ctx context.Context, user string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight, nil
}

func (f *FakeWarehouse) TableStats(ctx context.Context, table, dateColumn string) (TableStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[table], nil
}

func (f *FakeWarehouse) UnsortedPercent(ctx context.Context, table string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsorted[table], nil
}

func (f *FakeWarehouse) TableExists(ctx context.Context, table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table], nil
}

func (f *FakeWarehouse) Close() error { return nil }

// Complete marks every statement under handle as finished.
func (f *FakeWarehouse) Complete(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handles[handle]; ok {
		h.finished = true
		h.inFlight = false
		h.finishedAt = time.Now().UTC()
	}
}

// CompleteAll completes every pending handle.
func (f *FakeWarehouse) CompleteAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		if !h.failed && !h.finished {
			h.finished = true
			h.inFlight = false
			h.finishedAt = time.Now().UTC()
		}
	}
}

func (f *FakeWarehouse) Fail(handle, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handles[handle]; ok {
		h.failed = true
		h.inFlight = false
		h.err = message
		h.finishedAt = time.Now().UTC()
	}
}

func (f *FakeWarehouse) SetInFlight(handle string, inFlight bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handles[handle]; ok {
		h.inFlight = inFlight
	}
}

func (f *FakeWarehouse) SetTableStats(table string, stats TableStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[table] = stats
}

func (f *FakeWarehouse) SetUnsorted(table string, pct float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsorted[table] = pct
}

// SetSlots sets the queue capacity and the number of running queries.
func (f *FakeWarehouse) SetSlots(capacity, inFlight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capacity = capacity
	f.inFlight = inFlight
}

// SetQueryResult makes ExecuteSync return rows for queries containing substr.
func (f *FakeWarehouse) SetQueryResult(substr string, rows [][]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[substr] = rows
}

func (f *FakeWarehouse) SetTableExists(table string, exists bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = exists
}

// Execs returns the synchronous statements in execution order.
func (f *FakeWarehouse) Execs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execs...)
}

func (f *FakeWarehouse) AsyncCalls() []AsyncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AsyncCall(nil), f.async...)
}

// AsyncCallsMatching returns the async calls whose handle contains substr.
func (f *FakeWarehouse) AsyncCallsMatching(substr string) []AsyncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AsyncCall
	for _, c := range f.async {
		if strings.Contains(c.Handle, substr) {
			out = append(out, c)
		}
	}
	return out
}

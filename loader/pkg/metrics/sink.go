package metrics

import (
	"context"
	"log/slog"
	"sync"
)

// Sink writes points to a metrics backend.
type Sink interface {
	Emit(ctx context.Context, p Point) error
}

type NopSink struct{}

func (NopSink) Emit(context.Context, Point) error { return nil }

// RecordingSink keeps emitted points in memory.
type RecordingSink struct {
	mu     sync.Mutex
	points []Point
	// Err, when set, is returned from Emit after recording the point.
	Err error
}

func (s *RecordingSink) Emit(_ context.Context, p Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
	return s.Err
}

func (s *RecordingSink) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Point(nil), s.points...)
}

// ByMeasurement returns the recorded points with the given measurement name.
func (s *RecordingSink) ByMeasurement(name string) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Point
	for _, p := range s.points {
		if p.Measurement() == name {
			out = append(out, p)
		}
	}
	return out
}

// Emitter wraps a Sink so that write failures are logged and dropped.
// A nil *Emitter discards everything.
type Emitter struct {
	log  *slog.Logger
	sink Sink
}

func NewEmitter(log *slog.Logger, sink Sink) *Emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Emitter{log: log, sink: sink}
}

func (e *Emitter) Emit(ctx context.Context, p Point) {
	if e == nil {
		return
	}
	if err := e.sink.Emit(ctx, p); err != nil {
		SinkErrorsTotal.Inc()
		e.log.Warn("metrics: failed to emit point", "measurement", p.Measurement(), "error", err)
	}
}

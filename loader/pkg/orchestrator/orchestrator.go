package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/lakeetl/loader/pkg/metrics"
	"github.com/malbeclabs/lakeetl/loader/pkg/track"
)

// Slots reports warehouse query concurrency.
type Slots interface {
	QueueCapacity(ctx context.Context, queue string) (int, error)
	InFlightCount(ctx context.Context, user string) (int, error)
}

type Config struct {
	Track track.Config
	Lock  Locker
	Slots Slots

	// RunBudget bounds how long one maintenance run keeps starting tasks.
	RunBudget time.Duration
	// Interval is the time between runs in service mode.
	Interval time.Duration

	WarehouseQueue   string
	WarehouseUser    string
	SlotWaitInterval time.Duration

	LockNamespace int32
	LockID        int32

	// ReportError, when set, receives every failed run.
	ReportError func(error)
}

func (cfg *Config) Validate() error {
	if cfg.Track.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Lock == nil {
		return errors.New("lock is required")
	}
	if cfg.Slots == nil {
		return errors.New("slots are required")
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 55 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.WarehouseQueue == "" {
		cfg.WarehouseQueue = "default"
	}
	if cfg.SlotWaitInterval <= 0 {
		cfg.SlotWaitInterval = 5 * time.Second
	}
	if cfg.LockNamespace == 0 && cfg.LockID == 0 {
		cfg.LockNamespace, cfg.LockID = 1001, 1
	}
	return nil
}

// RunResult summarizes one maintenance run.
type RunResult struct {
	Skipped          bool
	StartedAt        time.Time
	Duration         time.Duration
	TasksGenerated   int
	TasksExecuted    int
	TasksFailed      int
	TasksDeferred    int
	TasksNotStarted  int
	ActiveTrack      string
	ActiveMinutes    int
	UnfinishedTracks int
}

// Orchestrator runs the maintenance loop: under a global lock it polls
// every unfinished track, generates the work that is due and runs it within
// a time budget.
type Orchestrator struct {
	log *slog.Logger
	cfg Config
	mgr *track.Manager

	runMu sync.Mutex

	mu          sync.Mutex
	deadline    time.Time
	lastSuccess time.Time
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{log: cfg.Track.Logger, cfg: cfg}
	cfg.Track.Slots = o
	mgr, err := track.NewManager(cfg.Track)
	if err != nil {
		return nil, err
	}
	o.mgr = mgr
	o.cfg.Track = mgr.Config()
	return o, nil
}

func (o *Orchestrator) Manager() *track.Manager {
	return o.mgr
}

// LastSuccess is when the last run that was not skipped completed without error.
func (o *Orchestrator) LastSuccess() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSuccess
}

func (o *Orchestrator) Interval() time.Duration {
	return o.cfg.Interval
}

func (o *Orchestrator) runDeadline() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deadline
}

// DoMaintenance performs one run. Lock contention is not an error: the
// result is marked skipped. Any ERROR stage aborts the run with
// track.ErrErrorState until an operator resets it.
func (o *Orchestrator) DoMaintenance(ctx context.Context) (*RunResult, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	clock := o.cfg.Track.Clock
	res := &RunResult{StartedAt: clock.Now().UTC()}

	acquired, err := o.cfg.Lock.TryAcquire(ctx, o.cfg.LockNamespace, o.cfg.LockID)
	if err != nil {
		err = fmt.Errorf("failed to acquire maintenance lock: %w", err)
		o.finish(ctx, res, err)
		return res, err
	}
	if !acquired {
		o.log.Info("orchestrator: another run holds the lock, skipping")
		res.Skipped = true
		o.finish(ctx, res, nil)
		return res, nil
	}
	defer func() {
		if err := o.cfg.Lock.Release(context.WithoutCancel(ctx), o.cfg.LockNamespace, o.cfg.LockID); err != nil {
			o.log.Error("orchestrator: failed to release maintenance lock", "error", err)
		}
	}()

	err = o.maintain(ctx, res)
	o.finish(ctx, res, err)
	return res, err
}

func (o *Orchestrator) maintain(ctx context.Context, res *RunResult) error {
	o.mu.Lock()
	o.deadline = res.StartedAt.Add(o.cfg.RunBudget)
	o.mu.Unlock()

	store := o.cfg.Track.Store
	hasErr, err := store.HasErrorState(ctx)
	if err != nil {
		return err
	}
	if hasErr {
		return track.ErrErrorState
	}

	snap, err := o.mgr.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tracks: %w", err)
	}
	defer func() {
		res.UnfinishedTracks = len(snap.Unfinished)
		if snap.Current != nil {
			res.ActiveTrack = snap.Current.Prefix
			res.ActiveMinutes = snap.Current.ActiveMinutes(o.cfg.Track.Clock.Now())
		}
	}()

	if err := o.mgr.Poll(ctx, snap); err != nil {
		return fmt.Errorf("failed to poll tracks: %w", err)
	}
	for _, f := range snap.PollFailures {
		res.TasksFailed++
		metrics.TaskExecutionsTotal.WithLabelValues("poll", "error").Inc()
		if o.cfg.ReportError != nil {
			o.cfg.ReportError(fmt.Errorf("failed to poll track %s: %w", f.Track.Prefix, f.Err))
		}
	}

	tasks := o.mgr.GenerateTasks(snap)
	res.TasksGenerated = len(tasks)
	o.log.Debug("orchestrator: generated tasks", "count", len(tasks))

	for i, task := range tasks {
		if !o.cfg.Track.Clock.Now().Before(o.runDeadline()) {
			res.TasksNotStarted = len(tasks) - i
			o.log.Info("orchestrator: run budget exhausted", "remaining", res.TasksNotStarted)
			break
		}
		err := o.runTask(ctx, task)
		res.TasksExecuted++
		switch {
		case err == nil:
		case errors.Is(err, track.ErrDeferred):
			res.TasksDeferred++
		case errors.Is(err, track.ErrPrecondition), errors.Is(err, context.Canceled):
			res.TasksFailed++
			return err
		default:
			res.TasksFailed++
		}
	}
	return nil
}

func (o *Orchestrator) runTask(ctx context.Context, task track.Task) error {
	clock := o.cfg.Track.Clock
	start := clock.Now()
	o.log.Info("orchestrator: running task", "task", task.Name)

	err := task.Run(ctx)

	duration := clock.Since(start)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, track.ErrDeferred):
		status = "deferred"
		o.log.Info("orchestrator: task deferred", "task", task.Name, "reason", err)
	default:
		status = "error"
		o.log.Error("orchestrator: task failed", "task", task.Name, "error", err)
	}

	metrics.TaskExecutionsTotal.WithLabelValues(string(task.Kind), status).Inc()
	metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(duration.Seconds())
	point := metrics.TaskExecution{
		Name:     task.Name,
		Kind:     string(task.Kind),
		Status:   status,
		Duration: duration,
		At:       clock.Now().UTC(),
	}
	if err != nil {
		point.Error = err.Error()
	}
	o.cfg.Track.Metrics.Emit(ctx, point)
	return err
}

func (o *Orchestrator) finish(ctx context.Context, res *RunResult, err error) {
	clock := o.cfg.Track.Clock
	res.Duration = clock.Since(res.StartedAt)

	result := "ok"
	switch {
	case res.Skipped:
		result = "skipped"
	case errors.Is(err, track.ErrErrorState):
		result = "error_state"
	case err != nil:
		result = "error"
	}
	metrics.MaintenanceRunsTotal.WithLabelValues(result).Inc()
	metrics.MaintenanceRunDuration.Observe(res.Duration.Seconds())
	if !res.Skipped && err == nil {
		metrics.UnfinishedTracks.Set(float64(res.UnfinishedTracks))
		o.mu.Lock()
		o.lastSuccess = clock.Now().UTC()
		o.mu.Unlock()
	}

	o.cfg.Track.Metrics.Emit(context.WithoutCancel(ctx), metrics.Heartbeat{
		Skipped:         res.Skipped,
		Failed:          err != nil,
		TasksGenerated:  res.TasksGenerated,
		TasksExecuted:   res.TasksExecuted,
		TasksFailed:     res.TasksFailed,
		TasksDeferred:   res.TasksDeferred,
		ActiveTrack:     res.ActiveTrack,
		ActiveMinutes:   res.ActiveMinutes,
		UnfinishedCount: res.UnfinishedTracks,
		Duration:        res.Duration,
		At:              clock.Now().UTC(),
	})

	if err != nil {
		o.log.Error("orchestrator: maintenance run failed", "error", err, "duration", res.Duration)
		if o.cfg.ReportError != nil {
			o.cfg.ReportError(err)
		}
		return
	}
	if !res.Skipped {
		o.log.Info("orchestrator: maintenance run complete",
			"duration", res.Duration,
			"tasks", res.TasksGenerated,
			"executed", res.TasksExecuted,
			"failed", res.TasksFailed,
			"deferred", res.TasksDeferred,
			"active_track", res.ActiveTrack,
		)
	}
}

// WaitForSlot waits until more than one warehouse slot is free. It gives up
// and returns false when the next check would fall past the run budget.
func (o *Orchestrator) WaitForSlot(ctx context.Context) (bool, error) {
	clock := o.cfg.Track.Clock
	for {
		capacity, err := o.cfg.Slots.QueueCapacity(ctx, o.cfg.WarehouseQueue)
		if err != nil {
			return false, fmt.Errorf("failed to read queue capacity: %w", err)
		}
		inFlight, err := o.cfg.Slots.InFlightCount(ctx, o.cfg.WarehouseUser)
		if err != nil {
			return false, fmt.Errorf("failed to count running queries: %w", err)
		}
		available := capacity - inFlight
		metrics.WarehouseSlotsAvailable.Set(float64(available))
		if available > 1 {
			return true, nil
		}
		if !clock.Now().Add(o.cfg.SlotWaitInterval).Before(o.runDeadline()) {
			return false, nil
		}
		o.log.Info("orchestrator: waiting for a warehouse slot", "capacity", capacity, "in_flight", inFlight)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-clock.After(o.cfg.SlotWaitInterval):
		}
	}
}

// Start runs maintenance every interval until ctx is done.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		o.log.Info("orchestrator: starting maintenance loop", "interval", o.cfg.Interval)

		o.safeMaintain(ctx)

		ticker := o.cfg.Track.Clock.NewTicker(o.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				o.safeMaintain(ctx)
			}
		}
	}()
}

// safeMaintain wraps DoMaintenance with panic recovery to keep the loop alive.
func (o *Orchestrator) safeMaintain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("orchestrator: maintenance panicked", "panic", r)
			metrics.MaintenanceRunsTotal.WithLabelValues("panic").Inc()
			if o.cfg.ReportError != nil {
				o.cfg.ReportError(fmt.Errorf("maintenance panicked: %v", r))
			}
		}
	}()
	_, _ = o.DoMaintenance(ctx)
}

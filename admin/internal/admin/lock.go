package admin

import (
	"context"
	"errors"
	"log/slog"

	"github.com/malbeclabs/lakeetl/loader/pkg/orchestrator"
)

// Must match the loader's maintenance lock.
const (
	LockNamespace int32 = 1001
	LockID        int32 = 1
)

// ErrLocked is returned when a maintenance run holds the lock.
var ErrLocked = errors.New("a maintenance run holds the lock, try again later")

// WithMaintenanceLock runs fn while holding the loader's maintenance lock so
// an operator change never interleaves with a run's snapshot and commits.
func WithMaintenanceLock(ctx context.Context, log *slog.Logger, lock orchestrator.Locker, fn func(context.Context) error) error {
	ok, err := lock.TryAcquire(ctx, LockNamespace, LockID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx), LockNamespace, LockID); err != nil {
			log.Warn("failed to release maintenance lock", "error", err)
		}
	}()
	return fn(ctx)
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

type lockKey struct {
	namespace int32
	id        int32
}

// AdvisoryLock is a session-level Postgres advisory lock. The connection
// that took the lock is held out of the pool until Release, since the lock
// belongs to that session.
type AdvisoryLock struct {
	log  *slog.Logger
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[lockKey]*pgxpool.Conn
}

func NewAdvisoryLock(log *slog.Logger, pool *pgxpool.Pool) *AdvisoryLock {
	return &AdvisoryLock{
		log:  log,
		pool: pool,
		held: make(map[lockKey]*pgxpool.Conn),
	}
}

// TryAcquire takes the lock without waiting. It returns false if another
// session, or this AdvisoryLock, already holds it.
func (l *AdvisoryLock) TryAcquire(ctx context.Context, namespace, id int32) (bool, error) {
	key := lockKey{namespace, id}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1, $2)", namespace, id).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		l.log.Debug("postgres: advisory lock held elsewhere", "namespace", namespace, "id", id)
		return false, nil
	}

	l.held[key] = conn
	return true, nil
}

func (l *AdvisoryLock) Release(ctx context.Context, namespace, id int32) error {
	key := lockKey{namespace, id}

	l.mu.Lock()
	defer l.mu.Unlock()
	conn, ok := l.held[key]
	if !ok {
		return errors.New("advisory lock is not held")
	}
	delete(l.held, key)

	var released bool
	err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1, $2)", namespace, id).Scan(&released)
	if err != nil || !released {
		// Closing the session drops any lock it still holds.
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
		if err != nil {
			return fmt.Errorf("failed to release advisory lock: %w", err)
		}
		return errors.New("advisory lock was not held by its session")
	}
	conn.Release()
	return nil
}

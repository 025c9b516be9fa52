package chunker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// fileProcessLockKey is the advisory-lock key for batch exclusivity.
const fileProcessLockKey int64 = 0x6368756e6b6c6f63

// ErrProcessingOverlap means another batch already holds the processing
// lock. Starting a batch while one runs is a fatal startup condition; it
// must never queue silently.
var ErrProcessingOverlap = errors.New("data processing overlapped with a previous processing run")

// ProcessLock is the system-wide mutual exclusion around a batch. Advisory
// locks are session-scoped, so the lock pins one connection for its
// lifetime.
type ProcessLock struct {
	conn *sql.Conn
}

func AcquireProcessLock(ctx context.Context, db *sqlx.DB) (*ProcessLock, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1)`, fileProcessLockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, ErrProcessingOverlap
	}
	return &ProcessLock{conn: conn}, nil
}

func (l *ProcessLock) Release(ctx context.Context) error {
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, fileProcessLockKey)
	closeErr := l.conn.Close()
	if err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return closeErr
}

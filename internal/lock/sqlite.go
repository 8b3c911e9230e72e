package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a sqlite table. A lock is a single row
// per lock id; expiry makes crashed holders recoverable without manual
// intervention.
type SQLiteStore struct {
	db           *sql.DB
	leaseTTL     time.Duration
	pollInterval time.Duration
}

// NewSQLiteStore opens (or creates) the lock table at dbPath.
func NewSQLiteStore(dbPath string, leaseTTL time.Duration) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock database: %w", err)
	}

	store := &SQLiteStore{
		db:           db,
		leaseTTL:     leaseTTL,
		pollInterval: 250 * time.Millisecond,
	}
	if err := store.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS migration_locks (
		lock_id TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		acquired_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Acquire attempts to insert the lock row, stealing it when the existing
// row has expired. It polls until the timeout elapses, then surfaces the
// live holder in a HeldError.
func (s *SQLiteStore) Acquire(ctx context.Context, lockID, holderID string, timeout time.Duration) (*Lease, error) {
	deadline := time.Now().Add(timeout)

	for {
		lease, held, err := s.tryAcquire(ctx, lockID, holderID)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		if time.Now().After(deadline) {
			return nil, held
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *SQLiteStore) tryAcquire(ctx context.Context, lockID, holderID string) (*Lease, *HeldError, error) {
	now := time.Now().UTC()
	expires := now.Add(s.leaseTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback()

	var holder string
	var acquiredAt, expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT holder_id, acquired_at, expires_at FROM migration_locks WHERE lock_id = ?`,
		lockID,
	).Scan(&holder, &acquiredAt, &expiresAt)

	switch {
	case err == sql.ErrNoRows:
		// No holder; take the lock.
	case err != nil:
		return nil, nil, err
	case expiresAt.After(now):
		// Live holder.
		return nil, &HeldError{LockID: lockID, HolderID: holder, HeldFor: now.Sub(acquiredAt)}, nil
	default:
		// Expired lease; the holder is considered crashed and the lock stolen.
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO migration_locks (lock_id, holder_id, acquired_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(lock_id) DO UPDATE SET
		holder_id = excluded.holder_id,
		acquired_at = excluded.acquired_at,
		expires_at = excluded.expires_at
	`, lockID, holderID, now, expires)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	return &Lease{LockID: lockID, HolderID: holderID, AcquiredAt: now, ExpiresAt: expires}, nil, nil
}

// Refresh extends the lease. An affected-row count of zero means the lease
// was lost (expired and stolen); the holder must abort rather than continue
// unguarded.
func (s *SQLiteStore) Refresh(ctx context.Context, lease *Lease) error {
	expires := time.Now().UTC().Add(s.leaseTTL)
	res, err := s.db.ExecContext(ctx, `
	UPDATE migration_locks SET expires_at = ?
	WHERE lock_id = ? AND holder_id = ?
	`, expires, lease.LockID, lease.HolderID)
	if err != nil {
		return fmt.Errorf("failed to refresh lock %q: %w", lease.LockID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("lease on %q lost: lock no longer held by %q", lease.LockID, lease.HolderID)
	}
	lease.ExpiresAt = expires
	return nil
}

// Release deletes the lock row. Releasing a lease that was already lost or
// released is not an error.
func (s *SQLiteStore) Release(ctx context.Context, lease *Lease) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM migration_locks WHERE lock_id = ? AND holder_id = ?`,
		lease.LockID, lease.HolderID)
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", lease.LockID, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

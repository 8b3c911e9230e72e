package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=2000&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		cursor TEXT NOT NULL,
		processed_count INTEGER NOT NULL,
		stats TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_run_id ON checkpoints(run_id, id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save persists a new checkpoint snapshot with retry on SQLITE_BUSY.
func (s *SQLiteStore) Save(cp *Checkpoint) error {
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}

	stats, err := json.Marshal(cp.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent writers.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`
		INSERT INTO checkpoints (run_id, cursor, processed_count, stats, created_at)
		VALUES (?, ?, ?, ?, ?)
		`, cp.RunID, cp.Cursor, cp.ProcessedCount, string(stats), cp.CreatedAt)
		return err
	})
}

// LoadLatest returns the newest checkpoint for the run, or nil.
func (s *SQLiteStore) LoadLatest(runID string) (*Checkpoint, error) {
	if s.closed {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	row := s.db.QueryRow(`
	SELECT run_id, cursor, processed_count, stats, created_at
	FROM checkpoints WHERE run_id = ?
	ORDER BY id DESC LIMIT 1
	`, runID)

	var cp Checkpoint
	var stats string
	err := row.Scan(&cp.RunID, &cp.Cursor, &cp.ProcessedCount, &stats, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stats), &cp.Stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return &cp, nil
}

// PurgeOlderThan deletes checkpoints created before the retention cutoff.
// The newest checkpoint of each run is always kept: it is the resume point
// of a run paused longer than the retention window.
func (s *SQLiteStore) PurgeOlderThan(age time.Duration) (int64, error) {
	if s.closed {
		return 0, fmt.Errorf("checkpoint store is closed")
	}

	cutoff := time.Now().UTC().Add(-age)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.Exec(`
		DELETE FROM checkpoints
		WHERE created_at < ?
		AND id NOT IN (SELECT MAX(id) FROM checkpoints GROUP BY run_id)
		`, cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// retryOnBusy retries the operation if SQLite is busy.
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}
	return nil
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}

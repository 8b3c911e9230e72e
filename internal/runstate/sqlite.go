package runstate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteService implements Service using SQLite.
type SQLiteService struct {
	db       *sql.DB
	liveness Liveness
	closed   bool
	writeMu  sync.Mutex
}

// NewSQLiteService opens (or creates) the run table at dbPath. liveness may
// be nil, in which case pid-based detection is used.
func NewSQLiteService(dbPath string, liveness Liveness) (*SQLiteService, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=2000&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open run state database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	if liveness == nil {
		liveness = PIDLiveness{}
	}

	svc := &SQLiteService{db: db, liveness: liveness}
	if err := svc.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create run table: %w", err)
	}
	return svc, nil
}

func (s *SQLiteService) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		command TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		processed_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		cursor TEXT NOT NULL DEFAULT '',
		stats TEXT NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		output TEXT NOT NULL DEFAULT '[]',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		dry_run INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// Create inserts a new run record.
func (s *SQLiteService) Create(run *Run) error {
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = StatusPending
	}

	stats, err := json.Marshal(orEmptyStats(run.Stats))
	if err != nil {
		return err
	}
	output, err := json.Marshal(orEmptyOutput(run.Output))
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.Exec(`
	INSERT INTO runs (run_id, job_id, command, phase, status, processed_count,
		total_count, cursor, stats, error_message, pid, started_at, updated_at,
		completed_at, output, cancel_requested, dry_run)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.JobID, run.Command, run.Phase, run.Status,
		run.ProcessedCount, run.TotalCount, run.Cursor, string(stats),
		run.ErrorMessage, run.PID, run.StartedAt, run.UpdatedAt,
		run.CompletedAt, string(output), boolToInt(run.CancelFlag), boolToInt(run.DryRun))
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.RunID, err)
	}
	return nil
}

const runColumns = `run_id, job_id, command, phase, status, processed_count,
	total_count, cursor, stats, error_message, pid, started_at, updated_at,
	completed_at, output, cancel_requested, dry_run`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var stats, output string
	var completedAt sql.NullTime
	var cancelFlag, dryRun int

	err := row.Scan(&run.RunID, &run.JobID, &run.Command, &run.Phase,
		&run.Status, &run.ProcessedCount, &run.TotalCount, &run.Cursor,
		&stats, &run.ErrorMessage, &run.PID, &run.StartedAt, &run.UpdatedAt,
		&completedAt, &output, &cancelFlag, &dryRun)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.CancelFlag = cancelFlag != 0
	run.DryRun = dryRun != 0
	if err := json.Unmarshal([]byte(stats), &run.Stats); err != nil {
		return nil, fmt.Errorf("failed to decode run stats: %w", err)
	}
	if err := json.Unmarshal([]byte(output), &run.Output); err != nil {
		return nil, fmt.Errorf("failed to decode run output: %w", err)
	}
	return &run, nil
}

// Get returns the run, demoting a stale "running" record to paused when the
// worker process is gone. That keeps a crashed run from looking alive
// forever and lets callers truthfully offer resume.
func (s *SQLiteService) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.fixStaleRunning(run)
}

func (s *SQLiteService) fixStaleRunning(run *Run) (*Run, error) {
	if run.Status != StatusRunning || s.liveness.Alive(run.PID) {
		return run, nil
	}

	msg := fmt.Sprintf("worker process %d is no longer running; run can be resumed", run.PID)
	if err := s.SetStatus(run.RunID, StatusPaused, msg); err != nil {
		return nil, err
	}
	run.Status = StatusPaused
	run.ErrorMessage = msg
	return run, nil
}

// GetLatest returns the most recently started run.
func (s *SQLiteService) GetLatest() (*Run, error) {
	row := s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, run_id DESC LIMIT 1`)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.fixStaleRunning(run)
}

// LatestIncomplete returns the most recent run that has not finished.
func (s *SQLiteService) LatestIncomplete() (*Run, error) {
	row := s.db.QueryRow(`
	SELECT ` + runColumns + ` FROM runs
	WHERE status IN ('pending', 'running', 'paused')
	ORDER BY started_at DESC, run_id DESC LIMIT 1`)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRunning returns all runs with running status, after demoting stale
// records.
func (s *SQLiteService) ListRunning() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs WHERE status = 'running' ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	alive := runs[:0]
	for _, run := range runs {
		fixed, err := s.fixStaleRunning(run)
		if err != nil {
			return nil, err
		}
		if fixed.Status == StatusRunning {
			alive = append(alive, fixed)
		}
	}
	return alive, nil
}

// SetStatus updates the run status, stamping completion time on terminal
// transitions.
func (s *SQLiteService) SetStatus(runID string, status Status, errorMessage string) error {
	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var completedAt any
	if status.Terminal() {
		completedAt = now
	}

	res, err := s.db.Exec(`
	UPDATE runs SET status = ?, error_message = ?, updated_at = ?,
		completed_at = COALESCE(?, completed_at)
	WHERE run_id = ?
	`, status, errorMessage, now, completedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// Progress records counters, the batch cursor and stats. Called by the
// runner at every batch boundary at minimum.
func (s *SQLiteService) Progress(runID string, processed, total int64, cursor string, stats map[string]int64) error {
	encoded, err := json.Marshal(orEmptyStats(stats))
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`
	UPDATE runs SET processed_count = ?, total_count = ?, cursor = ?,
		stats = ?, updated_at = ?
	WHERE run_id = ?
	`, processed, total, cursor, string(encoded), time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to record progress for run %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// AppendOutput appends trailing log lines, keeping only the newest
// OutputRingSize entries.
func (s *SQLiteService) AppendOutput(runID string, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var encoded string
	err := s.db.QueryRow(`SELECT output FROM runs WHERE run_id = ?`, runID).Scan(&encoded)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	var output []string
	if err := json.Unmarshal([]byte(encoded), &output); err != nil {
		return err
	}
	output = append(output, lines...)
	if len(output) > OutputRingSize {
		output = output[len(output)-OutputRingSize:]
	}

	updated, err := json.Marshal(output)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE runs SET output = ?, updated_at = ? WHERE run_id = ?`,
		string(updated), time.Now().UTC(), runID)
	return err
}

// RequestCancel writes the cancellation sentinel. The runner observes it at
// the next batch boundary.
func (s *SQLiteService) RequestCancel(runID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`UPDATE runs SET cancel_requested = 1, updated_at = ? WHERE run_id = ?`,
		time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to request cancel for run %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// CancelRequested reads the cancellation sentinel.
func (s *SQLiteService) CancelRequested(runID string) (bool, error) {
	var flag int
	err := s.db.QueryRow(`SELECT cancel_requested FROM runs WHERE run_id = ?`, runID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// PurgeTerminalOlderThan deletes completed/failed runs past the retention
// age.
func (s *SQLiteService) PurgeTerminalOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`
	DELETE FROM runs
	WHERE status IN ('completed', 'failed') AND completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteService) Close() error {
	s.closed = true
	return s.db.Close()
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyStats(stats map[string]int64) map[string]int64 {
	if stats == nil {
		return map[string]int64{}
	}
	return stats
}

func orEmptyOutput(output []string) []string {
	if output == nil {
		return []string{}
	}
	return output
}

package checkpoint

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=2000&_foreign_keys=on&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
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
	CREATE TABLE IF NOT EXISTS transfers (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		size INTEGER NOT NULL,
		checksum TEXT,
		state TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		error_class TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, key)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_state ON transfers(run_id, state);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		state TEXT NOT NULL,
		total_artifacts INTEGER DEFAULT 0,
		total_bytes INTEGER DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);
	`

	_, err := s.db.Exec(query)
	return err
}

// SeedRecord inserts a record if absent, leaving existing rows untouched
func (s *SQLiteStore) SeedRecord(record *TransferRecord) error {
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record.UpdatedAt = time.Now()

	query := `
	INSERT INTO transfers (run_id, key, size, checksum, state, attempts, last_error, error_class, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, key) DO NOTHING
	`

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(query,
			record.RunID,
			record.Key,
			record.Size,
			record.Checksum,
			record.State,
			record.Attempts,
			record.LastError,
			record.ErrorClass,
			record.UpdatedAt,
		)
		return err
	})
}

// GetRecord retrieves a transfer record, nil if absent
func (s *SQLiteStore) GetRecord(runID, key string) (*TransferRecord, error) {
	if s.closed {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	var result *TransferRecord
	err := s.retryOnBusy(func() error {
		var err error
		result, err = s.getRecordInternal(runID, key)
		return err
	})
	return result, err
}

func (s *SQLiteStore) getRecordInternal(runID, key string) (*TransferRecord, error) {
	query := `
	SELECT run_id, key, size, checksum, state, attempts, last_error, error_class, updated_at
	FROM transfers WHERE run_id = ? AND key = ?
	`

	record, err := scanRecord(s.db.QueryRow(query, runID, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return record, err
}

// Transition performs the conditional state write. The row must currently be
// in one of expectPrior; otherwise ErrConflict. This is an atomic
// compare-and-set rather than an in-process lock so workers may span
// processes.
func (s *SQLiteStore) Transition(record *TransferRecord, expectPrior ...State) error {
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}
	if len(expectPrior) == 0 {
		return fmt.Errorf("transition requires at least one expected prior state")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record.UpdatedAt = time.Now()

	placeholders := strings.Repeat("?,", len(expectPrior))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`
	UPDATE transfers
	SET size = ?, checksum = ?, state = ?, attempts = ?, last_error = ?, error_class = ?, updated_at = ?
	WHERE run_id = ? AND key = ? AND state IN (%s)
	`, placeholders)

	args := []any{
		record.Size,
		record.Checksum,
		record.State,
		record.Attempts,
		record.LastError,
		record.ErrorClass,
		record.UpdatedAt,
		record.RunID,
		record.Key,
	}
	for _, st := range expectPrior {
		args = append(args, st)
	}

	return s.retryOnBusy(func() error {
		res, err := s.db.Exec(query, args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrConflict
		}
		return nil
	})
}

// ListCommitted returns committed keys for resume filtering
func (s *SQLiteStore) ListCommitted(runID string) (map[string]struct{}, error) {
	records, err := s.ListByState(runID, StateCommitted)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]struct{}, len(records))
	for _, record := range records {
		keys[record.Key] = struct{}{}
	}
	return keys, nil
}

// ListByState returns records in the given states ordered by key
func (s *SQLiteStore) ListByState(runID string, states ...State) ([]*TransferRecord, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(states))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`
	SELECT run_id, key, size, checksum, state, attempts, last_error, error_class, updated_at
	FROM transfers WHERE run_id = ? AND state IN (%s)
	ORDER BY key ASC
	`, placeholders)

	args := []any{runID}
	for _, st := range states {
		args = append(args, st)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TransferRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// CountByState returns per-state counts for a run
func (s *SQLiteStore) CountByState(runID string) (map[State]int64, error) {
	query := `SELECT state, COUNT(*) FROM transfers WHERE run_id = ? GROUP BY state`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[State]int64)
	for rows.Next() {
		var state State
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[state] = count
	}

	return counts, rows.Err()
}

// SumSizeByState returns total bytes of records in the given states
func (s *SQLiteStore) SumSizeByState(runID string, states ...State) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(states))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`
	SELECT COALESCE(SUM(size), 0) FROM transfers WHERE run_id = ? AND state IN (%s)
	`, placeholders)

	args := []any{runID}
	for _, st := range states {
		args = append(args, st)
	}

	var total int64
	err := s.db.QueryRow(query, args...).Scan(&total)
	return total, err
}

// ResetInProgress re-queues in_progress records to pending
func (s *SQLiteStore) ResetInProgress(runID string) (int64, error) {
	if s.closed {
		return 0, fmt.Errorf("checkpoint store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	UPDATE transfers SET state = ?, updated_at = ?
	WHERE run_id = ? AND state IN (?, ?)
	`

	var affected int64
	err := s.retryOnBusy(func() error {
		res, err := s.db.Exec(query, StatePending, time.Now(), runID, StateInProgress, StateValidated)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// CreateRun persists a new run record
func (s *SQLiteStore) CreateRun(run *RunRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO runs (id, strategy, state, total_artifacts, total_bytes, started_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(query, run.ID, run.Strategy, run.State, run.TotalArtifacts, run.TotalBytes, run.StartedAt)
		return err
	})
}

// UpdateRun updates an existing run record
func (s *SQLiteStore) UpdateRun(run *RunRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	UPDATE runs SET strategy = ?, state = ?, total_artifacts = ?, total_bytes = ?, finished_at = ?
	WHERE id = ?
	`

	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt
	}

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(query, run.Strategy, run.State, run.TotalArtifacts, run.TotalBytes, finished, run.ID)
		return err
	})
}

// GetRun retrieves a run record, nil if absent
func (s *SQLiteStore) GetRun(runID string) (*RunRecord, error) {
	query := `
	SELECT id, strategy, state, total_artifacts, total_bytes, started_at, finished_at
	FROM runs WHERE id = ?
	`

	var run RunRecord
	var finished sql.NullTime
	err := s.db.QueryRow(query, runID).Scan(
		&run.ID,
		&run.Strategy,
		&run.State,
		&run.TotalArtifacts,
		&run.TotalBytes,
		&run.StartedAt,
		&finished,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TransferRecord, error) {
	var record TransferRecord
	var checksum, lastError, errorClass sql.NullString

	err := row.Scan(
		&record.RunID,
		&record.Key,
		&record.Size,
		&checksum,
		&record.State,
		&record.Attempts,
		&lastError,
		&errorClass,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Checksum = checksum.String
	record.LastError = lastError.String
	record.ErrorClass = errorClass.String
	return &record, nil
}

// retryOnBusy retries the operation if SQLite is busy
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

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}

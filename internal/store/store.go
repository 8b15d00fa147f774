// Package store provides SQLite-backed persistence for nvrpanel.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/nvrpanel/internal/models"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides access to the nvrpanel SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// CorruptError reports a database file that can't be used.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("state database %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Recovery describes a reset performed by OpenWithRecovery.
type Recovery struct {
	BackupPath string
	Cause      error
}

// Warning is the user-facing notice for the reset.
func (r *Recovery) Warning() string {
	return fmt.Sprintf("saved install state was unreadable and has been reset (old copy kept at %s)", r.BackupPath)
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		if isCorruption(err) {
			return nil, &CorruptError{Path: dbPath, Err: err}
		}
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.quickCheck(); err != nil {
		db.Close()
		return nil, &CorruptError{Path: dbPath, Err: err}
	}

	return s, nil
}

// OpenWithRecovery opens the store and, if the file is corrupt, moves it
// aside and starts from an empty database. The returned Recovery is non-nil
// when a reset happened.
func OpenWithRecovery(dbPath string) (*Store, *Recovery, error) {
	s, err := New(dbPath)
	if err == nil {
		return s, nil, nil
	}

	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		return nil, nil, err
	}

	backup := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
	if err := os.Rename(dbPath, backup); err != nil {
		return nil, nil, fmt.Errorf("move corrupt database aside: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}

	s, err = New(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return s, &Recovery{BackupPath: backup, Cause: corrupt.Err}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS install_steps (
		step_id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		output TEXT,
		run_id TEXT,
		position INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS install_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		outcome TEXT NOT NULL DEFAULT 'running',
		failed_step TEXT
	);

	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL UNIQUE,
		holder_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS command_runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		command TEXT NOT NULL,
		args TEXT,
		exit_code INTEGER,
		stdout TEXT,
		stderr TEXT,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		subject TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_command_runs_started ON command_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_pdr_timestamp ON pdr(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) quickCheck() error {
	var result string
	if err := s.db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return errors.New(result)
	}
	return nil
}

func isCorruption(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed")
}

// --- Install State Operations ---

// LoadInstallState returns the persisted step table in catalog order.
func (s *Store) LoadInstallState(ctx context.Context) (*models.InstallationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, label, status, attempts, error, output, updated_at FROM install_steps ORDER BY position, step_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query install steps: %w", err)
	}
	defer rows.Close()

	state := &models.InstallationState{}
	for rows.Next() {
		var st models.StepState
		var errText, output sql.NullString
		if err := rows.Scan(&st.ID, &st.Label, &st.Status, &st.Attempts, &errText, &output, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan install step: %w", err)
		}
		st.Error = errText.String
		st.Output = output.String
		if st.UpdatedAt.After(state.UpdatedAt) {
			state.UpdatedAt = st.UpdatedAt
		}
		state.Steps = append(state.Steps, st)
	}
	return state, rows.Err()
}

// SaveStepState upserts one step's status.
func (s *Store) SaveStepState(ctx context.Context, runID string, position int, st models.StepState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO install_steps (step_id, label, status, attempts, error, output, run_id, position, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(step_id) DO UPDATE SET
			label = excluded.label, status = excluded.status, attempts = excluded.attempts,
			error = excluded.error, output = excluded.output, run_id = excluded.run_id,
			position = excluded.position, updated_at = excluded.updated_at`,
		st.ID, st.Label, st.Status, st.Attempts, st.Error, st.Output, runID, position, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save step %s: %w", st.ID, err)
	}
	return nil
}

// ResetInstallState forgets every recorded step so the next run re-checks
// everything from scratch.
func (s *Store) ResetInstallState(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM install_steps`)
	return err
}

// BeginInstallRun records the start of an installer run.
func (s *Store) BeginInstallRun(ctx context.Context) (*models.InstallRun, error) {
	run := &models.InstallRun{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Outcome:   "running",
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO install_runs (id, started_at, outcome) VALUES (?, ?, ?)`,
		run.ID, run.StartedAt, run.Outcome,
	)
	if err != nil {
		return nil, fmt.Errorf("insert install run: %w", err)
	}
	return run, nil
}

// FinishInstallRun records the outcome of an installer run.
func (s *Store) FinishInstallRun(ctx context.Context, id, outcome, failedStep string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE install_runs SET ended_at = ?, outcome = ?, failed_step = ? WHERE id = ?`,
		time.Now().UTC(), outcome, failedStep, id,
	)
	return err
}

// ListInstallRuns returns the most recent installer runs.
func (s *Store) ListInstallRuns(ctx context.Context, limit int) ([]models.InstallRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, ended_at, outcome, failed_step FROM install_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query install runs: %w", err)
	}
	defer rows.Close()

	var runs []models.InstallRun
	for rows.Next() {
		var run models.InstallRun
		var endedAt sql.NullTime
		var failed sql.NullString
		if err := rows.Scan(&run.ID, &run.StartedAt, &endedAt, &run.Outcome, &failed); err != nil {
			return nil, fmt.Errorf("scan install run: %w", err)
		}
		if endedAt.Valid {
			run.EndedAt = &endedAt.Time
		}
		run.FailedStep = failed.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Lock Operations ---

// ErrResourceLocked indicates the resource is already locked by another holder.
var ErrResourceLocked = errors.New("resource already locked")

// AcquireLock attempts to acquire a lock on a resource atomically.
// Expired locks are cleaned up first.
func (s *Store) AcquireLock(ctx context.Context, resourceID, holderID string, ttl time.Duration) (*models.Lock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE resource_id = ? AND expires_at <= ?`, resourceID, now); err != nil {
		return nil, fmt.Errorf("clean expired locks: %w", err)
	}

	var existingHolder string
	err = tx.QueryRowContext(ctx,
		`SELECT holder_id FROM locks WHERE resource_id = ? AND expires_at > ?`,
		resourceID, now,
	).Scan(&existingHolder)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("check existing lock: %w", err)
	}
	if err != sql.ErrNoRows {
		return nil, ErrResourceLocked
	}

	lock := &models.Lock{
		ID:         uuid.New().String(),
		ResourceID: resourceID,
		HolderID:   holderID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks (id, resource_id, holder_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		lock.ID, lock.ResourceID, lock.HolderID, lock.CreatedAt, lock.ExpiresAt,
	)
	if err != nil {
		// UNIQUE constraint violation means another process won the race
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return nil, ErrResourceLocked
		}
		return nil, fmt.Errorf("insert lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return lock, nil
}

// RenewLock extends the expiry of a held lock (heartbeat).
func (s *Store) RenewLock(ctx context.Context, lockID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE id = ?`,
		time.Now().UTC().Add(ttl), lockID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lock %s no longer held", lockID)
	}
	return nil
}

// GetLock retrieves a lock by resource ID if it exists and is not expired.
func (s *Store) GetLock(ctx context.Context, resourceID string) (*models.Lock, error) {
	lock := &models.Lock{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, resource_id, holder_id, created_at, expires_at FROM locks WHERE resource_id = ? AND expires_at > ?`,
		resourceID, time.Now().UTC(),
	).Scan(&lock.ID, &lock.ResourceID, &lock.HolderID, &lock.CreatedAt, &lock.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	return lock, nil
}

// ReleaseLock releases a lock.
func (s *Store) ReleaseLock(ctx context.Context, lockID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE id = ?`, lockID)
	return err
}

// --- Command Run Operations ---

// RecordCommand inserts a finished command run.
func (s *Store) RecordCommand(ctx context.Context, run *models.CommandRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	argsJSON, _ := json.Marshal(run.Args)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_runs (id, session_id, command, args, exit_code, stdout, stderr, error, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.Command, string(argsJSON), run.ExitCode, run.Stdout, run.Stderr, run.Error,
		run.Duration.Milliseconds(), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert command run: %w", err)
	}
	return nil
}

// ListCommandRuns returns the most recent command runs.
func (s *Store) ListCommandRuns(ctx context.Context, limit int) ([]models.CommandRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, command, args, exit_code, stdout, stderr, error, duration_ms, started_at
		 FROM command_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query command runs: %w", err)
	}
	defer rows.Close()

	var runs []models.CommandRun
	for rows.Next() {
		var run models.CommandRun
		var argsJSON string
		var exitCode sql.NullInt64
		var stdout, stderr, errText sql.NullString
		var durationMS int64

		if err := rows.Scan(&run.ID, &run.SessionID, &run.Command, &argsJSON, &exitCode, &stdout, &stderr, &errText, &durationMS, &run.StartedAt); err != nil {
			return nil, fmt.Errorf("scan command run: %w", err)
		}
		if argsJSON != "" {
			json.Unmarshal([]byte(argsJSON), &run.Args)
		}
		run.ExitCode = int(exitCode.Int64)
		run.Stdout = stdout.String
		run.Stderr = stderr.String
		run.Error = errText.String
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, subject, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		Subject:    subject,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, subject, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.Subject, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the most recent decision records.
func (s *Store) ListPDR(limit int) ([]models.PDREntry, error) {
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, subject, details, timestamp FROM pdr ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var subject, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &subject, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.Subject = subject.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

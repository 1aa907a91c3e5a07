// Package store persists job records and log lines in an embedded SQLite
// database so clients can reconnect and the server can restart without losing
// finished results. Running jobs cannot be resumed after a restart (the engine
// processes are gone); ReconcileIncomplete marks them as errored at startup.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/bobmcallan/sfcluster/internal/common"
	"github.com/bobmcallan/sfcluster/internal/models"
)

// Store is a SQLite-backed job store. All methods are safe for use from
// multiple goroutines; writes are serialised on a single connection.
type Store struct {
	db     *sql.DB
	logger *common.Logger
}

// Open opens (creating if needed) the job store at path.
func Open(logger *common.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store at %s: %w", path, err)
	}
	// One writer connection keeps store calls short and serialised.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Str("path", path).Msg("Job store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS jobs (
		  id TEXT PRIMARY KEY,
		  opponent TEXT,
		  fen TEXT,
		  limit_type INTEGER,
		  limit_value INTEGER,
		  multipv INTEGER,
		  status INTEGER,
		  created_at_ms INTEGER,
		  started_at_ms INTEGER,
		  finished_at_ms INTEGER,
		  last_update_ms INTEGER,
		  bestmove TEXT,
		  last_by_mpv_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS job_logs (
		  job_id TEXT,
		  ts_ms INTEGER,
		  line TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_logs_job_ts ON job_logs(job_id, ts_ms)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init job store schema: %w", err)
		}
	}
	return nil
}

// UpsertJob inserts or replaces the record by job id. LastByMPV is stored as
// a compact JSON blob.
func (s *Store) UpsertJob(rec *models.JobRecord) error {
	blob, err := json.Marshal(rec.LastByMPV)
	if err != nil {
		return fmt.Errorf("failed to encode mpv map for job %s: %w", rec.JobID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs(
		  id, opponent, fen, limit_type, limit_value, multipv, status,
		  created_at_ms, started_at_ms, finished_at_ms, last_update_ms,
		  bestmove, last_by_mpv_json
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		  opponent=excluded.opponent,
		  fen=excluded.fen,
		  limit_type=excluded.limit_type,
		  limit_value=excluded.limit_value,
		  multipv=excluded.multipv,
		  status=excluded.status,
		  created_at_ms=excluded.created_at_ms,
		  started_at_ms=excluded.started_at_ms,
		  finished_at_ms=excluded.finished_at_ms,
		  last_update_ms=excluded.last_update_ms,
		  bestmove=excluded.bestmove,
		  last_by_mpv_json=excluded.last_by_mpv_json`,
		rec.JobID, rec.Opponent, rec.FEN, rec.LimitType, rec.LimitValue,
		rec.MultiPV, rec.Status, rec.CreatedAtMS, nullableMS(rec.StartedAtMS),
		nullableMS(rec.FinishedAtMS), rec.LastUpdateMS, rec.Bestmove, string(blob),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", rec.JobID, err)
	}
	return nil
}

// AppendLog appends one log line for a job. Empty lines are skipped.
func (s *Store) AppendLog(jobID string, tsMS int64, line string) error {
	if line == "" {
		return nil
	}
	if _, err := s.db.Exec(
		`INSERT INTO job_logs(job_id, ts_ms, line) VALUES(?,?,?)`,
		jobID, tsMS, line,
	); err != nil {
		return fmt.Errorf("failed to append log for job %s: %w", jobID, err)
	}
	return nil
}

// FetchLogTail returns the last limit log lines for a job in ascending
// timestamp order.
func (s *Store) FetchLogTail(jobID string, limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT line FROM job_logs WHERE job_id=? ORDER BY ts_ms DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch log tail for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan log line for job %s: %w", jobID, err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log tail for job %s: %w", jobID, err)
	}
	// Query returns newest first; callers want ascending timestamps.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// LoadRecent returns up to limit most recently created records, newest first.
func (s *Store) LoadRecent(limit int) ([]*models.JobRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, opponent, fen, limit_type, limit_value, multipv, status,
		        created_at_ms, started_at_ms, finished_at_ms, last_update_ms,
		        bestmove, last_by_mpv_json
		   FROM jobs ORDER BY created_at_ms DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent jobs: %w", err)
	}
	defer rows.Close()

	var recs []*models.JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recent jobs: %w", err)
	}
	return recs, nil
}

// ReconcileIncomplete transitions every PENDING/QUEUED/RUNNING record to
// ERROR, stamping finished_at (when unset) and last_update with nowMS, and
// returns the affected job ids. Called once at startup: those jobs' engine
// processes did not survive the restart.
func (s *Store) ReconcileIncomplete(nowMS int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM jobs WHERE status IN (?,?,?)`,
		models.JobPending, models.JobQueued, models.JobRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select incomplete jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan incomplete job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate incomplete jobs: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.Exec(
		`UPDATE jobs
		    SET status=?, finished_at_ms=COALESCE(finished_at_ms, ?), last_update_ms=?
		  WHERE status IN (?,?,?)`,
		models.JobError, nowMS, nowMS,
		models.JobPending, models.JobQueued, models.JobRunning,
	); err != nil {
		return nil, fmt.Errorf("failed to reconcile incomplete jobs: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.JobRecord, error) {
	var (
		rec      models.JobRecord
		started  sql.NullInt64
		finished sql.NullInt64
		blob     sql.NullString
		opponent sql.NullString
		fen      sql.NullString
		bestmove sql.NullString
	)
	if err := row.Scan(
		&rec.JobID, &opponent, &fen, &rec.LimitType, &rec.LimitValue,
		&rec.MultiPV, &rec.Status, &rec.CreatedAtMS, &started, &finished,
		&rec.LastUpdateMS, &bestmove, &blob,
	); err != nil {
		return nil, fmt.Errorf("failed to scan job record: %w", err)
	}

	rec.Opponent = opponent.String
	rec.FEN = fen.String
	rec.Bestmove = bestmove.String
	if rec.MultiPV < 1 {
		rec.MultiPV = 1
	}
	if started.Valid {
		v := started.Int64
		rec.StartedAtMS = &v
	}
	if finished.Valid {
		v := finished.Int64
		rec.FinishedAtMS = &v
	}
	if rec.LastUpdateMS == 0 {
		rec.LastUpdateMS = rec.CreatedAtMS
	}

	rec.LastByMPV = make(map[string]models.InfoFields)
	if blob.Valid && blob.String != "" {
		// A corrupt blob loses the mpv lines but not the record.
		_ = json.Unmarshal([]byte(blob.String), &rec.LastByMPV)
		if rec.LastByMPV == nil {
			rec.LastByMPV = make(map[string]models.InfoFields)
		}
	}
	return &rec, nil
}

func nullableMS(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

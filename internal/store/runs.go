package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/backapp/backapp/internal/models"
)

const runColumns = `id, backup_profile_id, storage_location_id, status, trigger, start_time, end_time,
	error_message, error_kind, total_files, total_size_bytes, backup_path`

func scanRun(row interface{ Scan(...any) error }) (*models.BackupRun, error) {
	var (
		r        models.BackupRun
		location sql.NullInt64
		end      sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.ProfileID, &location, &r.Status, &r.Trigger, &r.StartTime, &end,
		&r.ErrorMessage, &r.ErrorKind, &r.TotalFiles, &r.TotalSizeBytes, &r.BackupPath); err != nil {
		return nil, err
	}
	r.StorageLocationID = location.Int64
	r.EndTime = timePtr(end)
	return &r, nil
}

// CreateRun inserts a running run for a profile writing to locationID. The
// partial unique index on active runs turns a concurrent second insert into
// ErrActiveRun.
func (s *Store) CreateRun(profileID, locationID int64, trigger string) (*models.BackupRun, error) {
	res, err := s.db.Exec(`
		INSERT INTO backup_runs (backup_profile_id, storage_location_id, status, trigger, start_time)
		VALUES (?, ?, ?, ?, ?)
	`, profileID, locationID, models.RunRunning, trigger, now())
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("profile %d: %w", profileID, ErrActiveRun)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRun(id)
}

// FinishRun moves an active run to its terminal state. Runs that are
// already terminal are left untouched.
func (s *Store) FinishRun(run *models.BackupRun) error {
	end := now()
	if run.EndTime != nil {
		end = run.EndTime.UTC()
	}
	_, err := s.db.Exec(`
		UPDATE backup_runs
		SET status = ?, end_time = ?, error_message = ?, error_kind = ?, total_files = ?,
		    total_size_bytes = ?, backup_path = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, run.Status, end, run.ErrorMessage, run.ErrorKind, run.TotalFiles, run.TotalSizeBytes, run.BackupPath, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", run.ID, err)
	}
	return nil
}

// SetRunBackupPath records the directory a run writes into
func (s *Store) SetRunBackupPath(id int64, backupPath string) error {
	_, err := s.db.Exec(`UPDATE backup_runs SET backup_path = ? WHERE id = ?`, backupPath, id)
	return err
}

// FailInterruptedRuns marks runs left active by a previous process as failed
func (s *Store) FailInterruptedRuns(message string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE backup_runs
		SET status = 'failed', end_time = ?, error_message = ?, error_kind = 'interrupted'
		WHERE status IN ('pending', 'running')
	`, now(), message)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetRun returns a run
func (s *Store) GetRun(id int64) (*models.BackupRun, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM backup_runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "backup run", id)
	}
	return r, nil
}

// ListRuns returns runs newest first
func (s *Store) ListRuns(filter models.RunFilter) ([]models.BackupRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProfileID != 0 {
		where = append(where, "backup_profile_id = ?")
		args = append(args, filter.ProfileID)
	}
	if filter.StorageLocationID != 0 {
		where = append(where, "storage_location_id = ?")
		args = append(args, filter.StorageLocationID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + runColumns + ` FROM backup_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.BackupRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// CountActiveRuns counts pending or running runs of a profile
func (s *Store) CountActiveRuns(profileID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM backup_runs WHERE backup_profile_id = ? AND status IN ('pending', 'running')`, profileID).Scan(&n)
	return n, err
}

// RunsBeyondRetention returns successful runs of a profile older than the
// newest keep successful runs
func (s *Store) RunsBeyondRetention(profileID int64, keep int) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT id FROM backup_runs
		WHERE backup_profile_id = ? AND status = 'success'
		ORDER BY start_time DESC, id DESC
		LIMIT -1 OFFSET ?
	`, profileID, keep)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteRunRecord removes a terminal run with its files and logs
func (s *Store) DeleteRunRecord(id int64) error {
	res, err := s.db.Exec(`DELETE FROM backup_runs WHERE id = ? AND status IN ('success', 'failed')`, id)
	return s.affected(res, err, "terminal backup run", id)
}

const fileColumns = `id, backup_run_id, file_rule_id, remote_path, local_path, size_bytes, checksum,
	deleted, deleted_at, available, created_at`

const fileColumnsPrefixed = `f.id, f.backup_run_id, f.file_rule_id, f.remote_path, f.local_path, f.size_bytes,
	f.checksum, f.deleted, f.deleted_at, f.available, f.created_at`

func scanFile(row interface{ Scan(...any) error }) (*models.BackupFile, error) {
	var (
		f         models.BackupFile
		ruleID    sql.NullInt64
		deletedAt sql.NullTime
	)
	if err := row.Scan(&f.ID, &f.RunID, &ruleID, &f.RemotePath, &f.LocalPath, &f.SizeBytes, &f.Checksum,
		&f.Deleted, &deletedAt, &f.Available, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.FileRuleID = int64Ptr(ruleID)
	f.DeletedAt = timePtr(deletedAt)
	return &f, nil
}

func scanFiles(rows *sql.Rows) ([]models.BackupFile, error) {
	var files []models.BackupFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// AddFile records an artifact written by a run
func (s *Store) AddFile(f *models.BackupFile) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now()
	}
	res, err := s.db.Exec(`
		INSERT INTO backup_files (backup_run_id, file_rule_id, remote_path, local_path, size_bytes, checksum,
			deleted, available, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?)
	`, f.RunID, nullInt64(f.FileRuleID), f.RemotePath, f.LocalPath, f.SizeBytes, f.Checksum, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record backup file: %w", err)
	}
	f.ID, err = res.LastInsertId()
	f.Available = true
	return err
}

// GetFile returns a backup file
func (s *Store) GetFile(id int64) (*models.BackupFile, error) {
	f, err := scanFile(s.db.QueryRow(`SELECT `+fileColumns+` FROM backup_files WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "backup file", id)
	}
	return f, nil
}

// ListFiles returns a run's files in insertion order
func (s *Store) ListFiles(runID int64) ([]models.BackupFile, error) {
	rows, err := s.db.Query(`SELECT `+fileColumns+` FROM backup_files WHERE backup_run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup files: %w", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

// MarkFileDeleted soft-deletes a file
func (s *Store) MarkFileDeleted(id int64) error {
	res, err := s.db.Exec(`UPDATE backup_files SET deleted = 1, deleted_at = ?, available = 0 WHERE id = ?`, now(), id)
	return s.affected(res, err, "backup file", id)
}

// SetFileAvailable records whether the artifact is still present in storage
func (s *Store) SetFileAvailable(id int64, available bool) error {
	_, err := s.db.Exec(`UPDATE backup_files SET available = ? WHERE id = ?`, available, id)
	return err
}

// AppendLog adds a line to a run's log
func (s *Store) AppendLog(runID int64, level, stage, message string) (*models.RunLog, error) {
	ts := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO backup_run_logs (backup_run_id, timestamp, level, stage, message)
		VALUES (?, ?, ?, ?, ?)
	`, runID, ts, level, stage, message)
	if err != nil {
		return nil, fmt.Errorf("failed to append run log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.RunLog{ID: id, RunID: runID, Timestamp: ts, Level: level, Stage: stage, Message: message}, nil
}

// ListLogs returns a run's log lines with id greater than afterID
func (s *Store) ListLogs(runID, afterID int64) ([]models.RunLog, error) {
	rows, err := s.db.Query(`
		SELECT id, backup_run_id, timestamp, level, stage, message
		FROM backup_run_logs
		WHERE backup_run_id = ? AND id > ?
		ORDER BY id
	`, runID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var l models.RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Stage, &l.Message); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

package models

import "time"

// Run statuses
const (
	RunPending = "pending"
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// Run triggers
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// Log levels
const (
	LogDebug = "DEBUG"
	LogInfo  = "INFO"
	LogWarn  = "WARN"
	LogError = "ERROR"
)

// BackupRun is one execution of a profile. StorageLocationID is the
// location the run wrote to; it is zero once that location is gone.
type BackupRun struct {
	ID                int64      `json:"id"`
	ProfileID         int64      `json:"backup_profile_id"`
	StorageLocationID int64      `json:"storage_location_id,omitempty"`
	Status            string     `json:"status"`
	Trigger           string     `json:"trigger"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ErrorKind         string     `json:"error_kind,omitempty"`
	TotalFiles        int64      `json:"total_files"`
	TotalSizeBytes    int64      `json:"total_size_bytes"`
	BackupPath        string     `json:"backup_path,omitempty"`
}

// IsTerminal reports whether the run has finished
func (r *BackupRun) IsTerminal() bool {
	return r.Status == RunSuccess || r.Status == RunFailed
}

// BackupFile is an artifact written by a run
type BackupFile struct {
	ID         int64      `json:"id"`
	RunID      int64      `json:"backup_run_id"`
	FileRuleID *int64     `json:"file_rule_id,omitempty"`
	RemotePath string     `json:"remote_path"`
	LocalPath  string     `json:"local_path"`
	SizeBytes  int64      `json:"size_bytes"`
	Checksum   string     `json:"checksum"`
	Deleted    bool       `json:"deleted"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	Available  bool       `json:"available"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RunLog is one line of a run's log
type RunLog struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"backup_run_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
}

// RunFilter narrows run listings
type RunFilter struct {
	ProfileID         int64
	StorageLocationID int64
	Status            string
	Limit             int
}

// Deletion scopes
const (
	ScopeServer  = "server"
	ScopeStorage = "storage_location"
	ScopeProfile = "backup_profile"
	ScopeRun     = "backup_run"
	ScopeFile    = "backup_file"
)

// DeletionImpact counts what a destructive action would remove
type DeletionImpact struct {
	Scope          string `json:"scope"`
	ID             int64  `json:"id"`
	Profiles       int64  `json:"profiles"`
	Commands       int64  `json:"commands"`
	FileRules      int64  `json:"file_rules"`
	Runs           int64  `json:"runs"`
	ActiveRuns     int64  `json:"active_runs"`
	Files          int64  `json:"files"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	Blocked        bool   `json:"blocked"`
	BlockedReason  string `json:"blocked_reason,omitempty"`
}

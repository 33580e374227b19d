package models

import "time"

// Command stages
const (
	StagePre  = "pre"
	StagePost = "post"
)

// Compression formats
const (
	Format7z  = "7z"
	FormatZip = "zip"
)

// NamingRule is a filename template for backup artifacts
type NamingRule struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NamingRuleRequest is the create/update payload for a naming rule
type NamingRuleRequest struct {
	Name    string `json:"name" binding:"required"`
	Pattern string `json:"pattern" binding:"required"`
}

// BackupProfile ties a server, file rules and commands to a storage location
type BackupProfile struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	ServerID          int64      `json:"server_id"`
	StorageLocationID int64      `json:"storage_location_id"`
	NamingRuleID      int64      `json:"naming_rule_id"`
	ScheduleCron      string     `json:"schedule_cron"`
	Enabled           bool       `json:"enabled"`
	RetentionCount    int        `json:"retention_count"`
	RunTimeoutSeconds int        `json:"run_timeout_seconds"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Commands          []Command  `json:"commands,omitempty"`
	FileRules         []FileRule `json:"file_rules,omitempty"`
	NextRun           *time.Time `json:"next_run,omitempty"`
}

// BackupProfileRequest is the create/update payload for a profile
type BackupProfileRequest struct {
	Name              string `json:"name" binding:"required"`
	ServerID          int64  `json:"server_id" binding:"required"`
	StorageLocationID int64  `json:"storage_location_id" binding:"required"`
	NamingRuleID      int64  `json:"naming_rule_id" binding:"required"`
	ScheduleCron      string `json:"schedule_cron" binding:"omitempty,cron"`
	Enabled           *bool  `json:"enabled"`
	RetentionCount    int    `json:"retention_count" binding:"min=0"`
	RunTimeoutSeconds int    `json:"run_timeout_seconds" binding:"min=0"`
}

// Command is a shell command run before or after file transfer
type Command struct {
	ID               int64     `json:"id"`
	ProfileID        int64     `json:"backup_profile_id"`
	Command          string    `json:"command"`
	WorkingDirectory string    `json:"working_directory"`
	RunStage         string    `json:"run_stage"`
	RunOrder         int       `json:"run_order"`
	CreatedAt        time.Time `json:"created_at"`
}

// CommandRequest is the create/update payload for a command
type CommandRequest struct {
	Command          string `json:"command" binding:"required"`
	WorkingDirectory string `json:"working_directory"`
	RunStage         string `json:"run_stage" binding:"required,oneof=pre post"`
	RunOrder         int    `json:"run_order"`
}

// FileRule declares a remote path to back up
type FileRule struct {
	ID               int64     `json:"id"`
	ProfileID        int64     `json:"backup_profile_id"`
	RemotePath       string    `json:"remote_path"`
	Recursive        bool      `json:"recursive"`
	Compress         bool      `json:"compress"`
	CompressFormat   string    `json:"compress_format"`
	CompressPassword string    `json:"-"`
	HasPassword      bool      `json:"has_compress_password"`
	ExcludePattern   string    `json:"exclude_pattern"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FileRuleRequest is the create/update payload for a file rule
type FileRuleRequest struct {
	RemotePath       string `json:"remote_path" binding:"required"`
	Recursive        bool   `json:"recursive"`
	Compress         bool   `json:"compress"`
	CompressFormat   string `json:"compress_format" binding:"omitempty,oneof=7z zip"`
	CompressPassword string `json:"compress_password"`
	ExcludePattern   string `json:"exclude_pattern"`
}

// Normalize applies the compression constraints a file rule must satisfy:
// the format defaults to 7z and a password only survives on compressed 7z rules.
func (r *FileRule) Normalize() {
	if r.CompressFormat != FormatZip {
		r.CompressFormat = Format7z
	}
	if !r.Compress || r.CompressFormat == FormatZip {
		r.CompressPassword = ""
	}
	r.HasPassword = r.CompressPassword != ""
}

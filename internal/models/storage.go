package models

import "time"

// Storage location types
const (
	StorageLocal  = "local"
	StorageSFTP   = "sftp"
	StorageS3     = "s3"
	StorageWebDAV = "webdav"
)

// StorageLocation is a destination for backup artifacts
type StorageLocation struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	BasePath      string    `json:"base_path"`
	Address       string    `json:"address,omitempty"`
	Port          int       `json:"port,omitempty"`
	Username      string    `json:"username,omitempty"`
	Password      string    `json:"-"`
	PrivateKey    string    `json:"-"`
	Bucket        string    `json:"bucket,omitempty"`
	Region        string    `json:"region,omitempty"`
	Endpoint      string    `json:"endpoint,omitempty"`
	AccessKey     string    `json:"access_key,omitempty"`
	SecretKey     string    `json:"-"`
	HasPassword   bool      `json:"has_password"`
	HasPrivateKey bool      `json:"has_private_key"`
	HasSecretKey  bool      `json:"has_secret_key"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StorageLocationRequest is the create/update payload for a storage location
type StorageLocationRequest struct {
	Name       string `json:"name" binding:"required"`
	Type       string `json:"type" binding:"required,oneof=local sftp s3 webdav"`
	BasePath   string `json:"base_path"`
	Address    string `json:"address"`
	Port       int    `json:"port" binding:"omitempty,min=1,max=65535"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
	Bucket     string `json:"bucket" binding:"required_if=Type s3"`
	Region     string `json:"region"`
	Endpoint   string `json:"endpoint"`
	AccessKey  string `json:"access_key"`
	SecretKey  string `json:"secret_key"`
	Enabled    *bool  `json:"enabled"`
	MoveFiles  bool   `json:"move_files"`
}

// StorageUsage reports capacity and backup totals for a location.
// Capacity fields are zero when the backend cannot report them.
type StorageUsage struct {
	StorageLocationID int64   `json:"storage_location_id"`
	Name              string  `json:"name"`
	Type              string  `json:"type"`
	Enabled           bool    `json:"enabled"`
	TotalBytes        uint64  `json:"total_bytes"`
	UsedBytes         uint64  `json:"used_bytes"`
	FreeBytes         uint64  `json:"free_bytes"`
	UsedPercent       float64 `json:"used_percent"`
	FreePercent       float64 `json:"free_percent"`
	CapacityKnown     bool    `json:"capacity_known"`
	BackupCount       int64   `json:"backup_count"`
	BackupSizeBytes   int64   `json:"backup_size_bytes"`
	Error             string  `json:"error,omitempty"`
}

// MoveImpact previews relocating a storage location's artifacts
type MoveImpact struct {
	StorageLocationID int64      `json:"storage_location_id"`
	FromPath          string     `json:"from_path"`
	ToPath            string     `json:"to_path"`
	FileCount         int        `json:"file_count"`
	TotalBytes        int64      `json:"total_bytes"`
	Files             []MoveItem `json:"files"`
}

// MoveItem is a single file affected by a move
type MoveItem struct {
	BackupFileID int64  `json:"backup_file_id"`
	LocalPath    string `json:"local_path"`
	SizeBytes    int64  `json:"size_bytes"`
}

// MoveResult reports the outcome of a move
type MoveResult struct {
	Moved int `json:"moved"`
	// Missing lists files whose artifact was already gone; they are marked
	// unavailable and do not abort the move
	Missing []int64      `json:"missing,omitempty"`
	Failed  []MoveFailed `json:"failed,omitempty"`
}

// MoveFailed describes a file left at its original location
type MoveFailed struct {
	BackupFileID int64  `json:"backup_file_id"`
	Error        string `json:"error"`
}

package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ActivityLogger records administrative actions (config changes, manual runs,
// deletions) to the activity_log table and to a daily JSON-lines file.
type ActivityLogger struct {
	db          *sql.DB
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// Activity represents a logged activity
type Activity struct {
	ID           int64                  `json:"id,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	EntityType   string                 `json:"entity_type"`
	EntityID     int64                  `json:"entity_id"`
	ActivityType string                 `json:"activity_type"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Activity type constants
const (
	ActivityCreate        = "entity.create"
	ActivityUpdate        = "entity.update"
	ActivityDelete        = "entity.delete"
	ActivityRunTrigger    = "run.trigger"
	ActivityRunCancel     = "run.cancel"
	ActivityRunDelete     = "run.delete"
	ActivityFileDelete    = "file.delete"
	ActivityStorageToggle = "storage.toggle"
	ActivityStorageMove   = "storage.move"
	ActivityError         = "error"
)

// NewActivityLogger creates a new activity logger
func NewActivityLogger(db *sql.DB, logDir string) (*ActivityLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	log.Printf("[ActivityLogger] Initialized (log directory: %s)", logDir)

	return &ActivityLogger{
		db:     db,
		logDir: logDir,
	}, nil
}

// LogActivity logs an activity to both database and file
func (al *ActivityLogger) LogActivity(activity *Activity) error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}

	// A database failure still lets the file copy through.
	if err := al.logToDatabase(activity); err != nil {
		log.Printf("[ActivityLogger] Error logging to database: %v", err)
	}

	if err := al.logToFile(activity); err != nil {
		log.Printf("[ActivityLogger] Error logging to file: %v", err)
		return err
	}

	return nil
}

// Record is a shorthand for the common single-entity case.
func (al *ActivityLogger) Record(entityType string, entityID int64, activityType, description string, err error) {
	activity := &Activity{
		EntityType:   entityType,
		EntityID:     entityID,
		ActivityType: activityType,
		Description:  description,
		Success:      err == nil,
	}
	if err != nil {
		activity.ErrorMessage = err.Error()
	}
	_ = al.LogActivity(activity)
}

// GetActivities retrieves activities from the database, newest first
func (al *ActivityLogger) GetActivities(entityType string, entityID int64, since time.Time, limit int) ([]*Activity, error) {
	if al.db == nil {
		return nil, fmt.Errorf("database not available")
	}

	query := `
		SELECT id, timestamp, entity_type, entity_id, activity_type, description, metadata, success, error_message
		FROM activity_log
		WHERE 1=1
	`
	args := make([]interface{}, 0)

	if entityType != "" {
		query += " AND entity_type = ?"
		args = append(args, entityType)
	}

	if entityID > 0 {
		query += " AND entity_id = ?"
		args = append(args, entityID)
	}

	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since)
	}

	query += " ORDER BY id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := al.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	activities := make([]*Activity, 0)
	for rows.Next() {
		activity := &Activity{}
		var metadataJSON, errorMessage sql.NullString

		if err := rows.Scan(
			&activity.ID,
			&activity.Timestamp,
			&activity.EntityType,
			&activity.EntityID,
			&activity.ActivityType,
			&activity.Description,
			&metadataJSON,
			&activity.Success,
			&errorMessage,
		); err != nil {
			log.Printf("[ActivityLogger] Error scanning row: %v", err)
			continue
		}

		activity.ErrorMessage = errorMessage.String
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &activity.Metadata); err != nil {
				log.Printf("[ActivityLogger] Error unmarshaling metadata: %v", err)
			}
		}

		activities = append(activities, activity)
	}

	return activities, rows.Err()
}

func (al *ActivityLogger) logToDatabase(activity *Activity) error {
	if al.db == nil {
		return nil
	}

	metadataJSON, err := json.Marshal(activity.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	result, err := al.db.Exec(`
		INSERT INTO activity_log (
			timestamp, entity_type, entity_id, activity_type,
			description, metadata, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		activity.Timestamp,
		activity.EntityType,
		activity.EntityID,
		activity.ActivityType,
		activity.Description,
		string(metadataJSON),
		activity.Success,
		activity.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		activity.ID = id
	}
	return nil
}

func (al *ActivityLogger) logToFile(activity *Activity) error {
	currentDate := time.Now().Format("2006-01-02")

	if al.currentFile == nil || al.currentDate != currentDate {
		if err := al.rotateLogFile(currentDate); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	line, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	if _, err := fmt.Fprintf(al.currentFile, "%s\n", line); err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}

	if !activity.Success || activity.ActivityType == ActivityDelete || activity.ActivityType == ActivityRunDelete {
		al.currentFile.Sync()
	}

	return nil
}

func (al *ActivityLogger) rotateLogFile(date string) error {
	if al.currentFile != nil {
		al.currentFile.Close()
		al.currentFile = nil
	}

	logPath := filepath.Join(al.logDir, fmt.Sprintf("activity-%s.log", date))
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	al.currentFile = file
	al.currentDate = date

	go al.compressOldLogs(date)

	return nil
}

// compressOldLogs gzips every daily file except the active one.
func (al *ActivityLogger) compressOldLogs(activeDate string) {
	matches, err := filepath.Glob(filepath.Join(al.logDir, "activity-*.log"))
	if err != nil {
		return
	}

	active := fmt.Sprintf("activity-%s.log", activeDate)
	for _, path := range matches {
		if filepath.Base(path) == active {
			continue
		}
		if err := gzipFile(path); err != nil {
			log.Printf("[ActivityLogger] Failed to compress %s: %v", path, err)
		}
	}
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dstPath := path + ".gz"
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	zw.Name = strings.TrimSuffix(filepath.Base(path), ".gz")
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(dstPath)
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	src.Close()
	return os.Remove(path)
}

// Close closes the activity logger
func (al *ActivityLogger) Close() error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.currentFile != nil {
		err := al.currentFile.Close()
		al.currentFile = nil
		return err
	}

	return nil
}

// PruneActivities deletes activity rows older than olderThan and returns
// how many were removed. Daily files are left to compressOldLogs.
func (al *ActivityLogger) PruneActivities(olderThan time.Duration) (int64, error) {
	if al == nil || al.db == nil || olderThan <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-olderThan)
	result, err := al.db.Exec("DELETE FROM activity_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune activities: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		log.Printf("[ActivityLogger] Pruned %d activities older than %s", rows, olderThan)
	}
	return rows, nil
}

// StartPruning prunes once now and then daily until ctx ends
func (al *ActivityLogger) StartPruning(ctx context.Context, olderThan time.Duration) {
	if al == nil || olderThan <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			if _, err := al.PruneActivities(olderThan); err != nil {
				log.Printf("[ActivityLogger] %v", err)
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/backapp/backapp/internal/database"
)

func TestActivityLoggerLogActivity(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "data", "test.db")
	logDir := filepath.Join(root, "logs")

	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}

	logger, err := NewActivityLogger(db.DB, logDir)
	if err != nil {
		t.Fatalf("failed to create activity logger: %v", err)
	}
	defer logger.Close()

	if err := logger.LogActivity(&Activity{
		EntityType:   "backup_profile",
		EntityID:     7,
		ActivityType: ActivityRunTrigger,
		Description:  "manual run",
		Success:      true,
	}); err != nil {
		t.Fatalf("failed to log activity: %v", err)
	}

	activities, err := logger.GetActivities("backup_profile", 7, time.Time{}, 10)
	if err != nil {
		t.Fatalf("failed to query activities: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(activities))
	}
	if activities[0].ActivityType != ActivityRunTrigger {
		t.Fatalf("unexpected activity type %s", activities[0].ActivityType)
	}
}

func TestGzipFileReplacesOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activity-2024-01-01.log")
	if err := os.WriteFile(path, []byte("{\"x\":1}\n"), 0644); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}

	if err := gzipFile(path); err != nil {
		t.Fatalf("gzip failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected original file to be removed")
	}
	if _, err := os.Stat(path + ".gz"); err != nil {
		t.Fatalf("expected gz file: %v", err)
	}
}

func TestPruneActivitiesKeepsRecentRows(t *testing.T) {
	root := t.TempDir()
	db, err := database.NewDB(filepath.Join(root, "test.db"))
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}

	logger, err := NewActivityLogger(db.DB, filepath.Join(root, "logs"))
	if err != nil {
		t.Fatalf("failed to create activity logger: %v", err)
	}
	defer logger.Close()

	for _, ts := range []time.Time{time.Now().Add(-200 * 24 * time.Hour), time.Now()} {
		if err := logger.LogActivity(&Activity{
			Timestamp:    ts,
			EntityType:   "storage",
			EntityID:     1,
			ActivityType: ActivityStorageToggle,
			Description:  "toggled",
			Success:      true,
		}); err != nil {
			t.Fatalf("failed to log activity: %v", err)
		}
	}

	removed, err := logger.PruneActivities(90 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned row, got %d", removed)
	}
	left, err := logger.GetActivities("storage", 1, time.Time{}, 10)
	if err != nil || len(left) != 1 {
		t.Fatalf("expected the recent row to stay, got %d (%v)", len(left), err)
	}

	if n, err := logger.PruneActivities(0); err != nil || n != 0 {
		t.Fatalf("zero retention should keep everything, got %d, %v", n, err)
	}
}

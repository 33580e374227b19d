package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/backapp/backapp/internal/models"
)

func TestLocalDestinationUploadDownloadDelete(t *testing.T) {
	ctx := context.Background()
	baseDir := filepath.Join(t.TempDir(), "backups")
	ld := NewLocalDestination(baseDir)

	content := []byte("backup-data")
	if err := ld.Upload(ctx, "run-1/test.zip", bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	size, err := ld.Stat(ctx, "run-1/test.zip")
	if err != nil || size != int64(len(content)) {
		t.Fatalf("stat = %d, %v", size, err)
	}

	var buf bytes.Buffer
	if err := ld.Download(ctx, "run-1/test.zip", &buf); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), content) {
		t.Fatalf("downloaded content mismatch")
	}

	if err := ld.Delete(ctx, "run-1/test.zip"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := ld.Stat(ctx, "run-1/test.zip"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if err := ld.Delete(ctx, "run-1/test.zip"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound on second delete, got %v", err)
	}

	if err := ld.RemoveEmptyDirs(ctx, "run-1"); err != nil {
		t.Fatalf("remove empty dirs: %v", err)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "run-1")); !os.IsNotExist(err) {
		t.Fatalf("expected run directory to be pruned")
	}
	if _, err := os.Stat(baseDir); err != nil {
		t.Fatalf("base path must survive pruning: %v", err)
	}
}

func TestLocalDestinationSizeMismatchLeavesNothing(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	ld := NewLocalDestination(baseDir)

	err := ld.Upload(ctx, "a.bin", bytes.NewReader([]byte("abc")), 10)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	entries, _ := os.ReadDir(baseDir)
	if len(entries) != 0 {
		t.Fatalf("expected no leftovers, got %d entries", len(entries))
	}
}

func TestLocalDestinationRejectsEscape(t *testing.T) {
	ctx := context.Background()
	baseDir := filepath.Join(t.TempDir(), "base")
	ld := NewLocalDestination(baseDir)

	if err := ld.Upload(ctx, "../../outside.txt", bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "outside.txt")); err != nil {
		t.Fatalf("expected name to be clamped under base path: %v", err)
	}
}

func TestLocalDestinationUsage(t *testing.T) {
	ld := NewLocalDestination(filepath.Join(t.TempDir(), "not", "yet", "created"))
	capacity, err := ld.Usage(context.Background())
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if capacity.Total == 0 {
		t.Fatalf("expected non-zero total")
	}
	if p := capacity.FreePercent(); p < 0 || p > 100 {
		t.Fatalf("free percent out of range: %f", p)
	}
}

func TestNewDestinationInvalidType(t *testing.T) {
	_, err := NewDestination(context.Background(), models.StorageLocation{Type: "invalid", BasePath: os.TempDir()}, DestinationOptions{})
	if err == nil {
		t.Fatalf("expected error for invalid destination type")
	}
}

func TestParseDF(t *testing.T) {
	out := "Filesystem     1024-blocks      Used Available Capacity Mounted on\n/dev/sda1        1000  400  600      40% /\n"
	c, err := parseDF(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Total != 1000*1024 || c.Used != 400*1024 || c.Free != 600*1024 {
		t.Fatalf("unexpected capacity: %+v", c)
	}
	if _, err := parseDF("garbage"); err == nil {
		t.Fatalf("expected error")
	}
}

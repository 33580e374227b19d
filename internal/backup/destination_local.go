package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
)

// LocalDestination stores backups on the local filesystem
type LocalDestination struct {
	basePath string
}

// NewLocalDestination creates a new local destination
func NewLocalDestination(basePath string) *LocalDestination {
	return &LocalDestination{
		basePath: basePath,
	}
}

func (ld *LocalDestination) resolve(name string) (string, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(ld.basePath, filepath.FromSlash(cleaned)), nil
}

// Upload writes to a temporary sibling and renames it into place, so a
// failed upload never leaves a partial artifact under the final name
func (ld *LocalDestination) Upload(ctx context.Context, name string, reader io.Reader, sizeBytes int64) error {
	destPath, err := ld.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("%w: failed to create backup directory: %v", ErrStorageUnreachable, err)
	}

	tmpPath := destPath + ".part-" + uuid.New().String()[:8]
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: failed to create backup file: %v", ErrStorageUnreachable, err)
	}

	written, err := io.Copy(file, &contextReader{ctx: ctx, r: reader})
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return classifyWriteErr(err)
	}

	if sizeBytes >= 0 && written != sizeBytes {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: size mismatch: expected %d bytes, wrote %d bytes", ErrTransferFailed, sizeBytes, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// Download reads a backup file from the local destination
func (ld *LocalDestination) Download(ctx context.Context, name string, writer io.Writer) error {
	srcPath, err := ld.resolve(name)
	if err != nil {
		return err
	}

	file, err := os.Open(srcPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", name, ErrObjectNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(writer, &contextReader{ctx: ctx, r: file}); err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}
	return nil
}

// Delete removes a backup file from the local destination
func (ld *LocalDestination) Delete(ctx context.Context, name string) error {
	destPath, err := ld.resolve(name)
	if err != nil {
		return err
	}

	if err := os.Remove(destPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrObjectNotFound)
		}
		return fmt.Errorf("failed to delete backup file: %w", err)
	}
	return nil
}

// Stat returns the size of a backup file
func (ld *LocalDestination) Stat(ctx context.Context, name string) (int64, error) {
	destPath, err := ld.resolve(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(destPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", name, ErrObjectNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	return info.Size(), nil
}

// Usage reports the filesystem holding the base path
func (ld *LocalDestination) Usage(ctx context.Context) (*Capacity, error) {
	dir := ld.basePath
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	stat, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	return &Capacity{Total: stat.Total, Used: stat.Used, Free: stat.Free}, nil
}

// RemoveEmptyDirs removes dir and its parents while they are empty,
// stopping at the base path
func (ld *LocalDestination) RemoveEmptyDirs(ctx context.Context, dir string) error {
	cleaned, err := cleanName(dir)
	if err != nil {
		return nil
	}
	base := filepath.Clean(ld.basePath)
	current := filepath.Join(base, filepath.FromSlash(cleaned))
	for strings.HasPrefix(current, base+string(filepath.Separator)) {
		entries, err := os.ReadDir(current)
		if err != nil || len(entries) > 0 {
			return nil
		}
		if err := os.Remove(current); err != nil {
			log.Printf("[LocalDest] Failed to remove empty directory %s: %v", current, err)
			return nil
		}
		current = filepath.Dir(current)
	}
	return nil
}

// GetType returns the destination type
func (ld *LocalDestination) GetType() string {
	return "local"
}

// GetPath returns the base path
func (ld *LocalDestination) GetPath() string {
	return ld.basePath
}

func (ld *LocalDestination) Close() error {
	return nil
}

// contextReader stops a copy once its context ends
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// classifyWriteErr maps a failed write onto the storage error taxonomy
func classifyWriteErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no space left") || strings.Contains(msg, "disk quota exceeded") {
		return fmt.Errorf("%w: %v", ErrInsufficientSpace, err)
	}
	return fmt.Errorf("%w: %v", ErrTransferFailed, err)
}

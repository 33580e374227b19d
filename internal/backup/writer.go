package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/backapp/backapp/internal/models"
)

// LocationLookup returns the current state of a storage location
type LocationLookup interface {
	GetStorageLocation(id int64) (*models.StorageLocation, error)
}

// StorageWriter persists a run's artifacts to one storage location. Names
// passed to Write are relative to the run directory.
type StorageWriter struct {
	dest     Destination
	location models.StorageLocation
	runDir   string
	lookup   LocationLookup

	mu    sync.Mutex
	names map[string]struct{}
}

// NewStorageWriter creates a writer for runDir on dest. lookup is consulted
// before every write so a location disabled mid-run receives nothing more.
func NewStorageWriter(dest Destination, location models.StorageLocation, runDir string, lookup LocationLookup) *StorageWriter {
	return &StorageWriter{
		dest:     dest,
		location: location,
		runDir:   runDir,
		lookup:   lookup,
		names:    make(map[string]struct{}),
	}
}

// RunDir returns the directory this writer writes into
func (w *StorageWriter) RunDir() string {
	return w.runDir
}

// Reserve claims name inside the run directory. A taken name gets a
// numeric suffix before its extension: data.zip, data-1.zip, data-2.zip.
func (w *StorageWriter) Reserve(name string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	candidate := name
	for i := 1; ; i++ {
		if _, taken := w.names[candidate]; !taken {
			w.names[candidate] = struct{}{}
			return candidate
		}
		candidate = suffixName(name, i)
	}
}

func suffixName(name string, n int) string {
	ext := path.Ext(name)
	if ext == name {
		ext = ""
	}
	// keep .tar.gz style double extensions together
	base := strings.TrimSuffix(name, ext)
	if inner := path.Ext(base); inner == ".tar" {
		base = strings.TrimSuffix(base, inner)
		ext = inner + ext
	}
	return fmt.Sprintf("%s-%d%s", base, n, ext)
}

// WriteArtifact uploads a local artifact produced by the compressor
func (w *StorageWriter) WriteArtifact(ctx context.Context, a *Artifact) (*models.BackupFile, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	defer f.Close()
	return w.write(ctx, a.Name, f, a.Size, a.Size)
}

// WriteStream uploads r as name. sizeHint is used for the free-space check
// only, since a remote file may change size while it is read.
func (w *StorageWriter) WriteStream(ctx context.Context, name string, r io.Reader, sizeHint int64) (*models.BackupFile, error) {
	return w.write(ctx, name, r, sizeHint, -1)
}

func (w *StorageWriter) write(ctx context.Context, name string, r io.Reader, sizeHint, exact int64) (*models.BackupFile, error) {
	if err := w.checkEnabled(); err != nil {
		return nil, err
	}
	if err := w.checkSpace(ctx, sizeHint); err != nil {
		return nil, err
	}

	target := path.Join(w.runDir, name)
	hash := sha256.New()
	counter := &countingReader{r: io.TeeReader(r, hash)}
	if err := w.dest.Upload(ctx, target, counter, exact); err != nil {
		return nil, err
	}

	return &models.BackupFile{
		LocalPath: target,
		SizeBytes: counter.n,
		Checksum:  hex.EncodeToString(hash.Sum(nil)),
		Available: true,
	}, nil
}

func (w *StorageWriter) checkEnabled() error {
	if w.lookup == nil {
		if !w.location.Enabled {
			return ErrStorageDisabled
		}
		return nil
	}
	loc, err := w.lookup.GetStorageLocation(w.location.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	if !loc.Enabled {
		return ErrStorageDisabled
	}
	return nil
}

func (w *StorageWriter) checkSpace(ctx context.Context, need int64) error {
	if need <= 0 {
		return nil
	}
	capacity, err := w.dest.Usage(ctx)
	if err != nil {
		if !errors.Is(err, ErrUsageUnsupported) {
			log.Printf("[Writer] Free space check skipped for location %d: %v", w.location.ID, err)
		}
		return nil
	}
	if capacity.Free < uint64(need) {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientSpace, need, capacity.Free)
	}
	return nil
}

// DeleteArtifact unlinks a stored artifact and prunes directories left
// empty. It reports whether the artifact is gone from storage; callers
// soft-delete the record either way.
func DeleteArtifact(ctx context.Context, dest Destination, file models.BackupFile) bool {
	err := dest.Delete(ctx, file.LocalPath)
	if err != nil && !errors.Is(err, ErrObjectNotFound) {
		log.Printf("[Writer] Failed to delete %s: %v", file.LocalPath, err)
		return false
	}
	if pruner, ok := dest.(dirPruner); ok {
		if dir := path.Dir(file.LocalPath); dir != "." {
			pruner.RemoveEmptyDirs(ctx, dir)
		}
	}
	return true
}

// Delete unlinks one of this location's artifacts
func (w *StorageWriter) Delete(ctx context.Context, file models.BackupFile) bool {
	return DeleteArtifact(ctx, w.dest, file)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

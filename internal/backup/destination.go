package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/backapp/backapp/internal/models"
)

var (
	// ErrObjectNotFound is returned by Stat and Download for missing artifacts
	ErrObjectNotFound = errors.New("artifact not found")
	// ErrUsageUnsupported is returned by Usage when the backend cannot report capacity
	ErrUsageUnsupported = errors.New("capacity reporting not supported")
)

// Destination represents a backup storage backend. Names are slash
// separated and relative to the location's base path.
type Destination interface {
	// Upload writes the reader to name, creating parent directories.
	// size may be -1 when unknown.
	Upload(ctx context.Context, name string, reader io.Reader, size int64) error

	// Download copies an artifact to the writer
	Download(ctx context.Context, name string, writer io.Writer) error

	// Delete removes an artifact
	Delete(ctx context.Context, name string) error

	// Stat returns an artifact's size
	Stat(ctx context.Context, name string) (int64, error)

	// Usage reports capacity at the base path
	Usage(ctx context.Context) (*Capacity, error)

	// GetType returns the destination type identifier
	GetType() string

	Close() error
}

// dirPruner is implemented by destinations with real directories
type dirPruner interface {
	RemoveEmptyDirs(ctx context.Context, dir string) error
}

// Capacity is the space reported by a backend
type Capacity struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// FreePercent returns free space as a percentage of total
func (c *Capacity) FreePercent() float64 {
	if c == nil || c.Total == 0 {
		return 0
	}
	return float64(c.Free) / float64(c.Total) * 100
}

// DestinationOptions carries settings shared by every destination
type DestinationOptions struct {
	KnownHostsPath  string
	TrustOnFirstUse bool
	Timeout         time.Duration
}

// DestinationFactory opens a destination for a storage location
type DestinationFactory interface {
	Open(ctx context.Context, loc models.StorageLocation) (Destination, error)
}

// DefaultDestinationFactory opens real backends
type DefaultDestinationFactory struct {
	Options DestinationOptions
}

// Open connects to the location's backend. Connection failures wrap
// ErrStorageUnreachable.
func (f *DefaultDestinationFactory) Open(ctx context.Context, loc models.StorageLocation) (Destination, error) {
	return NewDestination(ctx, loc, f.Options)
}

// NewDestination creates a new backup destination based on the location type
func NewDestination(ctx context.Context, loc models.StorageLocation, opts DestinationOptions) (Destination, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	switch loc.Type {
	case models.StorageLocal, "":
		return NewLocalDestination(loc.BasePath), nil
	case models.StorageSFTP:
		return NewSFTPDestination(ctx, loc, opts)
	case models.StorageS3:
		return NewS3Destination(loc, opts)
	case models.StorageWebDAV:
		return NewWebDAVDestination(loc, opts)
	default:
		return nil, fmt.Errorf("unsupported destination type: %s", loc.Type)
	}
}

// cleanName rejects names escaping the base path
func cleanName(name string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean("/"+name), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return cleaned, nil
}

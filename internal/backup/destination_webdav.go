package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/studio-b12/gowebdav"

	"github.com/backapp/backapp/internal/models"
)

// WebDAVDestination stores backups on a WebDAV share
type WebDAVDestination struct {
	basePath string
	client   *gowebdav.Client
}

// NewWebDAVDestination connects to the share at loc.Address
func NewWebDAVDestination(loc models.StorageLocation, opts DestinationOptions) (*WebDAVDestination, error) {
	if loc.Address == "" {
		return nil, fmt.Errorf("%w: webdav address is required", ErrStorageUnreachable)
	}
	c := gowebdav.NewClient(loc.Address, loc.Username, loc.Password)
	c.SetTimeout(opts.Timeout)
	if err := c.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}

	return &WebDAVDestination{
		basePath: "/" + strings.Trim(loc.BasePath, "/"),
		client:   c,
	}, nil
}

func (wd *WebDAVDestination) resolve(name string) (string, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return path.Join(wd.basePath, cleaned), nil
}

// Upload streams the artifact to the share
func (wd *WebDAVDestination) Upload(ctx context.Context, name string, reader io.Reader, sizeBytes int64) error {
	destPath, err := wd.resolve(name)
	if err != nil {
		return err
	}
	if err := wd.client.MkdirAll(path.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("%w: failed to create collection: %v", ErrStorageUnreachable, err)
	}
	if err := wd.client.WriteStream(destPath, &contextReader{ctx: ctx, r: reader}, 0644); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.Contains(err.Error(), "507") {
			return fmt.Errorf("%w: %v", ErrInsufficientSpace, err)
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	if sizeBytes >= 0 {
		info, err := wd.client.Stat(destPath)
		if err == nil && info.Size() != sizeBytes {
			wd.client.Remove(destPath)
			return fmt.Errorf("%w: size mismatch: expected %d bytes, stored %d bytes", ErrTransferFailed, sizeBytes, info.Size())
		}
	}
	return nil
}

// Download reads an artifact from the share
func (wd *WebDAVDestination) Download(ctx context.Context, name string, writer io.Writer) error {
	srcPath, err := wd.resolve(name)
	if err != nil {
		return err
	}
	stream, err := wd.client.ReadStream(srcPath)
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return fmt.Errorf("%s: %w", name, ErrObjectNotFound)
		}
		return fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	defer stream.Close()

	if _, err := io.Copy(writer, &contextReader{ctx: ctx, r: stream}); err != nil {
		return fmt.Errorf("failed to read webdav file: %w", err)
	}
	return nil
}

// Delete removes an artifact from the share
func (wd *WebDAVDestination) Delete(ctx context.Context, name string) error {
	destPath, err := wd.resolve(name)
	if err != nil {
		return err
	}
	if _, err := wd.client.Stat(destPath); err != nil {
		if gowebdav.IsErrNotFound(err) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrObjectNotFound)
		}
		return fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	if err := wd.client.Remove(destPath); err != nil {
		return fmt.Errorf("failed to delete webdav file: %w", err)
	}
	return nil
}

// Stat returns the size of an artifact
func (wd *WebDAVDestination) Stat(ctx context.Context, name string) (int64, error) {
	destPath, err := wd.resolve(name)
	if err != nil {
		return 0, err
	}
	info, err := wd.client.Stat(destPath)
	if err != nil {
		if gowebdav.IsErrNotFound(err) || errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%s: %w", name, ErrObjectNotFound)
		}
		return 0, fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	return info.Size(), nil
}

// Usage is not reported over WebDAV
func (wd *WebDAVDestination) Usage(ctx context.Context) (*Capacity, error) {
	return nil, ErrUsageUnsupported
}

// GetType returns the destination type
func (wd *WebDAVDestination) GetType() string {
	return "webdav"
}

func (wd *WebDAVDestination) Close() error {
	return nil
}

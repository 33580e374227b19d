package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/backapp/backapp/internal/logging"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// Mover relocates a storage location's artifacts to a new base path.
// Artifact paths are stored relative to the base path, so only the
// location's base path changes in the database.
type Mover struct {
	store   *store.Store
	factory DestinationFactory
}

// NewMover creates a mover
func NewMover(st *store.Store, factory DestinationFactory) *Mover {
	return &Mover{store: st, factory: factory}
}

// MoveImpact previews what MoveAll would relocate
func (m *Mover) MoveImpact(locationID int64, newPath string) (*models.MoveImpact, error) {
	loc, err := m.store.GetStorageLocation(locationID)
	if err != nil {
		return nil, err
	}
	files, err := m.store.ListStorageFiles(locationID)
	if err != nil {
		return nil, err
	}

	impact := &models.MoveImpact{
		StorageLocationID: locationID,
		FromPath:          loc.BasePath,
		ToPath:            newPath,
		Files:             []models.MoveItem{},
	}
	for _, f := range files {
		impact.FileCount++
		impact.TotalBytes += f.SizeBytes
		impact.Files = append(impact.Files, models.MoveItem{
			BackupFileID: f.ID,
			LocalPath:    f.LocalPath,
			SizeBytes:    f.SizeBytes,
		})
	}
	return impact, nil
}

// MoveAll copies every live artifact to newPath, verifies the copy and
// only then removes the original. If any file fails, the files already
// moved are moved back and the base path is left unchanged.
func (m *Mover) MoveAll(ctx context.Context, locationID int64, newPath string) (*models.MoveResult, error) {
	loc, err := m.store.GetStorageLocation(locationID)
	if err != nil {
		return nil, err
	}
	if samePath(loc.BasePath, newPath) {
		return &models.MoveResult{}, nil
	}

	impact, err := m.store.DeletionImpact(models.ScopeStorage, locationID)
	if err != nil {
		return nil, err
	}
	if impact.ActiveRuns > 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, impact.BlockedReason)
	}

	files, err := m.store.ListStorageFiles(locationID)
	if err != nil {
		return nil, err
	}

	result := &models.MoveResult{}
	if len(files) > 0 {
		src, err := m.factory.Open(ctx, *loc)
		if err != nil {
			return nil, err
		}
		defer src.Close()

		target := *loc
		target.BasePath = newPath
		dst, err := m.factory.Open(ctx, target)
		if err != nil {
			return nil, err
		}
		defer dst.Close()

		var moved []models.BackupFile
		for _, f := range files {
			if !f.Available {
				// nothing to copy; the record follows the base path
				continue
			}
			err := moveOne(ctx, src, dst, f)
			if errors.Is(err, ErrObjectNotFound) {
				log.Printf("[Move] File %d: %v, marking unavailable", f.ID, err)
				if err := m.store.SetFileAvailable(f.ID, false); err != nil {
					return result, err
				}
				result.Missing = append(result.Missing, f.ID)
				continue
			}
			if err != nil {
				result.Failed = append(result.Failed, models.MoveFailed{BackupFileID: f.ID, Error: err.Error()})
				break
			}
			moved = append(moved, f)
		}

		if len(result.Failed) > 0 {
			for i := len(moved) - 1; i >= 0; i-- {
				if err := moveOne(ctx, dst, src, moved[i]); err != nil {
					log.Printf("[Move] Failed to restore file %d to %s: %v", moved[i].ID, loc.BasePath, err)
					result.Failed = append(result.Failed, models.MoveFailed{BackupFileID: moved[i].ID, Error: "restore: " + err.Error()})
				}
			}
			return result, fmt.Errorf("%w: move aborted after %d file(s)", ErrTransferFailed, len(moved))
		}
		result.Moved = len(moved)
	}

	if err := m.store.SetStorageBasePath(locationID, newPath); err != nil {
		return result, err
	}
	logging.L().Info("storage_location_moved", "storage_location_id", locationID, "from", loc.BasePath, "to", newPath, "files", result.Moved)
	return result, nil
}

// moveOne copies a single artifact, verifies size and checksum at the
// destination and deletes the source
func moveOne(ctx context.Context, src, dst Destination, f models.BackupFile) error {
	if _, err := src.Stat(ctx, f.LocalPath); errors.Is(err, ErrObjectNotFound) {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(src.Download(ctx, f.LocalPath, pw))
	}()

	hash := sha256.New()
	if err := dst.Upload(ctx, f.LocalPath, io.TeeReader(pr, hash), f.SizeBytes); err != nil {
		pr.CloseWithError(err)
		return err
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if f.Checksum != "" && sum != f.Checksum {
		dst.Delete(ctx, f.LocalPath)
		return fmt.Errorf("%w: checksum mismatch for %s", ErrTransferFailed, f.LocalPath)
	}
	size, err := dst.Stat(ctx, f.LocalPath)
	if err != nil || size != f.SizeBytes {
		dst.Delete(ctx, f.LocalPath)
		return fmt.Errorf("%w: copy of %s could not be verified", ErrTransferFailed, f.LocalPath)
	}

	if !DeleteArtifact(ctx, src, f) {
		dst.Delete(ctx, f.LocalPath)
		return fmt.Errorf("%w: copied %s but could not remove the original", ErrTransferFailed, f.LocalPath)
	}
	return nil
}

func samePath(a, b string) bool {
	clean := func(p string) string { return strings.TrimSuffix(path.Clean(p), "/") }
	return clean(a) == clean(b)
}

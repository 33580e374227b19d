package backup

import (
	"context"
	"fmt"
	"log"

	"github.com/backapp/backapp/internal/models"
)

// GetDeletionImpact counts what deleting the scoped entity would remove.
// It never writes.
func (o *Orchestrator) GetDeletionImpact(scope string, id int64) (*models.DeletionImpact, error) {
	return o.store.DeletionImpact(scope, id)
}

// DeleteProfile deletes a profile's runs, artifacts included, and then the
// profile. It is refused while the profile has an active run.
func (o *Orchestrator) DeleteProfile(ctx context.Context, profileID int64) error {
	impact, err := o.store.DeletionImpact(models.ScopeProfile, profileID)
	if err != nil {
		return err
	}
	if impact.Blocked {
		return fmt.Errorf("profile %d: %w", profileID, ErrRunActive)
	}
	if err := o.deleteProfileRuns(ctx, profileID); err != nil {
		return err
	}
	return o.store.DeleteProfile(profileID)
}

// DeleteServer removes a server with its profiles and their artifacts
func (o *Orchestrator) DeleteServer(ctx context.Context, serverID int64) error {
	return o.deleteOwner(ctx, models.ScopeServer, serverID,
		func(p models.BackupProfile) bool { return p.ServerID == serverID },
		func() error { return o.store.DeleteServer(serverID) })
}

// DeleteStorageLocation removes a location with its profiles and their
// artifacts. Runs of other profiles that wrote to the location are
// deleted as well.
func (o *Orchestrator) DeleteStorageLocation(ctx context.Context, locationID int64) error {
	return o.deleteOwner(ctx, models.ScopeStorage, locationID,
		func(p models.BackupProfile) bool { return p.StorageLocationID == locationID },
		func() error {
			if err := o.deleteRuns(ctx, models.RunFilter{StorageLocationID: locationID}); err != nil {
				return err
			}
			return o.store.DeleteStorageLocation(locationID)
		})
}

func (o *Orchestrator) deleteOwner(ctx context.Context, scope string, id int64, owns func(models.BackupProfile) bool, remove func() error) error {
	impact, err := o.store.DeletionImpact(scope, id)
	if err != nil {
		return err
	}
	if impact.Blocked {
		return fmt.Errorf("%s %d: %w", scope, id, ErrRunActive)
	}

	profiles, err := o.store.ListProfiles()
	if err != nil {
		return err
	}
	for _, p := range profiles {
		if !owns(p) {
			continue
		}
		if err := o.deleteProfileRuns(ctx, p.ID); err != nil {
			return err
		}
	}
	return remove()
}

func (o *Orchestrator) deleteProfileRuns(ctx context.Context, profileID int64) error {
	return o.deleteRuns(ctx, models.RunFilter{ProfileID: profileID})
}

func (o *Orchestrator) deleteRuns(ctx context.Context, filter models.RunFilter) error {
	runs, err := o.store.ListRuns(filter)
	if err != nil {
		return err
	}
	for _, run := range runs {
		failures, err := o.DeleteRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if failures > 0 {
			log.Printf("[Backup] Run %d: %d artifact(s) could not be unlinked", run.ID, failures)
		}
	}
	return nil
}

// DeleteFile soft-deletes a file record and unlinks its artifact. The
// record is marked deleted even when the unlink fails.
func (o *Orchestrator) DeleteFile(ctx context.Context, fileID int64) (bool, error) {
	file, err := o.store.GetFile(fileID)
	if err != nil {
		return false, err
	}
	if file.Deleted {
		return true, nil
	}
	run, err := o.GetRun(file.RunID)
	if err != nil {
		return false, err
	}
	if err := o.store.MarkFileDeleted(fileID); err != nil {
		return false, err
	}

	dest, err := o.destinationForRun(ctx, run)
	if err != nil {
		log.Printf("[Backup] File %d: storage unavailable, artifact left behind: %v", fileID, err)
		return false, nil
	}
	defer dest.Close()
	return DeleteArtifact(ctx, dest, *file), nil
}

// destinationForRun opens the location the run wrote to, not the one its
// profile points at now
func (o *Orchestrator) destinationForRun(ctx context.Context, run *models.BackupRun) (Destination, error) {
	if run.StorageLocationID == 0 {
		return nil, fmt.Errorf("run %d: storage location no longer exists: %w", run.ID, ErrStorageUnreachable)
	}
	location, err := o.store.GetStorageLocation(run.StorageLocationID)
	if err != nil {
		return nil, err
	}
	return o.destinations.Open(ctx, *location)
}

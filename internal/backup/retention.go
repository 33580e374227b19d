package backup

import (
	"context"
	"fmt"
	"log"

	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// RetentionManager deletes runs beyond a profile's retention count
type RetentionManager struct {
	store        *store.Store
	orchestrator *Orchestrator
}

// NewRetentionManager creates a new retention manager
func NewRetentionManager(st *store.Store, orch *Orchestrator) *RetentionManager {
	return &RetentionManager{
		store:        st,
		orchestrator: orch,
	}
}

// EnforceRetention keeps the newest keep successful runs of a profile and
// deletes older successful runs through the orchestrator, artifacts included
func (rm *RetentionManager) EnforceRetention(ctx context.Context, profileID int64, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	ids, err := rm.store.RunsBeyondRetention(profileID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to list runs beyond retention: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	log.Printf("[Retention] Profile %d: deleting %d run(s) beyond retention (keep %d)", profileID, len(ids), keep)

	deleted := 0
	for _, id := range ids {
		if _, err := rm.orchestrator.DeleteRun(ctx, id); err != nil {
			log.Printf("[Retention] Error deleting run %d: %v", id, err)
			continue
		}
		deleted++
	}

	log.Printf("[Retention] Retention enforcement complete for profile %d: deleted %d runs", profileID, deleted)
	return deleted, nil
}

// EnforceAllRetentions applies every profile's retention count
func (rm *RetentionManager) EnforceAllRetentions(ctx context.Context) error {
	profiles, err := rm.store.ListProfiles()
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}

	for _, p := range profiles {
		if p.RetentionCount <= 0 {
			continue
		}
		if _, err := rm.EnforceRetention(ctx, p.ID, p.RetentionCount); err != nil {
			log.Printf("[Retention] Error enforcing retention for profile %d: %v", p.ID, err)
		}
	}
	return nil
}

func (rm *RetentionManager) RunStarted(run models.BackupRun, profile models.BackupProfile) {}

// RunFinished prunes old runs after each successful run
func (rm *RetentionManager) RunFinished(run models.BackupRun, profile models.BackupProfile) {
	if run.Status != models.RunSuccess || profile.RetentionCount <= 0 {
		return
	}
	if _, err := rm.EnforceRetention(context.Background(), profile.ID, profile.RetentionCount); err != nil {
		log.Printf("[Retention] Profile %d: %v", profile.ID, err)
	}
}

package backup

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/backapp/backapp/internal/store"
)

// ReconcileResult counts availability changes found by a reconcile pass
type ReconcileResult struct {
	Checked     int  `json:"checked"`
	Missing     int  `json:"missing"`
	Recovered   int  `json:"recovered"`
	Unreachable bool `json:"unreachable"`
}

// Reconciler stats a run's artifacts and updates their available flag
type Reconciler struct {
	store   *store.Store
	factory DestinationFactory
}

// NewReconciler creates a reconciler
func NewReconciler(st *store.Store, factory DestinationFactory) *Reconciler {
	return &Reconciler{store: st, factory: factory}
}

// Reconcile checks every live file of a run. A file is available when an
// artifact of the recorded size exists at its path. An unreachable
// location changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, runID int64) (*ReconcileResult, error) {
	run, err := r.store.GetRun(runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("run %d: %w", runID, ErrRunNotFound)
		}
		return nil, err
	}
	files, err := r.store.ListFiles(runID)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{}
	if run.StorageLocationID == 0 {
		result.Unreachable = true
		return result, nil
	}
	loc, err := r.store.GetStorageLocation(run.StorageLocationID)
	if err != nil {
		return nil, err
	}
	dest, err := r.factory.Open(ctx, *loc)
	if err != nil {
		log.Printf("[Reconcile] Run %d: storage unavailable: %v", runID, err)
		result.Unreachable = true
		return result, nil
	}
	defer dest.Close()

	for _, f := range files {
		if f.Deleted {
			continue
		}
		result.Checked++

		size, err := dest.Stat(ctx, f.LocalPath)
		available := err == nil && size == f.SizeBytes
		if err != nil && !errors.Is(err, ErrObjectNotFound) {
			// transient errors leave the flag alone
			log.Printf("[Reconcile] Run %d: stat %s: %v", runID, f.LocalPath, err)
			continue
		}
		if available == f.Available {
			continue
		}
		if err := r.store.SetFileAvailable(f.ID, available); err != nil {
			return result, err
		}
		if available {
			result.Recovered++
		} else {
			result.Missing++
		}
	}
	return result, nil
}

package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/backapp/backapp/internal/models"
)

func runOnce(t *testing.T, env *testEnv) *models.BackupRun {
	t.Helper()
	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)
	// listeners finish after the terminal write
	for env.orch.IsRunning(env.profile.ID) {
		time.Sleep(5 * time.Millisecond)
	}
	return run
}

func TestMoveAllRelocatesArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game", Recursive: true})
	run := runOnce(t, env)
	if run.Status != models.RunSuccess {
		t.Fatalf("run failed: %s", run.ErrorMessage)
	}

	mover := NewMover(env.store, &DefaultDestinationFactory{})
	newPath := filepath.Join(t.TempDir(), "moved")

	impact, err := mover.MoveImpact(env.location.ID, newPath)
	if err != nil {
		t.Fatalf("move impact: %v", err)
	}
	if impact.FileCount != 5 || impact.TotalBytes != 18 || impact.FromPath != env.basePath {
		t.Fatalf("unexpected impact %+v", impact)
	}

	result, err := mover.MoveAll(context.Background(), env.location.ID, newPath)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if result.Moved != 5 || len(result.Failed) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	loc, _ := env.store.GetStorageLocation(env.location.ID)
	if loc.BasePath != newPath {
		t.Fatalf("base path not updated: %s", loc.BasePath)
	}
	files, _ := env.store.ListFiles(run.ID)
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(newPath, filepath.FromSlash(f.LocalPath))); err != nil {
			t.Fatalf("%s missing at new location: %v", f.LocalPath, err)
		}
		if _, err := os.Stat(filepath.Join(env.basePath, filepath.FromSlash(f.LocalPath))); !os.IsNotExist(err) {
			t.Fatalf("%s left at old location", f.LocalPath)
		}
	}

	// existing records still resolve after the move
	reconciler := NewReconciler(env.store, &DefaultDestinationFactory{})
	res, err := reconciler.Reconcile(context.Background(), run.ID)
	if err != nil || res.Checked != 5 || res.Missing != 0 {
		t.Fatalf("reconcile after move: %+v, %v", res, err)
	}
}

func TestMoveAllRollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game", Recursive: true})
	run := runOnce(t, env)

	files, _ := env.store.ListFiles(run.ID)
	// a tampered artifact fails verification
	victim := files[len(files)-1]
	if err := os.WriteFile(filepath.Join(env.basePath, filepath.FromSlash(victim.LocalPath)), []byte("changed!"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	mover := NewMover(env.store, &DefaultDestinationFactory{})
	newPath := filepath.Join(t.TempDir(), "moved")
	result, err := mover.MoveAll(context.Background(), env.location.ID, newPath)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if len(result.Failed) == 0 || result.Failed[0].BackupFileID != victim.ID {
		t.Fatalf("unexpected result %+v", result)
	}

	loc, _ := env.store.GetStorageLocation(env.location.ID)
	if loc.BasePath != env.basePath {
		t.Fatalf("base path must not change on failure")
	}
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(env.basePath, filepath.FromSlash(f.LocalPath))); err != nil {
			t.Fatalf("%s should be back at the original location: %v", f.LocalPath, err)
		}
	}
}

func TestMoveAllSamePathIsNoop(t *testing.T) {
	env := newTestEnv(t)
	mover := NewMover(env.store, &DefaultDestinationFactory{})
	result, err := mover.MoveAll(context.Background(), env.location.ID, env.basePath+"/")
	if err != nil || result.Moved != 0 {
		t.Fatalf("expected no-op, got %+v, %v", result, err)
	}
}

func TestReconcileMarksMissingFiles(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/server.log"})
	run := runOnce(t, env)

	files, _ := env.store.ListFiles(run.ID)
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	gone := files[0]
	if err := os.Remove(filepath.Join(env.basePath, filepath.FromSlash(gone.LocalPath))); err != nil {
		t.Fatalf("remove: %v", err)
	}

	reconciler := NewReconciler(env.store, &DefaultDestinationFactory{})
	res, err := reconciler.Reconcile(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Checked != 2 || res.Missing != 1 || res.Unreachable {
		t.Fatalf("unexpected result %+v", res)
	}
	f, _ := env.store.GetFile(gone.ID)
	if f.Available {
		t.Fatalf("missing file should be unavailable")
	}

	// a second pass changes nothing
	res, err = reconciler.Reconcile(context.Background(), run.ID)
	if err != nil || res.Missing != 0 || res.Recovered != 0 {
		t.Fatalf("second pass: %+v, %v", res, err)
	}

	if _, err := reconciler.Reconcile(context.Background(), 9999); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestUsageServiceLocalCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	runOnce(t, env)

	usage := NewUsageService(env.store, &DefaultDestinationFactory{})
	u, err := usage.LocationUsage(context.Background(), env.location.ID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if !u.CapacityKnown || u.TotalBytes == 0 || u.Error != "" {
		t.Fatalf("local usage should report capacity: %+v", u)
	}
	if u.BackupCount != 1 || u.BackupSizeBytes != 5 {
		t.Fatalf("unexpected backup totals %+v", u)
	}
	all, err := usage.AllUsage(context.Background())
	if err != nil || len(all) != 1 {
		t.Fatalf("all usage: %d, %v", len(all), err)
	}
}

func TestRetentionKeepsNewestSuccessfulRuns(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	var runs []*models.BackupRun
	for i := 0; i < 4; i++ {
		runs = append(runs, runOnce(t, env))
	}

	rm := NewRetentionManager(env.store, env.orch)
	deleted, err := rm.EnforceRetention(context.Background(), env.profile.ID, 1)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted runs, got %d", deleted)
	}
	if _, err := env.store.GetRun(runs[3].ID); err != nil {
		t.Fatalf("newest run must be kept: %v", err)
	}
	for _, r := range runs[:3] {
		if _, err := os.Stat(filepath.Join(env.basePath, r.BackupPath)); !os.IsNotExist(err) {
			t.Fatalf("artifacts of run %d should be removed", r.ID)
		}
	}

	if n, err := rm.EnforceRetention(context.Background(), env.profile.ID, 0); err != nil || n != 0 {
		t.Fatalf("keep=0 disables retention, got %d, %v", n, err)
	}
}

func TestRunArtifactsStayWithTheirLocation(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	run := runOnce(t, env)
	if run.StorageLocationID != env.location.ID {
		t.Fatalf("run should record location %d, got %d", env.location.ID, run.StorageLocationID)
	}
	files, _ := env.store.ListFiles(run.ID)
	if len(files) != 1 {
		t.Fatalf("expected one artifact, got %d", len(files))
	}
	artifact := filepath.Join(env.basePath, filepath.FromSlash(files[0].LocalPath))

	other, err := env.store.CreateStorageLocation(models.StorageLocationRequest{Name: "other", Type: models.StorageLocal, BasePath: filepath.Join(t.TempDir(), "other")})
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	if _, err := env.store.UpdateProfile(env.profile.ID, models.BackupProfileRequest{
		Name: "nightly", ServerID: env.server.ID, StorageLocationID: other.ID, NamingRuleID: 1,
	}); err != nil {
		t.Fatalf("repoint profile: %v", err)
	}

	impact, err := env.orch.GetDeletionImpact(models.ScopeStorage, env.location.ID)
	if err != nil || impact.Files != 1 || impact.Runs != 1 {
		t.Fatalf("old location should still own the artifact: %+v (%v)", impact, err)
	}
	otherImpact, err := env.orch.GetDeletionImpact(models.ScopeStorage, other.ID)
	if err != nil || otherImpact.Files != 0 {
		t.Fatalf("new location should own nothing yet: %+v (%v)", otherImpact, err)
	}
	mover := NewMover(env.store, &DefaultDestinationFactory{})
	if mi, err := mover.MoveImpact(env.location.ID, t.TempDir()); err != nil || mi.FileCount != 1 {
		t.Fatalf("move impact should list the artifact: %+v (%v)", mi, err)
	}

	failures, err := env.orch.DeleteRun(context.Background(), run.ID)
	if err != nil || failures != 0 {
		t.Fatalf("delete run: %d failures, %v", failures, err)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatalf("artifact should be unlinked from the location it was written to, stat: %v", err)
	}
}

func TestMoveAllSkipsMissingArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game", Recursive: true})
	run := runOnce(t, env)

	files, _ := env.store.ListFiles(run.ID)
	gone := files[0]
	if err := os.Remove(filepath.Join(env.basePath, filepath.FromSlash(gone.LocalPath))); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	mover := NewMover(env.store, &DefaultDestinationFactory{})
	newPath := filepath.Join(t.TempDir(), "moved")
	result, err := mover.MoveAll(context.Background(), env.location.ID, newPath)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if result.Moved != len(files)-1 || len(result.Missing) != 1 || result.Missing[0] != gone.ID {
		t.Fatalf("unexpected result %+v", result)
	}
	f, _ := env.store.GetFile(gone.ID)
	if f.Available {
		t.Fatalf("missing artifact should be marked unavailable")
	}
	loc, _ := env.store.GetStorageLocation(env.location.ID)
	if loc.BasePath != newPath {
		t.Fatalf("base path not updated: %s", loc.BasePath)
	}
}

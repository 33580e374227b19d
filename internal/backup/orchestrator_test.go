package backup

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/backapp/backapp/internal/crypto"
	"github.com/backapp/backapp/internal/database"
	"github.com/backapp/backapp/internal/executor"
	"github.com/backapp/backapp/internal/models"
	sshclient "github.com/backapp/backapp/internal/ssh"
	"github.com/backapp/backapp/internal/store"
)

type testEnv struct {
	store    *store.Store
	exec     *executor.MockExecutor
	orch     *Orchestrator
	server   *models.Server
	location *models.StorageLocation
	profile  *models.BackupProfile
	basePath string
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	enc, err := crypto.NewEncryptionManagerFromKey(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatalf("failed to create encryption manager: %v", err)
	}
	return store.New(db, enc)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := newTestStore(t)
	basePath := filepath.Join(t.TempDir(), "backups")

	srv, err := st.CreateServer(models.ServerRequest{Name: "game-01", Host: "10.0.0.5", Username: "backup", Password: "pw"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	loc, err := st.CreateStorageLocation(models.StorageLocationRequest{Name: "disk", Type: models.StorageLocal, BasePath: basePath})
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	profile, err := st.CreateProfile(models.BackupProfileRequest{
		Name: "nightly", ServerID: srv.ID, StorageLocationID: loc.ID, NamingRuleID: 1,
	})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}

	ex := newTree()
	orch := NewOrchestrator(st, &executor.MockFactory{Executor: ex}, &DefaultDestinationFactory{}, nil, OrchestratorConfig{
		WorkerPoolSize: 2,
		TempDir:        t.TempDir(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	return &testEnv{store: st, exec: ex, orch: orch, server: srv, location: loc, profile: profile, basePath: basePath}
}

func (e *testEnv) addRule(t *testing.T, req models.FileRuleRequest) *models.FileRule {
	t.Helper()
	r, err := e.store.CreateFileRule(e.profile.ID, req)
	if err != nil {
		t.Fatalf("create file rule: %v", err)
	}
	return r
}

func (e *testEnv) addCommand(t *testing.T, stage, command string, order int) {
	t.Helper()
	if _, err := e.store.CreateCommand(e.profile.ID, models.CommandRequest{Command: command, RunStage: stage, RunOrder: order}); err != nil {
		t.Fatalf("create command: %v", err)
	}
}

func waitForRun(t *testing.T, st *store.Store, runID int64) *models.BackupRun {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.IsTerminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %d did not finish", runID)
	return nil
}

func countRuns(t *testing.T, st *store.Store, profileID int64) int {
	t.Helper()
	runs, err := st.ListRuns(models.RunFilter{ProfileID: profileID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	return len(runs)
}

func TestStartRunDisabledProfileCreatesNoRun(t *testing.T) {
	env := newTestEnv(t)
	disabled := false
	if _, err := env.store.UpdateProfile(env.profile.ID, models.BackupProfileRequest{
		Name: "nightly", ServerID: env.server.ID, StorageLocationID: env.location.ID, NamingRuleID: 1, Enabled: &disabled,
	}); err != nil {
		t.Fatalf("disable profile: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{Trigger: models.TriggerSchedule})
		if !errors.Is(err, ErrProfileDisabled) {
			t.Fatalf("expected ErrProfileDisabled, got %v", err)
		}
	}
	if n := countRuns(t, env.store, env.profile.ID); n != 0 {
		t.Fatalf("expected no runs, got %d", n)
	}

	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{AllowDisabled: true})
	if err != nil {
		t.Fatalf("manual run of a disabled profile: %v", err)
	}
	if run := waitForRun(t, env.store, runID); run.Status != models.RunSuccess {
		t.Fatalf("expected success, got %s: %s", run.Status, run.ErrorMessage)
	}
}

func TestStartRunDisabledStorage(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.SetStorageEnabled(env.location.ID, false); err != nil {
		t.Fatalf("disable storage: %v", err)
	}
	_, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{AllowDisabled: true})
	if !errors.Is(err, ErrStorageDisabled) {
		t.Fatalf("expected ErrStorageDisabled, got %v", err)
	}
	if n := countRuns(t, env.store, env.profile.ID); n != 0 {
		t.Fatalf("expected no runs, got %d", n)
	}
}

func TestConcurrentStartRunAllowsOneActiveRun(t *testing.T) {
	env := newTestEnv(t)
	env.addCommand(t, models.StagePre, "hold", 0)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	env.exec.Handlers["cd '/' && hold"] = func(ctx context.Context, cmd string) (executor.Result, error) {
		entered <- struct{}{}
		<-release
		return executor.Result{}, nil
	}

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  []int64
		rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started = append(started, id)
			case errors.Is(err, ErrRunAlreadyInProgress):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	<-entered

	if len(started) != 1 || rejected != attempts-1 {
		t.Fatalf("expected 1 started and %d rejected, got %d and %d", attempts-1, len(started), rejected)
	}
	if n, _ := env.store.CountActiveRuns(env.profile.ID); n != 1 {
		t.Fatalf("expected 1 active run, got %d", n)
	}
	if !env.orch.IsRunning(env.profile.ID) {
		t.Fatalf("profile should be running")
	}
	if _, err := env.orch.DeleteRun(context.Background(), started[0]); !errors.Is(err, ErrRunActive) {
		t.Fatalf("deleting a running run must be refused, got %v", err)
	}

	close(release)
	waitForRun(t, env.store, started[0])
}

func TestMixedRuleSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/unreachable/path"})
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)

	if run.Status != models.RunSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, "/srv/unreachable/path") {
		t.Fatalf("error message should name the failed rule, got %q", run.ErrorMessage)
	}
	if run.ErrorKind != KindPartial {
		t.Fatalf("expected partial kind, got %q", run.ErrorKind)
	}

	files, err := env.store.ListFiles(runID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || run.TotalFiles != 1 {
		t.Fatalf("expected 1 file, got %d (total %d)", len(files), run.TotalFiles)
	}
	f := files[0]
	if f.RemotePath != "/srv/game/world.db" || f.SizeBytes != 5 || f.Checksum == "" || f.FileRuleID == nil {
		t.Fatalf("unexpected file record %+v", f)
	}
	data, err := os.ReadFile(filepath.Join(env.basePath, filepath.FromSlash(f.LocalPath)))
	if err != nil || string(data) != "world" {
		t.Fatalf("artifact missing: %v", err)
	}
	if !strings.HasPrefix(f.LocalPath, run.BackupPath+"/") {
		t.Fatalf("file %q not under run directory %q", f.LocalPath, run.BackupPath)
	}
}

func TestAllRulesFailingFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/nope/a"})
	env.addRule(t, models.FileRuleRequest{RemotePath: "/nope/b"})

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)
	if run.Status != models.RunFailed || run.ErrorKind != KindPathResolution {
		t.Fatalf("expected failed path resolution, got %s/%s", run.Status, run.ErrorKind)
	}
	if !strings.Contains(run.ErrorMessage, "/nope/a") || !strings.Contains(run.ErrorMessage, "/nope/b") {
		t.Fatalf("both rules should be reported, got %q", run.ErrorMessage)
	}
}

func TestPreCommandFailureAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game", Recursive: true})
	env.addCommand(t, models.StagePre, "stop-server", 0)
	env.addCommand(t, models.StagePre, "never-reached", 1)
	env.addCommand(t, models.StagePost, "start-server", 0)

	env.exec.Handlers["cd '/' && stop-server"] = func(ctx context.Context, cmd string) (executor.Result, error) {
		return executor.Result{ExitCode: 1, Stderr: "permission denied"}, nil
	}

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)

	if run.Status != models.RunFailed || run.ErrorKind != KindCommandFailed {
		t.Fatalf("expected failed command, got %s/%s", run.Status, run.ErrorKind)
	}
	if !strings.Contains(run.ErrorMessage, "permission denied") || !strings.Contains(run.ErrorMessage, "code 1") {
		t.Fatalf("error message should carry exit code and stderr, got %q", run.ErrorMessage)
	}
	files, _ := env.store.ListFiles(runID)
	if len(files) != 0 {
		t.Fatalf("expected no files, got %d", len(files))
	}
	for _, cmd := range env.exec.Commands() {
		if strings.Contains(cmd, "start-server") || strings.Contains(cmd, "never-reached") {
			t.Fatalf("command %q must not run after a failed pre-command", cmd)
		}
	}
	if _, err := os.Stat(env.basePath); !os.IsNotExist(err) {
		t.Fatalf("nothing should be written to storage")
	}
}

func TestPostCommandFailureKeepsSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	env.addCommand(t, models.StagePost, "first", 0)
	env.addCommand(t, models.StagePost, "second", 1)

	env.exec.Handlers["cd '/' && first"] = func(ctx context.Context, cmd string) (executor.Result, error) {
		return executor.Result{ExitCode: 3}, nil
	}

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)

	if run.Status != models.RunSuccess {
		t.Fatalf("post-command failure must not fail the run, got %s", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, "first") {
		t.Fatalf("post-command failure should be recorded, got %q", run.ErrorMessage)
	}
	ran := strings.Join(env.exec.Commands(), "\n")
	if !strings.Contains(ran, "second") {
		t.Fatalf("later post-commands should still run: %v", env.exec.Commands())
	}
}

func TestCommandOrderAndWorkingDirectory(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	env.addCommand(t, models.StagePost, "post-a", 0)
	env.addCommand(t, models.StagePre, "pre-b", 2)
	env.addCommand(t, models.StagePre, "pre-a", 1)
	if _, err := env.store.CreateCommand(env.profile.ID, models.CommandRequest{
		Command: "pre-c", RunStage: models.StagePre, RunOrder: 2, WorkingDirectory: "/opt/game",
	}); err != nil {
		t.Fatalf("create command: %v", err)
	}

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	waitForRun(t, env.store, runID)

	want := []string{"cd '/' && pre-a", "cd '/' && pre-b", "cd '/opt/game' && pre-c", "cd '/' && post-a"}
	got := env.exec.Commands()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("commands %v, want %v", got, want)
	}
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	env.addCommand(t, models.StagePre, "slow", 0)
	env.addCommand(t, models.StagePost, "cleanup", 0)

	entered := make(chan struct{}, 1)
	env.exec.Handlers["cd '/' && slow"] = func(ctx context.Context, cmd string) (executor.Result, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return executor.Result{ExitCode: -1}, ctx.Err()
	}

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.orch.CancelRun(ctx, runID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	run := waitForRun(t, env.store, runID)
	if run.Status != models.RunFailed || run.ErrorKind != KindCanceled {
		t.Fatalf("expected canceled failure, got %s/%s (%s)", run.Status, run.ErrorKind, run.ErrorMessage)
	}
	for _, cmd := range env.exec.Commands() {
		if strings.Contains(cmd, "cleanup") {
			t.Fatalf("post-commands must not run after a failed pre stage")
		}
	}
	if env.orch.IsRunning(env.profile.ID) {
		t.Fatalf("profile lock should be released")
	}
}

func TestRunTimeout(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.UpdateProfile(env.profile.ID, models.BackupProfileRequest{
		Name: "nightly", ServerID: env.server.ID, StorageLocationID: env.location.ID, NamingRuleID: 1, RunTimeoutSeconds: 1,
	}); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	env.addCommand(t, models.StagePre, "hang", 0)
	env.exec.Handlers["cd '/' && hang"] = func(ctx context.Context, cmd string) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{ExitCode: -1}, ctx.Err()
	}

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)
	if run.Status != models.RunFailed || run.ErrorKind != KindTimeout {
		t.Fatalf("expected timeout, got %s/%s (%s)", run.Status, run.ErrorKind, run.ErrorMessage)
	}
}

// stalledExecutor serves the mock tree but its readers block until release
// closes, whatever their context says.
type stalledExecutor struct {
	*executor.MockExecutor
	release chan struct{}
}

func (s *stalledExecutor) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	return io.NopCloser(stalledReader(s.release)), nil
}

type stalledReader chan struct{}

func (r stalledReader) Read(p []byte) (int, error) {
	<-r
	return 0, io.ErrUnexpectedEOF
}

func TestStalledTransferIsFailedAfterTimeout(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.UpdateProfile(env.profile.ID, models.BackupProfileRequest{
		Name: "nightly", ServerID: env.server.ID, StorageLocationID: env.location.ID, NamingRuleID: 1, RunTimeoutSeconds: 1,
	}); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})

	stalled := &stalledExecutor{MockExecutor: env.exec, release: make(chan struct{})}
	t.Cleanup(func() { close(stalled.release) })
	env.orch.executors = &executor.MockFactory{Executor: stalled}
	env.orch.config.StopGrace = 100 * time.Millisecond

	start := time.Now()
	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)
	if run.Status != models.RunFailed || run.ErrorKind != KindTimeout {
		t.Fatalf("expected timeout, got %s/%s (%s)", run.Status, run.ErrorKind, run.ErrorMessage)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stalled run took %s to fail", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.orch.IsRunning(env.profile.ID) {
		if time.Now().After(deadline) {
			t.Fatalf("profile still locked by the stalled run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{}); err != nil {
		t.Fatalf("expected the profile to accept a new run, got %v", err)
	}
}

func TestServerUnreachableAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	env.orch.executors = &executor.MockFactory{OpenErr: errors.New("dial tcp: connection refused")}

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)
	if run.Status != models.RunFailed || run.ErrorKind != KindServerUnreachable {
		t.Fatalf("expected server unreachable, got %s/%s", run.Status, run.ErrorKind)
	}
}

func TestChangedHostKeyFailsRunAsUnreachable(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	hostErr := &sshclient.HostKeyError{Target: "server 1 (game-01)", Host: "10.0.0.5:22", Fingerprint: "SHA256:x", Err: sshclient.ErrHostKeyChanged}
	env.orch.executors = &executor.MockFactory{OpenErr: fmt.Errorf("connect to 10.0.0.5: %w", hostErr)}

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)
	if run.Status != models.RunFailed || run.ErrorKind != KindServerUnreachable {
		t.Fatalf("expected server unreachable, got %s/%s", run.Status, run.ErrorKind)
	}
	if !strings.Contains(run.ErrorMessage, "host key changed") || !strings.Contains(run.ErrorMessage, "game-01") {
		t.Fatalf("error should explain the host key rejection: %q", run.ErrorMessage)
	}
}

func TestGetLogsResumesFromCursor(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game", Recursive: true})

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	waitForRun(t, env.store, runID)

	all, err := env.orch.GetLogs(runID, 0)
	if err != nil || len(all) < 3 {
		t.Fatalf("expected several log lines, got %d (%v)", len(all), err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("logs out of order")
		}
	}
	rest, err := env.orch.GetLogs(runID, all[1].ID)
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	if len(rest) != len(all)-2 || rest[0].ID != all[2].ID {
		t.Fatalf("cursor did not resume correctly")
	}
	if _, err := env.orch.GetLogs(9999, 0); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestCompressedRuleAndDeleteRun(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game", Recursive: true, Compress: true, CompressFormat: models.FormatZip, CompressPassword: "ignored"})
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/config", Recursive: true})

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)
	if run.Status != models.RunSuccess || run.ErrorMessage != "" {
		t.Fatalf("expected clean success, got %s: %s", run.Status, run.ErrorMessage)
	}

	files, _ := env.store.ListFiles(runID)
	if len(files) != 2 {
		t.Fatalf("expected archive plus one file, got %d", len(files))
	}
	var sawArchive bool
	for _, f := range files {
		if strings.HasSuffix(f.LocalPath, "/game.zip") {
			sawArchive = true
		}
		if _, err := os.Stat(filepath.Join(env.basePath, filepath.FromSlash(f.LocalPath))); err != nil {
			t.Fatalf("artifact %s missing: %v", f.LocalPath, err)
		}
	}
	if !sawArchive {
		t.Fatalf("expected a zip archive, got %+v", files)
	}

	impact, err := env.orch.GetDeletionImpact(models.ScopeRun, runID)
	if err != nil || impact.Files != 2 || impact.Blocked {
		t.Fatalf("unexpected impact %+v (%v)", impact, err)
	}

	failures, err := env.orch.DeleteRun(context.Background(), runID)
	if err != nil || failures != 0 {
		t.Fatalf("delete run: %d failures, %v", failures, err)
	}
	if _, err := os.Stat(filepath.Join(env.basePath, run.BackupPath)); !os.IsNotExist(err) {
		t.Fatalf("run directory should be gone")
	}
	if _, err := env.orch.GetRun(runID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("run record should be gone, got %v", err)
	}
}

func TestDeleteFileSoftDeletesEvenWhenUnlinkFails(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	waitForRun(t, env.store, runID)
	files, _ := env.store.ListFiles(runID)

	env.orch.destinations = failingFactory{}
	removed, err := env.orch.DeleteFile(context.Background(), files[0].ID)
	if err != nil {
		t.Fatalf("delete file: %v", err)
	}
	if removed {
		t.Fatalf("unlink should have failed")
	}
	f, _ := env.store.GetFile(files[0].ID)
	if !f.Deleted || f.Available {
		t.Fatalf("record should be soft-deleted: %+v", f)
	}
}

type failingFactory struct{}

func (failingFactory) Open(ctx context.Context, loc models.StorageLocation) (Destination, error) {
	return nil, ErrStorageUnreachable
}

type recordingListener struct {
	mu       sync.Mutex
	started  int
	finished []models.BackupRun
}

func (r *recordingListener) RunStarted(run models.BackupRun, profile models.BackupProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingListener) RunFinished(run models.BackupRun, profile models.BackupProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, run)
}

func TestListenersAndRetention(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})
	if _, err := env.store.UpdateProfile(env.profile.ID, models.BackupProfileRequest{
		Name: "nightly", ServerID: env.server.ID, StorageLocationID: env.location.ID, NamingRuleID: 1, RetentionCount: 2,
	}); err != nil {
		t.Fatalf("update profile: %v", err)
	}

	listener := &recordingListener{}
	env.orch.AddListener(listener)
	env.orch.AddListener(NewRetentionManager(env.store, env.orch))

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
		if err != nil {
			t.Fatalf("start run: %v", err)
		}
		waitForRun(t, env.store, id)
		// the listener runs after the terminal state is written
		deadline := time.Now().Add(5 * time.Second)
		for env.orch.IsRunning(env.profile.ID) && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		ids = append(ids, id)
	}

	listener.mu.Lock()
	if listener.started != 3 || len(listener.finished) != 3 {
		t.Fatalf("expected 3 starts and finishes, got %d/%d", listener.started, len(listener.finished))
	}
	listener.mu.Unlock()

	if _, err := env.store.GetRun(ids[0]); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("oldest run should be pruned, got %v", err)
	}
	for _, id := range ids[1:] {
		if _, err := env.store.GetRun(id); err != nil {
			t.Fatalf("run %d should be kept: %v", id, err)
		}
	}
}

func TestDeleteProfileRemovesArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, models.FileRuleRequest{RemotePath: "/srv/game/world.db"})

	runID, err := env.orch.StartRun(context.Background(), env.profile.ID, StartOptions{})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitForRun(t, env.store, runID)
	for env.orch.IsRunning(env.profile.ID) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := env.orch.DeleteStorageLocation(context.Background(), env.location.ID); err != nil {
		t.Fatalf("delete storage: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.basePath, run.BackupPath)); !os.IsNotExist(err) {
		t.Fatalf("artifacts should be removed with the location")
	}
	if _, err := env.store.GetProfile(env.profile.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("profile should cascade, got %v", err)
	}
}

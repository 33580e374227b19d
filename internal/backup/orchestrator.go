package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/backapp/backapp/internal/executor"
	"github.com/backapp/backapp/internal/logging"
	"github.com/backapp/backapp/internal/models"
	sshclient "github.com/backapp/backapp/internal/ssh"
	"github.com/backapp/backapp/internal/store"
)

// RunListener observes run transitions. Calls happen on the run's worker
// goroutine, so implementations must not block for long.
type RunListener interface {
	RunStarted(run models.BackupRun, profile models.BackupProfile)
	RunFinished(run models.BackupRun, profile models.BackupProfile)
}

// OrchestratorConfig holds run limits
type OrchestratorConfig struct {
	RunTimeout     time.Duration
	CommandTimeout time.Duration
	// StopGrace is how long a canceled or timed out run may take to stop
	// before it is failed without its worker.
	StopGrace      time.Duration
	WorkerPoolSize int
	TempDir        string
	SevenZipBinary string
}

// StartOptions control how a run is started
type StartOptions struct {
	Trigger       string
	AllowDisabled bool
}

// Orchestrator drives backup runs from start to a terminal state
type Orchestrator struct {
	store        *store.Store
	executors    executor.Factory
	destinations DestinationFactory
	processor    *Processor
	publisher    LogPublisher
	config       OrchestratorConfig

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu           sync.Mutex
	profileLocks map[int64]*sync.Mutex
	active       map[int64]*activeRun
	listeners    []RunListener
	wg           sync.WaitGroup
}

type activeRun struct {
	profileID int64
	cancel    context.CancelCauseFunc
	done      chan struct{}

	// finalized guards the terminal write; the worker and the watchdog race for it
	finalized sync.Once
	release   func()
}

// NewOrchestrator creates an orchestrator. publisher may be nil.
func NewOrchestrator(st *store.Store, executors executor.Factory, destinations DestinationFactory, publisher LogPublisher, cfg OrchestratorConfig) *Orchestrator {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 6 * time.Hour
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Hour
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:        st,
		executors:    executors,
		destinations: destinations,
		processor:    NewProcessor(NewCompressor(cfg.TempDir, cfg.SevenZipBinary), cfg.WorkerPoolSize),
		publisher:    publisher,
		config:       cfg,
		baseCtx:      ctx,
		baseCancel:   cancel,
		profileLocks: make(map[int64]*sync.Mutex),
		active:       make(map[int64]*activeRun),
	}
}

// AddListener registers a run observer
func (o *Orchestrator) AddListener(l RunListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) profileLock(profileID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.profileLocks[profileID]
	if !ok {
		lock = &sync.Mutex{}
		o.profileLocks[profileID] = lock
	}
	return lock
}

// IsRunning reports whether profileID has a run in flight in this process
func (o *Orchestrator) IsRunning(profileID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.active {
		if r.profileID == profileID {
			return true
		}
	}
	return false
}

// StartRun validates the profile, creates a running run and executes it
// in the background. Validation failures create no run.
func (o *Orchestrator) StartRun(ctx context.Context, profileID int64, opts StartOptions) (int64, error) {
	if opts.Trigger == "" {
		opts.Trigger = models.TriggerManual
	}

	profile, err := o.store.GetProfileDetail(profileID)
	if err != nil {
		return 0, err
	}
	if !profile.Enabled && !opts.AllowDisabled {
		return 0, fmt.Errorf("profile %d: %w", profileID, ErrProfileDisabled)
	}

	server, err := o.store.GetServer(profile.ServerID)
	if err != nil {
		return 0, invalidReference(profileID, "server", err)
	}
	location, err := o.store.GetStorageLocation(profile.StorageLocationID)
	if err != nil {
		return 0, invalidReference(profileID, "storage location", err)
	}
	naming, err := o.store.GetNamingRule(profile.NamingRuleID)
	if err != nil {
		return 0, invalidReference(profileID, "naming rule", err)
	}
	if !location.Enabled {
		return 0, fmt.Errorf("storage location %d: %w", location.ID, ErrStorageDisabled)
	}

	lock := o.profileLock(profileID)
	if !lock.TryLock() {
		return 0, fmt.Errorf("profile %d: %w", profileID, ErrRunAlreadyInProgress)
	}

	run, err := o.store.CreateRun(profileID, location.ID, opts.Trigger)
	if err != nil {
		lock.Unlock()
		if errors.Is(err, store.ErrActiveRun) {
			return 0, fmt.Errorf("profile %d: %w", profileID, ErrRunAlreadyInProgress)
		}
		return 0, err
	}

	timeout := o.config.RunTimeout
	if profile.RunTimeoutSeconds > 0 {
		timeout = time.Duration(profile.RunTimeoutSeconds) * time.Second
	}
	timeoutCtx, cancelTimeout := context.WithTimeoutCause(o.baseCtx, timeout, ErrTimeout)
	runCtx, cancel := context.WithCancelCause(timeoutCtx)

	ar := &activeRun{profileID: profileID, cancel: cancel, done: make(chan struct{})}
	ar.release = sync.OnceFunc(func() {
		o.mu.Lock()
		delete(o.active, run.ID)
		o.mu.Unlock()
		lock.Unlock()
		close(ar.done)
		o.wg.Done()
	})
	o.mu.Lock()
	o.active[run.ID] = ar
	o.mu.Unlock()

	logging.L().Info("backup_run_started", "run_id", run.ID, "profile_id", profileID, "trigger", opts.Trigger)

	snapshot, profileSnapshot := *run, *profile
	o.wg.Add(1)
	go o.watch(runCtx, ar, snapshot, profileSnapshot)
	go func() {
		defer ar.release()
		defer cancelTimeout()
		defer cancel(nil)

		o.execute(runCtx, ar, run, profile, server, location, naming)
	}()

	return run.ID, nil
}

// watch fails a run whose worker is still busy StopGrace after the run
// context ended, and frees the profile for the next run. A worker stuck in
// I/O that ignores its context then finishes in the background and its
// result is discarded.
func (o *Orchestrator) watch(ctx context.Context, ar *activeRun, run models.BackupRun, profile models.BackupProfile) {
	select {
	case <-ar.done:
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(o.config.StopGrace)
	defer timer.Stop()
	select {
	case <-ar.done:
		return
	case <-timer.C:
	}

	cause := context.Cause(ctx)
	log.Printf("[Backup] Run %d did not stop within %s after %v, failing it", run.ID, o.config.StopGrace, cause)
	ar.finalized.Do(func() {
		if files, err := o.store.ListFiles(run.ID); err == nil {
			for _, f := range files {
				run.TotalFiles++
				run.TotalSizeBytes += f.SizeBytes
			}
		}
		ex := &execution{run: &run, profile: &profile, rl: NewRunLogger(o.store, run.ID, o.publisher)}
		ex.fail(cause)
		ex.rl.Error(StageSystem, "Run did not stop within %s and was abandoned", o.config.StopGrace)
		o.finalize(ctx, ex)
	})
	ar.release()
}

func invalidReference(profileID int64, what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("profile %d: %s missing: %w", profileID, what, ErrProfileInvalidReference)
	}
	return err
}

// execution holds the mutable state of one run
type execution struct {
	run      *models.BackupRun
	profile  *models.BackupProfile
	rl       *RunLogger
	failure  error
	problems []string
	partial  bool
}

func (e *execution) fail(err error) {
	if e.failure == nil {
		e.failure = err
	}
}

func (o *Orchestrator) execute(ctx context.Context, ar *activeRun, run *models.BackupRun, profile *models.BackupProfile, server *models.Server, location *models.StorageLocation, naming *models.NamingRule) {
	ex := &execution{
		run:     run,
		profile: profile,
		rl:      NewRunLogger(o.store, run.ID, o.publisher),
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Backup] Run %d panicked: %v\n%s", run.ID, r, debug.Stack())
			ex.fail(fmt.Errorf("internal error: %v", r))
		}
		ar.finalized.Do(func() { o.finalize(ctx, ex) })
	}()

	for _, l := range o.snapshotListeners() {
		l.RunStarted(*run, *profile)
	}
	ex.rl.Info(StageSystem, "Backup run started for profile %q (trigger: %s)", profile.Name, run.Trigger)

	conn, err := o.executors.Open(ctx, *server)
	if err != nil {
		var hostKeyErr *sshclient.HostKeyError
		switch {
		case ctx.Err() != nil:
			ex.fail(context.Cause(ctx))
		case errors.As(err, &hostKeyErr):
			ex.fail(fmt.Errorf("%w: %w", ErrServerUnreachable, hostKeyErr))
		default:
			ex.fail(fmt.Errorf("%w: %s: %v", ErrServerUnreachable, server.Name, err))
		}
		ex.rl.Error(StageSystem, "Failed to connect to server %s: %v", server.Name, err)
		return
	}
	defer conn.Close()
	// closing the connection unblocks reads that do not watch ctx
	stopConn := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopConn()

	if err := o.runCommands(ctx, conn, ex, models.StagePre); err != nil {
		ex.fail(err)
		ex.rl.Error(StagePreCommands, "Aborting run: %v", err)
		return
	}

	o.transfer(ctx, conn, ex, location, naming, server)

	if ctx.Err() != nil {
		ex.fail(context.Cause(ctx))
		ex.rl.Error(StagePostCommands, "Skipping post-commands: %v", context.Cause(ctx))
		return
	}

	if err := o.runCommands(ctx, conn, ex, models.StagePost); err != nil {
		// post-commands never undo a completed transfer
		ex.problems = append(ex.problems, err.Error())
		ex.rl.Error(StagePostCommands, "Post-commands stopped: %v", err)
	}
}

func (o *Orchestrator) transfer(ctx context.Context, conn executor.Executor, ex *execution, location *models.StorageLocation, naming *models.NamingRule, server *models.Server) {
	rules := ex.profile.FileRules
	if len(rules) == 0 {
		ex.rl.Warn(StageTransfer, "Profile has no file rules")
		return
	}

	dest, err := o.destinations.Open(ctx, *location)
	if err != nil {
		ex.rl.Error(StageTransfer, "Storage location %s unavailable: %v", location.Name, err)
		ex.fail(err)
		return
	}
	defer dest.Close()
	stopDest := context.AfterFunc(ctx, func() { dest.Close() })
	defer stopDest()

	runDir := RunDirectoryName(naming.Pattern, NamingVars{
		Time:    ex.run.StartTime,
		Profile: ex.profile.Name,
		Server:  server.Name,
		RunID:   ex.run.ID,
	})
	ex.run.BackupPath = runDir
	if err := o.store.SetRunBackupPath(ex.run.ID, runDir); err != nil {
		ex.rl.Warn(StageTransfer, "Failed to record backup path: %v", err)
	}
	ex.rl.Info(StageTransfer, "Writing to %s on %s (%s)", runDir, location.Name, location.Type)

	writer := NewStorageWriter(dest, *location, runDir, o.store)
	sink := func(rule models.FileRule, file *models.BackupFile) error {
		file.RunID = ex.run.ID
		ruleID := rule.ID
		file.FileRuleID = &ruleID
		if err := o.store.AddFile(file); err != nil {
			return err
		}
		ex.rl.Debug(StageTransfer, "Stored %s (%d bytes, sha256 %s)", file.LocalPath, file.SizeBytes, file.Checksum)
		return nil
	}

	outcomes := o.processor.ProcessRules(ctx, conn, writer, rules, sink, ex.rl)

	succeeded := 0
	var firstErr error
	for _, out := range outcomes {
		ex.run.TotalFiles += int64(len(out.Files))
		for _, f := range out.Files {
			ex.run.TotalSizeBytes += f.SizeBytes
		}
		if out.Err != nil {
			ruleErr := fmt.Errorf("file rule %s: %w", out.Rule.RemotePath, out.Err)
			ex.problems = append(ex.problems, ruleErr.Error())
			if firstErr == nil {
				firstErr = ruleErr
			}
			continue
		}
		succeeded++
	}

	switch {
	case succeeded == 0:
		ex.fail(firstErr)
	case succeeded < len(rules):
		ex.partial = true
		ex.rl.Warn(StageTransfer, "%d of %d file rules failed", len(rules)-succeeded, len(rules))
	}
}

// runCommands runs a stage's commands in run order. A failing pre-command
// stops the stage. A failing post-command is recorded and the remaining
// post-commands still run; only a connection failure stops them.
func (o *Orchestrator) runCommands(ctx context.Context, conn executor.Executor, ex *execution, stage string) error {
	logStage := StagePreCommands
	if stage == models.StagePost {
		logStage = StagePostCommands
	}

	for _, cmd := range ex.profile.Commands {
		if cmd.RunStage != stage {
			continue
		}
		err := o.runCommand(ctx, conn, ex.rl, logStage, cmd)
		if err == nil {
			continue
		}
		var cmdErr *CommandError
		if stage == models.StagePost && errors.As(err, &cmdErr) {
			ex.rl.Warn(logStage, "%v", err)
			ex.problems = append(ex.problems, err.Error())
			continue
		}
		return err
	}
	return nil
}

func (o *Orchestrator) runCommand(ctx context.Context, conn executor.Executor, rl *RunLogger, logStage string, cmd models.Command) error {
	rl.Info(logStage, "Running: %s", cmd.Command)

	cmdCtx, cancel := context.WithTimeout(ctx, o.config.CommandTimeout)
	defer cancel()

	start := time.Now()
	res, err := conn.Run(cmdCtx, executor.WithWorkingDirectory(cmd.WorkingDirectory, cmd.Command))
	logOutput(rl, logStage, res)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return context.Cause(ctx)
		case cmdCtx.Err() != nil:
			return fmt.Errorf("%w: command %q exceeded %s", ErrTimeout, cmd.Command, o.config.CommandTimeout)
		default:
			return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
		}
	}
	if res.ExitCode != 0 {
		return &CommandError{Stage: cmd.RunStage, Command: cmd.Command, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	rl.Info(logStage, "Command finished in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func logOutput(rl *RunLogger, stage string, res executor.Result) {
	if out := strings.TrimSpace(res.Stdout); out != "" {
		rl.Debug(stage, "stdout: %s", out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		rl.Warn(stage, "stderr: %s", errOut)
	}
}

// finalize writes the terminal state. It uses the store directly rather
// than ctx, which may already be canceled.
func (o *Orchestrator) finalize(ctx context.Context, ex *execution) {
	run := ex.run
	end := time.Now().UTC()
	run.EndTime = &end

	if ex.failure == nil && ctx.Err() != nil {
		ex.failure = context.Cause(ctx)
	}

	var messages []string
	if ex.failure != nil {
		run.Status = models.RunFailed
		run.ErrorKind = ErrorKind(ex.failure)
		messages = append(messages, ex.failure.Error())
		for _, p := range ex.problems {
			if p != ex.failure.Error() {
				messages = append(messages, p)
			}
		}
	} else {
		run.Status = models.RunSuccess
		messages = ex.problems
		if ex.partial {
			run.ErrorKind = KindPartial
		} else if len(messages) > 0 {
			run.ErrorKind = KindCommandFailed
		}
	}
	run.ErrorMessage = strings.Join(messages, "; ")

	if run.Status == models.RunFailed {
		ex.rl.Error(StageFinalize, "Backup run failed: %s", run.ErrorMessage)
	} else {
		ex.rl.Info(StageFinalize, "Backup run completed: %d file(s), %d bytes", run.TotalFiles, run.TotalSizeBytes)
	}

	if err := o.store.FinishRun(run); err != nil {
		log.Printf("[Backup] Failed to finalize run %d: %v", run.ID, err)
	}
	logging.L().Info("backup_run_finished",
		"run_id", run.ID,
		"profile_id", run.ProfileID,
		"status", run.Status,
		"error_kind", run.ErrorKind,
		"files", run.TotalFiles,
		"bytes", run.TotalSizeBytes,
		"duration", end.Sub(run.StartTime).String(),
	)

	for _, l := range o.snapshotListeners() {
		l.RunFinished(*run, *ex.profile)
	}
}

func (o *Orchestrator) snapshotListeners() []RunListener {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]RunListener(nil), o.listeners...)
}

// CancelRun force-cancels an active run. The run still reaches a terminal
// state through its own worker; CancelRun waits for that up to ctx.
func (o *Orchestrator) CancelRun(ctx context.Context, runID int64) error {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		run, err := o.store.GetRun(runID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("run %d: %w", runID, ErrRunNotFound)
			}
			return err
		}
		if run.IsTerminal() {
			return nil
		}
		// active in the database but not owned by this process
		run.Status = models.RunFailed
		run.ErrorKind = KindCanceled
		run.ErrorMessage = ErrCanceled.Error()
		return o.store.FinishRun(run)
	}

	ar.cancel(ErrCanceled)
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRun returns a run
func (o *Orchestrator) GetRun(runID int64) (*models.BackupRun, error) {
	run, err := o.store.GetRun(runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("run %d: %w", runID, ErrRunNotFound)
	}
	return run, err
}

// GetLogs returns the run's log lines after afterID in append order.
// Passing the last seen id resumes where a previous call stopped.
func (o *Orchestrator) GetLogs(runID, afterID int64) ([]models.RunLog, error) {
	if _, err := o.GetRun(runID); err != nil {
		return nil, err
	}
	logs, err := o.store.ListLogs(runID, afterID)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []models.RunLog{}
	}
	return logs, nil
}

// DeleteRun unlinks a terminal run's artifacts and removes its records.
// Unlink failures are logged and do not block the delete.
func (o *Orchestrator) DeleteRun(ctx context.Context, runID int64) (int, error) {
	run, err := o.GetRun(runID)
	if err != nil {
		return 0, err
	}
	if !run.IsTerminal() {
		return 0, fmt.Errorf("run %d: %w", runID, ErrRunActive)
	}

	files, err := o.store.ListFiles(runID)
	if err != nil {
		return 0, err
	}

	unlinkFailures := 0
	live := files[:0]
	for _, f := range files {
		if !f.Deleted {
			live = append(live, f)
		}
	}
	if len(live) > 0 {
		dest, err := o.destinationForRun(ctx, run)
		if err != nil {
			log.Printf("[Backup] Run %d: storage unavailable, leaving %d artifact(s) behind: %v", runID, len(live), err)
			unlinkFailures = len(live)
		} else {
			for _, f := range live {
				if !DeleteArtifact(ctx, dest, f) {
					unlinkFailures++
				}
			}
			dest.Close()
		}
	}

	if err := o.store.DeleteRunRecord(runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return unlinkFailures, fmt.Errorf("run %d: %w", runID, ErrRunActive)
		}
		return unlinkFailures, err
	}
	logging.L().Info("backup_run_deleted", "run_id", runID, "files", len(live), "unlink_failures", unlinkFailures)
	return unlinkFailures, nil
}

// Shutdown cancels active runs and waits for them to finalize. A run
// counts as finalized once its worker or its watchdog released it.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, ar := range o.active {
		ar.cancel(ErrCanceled)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.baseCancel()
		return nil
	case <-ctx.Done():
		o.baseCancel()
		return ctx.Err()
	}
}

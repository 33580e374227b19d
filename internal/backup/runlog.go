package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/backapp/backapp/internal/logging"
	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/store"
)

// Log stages
const (
	StagePreCommands  = "pre_commands"
	StageTransfer     = "transfer"
	StagePostCommands = "post_commands"
	StageFinalize     = "finalize"
	StageSystem       = "system"
)

// LogPublisher receives run log lines as they are persisted
type LogPublisher interface {
	PublishRunLog(entry models.RunLog)
}

// RunLogger appends lines to a run's log. Lines are persisted in call
// order, mirrored to the process logger and published to live viewers.
type RunLogger struct {
	store     *store.Store
	runID     int64
	publisher LogPublisher
	logger    *slog.Logger

	mu sync.Mutex
}

// NewRunLogger creates a logger for runID. publisher may be nil.
func NewRunLogger(st *store.Store, runID int64, publisher LogPublisher) *RunLogger {
	return &RunLogger{
		store:     st,
		runID:     runID,
		publisher: publisher,
		logger:    logging.Component("backup").With("run_id", runID),
	}
}

func (l *RunLogger) Debug(stage, format string, args ...any) {
	l.append(models.LogDebug, stage, fmt.Sprintf(format, args...))
}

func (l *RunLogger) Info(stage, format string, args ...any) {
	l.append(models.LogInfo, stage, fmt.Sprintf(format, args...))
}

func (l *RunLogger) Warn(stage, format string, args ...any) {
	l.append(models.LogWarn, stage, fmt.Sprintf(format, args...))
}

func (l *RunLogger) Error(stage, format string, args ...any) {
	l.append(models.LogError, stage, fmt.Sprintf(format, args...))
}

func (l *RunLogger) append(level, stage, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Log(context.Background(), slogLevel(level), message, "stage", stage)

	entry, err := l.store.AppendLog(l.runID, level, stage, message)
	if err != nil {
		l.logger.Error("run_log_persist_failed", "error", err)
		return
	}
	if l.publisher != nil {
		l.publisher.PublishRunLog(*entry)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case models.LogDebug:
		return slog.LevelDebug
	case models.LogWarn:
		return slog.LevelWarn
	case models.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

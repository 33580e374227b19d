package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrProfileDisabled         = errors.New("backup profile is disabled")
	ErrProfileInvalidReference = errors.New("backup profile references a missing server or storage location")
	ErrRunAlreadyInProgress    = errors.New("a run is already in progress for this profile")
	ErrStorageUnreachable      = errors.New("storage location is unreachable")
	ErrStorageDisabled         = errors.New("storage location is disabled")
	ErrInsufficientSpace       = errors.New("insufficient space on storage location")
	ErrPathResolutionFailed    = errors.New("failed to resolve remote path")
	ErrCompressionFailed       = errors.New("compression failed")
	ErrTimeout                 = errors.New("run exceeded its time limit")
	ErrCanceled                = errors.New("run was canceled")
	ErrTransferFailed          = errors.New("file transfer failed")
	ErrServerUnreachable       = errors.New("server is unreachable")
	ErrRunNotFound             = errors.New("backup run not found")
	ErrRunActive               = errors.New("backup run is still active")
)

// CommandError reports a pre or post command that exited non-zero
type CommandError struct {
	Stage    string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s-command %q exited with code %d", e.Stage, e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Error kinds stored with a failed run
const (
	KindProfileDisabled    = "profile_disabled"
	KindInvalidReference   = "profile_invalid_reference"
	KindAlreadyInProgress  = "run_already_in_progress"
	KindStorageUnreachable = "storage_unreachable"
	KindStorageDisabled    = "storage_disabled"
	KindInsufficientSpace  = "insufficient_space"
	KindCommandFailed      = "command_failed"
	KindPathResolution     = "path_resolution_failed"
	KindCompression        = "compression_failed"
	KindTimeout            = "timeout"
	KindCanceled           = "canceled"
	KindTransfer           = "transfer_failed"
	KindServerUnreachable  = "server_unreachable"
	KindPartial            = "partial_failure"
	KindInternal           = "internal"
)

// ErrorKind maps an error onto the stable kind string stored with a run
func ErrorKind(err error) string {
	var cmdErr *CommandError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cmdErr):
		return KindCommandFailed
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrProfileDisabled):
		return KindProfileDisabled
	case errors.Is(err, ErrProfileInvalidReference):
		return KindInvalidReference
	case errors.Is(err, ErrRunAlreadyInProgress):
		return KindAlreadyInProgress
	case errors.Is(err, ErrStorageDisabled):
		return KindStorageDisabled
	case errors.Is(err, ErrInsufficientSpace):
		return KindInsufficientSpace
	case errors.Is(err, ErrStorageUnreachable):
		return KindStorageUnreachable
	case errors.Is(err, ErrServerUnreachable):
		return KindServerUnreachable
	case errors.Is(err, ErrPathResolutionFailed):
		return KindPathResolution
	case errors.Is(err, ErrCompressionFailed):
		return KindCompression
	case errors.Is(err, ErrTransferFailed):
		return KindTransfer
	default:
		return KindInternal
	}
}

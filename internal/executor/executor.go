// Package executor runs commands and reads files on the machine a backup
// profile targets, either over SSH or on the local host.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrNotExist is returned by Stat, ReadDir and Open for missing paths.
var ErrNotExist = errors.New("path does not exist")

// Result holds the outcome of a command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// FileInfo describes a remote path
type FileInfo struct {
	Path    string
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Executor abstracts command execution and file access (local or remote).
// Run reports a non-zero exit through Result.ExitCode; its error is reserved
// for connection failures and cancellation.
type Executor interface {
	Run(ctx context.Context, command string) (Result, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	ReadDir(ctx context.Context, path string) ([]FileInfo, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Close() error
}

// QuoteArg wraps s in single quotes for a POSIX shell
func QuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WithWorkingDirectory prefixes command with a cd into dir.
// An empty dir runs from "/".
func WithWorkingDirectory(dir, command string) string {
	if strings.TrimSpace(dir) == "" {
		dir = "/"
	}
	return fmt.Sprintf("cd %s && %s", QuoteArg(dir), command)
}

// ctxReader stops a copy once its context ends.
type ctxReader struct {
	ctx context.Context
	r   io.ReadCloser
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (c *ctxReader) Close() error {
	return c.r.Close()
}

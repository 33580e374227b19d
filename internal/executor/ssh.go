package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/pkg/sftp"

	sshclient "github.com/backapp/backapp/internal/ssh"
)

// SSHExecutor runs commands over a pooled SSH connection and reads files over SFTP
type SSHExecutor struct {
	client *sshclient.Client

	sftpOnce  sync.Once
	sftp      *sftp.Client
	sftpErr   error
	closeOnce sync.Once
}

var errExecutorClosed = errors.New("executor closed")

// NewSSHExecutor wraps an established SSH client
func NewSSHExecutor(client *sshclient.Client) *SSHExecutor {
	return &SSHExecutor{client: client}
}

func (e *SSHExecutor) Run(ctx context.Context, command string) (Result, error) {
	res, err := e.client.RunCommand(ctx, command)
	return Result{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, err
}

func (e *SSHExecutor) sftpClient() (*sftp.Client, error) {
	e.sftpOnce.Do(func() {
		e.sftp, e.sftpErr = e.client.NewSFTPWithOptions(
			sftp.MaxPacketUnchecked(131072),
			sftp.UseConcurrentReads(true),
			sftp.MaxConcurrentRequestsPerFile(64),
		)
	})
	if e.sftpErr != nil {
		return nil, fmt.Errorf("failed to open SFTP session: %w", e.sftpErr)
	}
	return e.sftp, nil
}

func (e *SSHExecutor) Stat(ctx context.Context, p string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	client, err := e.sftpClient()
	if err != nil {
		return FileInfo{}, err
	}
	info, err := client.Stat(p)
	if err != nil {
		return FileInfo{}, wrapSFTPNotExist(p, err)
	}
	return FileInfo{
		Path:    p,
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}

func (e *SSHExecutor) ReadDir(ctx context.Context, p string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := e.sftpClient()
	if err != nil {
		return nil, err
	}
	entries, err := client.ReadDir(p)
	if err != nil {
		return nil, wrapSFTPNotExist(p, err)
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, FileInfo{
			Path:    path.Join(p, entry.Name()),
			Name:    entry.Name(),
			Size:    entry.Size(),
			IsDir:   entry.IsDir(),
			ModTime: entry.ModTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (e *SSHExecutor) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	client, err := e.sftpClient()
	if err != nil {
		return nil, err
	}
	file, err := client.Open(p)
	if err != nil {
		return nil, wrapSFTPNotExist(p, err)
	}
	return &ctxReader{ctx: ctx, r: file}, nil
}

// Close releases the SFTP session. The SSH connection stays in the pool.
// Close may be called more than once and concurrently with a transfer, whose
// pending reads then fail.
func (e *SSHExecutor) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.sftpOnce.Do(func() { e.sftpErr = errExecutorClosed })
		if e.sftp != nil {
			err = e.sftp.Close()
		}
	})
	return err
}

func wrapSFTPNotExist(p string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", p, ErrNotExist)
	}
	return fmt.Errorf("%s: %w", p, err)
}

package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/sftp"

	"github.com/backapp/backapp/internal/executor"
	"github.com/backapp/backapp/internal/models"
	sshclient "github.com/backapp/backapp/internal/ssh"
)

// SFTPDestination stores backups on a remote SFTP server
type SFTPDestination struct {
	basePath   string
	sshClient  *sshclient.Client
	sftpClient *sftp.Client
	closeOnce  sync.Once
}

// NewSFTPDestination connects to the location's SSH server and opens an
// SFTP session on it
func NewSFTPDestination(ctx context.Context, loc models.StorageLocation, opts DestinationOptions) (*SFTPDestination, error) {
	cfg := &sshclient.ClientConfig{
		Host:            loc.Address,
		Port:            loc.Port,
		Username:        loc.Username,
		Password:        loc.Password,
		PrivateKey:      loc.PrivateKey,
		Timeout:         opts.Timeout,
		KnownHostsPath:  opts.KnownHostsPath,
		TrustOnFirstUse: opts.TrustOnFirstUse,
		Target:          fmt.Sprintf("storage location %d (%s)", loc.ID, loc.Name),
		AuthMethod:      "password",
	}
	if loc.PrivateKey != "" {
		cfg.AuthMethod = "key"
	} else if loc.Password == "" {
		return nil, fmt.Errorf("%w: no authentication method provided for SFTP", ErrStorageUnreachable)
	}

	log.Printf("[SFTPDest] Connecting to %s:%d...", loc.Address, loc.Port)
	client, err := sshclient.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}

	sftpClient, err := client.NewSFTPWithOptions(
		sftp.MaxPacketUnchecked(131072),
		sftp.UseConcurrentWrites(true),
		sftp.MaxConcurrentRequestsPerFile(64),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to create SFTP client: %v", ErrStorageUnreachable, err)
	}

	return &SFTPDestination{
		basePath:   loc.BasePath,
		sshClient:  client,
		sftpClient: sftpClient,
	}, nil
}

// Close closes the SFTP and SSH connections. Safe to call more than once.
func (sd *SFTPDestination) Close() error {
	sd.closeOnce.Do(func() {
		if sd.sftpClient != nil {
			sd.sftpClient.Close()
		}
		if sd.sshClient != nil {
			sd.sshClient.Close()
		}
	})
	return nil
}

func (sd *SFTPDestination) resolve(name string) (string, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return path.Join(sd.basePath, cleaned), nil
}

// Upload writes a temporary remote file and renames it into place
func (sd *SFTPDestination) Upload(ctx context.Context, name string, reader io.Reader, sizeBytes int64) error {
	destPath, err := sd.resolve(name)
	if err != nil {
		return err
	}
	if err := sd.sftpClient.MkdirAll(path.Dir(destPath)); err != nil {
		return fmt.Errorf("%w: failed to create remote directory: %v", ErrStorageUnreachable, err)
	}

	tmpPath := destPath + ".part"
	file, err := sd.sftpClient.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: failed to create remote file: %v", ErrStorageUnreachable, err)
	}

	written, err := io.Copy(file, &contextReader{ctx: ctx, r: reader})
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		sd.sftpClient.Remove(tmpPath)
		if errors.Is(err, sftp.ErrSSHFxFailure) {
			// most servers answer a full disk with a generic failure
			if capacity, uerr := sd.Usage(ctx); uerr == nil && capacity.Free == 0 {
				return fmt.Errorf("%w: %v", ErrInsufficientSpace, err)
			}
		}
		return classifyWriteErr(err)
	}

	if sizeBytes >= 0 && written != sizeBytes {
		sd.sftpClient.Remove(tmpPath)
		return fmt.Errorf("%w: size mismatch: expected %d bytes, wrote %d bytes", ErrTransferFailed, sizeBytes, written)
	}

	if err := sd.sftpClient.PosixRename(tmpPath, destPath); err != nil {
		sd.sftpClient.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// Download downloads a backup file from the SFTP destination
func (sd *SFTPDestination) Download(ctx context.Context, name string, writer io.Writer) error {
	srcPath, err := sd.resolve(name)
	if err != nil {
		return err
	}

	file, err := sd.sftpClient.Open(srcPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", name, ErrObjectNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to open remote file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(writer, &contextReader{ctx: ctx, r: file}); err != nil {
		return fmt.Errorf("failed to read remote file: %w", err)
	}
	return nil
}

// Delete removes a backup file from the SFTP destination
func (sd *SFTPDestination) Delete(ctx context.Context, name string) error {
	destPath, err := sd.resolve(name)
	if err != nil {
		return err
	}

	if err := sd.sftpClient.Remove(destPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrObjectNotFound)
		}
		return fmt.Errorf("failed to delete remote file: %w", err)
	}
	return nil
}

// Stat returns the size of a remote artifact
func (sd *SFTPDestination) Stat(ctx context.Context, name string) (int64, error) {
	destPath, err := sd.resolve(name)
	if err != nil {
		return 0, err
	}
	info, err := sd.sftpClient.Stat(destPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", name, ErrObjectNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	return info.Size(), nil
}

// Usage uses the statvfs extension when the server offers it and falls
// back to df over the same SSH connection
func (sd *SFTPDestination) Usage(ctx context.Context) (*Capacity, error) {
	dir := sd.basePath
	if dir == "" {
		dir = "."
	}
	if vfs, err := sd.sftpClient.StatVFS(dir); err == nil {
		return &Capacity{
			Total: vfs.TotalSpace(),
			Free:  vfs.FreeSpace(),
			Used:  vfs.TotalSpace() - vfs.FreeSpace(),
		}, nil
	}

	result, err := sd.sshClient.RunCommand(ctx, "df -kP "+executor.QuoteArg(dir))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("df exited with %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return parseDF(result.Stdout)
}

// RemoveEmptyDirs removes dir and its parents while they are empty
func (sd *SFTPDestination) RemoveEmptyDirs(ctx context.Context, dir string) error {
	cleaned, err := cleanName(dir)
	if err != nil {
		return nil
	}
	for cleaned != "." && cleaned != "" {
		full := path.Join(sd.basePath, cleaned)
		entries, err := sd.sftpClient.ReadDir(full)
		if err != nil || len(entries) > 0 {
			return nil
		}
		if err := sd.sftpClient.RemoveDirectory(full); err != nil {
			return nil
		}
		cleaned = path.Dir(cleaned)
	}
	return nil
}

// GetType returns the destination type
func (sd *SFTPDestination) GetType() string {
	return "sftp"
}

// parseDF reads the data line of POSIX `df -kP` output
func parseDF(out string) (*Capacity, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("unexpected df output: %q", out)
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return nil, fmt.Errorf("unexpected df output: %q", out)
	}
	values := make([]uint64, 3)
	for i := range values {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected df output: %q", out)
		}
		values[i] = v * 1024
	}
	return &Capacity{Total: values[0], Used: values[1], Free: values[2]}, nil
}

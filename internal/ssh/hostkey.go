package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/backapp/backapp/internal/logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrHostKeyUnknown means the host is not in known_hosts and trust on
	// first use is off
	ErrHostKeyUnknown = errors.New("unknown SSH host key")
	// ErrHostKeyChanged means the host presented a key other than the pinned one
	ErrHostKeyChanged = errors.New("SSH host key changed")
)

// HostKeyError reports a rejected host key for a backup server or a storage
// location. It matches ErrHostKeyUnknown or ErrHostKeyChanged with errors.Is.
type HostKeyError struct {
	Target      string
	Host        string
	Fingerprint string
	Err         error
}

func (e *HostKeyError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%v for %s (%s)", e.Err, e.Host, e.Fingerprint)
	}
	return fmt.Sprintf("%s: %v for %s (%s)", e.Target, e.Err, e.Host, e.Fingerprint)
}

func (e *HostKeyError) Unwrap() error { return e.Err }

// HostKeyPolicy decides which host keys a connection accepts. Target names
// what is being connected to ("server 3 (game-01)") in logs and errors.
type HostKeyPolicy struct {
	KnownHostsPath  string
	TrustOnFirstUse bool
	Target          string
}

// known_hosts is shared by every server and SFTP location; concurrent runs
// against the same host must pin its key once.
var knownHostsMu sync.Mutex

// NewHostKeyCallback checks keys against known_hosts. Unknown hosts are
// pinned when TrustOnFirstUse is set. An empty path accepts any key.
func NewHostKeyCallback(policy HostKeyPolicy) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(policy.KnownHostsPath) == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if err := ensureKnownHostsFile(policy.KnownHostsPath); err != nil {
		return nil, err
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		knownHostsMu.Lock()
		defer knownHostsMu.Unlock()

		// re-read on every dial so keys pinned by other connections count
		check, err := knownhosts.New(policy.KnownHostsPath)
		if err != nil {
			return fmt.Errorf("failed to read known_hosts: %w", err)
		}
		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}

		fingerprint := ssh.FingerprintSHA256(key)
		if len(keyErr.Want) > 0 {
			logging.L().Warn("ssh_host_key_changed",
				"target", policy.Target,
				"host", hostname,
				"fingerprint", fingerprint,
			)
			return &HostKeyError{Target: policy.Target, Host: hostname, Fingerprint: fingerprint, Err: ErrHostKeyChanged}
		}

		if !policy.TrustOnFirstUse {
			return &HostKeyError{Target: policy.Target, Host: hostname, Fingerprint: fingerprint, Err: ErrHostKeyUnknown}
		}
		if err := appendKnownHost(policy.KnownHostsPath, hostname, remote, key); err != nil {
			return err
		}
		logging.L().Info("ssh_host_key_pinned",
			"target", policy.Target,
			"host", hostname,
			"fingerprint", fingerprint,
		)
		return nil
	}, nil
}

func ensureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create known_hosts file: %w", err)
	}
	return file.Close()
}

func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	line := knownhosts.Line(knownHostsAddresses(hostname, remote), key) + "\n"

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write known_hosts entry: %w", err)
	}
	return nil
}

// knownHostsAddresses lists the dialed name and, when different, the
// resolved address, both normalized by knownhosts
func knownHostsAddresses(hostname string, remote net.Addr) []string {
	var addrs []string
	if hostname != "" {
		addrs = append(addrs, knownhosts.Normalize(hostname))
	}
	if remote != nil {
		if r := knownhosts.Normalize(remote.String()); len(addrs) == 0 || r != addrs[0] {
			addrs = append(addrs, r)
		}
	}
	return addrs
}

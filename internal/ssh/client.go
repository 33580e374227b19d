package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Client wraps an SSH connection
type Client struct {
	config *ClientConfig
	client *ssh.Client
	mu     sync.Mutex
}

// ClientConfig holds SSH connection configuration
type ClientConfig struct {
	Host            string
	Port            int
	Username        string
	AuthMethod      string // "key" or "password"
	PrivateKey      string // PEM
	Password        string
	Timeout         time.Duration
	KnownHostsPath  string
	TrustOnFirstUse bool
	// Target names the server or storage location in host key logs and errors
	Target string
}

// CommandResult holds the outcome of a remote command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// NewClient creates a new SSH client
func NewClient(config *ClientConfig) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Port == 0 {
		config.Port = 22
	}

	client := &Client{
		config: config,
	}

	if err := client.Connect(); err != nil {
		return nil, err
	}

	return client, nil
}

// Connect establishes the SSH connection
func (c *Client) Connect() error {
	var authMethod ssh.AuthMethod

	switch c.config.AuthMethod {
	case "key":
		key, err := c.loadPrivateKey()
		if err != nil {
			return fmt.Errorf("failed to load private key: %w", err)
		}
		authMethod = ssh.PublicKeys(key)

	case "password", "":
		authMethod = ssh.Password(c.config.Password)

	default:
		return fmt.Errorf("unsupported auth method: %s", c.config.AuthMethod)
	}

	hostKeyCallback, err := NewHostKeyCallback(HostKeyPolicy{
		KnownHostsPath:  c.config.KnownHostsPath,
		TrustOnFirstUse: c.config.TrustOnFirstUse,
		Target:          c.config.Target,
	})
	if err != nil {
		return fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.Username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.config.Timeout,
	}

	address := net.JoinHostPort(c.config.Host, fmt.Sprintf("%d", c.config.Port))
	client, err := ssh.Dial("tcp", address, sshConfig)
	if err != nil {
		return fmt.Errorf("failed to dial SSH: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	return nil
}

// Close closes the SSH connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsConnected checks if the connection is still active
func (c *Client) IsConnected() bool {
	conn := c.conn()
	if conn == nil {
		return false
	}

	if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return false
	}
	return true
}

// RunCommand executes a command and returns its separated output and exit code.
// A non-zero exit is reported through ExitCode with a nil error; the error is
// reserved for session and transport failures. When ctx ends the remote
// process is signalled and whatever output was captured is returned.
func (c *Client) RunCommand(ctx context.Context, command string) (CommandResult, error) {
	conn := c.conn()
	if conn == nil {
		return CommandResult{ExitCode: -1}, fmt.Errorf("not connected")
	}

	session, err := conn.NewSession()
	if err != nil {
		return CommandResult{ExitCode: -1}, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	}

	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("command failed: %w", err)
	}
	return result, nil
}

// NewSFTPWithOptions creates a new SFTP client with options
func (c *Client) NewSFTPWithOptions(opts ...sftp.ClientOption) (*sftp.Client, error) {
	conn := c.conn()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	return sftp.NewClient(conn, opts...)
}

// loadPrivateKey parses the configured PEM key. For key auth the password
// doubles as the key passphrase.
func (c *Client) loadPrivateKey() (ssh.Signer, error) {
	if c.config.PrivateKey == "" {
		return nil, fmt.Errorf("no private key configured")
	}
	signer, err := ParsePrivateKey([]byte(c.config.PrivateKey), c.config.Password)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return signer, nil
}

// TestConnection tests if the connection is working
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := c.RunCommand(ctx, "echo 'test'")
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("test command exited with %d", result.ExitCode)
	}
	return nil
}

func (c *Client) conn() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

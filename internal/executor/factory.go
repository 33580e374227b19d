package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/backapp/backapp/internal/models"
	sshclient "github.com/backapp/backapp/internal/ssh"
)

// Factory opens an Executor for a server
type Factory interface {
	Open(ctx context.Context, server models.Server) (Executor, error)
}

// DefaultFactory handles both SSH and local execution
type DefaultFactory struct {
	pool            *sshclient.ConnectionPool
	knownHostsPath  string
	trustOnFirstUse bool
	connectTimeout  time.Duration
}

// NewDefaultFactory creates a factory that shares SSH connections through pool
func NewDefaultFactory(pool *sshclient.ConnectionPool, knownHostsPath string, trustOnFirstUse bool, connectTimeout time.Duration) *DefaultFactory {
	return &DefaultFactory{
		pool:            pool,
		knownHostsPath:  knownHostsPath,
		trustOnFirstUse: trustOnFirstUse,
		connectTimeout:  connectTimeout,
	}
}

func (f *DefaultFactory) Open(ctx context.Context, server models.Server) (Executor, error) {
	if server.ConnectionType == models.ConnectionLocal {
		return NewLocalExecutor(), nil
	}
	client, err := f.dial(ctx, server)
	if err != nil {
		return nil, err
	}
	return NewSSHExecutor(client), nil
}

func (f *DefaultFactory) dial(ctx context.Context, server models.Server) (*sshclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := &sshclient.ClientConfig{
		Host:            server.Host,
		Port:            server.Port,
		Username:        server.Username,
		AuthMethod:      server.AuthType,
		PrivateKey:      server.PrivateKey,
		Password:        server.Password,
		Timeout:         f.connectTimeout,
		KnownHostsPath:  f.knownHostsPath,
		TrustOnFirstUse: f.trustOnFirstUse,
		Target:          fmt.Sprintf("server %d (%s)", server.ID, server.Name),
	}

	conn, err := f.pool.GetConnection(sshclient.PoolKey(server.ID, server.UpdatedAt), cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", server.Host, err)
	}
	return conn.Client, nil
}

// Forget drops pooled connections for a server after its settings change
func (f *DefaultFactory) Forget(serverID int64) {
	f.pool.RemovePrefix(fmt.Sprintf("server-%d@", serverID))
}

// TestConnection dials a server and runs a trivial command
func (f *DefaultFactory) TestConnection(ctx context.Context, server models.Server) error {
	if server.ConnectionType != models.ConnectionLocal {
		client, err := f.dial(ctx, server)
		if err != nil {
			return err
		}
		return client.TestConnection(ctx)
	}

	res, err := NewLocalExecutor().Run(ctx, "echo 'test'")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("test command exited with %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

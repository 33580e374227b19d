package ssh

import (
	"fmt"
	"log"
	"sync"
	"time"
)

const maxReconnectAttempts = 3

// ConnectionPool shares SSH connections between runs targeting the same server
type ConnectionPool struct {
	connections map[string]*PooledConnection
	mu          sync.RWMutex
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	dial        func(*ClientConfig) (*Client, error)
}

// PooledConnection wraps an SSH client with pool metadata
type PooledConnection struct {
	Client            *Client
	Key               string
	HealthStatus      string
	ReconnectAttempts int
	LastHealthCheck   time.Time
	mu                sync.Mutex
}

// NewConnectionPool creates a pool and starts its health check loop
func NewConnectionPool(healthInterval time.Duration) *ConnectionPool {
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}

	pool := &ConnectionPool{
		connections: make(map[string]*PooledConnection),
		stopChan:    make(chan struct{}),
		dial:        NewClient,
	}

	pool.wg.Add(1)
	go pool.healthCheckLoop(healthInterval)

	return pool
}

// PoolKey identifies a connection by server and the credentials it was opened with,
// so a credential change never reuses a stale session.
func PoolKey(serverID int64, updatedAt time.Time) string {
	return fmt.Sprintf("server-%d@%d", serverID, updatedAt.UnixNano())
}

// GetConnection gets or creates a connection for a key
func (p *ConnectionPool) GetConnection(key string, config *ClientConfig) (*PooledConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, exists := p.connections[key]; exists {
		if conn.Client.IsConnected() {
			return conn, nil
		}

		log.Printf("[Pool] Connection %s is dead, removing", key)
		conn.Client.Close()
		delete(p.connections, key)
	}

	client, err := p.dial(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH client: %w", err)
	}

	conn := &PooledConnection{
		Client:          client,
		Key:             key,
		HealthStatus:    "healthy",
		LastHealthCheck: time.Now(),
	}
	p.connections[key] = conn
	log.Printf("[Pool] Created new connection %s", key)

	return conn, nil
}

// RemoveConnection closes and forgets a connection
func (p *ConnectionPool) RemoveConnection(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(key)
}

// RemovePrefix drops every connection whose key starts with prefix
func (p *ConnectionPool) RemovePrefix(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.connections {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			p.removeLocked(key)
		}
	}
}

func (p *ConnectionPool) removeLocked(key string) {
	if conn, exists := p.connections[key]; exists {
		conn.Client.Close()
		delete(p.connections, key)
		log.Printf("[Pool] Removed connection %s", key)
	}
}

// CloseAll closes all connections
func (p *ConnectionPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, conn := range p.connections {
		conn.Client.Close()
		log.Printf("[Pool] Closed connection %s", key)
	}

	p.connections = make(map[string]*PooledConnection)
}

func (p *ConnectionPool) healthCheckLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.performHealthChecks()
		case <-p.stopChan:
			return
		}
	}
}

func (p *ConnectionPool) performHealthChecks() {
	p.mu.RLock()
	conns := make([]*PooledConnection, 0, len(p.connections))
	for _, conn := range p.connections {
		conns = append(conns, conn)
	}
	p.mu.RUnlock()

	for _, conn := range conns {
		if !conn.performHealthCheck() {
			p.RemoveConnection(conn.Key)
		}
	}
}

// performHealthCheck returns false once the connection should be evicted
func (pc *PooledConnection) performHealthCheck() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.LastHealthCheck = time.Now()

	if pc.Client.IsConnected() {
		if pc.HealthStatus != "healthy" {
			log.Printf("[Pool] Connection %s recovered", pc.Key)
		}
		pc.HealthStatus = "healthy"
		pc.ReconnectAttempts = 0
		return true
	}

	log.Printf("[Pool] Health check failed for %s, attempting reconnect", pc.Key)
	pc.HealthStatus = "failed"
	pc.ReconnectAttempts++

	if err := pc.Client.Connect(); err != nil {
		log.Printf("[Pool] Reconnect attempt %d failed for %s: %v", pc.ReconnectAttempts, pc.Key, err)
		if pc.ReconnectAttempts >= maxReconnectAttempts {
			log.Printf("[Pool] Max reconnect attempts reached for %s, removing from pool", pc.Key)
			return false
		}
		return true
	}

	log.Printf("[Pool] Reconnected %s successfully", pc.Key)
	pc.HealthStatus = "healthy"
	pc.ReconnectAttempts = 0
	return true
}

// GetHealthStatus returns the current health status
func (pc *PooledConnection) GetHealthStatus() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.HealthStatus
}

// Stop stops the health check loop and closes every connection
func (p *ConnectionPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
	p.CloseAll()
}

// PoolStats counts pooled connections by health
type PoolStats struct {
	Total   int
	Healthy int
	Failed  int
}

// Stats returns pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{Total: len(p.connections)}
	for _, conn := range p.connections {
		switch conn.GetHealthStatus() {
		case "healthy":
			stats.Healthy++
		case "failed":
			stats.Failed++
		}
	}
	return stats
}

package ssh

import (
	"errors"
	"testing"
	"time"
)

func TestPoolDialFailure(t *testing.T) {
	pool := NewConnectionPool(time.Hour)
	defer pool.Stop()

	pool.dial = func(*ClientConfig) (*Client, error) {
		return nil, errors.New("connection refused")
	}

	if _, err := pool.GetConnection("server-1@0", &ClientConfig{Host: "127.0.0.1"}); err == nil {
		t.Fatalf("expected dial failure to surface")
	}
	if pool.Stats().Total != 0 {
		t.Fatalf("failed dial must not be pooled")
	}
}

func TestPoolKeyChangesWithCredentials(t *testing.T) {
	a := PoolKey(4, time.Unix(100, 0))
	b := PoolKey(4, time.Unix(200, 0))
	if a == b {
		t.Fatalf("expected different keys after server update, got %s", a)
	}
}

func TestPoolStopIsIdempotent(t *testing.T) {
	pool := NewConnectionPool(time.Hour)
	pool.Stop()
	pool.Stop()

	if stats := pool.Stats(); stats.Total != 0 {
		t.Fatalf("expected empty pool, got %v", stats)
	}
}

package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to wrap key: %v", err)
	}
	return key
}

func knownHostsLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read known_hosts: %v", err)
	}
	return strings.Fields(strings.ReplaceAll(string(data), " ", "_"))
}

func TestHostKeyPinnedForStorageLocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	policy := HostKeyPolicy{KnownHostsPath: path, TrustOnFirstUse: true, Target: "storage location 2 (nas)"}
	callback, err := NewHostKeyCallback(policy)
	if err != nil {
		t.Fatalf("failed to create callback: %v", err)
	}

	key := newHostKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.20"), Port: 2222}
	if err := callback("nas.local:2222", addr, key); err != nil {
		t.Fatalf("first key should be pinned, got %v", err)
	}
	// the same callback sees its own pin on the next dial
	if err := callback("nas.local:2222", addr, key); err != nil {
		t.Fatalf("pinned key should be accepted, got %v", err)
	}

	lines := knownHostsLines(t, path)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "[nas.local]:2222,[192.168.1.20]:2222_") {
		t.Fatalf("unexpected known_hosts content %q", lines)
	}

	err = callback("nas.local:2222", addr, newHostKey(t))
	if !errors.Is(err, ErrHostKeyChanged) {
		t.Fatalf("expected ErrHostKeyChanged, got %v", err)
	}
	var hkErr *HostKeyError
	if !errors.As(err, &hkErr) || hkErr.Target != policy.Target || !strings.HasPrefix(hkErr.Fingerprint, "SHA256:") {
		t.Fatalf("expected a HostKeyError naming the location, got %#v", err)
	}
	if !strings.Contains(err.Error(), "storage location 2 (nas)") {
		t.Fatalf("error should name the location: %v", err)
	}
}

func TestHostKeyUnknownWithoutTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	callback, err := NewHostKeyCallback(HostKeyPolicy{KnownHostsPath: path, Target: "server 1 (game-01)"})
	if err != nil {
		t.Fatalf("failed to create callback: %v", err)
	}

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}
	err = callback("10.0.0.5:22", addr, newHostKey(t))
	if !errors.Is(err, ErrHostKeyUnknown) {
		t.Fatalf("expected ErrHostKeyUnknown, got %v", err)
	}
	if lines := knownHostsLines(t, path); len(lines) != 0 {
		t.Fatalf("nothing should be pinned, got %q", lines)
	}
}

func TestConcurrentDialsPinHostOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	key := newHostKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			callback, err := NewHostKeyCallback(HostKeyPolicy{KnownHostsPath: path, TrustOnFirstUse: true})
			if err != nil {
				errs <- err
				return
			}
			errs <- callback("10.0.0.5:22", addr, key)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("dial rejected: %v", err)
		}
	}

	if lines := knownHostsLines(t, path); len(lines) != 1 {
		t.Fatalf("expected a single pinned entry, got %d: %q", len(lines), lines)
	}
}

func TestEmptyKnownHostsPathAcceptsAnyKey(t *testing.T) {
	callback, err := NewHostKeyCallback(HostKeyPolicy{})
	if err != nil {
		t.Fatalf("failed to create callback: %v", err)
	}
	if err := callback("10.0.0.5:22", &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}, newHostKey(t)); err != nil {
		t.Fatalf("expected key accepted, got %v", err)
	}
}

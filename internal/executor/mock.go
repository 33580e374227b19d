package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/backapp/backapp/internal/models"
)

// MockExecutor is an in-memory Executor for tests. Commands are answered by
// the handler with the longest key prefixing the command, else by MockResult.
type MockExecutor struct {
	MockResult Result
	MockError  error
	Handlers   map[string]func(ctx context.Context, command string) (Result, error)

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	commands []string
}

// NewMockExecutor creates an empty mock with "/" as its only directory
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		Handlers: make(map[string]func(context.Context, string) (Result, error)),
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"/": true},
	}
}

// AddFile creates a file and its parent directories
func (m *MockExecutor) AddFile(p string, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	m.files[p] = []byte(content)
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		m.dirs[dir] = true
		if dir == "/" || dir == "." {
			break
		}
	}
}

// Commands returns every command run so far
func (m *MockExecutor) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *MockExecutor) Run(ctx context.Context, command string) (Result, error) {
	m.mu.Lock()
	m.commands = append(m.commands, command)
	handlers := m.Handlers
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}

	// Longest prefix wins so handler order does not matter.
	var best string
	found := false
	for prefix := range handlers {
		if strings.HasPrefix(command, prefix) && (!found || len(prefix) > len(best)) {
			best = prefix
			found = true
		}
	}
	if found {
		return handlers[best](ctx, command)
	}
	return m.MockResult, m.MockError
}

func (m *MockExecutor) Stat(ctx context.Context, p string) (FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if content, ok := m.files[p]; ok {
		return FileInfo{Path: p, Name: path.Base(p), Size: int64(len(content)), ModTime: time.Unix(0, 0)}, nil
	}
	if m.dirs[p] {
		return FileInfo{Path: p, Name: path.Base(p), IsDir: true, ModTime: time.Unix(0, 0)}, nil
	}
	return FileInfo{}, fmt.Errorf("%s: %w", p, ErrNotExist)
}

func (m *MockExecutor) ReadDir(ctx context.Context, p string) ([]FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if !m.dirs[p] {
		return nil, fmt.Errorf("%s: %w", p, ErrNotExist)
	}

	var infos []FileInfo
	for fp, content := range m.files {
		if path.Dir(fp) == p {
			infos = append(infos, FileInfo{Path: fp, Name: path.Base(fp), Size: int64(len(content))})
		}
	}
	for dp := range m.dirs {
		if dp != p && path.Dir(dp) == p {
			infos = append(infos, FileInfo{Path: dp, Name: path.Base(dp), IsDir: true})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (m *MockExecutor) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MockExecutor) Close() error {
	return nil
}

// MockFactory hands out the same executor for every server
type MockFactory struct {
	Executor Executor
	OpenErr  error
}

func (f *MockFactory) Open(ctx context.Context, server models.Server) (Executor, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	return f.Executor, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveConfigPathPrefersParentConfigs(t *testing.T) {
	root := t.TempDir()
	configsDir := filepath.Join(root, "configs")
	if err := os.MkdirAll(configsDir, 0755); err != nil {
		t.Fatalf("failed to create configs dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configsDir, "config.yaml"), []byte("server:\n  port: 9000\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	workDir := filepath.Join(root, "server")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatalf("failed to create work dir: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get cwd: %v", err)
	}
	defer func() {
		_ = os.Chdir(cwd)
	}()

	if err := os.Chdir(workDir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}

	if resolved := resolveConfigPath(); resolved != "../configs/config.yaml" {
		t.Fatalf("expected ../configs/config.yaml, got %s", resolved)
	}
}

func TestLoadReadsYAMLAndEnv(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, "configs", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		t.Fatalf("failed to create configs dir: %v", err)
	}
	body := `
server:
  port: 9100
backup:
  worker_pool_size: 2
  run_timeout: 90m
  command_timeout: 600
  storage_sweep_interval: 5m
`
	if err := os.WriteFile(configPath, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("CONFIG_PATH", configPath)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_PATH", "data/test.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Fatalf("expected port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Backup.WorkerPoolSize != 2 {
		t.Fatalf("expected worker pool size 2, got %d", cfg.Backup.WorkerPoolSize)
	}
	if cfg.Backup.RunTimeout.Duration != 90*time.Minute {
		t.Fatalf("expected 90m run timeout, got %s", cfg.Backup.RunTimeout.Duration)
	}
	if cfg.Backup.CommandTimeout.Duration != 10*time.Minute {
		t.Fatalf("expected 600s command timeout, got %s", cfg.Backup.CommandTimeout.Duration)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level override, got %s", cfg.Logging.Level)
	}
	if cfg.Database.Path != filepath.Join(root, "data", "test.db") {
		t.Fatalf("expected database path relative to config root, got %s", cfg.Database.Path)
	}
}

func TestNormalizeStoragePathsDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.normalizeStoragePaths("configs/config.yaml")

	if cfg.Storage.DataDir == "" {
		t.Fatalf("expected DataDir to be set")
	}
	if cfg.Storage.TempDir != filepath.Join(cfg.Storage.DataDir, "tmp") {
		t.Fatalf("expected TempDir under DataDir, got %s", cfg.Storage.TempDir)
	}
	if cfg.Security.SSH.KnownHostsPath == "" {
		t.Fatalf("expected KnownHostsPath to be set")
	}
}

func TestValidateRejectsBadBackupSettings(t *testing.T) {
	cfg := Default()
	cfg.Backup.WorkerPoolSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected zero worker pool to be rejected")
	}

	cfg = Default()
	cfg.Backup.StorageSweepInterval = Duration{10 * time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected short sweep interval to be rejected")
	}

	cfg = Default()
	cfg.Backup.Timezone = "Not/AZone"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid timezone to be rejected")
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig       `yaml:"server" json:"server"`
	Database      DatabaseConfig     `yaml:"database" json:"database"`
	Security      SecurityConfig     `yaml:"security" json:"security"`
	Storage       StorageConfig      `yaml:"storage" json:"storage"`
	Logging       LoggingConfig      `yaml:"logging" json:"logging"`
	Backup        BackupConfig       `yaml:"backup" json:"backup"`
	Notifications NotificationConfig `yaml:"notifications" json:"notifications"`
	Metrics       MetricsConfig      `yaml:"metrics" json:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string    `yaml:"host" json:"host"`
	Port int       `yaml:"port" json:"port"`
	TLS  TLSConfig `yaml:"tls" json:"tls"`
}

// TLSConfig contains TLS/HTTPS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path           string `yaml:"path" json:"path"`
	MaxConnections int    `yaml:"max_connections" json:"max_connections"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors" json:"cors"`
	SSH       SSHConfig       `yaml:"ssh" json:"ssh"`
}

// RateLimitConfig contains rate limiting settings
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// CORSConfig contains CORS settings
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
}

// SSHConfig contains SSH security settings
type SSHConfig struct {
	KnownHostsPath  string   `yaml:"known_hosts_path" json:"known_hosts_path"`
	TrustOnFirstUse bool     `yaml:"trust_on_first_use" json:"trust_on_first_use"`
	ConnectTimeout  Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// StorageConfig contains storage paths
type StorageConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
	TempDir string `yaml:"temp_dir" json:"temp_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	// ActivityRetention is how long activity log rows are kept; zero keeps them forever
	ActivityRetention Duration `yaml:"activity_retention" json:"activity_retention"`
}

// BackupConfig controls the run engine
type BackupConfig struct {
	WorkerPoolSize       int      `yaml:"worker_pool_size" json:"worker_pool_size"`
	RunTimeout           Duration `yaml:"run_timeout" json:"run_timeout"`
	CommandTimeout       Duration `yaml:"command_timeout" json:"command_timeout"`
	StorageSweepInterval Duration `yaml:"storage_sweep_interval" json:"storage_sweep_interval"`
	SevenZipBinary       string   `yaml:"seven_zip_binary" json:"seven_zip_binary"`
	Timezone             string   `yaml:"timezone" json:"timezone"`
}

// NotificationConfig contains web push settings
type NotificationConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Subscriber string `yaml:"subscriber" json:"subscriber"`
	TTL        int    `yaml:"ttl" json:"ttl"`
}

// MetricsConfig toggles the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Duration is a time.Duration that unmarshals from strings like "15m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts either a duration string or an integer number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration back in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	cfg := Default()

	configPath := GetConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalizeStoragePaths(configPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration used before the file and env are applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path:           "./data/backapp.db",
			MaxConnections: 25,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 300,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost:5173"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			},
			SSH: SSHConfig{
				KnownHostsPath:  "./data/known_hosts",
				TrustOnFirstUse: true,
				ConnectTimeout:  Duration{30 * time.Second},
			},
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,

			ActivityRetention: Duration{90 * 24 * time.Hour},
		},
		Backup: BackupConfig{
			WorkerPoolSize:       4,
			RunTimeout:           Duration{6 * time.Hour},
			CommandTimeout:       Duration{time.Hour},
			StorageSweepInterval: Duration{15 * time.Minute},
			SevenZipBinary:       "7z",
		},
		Notifications: NotificationConfig{
			Enabled:    true,
			Subscriber: "mailto:admin@backapp.local",
			TTL:        3600,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func (c *Config) applyEnv() {
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		c.Database.Path = dbPath
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDir = dataDir
	}

	if knownHostsPath := os.Getenv("KNOWN_HOSTS_PATH"); knownHostsPath != "" {
		c.Security.SSH.KnownHostsPath = knownHostsPath
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}

	if port := os.Getenv("BACKAPP_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			c.Server.Port = parsed
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS is enabled but cert_file or key_file is missing")
		}
	}

	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Backup.WorkerPoolSize < 1 {
		return fmt.Errorf("backup.worker_pool_size must be at least 1")
	}

	if c.Backup.RunTimeout.Duration < 0 || c.Backup.CommandTimeout.Duration < 0 {
		return fmt.Errorf("backup timeouts must not be negative")
	}

	if c.Backup.StorageSweepInterval.Duration != 0 && c.Backup.StorageSweepInterval.Duration < time.Minute {
		return fmt.Errorf("backup.storage_sweep_interval must be at least 1m")
	}

	if c.Backup.Timezone != "" {
		if _, err := time.LoadLocation(c.Backup.Timezone); err != nil {
			return fmt.Errorf("backup.timezone: %w", err)
		}
	}

	return nil
}

// Location returns the timezone used for cron evaluation and naming tokens.
func (c *Config) Location() *time.Location {
	if c.Backup.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Backup.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func resolveConfigPath() string {
	candidates := []string{"../configs/config.yaml", "./configs/config.yaml"}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return "./configs/config.yaml"
}

// GetConfigPath returns the resolved config path
func GetConfigPath() string {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = resolveConfigPath()
	}
	return configPath
}

// Save writes the configuration back to disk
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) normalizeStoragePaths(configPath string) {
	baseDir := filepath.Dir(configPath)
	if !filepath.IsAbs(baseDir) {
		if absBase, err := filepath.Abs(baseDir); err == nil {
			baseDir = absBase
		}
	}

	rootDir := baseDir
	if filepath.Base(baseDir) == "configs" {
		rootDir = filepath.Dir(baseDir)
	}

	resolvePath := func(value string) string {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return ""
		}
		if filepath.IsAbs(trimmed) {
			return filepath.Clean(trimmed)
		}
		return filepath.Clean(filepath.Join(rootDir, trimmed))
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = filepath.Join(rootDir, "data")
	}
	c.Storage.DataDir = resolvePath(c.Storage.DataDir)

	if strings.TrimSpace(c.Storage.TempDir) == "" {
		c.Storage.TempDir = filepath.Join(c.Storage.DataDir, "tmp")
	}
	c.Storage.TempDir = resolvePath(c.Storage.TempDir)

	c.Database.Path = resolvePath(c.Database.Path)

	if strings.TrimSpace(c.Security.SSH.KnownHostsPath) == "" {
		c.Security.SSH.KnownHostsPath = filepath.Join(c.Storage.DataDir, "known_hosts")
	}
	c.Security.SSH.KnownHostsPath = resolvePath(c.Security.SSH.KnownHostsPath)

	if strings.TrimSpace(c.Logging.File) != "" {
		c.Logging.File = resolvePath(c.Logging.File)
	}
}

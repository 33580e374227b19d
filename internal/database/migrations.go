package database

// Migration represents a database migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// migrations contains all database migrations in order
var migrations = []Migration{
	{
		Version: "001_init",
		Up: `
-- Remote machines reachable for command execution and file listing
CREATE TABLE servers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    connection_type TEXT NOT NULL DEFAULT 'ssh' CHECK (connection_type IN ('ssh', 'local')),
    host TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL DEFAULT 22,
    username TEXT NOT NULL DEFAULT '',
    auth_type TEXT NOT NULL DEFAULT 'password' CHECK (auth_type IN ('password', 'key')),
    password_enc TEXT NOT NULL DEFAULT '',
    private_key_enc TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE storage_locations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'local' CHECK (type IN ('local', 'sftp', 's3', 'webdav')),
    base_path TEXT NOT NULL DEFAULT '',
    address TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL DEFAULT 0,
    username TEXT NOT NULL DEFAULT '',
    password_enc TEXT NOT NULL DEFAULT '',
    private_key_enc TEXT NOT NULL DEFAULT '',
    bucket TEXT NOT NULL DEFAULT '',
    region TEXT NOT NULL DEFAULT '',
    endpoint TEXT NOT NULL DEFAULT '',
    access_key TEXT NOT NULL DEFAULT '',
    secret_key_enc TEXT NOT NULL DEFAULT '',
    enabled BOOLEAN NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE naming_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    pattern TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE backup_profiles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    server_id INTEGER NOT NULL,
    storage_location_id INTEGER NOT NULL,
    naming_rule_id INTEGER NOT NULL,
    schedule_cron TEXT NOT NULL DEFAULT '',
    enabled BOOLEAN NOT NULL DEFAULT 1,
    retention_count INTEGER NOT NULL DEFAULT 0,
    run_timeout_seconds INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,
    FOREIGN KEY (storage_location_id) REFERENCES storage_locations(id) ON DELETE CASCADE,
    FOREIGN KEY (naming_rule_id) REFERENCES naming_rules(id) ON DELETE RESTRICT
);

CREATE INDEX idx_backup_profiles_server ON backup_profiles(server_id);
CREATE INDEX idx_backup_profiles_storage ON backup_profiles(storage_location_id);

CREATE TABLE commands (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    backup_profile_id INTEGER NOT NULL,
    command TEXT NOT NULL,
    working_directory TEXT NOT NULL DEFAULT '',
    run_stage TEXT NOT NULL CHECK (run_stage IN ('pre', 'post')),
    run_order INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (backup_profile_id) REFERENCES backup_profiles(id) ON DELETE CASCADE
);

CREATE INDEX idx_commands_profile ON commands(backup_profile_id, run_stage, run_order, id);

CREATE TABLE file_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    backup_profile_id INTEGER NOT NULL,
    remote_path TEXT NOT NULL,
    recursive BOOLEAN NOT NULL DEFAULT 0,
    compress BOOLEAN NOT NULL DEFAULT 0,
    compress_format TEXT NOT NULL DEFAULT '7z' CHECK (compress_format IN ('7z', 'zip')),
    compress_password_enc TEXT NOT NULL DEFAULT '',
    exclude_pattern TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    FOREIGN KEY (backup_profile_id) REFERENCES backup_profiles(id) ON DELETE CASCADE
);

CREATE INDEX idx_file_rules_profile ON file_rules(backup_profile_id);
`,
		Down: `
DROP TABLE IF EXISTS file_rules;
DROP TABLE IF EXISTS commands;
DROP TABLE IF EXISTS backup_profiles;
DROP TABLE IF EXISTS naming_rules;
DROP TABLE IF EXISTS storage_locations;
DROP TABLE IF EXISTS servers;
`,
	},
	{
		Version: "002_backup_runs",
		Up: `
CREATE TABLE backup_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    backup_profile_id INTEGER NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'success', 'failed')),
    trigger TEXT NOT NULL DEFAULT 'manual',
    start_time DATETIME NOT NULL,
    end_time DATETIME,
    error_message TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    total_files INTEGER NOT NULL DEFAULT 0,
    total_size_bytes INTEGER NOT NULL DEFAULT 0,
    backup_path TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (backup_profile_id) REFERENCES backup_profiles(id) ON DELETE CASCADE
);

CREATE INDEX idx_backup_runs_profile ON backup_runs(backup_profile_id, start_time);
CREATE INDEX idx_backup_runs_status ON backup_runs(status);

-- At most one active run per profile.
CREATE UNIQUE INDEX idx_backup_runs_single_active ON backup_runs(backup_profile_id) WHERE status IN ('pending', 'running');

CREATE TABLE backup_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    backup_run_id INTEGER NOT NULL,
    file_rule_id INTEGER,
    remote_path TEXT NOT NULL,
    local_path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    checksum TEXT NOT NULL DEFAULT '',
    deleted BOOLEAN NOT NULL DEFAULT 0,
    deleted_at DATETIME,
    available BOOLEAN NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (backup_run_id) REFERENCES backup_runs(id) ON DELETE CASCADE,
    FOREIGN KEY (file_rule_id) REFERENCES file_rules(id) ON DELETE SET NULL
);

CREATE INDEX idx_backup_files_run ON backup_files(backup_run_id);

CREATE TABLE backup_run_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    backup_run_id INTEGER NOT NULL,
    timestamp DATETIME NOT NULL,
    level TEXT NOT NULL,
    stage TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL,
    FOREIGN KEY (backup_run_id) REFERENCES backup_runs(id) ON DELETE CASCADE
);

CREATE INDEX idx_backup_run_logs_run ON backup_run_logs(backup_run_id, id);
`,
		Down: `
DROP TABLE IF EXISTS backup_run_logs;
DROP TABLE IF EXISTS backup_files;
DROP TABLE IF EXISTS backup_runs;
`,
	},
	{
		Version: "003_notifications",
		Up: `
CREATE TABLE vapid_keys (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    public_key TEXT NOT NULL,
    private_key_enc TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE push_subscriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    endpoint TEXT NOT NULL UNIQUE,
    p256dh TEXT NOT NULL,
    auth TEXT NOT NULL,
    user_agent TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE notification_preferences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    subscription_id INTEGER NOT NULL,
    backup_profile_id INTEGER,
    server_id INTEGER,
    notify_on_start BOOLEAN NOT NULL DEFAULT 0,
    notify_on_success BOOLEAN NOT NULL DEFAULT 0,
    notify_on_failure BOOLEAN NOT NULL DEFAULT 1,
    notify_on_consecutive_failures BOOLEAN NOT NULL DEFAULT 1,
    consecutive_failure_threshold INTEGER NOT NULL DEFAULT 3,
    notify_on_low_storage BOOLEAN NOT NULL DEFAULT 1,
    low_storage_threshold INTEGER NOT NULL DEFAULT 10,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    CHECK (backup_profile_id IS NULL OR server_id IS NULL),
    FOREIGN KEY (subscription_id) REFERENCES push_subscriptions(id) ON DELETE CASCADE,
    FOREIGN KEY (backup_profile_id) REFERENCES backup_profiles(id) ON DELETE CASCADE,
    FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
);

CREATE INDEX idx_notification_preferences_subscription ON notification_preferences(subscription_id);

-- Consecutive failure streak per profile, reset on success.
CREATE TABLE profile_failure_streaks (
    backup_profile_id INTEGER PRIMARY KEY,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL,
    FOREIGN KEY (backup_profile_id) REFERENCES backup_profiles(id) ON DELETE CASCADE
);

-- Low storage hysteresis per preference and location.
CREATE TABLE low_storage_alerts (
    preference_id INTEGER NOT NULL,
    storage_location_id INTEGER NOT NULL,
    below_threshold BOOLEAN NOT NULL DEFAULT 0,
    last_free_percent REAL NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (preference_id, storage_location_id),
    FOREIGN KEY (preference_id) REFERENCES notification_preferences(id) ON DELETE CASCADE,
    FOREIGN KEY (storage_location_id) REFERENCES storage_locations(id) ON DELETE CASCADE
);
`,
		Down: `
DROP TABLE IF EXISTS low_storage_alerts;
DROP TABLE IF EXISTS profile_failure_streaks;
DROP TABLE IF EXISTS notification_preferences;
DROP TABLE IF EXISTS push_subscriptions;
DROP TABLE IF EXISTS vapid_keys;
`,
	},
	{
		Version: "004_activity_log",
		Up: `
CREATE TABLE activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id INTEGER NOT NULL DEFAULT 0,
    activity_type TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    metadata TEXT,
    success BOOLEAN NOT NULL DEFAULT 1,
    error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_activity_log_entity ON activity_log(entity_type, entity_id);
CREATE INDEX idx_activity_log_timestamp ON activity_log(timestamp);
`,
		Down: `
DROP TABLE IF EXISTS activity_log;
`,
	},
	{
		Version: "005_default_naming_rules",
		Up: `
INSERT INTO naming_rules (name, pattern, created_at, updated_at) VALUES
    ('Date + profile', '{YYYY}{MM}{DD}-{profile}', datetime('now'), datetime('now')),
    ('Profile + full timestamp', '{profile}-{YYYY}-{MM}-{DD}_{HH}-{mm}-{SS}', datetime('now'), datetime('now')),
    ('Profile + date', '{profile}-{YYYY}{MM}{DD}', datetime('now'), datetime('now')),
    ('Profile + unix time', '{profile}-{TIMESTAMP}', datetime('now'), datetime('now'));
`,
		Down: `
DELETE FROM naming_rules WHERE name IN ('Date + profile', 'Profile + full timestamp', 'Profile + date', 'Profile + unix time');
`,
	},
	{
		Version: "006_run_storage_location",
		Up: `
-- The location a run wrote to; profiles can be pointed elsewhere later
ALTER TABLE backup_runs ADD COLUMN storage_location_id INTEGER REFERENCES storage_locations(id) ON DELETE SET NULL;

UPDATE backup_runs SET storage_location_id = (
    SELECT p.storage_location_id FROM backup_profiles p WHERE p.id = backup_runs.backup_profile_id
);

CREATE INDEX idx_backup_runs_storage ON backup_runs(storage_location_id);
`,
		Down: `
DROP INDEX IF EXISTS idx_backup_runs_storage;
ALTER TABLE backup_runs DROP COLUMN storage_location_id;
`,
	},
}

package store

import (
	"database/sql"
	"fmt"

	"github.com/backapp/backapp/internal/models"
)

const profileColumns = `id, name, server_id, storage_location_id, naming_rule_id, schedule_cron,
	enabled, retention_count, run_timeout_seconds, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*models.BackupProfile, error) {
	var p models.BackupProfile
	if err := row.Scan(&p.ID, &p.Name, &p.ServerID, &p.StorageLocationID, &p.NamingRuleID,
		&p.ScheduleCron, &p.Enabled, &p.RetentionCount, &p.RunTimeoutSeconds, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func collectProfiles(rows *sql.Rows) ([]models.BackupProfile, error) {
	defer rows.Close()
	var profiles []models.BackupProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// ListProfiles returns all profiles without their children
func (s *Store) ListProfiles() ([]models.BackupProfile, error) {
	rows, err := s.db.Query(`SELECT ` + profileColumns + ` FROM backup_profiles ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	return collectProfiles(rows)
}

// ListSchedulableProfiles returns enabled profiles with a cron expression
// whose storage location is enabled
func (s *Store) ListSchedulableProfiles() ([]models.BackupProfile, error) {
	rows, err := s.db.Query(`
		SELECT p.id, p.name, p.server_id, p.storage_location_id, p.naming_rule_id, p.schedule_cron,
		       p.enabled, p.retention_count, p.run_timeout_seconds, p.created_at, p.updated_at
		FROM backup_profiles p
		JOIN storage_locations l ON l.id = p.storage_location_id
		WHERE p.enabled = 1 AND l.enabled = 1 AND TRIM(p.schedule_cron) != ''
		ORDER BY p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedulable profiles: %w", err)
	}
	return collectProfiles(rows)
}

// GetProfile returns a profile without its children
func (s *Store) GetProfile(id int64) (*models.BackupProfile, error) {
	p, err := scanProfile(s.db.QueryRow(`SELECT `+profileColumns+` FROM backup_profiles WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "backup profile", id)
	}
	return p, nil
}

// GetProfileDetail returns a profile with commands and file rules loaded
func (s *Store) GetProfileDetail(id int64) (*models.BackupProfile, error) {
	p, err := s.GetProfile(id)
	if err != nil {
		return nil, err
	}
	if p.Commands, err = s.ListCommands(id); err != nil {
		return nil, err
	}
	if p.FileRules, err = s.ListFileRules(id); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) checkProfileRefs(req models.BackupProfileRequest, enabled bool) error {
	var storageEnabled bool
	err := s.db.QueryRow(`SELECT enabled FROM storage_locations WHERE id = ?`, req.StorageLocationID).Scan(&storageEnabled)
	if err == sql.ErrNoRows {
		return fmt.Errorf("storage location %d: %w", req.StorageLocationID, ErrInvalidReference)
	}
	if err != nil {
		return err
	}
	if enabled && !storageEnabled {
		return fmt.Errorf("storage location %d: %w", req.StorageLocationID, ErrLocationDisabled)
	}
	return nil
}

// CreateProfile inserts a profile
func (s *Store) CreateProfile(req models.BackupProfileRequest) (*models.BackupProfile, error) {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if err := s.checkProfileRefs(req, enabled); err != nil {
		return nil, err
	}

	ts := now()
	res, err := s.db.Exec(`
		INSERT INTO backup_profiles (name, server_id, storage_location_id, naming_rule_id, schedule_cron,
			enabled, retention_count, run_timeout_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.Name, req.ServerID, req.StorageLocationID, req.NamingRuleID, req.ScheduleCron,
		enabled, req.RetentionCount, req.RunTimeoutSeconds, ts, ts)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("backup profile references: %w", ErrInvalidReference)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetProfile(id)
}

// UpdateProfile updates a profile's own fields
func (s *Store) UpdateProfile(id int64, req models.BackupProfileRequest) (*models.BackupProfile, error) {
	current, err := s.GetProfile(id)
	if err != nil {
		return nil, err
	}
	enabled := current.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if err := s.checkProfileRefs(req, enabled); err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		UPDATE backup_profiles
		SET name = ?, server_id = ?, storage_location_id = ?, naming_rule_id = ?, schedule_cron = ?,
		    enabled = ?, retention_count = ?, run_timeout_seconds = ?, updated_at = ?
		WHERE id = ?
	`, req.Name, req.ServerID, req.StorageLocationID, req.NamingRuleID, req.ScheduleCron,
		enabled, req.RetentionCount, req.RunTimeoutSeconds, now(), id)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("backup profile references: %w", ErrInvalidReference)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return s.GetProfile(id)
}

// DeleteProfile removes a profile and its history
func (s *Store) DeleteProfile(id int64) error {
	res, err := s.db.Exec(`DELETE FROM backup_profiles WHERE id = ?`, id)
	return s.affected(res, err, "backup profile", id)
}

// DuplicateProfile copies a profile with its commands and file rules.
// The copy is named "<name> (Copy)" and starts disabled.
func (s *Store) DuplicateProfile(id int64) (*models.BackupProfile, error) {
	src, err := s.GetProfileDetail(id)
	if err != nil {
		return nil, err
	}

	var newID int64
	err = s.inTx(func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.Exec(`
			INSERT INTO backup_profiles (name, server_id, storage_location_id, naming_rule_id, schedule_cron,
				enabled, retention_count, run_timeout_seconds, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		`, src.Name+" (Copy)", src.ServerID, src.StorageLocationID, src.NamingRuleID, src.ScheduleCron,
			src.RetentionCount, src.RunTimeoutSeconds, ts, ts)
		if err != nil {
			return err
		}
		if newID, err = res.LastInsertId(); err != nil {
			return err
		}

		for _, c := range src.Commands {
			if _, err := tx.Exec(`
				INSERT INTO commands (backup_profile_id, command, working_directory, run_stage, run_order, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, newID, c.Command, c.WorkingDirectory, c.RunStage, c.RunOrder, ts); err != nil {
				return err
			}
		}
		for _, r := range src.FileRules {
			password, err := s.seal(r.CompressPassword)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT INTO file_rules (backup_profile_id, remote_path, recursive, compress, compress_format,
					compress_password_enc, exclude_pattern, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, newID, r.RemotePath, r.Recursive, r.Compress, r.CompressFormat, password, r.ExcludePattern, ts, ts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate profile: %w", err)
	}
	return s.GetProfileDetail(newID)
}

// ListCommands returns a profile's commands in execution order: by stage,
// then run_order, then insertion order
func (s *Store) ListCommands(profileID int64) ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, backup_profile_id, command, working_directory, run_stage, run_order, created_at
		FROM commands
		WHERE backup_profile_id = ?
		ORDER BY CASE run_stage WHEN 'pre' THEN 0 ELSE 1 END, run_order, id
	`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var c models.Command
		if err := rows.Scan(&c.ID, &c.ProfileID, &c.Command, &c.WorkingDirectory, &c.RunStage, &c.RunOrder, &c.CreatedAt); err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// GetCommand returns a command
func (s *Store) GetCommand(id int64) (*models.Command, error) {
	var c models.Command
	err := s.db.QueryRow(`
		SELECT id, backup_profile_id, command, working_directory, run_stage, run_order, created_at
		FROM commands WHERE id = ?
	`, id).Scan(&c.ID, &c.ProfileID, &c.Command, &c.WorkingDirectory, &c.RunStage, &c.RunOrder, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "command", id)
	}
	return &c, nil
}

// CreateCommand adds a command to a profile
func (s *Store) CreateCommand(profileID int64, req models.CommandRequest) (*models.Command, error) {
	res, err := s.db.Exec(`
		INSERT INTO commands (backup_profile_id, command, working_directory, run_stage, run_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, profileID, req.Command, req.WorkingDirectory, req.RunStage, req.RunOrder, now())
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("backup profile %d: %w", profileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create command: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetCommand(id)
}

// UpdateCommand updates a command
func (s *Store) UpdateCommand(id int64, req models.CommandRequest) (*models.Command, error) {
	res, err := s.db.Exec(`
		UPDATE commands SET command = ?, working_directory = ?, run_stage = ?, run_order = ? WHERE id = ?
	`, req.Command, req.WorkingDirectory, req.RunStage, req.RunOrder, id)
	if err := s.affected(res, err, "command", id); err != nil {
		return nil, err
	}
	return s.GetCommand(id)
}

// DeleteCommand removes a command
func (s *Store) DeleteCommand(id int64) error {
	res, err := s.db.Exec(`DELETE FROM commands WHERE id = ?`, id)
	return s.affected(res, err, "command", id)
}

const fileRuleColumns = `id, backup_profile_id, remote_path, recursive, compress, compress_format,
	compress_password_enc, exclude_pattern, created_at, updated_at`

func (s *Store) scanFileRule(row interface{ Scan(...any) error }) (*models.FileRule, error) {
	var (
		r        models.FileRule
		password string
	)
	if err := row.Scan(&r.ID, &r.ProfileID, &r.RemotePath, &r.Recursive, &r.Compress, &r.CompressFormat,
		&password, &r.ExcludePattern, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.CompressPassword, err = s.open(password); err != nil {
		return nil, err
	}
	r.HasPassword = r.CompressPassword != ""
	return &r, nil
}

// ListFileRules returns a profile's file rules
func (s *Store) ListFileRules(profileID int64) ([]models.FileRule, error) {
	rows, err := s.db.Query(`SELECT `+fileRuleColumns+` FROM file_rules WHERE backup_profile_id = ? ORDER BY id`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list file rules: %w", err)
	}
	defer rows.Close()

	var rules []models.FileRule
	for rows.Next() {
		r, err := s.scanFileRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// GetFileRule returns a file rule
func (s *Store) GetFileRule(id int64) (*models.FileRule, error) {
	r, err := s.scanFileRule(s.db.QueryRow(`SELECT `+fileRuleColumns+` FROM file_rules WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "file rule", id)
	}
	return r, nil
}

// fileRuleFromRequest applies the compression constraints. A password on a
// zip or uncompressed rule is cleared rather than rejected.
func fileRuleFromRequest(req models.FileRuleRequest) models.FileRule {
	rule := models.FileRule{
		RemotePath:       req.RemotePath,
		Recursive:        req.Recursive,
		Compress:         req.Compress,
		CompressFormat:   req.CompressFormat,
		CompressPassword: req.CompressPassword,
		ExcludePattern:   req.ExcludePattern,
	}
	rule.Normalize()
	return rule
}

// CreateFileRule adds a file rule to a profile
func (s *Store) CreateFileRule(profileID int64, req models.FileRuleRequest) (*models.FileRule, error) {
	rule := fileRuleFromRequest(req)
	password, err := s.seal(rule.CompressPassword)
	if err != nil {
		return nil, err
	}

	ts := now()
	res, err := s.db.Exec(`
		INSERT INTO file_rules (backup_profile_id, remote_path, recursive, compress, compress_format,
			compress_password_enc, exclude_pattern, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, profileID, rule.RemotePath, rule.Recursive, rule.Compress, rule.CompressFormat, password, rule.ExcludePattern, ts, ts)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("backup profile %d: %w", profileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create file rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetFileRule(id)
}

// UpdateFileRule updates a file rule. An empty password on a 7z rule keeps
// the stored one.
func (s *Store) UpdateFileRule(id int64, req models.FileRuleRequest) (*models.FileRule, error) {
	current, err := s.GetFileRule(id)
	if err != nil {
		return nil, err
	}
	if req.CompressPassword == "" {
		req.CompressPassword = current.CompressPassword
	}
	rule := fileRuleFromRequest(req)
	password, err := s.seal(rule.CompressPassword)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		UPDATE file_rules
		SET remote_path = ?, recursive = ?, compress = ?, compress_format = ?, compress_password_enc = ?,
		    exclude_pattern = ?, updated_at = ?
		WHERE id = ?
	`, rule.RemotePath, rule.Recursive, rule.Compress, rule.CompressFormat, password, rule.ExcludePattern, now(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update file rule: %w", err)
	}
	return s.GetFileRule(id)
}

// DeleteFileRule removes a file rule; files it produced keep a NULL rule id
func (s *Store) DeleteFileRule(id int64) error {
	res, err := s.db.Exec(`DELETE FROM file_rules WHERE id = ?`, id)
	return s.affected(res, err, "file rule", id)
}

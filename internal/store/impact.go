package store

import (
	"fmt"

	"github.com/backapp/backapp/internal/models"
)

// DeletionImpact counts what deleting the scoped entity would remove.
// It only reads, so repeated calls without writes in between agree.
func (s *Store) DeletionImpact(scope string, id int64) (*models.DeletionImpact, error) {
	impact := &models.DeletionImpact{Scope: scope, ID: id}

	var err error
	switch scope {
	case models.ScopeServer:
		err = s.profileScopedImpact(impact, "server_id = ?", id, "servers")
	case models.ScopeStorage:
		err = s.profileScopedImpact(impact, "storage_location_id = ?", id, "storage_locations")
	case models.ScopeProfile:
		err = s.profileScopedImpact(impact, "id = ?", id, "backup_profiles")
	case models.ScopeRun:
		err = s.runImpact(impact, id)
	case models.ScopeFile:
		err = s.fileImpact(impact, id)
	default:
		return nil, fmt.Errorf("unknown deletion scope %q", scope)
	}
	if err != nil {
		return nil, err
	}

	if impact.ActiveRuns > 0 {
		impact.Blocked = true
		impact.BlockedReason = fmt.Sprintf("%d backup run(s) in progress", impact.ActiveRuns)
	}
	return impact, nil
}

func (s *Store) exists(table string, id int64) error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", table, id, ErrNotFound)
	}
	return nil
}

// profileScopedImpact counts the profiles matching profileWhere and their
// dependents. Runs written to the location itself count too when the scope
// is a storage location, since their artifacts go with it.
func (s *Store) profileScopedImpact(impact *models.DeletionImpact, profileWhere string, id int64, table string) error {
	if err := s.exists(table, id); err != nil {
		return err
	}

	profiles := `SELECT id FROM backup_profiles WHERE ` + profileWhere
	runWhere := `backup_profile_id IN (` + profiles + `)`
	runArgs := []any{id}
	if table == "storage_locations" {
		runWhere = `(` + runWhere + ` OR storage_location_id = ?)`
		runArgs = append(runArgs, id)
	}

	args := []any{id, id, id}
	args = append(args, runArgs...)
	args = append(args, runArgs...)
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM backup_profiles WHERE `+profileWhere+`),
			(SELECT COUNT(*) FROM commands WHERE backup_profile_id IN (`+profiles+`)),
			(SELECT COUNT(*) FROM file_rules WHERE backup_profile_id IN (`+profiles+`)),
			(SELECT COUNT(*) FROM backup_runs WHERE `+runWhere+`),
			(SELECT COUNT(*) FROM backup_runs WHERE status IN ('pending', 'running') AND `+runWhere+`)
	`, args...).Scan(&impact.Profiles, &impact.Commands, &impact.FileRules, &impact.Runs, &impact.ActiveRuns)
	if err != nil {
		return fmt.Errorf("failed to compute deletion impact: %w", err)
	}

	return s.db.QueryRow(`
		SELECT COUNT(f.id), COALESCE(SUM(f.size_bytes), 0)
		FROM backup_files f
		WHERE f.deleted = 0 AND f.backup_run_id IN (SELECT id FROM backup_runs WHERE `+runWhere+`)
	`, runArgs...).Scan(&impact.Files, &impact.TotalSizeBytes)
}

func (s *Store) runImpact(impact *models.DeletionImpact, id int64) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	impact.Runs = 1
	if !run.IsTerminal() {
		impact.ActiveRuns = 1
	}
	return s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM backup_files WHERE backup_run_id = ? AND deleted = 0
	`, id).Scan(&impact.Files, &impact.TotalSizeBytes)
}

func (s *Store) fileImpact(impact *models.DeletionImpact, id int64) error {
	f, err := s.GetFile(id)
	if err != nil {
		return err
	}
	if !f.Deleted {
		impact.Files = 1
		impact.TotalSizeBytes = f.SizeBytes
	}
	return nil
}

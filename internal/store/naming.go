package store

import (
	"fmt"

	"github.com/backapp/backapp/internal/models"
)

// ListNamingRules returns all naming rules
func (s *Store) ListNamingRules() ([]models.NamingRule, error) {
	rows, err := s.db.Query(`SELECT id, name, pattern, created_at, updated_at FROM naming_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list naming rules: %w", err)
	}
	defer rows.Close()

	var rules []models.NamingRule
	for rows.Next() {
		var r models.NamingRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Pattern, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetNamingRule returns a naming rule
func (s *Store) GetNamingRule(id int64) (*models.NamingRule, error) {
	var r models.NamingRule
	err := s.db.QueryRow(`SELECT id, name, pattern, created_at, updated_at FROM naming_rules WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Pattern, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "naming rule", id)
	}
	return &r, nil
}

// CreateNamingRule inserts a naming rule
func (s *Store) CreateNamingRule(req models.NamingRuleRequest) (*models.NamingRule, error) {
	ts := now()
	res, err := s.db.Exec(`INSERT INTO naming_rules (name, pattern, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		req.Name, req.Pattern, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to create naming rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetNamingRule(id)
}

// UpdateNamingRule updates a naming rule
func (s *Store) UpdateNamingRule(id int64, req models.NamingRuleRequest) (*models.NamingRule, error) {
	res, err := s.db.Exec(`UPDATE naming_rules SET name = ?, pattern = ?, updated_at = ? WHERE id = ?`,
		req.Name, req.Pattern, now(), id)
	if err := s.affected(res, err, "naming rule", id); err != nil {
		return nil, err
	}
	return s.GetNamingRule(id)
}

// DeleteNamingRule removes a naming rule that no profile references
func (s *Store) DeleteNamingRule(id int64) error {
	var refs int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM backup_profiles WHERE naming_rule_id = ?`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("naming rule %d is used by %d profiles: %w", id, refs, ErrInUse)
	}
	res, err := s.db.Exec(`DELETE FROM naming_rules WHERE id = ?`, id)
	return s.affected(res, err, "naming rule", id)
}

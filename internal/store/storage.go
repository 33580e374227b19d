package store

import (
	"database/sql"
	"fmt"

	"github.com/backapp/backapp/internal/models"
)

const storageColumns = `id, name, type, base_path, address, port, username, password_enc,
	private_key_enc, bucket, region, endpoint, access_key, secret_key_enc, enabled, created_at, updated_at`

func (s *Store) scanStorage(row interface{ Scan(...any) error }) (*models.StorageLocation, error) {
	var (
		loc                          models.StorageLocation
		password, privateKey, secret string
	)
	if err := row.Scan(&loc.ID, &loc.Name, &loc.Type, &loc.BasePath, &loc.Address, &loc.Port,
		&loc.Username, &password, &privateKey, &loc.Bucket, &loc.Region, &loc.Endpoint,
		&loc.AccessKey, &secret, &loc.Enabled, &loc.CreatedAt, &loc.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if loc.Password, err = s.open(password); err != nil {
		return nil, err
	}
	if loc.PrivateKey, err = s.open(privateKey); err != nil {
		return nil, err
	}
	if loc.SecretKey, err = s.open(secret); err != nil {
		return nil, err
	}
	loc.HasPassword = loc.Password != ""
	loc.HasPrivateKey = loc.PrivateKey != ""
	loc.HasSecretKey = loc.SecretKey != ""
	return &loc, nil
}

// ListStorageLocations returns every storage location
func (s *Store) ListStorageLocations() ([]models.StorageLocation, error) {
	rows, err := s.db.Query(`SELECT ` + storageColumns + ` FROM storage_locations ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage locations: %w", err)
	}
	defer rows.Close()

	var locations []models.StorageLocation
	for rows.Next() {
		loc, err := s.scanStorage(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, *loc)
	}
	return locations, rows.Err()
}

// GetStorageLocation returns a storage location with decrypted credentials
func (s *Store) GetStorageLocation(id int64) (*models.StorageLocation, error) {
	loc, err := s.scanStorage(s.db.QueryRow(`SELECT `+storageColumns+` FROM storage_locations WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "storage location", id)
	}
	return loc, nil
}

// CreateStorageLocation inserts a storage location
func (s *Store) CreateStorageLocation(req models.StorageLocationRequest) (*models.StorageLocation, error) {
	password, err := s.seal(req.Password)
	if err != nil {
		return nil, err
	}
	privateKey, err := s.seal(req.PrivateKey)
	if err != nil {
		return nil, err
	}
	secret, err := s.seal(req.SecretKey)
	if err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	ts := now()
	res, err := s.db.Exec(`
		INSERT INTO storage_locations (name, type, base_path, address, port, username, password_enc,
			private_key_enc, bucket, region, endpoint, access_key, secret_key_enc, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.Name, req.Type, req.BasePath, req.Address, req.Port, req.Username, password, privateKey,
		req.Bucket, req.Region, req.Endpoint, req.AccessKey, secret, enabled, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage location: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetStorageLocation(id)
}

// UpdateStorageLocation updates connection settings and the base path.
// The enabled flag is changed through SetStorageEnabled so the profile
// cascade always runs.
func (s *Store) UpdateStorageLocation(id int64, req models.StorageLocationRequest) (*models.StorageLocation, error) {
	var passwordEnc, keyEnc, secretEnc string
	if err := s.db.QueryRow(`SELECT password_enc, private_key_enc, secret_key_enc FROM storage_locations WHERE id = ?`, id).
		Scan(&passwordEnc, &keyEnc, &secretEnc); err != nil {
		return nil, notFound(err, "storage location", id)
	}

	password, err := s.keepOrSeal(req.Password, passwordEnc)
	if err != nil {
		return nil, err
	}
	privateKey, err := s.keepOrSeal(req.PrivateKey, keyEnc)
	if err != nil {
		return nil, err
	}
	secret, err := s.keepOrSeal(req.SecretKey, secretEnc)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		UPDATE storage_locations
		SET name = ?, type = ?, base_path = ?, address = ?, port = ?, username = ?, password_enc = ?,
		    private_key_enc = ?, bucket = ?, region = ?, endpoint = ?, access_key = ?, secret_key_enc = ?, updated_at = ?
		WHERE id = ?
	`, req.Name, req.Type, req.BasePath, req.Address, req.Port, req.Username, password, privateKey,
		req.Bucket, req.Region, req.Endpoint, req.AccessKey, secret, now(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update storage location: %w", err)
	}
	return s.GetStorageLocation(id)
}

// SetStorageEnabled toggles a location. Disabling also disables every
// profile targeting it; the IDs of those profiles are returned.
func (s *Store) SetStorageEnabled(id int64, enabled bool) ([]int64, error) {
	var affected []int64
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE storage_locations SET enabled = ?, updated_at = ? WHERE id = ?`, enabled, now(), id)
		if err := s.affected(res, err, "storage location", id); err != nil {
			return err
		}
		if enabled {
			return nil
		}

		rows, err := tx.Query(`SELECT id FROM backup_profiles WHERE storage_location_id = ? AND enabled = 1`, id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var pid int64
			if err := rows.Scan(&pid); err != nil {
				rows.Close()
				return err
			}
			affected = append(affected, pid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.Exec(`UPDATE backup_profiles SET enabled = 0, updated_at = ? WHERE storage_location_id = ?`, now(), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// SetStorageBasePath records a new base path after a move
func (s *Store) SetStorageBasePath(id int64, basePath string) error {
	res, err := s.db.Exec(`UPDATE storage_locations SET base_path = ?, updated_at = ? WHERE id = ?`, basePath, now(), id)
	return s.affected(res, err, "storage location", id)
}

// DeleteStorageLocation removes a location and, by cascade, its profiles
func (s *Store) DeleteStorageLocation(id int64) error {
	res, err := s.db.Exec(`DELETE FROM storage_locations WHERE id = ?`, id)
	return s.affected(res, err, "storage location", id)
}

// StorageBackupTotals counts live artifacts written to a location
func (s *Store) StorageBackupTotals(id int64) (count int64, size int64, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(f.id), COALESCE(SUM(f.size_bytes), 0)
		FROM backup_files f
		JOIN backup_runs r ON r.id = f.backup_run_id
		WHERE r.storage_location_id = ? AND f.deleted = 0
	`, id).Scan(&count, &size)
	return count, size, err
}

// ListStorageFiles returns live artifacts written to a location, whichever
// location their profile points at now
func (s *Store) ListStorageFiles(id int64) ([]models.BackupFile, error) {
	rows, err := s.db.Query(`
		SELECT `+fileColumnsPrefixed+`
		FROM backup_files f
		JOIN backup_runs r ON r.id = f.backup_run_id
		WHERE r.storage_location_id = ? AND f.deleted = 0
		ORDER BY f.id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage files: %w", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

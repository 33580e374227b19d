package store

import (
	"database/sql"
	"fmt"

	"github.com/backapp/backapp/internal/models"
)

const serverColumns = `id, name, connection_type, host, port, username, auth_type,
	password_enc, private_key_enc, created_at, updated_at`

func (s *Store) scanServer(row interface{ Scan(...any) error }) (*models.Server, error) {
	var (
		srv        models.Server
		password   string
		privateKey string
	)
	if err := row.Scan(&srv.ID, &srv.Name, &srv.ConnectionType, &srv.Host, &srv.Port,
		&srv.Username, &srv.AuthType, &password, &privateKey, &srv.CreatedAt, &srv.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if srv.Password, err = s.open(password); err != nil {
		return nil, err
	}
	if srv.PrivateKey, err = s.open(privateKey); err != nil {
		return nil, err
	}
	srv.HasPassword = srv.Password != ""
	srv.HasPrivateKey = srv.PrivateKey != ""
	return &srv, nil
}

// ListServers returns all servers
func (s *Store) ListServers() ([]models.Server, error) {
	rows, err := s.db.Query(`SELECT ` + serverColumns + ` FROM servers ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []models.Server
	for rows.Next() {
		srv, err := s.scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

// GetServer returns a server with decrypted credentials
func (s *Store) GetServer(id int64) (*models.Server, error) {
	srv, err := s.scanServer(s.db.QueryRow(`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "server", id)
	}
	return srv, nil
}

func applyServerDefaults(req *models.ServerRequest) {
	if req.ConnectionType == "" {
		req.ConnectionType = models.ConnectionSSH
	}
	if req.AuthType == "" {
		req.AuthType = models.AuthPassword
	}
	if req.Port == 0 {
		req.Port = 22
	}
}

// CreateServer inserts a server
func (s *Store) CreateServer(req models.ServerRequest) (*models.Server, error) {
	applyServerDefaults(&req)

	password, err := s.seal(req.Password)
	if err != nil {
		return nil, err
	}
	privateKey, err := s.seal(req.PrivateKey)
	if err != nil {
		return nil, err
	}

	ts := now()
	res, err := s.db.Exec(`
		INSERT INTO servers (name, connection_type, host, port, username, auth_type, password_enc, private_key_enc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.Name, req.ConnectionType, req.Host, req.Port, req.Username, req.AuthType, password, privateKey, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetServer(id)
}

// UpdateServer updates a server. Empty secrets keep their stored values.
func (s *Store) UpdateServer(id int64, req models.ServerRequest) (*models.Server, error) {
	applyServerDefaults(&req)

	var passwordEnc, keyEnc string
	if err := s.db.QueryRow(`SELECT password_enc, private_key_enc FROM servers WHERE id = ?`, id).Scan(&passwordEnc, &keyEnc); err != nil {
		return nil, notFound(err, "server", id)
	}

	password, err := s.keepOrSeal(req.Password, passwordEnc)
	if err != nil {
		return nil, err
	}
	privateKey, err := s.keepOrSeal(req.PrivateKey, keyEnc)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		UPDATE servers
		SET name = ?, connection_type = ?, host = ?, port = ?, username = ?, auth_type = ?,
		    password_enc = ?, private_key_enc = ?, updated_at = ?
		WHERE id = ?
	`, req.Name, req.ConnectionType, req.Host, req.Port, req.Username, req.AuthType, password, privateKey, now(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update server: %w", err)
	}
	return s.GetServer(id)
}

// DeleteServer removes a server and, by cascade, its profiles and their history
func (s *Store) DeleteServer(id int64) error {
	res, err := s.db.Exec(`DELETE FROM servers WHERE id = ?`, id)
	return s.affected(res, err, "server", id)
}

// ServerExists reports whether a server row exists
func (s *Store) ServerExists(id int64) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM servers WHERE id = ?`, id).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	return n > 0, nil
}

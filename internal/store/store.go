// Package store holds the SQL repositories for backup configuration and history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/backapp/backapp/internal/crypto"
	"github.com/backapp/backapp/internal/database"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrInUse is returned when a row is still referenced
	ErrInUse = errors.New("still in use")
	// ErrActiveRun is returned when a profile already has an active run
	ErrActiveRun = errors.New("profile already has an active run")
	// ErrInvalidReference is returned when a foreign key points nowhere
	ErrInvalidReference = errors.New("invalid reference")
	// ErrLocationDisabled is returned when enabling a profile whose storage location is disabled
	ErrLocationDisabled = errors.New("storage location is disabled")
)

// Store provides CRUD over the backup schema. Secrets are sealed with the
// encryption manager before they reach the database.
type Store struct {
	db     *database.DB
	crypto *crypto.EncryptionManager
}

// New creates a store
func New(db *database.DB, enc *crypto.EncryptionManager) *Store {
	return &Store{db: db, crypto: enc}
}

// DB exposes the underlying connection
func (s *Store) DB() *database.DB {
	return s.db
}

func (s *Store) seal(secret string) (string, error) {
	sealed, err := s.crypto.Seal(secret)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt secret: %w", err)
	}
	return sealed, nil
}

func (s *Store) open(sealed string) (string, error) {
	plain, err := s.crypto.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return plain, nil
}

// keepOrSeal returns the sealed form of secret, or existing when secret is empty
func (s *Store) keepOrSeal(secret, existing string) (string, error) {
	if secret == "" {
		return existing, nil
	}
	return s.seal(secret)
}

func now() time.Time {
	return time.Now().UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) affected(res sql.Result, err error, what string, id int64) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	return s.db.InTx(context.Background(), fn)
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

const (
	// keyVersion tags sealed values so a later key rotation can tell them apart
	keyVersion = "v1"

	// sealedPrefix marks column values produced by Seal.
	sealedPrefix = "enc:" + keyVersion + ":"
)

// ErrNotSealed is returned by Open for values that were not produced by Seal.
var ErrNotSealed = errors.New("value is not sealed")

// EncryptionManager handles AES-256 encryption/decryption of secrets at rest
type EncryptionManager struct {
	key []byte
}

// NewEncryptionManager creates a manager keyed from the ENCRYPTION_KEY environment variable
func NewEncryptionManager() (*EncryptionManager, error) {
	keyStr := os.Getenv("ENCRYPTION_KEY")
	if keyStr == "" {
		key, err := generateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		log.Printf("[Crypto] WARNING: no ENCRYPTION_KEY set, generated an in-memory key; stored secrets will not survive a restart")
		return &EncryptionManager{key: key}, nil
	}
	return NewEncryptionManagerFromKey(keyStr)
}

// NewEncryptionManagerFromKey creates a manager from a base64 encoded key.
// Keys that are not 32 bytes are stretched with SHA-256.
func NewEncryptionManagerFromKey(keyStr string) (*EncryptionManager, error) {
	decoded, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("invalid ENCRYPTION_KEY format (must be base64): %w", err)
	}

	key := decoded
	if len(decoded) != 32 {
		hash := sha256.Sum256(decoded)
		key = hash[:]
	}

	return &EncryptionManager{key: key}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM
func (em *EncryptionManager) Encrypt(plaintext string) ([]byte, error) {
	aesGCM, err := em.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesGCM.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt decrypts ciphertext using AES-256-GCM
func (em *EncryptionManager) Decrypt(ciphertext []byte) (string, error) {
	aesGCM, err := em.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// Seal encrypts a secret into a text form suitable for a TEXT column.
// Empty secrets stay empty so "not set" survives a round trip.
func (em *EncryptionManager) Seal(secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	ciphertext, err := em.Encrypt(secret)
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal.
func (em *EncryptionManager) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrNotSealed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	return em.Decrypt(raw)
}

func (em *EncryptionManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(em.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// GenerateKeyString returns a new random key in the base64 form
// ENCRYPTION_KEY expects
func GenerateKeyString() (string, error) {
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// generateKey generates a random 32-byte key for AES-256
func generateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

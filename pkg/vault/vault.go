// Package vault manages the AES-256-GCM encryption keys used by pkg/codec
// to seal page contents at rest. Keys are derived per storage instance and
// persisted under a vault-keys/ directory, so reopening the same storage
// directory recovers the same key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const keyFileMode = 0o600

// Vault seals and opens byte payloads with AES-256-GCM, using a key
// derived from a storage instance's id and a random salt persisted
// alongside it.
type Vault struct {
	key []byte // 32 bytes
}

// Open loads (or creates, on first use) the vault key for storageID under
// dir/vault-keys/<storage_id>.key.
func Open(dir string, storageID uint64) (*Vault, error) {
	keyDir := filepath.Join(dir, "vault-keys")
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating vault-keys directory: %w", err)
	}

	path := filepath.Join(keyDir, fmt.Sprintf("%d.key", storageID))

	salt, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading vault key %s: %w", path, err)
		}
		salt = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("generating vault salt: %w", err)
		}
		if err := os.WriteFile(path, salt, keyFileMode); err != nil {
			return nil, fmt.Errorf("writing vault key %s: %w", path, err)
		}
	}

	key := deriveKey(storageID, salt)
	return &Vault{key: key}, nil
}

// NewFromKey builds a Vault from an already-derived 32-byte key, primarily
// for tests.
func NewFromKey(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	cp := make([]byte, 32)
	copy(cp, key)
	return &Vault{key: cp}, nil
}

func deriveKey(storageID uint64, salt []byte) []byte {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], storageID)
	h := sha256.New()
	h.Write(idBytes[:])
	h.Write(salt)
	return h.Sum(nil)
}

// Seal encrypts plaintext, returning ciphertext with the GCM nonce
// prepended.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal.
func (v *Vault) Open(ciphertext []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return plaintext, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

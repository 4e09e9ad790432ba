package storage

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// argon2 parameters for password hashing. Fixed rather than configurable:
// this is an embedded single-process database, not a multi-tenant web
// service balancing hash cost against login-endpoint latency.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// hashPassword derives an argon2id key from password under a fresh random
// salt, returning salt||hash as the value persisted in a User record.
func hashPassword(password string) ([]byte, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating password salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return append(salt, hash...), nil
}

// verifyPassword reports whether password hashes to the salt||hash value
// produced by hashPassword.
func verifyPassword(stored []byte, password string) bool {
	if len(stored) != argon2SaltLen+argon2KeyLen {
		return false
	}
	salt, want := stored[:argon2SaltLen], stored[argon2SaltLen:]
	got := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

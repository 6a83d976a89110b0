// Package auth generates worker keys and verifies them against a stored
// Argon2id hash.
//
// A worker presents its key in the X-Worker-Key header when it dials the
// router. The router only ever holds the PHC-encoded hash
// (SIM_WORKER_KEY_HASH); the plaintext is printed once by `simrouter setup`.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// PrefixWorker marks a worker key.
const PrefixWorker = "wrk_"

// HeaderWorkerKey carries the worker key on the /sim upgrade request.
const HeaderWorkerKey = "X-Worker-Key"

// GeneratedKey is a fresh key and its hash. Only Hash should be stored.
type GeneratedKey struct {
	Key  string
	Hash string
}

// GenerateWorkerKey creates a random worker key (wrk_ + 43 base64url chars)
// and hashes it.
func GenerateWorkerKey() (*GeneratedKey, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	key := PrefixWorker + base64.RawURLEncoding.EncodeToString(secret)

	hash, err := HashKey(key)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}
	return &GeneratedKey{Key: key, Hash: hash}, nil
}

// ValidateKeyPrefix rejects keys that are not worker keys.
func ValidateKeyPrefix(key string) error {
	if !strings.HasPrefix(key, PrefixWorker) || len(key) == len(PrefixWorker) {
		return fmt.Errorf("malformed key: must start with %q", PrefixWorker)
	}
	return nil
}

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new hashes: 64 MiB, 3 passes, 4 lanes.
const (
	argon2Memory      = 64 * 1024 // KiB
	argon2Iterations  = 3
	argon2Parallelism = 4
	argon2KeyLength   = 32
	argon2SaltLength  = 16
)

// ErrNotConfigured is returned by a Verifier built without a hash.
var ErrNotConfigured = errors.New("worker key not configured")

// HashKey hashes key with Argon2id and a random salt, encoded as
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
func HashKey(key string) (string, error) {
	salt := make([]byte, argon2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	sum := argon2.IDKey([]byte(key), salt, argon2Iterations, argon2Memory, argon2Parallelism, argon2KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Iterations, argon2Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifyKey reports whether key matches the PHC-encoded hash. The digest
// comparison is constant-time.
func VerifyKey(key, encoded string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, fmt.Errorf("parsing hash: %w", err)
	}
	sum := argon2.IDKey([]byte(key), h.salt, h.iterations, h.memory, h.parallelism, uint32(len(h.sum)))
	return subtle.ConstantTimeCompare(sum, h.sum) == 1, nil
}

type phcHash struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	sum         []byte
}

func parsePHC(encoded string) (phcHash, error) {
	var h phcHash

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, sum
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return h, fmt.Errorf("invalid PHC format: expected 6 fields, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return h, fmt.Errorf("unsupported algorithm %q", parts[1])
	}
	if n, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.iterations, &h.parallelism); err != nil || n != 3 {
		return h, fmt.Errorf("invalid parameters %q", parts[3])
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return h, fmt.Errorf("decoding salt: %w", err)
	}
	if h.sum, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return h, fmt.Errorf("decoding hash: %w", err)
	}
	return h, nil
}

// Verifier checks worker keys against one configured hash and remembers
// results for a TTL, so reconnect storms do not pay the Argon2 cost for
// every dial.
type Verifier struct {
	hash string
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// NewVerifier returns a verifier for hash. An empty hash disables
// authentication; see Enabled.
func NewVerifier(hash string, ttl time.Duration) *Verifier {
	return &Verifier{
		hash:  hash,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Enabled reports whether a hash is configured.
func (v *Verifier) Enabled() bool {
	return v.hash != ""
}

// VerifyWorkerKey checks key against the configured hash. Both outcomes are
// cached.
func (v *Verifier) VerifyWorkerKey(key string) (bool, error) {
	if v.hash == "" {
		return false, ErrNotConfigured
	}

	v.mu.RLock()
	e, ok := v.cache[key]
	v.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.valid, nil
	}

	valid, err := VerifyKey(key, v.hash)
	if err != nil {
		return false, err
	}

	v.mu.Lock()
	v.cache[key] = cacheEntry{valid: valid, expiresAt: time.Now().Add(v.ttl)}
	v.mu.Unlock()
	return valid, nil
}

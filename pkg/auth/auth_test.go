package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateWorkerKey(t *testing.T) {
	gen, err := GenerateWorkerKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(gen.Key, PrefixWorker) {
		t.Errorf("key should start with %q, got %q", PrefixWorker, gen.Key[:8])
	}
	if len(gen.Key) != len(PrefixWorker)+43 {
		t.Errorf("key length = %d, want %d", len(gen.Key), len(PrefixWorker)+43)
	}
	if !strings.HasPrefix(gen.Hash, "$argon2id$v=19$m=65536,t=3,p=4$") {
		t.Errorf("hash should be PHC format, got %q", gen.Hash)
	}

	other, err := GenerateWorkerKey()
	if err != nil {
		t.Fatalf("second key: %v", err)
	}
	if gen.Key == other.Key || gen.Hash == other.Hash {
		t.Error("two generated keys should differ")
	}
}

func TestValidateKeyPrefix(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"wrk_abc", false},
		{"wrk_", true},
		{"adm_abc", true},
		{"", true},
		{"WRK_abc", true},
	}
	for _, tt := range tests {
		err := ValidateKeyPrefix(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateKeyPrefix(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
	}
}

func TestHashAndVerify(t *testing.T) {
	hash, err := HashKey("wrk_secret")
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}

	ok, err := VerifyKey("wrk_secret", hash)
	if err != nil || !ok {
		t.Fatalf("correct key: ok=%v err=%v", ok, err)
	}
	ok, err = VerifyKey("wrk_other", hash)
	if err != nil || ok {
		t.Fatalf("wrong key: ok=%v err=%v", ok, err)
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	for _, h := range []string{
		"",
		"not-a-hash",
		"$bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$garbage$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=4$!!!$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$!!!",
	} {
		if _, err := VerifyKey("wrk_x", h); err == nil {
			t.Errorf("VerifyKey with %q should fail", h)
		}
	}
}

func TestVerifier(t *testing.T) {
	gen, err := GenerateWorkerKey()
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	v := NewVerifier(gen.Hash, 5*time.Minute)
	if !v.Enabled() {
		t.Fatal("verifier with a hash should be enabled")
	}

	ok, err := v.VerifyWorkerKey(gen.Key)
	if err != nil || !ok {
		t.Fatalf("correct key: ok=%v err=%v", ok, err)
	}
	ok, err = v.VerifyWorkerKey("wrk_wrong")
	if err != nil || ok {
		t.Fatalf("wrong key: ok=%v err=%v", ok, err)
	}

	if len(v.cache) != 2 {
		t.Errorf("cache size = %d, want 2 (both outcomes cached)", len(v.cache))
	}
}

func TestVerifier_CachedResultUsedUntilExpiry(t *testing.T) {
	gen, err := GenerateWorkerKey()
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	v := NewVerifier(gen.Hash, time.Hour)

	// A planted entry wins over the real hash while it is fresh.
	v.cache["wrk_planted"] = cacheEntry{valid: true, expiresAt: time.Now().Add(time.Hour)}
	if ok, _ := v.VerifyWorkerKey("wrk_planted"); !ok {
		t.Error("fresh cache entry should be used")
	}

	v.cache["wrk_planted"] = cacheEntry{valid: true, expiresAt: time.Now().Add(-time.Second)}
	if ok, _ := v.VerifyWorkerKey("wrk_planted"); ok {
		t.Error("expired cache entry should be re-verified")
	}
}

func TestVerifier_Disabled(t *testing.T) {
	v := NewVerifier("", time.Minute)
	if v.Enabled() {
		t.Fatal("verifier without hash should be disabled")
	}
	if _, err := v.VerifyWorkerKey("wrk_anything"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

package secrets

import (
	"strings"
	"testing"
	"time"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	payload := []byte(`{"event":"decision.saved","data":{"decision_id":"d1"}}`)
	secret := "ohsec_test"
	now := time.Unix(1700000000, 0)

	token := Sign(payload, secret, now)

	if !strings.HasPrefix(token, "t=1700000000,v1=") {
		t.Fatalf("unexpected token format: %s", token)
	}

	if err := VerifyAt(payload, token, secret, DefaultTolerance, now); err != nil {
		t.Fatalf("fresh signature should verify: %v", err)
	}
}

func TestVerify_ReplayRejected(t *testing.T) {
	payload := []byte(`{"order_id":"abc"}`)
	secret := "ohsec_replay"
	signedAt := time.Unix(1700000000, 0)
	tolerance := 300 * time.Second

	token := Sign(payload, secret, signedAt)

	// Within the window the digest verifies.
	if err := VerifyAt(payload, token, secret, tolerance, signedAt.Add(tolerance)); err != nil {
		t.Fatalf("signature at tolerance boundary should verify: %v", err)
	}

	// One second past the window it must fail even though the digest is
	// mathematically correct.
	err := VerifyAt(payload, token, secret, tolerance, signedAt.Add(tolerance+time.Second))
	if err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	// Future-dated tokens are rejected the same way.
	err = VerifyAt(payload, token, secret, tolerance, signedAt.Add(-(tolerance + time.Second)))
	if err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid for future timestamp, got %v", err)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	secret := "ohsec_tamper"
	now := time.Now()

	token := Sign([]byte(`{"a":1}`), secret, now)

	if err := VerifyAt([]byte(`{"a":2}`), token, secret, DefaultTolerance, now); err != ErrSignatureInvalid {
		t.Fatalf("tampered payload should fail: %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	payload := []byte(`{"a":1}`)
	now := time.Now()

	token := Sign(payload, "ohsec_right", now)

	if err := VerifyAt(payload, token, "ohsec_wrong", DefaultTolerance, now); err != ErrSignatureInvalid {
		t.Fatalf("wrong secret should fail: %v", err)
	}
}

func TestVerify_MalformedTokens(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()

	for _, token := range []string{
		"",
		"garbage",
		"t=notanumber,v1=abcd",
		"t=1700000000",
		"v1=abcd",
		"t=,v1=",
	} {
		if err := VerifyAt(payload, token, "s", DefaultTolerance, now); err != ErrSignatureInvalid {
			t.Errorf("token %q: expected ErrSignatureInvalid, got %v", token, err)
		}
	}
}

func TestEngine_EncryptDecryptSecret(t *testing.T) {
	eng := testEngine(t)

	secret, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(secret, "ohsec_") {
		t.Fatalf("unexpected secret format: %s", secret)
	}

	ct, last4, err := eng.EncryptSecret(secret, "tenant-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if last4 != secret[len(secret)-4:] {
		t.Errorf("display suffix = %q, want last 4 of secret", last4)
	}
	if strings.Contains(ct, secret) {
		t.Error("ciphertext must not embed the plaintext")
	}

	plain, err := eng.DecryptSecret(ct, "tenant-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if plain != secret {
		t.Error("round-trip mismatch")
	}
}

func TestEngine_TenantIsolation(t *testing.T) {
	eng := testEngine(t)

	ct, _, err := eng.EncryptSecret("ohsec_isolated", "tenant-a", 1)
	if err != nil {
		t.Fatal(err)
	}

	// Another tenant's derived key must not open the ciphertext.
	if _, err := eng.DecryptSecret(ct, "tenant-b", 1); err == nil {
		t.Fatal("cross-tenant decryption should fail")
	}

	// A bumped key version must not open ciphertext from the old version.
	if _, err := eng.DecryptSecret(ct, "tenant-a", 2); err == nil {
		t.Fatal("decryption across key versions should fail")
	}
}

func TestEngine_KeyDerivationIsStable(t *testing.T) {
	eng := testEngine(t)

	k1, err := eng.TenantKey("tenant-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := eng.TenantKey("tenant-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(k1) != string(k2) {
		t.Error("derivation must be deterministic")
	}

	kb, _ := eng.TenantKey("tenant-b", 1)
	if string(k1) == string(kb) {
		t.Error("tenants must get distinct keys")
	}

	kv2, _ := eng.TenantKey("tenant-a", 2)
	if string(k1) == string(kv2) {
		t.Error("key versions must derive distinct keys")
	}
}

func TestNewEngine_RejectsBadMasterKey(t *testing.T) {
	if _, err := NewEngine("abcd"); err == nil {
		t.Error("short master key should be rejected")
	}
	if _, err := NewEngine("not hex at all"); err == nil {
		t.Error("non-hex master key should be rejected")
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

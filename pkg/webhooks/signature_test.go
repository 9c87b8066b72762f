package webhooks

import (
	"testing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"event":"scan.completed","data":{"target":"web-01"}}`),
		[]byte(`{}`),
		[]byte(`{"unicode":"über"}`),
	}
	secrets := []string{"test-secret", "another-secret-key"}

	for _, payload := range payloads {
		for _, secret := range secrets {
			signature := Sign(payload, secret)
			if signature == "" {
				t.Fatal("Expected signature to be generated")
			}
			if !Verify(payload, signature, secret) {
				t.Errorf("Expected verification to succeed for payload %s", payload)
			}
		}
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	payload := []byte(`{"event":"finding.critical"}`)
	signature := Sign(payload, "correct-secret")

	if Verify(payload, signature, "wrong-secret") {
		t.Error("Expected verification to fail with wrong secret")
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	payload := []byte(`{"severity":"low"}`)
	signature := Sign(payload, "secret-key")

	tampered := []byte(`{"severity":"critical"}`)
	if Verify(tampered, signature, "secret-key") {
		t.Error("Expected verification to fail for tampered payload")
	}
}

func TestSign_Deterministic(t *testing.T) {
	payload := []byte(`{"a":1}`)
	first := Sign(payload, "secret-key")
	second := Sign(payload, "secret-key")

	if first != second {
		t.Errorf("Expected identical signatures, got %s and %s", first, second)
	}

	// Lowercase hex, 32 bytes of SHA-256 output.
	if len(first) != 64 {
		t.Errorf("Expected 64 hex characters, got %d", len(first))
	}
}

package dispatch

import "testing"

// TestSignVerifyRoundTrip: verify(body, "sha256="+hex(HMAC_SHA256(secret,
// body))) always holds, and never against a different body or secret.
func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"status":"CONFIRMED"}`)

	sig := sign(secret, body)
	if !Verify(secret, body, sig) {
		t.Fatalf("expected signature to verify")
	}

	if Verify(secret, []byte(`{"status":"EXPIRED"}`), sig) {
		t.Fatalf("signature should not verify against a different body")
	}

	if Verify([]byte("wrong-secret"), body, sig) {
		t.Fatalf("signature should not verify against a different secret")
	}
}

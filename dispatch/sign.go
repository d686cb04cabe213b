package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// sign computes the X-Wallet-API-Signature header value for body under
// secret: HMAC-SHA256, hex-encoded, prefixed "sha256=".
func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the expected HMAC-SHA256 signature for
// body under secret.
func Verify(secret, body []byte, sig string) bool {
	return hmac.Equal([]byte(sign(secret, body)), []byte(sig))
}

package worker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signature scheme: v1=<hex(HMAC-SHA256(secret, timestamp + "." + body))>.
// Binding the timestamp into the MAC lets subscribers reject replays of
// old requests; they are expected to discard timestamps older than a few
// minutes.
const signaturePrefix = "v1="

// Sign computes the signature header value for one delivery attempt.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time. Receivers use this
// to authenticate deliveries.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Headers attached to every outgoing delivery.
const (
	SignatureHeader = "X-Skiff-Signature"
	TimestampHeader = "X-Skiff-Timestamp"
	EventHeader     = "X-Skiff-Event"
)

// Sign computes the hex HMAC-SHA256 of the payload bytes concatenated with
// the timestamp. Receivers recompute it with their shared secret to verify
// both integrity and freshness.
func Sign(secret, payload []byte, timestamp string) string {
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	hasher.Write([]byte(timestamp))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Verify reports whether the provided signature matches the payload and
// timestamp in constant time.
func Verify(secret, payload []byte, timestamp, provided string) bool {
	expected := Sign(secret, payload, timestamp)
	return hmac.Equal([]byte(provided), []byte(expected))
}

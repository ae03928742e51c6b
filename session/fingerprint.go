package session

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintLen is the length of a hex-encoded fingerprint.
const FingerprintLen = sha256.Size * 2

// Fingerprint maps a raw session token to the only form of it that may be
// persisted: the hex-encoded SHA-256 digest. There is no salt or key; the
// same token always yields the same fingerprint so an inbound cookie can be
// looked up without the store ever holding the token itself.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ShortFingerprint truncates a fingerprint for log lines.
func ShortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

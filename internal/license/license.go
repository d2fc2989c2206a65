// Package license implements expire-key validation for the daemon.
// A key binds a project name to an absolute expiration timestamp:
//
//	key = hex( expiry_ms[8] || HMAC-SHA256(SHA-256(project), expiry_ms[8])[:16] )
//
// Decoding is a pure function; the daemon only ever verifies, it never
// mints keys at runtime.
package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

const (
	expiryLen = 8
	macLen    = 16
	keyLen    = expiryLen + macLen
)

// Decode extracts the expiration time from a key issued for project.
// Returns false for keys of the wrong shape, wrong project, or with a
// tampered timestamp.
func Decode(project, key string) (time.Time, bool) {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != keyLen {
		return time.Time{}, false
	}

	mac := sign(project, raw[:expiryLen])
	if !hmac.Equal(mac, raw[expiryLen:]) {
		return time.Time{}, false
	}

	ms := int64(binary.BigEndian.Uint64(raw[:expiryLen]))
	return time.UnixMilli(ms).UTC(), true
}

// IsValid reports whether key decodes for project and has not expired
// at the given instant.
func IsValid(project, key string, now time.Time) bool {
	expiry, ok := Decode(project, key)
	return ok && now.Before(expiry)
}

// Generate mints a key for project expiring at the given time.
// Used by operator tooling and tests.
func Generate(project string, expiry time.Time) string {
	raw := make([]byte, expiryLen, keyLen)
	binary.BigEndian.PutUint64(raw, uint64(expiry.UnixMilli()))
	raw = append(raw, sign(project, raw[:expiryLen])...)
	return hex.EncodeToString(raw)
}

func sign(project string, expiry []byte) []byte {
	secret := sha256.Sum256([]byte(project))
	h := hmac.New(sha256.New, secret[:])
	h.Write(expiry)
	return h.Sum(nil)[:macLen]
}

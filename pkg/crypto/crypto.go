package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// CodeAlphabet avoids the easily confused characters O/0 and I/1/l.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// fingerprintLen is the hex length kept from the device digest.
const fingerprintLen = 32

// GenerateRandomString produces a cryptographically random base64url string of n bytes.
func GenerateRandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateAlphanumericCode returns length characters drawn from CodeAlphabet.
// Rejection sampling keeps the distribution uniform.
func GenerateAlphanumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid code length %d", length)
	}
	const maxByte = 256 - (256 % len(CodeAlphabet))

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, CodeAlphabet[int(b)%len(CodeAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// GenerateUUIDCode returns a random v4 UUID in canonical form.
func GenerateUUIDCode() string {
	return uuid.NewString()
}

// GenerateToken returns a base64url token carrying n random bytes.
func GenerateToken(n int) (string, error) {
	return GenerateRandomString(n)
}

// DeviceFingerprint derives a stable device identifier from client supplied
// attributes. It is a convenience binding, not an authentication factor: every
// input is under the client's control.
func DeviceFingerprint(parts ...string) string {
	if strings.Join(parts, "") == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

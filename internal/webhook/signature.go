package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix is the scheme tag providers put in front of the hex digest.
const SignaturePrefix = "sha256="

// Sign computes the hex HMAC-SHA256 of body under secret, with the scheme
// prefix providers use in the signature header.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against the raw request body. The
// prefix is optional; comparison is constant time.
func Verify(secret, body []byte, signature string) bool {
	if len(secret) == 0 {
		return false
	}

	provided := strings.TrimSpace(signature)
	provided = strings.TrimPrefix(provided, SignaturePrefix)
	if provided == "" {
		return false
	}

	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}

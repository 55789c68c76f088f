// Package webhook receives delivery-status callbacks from the email
// provider and reconciles them into the send log.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// VerifySignature checks a provider webhook signature over the raw
// request body. The header carries one or more space-separated
// "v1,<base64-hmac>" entries; more than one appears during secret
// rotation. Any one matching signature accepts the request. Comparison
// is constant-time.
func VerifySignature(secret string, body []byte, signatureHeader string) bool {
	if signatureHeader == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, part := range strings.Fields(signatureHeader) {
		version, sig, found := strings.Cut(part, ",")
		if !found || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return true
		}
	}

	return false
}

// Sign computes the "v1,<base64-hmac>" signature for a body. Used by
// tests and by tooling that replays provider callbacks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

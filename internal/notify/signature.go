package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header names carried on webhook deliveries.
const (
	// SignatureHeader carries the HMAC-SHA256 signature of the raw payload.
	SignatureHeader = "X-Grapnel-Signature"

	// DeliveryHeader carries the monotonically increasing delivery ID, so
	// receivers can order and deduplicate deliveries.
	DeliveryHeader = "X-Grapnel-Delivery"
)

// Sign computes the webhook signature over the raw payload bytes with the
// subscriber's shared secret, in the form "sha256=<hex>".
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the payload under the
// given secret. Comparison is constant-time.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

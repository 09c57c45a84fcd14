package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Delivery headers. X-Signature covers the exact body bytes put on the
// wire; receivers must verify before parsing.
const (
	HeaderSignature = "X-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderWebhookID = "X-Webhook-Id"
	HeaderEventID   = "X-Event-Id"
)

// Sign computes the signature header value for a body: HMAC-SHA256 keyed by
// the webhook secret, hex encoded, prefixed with the algorithm.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the body in constant
// time.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

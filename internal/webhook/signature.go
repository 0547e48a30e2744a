package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenerateSignedPayload generates a signed webhook payload with HMAC-SHA256 signature
// Returns the JSON payload, signature header value, timestamp, and any error
func GenerateSignedPayload(secret string, event Event) (payload []byte, signature string, timestamp int64, err error) {
	payload, err = json.Marshal(event)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	timestamp = time.Now().Unix()
	signature = Sign(secret, event.EventKey, payload, timestamp)

	return payload, signature, timestamp, nil
}

// Sign computes the signature over "{timestamp}.{event_key}.{json_body}".
// This format allows receivers to verify:
//  1. The timestamp to prevent replay attacks
//  2. The event key for deduplication
//  3. The entire payload integrity
//
// Format of the returned value: "sha256=<hex_signature>"
func Sign(secret string, eventKey string, payload []byte, timestamp int64) string {
	signaturePayload := fmt.Sprintf("%d.%s.%s", timestamp, eventKey, string(payload))

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(signaturePayload))

	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature in constant time
func VerifySignature(secret string, eventKey string, payload []byte, timestamp int64, signature string) bool {
	expected := Sign(secret, eventKey, payload, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

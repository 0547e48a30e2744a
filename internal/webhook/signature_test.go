package webhook_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubprotocol/chain-relay/internal/webhook"
)

func testEvent(eventKey, eventType string) webhook.Event {
	return webhook.Event{
		EventKey:  eventKey,
		EventType: eventType,
		Payload:   json.RawMessage(`{"referrer":"0x1111111111111111111111111111111111111111","referee":"0x2222222222222222222222222222222222222222","amount":"5000000","plan_level":6}`),
		Timestamp: "2026-01-15T10:00:00.000Z",
	}
}

func TestGenerateSignedPayload(t *testing.T) {
	const secret = "test-secret-key"
	const eventKey = "0x50ea1fa66f1e1ad2ecedd0a2a48e4b2286a2b9b39f5b5c1c247b8116be2f1bc9:7"

	t.Run("generates valid payload and signature", func(t *testing.T) {
		event := testEvent(eventKey, "referral_paid")

		payload, signature, timestamp, err := webhook.GenerateSignedPayload(secret, event)
		require.NoError(t, err)

		// Payload is valid JSON carrying the delivery body fields
		var parsed webhook.Event
		err = json.Unmarshal(payload, &parsed)
		require.NoError(t, err)
		assert.Equal(t, event.EventKey, parsed.EventKey)
		assert.Equal(t, event.EventType, parsed.EventType)

		assert.Contains(t, signature, "sha256=")
		assert.Greater(t, len(signature), 7)

		now := time.Now().Unix()
		assert.GreaterOrEqual(t, now, timestamp)
		assert.Less(t, now-timestamp, int64(5))

		// Receiver-side verification
		signaturePayload := fmt.Sprintf("%d.%s.%s", timestamp, event.EventKey, string(payload))
		h := hmac.New(sha256.New, []byte(secret))
		h.Write([]byte(signaturePayload))
		expectedSignature := "sha256=" + hex.EncodeToString(h.Sum(nil))
		assert.Equal(t, expectedSignature, signature)
	})

	t.Run("different events produce different signatures", func(t *testing.T) {
		event1 := testEvent(eventKey, "referral_paid")
		event2 := testEvent(eventKey, "member_registered")

		_, signature1, _, err := webhook.GenerateSignedPayload(secret, event1)
		require.NoError(t, err)

		_, signature2, _, err := webhook.GenerateSignedPayload(secret, event2)
		require.NoError(t, err)

		assert.NotEqual(t, signature1, signature2)
	})

	t.Run("different secrets produce different signatures", func(t *testing.T) {
		event := testEvent(eventKey, "referral_paid")

		_, signature1, _, err := webhook.GenerateSignedPayload("secret1", event)
		require.NoError(t, err)

		_, signature2, _, err := webhook.GenerateSignedPayload("secret2", event)
		require.NoError(t, err)

		assert.NotEqual(t, signature1, signature2)
	})

	t.Run("signature includes event key to prevent replay", func(t *testing.T) {
		event1 := testEvent(eventKey, "referral_paid")
		event2 := testEvent("0x50ea1fa66f1e1ad2ecedd0a2a48e4b2286a2b9b39f5b5c1c247b8116be2f1bc9:8", "referral_paid")

		_, signature1, _, err := webhook.GenerateSignedPayload(secret, event1)
		require.NoError(t, err)

		_, signature2, _, err := webhook.GenerateSignedPayload(secret, event2)
		require.NoError(t, err)

		assert.NotEqual(t, signature1, signature2, "different event keys should produce different signatures")
	})

	t.Run("empty secret still produces valid signature", func(t *testing.T) {
		event := testEvent(eventKey, "referral_paid")

		payload, signature, timestamp, err := webhook.GenerateSignedPayload("", event)
		require.NoError(t, err)
		assert.NotEmpty(t, payload)
		assert.NotEmpty(t, signature)
		assert.NotZero(t, timestamp)
	})
}

func TestVerifySignature(t *testing.T) {
	const secret = "test-secret-key"
	event := testEvent("0xaa:0", "member_registered")

	payload, signature, timestamp, err := webhook.GenerateSignedPayload(secret, event)
	require.NoError(t, err)

	assert.True(t, webhook.VerifySignature(secret, event.EventKey, payload, timestamp, signature))
	assert.False(t, webhook.VerifySignature("wrong-secret", event.EventKey, payload, timestamp, signature))
	assert.False(t, webhook.VerifySignature(secret, event.EventKey, payload, timestamp+1, signature))
	assert.False(t, webhook.VerifySignature(secret, "0xbb:0", payload, timestamp, signature))
}

func TestMatchesFilter(t *testing.T) {
	assert.True(t, webhook.MatchesFilter("referral_paid", nil))
	assert.True(t, webhook.MatchesFilter("referral_paid", []string{"*"}))
	assert.True(t, webhook.MatchesFilter("referral_paid", []string{"member_registered", "referral_paid"}))
	assert.False(t, webhook.MatchesFilter("referral_paid", []string{"member_registered"}))
}

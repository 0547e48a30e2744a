package webhook

import (
	"encoding/json"

	"github.com/clubprotocol/chain-relay/internal/domain"
)

const (
	// EventTypeWildcard is a special filter that matches all event types
	EventTypeWildcard = "*"

	// SignatureHeader carries the HMAC-SHA256 signature of the request body
	SignatureHeader = "X-Relay-Signature"

	// TimestampHeader carries the Unix timestamp used in the signature
	TimestampHeader = "X-Relay-Timestamp"
)

// Event represents a webhook event to be delivered to an endpoint.
// EventKey lets receivers deduplicate redelivered events.
type Event struct {
	// EventKey is the natural identity of the event, "txHash:logIndex"
	EventKey string `json:"event_key"`
	// EventType is the type of event (e.g., "referral_paid")
	EventType string `json:"event_type"`
	// Payload contains the event-specific data
	Payload json.RawMessage `json:"payload"`
	// Timestamp is when the event was observed on-chain (RFC 3339)
	Timestamp string `json:"timestamp"`
}

// NewEvent builds the delivery body for a domain event
func NewEvent(e *domain.DomainEvent) Event {
	return Event{
		EventKey:  e.EventKey(),
		EventType: string(e.EventType),
		Payload:   e.Payload,
		Timestamp: e.ObservedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// DeliveryResult represents the result of a webhook delivery attempt
type DeliveryResult struct {
	// Success indicates whether the delivery was successful
	Success bool
	// StatusCode is the HTTP status code returned by the endpoint
	StatusCode int
	// Body is the response body (limited to 4KB)
	Body string
	// Error contains error details if delivery failed
	Error string
}

// MatchesFilter reports whether an event type passes an endpoint's filter
// list. An empty list or a "*" entry matches everything.
func MatchesFilter(eventType string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == EventTypeWildcard || f == eventType {
			return true
		}
	}
	return false
}

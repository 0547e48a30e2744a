package domain

import "errors"

var (
	// ErrSubscriptionFailed is returned when the contract log subscription fails
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrEventNotFound is returned when a domain event is not found
	ErrEventNotFound = errors.New("event not found")

	// ErrMemberNotFound is returned when a membership mirror row is not found
	ErrMemberNotFound = errors.New("member not found")

	// ErrEndpointNotFound is returned when a webhook endpoint is not found
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrReferralEdgeConflict is returned when an edge with a different
	// referrer already exists for the referee
	ErrReferralEdgeConflict = errors.New("referral edge conflict")

	// ErrInvalidPlanLevel is returned for plan levels outside the tier table
	ErrInvalidPlanLevel = errors.New("invalid plan level")

	// ErrInvalidAmount is returned for amounts that are not non-negative
	// base-10 integer strings
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidPayload is returned when an event payload fails validation
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrPayloadMismatch is returned when a payload is decoded as the wrong
	// event type
	ErrPayloadMismatch = errors.New("payload type mismatch")
)

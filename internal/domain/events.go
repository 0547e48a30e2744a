package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const EthereumZeroAddress = "0x0000000000000000000000000000000000000000"

// EventType represents the type of contract event
type EventType string

const (
	EventTypeMemberRegistered  EventType = "member_registered"
	EventTypeReferralPaid      EventType = "referral_paid"
	EventTypePlanUpgraded      EventType = "plan_upgraded"
	EventTypeMemberExited      EventType = "member_exited"
	EventTypeCycleStarted      EventType = "cycle_started"
	EventTypeEmergencyWithdraw EventType = "emergency_withdraw"
)

// IsValidEventType checks if an event type is one the pipeline understands
func IsValidEventType(t EventType) bool {
	switch t {
	case EventTypeMemberRegistered, EventTypeReferralPaid, EventTypePlanUpgraded,
		EventTypeMemberExited, EventTypeCycleStarted, EventTypeEmergencyWithdraw:
		return true
	}
	return false
}

// DomainEvent represents a normalized contract event.
// This is the standard format published to NATS.
type DomainEvent struct {
	EventType   EventType       `json:"event_type"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	LogIndex    uint            `json:"log_index"`
	ObservedAt  time.Time       `json:"observed_at"`
	Payload     json.RawMessage `json:"payload"`
}

// EventKey returns the natural identity of the event, "txHash:logIndex".
// Two observations of the same on-chain log always produce the same key.
func (e *DomainEvent) EventKey() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

func (e *DomainEvent) Valid() bool {
	if !IsValidEventType(e.EventType) {
		return false
	}
	if !validTxHash(e.TxHash) {
		return false
	}
	if len(e.Payload) == 0 {
		return false
	}
	return true
}

// MemberRegisteredPayload carries a new membership activation.
type MemberRegisteredPayload struct {
	Wallet   string `json:"wallet"`
	Referrer string `json:"referrer,omitempty"`
	PlanID   uint8  `json:"plan_id"`
}

// ReferralPaidPayload carries a referral payout. Amount is a base-10
// minor-unit integer string; RateBPS, when present, overrides the plan
// tier table.
type ReferralPaidPayload struct {
	Referrer  string  `json:"referrer"`
	Referee   string  `json:"referee"`
	Amount    string  `json:"amount"`
	PlanLevel uint8   `json:"plan_level"`
	RateBPS   *uint32 `json:"rate_bps,omitempty"`
}

// PlanUpgradedPayload carries a plan change for an existing member.
type PlanUpgradedPayload struct {
	Wallet    string `json:"wallet"`
	OldPlanID uint8  `json:"old_plan_id"`
	NewPlanID uint8  `json:"new_plan_id"`
}

// MemberExitedPayload carries a membership deactivation.
type MemberExitedPayload struct {
	Wallet string `json:"wallet"`
}

// CycleStartedPayload carries the start of a new earning cycle.
type CycleStartedPayload struct {
	Wallet      string `json:"wallet"`
	CycleNumber uint64 `json:"cycle_number"`
}

// EmergencyWithdrawPayload carries an emergency fund withdrawal.
type EmergencyWithdrawPayload struct {
	Wallet string `json:"wallet"`
	Amount string `json:"amount"`
}

// DecodeReferralPaid decodes and validates the payload of a referral_paid
// event. It rejects events of any other type.
func (e *DomainEvent) DecodeReferralPaid() (*ReferralPaidPayload, error) {
	if e.EventType != EventTypeReferralPaid {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrPayloadMismatch, EventTypeReferralPaid, e.EventType)
	}
	var p ReferralPaidPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode referral_paid payload: %w", err)
	}
	if !common.IsHexAddress(p.Referrer) || !common.IsHexAddress(p.Referee) {
		return nil, fmt.Errorf("%w: malformed address", ErrInvalidPayload)
	}
	if strings.EqualFold(p.Referrer, p.Referee) {
		return nil, fmt.Errorf("%w: self-referral", ErrInvalidPayload)
	}
	if _, err := ParseAmount(p.Amount); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeMemberRegistered decodes the payload of a member_registered event.
func (e *DomainEvent) DecodeMemberRegistered() (*MemberRegisteredPayload, error) {
	if e.EventType != EventTypeMemberRegistered {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrPayloadMismatch, EventTypeMemberRegistered, e.EventType)
	}
	var p MemberRegisteredPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode member_registered payload: %w", err)
	}
	if !common.IsHexAddress(p.Wallet) {
		return nil, fmt.Errorf("%w: malformed wallet address", ErrInvalidPayload)
	}
	return &p, nil
}

// ParseAmount parses a base-10 minor-unit amount string into a non-negative
// big integer. Amounts never travel as floats.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a base-10 integer", ErrInvalidAmount, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	return v, nil
}

// NormalizeAddress normalizes an address to its EIP-55 checksum form
func NormalizeAddress(address string) string {
	if common.IsHexAddress(address) {
		return common.HexToAddress(address).String()
	}
	return address
}

func validTxHash(h string) bool {
	if !strings.HasPrefix(h, "0x") || len(h) != 66 {
		return false
	}
	_, ok := new(big.Int).SetString(h[2:], 16)
	return ok
}

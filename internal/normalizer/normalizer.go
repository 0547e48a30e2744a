package normalizer

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/clubprotocol/chain-relay/internal/domain"
)

// Event signatures of the membership contract
var (
	// MemberRegistered(address indexed wallet, address indexed referrer, uint8 planId)
	memberRegisteredEventSignature = crypto.Keccak256Hash([]byte("MemberRegistered(address,address,uint8)"))

	// ReferralPaid(address indexed referrer, address indexed referee, uint256 amount, uint8 planLevel)
	referralPaidEventSignature = crypto.Keccak256Hash([]byte("ReferralPaid(address,address,uint256,uint8)"))

	// PlanUpgraded(address indexed wallet, uint8 oldPlanId, uint8 newPlanId)
	planUpgradedEventSignature = crypto.Keccak256Hash([]byte("PlanUpgraded(address,uint8,uint8)"))

	// MemberExited(address indexed wallet)
	memberExitedEventSignature = crypto.Keccak256Hash([]byte("MemberExited(address)"))

	// CycleStarted(address indexed wallet, uint256 cycleNumber)
	cycleStartedEventSignature = crypto.Keccak256Hash([]byte("CycleStarted(address,uint256)"))

	// EmergencyWithdraw(address indexed wallet, uint256 amount)
	emergencyWithdrawEventSignature = crypto.Keccak256Hash([]byte("EmergencyWithdraw(address,uint256)"))
)

// TopicFilter returns the topic0 set for subscribing to contract logs
func TopicFilter() []common.Hash {
	return []common.Hash{
		memberRegisteredEventSignature,
		referralPaidEventSignature,
		planUpgradedEventSignature,
		memberExitedEventSignature,
		cycleStartedEventSignature,
		emergencyWithdrawEventSignature,
	}
}

// Normalize converts a raw contract log into a domain event. It is a pure
// function of its inputs: the same log always yields the same event (up to
// observedAt). Unknown topic0 values return (nil, nil) so one foreign log
// never fails a batch.
func Normalize(vLog types.Log, observedAt time.Time) (*domain.DomainEvent, error) {
	if len(vLog.Topics) == 0 {
		return nil, nil
	}

	event := &domain.DomainEvent{
		TxHash:      vLog.TxHash.Hex(),
		BlockNumber: vLog.BlockNumber,
		LogIndex:    vLog.Index,
		ObservedAt:  observedAt.UTC(),
	}

	switch vLog.Topics[0] {
	case memberRegisteredEventSignature:
		if len(vLog.Topics) != 3 || len(vLog.Data) < 32 {
			return nil, fmt.Errorf("invalid MemberRegistered event: %d topics, %d data bytes", len(vLog.Topics), len(vLog.Data))
		}

		payload := domain.MemberRegisteredPayload{
			Wallet: common.BytesToAddress(vLog.Topics[1].Bytes()).Hex(),
			PlanID: lastByte(vLog.Data[0:32]),
		}
		// The zero address means the member joined without a referrer
		referrer := common.BytesToAddress(vLog.Topics[2].Bytes()).Hex()
		if referrer != domain.EthereumZeroAddress {
			payload.Referrer = referrer
		}

		event.EventType = domain.EventTypeMemberRegistered
		return withPayload(event, payload)

	case referralPaidEventSignature:
		if len(vLog.Topics) != 3 || len(vLog.Data) < 64 {
			return nil, fmt.Errorf("invalid ReferralPaid event: %d topics, %d data bytes", len(vLog.Topics), len(vLog.Data))
		}

		// Data layout: first 32 bytes = amount, next 32 bytes = plan level.
		// The amount travels as a base-10 minor-unit string, never a float.
		payload := domain.ReferralPaidPayload{
			Referrer:  common.BytesToAddress(vLog.Topics[1].Bytes()).Hex(),
			Referee:   common.BytesToAddress(vLog.Topics[2].Bytes()).Hex(),
			Amount:    new(big.Int).SetBytes(vLog.Data[0:32]).String(),
			PlanLevel: lastByte(vLog.Data[32:64]),
		}

		event.EventType = domain.EventTypeReferralPaid
		return withPayload(event, payload)

	case planUpgradedEventSignature:
		if len(vLog.Topics) != 2 || len(vLog.Data) < 64 {
			return nil, fmt.Errorf("invalid PlanUpgraded event: %d topics, %d data bytes", len(vLog.Topics), len(vLog.Data))
		}

		payload := domain.PlanUpgradedPayload{
			Wallet:    common.BytesToAddress(vLog.Topics[1].Bytes()).Hex(),
			OldPlanID: lastByte(vLog.Data[0:32]),
			NewPlanID: lastByte(vLog.Data[32:64]),
		}

		event.EventType = domain.EventTypePlanUpgraded
		return withPayload(event, payload)

	case memberExitedEventSignature:
		if len(vLog.Topics) != 2 {
			return nil, fmt.Errorf("invalid MemberExited event: expected 2 topics, got %d", len(vLog.Topics))
		}

		payload := domain.MemberExitedPayload{
			Wallet: common.BytesToAddress(vLog.Topics[1].Bytes()).Hex(),
		}

		event.EventType = domain.EventTypeMemberExited
		return withPayload(event, payload)

	case cycleStartedEventSignature:
		if len(vLog.Topics) != 2 || len(vLog.Data) < 32 {
			return nil, fmt.Errorf("invalid CycleStarted event: %d topics, %d data bytes", len(vLog.Topics), len(vLog.Data))
		}

		payload := domain.CycleStartedPayload{
			Wallet:      common.BytesToAddress(vLog.Topics[1].Bytes()).Hex(),
			CycleNumber: new(big.Int).SetBytes(vLog.Data[0:32]).Uint64(),
		}

		event.EventType = domain.EventTypeCycleStarted
		return withPayload(event, payload)

	case emergencyWithdrawEventSignature:
		if len(vLog.Topics) != 2 || len(vLog.Data) < 32 {
			return nil, fmt.Errorf("invalid EmergencyWithdraw event: %d topics, %d data bytes", len(vLog.Topics), len(vLog.Data))
		}

		payload := domain.EmergencyWithdrawPayload{
			Wallet: common.BytesToAddress(vLog.Topics[1].Bytes()).Hex(),
			Amount: new(big.Int).SetBytes(vLog.Data[0:32]).String(),
		}

		event.EventType = domain.EventTypeEmergencyWithdraw
		return withPayload(event, payload)

	default:
		// Not one of ours
		return nil, nil
	}
}

func withPayload(event *domain.DomainEvent, payload any) (*domain.DomainEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	event.Payload = raw
	return event, nil
}

// lastByte extracts a uint8 from a left-padded 32-byte ABI word
func lastByte(word []byte) uint8 {
	return word[len(word)-1]
}

package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/logger"
	"github.com/clubprotocol/chain-relay/internal/store"
	"github.com/clubprotocol/chain-relay/internal/store/schema"
)

// Ledger applies membership events to the referral graph and commission
// ledger. All writes are idempotent on the source (tx_hash, log_index), so
// redelivered events are harmless.
//
//go:generate mockgen -source=ledger.go -destination=../mocks/ledger.go -package=mocks -mock_names=Ledger=MockLedger
type Ledger interface {
	// ApplyMemberRegistered records the referral edge for a new member, if
	// the member joined with a referrer
	ApplyMemberRegistered(ctx context.Context, event *domain.DomainEvent) error

	// ApplyReferralPaid records the referral edge and commission entry for a
	// payout event
	ApplyReferralPaid(ctx context.Context, event *domain.DomainEvent) error

	// Stats aggregates a referrer's completed commissions in [from, to)
	Stats(ctx context.Context, referrer string, from, to *time.Time) (*store.ReferralStats, error)

	// Top returns referrers ranked by completed commission since the cutoff
	Top(ctx context.Context, since *time.Time, limit int) ([]store.ReferrerRank, error)
}

type ledger struct {
	store store.Store
}

// New creates a referral ledger over the given store
func New(s store.Store) Ledger {
	return &ledger{store: s}
}

// ApplyMemberRegistered records the referral edge for a new member. Members
// who joined without a referrer produce no edge.
func (l *ledger) ApplyMemberRegistered(ctx context.Context, event *domain.DomainEvent) error {
	payload, err := event.DecodeMemberRegistered()
	if err != nil {
		return fmt.Errorf("failed to decode member_registered: %w", err)
	}

	if payload.Referrer == "" {
		return nil
	}

	created, err := l.store.CreateReferralEdge(ctx, &schema.ReferralEdge{
		Referrer: domain.NormalizeAddress(payload.Referrer),
		Referee:  domain.NormalizeAddress(payload.Wallet),
		TxHash:   event.TxHash,
		LogIndex: event.LogIndex,
	})
	if err != nil {
		return fmt.Errorf("failed to record referral edge: %w", err)
	}
	if !created {
		logger.DebugCtx(ctx, "Referral edge already recorded, first write wins",
			zap.String("referee", payload.Wallet),
			zap.String("eventKey", event.EventKey()))
	}

	return nil
}

// ApplyReferralPaid records the referral edge and the commission entry for a
// payout. The entry is inserted pending and settled to completed in the same
// call; entries left pending by a crash are settled later by the reconciler.
func (l *ledger) ApplyReferralPaid(ctx context.Context, event *domain.DomainEvent) error {
	payload, err := event.DecodeReferralPaid()
	if err != nil {
		return fmt.Errorf("failed to decode referral_paid: %w", err)
	}

	referrer := domain.NormalizeAddress(payload.Referrer)
	referee := domain.NormalizeAddress(payload.Referee)

	// The payout itself proves the edge; recording it here covers members
	// registered before the relay started watching the chain.
	created, err := l.store.CreateReferralEdge(ctx, &schema.ReferralEdge{
		Referrer: referrer,
		Referee:  referee,
		TxHash:   event.TxHash,
		LogIndex: event.LogIndex,
	})
	if err != nil {
		return fmt.Errorf("failed to record referral edge: %w", err)
	}
	if !created {
		existing, err := l.store.GetReferralEdgeByReferee(ctx, referee)
		if err != nil {
			return fmt.Errorf("failed to load referral edge: %w", err)
		}
		if existing != nil && existing.Referrer != referrer {
			// The permanent edge wins: the payout is recorded as failed so
			// nothing is credited to the conflicting referrer.
			reason := fmt.Sprintf("%s: referee already referred by %s", domain.ErrReferralEdgeConflict, existing.Referrer)
			return l.recordFailedPayout(ctx, event, payload, referrer, referee, reason)
		}
	}

	rateBPS, err := commissionRate(payload)
	if err != nil {
		if recErr := l.recordFailedPayout(ctx, event, payload, referrer, referee, err.Error()); recErr != nil {
			return recErr
		}
		return err
	}

	commission, err := domain.ComputeCommission(payload.Amount, rateBPS)
	if err != nil {
		err = fmt.Errorf("failed to compute commission: %w", err)
		if recErr := l.recordFailedPayout(ctx, event, payload, referrer, referee, err.Error()); recErr != nil {
			return recErr
		}
		return err
	}

	entry := &schema.CommissionEntry{
		Referrer:   referrer,
		Referee:    referee,
		PlanLevel:  payload.PlanLevel,
		Amount:     payload.Amount,
		RateBPS:    rateBPS,
		Commission: commission,
		TxHash:     event.TxHash,
		LogIndex:   event.LogIndex,
		Status:     schema.CommissionEntryStatusPending,
	}

	created, err = l.store.CreateCommissionEntry(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to record commission entry: %w", err)
	}
	if !created {
		logger.DebugCtx(ctx, "Commission entry already recorded",
			zap.String("eventKey", event.EventKey()))
		return nil
	}

	// The event came off the chain, so the source transaction is mined:
	// complete immediately. A crash between insert and settle leaves the
	// entry pending for the reconciler to re-drive.
	err = l.store.SettleCommissionEntry(ctx, entry.ID, schema.CommissionEntryStatusCompleted, "")
	if err != nil {
		return fmt.Errorf("failed to settle commission entry: %w", err)
	}

	logger.InfoCtx(ctx, "Commission recorded",
		zap.String("referrer", referrer),
		zap.String("referee", referee),
		zap.String("amount", payload.Amount),
		zap.Uint32("rateBPS", rateBPS),
		zap.String("commission", commission))

	return nil
}

// recordFailedPayout records a commission entry in failed status so rejected
// payouts stay visible for audit. Nothing is credited.
func (l *ledger) recordFailedPayout(ctx context.Context, event *domain.DomainEvent, payload *domain.ReferralPaidPayload, referrer, referee, reason string) error {
	now := time.Now()
	entry := &schema.CommissionEntry{
		Referrer:      referrer,
		Referee:       referee,
		PlanLevel:     payload.PlanLevel,
		Amount:        payload.Amount,
		RateBPS:       0,
		Commission:    "0",
		TxHash:        event.TxHash,
		LogIndex:      event.LogIndex,
		Status:        schema.CommissionEntryStatusFailed,
		FailureReason: reason,
		SettledAt:     &now,
	}

	created, err := l.store.CreateCommissionEntry(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to record commission entry: %w", err)
	}
	if created {
		logger.WarnCtx(ctx, "Commission rejected",
			zap.String("reason", reason),
			zap.String("referrer", referrer),
			zap.String("referee", referee),
			zap.String("eventKey", event.EventKey()))
	}

	return nil
}

// commissionRate resolves the rate for a payout: an explicit rate in the
// payload wins, otherwise the plan tier table applies
func commissionRate(payload *domain.ReferralPaidPayload) (uint32, error) {
	if payload.RateBPS != nil {
		return *payload.RateBPS, nil
	}

	rateBPS, err := domain.CommissionRateBPS(payload.PlanLevel)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve commission rate: %w", err)
	}
	return rateBPS, nil
}

// Stats aggregates a referrer's completed commissions in [from, to)
func (l *ledger) Stats(ctx context.Context, referrer string, from, to *time.Time) (*store.ReferralStats, error) {
	return l.store.GetReferralStats(ctx, domain.NormalizeAddress(referrer), from, to)
}

// Top returns referrers ranked by completed commission since the cutoff
func (l *ledger) Top(ctx context.Context, since *time.Time, limit int) ([]store.ReferrerRank, error) {
	return l.store.GetTopReferrers(ctx, since, limit)
}

package reconciler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/clubprotocol/chain-relay/internal/adapter"
	"github.com/clubprotocol/chain-relay/internal/chain"
	"github.com/clubprotocol/chain-relay/internal/logger"
	"github.com/clubprotocol/chain-relay/internal/store"
	"github.com/clubprotocol/chain-relay/internal/store/schema"
)

// settlementGracePeriod keeps the reconciler from racing the ledger, which
// settles fresh entries in the same call that inserts them
const settlementGracePeriod = time.Minute

// Config holds configuration for the reconciler
type Config struct {
	// Interval is the sleep between reconciliation cycles
	Interval time.Duration
	// BatchSize bounds mirror pages, claimed requests and settlements per cycle
	BatchSize int
}

// Reconciler heals drift between the membership mirror and the chain. The
// chain is authoritative: a mirror row is only ever rewritten from a
// successful on-chain read, and a failed read changes nothing.
//
//go:generate mockgen -source=reconciler.go -destination=../mocks/reconciler.go -package=mocks -mock_names=Reconciler=MockReconciler
type Reconciler interface {
	// Start begins the reconcile loop. Blocks until the context is canceled
	// or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the reconciler
	Stop(ctx context.Context) error

	// Name returns the reconciler's name for logging and identification
	Name() string
}

type reconciler struct {
	config    *Config
	store     store.Store
	chain     chain.ContractClient
	clock     adapter.Clock
	running   atomic.Bool
	stopChan  chan struct{}
	stoppedCh chan struct{}
}

// New creates a reconciler
func New(config *Config, st store.Store, chainClient chain.ContractClient, clock adapter.Clock) Reconciler {
	return &reconciler{
		config:    config,
		store:     st,
		chain:     chainClient,
		clock:     clock,
		stopChan:  make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Name returns the reconciler's name
func (r *reconciler) Name() string {
	return "membership-reconciler"
}

// Start begins the reconcile loop
func (r *reconciler) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reconciler already running")
	}
	defer func() {
		r.running.Store(false)
		close(r.stoppedCh)
	}()

	logger.InfoCtx(ctx, "Starting reconciler",
		zap.Duration("interval", r.config.Interval),
		zap.Int("batch_size", r.config.BatchSize))

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Reconciler stopping due to context cancellation", zap.Error(ctx.Err()))
			return nil
		case <-r.stopChan:
			logger.InfoCtx(ctx, "Reconciler stop requested")
			return nil
		default:
			if err := r.runCycle(ctx); err != nil {
				logger.ErrorCtx(ctx, err)
			}
			if !r.sleep(ctx, r.config.Interval) {
				return nil
			}
		}
	}
}

// Stop gracefully stops the reconciler with timeout support
func (r *reconciler) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil // Already stopped
	}

	logger.InfoCtx(ctx, "Stopping reconciler")
	close(r.stopChan)

	select {
	case <-r.stoppedCh:
		logger.InfoCtx(ctx, "Reconciler stopped gracefully")
		return nil
	case <-ctx.Done():
		logger.WarnCtx(ctx, "Reconciler stop interrupted by context timeout")
		return ctx.Err()
	}
}

// sleep sleeps for the given duration but can be interrupted by context
// cancellation or a stop request. Returns false if interrupted.
func (r *reconciler) sleep(ctx context.Context, duration time.Duration) bool {
	select {
	case <-r.clock.After(duration):
		return true
	case <-ctx.Done():
		return false
	case <-r.stopChan:
		return false
	}
}

// runCycle processes on-demand requests, sweeps the mirror and settles
// pending commissions
func (r *reconciler) runCycle(ctx context.Context) error {
	startTime := r.clock.Now()

	requested := r.processRequests(ctx)
	swept, repaired := r.sweepMirror(ctx)
	settled := r.settlePendingCommissions(ctx)

	logger.InfoCtx(ctx, "Reconcile cycle completed",
		zap.Duration("duration", r.clock.Since(startTime)),
		zap.Int("requested", requested),
		zap.Int("swept", swept),
		zap.Int("repaired", repaired),
		zap.Int("settled", settled))

	return nil
}

// processRequests claims and serves on-demand reconcile requests
func (r *reconciler) processRequests(ctx context.Context) int {
	requests, err := r.store.ClaimReconcileRequests(ctx, r.config.BatchSize)
	if err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to claim reconcile requests: %w", err))
		return 0
	}

	for _, request := range requests {
		if _, err := r.reconcileWallet(ctx, request.WalletAddress, nil); err != nil {
			logger.ErrorCtx(ctx, err, zap.String("wallet", request.WalletAddress))
		}
	}

	return len(requests)
}

// sweepMirror walks every mirror row and repairs drift against the chain
func (r *reconciler) sweepMirror(ctx context.Context) (swept, repaired int) {
	var afterID uint64
	for {
		select {
		case <-ctx.Done():
			return swept, repaired
		case <-r.stopChan:
			return swept, repaired
		default:
		}

		mirrors, err := r.store.ListMembershipMirrors(ctx, afterID, r.config.BatchSize)
		if err != nil {
			logger.ErrorCtx(ctx, fmt.Errorf("failed to list membership mirrors: %w", err))
			return swept, repaired
		}
		if len(mirrors) == 0 {
			return swept, repaired
		}

		for _, mirror := range mirrors {
			afterID = mirror.ID
			swept++

			changed, err := r.reconcileWallet(ctx, mirror.WalletAddress, mirror)
			if err != nil {
				logger.ErrorCtx(ctx, err, zap.String("wallet", mirror.WalletAddress))
				continue
			}
			if changed {
				repaired++
			}
		}
	}
}

// reconcileWallet reads the authoritative member record and rewrites the
// mirror row when it differs. A nil mirror forces the read and write.
// Chain-read failures return an error and leave the mirror untouched.
func (r *reconciler) reconcileWallet(ctx context.Context, wallet string, mirror *schema.MembershipMirror) (bool, error) {
	state, err := r.chain.GetMemberState(ctx, wallet)
	if err != nil {
		return false, fmt.Errorf("failed to read member state: %w", err)
	}

	if mirror != nil && mirrorMatches(mirror, state) {
		return false, nil
	}

	if mirror != nil {
		logger.WarnCtx(ctx, "Mirror drift detected, chain wins",
			zap.String("wallet", wallet),
			zap.Uint8("mirrorPlanID", mirror.PlanID),
			zap.Uint8("chainPlanID", state.PlanID),
			zap.String("mirrorEarnings", mirror.TotalEarnings),
			zap.String("chainEarnings", state.TotalEarnings))
	}

	err = r.store.UpsertMembershipMirror(ctx, &schema.MembershipMirror{
		WalletAddress:  wallet,
		PlanID:         state.PlanID,
		CycleNumber:    state.CycleNumber,
		TotalEarnings:  state.TotalEarnings,
		TotalReferrals: state.TotalReferrals,
		IsActive:       state.IsActive,
		SyncedAt:       r.clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to repair mirror: %w", err)
	}

	return true, nil
}

// mirrorMatches compares a mirror row field by field against the chain state
func mirrorMatches(mirror *schema.MembershipMirror, state *chain.MemberState) bool {
	return mirror.PlanID == state.PlanID &&
		mirror.CycleNumber == state.CycleNumber &&
		mirror.TotalEarnings == state.TotalEarnings &&
		mirror.TotalReferrals == state.TotalReferrals &&
		mirror.IsActive == state.IsActive
}

// settlePendingCommissions re-drives entries stuck in pending by confirming
// their source transaction on-chain
func (r *reconciler) settlePendingCommissions(ctx context.Context) int {
	entries, err := r.store.ListPendingCommissionEntries(ctx, r.config.BatchSize)
	if err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to list pending commission entries: %w", err))
		return 0
	}

	settled := 0
	for _, entry := range entries {
		// Fresh entries may still be settled by the ledger
		if r.clock.Since(entry.CreatedAt) < settlementGracePeriod {
			continue
		}

		confirmed, err := r.chain.ConfirmTransaction(ctx, entry.TxHash)
		if err != nil {
			// Chain unavailable: leave the entry pending for the next cycle
			logger.WarnCtx(ctx, "Could not confirm commission transaction",
				zap.String("txHash", entry.TxHash), zap.Error(err))
			continue
		}

		status := schema.CommissionEntryStatusCompleted
		reason := ""
		if !confirmed {
			status = schema.CommissionEntryStatusFailed
			reason = "transaction not found or reverted"
		}

		if err := r.store.SettleCommissionEntry(ctx, entry.ID, status, reason); err != nil {
			logger.ErrorCtx(ctx, fmt.Errorf("failed to settle commission entry: %w", err),
				zap.Uint64("entryID", entry.ID))
			continue
		}
		settled++
	}

	return settled
}

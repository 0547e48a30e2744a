package emitter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clubprotocol/chain-relay/internal/adapter"
	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/logger"
	"github.com/clubprotocol/chain-relay/internal/messaging"
	"github.com/clubprotocol/chain-relay/internal/store"
)

// Config holds the configuration for the event emitter
type Config struct {
	ChainName          string        // cursor namespace, e.g. "ethereum"
	StartBlock         uint64        // 0 means resume from the cursor
	CursorSaveBlocks   uint64        // Save cursor every N blocks
	CursorSaveInterval time.Duration // Or save cursor every N seconds
}

// Emitter defines the interface for the event emitter
//
//go:generate mockgen -source=emitter.go -destination=../mocks/emitter.go -package=mocks -mock_names=Emitter=MockEmitter
type Emitter interface {
	// Run starts the event emitter
	Run(ctx context.Context) error
	// Close closes the emitter and cleans up resources
	Close()
}

// emitter tails the membership contract and publishes normalized events
// to NATS, checkpointing a block cursor so restarts resume without gaps
type emitter struct {
	subscriber messaging.Subscriber
	publisher  messaging.Publisher
	store      store.Store
	config     Config
	clock      adapter.Clock
}

// NewEmitter creates a new event emitter
func NewEmitter(
	sub messaging.Subscriber,
	pub messaging.Publisher,
	st store.Store,
	cfg Config,
	clock adapter.Clock,
) Emitter {
	return &emitter{
		subscriber: sub,
		publisher:  pub,
		store:      st,
		config:     cfg,
		clock:      clock,
	}
}

// Run starts the event emitter
func (e *emitter) Run(ctx context.Context) error {
	// Determine starting block
	startBlock := e.config.StartBlock
	if startBlock == 0 {
		// Get last processed block from store
		lastBlock, err := e.store.GetBlockCursor(ctx, e.config.ChainName)
		if err != nil {
			return fmt.Errorf("failed to get block cursor: %w", err)
		}

		if lastBlock > 0 {
			startBlock = lastBlock + 1
			logger.Info("Resuming from last processed block", zap.String("chain", e.config.ChainName), zap.Uint64("block", startBlock))
		} else {
			// Start from latest block
			latestBlock, err := e.subscriber.GetLatestBlock(ctx)
			if err != nil {
				return fmt.Errorf("failed to get latest block number: %w", err)
			}
			startBlock = latestBlock
			logger.Info("Starting from latest block", zap.String("chain", e.config.ChainName), zap.Uint64("block", startBlock))
		}
	} else {
		logger.Info("Starting from configured block", zap.String("chain", e.config.ChainName), zap.Uint64("block", startBlock))
	}

	// Replay anything mined while the emitter was down, then go live.
	// Duplicates across the seam are deduplicated downstream by event key.
	liveFrom, err := e.backfill(ctx, startBlock)
	if err != nil {
		return err
	}

	// Channel for events
	errCh := make(chan error, 1)

	// Start subscribing to events
	go func() {
		logger.Info("Starting event subscription", zap.String("chain", e.config.ChainName), zap.Uint64("fromBlock", liveFrom))

		lastSavedBlock := uint64(0)
		lastSaveTime := e.clock.Now()

		handler := func(event *domain.DomainEvent) error {
			// Publish to NATS
			if err := e.publisher.PublishEvent(ctx, event); err != nil {
				return fmt.Errorf("failed to publish event %s: %w", event.EventKey(), err)
			}

			// Save cursor periodically (every N blocks or N seconds)
			shouldSave := event.BlockNumber-lastSavedBlock >= e.config.CursorSaveBlocks ||
				e.clock.Since(lastSaveTime) >= e.config.CursorSaveInterval

			if shouldSave {
				if err := e.store.SetBlockCursor(ctx, e.config.ChainName, event.BlockNumber); err != nil {
					logger.Warn("Failed to save block cursor", zap.Error(err), zap.Uint64("block", event.BlockNumber))
				} else {
					lastSavedBlock = event.BlockNumber
					lastSaveTime = e.clock.Now()
				}
			}

			return nil
		}

		err := e.subscriber.SubscribeEvents(ctx, liveFrom, handler)
		if err != nil {
			errCh <- err
		}
	}()

	// Wait for error or context cancellation
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backfill publishes historical events from fromBlock through the current
// head and returns the block the live subscription should start at
func (e *emitter) backfill(ctx context.Context, fromBlock uint64) (uint64, error) {
	latestBlock, err := e.subscriber.GetLatestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}

	if fromBlock > latestBlock {
		return fromBlock, nil
	}

	events, err := e.subscriber.BackfillEvents(ctx, fromBlock, latestBlock)
	if err != nil {
		return 0, fmt.Errorf("failed to backfill events: %w", err)
	}

	for i := range events {
		if err := e.publisher.PublishEvent(ctx, &events[i]); err != nil {
			return 0, fmt.Errorf("failed to publish backfilled event %s: %w", events[i].EventKey(), err)
		}
	}

	if err := e.store.SetBlockCursor(ctx, e.config.ChainName, latestBlock); err != nil {
		return 0, fmt.Errorf("failed to save block cursor after backfill: %w", err)
	}

	logger.Info("Backfill completed",
		zap.String("chain", e.config.ChainName),
		zap.Uint64("fromBlock", fromBlock),
		zap.Uint64("toBlock", latestBlock),
		zap.Int("events", len(events)))

	return latestBlock + 1, nil
}

// Close closes the emitter and cleans up resources
func (e *emitter) Close() {
	e.subscriber.Close()
	e.publisher.Close()
}

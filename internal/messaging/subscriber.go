package messaging

import (
	"context"

	"github.com/clubprotocol/chain-relay/internal/domain"
)

// EventHandler is called for each normalized domain event
type EventHandler func(event *domain.DomainEvent) error

// Subscriber defines the interface for subscribing to contract events
//
//go:generate mockgen -source=subscriber.go -destination=../mocks/subscriber.go -package=mocks -mock_names=Subscriber=MockSubscriber
type Subscriber interface {
	// SubscribeEvents subscribes to contract events
	// fromBlock: starting point for subscription (0 for latest)
	// handler: callback function to process each event
	SubscribeEvents(ctx context.Context, fromBlock uint64, handler EventHandler) error

	// BackfillEvents fetches historical contract events for a block range
	BackfillEvents(ctx context.Context, fromBlock, toBlock uint64) ([]domain.DomainEvent, error)

	// GetLatestBlock returns the latest block number
	GetLatestBlock(ctx context.Context) (uint64, error)

	// Close closes the connection and cleans up resources
	Close()
}

package messaging

import (
	"context"

	"github.com/clubprotocol/chain-relay/internal/domain"
)

// Publisher defines the interface for publishing events to the message broker
//
//go:generate mockgen -source=publisher.go -destination=../mocks/publisher.go -package=mocks -mock_names=Publisher=MockPublisher
type Publisher interface {
	// PublishEvent publishes a domain event to the message broker
	PublishEvent(ctx context.Context, event *domain.DomainEvent) error
	// Close closes the connection
	Close()
}

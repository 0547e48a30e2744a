package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/clubprotocol/chain-relay/internal/adapter"
	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/ledger"
	"github.com/clubprotocol/chain-relay/internal/logger"
	"github.com/clubprotocol/chain-relay/internal/store"
)

// Config holds the configuration for the event bridge
type Config struct {
	URL            string
	StreamName     string
	ConsumerName   string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
	AckWaitTimeout time.Duration
	MaxDeliver     int
}

// Bridge defines the interface for the event bridge
type Bridge interface {
	// Run starts the event bridge
	Run(ctx context.Context) error
	// Close closes the bridge and cleans up resources
	Close()
}

// bridge is the durable ingest side of the pipeline: it consumes normalized
// events from JetStream, persists each one, fans deliveries out to matching
// webhook endpoints and applies membership events to the referral ledger.
// Every step is idempotent on the event key, so redeliveries are harmless.
type bridge struct {
	nc     adapter.NatsConn
	js     adapter.JetStream
	store  store.Store
	ledger ledger.Ledger
	json   adapter.JSON
	config Config
}

// NewBridge creates a new event bridge
func NewBridge(
	cfg Config,
	natsJS adapter.NatsJetStream,
	st store.Store,
	ldg ledger.Ledger,
	jsonAdapter adapter.JSON,
) (Bridge, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, js, err := natsJS.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	b := &bridge{
		nc:     nc,
		js:     js,
		store:  st,
		ledger: ldg,
		json:   jsonAdapter,
		config: cfg,
	}

	return b, nil
}

// Run starts the event bridge
func (b *bridge) Run(ctx context.Context) error {
	logger.Info("Starting event bridge", zap.String("stream", b.config.StreamName), zap.String("consumer", b.config.ConsumerName))

	// Subscribe to all membership event subjects
	subject := "events.membership.>"

	// Create or get consumer
	consumerConfig := jetstream.ConsumerConfig{
		Durable:       b.config.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.config.AckWaitTimeout,
		MaxDeliver:    b.config.MaxDeliver,
		FilterSubject: subject,
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.config.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create/update consumer: %w", err)
	}

	consumerInfo, err := consumer.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get consumer info: %w", err)
	}
	logger.Info("Consumer created/retrieved", zap.String("consumer", consumerInfo.Name))

	// Create subscription
	msgChan := make(chan adapter.Message, 100)
	sub, err := consumer.Consume(func(msg adapter.Message) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	defer sub.Stop()

	logger.Info("Started consuming messages")

	// Process messages
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down event bridge")
			return ctx.Err()
		case msg := <-msgChan:
			// Spawn goroutine to handle message asynchronously
			go b.handleMessage(ctx, msg)
		}
	}
}

// handleMessage processes a single NATS message
func (b *bridge) handleMessage(ctx context.Context, msg adapter.Message) {
	// Get metadata for logging
	metadata, _ := msg.Metadata()

	// Parse event
	var event domain.DomainEvent
	if err := b.json.Unmarshal(msg.Data(), &event); err != nil {
		logger.Error(err, zap.String("message", "Failed to unmarshal event"))
		// Terminate message for unparseable data
		if err := msg.Term(); err != nil {
			logger.Error(err, zap.String("message", "Failed to terminate message"))
		}
		return
	}

	// A malformed event never becomes valid on redelivery
	if !event.Valid() {
		logger.Warn("Dropping invalid event",
			zap.String("eventType", string(event.EventType)),
			zap.String("txHash", event.TxHash))
		if err := msg.Term(); err != nil {
			logger.Error(err, zap.String("message", "Failed to terminate message"))
		}
		return
	}

	var deliveryCount uint64
	if metadata != nil {
		deliveryCount = metadata.NumDelivered
	}
	logger.Info("Received event",
		zap.String("eventType", string(event.EventType)),
		zap.String("eventKey", event.EventKey()),
		zap.Uint64("blockNumber", event.BlockNumber),
		zap.Uint64("deliveryCount", deliveryCount),
	)

	if err := b.processEvent(ctx, &event); err != nil {
		// Events rejected on content never become valid on redelivery. The
		// persisted event and the ledger's failed entries keep them auditable.
		if isValidationErr(err) {
			logger.Error(err, zap.String("message", "Dropping event rejected by validation"),
				zap.String("eventKey", event.EventKey()))
			if err := msg.Term(); err != nil {
				logger.Error(err, zap.String("message", "Failed to terminate message"))
			}
			return
		}
		logger.Error(err, zap.String("message", "Failed to process event"),
			zap.String("eventKey", event.EventKey()))
		// NAK to retry
		if err := msg.Nak(); err != nil {
			logger.Error(err, zap.String("message", "Failed to NAK message"))
		}
		return
	}

	// ACK message after successful processing
	if err := msg.Ack(); err != nil {
		logger.Error(err, zap.String("message", "Failed to ACK message"))
	}
}

// isValidationErr reports whether processing failed on the event's content
// rather than on infrastructure. Retrying such events cannot succeed.
func isValidationErr(err error) bool {
	return errors.Is(err, domain.ErrInvalidPayload) ||
		errors.Is(err, domain.ErrPayloadMismatch) ||
		errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, domain.ErrInvalidPlanLevel)
}

// processEvent persists the event, fans out deliveries and applies it to the
// ledger. Each step tolerates reruns, so a crash mid-way is repaired by the
// redelivery.
func (b *bridge) processEvent(ctx context.Context, event *domain.DomainEvent) error {
	created, err := b.store.SaveDomainEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	if !created {
		logger.DebugCtx(ctx, "Event already persisted, reprocessing fanout",
			zap.String("eventKey", event.EventKey()))
	}

	if err := b.fanOut(ctx, event); err != nil {
		return err
	}

	return b.applyEvent(ctx, event)
}

// fanOut enqueues one delivery task per matching active endpoint
func (b *bridge) fanOut(ctx context.Context, event *domain.DomainEvent) error {
	endpoints, err := b.store.GetActiveEndpointsByEventType(ctx, string(event.EventType))
	if err != nil {
		return fmt.Errorf("failed to match endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	endpointIDs := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		endpointIDs = append(endpointIDs, endpoint.EndpointID)
	}

	created, err := b.store.EnqueueDeliveryTasks(ctx, event.EventKey(), endpointIDs)
	if err != nil {
		return fmt.Errorf("failed to enqueue delivery tasks: %w", err)
	}

	logger.DebugCtx(ctx, "Delivery tasks enqueued",
		zap.String("eventKey", event.EventKey()),
		zap.Int("matched", len(endpointIDs)),
		zap.Int("created", created))

	return nil
}

// applyEvent routes the event to the referral ledger and, for events that
// change on-chain membership state, asks the reconciler to refresh the mirror
func (b *bridge) applyEvent(ctx context.Context, event *domain.DomainEvent) error {
	switch event.EventType {
	case domain.EventTypeReferralPaid:
		return b.ledger.ApplyReferralPaid(ctx, event)
	case domain.EventTypeMemberRegistered:
		if err := b.ledger.ApplyMemberRegistered(ctx, event); err != nil {
			return err
		}
		return b.requestMirrorRefresh(ctx, event)
	case domain.EventTypePlanUpgraded, domain.EventTypeMemberExited,
		domain.EventTypeCycleStarted, domain.EventTypeEmergencyWithdraw:
		return b.requestMirrorRefresh(ctx, event)
	default:
		return nil
	}
}

// requestMirrorRefresh queues the member for an on-demand reconcile so the
// mirror picks up the state change without waiting for the next full sweep
func (b *bridge) requestMirrorRefresh(ctx context.Context, event *domain.DomainEvent) error {
	var payload struct {
		Wallet string `json:"wallet"`
	}
	if err := b.json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("failed to extract wallet: %w", err)
	}
	if payload.Wallet == "" {
		return nil
	}

	if err := b.store.EnqueueReconcileRequest(ctx, domain.NormalizeAddress(payload.Wallet)); err != nil {
		return fmt.Errorf("failed to enqueue reconcile request: %w", err)
	}
	return nil
}

// Close closes the bridge and cleans up resources
func (b *bridge) Close() {
	if b.nc == nil {
		return
	}

	b.nc.Close()
}

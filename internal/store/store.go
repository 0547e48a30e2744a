package store

import (
	"context"
	"time"

	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/store/schema"
)

// CreateWebhookEndpointInput carries the fields for registering an endpoint
type CreateWebhookEndpointInput struct {
	EndpointID       string
	URL              string
	AuthToken        string
	EventFilters     []string
	IsActive         bool
	RetryMaxAttempts int
}

// NackInput carries the outcome of a failed delivery attempt
type NackInput struct {
	NextAttemptAt  time.Time
	MaxAttempts    int
	ResponseStatus *int
	ResponseBody   string
	ErrorMessage   string
}

// ReferralStats aggregates a referrer's completed commissions.
// Sums are computed in SQL numeric and returned as minor-unit decimal strings.
type ReferralStats struct {
	Referrer        string `json:"referrer"`
	ReferralCount   int64  `json:"referral_count"`
	CommissionTotal string `json:"commission_total"`
}

// ReferrerRank is one leaderboard row
type ReferrerRank struct {
	Referrer        string `json:"referrer"`
	ReferralCount   int64  `json:"referral_count"`
	CommissionTotal string `json:"commission_total"`
}

// Store defines the interface for database operations
//
//go:generate mockgen -source=store.go -destination=../mocks/store.go -package=mocks -mock_names=Store=MockStore
type Store interface {
	// SaveDomainEvent persists a normalized event, idempotent on
	// (tx_hash, log_index). Returns false when the event was already stored.
	SaveDomainEvent(ctx context.Context, event *domain.DomainEvent) (bool, error)
	// GetDomainEventByKey retrieves an event by its "txHash:logIndex" key
	GetDomainEventByKey(ctx context.Context, eventKey string) (*schema.DomainEvent, error)

	// CreateWebhookEndpoint registers a new delivery target
	CreateWebhookEndpoint(ctx context.Context, input CreateWebhookEndpointInput) (*schema.WebhookEndpoint, error)
	// GetWebhookEndpointByID retrieves an endpoint by endpoint ID
	GetWebhookEndpointByID(ctx context.Context, endpointID string) (*schema.WebhookEndpoint, error)
	// GetActiveEndpointsByEventType retrieves active endpoints whose filters
	// match the given event type (or carry the "*" wildcard)
	GetActiveEndpointsByEventType(ctx context.Context, eventType string) ([]*schema.WebhookEndpoint, error)

	// EnqueueDeliveryTasks creates one pending task per endpoint for the
	// event, skipping pairs that already exist. Returns the number created.
	EnqueueDeliveryTasks(ctx context.Context, eventKey string, endpointIDs []string) (int, error)
	// LeaseDeliveryTasks atomically claims up to limit due tasks (pending and
	// due, or in_flight with an expired lease) for the given lease duration
	LeaseDeliveryTasks(ctx context.Context, limit int, lease time.Duration) ([]*schema.DeliveryTask, error)
	// AckDeliveryTask marks a leased task delivered
	AckDeliveryTask(ctx context.Context, taskID string, responseStatus int, responseBody string) error
	// NackDeliveryTask records a failed attempt: the task goes back to
	// pending with the given schedule, or to failed once the budget is spent
	NackDeliveryTask(ctx context.Context, taskID string, input NackInput) error
	// GetDeliveryTaskByID retrieves a task by task ID
	GetDeliveryTaskByID(ctx context.Context, taskID string) (*schema.DeliveryTask, error)
	// ListFailedDeliveryTasks retrieves tasks that exhausted their budget
	ListFailedDeliveryTasks(ctx context.Context, limit int) ([]*schema.DeliveryTask, error)

	// CreateReferralEdge records a referral edge; the first edge for a
	// referee wins and later writes are ignored. Returns false when ignored.
	CreateReferralEdge(ctx context.Context, edge *schema.ReferralEdge) (bool, error)
	// GetReferralEdgeByReferee retrieves the edge pointing at a referee
	GetReferralEdgeByReferee(ctx context.Context, referee string) (*schema.ReferralEdge, error)
	// CreateCommissionEntry records a ledger entry, idempotent on
	// (tx_hash, log_index). Returns false when the entry was already recorded.
	CreateCommissionEntry(ctx context.Context, entry *schema.CommissionEntry) (bool, error)
	// ListPendingCommissionEntries retrieves entries awaiting settlement
	ListPendingCommissionEntries(ctx context.Context, limit int) ([]*schema.CommissionEntry, error)
	// SettleCommissionEntry moves a pending entry to completed or failed
	SettleCommissionEntry(ctx context.Context, id uint64, status schema.CommissionEntryStatus, failureReason string) error
	// GetReferralStats aggregates completed commissions for a referrer
	// within the optional [from, to) window
	GetReferralStats(ctx context.Context, referrer string, from, to *time.Time) (*ReferralStats, error)
	// GetTopReferrers returns referrers ranked by completed commission
	// totals since the optional cutoff
	GetTopReferrers(ctx context.Context, since *time.Time, limit int) ([]ReferrerRank, error)

	// UpsertMembershipMirror writes the mirror row for a wallet
	UpsertMembershipMirror(ctx context.Context, mirror *schema.MembershipMirror) error
	// GetMembershipMirror retrieves the mirror row for a wallet
	GetMembershipMirror(ctx context.Context, wallet string) (*schema.MembershipMirror, error)
	// ListMembershipMirrors pages through mirror rows by internal ID
	ListMembershipMirrors(ctx context.Context, afterID uint64, limit int) ([]*schema.MembershipMirror, error)

	// EnqueueReconcileRequest records an on-demand refresh request
	EnqueueReconcileRequest(ctx context.Context, wallet string) error
	// ClaimReconcileRequests atomically claims up to limit unprocessed
	// requests, marking them processed
	ClaimReconcileRequests(ctx context.Context, limit int) ([]*schema.ReconcileRequest, error)

	// GetBlockCursor retrieves the last processed block number for a chain
	GetBlockCursor(ctx context.Context, chain string) (uint64, error)
	// SetBlockCursor stores the last processed block number for a chain
	SetBlockCursor(ctx context.Context, chain string, blockNumber uint64) error
}

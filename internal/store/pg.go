package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"

	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/store/schema"
)

const (
	// maxResponseBodyLen caps stored webhook response bodies at 4KB
	maxResponseBodyLen = 4096
	// maxErrorLen caps stored error messages
	maxErrorLen = 1024
)

type pgStore struct {
	db *gorm.DB
}

func hasDBResolver(db *gorm.DB) bool {
	return db != nil && db.Callback().Query().Get("gorm:db_resolver") != nil
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM database connection.
// It accesses the underlying *sql.DB and sets the pool configuration.
// If any of the pool settings are 0 or empty, reasonable defaults are used:
//   - MaxOpenConns: 20 (if 0)
//   - MaxIdleConns: 5 (if 0)
//   - ConnMaxLifetime: 5 minutes (if 0)
//   - ConnMaxIdleTime: 10 minutes (if 0)
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// NormalizeConnectionPoolSettings applies defaults and clamps pool settings into safe values.
//
// Defaults (when zero):
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
//
// Notes:
//   - database/sql treats MaxOpenConns=0 as "unlimited"
//   - database/sql treats MaxIdleConns=0 as "no idle connections"
func NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	// Set defaults if not provided
	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	// Ensure MaxIdleConns doesn't exceed MaxOpenConns
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// calculateSafeBatchSize computes the optimal batch size for bulk inserts to avoid
// PostgreSQL's "extended protocol limited to 65535 parameters" error.
//
// PostgreSQL's extended protocol has a hard limit of 65535 parameters per query.
// When doing batch inserts with GORM, each record consumes multiple parameters
// (one per field being inserted), and ON CONFLICT clauses may add additional parameters.
//
// The function reserves a total headroom for batch-level overhead: GORM-added
// timestamp fields, ON CONFLICT clause parameters, and query metadata.
func calculateSafeBatchSize(totalRecords int, fieldsPerRecord int) int {
	const maxParams = 65535
	const totalHeadroom = 1000 // Total parameter headroom for batch-level overhead

	availableParams := maxParams - totalHeadroom
	safeBatchSize := max(availableParams/fieldsPerRecord, 1)

	if safeBatchSize > totalRecords {
		return totalRecords
	}

	return safeBatchSize
}

// =============================================================================
// Domain Event Operations
// =============================================================================

// SaveDomainEvent persists a normalized event, idempotent on (tx_hash, log_index).
// A conflicting insert is silently skipped; the bool reports whether a row was created.
func (s *pgStore) SaveDomainEvent(ctx context.Context, event *domain.DomainEvent) (bool, error) {
	if !event.Valid() {
		return false, fmt.Errorf("%w: %s", domain.ErrInvalidPayload, event.EventKey())
	}

	row := &schema.DomainEvent{
		EventType:   string(event.EventType),
		TxHash:      event.TxHash,
		BlockNumber: event.BlockNumber,
		LogIndex:    event.LogIndex,
		Payload:     datatypes.JSON(event.Payload),
		ObservedAt:  event.ObservedAt,
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
			DoNothing: true,
		}).
		Create(row)
	if result.Error != nil {
		return false, fmt.Errorf("failed to save domain event: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// GetDomainEventByKey retrieves an event by its "txHash:logIndex" key
func (s *pgStore) GetDomainEventByKey(ctx context.Context, eventKey string) (*schema.DomainEvent, error) {
	txHash, logIndex, err := splitEventKey(eventKey)
	if err != nil {
		return nil, err
	}

	var row schema.DomainEvent
	err = s.db.WithContext(ctx).
		Where("tx_hash = ? AND log_index = ?", txHash, logIndex).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get domain event: %w", err)
	}

	return &row, nil
}

// splitEventKey parses "txHash:logIndex"
func splitEventKey(eventKey string) (string, uint, error) {
	idx := strings.LastIndex(eventKey, ":")
	if idx <= 0 || idx == len(eventKey)-1 {
		return "", 0, fmt.Errorf("malformed event key: %s", eventKey)
	}

	logIndex, err := strconv.ParseUint(eventKey[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed event key %s: %w", eventKey, err)
	}

	return eventKey[:idx], uint(logIndex), nil
}

// =============================================================================
// Webhook Endpoint Operations
// =============================================================================

// CreateWebhookEndpoint registers a new delivery target
func (s *pgStore) CreateWebhookEndpoint(ctx context.Context, input CreateWebhookEndpointInput) (*schema.WebhookEndpoint, error) {
	filters, err := json.Marshal(input.EventFilters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event filters: %w", err)
	}

	now := time.Now()
	endpoint := &schema.WebhookEndpoint{
		EndpointID:       input.EndpointID,
		URL:              input.URL,
		AuthToken:        input.AuthToken,
		EventFilters:     filters,
		IsActive:         input.IsActive,
		RetryMaxAttempts: input.RetryMaxAttempts,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Create(endpoint).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook endpoint: %w", err)
	}
	return endpoint, nil
}

// GetWebhookEndpointByID retrieves an endpoint by endpoint ID
func (s *pgStore) GetWebhookEndpointByID(ctx context.Context, endpointID string) (*schema.WebhookEndpoint, error) {
	var endpoint schema.WebhookEndpoint

	err := s.db.WithContext(ctx).Where("endpoint_id = ?", endpointID).First(&endpoint).Error
	if err == nil {
		return &endpoint, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get webhook endpoint: %w", err)
	}
	if !hasDBResolver(s.db) {
		return nil, nil
	}

	// Replica can lag behind primary; retry on primary before returning not found.
	err = s.db.WithContext(ctx).
		Clauses(dbresolver.Write).
		Where("endpoint_id = ?", endpointID).
		First(&endpoint).Error
	if err == nil {
		return &endpoint, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("failed to get webhook endpoint: %w", err)
}

// GetActiveEndpointsByEventType retrieves active endpoints that match the given event type
func (s *pgStore) GetActiveEndpointsByEventType(ctx context.Context, eventType string) ([]*schema.WebhookEndpoint, error) {
	var endpoints []*schema.WebhookEndpoint

	// Query for active endpoints where event_filters contains the event type or wildcard "*"
	// Using JSONB containment operator @> to check if the array contains the value
	err := s.db.WithContext(ctx).
		Where("is_active").
		Where("event_filters @> ?::jsonb OR event_filters @> ?::jsonb",
			fmt.Sprintf(`["%s"]`, eventType),
			`["*"]`).
		Find(&endpoints).Error

	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints by event type: %w", err)
	}

	return endpoints, nil
}

// =============================================================================
// Delivery Queue Operations
// =============================================================================

// EnqueueDeliveryTasks creates one pending task per endpoint for the event.
// Existing (event_key, endpoint_id) pairs are skipped so re-ingesting an event
// never double-delivers.
func (s *pgStore) EnqueueDeliveryTasks(ctx context.Context, eventKey string, endpointIDs []string) (int, error) {
	if len(endpointIDs) == 0 {
		return 0, nil
	}

	now := time.Now()
	tasks := make([]schema.DeliveryTask, 0, len(endpointIDs))
	for _, endpointID := range endpointIDs {
		tasks = append(tasks, schema.DeliveryTask{
			TaskID:        ulid.Make().String(),
			EventKey:      eventKey,
			EndpointID:    endpointID,
			Status:        schema.DeliveryTaskStatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	batchSize := calculateSafeBatchSize(len(tasks), 9)
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_key"}, {Name: "endpoint_id"}},
			DoNothing: true,
		}).
		CreateInBatches(tasks, batchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to enqueue delivery tasks: %w", result.Error)
	}

	return int(result.RowsAffected), nil
}

// LeaseDeliveryTasks atomically claims up to limit due tasks. A task is due
// when it is pending and its next attempt time has passed, or when a previous
// claim's lease has expired. Claimed rows are locked with SKIP LOCKED so
// concurrent dispatchers never lease the same task.
func (s *pgStore) LeaseDeliveryTasks(ctx context.Context, limit int, lease time.Duration) ([]*schema.DeliveryTask, error) {
	var tasks []*schema.DeliveryTask

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND lease_expires_at <= ?)",
				schema.DeliveryTaskStatusPending, now,
				schema.DeliveryTaskStatusInFlight, now).
			Order("next_attempt_at ASC").
			Limit(limit).
			Find(&tasks).Error
		if err != nil {
			return fmt.Errorf("failed to select due tasks: %w", err)
		}

		if len(tasks) == 0 {
			return nil
		}

		ids := make([]uint64, 0, len(tasks))
		for _, task := range tasks {
			ids = append(ids, task.ID)
		}

		leaseExpiresAt := now.Add(lease)
		err = tx.Model(&schema.DeliveryTask{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":           schema.DeliveryTaskStatusInFlight,
				"lease_expires_at": leaseExpiresAt,
				"updated_at":       now,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to mark tasks in flight: %w", err)
		}

		for _, task := range tasks {
			task.Status = schema.DeliveryTaskStatusInFlight
			task.LeaseExpiresAt = &leaseExpiresAt
			task.UpdatedAt = now
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lease delivery tasks: %w", err)
	}

	return tasks, nil
}

// AckDeliveryTask marks a leased task delivered
func (s *pgStore) AckDeliveryTask(ctx context.Context, taskID string, responseStatus int, responseBody string) error {
	now := time.Now()

	err := s.db.WithContext(ctx).
		Model(&schema.DeliveryTask{}).
		Where("task_id = ?", taskID).
		Updates(map[string]interface{}{
			"status":           schema.DeliveryTaskStatusDelivered,
			"attempts":         gorm.Expr("attempts + 1"),
			"lease_expires_at": nil,
			"last_attempt_at":  now,
			"response_status":  responseStatus,
			"response_body":    truncate(responseBody, maxResponseBodyLen),
			"delivered_at":     now,
			"updated_at":       now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to ack delivery task: %w", err)
	}

	return nil
}

// NackDeliveryTask records a failed attempt. The task is rescheduled as
// pending with the caller's backoff, or moved to failed once the attempt
// budget is spent. Failed tasks keep their audit fields and stay queryable.
func (s *pgStore) NackDeliveryTask(ctx context.Context, taskID string, input NackInput) error {
	now := time.Now()

	updates := map[string]interface{}{
		"status": gorm.Expr("CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END",
			input.MaxAttempts,
			schema.DeliveryTaskStatusFailed,
			schema.DeliveryTaskStatusPending),
		"attempts":         gorm.Expr("attempts + 1"),
		"next_attempt_at":  input.NextAttemptAt,
		"lease_expires_at": nil,
		"last_attempt_at":  now,
		"response_body":    truncate(input.ResponseBody, maxResponseBodyLen),
		"updated_at":       now,
	}
	if input.ResponseStatus != nil {
		updates["response_status"] = *input.ResponseStatus
	}
	if input.ErrorMessage != "" {
		updates["last_error"] = truncate(input.ErrorMessage, maxErrorLen)
	}

	err := s.db.WithContext(ctx).
		Model(&schema.DeliveryTask{}).
		Where("task_id = ?", taskID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to nack delivery task: %w", err)
	}

	return nil
}

// GetDeliveryTaskByID retrieves a task by task ID
func (s *pgStore) GetDeliveryTaskByID(ctx context.Context, taskID string) (*schema.DeliveryTask, error) {
	var task schema.DeliveryTask
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get delivery task: %w", err)
	}
	return &task, nil
}

// ListFailedDeliveryTasks retrieves tasks that exhausted their retry budget,
// most recent first
func (s *pgStore) ListFailedDeliveryTasks(ctx context.Context, limit int) ([]*schema.DeliveryTask, error) {
	var tasks []*schema.DeliveryTask
	err := s.db.WithContext(ctx).
		Where("status = ?", schema.DeliveryTaskStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list failed delivery tasks: %w", err)
	}
	return tasks, nil
}

// =============================================================================
// Referral Ledger Operations
// =============================================================================

// CreateReferralEdge records a referral edge. The referee column is unique,
// so the first observed edge wins and later writes are silently ignored.
func (s *pgStore) CreateReferralEdge(ctx context.Context, edge *schema.ReferralEdge) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "referee"}},
			DoNothing: true,
		}).
		Create(edge)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create referral edge: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// GetReferralEdgeByReferee retrieves the edge pointing at a referee
func (s *pgStore) GetReferralEdgeByReferee(ctx context.Context, referee string) (*schema.ReferralEdge, error) {
	var edge schema.ReferralEdge
	err := s.db.WithContext(ctx).Where("referee = ?", referee).First(&edge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get referral edge: %w", err)
	}
	return &edge, nil
}

// CreateCommissionEntry records a ledger entry, idempotent on (tx_hash, log_index)
func (s *pgStore) CreateCommissionEntry(ctx context.Context, entry *schema.CommissionEntry) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create commission entry: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// ListPendingCommissionEntries retrieves entries awaiting settlement, oldest first
func (s *pgStore) ListPendingCommissionEntries(ctx context.Context, limit int) ([]*schema.CommissionEntry, error) {
	var entries []*schema.CommissionEntry
	err := s.db.WithContext(ctx).
		Where("status = ?", schema.CommissionEntryStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commission entries: %w", err)
	}
	return entries, nil
}

// SettleCommissionEntry moves a pending entry to completed or failed.
// Entries that already left pending are not touched.
func (s *pgStore) SettleCommissionEntry(ctx context.Context, id uint64, status schema.CommissionEntryStatus, failureReason string) error {
	if status != schema.CommissionEntryStatusCompleted && status != schema.CommissionEntryStatusFailed {
		return fmt.Errorf("invalid settlement status: %s", status)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"settled_at": now,
		"updated_at": now,
	}
	if failureReason != "" {
		updates["failure_reason"] = truncate(failureReason, maxErrorLen)
	}

	err := s.db.WithContext(ctx).
		Model(&schema.CommissionEntry{}).
		Where("id = ? AND status = ?", id, schema.CommissionEntryStatusPending).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to settle commission entry: %w", err)
	}

	return nil
}

// GetReferralStats aggregates completed commissions for a referrer within the
// optional [from, to) window. Sums run in SQL numeric so amounts never pass
// through floating point.
func (s *pgStore) GetReferralStats(ctx context.Context, referrer string, from, to *time.Time) (*ReferralStats, error) {
	query := `
		SELECT
			COUNT(*) AS referral_count,
			COALESCE(SUM(commission::numeric), 0)::text AS commission_total
		FROM commission_entries
		WHERE referrer = ? AND status = ?`
	args := []interface{}{referrer, schema.CommissionEntryStatusCompleted}

	if from != nil {
		query += " AND created_at >= ?"
		args = append(args, *from)
	}
	if to != nil {
		query += " AND created_at < ?"
		args = append(args, *to)
	}

	var stats ReferralStats
	err := s.db.WithContext(ctx).Raw(query, args...).Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get referral stats: %w", err)
	}

	stats.Referrer = referrer
	return &stats, nil
}

// GetTopReferrers returns referrers ranked by completed commission totals
// since the optional cutoff
func (s *pgStore) GetTopReferrers(ctx context.Context, since *time.Time, limit int) ([]ReferrerRank, error) {
	query := `
		SELECT
			referrer,
			COUNT(*) AS referral_count,
			SUM(commission::numeric)::text AS commission_total
		FROM commission_entries
		WHERE status = ?`
	args := []interface{}{schema.CommissionEntryStatusCompleted}

	if since != nil {
		query += " AND created_at >= ?"
		args = append(args, *since)
	}

	query += `
		GROUP BY referrer
		ORDER BY SUM(commission::numeric) DESC
		LIMIT ?`
	args = append(args, limit)

	var ranks []ReferrerRank
	err := s.db.WithContext(ctx).Raw(query, args...).Scan(&ranks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get top referrers: %w", err)
	}

	return ranks, nil
}

// =============================================================================
// Membership Mirror Operations
// =============================================================================

// UpsertMembershipMirror writes the mirror row for a wallet
func (s *pgStore) UpsertMembershipMirror(ctx context.Context, mirror *schema.MembershipMirror) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "wallet_address"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"plan_id", "cycle_number", "total_earnings",
				"total_referrals", "is_active", "synced_at", "updated_at",
			}),
		}).
		Create(mirror).Error
	if err != nil {
		return fmt.Errorf("failed to upsert membership mirror: %w", err)
	}

	return nil
}

// GetMembershipMirror retrieves the mirror row for a wallet
func (s *pgStore) GetMembershipMirror(ctx context.Context, wallet string) (*schema.MembershipMirror, error) {
	var mirror schema.MembershipMirror
	err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&mirror).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get membership mirror: %w", err)
	}
	return &mirror, nil
}

// ListMembershipMirrors pages through mirror rows by internal ID, for the
// reconciler's sweep
func (s *pgStore) ListMembershipMirrors(ctx context.Context, afterID uint64, limit int) ([]*schema.MembershipMirror, error) {
	var mirrors []*schema.MembershipMirror
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&mirrors).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list membership mirrors: %w", err)
	}
	return mirrors, nil
}

// =============================================================================
// Reconcile Request Operations
// =============================================================================

// EnqueueReconcileRequest records an on-demand refresh request
func (s *pgStore) EnqueueReconcileRequest(ctx context.Context, wallet string) error {
	request := &schema.ReconcileRequest{
		WalletAddress: wallet,
		RequestedAt:   time.Now(),
	}

	err := s.db.WithContext(ctx).Create(request).Error
	if err != nil {
		return fmt.Errorf("failed to enqueue reconcile request: %w", err)
	}

	return nil
}

// ClaimReconcileRequests atomically claims up to limit unprocessed requests,
// marking them processed. SKIP LOCKED keeps concurrent reconcilers from
// claiming the same rows.
func (s *pgStore) ClaimReconcileRequests(ctx context.Context, limit int) ([]*schema.ReconcileRequest, error) {
	var requests []*schema.ReconcileRequest

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("processed_at IS NULL").
			Order("requested_at ASC").
			Limit(limit).
			Find(&requests).Error
		if err != nil {
			return fmt.Errorf("failed to select reconcile requests: %w", err)
		}

		if len(requests) == 0 {
			return nil
		}

		ids := make([]uint64, 0, len(requests))
		for _, request := range requests {
			ids = append(ids, request.ID)
		}

		now := time.Now()
		err = tx.Model(&schema.ReconcileRequest{}).
			Where("id IN ?", ids).
			Update("processed_at", now).Error
		if err != nil {
			return fmt.Errorf("failed to mark reconcile requests processed: %w", err)
		}

		for _, request := range requests {
			request.ProcessedAt = &now
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim reconcile requests: %w", err)
	}

	return requests, nil
}

// =============================================================================
// Block Cursor Operations
// =============================================================================

// GetBlockCursor retrieves the last processed block number for a chain
func (s *pgStore) GetBlockCursor(ctx context.Context, chain string) (uint64, error) {
	key := fmt.Sprintf("block_cursor:%s", chain)

	var kv schema.KeyValueStore
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&kv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil // Return 0 if no cursor exists
		}
		return 0, fmt.Errorf("failed to get block cursor: %w", err)
	}

	blockNumber, err := strconv.ParseUint(kv.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block cursor: %w", err)
	}

	return blockNumber, nil
}

// SetBlockCursor stores the last processed block number for a chain
func (s *pgStore) SetBlockCursor(ctx context.Context, chain string, blockNumber uint64) error {
	key := fmt.Sprintf("block_cursor:%s", chain)
	value := strconv.FormatUint(blockNumber, 10)

	kv := schema.KeyValueStore{
		Key:   key,
		Value: value,
	}

	err := s.db.WithContext(ctx).Save(&kv).Error
	if err != nil {
		return fmt.Errorf("failed to set block cursor: %w", err)
	}

	return nil
}

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

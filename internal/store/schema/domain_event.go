package schema

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// DomainEvent represents the domain_events table - normalized contract events.
// The (tx_hash, log_index) pair is the chain-assigned identity of an event and
// carries the idempotency guarantee for the whole pipeline.
type DomainEvent struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// EventType is the normalized event type (e.g., "referral_paid")
	EventType string `gorm:"column:event_type;not null;type:varchar(50);index"`
	// TxHash is the transaction hash the event was emitted in
	TxHash string `gorm:"column:tx_hash;not null;type:varchar(66);uniqueIndex:idx_domain_events_tx_log"`
	// BlockNumber is the block the transaction was mined in
	BlockNumber uint64 `gorm:"column:block_number;not null;index"`
	// LogIndex is the position of the log within the block
	LogIndex uint `gorm:"column:log_index;not null;uniqueIndex:idx_domain_events_tx_log"`
	// Payload is the event-type-specific payload as JSON
	Payload datatypes.JSON `gorm:"column:payload;not null;type:jsonb"`
	// ObservedAt is when the emitter first saw the log
	ObservedAt time.Time `gorm:"column:observed_at;not null;type:timestamptz"`
	// CreatedAt is the timestamp when this event was persisted
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the DomainEvent model
func (DomainEvent) TableName() string {
	return "domain_events"
}

// EventKey returns the pipeline-wide identity "txHash:logIndex"
func (e *DomainEvent) EventKey() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

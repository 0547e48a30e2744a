package schema

import "time"

// ReconcileRequest represents the reconcile_requests table - on-demand
// refresh requests written by the API and claimed by the reconciler.
type ReconcileRequest struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// WalletAddress is the wallet to re-read from the chain
	WalletAddress string `gorm:"column:wallet_address;not null;type:varchar(42);index"`
	// RequestedAt is when the request was enqueued
	RequestedAt time.Time `gorm:"column:requested_at;not null;default:now();type:timestamptz"`
	// ProcessedAt is set once the reconciler has handled the request
	ProcessedAt *time.Time `gorm:"column:processed_at;type:timestamptz;index"`
}

// TableName specifies the table name for the ReconcileRequest model
func (ReconcileRequest) TableName() string {
	return "reconcile_requests"
}

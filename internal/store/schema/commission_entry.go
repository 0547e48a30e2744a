package schema

import "time"

// CommissionEntryStatus is the settlement status of a commission entry
type CommissionEntryStatus string

const (
	// CommissionEntryStatusPending is an entry awaiting receipt confirmation
	CommissionEntryStatusPending CommissionEntryStatus = "pending"
	// CommissionEntryStatusCompleted is an entry whose source transaction succeeded
	CommissionEntryStatusCompleted CommissionEntryStatus = "completed"
	// CommissionEntryStatusFailed is an entry whose source transaction reverted
	CommissionEntryStatusFailed CommissionEntryStatus = "failed"
)

// CommissionEntry represents the commission_entries table - the referral
// commission ledger. Amounts are base-10 minor-unit decimal strings; they are
// never stored or computed as floats.
type CommissionEntry struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Referrer is the wallet earning the commission
	Referrer string `gorm:"column:referrer;not null;type:varchar(42);index"`
	// Referee is the wallet whose payment generated the commission
	Referee string `gorm:"column:referee;not null;type:varchar(42);index"`
	// PlanLevel is the plan level of the underlying payment
	PlanLevel uint8 `gorm:"column:plan_level;not null"`
	// Amount is the referee's payment in minor units (decimal string)
	Amount string `gorm:"column:amount;not null;type:varchar(80)"`
	// RateBPS is the commission rate applied, in basis points
	RateBPS uint32 `gorm:"column:rate_bps;not null"`
	// Commission is the computed commission in minor units (decimal string)
	Commission string `gorm:"column:commission;not null;type:varchar(80)"`
	// TxHash is the source transaction hash
	TxHash string `gorm:"column:tx_hash;not null;type:varchar(66);uniqueIndex:idx_commission_entries_tx_log"`
	// LogIndex is the source log position
	LogIndex uint `gorm:"column:log_index;not null;uniqueIndex:idx_commission_entries_tx_log"`
	// Status indicates the settlement status: pending, completed, failed
	Status CommissionEntryStatus `gorm:"column:status;not null;default:pending;index"`
	// FailureReason explains why settlement failed
	FailureReason string `gorm:"column:failure_reason;type:text"`
	// SettledAt is when the entry left pending
	SettledAt *time.Time `gorm:"column:settled_at;type:timestamptz"`
	// CreatedAt is the timestamp when this entry was recorded
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this entry was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the CommissionEntry model
func (CommissionEntry) TableName() string {
	return "commission_entries"
}

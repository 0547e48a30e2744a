package schema

import "time"

// MembershipMirror represents the membership_mirror table - a read replica of
// the on-chain member record. The chain is authoritative; rows here are only
// written from normalized events and reconciliation reads.
type MembershipMirror struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// WalletAddress is the member wallet, unique per mirror row
	WalletAddress string `gorm:"column:wallet_address;not null;unique;type:varchar(42)"`
	// PlanID is the member's current plan
	PlanID uint8 `gorm:"column:plan_id;not null"`
	// CycleNumber is the member's current earning cycle
	CycleNumber uint64 `gorm:"column:cycle_number;not null;default:0"`
	// TotalEarnings is lifetime earnings in minor units (decimal string)
	TotalEarnings string `gorm:"column:total_earnings;not null;default:'0';type:varchar(80)"`
	// TotalReferrals is the member's direct referral count
	TotalReferrals uint32 `gorm:"column:total_referrals;not null;default:0"`
	// IsActive indicates whether the member is currently active on-chain
	IsActive bool `gorm:"column:is_active;not null;default:true"`
	// SyncedAt is when this row last matched an on-chain read or event
	SyncedAt time.Time `gorm:"column:synced_at;not null;type:timestamptz"`
	// CreatedAt is the timestamp when this row was first created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this row was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the MembershipMirror model
func (MembershipMirror) TableName() string {
	return "membership_mirror"
}

package schema

import "time"

// ReferralEdge represents the referral_edges table - the referral graph.
// A referee has at most one referrer, ever; the first observed edge wins.
type ReferralEdge struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Referrer is the wallet that referred the referee
	Referrer string `gorm:"column:referrer;not null;type:varchar(42);index"`
	// Referee is the referred wallet, unique across the whole graph
	Referee string `gorm:"column:referee;not null;unique;type:varchar(42)"`
	// TxHash is the transaction that established the edge
	TxHash string `gorm:"column:tx_hash;not null;type:varchar(66)"`
	// LogIndex is the log position of the establishing event
	LogIndex uint `gorm:"column:log_index;not null"`
	// CreatedAt is the timestamp when this edge was recorded
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the ReferralEdge model
func (ReferralEdge) TableName() string {
	return "referral_edges"
}

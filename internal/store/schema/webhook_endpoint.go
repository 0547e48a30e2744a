package schema

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEndpoint represents the webhook_endpoints table - registered delivery targets
type WebhookEndpoint struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// EndpointID is a unique identifier for the endpoint (UUID)
	EndpointID string `gorm:"column:endpoint_id;not null;unique;type:varchar(36)"`
	// URL is the HTTPS endpoint where events will be delivered
	URL string `gorm:"column:url;not null;type:text"`
	// AuthToken is sent as the Authorization bearer token on every delivery
	AuthToken string `gorm:"column:auth_token;not null;type:text"`
	// EventFilters is a JSON array of event types this endpoint wants to receive
	// Examples: ["referral_paid", "member_registered"] or ["*"] for all events
	EventFilters datatypes.JSON `gorm:"column:event_filters;not null;type:jsonb"`
	// IsActive indicates whether this endpoint should receive deliveries
	IsActive bool `gorm:"column:is_active;not null;default:true"`
	// RetryMaxAttempts overrides the dispatcher's retry budget when > 0
	RetryMaxAttempts int `gorm:"column:retry_max_attempts;not null;default:0"`
	// CreatedAt is the timestamp when this endpoint was registered
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this endpoint was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the WebhookEndpoint model
func (WebhookEndpoint) TableName() string {
	return "webhook_endpoints"
}

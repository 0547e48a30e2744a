package schema

import "time"

// DeliveryTaskStatus is the status of a delivery task
type DeliveryTaskStatus string

const (
	// DeliveryTaskStatusPending is a task waiting for its next attempt
	DeliveryTaskStatusPending DeliveryTaskStatus = "pending"
	// DeliveryTaskStatusInFlight is a task currently leased by a dispatcher
	DeliveryTaskStatusInFlight DeliveryTaskStatus = "in_flight"
	// DeliveryTaskStatusDelivered is a task acknowledged with a 2xx response
	DeliveryTaskStatusDelivered DeliveryTaskStatus = "delivered"
	// DeliveryTaskStatusFailed is a task that exhausted its retry budget
	DeliveryTaskStatusFailed DeliveryTaskStatus = "failed"
)

// DeliveryTask represents the delivery_tasks table - one pending webhook
// delivery per (event, endpoint) pair. Terminal rows are kept for audit.
type DeliveryTask struct {
	// ID is an auto-incrementing sequence number
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// TaskID is a time-sortable unique identifier (ULID)
	TaskID string `gorm:"column:task_id;not null;unique;type:varchar(26)"`
	// EventKey identifies the domain event being delivered ("txHash:logIndex")
	EventKey string `gorm:"column:event_key;not null;type:varchar(80);uniqueIndex:idx_delivery_tasks_event_endpoint"`
	// EndpointID is the webhook endpoint this delivery targets
	EndpointID string `gorm:"column:endpoint_id;not null;type:varchar(36);uniqueIndex:idx_delivery_tasks_event_endpoint"`
	// Status indicates the current status: pending, in_flight, delivered, failed
	Status DeliveryTaskStatus `gorm:"column:status;not null;default:pending;index:idx_delivery_tasks_due,priority:1"`
	// Attempts is the number of delivery attempts made
	Attempts int `gorm:"column:attempts;not null;default:0"`
	// NextAttemptAt is when the task becomes due again
	NextAttemptAt time.Time `gorm:"column:next_attempt_at;not null;type:timestamptz;index:idx_delivery_tasks_due,priority:2"`
	// LeaseExpiresAt bounds how long an in_flight claim is honored
	LeaseExpiresAt *time.Time `gorm:"column:lease_expires_at;type:timestamptz"`
	// LastAttemptAt is the timestamp of the most recent delivery attempt
	LastAttemptAt *time.Time `gorm:"column:last_attempt_at;type:timestamptz"`
	// ResponseStatus is the HTTP status code from the last attempt
	ResponseStatus *int `gorm:"column:response_status"`
	// ResponseBody is the response body from the last attempt (limited to 4KB)
	ResponseBody string `gorm:"column:response_body;type:text"`
	// LastError contains error details from the last failed attempt
	LastError string `gorm:"column:last_error;type:text"`
	// DeliveredAt is set when the task reaches delivered
	DeliveredAt *time.Time `gorm:"column:delivered_at;type:timestamptz"`
	// CreatedAt is the timestamp when this task was enqueued
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this task was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the DeliveryTask model
func (DeliveryTask) TableName() string {
	return "delivery_tasks"
}

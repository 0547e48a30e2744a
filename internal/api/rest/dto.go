package rest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/store/schema"
)

// CreateWebhookEndpointRequest is the body for POST /webhooks/endpoints
type CreateWebhookEndpointRequest struct {
	URL              string   `json:"url" binding:"required"`
	AuthToken        string   `json:"auth_token"`
	EventFilters     []string `json:"event_filters"`
	RetryMaxAttempts *int     `json:"retry_max_attempts"`
}

// Validate checks the registration request. Plain HTTP targets are only
// allowed in debug mode.
func (r *CreateWebhookEndpointRequest) Validate(debug bool) error {
	parsed, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url must be absolute")
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if !debug {
			return fmt.Errorf("url must use https")
		}
	default:
		return fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}

	for _, filter := range r.EventFilters {
		if filter == "*" {
			continue
		}
		if !domain.IsValidEventType(domain.EventType(filter)) {
			return fmt.Errorf("unknown event type %q in event_filters", filter)
		}
	}

	if r.RetryMaxAttempts != nil && *r.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry_max_attempts must be positive")
	}

	return nil
}

// WebhookEndpointResponse is the representation of a registered endpoint.
// The auth token is returned only on creation.
type WebhookEndpointResponse struct {
	EndpointID       string    `json:"endpoint_id"`
	URL              string    `json:"url"`
	AuthToken        string    `json:"auth_token,omitempty"`
	EventFilters     []string  `json:"event_filters"`
	IsActive         bool      `json:"is_active"`
	RetryMaxAttempts int       `json:"retry_max_attempts,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// MemberResponse is the representation of a membership mirror row
type MemberResponse struct {
	WalletAddress  string    `json:"wallet_address"`
	PlanID         uint8     `json:"plan_id"`
	CycleNumber    uint64    `json:"cycle_number"`
	TotalEarnings  string    `json:"total_earnings"`
	TotalReferrals uint32    `json:"total_referrals"`
	IsActive       bool      `json:"is_active"`
	SyncedAt       time.Time `json:"synced_at"`
}

// ReconcileResponse acknowledges an on-demand refresh request
type ReconcileResponse struct {
	WalletAddress string `json:"wallet_address"`
	Status        string `json:"status"`
}

// DeliveryTaskResponse is the audit view of a delivery task
type DeliveryTaskResponse struct {
	TaskID         string     `json:"task_id"`
	EventKey       string     `json:"event_key"`
	EndpointID     string     `json:"endpoint_id"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toMemberResponse(mirror *schema.MembershipMirror) *MemberResponse {
	return &MemberResponse{
		WalletAddress:  mirror.WalletAddress,
		PlanID:         mirror.PlanID,
		CycleNumber:    mirror.CycleNumber,
		TotalEarnings:  mirror.TotalEarnings,
		TotalReferrals: mirror.TotalReferrals,
		IsActive:       mirror.IsActive,
		SyncedAt:       mirror.SyncedAt,
	}
}

func toEndpointResponse(endpoint *schema.WebhookEndpoint, includeToken bool) *WebhookEndpointResponse {
	var filters []string
	_ = json.Unmarshal(endpoint.EventFilters, &filters)

	resp := &WebhookEndpointResponse{
		EndpointID:       endpoint.EndpointID,
		URL:              endpoint.URL,
		EventFilters:     filters,
		IsActive:         endpoint.IsActive,
		RetryMaxAttempts: endpoint.RetryMaxAttempts,
		CreatedAt:        endpoint.CreatedAt,
	}
	if includeToken {
		resp.AuthToken = endpoint.AuthToken
	}
	return resp
}

func toDeliveryTaskResponses(tasks []*schema.DeliveryTask) []DeliveryTaskResponse {
	responses := make([]DeliveryTaskResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, DeliveryTaskResponse{
			TaskID:         task.TaskID,
			EventKey:       task.EventKey,
			EndpointID:     task.EndpointID,
			Status:         string(task.Status),
			Attempts:       task.Attempts,
			ResponseStatus: task.ResponseStatus,
			LastError:      task.LastError,
			LastAttemptAt:  task.LastAttemptAt,
			CreatedAt:      task.CreatedAt,
		})
	}
	return responses
}

package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/ledger"
	"github.com/clubprotocol/chain-relay/internal/store"
	"github.com/clubprotocol/chain-relay/internal/store/schema"
)

// Handler defines the interface for REST API handlers
// This interface allows for easy mocking and testing
//
//go:generate mockgen -source=handler.go -destination=../../mocks/api_handler.go -package=mocks -mock_names=Handler=MockAPIHandler
type Handler interface {
	// GetReferralStats retrieves aggregated referral totals for a referrer
	// GET /api/v1/referrals/:address/stats?from=<rfc3339>&to=<rfc3339>
	GetReferralStats(c *gin.Context)

	// GetTopReferrers retrieves the referral leaderboard
	// GET /api/v1/referrals/top?period=<24h|7d|30d|all>&limit=<limit>
	GetTopReferrers(c *gin.Context)

	// GetMember retrieves the mirrored on-chain membership state for a wallet
	// GET /api/v1/members/:address
	GetMember(c *gin.Context)

	// TriggerReconcile queues an on-demand mirror refresh for a wallet
	// (requires authentication via API key)
	// POST /api/v1/members/:address/reconcile
	TriggerReconcile(c *gin.Context)

	// ListFailedDeliveries retrieves dead-lettered delivery tasks for
	// operator inspection (requires authentication via API key)
	// GET /api/v1/deliveries/failed?limit=<limit>
	ListFailedDeliveries(c *gin.Context)

	// CreateWebhookEndpoint registers a new webhook endpoint (requires
	// authentication via API key)
	// POST /api/v1/webhooks/endpoints
	CreateWebhookEndpoint(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)
}

// timeNow is stubbed in tests to pin the leaderboard cutoff
var timeNow = time.Now

// handler implements the Handler interface
type handler struct {
	debug        bool
	store        store.Store
	ledger       ledger.Ledger
	defaultToken string
}

// NewHandler creates a new REST API handler. defaultToken is the shared
// webhook signing secret used for endpoints registered without their own.
func NewHandler(debug bool, st store.Store, ldg ledger.Ledger, defaultToken string) Handler {
	return &handler{
		debug:        debug,
		store:        st,
		ledger:       ldg,
		defaultToken: defaultToken,
	}
}

// walletParam extracts and normalizes the :address path parameter
func walletParam(c *gin.Context) (string, error) {
	address := c.Param("address")
	if address == "" {
		return "", fmt.Errorf("address is required")
	}
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid address %q", address)
	}
	return domain.NormalizeAddress(address), nil
}

// GetReferralStats retrieves aggregated referral totals for a referrer
func (h *handler) GetReferralStats(c *gin.Context) {
	address, err := walletParam(c)
	if err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	from, to, err := ParseStatsQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	stats, err := h.ledger.Stats(c.Request.Context(), address, from, to)
	if err != nil {
		respondInternalError(c, err, "Failed to get referral stats",
			zap.String("referrer", address))
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetTopReferrers retrieves the referral leaderboard
func (h *handler) GetTopReferrers(c *gin.Context) {
	params, err := ParseTopQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	ranks, err := h.ledger.Top(c.Request.Context(), params.Since(timeNow()), params.Limit)
	if err != nil {
		respondInternalError(c, err, "Failed to get top referrers")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"period":    params.Period,
		"referrers": ranks,
	})
}

// GetMember retrieves the mirrored on-chain membership state for a wallet
func (h *handler) GetMember(c *gin.Context) {
	address, err := walletParam(c)
	if err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	mirror, err := h.lookupMember(c.Request.Context(), address)
	if err != nil {
		if errors.Is(err, domain.ErrMemberNotFound) {
			respondNotFound(c, "Member not found")
			return
		}
		respondInternalError(c, err, "Failed to get member",
			zap.String("wallet", address))
		return
	}

	c.JSON(http.StatusOK, toMemberResponse(mirror))
}

// lookupMember loads a wallet's mirror row, mapping a missing row to
// ErrMemberNotFound so callers branch on the error instead of a nil check
func (h *handler) lookupMember(ctx context.Context, address string) (*schema.MembershipMirror, error) {
	mirror, err := h.store.GetMembershipMirror(ctx, address)
	if err != nil {
		return nil, err
	}
	if mirror == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrMemberNotFound, address)
	}
	return mirror, nil
}

// TriggerReconcile queues an on-demand mirror refresh for a wallet
func (h *handler) TriggerReconcile(c *gin.Context) {
	address, err := walletParam(c)
	if err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	err = h.store.EnqueueReconcileRequest(c.Request.Context(), address)
	if err != nil {
		respondInternalError(c, err, "Failed to queue reconcile request",
			zap.String("wallet", address))
		return
	}

	c.JSON(http.StatusAccepted, ReconcileResponse{
		WalletAddress: address,
		Status:        "queued",
	})
}

// ListFailedDeliveries retrieves dead-lettered delivery tasks
func (h *handler) ListFailedDeliveries(c *gin.Context) {
	limit, err := ParseListFailedQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	tasks, err := h.store.ListFailedDeliveryTasks(c.Request.Context(), limit)
	if err != nil {
		respondInternalError(c, err, "Failed to list failed deliveries")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": toDeliveryTaskResponses(tasks),
	})
}

// CreateWebhookEndpoint registers a new webhook endpoint
func (h *handler) CreateWebhookEndpoint(c *gin.Context) {
	var req CreateWebhookEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if err := req.Validate(h.debug); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	authToken := req.AuthToken
	if authToken == "" {
		authToken = h.defaultToken
	}
	filters := req.EventFilters
	if len(filters) == 0 {
		filters = []string{"*"}
	}
	// Zero means the dispatcher's retry budget applies
	retryMaxAttempts := 0
	if req.RetryMaxAttempts != nil {
		retryMaxAttempts = *req.RetryMaxAttempts
	}

	endpoint, err := h.store.CreateWebhookEndpoint(c.Request.Context(), store.CreateWebhookEndpointInput{
		EndpointID:       uuid.NewString(),
		URL:              req.URL,
		AuthToken:        authToken,
		EventFilters:     filters,
		IsActive:         true,
		RetryMaxAttempts: retryMaxAttempts,
	})
	if err != nil {
		respondInternalError(c, err, "Failed to create webhook endpoint")
		return
	}

	c.JSON(http.StatusCreated, toEndpointResponse(endpoint, true))
}

// HealthCheck returns the health status of the API
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":  "ok",
		"service": "chain-relay-api",
	})
}

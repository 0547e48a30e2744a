package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/clubprotocol/chain-relay/internal/adapter"
	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/logger"
	"github.com/clubprotocol/chain-relay/internal/store"
	"github.com/clubprotocol/chain-relay/internal/store/schema"
	"github.com/clubprotocol/chain-relay/internal/webhook"
)

// Config holds configuration for the webhook dispatcher
type Config struct {
	// WorkerPoolSize is the number of concurrent deliveries
	WorkerPoolSize int
	// BatchSize is the number of tasks leased per cycle
	BatchSize int
	// LeaseDuration bounds how long a claimed task stays invisible
	LeaseDuration time.Duration
	// PollInterval is the sleep between cycles when the queue is empty
	PollInterval time.Duration
	// MaxAttempts is the retry budget unless an endpoint overrides it
	MaxAttempts int
	// BackoffBase is the delay before the second attempt
	BackoffBase time.Duration
	// BackoffCap bounds the delay between attempts
	BackoffCap time.Duration
	// SharedSecret signs every delivery
	SharedSecret string
}

// Dispatcher drains the delivery queue: it leases due tasks, performs the
// signed webhook POST, and acks or reschedules each task.
//
//go:generate mockgen -source=dispatcher.go -destination=../mocks/dispatcher.go -package=mocks -mock_names=Dispatcher=MockDispatcher
type Dispatcher interface {
	// Start begins the dispatch loop. Blocks until the context is canceled
	// or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the dispatcher, waiting for in-flight deliveries
	Stop(ctx context.Context) error

	// Name returns the dispatcher's name for logging and identification
	Name() string
}

type dispatcher struct {
	config     *Config
	store      store.Store
	httpClient adapter.HTTPClient
	clock      adapter.Clock
	pool       pond.Pool
	running    atomic.Bool
	stopChan   chan struct{}
	stoppedCh  chan struct{}
}

// New creates a webhook dispatcher
func New(config *Config, st store.Store, httpClient adapter.HTTPClient, clock adapter.Clock) Dispatcher {
	return &dispatcher{
		config:     config,
		store:      st,
		httpClient: httpClient,
		clock:      clock,
		stopChan:   make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

// Name returns the dispatcher's name
func (d *dispatcher) Name() string {
	return "webhook-dispatcher"
}

// Start begins the dispatch loop
func (d *dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already running")
	}
	defer func() {
		d.running.Store(false)
		close(d.stoppedCh)
	}()

	logger.InfoCtx(ctx, "Starting webhook dispatcher",
		zap.Int("worker_pool_size", d.config.WorkerPoolSize),
		zap.Int("batch_size", d.config.BatchSize),
		zap.Duration("lease_duration", d.config.LeaseDuration),
		zap.Int("max_attempts", d.config.MaxAttempts))

	d.pool = pond.NewPool(
		d.config.WorkerPoolSize,
		pond.WithQueueSize(d.config.BatchSize),
		pond.WithContext(ctx),
	)

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Webhook dispatcher stopping due to context cancellation", zap.Error(ctx.Err()))
			d.cleanup()
			return nil
		case <-d.stopChan:
			logger.InfoCtx(ctx, "Webhook dispatcher stop requested")
			d.cleanup()
			return nil
		default:
			if err := d.runCycle(ctx); err != nil {
				logger.ErrorCtx(ctx, err)
			}
		}
	}
}

// cleanup stops the worker pool and waits for in-flight deliveries
func (d *dispatcher) cleanup() {
	if d.pool != nil {
		d.pool.StopAndWait()
	}
}

// Stop gracefully stops the dispatcher with timeout support
func (d *dispatcher) Stop(ctx context.Context) error {
	if !d.running.CompareAndSwap(true, false) {
		return nil // Already stopped
	}

	logger.InfoCtx(ctx, "Stopping webhook dispatcher")
	close(d.stopChan)

	select {
	case <-d.stoppedCh:
		logger.InfoCtx(ctx, "Webhook dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		logger.WarnCtx(ctx, "Webhook dispatcher stop interrupted by context timeout")
		return ctx.Err()
	}
}

// runCycle leases one batch of due tasks and dispatches them on the pool
func (d *dispatcher) runCycle(ctx context.Context) error {
	tasks, err := d.store.LeaseDeliveryTasks(ctx, d.config.BatchSize, d.config.LeaseDuration)
	if err != nil {
		return fmt.Errorf("failed to lease delivery tasks: %w", err)
	}

	if len(tasks) == 0 {
		if !d.sleep(ctx, d.config.PollInterval) {
			return ctx.Err()
		}
		return nil
	}

	logger.DebugCtx(ctx, "Leased delivery tasks", zap.Int("count", len(tasks)))

	for _, task := range tasks {
		d.pool.Submit(func() {
			d.deliver(ctx, task)
		})
	}
	d.pool.StopAndWait()

	// Recreate pool for next cycle
	d.pool = pond.NewPool(
		d.config.WorkerPoolSize,
		pond.WithQueueSize(d.config.BatchSize),
		pond.WithContext(ctx),
	)

	return nil
}

// sleep sleeps for the given duration but can be interrupted by context
// cancellation or a stop request. Returns false if interrupted.
func (d *dispatcher) sleep(ctx context.Context, duration time.Duration) bool {
	select {
	case <-d.clock.After(duration):
		return true
	case <-ctx.Done():
		return false
	case <-d.stopChan:
		return false
	}
}

// deliver performs one attempt for a leased task
func (d *dispatcher) deliver(ctx context.Context, task *schema.DeliveryTask) {
	endpoint, err := d.store.GetWebhookEndpointByID(ctx, task.EndpointID)
	if err != nil {
		d.nack(ctx, task, d.config.MaxAttempts, nil, "", fmt.Sprintf("failed to load endpoint: %v", err))
		return
	}
	if endpoint == nil || !endpoint.IsActive {
		// Nothing left to deliver to; burn the remaining budget
		d.fail(ctx, task, domain.ErrEndpointNotFound.Error())
		return
	}

	row, err := d.store.GetDomainEventByKey(ctx, task.EventKey)
	if err != nil {
		d.nack(ctx, task, d.maxAttempts(endpoint), nil, "", fmt.Sprintf("failed to load event: %v", err))
		return
	}
	if row == nil {
		d.fail(ctx, task, domain.ErrEventNotFound.Error())
		return
	}

	// Filters can change between enqueue and delivery; an endpoint that
	// unsubscribed from the type no longer wants the event
	if !webhook.MatchesFilter(row.EventType, endpointFilters(endpoint)) {
		d.fail(ctx, task, fmt.Sprintf("endpoint no longer subscribed to %s", row.EventType))
		return
	}

	event := webhook.NewEvent(&domain.DomainEvent{
		EventType:   domain.EventType(row.EventType),
		TxHash:      row.TxHash,
		BlockNumber: row.BlockNumber,
		LogIndex:    row.LogIndex,
		ObservedAt:  row.ObservedAt,
		Payload:     []byte(row.Payload),
	})

	payload, signature, timestamp, err := webhook.GenerateSignedPayload(d.config.SharedSecret, event)
	if err != nil {
		// Signing never recovers on retry
		d.fail(ctx, task, fmt.Sprintf("failed to sign payload: %v", err))
		return
	}

	headers := map[string]string{
		"Content-Type":          "application/json",
		"Authorization":         "Bearer " + endpoint.AuthToken,
		webhook.SignatureHeader: signature,
		webhook.TimestampHeader: strconv.FormatInt(timestamp, 10),
		"User-Agent":            "Chain-Relay-Webhook/1.0",
	}

	result := d.post(ctx, endpoint.URL, headers, payload)
	if !result.Success {
		if result.StatusCode == 0 {
			logger.WarnCtx(ctx, "Webhook delivery attempt failed",
				zap.String("taskID", task.TaskID),
				zap.String("endpointID", endpoint.EndpointID),
				zap.String("error", result.Error))
			d.nack(ctx, task, d.maxAttempts(endpoint), nil, "", result.Error)
			return
		}
		logger.WarnCtx(ctx, "Webhook endpoint rejected delivery",
			zap.String("taskID", task.TaskID),
			zap.String("endpointID", endpoint.EndpointID),
			zap.Int("statusCode", result.StatusCode))
		d.nack(ctx, task, d.maxAttempts(endpoint), &result.StatusCode, result.Body, result.Error)
		return
	}

	if err := d.store.AckDeliveryTask(ctx, task.TaskID, result.StatusCode, result.Body); err != nil {
		// The lease will expire and the task will be retried; the receiver
		// dedupes on the event key.
		logger.ErrorCtx(ctx, fmt.Errorf("failed to ack delivery task: %w", err),
			zap.String("taskID", task.TaskID))
		return
	}

	logger.InfoCtx(ctx, "Webhook delivered",
		zap.String("taskID", task.TaskID),
		zap.String("eventKey", task.EventKey),
		zap.String("endpointID", endpoint.EndpointID),
		zap.Int("attempt", task.Attempts+1))
}

// post performs the HTTP attempt and captures the outcome for the audit row.
// A zero status code means the request never reached the endpoint.
func (d *dispatcher) post(ctx context.Context, url string, headers map[string]string, payload []byte) webhook.DeliveryResult {
	resp, err := d.httpClient.PostWithHeaders(ctx, url, headers, bytes.NewReader(payload))
	if err != nil {
		return webhook.DeliveryResult{Error: err.Error()}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.WarnCtx(ctx, "failed to close response body", zap.Error(err), zap.String("url", url))
		}
	}()

	// Cap the stored body so a hostile endpoint cannot bloat the audit row
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	if err != nil {
		respBody = []byte{}
	}

	result := webhook.DeliveryResult{StatusCode: resp.StatusCode, Body: string(respBody)}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
	} else {
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return result
}

// endpointFilters decodes the endpoint's subscribed event types
func endpointFilters(endpoint *schema.WebhookEndpoint) []string {
	if len(endpoint.EventFilters) == 0 {
		return nil
	}
	var filters []string
	if err := json.Unmarshal(endpoint.EventFilters, &filters); err != nil {
		return nil
	}
	return filters
}

// maxAttempts resolves the retry budget for an endpoint
func (d *dispatcher) maxAttempts(endpoint *schema.WebhookEndpoint) int {
	if endpoint != nil && endpoint.RetryMaxAttempts > 0 {
		return endpoint.RetryMaxAttempts
	}
	return d.config.MaxAttempts
}

// nack reschedules a task after a failed attempt
func (d *dispatcher) nack(ctx context.Context, task *schema.DeliveryTask, maxAttempts int, responseStatus *int, responseBody, errorMessage string) {
	delay := BackoffDelay(task.Attempts+1, d.config.BackoffBase, d.config.BackoffCap)

	err := d.store.NackDeliveryTask(ctx, task.TaskID, store.NackInput{
		NextAttemptAt:  d.clock.Now().Add(delay),
		MaxAttempts:    maxAttempts,
		ResponseStatus: responseStatus,
		ResponseBody:   responseBody,
		ErrorMessage:   errorMessage,
	})
	if err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to nack delivery task: %w", err),
			zap.String("taskID", task.TaskID))
	}
}

// fail moves a task straight to failed, regardless of remaining budget
func (d *dispatcher) fail(ctx context.Context, task *schema.DeliveryTask, errorMessage string) {
	err := d.store.NackDeliveryTask(ctx, task.TaskID, store.NackInput{
		NextAttemptAt: d.clock.Now(),
		MaxAttempts:   task.Attempts + 1, // spent budget makes failed terminal
		ErrorMessage:  errorMessage,
	})
	if err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to fail delivery task: %w", err),
			zap.String("taskID", task.TaskID))
	}
}

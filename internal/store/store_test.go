package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/store/schema"
)

const (
	testTxHash   = "0x50ea1fa66f1e1ad2ecedd0a2a48e4b2286a2b9b39f5b5c1c247b8116be2f1bc9"
	testReferrer = "0x1111111111111111111111111111111111111111"
	testReferee  = "0x2222222222222222222222222222222222222222"
)

// InitStoreFunc creates a fresh store for a single test
type InitStoreFunc func(t *testing.T) Store

// RunStoreTests runs the full store suite against any Store implementation
func RunStoreTests(t *testing.T, initStore InitStoreFunc) {
	t.Run("SaveDomainEvent", func(t *testing.T) { testSaveDomainEvent(t, initStore(t)) })
	t.Run("WebhookEndpoints", func(t *testing.T) { testWebhookEndpoints(t, initStore(t)) })
	t.Run("EnqueueDeliveryTasks", func(t *testing.T) { testEnqueueDeliveryTasks(t, initStore(t)) })
	t.Run("LeaseDeliveryTasks", func(t *testing.T) { testLeaseDeliveryTasks(t, initStore(t)) })
	t.Run("LeaseExpiryReclaim", func(t *testing.T) { testLeaseExpiryReclaim(t, initStore(t)) })
	t.Run("AckDeliveryTask", func(t *testing.T) { testAckDeliveryTask(t, initStore(t)) })
	t.Run("NackDeliveryTask", func(t *testing.T) { testNackDeliveryTask(t, initStore(t)) })
	t.Run("RetryBudgetExhaustion", func(t *testing.T) { testRetryBudgetExhaustion(t, initStore(t)) })
	t.Run("ReferralEdges", func(t *testing.T) { testReferralEdges(t, initStore(t)) })
	t.Run("CommissionEntries", func(t *testing.T) { testCommissionEntries(t, initStore(t)) })
	t.Run("ReferralStats", func(t *testing.T) { testReferralStats(t, initStore(t)) })
	t.Run("TopReferrers", func(t *testing.T) { testTopReferrers(t, initStore(t)) })
	t.Run("MembershipMirror", func(t *testing.T) { testMembershipMirror(t, initStore(t)) })
	t.Run("ReconcileRequests", func(t *testing.T) { testReconcileRequests(t, initStore(t)) })
	t.Run("BlockCursor", func(t *testing.T) { testBlockCursor(t, initStore(t)) })
}

func newTestEvent(t *testing.T, logIndex uint) *domain.DomainEvent {
	t.Helper()
	payload, err := json.Marshal(domain.ReferralPaidPayload{
		Referrer:  testReferrer,
		Referee:   testReferee,
		Amount:    "5000000",
		PlanLevel: 6,
	})
	require.NoError(t, err)

	return &domain.DomainEvent{
		EventType:   domain.EventTypeReferralPaid,
		TxHash:      testTxHash,
		BlockNumber: 1234,
		LogIndex:    logIndex,
		ObservedAt:  time.Now().UTC(),
		Payload:     payload,
	}
}

func createTestEndpoint(t *testing.T, s Store, filters []string) *schema.WebhookEndpoint {
	t.Helper()
	endpoint, err := s.CreateWebhookEndpoint(context.Background(), CreateWebhookEndpointInput{
		EndpointID:   uuid.NewString(),
		URL:          "https://example.com/hooks",
		AuthToken:    "secret-token",
		EventFilters: filters,
		IsActive:     true,
	})
	require.NoError(t, err)
	return endpoint
}

func testSaveDomainEvent(t *testing.T, s Store) {
	ctx := context.Background()
	event := newTestEvent(t, 7)

	created, err := s.SaveDomainEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, created)

	// Same (tx_hash, log_index) is a no-op
	created, err = s.SaveDomainEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, created)

	row, err := s.GetDomainEventByKey(ctx, event.EventKey())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, string(domain.EventTypeReferralPaid), row.EventType)
	assert.Equal(t, uint64(1234), row.BlockNumber)
	assert.Equal(t, event.EventKey(), row.EventKey())

	// A different log index in the same transaction is a distinct event
	created, err = s.SaveDomainEvent(ctx, newTestEvent(t, 8))
	require.NoError(t, err)
	assert.True(t, created)

	// Invalid events are rejected before touching the database
	_, err = s.SaveDomainEvent(ctx, &domain.DomainEvent{EventType: "bogus"})
	assert.Error(t, err)

	missing, err := s.GetDomainEventByKey(ctx, testTxHash+":99")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.GetDomainEventByKey(ctx, "no-colon")
	assert.Error(t, err)
}

func testWebhookEndpoints(t *testing.T, s Store) {
	ctx := context.Background()

	referralOnly := createTestEndpoint(t, s, []string{"referral_paid"})
	wildcard := createTestEndpoint(t, s, []string{"*"})
	createTestEndpoint(t, s, []string{"member_registered"})

	inactive, err := s.CreateWebhookEndpoint(ctx, CreateWebhookEndpointInput{
		EndpointID:   uuid.NewString(),
		URL:          "https://example.com/inactive",
		AuthToken:    "secret-token",
		EventFilters: []string{"*"},
		IsActive:     false,
	})
	require.NoError(t, err)

	matched, err := s.GetActiveEndpointsByEventType(ctx, "referral_paid")
	require.NoError(t, err)
	require.Len(t, matched, 2)

	ids := []string{matched[0].EndpointID, matched[1].EndpointID}
	assert.Contains(t, ids, referralOnly.EndpointID)
	assert.Contains(t, ids, wildcard.EndpointID)
	assert.NotContains(t, ids, inactive.EndpointID)

	fetched, err := s.GetWebhookEndpointByID(ctx, referralOnly.EndpointID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "https://example.com/hooks", fetched.URL)

	missing, err := s.GetWebhookEndpointByID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testEnqueueDeliveryTasks(t *testing.T, s Store) {
	ctx := context.Background()
	eventKey := testTxHash + ":0"

	first := createTestEndpoint(t, s, []string{"*"})
	second := createTestEndpoint(t, s, []string{"*"})

	created, err := s.EnqueueDeliveryTasks(ctx, eventKey, []string{first.EndpointID, second.EndpointID})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	// Re-ingesting the same event creates nothing new
	created, err = s.EnqueueDeliveryTasks(ctx, eventKey, []string{first.EndpointID, second.EndpointID})
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	// A late-registered endpoint still gets its task
	third := createTestEndpoint(t, s, []string{"*"})
	created, err = s.EnqueueDeliveryTasks(ctx, eventKey, []string{third.EndpointID})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	created, err = s.EnqueueDeliveryTasks(ctx, eventKey, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func testLeaseDeliveryTasks(t *testing.T, s Store) {
	ctx := context.Background()
	endpoint := createTestEndpoint(t, s, []string{"*"})

	for i := 0; i < 3; i++ {
		_, err := s.EnqueueDeliveryTasks(ctx, fmt.Sprintf("%s:%d", testTxHash, i), []string{endpoint.EndpointID})
		require.NoError(t, err)
	}

	leased, err := s.LeaseDeliveryTasks(ctx, 2, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	for _, task := range leased {
		assert.Equal(t, schema.DeliveryTaskStatusInFlight, task.Status)
		require.NotNil(t, task.LeaseExpiresAt)
	}

	// Leased tasks are not handed out again while the lease holds
	remaining, err := s.LeaseDeliveryTasks(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	none, err := s.LeaseDeliveryTasks(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testLeaseExpiryReclaim(t *testing.T, s Store) {
	ctx := context.Background()
	endpoint := createTestEndpoint(t, s, []string{"*"})

	_, err := s.EnqueueDeliveryTasks(ctx, testTxHash+":0", []string{endpoint.EndpointID})
	require.NoError(t, err)

	// An already-expired lease models a dispatcher that died mid-flight
	leased, err := s.LeaseDeliveryTasks(ctx, 1, -time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	reclaimed, err := s.LeaseDeliveryTasks(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, leased[0].TaskID, reclaimed[0].TaskID)
}

func testAckDeliveryTask(t *testing.T, s Store) {
	ctx := context.Background()
	endpoint := createTestEndpoint(t, s, []string{"*"})

	_, err := s.EnqueueDeliveryTasks(ctx, testTxHash+":0", []string{endpoint.EndpointID})
	require.NoError(t, err)

	leased, err := s.LeaseDeliveryTasks(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	err = s.AckDeliveryTask(ctx, leased[0].TaskID, 200, `{"ok":true}`)
	require.NoError(t, err)

	task, err := s.GetDeliveryTaskByID(ctx, leased[0].TaskID)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, schema.DeliveryTaskStatusDelivered, task.Status)
	assert.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.ResponseStatus)
	assert.Equal(t, 200, *task.ResponseStatus)
	assert.NotNil(t, task.DeliveredAt)

	// Delivered tasks never come back
	none, err := s.LeaseDeliveryTasks(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testNackDeliveryTask(t *testing.T, s Store) {
	ctx := context.Background()
	endpoint := createTestEndpoint(t, s, []string{"*"})

	_, err := s.EnqueueDeliveryTasks(ctx, testTxHash+":0", []string{endpoint.EndpointID})
	require.NoError(t, err)

	leased, err := s.LeaseDeliveryTasks(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	status := 503
	err = s.NackDeliveryTask(ctx, leased[0].TaskID, NackInput{
		NextAttemptAt:  time.Now().Add(time.Hour),
		MaxAttempts:    8,
		ResponseStatus: &status,
		ResponseBody:   "service unavailable",
		ErrorMessage:   "unexpected status 503",
	})
	require.NoError(t, err)

	task, err := s.GetDeliveryTaskByID(ctx, leased[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryTaskStatusPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "unexpected status 503", task.LastError)
	assert.Nil(t, task.LeaseExpiresAt)

	// Rescheduled an hour out, so not due yet
	none, err := s.LeaseDeliveryTasks(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRetryBudgetExhaustion(t *testing.T, s Store) {
	ctx := context.Background()
	endpoint := createTestEndpoint(t, s, []string{"*"})

	_, err := s.EnqueueDeliveryTasks(ctx, testTxHash+":0", []string{endpoint.EndpointID})
	require.NoError(t, err)

	const maxAttempts = 8
	var taskID string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		leased, err := s.LeaseDeliveryTasks(ctx, 1, 30*time.Second)
		require.NoError(t, err)
		require.Len(t, leased, 1, "attempt %d should be leasable", attempt)
		taskID = leased[0].TaskID

		err = s.NackDeliveryTask(ctx, taskID, NackInput{
			NextAttemptAt: time.Now().Add(-time.Second), // immediately due again
			MaxAttempts:   maxAttempts,
			ErrorMessage:  "connection refused",
		})
		require.NoError(t, err)
	}

	task, err := s.GetDeliveryTaskByID(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryTaskStatusFailed, task.Status)
	assert.Equal(t, maxAttempts, task.Attempts)

	// No ninth attempt is ever scheduled
	none, err := s.LeaseDeliveryTasks(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, none)

	failed, err := s.ListFailedDeliveryTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, taskID, failed[0].TaskID)
	assert.Equal(t, "connection refused", failed[0].LastError)
}

func testReferralEdges(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.CreateReferralEdge(ctx, &schema.ReferralEdge{
		Referrer: testReferrer,
		Referee:  testReferee,
		TxHash:   testTxHash,
		LogIndex: 0,
	})
	require.NoError(t, err)
	assert.True(t, created)

	// A conflicting edge for the same referee is ignored: first write wins
	created, err = s.CreateReferralEdge(ctx, &schema.ReferralEdge{
		Referrer: "0x3333333333333333333333333333333333333333",
		Referee:  testReferee,
		TxHash:   testTxHash,
		LogIndex: 1,
	})
	require.NoError(t, err)
	assert.False(t, created)

	edge, err := s.GetReferralEdgeByReferee(ctx, testReferee)
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, testReferrer, edge.Referrer)

	missing, err := s.GetReferralEdgeByReferee(ctx, "0x4444444444444444444444444444444444444444")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func newTestCommissionEntry(logIndex uint) *schema.CommissionEntry {
	return &schema.CommissionEntry{
		Referrer:   testReferrer,
		Referee:    testReferee,
		PlanLevel:  6,
		Amount:     "5000000",
		RateBPS:    5500,
		Commission: "2750000",
		TxHash:     testTxHash,
		LogIndex:   logIndex,
		Status:     schema.CommissionEntryStatusPending,
	}
}

func testCommissionEntries(t *testing.T, s Store) {
	ctx := context.Background()

	entry := newTestCommissionEntry(0)
	created, err := s.CreateCommissionEntry(ctx, entry)
	require.NoError(t, err)
	assert.True(t, created)

	// Redelivery of the same source log is a no-op
	created, err = s.CreateCommissionEntry(ctx, newTestCommissionEntry(0))
	require.NoError(t, err)
	assert.False(t, created)

	pending, err := s.ListPendingCommissionEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "2750000", pending[0].Commission)

	err = s.SettleCommissionEntry(ctx, pending[0].ID, schema.CommissionEntryStatusCompleted, "")
	require.NoError(t, err)

	pending, err = s.ListPendingCommissionEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Settlement only moves entries out of pending once
	err = s.SettleCommissionEntry(ctx, entry.ID, schema.CommissionEntryStatusFailed, "late receipt")
	require.NoError(t, err)
	stats, err := s.GetReferralStats(ctx, testReferrer, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ReferralCount)

	err = s.SettleCommissionEntry(ctx, entry.ID, schema.CommissionEntryStatusPending, "")
	assert.Error(t, err)
}

func testReferralStats(t *testing.T, s Store) {
	ctx := context.Background()

	// Two completed entries, one pending, one failed; only completed count.
	// Amounts deliberately exceed uint64 to prove sums stay exact.
	big1 := "340282366920938463463374607431768211456" // 2^128
	big2 := "1"

	for i, fixture := range []struct {
		commission string
		status     schema.CommissionEntryStatus
	}{
		{big1, schema.CommissionEntryStatusCompleted},
		{big2, schema.CommissionEntryStatusCompleted},
		{"999", schema.CommissionEntryStatusPending},
		{"999", schema.CommissionEntryStatusFailed},
	} {
		entry := newTestCommissionEntry(uint(i))
		entry.Commission = fixture.commission
		entry.Status = fixture.status
		created, err := s.CreateCommissionEntry(ctx, entry)
		require.NoError(t, err)
		require.True(t, created)
	}

	stats, err := s.GetReferralStats(ctx, testReferrer, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ReferralCount)
	assert.Equal(t, "340282366920938463463374607431768211457", stats.CommissionTotal)

	// No completed entries inside the window
	past := time.Now().Add(-2 * time.Hour)
	cutoff := time.Now().Add(-time.Hour)
	stats, err = s.GetReferralStats(ctx, testReferrer, &past, &cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ReferralCount)
	assert.Equal(t, "0", stats.CommissionTotal)

	// Unknown referrer yields zeroes, not an error
	stats, err = s.GetReferralStats(ctx, "0x4444444444444444444444444444444444444444", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ReferralCount)
	assert.Equal(t, "0", stats.CommissionTotal)
}

func testTopReferrers(t *testing.T, s Store) {
	ctx := context.Background()

	referrers := []struct {
		wallet     string
		commission string
		count      int
	}{
		{"0x1111111111111111111111111111111111111111", "100", 2},
		{"0x3333333333333333333333333333333333333333", "5000", 1},
		{"0x5555555555555555555555555555555555555555", "50", 3},
	}

	logIndex := uint(0)
	for _, r := range referrers {
		for i := 0; i < r.count; i++ {
			entry := newTestCommissionEntry(logIndex)
			entry.Referrer = r.wallet
			entry.Commission = r.commission
			entry.Status = schema.CommissionEntryStatusCompleted
			created, err := s.CreateCommissionEntry(ctx, entry)
			require.NoError(t, err)
			require.True(t, created)
			logIndex++
		}
	}

	ranks, err := s.GetTopReferrers(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, ranks, 2)

	// Ranked by commission sum, not entry count
	assert.Equal(t, "0x3333333333333333333333333333333333333333", ranks[0].Referrer)
	assert.Equal(t, "5000", ranks[0].CommissionTotal)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", ranks[1].Referrer)
	assert.Equal(t, "200", ranks[1].CommissionTotal)
	assert.Equal(t, int64(2), ranks[1].ReferralCount)

	// A future cutoff excludes everything
	future := time.Now().Add(time.Hour)
	ranks, err = s.GetTopReferrers(ctx, &future, 10)
	require.NoError(t, err)
	assert.Empty(t, ranks)
}

func testMembershipMirror(t *testing.T, s Store) {
	ctx := context.Background()
	wallet := "0x6666666666666666666666666666666666666666"

	err := s.UpsertMembershipMirror(ctx, &schema.MembershipMirror{
		WalletAddress:  wallet,
		PlanID:         3,
		CycleNumber:    1,
		TotalEarnings:  "1000",
		TotalReferrals: 2,
		IsActive:       true,
		SyncedAt:       time.Now(),
	})
	require.NoError(t, err)

	// Second write for the same wallet updates in place
	err = s.UpsertMembershipMirror(ctx, &schema.MembershipMirror{
		WalletAddress:  wallet,
		PlanID:         4,
		CycleNumber:    2,
		TotalEarnings:  "340282366920938463463374607431768211456",
		TotalReferrals: 5,
		IsActive:       false,
		SyncedAt:       time.Now(),
	})
	require.NoError(t, err)

	mirror, err := s.GetMembershipMirror(ctx, wallet)
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.EqualValues(t, 4, mirror.PlanID)
	assert.EqualValues(t, 2, mirror.CycleNumber)
	assert.Equal(t, "340282366920938463463374607431768211456", mirror.TotalEarnings)
	assert.False(t, mirror.IsActive)

	missing, err := s.GetMembershipMirror(ctx, "0x7777777777777777777777777777777777777777")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Keyset pagination over the sweep
	for i := 0; i < 3; i++ {
		err = s.UpsertMembershipMirror(ctx, &schema.MembershipMirror{
			WalletAddress: fmt.Sprintf("0x%040d", i),
			PlanID:        1,
			TotalEarnings: "0",
			SyncedAt:      time.Now(),
		})
		require.NoError(t, err)
	}

	var seen []string
	var afterID uint64
	for {
		page, err := s.ListMembershipMirrors(ctx, afterID, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			seen = append(seen, m.WalletAddress)
			afterID = m.ID
		}
	}
	assert.Len(t, seen, 4)
}

func testReconcileRequests(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.EnqueueReconcileRequest(ctx, testReferrer))
	require.NoError(t, s.EnqueueReconcileRequest(ctx, testReferee))

	claimed, err := s.ClaimReconcileRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, request := range claimed {
		assert.NotNil(t, request.ProcessedAt)
	}

	// Claimed requests are gone
	none, err := s.ClaimReconcileRequests(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	// The same wallet can be requested again later
	require.NoError(t, s.EnqueueReconcileRequest(ctx, testReferrer))
	claimed, err = s.ClaimReconcileRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, testReferrer, claimed[0].WalletAddress)
}

func testBlockCursor(t *testing.T, s Store) {
	ctx := context.Background()

	cursor, err := s.GetBlockCursor(ctx, "membership")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)

	require.NoError(t, s.SetBlockCursor(ctx, "membership", 12345))

	cursor, err = s.GetBlockCursor(ctx, "membership")
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), cursor)

	// Overwrites move the cursor forward
	require.NoError(t, s.SetBlockCursor(ctx, "membership", 12400))
	cursor, err = s.GetBlockCursor(ctx, "membership")
	require.NoError(t, err)
	assert.Equal(t, uint64(12400), cursor)
}

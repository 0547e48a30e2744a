package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubprotocol/chain-relay/internal/adapter"
	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/logger"
	"github.com/clubprotocol/chain-relay/internal/messaging"
	"github.com/clubprotocol/chain-relay/internal/store"
)

const testTxHash = "0x50ea1fa66f1e1ad2ecedd0a2a48e4b2286a2b9b39f5b5c1c247b8116be2f1bc9"

func TestMain(m *testing.M) {
	if err := logger.Initialize(logger.Config{Debug: true}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeSubscriber struct {
	latest       uint64
	latestErr    error
	backfilled   []domain.DomainEvent
	backfillErr  error
	live         []domain.DomainEvent
	subscribeErr error

	mu            sync.Mutex
	backfillFrom  uint64
	backfillTo    uint64
	subscribeFrom uint64
	closed        bool
}

func (f *fakeSubscriber) SubscribeEvents(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
	f.mu.Lock()
	f.subscribeFrom = fromBlock
	f.mu.Unlock()

	// A handler failure ends the subscription, mirroring the chain client
	for i := range f.live {
		if err := handler(&f.live[i]); err != nil {
			return err
		}
	}
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSubscriber) BackfillEvents(ctx context.Context, fromBlock, toBlock uint64) ([]domain.DomainEvent, error) {
	f.mu.Lock()
	f.backfillFrom = fromBlock
	f.backfillTo = toBlock
	f.mu.Unlock()
	return f.backfilled, f.backfillErr
}

func (f *fakeSubscriber) GetLatestBlock(ctx context.Context) (uint64, error) {
	return f.latest, f.latestErr
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
	failKey   string
	failErr   error
	closed    bool
}

func (f *fakePublisher) PublishEvent(ctx context.Context, event *domain.DomainEvent) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKey != "" && event.EventKey() == f.failKey {
		return f.failErr
	}
	f.published = append(f.published, event.EventKey())
	return nil
}

func (f *fakePublisher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakePublisher) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeStore struct {
	store.Store

	mu         sync.Mutex
	cursor     uint64
	cursorErr  error
	cursorSets []uint64
}

func (f *fakeStore) GetBlockCursor(ctx context.Context, chain string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor, f.cursorErr
}

func (f *fakeStore) SetBlockCursor(ctx context.Context, chain string, blockNumber uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorSets = append(f.cursorSets, blockNumber)
	return nil
}

func (f *fakeStore) savedCursors() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.cursorSets...)
}

func testConfig() Config {
	return Config{
		ChainName:          "ethereum",
		CursorSaveBlocks:   50,
		CursorSaveInterval: time.Hour,
	}
}

func testEvent(block uint64, logIndex uint) domain.DomainEvent {
	payload, _ := json.Marshal(domain.ReferralPaidPayload{
		Referrer:  "0x1111111111111111111111111111111111111111",
		Referee:   "0x2222222222222222222222222222222222222222",
		Amount:    "5000000",
		PlanLevel: 6,
	})
	return domain.DomainEvent{
		EventType:   domain.EventTypeReferralPaid,
		TxHash:      testTxHash,
		BlockNumber: block,
		LogIndex:    logIndex,
		ObservedAt:  time.Now(),
		Payload:     payload,
	}
}

// runEmitter starts Run on a cancelable context and returns a stop function
// that cancels and waits for Run to exit
func runEmitter(t *testing.T, e Emitter) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("emitter did not stop")
		}
	}
}

func TestRunResumesFromCursorAndBackfillsGap(t *testing.T) {
	sub := &fakeSubscriber{
		latest:     105,
		backfilled: []domain.DomainEvent{testEvent(101, 0), testEvent(103, 2)},
	}
	pub := &fakePublisher{}
	st := &fakeStore{cursor: 100}

	e := NewEmitter(sub, pub, st, testConfig(), adapter.NewClock())
	stop := runEmitter(t, e)

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.subscribeFrom == 106
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	assert.EqualValues(t, 101, sub.backfillFrom)
	assert.EqualValues(t, 105, sub.backfillTo)
	assert.Equal(t, 2, pub.publishedCount())
	assert.Equal(t, []uint64{105}, st.savedCursors())
}

func TestRunStartsFromLatestWhenNoCursor(t *testing.T) {
	sub := &fakeSubscriber{latest: 200}
	pub := &fakePublisher{}
	st := &fakeStore{}

	e := NewEmitter(sub, pub, st, testConfig(), adapter.NewClock())
	stop := runEmitter(t, e)

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.subscribeFrom == 201
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	assert.EqualValues(t, 200, sub.backfillFrom)
	assert.Equal(t, 0, pub.publishedCount())
}

func TestRunStartsFromConfiguredBlock(t *testing.T) {
	sub := &fakeSubscriber{latest: 60}
	pub := &fakePublisher{}
	st := &fakeStore{cursor: 100} // ignored when StartBlock is set

	cfg := testConfig()
	cfg.StartBlock = 50
	e := NewEmitter(sub, pub, st, cfg, adapter.NewClock())
	stop := runEmitter(t, e)

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.subscribeFrom == 61
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	assert.EqualValues(t, 50, sub.backfillFrom)
}

func TestRunLiveEventsPublishedAndCursorSaved(t *testing.T) {
	sub := &fakeSubscriber{
		latest: 105,
		live:   []domain.DomainEvent{testEvent(106, 0), testEvent(107, 1)},
	}
	pub := &fakePublisher{}
	st := &fakeStore{cursor: 100}

	e := NewEmitter(sub, pub, st, testConfig(), adapter.NewClock())
	stop := runEmitter(t, e)

	require.Eventually(t, func() bool {
		return pub.publishedCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	// Backfill checkpoint at 105, then the first live event saves (106 > 50
	// blocks past the goroutine-local zero); 107 is within the save window
	assert.Equal(t, []uint64{105, 106}, st.savedCursors())
}

func TestRunSubscriptionErrorPropagates(t *testing.T) {
	subErr := errors.New("websocket dropped")
	sub := &fakeSubscriber{latest: 10, subscribeErr: subErr}
	e := NewEmitter(sub, &fakePublisher{}, &fakeStore{}, testConfig(), adapter.NewClock())

	err := e.Run(context.Background())
	require.ErrorIs(t, err, subErr)
}

func TestRunBackfillPublishFailureAborts(t *testing.T) {
	pubErr := errors.New("nats unavailable")
	sub := &fakeSubscriber{latest: 105, backfilled: []domain.DomainEvent{testEvent(101, 0)}}
	st := &fakeStore{cursor: 100}

	e := NewEmitter(sub, &fakePublisher{err: pubErr}, st, testConfig(), adapter.NewClock())

	err := e.Run(context.Background())
	require.ErrorIs(t, err, pubErr)
	assert.Empty(t, st.savedCursors())
}

func TestRunLivePublishFailureStopsBeforeLaterEvents(t *testing.T) {
	pubErr := errors.New("nats unavailable")
	sub := &fakeSubscriber{
		latest: 105,
		live:   []domain.DomainEvent{testEvent(106, 0), testEvent(107, 1)},
	}
	pub := &fakePublisher{failKey: testTxHash + ":0", failErr: pubErr}
	st := &fakeStore{cursor: 100}

	e := NewEmitter(sub, pub, st, testConfig(), adapter.NewClock())

	err := e.Run(context.Background())
	require.ErrorIs(t, err, pubErr)

	// The later event is never published and the cursor stays at the backfill
	// checkpoint, so a restart re-observes block 106 and nothing is lost
	assert.Equal(t, 0, pub.publishedCount())
	assert.Equal(t, []uint64{105}, st.savedCursors())
}

func TestRunCursorReadFailureAborts(t *testing.T) {
	cursorErr := errors.New("db down")
	e := NewEmitter(&fakeSubscriber{}, &fakePublisher{}, &fakeStore{cursorErr: cursorErr}, testConfig(), adapter.NewClock())

	err := e.Run(context.Background())
	require.ErrorIs(t, err, cursorErr)
}

func TestCloseClosesBothEnds(t *testing.T) {
	sub := &fakeSubscriber{}
	pub := &fakePublisher{}
	e := NewEmitter(sub, pub, &fakeStore{}, testConfig(), adapter.NewClock())

	e.Close()
	assert.True(t, sub.closed)
	assert.True(t, pub.closed)
}

package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jcoelh0/web3cache-go/config"
	"github.com/jcoelh0/web3cache-go/events"
	"github.com/jcoelh0/web3cache-go/store"
)

// fakeConfigStore seeds config.Load with a fixed Data, bypassing the DB.
type fakeConfigStore struct{ data config.Data }

func (f fakeConfigStore) GetConfig(ctx context.Context) (map[string]any, error) {
	return map[string]any{
		"max_retries":         f.data.MaxRetries,
		"retry_sleep_ms":      f.data.RetrySleepMS,
		"dispatch_sleep_ms":   f.data.DispatchSleepMS,
		"refill_sleep_ms":     f.data.RefillSleepMS,
		"initial_backoff_ms":  f.data.InitialBackoffMS,
		"steady_backoff_ms":   f.data.SteadyBackoffMS,
		"max_backoff_ms":      f.data.MaxBackoffMS,
		"claim_lease_seconds": f.data.ClaimLeaseSeconds,
		"sent_lease_seconds":  f.data.SentLeaseSeconds,
		"batch_size":          f.data.BatchSize,
		"webhook_timeout_ms":  f.data.WebhookTimeoutMS,
	}, nil
}

func (f fakeConfigStore) SetConfig(ctx context.Context, data map[string]any) error { return nil }

// fakeStore is a minimal in-memory store.Store sufficient to drive trySend.
type fakeStore struct {
	sub          *store.Subscription
	items        []*store.WorkItem
	claims       map[uuid.UUID]bool
	deleted      []uuid.UUID
	gcSubs       []uuid.UUID
	activeSubIDs []uuid.UUID
	denyClaim    bool
}

func (f *fakeStore) CreateContract(ctx context.Context, c *store.Contract) error { return nil }
func (f *fakeStore) GetContract(ctx context.Context, id string) (*store.Contract, error) {
	return nil, nil
}
func (f *fakeStore) CreateSubscription(ctx context.Context, s *store.Subscription) error { return nil }
func (f *fakeStore) GetSubscription(ctx context.Context, id uuid.UUID) (*store.Subscription, error) {
	if f.sub != nil && f.sub.SubID == id {
		return f.sub, nil
	}
	return nil, nil
}
func (f *fakeStore) FindActiveSubscriptionsByContract(ctx context.Context, contractID string) ([]*store.Subscription, error) {
	return nil, nil
}
func (f *fakeStore) ListActiveSubscriptionIDs(ctx context.Context) ([]uuid.UUID, error) {
	return f.activeSubIDs, nil
}
func (f *fakeStore) ListActiveSubscriptions(ctx context.Context) ([]*store.Subscription, error) {
	return nil, nil
}
func (f *fakeStore) FindWaterMark(ctx context.Context, contractID string) (*store.EventWaterMark, error) {
	return nil, nil
}
func (f *fakeStore) UpsertWaterMark(ctx context.Context, contractID string, resetNonce int64, marks map[string]int64) error {
	return nil
}
func (f *fakeStore) InsertWorkItems(ctx context.Context, items []*store.WorkItem) error { return nil }
func (f *fakeStore) FindWorkItemBatch(ctx context.Context, subID uuid.UUID, limit int) ([]*store.WorkItem, error) {
	return f.items, nil
}
func (f *fakeStore) AnyWorkItemPending(ctx context.Context, subID uuid.UUID) (bool, error) {
	return len(f.items) > 0, nil
}
func (f *fakeStore) ClaimWorkItem(ctx context.Context, itemID uuid.UUID, lockedUntil time.Time) (bool, error) {
	if f.denyClaim {
		return false, nil
	}
	if f.claims == nil {
		f.claims = map[uuid.UUID]bool{}
	}
	f.claims[itemID] = true
	return true, nil
}
func (f *fakeStore) ReleaseWorkItems(ctx context.Context, itemIDs []uuid.UUID, lockedUntil time.Time) error {
	return nil
}
func (f *fakeStore) DeleteWorkItems(ctx context.Context, itemIDs []uuid.UUID) error {
	f.deleted = append(f.deleted, itemIDs...)
	return nil
}
func (f *fakeStore) DeleteWorkItemsForSubscription(ctx context.Context, subID uuid.UUID) error {
	f.gcSubs = append(f.gcSubs, subID)
	return nil
}
func (f *fakeStore) GetConfig(ctx context.Context) (map[string]any, error) { return nil, nil }
func (f *fakeStore) SetConfig(ctx context.Context, data map[string]any) error { return nil }
func (f *fakeStore) Close() error                                            { return nil }

func testGlobal(t *testing.T) *config.Global {
	t.Helper()
	return testGlobalWithInitialBackoff(t, 100)
}

func testGlobalWithInitialBackoff(t *testing.T, initialBackoffMS int) *config.Global {
	t.Helper()
	g, err := config.Load(context.Background(), fakeConfigStore{data: config.Data{
		MaxRetries:        15,
		RetrySleepMS:      50,
		DispatchSleepMS:   200,
		RefillSleepMS:     1000,
		InitialBackoffMS:  initialBackoffMS,
		SteadyBackoffMS:   150,
		MaxBackoffMS:      10000,
		ClaimLeaseSeconds: 10,
		SentLeaseSeconds:  60,
		BatchSize:         50,
		WebhookTimeoutMS:  8000,
	}})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return g
}

// TestTrySendBackoffRampDoublesOnRepeatedFailure exercises the documented
// ramp: each failed delivery doubles the subscription's backoff starting
// from the configured initial_backoff_ms, capped at max_backoff_ms. The
// initial seed is deliberately non-default (300ms, not the queue package's
// old hardcoded 100ms) and goes through the real Queue.Merge path so the
// test fails if the configured initial_backoff_ms is ever ignored again.
func TestTrySendBackoffRampDoublesOnRepeatedFailure(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	subID := uuid.New()
	st := &fakeStore{
		sub: &store.Subscription{SubID: subID, ContractID: "c1", URL: failing.URL, APIKey: "k", IsActive: true},
		items: []*store.WorkItem{
			{ItemID: uuid.New(), SubID: subID, ContractID: "c1", EventName: "Transfer", BlockNumber: 1},
		},
		activeSubIDs: []uuid.UUID{subID},
	}

	d := New(st, testGlobalWithInitialBackoff(t, 300), nil)
	cfg := d.cfg.Get()

	if err := d.queue.Refill(context.Background(), st, cfg.InitialBackoff()); err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if got := d.queue.DelayFor(subID).IncreaseTimeout; got != 300*time.Millisecond {
		t.Fatalf("seeded delay = %v, want configured initial_backoff_ms of 300ms", got)
	}

	want := []time.Duration{
		600 * time.Millisecond,
		1200 * time.Millisecond,
		2400 * time.Millisecond,
		4800 * time.Millisecond,
		9600 * time.Millisecond,
	}

	current := d.queue.DelayFor(subID).IncreaseTimeout
	for i, w := range want {
		d.trySend(context.Background(), subID, current, cfg)
		got := d.queue.DelayFor(subID).IncreaseTimeout
		if got != w {
			t.Fatalf("step %d: backoff = %v, want %v", i, got, w)
		}
		current = got
	}
}

// TestTrySendGCsOrphanedWorkItemsWhenSubscriptionDeleted covers the lazy
// garbage-collection path: a missing subscription causes its work items to
// be deleted instead of attempting delivery.
func TestTrySendGCsOrphanedWorkItemsWhenSubscriptionDeleted(t *testing.T) {
	subID := uuid.New()
	st := &fakeStore{
		sub: nil,
		items: []*store.WorkItem{
			{ItemID: uuid.New(), SubID: subID, ContractID: "c1", EventName: "Transfer", BlockNumber: 1},
		},
	}

	d := New(st, testGlobal(t), nil)
	d.trySend(context.Background(), subID, 100*time.Millisecond, d.cfg.Get())

	if len(st.gcSubs) != 1 || st.gcSubs[0] != subID {
		t.Fatalf("expected work items of %s to be garbage-collected, got %v", subID, st.gcSubs)
	}
	if d.queue.Contains(subID) {
		t.Fatal("orphaned subscription should not be re-queued")
	}
}

// TestTrySendPublishesClaimOutcome covers SPEC_FULL.md §4.10's claim_ok/
// claim_failed admin events alongside the existing delivered/backoff/
// gc_orphan ones.
func TestTrySendPublishesClaimOutcome(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	subID := uuid.New()
	sub := &store.Subscription{SubID: subID, ContractID: "c1", URL: ok.URL, APIKey: "k", IsActive: true}
	item := &store.WorkItem{ItemID: uuid.New(), SubID: subID, ContractID: "c1", EventName: "Transfer", BlockNumber: 1}

	hub := events.NewHub()
	defer hub.Close()
	ch, cancel := hub.Subscribe()
	defer cancel()

	st := &fakeStore{sub: sub, items: []*store.WorkItem{item}}
	d := New(st, testGlobal(t), hub)
	d.trySend(context.Background(), subID, 100*time.Millisecond, d.cfg.Get())

	if ev := nextEvent(t, ch); ev.Type != "claim_ok" {
		t.Fatalf("first event type = %q, want claim_ok", ev.Type)
	}

	st2 := &fakeStore{sub: sub, items: []*store.WorkItem{item}, denyClaim: true}
	d2 := New(st2, testGlobal(t), hub)
	d2.trySend(context.Background(), subID, 100*time.Millisecond, d2.cfg.Get())

	found := false
	for i := 0; i < 5; i++ {
		ev := nextEvent(t, ch)
		if ev.Type == "claim_failed" {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected a claim_failed event after a denied claim")
	}
}

func nextEvent(t *testing.T, ch chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

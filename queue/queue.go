// Package queue implements the Subscription Queue: an ordered FIFO sequence
// of subscription ids paired with a per-subscription backoff delay map.
package queue

import (
	"container/list"
	"context"
	"time"

	"github.com/google/uuid"
)

// Delay is the per-subscription backoff state.
type Delay struct {
	IncreaseTimeout time.Duration
	WaitUntil       time.Time
}

// Queue is the ordered-sequence-plus-map structure described in the
// Subscription Queue design: the list gives FIFO fairness over
// non-delayed entries, the map gives O(1) backoff-state lookup. The map is
// always a superset of the list's elements.
type Queue struct {
	order *list.List
	delay map[uuid.UUID]Delay
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{order: list.New(), delay: make(map[uuid.UUID]Delay)}
}

// Len reports the number of entries currently in the FIFO order.
func (q *Queue) Len() int { return q.order.Len() }

// Empty reports whether the FIFO order has no entries.
func (q *Queue) Empty() bool { return q.order.Len() == 0 }

// PopHead removes and returns the head of the FIFO order.
func (q *Queue) PopHead() uuid.UUID {
	e := q.order.Front()
	q.order.Remove(e)
	return e.Value.(uuid.UUID)
}

// PushTail appends sub to the tail of the FIFO order without touching the map.
func (q *Queue) PushTail(sub uuid.UUID) {
	q.order.PushBack(sub)
}

// Contains reports whether sub currently has a map entry.
func (q *Queue) Contains(sub uuid.UUID) bool {
	_, ok := q.delay[sub]
	return ok
}

// DelayFor returns the current backoff state for sub.
func (q *Queue) DelayFor(sub uuid.UUID) Delay {
	return q.delay[sub]
}

// SetDelay overwrites the backoff state for sub.
func (q *Queue) SetDelay(sub uuid.UUID, d Delay) {
	q.delay[sub] = d
}

// Merge is an append-only deduplicated union: any id in ids not already
// present in the map is appended to the FIFO order and seeded with
// initialDelay (the configured initial backoff — see config.Data.InitialBackoffMS).
// Existing entries are left untouched. Idempotent: merging the same list
// twice leaves the queue unchanged after the first call.
func (q *Queue) Merge(ids []uuid.UUID, initialDelay time.Duration) {
	now := time.Now()
	for _, id := range ids {
		if _, ok := q.delay[id]; ok {
			continue
		}
		q.order.PushBack(id)
		q.delay[id] = Delay{IncreaseTimeout: initialDelay, WaitUntil: now}
	}
}

// ActiveSubscriptionLister fetches the current set of active subscription
// ids from the store, used by Refill and by the starvation-guard re-merge.
type ActiveSubscriptionLister interface {
	ListActiveSubscriptionIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Refill reads all active subscriptions and merges any unseen ids in,
// seeding newly-merged entries with initialDelay.
func (q *Queue) Refill(ctx context.Context, store ActiveSubscriptionLister, initialDelay time.Duration) error {
	ids, err := store.ListActiveSubscriptionIDs(ctx)
	if err != nil {
		return err
	}
	q.Merge(ids, initialDelay)
	return nil
}

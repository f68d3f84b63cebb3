// Package dispatcher implements the cooperative single-threaded scheduler
// that cycles active subscriptions, claims due work items via the Lease
// Protocol, and delivers signed webhook POSTs with per-subscription
// exponential backoff.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcoelh0/web3cache-go/config"
	"github.com/jcoelh0/web3cache-go/events"
	"github.com/jcoelh0/web3cache-go/queue"
	"github.com/jcoelh0/web3cache-go/store"
	"github.com/jcoelh0/web3cache-go/webhook"
)

// Dispatcher is a single cooperative task per process. No parallelism across
// subscriptions; per-subscription delivery order is therefore trivially
// non-decreasing in block_number.
type Dispatcher struct {
	store  store.Store
	cfg    *config.Global
	client *http.Client
	queue  *queue.Queue
	events *events.Hub
}

// New constructs a Dispatcher. evts may be nil if no admin observability
// stream is wired.
func New(st store.Store, cfg *config.Global, evts *events.Hub) *Dispatcher {
	c := cfg.Get()
	return &Dispatcher{
		store:  st,
		cfg:    cfg,
		client: &http.Client{Timeout: c.WebhookTimeout()},
		queue:  queue.New(),
		events: evts,
	}
}

type deliveryItem struct {
	Transactions []json.RawMessage `json:"transactions"`
	BlockNumber  int64             `json:"block_number"`
	EventName    string            `json:"event_name"`
}

// Run executes the main loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.queue.Refill(ctx, d.store, d.cfg.Get().InitialBackoff()); err != nil {
		return fmt.Errorf("initial refill: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cfg := d.cfg.Get()
		retries := cfg.MaxRetries

		for !d.queue.Empty() {
			if err := ctx.Err(); err != nil {
				return err
			}

			sub := d.queue.PopHead()
			delay := d.queue.DelayFor(sub)

			if time.Now().Before(delay.WaitUntil) {
				d.queue.PushTail(sub)
				retries--
				if retries <= 0 {
					if err := d.queue.Refill(ctx, d.store, cfg.InitialBackoff()); err != nil {
						log.Printf("dispatcher: refill: %v", err)
					}
					retries = cfg.MaxRetries
				}
				sleepOrDone(ctx, cfg.RetrySleep())
				continue
			}
			retries = cfg.MaxRetries

			pending, err := d.store.AnyWorkItemPending(ctx, sub)
			if err != nil {
				log.Printf("dispatcher: any_work_pending(%s): %v", sub, err)
			} else if pending {
				d.trySend(ctx, sub, delay.IncreaseTimeout, cfg)
			}

			sleepOrDone(ctx, cfg.DispatchSleep())
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.queue.Refill(ctx, d.store, cfg.InitialBackoff()); err != nil {
				log.Printf("dispatcher: refill: %v", err)
			}
		}()
		sleepOrDone(ctx, cfg.RefillSleep())
		wg.Wait()
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// trySend is one attempt to deliver the sub's oldest pending work, per the
// Dispatcher Loop's try_send algorithm.
func (d *Dispatcher) trySend(ctx context.Context, sub uuid.UUID, currentDelay time.Duration, cfg config.Data) {
	batch, err := d.store.FindWorkItemBatch(ctx, sub, cfg.BatchSize)
	if err != nil {
		log.Printf("dispatcher: find_work_item_batch(%s): %v", sub, err)
		return
	}

	now := time.Now()
	claimUntil := now.Add(cfg.ClaimLease())
	sentUntil := now.Add(cfg.SentLease())

	claimed := false
	if len(batch) > 0 {
		ok, err := d.store.ClaimWorkItem(ctx, batch[0].ItemID, claimUntil)
		if err != nil {
			log.Printf("dispatcher: claim(%s): %v", batch[0].ItemID, err)
		}
		claimed = ok
		if claimed {
			d.publish(events.Event{Type: "claim_ok", SubID: sub.String()})
		} else {
			d.publish(events.Event{Type: "claim_failed", SubID: sub.String()})
		}
	}

	subscription, err := d.store.GetSubscription(ctx, sub)
	if err != nil {
		log.Printf("dispatcher: get_subscription(%s): %v", sub, err)
		return
	}
	if subscription == nil {
		if err := d.store.DeleteWorkItemsForSubscription(ctx, sub); err != nil {
			log.Printf("dispatcher: gc work items for %s: %v", sub, err)
		}
		d.publish(events.Event{Type: "gc_orphan", SubID: sub.String()})
		return
	}

	isLocked := len(batch) == 0 || !claimed

	var ackIDs []uuid.UUID
	var payload []deliveryItem
	if !isLocked {
		for _, it := range batch {
			payload = append(payload, deliveryItem{
				Transactions: it.Transactions,
				BlockNumber:  it.BlockNumber,
				EventName:    it.EventName,
			})
			ackIDs = append(ackIDs, it.ItemID)
		}
	}

	withProblems := false
	if len(payload) > 0 {
		if d.deliver(ctx, subscription, payload) {
			if err := d.store.ReleaseWorkItems(ctx, ackIDs, sentUntil); err != nil {
				log.Printf("dispatcher: extend lease for %s: %v", sub, err)
			}
			if err := d.store.DeleteWorkItems(ctx, ackIDs); err != nil {
				log.Printf("dispatcher: delete work items for %s: %v", sub, err)
			}
			d.publish(events.Event{Type: "delivered", SubID: sub.String(), ItemCount: len(ackIDs)})
		} else {
			if err := d.store.ReleaseWorkItems(ctx, ackIDs[:1], now); err != nil {
				log.Printf("dispatcher: release lease for %s: %v", sub, err)
			}
			withProblems = true
		}
	} else {
		withProblems = true
	}

	pending, err := d.store.AnyWorkItemPending(ctx, sub)
	if err != nil {
		log.Printf("dispatcher: any_work_pending(%s): %v", sub, err)
		return
	}
	if !pending {
		return
	}

	var nextDelay time.Duration
	if withProblems {
		nextDelay = currentDelay * 2
		if nextDelay > cfg.MaxBackoff() {
			nextDelay = cfg.MaxBackoff()
		}
		d.publish(events.Event{Type: "backoff", SubID: sub.String(), Detail: nextDelay.String()})
	} else {
		nextDelay = cfg.SteadyBackoff()
	}

	if !d.queue.Contains(sub) {
		d.queue.PushTail(sub)
	}
	d.queue.SetDelay(sub, queue.Delay{IncreaseTimeout: nextDelay, WaitUntil: time.Now().Add(nextDelay)})
}

// deliver POSTs payload to subscription.URL with the Webhook Signer's
// header bundle, reporting success iff the response status is 2xx.
func (d *Dispatcher) deliver(ctx context.Context, subscription *store.Subscription, payload []deliveryItem) bool {
	subID := subscription.SubID.String()

	headers, err := webhook.Headers(subID, subscription.ContractID, subscription.APIKey)
	if err != nil {
		log.Printf("dispatcher: sign headers for %s: %v", subID, err)
		return false
	}

	body, err := json.Marshal(map[string]any{
		"metadata":      map[string]string{"contract_id": subscription.ContractID},
		"payload_count": len(payload),
		"payload":       payload,
	})
	if err != nil {
		log.Printf("dispatcher: marshal payload for %s: %v", subID, err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscription.URL, bytes.NewReader(body))
	if err != nil {
		log.Printf("dispatcher: build request for %s: %v", subID, err)
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		log.Printf("dispatcher: deliver to %s: %v", subscription.URL, err)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	log.Printf("dispatcher: delivered sub=%s status=%d ok=%v", subID, resp.StatusCode, ok)
	return ok
}

func (d *Dispatcher) publish(ev events.Event) {
	if d.events != nil {
		d.events.Publish(ev)
	}
}

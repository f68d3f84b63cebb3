// Package materializer fans accepted blocks out into one WorkItem per
// (accepted block, active subscription) pair.
package materializer

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jcoelh0/web3cache-go/filter"
	"github.com/jcoelh0/web3cache-go/store"
)

// Materialize builds the cross-product of accepted blocks and active
// subscriptions, plus the flat list of raw transactions destined for the
// realtime sideband notification. Each work item's locked_until is set to
// now so it is immediately eligible for dispatch.
func Materialize(contractID string, blocks []filter.Block, subs []*store.Subscription) (items []*store.WorkItem, rawTx []json.RawMessage) {
	now := time.Now()
	for _, b := range blocks {
		for _, sub := range subs {
			items = append(items, &store.WorkItem{
				ItemID:       uuid.New(),
				SubID:        sub.SubID,
				ContractID:   contractID,
				EventName:    b.EventName,
				BlockNumber:  b.BlockNumber,
				Transactions: b.Transactions,
				LockedUntil:  now,
			})
		}
		rawTx = append(rawTx, b.Transactions...)
	}
	return items, rawTx
}

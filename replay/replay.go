// Package replay implements replay(sub, start_block): it fetches historical
// transactions for a subscription's contract from the external read service
// and synthesizes fresh work items from them.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jcoelh0/web3cache-go/store"
)

// record is one historical transaction as returned by the read service. Only
// event_name and block_number are interpreted; the full record is kept
// verbatim in the resulting work item's transaction list.
type record struct {
	EventName   string `json:"event_name"`
	BlockNumber int64  `json:"block_number"`
	raw         json.RawMessage
}

func (r *record) UnmarshalJSON(b []byte) error {
	r.raw = append(json.RawMessage(nil), b...)
	type alias record
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	r.EventName, r.BlockNumber = a.EventName, a.BlockNumber
	return nil
}

// ReadServiceClient fetches a contract's historical transactions from
// start_block onward.
type ReadServiceClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewReadServiceClient(baseURL string) *ReadServiceClient {
	return &ReadServiceClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (c *ReadServiceClient) TransactionsHistory(ctx context.Context, contractID string, startBlock int64) ([]record, error) {
	url := fmt.Sprintf("%s/transactions_history?contract_id=%s&start_block=%d", c.BaseURL, contractID, startBlock)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("read service: status %d", resp.StatusCode)
	}
	var records []record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

// Replay groups txs into runs of identical (event_name, block_number)
// preserving input order, turns each run into a fresh WorkItem, and bulk
// inserts them (unordered; unique-index collisions are tolerated by Store).
func Replay(ctx context.Context, st store.Store, client *ReadServiceClient, sub *store.Subscription, startBlock int64) error {
	txs, err := client.TransactionsHistory(ctx, sub.ContractID, startBlock)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	items := groupIntoWorkItems(sub, txs)
	if len(items) == 0 {
		return nil
	}
	return st.InsertWorkItems(ctx, items)
}

func groupIntoWorkItems(sub *store.Subscription, txs []record) []*store.WorkItem {
	var items []*store.WorkItem
	now := time.Now()

	var runEvent string
	var runBlock int64
	var runTx []json.RawMessage
	flush := func() {
		if len(runTx) == 0 {
			return
		}
		items = append(items, &store.WorkItem{
			ItemID:       uuid.New(),
			SubID:        sub.SubID,
			ContractID:   sub.ContractID,
			EventName:    runEvent,
			BlockNumber:  runBlock,
			Transactions: runTx,
			LockedUntil:  now,
		})
		runTx = nil
	}

	for i, t := range txs {
		if i == 0 || t.EventName != runEvent || t.BlockNumber != runBlock {
			flush()
			runEvent, runBlock = t.EventName, t.BlockNumber
		}
		runTx = append(runTx, t.raw)
	}
	flush()

	return items
}

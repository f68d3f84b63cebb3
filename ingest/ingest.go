// Package ingest implements the Ingestion Endpoint: POST /push-transactions
// applies the Fingerprint Filter and Work-Item Materializer and persists the
// result, fanning accepted blocks out to every active subscription.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/jcoelh0/web3cache-go/filter"
	"github.com/jcoelh0/web3cache-go/materializer"
	"github.com/jcoelh0/web3cache-go/store"
)

// Deps holds the ingestion handler's dependencies.
type Deps struct {
	Store       store.Store
	RealtimeURL string // base URL for the fire-and-forget sideband notification
	Client      *http.Client
}

type blockPayload struct {
	BlockNumber  int64             `json:"block_number"`
	EventName    string            `json:"event_name"`
	Transactions []json.RawMessage `json:"transactions"`
}

type pushRequest struct {
	ContractID string         `json:"contract_id"`
	ResetNonce int64          `json:"reset_nonce"`
	Data       []blockPayload `json:"data"`
}

// Handler returns the POST /push-transactions handler.
func Handler(d Deps) http.HandlerFunc {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "malformed payload"})
			return
		}

		ctx := r.Context()

		// Step 2: fetch active subscriptions and the current water-mark.
		subs, err := d.Store.FindActiveSubscriptionsByContract(ctx, req.ContractID)
		if err != nil {
			log.Printf("ingest: find active subscriptions: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		prior, err := d.Store.FindWaterMark(ctx, req.ContractID)
		if err != nil {
			log.Printf("ingest: find water mark: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		// Step 3: apply the Fingerprint Filter.
		blocks := make([]filter.Block, 0, len(req.Data))
		for _, b := range req.Data {
			blocks = append(blocks, filter.Block{
				EventName:    b.EventName,
				BlockNumber:  b.BlockNumber,
				Transactions: b.Transactions,
			})
		}
		result := filter.Apply(prior, req.ResetNonce, blocks)

		// Step 4: materialize work items and the sideband raw-transaction list.
		items, rawTx := materializer.Materialize(req.ContractID, result.Accepted, subs)

		// Step 5: fire-and-forget realtime sideband notification.
		if d.RealtimeURL != "" {
			go notifyRealtime(client, d.RealtimeURL, rawTx)
		}

		// Step 6: unordered bulk insert; duplicate-key collisions are tolerated
		// by the store, any other error is a 400.
		if len(items) > 0 {
			if err := d.Store.InsertWorkItems(ctx, items); err != nil {
				log.Printf("ingest: insert work items: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": "error inserting"})
				return
			}
		}

		// Step 7: upsert the new water-mark. Failure is logged but does not
		// fail the request — a duplicate re-push is harmless under the
		// monotone filter rule.
		if err := d.Store.UpsertWaterMark(ctx, req.ContractID, result.ResetNonce, result.Marks); err != nil {
			log.Printf("ingest: upsert water mark: %v", err)
		}

		w.WriteHeader(http.StatusOK)
	}
}

func notifyRealtime(client *http.Client, realtimeURL string, rawTx []json.RawMessage) {
	body, err := json.Marshal(map[string]any{"transactions": rawTx})
	if err != nil {
		log.Printf("ingest: marshal realtime payload: %v", err)
		return
	}
	resp, err := client.Post(fmt.Sprintf("%s/notify-transactions", realtimeURL), "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("ingest: realtime notify: %v", err)
		return
	}
	defer resp.Body.Close()
}

// Health returns a liveness probe handler.
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

package materializer

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/jcoelh0/web3cache-go/filter"
	"github.com/jcoelh0/web3cache-go/store"
)

func TestMaterializeFanOutCardinality(t *testing.T) {
	blocks := []filter.Block{
		{EventName: "Transfer", BlockNumber: 10, Transactions: []json.RawMessage{json.RawMessage(`{"tx":1}`)}},
		{EventName: "Transfer", BlockNumber: 11, Transactions: []json.RawMessage{json.RawMessage(`{"tx":2}`)}},
	}
	subs := []*store.Subscription{
		{SubID: uuid.New(), ContractID: "c1"},
		{SubID: uuid.New(), ContractID: "c1"},
		{SubID: uuid.New(), ContractID: "c1"},
	}

	items, rawTx := Materialize("c1", blocks, subs)

	if len(items) != len(blocks)*len(subs) {
		t.Fatalf("expected %d items (blocks x subs), got %d", len(blocks)*len(subs), len(items))
	}
	if len(rawTx) != len(blocks) {
		t.Fatalf("expected %d raw tx entries, got %d", len(blocks), len(rawTx))
	}

	seen := map[uuid.UUID]int{}
	for _, it := range items {
		if it.ContractID != "c1" {
			t.Errorf("item contract_id = %q, want c1", it.ContractID)
		}
		seen[it.SubID]++
	}
	for _, sub := range subs {
		if seen[sub.SubID] != len(blocks) {
			t.Errorf("sub %s got %d items, want %d", sub.SubID, seen[sub.SubID], len(blocks))
		}
	}
}

func TestMaterializeNoSubscriptionsProducesNoItems(t *testing.T) {
	blocks := []filter.Block{{EventName: "Transfer", BlockNumber: 1, Transactions: []json.RawMessage{json.RawMessage(`{"tx":1}`)}}}
	items, rawTx := Materialize("c1", blocks, nil)

	if len(items) != 0 {
		t.Fatalf("expected no work items with zero subscriptions, got %d", len(items))
	}
	if len(rawTx) != 1 {
		t.Fatalf("expected raw tx sideband to still be populated, got %d", len(rawTx))
	}
}
